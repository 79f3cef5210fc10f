package tracker

import (
	"context"

	"steam-tracker/internal/services/steam"
)

const (
	// resolveThreshold is the score at which the top hit wins outright.
	resolveThreshold = 0.85
	// maxCandidates bounds a disambiguation list.
	maxCandidates = 5
)

// ResolveStatus is the outcome class of a resolution attempt. Transient
// catalog trouble is reported as an error instead, so callers can retry.
type ResolveStatus int

const (
	ResolveOK ResolveStatus = iota
	ResolveNotFound
	ResolveAmbiguous
)

// Resolution is the result of turning free text into a title. Match is set
// for ResolveOK; Candidates carries the shortlist for ResolveAmbiguous.
type Resolution struct {
	Status     ResolveStatus
	Match      *steam.ScoredResult
	Candidates []steam.ScoredResult
}

// Resolver turns free-text queries into stable title ids. It is stateless;
// the catalog adapter underneath does the searching and scoring.
type Resolver struct {
	catalog Catalog
}

func NewResolver(catalog Catalog) *Resolver {
	return &Resolver{catalog: catalog}
}

// Resolve accepts the top search hit when its score clears the threshold or
// its normalized name equals the normalized query exactly. Anything less
// certain comes back as a shortlist for the user to narrow down.
func (r *Resolver) Resolve(ctx context.Context, query string) (*Resolution, error) {
	results, err := r.catalog.Resolve(ctx, query)
	if err != nil {
		return nil, err
	}
	if len(results) == 0 {
		return &Resolution{Status: ResolveNotFound}, nil
	}

	top := results[0]
	if top.Score >= resolveThreshold || steam.NormalizeTitle(top.Name) == steam.NormalizeTitle(query) {
		return &Resolution{Status: ResolveOK, Match: &top}, nil
	}

	candidates := results
	if len(candidates) > maxCandidates {
		candidates = candidates[:maxCandidates]
	}
	return &Resolution{Status: ResolveAmbiguous, Candidates: candidates}, nil
}
