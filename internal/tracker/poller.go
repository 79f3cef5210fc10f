package tracker

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"steam-tracker/internal/models"
	"steam-tracker/internal/services/steam"
)

// Catalog is the slice of the Steam adapter the tracking engine consumes.
// *steam.SteamService implements it; tests substitute fakes.
type Catalog interface {
	Resolve(ctx context.Context, query string) ([]steam.ScoredResult, error)
	GetDetail(ctx context.Context, appID string) (*steam.Detail, error)
	GetPlayers(ctx context.Context, appID string) (int, error)
	TopByPlayers(ctx context.Context, n int) ([]steam.TopEntry, error)
}

// EventSink receives events after their snapshot update has committed, which
// keeps delivery at-most-once across crashes.
type EventSink interface {
	Dispatch(ev models.Event)
}

// cooldownCap bounds the extra-delay multiplier at 8x the sweep interval.
const cooldownCap = 8

type cooldown struct {
	streak int
	until  time.Time
}

// SweepStats summarizes one completed sweep for the status surface.
type SweepStats struct {
	StartedAt   time.Time     `json:"started_at"`
	Duration    time.Duration `json:"duration"`
	Total       int           `json:"total"`
	Succeeded   int           `json:"succeeded"`
	Transient   int           `json:"transient"`
	Permanent   int           `json:"permanent"`
	Skipped     int           `json:"skipped"`
	Quarantined int           `json:"quarantined"`
}

type outcome int

const (
	outcomeOK outcome = iota
	outcomeTransient
	outcomePermanent
	outcomeSkipped
	outcomeQuarantined
	outcomeStoreFailed
)

// Poller sweeps every tracked title at a fixed interval with bounded worker
// concurrency. One sweep must finish before the next starts; per-title work
// is serialized by a keyed lock so an out-of-cycle fetch cannot race a sweep
// on the same title.
type Poller struct {
	catalog Catalog
	subs    *SubscriptionStore
	snaps   *SnapshotStore
	sink    EventSink
	logger  *zap.Logger

	interval time.Duration
	workers  int

	sweeping atomic.Bool
	locks    titleLocks

	mu        sync.Mutex
	cooldowns map[string]*cooldown
	lastStats *SweepStats
	sweeps    int
}

func NewPoller(catalog Catalog, subs *SubscriptionStore, snaps *SnapshotStore,
	sink EventSink, logger *zap.Logger, interval time.Duration, workers int) *Poller {
	return &Poller{
		catalog:   catalog,
		subs:      subs,
		snaps:     snaps,
		sink:      sink,
		logger:    logger,
		interval:  interval,
		workers:   workers,
		locks:     titleLocks{m: map[string]*sync.Mutex{}},
		cooldowns: map[string]*cooldown{},
	}
}

// Run sweeps immediately, then on every tick until the context is cancelled.
// Ticks arriving while a sweep is still running are dropped by the ticker, so
// an overrunning sweep delays the next one instead of overlapping it.
func (p *Poller) Run(ctx context.Context) {
	p.logger.Info("poller started",
		zap.Duration("interval", p.interval),
		zap.Int("workers", p.workers))

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.Sweep(ctx)
	for {
		select {
		case <-ctx.Done():
			p.logger.Info("poller stopped")
			return
		case <-ticker.C:
			p.Sweep(ctx)
		}
	}
}

// Sweep runs one full pass over the tracked titles and records its stats.
func (p *Poller) Sweep(ctx context.Context) SweepStats {
	if !p.sweeping.CompareAndSwap(false, true) {
		p.logger.Warn("previous sweep still running, tick dropped")
		return SweepStats{}
	}
	defer p.sweeping.Store(false)

	start := time.Now()
	ids, err := p.subs.AllTitleIDs()
	if err != nil {
		p.logger.Error("sweep aborted, listing tracked titles failed", zap.Error(err))
		return SweepStats{StartedAt: start}
	}
	quarantined, err := p.subs.QuarantinedIDs()
	if err != nil {
		p.logger.Error("loading quarantined titles failed", zap.Error(err))
		quarantined = map[string]struct{}{}
	}

	stats := SweepStats{StartedAt: start, Total: len(ids)}
	var statsMu sync.Mutex
	count := func(out outcome) {
		statsMu.Lock()
		defer statsMu.Unlock()
		switch out {
		case outcomeOK:
			stats.Succeeded++
		case outcomeTransient, outcomeStoreFailed:
			stats.Transient++
		case outcomePermanent:
			stats.Permanent++
		case outcomeSkipped:
			stats.Skipped++
		case outcomeQuarantined:
			stats.Quarantined++
		}
	}

	jobs := make(chan string)
	var wg sync.WaitGroup
	for i := 0; i < p.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for id := range jobs {
				out, _ := p.pollTitle(ctx, id, true)
				count(out)
			}
		}()
	}

	now := time.Now()
feed:
	for _, id := range ids {
		if _, ok := quarantined[id]; ok {
			count(outcomeQuarantined)
			continue
		}
		if p.coolingDown(id, now) {
			count(outcomeSkipped)
			continue
		}
		select {
		case jobs <- id:
		case <-ctx.Done():
			break feed
		}
	}
	close(jobs)
	wg.Wait()

	stats.Duration = time.Since(start)
	p.mu.Lock()
	p.lastStats = &stats
	p.sweeps++
	p.mu.Unlock()

	if stats.Duration > p.interval {
		p.logger.Warn("sweep overran the poll interval",
			zap.Duration("duration", stats.Duration),
			zap.Duration("interval", p.interval))
	}
	p.logger.Info("sweep complete",
		zap.Int("titles", stats.Total),
		zap.Int("succeeded", stats.Succeeded),
		zap.Int("transient", stats.Transient),
		zap.Int("permanent", stats.Permanent),
		zap.Int("skipped", stats.Skipped),
		zap.Int("quarantined", stats.Quarantined),
		zap.Duration("duration", stats.Duration))
	return stats
}

// SweepOne fetches a single title immediately, outside the sweep cycle, so a
// fresh track returns with its snapshot already seeded.
func (p *Poller) SweepOne(ctx context.Context, titleID string) error {
	_, err := p.pollTitle(ctx, titleID, false)
	return err
}

// LastSweep returns the most recent sweep's stats.
func (p *Poller) LastSweep() (SweepStats, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.lastStats == nil {
		return SweepStats{}, false
	}
	return *p.lastStats, true
}

// SweepCount returns how many sweeps have completed since startup.
func (p *Poller) SweepCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sweeps
}

func (p *Poller) pollTitle(ctx context.Context, titleID string, withJitter bool) (outcome, error) {
	unlock := p.locks.lock(titleID)
	defer unlock()

	if withJitter {
		if !sleepCtx(ctx, p.jitter()) {
			return outcomeSkipped, ctx.Err()
		}
	}

	title, err := p.subs.GetTitle(titleID)
	if err != nil {
		p.logger.Error("title lookup failed", zap.String("title_id", titleID), zap.Error(err))
		return outcomeStoreFailed, err
	}
	if title == nil {
		// Untracked while the sweep was in flight.
		return outcomeSkipped, nil
	}

	facts, err := p.fetchFacts(ctx, titleID, title.Name)
	if err != nil {
		streak := p.recordFailure(titleID)
		p.logger.Warn("catalog fetch failed",
			zap.String("title_id", titleID),
			zap.Int("consecutive_failures", streak),
			zap.Error(err))
		return outcomeTransient, err
	}

	old, err := p.snaps.Get(titleID)
	if err != nil {
		p.logger.Error("snapshot read failed", zap.String("title_id", titleID), zap.Error(err))
		return outcomeStoreFailed, err
	}

	events := Detect(old, facts)
	next := NextSnapshot(old, facts)
	if _, err := p.snaps.Update(next); err != nil {
		if errors.Is(err, ErrInvariant) {
			p.logger.Error("invariant violation, quarantining title",
				zap.String("title_id", titleID), zap.Error(err))
			if qErr := p.subs.Quarantine(titleID, err.Error()); qErr != nil {
				p.logger.Error("quarantine write failed",
					zap.String("title_id", titleID), zap.Error(qErr))
			}
			return outcomeQuarantined, err
		}
		p.logger.Error("snapshot update failed, events for this cycle dropped",
			zap.String("title_id", titleID), zap.Error(err))
		return outcomeStoreFailed, err
	}

	// Both a clean fetch and a definitive 404 end a transient streak.
	p.resetCooldown(titleID)

	for _, ev := range events {
		p.sink.Dispatch(ev)
	}
	if len(events) > 0 {
		p.logger.Info("changes detected",
			zap.String("title_id", titleID),
			zap.String("title", facts.Name),
			zap.Int("events", len(events)))
	}

	if facts.Availability == models.AvailabilityRemoved {
		return outcomePermanent, nil
	}
	return outcomeOK, nil
}

// fetchFacts gathers detail and players for one title. A 404 on the detail
// call is a definitive answer, returned as removal facts rather than an
// error; a 404 on the player endpoint just means the app has no stats yet.
func (p *Poller) fetchFacts(ctx context.Context, titleID, knownName string) (Facts, error) {
	now := time.Now().UTC()

	detail, err := p.catalog.GetDetail(ctx, titleID)
	if errors.Is(err, steam.ErrNotFound) {
		return Facts{
			TitleID:      titleID,
			Name:         knownName,
			Availability: models.AvailabilityRemoved,
			ObservedAt:   now,
		}, nil
	}
	if err != nil {
		return Facts{}, err
	}

	players, err := p.catalog.GetPlayers(ctx, titleID)
	if err != nil && !errors.Is(err, steam.ErrNotFound) {
		return Facts{}, err
	}

	name := detail.Name
	if name == "" {
		name = knownName
	}
	return Facts{
		TitleID:        titleID,
		Name:           name,
		Price:          detail.Price,
		Currency:       detail.Currency,
		ReleaseDate:    detail.ReleaseDate,
		Availability:   detail.Availability,
		AnnouncementID: detail.AnnouncementID,
		Players:        players,
		ObservedAt:     now,
	}, nil
}

// jitter draws a delay in [0, interval/10) to smooth catalog load.
func (p *Poller) jitter() time.Duration {
	limit := p.interval / 10
	if limit <= 0 {
		return 0
	}
	return time.Duration(rand.Int63n(int64(limit)))
}

// recordFailure bumps the title's consecutive-failure streak and schedules
// extra delay: 2x the interval on the first failure, doubling per failure up
// to the 8x cap. Returns the new streak.
func (p *Poller) recordFailure(titleID string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	c := p.cooldowns[titleID]
	if c == nil {
		c = &cooldown{}
		p.cooldowns[titleID] = c
	}
	c.streak++
	multiplier := 1 << c.streak
	if multiplier > cooldownCap {
		multiplier = cooldownCap
	}
	c.until = time.Now().Add(time.Duration(multiplier) * p.interval)
	return c.streak
}

func (p *Poller) resetCooldown(titleID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.cooldowns, titleID)
}

func (p *Poller) coolingDown(titleID string, now time.Time) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	c, ok := p.cooldowns[titleID]
	return ok && now.Before(c.until)
}

// titleLocks hands out one mutex per title id. Entries are never collected;
// the map is bounded by the watchlist size.
type titleLocks struct {
	mu sync.Mutex
	m  map[string]*sync.Mutex
}

func (l *titleLocks) lock(id string) func() {
	l.mu.Lock()
	lk, ok := l.m[id]
	if !ok {
		lk = &sync.Mutex{}
		l.m[id] = lk
	}
	l.mu.Unlock()
	lk.Lock()
	return lk.Unlock
}

// sleepCtx waits for d unless the context ends first.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return true
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
