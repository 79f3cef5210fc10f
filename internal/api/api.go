package api

import (
	"fmt"
	"net/http"
	"sort"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/xuri/excelize/v2"
	"go.uber.org/zap"

	"steam-tracker/internal/models"
	"steam-tracker/internal/notify"
	"steam-tracker/internal/tracker"
)

// SweepSource exposes the poller's sweep bookkeeping to the status endpoint.
type SweepSource interface {
	LastSweep() (tracker.SweepStats, bool)
	SweepCount() int
}

// StatsSource exposes the dispatcher's delivery counters.
type StatsSource interface {
	Stats() notify.Stats
}

// Handler serves the operational API: health, status, the tracked-title
// inventory, quarantine maintenance and the live event feed.
type Handler struct {
	subs    *tracker.SubscriptionStore
	snaps   *tracker.SnapshotStore
	sweeps  SweepSource
	stats   StatsSource
	logger  *zap.Logger
	feed    *eventHub
	started time.Time
}

func SetupRoutes(r *gin.RouterGroup, subs *tracker.SubscriptionStore,
	snaps *tracker.SnapshotStore, sweeps SweepSource, stats StatsSource,
	logger *zap.Logger) *Handler {
	handler := &Handler{
		subs:    subs,
		snaps:   snaps,
		sweeps:  sweeps,
		stats:   stats,
		logger:  logger,
		feed:    newEventHub(logger),
		started: time.Now(),
	}

	r.GET("/health", handler.Health)
	r.GET("/status", handler.Status)
	r.GET("/tracked", handler.ListTracked)
	r.GET("/tracked/export", handler.ExportTracked)
	r.POST("/quarantine/:id/clear", handler.ClearQuarantine)
	r.GET("/ws", handler.EventFeed)

	return handler
}

// Broadcast feeds one event to the websocket clients. Wire it as a
// dispatcher observer.
func (h *Handler) Broadcast(ev models.Event) {
	h.feed.Broadcast(ev)
}

// Close disconnects the websocket clients.
func (h *Handler) Close() {
	h.feed.Close()
}

func (h *Handler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *Handler) Status(c *gin.Context) {
	quarantined, err := h.subs.QuarantinedTitles()
	if err != nil {
		h.logger.Error("status: quarantine lookup failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "db error"})
		return
	}
	items := make([]gin.H, 0, len(quarantined))
	for _, title := range quarantined {
		items = append(items, gin.H{
			"id":     title.ID,
			"name":   title.Name,
			"since":  title.QuarantinedAt,
			"reason": title.QuarantineReason,
		})
	}

	status := gin.H{
		"status":         "ok",
		"uptime_seconds": int(time.Since(h.started).Seconds()),
		"sweeps":         h.sweeps.SweepCount(),
		"quarantined":    items,
		"dispatcher":     h.stats.Stats(),
	}
	if last, ok := h.sweeps.LastSweep(); ok {
		status["last_sweep"] = last
	}
	c.JSON(http.StatusOK, status)
}

// trackedRow is one line of the inventory, shared by the JSON and the
// spreadsheet views.
type trackedRow struct {
	ID          string
	Name        string
	Quarantined bool
	Subscribers int64
	Snapshot    *models.Snapshot
}

func (h *Handler) trackedRows() ([]trackedRow, error) {
	ids, err := h.subs.AllTitleIDs()
	if err != nil {
		return nil, err
	}
	titles, err := h.subs.TitlesByIDs(ids)
	if err != nil {
		return nil, err
	}
	snapshots, err := h.snaps.All()
	if err != nil {
		return nil, err
	}

	rows := make([]trackedRow, 0, len(ids))
	for _, id := range ids {
		title, ok := titles[id]
		if !ok {
			continue
		}
		count, err := h.subs.CountByTitle(id)
		if err != nil {
			return nil, err
		}
		row := trackedRow{
			ID:          id,
			Name:        title.Name,
			Quarantined: title.QuarantinedAt != nil,
			Subscribers: count,
		}
		if snap, ok := snapshots[id]; ok {
			s := snap
			row.Snapshot = &s
		}
		rows = append(rows, row)
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].Name < rows[j].Name })
	return rows, nil
}

func (h *Handler) ListTracked(c *gin.Context) {
	rows, err := h.trackedRows()
	if err != nil {
		h.logger.Error("tracked list failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "db error"})
		return
	}

	items := make([]gin.H, 0, len(rows))
	for _, row := range rows {
		item := gin.H{
			"id":          row.ID,
			"name":        row.Name,
			"quarantined": row.Quarantined,
			"subscribers": row.Subscribers,
		}
		if snap := row.Snapshot; snap != nil {
			item["price"] = snap.Price
			item["currency"] = snap.Currency
			item["release_date"] = snap.ReleaseDate
			item["availability"] = snap.Availability
			item["players_current"] = snap.PlayersCurrent
			item["players_peak_24h"] = snap.PlayersPeak24h
			item["players_peak_all"] = snap.PlayersPeakAll
			item["observed_at"] = snap.ObservedAt
		}
		items = append(items, item)
	}
	c.JSON(http.StatusOK, gin.H{
		"code": 200,
		"msg":  "ok",
		"data": gin.H{"count": len(items), "items": items},
	})
}

func (h *Handler) ExportTracked(c *gin.Context) {
	rows, err := h.trackedRows()
	if err != nil {
		h.logger.Error("tracked export failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "db error"})
		return
	}

	f := excelize.NewFile()
	defer f.Close()
	const sheet = "Tracked Titles"
	if err := f.SetSheetName("Sheet1", sheet); err != nil {
		h.logger.Error("tracked export failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "export error"})
		return
	}

	header := []any{"ID", "Name", "Price", "Currency", "Release Date",
		"Availability", "Players", "Peak 24h", "Peak All-Time",
		"Subscribers", "Quarantined", "Observed At"}
	if err := f.SetSheetRow(sheet, "A1", &header); err != nil {
		h.logger.Error("tracked export failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "export error"})
		return
	}

	for i, row := range rows {
		cells := make([]any, len(header))
		cells[0] = row.ID
		cells[1] = row.Name
		cells[9] = row.Subscribers
		cells[10] = row.Quarantined
		if snap := row.Snapshot; snap != nil {
			if snap.Price != nil {
				cells[2] = notify.FormatAmount(*snap.Price, "")
			}
			cells[3] = snap.Currency
			cells[4] = snap.ReleaseDate
			cells[5] = string(snap.Availability)
			cells[6] = snap.PlayersCurrent
			cells[7] = snap.PlayersPeak24h
			cells[8] = snap.PlayersPeakAll
			cells[11] = snap.ObservedAt.UTC().Format(time.RFC3339)
		}
		axis := fmt.Sprintf("A%d", i+2)
		if err := f.SetSheetRow(sheet, axis, &cells); err != nil {
			h.logger.Error("tracked export failed", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "export error"})
			return
		}
	}

	c.Header("Content-Disposition", `attachment; filename="tracked_titles.xlsx"`)
	c.Header("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	if err := f.Write(c.Writer); err != nil {
		h.logger.Error("tracked export write failed", zap.Error(err))
	}
}

func (h *Handler) ClearQuarantine(c *gin.Context) {
	id := c.Param("id")
	cleared, err := h.subs.ClearQuarantine(id)
	if err != nil {
		h.logger.Error("quarantine clear failed", zap.String("title_id", id), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "db error"})
		return
	}
	if !cleared {
		c.JSON(http.StatusNotFound, gin.H{"error": "title not quarantined"})
		return
	}
	h.logger.Info("quarantine cleared", zap.String("title_id", id))
	c.JSON(http.StatusOK, gin.H{"code": 200, "msg": "ok"})
}

func (h *Handler) EventFeed(c *gin.Context) {
	h.feed.handle(c)
}
