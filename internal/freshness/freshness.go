// Package freshness implements Watcher, phoenix's staleness detector for
// the heterogeneous pipelines it depends on: consensus nodes, validation
// nodes, and three slot-lag-tracked backfill jobs.
//
// The poll-and-compare-against-a-timer shape is ported from the teacher's
// healthmon package (healthmon/healthmon.go: monitor/monitorBeacon's
// channel-of-updates plus staleness timer), generalized from "exactly one
// chain, one health boolean" to "N independently configured sources, two
// escalation tiers, in-memory last-seen map."
package freshness

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ultrasoundmoney/phoenix/internal/alert"
	"github.com/ultrasoundmoney/phoenix/internal/metrics"
)

const defaultAgeLimit = 3 * time.Minute

// Source is a single pipeline the watcher tracks for liveness.
type Source interface {
	Name() string
	// Refresh reports the time the source was last known to be healthy
	// and, for sources with a notion of partial degradation, how many of
	// its constituent nodes are currently unsynced.
	Refresh(ctx context.Context) (lastSeen time.Time, unsyncedCount int, err error)
	AgeLimit() time.Duration
	WarnThreshold() int
	PageThreshold() int
}

// Watcher polls every configured Source on a fixed cadence and fires
// throttled alerts through router when a source goes stale or reports too
// many unsynced nodes.
type Watcher struct {
	sources []Source
	router  *alert.Router

	mu       sync.Mutex
	lastSeen map[string]time.Time
}

func New(router *alert.Router, sources ...Source) *Watcher {
	w := &Watcher{
		sources:  sources,
		router:   router,
		lastSeen: make(map[string]time.Time),
	}
	now := time.Now()
	for _, s := range sources {
		w.lastSeen[s.Name()] = now
	}
	return w
}

// Run polls every source every 10 seconds until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) error {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			w.tick(ctx)
		}
	}
}

func (w *Watcher) tick(ctx context.Context) {
	for _, source := range w.sources {
		w.pollSource(ctx, source)
	}
}

func (w *Watcher) pollSource(ctx context.Context, source Source) {
	lastSeen, unsyncedCount, err := source.Refresh(ctx)
	if err != nil {
		slog.Error("freshness source refresh failed", "source", source.Name(), "error", err)
		metrics.ScanErrors.WithLabelValues("freshness:" + source.Name()).Inc()
		return
	}

	w.mu.Lock()
	w.lastSeen[source.Name()] = lastSeen
	w.mu.Unlock()

	metrics.FreshnessSourceAge.WithLabelValues(source.Name()).Set(time.Since(lastSeen).Seconds())
	metrics.FreshnessUnsyncedNodes.WithLabelValues(source.Name()).Set(float64(unsyncedCount))

	ageLimit := source.AgeLimit()
	if ageLimit <= 0 {
		ageLimit = defaultAgeLimit
	}

	if time.Since(lastSeen) >= ageLimit {
		msg := alert.NewMessage(fmt.Sprintf(
			"%s hasn't updated for more than %d seconds", source.Name(), int(ageLimit.Seconds()),
		))
		w.router.Fire(ctx, alert.Page, alert.ChannelAlerts, msg, "")
		return
	}

	if unsyncedCount >= source.PageThreshold() {
		msg := alert.NewMessage(fmt.Sprintf(
			"%s has %d unsynced nodes", source.Name(), unsyncedCount,
		))
		w.router.Fire(ctx, alert.Page, alert.ChannelAlerts, msg, "")
		if unsyncedCount >= source.WarnThreshold() {
			w.router.Fire(ctx, alert.Chat, alert.ChannelAlerts, msg, "")
		}
	}
}
