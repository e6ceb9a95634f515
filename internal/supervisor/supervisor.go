// Package supervisor wires every phoenix component together and runs the
// three cooperating loops the spec describes: the 60-second ops loop
// (DemotionScanner, then InclusionReconciler, then PromotionEngine, sharing
// one canonical horizon), the 10-second FreshnessWatcher tick, and the
// health endpoint. Any loop exiting, success or failure, is fatal.
//
// Ported from original_source/src/main.rs's top-level task spawning, with
// the errgroup.WithContext supervision style adapted from the teacher's
// playground/local_runner.go (pullNotAvailableImages), and the
// startup connection retry loop grounded on the same file's stop/start
// retry conventions.
package supervisor

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"golang.org/x/sync/errgroup"

	"github.com/ultrasoundmoney/phoenix/internal/alert"
	"github.com/ultrasoundmoney/phoenix/internal/chainclient"
	"github.com/ultrasoundmoney/phoenix/internal/checkpoint"
	"github.com/ultrasoundmoney/phoenix/internal/config"
	"github.com/ultrasoundmoney/phoenix/internal/demotion"
	"github.com/ultrasoundmoney/phoenix/internal/freshness"
	"github.com/ultrasoundmoney/phoenix/internal/httpapi"
	"github.com/ultrasoundmoney/phoenix/internal/inclusion"
	"github.com/ultrasoundmoney/phoenix/internal/logquery"
	"github.com/ultrasoundmoney/phoenix/internal/mevdb"
	"github.com/ultrasoundmoney/phoenix/internal/promotion"
	"github.com/ultrasoundmoney/phoenix/internal/proposer"
	"github.com/ultrasoundmoney/phoenix/internal/relaydb"
	"github.com/ultrasoundmoney/phoenix/internal/slotclock"
)

const (
	opsLoopInterval  = 60 * time.Second
	startupRetryFor  = 2 * time.Minute
	startupRetryEach = 10 * time.Second
	poolMaxConns     = 5
)

// Run boots both database pools (retrying for up to two minutes), applies
// schema migrations, and runs every monitor loop plus the health server
// until ctx is cancelled or a loop exits.
func Run(ctx context.Context, cfg *config.AppConfig) error {
	mevPool, err := connectWithRetry(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("supervisor: connect mev db: %w", err)
	}
	defer mevPool.Close()

	relayPool, err := connectWithRetry(ctx, cfg.RelayDatabaseURL)
	if err != nil {
		return fmt.Errorf("supervisor: connect relay db: %w", err)
	}
	defer relayPool.Close()

	if _, err := mevdb.Migrate(mevPool.DB); err != nil {
		return fmt.Errorf("supervisor: apply migrations: %w", err)
	}

	router := alert.New(cfg)
	clock := slotclock.New(cfg.Network)

	mev := mevdb.New(mevPool)
	relay := relaydb.New(relayPool)
	props := proposer.New(relayPool)
	checkpoints := checkpoint.New(mevPool)
	chain := chainclient.New(cfg.ConsensusNodes)
	logs := logquery.New(cfg.LokiURL, clock)

	demotionScanner := demotion.New(cfg, relay, mev, checkpoints, router)
	promotionEngine := promotion.New(cfg, relay, mev, checkpoints, router)
	inclusionReconciler := inclusion.New(cfg, relay, mev, props, chain, logs, checkpoints, router)

	watcher := freshness.New(router,
		freshness.NewConsensusNodesSource(cfg.ConsensusNodes, chain, cfg.UnsyncedNodesThresholdTgWarning, cfg.UnsyncedNodesThresholdOgAlert),
		freshness.NewValidationNodesSource(cfg.ValidationNodes, cfg.UnsyncedNodesThresholdTgWarning, cfg.UnsyncedNodesThresholdOgAlert),
		freshness.NewAuctionAnalysisSource(mev, clock, cfg.MaxAuctionAnalysisSlotLag),
		freshness.NewHeaderDelaySource(mev, clock, cfg.MaxHeaderDelayUpdatesSlotLag),
		freshness.NewLookbackSource(mev, clock, cfg.MaxLookbackUpdatesSlotLag),
	)

	health := httpapi.New(cfg.Port, mevPool.DB, relayPool.DB)
	health.Start()
	defer health.Stop(context.Background())

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return runOpsLoop(gctx, cfg, demotionScanner, inclusionReconciler, promotionEngine)
	})
	g.Go(func() error {
		return watcher.Run(gctx)
	})

	err = g.Wait()

	reason := "supervisor loop exited"
	if err != nil {
		reason = err.Error()
	}
	msg := alert.NewMessage(fmt.Sprintf("phoenix is exiting: %s", reason))
	router.FireBoth(context.Background(), alert.ChannelAlerts, msg)

	if err != nil {
		return fmt.Errorf("supervisor: loop exited: %w", err)
	}
	return fmt.Errorf("supervisor: loop exited unexpectedly")
}

type demotionScanner interface {
	ScanWindow(ctx context.Context, now time.Time) error
}

type inclusionReconciler interface {
	ScanWindow(ctx context.Context, canonicalHorizon time.Time) error
}

type promotionEngine interface {
	ScanWindow(ctx context.Context, canonicalHorizon time.Time) error
}

// runOpsLoop runs DemotionScanner, then InclusionReconciler, then
// PromotionEngine every opsLoopInterval against a shared canonical
// horizon. Each scanner owns its own checkpoint, so ordering between them
// is cosmetic, not a correctness requirement (spec §5).
func runOpsLoop(ctx context.Context, cfg *config.AppConfig, d demotionScanner, i inclusionReconciler, p promotionEngine) error {
	ticker := time.NewTicker(opsLoopInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			now := time.Now().UTC()
			canonicalHorizon := now.Add(-time.Duration(cfg.CanonicalWaitMinutes) * time.Minute)

			if err := d.ScanWindow(ctx, canonicalHorizon); err != nil {
				slog.Error("demotion scan failed", "error", err)
			}
			if err := i.ScanWindow(ctx, canonicalHorizon); err != nil {
				slog.Error("inclusion scan failed", "error", err)
			}
			if err := p.ScanWindow(ctx, canonicalHorizon); err != nil {
				slog.Error("promotion scan failed", "error", err)
			}
		}
	}
}

// connectWithRetry opens url and retries every startupRetryEach until
// startupRetryFor elapses, matching the spec's startup connection policy.
func connectWithRetry(ctx context.Context, url string) (*sqlx.DB, error) {
	deadline := time.Now().Add(startupRetryFor)

	var lastErr error
	for {
		db, err := sqlx.Connect("postgres", url)
		if err == nil {
			db.SetMaxOpenConns(poolMaxConns)
			return db, nil
		}
		lastErr = err
		slog.Warn("database connection failed, retrying", "error", err)

		if time.Now().After(deadline) {
			return nil, fmt.Errorf("gave up connecting after %s: %w", startupRetryFor, lastErr)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(startupRetryEach):
		}
	}
}
