// Package promotion implements Engine, which re-optimistic-flags builders
// whose recent demotions provably trace to infrastructure failures rather
// than builder misbehaviour.
//
// Ported from original_source/src/phoenix/promotion_monitor.rs. Runs after
// demotion.Scanner against the same canonical window.
package promotion

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/ultrasoundmoney/phoenix/internal/alert"
	"github.com/ultrasoundmoney/phoenix/internal/checkpoint"
	"github.com/ultrasoundmoney/phoenix/internal/config"
	"github.com/ultrasoundmoney/phoenix/internal/demotion"
	"github.com/ultrasoundmoney/phoenix/internal/mevdb"
	"github.com/ultrasoundmoney/phoenix/internal/metrics"
	"github.com/ultrasoundmoney/phoenix/internal/relaydb"
)

// Engine groups recent demotions by builder, promotes the ones whose
// entire group is provably infrastructure-caused, and DMs builders whose
// promotion relied on a trusted-builder error override.
type Engine struct {
	cfg         *config.AppConfig
	relay       *relaydb.Store
	mev         *mevdb.Store
	checkpoints *checkpoint.Store
	router      *alert.Router
}

func New(cfg *config.AppConfig, relay *relaydb.Store, mev *mevdb.Store, checkpoints *checkpoint.Store, router *alert.Router) *Engine {
	return &Engine{cfg: cfg, relay: relay, mev: mev, checkpoints: checkpoints, router: router}
}

// ScanWindow reads demotions and missed slots in (checkpoint, canonicalHorizon],
// promotes every eligible builder group in a single statement, and advances
// the checkpoint to canonicalHorizon.
func (e *Engine) ScanWindow(ctx context.Context, canonicalHorizon time.Time) error {
	start, err := e.checkpoints.GetOrInit(ctx, checkpoint.Promotion, canonicalHorizon)
	if err != nil {
		return fmt.Errorf("promotion: load checkpoint: %w", err)
	}

	demotions, err := e.relay.BuilderDemotions(ctx, start, canonicalHorizon)
	if err != nil {
		return fmt.Errorf("promotion: read demotions: %w", err)
	}

	missedSlots, err := e.mev.MissedSlotsSince(ctx, start)
	if err != nil {
		return fmt.Errorf("promotion: read missed slots: %w", err)
	}

	grouped := groupByBuilderID(demotions)

	trustedBuilders := e.cfg.TrustedBuilderSet()
	trustedErrors := e.cfg.TrustedBuilderPromotableErrorSet()

	var eligible []string
	for builderID, group := range grouped {
		if !checkEligibility(trustedBuilders, trustedErrors, builderID, group, missedSlots) {
			continue
		}
		eligible = append(eligible, builderID)
		e.notifyTrustedOverride(ctx, trustedBuilders, trustedErrors, builderID, group)
	}
	sort.Strings(eligible)

	if len(eligible) > 0 {
		slog.Info("found builder ids eligible for promotion", "builder_ids", eligible)
		promoted, err := e.relay.PromoteBuilders(ctx, eligible)
		if err != nil {
			return fmt.Errorf("promotion: promote builders: %w", err)
		}
		metrics.BuildersPromoted.Add(float64(len(promoted)))
	}

	if err := e.checkpoints.Put(ctx, checkpoint.Promotion, canonicalHorizon); err != nil {
		return fmt.Errorf("promotion: advance checkpoint: %w", err)
	}
	return nil
}

// groupByBuilderID drops demotions without a builder_id on file (the relay
// has no mapping from pubkey to builder id) and groups the rest.
func groupByBuilderID(demotions []relaydb.BuilderDemotion) map[string][]relaydb.BuilderDemotion {
	grouped := make(map[string][]relaydb.BuilderDemotion)
	for _, d := range demotions {
		if d.BuilderID == nil {
			slog.Warn("demotion without builder_id", "builder_pubkey", d.BuilderPubkey, "slot", d.Slot)
			continue
		}
		grouped[*d.BuilderID] = append(grouped[*d.BuilderID], d)
	}
	return grouped
}

// checkEligibility reports whether every demotion in the group is
// provably infrastructure-caused: none of the group's slots were actually
// missed, and every error matches the promotable list (or the trusted
// builder/trusted error combination).
func checkEligibility(trustedBuilders, trustedErrors map[string]struct{}, builderID string, group []relaydb.BuilderDemotion, missedSlots []int64) bool {
	missed := make(map[int64]struct{}, len(missedSlots))
	for _, slot := range missedSlots {
		missed[slot] = struct{}{}
	}

	for _, d := range group {
		if _, wasMissed := missed[d.Slot]; wasMissed {
			return false
		}
		if !isEligibleError(trustedBuilders, trustedErrors, builderID, d.SimError) {
			return false
		}
	}
	return true
}

func isEligibleError(trustedBuilders, trustedErrors map[string]struct{}, builderID, simError string) bool {
	if demotion.IsPromotableError(simError) {
		return true
	}
	return isTrustedPromotableError(trustedBuilders, trustedErrors, builderID, simError)
}

func isTrustedPromotableError(trustedBuilders, trustedErrors map[string]struct{}, builderID, simError string) bool {
	if _, ok := trustedBuilders[builderID]; !ok {
		return false
	}
	for e := range trustedErrors {
		if strings.HasPrefix(simError, e) {
			return true
		}
	}
	return false
}

// notifyTrustedOverride DMs builderID when its promotion relied on at
// least one trusted-builder error override, rather than an ordinary
// promotable error alone.
func (e *Engine) notifyTrustedOverride(ctx context.Context, trustedBuilders, trustedErrors map[string]struct{}, builderID string, group []relaydb.BuilderDemotion) {
	usedOverride := false
	for _, d := range group {
		if isTrustedPromotableError(trustedBuilders, trustedErrors, builderID, d.SimError) {
			usedOverride = true
			break
		}
	}
	if !usedOverride {
		return
	}

	msg := alert.NewMessage(fmt.Sprintf(
		"automatically repromoting builder %s for error which may result in missed slot", builderID,
	))
	e.router.SendToBuilder(ctx, builderID, msg, "")
}
