// Package demotion implements Scanner, which turns newly recorded builder
// demotions into re-promotion tokens and chat alerts.
//
// Ported from original_source/src/phoenix/demotion_monitor.rs.
package demotion

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ultrasoundmoney/phoenix/internal/alert"
	"github.com/ultrasoundmoney/phoenix/internal/checkpoint"
	"github.com/ultrasoundmoney/phoenix/internal/config"
	"github.com/ultrasoundmoney/phoenix/internal/metrics"
	"github.com/ultrasoundmoney/phoenix/internal/mevdb"
	"github.com/ultrasoundmoney/phoenix/internal/relaydb"
)

// ignoredErrors are ambient infrastructure failures that shouldn't be
// broadcast: they say nothing about the builder.
var ignoredErrors = []string{
	`Post "http://prio-load-balancer:80": context deadline exceeded (Client.Timeout exceeded while awaiting headers)`,
	"json error: request timeout hit before processing",
	"simulation failed: unknown ancestor",
	"simulation queue timed out",
}

// PromotableErrors are demotion errors eligible for re-promotion if the
// builder didn't also miss the slot. Exported so promotion.Engine can
// reuse the exact same list for its own eligibility check.
var PromotableErrors = []string{
	"HTTP status server error (500 Internal Server Error) for url (http://prio-load-balancer/)",
	`Post "http://prio-load-balancer:80": context deadline exceeded (Client.Timeout exceeded while awaiting headers)`,
	"json error: request timeout hit before processing",
	"simulation failed: unknown ancestor",
	"simulation failed: incorrect gas limit set",
	"simulation queue timed out",
}

func isIgnoredError(err string) bool {
	return startsWithAny(err, ignoredErrors)
}

// IsPromotableError reports whether err matches an entry in the
// promotable-error allow list.
func IsPromotableError(err string) bool {
	return startsWithAny(err, PromotableErrors)
}

func startsWithAny(s string, prefixes []string) bool {
	for _, p := range prefixes {
		if strings.HasPrefix(s, p) {
			return true
		}
	}
	return false
}

// Scanner pulls newly inserted demotions, mints re-promotion tokens for
// ones that look like genuine builder faults, and warns (without minting)
// on ones that already look promotable.
type Scanner struct {
	cfg         *config.AppConfig
	relay       *relaydb.Store
	mev         *mevdb.Store
	checkpoints *checkpoint.Store
	router      *alert.Router
}

func New(cfg *config.AppConfig, relay *relaydb.Store, mev *mevdb.Store, checkpoints *checkpoint.Store, router *alert.Router) *Scanner {
	return &Scanner{cfg: cfg, relay: relay, mev: mev, checkpoints: checkpoints, router: router}
}

// ScanWindow reads demotions in (checkpoint[demotion], now], alerts on
// them, and advances the checkpoint to now.
func (s *Scanner) ScanWindow(ctx context.Context, now time.Time) error {
	start, err := s.checkpoints.GetOrInit(ctx, checkpoint.Demotion, now)
	if err != nil {
		return fmt.Errorf("demotion: load checkpoint: %w", err)
	}

	demotions, err := s.relay.BuilderDemotions(ctx, start, now)
	if err != nil {
		return fmt.Errorf("demotion: read demotions: %w", err)
	}

	filtered := filterIgnored(demotions)
	metrics.DemotionsProcessed.WithLabelValues("ignored").Add(float64(len(demotions) - len(filtered)))

	warnings, alerts := partitionPromotable(filtered)
	warnings = dedupByBuilder(warnings)
	alerts = dedupByBuilder(alerts)
	metrics.DemotionsProcessed.WithLabelValues("warning").Add(float64(len(warnings)))
	metrics.DemotionsProcessed.WithLabelValues("alert").Add(float64(len(alerts)))

	s.sendAlerts(ctx, alerts)
	s.sendWarnings(ctx, warnings)

	if err := s.checkpoints.Put(ctx, checkpoint.Demotion, now); err != nil {
		return fmt.Errorf("demotion: advance checkpoint: %w", err)
	}
	return nil
}

func filterIgnored(demotions []relaydb.BuilderDemotion) []relaydb.BuilderDemotion {
	out := make([]relaydb.BuilderDemotion, 0, len(demotions))
	for _, d := range demotions {
		d.SimError = strings.TrimSpace(d.SimError)
		if isIgnoredError(d.SimError) {
			continue
		}
		out = append(out, d)
	}
	return out
}

func partitionPromotable(demotions []relaydb.BuilderDemotion) (warnings, alerts []relaydb.BuilderDemotion) {
	for _, d := range demotions {
		if IsPromotableError(d.SimError) {
			warnings = append(warnings, d)
		} else {
			alerts = append(alerts, d)
		}
	}
	return warnings, alerts
}

// dedupByBuilder keeps only the first demotion per builder_id (falling
// back to builder_pubkey when the relay has no builder_id on file).
func dedupByBuilder(demotions []relaydb.BuilderDemotion) []relaydb.BuilderDemotion {
	seen := make(map[string]struct{}, len(demotions))
	out := make([]relaydb.BuilderDemotion, 0, len(demotions))
	for _, d := range demotions {
		key := d.BuilderPubkey
		if d.BuilderID != nil {
			key = *d.BuilderID
		}
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, d)
	}
	return out
}

func (s *Scanner) sendAlerts(ctx context.Context, demotions []relaydb.BuilderDemotion) {
	for _, d := range demotions {
		builderID := "unknown"
		if d.BuilderID != nil {
			builderID = *d.BuilderID
		}

		msg := alert.FromEscaped(formatDemotionMessage(s.cfg, d, builderID))

		token, err := s.mev.GeneratePromotionToken(ctx, builderID)
		if err != nil {
			slog.Error("failed to generate and store promotion token", "error", err, "builder_id", builderID)
			continue
		}

		buttonURL := fmt.Sprintf("%s/ultrasound/v1/data/admin/promote?token=%s", s.cfg.RelayAnalyticsURL, token)

		s.router.Fire(ctx, alert.Chat, alert.ChannelDemotions, msg, buttonURL)

		if _, ok := alert.BuilderChannel(builderID); ok {
			s.router.SendToBuilder(ctx, builderID, msg, buttonURL)
		}
	}
}

func (s *Scanner) sendWarnings(ctx context.Context, demotions []relaydb.BuilderDemotion) {
	if len(demotions) == 0 {
		return
	}

	var parts []string
	for _, d := range demotions {
		builderID := "unknown"
		if d.BuilderID != nil {
			builderID = *d.BuilderID
		}
		parts = append(parts, formatDemotionMessage(s.cfg, d, builderID))
	}

	body := "*builder demoted \\(with promotable error\\)*\n\n" + strings.Join(parts, "\n\n")
	s.router.Fire(ctx, alert.Chat, alert.ChannelWarnings, alert.FromEscaped(body), "")
}

// formatDemotionMessage renders a single demotion's incident summary:
// explorer link, slot/network/geo, escaped identifiers, and a
// length-truncated, escaped code block of the raw simulation error.
func formatDemotionMessage(cfg *config.AppConfig, d relaydb.BuilderDemotion, builderID string) string {
	explorerURL := cfg.Network.BeaconExplorerURL()
	network := alert.EscapeString(cfg.Network.String())
	escapedBuilderID := alert.EscapeString(builderID)

	escapedError := alert.TruncateSimError(alert.EscapeCodeBlock(d.SimError))

	return fmt.Sprintf(
		"[beaconcha\\.in/slot/%d](%s/slot/%d)\nslot: `%d`\nnetwork: `%s`\ngeo: `%s`\nbuilder\\_id: `%s`\nbuilder\\_pubkey: `%s`\nblock\\_hash: `%s`\n```\n%s\n```\n",
		d.Slot, explorerURL, d.Slot, d.Slot, network, d.Geo.String(), escapedBuilderID, d.BuilderPubkey, d.BlockHash, escapedError,
	)
}
