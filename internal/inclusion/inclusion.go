// Package inclusion implements Reconciler, which confirms every payload
// the relay delivered actually became the canonical block for its slot,
// and raises an incident report (and, on a slot-miss spike, a page) when
// it didn't.
//
// Ported from original_source/src/phoenix/inclusion_monitor/mod.rs.
package inclusion

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ultrasoundmoney/phoenix/internal/alert"
	"github.com/ultrasoundmoney/phoenix/internal/chainclient"
	"github.com/ultrasoundmoney/phoenix/internal/checkpoint"
	"github.com/ultrasoundmoney/phoenix/internal/config"
	"github.com/ultrasoundmoney/phoenix/internal/logquery"
	"github.com/ultrasoundmoney/phoenix/internal/mevdb"
	"github.com/ultrasoundmoney/phoenix/internal/metrics"
	"github.com/ultrasoundmoney/phoenix/internal/proposer"
	"github.com/ultrasoundmoney/phoenix/internal/relaydb"
	"github.com/ultrasoundmoney/phoenix/internal/slotclock"
)

// ChainClient looks up the canonical block for a slot. Satisfied by
// *chainclient.Client; narrowed here so the mismatch/absent-detection
// path can be driven by an in-memory fake in tests.
type ChainClient interface {
	BlockBySlotAny(ctx context.Context, slot int64) (*chainclient.ExecutionPayload, error)
}

// LogQueryClient fetches per-slot publish diagnostics for an incident
// report. Satisfied by *logquery.Client.
type LogQueryClient interface {
	PublishedStats(ctx context.Context, slot slotclock.Slot) (*logquery.PublishedStats, error)
	ErrorMessages(ctx context.Context, slot slotclock.Slot) ([]string, error)
	LateCallStats(ctx context.Context, slot slotclock.Slot) (*logquery.LateCallStats, error)
}

// AlertRouter fans out an incident report or page. Satisfied by
// *alert.Router.
type AlertRouter interface {
	Fire(ctx context.Context, tier alert.Tier, channel alert.Channel, msg alert.Message, buttonURL string)
	FireBoth(ctx context.Context, channel alert.Channel, msg alert.Message)
}

// relayStore is the subset of *relaydb.Store the reconciler needs: the
// delivered-payload feed and the adjustment-hash check an incident
// report folds in.
type relayStore interface {
	DeliveredPayloads(ctx context.Context, start, end time.Time) ([]relaydb.DeliveredPayload, error)
	IsAdjustmentHash(ctx context.Context, blockHash string) (bool, error)
}

// mevStore is the subset of *mevdb.Store the reconciler uses to record a
// miss and read back the trailing miss rate.
type mevStore interface {
	InsertMissedSlot(ctx context.Context, m mevdb.MissedSlot) error
	CountMissedSlotsInRange(ctx context.Context, startSlot, endSlot int64) (int64, error)
}

// proposerStore is the subset of *proposer.Store an incident report's
// "proposer meta" block is built from.
type proposerStore interface {
	LabelMeta(ctx context.Context, pubkey string) (proposer.LabelMeta, error)
	IP(ctx context.Context, pubkey string) (string, bool, error)
	Location(ctx context.Context, ip string) (proposer.Location, error)
}

// Reconciler walks delivered payloads in a window, checks each against
// the canonical chain, and reports on every mismatch or absence.
type Reconciler struct {
	cfg         *config.AppConfig
	relay       relayStore
	mev         mevStore
	proposer    proposerStore
	chain       ChainClient
	logs        LogQueryClient
	checkpoints *checkpoint.Store
	router      AlertRouter
}

func New(cfg *config.AppConfig, relay *relaydb.Store, mev *mevdb.Store, proposer *proposer.Store, chain *chainclient.Client, logs *logquery.Client, checkpoints *checkpoint.Store, router *alert.Router) *Reconciler {
	return &Reconciler{cfg: cfg, relay: relay, mev: mev, proposer: proposer, chain: chain, logs: logs, checkpoints: checkpoints, router: router}
}

// ScanWindow walks delivered payloads in (checkpoint, canonicalHorizon],
// reconciling each against the canonical chain, then checks the trailing
// missed-slot rate and advances the checkpoint.
func (r *Reconciler) ScanWindow(ctx context.Context, canonicalHorizon time.Time) error {
	start, err := r.checkpoints.GetOrInit(ctx, checkpoint.Inclusion, canonicalHorizon)
	if err != nil {
		return fmt.Errorf("inclusion: load checkpoint: %w", err)
	}

	payloads, err := r.relay.DeliveredPayloads(ctx, start, canonicalHorizon)
	if err != nil {
		return fmt.Errorf("inclusion: read delivered payloads: %w", err)
	}

	for _, payload := range payloads {
		if err := r.checkPayload(ctx, payload); err != nil {
			return fmt.Errorf("inclusion: check payload at slot %d: %w", payload.Slot, err)
		}
		slog.Debug("done checking payload", "slot", payload.Slot, "block_hash", payload.BlockHash)
	}

	if len(payloads) > 0 {
		if err := r.checkMissedSlotRate(ctx, payloads[len(payloads)-1].Slot); err != nil {
			return fmt.Errorf("inclusion: check missed slot rate: %w", err)
		}
	}

	if err := r.checkpoints.Put(ctx, checkpoint.Inclusion, canonicalHorizon); err != nil {
		return fmt.Errorf("inclusion: advance checkpoint: %w", err)
	}
	return nil
}

func (r *Reconciler) checkPayload(ctx context.Context, payload relaydb.DeliveredPayload) error {
	block, err := r.chain.BlockBySlotAny(ctx, payload.Slot)
	switch {
	case err == nil:
		if block.BlockHash == payload.BlockHash {
			slog.Debug("found matching block hash", "slot", payload.Slot, "block_hash", payload.BlockHash)
			return nil
		}
		slog.Warn("block hash on chain does not match payload",
			"slot", payload.Slot, "block_hash_payload", payload.BlockHash, "block_hash_on_chain", block.BlockHash)
		return r.reportMissingPayload(ctx, payload, &block.BlockHash, false)

	case errors.Is(err, chainclient.ErrNotFound):
		attemptedReorg, reorgErr := r.wasAttemptedReorg(ctx, payload)
		if reorgErr != nil {
			return reorgErr
		}
		slog.Warn("delivered block not found for slot", "slot", payload.Slot, "attempted_reorg", attemptedReorg)
		return r.reportMissingPayload(ctx, payload, nil, attemptedReorg)

	default:
		return err
	}
}

// wasAttemptedReorg reports whether the previous slot holds a valid block
// with the same block_number as the payload that went missing: a strong
// signal that the proposer reorged out our block rather than simply
// missing its slot.
func (r *Reconciler) wasAttemptedReorg(ctx context.Context, payload relaydb.DeliveredPayload) (bool, error) {
	prevBlock, err := r.chain.BlockBySlotAny(ctx, payload.Slot-1)
	if errors.Is(err, chainclient.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return prevBlock.BlockNumber == payload.BlockNumber, nil
}

// reportMissingPayload records a missed slot and renders the incident
// report, in the field order spec'd: explorer link/slot/geo/hashes,
// is_adjustment/is_attempted_reorg, published stats, proposer meta, publish
// errors, late-call stats, and a "less concerning" trailer where it applies.
func (r *Reconciler) reportMissingPayload(ctx context.Context, payload relaydb.DeliveredPayload, foundBlockHash *string, attemptedReorg bool) error {
	if err := r.mev.InsertMissedSlot(ctx, mevdb.MissedSlot{
		SlotNumber:         payload.Slot,
		RelayedBlockHash:   payload.BlockHash,
		CanonicalBlockHash: foundBlockHash,
	}); err != nil {
		return err
	}
	metrics.MissedSlotsTotal.Inc()

	var b strings.Builder
	b.WriteString("*delivered block not found*\n\n")

	explorerURL := r.cfg.Network.BeaconExplorerURL()
	onChainHash := "\\-"
	if foundBlockHash != nil {
		onChainHash = alert.EscapeString(*foundBlockHash)
	}
	fmt.Fprintf(&b, "[beaconcha\\.in/slot/%d](%s/slot/%d)\nslot: %d\ngeo: %s\npayload\\_block\\_hash: %s\non\\_chain\\_block\\_hash: %s\n",
		payload.Slot, explorerURL, payload.Slot, payload.Slot, payload.Geo.String(), payload.BlockHash, onChainHash)

	isAdjustment, err := r.relay.IsAdjustmentHash(ctx, payload.BlockHash)
	if err != nil {
		return fmt.Errorf("inclusion: check adjustment hash: %w", err)
	}
	fmt.Fprintf(&b, "is\\_adjustment: %t\n\nis\\_attempted\\_reorg: %t", isAdjustment, attemptedReorg)

	slot := slotclock.Slot(payload.Slot)

	publishedStats, err := r.logs.PublishedStats(ctx, slot)
	if err != nil {
		return fmt.Errorf("inclusion: published stats: %w", err)
	}
	if publishedStats != nil {
		fmt.Fprintf(&b, "\n\nlog indicating beacon node publish, publish stats\ndecoded\\_at\\_slot\\_age\\_ms: %d\npre\\_publish\\_duration\\_ms: %d\npublish\\_duration\\_ms: %d\nrequest\\_download\\_duration\\_ms: %d\n",
			publishedStats.DecodedAtSlotAgeMs, publishedStats.PrePublishDurationMs, publishedStats.PublishDurationMs, publishedStats.RequestDownloadDurationMs)
	} else {
		b.WriteString("\n\nno logs indicating beacon node publish")
	}

	if err := r.writeProposerMeta(ctx, &b, payload.ProposerPubkey); err != nil {
		return err
	}

	errorMessages, err := r.logs.ErrorMessages(ctx, slot)
	if err != nil {
		return fmt.Errorf("inclusion: error messages: %w", err)
	}
	if len(errorMessages) > 0 {
		b.WriteString("\nfound publish errors")
		for _, e := range errorMessages {
			fmt.Fprintf(&b, "\n```\n%s\n```\n", alert.EscapeCodeBlock(e))
		}
	} else {
		b.WriteString("\nno publish errors found")
	}

	lateCallStats, err := r.logs.LateCallStats(ctx, slot)
	if err != nil {
		return fmt.Errorf("inclusion: late call stats: %w", err)
	}
	if lateCallStats != nil {
		fmt.Fprintf(&b, "\n\nfound late call warnings, first warning stats\ndecoded\\_at\\_slot\\_age\\_ms: %d\nrequest\\_download\\_duration\\_ms: %d\n",
			lateCallStats.DecodedAtSlotAgeMs, lateCallStats.RequestDownloadDurationMs)
	} else {
		b.WriteString("\n\nno late call warnings found")
	}

	lessConcerning := (publishedStats == nil && lateCallStats != nil) || attemptedReorg
	if lessConcerning {
		b.WriteString("\n\nfor this block 'no publish attempted and late call' or 'attempted reorg' these misses are less concerning")
	}

	r.router.Fire(ctx, alert.Chat, alert.ChannelBlockNotFound, alert.FromEscaped(b.String()), "")
	return nil
}

func (r *Reconciler) writeProposerMeta(ctx context.Context, b *strings.Builder, pubkey string) error {
	labelMeta, err := r.proposer.LabelMeta(ctx, pubkey)
	if err != nil {
		return fmt.Errorf("inclusion: proposer label meta: %w", err)
	}

	ip, hasIP, err := r.proposer.IP(ctx, pubkey)
	if err != nil {
		return fmt.Errorf("inclusion: proposer ip: %w", err)
	}

	var location proposer.Location
	if hasIP {
		location, err = r.proposer.Location(ctx, ip)
		if err != nil {
			return fmt.Errorf("inclusion: proposer location: %w", err)
		}
	}

	fmt.Fprintf(b, "\nproposer meta\nproposer\\_city: %s\nproposer\\_country: %s\nproposer\\_grafitti: %s\nproposer\\_ip: %s\nproposer\\_label: %s\nproposer\\_lido\\_operator: %s\n",
		escapeOrDash(location.City),
		escapeOrDash(location.Country),
		escapeOrDash(labelMeta.Graffiti),
		escapeOrDashString(ip, hasIP),
		escapeOrDash(labelMeta.Label),
		escapeOrDash(labelMeta.LidoOperator),
	)
	return nil
}

func escapeOrDash(s *string) string {
	if s == nil {
		return "\\-"
	}
	return alert.EscapeString(*s)
}

func escapeOrDashString(s string, present bool) string {
	if !present {
		return "\\-"
	}
	return alert.EscapeString(s)
}

// checkMissedSlotRate fires both Page and Chat when too many slots were
// missed in the trailing missed_slots_check_range window ending at
// lastDeliveredSlot.
func (r *Reconciler) checkMissedSlotRate(ctx context.Context, lastDeliveredSlot int64) error {
	windowStart := lastDeliveredSlot - r.cfg.MissedSlotsCheckRange
	count, err := r.mev.CountMissedSlotsInRange(ctx, windowStart, lastDeliveredSlot)
	if err != nil {
		return err
	}
	metrics.MissedSlotRate.Set(float64(count))

	if count >= r.cfg.MissedSlotsAlertThreshold {
		msg := alert.NewMessage(fmt.Sprintf(
			"missed %d slots in the last %d slots", count, r.cfg.MissedSlotsCheckRange,
		))
		slog.Warn("missed slot rate alert", "count", count, "range", r.cfg.MissedSlotsCheckRange)
		r.router.FireBoth(ctx, alert.ChannelAlerts, msg)
	}
	return nil
}
