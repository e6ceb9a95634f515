package inclusion

import (
	"context"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ultrasoundmoney/phoenix/internal/alert"
	"github.com/ultrasoundmoney/phoenix/internal/chainclient"
	"github.com/ultrasoundmoney/phoenix/internal/config"
	"github.com/ultrasoundmoney/phoenix/internal/logquery"
	"github.com/ultrasoundmoney/phoenix/internal/mevdb"
	"github.com/ultrasoundmoney/phoenix/internal/proposer"
	"github.com/ultrasoundmoney/phoenix/internal/relaydb"
	"github.com/ultrasoundmoney/phoenix/internal/slotclock"
)

func strPtr(s string) *string { return &s }

func TestEscapeOrDashHandlesNilAndEscapes(t *testing.T) {
	assert.Equal(t, "\\-", escapeOrDash(nil))
	assert.Equal(t, "plain", escapeOrDash(strPtr("plain")))
	assert.Equal(t, "a\\.b", escapeOrDash(strPtr("a.b")))
}

func TestEscapeOrDashStringHandlesAbsentAndEscapes(t *testing.T) {
	assert.Equal(t, "\\-", escapeOrDashString("", false))
	assert.Equal(t, "1\\.2\\.3\\.4", escapeOrDashString("1.2.3.4", true))
}

// fakeChain is an in-memory ChainClient: present slots resolve to their
// mapped payload, everything else is chainclient.ErrNotFound.
type fakeChain struct {
	blocks map[int64]*chainclient.ExecutionPayload
}

func (f *fakeChain) BlockBySlotAny(_ context.Context, slot int64) (*chainclient.ExecutionPayload, error) {
	if b, ok := f.blocks[slot]; ok {
		return b, nil
	}
	return nil, chainclient.ErrNotFound
}

// fakeLogs is a LogQueryClient with no diagnostics on file for any slot,
// the common case in these tests since they exercise the match/mismatch/
// reorg branching, not the incident report's log-derived fields.
type fakeLogs struct{}

func (fakeLogs) PublishedStats(context.Context, slotclock.Slot) (*logquery.PublishedStats, error) {
	return nil, nil
}

func (fakeLogs) ErrorMessages(context.Context, slotclock.Slot) ([]string, error) {
	return nil, nil
}

func (fakeLogs) LateCallStats(context.Context, slotclock.Slot) (*logquery.LateCallStats, error) {
	return nil, nil
}

// firedAlert is one captured call against fakeRouter, recording enough to
// assert on tier/channel routing and on the rendered message body.
type firedAlert struct {
	tier    alert.Tier
	channel alert.Channel
	msg     string
	both    bool
}

type fakeRouter struct {
	fired []firedAlert
}

func (f *fakeRouter) Fire(_ context.Context, tier alert.Tier, channel alert.Channel, msg alert.Message, _ string) {
	f.fired = append(f.fired, firedAlert{tier: tier, channel: channel, msg: msg.String()})
}

func (f *fakeRouter) FireBoth(_ context.Context, channel alert.Channel, msg alert.Message) {
	f.fired = append(f.fired, firedAlert{channel: channel, msg: msg.String(), both: true})
}

// fakeRelay backs relayStore. DeliveredPayloads is unused by these tests,
// which drive checkPayload/checkMissedSlotRate directly rather than
// ScanWindow.
type fakeRelay struct {
	isAdjustment bool
}

func (f *fakeRelay) DeliveredPayloads(context.Context, time.Time, time.Time) ([]relaydb.DeliveredPayload, error) {
	return nil, nil
}

func (f *fakeRelay) IsAdjustmentHash(context.Context, string) (bool, error) {
	return f.isAdjustment, nil
}

type fakeMev struct {
	inserted    []mevdb.MissedSlot
	missedCount int64
}

func (f *fakeMev) InsertMissedSlot(_ context.Context, m mevdb.MissedSlot) error {
	f.inserted = append(f.inserted, m)
	return nil
}

func (f *fakeMev) CountMissedSlotsInRange(context.Context, int64, int64) (int64, error) {
	return f.missedCount, nil
}

// fakeProposer returns no enrichment for any pubkey, matching what the
// relay's database returns for an unregistered validator.
type fakeProposer struct{}

func (fakeProposer) LabelMeta(context.Context, string) (proposer.LabelMeta, error) {
	return proposer.LabelMeta{}, nil
}

func (fakeProposer) IP(context.Context, string) (string, bool, error) {
	return "", false, nil
}

func (fakeProposer) Location(context.Context, string) (proposer.Location, error) {
	return proposer.Location{}, nil
}

func newTestReconciler(chain ChainClient, mev mevStore, router AlertRouter, relay relayStore, prop proposerStore) *Reconciler {
	return &Reconciler{
		cfg: &config.AppConfig{
			Network:                   config.NetworkMainnet,
			MissedSlotsCheckRange:     30,
			MissedSlotsAlertThreshold: 3,
		},
		relay:    relay,
		mev:      mev,
		proposer: prop,
		chain:    chain,
		logs:     fakeLogs{},
		router:   router,
	}
}

func TestCheckPayloadMatchingBlockHashFiresNoReport(t *testing.T) {
	payload := relaydb.DeliveredPayload{Slot: 100, BlockHash: "0xabc", BlockNumber: 5, ProposerPubkey: "0xpk"}
	chain := &fakeChain{blocks: map[int64]*chainclient.ExecutionPayload{
		100: {BlockHash: "0xabc", BlockNumber: 5},
	}}
	mev := &fakeMev{}
	router := &fakeRouter{}
	r := newTestReconciler(chain, mev, router, &fakeRelay{}, fakeProposer{})

	err := r.checkPayload(context.Background(), payload)

	require.NoError(t, err)
	assert.Empty(t, mev.inserted)
	assert.Empty(t, router.fired)
}

func TestCheckPayloadMismatchedBlockHashReportsWithoutReorg(t *testing.T) {
	payload := relaydb.DeliveredPayload{Slot: 100, BlockHash: "0xabc", BlockNumber: 5, ProposerPubkey: "0xpk", Geo: config.GeoRBX}
	chain := &fakeChain{blocks: map[int64]*chainclient.ExecutionPayload{
		100: {BlockHash: "0xdef", BlockNumber: 5},
	}}
	mev := &fakeMev{}
	router := &fakeRouter{}
	r := newTestReconciler(chain, mev, router, &fakeRelay{}, fakeProposer{})

	err := r.checkPayload(context.Background(), payload)
	require.NoError(t, err)

	require.Len(t, mev.inserted, 1)
	want := mevdb.MissedSlot{SlotNumber: 100, RelayedBlockHash: "0xabc", CanonicalBlockHash: strPtr("0xdef")}
	if diff := cmp.Diff(want, mev.inserted[0]); diff != "" {
		t.Fatalf("missed slot record mismatch (-want +got):\n%s", diff)
	}

	require.Len(t, router.fired, 1)
	assert.Contains(t, router.fired[0].msg, "on\\_chain\\_block\\_hash: 0xdef")
	assert.Contains(t, router.fired[0].msg, "is\\_attempted\\_reorg: false")
}

func TestCheckPayloadAbsentBlockWithoutReorgReports(t *testing.T) {
	payload := relaydb.DeliveredPayload{Slot: 100, BlockHash: "0xabc", BlockNumber: 5}
	chain := &fakeChain{blocks: map[int64]*chainclient.ExecutionPayload{
		99: {BlockHash: "0xprev", BlockNumber: 4},
	}}
	mev := &fakeMev{}
	router := &fakeRouter{}
	r := newTestReconciler(chain, mev, router, &fakeRelay{}, fakeProposer{})

	err := r.checkPayload(context.Background(), payload)
	require.NoError(t, err)

	require.Len(t, mev.inserted, 1)
	assert.Nil(t, mev.inserted[0].CanonicalBlockHash)

	require.Len(t, router.fired, 1)
	assert.Contains(t, router.fired[0].msg, "is\\_attempted\\_reorg: false")
}

func TestCheckPayloadAbsentBlockWithMatchingPrevBlockNumberReportsReorg(t *testing.T) {
	payload := relaydb.DeliveredPayload{Slot: 100, BlockHash: "0xabc", BlockNumber: 5}
	chain := &fakeChain{blocks: map[int64]*chainclient.ExecutionPayload{
		99: {BlockHash: "0xprev", BlockNumber: 5},
	}}
	mev := &fakeMev{}
	router := &fakeRouter{}
	r := newTestReconciler(chain, mev, router, &fakeRelay{}, fakeProposer{})

	err := r.checkPayload(context.Background(), payload)
	require.NoError(t, err)

	require.Len(t, router.fired, 1)
	assert.Contains(t, router.fired[0].msg, "is\\_attempted\\_reorg: true")
	assert.Contains(t, router.fired[0].msg, "these misses are less concerning")
}

func TestCheckMissedSlotRateFiresBothAtThreshold(t *testing.T) {
	mev := &fakeMev{missedCount: 3}
	router := &fakeRouter{}
	r := newTestReconciler(&fakeChain{}, mev, router, &fakeRelay{}, fakeProposer{})

	err := r.checkMissedSlotRate(context.Background(), 1000)
	require.NoError(t, err)

	require.Len(t, router.fired, 1)
	assert.True(t, router.fired[0].both)
	assert.Contains(t, router.fired[0].msg, "missed 3 slots in the last 30 slots")
}

func TestCheckMissedSlotRateBelowThresholdFiresNothing(t *testing.T) {
	mev := &fakeMev{missedCount: 1}
	router := &fakeRouter{}
	r := newTestReconciler(&fakeChain{}, mev, router, &fakeRelay{}, fakeProposer{})

	err := r.checkMissedSlotRate(context.Background(), 1000)
	require.NoError(t, err)

	assert.Empty(t, router.fired)
}
