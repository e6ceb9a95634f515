package demotion

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/ultrasoundmoney/phoenix/internal/config"
	"github.com/ultrasoundmoney/phoenix/internal/relaydb"
)

func strPtr(s string) *string { return &s }

func TestIsPromotableError(t *testing.T) {
	assert.True(t, IsPromotableError("simulation failed: unknown ancestor: extra detail"))
	assert.True(t, IsPromotableError("simulation queue timed out after 2s"))
	assert.False(t, IsPromotableError("simulation failed: invalid merkle root"))
}

func TestIsIgnoredError(t *testing.T) {
	assert.True(t, isIgnoredError("json error: request timeout hit before processing extra"))
	assert.False(t, isIgnoredError("simulation failed: invalid merkle root"))
}

func TestFilterIgnored(t *testing.T) {
	demotions := []relaydb.BuilderDemotion{
		{BuilderPubkey: "0xa", SimError: "  json error: request timeout hit before processing  "},
		{BuilderPubkey: "0xb", SimError: "simulation failed: invalid merkle root"},
	}

	out := filterIgnored(demotions)

	assert.Len(t, out, 1)
	assert.Equal(t, "0xb", out[0].BuilderPubkey)
}

func TestPartitionPromotable(t *testing.T) {
	demotions := []relaydb.BuilderDemotion{
		{BuilderPubkey: "0xa", SimError: "simulation failed: unknown ancestor"},
		{BuilderPubkey: "0xb", SimError: "simulation failed: invalid merkle root"},
	}

	warnings, alerts := partitionPromotable(demotions)

	assert.Len(t, warnings, 1)
	assert.Equal(t, "0xa", warnings[0].BuilderPubkey)
	assert.Len(t, alerts, 1)
	assert.Equal(t, "0xb", alerts[0].BuilderPubkey)
}

func TestDedupByBuilderPrefersBuilderID(t *testing.T) {
	demotions := []relaydb.BuilderDemotion{
		{BuilderID: strPtr("titan"), BuilderPubkey: "0xa", Slot: 1},
		{BuilderID: strPtr("titan"), BuilderPubkey: "0xa", Slot: 2},
		{BuilderID: strPtr("beaverbuild"), BuilderPubkey: "0xb", Slot: 3},
	}

	out := dedupByBuilder(demotions)

	assert.Len(t, out, 2)
	assert.EqualValues(t, 1, out[0].Slot)
	assert.EqualValues(t, 3, out[1].Slot)
}

func TestDedupByBuilderFallsBackToPubkey(t *testing.T) {
	demotions := []relaydb.BuilderDemotion{
		{BuilderPubkey: "0xa", Slot: 1},
		{BuilderPubkey: "0xa", Slot: 2},
	}

	out := dedupByBuilder(demotions)

	assert.Len(t, out, 1)
	assert.EqualValues(t, 1, out[0].Slot)
}

func TestFormatDemotionMessageEscapesAndLinksSlot(t *testing.T) {
	cfg := &config.AppConfig{Network: config.NetworkMainnet}
	d := relaydb.BuilderDemotion{
		Slot:          123,
		Geo:           config.GeoRBX,
		BlockHash:     "0xdeadbeef",
		BuilderPubkey: "0xpubkey",
		SimError:      "simulation failed: invalid merkle root",
	}

	msg := formatDemotionMessage(cfg, d, "titan")

	assert.Contains(t, msg, "https://beaconcha.in/slot/123")
	assert.Contains(t, msg, "slot: `123`")
	assert.Contains(t, msg, "builder\\_id: `titan`")
	assert.Contains(t, msg, "0xpubkey")
	assert.Contains(t, msg, "0xdeadbeef")
	assert.Contains(t, msg, "simulation failed: invalid merkle root")
}
