package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setRequiredEnv(t *testing.T) {
	t.Helper()
	vars := map[string]string{
		"DATABASE_URL":       "postgres://localhost/mev",
		"RELAY_DATABASE_URL": "postgres://localhost/relay",
		"CONSENSUS_NODES":    "http://localhost:5052",
		"VALIDATION_NODES":   "http://localhost:8545",
		"LOKI_URL":           "http://localhost:3100",
		"TELEGRAM_API_KEY":   "tg-key",
		"TELEGRAM_ALERTS_CHANNEL_ID":         "-1",
		"TELEGRAM_WARNINGS_CHANNEL_ID":       "-2",
		"TELEGRAM_BLOCK_NOT_FOUND_CHANNEL_ID": "-3",
		"TELEGRAM_DEMOTIONS_CHANNEL_ID":      "-4",
		"OPSGENIE_API_KEY":                  "og-key",
		"RELAY_ANALYTICS_URL":               "https://relay.example.com",
		"ENV":                               "prod",
		"NETWORK":                           "mainnet",
		"GEO":                               "rbx",
	}
	for k, v := range vars {
		t.Setenv(k, v)
	}
}

func TestLoadDefaults(t *testing.T) {
	setRequiredEnv(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, int64(2), cfg.CanonicalWaitMinutes)
	assert.Equal(t, int64(30), cfg.MissedSlotsCheckRange)
	assert.Equal(t, int64(3), cfg.MissedSlotsAlertThreshold)
	assert.Equal(t, 1, cfg.UnsyncedNodesThresholdTgWarning)
	assert.Equal(t, 2, cfg.UnsyncedNodesThresholdOgAlert)
	assert.Equal(t, uint32(50), cfg.MaxAuctionAnalysisSlotLag)
	assert.Equal(t, uint32(60), cfg.MaxHeaderDelayUpdatesSlotLag)
	assert.Equal(t, uint32(600), cfg.MaxLookbackUpdatesSlotLag)
	assert.Equal(t, uint16(8080), cfg.Port)
	assert.Equal(t, EnvProd, cfg.Env)
	assert.Equal(t, NetworkMainnet, cfg.Network)
	assert.Equal(t, GeoRBX, cfg.Geo)
	assert.Equal(t, []string{"http://localhost:5052"}, cfg.ConsensusNodes)
}

func TestLoadMissingRequired(t *testing.T) {
	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "DATABASE_URL")
}

func TestLoadInvalidEnum(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("NETWORK", "sepolia")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid network")
}

func TestLoadTrustedBuilderLists(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("TRUSTED_BUILDER_IDS", "titan, beaverbuild ,")
	t.Setenv("TRUSTED_BUILDER_PROMOTABLE_ERRORS", "simulation failed: invalid merkle root")

	cfg, err := Load()
	require.NoError(t, err)

	set := cfg.TrustedBuilderSet()
	_, hasTitan := set["titan"]
	_, hasBeaver := set["beaverbuild"]
	assert.True(t, hasTitan)
	assert.True(t, hasBeaver)
	assert.Len(t, set, 2)

	errSet := cfg.TrustedBuilderPromotableErrorSet()
	_, hasErr := errSet["simulation failed: invalid merkle root"]
	assert.True(t, hasErr)
}

func TestNetworkBeaconExplorerURL(t *testing.T) {
	assert.Equal(t, "https://beaconcha.in", NetworkMainnet.BeaconExplorerURL())
	assert.Equal(t, "https://holesky.beaconcha.in", NetworkHolesky.BeaconExplorerURL())
	assert.Equal(t, "https://hoodi.beaconcha.in", NetworkHoodi.BeaconExplorerURL())
}
