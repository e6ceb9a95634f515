package freshness

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/ultrasoundmoney/phoenix/internal/chainclient"
	"github.com/ultrasoundmoney/phoenix/internal/mevdb"
	"github.com/ultrasoundmoney/phoenix/internal/slotclock"
)

// ConsensusNodesSource reports how many of phoenix's configured consensus
// nodes are syncing or unreachable.
type ConsensusNodesSource struct {
	nodes        []string
	client       *chainclient.Client
	warnThreshold int
	pageThreshold int
}

func NewConsensusNodesSource(nodes []string, client *chainclient.Client, warnThreshold, pageThreshold int) *ConsensusNodesSource {
	return &ConsensusNodesSource{nodes: nodes, client: client, warnThreshold: warnThreshold, pageThreshold: pageThreshold}
}

func (s *ConsensusNodesSource) Name() string          { return "consensus nodes" }
func (s *ConsensusNodesSource) AgeLimit() time.Duration { return defaultAgeLimit }
func (s *ConsensusNodesSource) WarnThreshold() int     { return s.warnThreshold }
func (s *ConsensusNodesSource) PageThreshold() int     { return s.pageThreshold }

func (s *ConsensusNodesSource) Refresh(ctx context.Context) (time.Time, int, error) {
	unsynced := 0
	for _, node := range s.nodes {
		status, err := s.client.SyncStatus(ctx, node)
		if err != nil || status.IsSyncing {
			unsynced++
		}
	}
	return time.Now(), unsynced, nil
}

// ValidationNodesSource reports how many of phoenix's configured
// validation (execution) nodes are syncing or unreachable, via the
// eth_syncing JSON-RPC method.
type ValidationNodesSource struct {
	nodes         []string
	client        *http.Client
	warnThreshold int
	pageThreshold int
}

func NewValidationNodesSource(nodes []string, warnThreshold, pageThreshold int) *ValidationNodesSource {
	return &ValidationNodesSource{
		nodes:         nodes,
		client:        &http.Client{Timeout: 3 * time.Second},
		warnThreshold: warnThreshold,
		pageThreshold: pageThreshold,
	}
}

func (s *ValidationNodesSource) Name() string          { return "validation nodes" }
func (s *ValidationNodesSource) AgeLimit() time.Duration { return defaultAgeLimit }
func (s *ValidationNodesSource) WarnThreshold() int     { return s.warnThreshold }
func (s *ValidationNodesSource) PageThreshold() int     { return s.pageThreshold }

func (s *ValidationNodesSource) Refresh(ctx context.Context) (time.Time, int, error) {
	unsynced := 0
	for _, node := range s.nodes {
		synced, err := s.ethSyncing(ctx, node)
		if err != nil || !synced {
			unsynced++
		}
	}
	return time.Now(), unsynced, nil
}

// ethSyncing calls eth_syncing on node and reports whether it is fully
// synced: the JSON-RPC result is the boolean `false` when synced, or an
// object describing progress otherwise.
func (s *ValidationNodesSource) ethSyncing(ctx context.Context, node string) (bool, error) {
	body, err := json.Marshal(map[string]any{
		"jsonrpc": "2.0",
		"id":      1,
		"method":  "eth_syncing",
		"params":  []any{},
	})
	if err != nil {
		return false, fmt.Errorf("freshness: marshal eth_syncing request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, node, bytes.NewReader(body))
	if err != nil {
		return false, fmt.Errorf("freshness: build eth_syncing request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return false, fmt.Errorf("freshness: eth_syncing request to %s: %w", node, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return false, fmt.Errorf("freshness: read eth_syncing response from %s: %w", node, err)
	}

	var rpcResp struct {
		Result json.RawMessage `json:"result"`
	}
	if err := json.Unmarshal(respBody, &rpcResp); err != nil {
		return false, fmt.Errorf("freshness: parse eth_syncing response from %s: %w", node, err)
	}

	var asBool bool
	if err := json.Unmarshal(rpcResp.Result, &asBool); err == nil {
		// result is a JSON boolean; eth_syncing reports `false` when synced.
		return !asBool, nil
	}
	// result is a syncing-progress object, not a boolean: not synced.
	return false, nil
}

// slotLagSource is the shared shape of the three backfill-pipeline
// sources: staleness is measured in slots-behind-head rather than wall
// time, so Refresh reports a manufactured last-seen timestamp the generic
// watcher's age-limit comparison can act on.
type slotLagSource struct {
	name      string
	clock     *slotclock.Clock
	threshold uint32
	maxSlot   func(ctx context.Context) (int64, error)
}

func (s *slotLagSource) Name() string          { return s.name }
func (s *slotLagSource) AgeLimit() time.Duration { return defaultAgeLimit }
func (s *slotLagSource) WarnThreshold() int     { return 1 }
func (s *slotLagSource) PageThreshold() int     { return 1 }

func (s *slotLagSource) Refresh(ctx context.Context) (time.Time, int, error) {
	maxSlot, err := s.maxSlot(ctx)
	if err != nil {
		return time.Time{}, 0, err
	}

	currentSlot := int64(s.clock.NowSlot())
	lag := currentSlot - maxSlot

	if lag > int64(s.threshold) {
		return time.Now().Add(-2 * defaultAgeLimit), 0, nil
	}
	return time.Now(), 0, nil
}

// NewAuctionAnalysisSource tracks max(slot) from auction_analysis against
// the current slot, alerting when the pipeline falls more than threshold
// slots behind head.
func NewAuctionAnalysisSource(store *mevdb.Store, clock *slotclock.Clock, threshold uint32) Source {
	return &slotLagSource{name: "auction analysis", clock: clock, threshold: threshold, maxSlot: store.MaxAuctionAnalysisSlot}
}

// NewHeaderDelaySource tracks the header-delay updater.
func NewHeaderDelaySource(store *mevdb.Store, clock *slotclock.Clock, threshold uint32) Source {
	return &slotLagSource{name: "header delay updates", clock: clock, threshold: threshold, maxSlot: store.MaxHeaderDelaySlot}
}

// NewLookbackSource tracks the lookback updater.
func NewLookbackSource(store *mevdb.Store, clock *slotclock.Clock, threshold uint32) Source {
	return &slotLagSource{name: "lookback updates", clock: clock, threshold: threshold, maxSlot: store.MaxLookbackSlot}
}
