// Package chainclient is a read-only client over a pool of consensus-node
// REST APIs: block lookup by slot and sync status, with uniform-random
// node selection and a typed not-found error for orphaned/missed slots.
//
// Ported from original_source/src/beacon_api.rs, with the 404-vs-transport
// distinction from the superseded src/phoenix/inclusion_monitor.rs poll
// loop folded in as the typed ErrNotFound this package's callers (the
// current inclusion_monitor/mod.rs block_by_slot_any usage) rely on.
package chainclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand/v2"
	"net"
	"net/http"
	"strings"
	"time"
)

// ErrNotFound is returned by BlockBySlotAny when the slot has no canonical
// block — orphaned or simply never proposed.
var ErrNotFound = errors.New("chainclient: block not found")

// ExecutionPayload is the subset of a beacon block's execution payload
// phoenix cares about.
type ExecutionPayload struct {
	BlockHash   string
	BlockNumber int64
}

// SyncStatus mirrors the beacon node's /eth/v1/node/syncing response.
type SyncStatus struct {
	IsSyncing bool `json:"is_syncing"`
}

// Client load-balances read-only beacon API calls across a pool of
// consensus-node URLs.
type Client struct {
	nodes  []string
	client *http.Client
}

// New returns a Client over nodes. Panics if nodes is empty: phoenix
// cannot function without at least one configured consensus node, and
// that is a startup-time configuration error, not a runtime one.
func New(nodes []string) *Client {
	if len(nodes) == 0 {
		panic("chainclient: at least one consensus node url is required")
	}
	transport := &http.Transport{
		DialContext: (&net.Dialer{Timeout: 3 * time.Second}).DialContext,
	}
	return &Client{
		nodes:  nodes,
		client: &http.Client{Timeout: 10 * time.Second, Transport: transport},
	}
}

func (c *Client) randomNode() string {
	return c.nodes[rand.IntN(len(c.nodes))]
}

type beaconResponse[T any] struct {
	Data T `json:"data"`
}

type blockResponse struct {
	Message struct {
		Body struct {
			ExecutionPayload struct {
				BlockHash   string `json:"block_hash"`
				BlockNumber string `json:"block_number"`
			} `json:"execution_payload"`
		} `json:"body"`
	} `json:"message"`
}

// BlockBySlotAny returns the canonical execution payload for slot from a
// randomly selected node, ErrNotFound if the slot has no block, or a
// transport/decode error otherwise.
func (c *Client) BlockBySlotAny(ctx context.Context, slot int64) (*ExecutionPayload, error) {
	url := fmt.Sprintf("%s/eth/v2/beacon/blocks/%d", strings.TrimSuffix(c.randomNode(), "/"), slot)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("chainclient: build block request: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("chainclient: block request for slot %d: %w", slot, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, ErrNotFound
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("chainclient: block request for slot %d: unexpected status %d", slot, resp.StatusCode)
	}

	var body beaconResponse[blockResponse]
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("chainclient: decode block response for slot %d: %w", slot, err)
	}

	blockNumber, err := parseBlockNumber(body.Data.Message.Body.ExecutionPayload.BlockNumber)
	if err != nil {
		return nil, fmt.Errorf("chainclient: parse block number for slot %d: %w", slot, err)
	}

	return &ExecutionPayload{
		BlockHash:   body.Data.Message.Body.ExecutionPayload.BlockHash,
		BlockNumber: blockNumber,
	}, nil
}

func parseBlockNumber(s string) (int64, error) {
	var n int64
	_, err := fmt.Sscanf(s, "%d", &n)
	return n, err
}

// SyncStatus returns the sync status of a specific node URL (not
// load-balanced: the freshness watcher polls every configured node).
func (c *Client) SyncStatus(ctx context.Context, nodeURL string) (SyncStatus, error) {
	url := fmt.Sprintf("%s/eth/v1/node/syncing", strings.TrimSuffix(nodeURL, "/"))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return SyncStatus{}, fmt.Errorf("chainclient: build syncing request: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return SyncStatus{}, fmt.Errorf("chainclient: syncing request to %s: %w", nodeURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return SyncStatus{}, fmt.Errorf("chainclient: syncing request to %s: unexpected status %d", nodeURL, resp.StatusCode)
	}

	var body beaconResponse[SyncStatus]
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return SyncStatus{}, fmt.Errorf("chainclient: decode syncing response from %s: %w", nodeURL, err)
	}
	return body.Data, nil
}
