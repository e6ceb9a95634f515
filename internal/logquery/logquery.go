// Package logquery implements LogQueryClient, a thin typed wrapper over
// phoenix's structured-log aggregator (a Loki-compatible query_range API),
// extracting the publish-timing and late-call stats the inclusion
// reconciler folds into its incident reports.
//
// Ported from original_source/src/phoenix/inclusion_monitor/loki_client/{mod,stats,slot}.rs.
package logquery

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"time"

	"github.com/ultrasoundmoney/phoenix/internal/slotclock"
)

// PublishedStats describes the timing of a payload's publish-through-beacon-node flow.
type PublishedStats struct {
	DecodedAtSlotAgeMs        int64
	PrePublishDurationMs      int64
	PublishDurationMs         int64
	RequestDownloadDurationMs int64
}

// LateCallStats describes the timing of a late getPayload call.
type LateCallStats struct {
	DecodedAtSlotAgeMs        int64
	RequestDownloadDurationMs int64
}

// Client queries the structured-log aggregator for per-slot diagnostics.
type Client struct {
	serverURL string
	client    *http.Client
	clock     *slotclock.Clock
}

func New(serverURL string, clock *slotclock.Clock) *Client {
	transport := &http.Transport{
		DialContext: (&net.Dialer{Timeout: 3 * time.Second}).DialContext,
	}
	return &Client{
		serverURL: serverURL,
		client:    &http.Client{Timeout: 15 * time.Second, Transport: transport},
		clock:     clock,
	}
}

// PublishedStats returns stats extracted from the earliest "block published
// through beacon node" log line for slot, or nil if no such line was found
// in the last 24h.
func (c *Client) PublishedStats(ctx context.Context, slot slotclock.Slot) (*PublishedStats, error) {
	query := fmt.Sprintf(`{app="payload-api"} |= `+"`"+`"slot":"%d"`+"`"+` |= "block published through beacon node"`, slot)
	logs, err := c.queryRangeSince(ctx, query, "24h")
	if err != nil {
		return nil, err
	}
	return publishedStatsFromLogs(logs)
}

// LateCallStats returns stats extracted from the earliest "getPayload sent
// too late" warning line for slot, or nil if no such line was found.
func (c *Client) LateCallStats(ctx context.Context, slot slotclock.Slot) (*LateCallStats, error) {
	query := fmt.Sprintf(`{app="payload-api",level="warning"} |= `+"`"+`"slot":"%d"`+"`"+` |= "getPayload sent too late"`, slot)
	logs, err := c.queryRangeSince(ctx, query, "24h")
	if err != nil {
		return nil, err
	}
	return lateCallStatsFromLogs(logs)
}

// ErrorMessages returns every error-level log message in slot's 12-second
// window, ordered by time.
func (c *Client) ErrorMessages(ctx context.Context, slot slotclock.Slot) ([]string, error) {
	query := fmt.Sprintf(`{app="payload-api",level="error"} |= `+"`"+`"slot":"%d"`+"`", slot)
	start := c.clock.TimeOf(slot)
	end := start.Add(12 * time.Second)

	logs, err := c.queryRange(ctx, query, url.Values{
		"start": {strconv.FormatInt(start.UnixNano(), 10)},
		"end":   {strconv.FormatInt(end.UnixNano(), 10)},
	})
	if err != nil {
		return nil, err
	}
	return errorsFromLogs(logs), nil
}

func (c *Client) queryRangeSince(ctx context.Context, query, since string) ([]json.RawMessage, error) {
	return c.queryRange(ctx, query, url.Values{"since": {since}})
}

func (c *Client) queryRange(ctx context.Context, query string, extra url.Values) ([]json.RawMessage, error) {
	u, err := url.Parse(c.serverURL + "/loki/api/v1/query_range")
	if err != nil {
		return nil, fmt.Errorf("logquery: parse server url: %w", err)
	}
	params := url.Values{"direction": {"forward"}, "query": {query}}
	for k, vs := range extra {
		params[k] = vs
	}
	u.RawQuery = params.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("logquery: build request: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("logquery: request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("logquery: read response: %w", err)
	}

	return parseLogLines(body), nil
}

// lokiResponse is the subset of a Loki query_range response we care about.
type lokiResponse struct {
	Data struct {
		Result []struct {
			Values [][2]json.RawMessage `json:"values"`
		} `json:"result"`
	} `json:"data"`
}

// parseLogLines flattens every stream's (timestamp, log line) pairs across
// the whole response and sorts ascending by timestamp. A malformed
// response logs a warning and returns an empty list rather than an error:
// missing or unparseable logs are a signal (the log pipeline may be down),
// not a fault in phoenix itself.
func parseLogLines(body []byte) []json.RawMessage {
	var parsed lokiResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		slog.Warn("failed to parse log query response as json", "error", err)
		return nil
	}

	type entry struct {
		ts   int64
		line json.RawMessage
	}
	var entries []entry
	for _, stream := range parsed.Data.Result {
		for _, v := range stream.Values {
			var rawTS string
			if err := json.Unmarshal(v[0], &rawTS); err != nil {
				slog.Warn("failed to parse log query timestamp", "error", err)
				continue
			}
			ts, err := strconv.ParseInt(rawTS, 10, 64)
			if err != nil {
				slog.Warn("failed to parse log query timestamp as int", "error", err)
				continue
			}

			var rawLine string
			if err := json.Unmarshal(v[1], &rawLine); err != nil {
				slog.Warn("failed to parse log query line", "error", err)
				continue
			}
			entries = append(entries, entry{ts: ts, line: json.RawMessage(rawLine)})
		}
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].ts < entries[j].ts })

	lines := make([]json.RawMessage, len(entries))
	for i, e := range entries {
		lines[i] = e.line
	}
	return lines
}

type logLine struct {
	Msg                       string `json:"msg"`
	TimestampRequestStart     int64  `json:"timestampRequestStart"`
	TimestampAfterDecode      int64  `json:"timestampAfterDecode"`
	TimestampBeforePublishing int64  `json:"timestampBeforePublishing"`
	MsIntoSlot                int64  `json:"msIntoSlot"`
	MsNeededForPublishing     int64  `json:"msNeededForPublishing"`
}

func publishedStatsFromLogs(logs []json.RawMessage) (*PublishedStats, error) {
	if len(logs) == 0 {
		return nil, nil
	}
	var line logLine
	if err := json.Unmarshal(logs[0], &line); err != nil {
		return nil, fmt.Errorf("logquery: parse published-stats log line: %w", err)
	}

	receivedAt := time.UnixMilli(line.TimestampRequestStart)
	decodedAt := time.UnixMilli(line.TimestampAfterDecode)
	prePublishAt := time.UnixMilli(line.TimestampBeforePublishing)

	return &PublishedStats{
		DecodedAtSlotAgeMs:        line.MsIntoSlot,
		PrePublishDurationMs:      prePublishAt.Sub(receivedAt).Milliseconds(),
		PublishDurationMs:         line.MsNeededForPublishing,
		RequestDownloadDurationMs: decodedAt.Sub(receivedAt).Milliseconds(),
	}, nil
}

func lateCallStatsFromLogs(logs []json.RawMessage) (*LateCallStats, error) {
	if len(logs) == 0 {
		return nil, nil
	}
	var line logLine
	if err := json.Unmarshal(logs[0], &line); err != nil {
		return nil, fmt.Errorf("logquery: parse late-call-stats log line: %w", err)
	}

	receivedAt := time.UnixMilli(line.TimestampRequestStart)
	decodedAt := time.UnixMilli(line.TimestampAfterDecode)

	return &LateCallStats{
		DecodedAtSlotAgeMs:        line.MsIntoSlot,
		RequestDownloadDurationMs: decodedAt.Sub(receivedAt).Milliseconds(),
	}, nil
}

func errorsFromLogs(logs []json.RawMessage) []string {
	messages := make([]string, 0, len(logs))
	for _, raw := range logs {
		var line logLine
		if err := json.Unmarshal(raw, &line); err != nil {
			slog.Warn("failed to parse error log line", "error", err)
			continue
		}
		messages = append(messages, line.Msg)
	}
	return messages
}
