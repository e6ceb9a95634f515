// Package alert implements Router, phoenix's shared paging+chat fan-out:
// tier-throttled, MarkdownV2-escaped, truncated, and retried.
//
// Ported from original_source/src/phoenix/alerts/{mod,telegram,opsgenie}.rs
// and src/phoenix/markdown.rs.
package alert

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/ultrasoundmoney/phoenix/internal/config"
	"github.com/ultrasoundmoney/phoenix/internal/metrics"
)

// Tier is an escalation level: Page reaches an on-call human, Chat reaches
// a channel of interested humans.
type Tier int

const (
	Page Tier = iota
	Chat
)

func (t Tier) String() string {
	if t == Page {
		return "page"
	}
	return "chat"
}

func (t Tier) quietPeriod() time.Duration {
	if t == Page {
		return 4 * time.Minute
	}
	return 60 * time.Minute
}

// Channel names a chat destination. Id carries an arbitrary chat id, used
// for builder direct messages.
type Channel struct {
	name string
	id   string
}

var (
	ChannelAlerts        = Channel{name: "alerts"}
	ChannelBlockNotFound = Channel{name: "block not found"}
	ChannelDemotions     = Channel{name: "demotions"}
	ChannelWarnings      = Channel{name: "warnings"}
)

// ChannelID addresses a chat directly by its raw channel/chat id, used for
// builder direct messages.
func ChannelID(id string) Channel {
	return Channel{name: id, id: id}
}

func (c Channel) String() string { return c.name }

// builderDirectMessageChannels maps known builder ids to the chat id of a
// channel phoenix DMs directly, e.g. to notify a builder of its own
// demotion or repromotion.
var builderDirectMessageChannels = map[string]string{
	"titan":                "-1002036721274",
	"beaverbuild":          "-100614386130",
	"beaverbuild-staging":  "-100614386130",
}

// BuilderChannel returns the direct-message channel for a builder id, if
// one is configured.
func BuilderChannel(builderID string) (Channel, bool) {
	id, ok := builderDirectMessageChannels[builderID]
	if !ok {
		return Channel{}, false
	}
	return ChannelID(id), true
}

const (
	maxMessageLength    = 4096
	safeMessageLength    = maxMessageLength - 2048
	maxSimErrorLength    = 512
	truncationMarker     = "..TRUNCATED.."
	chatRetryAttempts    = 3
	chatRetryInterval    = 10 * time.Second
	connectTimeout       = 3 * time.Second
)

var reservedMarkdownChars = "_*[]()~`>#+-=|{}.!"

// EscapeString backslash-escapes the 19 MarkdownV2 reserved characters.
// https://core.telegram.org/bots/api#markdownv2-style
func EscapeString(input string) string {
	var b strings.Builder
	b.Grow(len(input))
	for _, r := range input {
		if strings.ContainsRune(reservedMarkdownChars, r) {
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}

// EscapeCodeBlock escapes only the two characters that are special inside
// a MarkdownV2 code block: the backtick and the backslash itself.
func EscapeCodeBlock(input string) string {
	var b strings.Builder
	b.Grow(len(input))
	for _, r := range input {
		if r == '`' || r == '\\' {
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}

// TruncateSimError truncates an already-escaped code-block body to 512
// characters, appending a truncation marker in place of the last
// characters it drops.
func TruncateSimError(escaped string) string {
	if len(escaped) <= maxSimErrorLength {
		return escaped
	}
	cut := maxSimErrorLength - len(truncationMarker)
	if cut < 0 {
		cut = 0
	}
	return escaped[:cut] + truncationMarker
}

// Message is a MarkdownV2-escaped, length-capped alert body. Construct via
// NewMessage (escapes raw input) or FromEscaped (input is already escaped,
// e.g. built up piecewise from EscapeString/EscapeCodeBlock fragments).
type Message struct {
	body string
}

func NewMessage(raw string) Message {
	return FromEscaped(EscapeString(raw))
}

func FromEscaped(escaped string) Message {
	if len(escaped) > safeMessageLength {
		slog.Warn("alert message too long, truncating", "limit", safeMessageLength)
		escaped = escaped[:safeMessageLength]
	}
	return Message{body: escaped}
}

func (m Message) String() string { return m.body }

// Router fans alerts out to the paging service and/or chat, throttling
// per-tier and retrying chat delivery with a safe fallback on exhaustion.
type Router struct {
	cfg    *config.AppConfig
	client *http.Client

	mu        sync.Mutex
	lastFired map[Tier]time.Time
}

func New(cfg *config.AppConfig) *Router {
	transport := &http.Transport{
		DialContext: (&net.Dialer{Timeout: connectTimeout}).DialContext,
	}
	return &Router{
		cfg:       cfg,
		client:    &http.Client{Timeout: 10 * time.Second, Transport: transport},
		lastFired: make(map[Tier]time.Time),
	}
}

// Fire is the core throttled entrypoint: it fires tier's transport (Page
// -> OpsGenie, Chat -> the given channel) unless the tier's quiet period
// hasn't elapsed since the last successful send.
func (r *Router) Fire(ctx context.Context, tier Tier, channel Channel, msg Message, buttonURL string) {
	if !r.allow(tier) {
		slog.Warn("alert suppressed by quiet period", "tier", tier.String())
		return
	}

	sent := true
	switch tier {
	case Page:
		sent = r.page(ctx, msg.String())
	case Chat:
		sent = r.sendChatWithRetry(ctx, channel, msg, buttonURL)
	}

	if sent {
		r.mu.Lock()
		r.lastFired[tier] = time.Now()
		r.mu.Unlock()
		metrics.AlertsFired.WithLabelValues(tier.String(), channel.String()).Inc()
	}
}

// FireBoth fires both Page and Chat for the same underlying event, as the
// freshness watcher and the inclusion reconciler's missed-slot-rate alert
// do.
func (r *Router) FireBoth(ctx context.Context, channel Channel, msg Message) {
	r.Fire(ctx, Page, channel, msg, "")
	r.Fire(ctx, Chat, channel, msg, "")
}

func (r *Router) allow(tier Tier) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	last, ok := r.lastFired[tier]
	if !ok {
		return true
	}
	return time.Since(last) >= tier.quietPeriod()
}

// page sends a Page-tier alert to OpsGenie. Silently skipped outside the
// production environment. Returns whether the send should count as
// "fired" for throttling purposes.
func (r *Router) page(ctx context.Context, message string) bool {
	if r.cfg.Env != config.EnvProd {
		slog.Debug("skipping page alert outside production", "message", message)
		return true
	}

	err := r.sendOpsgenie(ctx, message)
	if err != nil {
		slog.Error("failed to send opsgenie alert", "error", err)
		fallback := NewMessage("failed to send opsgenie alert, please check logs")
		r.sendChatWithRetry(ctx, ChannelAlerts, fallback, "")
		return false
	}
	return true
}

func (r *Router) sendOpsgenie(ctx context.Context, message string) error {
	body, err := json.Marshal(map[string]string{"message": message})
	if err != nil {
		return fmt.Errorf("alert: marshal opsgenie body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, "https://api.opsgenie.com/v2/alerts", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("alert: build opsgenie request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "GenieKey "+r.cfg.OpsgenieAPIKey)

	resp, err := r.client.Do(req)
	if err != nil {
		return fmt.Errorf("alert: opsgenie request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusAccepted {
		slog.Debug("sent opsgenie alert", "message", message)
		return nil
	}

	respBody, _ := io.ReadAll(resp.Body)
	return fmt.Errorf("alert: opsgenie alert rejected, status %d: %s", resp.StatusCode, respBody)
}

// sendChatWithRetry sends msg to channel, retrying up to chatRetryAttempts
// times on failure, falling back to a safe ASCII-only message on the same
// channel if every attempt fails. Returns whether the *initial* send
// succeeded — per spec, last_fired only advances on a successful initial
// send, never on the fallback.
func (r *Router) sendChatWithRetry(ctx context.Context, channel Channel, msg Message, buttonURL string) bool {
	policy := backoff.WithMaxRetries(backoff.NewConstantBackOff(chatRetryInterval), chatRetryAttempts-1)

	attempt := 0
	err := backoff.Retry(func() error {
		attempt++
		sendErr := r.sendTelegramMessage(ctx, channel, msg.String(), buttonURL)
		if sendErr != nil {
			slog.Error("failed to send chat alert", "attempt", attempt, "channel", channel.String(), "error", sendErr)
		}
		return sendErr
	}, backoff.WithContext(policy, ctx))

	if err == nil {
		slog.Debug("sent chat alert", "channel", channel.String())
		return true
	}

	fallback := NewMessage("failed to send telegram alert please check logs")
	if sendErr := r.sendTelegramMessage(ctx, channel, fallback.String(), ""); sendErr != nil {
		slog.Error("failed to send fallback chat alert", "channel", channel.String(), "error", sendErr)
	}
	return false
}

func (r *Router) channelID(channel Channel) string {
	switch channel {
	case ChannelAlerts:
		return r.cfg.TelegramAlertsChannelID
	case ChannelBlockNotFound:
		return r.cfg.TelegramBlockNotFoundChannelID
	case ChannelDemotions:
		return r.cfg.TelegramDemotionsChannelID
	case ChannelWarnings:
		return r.cfg.TelegramWarningsChannelID
	default:
		return channel.id
	}
}

func (r *Router) sendTelegramMessage(ctx context.Context, channel Channel, message, buttonURL string) error {
	url := fmt.Sprintf("https://api.telegram.org/bot%s/sendMessage", r.cfg.TelegramAPIKey)

	payload := map[string]any{
		"chat_id":                  r.channelID(channel),
		"text":                     message,
		"parse_mode":               "MarkdownV2",
		"disable_web_page_preview": true,
	}
	if channel == ChannelDemotions && buttonURL != "" {
		payload["reply_markup"] = map[string]any{
			"inline_keyboard": [][]map[string]string{{{"text": "repromote", "url": buttonURL}}},
		}
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("alert: marshal telegram body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("alert: build telegram request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return fmt.Errorf("alert: telegram request: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		return nil
	case http.StatusBadRequest:
		respBody, _ := io.ReadAll(resp.Body)
		return backoff.Permanent(fmt.Errorf("alert: telegram rejected message: %s", respBody))
	default:
		respBody, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("alert: telegram send failed, status %d: %s", resp.StatusCode, respBody)
	}
}

// SendToBuilder DMs msg to builderID's configured channel, or falls back
// to the Alerts channel with a safe notice if no channel is configured for
// that builder.
func (r *Router) SendToBuilder(ctx context.Context, builderID string, msg Message, buttonURL string) {
	channel, ok := BuilderChannel(builderID)
	if !ok {
		slog.Error("no direct-message channel configured for builder", "builder_id", builderID)
		fallback := NewMessage("failed to find channel_id, please check logs")
		r.sendChatWithRetry(ctx, ChannelAlerts, fallback, "")
		return
	}
	r.sendChatWithRetry(ctx, channel, msg, buttonURL)
}
