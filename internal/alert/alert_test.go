package alert

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/ultrasoundmoney/phoenix/internal/config"
)

func TestEscapeStringEscapesAllReservedChars(t *testing.T) {
	got := EscapeString("_*[]()~`>#+-=|{}.!")
	for _, r := range reservedMarkdownChars {
		assert.Contains(t, got, "\\"+string(r))
	}
	assert.Equal(t, "plain text", EscapeString("plain text"))
}

func TestEscapeCodeBlockOnlyEscapesBacktickAndBackslash(t *testing.T) {
	got := EscapeCodeBlock("a`b\\c_d*e")
	assert.Equal(t, "a\\`b\\\\c_d*e", got)
}

func TestTruncateSimErrorLeavesShortStringsAlone(t *testing.T) {
	short := "simulation failed: unknown ancestor"
	assert.Equal(t, short, TruncateSimError(short))
}

func TestTruncateSimErrorTruncatesAndMarks(t *testing.T) {
	long := strings.Repeat("x", maxSimErrorLength+100)
	got := TruncateSimError(long)
	assert.LessOrEqual(t, len(got), maxSimErrorLength)
	assert.True(t, strings.HasSuffix(got, truncationMarker))
}

func TestNewMessageTruncatesToSafeLength(t *testing.T) {
	msg := NewMessage(strings.Repeat("a", safeMessageLength+500))
	assert.LessOrEqual(t, len(msg.String()), safeMessageLength)
}

func TestRouterAllowRespectsQuietPeriod(t *testing.T) {
	r := New(&config.AppConfig{})

	assert.True(t, r.allow(Page))
	r.lastFired[Page] = time.Now()
	assert.False(t, r.allow(Page))

	r.lastFired[Page] = time.Now().Add(-5 * time.Minute)
	assert.True(t, r.allow(Page))

	assert.True(t, r.allow(Chat))
	r.lastFired[Chat] = time.Now()
	assert.False(t, r.allow(Chat))
}

func TestBuilderChannelKnownAndUnknown(t *testing.T) {
	ch, ok := BuilderChannel("titan")
	assert.True(t, ok)
	assert.Equal(t, "-1002036721274", ch.id)

	_, ok = BuilderChannel("someone-unknown")
	assert.False(t, ok)
}
