package freshness

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ultrasoundmoney/phoenix/internal/alert"
	"github.com/ultrasoundmoney/phoenix/internal/config"
)

type fakeSource struct {
	name          string
	lastSeen      time.Time
	unsyncedCount int
	ageLimit      time.Duration
	warn, page    int
	err           error
	calls         int
}

func (f *fakeSource) Name() string            { return f.name }
func (f *fakeSource) AgeLimit() time.Duration { return f.ageLimit }
func (f *fakeSource) WarnThreshold() int      { return f.warn }
func (f *fakeSource) PageThreshold() int      { return f.page }
func (f *fakeSource) Refresh(ctx context.Context) (time.Time, int, error) {
	f.calls++
	return f.lastSeen, f.unsyncedCount, f.err
}

func newTestRouter() *alert.Router {
	return alert.New(&config.AppConfig{Env: config.EnvStaging})
}

func TestPollSourceFreshDoesNothing(t *testing.T) {
	w := New(newTestRouter())
	src := &fakeSource{name: "thing", lastSeen: time.Now(), ageLimit: time.Minute, warn: 10, page: 10}
	w.pollSource(context.Background(), src)

	assert.WithinDuration(t, time.Now(), w.lastSeen["thing"], time.Second)
}

func TestPollSourceErrorDoesNotAdvanceLastSeen(t *testing.T) {
	w := New(newTestRouter())
	staleTime := time.Now().Add(-time.Hour)
	w.lastSeen["thing"] = staleTime

	src := &fakeSource{name: "thing", err: errors.New("boom"), ageLimit: time.Minute}
	w.pollSource(context.Background(), src)

	assert.Equal(t, staleTime, w.lastSeen["thing"])
}

func TestPollSourceStaleUpdatesLastSeenFromRefresh(t *testing.T) {
	w := New(newTestRouter())
	stale := time.Now().Add(-time.Hour)

	src := &fakeSource{name: "thing", lastSeen: stale, ageLimit: time.Minute, warn: 10, page: 10}
	w.pollSource(context.Background(), src)

	require.Contains(t, w.lastSeen, "thing")
	assert.Equal(t, stale, w.lastSeen["thing"])
}
