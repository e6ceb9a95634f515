package chainclient

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewPanicsWithoutNodes(t *testing.T) {
	assert.Panics(t, func() { New(nil) })
}

func TestBlockBySlotAnyReturnsPayload(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"data":{"message":{"body":{"execution_payload":{"block_hash":"0xabc","block_number":"123"}}}}}`))
	}))
	defer srv.Close()

	client := New([]string{srv.URL})
	payload, err := client.BlockBySlotAny(context.Background(), 42)
	require.NoError(t, err)
	require.NotNil(t, payload)
	assert.Equal(t, "0xabc", payload.BlockHash)
	assert.EqualValues(t, 123, payload.BlockNumber)
}

func TestBlockBySlotAnyNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	client := New([]string{srv.URL})
	_, err := client.BlockBySlotAny(context.Background(), 42)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestBlockBySlotAnyServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	client := New([]string{srv.URL})
	_, err := client.BlockBySlotAny(context.Background(), 42)
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrNotFound)
}

func TestSyncStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"data":{"is_syncing":true}}`))
	}))
	defer srv.Close()

	client := New([]string{srv.URL})
	status, err := client.SyncStatus(context.Background(), srv.URL)
	require.NoError(t, err)
	assert.True(t, status.IsSyncing)
}
