package nearrpc

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nearkit/wallet-host/internal/logging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestViewAccessKeyParsesNonce(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		resp := rpcResponse{Result: json.RawMessage(`{"nonce": 42}`)}
		json.NewEncoder(w).Encode(resp)
	}))
	defer srv.Close()

	c := New([]string{srv.URL}, 2*time.Second, logging.Nop())
	nonce, err := c.ViewAccessKey(context.Background(), "alice.testnet", "ed25519:PK")
	require.NoError(t, err)
	assert.Equal(t, uint64(42), nonce)
}

func TestMultiEndpointFallback(t *testing.T) {
	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer bad.Close()

	good := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		resp := rpcResponse{Result: json.RawMessage(`{"nonce": 1}`)}
		json.NewEncoder(w).Encode(resp)
	}))
	defer good.Close()

	c := New([]string{bad.URL, good.URL}, 2*time.Second, logging.Nop())
	nonce, err := c.ViewAccessKey(context.Background(), "alice.testnet", "ed25519:PK")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), nonce)
}

func TestSendTransactionRetriesOnStatusCodeAloneThenSucceeds(t *testing.T) {
	// The response body here ("nope") matches none of transientMarkers —
	// only the real 503 status code makes this transient.
	var attempts int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&attempts, 1)
		if n <= 2 {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte("nope"))
			return
		}
		resp := rpcResponse{Result: json.RawMessage(`{"transaction": {"hash": "def456"}}`)}
		json.NewEncoder(w).Encode(resp)
	}))
	defer srv.Close()

	c := New([]string{srv.URL}, 2*time.Second, logging.Nop())
	hash, err := c.SendTransaction(context.Background(), "c2lnbmVkLXR4", "")
	require.NoError(t, err)
	assert.Equal(t, "def456", hash)
	assert.Equal(t, int32(3), atomic.LoadInt32(&attempts))
}

func TestSendTransactionRetriesTransientThenSucceeds(t *testing.T) {
	var attempts int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&attempts, 1)
		if n <= 2 {
			w.WriteHeader(http.StatusBadGateway)
			w.Write([]byte("bad gateway"))
			return
		}
		resp := rpcResponse{Result: json.RawMessage(`{"transaction": {"hash": "abc123"}}`)}
		json.NewEncoder(w).Encode(resp)
	}))
	defer srv.Close()

	c := New([]string{srv.URL}, 2*time.Second, logging.Nop())
	hash, err := c.SendTransaction(context.Background(), "c2lnbmVkLXR4", "")
	require.NoError(t, err)
	assert.Equal(t, "abc123", hash)
	assert.Equal(t, int32(3), atomic.LoadInt32(&attempts))
}
