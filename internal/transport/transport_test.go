package transport

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/nearkit/wallet-host/internal/confirmation"
	"github.com/nearkit/wallet-host/internal/hostd"
	"github.com/nearkit/wallet-host/internal/logging"
)

func newTestServer(t *testing.T) (*httptest.Server, string) {
	t.Helper()
	host := hostd.New(hostd.Deps{Confirm: confirmation.New(), Log: logging.Nop()})
	srv := httptest.NewServer(NewServer(host, logging.Nop()))
	t.Cleanup(srv.Close)
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	return srv, wsURL
}

func TestClientConnectCompletesHandshake(t *testing.T) {
	_, wsURL := newTestServer(t)
	client := NewClient(wsURL, logging.Nop())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, client.Connect(ctx))
	defer client.Close()
}

func TestClientPingReceivesReady(t *testing.T) {
	_, wsURL := newTestServer(t)
	client := NewClient(wsURL, logging.Nop())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, client.Connect(ctx))
	defer client.Close()

	require.NoError(t, client.Post(hostd.Envelope{RequestID: "p1", Type: hostd.TypePing}))

	select {
	case env := <-client.Inbound:
		require.Equal(t, hostd.TypeReady, env.Type)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for READY reply")
	}
}

func TestClientConnectFailsWithoutServer(t *testing.T) {
	client := NewClient("ws://127.0.0.1:1/ws", logging.Nop())
	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	err := client.Connect(ctx)
	require.Error(t, err)
	require.Contains(t, err.Error(), "READY_TIMEOUT")
}
