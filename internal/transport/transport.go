// Package transport carries envelopes over a single long-lived
// websocket connection between the parent client process and the wallet
// host daemon: a CONNECT/READY handshake with retry-with-backoff, then
// duplex envelope traffic until either side closes.
package transport

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/nearkit/wallet-host/internal/hostd"
)

const (
	// connectBudget is the default total handshake budget.
	connectBudget = 8 * time.Second
	writeTimeout  = 5 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// controlEnvelope is the {type:'CONNECT'|'READY'} handshake frame, kept
// separate from hostd.Envelope since it never carries a requestId.
type controlEnvelope struct {
	Type string `json:"type"`
}

// Server adopts one websocket connection per relying page and
// dispatches every inbound envelope to a *hostd.Host.
type Server struct {
	host *hostd.Host
	log  zerolog.Logger
}

// NewServer builds a transport server around host.
func NewServer(host *hostd.Host, log zerolog.Logger) *Server {
	return &Server{host: host, log: log}
}

// connWriter implements hostd.Sender by serializing writes to a single
// websocket connection; gorilla/websocket connections are not safe for
// concurrent writers, so every Send call goes through this mutex.
type connWriter struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (w *connWriter) Send(env hostd.Envelope) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	_ = w.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return w.conn.WriteJSON(env)
}

// ServeHTTP upgrades the request to a websocket connection, performs the
// CONNECT/READY handshake, then dispatches every subsequent envelope to the
// wallet host until the connection closes.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Error().Err(err).Msg("transport: websocket upgrade failed")
		return
	}
	defer conn.Close()

	var ctrl controlEnvelope
	if err := conn.ReadJSON(&ctrl); err != nil || ctrl.Type != "CONNECT" {
		s.log.Warn().Msg("transport: expected CONNECT as first frame")
		return
	}

	sender := &connWriter{conn: conn}
	if err := sender.Send(hostd.Envelope{Type: hostd.TypeReady}); err != nil {
		s.log.Error().Err(err).Msg("transport: failed to send READY")
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	for {
		var env hostd.Envelope
		if err := conn.ReadJSON(&env); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				s.log.Debug().Err(err).Msg("transport: connection closed unexpectedly")
			}
			return
		}
		go s.host.Dispatch(ctx, env, sender)
	}
}

// Client is the parent-side half: it dials the wallet host, completes the
// CONNECT/READY handshake with backoff retry, and exposes Post (satisfying
// router.Poster) plus a channel of inbound envelopes for router.Deliver.
type Client struct {
	url string
	log zerolog.Logger

	mu   sync.Mutex
	conn *websocket.Conn

	Inbound chan hostd.Envelope
}

// NewClient builds a Client that will dial url (e.g. "ws://127.0.0.1:8787/ws")
// on Connect.
func NewClient(url string, log zerolog.Logger) *Client {
	return &Client{url: url, log: log, Inbound: make(chan hostd.Envelope, 32)}
}

// Connect dials the wallet host and blocks until READY arrives or ctx's
// budget (default connectBudget if ctx has no deadline) is exhausted,
// retrying with light backoff (200ms -> 400ms -> 800ms). Exhausting the
// budget fails with READY_TIMEOUT. Each call dials and handshakes on its
// own: concurrent calls are not coalesced into one attempt, and a
// successful call replaces the connection stored by any earlier call.
func (c *Client) Connect(ctx context.Context) error {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, connectBudget)
		defer cancel()
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 200 * time.Millisecond
	b.Multiplier = 2
	b.MaxInterval = 800 * time.Millisecond
	b.MaxElapsedTime = 0 // ctx governs the overall budget, not the backoff clock

	var conn *websocket.Conn
	err := backoff.Retry(func() error {
		dialed, _, dialErr := websocket.DefaultDialer.DialContext(ctx, c.url, nil)
		if dialErr != nil {
			return dialErr
		}
		if writeErr := dialed.WriteJSON(controlEnvelope{Type: "CONNECT"}); writeErr != nil {
			dialed.Close()
			return writeErr
		}
		var ctrl controlEnvelope
		_ = dialed.SetReadDeadline(time.Now().Add(2 * time.Second))
		if readErr := dialed.ReadJSON(&ctrl); readErr != nil || ctrl.Type != hostd.TypeReady {
			dialed.Close()
			return fmt.Errorf("no READY received")
		}
		// The 2s deadline covers the handshake only; readLoop reads without one.
		_ = dialed.SetReadDeadline(time.Time{})
		conn = dialed
		return nil
	}, backoff.WithContext(b, ctx))

	if err != nil {
		return fmt.Errorf("READY_TIMEOUT: %w", err)
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()

	go c.readLoop(conn)
	return nil
}

func (c *Client) readLoop(conn *websocket.Conn) {
	defer close(c.Inbound)
	for {
		var env hostd.Envelope
		if err := conn.ReadJSON(&env); err != nil {
			return
		}
		c.Inbound <- env
	}
}

// Post implements router.Poster: marshal env and write it to the
// connection. Post-handshake write failures are non-recoverable for
// that request and surface as a transport error.
func (c *Client) Post(env hostd.Envelope) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return fmt.Errorf("transport: not connected")
	}
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.conn.WriteJSON(env)
}

// Close shuts down the client connection.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	return err
}
