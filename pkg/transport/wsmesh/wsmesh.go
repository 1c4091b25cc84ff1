// Package wsmesh is a reference transport: a full mesh of websocket links.
//
// Each agent listens on an HTTP endpoint and dials every peer in a static
// list, so any pair of reachable agents holds at least one connection.
// Envelopes are broadcast as binary frames. Delivery is best-effort: a
// failed write drops the connection and reports an error, and the
// resilience layer's retry/backoff does the rest. Dialers redial forever —
// partitions healing hours later is the expected case, not the exception.
//
// The production radio/ISOBUS transport is an external collaborator; this
// package exists so the daemon and integration tests have a real transport
// satisfying the same boundary interface.
package wsmesh

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/agrimesh/agrimesh/pkg/resilience"
)

var _ resilience.Transport = (*Mesh)(nil)

const (
	writeTimeout = 10 * time.Second
	redialEvery  = 2 * time.Second
	maxFrameSize = 64 * 1024
)

// ErrNoPeers means no peer connection is currently live. Transient: the
// resilience layer retries until the mesh heals or the retry budget runs
// out.
var ErrNoPeers = errors.New("no connected peers")

// Mesh is one agent's endpoint in the websocket mesh.
type Mesh struct {
	listen  string
	peers   []string
	logger  *slog.Logger
	handler func(data []byte)

	mu    sync.Mutex
	conns map[string]*conn

	server *http.Server
	wg     sync.WaitGroup
}

// conn pairs a websocket with a write lock; gorilla/websocket allows only
// one concurrent writer per connection.
type conn struct {
	ws *websocket.Conn
	mu sync.Mutex
}

// New constructs a mesh endpoint. handler receives every inbound frame; it
// must not block (hand off to the resilience layer and return).
func New(listen string, peers []string, handler func(data []byte), logger *slog.Logger) *Mesh {
	return &Mesh{
		listen:  listen,
		peers:   peers,
		logger:  logger,
		handler: handler,
		conns:   make(map[string]*conn),
	}
}

// Start begins listening and dialing. Returns once the listener is set up;
// dial loops run until ctx is cancelled.
func (m *Mesh) Start(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/mesh", m.handleUpgrade)
	m.server = &http.Server{Addr: m.listen, Handler: mux}

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		if err := m.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			m.logger.Error("mesh listener failed", "addr", m.listen, "error", err)
		}
	}()

	for _, peer := range m.peers {
		m.wg.Add(1)
		go func(url string) {
			defer m.wg.Done()
			m.dialLoop(ctx, url)
		}(peer)
	}

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		<-ctx.Done()
		m.shutdown()
	}()
	return nil
}

// Wait blocks until all mesh goroutines have exited.
func (m *Mesh) Wait() { m.wg.Wait() }

// Send broadcasts one frame to every live connection. It fails with
// ErrNoPeers when fully partitioned and with a wrapped error when every
// write failed; a partial broadcast succeeds (retransmission and
// heartbeats cover the stragglers).
func (m *Mesh) Send(ctx context.Context, data []byte) error {
	m.mu.Lock()
	targets := make(map[string]*conn, len(m.conns))
	for key, c := range m.conns {
		targets[key] = c
	}
	m.mu.Unlock()

	if len(targets) == 0 {
		return ErrNoPeers
	}

	var sent int
	var lastErr error
	for key, c := range targets {
		c.mu.Lock()
		c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
		err := c.ws.WriteMessage(websocket.BinaryMessage, data)
		c.mu.Unlock()
		if err != nil {
			lastErr = err
			m.drop(key, c)
			continue
		}
		sent++
	}
	if sent == 0 {
		return fmt.Errorf("broadcast failed on all %d connections: %w", len(targets), lastErr)
	}
	return nil
}

// handleUpgrade accepts an inbound peer connection.
func (m *Mesh) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	upgrader := websocket.Upgrader{
		ReadBufferSize:  maxFrameSize,
		WriteBufferSize: maxFrameSize,
	}
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		m.logger.Warn("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	key := "in:" + ws.RemoteAddr().String()
	m.track(key, ws)
}

// dialLoop keeps one outbound peer connection alive, redialing forever.
func (m *Mesh) dialLoop(ctx context.Context, url string) {
	key := "out:" + url
	for {
		if !m.connected(key) {
			ws, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
			if err != nil {
				m.logger.Debug("peer dial failed", "peer", url, "error", err)
			} else {
				m.logger.Info("peer connected", "peer", url)
				m.track(key, ws)
			}
		}
		select {
		case <-time.After(redialEvery):
		case <-ctx.Done():
			return
		}
	}
}

// track registers a connection and starts its read loop.
func (m *Mesh) track(key string, ws *websocket.Conn) {
	ws.SetReadLimit(maxFrameSize)
	c := &conn{ws: ws}
	m.mu.Lock()
	if old, ok := m.conns[key]; ok {
		old.ws.Close()
	}
	m.conns[key] = c
	m.mu.Unlock()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer m.drop(key, c)
		for {
			kind, data, err := ws.ReadMessage()
			if err != nil {
				return
			}
			if kind != websocket.BinaryMessage {
				continue
			}
			m.handler(data)
		}
	}()
}

// drop closes and unregisters a connection if it is still the tracked one.
func (m *Mesh) drop(key string, c *conn) {
	m.mu.Lock()
	if m.conns[key] == c {
		delete(m.conns, key)
	}
	m.mu.Unlock()
	c.ws.Close()
}

// connected reports whether a tracked connection exists for key.
func (m *Mesh) connected(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.conns[key]
	return ok
}

// shutdown closes the listener and every live connection.
func (m *Mesh) shutdown() {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := m.server.Shutdown(shutdownCtx); err != nil {
		m.logger.Warn("mesh listener shutdown", "error", err)
	}
	m.mu.Lock()
	for key, c := range m.conns {
		c.ws.Close()
		delete(m.conns, key)
	}
	m.mu.Unlock()
}
