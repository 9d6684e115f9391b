package transcript

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/gwaggli/gwaggli/pkg/provider/stt"
)

const (
	// clientBuffer is the number of events queued per client before the
	// client is considered too slow and disconnected.
	clientBuffer = 32

	writeTimeout = 5 * time.Second
)

// Event is the JSON message sent to websocket clients for every transcript.
type Event struct {
	Frame      int       `json:"frame"`
	Text       string    `json:"text"`
	Start      time.Time `json:"start"`
	DurationMS int64     `json:"duration_ms"`
	Provider   string    `json:"provider,omitempty"`
}

// NewEvent converts a transcript to its wire form.
func NewEvent(t stt.Transcript) Event {
	return Event{
		Frame:      t.Frame,
		Text:       t.Text,
		Start:      t.Start,
		DurationMS: t.Duration.Milliseconds(),
		Provider:   t.Provider,
	}
}

// HubOption configures a [Hub].
type HubOption func(*Hub)

// WithOriginPatterns sets the host patterns accepted for cross-origin
// websocket upgrades. See [websocket.AcceptOptions].
func WithOriginPatterns(patterns ...string) HubOption {
	return func(h *Hub) { h.origins = patterns }
}

// WithHubLogger sets the logger. Defaults to slog.Default().
func WithHubLogger(l *slog.Logger) HubOption {
	return func(h *Hub) { h.log = l }
}

// Hub is a [Sink] that broadcasts transcripts to connected websocket
// clients. It is also an [http.Handler] that upgrades requests and
// registers the client. Emit never blocks on a client: a client whose queue
// is full is disconnected.
type Hub struct {
	origins []string
	log     *slog.Logger

	mu      sync.Mutex
	clients map[*client]struct{}
	closed  bool
}

type client struct {
	send chan []byte
	// gone is closed when the hub drops the client; code and reason are set
	// before.
	gone   chan struct{}
	once   sync.Once
	code   websocket.StatusCode
	reason string
}

func (c *client) drop(code websocket.StatusCode, reason string) {
	c.once.Do(func() {
		c.code, c.reason = code, reason
		close(c.gone)
	})
}

var (
	_ Sink         = (*Hub)(nil)
	_ http.Handler = (*Hub)(nil)
)

// NewHub creates an empty [Hub].
func NewHub(opts ...HubOption) *Hub {
	h := &Hub{
		log:     slog.Default(),
		clients: make(map[*client]struct{}),
	}
	for _, o := range opts {
		o(h)
	}
	return h
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Emit queues t for every connected client.
func (h *Hub) Emit(_ context.Context, t stt.Transcript) error {
	data, err := json.Marshal(NewEvent(t))
	if err != nil {
		return fmt.Errorf("transcript: marshal event: %w", err)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		select {
		case c.send <- data:
		default:
			delete(h.clients, c)
			c.drop(websocket.StatusPolicyViolation, "too slow")
			h.log.Warn("transcript hub: dropping slow client", "frame", t.Frame)
		}
	}
	return nil
}

// ServeHTTP upgrades the request to a websocket and streams events until
// the client disconnects, falls behind, or the hub is closed. Messages from
// the client are ignored.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: h.origins})
	if err != nil {
		h.log.Debug("transcript hub: upgrade failed", "err", err)
		return
	}
	defer conn.CloseNow()

	c := &client{send: make(chan []byte, clientBuffer), gone: make(chan struct{})}
	if !h.add(c) {
		conn.Close(websocket.StatusGoingAway, "server shutting down")
		return
	}
	defer h.remove(c)

	ctx := conn.CloseRead(r.Context())
	h.log.Debug("transcript hub: client connected", "remote", r.RemoteAddr)

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.gone:
			conn.Close(c.code, c.reason)
			return
		case data := <-c.send:
			wctx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := conn.Write(wctx, websocket.MessageText, data)
			cancel()
			if err != nil {
				h.log.Debug("transcript hub: write failed", "remote", r.RemoteAddr, "err", err)
				return
			}
		}
	}
}

func (h *Hub) add(c *client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.clients[c] = struct{}{}
	return true
}

func (h *Hub) remove(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.clients, c)
}

// Close disconnects every client and rejects new ones.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for c := range h.clients {
		delete(h.clients, c)
		c.drop(websocket.StatusGoingAway, "server shutting down")
	}
}
