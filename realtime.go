package outpost

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// ChannelEventType identifies realtime channel lifecycle and data events.
type ChannelEventType int

const (
	// EventConnected signals the channel (re)established its connection.
	EventConnected ChannelEventType = iota
	// EventDisconnected signals the connection dropped.
	EventDisconnected
	// EventChange carries a remote mutation.
	EventChange
)

// ChannelEvent is a single inbound event from the realtime channel.
type ChannelEvent struct {
	Type   ChannelEventType
	Change *ChangeEvent
}

// RealtimeChannel is a persistent bidirectional notification channel between
// devices, used to deliver remote mutations without waiting for the next
// poll cycle and to broadcast acknowledged local mutations to peers.
type RealtimeChannel interface {
	// Start begins delivering events. It returns once the channel is
	// running; connection management happens in the background.
	Start(ctx context.Context) error

	// Events returns the inbound event stream.
	Events() <-chan ChannelEvent

	// Emit broadcasts a change to other connected devices.
	Emit(ctx context.Context, ev ChangeEvent) error

	// Close tears the channel down.
	Close() error
}

// WebsocketChannelConfig configures the websocket realtime channel.
type WebsocketChannelConfig struct {
	// URL is the websocket endpoint, e.g. "wss://sync.example.com/v1/events".
	URL string

	// AuthToken, if set, is sent as a bearer token on the handshake.
	AuthToken string

	// PingInterval is how often to ping the server. Default: 30s.
	PingInterval time.Duration

	// WriteTimeout bounds each websocket write. Default: 10s.
	WriteTimeout time.Duration

	// ReconnectBackoff is the initial reconnect delay, doubled per failed
	// attempt up to MaxReconnectBackoff. Defaults: 1s / 1m.
	ReconnectBackoff    time.Duration
	MaxReconnectBackoff time.Duration

	// BufferSize is the inbound event channel capacity. Default: 256.
	BufferSize int
}

// WebsocketChannel implements RealtimeChannel over a websocket connection
// with automatic reconnection.
type WebsocketChannel struct {
	cfg    WebsocketChannelConfig
	events chan ChannelEvent

	mu      sync.Mutex
	conn    *websocket.Conn
	started bool
	closed  bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewWebsocketChannel creates a websocket channel for the given endpoint.
func NewWebsocketChannel(cfg WebsocketChannelConfig) (*WebsocketChannel, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("realtime: URL is required")
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 30 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	if cfg.ReconnectBackoff <= 0 {
		cfg.ReconnectBackoff = time.Second
	}
	if cfg.MaxReconnectBackoff <= 0 {
		cfg.MaxReconnectBackoff = time.Minute
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 256
	}
	return &WebsocketChannel{
		cfg:    cfg,
		events: make(chan ChannelEvent, cfg.BufferSize),
	}, nil
}

func (w *WebsocketChannel) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrClosed
	}
	if w.started {
		return nil
	}
	w.started = true

	runCtx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	w.wg.Add(1)
	go w.run(runCtx)
	return nil
}

func (w *WebsocketChannel) Events() <-chan ChannelEvent { return w.events }

func (w *WebsocketChannel) Emit(ctx context.Context, ev ChangeEvent) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrClosed
	}
	if w.conn == nil {
		return &SyncError{Kind: KindTransient, Op: "emit", Collection: ev.Collection, Err: ErrOffline}
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode change event: %w", err)
	}
	w.conn.SetWriteDeadline(time.Now().Add(w.cfg.WriteTimeout))
	if err := w.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return &SyncError{Kind: KindTransient, Op: "emit", Collection: ev.Collection, Err: err}
	}
	return nil
}

func (w *WebsocketChannel) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	cancel := w.cancel
	conn := w.conn
	w.conn = nil
	w.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		conn.Close()
	}
	w.wg.Wait()
	close(w.events)
	return nil
}

// run dials, reads until failure, then reconnects with backoff.
func (w *WebsocketChannel) run(ctx context.Context) {
	defer w.wg.Done()

	backoff := w.cfg.ReconnectBackoff
	for {
		if ctx.Err() != nil {
			return
		}

		conn, err := w.dial(ctx)
		if err != nil {
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > w.cfg.MaxReconnectBackoff {
				backoff = w.cfg.MaxReconnectBackoff
			}
			continue
		}
		backoff = w.cfg.ReconnectBackoff

		w.mu.Lock()
		if w.closed {
			w.mu.Unlock()
			conn.Close()
			return
		}
		w.conn = conn
		w.mu.Unlock()

		w.deliver(ctx, ChannelEvent{Type: EventConnected})
		w.readLoop(ctx, conn)

		w.mu.Lock()
		w.conn = nil
		closed := w.closed
		w.mu.Unlock()
		if closed || ctx.Err() != nil {
			return
		}
		w.deliver(ctx, ChannelEvent{Type: EventDisconnected})
	}
}

func (w *WebsocketChannel) dial(ctx context.Context) (*websocket.Conn, error) {
	header := http.Header{}
	if w.cfg.AuthToken != "" {
		header.Set("Authorization", "Bearer "+w.cfg.AuthToken)
	}
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, w.cfg.URL, header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	return conn, err
}

// readLoop consumes messages until the connection fails.
func (w *WebsocketChannel) readLoop(ctx context.Context, conn *websocket.Conn) {
	pingDone := make(chan struct{})
	go w.pingLoop(conn, pingDone)
	defer close(pingDone)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			conn.Close()
			return
		}
		var ev ChangeEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			// Unparseable frames are dropped rather than killing the
			// connection.
			continue
		}
		w.deliver(ctx, ChannelEvent{Type: EventChange, Change: &ev})
	}
}

func (w *WebsocketChannel) pingLoop(conn *websocket.Conn, done <-chan struct{}) {
	ticker := time.NewTicker(w.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			// Serialized against Emit; gorilla allows one writer at a time.
			w.mu.Lock()
			conn.SetWriteDeadline(time.Now().Add(w.cfg.WriteTimeout))
			err := conn.WriteMessage(websocket.PingMessage, nil)
			w.mu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

// deliver pushes an event without blocking shutdown.
func (w *WebsocketChannel) deliver(ctx context.Context, ev ChannelEvent) {
	select {
	case w.events <- ev:
	case <-ctx.Done():
	}
}
