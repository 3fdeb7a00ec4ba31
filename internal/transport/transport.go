// Package transport maintains the WebSocket connection to the chat backend,
// reconnecting with a fixed delay and replaying subscriptions after every
// reconnect. Decoded events are handed to a Handler; the transport itself
// keeps no thread or message state.
package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/murmurchat/murmur/internal/protocol"
)

const (
	// reconnectDelay is deliberately a fixed delay with no jitter; a chat
	// reconnect is low stakes and the simple policy is easy to reason about.
	reconnectDelay = 4 * time.Second

	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 30 * time.Second
	maxFrameSize   = 65536
	sendBufferSize = 256
)

// Handler receives decoded server events. Calls arrive from a single
// goroutine in delivery order.
type Handler interface {
	HandleEvent(ev protocol.Event)
}

// Transport is a reconnecting WebSocket client. Subscribe requests are
// fire-and-forget and idempotent server-side; on every successful connect the
// subscribed set is cleared and rebuilt from KnownThreadIDs, which makes
// reconnects safe without tracking what was lost while disconnected.
type Transport struct {
	url     string
	dialer  *websocket.Dialer
	header  func() map[string][]string
	handler Handler
	delay   time.Duration

	// KnownThreadIDs supplies the ids to resubscribe after a connect.
	knownIDs func() []int64

	mu         sync.Mutex
	conn       *websocket.Conn
	send       chan []byte
	done       chan struct{}
	subscribed map[int64]struct{}
	closed     bool

	wg sync.WaitGroup
}

// Options configures a Transport.
type Options struct {
	// URL is the WebSocket endpoint, e.g. wss://host/chat/ws.
	URL string
	// Handler receives decoded events.
	Handler Handler
	// KnownThreadIDs returns the thread ids to resubscribe on connect.
	KnownThreadIDs func() []int64
	// Header, if set, supplies request headers per dial (session cookies).
	Header func() map[string][]string
	// Dialer overrides the default dialer, used by tests.
	Dialer *websocket.Dialer
	// ReconnectDelay overrides the fixed retry delay, used by tests.
	ReconnectDelay time.Duration
}

// New creates a Transport. Call Run to start it.
func New(opts Options) (*Transport, error) {
	if opts.URL == "" {
		return nil, fmt.Errorf("transport: missing URL")
	}
	if opts.Handler == nil {
		return nil, fmt.Errorf("transport: missing handler")
	}
	dialer := opts.Dialer
	if dialer == nil {
		dialer = &websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	}
	known := opts.KnownThreadIDs
	if known == nil {
		known = func() []int64 { return nil }
	}
	delay := opts.ReconnectDelay
	if delay == 0 {
		delay = reconnectDelay
	}
	return &Transport{
		url:        opts.URL,
		dialer:     dialer,
		header:     opts.Header,
		handler:    opts.Handler,
		knownIDs:   known,
		delay:      delay,
		subscribed: make(map[int64]struct{}),
	}, nil
}

// Run connects and keeps the connection alive until ctx is cancelled or Close
// is called. Each connect failure or disconnect schedules a retry after the
// fixed delay.
func (t *Transport) Run(ctx context.Context) {
	for {
		if t.isClosed() {
			return
		}
		if err := t.connect(ctx); err != nil {
			log.Printf("transport: connect failed: %v", err)
		} else {
			t.wg.Wait()
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(t.delay):
		}
	}
}

func (t *Transport) connect(ctx context.Context) error {
	var header map[string][]string
	if t.header != nil {
		header = t.header()
	}
	conn, _, err := t.dialer.DialContext(ctx, t.url, header)
	if err != nil {
		return fmt.Errorf("failed to dial %s: %w", t.url, err)
	}

	t.mu.Lock()
	t.conn = conn
	t.send = make(chan []byte, sendBufferSize)
	t.done = make(chan struct{})
	// Every open starts from scratch: the server treats subscribe as
	// idempotent, so rebuilding the whole set is safe.
	t.subscribed = make(map[int64]struct{})
	t.mu.Unlock()

	t.wg.Add(2)
	go t.writePump(conn, t.send, t.done)
	go t.readPump(conn, t.done)

	for _, id := range t.knownIDs() {
		t.Subscribe(id)
	}
	return nil
}

// Subscribe requests events for a thread. Duplicate requests on the same
// connection are suppressed locally; while disconnected this is a no-op, and
// the next open-flush covers the thread via KnownThreadIDs.
func (t *Transport) Subscribe(threadID int64) {
	t.mu.Lock()
	if t.conn == nil {
		t.mu.Unlock()
		return
	}
	if _, ok := t.subscribed[threadID]; ok {
		t.mu.Unlock()
		return
	}
	t.subscribed[threadID] = struct{}{}
	send := t.send
	t.mu.Unlock()

	data, err := protocol.EncodeAction(protocol.ActionSubscribe, threadID)
	if err != nil {
		log.Printf("transport: failed to encode subscribe: %v", err)
		return
	}
	select {
	case send <- data:
	default:
		log.Printf("transport: send buffer full, dropping subscribe for thread %d", threadID)
	}
}

// Unsubscribe stops events for a thread and forgets it locally so a reconnect
// does not resubscribe it.
func (t *Transport) Unsubscribe(threadID int64) {
	t.mu.Lock()
	delete(t.subscribed, threadID)
	send := t.send
	connected := t.conn != nil
	t.mu.Unlock()
	if !connected {
		return
	}

	data, err := protocol.EncodeAction(protocol.ActionUnsubscribe, threadID)
	if err != nil {
		log.Printf("transport: failed to encode unsubscribe: %v", err)
		return
	}
	select {
	case send <- data:
	default:
	}
}

// Close tears the connection down and stops reconnecting.
func (t *Transport) Close() {
	t.mu.Lock()
	t.closed = true
	conn := t.conn
	t.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
}

func (t *Transport) isClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

func (t *Transport) readPump(conn *websocket.Conn, done chan struct{}) {
	defer func() {
		close(done)
		conn.Close()
		t.mu.Lock()
		if t.conn == conn {
			t.conn = nil
		}
		t.mu.Unlock()
		t.wg.Done()
	}()

	conn.SetReadLimit(maxFrameSize)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				log.Printf("transport: read error: %v", err)
			}
			return
		}
		ev, err := protocol.Decode(data)
		if err != nil {
			// Malformed frames are dropped, not fatal.
			log.Printf("transport: %v", err)
			continue
		}
		t.handler.HandleEvent(ev)
	}
}

func (t *Transport) writePump(conn *websocket.Conn, send chan []byte, done chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		conn.Close()
		t.wg.Done()
	}()

	for {
		select {
		case data := <-send:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-done:
			return
		}
	}
}

// SendAction writes an arbitrary action frame, used for refresh and ping.
func (t *Transport) SendAction(action protocol.ActionType) error {
	t.mu.Lock()
	send := t.send
	connected := t.conn != nil && !t.closed
	t.mu.Unlock()
	if !connected {
		return fmt.Errorf("transport: not connected")
	}
	data, err := json.Marshal(protocol.Action{Action: action})
	if err != nil {
		return err
	}
	select {
	case send <- data:
		return nil
	default:
		return fmt.Errorf("transport: send buffer full")
	}
}
