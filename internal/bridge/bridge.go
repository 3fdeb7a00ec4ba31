// Package bridge serves local UI surfaces over a WebSocket. Any number of
// windows (main view, dock popouts) connect; each gets the full snapshot on
// connect and incremental updates afterwards. Consistency across windows
// comes from all of them reading the one store, not from any cross-window
// protocol.
package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/murmurchat/murmur/internal/models"
	"github.com/murmurchat/murmur/internal/rest"
	"github.com/murmurchat/murmur/internal/session"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

type uiWindow struct {
	id   string
	conn *websocket.Conn
	send chan []byte

	// sendMu orders enqueue against the close in readLoop's teardown;
	// broadcasts arrive from store callback goroutines.
	sendMu sync.Mutex
	closed bool
}

// enqueue queues a frame for the window, dropping it if the window is slow
// or already gone.
func (w *uiWindow) enqueue(data []byte) {
	w.sendMu.Lock()
	defer w.sendMu.Unlock()
	if w.closed {
		return
	}
	select {
	case w.send <- data:
	default:
	}
}

// Handler bridges UI windows to the session.
type Handler struct {
	session *session.Session
	windows map[*uiWindow]bool
	mu      sync.RWMutex
}

// NewHandler creates a bridge and registers for store change notifications.
func NewHandler(sess *session.Session) *Handler {
	h := &Handler{
		session: sess,
		windows: make(map[*uiWindow]bool),
	}
	sess.Store().OnChange(h.broadcastChange)
	return h
}

// threadPayload is the wire shape sent to UI windows. Preview is truncated
// for display here; the store keeps the full text.
type threadPayload struct {
	Thread  models.Thread    `json:"thread"`
	Preview string           `json:"preview"`
	History []models.Message `json:"messages,omitempty"`
}

func (h *Handler) threadSnapshot(threadID int64, withHistory bool) (threadPayload, bool) {
	t, ok := h.session.Store().Thread(threadID)
	if !ok {
		return threadPayload{}, false
	}
	p := threadPayload{Thread: t, Preview: models.TruncateBody(t.Preview)}
	if withHistory {
		p.History = h.session.Store().History(threadID)
	}
	return p, true
}

func (h *Handler) broadcastChange(threadID int64) {
	if threadID == 0 {
		h.broadcast(h.threadListFrame())
		return
	}
	p, ok := h.threadSnapshot(threadID, true)
	if !ok {
		// Thread vanished between the mutation and this callback.
		h.broadcast(h.threadListFrame())
		return
	}
	data, err := json.Marshal(map[string]interface{}{
		"type":      "thread",
		"thread_id": threadID,
		"payload":   p,
	})
	if err != nil {
		return
	}
	h.broadcast(data)
}

func (h *Handler) threadListFrame() []byte {
	threads := h.session.Store().Threads()
	payloads := make([]threadPayload, 0, len(threads))
	for _, t := range threads {
		payloads = append(payloads, threadPayload{Thread: t, Preview: models.TruncateBody(t.Preview)})
	}
	data, _ := json.Marshal(map[string]interface{}{
		"type":          "threads",
		"threads":       payloads,
		"active_thread": h.session.Store().ActiveThreadID(),
	})
	return data
}

func (h *Handler) broadcast(data []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for w := range h.windows {
		w.enqueue(data)
	}
}

// HandleWebSocket accepts a UI window connection.
func (h *Handler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("bridge: upgrade failed: %v", err)
		return
	}

	win := &uiWindow{
		id:   uuid.New().String(),
		conn: conn,
		send: make(chan []byte, 64),
	}
	h.mu.Lock()
	h.windows[win] = true
	h.mu.Unlock()

	go h.writeLoop(win)
	h.sendInitialState(win)
	go h.readLoop(win)
}

func (h *Handler) sendInitialState(win *uiWindow) {
	win.enqueue(h.threadListFrame())
	for _, t := range h.session.Store().Threads() {
		p, ok := h.threadSnapshot(t.ID, true)
		if !ok {
			continue
		}
		data, err := json.Marshal(map[string]interface{}{
			"type":      "thread",
			"thread_id": t.ID,
			"payload":   p,
		})
		if err != nil {
			continue
		}
		win.enqueue(data)
	}
}

func (h *Handler) writeLoop(win *uiWindow) {
	defer win.conn.Close()
	for data := range win.send {
		if err := win.conn.WriteMessage(websocket.TextMessage, data); err != nil {
			return
		}
	}
}

func (h *Handler) readLoop(win *uiWindow) {
	defer func() {
		h.mu.Lock()
		delete(h.windows, win)
		h.mu.Unlock()
		win.sendMu.Lock()
		win.closed = true
		close(win.send)
		win.sendMu.Unlock()
		win.conn.Close()
	}()

	for {
		var msg map[string]interface{}
		if err := win.conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("bridge: window %s read error: %v", win.id, err)
			}
			return
		}
		h.handleIntent(win, msg)
	}
}

func (h *Handler) sendError(win *uiWindow, message string) {
	data, _ := json.Marshal(map[string]interface{}{
		"type":  "error",
		"error": message,
	})
	win.enqueue(data)
}

// reportErr turns a session error into a user-facing notice, distinguishing
// timeouts so the UI can say "retry" rather than a generic failure.
func (h *Handler) reportErr(win *uiWindow, err error) {
	switch {
	case errors.Is(err, rest.ErrTimeout):
		h.sendError(win, "The server is taking too long. Try again in a moment.")
	case rest.IsPermissionDenied(err):
		h.sendError(win, "You do not have permission to do that.")
	default:
		h.sendError(win, err.Error())
	}
}

func intInt64(v interface{}) int64 {
	f, _ := v.(float64)
	return int64(f)
}

func (h *Handler) handleIntent(win *uiWindow, msg map[string]interface{}) {
	msgType, _ := msg["type"].(string)
	ctx := context.Background()

	switch msgType {
	case "open_thread":
		h.session.OpenThread(intInt64(msg["thread_id"]))

	case "close_thread":
		h.session.CloseThread()

	case "clear_unread":
		h.session.Store().ClearUnread(intInt64(msg["thread_id"]))

	case "send_message":
		body, _ := msg["body"].(string)
		if err := h.session.SendMessage(ctx, intInt64(msg["thread_id"]), body); err != nil {
			h.reportErr(win, err)
		}

	case "start_dm":
		if _, err := h.session.StartDM(ctx, intInt64(msg["recipient_id"])); err != nil {
			h.reportErr(win, err)
		}

	case "create_group":
		name, _ := msg["name"].(string)
		var members []int64
		if raw, ok := msg["members"].([]interface{}); ok {
			for _, m := range raw {
				members = append(members, intInt64(m))
			}
		}
		if _, err := h.session.CreateGroup(ctx, name, members); err != nil {
			h.reportErr(win, err)
		}

	case "leave_thread":
		if err := h.session.LeaveThread(ctx, intInt64(msg["thread_id"])); err != nil {
			h.reportErr(win, err)
		}

	case "delete_thread":
		if err := h.session.DeleteThread(ctx, intInt64(msg["thread_id"])); err != nil {
			h.reportErr(win, err)
		}

	case "delete_message":
		scope := rest.DeleteScope("")
		if raw, ok := msg["scope"].(string); ok {
			scope = rest.DeleteScope(raw)
		}
		if scope != rest.ScopeAll && scope != rest.ScopeSelf {
			h.sendError(win, "Missing delete scope.")
			return
		}
		if err := h.session.DeleteMessage(ctx, intInt64(msg["thread_id"]), intInt64(msg["message_id"]), scope); err != nil {
			h.reportErr(win, err)
		}

	default:
		h.sendError(win, "Unknown request.")
	}
}
