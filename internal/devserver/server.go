// Package devserver is an in-memory server speaking the chat wire protocol,
// for development and integration tests. No persistence, no real auth: a
// caller identifies itself with an X-User-ID header (REST) or user_id query
// parameter (WebSocket), defaulting to user 1.
package devserver

import (
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/murmurchat/murmur/internal/models"
)

type storedMessage struct {
	id         int64
	body       string
	senderID   int64
	senderName string
	createdAt  time.Time
}

type thread struct {
	id      int64
	label   string
	isGroup bool
	ownerID int64
	members map[int64]bool
	history []storedMessage
}

// Server holds all in-memory chat state.
type Server struct {
	hub *hub

	mu            sync.Mutex
	threads       map[int64]*thread
	nextThreadID  int64
	nextMessageID int64
}

// New creates an empty Server.
func New() *Server {
	return &Server{
		hub:     newHub(),
		threads: make(map[int64]*thread),
	}
}

// Routes returns the HTTP mux covering the WebSocket endpoint and the REST
// action endpoints.
func (s *Server) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/chat/ws", s.HandleWebSocket)
	mux.HandleFunc("POST /chat/send", s.handleSend)
	mux.HandleFunc("POST /chat/threads/dm", s.handleStartDM)
	mux.HandleFunc("POST /chat/threads/group", s.handleCreateGroup)
	mux.HandleFunc("POST /chat/threads/{id}/leave", s.handleLeaveThread)
	mux.HandleFunc("POST /chat/threads/{id}/delete", s.handleDeleteThread)
	mux.HandleFunc("POST /chat/messages/{id}/delete", s.handleDeleteMessage)
	return mux
}

func (s *Server) allocThreadID() int64 {
	s.nextThreadID++
	return s.nextThreadID
}

// allocMessageID assigns server-monotonic message ids; clients rely on new
// messages having larger ids than any snapshot they already hold.
func (s *Server) allocMessageID() int64 {
	s.nextMessageID++
	return s.nextMessageID
}

func (s *Server) canDelete(t *thread, m storedMessage, userID int64) bool {
	if m.senderID == userID {
		return true
	}
	return t.isGroup && t.ownerID == userID
}

func (s *Server) messagePayload(t *thread, m storedMessage, viewerID int64) models.Message {
	return models.Message{
		ID:           m.id,
		Body:         m.body,
		IsSelf:       m.senderID == viewerID,
		CanDelete:    s.canDelete(t, m, viewerID),
		CreatedAt:    m.createdAt,
		CreatedLabel: m.createdAt.Format("Jan 2, 3:04 PM"),
		Sender:       &models.User{ID: m.senderID, Username: m.senderName},
	}
}

// broadcastMessage fans a new message out to every subscriber, rendering
// is_self and can_delete per viewer.
func (s *Server) broadcastMessage(t *thread, m storedMessage) {
	for _, c := range s.hub.subscribers(t.id) {
		c.sendJSON(map[string]interface{}{
			"type":      "message",
			"thread_id": t.id,
			"message":   s.messagePayload(t, m, c.userID),
		})
	}
}

func (s *Server) broadcastMessageDeleted(threadID, messageID int64) {
	for _, c := range s.hub.subscribers(threadID) {
		c.sendJSON(map[string]interface{}{
			"type":       "message_deleted",
			"thread_id":  threadID,
			"message_id": messageID,
		})
	}
}

// PostMessage injects a message as userID, as if sent through /chat/send.
// Tests drive server-side events with it.
func (s *Server) PostMessage(threadID, senderID int64, senderName, body string) (int64, error) {
	s.mu.Lock()
	t, ok := s.threads[threadID]
	if !ok {
		s.mu.Unlock()
		return 0, fmt.Errorf("unknown thread %d", threadID)
	}
	m := storedMessage{
		id:         s.allocMessageID(),
		body:       body,
		senderID:   senderID,
		senderName: senderName,
		createdAt:  time.Now().UTC(),
	}
	t.history = append(t.history, m)
	s.mu.Unlock()

	s.broadcastMessage(t, m)
	return m.id, nil
}

// CreateThread seeds a thread directly, for tests.
func (s *Server) CreateThread(label string, isGroup bool, ownerID int64, members ...int64) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := &thread{
		id:      s.allocThreadID(),
		label:   label,
		isGroup: isGroup,
		ownerID: ownerID,
		members: make(map[int64]bool),
	}
	t.members[ownerID] = true
	for _, id := range members {
		t.members[id] = true
	}
	s.threads[t.id] = t
	return t.id
}

func userIDFromRequest(r *http.Request) int64 {
	if raw := r.Header.Get("X-User-ID"); raw != "" {
		if id, err := strconv.ParseInt(raw, 10, 64); err == nil {
			return id
		}
	}
	return 1
}

func pathID(r *http.Request) (int64, error) {
	return strconv.ParseInt(r.PathValue("id"), 10, 64)
}
