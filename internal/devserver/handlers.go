package devserver

import (
	"encoding/json"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"

	"github.com/murmurchat/murmur/internal/models"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// HandleWebSocket upgrades a client connection and serves the action loop.
func (s *Server) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	userID := int64(1)
	if raw := r.URL.Query().Get("user_id"); raw != "" {
		if id, err := strconv.ParseInt(raw, 10, 64); err == nil {
			userID = id
		}
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("devserver: upgrade failed: %v", err)
		return
	}

	c := &client{
		hub:    s.hub,
		conn:   conn,
		userID: userID,
		send:   make(chan []byte, 256),
		subs:   make(map[int64]bool),
	}
	s.hub.register(c)

	go s.writeLoop(c)
	c.sendJSON(map[string]interface{}{"type": "welcome", "locked": false})
	go s.readLoop(c)
}

func (s *Server) writeLoop(c *client) {
	defer c.conn.Close()
	for data := range c.send {
		c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
		if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
			return
		}
	}
}

func (s *Server) readLoop(c *client) {
	defer func() {
		s.hub.unregister(c)
		c.conn.Close()
	}()

	for {
		var action struct {
			Action   string `json:"action"`
			ThreadID int64  `json:"thread_id"`
		}
		if err := c.conn.ReadJSON(&action); err != nil {
			return
		}

		switch action.Action {
		case "subscribe":
			s.handleSubscribe(c, action.ThreadID)
		case "unsubscribe":
			s.hub.unsubscribe(c, action.ThreadID)
			c.sendJSON(map[string]interface{}{"type": "unsubscribed", "thread_id": action.ThreadID})
		case "refresh":
			c.sendJSON(map[string]interface{}{"type": "refreshed", "locked": false})
		case "ping":
			c.sendJSON(map[string]interface{}{"type": "pong"})
		default:
			c.sendError("Unknown action.")
		}
	}
}

func (s *Server) handleSubscribe(c *client, threadID int64) {
	s.mu.Lock()
	t, ok := s.threads[threadID]
	if !ok || !t.members[c.userID] {
		s.mu.Unlock()
		c.sendJSON(map[string]interface{}{
			"type":      "error",
			"message":   "Channel unavailable.",
			"thread_id": threadID,
		})
		return
	}
	history := make([]models.Message, 0, len(t.history))
	for _, m := range t.history {
		history = append(history, s.messagePayload(t, m, c.userID))
	}
	label := t.label
	isGroup := t.isGroup
	ownerID := t.ownerID
	s.mu.Unlock()

	s.hub.subscribe(c, threadID)
	c.sendJSON(map[string]interface{}{
		"type":         "subscribed",
		"thread_id":    threadID,
		"display_name": label,
		"is_group":     isGroup,
		"owner_id":     ownerID,
		"messages":     history,
	})
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(payload)
}

func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	userID := userIDFromRequest(r)
	threadID, _ := strconv.ParseInt(r.FormValue("thread_id"), 10, 64)
	body := r.FormValue("body")
	if threadID == 0 || body == "" {
		writeJSON(w, http.StatusBadRequest, map[string]interface{}{"ok": false, "error": "invalid"})
		return
	}

	s.mu.Lock()
	t, ok := s.threads[threadID]
	if !ok || !t.members[userID] {
		s.mu.Unlock()
		writeJSON(w, http.StatusNotFound, map[string]interface{}{"ok": false, "error": "unavailable"})
		return
	}
	m := storedMessage{
		id:         s.allocMessageID(),
		body:       body,
		senderID:   userID,
		senderName: "user-" + strconv.FormatInt(userID, 10),
		createdAt:  time.Now().UTC(),
	}
	t.history = append(t.history, m)
	s.mu.Unlock()

	s.broadcastMessage(t, m)
	writeJSON(w, http.StatusOK, map[string]interface{}{"ok": true, "message_id": m.id})
}

func (s *Server) handleStartDM(w http.ResponseWriter, r *http.Request) {
	userID := userIDFromRequest(r)
	recipientID, _ := strconv.ParseInt(r.FormValue("recipient_id"), 10, 64)
	if recipientID == 0 {
		writeJSON(w, http.StatusBadRequest, map[string]interface{}{"ok": false, "error": "invalid"})
		return
	}

	s.mu.Lock()
	// Reuse an existing DM between the pair; the thread id is the join key.
	for _, t := range s.threads {
		if !t.isGroup && t.members[userID] && t.members[recipientID] && len(t.members) == 2 {
			info := map[string]interface{}{
				"ok":           true,
				"thread_id":    t.id,
				"display_name": t.label,
				"owner_id":     t.ownerID,
			}
			s.mu.Unlock()
			writeJSON(w, http.StatusOK, info)
			return
		}
	}
	t := &thread{
		id:      s.allocThreadID(),
		label:   "user-" + strconv.FormatInt(recipientID, 10),
		ownerID: userID,
		members: map[int64]bool{userID: true, recipientID: true},
	}
	s.threads[t.id] = t
	s.mu.Unlock()

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"ok":           true,
		"thread_id":    t.id,
		"display_name": t.label,
		"owner_id":     t.ownerID,
	})
}

func (s *Server) handleCreateGroup(w http.ResponseWriter, r *http.Request) {
	userID := userIDFromRequest(r)
	if err := r.ParseForm(); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]interface{}{"ok": false, "error": "invalid"})
		return
	}
	name := r.FormValue("name")
	if name == "" {
		writeJSON(w, http.StatusBadRequest, map[string]interface{}{"ok": false, "error": "A group needs a name."})
		return
	}

	s.mu.Lock()
	t := &thread{
		id:      s.allocThreadID(),
		label:   name,
		isGroup: true,
		ownerID: userID,
		members: map[int64]bool{userID: true},
	}
	for _, raw := range r.PostForm["members"] {
		if id, err := strconv.ParseInt(raw, 10, 64); err == nil {
			t.members[id] = true
		}
	}
	s.threads[t.id] = t
	s.mu.Unlock()

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"ok":           true,
		"thread_id":    t.id,
		"display_name": t.label,
		"owner_id":     t.ownerID,
		"is_group":     true,
	})
}

func (s *Server) handleLeaveThread(w http.ResponseWriter, r *http.Request) {
	userID := userIDFromRequest(r)
	threadID, err := pathID(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]interface{}{"ok": false, "error": "invalid"})
		return
	}

	s.mu.Lock()
	t, ok := s.threads[threadID]
	switch {
	case !ok || !t.members[userID]:
		s.mu.Unlock()
		writeJSON(w, http.StatusNotFound, map[string]interface{}{"ok": false, "error": "That conversation is no longer available."})
		return
	case !t.isGroup:
		s.mu.Unlock()
		writeJSON(w, http.StatusBadRequest, map[string]interface{}{"ok": false, "error": "Only group channels can be left."})
		return
	case t.ownerID == userID:
		s.mu.Unlock()
		writeJSON(w, http.StatusConflict, map[string]interface{}{"ok": false, "error": "You founded this group. Delete it instead if you no longer need it."})
		return
	}
	delete(t.members, userID)
	s.mu.Unlock()

	writeJSON(w, http.StatusOK, map[string]interface{}{"ok": true, "thread_id": threadID})
}

func (s *Server) handleDeleteThread(w http.ResponseWriter, r *http.Request) {
	userID := userIDFromRequest(r)
	threadID, err := pathID(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]interface{}{"ok": false, "error": "invalid"})
		return
	}

	s.mu.Lock()
	t, ok := s.threads[threadID]
	if !ok || !t.members[userID] {
		s.mu.Unlock()
		writeJSON(w, http.StatusNotFound, map[string]interface{}{"ok": false, "error": "That conversation is no longer available."})
		return
	}
	if t.isGroup && t.ownerID != userID {
		s.mu.Unlock()
		writeJSON(w, http.StatusForbidden, map[string]interface{}{"ok": false, "error": "Only the group founder can delete this room. Choose Leave instead."})
		return
	}
	deleted := t.isGroup
	if t.isGroup {
		delete(s.threads, threadID)
	} else {
		// DM delete removes the caller's side only.
		delete(t.members, userID)
	}
	s.mu.Unlock()

	writeJSON(w, http.StatusOK, map[string]interface{}{"ok": true, "thread_id": threadID, "deleted": deleted})
}

func (s *Server) handleDeleteMessage(w http.ResponseWriter, r *http.Request) {
	userID := userIDFromRequest(r)
	messageID, err := pathID(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]interface{}{"ok": false, "error": "invalid"})
		return
	}
	scope := r.FormValue("scope")
	if scope == "" {
		scope = "all"
	}

	s.mu.Lock()
	var owner *thread
	index := -1
	for _, t := range s.threads {
		for i, m := range t.history {
			if m.id == messageID {
				owner, index = t, i
				break
			}
		}
		if owner != nil {
			break
		}
	}
	if owner == nil {
		s.mu.Unlock()
		writeJSON(w, http.StatusNotFound, map[string]interface{}{"ok": false, "error": "That message has already been cleared."})
		return
	}
	if !owner.members[userID] {
		s.mu.Unlock()
		writeJSON(w, http.StatusForbidden, map[string]interface{}{"ok": false, "error": "You are not part of that conversation."})
		return
	}

	if scope == "self" && !owner.isGroup {
		// Delete-for-self hides the message for the caller only; nothing is
		// broadcast and other members keep their copy.
		s.mu.Unlock()
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"ok": true, "thread_id": owner.id, "message_id": messageID, "scope": "self",
		})
		return
	}

	m := owner.history[index]
	if !s.canDelete(owner, m, userID) {
		s.mu.Unlock()
		writeJSON(w, http.StatusForbidden, map[string]interface{}{"ok": false, "error": "You cannot remove that message."})
		return
	}
	owner.history = append(owner.history[:index], owner.history[index+1:]...)
	threadID := owner.id
	s.mu.Unlock()

	s.broadcastMessageDeleted(threadID, messageID)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"ok": true, "thread_id": threadID, "message_id": messageID, "scope": "all",
	})
}
