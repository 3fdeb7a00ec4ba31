// Package store holds the client-side chat state: the thread list, per-thread
// message history, and unread bookkeeping. It is the single source of truth
// for every UI surface; transports and renderers never mutate its records
// directly.
package store

import (
	"sync"

	"github.com/murmurchat/murmur/internal/models"
)

// ChangeFunc is notified after a store mutation. threadID is the thread that
// changed, or 0 when the shape of the thread list itself changed.
type ChangeFunc func(threadID int64)

// Removal describes a message taken out of history, with enough context to
// put it back if a server-side delete is later refused.
type Removal struct {
	Message       models.Message
	Index         int
	CountedUnread bool // the removal decremented the thread's unread count
}

// Store reconciles concurrent event sources (initial snapshot, REST
// responses, WebSocket push) into one consistent view. Every method is a
// synchronous state transition guarded by a single mutex; the store performs
// no I/O and never returns an error for unknown ids, since an unreliable
// transport may deliver events late, twice, or out of order.
type Store struct {
	mu       sync.Mutex
	threads  map[int64]*models.Thread
	order    []int64
	history  map[int64][]models.Message
	removed  map[int64]struct{}
	activeID int64

	onChange []ChangeFunc
}

// New creates an empty store.
func New() *Store {
	return &Store{
		threads: make(map[int64]*models.Thread),
		history: make(map[int64][]models.Message),
		removed: make(map[int64]struct{}),
	}
}

// OnChange registers a change callback. Callbacks run outside the store lock,
// in registration order. Safe to call while events are already flowing; a
// callback registered mid-stream sees only subsequent changes.
func (s *Store) OnChange(fn ChangeFunc) {
	s.mu.Lock()
	s.onChange = append(s.onChange, fn)
	s.mu.Unlock()
}

func (s *Store) notify(threadID int64) {
	s.mu.Lock()
	callbacks := make([]ChangeFunc, len(s.onChange))
	copy(callbacks, s.onChange)
	s.mu.Unlock()
	for _, fn := range callbacks {
		fn(threadID)
	}
}

// ensureThread returns the thread entry for id, creating it lazily. Caller
// holds the lock.
func (s *Store) ensureThread(id int64, label string) *models.Thread {
	if t, ok := s.threads[id]; ok {
		return t
	}
	if label == "" {
		label = models.DefaultThreadLabel
	}
	t := &models.Thread{ID: id, Label: label}
	s.threads[id] = t
	s.order = append(s.order, id)
	return t
}

// LoadInitialContext seeds the store from a one-time snapshot. Idempotent:
// overlapping thread ids merge rather than duplicate, preferring the newest
// non-empty fields. Threads removed locally in this session are not
// resurrected. activeThreadID of 0 leaves the active thread unchanged.
func (s *Store) LoadInitialContext(threads []models.Thread, activeThreadID int64) {
	s.mu.Lock()
	for _, incoming := range threads {
		if _, gone := s.removed[incoming.ID]; gone {
			continue
		}
		existing, ok := s.threads[incoming.ID]
		if !ok {
			t := incoming
			if t.Label == "" {
				t.Label = models.DefaultThreadLabel
			}
			s.threads[t.ID] = &t
			s.order = append(s.order, t.ID)
			continue
		}
		if incoming.Label != "" {
			existing.Label = incoming.Label
		}
		if incoming.Preview != "" {
			existing.Preview = incoming.Preview
		}
		if incoming.UnreadCount > 0 {
			existing.UnreadCount = incoming.UnreadCount
		}
		if incoming.OwnerID != nil {
			existing.OwnerID = incoming.OwnerID
		}
	}
	if activeThreadID != 0 {
		s.activeID = activeThreadID
		if t, ok := s.threads[activeThreadID]; ok {
			t.UnreadCount = 0
		}
	}
	s.mu.Unlock()
	s.notify(0)
}

// ApplyIncomingMessage appends a message to a thread's history. A message
// whose id is already present is a complete no-op, giving exactly-once
// semantics under at-least-once delivery. History keeps arrival order; the
// store never resorts by timestamp. A message for a locally removed thread is
// ignored; only a fresh subscribed event revives a tombstoned thread.
func (s *Store) ApplyIncomingMessage(threadID int64, msg models.Message) {
	if threadID == 0 || msg.ID == 0 {
		return
	}
	s.mu.Lock()
	if _, gone := s.removed[threadID]; gone {
		s.mu.Unlock()
		return
	}
	for _, existing := range s.history[threadID] {
		if existing.ID == msg.ID {
			s.mu.Unlock()
			return
		}
	}
	msg.ThreadID = threadID
	s.history[threadID] = append(s.history[threadID], msg)

	label := ""
	if msg.Sender != nil {
		label = msg.Sender.Username
	}
	t := s.ensureThread(threadID, label)
	t.Preview = msg.Body
	if threadID == s.activeID || msg.IsSelf {
		t.UnreadCount = 0
	} else {
		t.UnreadCount++
	}
	s.mu.Unlock()
	s.notify(threadID)
}

// ApplyMessageDeleted removes a message from history. Deleting an unknown
// message is a no-op, since the optimistic path may already have removed it.
// The returned Removal lets a caller restore the message on rollback.
func (s *Store) ApplyMessageDeleted(threadID, messageID int64) (Removal, bool) {
	s.mu.Lock()
	history := s.history[threadID]
	index := -1
	for i, m := range history {
		if m.ID == messageID {
			index = i
			break
		}
	}
	if index < 0 {
		s.mu.Unlock()
		return Removal{}, false
	}
	rm := Removal{Message: history[index], Index: index}
	s.history[threadID] = append(history[:index], history[index+1:]...)

	if t, ok := s.threads[threadID]; ok {
		if !rm.Message.IsSelf && threadID != s.activeID && t.UnreadCount > 0 {
			t.UnreadCount--
			rm.CountedUnread = true
		}
		t.Preview = s.tailPreview(threadID)
	}
	s.mu.Unlock()
	s.notify(threadID)
	return rm, true
}

// RestoreMessage reinserts a message removed by ApplyMessageDeleted, undoing
// the removal's unread adjustment. Used to roll back an optimistic delete the
// server refused.
func (s *Store) RestoreMessage(threadID int64, rm Removal) {
	s.mu.Lock()
	history := s.history[threadID]
	for _, existing := range history {
		if existing.ID == rm.Message.ID {
			s.mu.Unlock()
			return
		}
	}
	index := rm.Index
	if index < 0 {
		index = 0
	}
	if index > len(history) {
		index = len(history)
	}
	history = append(history, models.Message{})
	copy(history[index+1:], history[index:])
	history[index] = rm.Message
	s.history[threadID] = history

	if t, ok := s.threads[threadID]; ok {
		if rm.CountedUnread {
			t.UnreadCount++
		}
		t.Preview = s.tailPreview(threadID)
	}
	s.mu.Unlock()
	s.notify(threadID)
}

// tailPreview returns the preview text for the current end of history.
// Caller holds the lock.
func (s *Store) tailPreview(threadID int64) string {
	history := s.history[threadID]
	if len(history) == 0 {
		return models.EmptyThreadPreview
	}
	return history[len(history)-1].Body
}

// ApplySubscribed establishes or updates a thread from a subscription
// confirmation and resyncs its history from the snapshot. The resync is a
// merge by id union, never a destructive overwrite: live messages that
// arrived after the snapshot was cut are retained after the snapshot's
// ordering.
func (s *Store) ApplySubscribed(threadID int64, label string, isGroup bool, ownerID *int64, snapshot []models.Message) {
	if threadID == 0 {
		return
	}
	s.mu.Lock()
	delete(s.removed, threadID)

	t := s.ensureThread(threadID, label)
	if label != "" {
		t.Label = label
	}
	t.IsGroup = isGroup
	if ownerID != nil {
		t.OwnerID = ownerID
	}

	merged := make([]models.Message, 0, len(snapshot))
	seen := make(map[int64]struct{}, len(snapshot))
	for _, m := range snapshot {
		if _, dup := seen[m.ID]; dup {
			continue
		}
		seen[m.ID] = struct{}{}
		m.ThreadID = threadID
		merged = append(merged, m)
	}
	for _, m := range s.history[threadID] {
		if _, ok := seen[m.ID]; !ok {
			seen[m.ID] = struct{}{}
			merged = append(merged, m)
		}
	}
	s.history[threadID] = merged

	t.Preview = s.tailPreview(threadID)
	if threadID == s.activeID {
		t.UnreadCount = 0
	}
	s.mu.Unlock()
	s.notify(threadID)
}

// ClearUnread resets a thread's unread count. Called when a thread becomes
// the active view or its message list gains focus.
func (s *Store) ClearUnread(threadID int64) {
	s.mu.Lock()
	t, ok := s.threads[threadID]
	if ok {
		t.UnreadCount = 0
	}
	s.mu.Unlock()
	if ok {
		s.notify(threadID)
	}
}

// SetActiveThread marks a thread as the one the user is viewing, clearing its
// unread count. Passing 0 deactivates without selecting another thread.
func (s *Store) SetActiveThread(threadID int64) {
	s.mu.Lock()
	s.activeID = threadID
	if t, ok := s.threads[threadID]; ok {
		t.UnreadCount = 0
	}
	s.mu.Unlock()
	s.notify(threadID)
}

// RemoveThread deletes a thread and its history after a confirmed server-side
// delete or leave. The thread is tombstoned so a later context load cannot
// resurrect it; a fresh subscribed event clears the tombstone. Removing the
// active thread clears the active selection.
func (s *Store) RemoveThread(threadID int64) {
	s.mu.Lock()
	if _, ok := s.threads[threadID]; !ok {
		s.mu.Unlock()
		return
	}
	delete(s.threads, threadID)
	delete(s.history, threadID)
	s.removed[threadID] = struct{}{}
	for i, id := range s.order {
		if id == threadID {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	if s.activeID == threadID {
		s.activeID = 0
	}
	s.mu.Unlock()
	s.notify(0)
}

// Thread returns a copy of a thread's current state.
func (s *Store) Thread(threadID int64) (models.Thread, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.threads[threadID]
	if !ok {
		return models.Thread{}, false
	}
	return *t, true
}

// Threads returns copies of all threads in registration order.
func (s *Store) Threads() []models.Thread {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.Thread, 0, len(s.order))
	for _, id := range s.order {
		if t, ok := s.threads[id]; ok {
			out = append(out, *t)
		}
	}
	return out
}

// ThreadIDs returns all known thread ids in registration order.
func (s *Store) ThreadIDs() []int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]int64, len(s.order))
	copy(out, s.order)
	return out
}

// History returns a copy of a thread's message history in arrival order.
func (s *Store) History(threadID int64) []models.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	history := s.history[threadID]
	out := make([]models.Message, len(history))
	copy(out, history)
	return out
}

// ActiveThreadID returns the currently viewed thread, or 0.
func (s *Store) ActiveThreadID() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.activeID
}
