// Package session wires the store, transport, REST client, and local cache
// into one client session. UI surfaces talk to a Session; the session talks
// to the store.
package session

import (
	"context"
	"fmt"
	"log"
	"strconv"

	"github.com/murmurchat/murmur/internal/db"
	"github.com/murmurchat/murmur/internal/models"
	"github.com/murmurchat/murmur/internal/protocol"
	"github.com/murmurchat/murmur/internal/rest"
	"github.com/murmurchat/murmur/internal/store"
	"github.com/murmurchat/murmur/internal/transport"
)

// cachedHistoryLimit bounds how many messages per thread are replayed from
// the cache at startup.
const cachedHistoryLimit = 100

// Session owns the client-side state machine for one user session.
type Session struct {
	store *store.Store
	api   *rest.Client
	cache *db.Cache // optional
	ws    *transport.Transport
}

// Options configures a Session.
type Options struct {
	Store *store.Store
	API   *rest.Client
	Cache *db.Cache // nil disables the local cache
	// Transport options; Handler and KnownThreadIDs are supplied by the
	// session itself.
	WSOptions transport.Options
}

// New creates a Session and its transport. Call Start to begin.
func New(opts Options) (*Session, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("session: missing store")
	}
	if opts.API == nil {
		return nil, fmt.Errorf("session: missing rest client")
	}
	s := &Session{
		store: opts.Store,
		api:   opts.API,
		cache: opts.Cache,
	}
	wsOpts := opts.WSOptions
	wsOpts.Handler = s
	wsOpts.KnownThreadIDs = s.store.ThreadIDs
	ws, err := transport.New(wsOpts)
	if err != nil {
		return nil, err
	}
	s.ws = ws
	return s, nil
}

// Store exposes the underlying state for UI snapshots.
func (s *Session) Store() *store.Store {
	return s.store
}

// Start seeds the store from the cache, then connects the transport and keeps
// it connected until ctx is cancelled.
func (s *Session) Start(ctx context.Context) {
	s.loadCachedContext()
	go s.ws.Run(ctx)
}

// Close shuts the transport down.
func (s *Session) Close() {
	s.ws.Close()
}

// activeThreadKey remembers the last open thread across restarts.
const activeThreadKey = "active_thread"

func (s *Session) loadCachedContext() {
	if s.cache == nil {
		return
	}
	threads, err := s.cache.Threads()
	if err != nil {
		log.Printf("session: failed to load cached threads: %v", err)
		return
	}
	var activeID int64
	if raw, err := s.cache.GetPreference(activeThreadKey); err == nil && raw != "" {
		activeID, _ = strconv.ParseInt(raw, 10, 64)
	}
	s.store.LoadInitialContext(threads, activeID)
	for _, t := range threads {
		messages, err := s.cache.Messages(t.ID, cachedHistoryLimit)
		if err != nil {
			log.Printf("session: failed to load cached messages for thread %d: %v", t.ID, err)
			continue
		}
		// Replayed as a snapshot so the live stream merges on top of it.
		s.store.ApplySubscribed(t.ID, t.Label, t.IsGroup, t.OwnerID, messages)
	}
}

// HandleEvent dispatches decoded transport events into the store, with cache
// write-through. It satisfies transport.Handler.
func (s *Session) HandleEvent(ev protocol.Event) {
	switch ev := ev.(type) {
	case protocol.MessageEvent:
		s.store.ApplyIncomingMessage(ev.ThreadID, ev.Message)
		// The store drops messages for locally removed threads; only cache
		// what it kept.
		if _, ok := s.store.Thread(ev.ThreadID); ok && s.cache != nil {
			msg := ev.Message
			msg.ThreadID = ev.ThreadID
			if err := s.cache.CacheMessage(msg); err != nil {
				log.Printf("session: failed to cache message %d: %v", msg.ID, err)
			}
		}
		s.cacheThread(ev.ThreadID)

	case protocol.MessageDeletedEvent:
		s.store.ApplyMessageDeleted(ev.ThreadID, ev.MessageID)
		if s.cache != nil {
			if err := s.cache.RemoveMessage(ev.ThreadID, ev.MessageID); err != nil {
				log.Printf("session: failed to drop cached message %d: %v", ev.MessageID, err)
			}
		}
		s.cacheThread(ev.ThreadID)

	case protocol.SubscribedEvent:
		s.store.ApplySubscribed(ev.ThreadID, ev.DisplayName, ev.IsGroup, ev.OwnerID, ev.Messages)
		if s.cache != nil {
			if err := s.cache.ReplaceMessages(ev.ThreadID, s.store.History(ev.ThreadID)); err != nil {
				log.Printf("session: failed to cache history for thread %d: %v", ev.ThreadID, err)
			}
		}
		s.cacheThread(ev.ThreadID)

	case protocol.UnsubscribedEvent:
		log.Printf("session: unsubscribed from thread %d", ev.ThreadID)

	case protocol.ControlEvent:
		if ev.Type == protocol.TypeWelcome || ev.Type == protocol.TypeRefreshed {
			log.Printf("session: %s (locked=%t)", ev.Type, ev.Locked)
		}

	case protocol.ErrorEvent:
		// Server-side protocol errors are logged, never surfaced.
		log.Printf("session: server error: %s", ev.Message)
	}
}

func (s *Session) cacheThread(threadID int64) {
	if s.cache == nil {
		return
	}
	t, ok := s.store.Thread(threadID)
	if !ok {
		return
	}
	if err := s.cache.UpsertThread(t); err != nil {
		log.Printf("session: failed to cache thread %d: %v", threadID, err)
	}
}

// OpenThread makes a thread the active view, clears its unread count, and
// makes sure it is subscribed.
func (s *Session) OpenThread(threadID int64) {
	s.store.SetActiveThread(threadID)
	s.ws.Subscribe(threadID)
	s.cacheThread(threadID)
	s.rememberActive(threadID)
}

// CloseThread deactivates the current view.
func (s *Session) CloseThread() {
	s.store.SetActiveThread(0)
	s.rememberActive(0)
}

func (s *Session) rememberActive(threadID int64) {
	if s.cache == nil {
		return
	}
	value := ""
	if threadID != 0 {
		value = strconv.FormatInt(threadID, 10)
	}
	if err := s.cache.SetPreference(activeThreadKey, value); err != nil {
		log.Printf("session: failed to save active thread: %v", err)
	}
}

// SendMessage posts a message. The confirmed message comes back over the
// stream, so no optimistic append happens here. rest.ErrTimeout passes
// through so the UI can tell timeout apart from failure.
func (s *Session) SendMessage(ctx context.Context, threadID int64, body string) error {
	_, err := s.api.SendMessage(ctx, threadID, body)
	return err
}

// registerThread merges a REST-created thread into the store by id. Whichever
// of the REST response and the subscribed event lands first creates the
// entry; the other only updates fields.
func (s *Session) registerThread(info rest.ThreadInfo) {
	s.store.LoadInitialContext([]models.Thread{{
		ID:      info.ThreadID,
		Label:   info.DisplayName,
		IsGroup: info.IsGroup,
		OwnerID: info.OwnerID,
	}}, 0)
	s.ws.Subscribe(info.ThreadID)
	s.cacheThread(info.ThreadID)
}

// StartDM opens or reuses a direct thread with recipientID.
func (s *Session) StartDM(ctx context.Context, recipientID int64) (int64, error) {
	info, err := s.api.StartDM(ctx, recipientID)
	if err != nil {
		return 0, err
	}
	s.registerThread(info)
	return info.ThreadID, nil
}

// CreateGroup creates a group thread.
func (s *Session) CreateGroup(ctx context.Context, name string, members []int64) (int64, error) {
	info, err := s.api.CreateGroup(ctx, name, members)
	if err != nil {
		return 0, err
	}
	s.registerThread(info)
	return info.ThreadID, nil
}

// LeaveThread leaves a group and drops it locally once the server confirms.
func (s *Session) LeaveThread(ctx context.Context, threadID int64) error {
	if err := s.api.LeaveThread(ctx, threadID); err != nil {
		return err
	}
	s.dropThread(threadID)
	return nil
}

// DeleteThread deletes a thread and drops it locally once the server
// confirms.
func (s *Session) DeleteThread(ctx context.Context, threadID int64) error {
	if err := s.api.DeleteThread(ctx, threadID); err != nil {
		return err
	}
	s.dropThread(threadID)
	return nil
}

func (s *Session) dropThread(threadID int64) {
	s.ws.Unsubscribe(threadID)
	s.store.RemoveThread(threadID)
	if s.cache != nil {
		if err := s.cache.RemoveThread(threadID); err != nil {
			log.Printf("session: failed to drop cached thread %d: %v", threadID, err)
		}
		// Removing the active thread clears the selection; keep the saved
		// preference in step with it.
		s.rememberActive(s.store.ActiveThreadID())
	}
}

// DeleteMessage removes a message as a two-phase commit: the message is taken
// out of local state immediately, then the server is asked. If it refuses,
// the message is restored where it was. A later message_deleted event for the
// same id is a no-op by store contract.
func (s *Session) DeleteMessage(ctx context.Context, threadID, messageID int64, scope rest.DeleteScope) error {
	rm, removed := s.store.ApplyMessageDeleted(threadID, messageID)

	_, err := s.api.DeleteMessage(ctx, messageID, scope)
	if err != nil {
		if removed {
			s.store.RestoreMessage(threadID, rm)
		}
		return err
	}

	if s.cache != nil {
		if err := s.cache.RemoveMessage(threadID, messageID); err != nil {
			log.Printf("session: failed to drop cached message %d: %v", messageID, err)
		}
	}
	s.cacheThread(threadID)
	return nil
}
