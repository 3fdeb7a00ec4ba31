package session

import (
	"context"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/murmurchat/murmur/internal/db"
	"github.com/murmurchat/murmur/internal/devserver"
	"github.com/murmurchat/murmur/internal/models"
	"github.com/murmurchat/murmur/internal/rest"
	"github.com/murmurchat/murmur/internal/store"
	"github.com/murmurchat/murmur/internal/transport"
)

type fixture struct {
	backend *devserver.Server
	session *Session
	store   *store.Store
}

func newFixture(t *testing.T, cache *db.Cache) *fixture {
	t.Helper()
	backend := devserver.New()
	srv := httptest.NewServer(backend.Routes())
	t.Cleanup(srv.Close)

	st := store.New()
	sess, err := New(Options{
		Store: st,
		API:   rest.NewClient(srv.URL, nil),
		Cache: cache,
		WSOptions: transport.Options{
			URL:            "ws" + strings.TrimPrefix(srv.URL, "http") + "/chat/ws",
			ReconnectDelay: 50 * time.Millisecond,
		},
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(func() {
		cancel()
		sess.Close()
	})
	sess.Start(ctx)

	return &fixture{backend: backend, session: sess, store: st}
}

// open seeds the thread id locally before activating it, so the subscribe is
// covered by the reconnect replay even if the transport has not finished its
// first dial yet, then waits for the subscription confirmation to land.
func (fx *fixture) open(t *testing.T, threadID int64, label string) {
	t.Helper()
	fx.store.LoadInitialContext([]models.Thread{{ID: threadID}}, 0)
	fx.session.OpenThread(threadID)
	waitFor(t, func() bool {
		thread, ok := fx.store.Thread(threadID)
		return ok && thread.Label == label
	})
}

// waitFor polls until cond holds or the deadline passes.
func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}

func TestSubscribeDeliversSnapshotAndLiveMessages(t *testing.T) {
	fx := newFixture(t, nil)

	threadID := fx.backend.CreateThread("general", true, 1, 2)
	_, err := fx.backend.PostMessage(threadID, 2, "ana", "before subscribe")
	require.NoError(t, err)

	fx.open(t, threadID, "general")
	waitFor(t, func() bool { return len(fx.store.History(threadID)) == 1 })

	thread, ok := fx.store.Thread(threadID)
	require.True(t, ok)
	require.True(t, thread.IsGroup)
	require.Equal(t, 0, thread.UnreadCount, "active thread stays read")

	_, err = fx.backend.PostMessage(threadID, 2, "ana", "live")
	require.NoError(t, err)
	waitFor(t, func() bool { return len(fx.store.History(threadID)) == 2 })

	thread, _ = fx.store.Thread(threadID)
	require.Equal(t, "live", thread.Preview)
	require.Equal(t, 0, thread.UnreadCount)
}

func TestBackgroundThreadAccumulatesUnread(t *testing.T) {
	fx := newFixture(t, nil)

	front := fx.backend.CreateThread("front", false, 1, 2)
	back := fx.backend.CreateThread("back", false, 1, 3)

	fx.open(t, back, "back")
	fx.open(t, front, "front")

	_, err := fx.backend.PostMessage(back, 3, "bo", "psst")
	require.NoError(t, err)
	waitFor(t, func() bool {
		thread, ok := fx.store.Thread(back)
		return ok && thread.UnreadCount == 1
	})

	thread, _ := fx.store.Thread(back)
	require.Equal(t, "psst", thread.Preview)

	// Returning to the thread clears the count.
	fx.session.OpenThread(back)
	thread, _ = fx.store.Thread(back)
	require.Equal(t, 0, thread.UnreadCount)
}

func TestSendMessageComesBackOverStream(t *testing.T) {
	fx := newFixture(t, nil)

	threadID := fx.backend.CreateThread("dm", false, 1, 2)
	fx.open(t, threadID, "dm")

	require.NoError(t, fx.session.SendMessage(context.Background(), threadID, "hello"))
	waitFor(t, func() bool { return len(fx.store.History(threadID)) == 1 })

	history := fx.store.History(threadID)
	require.Equal(t, "hello", history[0].Body)
	require.True(t, history[0].IsSelf)

	thread, _ := fx.store.Thread(threadID)
	require.Equal(t, 0, thread.UnreadCount, "own message never counts as unread")
}

func TestStartDMRegistersThreadOnce(t *testing.T) {
	fx := newFixture(t, nil)

	threadID, err := fx.session.StartDM(context.Background(), 2)
	require.NoError(t, err)
	require.NotZero(t, threadID)

	// The subscribed confirmation for the same id must update the existing
	// entry, not add a second one.
	waitFor(t, func() bool {
		thread, ok := fx.store.Thread(threadID)
		return ok && thread.Label == "user-2"
	})
	require.Len(t, fx.store.ThreadIDs(), 1)

	again, err := fx.session.StartDM(context.Background(), 2)
	require.NoError(t, err)
	require.Equal(t, threadID, again)
	require.Len(t, fx.store.ThreadIDs(), 1)
}

func TestCreateGroupThenDeleteThread(t *testing.T) {
	fx := newFixture(t, nil)

	threadID, err := fx.session.CreateGroup(context.Background(), "night circle", []int64{2, 3})
	require.NoError(t, err)

	waitFor(t, func() bool {
		thread, ok := fx.store.Thread(threadID)
		return ok && thread.IsGroup
	})

	require.NoError(t, fx.session.DeleteThread(context.Background(), threadID))
	_, ok := fx.store.Thread(threadID)
	require.False(t, ok)
	require.Empty(t, fx.store.ThreadIDs())
}

func TestLeaveThreadRefusedForFounderKeepsState(t *testing.T) {
	fx := newFixture(t, nil)

	threadID, err := fx.session.CreateGroup(context.Background(), "mine", []int64{2})
	require.NoError(t, err)
	waitFor(t, func() bool {
		_, ok := fx.store.Thread(threadID)
		return ok
	})

	err = fx.session.LeaveThread(context.Background(), threadID)
	require.Error(t, err, "founder cannot leave their own group")

	_, ok := fx.store.Thread(threadID)
	require.True(t, ok, "refused leave must not drop local state")
}

func TestDeleteMessageConfirmedByServer(t *testing.T) {
	fx := newFixture(t, nil)

	threadID := fx.backend.CreateThread("dm", false, 1, 2)
	fx.open(t, threadID, "dm")

	require.NoError(t, fx.session.SendMessage(context.Background(), threadID, "oops"))
	waitFor(t, func() bool { return len(fx.store.History(threadID)) == 1 })
	messageID := fx.store.History(threadID)[0].ID

	require.NoError(t, fx.session.DeleteMessage(context.Background(), threadID, messageID, rest.ScopeAll))
	require.Empty(t, fx.store.History(threadID))

	// The message_deleted broadcast that follows the confirmation is a no-op.
	time.Sleep(100 * time.Millisecond)
	require.Empty(t, fx.store.History(threadID))
	thread, _ := fx.store.Thread(threadID)
	require.Equal(t, models.EmptyThreadPreview, thread.Preview)
}

func TestDeleteMessageRollsBackOnRefusal(t *testing.T) {
	fx := newFixture(t, nil)

	// A group founded by someone else: their messages cannot be deleted by
	// this user.
	threadID := fx.backend.CreateThread("their group", true, 2, 1)
	fx.open(t, threadID, "their group")

	_, err := fx.backend.PostMessage(threadID, 2, "ana", "not yours")
	require.NoError(t, err)
	waitFor(t, func() bool { return len(fx.store.History(threadID)) == 1 })
	messageID := fx.store.History(threadID)[0].ID

	err = fx.session.DeleteMessage(context.Background(), threadID, messageID, rest.ScopeAll)
	require.Error(t, err)
	require.True(t, rest.IsPermissionDenied(err))

	history := fx.store.History(threadID)
	require.Len(t, history, 1, "optimistic removal must be rolled back")
	require.Equal(t, "not yours", history[0].Body)
}

func TestDeleteForSelfIsLocalOnly(t *testing.T) {
	fx := newFixture(t, nil)

	threadID := fx.backend.CreateThread("dm", false, 1, 2)
	fx.open(t, threadID, "dm")

	_, err := fx.backend.PostMessage(threadID, 2, "ana", "for my eyes")
	require.NoError(t, err)
	waitFor(t, func() bool { return len(fx.store.History(threadID)) == 1 })
	messageID := fx.store.History(threadID)[0].ID

	require.NoError(t, fx.session.DeleteMessage(context.Background(), threadID, messageID, rest.ScopeSelf))
	require.Empty(t, fx.store.History(threadID))
}

func TestCacheSeedsNextSession(t *testing.T) {
	cachePath := filepath.Join(t.TempDir(), "cache.db")
	cache, err := db.NewCache(cachePath)
	require.NoError(t, err)

	fx := newFixture(t, cache)
	threadID := fx.backend.CreateThread("general", true, 1, 2)
	fx.open(t, threadID, "general")
	_, err = fx.backend.PostMessage(threadID, 2, "ana", "remember me")
	require.NoError(t, err)
	// Wait on the cache, not the store: the write-through happens after the
	// store mutation.
	waitFor(t, func() bool {
		messages, err := cache.Messages(threadID, 10)
		if err != nil || len(messages) != 1 {
			return false
		}
		threads, err := cache.Threads()
		return err == nil && len(threads) == 1 && threads[0].Label == "general"
	})
	require.NoError(t, cache.Close())

	// A fresh session over the same cache file starts pre-seeded, before any
	// connection is made.
	cache2, err := db.NewCache(cachePath)
	require.NoError(t, err)
	defer cache2.Close()

	st := store.New()
	sess, err := New(Options{
		Store: st,
		API:   rest.NewClient("http://127.0.0.1:0", nil),
		Cache: cache2,
		WSOptions: transport.Options{
			URL: "ws://127.0.0.1:0/chat/ws",
		},
	})
	require.NoError(t, err)
	sess.loadCachedContext()

	thread, ok := st.Thread(threadID)
	require.True(t, ok)
	require.Equal(t, "general", thread.Label)
	require.Equal(t, "remember me", thread.Preview)
	require.Equal(t, threadID, st.ActiveThreadID(), "last open thread is restored")

	history := st.History(threadID)
	require.Len(t, history, 1)
	require.Equal(t, "remember me", history[0].Body)
}
