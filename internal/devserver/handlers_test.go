package devserver

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func postForm(t *testing.T, srv *httptest.Server, userID int64, path string, form url.Values) (int, map[string]interface{}) {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, srv.URL+path, strings.NewReader(form.Encode()))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("X-User-ID", strconv.FormatInt(userID, 10))

	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var body map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	return resp.StatusCode, body
}

func TestStartDMReusesExistingPair(t *testing.T) {
	s := New()
	srv := httptest.NewServer(s.Routes())
	defer srv.Close()

	status, body := postForm(t, srv, 1, "/chat/threads/dm", url.Values{"recipient_id": {"2"}})
	require.Equal(t, http.StatusOK, status)
	first := body["thread_id"]

	status, body = postForm(t, srv, 1, "/chat/threads/dm", url.Values{"recipient_id": {"2"}})
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, first, body["thread_id"])

	// The same pair seen from the other side reuses the thread too.
	status, body = postForm(t, srv, 2, "/chat/threads/dm", url.Values{"recipient_id": {"1"}})
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, first, body["thread_id"])

	// A different pair gets a fresh thread.
	status, body = postForm(t, srv, 1, "/chat/threads/dm", url.Values{"recipient_id": {"3"}})
	require.Equal(t, http.StatusOK, status)
	require.NotEqual(t, first, body["thread_id"])
}

func TestGroupLifecycleRules(t *testing.T) {
	s := New()
	srv := httptest.NewServer(s.Routes())
	defer srv.Close()

	status, body := postForm(t, srv, 1, "/chat/threads/group", url.Values{
		"name": {"book club"}, "members": {"2", "3"},
	})
	require.Equal(t, http.StatusOK, status)
	threadID := strconv.FormatInt(int64(body["thread_id"].(float64)), 10)

	// The founder cannot leave, only delete.
	status, body = postForm(t, srv, 1, "/chat/threads/"+threadID+"/leave", nil)
	require.Equal(t, http.StatusConflict, status)
	require.Equal(t, false, body["ok"])

	// A member cannot delete the group.
	status, _ = postForm(t, srv, 2, "/chat/threads/"+threadID+"/delete", nil)
	require.Equal(t, http.StatusForbidden, status)

	// A member can leave; a non-member gets not found.
	status, _ = postForm(t, srv, 2, "/chat/threads/"+threadID+"/leave", nil)
	require.Equal(t, http.StatusOK, status)
	status, _ = postForm(t, srv, 9, "/chat/threads/"+threadID+"/leave", nil)
	require.Equal(t, http.StatusNotFound, status)

	// The founder deletes the group; it is gone for everyone.
	status, body = postForm(t, srv, 1, "/chat/threads/"+threadID+"/delete", nil)
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, true, body["deleted"])
	status, _ = postForm(t, srv, 3, "/chat/threads/"+threadID+"/leave", nil)
	require.Equal(t, http.StatusNotFound, status)
}

func TestDMDeleteRemovesCallerSideOnly(t *testing.T) {
	s := New()
	srv := httptest.NewServer(s.Routes())
	defer srv.Close()

	threadID := s.CreateThread("dm", false, 1, 2)
	id := strconv.FormatInt(threadID, 10)

	status, body := postForm(t, srv, 1, "/chat/threads/"+id+"/delete", nil)
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, false, body["deleted"], "a DM is never deleted outright")

	// The other member still has the thread.
	status, _ = postForm(t, srv, 2, "/chat/send", url.Values{
		"thread_id": {id}, "body": {"still here"},
	})
	require.Equal(t, http.StatusOK, status)

	// The caller no longer does.
	status, _ = postForm(t, srv, 1, "/chat/send", url.Values{
		"thread_id": {id}, "body": {"gone"},
	})
	require.Equal(t, http.StatusNotFound, status)
}

func TestDeleteMessagePermissions(t *testing.T) {
	s := New()
	srv := httptest.NewServer(s.Routes())
	defer srv.Close()

	threadID := s.CreateThread("room", true, 1, 2, 3)
	messageID, err := s.PostMessage(threadID, 2, "ana", "hola")
	require.NoError(t, err)
	id := strconv.FormatInt(messageID, 10)

	// Another member cannot remove it.
	status, _ := postForm(t, srv, 3, "/chat/messages/"+id+"/delete", url.Values{"scope": {"all"}})
	require.Equal(t, http.StatusForbidden, status)

	// A non-member cannot either.
	status, _ = postForm(t, srv, 9, "/chat/messages/"+id+"/delete", url.Values{"scope": {"all"}})
	require.Equal(t, http.StatusForbidden, status)

	// The group founder can remove anyone's message.
	status, body := postForm(t, srv, 1, "/chat/messages/"+id+"/delete", url.Values{"scope": {"all"}})
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, "all", body["scope"])

	// Gone means gone.
	status, _ = postForm(t, srv, 1, "/chat/messages/"+id+"/delete", url.Values{"scope": {"all"}})
	require.Equal(t, http.StatusNotFound, status)
}

func TestSendValidation(t *testing.T) {
	s := New()
	srv := httptest.NewServer(s.Routes())
	defer srv.Close()

	threadID := s.CreateThread("dm", false, 1, 2)
	id := strconv.FormatInt(threadID, 10)

	status, _ := postForm(t, srv, 1, "/chat/send", url.Values{"thread_id": {id}})
	require.Equal(t, http.StatusBadRequest, status, "empty body")

	status, _ = postForm(t, srv, 3, "/chat/send", url.Values{
		"thread_id": {id}, "body": {"hi"},
	})
	require.Equal(t, http.StatusNotFound, status, "non-member")
}
