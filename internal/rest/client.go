// Package rest calls the chat backend's HTTP action endpoints. The endpoint
// contracts belong to the out-of-scope server and are consumed as-is, never
// redesigned.
package rest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// requestTimeout bounds every action request; past it the caller gets
// ErrTimeout and the UI can tell the user to retry.
const requestTimeout = 10 * time.Second

// ErrTimeout reports that the backend did not answer within the request
// timeout, distinct from a generic failure.
var ErrTimeout = errors.New("request timed out")

// APIError is a backend rejection with its HTTP status and the error string
// from the response body. Permission errors (403) must be surfaced to the
// user, never swallowed.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("server rejected request (%d): %s", e.Status, e.Message)
	}
	return fmt.Sprintf("server rejected request (%d)", e.Status)
}

// IsPermissionDenied reports whether err is a 403 rejection.
func IsPermissionDenied(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Status == http.StatusForbidden
}

// ThreadInfo is the response shape shared by the thread creation endpoints.
type ThreadInfo struct {
	OK          bool   `json:"ok"`
	ThreadID    int64  `json:"thread_id"`
	DisplayName string `json:"display_name"`
	OwnerID     *int64 `json:"owner_id"`
	IsGroup     bool   `json:"is_group"`
	Error       string `json:"error"`
}

// DeleteScope selects delete-for-everyone or delete-for-self semantics. The
// caller must pass one explicitly; there is no default.
type DeleteScope string

const (
	ScopeAll  DeleteScope = "all"
	ScopeSelf DeleteScope = "self"
)

// Client issues form-encoded requests against the chat backend.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient creates a Client for the backend at baseURL. httpClient may carry
// the session cookie jar; nil uses a default client.
func NewClient(baseURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		http:    httpClient,
	}
}

func (c *Client) postForm(ctx context.Context, path string, form url.Values, out interface{}) error {
	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("X-Requested-With", "XMLHttpRequest")

	resp, err := c.http.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return ErrTimeout
		}
		return fmt.Errorf("request to %s failed: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var body struct {
			Error string `json:"error"`
		}
		json.NewDecoder(resp.Body).Decode(&body)
		return &APIError{Status: resp.StatusCode, Message: body.Error}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response from %s: %w", path, err)
	}
	return nil
}

// StartDM opens or reuses a direct-message thread with recipientID.
func (c *Client) StartDM(ctx context.Context, recipientID int64) (ThreadInfo, error) {
	form := url.Values{}
	form.Set("recipient_id", strconv.FormatInt(recipientID, 10))
	var info ThreadInfo
	if err := c.postForm(ctx, "/chat/threads/dm", form, &info); err != nil {
		return ThreadInfo{}, err
	}
	return info, nil
}

// CreateGroup creates a group thread with the named members.
func (c *Client) CreateGroup(ctx context.Context, name string, members []int64) (ThreadInfo, error) {
	form := url.Values{}
	form.Set("name", name)
	for _, id := range members {
		form.Add("members", strconv.FormatInt(id, 10))
	}
	var info ThreadInfo
	if err := c.postForm(ctx, "/chat/threads/group", form, &info); err != nil {
		return ThreadInfo{}, err
	}
	info.IsGroup = true
	return info, nil
}

// LeaveThread leaves a group thread. The backend refuses for owners, who must
// delete instead.
func (c *Client) LeaveThread(ctx context.Context, threadID int64) error {
	return c.postForm(ctx, fmt.Sprintf("/chat/threads/%d/leave", threadID), url.Values{}, nil)
}

// DeleteThread deletes a thread (for groups, owner only; for DMs it removes
// the caller's side).
func (c *Client) DeleteThread(ctx context.Context, threadID int64) error {
	return c.postForm(ctx, fmt.Sprintf("/chat/threads/%d/delete", threadID), url.Values{}, nil)
}

// DeleteMessageResult is the delete endpoint's response; Scope reports which
// semantics the server actually applied.
type DeleteMessageResult struct {
	OK        bool        `json:"ok"`
	ThreadID  int64       `json:"thread_id"`
	MessageID int64       `json:"message_id"`
	Scope     DeleteScope `json:"scope"`
}

// DeleteMessage removes a message with the given scope.
func (c *Client) DeleteMessage(ctx context.Context, messageID int64, scope DeleteScope) (DeleteMessageResult, error) {
	form := url.Values{}
	form.Set("scope", string(scope))
	var result DeleteMessageResult
	if err := c.postForm(ctx, fmt.Sprintf("/chat/messages/%d/delete", messageID), form, &result); err != nil {
		return DeleteMessageResult{}, err
	}
	return result, nil
}

// SendMessage posts a message body to a thread. The confirmed message itself
// arrives over the WebSocket stream, not in this response.
func (c *Client) SendMessage(ctx context.Context, threadID int64, body string) (int64, error) {
	form := url.Values{}
	form.Set("thread_id", strconv.FormatInt(threadID, 10))
	form.Set("body", body)
	var result struct {
		OK        bool  `json:"ok"`
		MessageID int64 `json:"message_id"`
	}
	if err := c.postForm(ctx, "/chat/send", form, &result); err != nil {
		return 0, err
	}
	return result.MessageID, nil
}
