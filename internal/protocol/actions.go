package protocol

import "encoding/json"

// ActionType identifies an outbound WebSocket frame.
type ActionType string

const (
	ActionSubscribe   ActionType = "subscribe"
	ActionUnsubscribe ActionType = "unsubscribe"
	ActionRefresh     ActionType = "refresh"
	ActionPing        ActionType = "ping"
)

// Action is a client-to-server request. Subscribe and unsubscribe carry a
// thread id; refresh and ping omit it.
type Action struct {
	Action   ActionType `json:"action"`
	ThreadID int64      `json:"thread_id,omitempty"`
}

// EncodeAction marshals an outbound action frame.
func EncodeAction(action ActionType, threadID int64) ([]byte, error) {
	return json.Marshal(Action{Action: action, ThreadID: threadID})
}
