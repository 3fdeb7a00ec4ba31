package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/murmurchat/murmur/internal/models"
)

// EventType identifies an inbound WebSocket frame.
type EventType string

const (
	TypeMessage        EventType = "message"
	TypeMessageDeleted EventType = "message_deleted"
	TypeSubscribed     EventType = "subscribed"
	TypeUnsubscribed   EventType = "unsubscribed"
	TypeWelcome        EventType = "welcome"
	TypeRefreshed      EventType = "refreshed"
	TypePong           EventType = "pong"
	TypeError          EventType = "error"
)

// Event is a decoded inbound frame. The concrete types below are the only
// implementations, so a type switch over them is exhaustive.
type Event interface {
	eventType() EventType
}

// MessageEvent carries a newly delivered message.
type MessageEvent struct {
	ThreadID int64          `json:"thread_id"`
	Message  models.Message `json:"message"`
}

// MessageDeletedEvent announces a server-side message removal.
type MessageDeletedEvent struct {
	ThreadID  int64 `json:"thread_id"`
	MessageID int64 `json:"message_id"`
}

// SubscribedEvent confirms a subscription and carries a full history snapshot.
type SubscribedEvent struct {
	ThreadID    int64            `json:"thread_id"`
	DisplayName string           `json:"display_name"`
	IsGroup     bool             `json:"is_group"`
	OwnerID     *int64           `json:"owner_id"`
	Messages    []models.Message `json:"messages"`
}

// UnsubscribedEvent confirms a subscription was dropped.
type UnsubscribedEvent struct {
	ThreadID int64 `json:"thread_id"`
}

// ControlEvent covers welcome/refreshed/pong frames and any type this client
// does not know. It carries no state the store cares about.
type ControlEvent struct {
	Type   EventType
	Locked bool // welcome/refreshed report whether messaging is locked
}

// ErrorEvent is a server-reported error. Logged, never surfaced to the user.
type ErrorEvent struct {
	ThreadID int64  `json:"thread_id"`
	Message  string `json:"message"`
}

func (MessageEvent) eventType() EventType        { return TypeMessage }
func (MessageDeletedEvent) eventType() EventType { return TypeMessageDeleted }
func (SubscribedEvent) eventType() EventType     { return TypeSubscribed }
func (UnsubscribedEvent) eventType() EventType   { return TypeUnsubscribed }
func (e ControlEvent) eventType() EventType      { return e.Type }
func (ErrorEvent) eventType() EventType          { return TypeError }

// Decode parses a single inbound frame. Unknown types decode to ControlEvent
// so new server-side frames never break the client.
func Decode(data []byte) (Event, error) {
	var head struct {
		Type   EventType `json:"type"`
		Locked bool      `json:"locked"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, fmt.Errorf("failed to parse frame: %w", err)
	}

	switch head.Type {
	case TypeMessage:
		var ev MessageEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			return nil, fmt.Errorf("failed to parse message frame: %w", err)
		}
		return ev, nil
	case TypeMessageDeleted:
		var ev MessageDeletedEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			return nil, fmt.Errorf("failed to parse message_deleted frame: %w", err)
		}
		return ev, nil
	case TypeSubscribed:
		var ev SubscribedEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			return nil, fmt.Errorf("failed to parse subscribed frame: %w", err)
		}
		return ev, nil
	case TypeUnsubscribed:
		var ev UnsubscribedEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			return nil, fmt.Errorf("failed to parse unsubscribed frame: %w", err)
		}
		return ev, nil
	case TypeError:
		var ev ErrorEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			return nil, fmt.Errorf("failed to parse error frame: %w", err)
		}
		return ev, nil
	default:
		return ControlEvent{Type: head.Type, Locked: head.Locked}, nil
	}
}
