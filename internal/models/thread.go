// Package models holds the wire-level chat records shared by the store,
// transport, cache, and UI bridge.
package models

const (
	// DefaultThreadLabel stands in for a thread whose display name is not
	// known yet.
	DefaultThreadLabel = "Conversation"
	// EmptyThreadPreview stands in for a thread with no messages.
	EmptyThreadPreview = "No messages yet."
)

// Thread is one conversation in the thread list. Preview holds the full body
// of the latest message; display truncation happens at render time.
type Thread struct {
	ID          int64  `json:"id"`
	Label       string `json:"label"`
	Preview     string `json:"preview"`
	UnreadCount int    `json:"unread_count"`
	IsGroup     bool   `json:"is_group"`
	OwnerID     *int64 `json:"owner_id,omitempty"`
}
