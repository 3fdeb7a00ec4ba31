package models

import "time"

// Message represents a chat message within a thread.
type Message struct {
	ID           int64     `json:"id"`
	ThreadID     int64     `json:"thread_id,omitempty"`
	Body         string    `json:"body"`
	IsSelf       bool      `json:"is_self"`
	CanDelete    bool      `json:"can_delete"`
	CreatedAt    time.Time `json:"created_at"`
	CreatedLabel string    `json:"created_label"`
	Sender       *User     `json:"sender,omitempty"`
}

// previewLimit is the display cutoff for thread previews. The full body is
// always kept in history; truncation only applies to the preview string.
const previewLimit = 140

// TruncateBody shortens a message body for preview display.
func TruncateBody(body string) string {
	runes := []rune(body)
	if len(runes) <= previewLimit {
		return body
	}
	return string(runes[:previewLimit]) + "…"
}
