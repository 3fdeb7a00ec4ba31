package models

// User identifies a message sender.
type User struct {
	ID         int64  `json:"id"`
	Username   string `json:"username"`
	AvatarURL  string `json:"avatar_url,omitempty"`
	ProfileURL string `json:"profile_url,omitempty"`
	MessageURL string `json:"message_url,omitempty"`
}
