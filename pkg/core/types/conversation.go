package types

import "time"

// Conversation is one entry of the persisted, ordered conversation list.
type Conversation struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"created_at"`
}

// Message roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one entry of a conversation's chat history.
type Message struct {
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// DatasetBinding is the persisted dataset reference of a conversation.
type DatasetBinding struct {
	SourceURL string `json:"source_url"`
	Locked    bool   `json:"locked"`
}

// AuthRecord is the persisted credential of a session.
type AuthRecord struct {
	Token     string    `json:"token"`
	CreatedAt time.Time `json:"created_at"`
}

// AppConfig is the persisted, user-facing application configuration.
type AppConfig struct {
	Language       string `json:"language,omitempty"`
	VoiceEnabled   bool   `json:"voice_enabled"`
	SkipInspection bool   `json:"skip_inspection"`
}
