package domain

import (
	"time"
)

// AgentSession binds a browser identity to the agent session id used for its questions.
type AgentSession struct {
	UserID    string
	SessionID string
	CreatedAt time.Time
	UpdatedAt time.Time
}
