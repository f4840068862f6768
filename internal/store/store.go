// Package store provides the in-process conversation history.
package store

import (
	"context"

	"github.com/ashureev/policy-assistant/internal/domain"
)

// Repository holds agent session bindings and the ordered question/answer log.
type Repository interface {
	// GetAgentSession retrieves the agent session bound to a user, or nil if none.
	GetAgentSession(ctx context.Context, userID string) (*domain.AgentSession, error)

	// UpsertAgentSession creates or updates the session binding for a user.
	UpsertAgentSession(ctx context.Context, session *domain.AgentSession) error

	// BindAgentSession stores session unless the user already has one, and
	// returns the binding that is in effect and whether it was created.
	BindAgentSession(ctx context.Context, session *domain.AgentSession) (*domain.AgentSession, bool, error)

	// DeleteAgentSession removes the session binding for a user.
	DeleteAgentSession(ctx context.Context, userID string) error

	// AppendTurn appends a turn to the user's log and sets its Seq.
	AppendTurn(ctx context.Context, userID string, turn *domain.ConversationTurn) error

	// ListTurns returns the user's turns oldest first.
	ListTurns(ctx context.Context, userID string) ([]domain.ConversationTurn, error)

	// ClearTurns removes every turn for a user and returns how many were removed.
	ClearTurns(ctx context.Context, userID string) (int64, error)

	// Ping verifies database connectivity.
	Ping(ctx context.Context) error

	// Close releases the database. All history is lost.
	Close() error
}
