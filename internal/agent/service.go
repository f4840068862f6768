package agent

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/ashureev/policy-assistant/internal/agentruntime"
	"github.com/ashureev/policy-assistant/internal/citation"
	"github.com/ashureev/policy-assistant/internal/decoder"
	"github.com/ashureev/policy-assistant/internal/domain"
	"github.com/ashureev/policy-assistant/internal/store"
	"github.com/google/uuid"
)

// endSessionInput is sent as the question text of an end-session request.
const endSessionInput = "end session"

// ErrAgentNotConfigured is returned when no dispatcher is available.
var ErrAgentNotConfigured = errors.New("agent not configured")

// Service runs questions through the agent pipeline: dispatch, decode,
// extract citations, assemble the reply.
type Service struct {
	dispatcher Dispatcher
	decoder    *decoder.Decoder
	repo       store.Repository
	log        ConversationLogger
	frameSize  int
	logger     *slog.Logger
	newID      func() string
}

// ServiceConfig holds the collaborators of a Service. Only Repo is required.
type ServiceConfig struct {
	Dispatcher         Dispatcher // nil when the agent is not configured
	Repo               store.Repository
	ConversationLogger ConversationLogger
	FrameSize          int
	Logger             *slog.Logger
}

// NewService creates an agent service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Repo == nil {
		return nil, fmt.Errorf("history repository is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.ConversationLogger == nil {
		cfg.ConversationLogger = noopConversationLogger{}
	}
	if cfg.FrameSize <= 0 {
		cfg.FrameSize = decoder.DefaultFrameSize
	}
	return &Service{
		dispatcher: cfg.Dispatcher,
		decoder:    decoder.New(cfg.Logger),
		repo:       cfg.Repo,
		log:        cfg.ConversationLogger,
		frameSize:  cfg.FrameSize,
		logger:     cfg.Logger,
		newID:      uuid.NewString,
	}, nil
}

// Configured reports whether questions can reach an agent.
func (s *Service) Configured() bool {
	return s.dispatcher != nil
}

// Ask sends one question and assembles the reply. Dispatch failures are returned
// so callers can report them; decoding and citation problems never fail.
func (s *Service) Ask(ctx context.Context, question, sessionID string, endSession bool) (domain.Payload, error) {
	payload, _, err := s.ask(ctx, question, sessionID, endSession)
	return payload, err
}

// ask also returns the decoded answer before noise stripping.
func (s *Service) ask(ctx context.Context, question, sessionID string, endSession bool) (domain.Payload, string, error) {
	started := time.Now()
	if s.dispatcher == nil {
		recordInvocation(ErrAgentNotConfigured, started)
		return domain.Payload{}, "", ErrAgentNotConfigured
	}

	body, err := s.dispatcher.Invoke(ctx, agentruntime.InvokeInput{
		InputText:  question,
		SessionID:  sessionID,
		EndSession: endSession,
	})
	if err != nil {
		recordInvocation(err, started)
		return domain.Payload{}, "", fmt.Errorf("invoke agent: %w", err)
	}
	defer func() {
		if closeErr := body.Close(); closeErr != nil {
			s.logger.Warn("failed to close agent response body", "error", closeErr)
		}
	}()

	res := s.decoder.DecodeReader(body, s.frameSize)

	citations := citation.Extract(res.Trace)
	if len(citations) == 0 {
		citations = res.Citations
	}

	recordInvocation(nil, started)
	recordDecode(res, len(citations))

	s.logger.Info("Agent answered",
		"session_id", sessionID,
		"path", res.Path,
		"citations", len(citations),
		"duration_ms", time.Since(started).Milliseconds(),
	)
	return domain.NewPayload(AppendSources(res.Answer, citations), res.Trace, citations), res.Raw, nil
}

// Invoke is Ask that never fails: errors become an apology message with the
// error text as trace and no citations.
func (s *Service) Invoke(ctx context.Context, question, sessionID string, endSession bool) domain.Payload {
	payload, _ := s.invoke(ctx, question, sessionID, endSession)
	return payload
}

func (s *Service) invoke(ctx context.Context, question, sessionID string, endSession bool) (domain.Payload, string) {
	payload, raw, err := s.ask(ctx, question, sessionID, endSession)
	if err != nil {
		s.logger.Error("Agent invocation failed", "session_id", sessionID, "error", err)
		return domain.NewPayload(ApologyMessage, err.Error(), nil), ""
	}
	return payload, raw
}

// historyAnswer stores a table when the undecorated answer is a JSON array of
// objects, and the displayed message otherwise.
func historyAnswer(payload domain.Payload, raw string) domain.Answer {
	if answer := domain.FormatAnswer(raw); answer.IsTable() {
		return answer
	}
	return domain.Answer{Text: payload.Message}
}

// Chat answers a question for a user, binding the user to an agent session on
// first use and appending the exchange to the user's history.
func (s *Service) Chat(ctx context.Context, userID, question, channel string) (domain.Payload, error) {
	session, err := s.sessionFor(ctx, userID)
	if err != nil {
		return domain.Payload{}, err
	}

	s.logEvent(userID, session.SessionID, channel, "outbound", "chat_user_message", question, nil)

	payload, raw := s.invoke(ctx, question, session.SessionID, false)

	turn := &domain.ConversationTurn{
		Question: question,
		Answer:   historyAnswer(payload, raw),
	}
	if err := s.repo.AppendTurn(ctx, userID, turn); err != nil {
		s.logger.Warn("failed to append conversation turn", "user_id", userID, "error", err)
	}

	s.logEvent(userID, session.SessionID, channel, "inbound", "chat_assistant_message", payload.Message, map[string]any{
		"citations": len(payload.Citations),
		"seq":       turn.Seq,
	})
	return payload, nil
}

// Reset ends the user's agent session, forgets the binding and clears the history.
// Ending the remote session is best effort.
func (s *Service) Reset(ctx context.Context, userID string) (int64, error) {
	session, err := s.repo.GetAgentSession(ctx, userID)
	if err != nil {
		return 0, fmt.Errorf("get agent session: %w", err)
	}

	if session != nil {
		s.endRemoteSession(ctx, session.SessionID)
		if err := s.repo.DeleteAgentSession(ctx, userID); err != nil {
			return 0, fmt.Errorf("delete agent session: %w", err)
		}
		s.logEvent(userID, session.SessionID, "session", "outbound", "session_reset", "Session Ended", nil)
	}

	removed, err := s.repo.ClearTurns(ctx, userID)
	if err != nil {
		return 0, fmt.Errorf("clear history: %w", err)
	}

	s.logger.Info("Agent session reset", "user_id", userID, "turns_removed", removed)
	return removed, nil
}

// History returns the user's turns, newest first.
func (s *Service) History(ctx context.Context, userID string) ([]domain.ConversationTurn, string, error) {
	turns, err := s.repo.ListTurns(ctx, userID)
	if err != nil {
		return nil, "", fmt.Errorf("list turns: %w", err)
	}
	session, err := s.repo.GetAgentSession(ctx, userID)
	if err != nil {
		return nil, "", fmt.Errorf("get agent session: %w", err)
	}
	sessionID := ""
	if session != nil {
		sessionID = session.SessionID
	}
	return domain.RecentFirst(turns), sessionID, nil
}

// Close releases resources.
func (s *Service) Close() error {
	if s.log != nil {
		return s.log.Close()
	}
	return nil
}

func (s *Service) sessionFor(ctx context.Context, userID string) (*domain.AgentSession, error) {
	session, err := s.repo.GetAgentSession(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("get agent session: %w", err)
	}
	if session != nil {
		return session, nil
	}

	bound, created, err := s.repo.BindAgentSession(ctx, &domain.AgentSession{
		UserID:    userID,
		SessionID: s.newID(),
		CreatedAt: time.Now(),
	})
	if err != nil {
		return nil, fmt.Errorf("create agent session: %w", err)
	}
	if created {
		s.logger.Info("Agent session created", "user_id", userID, "session_id", bound.SessionID)
	}
	return bound, nil
}

func (s *Service) endRemoteSession(ctx context.Context, sessionID string) {
	if s.dispatcher == nil {
		return
	}
	body, err := s.dispatcher.Invoke(ctx, agentruntime.InvokeInput{
		InputText:  endSessionInput,
		SessionID:  sessionID,
		EndSession: true,
	})
	if err != nil {
		s.logger.Warn("failed to end agent session", "session_id", sessionID, "error", err)
		return
	}
	if _, err := io.Copy(io.Discard, body); err != nil {
		s.logger.Warn("failed to drain end-session response", "session_id", sessionID, "error", err)
	}
	if err := body.Close(); err != nil {
		s.logger.Warn("failed to close end-session response", "session_id", sessionID, "error", err)
	}
}

func (s *Service) logEvent(userID, sessionID, channel, direction, eventType, content string, meta map[string]any) {
	s.log.Log(ConversationLogEvent{
		Timestamp:  time.Now().UTC().Format(time.RFC3339Nano),
		UserID:     userID,
		SessionID:  sessionID,
		Channel:    channel,
		Direction:  direction,
		EventType:  eventType,
		ContentRaw: content,
		Content:    cleanForReadability(content),
		Meta:       meta,
	})
}
