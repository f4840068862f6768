// Package agent answers policy questions through the managed agent runtime.
package agent

import (
	"github.com/ashureev/policy-assistant/internal/config"
	"github.com/ashureev/policy-assistant/internal/domain"
)

// ApologyMessage is returned in place of an answer when the invocation fails.
const ApologyMessage = "Apologies, there was an error while processing your request."

// SourcesHeading introduces the list of citations appended to an answer.
const SourcesHeading = "\n\n### 📚 Sources:\n"

// ExamplePrompts are offered to users who do not know what to ask.
var ExamplePrompts = []string{
	"What are RBI's guidelines for outsourcing cloud services?",
	"What does MeitY say about developing cloud-ready applications?",
	"Explain RBI's requirements for setting up a Security Operations Center (SOC).",
	"What is the role of the IT Strategy Committee in banks?",
	"Give a summary of the e-Kranti framework under the Digital India initiative.",
}

// ResetMessage acknowledges a session reset.
const ResetMessage = "Session has been reset."

// ConversationLogConfig controls JSON conversation logging.
type ConversationLogConfig = config.ConversationLogConfig

// AskRequest is the body of POST /api/agent/ask.
type AskRequest struct {
	Question string `json:"question"`
}

// InvokeRequest is the body of POST /api/agent/invoke.
type InvokeRequest struct {
	Question   string `json:"question"`
	SessionID  string `json:"session_id"`
	EndSession bool   `json:"end_session"`
}

// InvokeErrorResponse is returned by the invoke endpoint when the agent call fails.
type InvokeErrorResponse struct {
	Error     string            `json:"error"`
	TraceData string            `json:"trace_data"`
	Citations []domain.Citation `json:"citations"`
}

// HistoryResponse lists the caller's turns, newest first.
type HistoryResponse struct {
	SessionID string                    `json:"session_id,omitempty"`
	Turns     []domain.ConversationTurn `json:"turns"`
}

// ResetResponse reports what a session reset removed.
type ResetResponse struct {
	Message      string `json:"message"`
	TurnsRemoved int64  `json:"turns_removed"`
}

// WebSocket message types.
const (
	MessageTypeAsk    = "ask"
	MessageTypeReset  = "reset"
	MessageTypePing   = "ping"
	MessageTypeAnswer = "answer"
	MessageTypePong   = "pong"
	MessageTypeError  = "error"
)

// ClientMessage is a message sent by the browser over the chat socket.
type ClientMessage struct {
	Type    string `json:"type"`
	Content string `json:"content,omitempty"`
}

// ServerMessage is a message sent to the browser over the chat socket.
type ServerMessage struct {
	Type    string          `json:"type"`
	Payload *domain.Payload `json:"payload,omitempty"`
	Error   string          `json:"error,omitempty"`
	Message string          `json:"message,omitempty"`
}
