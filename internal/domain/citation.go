// Package domain contains core domain types for the policy assistant.
package domain

// Default values used when a citation field cannot be recovered from the trace.
const (
	UntitledDocument = "Untitled Document"
	MissingLink      = "#"
)

// Citation references a source document backing part of an answer.
type Citation struct {
	DocumentTitle string `json:"documentTitle"`
	DocumentLink  string `json:"documentLink"`
}

// Payload is the assembled result of one agent invocation.
type Payload struct {
	Message   string     `json:"message"`
	Trace     string     `json:"trace"`
	Citations []Citation `json:"citations"`
}

// NewPayload builds a payload, normalizing a nil citation list to an empty one.
func NewPayload(message, trace string, citations []Citation) Payload {
	if citations == nil {
		citations = []Citation{}
	}
	return Payload{
		Message:   message,
		Trace:     trace,
		Citations: citations,
	}
}
