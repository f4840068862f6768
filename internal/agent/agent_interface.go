package agent

import (
	"context"
	"io"

	"github.com/ashureev/policy-assistant/internal/agentruntime"
)

// Dispatcher sends one question to the agent runtime and returns the raw response stream.
// The caller closes the returned body.
type Dispatcher interface {
	Invoke(ctx context.Context, in agentruntime.InvokeInput) (io.ReadCloser, error)
}

// Ensure the runtime dispatcher implements Dispatcher.
var _ Dispatcher = (*agentruntime.Dispatcher)(nil)
