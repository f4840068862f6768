package agent

import (
	"errors"
	"time"

	"github.com/ashureev/policy-assistant/internal/agentruntime"
	"github.com/ashureev/policy-assistant/internal/decoder"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Invocation outcomes used as the "outcome" label.
const (
	outcomeOK                     = "ok"
	outcomeNotConfigured          = "not_configured"
	outcomeCredentialsUnavailable = "credentials_unavailable"
	outcomeTransport              = "transport_error"
	outcomeUpstreamStatus         = "upstream_status"
	outcomeOther                  = "error"
)

var (
	invocationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "policy_assistant",
		Subsystem: "agent",
		Name:      "invocations_total",
		Help:      "Agent invocations by outcome",
	}, []string{"outcome"})

	invocationLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "policy_assistant",
		Subsystem: "agent",
		Name:      "invocation_duration_seconds",
		Help:      "Time from dispatch until the response stream is fully decoded",
		Buckets:   []float64{0.25, 0.5, 1, 2, 4, 8, 15, 30, 60},
	}, []string{"outcome"})

	// decodePaths counts which extraction produced the final answer.
	decodePaths = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "policy_assistant",
		Subsystem: "decoder",
		Name:      "answers_total",
		Help:      "Decoded answers by extraction path",
	}, []string{"path"})

	droppedFrames = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "policy_assistant",
		Subsystem: "decoder",
		Name:      "dropped_frames_total",
		Help:      "Response frames skipped because they were not valid UTF-8",
	})

	citationsPerAnswer = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "policy_assistant",
		Subsystem: "citation",
		Name:      "per_answer",
		Help:      "Number of citations attached to each answer",
		Buckets:   []float64{0, 1, 2, 3, 5, 8, 13},
	})
)

func classifyError(err error) string {
	switch {
	case err == nil:
		return outcomeOK
	case errors.Is(err, ErrAgentNotConfigured):
		return outcomeNotConfigured
	case errors.Is(err, agentruntime.ErrCredentialsUnavailable):
		return outcomeCredentialsUnavailable
	case errors.Is(err, agentruntime.ErrTransport):
		return outcomeTransport
	case errors.Is(err, agentruntime.ErrUpstreamStatus):
		return outcomeUpstreamStatus
	default:
		return outcomeOther
	}
}

func recordInvocation(err error, started time.Time) {
	outcome := classifyError(err)
	invocationsTotal.WithLabelValues(outcome).Inc()
	invocationLatency.WithLabelValues(outcome).Observe(time.Since(started).Seconds())
}

func recordDecode(res decoder.Result, citations int) {
	decodePaths.WithLabelValues(string(res.Path)).Inc()
	if res.Dropped > 0 {
		droppedFrames.Add(float64(res.Dropped))
	}
	citationsPerAnswer.Observe(float64(citations))
}
