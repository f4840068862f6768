// Package agentruntime sends signed requests to the managed agent runtime.
package agentruntime

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
)

// SigningName is the service name used in the request signature scope.
const SigningName = "bedrock"

const maxErrorBodySize = 4096

var (
	// ErrCredentialsUnavailable is returned when no signing identity can be found.
	ErrCredentialsUnavailable = errors.New("credentials unavailable")
	// ErrTransport is returned when the request could not be delivered.
	ErrTransport = errors.New("transport error")
	// ErrUpstreamStatus is returned when the agent runtime answers with a failure status.
	ErrUpstreamStatus = errors.New("agent runtime returned error status")

	errMissingAgentID = errors.New("agent id is required")
	errMissingAliasID = errors.New("agent alias id is required")
	errMissingRegion  = errors.New("region is required")
	errMissingSession = errors.New("session id is required")
)

// Config identifies the agent that requests are addressed to.
type Config struct {
	Region       string
	AgentID      string
	AgentAliasID string
	Endpoint     string
}

// Validate checks that all identifiers needed to build a request are set.
func (c Config) Validate() error {
	if c.Region == "" {
		return errMissingRegion
	}
	if c.AgentID == "" {
		return errMissingAgentID
	}
	if c.AgentAliasID == "" {
		return errMissingAliasID
	}
	return nil
}

// BaseURL returns the endpoint base URL, deriving it from the region when unset.
func (c Config) BaseURL() string {
	if c.Endpoint != "" {
		return strings.TrimRight(c.Endpoint, "/")
	}
	return fmt.Sprintf("https://bedrock-agent-runtime.%s.amazonaws.com", c.Region)
}

// InvokeInput is a single question addressed to an agent session.
type InvokeInput struct {
	InputText  string
	SessionID  string
	EndSession bool
}

type invokeBody struct {
	InputText   string `json:"inputText"`
	EnableTrace bool   `json:"enableTrace"`
	EndSession  bool   `json:"endSession"`
}

// Dispatcher signs and sends agent invocations.
// It holds no mutable state and is safe for concurrent use.
type Dispatcher struct {
	cfg    Config
	creds  aws.CredentialsProvider
	signer *v4.Signer
	client *http.Client
	now    func() time.Time
	logger *slog.Logger
}

// LoadCredentials discovers ambient credentials (environment, shared profile,
// container or instance role) for the given region.
func LoadCredentials(ctx context.Context, region string) (aws.CredentialsProvider, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCredentialsUnavailable, err)
	}
	if awsCfg.Credentials == nil {
		return nil, ErrCredentialsUnavailable
	}
	return awsCfg.Credentials, nil
}

// NewDispatcher creates a dispatcher for the configured agent.
// A nil client uses http.DefaultClient; a nil provider fails every invocation
// with ErrCredentialsUnavailable.
func NewDispatcher(cfg Config, creds aws.CredentialsProvider, client *http.Client, logger *slog.Logger) (*Dispatcher, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid agent runtime config: %w", err)
	}
	if client == nil {
		client = http.DefaultClient
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		cfg:    cfg,
		creds:  creds,
		signer: v4.NewSigner(),
		client: client,
		now:    time.Now,
		logger: logger,
	}, nil
}

// InvokeURL returns the text invocation URL for a session.
func (d *Dispatcher) InvokeURL(sessionID string) string {
	return fmt.Sprintf("%s/agents/%s/agentAliases/%s/sessions/%s/text",
		d.cfg.BaseURL(),
		url.PathEscape(d.cfg.AgentID),
		url.PathEscape(d.cfg.AgentAliasID),
		url.PathEscape(sessionID),
	)
}

// Invoke sends one signed request and returns the raw response stream.
// The caller must close the returned reader. Failures are not retried.
func (d *Dispatcher) Invoke(ctx context.Context, in InvokeInput) (io.ReadCloser, error) {
	if in.SessionID == "" {
		return nil, errMissingSession
	}

	creds, err := d.retrieveCredentials(ctx)
	if err != nil {
		return nil, err
	}

	body, err := json.Marshal(invokeBody{
		InputText:   in.InputText,
		EnableTrace: true,
		EndSession:  in.EndSession,
	})
	if err != nil {
		return nil, fmt.Errorf("encode invoke body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.InvokeURL(in.SessionID), bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build invoke request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	sum := sha256.Sum256(body)
	if err := d.signer.SignHTTP(ctx, creds, req, hex.EncodeToString(sum[:]), SigningName, d.cfg.Region, d.now()); err != nil {
		return nil, fmt.Errorf("sign invoke request: %w", err)
	}

	d.logger.Debug("Invoking agent",
		"agent_id", d.cfg.AgentID,
		"alias_id", d.cfg.AgentAliasID,
		"session_id", in.SessionID,
		"end_session", in.EndSession,
		"input_length", len(in.InputText),
	)

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrTransport, err)
	}

	if resp.StatusCode >= 400 {
		defer func() {
			if closeErr := resp.Body.Close(); closeErr != nil {
				d.logger.Debug("failed to close error response body", "error", closeErr)
			}
		}()
		data, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodySize))
		return nil, fmt.Errorf("%w: %s: %s", ErrUpstreamStatus, resp.Status, strings.TrimSpace(string(data)))
	}

	return resp.Body, nil
}

func (d *Dispatcher) retrieveCredentials(ctx context.Context) (aws.Credentials, error) {
	if d.creds == nil {
		return aws.Credentials{}, ErrCredentialsUnavailable
	}
	creds, err := d.creds.Retrieve(ctx)
	if err != nil {
		return aws.Credentials{}, fmt.Errorf("%w: %w", ErrCredentialsUnavailable, err)
	}
	if !creds.HasKeys() {
		return aws.Credentials{}, ErrCredentialsUnavailable
	}
	return creds, nil
}
