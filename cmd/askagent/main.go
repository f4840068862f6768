// askagent sends one question to the policy agent from the command line.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/ashureev/policy-assistant/internal/agent"
	"github.com/ashureev/policy-assistant/internal/agentruntime"
	"github.com/ashureev/policy-assistant/internal/config"
	"github.com/ashureev/policy-assistant/internal/store"
	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

// serviceFactory builds the agent service used by a command run.
type serviceFactory func(ctx context.Context, cfg *config.Config) (*agent.Service, func(), error)

type askOptions struct {
	sessionID  string
	endSession bool
	jsonOutput bool
}

func main() {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelWarn,
	})))

	if err := godotenv.Load(); err != nil {
		slog.Debug("No .env file found, using environment variables")
	}

	if err := newRootCmd(newRuntimeService).Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd(factory serviceFactory) *cobra.Command {
	opts := &askOptions{}

	cmd := &cobra.Command{
		Use:   "askagent [question]",
		Short: "Ask the policy agent a question",
		Long: `Sends one question to the configured agent and prints the answer with its sources.

Examples:
  askagent "What are RBI's guidelines for outsourcing cloud services?"
  askagent --session 3f2a... "And for data localisation?"
  askagent --json "What is the e-Kranti framework?"`,
		Args:          cobra.MinimumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: false,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("load configuration: %w", err)
			}
			svc, cleanup, err := factory(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer cleanup()
			return runAsk(cmd.Context(), cmd.OutOrStdout(), svc, strings.Join(args, " "), opts)
		},
	}

	cmd.Flags().StringVar(&opts.sessionID, "session", "", "agent session id (default: a new random id)")
	cmd.Flags().BoolVar(&opts.endSession, "end-session", false, "end the agent session after this question")
	cmd.Flags().BoolVar(&opts.jsonOutput, "json", false, "print the full payload as JSON")
	return cmd
}

func runAsk(ctx context.Context, out io.Writer, svc *agent.Service, question string, opts *askOptions) error {
	if ctx == nil {
		ctx = context.Background()
	}
	sessionID := opts.sessionID
	if sessionID == "" {
		sessionID = uuid.NewString()
	}

	payload := svc.Invoke(ctx, question, sessionID, opts.endSession)

	if opts.jsonOutput {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		if err := enc.Encode(payload); err != nil {
			return fmt.Errorf("encode payload: %w", err)
		}
		return nil
	}

	if _, err := fmt.Fprintln(out, payload.Message); err != nil {
		return fmt.Errorf("write answer: %w", err)
	}
	if !opts.endSession {
		if _, err := fmt.Fprintf(out, "\nsession: %s\n", sessionID); err != nil {
			return fmt.Errorf("write session: %w", err)
		}
	}
	return nil
}

func newRuntimeService(ctx context.Context, cfg *config.Config) (*agent.Service, func(), error) {
	if !cfg.AgentConfigured() {
		return nil, nil, fmt.Errorf("BEDROCK_AGENT_ID and BEDROCK_AGENT_ALIAS_ID must be set")
	}

	creds, err := agentruntime.LoadCredentials(ctx, cfg.Agent.Region)
	if err != nil {
		return nil, nil, fmt.Errorf("load credentials: %w", err)
	}
	dispatcher, err := agentruntime.NewDispatcher(agentruntime.Config{
		Region:       cfg.Agent.Region,
		AgentID:      cfg.Agent.AgentID,
		AgentAliasID: cfg.Agent.AgentAliasID,
		Endpoint:     cfg.Agent.Endpoint,
	}, creds, nil, slog.Default())
	if err != nil {
		return nil, nil, fmt.Errorf("create dispatcher: %w", err)
	}

	repo, err := store.NewMemorySQLite("askagent")
	if err != nil {
		return nil, nil, fmt.Errorf("open history: %w", err)
	}
	svc, err := agent.NewService(agent.ServiceConfig{
		Dispatcher: dispatcher,
		Repo:       repo,
		FrameSize:  cfg.Stream.FrameSize,
		Logger:     slog.Default(),
	})
	if err != nil {
		_ = repo.Close()
		return nil, nil, err
	}
	cleanup := func() {
		if err := svc.Close(); err != nil {
			slog.Warn("failed to close agent service", "error", err)
		}
		if err := repo.Close(); err != nil {
			slog.Warn("failed to close history", "error", err)
		}
	}
	return svc, cleanup, nil
}
