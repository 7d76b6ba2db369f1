package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/nebucaz/spendcast-agent/agent"
	"github.com/nebucaz/spendcast-agent/audit"
	"github.com/nebucaz/spendcast-agent/config"
	"github.com/nebucaz/spendcast-agent/llm"
	"github.com/nebucaz/spendcast-agent/mcp"
	"github.com/nebucaz/spendcast-agent/persistence"
	"github.com/nebucaz/spendcast-agent/server"
)

var (
	flagConfig    string
	flagModel     string
	flagEndpoint  string
	flagProviders string
	flagDebug     bool
)

func main() {
	rootCmd := newRootCmd()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "spendcast",
		Short: "Conversational agent with on-demand tool providers",
	}
	root.PersistentFlags().StringVar(&flagConfig, "config", envOrDefault("SPENDCAST_CONFIG", ""), "Config file (YAML)")
	root.PersistentFlags().StringVar(&flagModel, "model", envOrDefault("OLLAMA_MODEL", ""), "Ollama model")
	root.PersistentFlags().StringVar(&flagEndpoint, "ollama", envOrDefault("OLLAMA_ENDPOINT", ""), "Ollama endpoint")
	root.PersistentFlags().StringVar(&flagProviders, "providers", envOrDefault("SPENDCAST_PROVIDERS", ""), "Provider registry file (YAML)")
	root.PersistentFlags().BoolVar(&flagDebug, "debug", false, "Verbose model and process logging")

	root.AddCommand(newChatCmd(), newServeCmd(), newProvidersCmd(), newToolsCmd(), newCallCmd(), newModelsCmd())
	return root
}

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// loadConfig applies flag overrides on top of the config file defaults.
func loadConfig() (config.Config, error) {
	cfg, err := config.Load(flagConfig)
	if err != nil {
		return cfg, err
	}
	if flagModel != "" {
		cfg.OllamaModel = flagModel
	}
	if flagEndpoint != "" {
		cfg.OllamaEndpoint = flagEndpoint
	}
	if flagProviders != "" {
		cfg.ProvidersPath = flagProviders
	}
	if flagDebug {
		cfg.Debug = true
	}
	if err := cfg.Normalize(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func buildManager(cfg config.Config, logger *log.Logger) (*mcp.Manager, error) {
	registry, err := cfg.LoadProviders()
	if err != nil {
		return nil, fmt.Errorf("load providers: %w", err)
	}
	return mcp.NewManager(registry, mcp.ManagerOptions{
		DefaultTimeout: cfg.CallTimeout.Std(),
		MaxConcurrent:  cfg.MaxConcurrent,
		GracePeriod:    cfg.GracePeriod.Std(),
		Logger:         logger,
	}), nil
}

func buildOrchestrator(cfg config.Config, manager *mcp.Manager, approval agent.ApprovalPort, trail audit.Logger, logger *log.Logger) *agent.Orchestrator {
	client := llm.NewClient(cfg.OllamaEndpoint, cfg.OllamaModel)
	client.SetDebugLogging(cfg.Debug)
	var model agent.Model = client
	if trail != nil {
		model = llm.NewInstrumentedModel(client, trail)
	}
	return agent.NewOrchestrator(model, manager, agent.Options{
		Approval:    approval,
		CallTimeout: cfg.CallTimeout.Std(),
		Trail:       trail,
		Logger:      logger,
	})
}

func newChatCmd() *cobra.Command {
	var approveEach bool
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Interactive console chat",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			logger := newLogger(cfg, "chat ")
			manager, err := buildManager(cfg, logger)
			if err != nil {
				return err
			}
			approval := agent.AutoApprove()
			if approveEach {
				approval = consoleApproval(cmd)
			}
			orch := buildOrchestrator(cfg, manager, approval, nil, logger)
			return runChatShell(cmd, orch, cfg)
		},
	}
	cmd.Flags().BoolVar(&approveEach, "approve", false, "Confirm every tool call before it runs")
	return cmd
}

func runChatShell(cmd *cobra.Command, orch *agent.Orchestrator, cfg config.Config) error {
	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	if store != nil {
		defer store.Close()
	}
	sessionID := fmt.Sprintf("console-%d", time.Now().Unix())

	cmd.Printf("spendcast chat (model %s). Type 'exit' to quit.\n", cfg.OllamaModel)
	scanner := bufio.NewScanner(cmd.InOrStdin())
	for {
		cmd.Print("> ")
		if !scanner.Scan() {
			return scanner.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if line == "exit" || line == "quit" {
			return nil
		}

		result, err := orch.HandleTurn(cmd.Context(), line)
		if err != nil {
			cmd.PrintErrf("error: %v\n", err)
			continue
		}
		for _, rec := range result.ToolCalls {
			status := "denied"
			if rec.Approved && rec.Result != nil {
				status = string(rec.Result.Status)
			}
			cmd.Printf("  [%s %s via %s]\n", rec.Proposal.Tool, status, rec.Proposal.Provider)
		}
		cmd.Println(result.Answer)

		if store != nil {
			ctx := cmd.Context()
			_ = store.AppendTurn(ctx, sessionID, agent.RoleUser, line)
			_ = store.AppendTurn(ctx, sessionID, agent.RoleModel, result.Answer)
			_ = store.RecordToolCalls(ctx, sessionID, result.ToolCalls)
		}
	}
}

// consoleApproval asks on stdin before every tool call.
func consoleApproval(cmd *cobra.Command) agent.ApprovalPort {
	reader := bufio.NewReader(cmd.InOrStdin())
	return agent.ApprovalFunc(func(_ context.Context, proposal agent.Proposal) (agent.Decision, error) {
		args, _ := json.Marshal(proposal.Arguments)
		cmd.Printf("run %s on %s with %s? [y/N] ", proposal.Tool, proposal.Provider, args)
		line, err := reader.ReadString('\n')
		if err != nil {
			return agent.Decision{}, err
		}
		answer := strings.ToLower(strings.TrimSpace(line))
		approved := answer == "y" || answer == "yes"
		decision := agent.Decision{ProposalID: proposal.ID, Approved: approved, DecidedBy: "console"}
		if !approved {
			decision.Reason = "declined at console"
		}
		return decision, nil
	})
}

func newServeCmd() *cobra.Command {
	var addr string
	var brokered bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP chat server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.ServerAddr = addr
			}
			logger := log.New(os.Stdout, "api ", log.LstdFlags)
			manager, err := buildManager(cfg, logger)
			if err != nil {
				return err
			}

			trail := audit.NewInMemoryLogger(cfg.AuditLimit)
			var broker *agent.Broker
			approval := agent.AutoApprove()
			if brokered {
				broker = agent.NewBroker(cfg.ApprovalTimeout.Std())
				approval = broker
			}
			orch := buildOrchestrator(cfg, manager, approval, trail, logger)

			store, err := openStore(cfg)
			if err != nil {
				return err
			}
			if store != nil {
				defer store.Close()
			}

			api := &server.APIServer{
				Agent:  orch,
				Runner: manager,
				Broker: broker,
				Trail:  trail,
				Store:  store,
				Logger: logger,
			}
			cmd.Printf("Starting chat server on %s using model %s\n", cfg.ServerAddr, cfg.OllamaModel)
			return api.ServeContext(cmd.Context(), cfg.ServerAddr)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", envOrDefault("SPENDCAST_ADDR", ""), "address for the HTTP server")
	cmd.Flags().BoolVar(&brokered, "broker-approvals", false, "Queue tool calls for approval over the HTTP API")
	return cmd
}

func newProvidersCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "providers",
		Short: "List the configured tool providers",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			registry, err := cfg.LoadProviders()
			if err != nil {
				return err
			}
			for _, name := range registry.Names() {
				p, _ := registry.Lookup(name)
				cmd.Printf("%s\t%s %s\n", name, p.Command, strings.Join(p.Args, " "))
			}
			return nil
		},
	}
}

func newToolsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "tools",
		Short: "Discover the tools of every provider",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			logger := newLogger(cfg, "tools ")
			manager, err := buildManager(cfg, logger)
			if err != nil {
				return err
			}
			for _, providerID := range manager.Providers() {
				entries, err := manager.ListTools(cmd.Context(), providerID)
				if err != nil {
					cmd.PrintErrf("%s: %v\n", providerID, err)
					continue
				}
				for _, entry := range entries {
					cmd.Printf("%s/%s\t%s\n", entry.Provider, entry.Name, entry.Description)
				}
			}
			return nil
		},
	}
}

func newCallCmd() *cobra.Command {
	var argsJSON string
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "call <provider> <tool>",
		Short: "Invoke one tool directly",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			var arguments map[string]any
			if argsJSON != "" {
				if err := json.Unmarshal([]byte(argsJSON), &arguments); err != nil {
					return fmt.Errorf("parse --args: %w", err)
				}
			}
			logger := newLogger(cfg, "call ")
			manager, err := buildManager(cfg, logger)
			if err != nil {
				return err
			}
			result, err := manager.CallTool(cmd.Context(), args[0], mcp.ToolCallRequest{
				ID:        "cli-call",
				Tool:      args[1],
				Arguments: arguments,
			}, timeout)
			if err != nil {
				return err
			}
			switch result.Status {
			case mcp.StatusSuccess:
				cmd.Println(result.Payload)
				return nil
			default:
				if result.Stderr != "" {
					cmd.PrintErrln(result.Stderr)
				}
				return errors.New(result.ErrorDetail)
			}
		},
	}
	cmd.Flags().StringVar(&argsJSON, "args", "{}", "Tool arguments as JSON")
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "Per-call timeout (0 uses the configured default)")
	return cmd
}

func newModelsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "models",
		Short: "List the models the Ollama endpoint has pulled",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			client := llm.NewClient(cfg.OllamaEndpoint, cfg.OllamaModel)
			names, err := client.ListModels(cmd.Context())
			if err != nil {
				return err
			}
			for _, name := range names {
				cmd.Println(name)
			}
			return nil
		},
	}
}

func openStore(cfg config.Config) (*persistence.TranscriptStore, error) {
	if cfg.TranscriptPath == "" {
		return nil, nil
	}
	if err := os.MkdirAll(filepath.Dir(cfg.TranscriptPath), 0o755); err != nil {
		return nil, err
	}
	return persistence.NewTranscriptStore(cfg.TranscriptPath)
}

func newLogger(cfg config.Config, prefix string) *log.Logger {
	if !cfg.Debug {
		return nil
	}
	return log.New(os.Stdout, prefix, log.LstdFlags)
}
