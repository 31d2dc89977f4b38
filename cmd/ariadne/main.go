// Ariadne bridges group chats to an external reasoning agent.
//
// It supervises the agent subprocess (newline-delimited JSON over
// stdin/stdout), keeps bounded per-conversation context, and connects
// to a chat gateway over WebSocket. Configuration is loaded from a
// single YAML file discovered automatically (see
// [config.DefaultSearchPaths]).
//
// Usage:
//
//	ariadne serve            Connect to the gateway and serve questions
//	ariadne init [dir]       Initialize a working directory with defaults
//	ariadne ask <question>   Ask a single question (for testing)
//	ariadne version          Print version and build information
//	ariadne -o json version  Output version information as JSON
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/ariadne-chat/ariadne/internal/agentproc"
	"github.com/ariadne-chat/ariadne/internal/buildinfo"
	"github.com/ariadne-chat/ariadne/internal/calendar"
	"github.com/ariadne-chat/ariadne/internal/compose"
	"github.com/ariadne-chat/ariadne/internal/config"
	"github.com/ariadne-chat/ariadne/internal/convo"
	"github.com/ariadne-chat/ariadne/internal/extract"
	"github.com/ariadne-chat/ariadne/internal/gateway"
	"github.com/ariadne-chat/ariadne/internal/ledger"
	"github.com/ariadne-chat/ariadne/internal/orchestrator"
	"github.com/ariadne-chat/ariadne/internal/presence"
	"github.com/ariadne-chat/ariadne/internal/status"
)

// main is intentionally minimal. It constructs the OS-level environment
// (context, stdio, argv) and delegates immediately to [run]. This keeps
// os.Exit, os.Stdout, and os.Args out of the application logic so that
// the full startup-to-shutdown lifecycle can be driven from tests.
func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// run is the real entry point for the ariadne command. All OS-level
// dependencies are injected as parameters so the lifecycle can be
// driven from tests. Arguments are parsed by hand: the flag package
// relies on package-level globals, which makes it impossible to call
// run() concurrently from tests, and our argument surface is small.
func run(ctx context.Context, stdout io.Writer, stderr io.Writer, args []string) error {
	var configPath string
	var outputFmt string // "text" (default) or "json"
	var command string
	var cmdArgs []string

	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "-config" && i+1 < len(args):
			configPath = args[i+1]
			i++ // skip the value
		case strings.HasPrefix(args[i], "-config="):
			configPath = strings.TrimPrefix(args[i], "-config=")
		case (args[i] == "-o" || args[i] == "--output") && i+1 < len(args):
			outputFmt = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-o="):
			outputFmt = strings.TrimPrefix(args[i], "-o=")
		case strings.HasPrefix(args[i], "--output="):
			outputFmt = strings.TrimPrefix(args[i], "--output=")
		case args[i] == "-h" || args[i] == "-help" || args[i] == "--help":
			return printUsage(stdout)
		case !strings.HasPrefix(args[i], "-") && command == "":
			command = args[i]
		default:
			if command != "" {
				cmdArgs = append(cmdArgs, args[i])
			} else {
				return fmt.Errorf("unknown flag: %s", args[i])
			}
		}
	}

	if outputFmt == "" {
		outputFmt = "text"
	}
	if outputFmt != "text" && outputFmt != "json" {
		return fmt.Errorf("unknown output format: %q (expected text or json)", outputFmt)
	}

	switch command {
	case "serve":
		return runServe(ctx, stdout, stderr, configPath)
	case "init":
		dir := "."
		if len(cmdArgs) > 0 {
			dir = cmdArgs[0]
		}
		return runInit(stdout, dir)
	case "ask":
		if len(cmdArgs) == 0 {
			return fmt.Errorf("usage: ariadne ask <question>")
		}
		return runAsk(ctx, stdout, configPath, cmdArgs)
	case "version":
		return runVersion(stdout, outputFmt)
	case "":
		return printUsage(stdout)
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
}

// runVersion prints build metadata in the requested output format.
func runVersion(w io.Writer, outputFmt string) error {
	info := buildinfo.Info()
	if outputFmt == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(info)
	}
	fmt.Fprintln(w, buildinfo.String())
	// Print fields in a stable order for human readability.
	for _, k := range []string{"version", "git_commit", "git_branch", "build_time", "go_version", "os", "arch"} {
		if v, ok := info[k]; ok {
			fmt.Fprintf(w, "  %-12s %s\n", k+":", v)
		}
	}
	return nil
}

// printUsage writes the top-level help text to w.
func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "Ariadne - Chat-to-Agent Query Bridge")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: ariadne [flags] <command> [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  serve        Connect to the chat gateway and serve questions")
	fmt.Fprintln(w, "  init [dir]   Initialize working directory with defaults (default: .)")
	fmt.Fprintln(w, "  ask          Ask a single question (for testing)")
	fmt.Fprintln(w, "  version      Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>    Path to config file (default: auto-discover)")
	fmt.Fprintln(w, "  -o, --output fmt  Output format: text (default) or json")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Config search order:")
	fmt.Fprintln(w, "  ./config.yaml, ~/.config/ariadne/config.yaml, /etc/ariadne/config.yaml")
	return nil
}

// runAsk handles the "ariadne ask <question>" subcommand. It boots the
// agent subprocess, runs a single question through the orchestrator
// with empty conversation context, and prints the reply to stdout.
// Useful for smoke-testing an agent script without a gateway.
func runAsk(ctx context.Context, stdout io.Writer, configPath string, args []string) error {
	logger := newLogger(stdout, slog.LevelWarn, "text")

	question := strings.Join(args, " ")

	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	supervisor := agentproc.New(agentproc.Config{
		Command:        cfg.Agent.Command,
		Args:           cfg.Agent.Args,
		Env:            cfg.Agent.Env,
		RequestTimeout: cfg.Agent.RequestTimeout(),
		Logger:         logger,
	})
	defer supervisor.Close()

	store := convo.NewStore(cfg.Context.MaxHistory, cfg.Context.MaxFiles)
	orch := orchestrator.New(orchestrator.Config{
		Store:     store,
		Assembler: compose.NewAssembler(store),
		Agent:     supervisor,
		Logger:    logger,
	})

	reply := orch.Answer(ctx, "cli", "cli", question)
	fmt.Fprintln(stdout, reply.Text)
	return nil
}

// runServe handles the "ariadne serve" subcommand: the full bridge
// with gateway connection, status server, and optional MQTT presence.
func runServe(ctx context.Context, stdout io.Writer, stderr io.Writer, configPath string) error {
	logger := newLogger(stdout, slog.LevelInfo, "text")
	logger.Info("starting Ariadne",
		"version", buildinfo.Version, "commit", buildinfo.GitCommit, "built", buildinfo.BuildTime)

	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	if cfg.Gateway.URL == "" {
		return fmt.Errorf("gateway.url is required for serve")
	}

	// Reconfigure the logger now that the desired level is known. The
	// initial Info-level logger covers only the startup banner.
	if cfg.LogLevel != "" {
		// Already validated by config.Validate.
		level, _ := config.ParseLogLevel(cfg.LogLevel)
		logger = newLogger(stdout, level, "text")
	}

	logger.Info("config loaded",
		"path", cfgPath,
		"gateway", cfg.Gateway.URL,
		"agent", cfg.Agent.Command,
	)

	// --- Exchange ledger ---
	var led *ledger.Ledger
	if cfg.Ledger.Path != "" {
		led, err = ledger.Open(cfg.Ledger.Path, logger)
		if err != nil {
			return fmt.Errorf("open ledger %s: %w", cfg.Ledger.Path, err)
		}
		defer led.Close()
		logger.Info("exchange ledger opened", "path", cfg.Ledger.Path)
	} else {
		logger.Info("exchange ledger disabled (no path configured)")
	}

	// --- Conversation store and agent supervisor ---
	store := convo.NewStore(cfg.Context.MaxHistory, cfg.Context.MaxFiles)

	supervisor := agentproc.New(agentproc.Config{
		Command:        cfg.Agent.Command,
		Args:           cfg.Agent.Args,
		Env:            cfg.Agent.Env,
		RequestTimeout: cfg.Agent.RequestTimeout(),
		Logger:         logger,
		OnStart: func(generation int) {
			reason := "start"
			if generation > 1 {
				reason = "restart after exit"
			}
			if err := led.RecordRestart(reason); err != nil {
				logger.Warn("restart ledger write failed", "error", err)
			}
		},
	})
	defer supervisor.Close()

	// --- Calendar agent ---
	var cal *calendar.Agent
	if cfg.Calendar.Enabled {
		cal = calendar.NewAgent(cfg.Calendar.OutputDir, logger)
		logger.Info("calendar generation enabled", "output_dir", cfg.Calendar.OutputDir)
	}

	orch := orchestrator.New(orchestrator.Config{
		Store:     store,
		Assembler: compose.NewAssembler(store),
		Agent:     supervisor,
		Extractor: extract.New(logger),
		Calendar:  cal,
		Ledger:    led,
		Logger:    logger,
	})

	// --- Gateway connection ---
	client := gateway.NewClient(cfg.Gateway.URL, cfg.Gateway.Token, logger)
	bridge := gateway.NewBridge(gateway.BridgeConfig{
		Messages: client.Messages(),
		Sender:   client,
		Handler:  orch,
		Trigger:  cfg.Gateway.Trigger,
		Logger:   logger,
	})

	// --- Signal handling and graceful shutdown ---
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	stats := &statsAdapter{supervisor: supervisor, store: store, ledger: led}

	// --- Status server ---
	var statusSrv *status.Server
	if cfg.Listen.Port > 0 {
		addr := fmt.Sprintf("%s:%d", cfg.Listen.Address, cfg.Listen.Port)
		statusSrv = status.NewServer(addr, stats, store, led, logger)
		go func() {
			if err := statusSrv.Start(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("status server failed", "error", err)
				cancel()
			}
		}()
	} else {
		logger.Info("status server disabled (port 0)")
	}

	// --- MQTT presence ---
	var mqttPub *presence.Publisher
	var wg sync.WaitGroup
	if cfg.MQTT.Enabled {
		mqttPub = presence.New(cfg.MQTT, stats, logger)
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := mqttPub.Start(ctx); err != nil {
				logger.Warn("mqtt publisher stopped", "error", err)
			}
		}()
		logger.Info("mqtt publishing enabled",
			"broker", cfg.MQTT.Broker, "device_name", cfg.MQTT.DeviceName)
	} else {
		logger.Info("mqtt publishing disabled (not configured)")
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		client.Run(ctx)
	}()

	// The bridge blocks until ctx is cancelled or the gateway client
	// closes its message channel.
	bridge.Start(ctx)
	cancel()

	logger.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if statusSrv != nil {
		_ = statusSrv.Shutdown(shutdownCtx)
	}
	if mqttPub != nil {
		if err := mqttPub.Stop(shutdownCtx); err != nil {
			logger.Warn("mqtt shutdown failed", "error", err)
		}
	}
	wg.Wait()

	logger.Info("Ariadne stopped")
	return nil
}

// newLogger creates a structured logger that writes to w at the given
// level. Format must be "text" or "json"; any other value defaults to
// text.
func newLogger(w io.Writer, level slog.Level, format string) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: config.ReplaceLogLevelNames,
	}
	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	return slog.New(handler)
}

// loadConfig locates and parses the YAML configuration file. If
// explicit is non-empty, that exact path is used (and must exist).
func loadConfig(explicit string) (*config.Config, string, error) {
	cfgPath, err := config.FindConfig(explicit)
	if err != nil {
		return nil, "", err
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, cfgPath, fmt.Errorf("load config %s: %w", cfgPath, err)
	}

	return cfg, cfgPath, nil
}

// statsAdapter exposes runtime data to the status server and the MQTT
// presence publisher without coupling those packages to each other.
type statsAdapter struct {
	supervisor *agentproc.Supervisor
	store      *convo.Store
	ledger     *ledger.Ledger
}

func (a *statsAdapter) Uptime() time.Duration { return buildinfo.Uptime() }
func (a *statsAdapter) Version() string       { return buildinfo.Version }
func (a *statsAdapter) AgentState() string    { return a.supervisor.State().String() }
func (a *statsAdapter) PendingRequests() int  { return a.supervisor.PendingCount() }
func (a *statsAdapter) Conversations() int    { return len(a.store.ConversationIDs()) }

func (a *statsAdapter) ExchangesTotal() int {
	stats, err := a.ledger.Stats()
	if err != nil {
		return 0
	}
	return stats.TotalExchanges
}
