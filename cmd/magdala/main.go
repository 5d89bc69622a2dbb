// Magdala is a household guardian agent for Home Assistant.
//
// It watches Home Assistant state changes for security, wellness, and
// energy concerns, speaks alerts through the home's speakers, answers
// questions with memory-backed context, and exposes a small HTTP
// command API. Configuration is loaded from a single YAML file
// discovered automatically (see [config.DefaultSearchPaths]).
//
// Usage:
//
//	magdala serve              Start the guardian
//	magdala init [dir]         Write an example config into dir
//	magdala ask <question>     Ask a single question (for testing)
//	magdala version            Print version and build information
//	magdala -o json version    Output version information as JSON
package main

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/nugget/magdala/internal/agent"
	"github.com/nugget/magdala/internal/api"
	"github.com/nugget/magdala/internal/buildinfo"
	"github.com/nugget/magdala/internal/config"
	"github.com/nugget/magdala/internal/connwatch"
	"github.com/nugget/magdala/internal/events"
	"github.com/nugget/magdala/internal/homeassistant"
	"github.com/nugget/magdala/internal/httpkit"
	"github.com/nugget/magdala/internal/llm"
	"github.com/nugget/magdala/internal/memory"
	"github.com/nugget/magdala/internal/mqtt"
	"github.com/nugget/magdala/internal/voice"
)

// haStartupWait bounds how long serve waits for Home Assistant before
// initializing the guardian modules anyway.
const haStartupWait = 60 * time.Second

// shutdownTimeout bounds the whole shutdown sequence.
const shutdownTimeout = 30 * time.Second

func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// run is the real entry point. OS-level dependencies are parameters so
// the command surface can be driven from tests. Arguments are parsed
// by hand to keep flag.CommandLine globals out of the picture.
func run(ctx context.Context, stdout io.Writer, stderr io.Writer, args []string) error {
	var configPath string
	var outputFmt string
	var command string
	var cmdArgs []string

	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "-config" && i+1 < len(args):
			configPath = args[i+1]
			i++
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
			if command == "" {
				return fmt.Errorf("unknown flag: %s", args[i])
			}
			cmdArgs = append(cmdArgs, args[i])
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
			return fmt.Errorf("usage: magdala ask <question>")
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
	for _, k := range []string{"version", "git_commit", "git_branch", "build_time", "go_version", "os", "arch"} {
		if v, ok := info[k]; ok {
			fmt.Fprintf(w, "  %-12s %s\n", k+":", v)
		}
	}
	return nil
}

func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "Magdala - Household Guardian Agent")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: magdala [flags] <command> [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  serve        Start the guardian and its command API")
	fmt.Fprintln(w, "  init [dir]   Write an example config.yaml (default: .)")
	fmt.Fprintln(w, "  ask          Ask a single question (for testing)")
	fmt.Fprintln(w, "  version      Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>    Path to config file (default: auto-discover)")
	fmt.Fprintln(w, "  -o, --output fmt  Output format: text (default) or json")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Config search order:")
	fmt.Fprintln(w, "  "+strings.Join(config.DefaultSearchPaths(), ", "))
	return nil
}

// runAsk answers one question without Home Assistant or voice. Memory
// is used when reachable.
func runAsk(ctx context.Context, stdout io.Writer, configPath string, args []string) error {
	logger := newLogger(stdout, slog.LevelWarn, "text")

	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	mem := memory.NewStore(memoryConfig(cfg), logger)
	defer mem.Close()

	ag := agent.New(agent.Deps{
		Config: cfg,
		Memory: mem,
		LLM:    newLLMFactory(logger)(cfg.LLM),
		Logger: logger,
	})
	if err := ag.Initialize(ctx); err != nil {
		logger.Warn("running without memory", "error", err)
	}
	defer ag.Shutdown(ctx)

	resp := ag.Ask(ctx, agent.AskRequest{Prompt: strings.Join(args, " ")})
	fmt.Fprintln(stdout, resp.Response)
	if resp.Err != nil {
		return fmt.Errorf("ask: %w", resp.Err)
	}
	return nil
}

// runServe is the primary operating mode. It blocks until SIGINT or
// SIGTERM, then shuts down in order: the orchestrator announces and
// stops its modules, MQTT publishes offline, and the HTTP server
// drains.
func runServe(ctx context.Context, stdout io.Writer, stderr io.Writer, configPath string) error {
	logger := newLogger(stdout, slog.LevelInfo, "text")
	logger.Info("starting Magdala", "version", buildinfo.Version, "commit", buildinfo.GitCommit, "branch", buildinfo.GitBranch, "built", buildinfo.BuildTime)

	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	// ParseLogLevel was already checked by Validate.
	level, _ := config.ParseLogLevel(cfg.LogLevel)
	logger = newLogger(stdout, level, cfg.LogFormat)
	logger.Info("config loaded",
		"path", cfgPath,
		"port", cfg.Listen.Port,
		"model", cfg.LLM.Model,
		"mode", cfg.Guardian.Mode,
		"modules", cfg.Guardian.EnabledModules,
	)

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	bus := events.New()

	// --- Memory service ---
	mem := memory.NewStore(memoryConfig(cfg), logger)
	defer mem.Close()

	// --- LLM ---
	newLLM := newLLMFactory(logger)
	chat := newLLM(cfg.LLM)

	// --- Home Assistant and voice ---
	// Without Home Assistant there are no state changes and no speakers;
	// the command API still answers questions and records patterns.
	var ha *homeassistant.Client
	var haWS *homeassistant.WSClient
	var router *voice.Router
	if cfg.HomeAssistant.Configured() {
		var haOpts []httpkit.ClientOption
		if cfg.HomeAssistant.InsecureSkipVerify {
			haOpts = append(haOpts, httpkit.WithTLSInsecureSkipVerify())
		}
		ha = homeassistant.NewClient(cfg.HomeAssistant.URL, cfg.HomeAssistant.Token, logger, haOpts...)
		haWS = homeassistant.NewWSClient(cfg.HomeAssistant.URL, cfg.HomeAssistant.Token, logger)
		if cfg.HomeAssistant.InsecureSkipVerify {
			haWS.SetTLSConfig(&tls.Config{InsecureSkipVerify: true}) //nolint:gosec // explicit opt-in
			logger.Warn("TLS certificate verification disabled for Home Assistant")
		}

		vc, err := voice.ConfigFromGuardian(cfg.Guardian, cfg.Location())
		if err != nil {
			return fmt.Errorf("voice config: %w", err)
		}
		router = voice.NewRouter(vc, ha, ha, haWS, logger, voice.WithBus(bus))
	} else {
		logger.Warn("Home Assistant not configured - guardian modules and voice are idle")
	}

	// --- Orchestrator ---
	deps := agent.Deps{
		Config: cfg,
		Memory: mem,
		LLM:    chat,
		NewLLM: newLLM,
		Bus:    bus,
		Logger: logger,
	}
	if ha != nil {
		deps.States = ha
		deps.Voice = router
	}
	ag := agent.New(deps)

	// --- Connection resilience ---
	connMgr := connwatch.NewManager(logger)
	defer connMgr.Stop()

	var haWatcher *connwatch.Watcher
	if ha != nil {
		haWatcher = connMgr.Watch(ctx, connwatch.WatcherConfig{
			Name:    "homeassistant",
			Probe:   ha.Ping,
			Backoff: connwatch.DefaultBackoffConfig(),
			OnReady: haReady(haWS, router, logger),
			Logger:  logger,
		})
		ha.SetWatcher(haWatcher)
	}
	connMgr.Watch(ctx, connwatch.WatcherConfig{
		Name:    "memory",
		Probe:   mem.Ping,
		Backoff: connwatch.DefaultBackoffConfig(),
		OnReady: func(context.Context) { ag.SetMemoryAvailable(true) },
		OnDown:  func(error) { ag.SetMemoryAvailable(false) },
		Logger:  logger,
	})
	if p, ok := chat.(interface{ Ping(context.Context) error }); ok {
		connMgr.Watch(ctx, connwatch.WatcherConfig{
			Name:    "llm",
			Probe:   p.Ping,
			Backoff: connwatch.DefaultBackoffConfig(),
			Logger:  logger,
		})
	}

	if haWatcher != nil {
		waitCtx, waitCancel := context.WithTimeout(ctx, haStartupWait)
		if err := haWatcher.Wait(waitCtx); err != nil {
			logger.Warn("Home Assistant not reachable yet, initializing without it", "error", err)
		}
		waitCancel()
	}

	if err := ag.Initialize(ctx); err != nil {
		logger.Warn("guardian started degraded", "error", err)
	}
	go ag.Run(ctx)

	// --- State watcher ---
	if haWS != nil {
		limiter := homeassistant.NewEntityRateLimiter(cfg.Guardian.RateLimitPerMinute)
		filter := homeassistant.NewEntityFilter(cfg.HomeAssistant.Entities, logger)
		watcher := homeassistant.NewStateWatcher(haWS.Events(), filter, limiter, ag.HandleStateChange, logger)
		go watcher.Run(ctx)
		logger.Info("state watcher started",
			"rate_limit_per_minute", cfg.Guardian.RateLimitPerMinute,
			"entity_patterns", len(cfg.HomeAssistant.Entities),
		)
	}

	// --- Event forwarding ---
	if ha != nil && cfg.HomeAssistant.ForwardEnabled() {
		go events.NewForwarder(ha, logger, 0).Run(ctx, bus)
		logger.Info("forwarding guardian events to Home Assistant")
	}

	// --- Config reload ---
	// Modules and thresholds stay as loaded at Initialize.
	cfgWatcher := config.NewWatcher(cfgPath, func(c *config.Config) {
		if err := ag.UpdateConfig(ctx, c); err != nil {
			logger.Error("config update rejected", "error", err)
		}
	}, logger)
	go func() {
		if err := cfgWatcher.Run(ctx); err != nil {
			logger.Warn("config hot reload disabled", "error", err)
		}
	}()

	// --- API server ---
	server := api.NewServer(cfg.Listen.Address, cfg.Listen.Port, ag, logger)
	server.SetServiceStatus(connMgr.Status)
	if router != nil {
		server.SetBriefer(router)
	}

	// --- MQTT ---
	var mqttPub *mqtt.Publisher
	if cfg.MQTT.Configured() {
		instanceID, err := mqtt.LoadOrCreateInstanceID(cfg.DataDir)
		if err != nil {
			return fmt.Errorf("mqtt instance id: %w", err)
		}
		mqttPub = mqtt.New(cfg.MQTT, instanceID, mqttStatus{ag}, func(ctx context.Context, mode string) error {
			return ag.SetGuardianMode(ctx, mode, nil)
		}, logger)
		go func() {
			if err := mqttPub.Start(ctx); err != nil {
				logger.Error("mqtt publisher failed", "error", err)
			}
		}()
		logger.Info("mqtt publishing enabled", "broker", cfg.MQTT.Broker, "device_name", cfg.MQTT.DeviceName)
	} else {
		logger.Info("mqtt publishing disabled (not configured)")
	}

	go func() {
		<-ctx.Done()
		logger.Info("shutdown signal received")

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer shutdownCancel()

		ag.Shutdown(shutdownCtx)
		if mqttPub != nil {
			if err := mqttPub.Stop(shutdownCtx); err != nil {
				logger.Error("mqtt shutdown failed", "error", err)
			}
		}
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("api shutdown failed", "error", err)
		}
	}()

	if err := server.Start(ctx); err != nil {
		fmt.Fprintf(stderr, "server failed: %v\n", err)
		return fmt.Errorf("server failed: %w", err)
	}

	logger.Info("Magdala stopped")
	return nil
}

// haReady returns the Home Assistant OnReady callback. Each time HA
// comes back the WebSocket is reconnected, the state_changed
// subscription is ensured, and speakers are rediscovered.
func haReady(ws *homeassistant.WSClient, router *voice.Router, logger *slog.Logger) func(context.Context) {
	return func(ctx context.Context) {
		if ws != nil {
			wsCtx, wsCancel := context.WithTimeout(ctx, 30*time.Second)
			defer wsCancel()
			if err := ws.Reconnect(wsCtx); err != nil {
				logger.Error("WebSocket reconnect failed", "error", err)
			} else if err := ws.Subscribe(wsCtx, "state_changed"); err != nil {
				logger.Error("subscribe to state_changed failed", "error", err)
			}
		}
		if router != nil {
			rCtx, rCancel := context.WithTimeout(ctx, 30*time.Second)
			defer rCancel()
			if err := router.Refresh(rCtx); err != nil {
				logger.Warn("speaker discovery failed", "error", err)
			}
		}
	}
}

// mqttStatus adapts the orchestrator to mqtt.StatusSource.
type mqttStatus struct {
	ag *agent.Agent
}

func (m mqttStatus) GuardianStatus() mqtt.Status {
	s := m.ag.Status()
	return mqtt.Status{
		Mode:               s.Mode,
		ActiveModules:      s.ActiveModules,
		Health:             string(s.Health),
		OpenAlerts:         s.OpenAlerts,
		MemoryCacheEntries: s.MemoryCacheSize,
		Uptime:             s.Uptime,
	}
}

func memoryConfig(cfg *config.Config) memory.Config {
	return memory.Config{
		BaseURL:   cfg.Memory.BaseURL,
		APIKey:    cfg.Memory.APIKey,
		WarmLimit: cfg.Memory.WarmLimit,
	}
}

// newLLMFactory returns the constructor the orchestrator uses to build
// and rebuild its LLM client.
func newLLMFactory(logger *slog.Logger) func(config.LLMConfig) llm.Client {
	return func(c config.LLMConfig) llm.Client {
		return llm.NewChatClient(llm.Config{
			BaseURL:     c.BaseURL,
			APIKey:      c.APIKey,
			Model:       c.Model,
			Temperature: c.Temperature,
			MaxTokens:   c.MaxTokens,
		}, logger)
	}
}

// newLogger creates a structured logger that writes to w at the given
// level and format. Format is "text" or "json"; anything else is text.
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

// loadConfig locates and parses the YAML configuration file.
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
