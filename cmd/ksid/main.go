// Command ksid runs the KSI event-routing daemon: a Unix-socket front door
// over an in-process event bus, completion request serialization, agent
// population management, and injection/observation services.
//
// # Configuration
//
// Environment variables:
//
//	KSI_DAEMON_SOCKET        - Unix socket path (default: "/tmp/ksid.sock")
//	KSI_LOG_LEVEL            - "debug" enables debug output; any other value logs at info (default: "info")
//	KSI_LOG_JSON             - "true" to force JSON log output (default: "false")
//	KSI_STATE_DIR            - directory for async_state.db (default: "./var")
//	KSI_RESPONSE_LOG_DIR     - directory for per-session response JSONL (default: "./var/responses")
//	KSI_SANDBOX_ROOT         - directory under which agent sandboxes are created (default: "./var/sandbox")
//	KSI_MAX_HISTORY          - event history ring buffer size (default: 1000)
//	KSI_CORRELATION_TIMEOUT  - default correlation-future timeout (default: "30s")
//	KSI_PLUGIN_DIR           - reserved for future external plugin loading (default: "")
//	KSI_QUEUE_GC_TTL         - injection/async-state pruning interval (default: "5m")
//	KSI_MAX_CONNS            - maximum concurrent socket connections, 0 = unlimited (default: 0)
//	KSI_PROVIDER_COMMAND     - completion provider command and args, space separated (default: "claude --print --output-format json")
//	KSI_PROVIDER_MODEL       - default model passed to the provider (default: "")
//
// # Example
//
//	KSI_DAEMON_SOCKET=/tmp/ksid.sock ksid --foreground
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"goa.design/clue/log"

	"github.com/ksi-project/ksid/internal/agentsvc"
	"github.com/ksi-project/ksid/internal/bus"
	"github.com/ksi-project/ksid/internal/completion"
	"github.com/ksi-project/ksid/internal/composition"
	"github.com/ksi-project/ksid/internal/injection"
	"github.com/ksi-project/ksid/internal/observation"
	"github.com/ksi-project/ksid/internal/provider"
	"github.com/ksi-project/ksid/internal/registry"
	"github.com/ksi-project/ksid/internal/state"
	"github.com/ksi-project/ksid/internal/telemetry"
	"github.com/ksi-project/ksid/internal/transport"
)

var (
	// Version is the daemon's build version, overridden at build time
	// via -ldflags.
	Version = "dev"

	foreground bool
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "ksid:", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "ksid",
	Short:   "KSI event-routing daemon",
	Version: Version,
	RunE: func(cmd *cobra.Command, args []string) error {
		return run(logContext(cmd.Context()))
	},
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("ksid version %s\n", Version))
	rootCmd.Flags().BoolVar(&foreground, "foreground", false, "run in the foreground (daemon has no other mode; flag kept for operator familiarity)")
	rootCmd.AddCommand(versionCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the daemon version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println(Version)
	},
}

// logContext installs the clue logging format and debug flag into ctx
// before anything else runs, mirroring the teacher's main()'s
// log.Context/log.WithFormat/log.WithDebug setup. ClueLogger reads these
// settings back out of the context on every call.
func logContext(ctx context.Context) context.Context {
	format := log.FormatJSON
	if !envBoolOr("KSI_LOG_JSON", false) && log.IsTerminal() {
		format = log.FormatTerminal
	}
	ctx = log.Context(ctx, log.WithFormat(format))
	if envOr("KSI_LOG_LEVEL", "info") == "debug" {
		ctx = log.Context(ctx, log.WithDebug())
	}
	return ctx
}

func run(ctx context.Context) error {
	cfg := loadConfig()

	ksiLog := telemetry.NewClueLogger()
	met := telemetry.NewClueMetrics()

	if err := os.MkdirAll(cfg.stateDir, 0o755); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}
	if err := os.MkdirAll(cfg.responseLogDir, 0o755); err != nil {
		return fmt.Errorf("create response log dir: %w", err)
	}
	if err := os.MkdirAll(cfg.sandboxRoot, 0o755); err != nil {
		return fmt.Errorf("create sandbox root: %w", err)
	}

	async, err := state.OpenAsyncStateStore(cfg.stateDir+"/async_state.db", ksiLog)
	if err != nil {
		return fmt.Errorf("open async state store: %w", err)
	}
	defer async.Close()

	b := bus.New(
		bus.WithLogger(ksiLog),
		bus.WithMetrics(met),
		bus.WithMaxHistory(cfg.maxHistory),
		bus.WithDefaultTimeout(cfg.correlationTimeout),
	)

	reg := registry.New(b, ksiLog)
	registry.Version = Version

	kv := state.NewStore()
	injections := injection.New(async, ksiLog)
	observer := observation.New(b, async, ksiLog)
	profiles := composition.New()
	if err := registerStarterProfiles(profiles); err != nil {
		return fmt.Errorf("register starter profiles: %w", err)
	}

	agents := agentsvc.New(cfg.sandboxRoot, ksiLog,
		agentsvc.WithPromptResolver(promptAdapter{profiles}),
		agentsvc.WithBus(b),
	)
	b.SetAncestryResolver(agents)

	cliProvider := provider.New(strings.Fields(cfg.providerCommand), cfg.providerModel)
	completions := completion.New(b, cliProvider, injections, cfg.responseLogDir,
		completion.WithLogger(ksiLog),
		completion.WithMetrics(met),
	)

	srv := transport.New(cfg.socketPath, b, ksiLog, cfg.maxConns)

	for _, m := range []struct {
		name       string
		reloadable bool
		factory    func(r *registry.Registry) ([]registry.Registration, error)
	}{
		{"state", false, state.Module(kv, async)},
		{"agent", true, agentsvc.Module(agents)},
		{"injection", false, injection.Module(injections)},
		{"observation", false, observation.Module(observer)},
		{"completion", false, completion.Module(completions)},
		{"composition", true, composition.Module(profiles)},
	} {
		if err := reg.RegisterModule(m.name, m.reloadable, m.factory); err != nil {
			return fmt.Errorf("register module %s: %w", m.name, err)
		}
	}
	if err := reg.Bind(); err != nil {
		return fmt.Errorf("bind introspection handlers: %w", err)
	}

	pruneCtx, cancelPrune := context.WithCancel(context.Background())
	defer cancelPrune()
	go async.RunPruner(pruneCtx, cfg.queueGCTTL)

	registerShutdownHandler(reg)

	if err := srv.Start(); err != nil {
		return fmt.Errorf("start transport: %w", err)
	}
	ksiLog.Info(ctx, "ksid started", "socket", cfg.socketPath, "version", Version)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	ksiLog.Info(ctx, "shutdown signal received")
	shutdown(completions, srv, cancelPrune, cfg.shutdownGrace, ksiLog)
	return nil
}

// registerStarterProfiles wires the default composition profiles available
// on a fresh daemon. These are intentionally minimal; operators layer their
// own compositions on top by registering through a future external
// composition library (spec §6.3's "external, out of scope here").
func registerStarterProfiles(r *composition.Resolver) error {
	return r.Register(composition.Profile{
		Name:            "default",
		PermissionLevel: "standard",
		AllowedEvents:   []string{"*"},
		PromptTemplate:  "You are a KSI agent.",
	})
}

// promptAdapter satisfies agentsvc.PromptResolver by discarding the
// composition metadata composition.Resolver.Resolve returns and keeping
// only the rendered prompt agent:spawn needs.
type promptAdapter struct {
	resolver *composition.Resolver
}

func (p promptAdapter) Resolve(name string, variables map[string]any) (string, error) {
	resolved, err := p.resolver.Resolve(name, variables)
	if err != nil {
		return "", err
	}
	return resolved.ResolvedPrompt, nil
}

// registerShutdownHandler installs system:shutdown. The handler itself only
// signals the process; run's signal-wait loop picks that signal up and
// drives the actual drain-and-stop sequence in shutdown, so every shutdown
// path (operator Ctrl-C or an event from a connected client) goes through
// one teardown routine.
func registerShutdownHandler(reg *registry.Registry) {
	_, _ = reg.Register(registry.Registration{
		EventName: "system:shutdown",
		Module:    "system",
		Summary:   "Initiates graceful daemon shutdown: cancels in-flight completions, drains the socket, and stops background workers.",
		Fn: func(ctx *bus.Context, data map[string]any) (map[string]any, error) {
			go func() {
				p, err := os.FindProcess(os.Getpid())
				if err == nil {
					_ = p.Signal(syscall.SIGTERM)
				}
			}()
			return map[string]any{"status": "shutting down"}, nil
		},
	})
}

// shutdown cancels every in-flight completion, waits up to grace for
// workers to finish or drop the request, then stops the socket and the
// background pruner.
func shutdown(completions *completion.Service, srv *transport.Server, cancelPrune context.CancelFunc, grace time.Duration, ksiLog telemetry.Logger) {
	active, _ := completions.StatusSnapshot()
	for _, a := range active {
		completions.Cancel(a.RequestID)
	}

	deadline := time.Now().Add(grace)
	for time.Now().Before(deadline) {
		active, _ := completions.StatusSnapshot()
		if len(active) == 0 {
			break
		}
		time.Sleep(50 * time.Millisecond)
	}

	if err := srv.Stop(); err != nil {
		ksiLog.Warn(context.Background(), "error stopping transport", "error", err)
	}
	cancelPrune()
}

type config struct {
	socketPath         string
	logLevel           string
	logJSON            bool
	stateDir           string
	responseLogDir     string
	sandboxRoot        string
	maxHistory         int
	correlationTimeout time.Duration
	pluginDir          string
	queueGCTTL         time.Duration
	maxConns           int
	providerCommand    string
	providerModel      string
	shutdownGrace      time.Duration
}

func loadConfig() config {
	return config{
		socketPath:         envOr("KSI_DAEMON_SOCKET", "/tmp/ksid.sock"),
		logLevel:           envOr("KSI_LOG_LEVEL", "info"),
		logJSON:            envBoolOr("KSI_LOG_JSON", false),
		stateDir:           envOr("KSI_STATE_DIR", "./var"),
		responseLogDir:     envOr("KSI_RESPONSE_LOG_DIR", "./var/responses"),
		sandboxRoot:        envOr("KSI_SANDBOX_ROOT", "./var/sandbox"),
		maxHistory:         envIntOr("KSI_MAX_HISTORY", 1000),
		correlationTimeout: envDurationOr("KSI_CORRELATION_TIMEOUT", 30*time.Second),
		pluginDir:          envOr("KSI_PLUGIN_DIR", ""),
		queueGCTTL:         envDurationOr("KSI_QUEUE_GC_TTL", 5*time.Minute),
		maxConns:           envIntOr("KSI_MAX_CONNS", 0),
		providerCommand:    envOr("KSI_PROVIDER_COMMAND", "claude --print --output-format json"),
		providerModel:      envOr("KSI_PROVIDER_MODEL", ""),
		shutdownGrace:      envDurationOr("KSI_SHUTDOWN_GRACE", 10*time.Second),
	}
}

// envOr returns the environment variable value or a default.
func envOr(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

// envIntOr returns the environment variable as int or a default.
func envIntOr(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return defaultVal
}

// envDurationOr returns the environment variable as duration or a default.
func envDurationOr(key string, defaultVal time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultVal
}

// envBoolOr returns the environment variable as bool or a default.
func envBoolOr(key string, defaultVal bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return defaultVal
}
