package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"dispatch/internal/adapter/gateway"
	"dispatch/internal/adapter/store"
	"dispatch/internal/domain"
	"dispatch/internal/infra/config"
	"dispatch/internal/infra/logger"
	"dispatch/internal/infra/tracer"
	"dispatch/internal/usecase/eventbus"
	"dispatch/internal/usecase/routing"
	"dispatch/internal/usecase/scheduling"
)

func main() {
	// Handle help flag first
	if len(os.Args) >= 2 {
		switch os.Args[1] {
		case "--help", "-h", "help":
			showUsage()
			return
		}
	}

	if len(os.Args) < 2 || strings.HasPrefix(os.Args[1], "-") {
		if err := run(); err != nil {
			fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
			os.Exit(1)
		}
		return
	}

	switch os.Args[1] {
	case "validate":
		if err := runValidate(); err != nil {
			fmt.Fprintf(os.Stderr, "validate: %v\n", err)
			os.Exit(1)
		}
	case "encrypt":
		if err := runEncrypt(); err != nil {
			fmt.Fprintf(os.Stderr, "encrypt: %v\n", err)
			os.Exit(1)
		}
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\nRun 'dispatchd --help' for usage information.\n", os.Args[1])
		os.Exit(1)
	}
}

func showUsage() {
	fmt.Println(`dispatchd - classification-driven message routing daemon

USAGE:
    dispatchd [COMMAND] [FLAGS]

COMMANDS:
    validate    Check the config file and print a summary
    encrypt     Encrypt a secret for use in the config file
                (requires DISPATCH_CONFIG_KEY)

    (no command) - Run the routing daemon

FLAGS:
    -h, --help         Show this help message
    --config PATH      Config file path (default: ./config.yaml)

CONFIGURATION:
    Config file: ./config.yaml
    Environment: DISPATCH_* variables override config

EXAMPLES:
    dispatchd                                   # Run with config.yaml
    dispatchd --config /etc/dispatch/config.yaml
    dispatchd validate                          # Check config without starting
    DISPATCH_CONFIG_KEY=pass dispatchd encrypt my-token`)
}

func showFirstRunMessage() {
	fmt.Println(`No configuration found.

dispatchd needs a config file with at least one agent. Create config.yaml:

agents:
  - id: qb-lucy
    name: QB Lucy
  - id: dr-match
    name: Dr Match

gateway:
  enabled: true
  addr: ":8090"
  auth:
    type: static
    tokens:
      - token: change-me
        name: admin

Then run dispatchd again, or point --config at an existing file.`)
}

func run() error {
	// 1. Config
	cfgPath := configPath()
	if _, err := os.Stat(cfgPath); os.IsNotExist(err) {
		showFirstRunMessage()
		return nil
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	// 2. Logger & Tracer
	log, logCloser, err := logger.New(cfg.Logger)
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	defer logCloser()

	ctx := context.Background()
	tracerShutdown, err := tracer.Setup(ctx, cfg.Tracer)
	if err != nil {
		return fmt.Errorf("tracer: %w", err)
	}
	defer tracerShutdown(ctx)

	// 3. Store (sqlite behind a circuit breaker for workload persistence)
	sqlStore, err := store.New(cfg.Store.Path)
	if err != nil {
		return fmt.Errorf("store: %w", err)
	}
	workloads := store.NewBreakerStore(sqlStore, cfg.Store.Breaker, log)
	defer workloads.Close()

	// 4. Event bus
	bus := eventbus.New(log)
	defer bus.Close()

	// 5. Agent registry, restoring persisted workloads
	registry, err := routing.Load(ctx, agentsFromConfig(cfg.Agents), workloads, log)
	if err != nil {
		return fmt.Errorf("registry: %w", err)
	}

	// 6. Strategy, dedupe, router
	strategy, err := routing.NewStrategy(cfg.Routing.Strategy, registry)
	if err != nil {
		return fmt.Errorf("strategy: %w", err)
	}

	var deduper *routing.Deduper
	if cfg.Routing.Dedupe.Enabled {
		deduper = routing.NewDeduper(cfg.Routing.Dedupe.Window, cfg.Routing.Dedupe.MaxEntries)
	}

	router := routing.NewRouter(routing.RouterDeps{
		Registry:  registry,
		Strategy:  strategy,
		Tasks:     sqlStore,
		Workloads: workloads,
		Deduper:   deduper,
		Bus:       bus,
		Overrides: routing.Overrides{
			FastAgent:       cfg.Routing.Overrides.FastAgent,
			MatchAgent:      cfg.Routing.Overrides.MatchAgent,
			MatchFrameworks: cfg.Routing.Overrides.MatchFrameworks,
		},
		Logger: log,
	})

	// 7. Scheduler with the workload write-back task
	sched := scheduling.NewScheduler(log)
	if cfg.Routing.Reconcile.Enabled {
		reconciler := routing.NewReconciler(registry, workloads, bus, log)
		err := sched.Add(scheduling.Task{
			Name:     routing.ReconcileTaskName,
			Schedule: cfg.Routing.Reconcile.Schedule,
			Run: func(ctx context.Context) error {
				reconciler.Run(ctx)
				return nil
			},
		})
		if err != nil {
			return fmt.Errorf("scheduler: %w", err)
		}
	}

	// 8. Gateway
	var gw *gateway.Server
	if cfg.Gateway.Enabled {
		auth := gateway.NewStaticTokenAuth(cfg.Gateway.Auth.Tokens)
		gw = gateway.NewServer(bus, auth, cfg.Gateway, log)
		deps := gateway.HandlerDeps{
			Router:    router,
			Tasks:     sqlStore,
			Store:     workloads,
			Scheduler: sched,
			Bus:       bus,
			Logger:    log,
		}
		gateway.RegisterDefaultHandlers(gw, deps)
		gateway.RegisterRESTHandlers(gw, deps)
	}

	// 9. Graceful shutdown
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// 10. Start scheduler
	if err := sched.Start(ctx); err != nil {
		return fmt.Errorf("scheduler: %w", err)
	}
	defer sched.Stop()

	log.Info("dispatch starting",
		"agents", registry.Len(),
		"strategy", cfg.Routing.Strategy,
		"dedupe", cfg.Routing.Dedupe.Enabled,
		"reconcile", cfg.Routing.Reconcile.Enabled,
		"gateway", cfg.Gateway.Enabled,
	)

	// 11. Serve until signalled
	if gw != nil {
		return gw.Start(ctx)
	}
	<-ctx.Done()
	return nil
}

func configPath() string {
	// Check --config flag in os.Args.
	for i, arg := range os.Args {
		if arg == "--config" && i+1 < len(os.Args) {
			return os.Args[i+1]
		}
		if strings.HasPrefix(arg, "--config=") {
			return strings.TrimPrefix(arg, "--config=")
		}
	}
	if p := os.Getenv("DISPATCH_CONFIG"); p != "" {
		return p
	}
	return "config.yaml"
}

// agentsFromConfig maps config agents to domain agents. The registry
// normalizes defaults at registration.
func agentsFromConfig(agents []config.AgentConfig) []domain.Agent {
	out := make([]domain.Agent, 0, len(agents))
	for _, a := range agents {
		out = append(out, domain.Agent{
			ID:           a.ID,
			Name:         a.Name,
			Enabled:      a.IsEnabled(),
			Capabilities: a.Capabilities,
			MaxLoad:      a.MaxLoad,
			Weight:       a.Weight,
		})
	}
	return out
}

func runValidate() error {
	cfgPath := configPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return err
	}

	enabled := 0
	for _, a := range cfg.Agents {
		if a.IsEnabled() {
			enabled++
		}
	}

	fmt.Printf("%s: OK\n", cfgPath)
	fmt.Printf("  agents:    %d (%d enabled)\n", len(cfg.Agents), enabled)
	fmt.Printf("  strategy:  %s\n", cfg.Routing.Strategy)
	fmt.Printf("  dedupe:    %v\n", cfg.Routing.Dedupe.Enabled)
	fmt.Printf("  reconcile: %v", cfg.Routing.Reconcile.Enabled)
	if cfg.Routing.Reconcile.Enabled {
		fmt.Printf(" (%s)", cfg.Routing.Reconcile.Schedule)
	}
	fmt.Println()
	fmt.Printf("  store:     %s\n", cfg.Store.Path)
	if cfg.Gateway.Enabled {
		fmt.Printf("  gateway:   %s (%d tokens)\n", cfg.Gateway.Addr, len(cfg.Gateway.Auth.Tokens))
	} else {
		fmt.Printf("  gateway:   disabled\n")
	}
	return nil
}

func runEncrypt() error {
	if len(os.Args) < 3 {
		fmt.Fprintln(os.Stderr, "Usage: dispatchd encrypt <value>")
		os.Exit(1)
	}

	passphrase := os.Getenv("DISPATCH_CONFIG_KEY")
	if passphrase == "" {
		return fmt.Errorf("DISPATCH_CONFIG_KEY must be set")
	}

	encrypted, err := config.EncryptValue(os.Args[2], passphrase)
	if err != nil {
		return fmt.Errorf("encrypt: %w", err)
	}
	fmt.Println(encrypted)
	return nil
}
