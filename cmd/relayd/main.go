package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"snippet-relay/internal/adapter/broker"
	"snippet-relay/internal/domain"
	"snippet-relay/internal/infra/config"
	"snippet-relay/internal/infra/logger"
	"snippet-relay/internal/infra/middleware"
	"snippet-relay/internal/infra/tracer"
	"snippet-relay/internal/usecase/eventbus"
	"snippet-relay/internal/usecase/launcher"
	"snippet-relay/internal/usecase/presence"
	"snippet-relay/internal/usecase/registry"
	"snippet-relay/internal/usecase/router"
	"snippet-relay/internal/usecase/scheduling"
)

func main() {
	if len(os.Args) >= 2 {
		switch os.Args[1] {
		case "--help", "-h", "help":
			showUsage()
			return
		case "--version", "version":
			fmt.Println("relayd", broker.Version)
			return
		}
	}

	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func showUsage() {
	fmt.Println(`relayd - snippet relay broker

USAGE:
    relayd [FLAGS]

FLAGS:
    -h, --help         Show this help message
    --version          Print the version
    --config PATH      Config file (default: ./relay.yaml)

CONFIGURATION:
    Config file: ./relay.yaml (optional)
    Environment: RELAY_* variables override the file
    RELAY_CONFIG_KEY decrypts enc: tokens in the file`)
}

func configPath() string {
	for i, arg := range os.Args {
		if arg == "--config" && i+1 < len(os.Args) {
			return os.Args[i+1]
		}
		if strings.HasPrefix(arg, "--config=") {
			return strings.TrimPrefix(arg, "--config=")
		}
	}
	if p := os.Getenv("RELAY_CONFIG"); p != "" {
		return p
	}
	return "relay.yaml"
}

func run() error {
	// 1. Config
	cfg, err := config.Load(configPath())
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	// 2. Logger & tracer
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

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// 3. Event bus
	bus := eventbus.New(log)
	defer bus.Close()
	bus.SubscribeAll(func(_ context.Context, e domain.Event) {
		log.Debug("relay event", "type", string(e.Type), "conn_id", e.ConnID)
	})

	// 4. Relay core
	pres := presence.New(logger.Component(log, "presence"))
	reg := registry.New(pres, bus, logger.Component(log, "registry"))
	rt := router.New(reg, bus, router.Config{CallTimeout: cfg.Broker.CallTimeout}, logger.Component(log, "router"))

	srv := broker.NewServer(brokerConfig(cfg), broker.Deps{
		Registry: reg,
		Router:   rt,
		Presence: pres,
		Auth:     buildAuthenticator(cfg.Broker.Auth),
	}, logger.Component(log, "broker"))

	serveErr := make(chan error, 1)
	go func() { serveErr <- srv.Start(ctx) }()

	select {
	case <-srv.Ready():
	case err := <-serveErr:
		return fmt.Errorf("broker: %w", err)
	}

	// 5. Worker launcher
	var wl *launcher.Launcher
	if cfg.Worker.Enabled {
		wl = launcher.New(launcher.Config{
			Command: cfg.Worker.Command,
			Args:    cfg.Worker.Args,
			Dir:     cfg.Worker.Dir,
			Env:     workerEnv(cfg.Worker.Env, srv.BoundAddr(), cfg.Broker.Path),
		}, bus, logger.Component(log, "launcher"))
		if _, err := wl.Launch(ctx); err != nil {
			log.Error("worker launch failed", "error", err)
		}
	}

	// 6. Stats report
	if cfg.Stats.Enabled {
		sched := scheduling.New(logger.Component(log, "scheduler"))
		if err := sched.Add("stats", cfg.Stats.Schedule, scheduling.StatsJob(srv, log)); err != nil {
			return fmt.Errorf("scheduler: %w", err)
		}
		sched.Start(ctx)
		defer sched.Stop()
	}

	// 7. LAN discovery
	if cfg.Discovery.Enabled {
		d := buildDiscoverer(cfg.Discovery, logger.Component(log, "discovery"))
		go func() {
			port := portOf(srv.BoundAddr())
			meta := map[string]string{"version": broker.Version, "path": cfg.Broker.Path}
			if err := d.Advertise(ctx, cfg.Discovery.Instance, port, meta); err != nil {
				log.Warn("discovery disabled", "error", err)
			}
		}()
	}

	log.Info("relayd started",
		"addr", srv.BoundAddr(),
		"path", cfg.Broker.Path,
		"auth", cfg.Broker.Auth.Type != "",
		"worker_launch", cfg.Worker.Enabled,
		"stats", cfg.Stats.Enabled,
		"discovery", cfg.Discovery.Enabled,
	)

	err = <-serveErr

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if wl != nil {
		if stopErr := wl.Stop(shutdownCtx); stopErr != nil {
			log.Error("worker stop failed", "error", stopErr)
		}
	}
	if err != nil {
		return fmt.Errorf("broker: %w", err)
	}
	log.Info("relayd stopped")
	return nil
}

func brokerConfig(cfg *config.Config) broker.Config {
	bc := broker.Config{
		Addr:           cfg.Broker.Addr,
		Path:           cfg.Broker.Path,
		SendQueue:      cfg.Broker.SendQueue,
		WriteTimeout:   cfg.Broker.WriteTimeout,
		MaxMessage:     cfg.Broker.MaxMessage,
		AllowedOrigins: cfg.Broker.AllowedOrigins,
	}
	if rl := cfg.Broker.RateLimit; rl.Enabled {
		bc.CallRate = rl.CallsPerSecond
		bc.CallBurst = rl.Burst
		if rl.ConnectsPerMin > 0 {
			bc.ConnectLimit = &middleware.ConnectLimitConfig{
				PerMinute: rl.ConnectsPerMin,
				Burst:     rl.ConnectBurst,
			}
		}
	}
	return bc
}

func buildAuthenticator(cfg config.AuthConfig) broker.Authenticator {
	if cfg.Type != "static" {
		return nil
	}
	entries := make([]broker.TokenEntry, len(cfg.Tokens))
	for i, t := range cfg.Tokens {
		entries[i] = broker.TokenEntry{Token: t.Token, Name: t.Name}
	}
	return broker.NewStaticTokenAuth(entries)
}

// workerEnv tells the launched worker where to connect.
func workerEnv(base map[string]string, boundAddr, path string) map[string]string {
	env := make(map[string]string, len(base)+1)
	for k, v := range base {
		env[k] = v
	}
	if _, ok := env["RELAY_URL"]; !ok {
		env["RELAY_URL"] = "ws://" + dialAddr(boundAddr) + path
	}
	return env
}

// dialAddr turns a listen address into one a local process can dial.
func dialAddr(addr string) string {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	if ip := net.ParseIP(host); host == "" || (ip != nil && ip.IsUnspecified()) {
		host = "127.0.0.1"
	}
	return net.JoinHostPort(host, port)
}

func portOf(addr string) int {
	_, port, err := net.SplitHostPort(addr)
	if err != nil {
		return 0
	}
	p, _ := strconv.Atoi(port)
	return p
}
