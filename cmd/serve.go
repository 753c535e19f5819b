package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nextlevelbuilder/nanoclaw/internal/config"
	"github.com/nextlevelbuilder/nanoclaw/internal/container"
	"github.com/nextlevelbuilder/nanoclaw/internal/groups"
	"github.com/nextlevelbuilder/nanoclaw/internal/httpapi"
	"github.com/nextlevelbuilder/nanoclaw/internal/ipc"
	"github.com/nextlevelbuilder/nanoclaw/internal/obs"
	"github.com/nextlevelbuilder/nanoclaw/internal/queue"
	"github.com/nextlevelbuilder/nanoclaw/internal/router"
	"github.com/nextlevelbuilder/nanoclaw/internal/scheduler"
	"github.com/nextlevelbuilder/nanoclaw/internal/store"
	"github.com/nextlevelbuilder/nanoclaw/internal/store/pg"
	"github.com/nextlevelbuilder/nanoclaw/internal/store/sqlite"
)

// drainTimeout bounds how long shutdown waits for live containers to
// finish their current turn before force-killing them.
const drainTimeout = 30 * time.Second

func runServe() {
	logLevel := "info"
	if verbose {
		logLevel = "debug"
	}
	obs.SetupLogging(logLevel, "text")

	cfgPath := resolveConfigPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("failed to load config", "path", cfgPath, "error", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "path", cfgPath, "error", err)
		os.Exit(1)
	}

	// Config may raise the level; the -v flag always wins.
	if !verbose && cfg.Log.Level != "" {
		logLevel = cfg.Log.Level
	}
	obs.SetupLogging(logLevel, cfg.Log.Format)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	tp, err := obs.SetupTracing(ctx, cfg.Telemetry)
	if err != nil {
		slog.Error("tracing setup failed", "error", err)
		os.Exit(1)
	}
	defer func() {
		shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancelShutdown()
		tp.Shutdown(shutdownCtx)
	}()
	tracer := tp.Tracer()

	// Agents run inside containers; without a runtime there is nothing
	// to host.
	if err := container.Probe(ctx, cfg.Container.Runtime); err != nil {
		fmt.Printf("Container runtime %q is not usable: %s\n", cfg.Container.Runtime, err)
		fmt.Println()
		fmt.Println("Install Docker (or set container.runtime / CONTAINER_RUNTIME) and retry.")
		fmt.Println("Run `nanoclaw doctor` for a full environment check.")
		os.Exit(1)
	}

	// Containers from a previous host run keep their name prefix; a
	// crashed host must not leak agents.
	if n, err := container.ReapOrphans(ctx, cfg.Container.Runtime, cfg.Container.NamePrefix); err != nil {
		slog.Warn("orphan reap failed", "error", err)
	} else if n > 0 {
		slog.Info("reaped orphan containers", "count", n)
	}

	stores, err := openStores(cfg)
	if err != nil {
		slog.Error("failed to open store", "driver", cfg.Store.Driver, "error", err)
		os.Exit(1)
	}
	defer stores.Close()

	reg := groups.NewRegistry(stores.Groups, stores.State, cfg.GroupsDir())
	if err := reg.Load(ctx); err != nil {
		slog.Error("failed to load group registry", "error", err)
		os.Exit(1)
	}
	if err := reg.EnsureMain(ctx, cfg.Agent.MainGroupFolder, cfg.Agent.AssistantName); err != nil {
		slog.Error("failed to register main group", "error", err)
		os.Exit(1)
	}

	loc, err := cfg.Location()
	if err != nil {
		slog.Error("invalid timezone", "error", err)
		os.Exit(1)
	}

	rt := router.New()

	q := queue.New(queue.Config{
		IdleTimeout: cfg.IdleTimeout(),
		StdinGrace:  cfg.StdinGrace(),
		KillGrace:   cfg.KillGrace(),
	})
	q.SetObserverFn(rt.HasSubscriber)

	snapshots := container.NewSnapshotWriter(cfg.DataDir(), cfg.Agent.MainGroupFolder, reg, stores.Tasks)
	runner := container.NewRunner(container.Config{
		Runtime:        cfg.Container.Runtime,
		Image:          cfg.Container.Image,
		NamePrefix:     cfg.Container.NamePrefix,
		GroupsDir:      cfg.GroupsDir(),
		DataDir:        cfg.DataDir(),
		EnvPassthrough: cfg.Container.EnvPassthrough,
	}, q, stores.Sessions, snapshots, tracer)

	q.SetProcessPromptFn(makeProcessPromptFn(ctx, cfg, reg, q, runner, rt, stores.Sessions))

	mediator := ipc.New(ipc.Config{
		DataDir:       cfg.DataDir(),
		MainFolder:    cfg.Agent.MainGroupFolder,
		AssistantName: cfg.Agent.AssistantName,
		PollInterval:  cfg.PollInterval(),
		Watch:         cfg.IPC.Watch,
		Location:      loc,
	}, reg, stores.Tasks, rt, tracer)

	sched := scheduler.New(stores.Tasks, reg, q, cfg.TickInterval(), loc, tracer)

	server := httpapi.NewServer(cfg, reg, rt, q, stores.Sessions)

	go func() {
		sig := <-sigCh
		slog.Info("graceful shutdown initiated", "signal", sig)
		cancel()
	}()

	slog.Info("nanoclaw host starting",
		"version", Version,
		"groups", len(reg.List()),
		"main", cfg.Agent.MainGroupFolder,
		"image", cfg.Container.Image,
		"store", cfg.Store.Driver,
	)

	// Tailscale listener: build the mux first, then pass it to
	// initTailscale so the same routes are served on the tailnet.
	mux := server.BuildMux()
	tsCleanup := initTailscale(ctx, cfg, mux)
	if tsCleanup != nil {
		defer tsCleanup()
	}
	if cfg.Tailscale.Enabled && cfg.HTTP.Host == "0.0.0.0" {
		slog.Info("Tailscale enabled. Consider setting HTTP_HOST=127.0.0.1 for localhost-only + tailnet access")
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return mediator.Run(gctx) })
	g.Go(func() error { return sched.Run(gctx) })
	g.Go(func() error { return server.Start(gctx) })

	err = g.Wait()

	// Let in-flight turns finish, then close stdins and escalate.
	q.Shutdown(drainTimeout)

	if err != nil && ctx.Err() == nil {
		slog.Error("host error", "error", err)
		os.Exit(1)
	}
	slog.Info("shutdown complete")
}

// openStores selects the persistence backend from config. The sqlite
// path also runs embedded migrations.
func openStores(cfg *config.Config) (*store.Stores, error) {
	switch cfg.Store.Driver {
	case "sqlite":
		return sqlite.NewStores(cfg.SQLitePath())
	case "postgres":
		return pg.NewStores(cfg.Store.PostgresDSN)
	default:
		return nil, fmt.Errorf("store driver %q not supported", cfg.Store.Driver)
	}
}
