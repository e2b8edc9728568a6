package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/odvcencio/missionctl/pkg/api"
	"github.com/odvcencio/missionctl/pkg/bridge"
	"github.com/odvcencio/missionctl/pkg/bus"
	"github.com/odvcencio/missionctl/pkg/config"
	"github.com/odvcencio/missionctl/pkg/events"
	"github.com/odvcencio/missionctl/pkg/hub"
	"github.com/odvcencio/missionctl/pkg/logging"
	"github.com/odvcencio/missionctl/pkg/mission"
	"github.com/odvcencio/missionctl/pkg/storage"
	"github.com/odvcencio/missionctl/pkg/telemetry"
	"github.com/odvcencio/missionctl/pkg/workspace"
)

type serveOptions struct {
	listen string
}

func newServeCmd(root *rootOptions) *cobra.Command {
	opts := &serveOptions{}
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the control plane API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfigFn(root.configPath)
			if err != nil {
				return withExitCode(err, exitConfig)
			}
			if opts.listen != "" {
				cfg.Server.Listen = opts.listen
				if err := cfg.Validate(); err != nil {
					return withExitCode(err, exitConfig)
				}
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			var out io.Writer = os.Stderr
			if cfg.Log.Dir != "" {
				file, err := logging.NewDailyFile(cfg.Log.Dir)
				if err != nil {
					return withExitCode(err, exitStartup)
				}
				defer file.Close()
				out = io.MultiWriter(os.Stderr, file)
			}
			logger := logging.New(logging.Options{Level: cfg.Log.Level, Format: cfg.Log.Format, Output: out})
			a, err := newApp(ctx, cfg, logger)
			if err != nil {
				return withExitCode(err, exitStartup)
			}
			return a.run(ctx)
		},
	}
	cmd.Flags().StringVar(&opts.listen, "listen", "", "address to listen on (overrides server.listen)")
	return cmd
}

// app is one wired control plane process.
type app struct {
	cfg    *config.Config
	logger *slog.Logger

	db         *storage.Store
	tracer     *telemetry.TracerProvider
	bus        bus.MessageBus
	workspaces *workspace.Manager
	missions   *mission.Orchestrator
	server     *api.Server
	listener   net.Listener
}

// newApp opens storage, reconciles state left by a previous process and
// wires every component. On error everything opened so far is closed.
func newApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (a *app, err error) {
	a = &app{cfg: cfg, logger: logger}
	defer func() {
		if err != nil {
			a.close(context.Background())
		}
	}()

	if cfg.Telemetry.Tracing {
		opts := telemetry.TracingOptions{ServiceName: cfg.Telemetry.ServiceName, Version: version}
		if cfg.Telemetry.TraceStdout {
			opts = telemetry.StdoutTracing(cfg.Telemetry.ServiceName, cfg.Telemetry.TracePrettyOut)
			opts.Version = version
		}
		if a.tracer, err = telemetry.NewTracerProvider(opts); err != nil {
			return nil, err
		}
	}

	if a.db, err = storage.New(cfg.Storage.Path); err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}

	wsOpts := []workspace.Option{workspace.WithLogger(logger)}
	if cfg.Workspaces.Container.Enabled {
		wsOpts = append(wsOpts, workspace.WithProvisioner(workspace.TypeContainer,
			workspace.NewContainerProvisioner(cfg.Workspaces, nil, logger)))
	}
	a.workspaces = workspace.NewManager(workspace.NewStore(a.db.DB()), wsOpts...)
	n, err := a.workspaces.Recover(ctx)
	if err != nil {
		return nil, fmt.Errorf("recover workspaces: %w", err)
	}
	if n > 0 {
		logger.Warn("reconciled interrupted workspaces", "count", n)
	}

	h := hub.NewHub(
		hub.WithBufferSize(cfg.Hub.BufferSize),
		hub.WithLogger(logger),
		hub.WithOverflowHook(telemetry.HubOverflow),
	)
	if cfg.Bus.Enabled {
		nb, err := bus.NewNATSBus(bus.Config{
			URL:           cfg.Bus.URL,
			Name:          cfg.Telemetry.ServiceName,
			Token:         cfg.Bus.Token,
			Timeout:       bus.DefaultConfig().Timeout,
			ReconnectWait: cfg.Bus.ReconnectWait,
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("connect event bus: %w", err)
		}
		a.bus = nb
		h.AddForwarder(bus.NewMirror(nb, cfg.Bus.SubjectPrefix, logger))
	}

	client, err := bridge.NewClient(bridge.Options{
		BaseURL:        cfg.Bridge.BaseURL,
		Token:          cfg.Bridge.Token,
		MaxRetries:     cfg.Bridge.MaxRetries,
		BackoffInitial: cfg.Bridge.BackoffInitial,
		BackoffMax:     cfg.Bridge.BackoffMax,
		RequestTimeout: cfg.Bridge.RequestTimeout,
		Logger:         logger,
	})
	if err != nil {
		return nil, fmt.Errorf("bridge client: %w", err)
	}

	a.missions, err = mission.NewOrchestrator(mission.Options{
		Store:      mission.NewStore(a.db.DB()),
		Events:     events.NewStore(a.db.DB()),
		Hub:        h,
		Workspaces: a.workspaces,
		Bridge:     client,
		Config:     cfg.Missions,
		Logger:     logger,
	})
	if err != nil {
		return nil, err
	}
	if n, err = a.missions.Recover(ctx); err != nil {
		return nil, fmt.Errorf("recover missions: %w", err)
	}
	if n > 0 {
		logger.Warn("failed missions orphaned by restart", "count", n)
	}

	a.server = api.NewServer(api.ServerConfig{
		Address:        cfg.Server.Listen,
		API:            cfg.API,
		Missions:       a.missions,
		Workspaces:     a.workspaces,
		Logger:         logger,
		Ready:          a.db.Ping,
		DisableMetrics: !cfg.Telemetry.Metrics,
	})
	if a.listener, err = net.Listen("tcp", cfg.Server.Listen); err != nil {
		return nil, fmt.Errorf("listen on %s: %w", cfg.Server.Listen, err)
	}
	return a, nil
}

// run serves until ctx ends, then shuts down in dependency order.
func (a *app) run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.logger.Info("missionctl listening", "addr", a.listener.Addr().String(), "version", version)
		return a.server.Serve(a.listener)
	})
	g.Go(func() error {
		<-gctx.Done()
		timeout := a.cfg.Server.ShutdownTimeout
		if timeout <= 0 {
			timeout = 5 * time.Second
		}
		// Missions get their cancel grace on top of the HTTP drain.
		shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout+a.cfg.Missions.CancelGrace)
		defer cancel()
		a.close(shutdownCtx)
		return nil
	})
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	a.logger.Info("missionctl stopped")
	return nil
}

// close tears components down in reverse dependency order. Stopping the
// orchestrator first records terminal statuses, which also ends live streams.
func (a *app) close(ctx context.Context) {
	if a.missions != nil {
		if err := a.missions.Shutdown(ctx); err != nil {
			a.logger.Warn("missions did not stop in time", "error", err)
		}
	}
	if a.server != nil {
		if err := a.server.Shutdown(ctx); err != nil {
			a.logger.Warn("api shutdown", "error", err)
		}
	} else if a.listener != nil {
		_ = a.listener.Close()
	}
	if a.workspaces != nil {
		_ = a.workspaces.Close()
	}
	if a.bus != nil {
		if err := a.bus.Close(); err != nil {
			a.logger.Warn("event bus close", "error", err)
		}
	}
	if a.tracer != nil {
		if err := a.tracer.Shutdown(ctx); err != nil {
			a.logger.Warn("tracer shutdown", "error", err)
		}
	}
	if a.db != nil {
		if err := a.db.Close(); err != nil {
			a.logger.Warn("storage close", "error", err)
		}
	}
}
