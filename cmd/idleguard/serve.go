package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/idleguard/idleguard/internal/config"
	"github.com/idleguard/idleguard/internal/frontend"
	"github.com/idleguard/idleguard/internal/guard"
	"github.com/idleguard/idleguard/internal/health"
	"github.com/idleguard/idleguard/internal/logging"
	"github.com/idleguard/idleguard/internal/mock"
	"github.com/idleguard/idleguard/internal/session"
	"github.com/idleguard/idleguard/internal/stats"
	"github.com/idleguard/idleguard/internal/ws"
)

var (
	serveConfig  string
	servePort    int
	serveMock    bool
	serveVerbose bool
	serveDev     string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the idleguard server",
	Long: `Run the idleguard server: the websocket endpoint hosts log in on, the
REST API and the embedded browser host page.

The config file is YAML, or TOML when it ends in .toml. A missing file means
the built-in defaults. Timeouts, rate limits, privacy masks and the log level
are reloaded when the file changes.

Examples:
  idleguard serve
  idleguard serve --config /etc/idleguard.toml --port 9000
  idleguard serve --mock -v`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().StringVarP(&serveConfig, "config", "c", "config.yaml", "path to the config file")
	serveCmd.Flags().IntVarP(&servePort, "port", "p", 0, "override server.port")
	serveCmd.Flags().BoolVar(&serveMock, "mock", false, "drive synthetic hosts through the guard")
	serveCmd.Flags().BoolVarP(&serveVerbose, "verbose", "v", false, "debug logging")
	serveCmd.Flags().StringVar(&serveDev, "dev", "", "serve the browser page from this directory instead of the binary")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadOrDefault(serveConfig)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if servePort > 0 {
		cfg.Server.Port = servePort
	}
	if serveMock {
		cfg.Guard.IdleTimeout = cfg.Mock.IdleTimeout
	}

	level := cfg.Log.Level
	if serveVerbose {
		level = "debug"
	}
	logger, atom, err := logging.New(logging.Options{Level: level, JSON: cfg.Log.JSON})
	if err != nil {
		return err
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store := session.NewStore()
	bc := ws.NewBroadcaster(store, cfg.Broadcast.Throttle, cfg.Broadcast.SnapshotInterval, cfg.Server.MaxClients, logger)
	defer bc.Stop()
	bc.SetPrivacyFilter(cfg.Privacy.NewPrivacyFilter())

	manager := guard.NewManager(store, bc, guard.Options{
		IdleTimeout: cfg.Guard.IdleTimeout,
		Retention:   cfg.Guard.Retention,
		LoginRate:   cfg.Guard.LoginRate,
		LoginBurst:  cfg.Guard.LoginBurst,
		Logger:      logger,
	})

	var page http.Handler
	if serveDev != "" {
		logger.Info("serving browser page from disk", zap.String("dir", serveDev))
		page = frontend.DirHandler(serveDev)
	} else {
		page = frontend.Handler()
	}
	server := ws.NewServer(cfg, manager, bc, page, logger)

	collector, err := health.NewCollector(func() (int, int, int) {
		return len(manager.Sessions()), manager.Live(), bc.ClientCount()
	})
	if err != nil {
		logger.Warn("process health unavailable", zap.Error(err))
	} else {
		server.SetHealth(collector)
	}

	g, ctx := errgroup.WithContext(ctx)

	if cfg.Stats.Enabled {
		tracker, events, err := stats.NewTracker(stats.NewStore(cfg.Stats.Dir), logger)
		if err != nil {
			return fmt.Errorf("loading stats: %w", err)
		}
		manager.SetEvents(events)
		server.SetStats(tracker)
		g.Go(func() error {
			tracker.Run(ctx)
			return nil
		})
	}

	g.Go(func() error {
		manager.Start(ctx, cfg.Guard.PruneInterval)
		return nil
	})

	if _, err := os.Stat(serveConfig); err == nil {
		w := config.NewWatcher(serveConfig, cfg, func(_, next *config.Config) {
			applyConfig(next, manager, bc, server, atom, logger)
		}, logger.Named("config"))
		g.Go(func() error {
			return w.Run(ctx)
		})
	} else {
		logger.Info("no config file, using defaults", zap.String("path", serveConfig))
	}

	if serveMock {
		logger.Info("starting in mock mode", zap.Duration("idle_timeout", cfg.Guard.IdleTimeout))
		gen := mock.NewGenerator(manager, cfg.Mock.TickInterval, logger)
		g.Go(func() error {
			gen.Start(ctx)
			return nil
		})
	}

	g.Go(func() error {
		return server.ListenAndServe(ctx, cfg.Server.Host, cfg.Server.Port)
	})

	err = g.Wait()
	if errors.Is(err, http.ErrServerClosed) || errors.Is(err, context.Canceled) {
		err = nil
	}
	logger.Info("shut down")
	return err
}

// applyConfig pushes the hot-reloadable settings of a reloaded config into
// the running components.
func applyConfig(cfg *config.Config, manager *guard.Manager, bc *ws.Broadcaster, server *ws.Server, atom zap.AtomicLevel, logger *zap.Logger) {
	if !serveMock {
		if err := manager.SetTimeout(cfg.Guard.IdleTimeout); err != nil {
			logger.Warn("idle timeout not applied", zap.Error(err))
		}
	}
	manager.SetRetention(cfg.Guard.Retention)
	manager.SetLoginLimit(cfg.Guard.LoginRate, cfg.Guard.LoginBurst)
	bc.SetThrottle(cfg.Broadcast.Throttle)
	bc.SetMaxConns(cfg.Server.MaxClients)
	bc.SetPrivacyFilter(cfg.Privacy.NewPrivacyFilter())

	if !serveVerbose {
		if lvl, err := logging.ParseLevel(cfg.Log.Level); err == nil {
			atom.SetLevel(lvl)
		}
	}
	server.SetConfig(cfg)
}
