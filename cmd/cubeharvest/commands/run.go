package commands

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/cubeharvest/cubeharvest/pkg/api"
	"github.com/cubeharvest/cubeharvest/pkg/cluster"
	"github.com/cubeharvest/cubeharvest/pkg/config"
	"github.com/cubeharvest/cubeharvest/pkg/engine"
	"github.com/cubeharvest/cubeharvest/pkg/manifest"
	"github.com/cubeharvest/cubeharvest/pkg/observer"
	"github.com/cubeharvest/cubeharvest/pkg/policy"
	"github.com/cubeharvest/cubeharvest/pkg/stores"
	"github.com/cubeharvest/cubeharvest/pkg/telemetry"
)

func newRunCommand(version string) *cobra.Command {
	var (
		noChaos bool
		listen  string
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the game server",
		Long: `Run the game server against the configured cluster.

The server supervises:
  - the reconciliation loop and its economy ticks
  - the state observer watching nodes and unit pods
  - the chaos injector
  - the HTTP API and websocket snapshot stream
  - config and policy file watchers for hot reload
  - the optional SQLite journal and NATS event sink`,
		Example: `  # Run with defaults against the current kubeconfig context
  cubeharvest run

  # Run with a config file and no chaos
  cubeharvest run --config game.yaml --no-chaos

  # Serve the API on another port
  cubeharvest run --listen :9090`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			applyRunFlags(cfg, listen, noChaos, version)
			return runServer(cmd.Context(), cfg)
		},
	}

	cmd.Flags().BoolVar(&noChaos, "no-chaos", false, "disable the chaos injector")
	cmd.Flags().StringVar(&listen, "listen", "", "API listen address (overrides config)")

	return cmd
}

// applyRunFlags lays command-line overrides over the loaded config.
func applyRunFlags(cfg *config.Config, listen string, noChaos bool, version string) {
	if listen != "" {
		cfg.API.Listen = listen
	}
	if noChaos {
		cfg.Chaos.Enabled = false
	}
	if cfg.Telemetry.ServiceVersion == "" || cfg.Telemetry.ServiceVersion == "dev" {
		cfg.Telemetry.ServiceVersion = version
	}
}

func runServer(ctx context.Context, cfg *config.Config) error {
	tel, err := telemetry.NewTelemetry(&cfg.Telemetry)
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	logger := tel.Logger.NewComponentLogger("server")
	ctx = tel.WithContext(ctx)

	client, err := cluster.NewClientFromConfig(cfg.Cluster, cluster.WithTelemetry(tel))
	if err != nil {
		return err
	}

	renderer, err := manifest.NewRenderer(cfg.ManifestOptions())
	if err != nil {
		return err
	}

	admission, err := policy.NewEngine(tel.Logger.Zerolog(), policy.Limits{
		MaxUnits:        cfg.Policy.MaxUnits,
		MaxUnitsPerNode: cfg.Policy.MaxUnitsPerNode,
	})
	if err != nil {
		return err
	}
	var policyPaths []string
	if cfg.Policy.Dir != "" {
		policyPaths = []string{cfg.Policy.Dir}
		if err := admission.LoadPolicies(ctx, policyPaths); err != nil {
			return err
		}
	}

	loop, err := engine.NewLoop(engine.Options{
		Tuning:          cfg.Tuning(),
		StartingCredits: cfg.Game.StartingCredits,
		LedgerHistory:   cfg.Game.LedgerHistory,
		Writer:          client,
		Renderer:        renderer,
		Policy:          admission,
		Logger:          tel.Logger,
		Metrics:         tel.Metrics,
		Tracer:          tel.Tracer,
		Events:          tel.Events,
	})
	if err != nil {
		return err
	}

	var (
		store     *stores.SQLiteStore
		sessionID = uuid.New().String()
	)
	if cfg.Store.Path != "" {
		store, err = openJournal(ctx, cfg.Store.Path)
		if err != nil {
			return err
		}
		err = store.BeginSession(ctx, &stores.Session{
			ID:              sessionID,
			StartedAt:       time.Now(),
			StartingCredits: cfg.Game.StartingCredits,
			Namespace:       client.Namespace(),
		})
		if err != nil {
			_ = store.Close()
			return err
		}
		tel.Events.Subscribe(stores.NewRecorder(store, sessionID, tel.Logger).Handle, nil)
		logger.WithField("session_id", sessionID).Infof("journaling to %s", cfg.Store.Path)
	}

	obs := observer.New(client, loop, loop, tel.Logger)
	chaos := engine.NewChaos(cfg.ChaosSchedule(), loop, loop, tel.Logger, tel.Metrics, tel.Events)
	server := api.NewServer(api.Config{
		Listen:         cfg.API.Listen,
		RateLimit:      cfg.API.RateLimit,
		Burst:          cfg.API.Burst,
		StreamInterval: cfg.API.StreamInterval,
	}, loop, tel.Metrics, tel.Logger)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return loop.Run(gctx) })
	g.Go(func() error { return obs.Run(gctx) })
	g.Go(func() error { return server.Run(gctx) })
	g.Go(func() error { return tel.Metrics.ServeMetrics(gctx) })
	if cfg.Chaos.Enabled {
		g.Go(func() error { return chaos.Run(gctx) })
	}
	if configPath != "" {
		g.Go(func() error {
			return config.Watch(gctx, configPath, tel.Logger, func(next *config.Config) error {
				return reload(gctx, next, loop, chaos, admission, tel.Events)
			})
		})
	}
	if len(policyPaths) > 0 {
		g.Go(func() error { return admission.Watch(gctx, policyPaths) })
	}

	logger.Infof("cubeharvest running in namespace %s", client.Namespace())
	runErr := g.Wait()
	if errors.Is(runErr, context.Canceled) {
		runErr = nil
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	// Drains the event buffer into the journal before the session is closed.
	if err := tel.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Warn("telemetry shutdown failed")
	}
	if store != nil {
		if err := store.EndSession(shutdownCtx, sessionID, time.Now()); err != nil {
			logger.WithError(err).Warn("failed to close journal session")
		}
		_ = store.Close()
	}

	log.Info().Msg("cubeharvest stopped")
	return runErr
}

// reload applies the hot-reloadable sections of a changed config file.
func reload(ctx context.Context, next *config.Config, loop *engine.Loop, chaos *engine.Chaos,
	admission *policy.Engine, events *telemetry.EventPublisher) error {
	if err := loop.UpdateTuning(ctx, next.Tuning()); err != nil {
		return err
	}
	sched := next.ChaosSchedule()
	chaos.SetIntervals(sched.MinInterval, sched.MaxInterval)
	admission.SetLimits(policy.Limits{
		MaxUnits:        next.Policy.MaxUnits,
		MaxUnitsPerNode: next.Policy.MaxUnitsPerNode,
	})
	_ = events.PublishTuningReloaded(configPath)
	return nil
}

func openJournal(ctx context.Context, path string) (*stores.SQLiteStore, error) {
	store, err := stores.NewSQLiteStore(stores.Config{Path: path})
	if err != nil {
		return nil, err
	}
	if err := store.Init(ctx); err != nil {
		return nil, err
	}
	if err := store.Migrate(ctx); err != nil {
		_ = store.Close()
		return nil, err
	}
	return store, nil
}
