package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/crosswire-labs/crosswire/internal/config"
	"github.com/crosswire-labs/crosswire/internal/engine"
	"github.com/crosswire-labs/crosswire/internal/ingest/kafka"
	"github.com/crosswire-labs/crosswire/internal/ingest/rabbitmq"
	"github.com/crosswire-labs/crosswire/internal/manifest"
	"github.com/crosswire-labs/crosswire/internal/registry"
	"github.com/crosswire-labs/crosswire/internal/store"
	"github.com/crosswire-labs/crosswire/internal/substrate"
)

// RunOptions holds flags for the run command.
type RunOptions struct {
	*RootOptions
	ConfigPath string
	Triggers   string
}

// NewRunCommand creates the run command.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RunOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start the trigger engine",
		Long: `Start the crosswired engine.

The engine opens (creating if necessary) its SQLite database, restores
subscriptions, markets, chain watermarks, and feed status from it, optionally
registers triggers from a CUE manifest directory, connects the configured
ingest adapters, and enters the single-writer event loop.

Example:
  crosswired run --config ./crosswired.yaml
  crosswired run --config ./crosswired.yaml --triggers ./triggers --verbose`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runEngine(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.ConfigPath, "config", "", "path to configuration file (required)")
	_ = cmd.MarkFlagRequired("config")
	cmd.Flags().StringVar(&opts.Triggers, "triggers", "", "directory of CUE trigger manifests to register at startup")

	return cmd
}

func runEngine(opts *RunOptions, cmd *cobra.Command) error {
	logLevel := slog.LevelInfo
	if opts.Verbose {
		logLevel = slog.LevelDebug
	}
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel})
	slog.SetDefault(slog.New(handler))

	runID := uuid.NewString()
	slog.Info("crosswired starting", "run_id", runID, "config", opts.ConfigPath)

	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to load configuration", err)
	}

	st, err := store.Open(cfg.Store.Path)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open database", err)
	}
	defer func() {
		if closeErr := st.Close(); closeErr != nil {
			slog.Error("error closing database", "error", closeErr)
		}
	}()

	parentCtx := cmd.Context()
	if parentCtx == nil {
		parentCtx = context.Background()
	}
	ctx, cancel := context.WithCancel(parentCtx)
	defer cancel()

	eng, reg, err := wireEngine(ctx, cfg, st)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to restore state", err)
	}

	if opts.Triggers != "" {
		if err := registerTriggers(opts.Triggers, cfg, reg); err != nil {
			return err
		}
	}

	adapters, err := startIngest(ctx, cfg, runID, eng)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to start ingest", err)
	}
	defer adapters.close()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	go func() {
		select {
		case sig := <-sigChan:
			slog.Info("received signal, shutting down", "signal", sig)
			cancel()
		case <-ctx.Done():
		}
	}()

	fmt.Fprintln(cmd.OutOrStdout(), "Engine started. Listening for events...")
	fmt.Fprintln(cmd.OutOrStdout(), "Press Ctrl-C to stop.")

	if err := eng.Run(ctx); err != nil && err != context.Canceled && err != context.DeadlineExceeded {
		return WrapExitError(ExitFailure, "engine error", err)
	}

	slog.Info("engine stopped gracefully")
	return nil
}

// wireEngine assembles the single-process deployment: engine and registry
// share one database, the registry publishes commands onto the engine queue,
// and invocation callbacks loop back into the registry's process endpoint.
func wireEngine(ctx context.Context, cfg config.Config, st *store.Store) (*engine.Engine, *registry.Registry, error) {
	engCfg := engine.Config{
		InstanceID:      cfg.InstanceID(),
		AdminChainID:    cfg.Admin.ChainID,
		AdminAddress:    cfg.AdminAddress(),
		ServiceChainID:  cfg.Service.ChainID,
		ServiceAddress:  cfg.ServiceAddress(),
		ServiceGasLimit: cfg.Service.GasLimit,
	}

	sink := &dispatchSink{admin: engCfg.AdminAddress}
	eng := engine.New(engCfg, sink,
		engine.WithStateWriter(st),
		engine.WithGate(engine.GateFunc(func(id uint64) bool {
			return sink.reg.IsActive(id)
		})),
	)

	admin := registry.Identity{ChainID: cfg.Admin.ChainID, Address: cfg.AdminAddress()}
	emitter := &engine.CallbackEmitter{
		ServiceChainID:  engCfg.ServiceChainID,
		ServiceAddress:  engCfg.ServiceAddress,
		AdminChainID:    engCfg.AdminChainID,
		AdminAddress:    engCfg.AdminAddress,
		ServiceGasLimit: engCfg.ServiceGasLimit,
	}
	reg := registry.New(admin, loggingCaller(), &substrate.LoopbackPublisher{Target: eng},
		registry.WithStateWriter(st),
		registry.WithSink(sink, emitter),
	)
	sink.reg = reg

	if err := restoreState(ctx, st, eng, reg); err != nil {
		return nil, nil, err
	}
	return eng, reg, nil
}

// loggingCaller stands in for target invocation when no execution substrate
// is attached: the fire is recorded in the event history and logged.
func loggingCaller() substrate.TargetCaller {
	return substrate.CallerFunc(func(_ context.Context, target common.Address, calldata []byte, gasLimit uint64) (bool, []byte) {
		slog.Info("target invocation",
			"target", target, "calldata_bytes", len(calldata), "gas_limit", gasLimit)
		return true, nil
	})
}

func restoreState(ctx context.Context, st *store.Store, eng *engine.Engine, reg *registry.Registry) error {
	subs, err := st.LoadSubscriptions(ctx)
	if err != nil {
		return fmt.Errorf("load subscriptions: %w", err)
	}
	events, err := st.LoadFiredEvents(ctx)
	if err != nil {
		return fmt.Errorf("load fired events: %w", err)
	}
	reg.Restore(subs, events)

	markets, err := st.LoadMarkets(ctx)
	if err != nil {
		return fmt.Errorf("load markets: %w", err)
	}
	for id, m := range markets {
		eng.Markets().Restore(id, m)
	}

	chains, err := st.LoadChains(ctx)
	if err != nil {
		return fmt.Errorf("load chain watermarks: %w", err)
	}
	for chainID, lastSeen := range chains {
		eng.Triggers().RestoreLastSeen(chainID, lastSeen)
	}

	feeds, err := st.LoadFeeds(ctx)
	if err != nil {
		return fmt.Errorf("load feed status: %w", err)
	}
	for key, entry := range feeds {
		eng.Feeds().Restore(key, entry)
	}

	slog.Info("state restored",
		"subscriptions", len(subs), "markets", len(markets),
		"chains", len(chains), "feeds", len(feeds))
	return nil
}

func registerTriggers(dir string, cfg config.Config, reg *registry.Registry) error {
	result, errs := manifest.Load(dir, manifest.LoadModeFailFast)
	if len(errs) > 0 {
		return WrapExitError(ExitCommandError, "failed to load trigger manifests", errs[0])
	}

	admin := registry.Identity{ChainID: cfg.Admin.ChainID, Address: cfg.AdminAddress()}
	ids, err := manifest.Apply(reg, admin, cfg.InstanceID(), result.Triggers)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to register triggers", err)
	}
	slog.Info("trigger manifests registered", "dir", dir, "subscriptions", len(ids))
	return nil
}

// ingestGroup tracks started delivery adapters for shutdown.
type ingestGroup struct {
	kafka    *kafka.Adapter
	rabbitmq *rabbitmq.Adapter
}

func (g *ingestGroup) close() {
	if g.kafka != nil {
		g.kafka.Close()
	}
	if g.rabbitmq != nil {
		if err := g.rabbitmq.Close(); err != nil {
			slog.Error("rabbitmq shutdown error", "error", err)
		}
	}
}

func startIngest(ctx context.Context, cfg config.Config, runID string, eng *engine.Engine) (*ingestGroup, error) {
	g := &ingestGroup{}

	if cfg.Ingest.Kafka.Enabled {
		adapter, err := kafka.NewAdapter(kafka.Config{
			Enabled:  true,
			Brokers:  cfg.Ingest.Kafka.Brokers,
			Topic:    cfg.Ingest.Kafka.Topic,
			GroupID:  cfg.Ingest.Kafka.Group,
			ClientID: "crosswired-" + runID,
		}, eng)
		if err != nil {
			return nil, fmt.Errorf("kafka adapter: %w", err)
		}
		g.kafka = adapter
		go func() {
			if err := adapter.Start(ctx); err != nil && ctx.Err() == nil {
				slog.Error("kafka ingest stopped", "error", err)
			}
		}()
		slog.Info("kafka ingest started",
			"brokers", cfg.Ingest.Kafka.Brokers, "topic", cfg.Ingest.Kafka.Topic)
	}

	if cfg.Ingest.RabbitMQ.Enabled {
		adapter, err := rabbitmq.NewAdapter(rabbitmq.Config{
			Enabled: true,
			URL:     cfg.Ingest.RabbitMQ.URL,
			Queue:   cfg.Ingest.RabbitMQ.Queue,
		}, eng)
		if err != nil {
			g.close()
			return nil, fmt.Errorf("rabbitmq adapter: %w", err)
		}
		if err := adapter.Start(ctx); err != nil {
			g.close()
			return nil, fmt.Errorf("rabbitmq adapter: %w", err)
		}
		g.rabbitmq = adapter
		slog.Info("rabbitmq ingest started", "queue", cfg.Ingest.RabbitMQ.Queue)
	}

	return g, nil
}
