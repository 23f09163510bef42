package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/spf13/cobra"

	"github.com/hearthpipe/hearthpipe/pkg/api"
	"github.com/hearthpipe/hearthpipe/pkg/config"
	"github.com/hearthpipe/hearthpipe/pkg/events"
	"github.com/hearthpipe/hearthpipe/pkg/health"
	"github.com/hearthpipe/hearthpipe/pkg/hub"
	"github.com/hearthpipe/hearthpipe/pkg/log"
	"github.com/hearthpipe/hearthpipe/pkg/normalize"
	"github.com/hearthpipe/hearthpipe/pkg/registry"
	"github.com/hearthpipe/hearthpipe/pkg/sink"
	"github.com/hearthpipe/hearthpipe/pkg/types"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "hearthpipe",
	Short: "Hearthpipe - home-automation event ingestion daemon",
	Long: `Hearthpipe ingests state-change events from a home-automation hub
over its WebSocket API, normalizes them to a flat schema and persists
them to a time-series store, while keeping a relational metadata store
in sync through periodic registry discovery.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Hearthpipe version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")

	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(versionCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("Hearthpipe version %s\nCommit: %s\nBuilt: %s\n", Version, Commit, BuildTime)
	},
}

func initLogging() {
	logLevel, _ := rootCmd.PersistentFlags().GetString("log-level")
	logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")

	log.Init(log.Config{
		Level:      logLevel,
		JSONOutput: logJSON,
	})
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the ingestion daemon",
	Long: `Run the ingestion daemon: connect to the hub, subscribe to
state_changed events and persist them until interrupted. Configuration
comes from environment variables (HUB_URL, HUB_TOKEN, STORE_URL, ...),
optionally layered over a YAML file given with --config.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfgPath, _ := cmd.Flags().GetString("config")

		cfg, err := config.Load(cfgPath)
		if err != nil {
			return fmt.Errorf("configuration error: %w", err)
		}
		return runDaemon(cfg)
	},
}

func init() {
	runCmd.Flags().String("config", "", "Optional YAML config file")
}

func runDaemon(cfg *config.Config) error {
	logger := log.WithComponent("main")
	clock := clockwork.NewRealClock()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	broker := events.NewBroker()
	defer broker.Close()

	// Pipeline state, constructed leaves first. Everything is an
	// explicit dependency; the health surface only sees snapshots.
	cache := normalize.NewRegistryCache()
	durations := normalize.NewDurationTracker()
	normalizer := normalize.NewNormalizer(cache, durations, clock, cfg.MaxClockSkew)

	store := sink.NewStoreClient(sink.StoreConfig{
		URL:    cfg.StoreURL,
		Token:  cfg.StoreToken,
		Org:    cfg.StoreOrg,
		Bucket: cfg.StoreBucket,
	})
	writer := sink.NewWriter(sink.WriterConfig{
		BatchSize:    cfg.BatchSize,
		BatchTimeout: cfg.BatchTimeout,
		Capacity:     cfg.BufferCapacity,
		HighWater:    cfg.BufferHighWater,
	}, store, clock, broker)

	// The writer outlives the session so the final flush can drain
	// whatever the handler appended before shutdown.
	writerCtx, stopWriter := context.WithCancel(context.Background())
	writer.Start(writerCtx)

	meta := registry.NewMetadataClient(registry.MetadataConfig{BaseURL: cfg.MetadataURL}, clock)
	discovery := registry.NewDiscovery(registry.DiscoveryConfig{}, meta, cache, clock, broker)

	stats := hub.NewStats(clock)

	handler := func(event *types.RawEvent) {
		rec, err := normalizer.Normalize(event)
		if err != nil || rec == nil {
			return
		}
		// Deliberately not the signal context: events already in flight
		// during shutdown still reach the writer before the final flush.
		if err := writer.Append(context.Background(), rec); err != nil {
			logger.Warn().Err(err).Str("entity_id", rec.EntityID).Msg("Record not buffered")
		}
	}

	runSession := func(sctx context.Context) (hub.Classification, error) {
		session := hub.NewSession(hub.Options{
			URL:            cfg.HubURL,
			Token:          cfg.HubToken,
			PingInterval:   cfg.PingInterval,
			SilenceTimeout: cfg.SilenceTimeout,
			Handler:        handler,
			OnActive: func(dctx context.Context, s *hub.Session) {
				discovery.Run(dctx, s)
			},
			Clock:  clock,
			Stats:  stats,
			Broker: broker,
		})
		return session.Run(sctx)
	}

	supervisor := hub.NewSupervisor(hub.SupervisorConfig{
		MaxRetries: cfg.MaxRetries,
		MaxDelay:   cfg.MaxRetryDelay,
	}, runSession, stats, clock)

	tracker := api.NewTracker(broker)
	defer tracker.Stop()

	checks := []health.Checker{
		health.NewHTTPChecker("store", cfg.StoreURL+"/health"),
	}
	if cfg.MetadataURL != "" {
		checks = append(checks, health.NewHTTPChecker("metadata", cfg.MetadataURL+"/health"))
	}

	healthServer := api.NewHealthServer(stats.Snapshot, writer.Snapshot, normalizer.Snapshot, tracker, checks...)
	go func() {
		addr := fmt.Sprintf(":%d", cfg.HealthPort)
		logger.Info().Str("addr", addr).Msg("Health surface listening")
		if err := healthServer.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("Health server failed")
		}
	}()

	logger.Info().Str("hub", cfg.HubURL).Str("store", cfg.StoreURL).Msg("Starting ingestion")
	err := supervisor.Run(ctx)

	// Session drained; flush what is left and take the servers down.
	stopWriter()
	<-writer.Stopped()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if herr := healthServer.Shutdown(shutdownCtx); herr != nil {
		logger.Warn().Err(herr).Msg("Health server shutdown failed")
	}

	logger.Info().Msg("Ingestion stopped")
	return err
}
