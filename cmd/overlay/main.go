package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/zde37/overlay/internal/api"
	"github.com/zde37/overlay/internal/config"
	"github.com/zde37/overlay/internal/event"
	"github.com/zde37/overlay/internal/metrics"
	"github.com/zde37/overlay/internal/network"
	"github.com/zde37/overlay/internal/report"
	"github.com/zde37/overlay/internal/storage"
	"github.com/zde37/overlay/pkg"
	"github.com/zde37/overlay/pkg/entropy"
)

func main() {
	// Parse command-line flags
	configPath := flag.String("config", "", "YAML configuration file")
	protocol := flag.String("protocol", "", "Overlay protocol (ring, chord, pgrid)")
	bits := flag.Int("m", 0, "Identifier space size in bits")
	nodes := flag.Int("nodes", -1, "Number of nodes to join")
	keys := flag.Int("keys", -1, "Number of keys to store")
	lookups := flag.Int("lookups", -1, "Number of lookup steps")
	rounds := flag.Int("rounds", -1, "Stabilization rounds after the joins")
	churn := flag.Float64("churn", -1, "Probability that a lookup step also churns a node")
	workers := flag.Int("workers", 0, "Parallel stabilization workers")
	seed := flag.Int64("seed", 0, "Seed of the entropy source")
	dataDir := flag.String("data-dir", "", "Badger directory, empty keeps data in memory")
	httpAddr := flag.String("http", "", "Serve the live ring feed on this address, e.g. :8080")
	hold := flag.Bool("hold", false, "Keep serving the live feed after the run until interrupted")
	listRuns := flag.Bool("list-runs", false, "Print the stored run reports and exit")
	logLevel := flag.String("log-level", "", "Log level (trace, debug, info, warn, error)")
	logFormat := flag.String("log-format", "", "Log format (json, console)")
	logFile := flag.String("log-file", "", "Also write logs to this rotated file")
	flag.Parse()

	cfg := config.DefaultConfig()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
			os.Exit(1)
		}
		cfg = loaded
	}

	// Flags override the file
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "protocol":
			cfg.Protocol = *protocol
		case "m":
			cfg.M = *bits
		case "nodes":
			cfg.Nodes = *nodes
		case "keys":
			cfg.Keys = *keys
		case "lookups":
			cfg.Lookups = *lookups
		case "rounds":
			cfg.StabilizeRounds = *rounds
		case "churn":
			cfg.ChurnRate = *churn
		case "workers":
			cfg.Workers = *workers
		case "seed":
			cfg.Seed = *seed
		case "data-dir":
			cfg.DataDir = *dataDir
		case "http":
			cfg.HTTPAddr = *httpAddr
		case "log-level":
			cfg.LogLevel = *logLevel
		case "log-format":
			cfg.LogFormat = *logFormat
		case "log-file":
			cfg.LogFile = *logFile
		}
	})

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid configuration: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	loggerConfig := pkg.DefaultConfig()
	loggerConfig.Level = cfg.LogLevel
	loggerConfig.Format = cfg.LogFormat
	loggerConfig.AsyncWrite = true
	if cfg.LogFile != "" {
		loggerConfig.File.Enable = true
		loggerConfig.File.Path = cfg.LogFile
	}

	logger, err := pkg.New(loggerConfig)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Close()

	db, err := storage.OpenBadger(cfg.DataDir)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to open database")
		os.Exit(1)
	}
	defer db.Close()

	reports, err := report.NewStore(db.DB())
	if err != nil {
		logger.Error().Err(err).Msg("Failed to create report store")
		os.Exit(1)
	}

	if *listRuns {
		runs, err := reports.List()
		if err != nil {
			logger.Error().Err(err).Msg("Failed to list runs")
			os.Exit(1)
		}
		printRuns(os.Stdout, runs)
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger, db, reports, *hold); err != nil {
		logger.Error().Err(err).Msg("Simulation failed")
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, logger *pkg.Logger, db *storage.BadgerDB, reports *report.Store, hold bool) error {
	src := entropy.New(cfg.Seed)
	collector := metrics.NewCollector()
	opts := []network.Option{network.WithStores(network.BadgerStores(db))}

	var hub *api.WebSocketHub
	if cfg.HTTPAddr != "" {
		hub = api.NewWebSocketHub(logger)
		opts = append(opts, network.WithBroadcaster(hub))
	}

	net, err := network.New(cfg, logger, src, collector, opts...)
	if err != nil {
		return fmt.Errorf("failed to create network: %w", err)
	}
	defer net.Close()

	var server *api.Server
	if hub != nil {
		server, err = api.NewServer(net, hub, logger)
		if err != nil {
			return fmt.Errorf("failed to create HTTP API server: %w", err)
		}
		if err := server.Start(cfg.HTTPAddr); err != nil {
			return fmt.Errorf("failed to start HTTP API server: %w", err)
		}
		defer func() {
			if err := server.Stop(); err != nil {
				logger.Error().Err(err).Msg("Error stopping HTTP server")
			}
		}()
	}

	rec := report.NewRecord(cfg.Protocol, cfg.M, cfg.Seed, time.Now())
	logger.Info().
		Str("run_id", rec.RunID.String()).
		Str("protocol", cfg.Protocol).
		Int("m", cfg.M).
		Int("nodes", cfg.Nodes).
		Int64("seed", cfg.Seed).
		Msg("Starting simulation")

	tally := event.NewTally()
	workload := buildWorkload(cfg, tally)
	result := workload.Execute(ctx, net, src)
	if err := ctx.Err(); err != nil {
		logger.Warn().Msg("Simulation interrupted")
	}

	rec.Nodes = net.Len()
	rec.Elapsed = net.Elapsed()
	rec.Summary = collector.Snapshot()
	rec.RingConsistent = net.CheckRing() == nil
	if rec.Misplaced, err = net.Misplaced(context.Background()); err != nil {
		logger.Warn().Err(err).Msg("Failed to count misplaced keys")
	}
	for _, name := range tally.Names() {
		rec.Events[name] = tally.Get(name)
	}

	if err := reports.Save(rec); err != nil {
		return fmt.Errorf("failed to save run report: %w", err)
	}
	logger.Info().
		Str("run_id", rec.RunID.String()).
		Str("result", result.String()).
		Msg("Simulation finished")

	printSummary(os.Stdout, rec, net.CheckRing())

	if hold && server != nil && ctx.Err() == nil {
		logger.Info().Str("addr", cfg.HTTPAddr).Msg("Serving live feed until interrupted")
		<-ctx.Done()
	}
	return nil
}
