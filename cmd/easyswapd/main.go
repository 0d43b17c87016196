// Package main provides the easyswapd daemon - the orderbook backend that
// escrows stablecoin against proven BSV payments.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/metanet-platform/easyswap/internal/chain"
	"github.com/metanet-platform/easyswap/internal/config"
	"github.com/metanet-platform/easyswap/internal/engine"
	"github.com/metanet-platform/easyswap/internal/ledger"
	"github.com/metanet-platform/easyswap/internal/oracle"
	"github.com/metanet-platform/easyswap/internal/rpc"
	"github.com/metanet-platform/easyswap/internal/spv"
	"github.com/metanet-platform/easyswap/internal/storage"
	"github.com/metanet-platform/easyswap/internal/types"
	"github.com/metanet-platform/easyswap/pkg/logging"
)

var (
	version = "0.1.0-dev"
	commit  = "unknown"
)

func main() {
	var (
		dataDir     = flag.String("data-dir", "~/.easyswap", "Data directory")
		apiAddr     = flag.String("api", "", "JSON-RPC API address, overrides config")
		ledgerURL   = flag.String("ledger", "", "Ledger agent URL, overrides config")
		logLevel    = flag.String("log-level", "info", "Log level (debug, info, warn, error)")
		showVersion = flag.Bool("version", false, "Show version and exit")
	)
	flag.Parse()

	log := logging.New(&logging.Config{Level: *logLevel})
	logging.SetDefault(log)

	if *showVersion {
		log.Infof("easyswapd %s (commit: %s)", version, commit)
		os.Exit(0)
	}

	cfg, err := config.LoadNode(*dataDir)
	if err != nil {
		log.Fatal("Failed to load config", "error", err)
	}

	// CLI flags take precedence over the config file.
	if *apiAddr != "" {
		cfg.API.Addr = *apiAddr
	}
	if *ledgerURL != "" {
		cfg.Ledger.URL = *ledgerURL
	}
	if cfg.Logging.Level != *logLevel && *logLevel == "info" {
		log = logging.New(&logging.Config{Level: cfg.Logging.Level})
		logging.SetDefault(log)
	}

	log.Info("Config loaded", "path", config.ConfigPath(*dataDir))

	store, err := storage.New(&storage.Config{DataDir: cfg.Storage.DataDir})
	if err != nil {
		log.Fatal("Failed to open storage", "error", err)
	}
	defer store.Close()

	ledgerClient := ledger.NewHTTPClient(cfg.Ledger.URL)
	escrow := ledger.NewEscrow(ledgerClient, "easyswap-backend", cfg.Ledger.TreasuryText)

	sourceA := chain.NewSourceA(cfg.Chain.SourceAURL)
	sourceB := chain.NewSourceB(cfg.Chain.SourceBURL)
	var archive *chain.ArchiveClient
	if cfg.Chain.ArchiveURL != "" {
		archive = chain.NewArchiveClient(cfg.Chain.ArchiveURL)
	}
	syncer := chain.NewSyncer(store, sourceA, sourceB, archive)

	var spvArchive spv.ArchiveSource
	if archive != nil {
		spvArchive = archive
	}
	verifier := spv.NewVerifier(store, spvArchive)

	var fallback oracle.RateSource
	if cfg.Oracle.FallbackURL != "" {
		fallback = oracle.NewRateClient(cfg.Oracle.FallbackURL)
	}
	priceOracle := oracle.New(store, oracle.NewRateClient(cfg.Oracle.RateURL), fallback)

	opts := &engine.Options{}
	if cfg.Admin.PrincipalText != "" {
		admin, err := types.PrincipalFromText(cfg.Admin.PrincipalText)
		if err != nil {
			log.Fatal("Invalid admin principal in config", "error", err)
		}
		opts.Admin = admin
	}

	eng := engine.New(store, escrow, priceOracle, verifier, syncer, opts)

	server := rpc.NewServer(eng)
	eng.SetNotifier(server.Hub())

	if err := server.Start(cfg.API.Addr); err != nil {
		log.Fatal("Failed to start RPC server", "error", err)
	}

	// Warm the price cache before the book opens.
	warmCtx, warmCancel := context.WithTimeout(context.Background(), 30*time.Second)
	if price, err := eng.RefreshPrice(warmCtx); err != nil {
		log.Warn("Initial price fetch failed, matching disabled until oracle recovers", "error", err)
	} else {
		log.Info("BSV price cached", "price", price)
	}
	warmCancel()

	scheduler := engine.NewScheduler(eng)
	scheduler.Start()

	log.Info("easyswapd started", "version", version, "api", cfg.API.Addr)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Info("Shutting down")
	scheduler.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Stop(shutdownCtx); err != nil {
		log.Error("RPC shutdown error", "error", err)
	}
}
