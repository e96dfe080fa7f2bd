// Anchor observer service: historical catch-up followed by live polling of
// an anchor contract's AnchorCommitted log, processing each anchor through
// a version-banded protocol processor.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/trustbloc-labs/anchor-observer/internal/cas"
	"github.com/trustbloc-labs/anchor-observer/internal/chain"
	"github.com/trustbloc-labs/anchor-observer/internal/eventsink"
	"github.com/trustbloc-labs/anchor-observer/internal/historicalsync"
	"github.com/trustbloc-labs/anchor-observer/internal/lifecycle"
	"github.com/trustbloc-labs/anchor-observer/internal/livesync"
	"github.com/trustbloc-labs/anchor-observer/internal/obslog"
	"github.com/trustbloc-labs/anchor-observer/internal/observer"
	"github.com/trustbloc-labs/anchor-observer/internal/paginator"
	"github.com/trustbloc-labs/anchor-observer/internal/processor"
	"github.com/trustbloc-labs/anchor-observer/internal/processor/sidetree"
	"github.com/trustbloc-labs/anchor-observer/internal/store"
	"github.com/trustbloc-labs/anchor-observer/internal/syncstate"
	"github.com/trustbloc-labs/anchor-observer/pkg/config"
)

func main() {
	logger := obslog.InitLogger()
	logger.Info().Msg("starting anchor observer")

	cfg, err := config.Load(logger, "config.toml")
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load configuration")
	}

	logger.Info().
		Str("chain", cfg.Chain.Name).
		Int64("chain_id", cfg.Chain.ChainID).
		Str("contract", cfg.Chain.AnchorContractAddress).
		Str("preset", cfg.Observer.Preset).
		Msg("configuration loaded")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	chainClient, err := chain.NewEthClient(ctx, chain.Config{
		RPCURL:          firstOrEmpty(cfg.Chain.RPCUrls),
		ContractAddress: cfg.Chain.GetAnchorContractAddress(),
		ChainID:         cfg.Chain.ChainID,
		MaxBatchSize:    cfg.Observer.Pagination.MaxBatchSize,
	}, *logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to create chain client")
	}
	defer chainClient.Close()

	deploymentBlock := uint64(0)
	if cfg.Chain.ContractDeploymentBlock != nil {
		deploymentBlock = *cfg.Chain.ContractDeploymentBlock
	} else {
		latest, err := chainClient.GetLatestBlockNumber(ctx)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to get latest block number")
		}
		deploymentBlock, err = chain.DeriveDeploymentBlock(ctx, chainClient, latest)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to derive contract deployment block")
		}
		logger.Info().Uint64("deployment_block", deploymentBlock).Msg("derived contract deployment block via binary search")
	}

	txStore, err := store.NewBoltStore(cfg.Store.BoltPath)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to open transaction store")
	}
	defer txStore.Close()

	pgPool, err := pgxpool.New(ctx, cfg.Store.PostgresDSN)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to postgres")
	}
	defer pgPool.Close()
	opStore := store.NewPgOperationStore(pgPool)

	casStore := cas.NewIPFSStore(cfg.Store.IPFSAPIURL)

	sink := eventsink.Sink(eventsink.NopSink{})
	if cfg.EventSink.NATSUrl != "" {
		natsSink, err := eventsink.NewNATSSink(cfg.EventSink.NATSUrl, cfg.EventSink.Subject, *logger)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to create nats event sink")
		}
		sink = natsSink
	}

	metrics := observer.NewMetrics()
	sink = metrics.WrapSink(sink)

	registry := processor.NewRegistry()
	registry.Register(deploymentBlock, "sidetree-v1", sidetree.New(casStore, opStore, *logger))

	pag, err := paginator.New(chainClient, paginator.Config{
		DefaultBatchSize: cfg.Observer.Pagination.DefaultBatchSize,
		MaxBatchSize:     cfg.Observer.Pagination.MaxBatchSize,
		MaxRetries:       cfg.Observer.MaxRetries,
		RetryDelay:       time.Duration(cfg.Observer.RetryDelayMs) * time.Millisecond,
	}, *logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to create paginator")
	}

	machine, err := syncstate.Decide(ctx, chainClient, txStore, syncstate.Config{
		HistoricalBatchSize:     cfg.Observer.BatchSize,
		ContractDeploymentBlock: deploymentBlock,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to decide sync state")
	}
	logger.Info().
		Str("phase", machine.Get().Phase.String()).
		Uint64("last_synced_block", machine.Get().LastSyncedBlock).
		Uint64("target_block", machine.Get().TargetBlock).
		Msg("sync-state decision complete")

	stop := lifecycle.NewStopFlag()

	historical := historicalsync.New(
		pag,
		txStore,
		txStore,
		registry,
		machine,
		stop,
		historicalsync.Config{
			BatchSize:      cfg.Observer.BatchSize,
			RateLimitDelay: time.Duration(cfg.Observer.RateLimitDelayMs) * time.Millisecond,
		},
		*logger,
	)

	limiter := livesync.NewLimiter(cfg.Observer.MaxConcurrentDownloads, nil, registry.VersionName)
	rewinder := livesync.NewRewinder(chainClient, txStore, opStore, txStore, *logger)

	live := livesync.New(
		chainClient,
		txStore,
		txStore,
		registry,
		limiter,
		rewinder,
		sink,
		stop,
		livesync.Config{
			MaxConcurrentDownloads: cfg.Observer.MaxConcurrentDownloads,
			ObservingInterval:      time.Duration(cfg.Observer.ObservingIntervalInSeconds) * time.Second,
		},
		*logger,
	)

	obs := observer.New(machine, historical, live, stop, metrics, *logger)

	metricsAddr := ":9090"
	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.HandlerFor(obs.Registry(), promhttp.HandlerOpts{}))
	metricsServer := &http.Server{Addr: metricsAddr, Handler: metricsMux}

	go func() {
		logger.Info().Str("address", metricsAddr).Msg("starting metrics server")
		if err := metricsServer.ListenAndServe(); err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("metrics server error")
		}
	}()

	healthAddr := ":8080"
	healthServer := &http.Server{
		Addr:    healthAddr,
		Handler: http.HandlerFunc(healthCheckHandler(obs)),
	}

	go func() {
		logger.Info().Str("address", healthAddr).Msg("starting health check server")
		if err := healthServer.ListenAndServe(); err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("health check server error")
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	obs.Start(ctx)

	sig := <-sigChan
	logger.Info().Str("signal", sig.String()).Msg("received shutdown signal")

	obs.Stop()
	cancel()
	obs.Wait()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("metrics server shutdown error")
	}
	if err := healthServer.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("health server shutdown error")
	}

	logger.Info().Msg("shutdown complete")
}

func healthCheckHandler(obs *observer.Observer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status := obs.GetStatus()
		if !status.Healthy {
			w.WriteHeader(http.StatusServiceUnavailable)
			fmt.Fprintf(w, "unhealthy\n")
			return
		}

		w.WriteHeader(http.StatusOK)
		fmt.Fprintf(w, "healthy\nphase: %s\nlastSyncedBlock: %d\ntargetBlock: %d\nprogress: %.2f%%\n",
			status.Phase, status.LastSyncedBlock, status.TargetBlock, status.ProgressPercent)
	}
}

func firstOrEmpty(s []string) string {
	if len(s) == 0 {
		return ""
	}
	return s[0]
}
