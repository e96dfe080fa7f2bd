// Consumer service - archives observer audit events (ObserverLoopSuccess,
// ObserverLoopFailure, ObserverBlockReorganization) from NATS JetStream into
// Postgres.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/trustbloc-labs/anchor-observer/internal/obslog"
	"github.com/trustbloc-labs/anchor-observer/pkg/models"
)

var (
	eventsConsumed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "anchor_observer_consumer_events_consumed_total",
		Help: "Total number of observer events consumed from NATS",
	}, []string{"event_type"})

	eventsStored = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "anchor_observer_consumer_events_stored_total",
		Help: "Total number of observer events archived to Postgres",
	}, []string{"event_type"})

	consumeErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "anchor_observer_consumer_errors_total",
		Help: "Total number of consume errors",
	}, []string{"error_type"})
)

const serviceName = "anchor-observer-consumer"

func main() {
	logger := obslog.InitLogger()
	logger.Info().Msg("starting anchor observer event consumer")

	cfg := obslog.InitConfig(logger, "consumer.toml")
	obslog.UpdateLogLevel(cfg, logger)

	dsn := fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.String("postgres.host"),
		cfg.Int("postgres.port"),
		cfg.String("postgres.user"),
		cfg.String("postgres.password"),
		cfg.String("postgres.database"),
		cfg.String("postgres.sslmode"),
	)

	pool, err := pgxpool.New(context.Background(), dsn)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer pool.Close()

	if err := pool.Ping(context.Background()); err != nil {
		logger.Fatal().Err(err).Msg("failed to ping database")
	}
	logger.Info().
		Str("host", cfg.String("postgres.host")).
		Str("database", cfg.String("postgres.database")).
		Msg("connected to database")

	nc, err := nats.Connect(cfg.String("nats.url"), nats.Name(serviceName))
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to nats")
	}
	defer nc.Close()
	logger.Info().Str("url", cfg.String("nats.url")).Msg("connected to nats")

	js, err := jetstream.New(nc)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to create jetstream context")
	}

	streamName := cfg.String("nats.stream_name")
	consumerName := cfg.String("nats.consumer_name")

	consumer, err := js.CreateOrUpdateConsumer(context.Background(), streamName, jetstream.ConsumerConfig{
		Name:          consumerName,
		Durable:       consumerName,
		AckPolicy:     jetstream.AckExplicitPolicy,
		MaxDeliver:    3,
		AckWait:       30 * time.Second,
		FilterSubject: cfg.String("nats.subject"),
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to create consumer")
	}
	logger.Info().
		Str("stream", streamName).
		Str("consumer", consumerName).
		Msg("created consumer")

	metricsAddr := cfg.String("metrics.address")
	metricsServer := &http.Server{
		Addr:    metricsAddr,
		Handler: promhttp.Handler(),
	}

	go func() {
		logger.Info().Str("address", metricsAddr).Msg("starting metrics server")
		if err := metricsServer.ListenAndServe(); err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("metrics server error")
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	consCtx, err := consumer.Consume(func(msg jetstream.Msg) {
		if err := processMessage(ctx, pool, msg, *logger); err != nil {
			consumeErrors.WithLabelValues("process_message").Inc()
			logger.Error().Err(err).Str("subject", msg.Subject()).Msg("failed to archive event")
			msg.Nak()
			return
		}
		msg.Ack()
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to start consuming")
	}
	defer consCtx.Stop()

	logger.Info().Msg("consumer started, waiting for events")

	sig := <-sigChan
	logger.Info().Str("signal", sig.String()).Msg("received shutdown signal")

	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("metrics server shutdown error")
	}

	logger.Info().Msg("shutdown complete")
}

// processMessage parses and archives a single observer event.
func processMessage(ctx context.Context, pool *pgxpool.Pool, msg jetstream.Msg, logger zerolog.Logger) error {
	var event models.ObserverEvent
	if err := json.Unmarshal(msg.Data(), &event); err != nil {
		return fmt.Errorf("failed to unmarshal observer event: %w", err)
	}

	eventsConsumed.WithLabelValues(event.Type).Inc()

	logger.Debug().
		Str("type", event.Type).
		Str("subject", msg.Subject()).
		Msg("archiving observer event")

	if err := storeEvent(ctx, pool, msg.Subject(), event); err != nil {
		return fmt.Errorf("failed to store observer event: %w", err)
	}

	eventsStored.WithLabelValues(event.Type).Inc()
	return nil
}

// storeEvent archives an observer event as a row in the events table.
func storeEvent(ctx context.Context, pool *pgxpool.Pool, subject string, event models.ObserverEvent) error {
	detailJSON, err := json.Marshal(event.Detail)
	if err != nil {
		return fmt.Errorf("failed to marshal event detail: %w", err)
	}

	query := `
		INSERT INTO observer_events (subject, event_type, detail, received_at)
		VALUES ($1, $2, $3, now())
	`

	_, err = pool.Exec(ctx, query, subject, event.Type, detailJSON)
	return err
}
