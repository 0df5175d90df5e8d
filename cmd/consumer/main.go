package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/segmentio/kafka-go"

	"github.com/example/carpool-ledger/internal/config"
	"github.com/example/carpool-ledger/internal/logging"
	"github.com/example/carpool-ledger/internal/models"
	"github.com/example/carpool-ledger/internal/storage"
)

var (
	msgsConsumed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_messages_consumed_total",
		Help: "Total lifecycle event messages consumed",
	})
	msgsInvalid = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_messages_invalid_total",
		Help: "Total messages that were not lifecycle events",
	})
	journalWrites = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_journal_writes_total",
		Help: "Total lifecycle events written to the journal",
	})
	journalErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_journal_errors_total",
		Help: "Total lifecycle events that could not be written after retries",
	})
)

func init() {
	prometheus.MustRegister(msgsConsumed, msgsInvalid, journalWrites, journalErrors)
}

func main() {
	cfg, err := config.LoadConsumerConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(2)
	}
	logger := logging.NewLogger(cfg.LogLevel, "consumer")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("consumer stopped", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.ConsumerConfig, logger *slog.Logger) error {
	store, err := storage.NewPostgresStore(cfg.PGDSN)
	if err != nil {
		return fmt.Errorf("open journal: %w", err)
	}
	defer store.Close()
	if cfg.RunMigrations {
		if err := store.Migrate(ctx); err != nil {
			return fmt.Errorf("migrate journal: %w", err)
		}
	}

	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ok"))
		})
		mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
			if err := store.Ping(r.Context()); err != nil {
				http.Error(w, "journal not ready", http.StatusServiceUnavailable)
				return
			}
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ready"))
		})
		logger.Info("metrics/health listening", "addr", cfg.MetricsAddr)
		if err := http.ListenAndServe(cfg.MetricsAddr, mux); err != nil {
			logger.Error("metrics server stopped", "error", err)
		}
	}()

	r := kafka.NewReader(kafka.ReaderConfig{Brokers: cfg.KafkaBrokers, Topic: cfg.KafkaTopic, GroupID: cfg.KafkaGroup, MinBytes: 1, MaxBytes: 10e6})
	defer r.Close()

	logger.Info("consumer listening", "topic", cfg.KafkaTopic, "brokers", cfg.KafkaBrokers, "group", cfg.KafkaGroup)
	c := &consumer{journal: store, attempts: cfg.WriteAttempts, delay: cfg.WriteBackoff, logger: logger}
	return c.loop(ctx, r)
}

// messageReader is the part of *kafka.Reader the loop needs.
type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
}

// Appender is the journal write the consumer performs.
type Appender interface {
	AppendEvent(ctx context.Context, ev models.LifecycleEvent) error
}

type consumer struct {
	journal  Appender
	attempts int
	delay    time.Duration
	logger   *slog.Logger
}

// loop commits a message only after its event is journaled, so a crash
// replays it. Commits are positional, so a message that cannot be
// journaled is retried in place and the partition does not advance past
// it. The journal ignores an event it already holds.
func (c *consumer) loop(ctx context.Context, r messageReader) error {
	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		m, err := r.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				c.logger.Info("shutting down consumer")
				return nil
			}
			c.logger.Warn("kafka fetch failed", "error", err, "backoff", backoff)
			if !sleep(ctx, backoff) {
				return nil
			}
			backoff = min(backoff*2, maxBackoff)
			continue
		}
		backoff = time.Second
		msgsConsumed.Inc()

		if !c.handleUntilDone(ctx, m, maxBackoff) {
			c.logger.Info("shutting down consumer", "uncommitted_offset", m.Offset)
			return nil
		}
		if err := r.CommitMessages(ctx, m); err != nil && ctx.Err() == nil {
			c.logger.Warn("kafka commit failed", "offset", m.Offset, "error", err)
		}
	}
}

// handleUntilDone journals m, backing off between failed rounds. It
// returns false only when ctx ends first.
func (c *consumer) handleUntilDone(ctx context.Context, m kafka.Message, maxBackoff time.Duration) bool {
	backoff := c.delay
	for {
		err := c.handle(ctx, m)
		if err == nil {
			return true
		}
		if ctx.Err() != nil {
			return false
		}
		c.logger.Error("journal write failed", "partition", m.Partition, "offset", m.Offset, "error", err, "backoff", backoff)
		if !sleep(ctx, backoff) {
			return false
		}
		backoff = min(backoff*2, maxBackoff)
	}
}

// handle journals one message. Undecodable messages are dropped and count
// as handled so they do not block the partition.
func (c *consumer) handle(ctx context.Context, m kafka.Message) error {
	var ev models.LifecycleEvent
	if err := json.Unmarshal(m.Value, &ev); err != nil || ev.Type == "" {
		msgsInvalid.Inc()
		c.logger.Warn("invalid message", "offset", m.Offset, "key", string(m.Key), "error", err)
		return nil
	}
	if err := appendWithRetry(ctx, c.journal, ev, c.attempts, c.delay); err != nil {
		journalErrors.Inc()
		return fmt.Errorf("ride %s %s: %w", ev.RideID, ev.Type, err)
	}
	journalWrites.Inc()
	return nil
}

// appendWithRetry writes ev, doubling delay between attempts.
func appendWithRetry(ctx context.Context, journal Appender, ev models.LifecycleEvent, attempts int, delay time.Duration) error {
	var err error
	for i := 0; i < attempts; i++ {
		if err = journal.AppendEvent(ctx, ev); err == nil {
			return nil
		}
		if i == attempts-1 {
			break
		}
		if !sleep(ctx, delay) {
			return errors.Join(ctx.Err(), err)
		}
		delay *= 2
	}
	return err
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
