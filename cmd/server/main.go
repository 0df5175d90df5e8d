package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"

	"github.com/example/carpool-ledger/internal/config"
	"github.com/example/carpool-ledger/internal/dispatch"
	"github.com/example/carpool-ledger/internal/fare"
	"github.com/example/carpool-ledger/internal/geo"
	httpapi "github.com/example/carpool-ledger/internal/http"
	"github.com/example/carpool-ledger/internal/ingest"
	"github.com/example/carpool-ledger/internal/ledger"
	"github.com/example/carpool-ledger/internal/lifecycle"
	"github.com/example/carpool-ledger/internal/logging"
	"github.com/example/carpool-ledger/internal/observability"
	"github.com/example/carpool-ledger/internal/routing"
	"github.com/example/carpool-ledger/internal/session"
	"github.com/example/carpool-ledger/internal/storage"
)

func main() {
	cfg, err := config.LoadServerConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(2)
	}
	logger := logging.NewLogger(cfg.LogLevel, "server")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("server stopped", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.ServerConfig, logger *slog.Logger) error {
	contractABI, err := ledger.LoadABI(cfg.ContractPath)
	if err != nil {
		return err
	}
	client, err := ledger.Dial(ctx, cfg.BlockchainURL, cfg.ContractAddress, contractABI, ledger.Options{
		CallTimeout:    cfg.CallTimeout,
		ReceiptTimeout: cfg.ReceiptTimeout,
		ReceiptPoll:    cfg.ReceiptPoll,
		GasHeadroomPct: uint64(cfg.GasHeadroomPct),
	}, logger)
	if err != nil {
		return err
	}
	defer client.Close()

	calc, err := fare.NewCalculator(cfg.FareRatePerKm, fare.NativeDecimals)
	if err != nil {
		return err
	}

	var provider geo.Geocoder
	switch cfg.Geocoder {
	case "google":
		g, err := geo.NewGoogleGeocoder(cfg.GoogleMapsAPIKey, cfg.GeocodeTimeout)
		if err != nil {
			return err
		}
		provider = g
	default:
		provider = geo.NewNominatimGeocoder(cfg.NominatimURL, cfg.GeocoderUserAgent, cfg.GeocodeTimeout)
	}
	var cache geo.Cache = geo.NewMemoryCache(cfg.GeocodeCacheTTL)
	var rdb *redis.Client
	if cfg.RedisAddr != "" {
		rdb = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		defer rdb.Close()
		cache = geo.NewRedisCache(rdb, cfg.GeocodeCacheTTL, logger)
	}

	var journal storage.Journal
	var pg *storage.PostgresStore
	if cfg.PGDSN != "" {
		pg, err = storage.NewPostgresStore(cfg.PGDSN)
		if err != nil {
			return fmt.Errorf("open journal: %w", err)
		}
		defer pg.Close()
		if cfg.RunMigrations {
			if err := pg.Migrate(ctx); err != nil {
				return fmt.Errorf("migrate journal: %w", err)
			}
			logger.Info("journal migrations applied")
		}
		journal = pg
	} else {
		logger.Warn("PG_DSN not set; journal is in memory and lost on restart")
		journal = storage.NewMemoryStore()
	}

	if open, err := journal.OpenReconciliations(ctx); err == nil {
		observability.OpenReconciliations.Set(float64(len(open)))
		if len(open) > 0 {
			logger.Warn("open reconciliations waiting for an operator", "count", len(open))
		}
	}

	var events ingest.Publisher = ingest.JournalPublisher{Journal: journal}
	if len(cfg.KafkaBrokers) > 0 {
		producer := ingest.NewKafkaProducer(cfg.KafkaBrokers, cfg.KafkaTopic)
		defer producer.Close()
		events = producer
		logger.Info("publishing lifecycle events to kafka", "brokers", cfg.KafkaBrokers, "topic", cfg.KafkaTopic)
	}

	board := dispatch.NewBoard(logger)
	engine := &lifecycle.Engine{
		Ledger:       client,
		Geocoder:     &geo.CachingGeocoder{Next: provider, Cache: cache},
		Router:       routing.NewORSClient(cfg.ORSURL, cfg.ORSAPIKey, cfg.RoutingTimeout),
		Fare:         calc,
		Events:       events,
		Board:        board,
		Journal:      journal,
		Logger:       logger,
		HydrateLimit: cfg.HydrateConcurrency,
	}

	api := httpapi.NewServer(httpapi.Options{
		Rides:         engine,
		Accounts:      client,
		Sessions:      session.NewManager(client, engine, logger),
		Users:         session.NewRegistry(session.DefaultHashParams),
		Fare:          calc,
		Journal:       journal,
		Board:         board,
		OperatorToken: cfg.OperatorToken,
		Ready: func(ctx context.Context) error {
			if _, err := client.Accounts(ctx); err != nil {
				return err
			}
			if pg != nil {
				if err := pg.Ping(ctx); err != nil {
					return err
				}
			}
			if rdb != nil {
				return rdb.Ping(ctx).Err()
			}
			return nil
		},
		Logger: logger,
	})

	srv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      api,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("carpool ledger listening", "addr", cfg.HTTPAddr, "contract", client.Address().Hex(), "node", cfg.BlockchainURL)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
