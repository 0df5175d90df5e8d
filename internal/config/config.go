package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

// ServerConfig captures all tunable parameters for the HTTP API process.
// Values are loaded from environment variables with defaults aimed at a
// local Ganache node. Secrets (routing and geocoding keys) have no default.
type ServerConfig struct {
	HTTPAddr        string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	BlockchainURL   string
	ContractAddress common.Address
	ContractPath    string
	CallTimeout     time.Duration
	ReceiptTimeout  time.Duration
	ReceiptPoll     time.Duration
	GasHeadroomPct  int

	FareRatePerKm decimal.Decimal

	ORSURL         string
	ORSAPIKey      string
	RoutingTimeout time.Duration

	Geocoder          string // nominatim or google
	NominatimURL      string
	GeocoderUserAgent string
	GoogleMapsAPIKey  string
	GeocodeTimeout    time.Duration
	GeocodeCacheTTL   time.Duration

	RedisAddr     string
	RedisPassword string

	KafkaBrokers []string
	KafkaTopic   string

	PGDSN string

	HydrateConcurrency int
	OperatorToken      string

	LogLevel      string
	RunMigrations bool
}

// WriteTimeout covers a full receipt wait since ride requests block on it.
func defaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPAddr:           ":8080",
		ReadTimeout:        5 * time.Second,
		WriteTimeout:       3 * time.Minute,
		IdleTimeout:        120 * time.Second,
		ShutdownTimeout:    15 * time.Second,
		BlockchainURL:      "http://127.0.0.1:7545",
		ContractPath:       "build/contracts/RideSharing.json",
		CallTimeout:        10 * time.Second,
		ReceiptTimeout:     2 * time.Minute,
		ReceiptPoll:        time.Second,
		GasHeadroomPct:     20,
		FareRatePerKm:      decimal.RequireFromString("0.1"),
		ORSURL:             "https://api.openrouteservice.org/v2/directions/driving-car",
		RoutingTimeout:     5 * time.Second,
		Geocoder:           "nominatim",
		NominatimURL:       "https://nominatim.openstreetmap.org",
		GeocoderUserAgent:  "carpool-ledger/1.0",
		GeocodeTimeout:     5 * time.Second,
		GeocodeCacheTTL:    24 * time.Hour,
		KafkaTopic:         "ride-lifecycle",
		HydrateConcurrency: 8,
		LogLevel:           "info",
	}
}

func LoadServerConfig() (ServerConfig, error) {
	cfg := defaultServerConfig()
	var errs []error

	setStringFromEnv(&cfg.HTTPAddr, "HTTP_ADDR")
	setDurationFromEnv(&cfg.ReadTimeout, "HTTP_READ_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.WriteTimeout, "HTTP_WRITE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.IdleTimeout, "HTTP_IDLE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.ShutdownTimeout, "HTTP_SHUTDOWN_TIMEOUT", &errs)

	setStringFromEnv(&cfg.BlockchainURL, "BLOCKCHAIN_URL")
	if v := strings.TrimSpace(os.Getenv("CONTRACT_ADDRESS")); v == "" {
		errs = append(errs, fmt.Errorf("CONTRACT_ADDRESS is required"))
	} else if !common.IsHexAddress(v) {
		errs = append(errs, fmt.Errorf("invalid CONTRACT_ADDRESS %q", v))
	} else {
		cfg.ContractAddress = common.HexToAddress(v)
	}
	setStringFromEnv(&cfg.ContractPath, "CONTRACT_PATH")
	setDurationFromEnv(&cfg.CallTimeout, "LEDGER_CALL_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.ReceiptTimeout, "LEDGER_RECEIPT_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.ReceiptPoll, "LEDGER_RECEIPT_POLL", &errs)
	setIntFromEnv(&cfg.GasHeadroomPct, "LEDGER_GAS_HEADROOM_PCT", &errs)

	if v := strings.TrimSpace(os.Getenv("FARE_RATE_PER_KM")); v != "" {
		d, err := decimal.NewFromString(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("invalid FARE_RATE_PER_KM: %w", err))
		} else {
			cfg.FareRatePerKm = d
		}
	}

	setStringFromEnv(&cfg.ORSURL, "ORS_URL")
	cfg.ORSAPIKey = strings.TrimSpace(os.Getenv("ORS_API_KEY"))
	setDurationFromEnv(&cfg.RoutingTimeout, "ROUTING_TIMEOUT", &errs)

	if v := os.Getenv("GEOCODER"); v != "" {
		cfg.Geocoder = strings.ToLower(strings.TrimSpace(v))
	}
	setStringFromEnv(&cfg.NominatimURL, "NOMINATIM_URL")
	setStringFromEnv(&cfg.GeocoderUserAgent, "GEOCODER_USER_AGENT")
	cfg.GoogleMapsAPIKey = strings.TrimSpace(os.Getenv("GOOGLE_MAPS_API_KEY"))
	setDurationFromEnv(&cfg.GeocodeTimeout, "GEOCODE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.GeocodeCacheTTL, "GEOCODE_CACHE_TTL", &errs)

	cfg.RedisAddr = strings.TrimSpace(os.Getenv("REDIS_ADDR"))
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")

	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}
	setStringFromEnv(&cfg.KafkaTopic, "KAFKA_TOPIC")

	cfg.PGDSN = os.Getenv("PG_DSN")

	setIntFromEnv(&cfg.HydrateConcurrency, "HYDRATE_CONCURRENCY", &errs)
	cfg.OperatorToken = strings.TrimSpace(os.Getenv("OPERATOR_TOKEN"))

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}

	cfg.RunMigrations = strings.EqualFold(os.Getenv("MIGRATE"), "true")

	if cfg.ORSAPIKey == "" {
		errs = append(errs, fmt.Errorf("ORS_API_KEY is required"))
	}
	switch cfg.Geocoder {
	case "nominatim":
	case "google":
		if cfg.GoogleMapsAPIKey == "" {
			errs = append(errs, fmt.Errorf("GOOGLE_MAPS_API_KEY is required when GEOCODER=google"))
		}
	default:
		errs = append(errs, fmt.Errorf("GEOCODER must be nominatim or google, got %q", cfg.Geocoder))
	}
	if cfg.FareRatePerKm.IsNegative() {
		errs = append(errs, fmt.Errorf("FARE_RATE_PER_KM must be >= 0"))
	}
	if cfg.HydrateConcurrency <= 0 {
		errs = append(errs, fmt.Errorf("HYDRATE_CONCURRENCY must be > 0"))
	}
	if cfg.GasHeadroomPct < 0 {
		errs = append(errs, fmt.Errorf("LEDGER_GAS_HEADROOM_PCT must be >= 0"))
	}
	if cfg.ReceiptTimeout <= cfg.ReceiptPoll {
		errs = append(errs, fmt.Errorf("LEDGER_RECEIPT_TIMEOUT must exceed LEDGER_RECEIPT_POLL"))
	}

	return cfg, errors.Join(errs...)
}

// ConsumerConfig configures the process that moves lifecycle events from
// Kafka into the journal.
type ConsumerConfig struct {
	MetricsAddr  string
	KafkaBrokers []string
	KafkaTopic   string
	KafkaGroup   string
	PGDSN        string

	WriteAttempts int
	WriteBackoff  time.Duration

	LogLevel      string
	RunMigrations bool
}

func LoadConsumerConfig() (ConsumerConfig, error) {
	cfg := ConsumerConfig{
		MetricsAddr:   ":2112",
		KafkaBrokers:  []string{"localhost:9092"},
		KafkaTopic:    "ride-lifecycle",
		KafkaGroup:    "carpool-journal",
		WriteAttempts: 5,
		WriteBackoff:  200 * time.Millisecond,
		LogLevel:      "info",
	}
	var errs []error

	setStringFromEnv(&cfg.MetricsAddr, "METRICS_ADDR")
	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}
	setStringFromEnv(&cfg.KafkaTopic, "KAFKA_TOPIC")
	setStringFromEnv(&cfg.KafkaGroup, "KAFKA_GROUP")
	cfg.PGDSN = os.Getenv("PG_DSN")
	setIntFromEnv(&cfg.WriteAttempts, "JOURNAL_WRITE_ATTEMPTS", &errs)
	setDurationFromEnv(&cfg.WriteBackoff, "JOURNAL_WRITE_BACKOFF", &errs)
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}
	cfg.RunMigrations = strings.EqualFold(os.Getenv("MIGRATE"), "true")

	if cfg.PGDSN == "" {
		errs = append(errs, fmt.Errorf("PG_DSN is required"))
	}
	if len(cfg.KafkaBrokers) == 0 {
		errs = append(errs, fmt.Errorf("KAFKA_BROKERS is empty"))
	}
	if cfg.WriteAttempts <= 0 {
		errs = append(errs, fmt.Errorf("JOURNAL_WRITE_ATTEMPTS must be > 0"))
	}
	if cfg.WriteBackoff <= 0 {
		errs = append(errs, fmt.Errorf("JOURNAL_WRITE_BACKOFF must be > 0"))
	}
	return cfg, errors.Join(errs...)
}

func setDurationFromEnv(target *time.Duration, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = d
	}
}

func setIntFromEnv(target *int, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		i, err := strconv.Atoi(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = i
	}
}

func setStringFromEnv(target *string, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		*target = v
	}
}

func splitAndTrim(v string) []string {
	raw := strings.Split(v, ",")
	out := make([]string, 0, len(raw))
	for _, r := range raw {
		r = strings.TrimSpace(r)
		if r == "" {
			continue
		}
		out = append(out, r)
	}
	return out
}
