package observability

import (
	"context"
	"errors"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/example/carpool-ledger/internal/models"
)

var (
	RideTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "carpool", Name: "ride_transitions_total", Help: "Lifecycle operations by outcome"},
		[]string{"op", "outcome"},
	)
	LedgerCalls = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "carpool", Name: "ledger_calls_total", Help: "Contract calls and transactions by outcome"},
		[]string{"op", "outcome"},
	)
	ReceiptWait = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "carpool",
			Name:      "receipt_wait_seconds",
			Help:      "Time spent waiting for transaction receipts",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60, 120},
		},
		[]string{"op"},
	)
	ProviderCalls = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "carpool", Name: "provider_calls_total", Help: "Routing and geocoding calls by outcome"},
		[]string{"provider", "outcome"},
	)
	HydrationFailures   = promauto.NewCounter(prometheus.CounterOpts{Namespace: "carpool", Name: "hydration_failures_total", Help: "Ride detail lookups that failed while building a listing"})
	OpenReconciliations = promauto.NewGauge(prometheus.GaugeOpts{Namespace: "carpool", Name: "open_reconciliations", Help: "Ledger transactions awaiting operator reconciliation"})
	SessionsActive      = promauto.NewGauge(prometheus.GaugeOpts{Namespace: "carpool", Name: "sessions_active", Help: "Connected sessions"})
	BoardSubscribers    = promauto.NewGauge(prometheus.GaugeOpts{Namespace: "carpool", Name: "board_subscribers", Help: "Open ride board websocket connections"})

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "carpool", Name: "http_requests_total", Help: "Total HTTP requests handled"},
		[]string{"method", "path", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "carpool",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency distribution",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)

// Outcome is the metric label for an operation result.
func Outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, models.ErrPrecondition):
		return "precondition"
	case errors.Is(err, models.ErrNotFound):
		return "not_found"
	case errors.Is(err, models.ErrStillPending):
		return "pending"
	case errors.Is(err, models.ErrEventDecode):
		return "decode"
	case errors.Is(err, models.ErrConnectivity):
		return "connectivity"
	case errors.Is(err, models.ErrProviderUnavailable):
		return "provider_unavailable"
	case errors.Is(err, models.ErrInsufficientBalance):
		return "insufficient_balance"
	case errors.Is(err, models.ErrUnauthorized):
		return "unauthorized"
	case errors.Is(err, models.ErrInvalidInput):
		return "invalid_input"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "canceled"
	default:
		return "error"
	}
}
