package httpapi

import (
	"context"
	"log/slog"
	"math/big"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/carpool-ledger/internal/dispatch"
	"github.com/example/carpool-ledger/internal/fare"
	"github.com/example/carpool-ledger/internal/lifecycle"
	"github.com/example/carpool-ledger/internal/models"
	"github.com/example/carpool-ledger/internal/session"
	"github.com/example/carpool-ledger/internal/storage"
)

// RideService is the lifecycle surface the API exposes. *lifecycle.Engine
// implements it.
type RideService interface {
	Quote(ctx context.Context, pickup, dropoff string) (models.RouteQuote, error)
	RequestRide(ctx context.Context, passenger common.Address, pickup, dropoff string) (lifecycle.RequestResult, error)
	AcceptRide(ctx context.Context, driver common.Address, id models.RideID) (lifecycle.TransitionResult, error)
	CompleteRide(ctx context.Context, driver common.Address, id models.RideID) (lifecycle.TransitionResult, error)
	GetRide(ctx context.Context, id models.RideID) (models.Ride, error)
	ListAvailable(ctx context.Context) (lifecycle.ListResult, error)
	ListActive(ctx context.Context, user common.Address) (lifecycle.ListResult, error)
	ListCompleted(ctx context.Context, user common.Address) (lifecycle.ListResult, error)
}

// AccountService reads the node keyring and balances.
type AccountService interface {
	Accounts(ctx context.Context) ([]common.Address, error)
	Balance(ctx context.Context, account common.Address) (*big.Int, error)
}

type Options struct {
	Rides         RideService
	Accounts      AccountService
	Sessions      *session.Manager
	Users         *session.Registry
	Fare          *fare.Calculator
	Journal       storage.Journal
	Board         *dispatch.Board
	OperatorToken string
	// Ready reports whether dependencies are reachable; nil means always ready.
	Ready  func(ctx context.Context) error
	Logger *slog.Logger
}

type Server struct {
	rides         RideService
	accounts      AccountService
	sessions      *session.Manager
	users         *session.Registry
	fare          *fare.Calculator
	journal       storage.Journal
	board         *dispatch.Board
	operatorToken string
	ready         func(ctx context.Context) error
	logger        *slog.Logger
	mux           *mux.Router
	upgrader      websocket.Upgrader
}

func NewServer(opts Options) *Server {
	s := &Server{
		rides:         opts.Rides,
		accounts:      opts.Accounts,
		sessions:      opts.Sessions,
		users:         opts.Users,
		fare:          opts.Fare,
		journal:       opts.Journal,
		board:         opts.Board,
		operatorToken: opts.OperatorToken,
		ready:         opts.Ready,
		logger:        opts.Logger,
		mux:           mux.NewRouter(),
		upgrader:      websocket.Upgrader{HandshakeTimeout: 5 * time.Second},
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	s.registerMiddleware()
	s.routes()
	return s
}

func (s *Server) routes() {
	api := s.mux.PathPrefix("/api/v1").Subrouter()

	api.HandleFunc("/accounts", s.handleListAccounts).Methods(http.MethodGet)
	api.HandleFunc("/sessions", s.handleConnect).Methods(http.MethodPost)
	api.HandleFunc("/sessions/{id}", s.handleDisconnect).Methods(http.MethodDelete)
	api.HandleFunc("/session", s.handleSessionInfo).Methods(http.MethodGet)

	api.HandleFunc("/users/register", s.handleRegister).Methods(http.MethodPost)
	api.HandleFunc("/users/login", s.handleLogin).Methods(http.MethodPost)
	api.HandleFunc("/users/logout", s.handleLogout).Methods(http.MethodPost)

	api.HandleFunc("/quotes", s.handleQuote).Methods(http.MethodPost)
	api.HandleFunc("/rides", s.handleRequestRide).Methods(http.MethodPost)
	api.HandleFunc("/rides/available", s.handleListAvailable).Methods(http.MethodGet)
	api.HandleFunc("/rides/active", s.handleListActive).Methods(http.MethodGet)
	api.HandleFunc("/rides/completed", s.handleListCompleted).Methods(http.MethodGet)
	api.HandleFunc("/rides/{id:[0-9]+}", s.handleGetRide).Methods(http.MethodGet)
	api.HandleFunc("/rides/{id:[0-9]+}/accept", s.handleAcceptRide).Methods(http.MethodPost)
	api.HandleFunc("/rides/{id:[0-9]+}/complete", s.handleCompleteRide).Methods(http.MethodPost)
	api.HandleFunc("/rides/{id:[0-9]+}/chat", s.handleReadChat).Methods(http.MethodGet)
	api.HandleFunc("/rides/{id:[0-9]+}/chat", s.handleSendChat).Methods(http.MethodPost)

	api.HandleFunc("/reconciliations", s.operator(s.handleListReconciliations)).Methods(http.MethodGet)
	api.HandleFunc("/reconciliations/{id:[0-9]+}/resolve", s.operator(s.handleResolveReconciliation)).Methods(http.MethodPost)

	s.mux.HandleFunc("/ws/board", s.handleBoard).Methods(http.MethodGet)
	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}).Methods(http.MethodGet)
	s.mux.HandleFunc("/ready", s.handleReady).Methods(http.MethodGet)
	s.mux.Handle("/metrics", promhttp.Handler())
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if s.ready != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
		defer cancel()
		if err := s.ready(ctx); err != nil {
			s.logger.Warn("readiness check failed", "error", err)
			http.Error(w, "not ready", http.StatusServiceUnavailable)
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready"))
}
