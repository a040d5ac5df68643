// Package gateway exposes the ledger over a JSON HTTP API.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"tapcoin-ledger/internal/ledger"
	"tapcoin-ledger/internal/metrics"
	"tapcoin-ledger/internal/storage"
)

// Options configure the listener and request guards.
type Options struct {
	Addr            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
	// AuthToken, when set, is required as a bearer token on every /v1 route.
	AuthToken    string
	MaxBodyBytes int64
	// RateLimitRPS of zero disables per-client limiting.
	RateLimitRPS   float64
	RateLimitBurst int
	// RatesLimit is the default number of observations listed by GET /v1/rates.
	RatesLimit int
}

// RateLister serves the recent rate history.
type RateLister interface {
	ListRecent(ctx context.Context, limit int) ([]storage.RateObservation, error)
}

// HealthFunc reports whether backing storage is reachable.
type HealthFunc func(ctx context.Context) error

// Server routes HTTP requests onto ledger operations.
type Server struct {
	opts    Options
	ledger  *ledger.Ledger
	rates   RateLister
	metrics *metrics.Metrics
	health  HealthFunc
	limiter *clientLimiter
	logger  zerolog.Logger
}

// New wires the gateway. m, rates and health may be nil.
func New(opts Options, l *ledger.Ledger, rates RateLister, m *metrics.Metrics, health HealthFunc, logger zerolog.Logger) *Server {
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = 1 << 16
	}
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = 10 * time.Second
	}
	if opts.RatesLimit <= 0 {
		opts.RatesLimit = 20
	}

	s := &Server{
		opts:    opts,
		ledger:  l,
		rates:   rates,
		metrics: m,
		health:  health,
		logger:  logger.With().Str("component", "gateway").Logger(),
	}
	if opts.RateLimitRPS > 0 {
		s.limiter = newClientLimiter(opts.RateLimitRPS, opts.RateLimitBurst)
	}
	return s
}

// Routes builds the router.
func (s *Server) Routes() http.Handler {
	r := mux.NewRouter()
	r.Use(s.trace, s.metrics.Middleware)
	r.NotFoundHandler = s.trace(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusNotFound, ledger.KindInvalidRequest, "route not found")
	}))
	r.MethodNotAllowedHandler = s.trace(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, ledger.KindInvalidRequest, "method not allowed")
	}))

	r.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	if s.metrics != nil {
		r.Handle("/metrics", s.metrics.Handler()).Methods(http.MethodGet)
	}

	v1 := r.PathPrefix("/v1").Subrouter()
	v1.Use(s.auth, s.rateLimit)

	v1.HandleFunc("/accounts", s.handleCreateAccount).Methods(http.MethodPost)
	v1.HandleFunc("/accounts/{id}", s.handleGetAccount).Methods(http.MethodGet)
	v1.HandleFunc("/accounts/{id}/block", s.handleSetBlocked(true)).Methods(http.MethodPost)
	v1.HandleFunc("/accounts/{id}/unblock", s.handleSetBlocked(false)).Methods(http.MethodPost)
	v1.HandleFunc("/accounts/{id}/transactions", s.handleHistory).Methods(http.MethodGet)
	v1.HandleFunc("/transfers", s.handleTransfer).Methods(http.MethodPost)
	v1.HandleFunc("/merchant-payments", s.handleMerchantPayment).Methods(http.MethodPost)
	v1.HandleFunc("/merchant-payments/status", s.handlePaymentStatus).Methods(http.MethodGet)
	v1.HandleFunc("/mining/accruals", s.handleAccrual).Methods(http.MethodPost)
	v1.HandleFunc("/halving", s.handleHalving).Methods(http.MethodGet)
	v1.HandleFunc("/exchanges", s.handleExchange).Methods(http.MethodPost)
	v1.HandleFunc("/rates", s.handleRates).Methods(http.MethodGet)

	return r
}

// Run serves until ctx is cancelled, then drains in-flight requests.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:         s.opts.Addr,
		Handler:      s.Routes(),
		ReadTimeout:  s.opts.ReadTimeout,
		WriteTimeout: s.opts.WriteTimeout,
		IdleTimeout:  s.opts.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", s.opts.Addr).Msg("gateway listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			return fmt.Errorf("gateway listen: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.opts.ShutdownTimeout)
	defer cancel()
	s.logger.Info().Msg("gateway shutting down")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("gateway shutdown: %w", err)
	}
	return nil
}
