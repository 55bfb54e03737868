package server

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"custodyledger/internal/ledger"
	"custodyledger/internal/observability"
	"custodyledger/internal/reconcile"
	"custodyledger/internal/settlement"
	"custodyledger/internal/webhook"
)

// Server is the HTTP surface: account and settlement operations, the
// custodian webhook endpoint, and the operational endpoints.
type Server struct {
	httpServer *http.Server
	log        zerolog.Logger
}

// Deps holds everything the handlers need.
type Deps struct {
	Ledger         *ledger.Service
	Settlement     *settlement.Service
	Webhook        *webhook.Handler
	Reconciler     *reconcile.Job
	PriceSource    PriceSource
	HealthChecker  *observability.HealthChecker
	Log            zerolog.Logger
	RequestTimeout time.Duration
}

func New(addr string, deps *Deps) *Server {
	timeout := deps.RequestTimeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}

	api := &apiHandler{
		ledger:     deps.Ledger,
		settlement: deps.Settlement,
		reconciler: deps.Reconciler,
		prices:     deps.PriceSource,
		log:        deps.Log,
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(timeout))

	r.Get("/healthz", deps.HealthChecker.LivenessHandler)
	r.Get("/readyz", deps.HealthChecker.ReadinessHandler)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v1", func(r chi.Router) {
		// The webhook route skips no gate checks: authentication lives in
		// the webhook handler itself, against the raw body.
		r.Post("/webhooks/custodian", deps.Webhook.ServeHTTP)

		r.Route("/accounts/{accountID}", func(r chi.Router) {
			r.Get("/balances", api.getBalances)
			r.Get("/entries", api.listEntries)
			r.Post("/deposits/address", api.createDepositAddress)
			r.Post("/withdrawals", api.requestWithdrawal)
			r.Post("/purchases", api.purchase)
		})

		r.Route("/withdrawals/{txID}", func(r chi.Router) {
			r.Get("/", api.getTransaction)
			r.Post("/approve", api.approveWithdrawal)
			r.Post("/reject", api.rejectWithdrawal)
		})

		r.Get("/prices/{pair}", api.getPrice)

		r.Route("/admin", func(r chi.Router) {
			r.Get("/stats", api.adminStats)
			r.Post("/reconcile", api.runReconcile)
		})
	})

	return &Server{
		httpServer: &http.Server{
			Addr:              addr,
			Handler:           r,
			ReadHeaderTimeout: 5 * time.Second,
		},
		log: deps.Log,
	}
}

// Start serves until ctx is cancelled, then drains in-flight requests.
func (s *Server) Start(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		s.log.Info().Msg("http server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			s.log.Error().Err(err).Msg("http shutdown")
		}
	}()

	s.log.Info().Str("addr", s.httpServer.Addr).Msg("http server listening")
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}
