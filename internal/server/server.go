// Package server is the engine's front door: a JSON/HTTP API built on
// the grpc-gateway mux, a gRPC endpoint carrying health and reflection,
// and the background loops that apply oracle prices, accrue funding and
// take snapshots. Every touch of pool state, read or write, goes
// through one mutex; the pool itself is not concurrency-safe.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"PerpPool/internal/errs"
	"PerpPool/internal/exec"
	"PerpPool/internal/fixedpoint"
	"PerpPool/internal/observability"
	"PerpPool/internal/pool"
	"PerpPool/internal/projection"
	"PerpPool/internal/query"
)

// Deps holds everything the server needs.
type Deps struct {
	Pool           *pool.Pool
	Exec           *exec.Executor
	Query          *query.Service
	FundingHistory *projection.FundingHistory
	Recorder       *Recorder
	Metrics        *observability.Metrics
	Health         *observability.HealthChecker
	Log            zerolog.Logger
}

// Server serializes all engine access behind one mutex and exposes it
// over HTTP/JSON and gRPC.
type Server struct {
	mu sync.Mutex

	pool    *pool.Pool
	exec    *exec.Executor
	query   *query.Service
	funding *projection.FundingHistory
	rec     *Recorder
	metrics *observability.Metrics
	health  *observability.HealthChecker
	log     zerolog.Logger

	grpcAddr string
	httpAddr string

	grpcServer *grpc.Server
	httpServer *http.Server
}

func New(grpcAddr, httpAddr string, deps Deps) *Server {
	return &Server{
		pool:     deps.Pool,
		exec:     deps.Exec,
		query:    deps.Query,
		funding:  deps.FundingHistory,
		rec:      deps.Recorder,
		metrics:  deps.Metrics,
		health:   deps.Health,
		log:      deps.Log.With().Str("component", "server").Logger(),
		grpcAddr: grpcAddr,
		httpAddr: httpAddr,
	}
}

// StartGRPC serves health and reflection on the gRPC port (blocking).
func (s *Server) StartGRPC(ctx context.Context) error {
	lis, err := net.Listen("tcp", s.grpcAddr)
	if err != nil {
		return fmt.Errorf("grpc listen: %w", err)
	}

	s.grpcServer = grpc.NewServer()

	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(s.grpcServer, healthServer)
	healthServer.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)

	reflection.Register(s.grpcServer)

	go func() {
		<-ctx.Done()
		s.log.Info().Msg("gRPC server shutting down")
		s.grpcServer.GracefulStop()
	}()

	s.log.Info().Str("addr", s.grpcAddr).Msg("gRPC server listening")
	return s.grpcServer.Serve(lis)
}

// StartHTTP serves the JSON API (blocking).
func (s *Server) StartHTTP(ctx context.Context) error {
	mux := runtime.NewServeMux()
	if err := s.registerRoutes(mux); err != nil {
		return fmt.Errorf("register routes: %w", err)
	}

	httpMux := http.NewServeMux()
	if s.health != nil {
		httpMux.HandleFunc("/healthz", s.health.LivenessHandler)
		httpMux.HandleFunc("/readyz", s.health.ReadinessHandler)
	}
	httpMux.Handle("/", mux)

	s.httpServer = &http.Server{
		Addr:    s.httpAddr,
		Handler: httpMux,
	}

	go func() {
		<-ctx.Done()
		s.log.Info().Msg("HTTP server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.httpServer.Shutdown(shutdownCtx)
	}()

	s.log.Info().Str("addr", s.httpAddr).Msg("HTTP server listening")
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *Server) registerRoutes(mux *runtime.ServeMux) error {
	type route struct {
		method  string
		path    string
		handler runtime.HandlerFunc
	}
	routes := []route{
		{"POST", "/v1/trade", s.handleTrade},
		{"POST", "/v1/deposit", s.handleDeposit},
		{"POST", "/v1/withdraw", s.handleWithdraw},
		{"POST", "/v1/liquidity/add", s.handleAddLiquidity},
		{"POST", "/v1/liquidity/remove", s.handleRemoveLiquidity},
		{"POST", "/v1/liquidate/amm", s.handleLiquidateByAMM},
		{"POST", "/v1/liquidate/trader", s.handleLiquidateByTrader},
		{"POST", "/v1/donate", s.handleDonate},
		{"POST", "/v1/fees/claim", s.handleClaimOperatorFees},
		{"POST", "/v1/markets/{index}/run", s.handleRunMarket},
		{"POST", "/v1/markets/{index}/emergency", s.handleSetEmergency},
		{"POST", "/v1/emergency", s.handleSetAllEmergency},
		{"POST", "/v1/markets/{index}/clear", s.handleClear},
		{"POST", "/v1/markets/{index}/settle", s.handleSettle},
		{"GET", "/v1/pool", s.handlePoolStatus},
		{"GET", "/v1/markets/{index}", s.handleMarketInfo},
		{"GET", "/v1/markets/{index}/funding", s.handleFundingHistory},
		{"GET", "/v1/accounts/{index}/{trader}", s.handleAccountInfo},
	}
	for _, r := range routes {
		if err := mux.HandlePath(r.method, r.path, r.handler); err != nil {
			return fmt.Errorf("%s %s: %w", r.method, r.path, err)
		}
	}
	return nil
}

// mutate runs one engine mutation under the mutex with uniform
// instrumentation.
func (s *Server) mutate(op string, fn func() error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	start := time.Now()
	err := fn()
	s.metrics.OperationDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())

	if err != nil {
		s.metrics.OperationsFailed.WithLabelValues(op, failureReason(err)).Inc()
		return err
	}
	s.metrics.OperationsTotal.WithLabelValues(op).Inc()
	return nil
}

func failureReason(err error) string {
	switch {
	case errors.Is(err, errs.ErrValidation):
		return "validation"
	case errors.Is(err, errs.ErrSafety):
		return "safety"
	case errors.Is(err, errs.ErrState):
		return "state"
	case errors.Is(err, errs.ErrLiquidity):
		return "liquidity"
	case errors.Is(err, errs.ErrArithmetic):
		return "arithmetic"
	default:
		return "internal"
	}
}

func httpStatus(err error) int {
	switch {
	case errors.Is(err, errs.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, errs.ErrState):
		return http.StatusConflict
	case errors.Is(err, errs.ErrSafety), errors.Is(err, errs.ErrLiquidity):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

// updatePoolGauges refreshes the pool-ledger gauges. Called under the
// engine mutex after mutations.
func (s *Server) updatePoolGauges() {
	s.metrics.PoolCash.Set(gaugeValue(s.pool.PoolCash))
	s.metrics.InsuranceFund.Set(gaugeValue(s.pool.InsuranceFund))
	s.metrics.DonatedInsuranceFund.Set(gaugeValue(s.pool.DonatedInsuranceFund))
	s.metrics.OperatorFees.Set(gaugeValue(s.pool.OperatorFees))
	s.metrics.VaultFees.Set(gaugeValue(s.pool.VaultFees))
	if supply, err := s.pool.Shares.TotalSupply(); err == nil {
		s.metrics.ShareSupply.Set(gaugeValue(supply))
	}
}

// SyncMarketGauges publishes per-market state gauges. Call once after
// bootstrap and after lifecycle transitions.
func (s *Server) SyncMarketGauges() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range s.pool.Markets {
		s.metrics.MarketState.WithLabelValues(m.Symbol).Set(float64(m.State))
		s.metrics.OpenInterest.WithLabelValues(m.Symbol).Set(gaugeValue(m.OpenInterest))
		s.metrics.FundingRate.WithLabelValues(m.Symbol).Set(gaugeValue(m.Funding.FundingRate))
	}
	s.updatePoolGauges()
}

// gaugeValue converts a fixed-point value to a float for Prometheus.
// Precision loss is acceptable for monitoring.
func gaugeValue(v fixedpoint.Value) float64 {
	f, err := strconv.ParseFloat(v.String(), 64)
	if err != nil {
		return 0
	}
	return f
}
