// perppool runs the perpetual pool engine: it restores state from the
// latest snapshot, serves the trading API, consumes the oracle price
// feed, and records every operation to Postgres and NATS.
package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"PerpPool/internal/event"
	"PerpPool/internal/exec"
	"PerpPool/internal/external"
	"PerpPool/internal/fixedpoint"
	"PerpPool/internal/ingestion"
	"PerpPool/internal/market"
	"PerpPool/internal/observability"
	"PerpPool/internal/persistence"
	"PerpPool/internal/pool"
	"PerpPool/internal/projection"
	"PerpPool/internal/query"
	"PerpPool/internal/server"
)

// Config is assembled from PERP_* environment variables.
type Config struct {
	PostgresDSN   string
	NATSURL       string
	GRPCAddr      string
	HTTPAddr      string
	MetricsAddr   string
	MigrationsDir string
	BootstrapPath string

	PersistBatchSize    int
	PersistFlushTimeout time.Duration
	PublishBuffer       int
	SnapshotInterval    time.Duration
	FundingSyncInterval time.Duration
}

func loadConfig() Config {
	return Config{
		PostgresDSN:   envOrDefault("PERP_POSTGRES_DSN", "postgres://localhost:5432/perppool?sslmode=disable"),
		NATSURL:       envOrDefault("PERP_NATS_URL", "nats://localhost:4222"),
		GRPCAddr:      envOrDefault("PERP_GRPC_ADDR", ":9090"),
		HTTPAddr:      envOrDefault("PERP_HTTP_ADDR", ":8080"),
		MetricsAddr:   envOrDefault("PERP_METRICS_ADDR", ":9091"),
		MigrationsDir: envOrDefault("PERP_MIGRATIONS_DIR", "migrations"),
		BootstrapPath: envOrDefault("PERP_BOOTSTRAP", "bootstrap.json"),

		PersistBatchSize:    envIntOrDefault("PERP_PERSIST_BATCH_SIZE", 256),
		PersistFlushTimeout: time.Duration(envIntOrDefault("PERP_PERSIST_FLUSH_MS", 200)) * time.Millisecond,
		PublishBuffer:       envIntOrDefault("PERP_PUBLISH_BUFFER", 4096),
		SnapshotInterval:    time.Duration(envIntOrDefault("PERP_SNAPSHOT_INTERVAL_SEC", 300)) * time.Second,
		FundingSyncInterval: time.Duration(envIntOrDefault("PERP_FUNDING_SYNC_SEC", 60)) * time.Second,
	}
}

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envIntOrDefault(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

// bootstrapConfig describes the pool and its markets. The engine's
// ledgers are its own; collateral and share movements go through the
// in-process token adapters.
type bootstrapConfig struct {
	Operator           string         `json:"operator"`
	Governor           string         `json:"governor"`
	InsuranceFundCap   string         `json:"insurance_fund_cap"`
	LiquidityCap       string         `json:"liquidity_cap"`
	VaultFeeRate       string         `json:"vault_fee_rate"`
	CollateralDecimals int            `json:"collateral_decimals"`
	Markets            []marketConfig `json:"markets"`
}

type marketConfig struct {
	Symbol   string     `json:"symbol"`
	OracleID string     `json:"oracle_id"`
	Params   riskConfig `json:"params"`
}

// riskConfig carries every risk parameter as a decimal string. Each
// becomes a fixed option; bound management happens through governance
// tooling, not bootstrap.
type riskConfig struct {
	InitialMarginRate      string `json:"initial_margin_rate"`
	MaintenanceMarginRate  string `json:"maintenance_margin_rate"`
	OperatorFeeRate        string `json:"operator_fee_rate"`
	LPFeeRate              string `json:"lp_fee_rate"`
	ReferralRebateRate     string `json:"referral_rebate_rate"`
	LiquidationPenaltyRate string `json:"liquidation_penalty_rate"`
	KeeperGasReward        string `json:"keeper_gas_reward"`
	InsuranceFundRate      string `json:"insurance_fund_rate"`
	MaxOpenInterestRate    string `json:"max_open_interest_rate"`
	HalfSpread             string `json:"half_spread"`
	OpenSlippageFactor     string `json:"open_slippage_factor"`
	CloseSlippageFactor    string `json:"close_slippage_factor"`
	FundingRateFactor      string `json:"funding_rate_factor"`
	FundingRateLimit       string `json:"funding_rate_limit"`
	BaseFundingRate        string `json:"base_funding_rate"`
	AMMMaxLeverage         string `json:"amm_max_leverage"`
	MaxClosePriceDiscount  string `json:"max_close_price_discount"`
	MeanRate               string `json:"mean_rate"`
	MeanRevertFactor       string `json:"mean_revert_factor"`
}

func loadBootstrap(path string) (*bootstrapConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read bootstrap: %w", err)
	}
	var cfg bootstrapConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse bootstrap: %w", err)
	}
	if len(cfg.Markets) == 0 {
		return nil, fmt.Errorf("bootstrap has no markets")
	}
	return &cfg, nil
}

func (rc riskConfig) toRiskParams() (market.RiskParams, error) {
	opt := func(s string) (market.Option, error) {
		v, err := fixedpoint.FromDecimal(s)
		if err != nil {
			return market.Option{}, err
		}
		return market.FixedOption(v), nil
	}

	var params market.RiskParams
	for _, f := range []struct {
		name string
		raw  string
		dst  *market.Option
	}{
		{"initial_margin_rate", rc.InitialMarginRate, &params.InitialMarginRate},
		{"maintenance_margin_rate", rc.MaintenanceMarginRate, &params.MaintenanceMarginRate},
		{"operator_fee_rate", rc.OperatorFeeRate, &params.OperatorFeeRate},
		{"lp_fee_rate", rc.LPFeeRate, &params.LPFeeRate},
		{"referral_rebate_rate", rc.ReferralRebateRate, &params.ReferralRebateRate},
		{"liquidation_penalty_rate", rc.LiquidationPenaltyRate, &params.LiquidationPenaltyRate},
		{"keeper_gas_reward", rc.KeeperGasReward, &params.KeeperGasReward},
		{"insurance_fund_rate", rc.InsuranceFundRate, &params.InsuranceFundRate},
		{"max_open_interest_rate", rc.MaxOpenInterestRate, &params.MaxOpenInterestRate},
		{"half_spread", rc.HalfSpread, &params.HalfSpread},
		{"open_slippage_factor", rc.OpenSlippageFactor, &params.OpenSlippageFactor},
		{"close_slippage_factor", rc.CloseSlippageFactor, &params.CloseSlippageFactor},
		{"funding_rate_factor", rc.FundingRateFactor, &params.FundingRateFactor},
		{"funding_rate_limit", rc.FundingRateLimit, &params.FundingRateLimit},
		{"base_funding_rate", rc.BaseFundingRate, &params.BaseFundingRate},
		{"amm_max_leverage", rc.AMMMaxLeverage, &params.AMMMaxLeverage},
		{"max_close_price_discount", rc.MaxClosePriceDiscount, &params.MaxClosePriceDiscount},
		{"mean_rate", rc.MeanRate, &params.MeanRate},
		{"mean_revert_factor", rc.MeanRevertFactor, &params.MeanRevertFactor},
	} {
		o, err := opt(f.raw)
		if err != nil {
			return market.RiskParams{}, fmt.Errorf("%s: %w", f.name, err)
		}
		*f.dst = o
	}
	return params, nil
}

func main() {
	log := observability.NewLogger("perppool")
	cfg := loadConfig()

	if err := run(cfg, log); err != nil {
		log.Fatal().Err(err).Msg("engine exited")
	}
}

func run(cfg Config, log zerolog.Logger) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	boot, err := loadBootstrap(cfg.BootstrapPath)
	if err != nil {
		return err
	}
	operator, err := uuid.Parse(boot.Operator)
	if err != nil {
		return fmt.Errorf("bootstrap operator: %w", err)
	}
	governor, err := uuid.Parse(boot.Governor)
	if err != nil {
		return fmt.Errorf("bootstrap governor: %w", err)
	}

	// --- Postgres ---
	db, err := sql.Open("postgres", cfg.PostgresDSN)
	if err != nil {
		return fmt.Errorf("open postgres: %w", err)
	}
	defer db.Close()
	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping postgres: %w", err)
	}
	if err := persistence.NewMigrator(db, cfg.MigrationsDir, log).Up(ctx); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}

	// --- Pool ---
	poolCfg := pool.Config{CollateralDecimals: boot.CollateralDecimals}
	if poolCfg.InsuranceFundCap, err = fixedpoint.FromDecimal(boot.InsuranceFundCap); err != nil {
		return fmt.Errorf("bootstrap insurance_fund_cap: %w", err)
	}
	if poolCfg.LiquidityCap, err = fixedpoint.FromDecimal(boot.LiquidityCap); err != nil {
		return fmt.Errorf("bootstrap liquidity_cap: %w", err)
	}
	if poolCfg.VaultFeeRate, err = fixedpoint.FromDecimal(boot.VaultFeeRate); err != nil {
		return fmt.Errorf("bootstrap vault_fee_rate: %w", err)
	}

	p, err := pool.New(operator, governor,
		external.NewMemoryToken(), external.NewMemoryToken(), external.AllowAll{},
		poolCfg, log)
	if err != nil {
		return fmt.Errorf("build pool: %w", err)
	}
	for _, mc := range boot.Markets {
		params, err := mc.Params.toRiskParams()
		if err != nil {
			return fmt.Errorf("market %s params: %w", mc.Symbol, err)
		}
		if _, err := p.CreateMarket(mc.Symbol, mc.OracleID, params); err != nil {
			return fmt.Errorf("create market %s: %w", mc.Symbol, err)
		}
	}

	// --- Recovery ---
	snapMgr := persistence.NewSnapshotManager(db)
	oplog := persistence.NewOperationLogWriter(db)

	snap, err := snapMgr.LoadLatestSnapshot(ctx)
	if err != nil {
		return fmt.Errorf("load snapshot: %w", err)
	}
	if snap != nil {
		if err := persistence.Restore(p, snap); err != nil {
			return fmt.Errorf("restore snapshot: %w", err)
		}
		log.Info().Int64("sequence", snap.Sequence).Time("created_at", snap.CreatedAt).Msg("state restored from snapshot")
	} else {
		log.Info().Msg("cold start, no snapshot")
	}

	startSeq, err := oplog.LatestSequence(ctx)
	if err != nil {
		return fmt.Errorf("latest sequence: %w", err)
	}
	if snap != nil && snap.Sequence > startSeq {
		startSeq = snap.Sequence
	}

	// --- Wiring ---
	metrics := observability.NewMetrics()
	health := observability.NewHealthChecker()

	persistCh := make(chan event.Envelope, cfg.PersistBatchSize)
	publishCh := make(chan event.Envelope, cfg.PublishBuffer)
	rec := server.NewRecorder(startSeq, persistCh, publishCh, metrics, log)

	fundingHist := projection.NewFundingHistory()
	executor := exec.New(p, log)
	querySvc := query.NewService(p, fundingHist)

	srv := server.New(cfg.GRPCAddr, cfg.HTTPAddr, server.Deps{
		Pool:           p,
		Exec:           executor,
		Query:          querySvc,
		FundingHistory: fundingHist,
		Recorder:       rec,
		Metrics:        metrics,
		Health:         health,
		Log:            log,
	})

	// --- NATS ---
	nc, js, err := ingestion.ConnectNATS(cfg.NATSURL, log)
	if err != nil {
		return err
	}
	defer nc.Close()
	if err := ingestion.EnsurePriceStream(ctx, js); err != nil {
		return err
	}
	if err := ingestion.EnsureOutboundStream(ctx, js); err != nil {
		return err
	}

	sub := ingestion.NewPriceSubscriber(js, srv.ApplyPrice, log)
	if err := sub.Subscribe(ctx); err != nil {
		return fmt.Errorf("subscribe prices: %w", err)
	}
	defer sub.Stop()

	// --- Background goroutines ---
	var wg sync.WaitGroup

	worker := persistence.NewOperationLogWorker(db, persistCh, cfg.PersistBatchSize, cfg.PersistFlushTimeout, metrics, log)
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := worker.Run(ctx); err != nil && err != context.Canceled {
			log.Error().Err(err).Msg("operation log worker stopped")
		}
	}()

	publisher := ingestion.NewOutboundPublisher(js, publishCh, log)
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := publisher.Run(ctx); err != nil && err != context.Canceled {
			log.Error().Err(err).Msg("outbound publisher stopped")
		}
	}()

	go func() {
		if err := srv.StartGRPC(ctx); err != nil {
			log.Error().Err(err).Msg("gRPC server stopped")
			cancel()
		}
	}()
	go func() {
		if err := srv.StartHTTP(ctx); err != nil {
			log.Error().Err(err).Msg("HTTP server stopped")
			cancel()
		}
	}()
	go srv.RunFundingSync(ctx, cfg.FundingSyncInterval)
	go srv.RunSnapshots(ctx, cfg.SnapshotInterval, snapMgr)

	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.Handler())
	metricsSrv := &http.Server{Addr: cfg.MetricsAddr, Handler: metricsMux}
	go func() {
		log.Info().Str("addr", cfg.MetricsAddr).Msg("metrics server listening")
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("metrics server stopped")
		}
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, sc := context.WithTimeout(context.Background(), 5*time.Second)
		defer sc()
		metricsSrv.Shutdown(shutdownCtx)
	}()

	srv.SyncMarketGauges()
	health.SetReady(true)
	log.Info().Int64("sequence", startSeq).Int("markets", len(p.Markets)).Msg("engine ready")

	// --- Shutdown ---
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	select {
	case s := <-sig:
		log.Info().Str("signal", s.String()).Msg("shutdown signal received")
	case <-ctx.Done():
	}

	health.SetReady(false)
	sub.Stop()
	cancel()
	wg.Wait()

	finalCtx, fc := context.WithTimeout(context.Background(), 10*time.Second)
	defer fc()
	if err := srv.Snapshot(finalCtx, snapMgr); err != nil {
		log.Error().Err(err).Msg("final snapshot failed")
	}

	log.Info().Msg("engine stopped")
	return nil
}
