package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the pool engine.
type Metrics struct {
	// --- Operations ---
	OperationsTotal   *prometheus.CounterVec
	OperationsFailed  *prometheus.CounterVec
	OperationDuration *prometheus.HistogramVec

	// --- Trading ---
	TradesExecuted  *prometheus.CounterVec
	TradeNotional   *prometheus.CounterVec
	OpenInterest    *prometheus.GaugeVec
	FundingRate     *prometheus.GaugeVec
	IndexPrice      *prometheus.GaugeVec
	MarkPrice       *prometheus.GaugeVec
	MarketState     *prometheus.GaugeVec

	// --- Liquidation ---
	LiquidationsExecuted *prometheus.CounterVec
	LiquidationPenalty   *prometheus.CounterVec

	// --- Pool ledgers ---
	PoolCash             prometheus.Gauge
	InsuranceFund        prometheus.Gauge
	DonatedInsuranceFund prometheus.Gauge
	OperatorFees         prometheus.Gauge
	VaultFees            prometheus.Gauge
	ShareSupply          prometheus.Gauge

	// --- Price ingest ---
	PriceUpdates      *prometheus.CounterVec
	PriceParseErrors  prometheus.Counter
	PriceStaleSkipped *prometheus.CounterVec
	OracleClosed      *prometheus.CounterVec

	// --- Operation log & snapshots ---
	PersistRecordsWritten prometheus.Counter
	PersistErrors         *prometheus.CounterVec
	PersistBatchDur       prometheus.Histogram
	PersistLastSequence   prometheus.Gauge
	PublishDrops          prometheus.Counter
	SnapshotTaken         prometheus.Counter
	SnapshotDuration      prometheus.Histogram
	SnapshotSizeBytes     prometheus.Gauge

	// --- Query API ---
	QueryRequests *prometheus.CounterVec
	QueryDuration *prometheus.HistogramVec
}

// NewMetrics creates and registers all Prometheus metrics.
func NewMetrics() *Metrics {
	opBuckets := []float64{
		0.00001, 0.000025, 0.00005, 0.0001, 0.00025,
		0.0005, 0.001, 0.002, 0.005, 0.01, 0.05,
	}

	return &Metrics{
		OperationsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "perp_operations_total",
			Help: "Mutating operations accepted",
		}, []string{"operation"}),

		OperationsFailed: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "perp_operations_failed_total",
			Help: "Mutating operations rejected",
		}, []string{"operation", "reason"}),

		OperationDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "perp_operation_duration_seconds",
			Help:    "Time to execute one operation",
			Buckets: opBuckets,
		}, []string{"operation"}),

		TradesExecuted: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "perp_trades_executed_total",
			Help: "Trades filled against the AMM",
		}, []string{"market"}),

		TradeNotional: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "perp_trade_notional_total",
			Help: "Absolute traded notional in collateral units",
		}, []string{"market"}),

		OpenInterest: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "perp_open_interest",
			Help: "Current open interest per market",
		}, []string{"market"}),

		FundingRate: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "perp_funding_rate",
			Help: "Current funding rate per market",
		}, []string{"market"}),

		IndexPrice: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "perp_index_price",
			Help: "Latest accepted index price",
		}, []string{"market"}),

		MarkPrice: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "perp_mark_price",
			Help: "Latest accepted mark price",
		}, []string{"market"}),

		MarketState: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "perp_market_state",
			Help: "Lifecycle state (1=INITIALIZING, 2=NORMAL, 3=EMERGENCY, 4=CLEARED)",
		}, []string{"market"}),

		LiquidationsExecuted: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "perp_liquidations_executed_total",
			Help: "Forced closes, by taker side",
		}, []string{"market", "taker"}),

		LiquidationPenalty: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "perp_liquidation_penalty_total",
			Help: "Penalty collected from liquidated accounts",
		}, []string{"market"}),

		PoolCash: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "perp_pool_cash",
			Help: "Shared pool cash",
		}),

		InsuranceFund: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "perp_insurance_fund",
			Help: "Insurance fund balance",
		}),

		DonatedInsuranceFund: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "perp_donated_insurance_fund",
			Help: "Donated insurance fund balance",
		}),

		OperatorFees: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "perp_operator_fees",
			Help: "Unclaimed operator fees",
		}),

		VaultFees: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "perp_vault_fees",
			Help: "Accrued vault fees",
		}),

		ShareSupply: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "perp_share_supply",
			Help: "Outstanding LP shares",
		}),

		PriceUpdates: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "perp_price_updates_total",
			Help: "Oracle readings applied",
		}, []string{"market"}),

		PriceParseErrors: promauto.NewCounter(prometheus.CounterOpts{
			Name: "perp_price_parse_errors_total",
			Help: "Unparseable price messages",
		}),

		PriceStaleSkipped: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "perp_price_stale_skipped_total",
			Help: "Price readings older than the cached entry",
		}, []string{"market"}),

		OracleClosed: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "perp_oracle_closed_total",
			Help: "Readings skipped because the oracle reported a closed market",
		}, []string{"market"}),

		PersistRecordsWritten: promauto.NewCounter(prometheus.CounterOpts{
			Name: "perp_persist_records_written_total",
			Help: "Operation records written to Postgres",
		}),

		PersistErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "perp_persist_errors_total",
			Help: "Persistence errors",
		}, []string{"error_type"}),

		PersistBatchDur: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "perp_persist_batch_duration_seconds",
			Help:    "Postgres batch write duration",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25},
		}),

		PersistLastSequence: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "perp_persist_last_sequence",
			Help: "Last persisted operation sequence",
		}),

		PublishDrops: promauto.NewCounter(prometheus.CounterOpts{
			Name: "perp_publish_drops_total",
			Help: "Outbound events dropped on a full publish channel",
		}),

		SnapshotTaken: promauto.NewCounter(prometheus.CounterOpts{
			Name: "perp_snapshot_taken_total",
			Help: "Snapshots created",
		}),

		SnapshotDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "perp_snapshot_duration_seconds",
			Help:    "Snapshot creation time",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1.0, 5.0},
		}),

		SnapshotSizeBytes: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "perp_snapshot_size_bytes",
			Help: "Last snapshot size",
		}),

		QueryRequests: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "perp_query_requests_total",
			Help: "Query requests",
		}, []string{"endpoint", "status"}),

		QueryDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "perp_query_duration_seconds",
			Help:    "Query latency",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
		}, []string{"endpoint"}),
	}
}
