// Package metrics 提供 Prometheus helper，覆盖撮合、持仓、保证金与强平业务指标
package metrics

import (
	"context"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/wyfcoding/margintrading/pkg/logger"
)

// Metrics 指标集合
type Metrics struct {
	// 撮合指标
	OrdersMatchedTotal prometheus.Counter
	TradesTotal        prometheus.Counter
	MatchDuration      prometheus.Histogram
	NoLiquidityTotal   prometheus.Counter
	BookDepthLevels    *prometheus.GaugeVec

	// 持仓指标
	PositionsActive prometheus.Gauge
	SwapRunsTotal   prometheus.Counter

	// 风控指标
	MarginChecksTotal prometheus.Counter
	MarginCallsTotal  prometheus.Counter
	StopOutsTotal     prometheus.Counter

	// 强平指标
	LiquidationsTotal     *prometheus.CounterVec
	SpecialLiquidations   prometheus.Gauge
	PriceRequestRetries   prometheus.Counter
	SagaCommandsTotal     *prometheus.CounterVec
	SagaDuplicatesDropped prometheus.Counter
}

// New 创建指标实例
func New(serviceName string) *Metrics {
	return &Metrics{
		OrdersMatchedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "margintrading",
			Subsystem: serviceName,
			Name:      "orders_matched_total",
			Help:      "Total orders processed by the matching engine",
		}),
		TradesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "margintrading",
			Subsystem: serviceName,
			Name:      "trades_total",
			Help:      "Total matched trades",
		}),
		MatchDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "margintrading",
			Subsystem: serviceName,
			Name:      "match_duration_seconds",
			Help:      "Order matching duration in seconds",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 2, 12),
		}),
		NoLiquidityTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "margintrading",
			Subsystem: serviceName,
			Name:      "no_liquidity_total",
			Help:      "Match attempts that found no internal liquidity",
		}),
		BookDepthLevels: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "margintrading",
			Subsystem: serviceName,
			Name:      "book_depth_levels",
			Help:      "Price levels currently resting in the book",
		}, []string{"instrument", "side"}),
		PositionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "margintrading",
			Subsystem: serviceName,
			Name:      "positions_active",
			Help:      "Number of active positions",
		}),
		SwapRunsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "margintrading",
			Subsystem: serviceName,
			Name:      "swap_runs_total",
			Help:      "Overnight swap calculation runs",
		}),
		MarginChecksTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "margintrading",
			Subsystem: serviceName,
			Name:      "margin_checks_total",
			Help:      "Account margin checks performed",
		}),
		MarginCallsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "margintrading",
			Subsystem: serviceName,
			Name:      "margin_calls_total",
			Help:      "Margin call signals emitted",
		}),
		StopOutsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "margintrading",
			Subsystem: serviceName,
			Name:      "stop_outs_total",
			Help:      "Stop-out signals emitted",
		}),
		LiquidationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "margintrading",
			Subsystem: serviceName,
			Name:      "liquidations_total",
			Help:      "Liquidation sagas by terminal outcome",
		}, []string{"outcome"}),
		SpecialLiquidations: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "margintrading",
			Subsystem: serviceName,
			Name:      "special_liquidations_in_flight",
			Help:      "Special liquidation sub-sagas currently in flight",
		}),
		PriceRequestRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "margintrading",
			Subsystem: serviceName,
			Name:      "price_request_retries_total",
			Help:      "Special liquidation price request retries",
		}),
		SagaCommandsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "margintrading",
			Subsystem: serviceName,
			Name:      "saga_commands_total",
			Help:      "Saga commands and events processed, by topic",
		}, []string{"topic"}),
		SagaDuplicatesDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "margintrading",
			Subsystem: serviceName,
			Name:      "saga_duplicates_dropped_total",
			Help:      "Redelivered saga messages dropped by the idempotency guard",
		}),
	}
}

// Register 注册所有指标
func (m *Metrics) Register() error {
	collectors := []prometheus.Collector{
		m.OrdersMatchedTotal,
		m.TradesTotal,
		m.MatchDuration,
		m.NoLiquidityTotal,
		m.BookDepthLevels,
		m.PositionsActive,
		m.SwapRunsTotal,
		m.MarginChecksTotal,
		m.MarginCallsTotal,
		m.StopOutsTotal,
		m.LiquidationsTotal,
		m.SpecialLiquidations,
		m.PriceRequestRetries,
		m.SagaCommandsTotal,
		m.SagaDuplicatesDropped,
	}

	for _, c := range collectors {
		if err := prometheus.DefaultRegisterer.Register(c); err != nil {
			logger.Error(context.Background(), "failed to register metric", "error", err)
			return err
		}
	}
	return nil
}

// StartHTTPServer 启动 Prometheus HTTP 服务器
func StartHTTPServer(port int, path string) {
	if path == "" {
		path = "/metrics"
	}
	mux := http.NewServeMux()
	mux.Handle(path, promhttp.Handler())

	addr := fmt.Sprintf(":%d", port)
	logger.Info(context.Background(), "starting prometheus HTTP server", "addr", addr, "path", path)

	go func() {
		if err := http.ListenAndServe(addr, mux); err != nil {
			logger.Error(context.Background(), "prometheus HTTP server failed", "error", err)
		}
	}()
}
