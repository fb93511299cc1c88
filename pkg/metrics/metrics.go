// Package metrics 提供 Prometheus helper，包含交易核心的业务指标
package metrics

import (
	"context"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/wyfcoding/cryptoexchange/pkg/logger"
)

// Metrics 指标集合
type Metrics struct {
	// HTTP 请求计数
	HTTPRequestsTotal prometheus.Counter
	// HTTP 请求耗时
	HTTPRequestDuration prometheus.Histogram

	// 已消费事件计数
	EventsProcessedTotal prometheus.Counter
	// 重复事件计数（幂等层拦截）
	EventsDuplicateTotal prometheus.Counter
	// 死信事件计数
	EventsDeadLetteredTotal prometheus.Counter

	// Outbox 投递成功计数
	OutboxPublishedTotal prometheus.Counter
	// Outbox 投递失败（留待重扫）计数
	OutboxRetriedTotal prometheus.Counter

	// 业务指标
	OrdersTotal  prometheus.Counter
	TradesTotal  prometheus.Counter
	RefundsTotal prometheus.Counter
}

// New 创建指标实例
func New(serviceName string) *Metrics {
	return &Metrics{
		HTTPRequestsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "exchange",
			Subsystem: serviceName,
			Name:      "http_requests_total",
			Help:      "Total HTTP requests",
		}),
		HTTPRequestDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "exchange",
			Subsystem: serviceName,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		}),

		EventsProcessedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "exchange",
			Subsystem: serviceName,
			Name:      "events_processed_total",
			Help:      "Total events processed successfully",
		}),
		EventsDuplicateTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "exchange",
			Subsystem: serviceName,
			Name:      "events_duplicate_total",
			Help:      "Total duplicate event deliveries skipped",
		}),
		EventsDeadLetteredTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "exchange",
			Subsystem: serviceName,
			Name:      "events_dead_lettered_total",
			Help:      "Total events routed to dead letter topics",
		}),

		OutboxPublishedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "exchange",
			Subsystem: serviceName,
			Name:      "outbox_published_total",
			Help:      "Total outbox rows delivered to the bus",
		}),
		OutboxRetriedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "exchange",
			Subsystem: serviceName,
			Name:      "outbox_retried_total",
			Help:      "Total outbox delivery failures left for re-sweep",
		}),

		OrdersTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "exchange",
			Subsystem: serviceName,
			Name:      "orders_total",
			Help:      "Total orders created",
		}),
		TradesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "exchange",
			Subsystem: serviceName,
			Name:      "trades_total",
			Help:      "Total trades matched",
		}),
		RefundsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "exchange",
			Subsystem: serviceName,
			Name:      "refunds_total",
			Help:      "Total market order remainder refunds",
		}),
	}
}

// Register 注册所有指标
func (m *Metrics) Register() error {
	collectors := []prometheus.Collector{
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.EventsProcessedTotal,
		m.EventsDuplicateTotal,
		m.EventsDeadLetteredTotal,
		m.OutboxPublishedTotal,
		m.OutboxRetriedTotal,
		m.OrdersTotal,
		m.TradesTotal,
		m.RefundsTotal,
	}

	for _, c := range collectors {
		if err := prometheus.DefaultRegisterer.Register(c); err != nil {
			logger.Error(context.Background(), "Failed to register metric", "error", err)
			return err
		}
	}

	logger.Info(context.Background(), "Metrics registered successfully")
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
	logger.Info(context.Background(), "Starting Prometheus HTTP server", "addr", addr, "path", path)

	go func() {
		if err := http.ListenAndServe(addr, mux); err != nil {
			logger.Error(context.Background(), "Prometheus HTTP server exited", "error", err)
		}
	}()
}
