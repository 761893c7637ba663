// Package metrics 定义 FeedBuddy 的 Prometheus 指标。
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// 失败类型标签值。
const (
	KindFetch = "fetch"
	KindParse = "parse"
)

// SourceFailures 订阅源失败次数，按失败类型区分。
var SourceFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
	Name: "feedbuddy_source_failures_total",
	Help: "Feed sources that failed during a refresh cycle.",
}, []string{"kind"})

// SkippedItems 因缺少必填字段被跳过的条目数。
var SkippedItems = prometheus.NewCounter(prometheus.CounterOpts{
	Name: "feedbuddy_skipped_items_total",
	Help: "Feed items skipped for missing required fields.",
})

// DetailFallbacks 详情获取失败、返回兜底文案的次数。
var DetailFallbacks = prometheus.NewCounter(prometheus.CounterOpts{
	Name: "feedbuddy_detail_fallbacks_total",
	Help: "Article detail requests answered with the fallback text.",
})

// RelayRequests 中转请求次数，按结果区分（ok/bad_request/forbidden/upstream_error）。
var RelayRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
	Name: "feedbuddy_relay_requests_total",
	Help: "Relay requests by outcome.",
}, []string{"outcome"})

// RefreshDuration 一轮聚合的耗时。
var RefreshDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
	Name:    "feedbuddy_refresh_duration_seconds",
	Help:    "Duration of aggregation cycles.",
	Buckets: prometheus.DefBuckets,
})

// Articles 当前快照中的文章数。
var Articles = prometheus.NewGauge(prometheus.GaugeOpts{
	Name: "feedbuddy_articles",
	Help: "Articles in the latest published snapshot.",
})

// RefreshState 聚合周期当前阶段，当前阶段为 1，其余为 0。
var RefreshState = prometheus.NewGaugeVec(prometheus.GaugeOpts{
	Name: "feedbuddy_refresh_state",
	Help: "Current phase of the aggregation cycle (1 for the active phase).",
}, []string{"state"})

// Registry 注册了全部 FeedBuddy 指标和 Go 运行时指标。
var Registry = newRegistry()

func newRegistry() *prometheus.Registry {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		SourceFailures,
		SkippedItems,
		DetailFallbacks,
		RelayRequests,
		RefreshDuration,
		Articles,
		RefreshState,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return registry
}

// Handler 返回 /metrics 处理器。
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}
