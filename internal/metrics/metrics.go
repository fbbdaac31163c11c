// Package metrics はPrometheusメトリクスの収集と公開を提供する。
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// アップストリーム転送の結果ラベル
const (
	OutcomeOK          = "ok"
	OutcomeUnavailable = "unavailable"
	OutcomeError       = "error"
	OutcomeCancelled   = "cancelled"
)

// MetricsCollector はメトリクス収集のインターフェース。
// プロキシ層やSession Managerから利用する。
type MetricsCollector interface {
	ExchangeStarted()
	ExchangeFinished()
	RecordUpstreamOutcome(outcome string)
	RecordUpstreamStatus(statusCode int)
	RecordUpstreamLatency(duration time.Duration)
	RelayOpened()
	RelayClosed()
	RecordAuthResult(state string)
	RecordRewrite()
}

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	pendingExchanges prometheus.Gauge
	upstreamRequests *prometheus.CounterVec
	upstreamStatus   *prometheus.CounterVec
	upstreamLatency  prometheus.Histogram
	openRelays       prometheus.Gauge
	authResults      *prometheus.CounterVec
	rewrites         prometheus.Counter
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		pendingExchanges: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "poglygate_pending_exchanges",
			Help: "アップストリーム応答待ちのエクスチェンジ数",
		}),
		upstreamRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "poglygate_upstream_requests_total",
			Help: "結果別のアップストリーム転送数",
		}, []string{"outcome"}),
		upstreamStatus: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "poglygate_upstream_status_total",
			Help: "アップストリームのHTTPステータスコード別レスポンス数",
		}, []string{"status_code"}),
		upstreamLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "poglygate_upstream_latency_seconds",
			Help:    "アップストリーム転送のレイテンシ（秒）",
			Buckets: prometheus.DefBuckets,
		}),
		openRelays: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "poglygate_websocket_relays_open",
			Help: "中継中のWebSocket接続数",
		}),
		authResults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "poglygate_auth_results_total",
			Help: "状態別のセッション検証結果数",
		}, []string{"state"}),
		rewrites: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "poglygate_rewrites_total",
			Help: "ブートストラップスクリプトを挿入したレスポンス数",
		}),
	}

	reg.MustRegister(
		c.pendingExchanges,
		c.upstreamRequests,
		c.upstreamStatus,
		c.upstreamLatency,
		c.openRelays,
		c.authResults,
		c.rewrites,
	)

	return c
}

// ExchangeStarted は応答待ちエクスチェンジの開始を記録する。
func (c *Collector) ExchangeStarted() {
	c.pendingExchanges.Inc()
}

// ExchangeFinished は応答待ちエクスチェンジの終了を記録する。
func (c *Collector) ExchangeFinished() {
	c.pendingExchanges.Dec()
}

// RecordUpstreamOutcome は転送結果を記録する。
func (c *Collector) RecordUpstreamOutcome(outcome string) {
	c.upstreamRequests.WithLabelValues(outcome).Inc()
}

// RecordUpstreamStatus はアップストリームのHTTPステータスコードを記録する。
func (c *Collector) RecordUpstreamStatus(statusCode int) {
	c.upstreamStatus.WithLabelValues(strconv.Itoa(statusCode)).Inc()
}

// RecordUpstreamLatency は転送のレイテンシを記録する。
func (c *Collector) RecordUpstreamLatency(duration time.Duration) {
	c.upstreamLatency.Observe(duration.Seconds())
}

// RelayOpened はWebSocket中継の開始を記録する。
func (c *Collector) RelayOpened() {
	c.openRelays.Inc()
}

// RelayClosed はWebSocket中継の終了を記録する。
func (c *Collector) RelayClosed() {
	c.openRelays.Dec()
}

// RecordAuthResult はセッション検証結果を記録する。
func (c *Collector) RecordAuthResult(state string) {
	c.authResults.WithLabelValues(state).Inc()
}

// RecordRewrite はスクリプト挿入を記録する。
func (c *Collector) RecordRewrite() {
	c.rewrites.Inc()
}

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// SetupMetricsRoute は/metricsと/healthzを提供するHTTPハンドラーを返す。
// /healthzはコンテナのヘルスチェックから利用する。
func SetupMetricsRoute(gatherer prometheus.Gatherer) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler(gatherer))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})
	return mux
}

// nopCollector は何も記録しないMetricsCollector。
type nopCollector struct{}

// Nop はメトリクスを記録しないMetricsCollectorを返す。
func Nop() MetricsCollector { return nopCollector{} }

func (nopCollector) ExchangeStarted()                    {}
func (nopCollector) ExchangeFinished()                   {}
func (nopCollector) RecordUpstreamOutcome(string)        {}
func (nopCollector) RecordUpstreamStatus(int)            {}
func (nopCollector) RecordUpstreamLatency(time.Duration) {}
func (nopCollector) RelayOpened()                        {}
func (nopCollector) RelayClosed()                        {}
func (nopCollector) RecordAuthResult(string)             {}
func (nopCollector) RecordRewrite()                      {}
