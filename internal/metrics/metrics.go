// ============================================================================
// Metrics - Prometheus 監控指標
// ============================================================================
//
// Package: internal/metrics
// 文件: metrics.go
// 功能: 收集和暴露 producer recovery 的運行指標
//
// 指標分類:
//
//   1. 狀態指標 (Gauge):
//      - oddsfeed_producer_status{producer}: 目前狀態
//        0=not_started 1=started 2=completed 3=delayed 4=error
//      - oddsfeed_recovery_requests_pending: 等待送出的 recovery 請求數
//
//   2. 計數器 (Counter):
//      - oddsfeed_status_changes_total{producer,status}: 狀態轉換次數
//      - oddsfeed_event_recoveries_completed_total{producer}: 賽事 recovery 完成數
//      - oddsfeed_recovery_requests_total{kind,result}: 送出的 recovery 請求
//
//   3. 分佈 (Histogram):
//      - oddsfeed_recovery_duration_seconds{producer}: Started → Completed 花費時間
//
// Prometheus 查詢示例:
//
//   # 目前不是 completed 的 producer
//   oddsfeed_producer_status != 2
//
//   # recovery 請求失敗率
//   rate(oddsfeed_recovery_requests_total{result="error"}[5m])
//     / rate(oddsfeed_recovery_requests_total[5m])
//
//   # 95 分位 recovery 時間
//   histogram_quantile(0.95, rate(oddsfeed_recovery_duration_seconds_bucket[1h]))
//
// HTTP 端點:
//   Handler() 由 admin API 掛在 /metrics，或由 StartServer 單獨提供
//
// ============================================================================

package metrics

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/ChuLiYu/oddsfeed-recovery/internal/producer"
	"github.com/ChuLiYu/oddsfeed-recovery/pkg/types"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// recovery 請求結果標籤
const (
	ResultOK    = "ok"
	ResultError = "error"
)

// statusValues 狀態對應的 gauge 數值
var statusValues = map[types.RecoveryStatus]float64{
	types.StatusNotStarted: 0,
	types.StatusStarted:    1,
	types.StatusCompleted:  2,
	types.StatusDelayed:    3,
	types.StatusError:      4,
}

// StatusValue 狀態的 gauge 數值
func StatusValue(s types.RecoveryStatus) float64 {
	return statusValues[s]
}

// Collector Prometheus 指標收集器
type Collector struct {
	registry *prometheus.Registry

	producerStatus   *prometheus.GaugeVec
	statusChanges    *prometheus.CounterVec
	recoveryDuration *prometheus.HistogramVec
	eventRecoveries  *prometheus.CounterVec
	requests         *prometheus.CounterVec
	requestsPending  prometheus.Gauge
}

// NewCollector 創建新的指標收集器並註冊到 registry
// registry 為 nil 時建立新的 registry，並加入 Go runtime 與 process 指標
func NewCollector(registry *prometheus.Registry) *Collector {
	if registry == nil {
		registry = prometheus.NewRegistry()
		registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}

	c := &Collector{
		registry: registry,
		producerStatus: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "oddsfeed_producer_status",
			Help: "Current recovery status per producer (0=not_started 1=started 2=completed 3=delayed 4=error)",
		}, []string{"producer"}),
		statusChanges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "oddsfeed_status_changes_total",
			Help: "Total number of producer status transitions by target status",
		}, []string{"producer", "status"}),
		recoveryDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "oddsfeed_recovery_duration_seconds",
			Help:    "Time from recovery start to snapshot complete",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200, 3600},
		}, []string{"producer"}),
		eventRecoveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "oddsfeed_event_recoveries_completed_total",
			Help: "Total number of completed event recoveries",
		}, []string{"producer"}),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "oddsfeed_recovery_requests_total",
			Help: "Total number of recovery requests sent upstream",
		}, []string{"kind", "result"}),
		requestsPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "oddsfeed_recovery_requests_pending",
			Help: "Recovery requests waiting to be sent",
		}),
	}

	registry.MustRegister(
		c.producerStatus,
		c.statusChanges,
		c.recoveryDuration,
		c.eventRecoveries,
		c.requests,
		c.requestsPending,
	)

	return c
}

// Registry 返回指標所在的 registry
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

func producerLabel(id types.ProducerID) string {
	return strconv.Itoa(int(id))
}

// RegisterProducer 以 not_started 初始化 producer 的狀態指標
func (c *Collector) RegisterProducer(p *producer.Producer) {
	c.producerStatus.WithLabelValues(producerLabel(p.ID())).Set(StatusValue(types.StatusNotStarted))
}

// RecordStatusChange 記錄狀態轉換
func (c *Collector) RecordStatusChange(change types.StatusChange) {
	label := producerLabel(change.ProducerID)
	c.producerStatus.WithLabelValues(label).Set(StatusValue(change.New))
	c.statusChanges.WithLabelValues(label, string(change.New)).Inc()
	if change.New == types.StatusCompleted && change.RecoveryDuration > 0 {
		c.recoveryDuration.WithLabelValues(label).Observe(change.RecoveryDuration.Seconds())
	}
}

// RecordEventRecoveryCompleted 記錄賽事 recovery 完成
func (c *Collector) RecordEventRecoveryCompleted(e types.EventRecoveryCompletion) {
	c.eventRecoveries.WithLabelValues(producerLabel(e.ProducerID)).Inc()
}

// RecordRecoveryRequest 記錄送出的 recovery 請求
func (c *Collector) RecordRecoveryRequest(kind string, err error) {
	result := ResultOK
	if err != nil {
		result = ResultError
	}
	c.requests.WithLabelValues(kind, result).Inc()
}

// SetPendingRequests 設定等待送出的請求數
func (c *Collector) SetPendingRequests(n int) {
	c.requestsPending.Set(float64(n))
}

// Handler 返回 /metrics 的 HTTP handler
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}

// StartServer 啟動獨立的 Prometheus metrics HTTP 伺服器，ctx 取消時關閉
//
// 參數：
//   - ctx: 生命週期
//   - addr: 監聽位址，例如 ":9090"
//
// 返回值：
//   - error: 啟動失敗的錯誤
func (c *Collector) StartServer(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", c.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
