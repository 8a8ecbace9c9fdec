package metrics

import (
	"io"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
)

// 全局 Registry，供 Worker 控制面注册与暴露
var DefaultRegistry = prometheus.NewRegistry()

func init() {
	DefaultRegistry.MustRegister(
		ItemTotal, ItemDuration, BatchDuration,
		ClaimTotal, HeartbeatFailTotal, WorkerActive,
		RateLimitEventTotal, RateLimitWaitSeconds,
		EmbeddingTokensTotal,
	)
}

// ItemTotal 队列项处理总数（按结果）
var ItemTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "embedq_item_total",
		Help: "队列项处理总数（按结果）",
	},
	[]string{"result"}, // completed | failed | rate_limited | admission_requeued
)

// ItemDuration 单个队列项处理耗时（秒）
var ItemDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Name:    "embedq_item_duration_seconds",
		Help:    "单个队列项处理耗时（秒）",
		Buckets: prometheus.DefBuckets,
	},
	[]string{"source_type"},
)

// BatchDuration 批次处理耗时（秒）
var BatchDuration = prometheus.NewHistogram(
	prometheus.HistogramOpts{
		Name:    "embedq_batch_duration_seconds",
		Help:    "批次处理耗时（秒）",
		Buckets: prometheus.DefBuckets,
	},
)

// ClaimTotal 批量认领次数（按结果）
var ClaimTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "embedq_claim_total",
		Help: "批量认领次数（按结果）",
	},
	[]string{"result"}, // items | empty | error
)

// HeartbeatFailTotal 心跳写入失败次数
var HeartbeatFailTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Name: "embedq_heartbeat_fail_total",
		Help: "心跳写入失败次数",
	},
)

// WorkerActive 当前处于 active 状态的 Worker 数（每 Worker 0/1）
var WorkerActive = prometheus.NewGaugeVec(
	prometheus.GaugeOpts{
		Name: "embedq_worker_active",
		Help: "当前处于 active 状态的 Worker 数",
	},
	[]string{"worker_id"},
)

// RateLimitEventTotal 限流器事件总数（按事件与原因）
var RateLimitEventTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "embedq_rate_limit_event_total",
		Help: "限流器事件总数（按事件与原因）",
	},
	[]string{"event", "reason"},
)

// RateLimitWaitSeconds 因限流等待的时长（秒）
var RateLimitWaitSeconds = prometheus.NewHistogram(
	prometheus.HistogramOpts{
		Name:    "embedq_rate_limit_wait_seconds",
		Help:    "因限流等待的时长（秒）",
		Buckets: prometheus.DefBuckets,
	},
)

// EmbeddingTokensTotal Embedding 调用实际消耗的 token 总数
var EmbeddingTokensTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Name: "embedq_embedding_tokens_total",
		Help: "Embedding 调用实际消耗的 token 总数",
	},
)

// WritePrometheus 将 Prometheus 文本格式写入 w（供 Hertz 控制面复用）
func WritePrometheus(w io.Writer) error {
	metrics, err := DefaultRegistry.Gather()
	if err != nil {
		return err
	}
	enc := expfmt.NewEncoder(w, expfmt.NewFormat(expfmt.TypeTextPlain))
	for _, mf := range metrics {
		if err := enc.Encode(mf); err != nil {
			return err
		}
	}
	return nil
}
