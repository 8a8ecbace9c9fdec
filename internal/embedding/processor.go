// Copyright 2026 fanjia1024
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package embedding

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"receipt-platform/internal/queue"
	"receipt-platform/internal/ratelimit"
	"receipt-platform/internal/worker"
	"receipt-platform/pkg/log"
	"receipt-platform/pkg/metrics"
	"receipt-platform/pkg/tracing"
)

// TextSource 解析队列项对应的待 embedding 文本
type TextSource interface {
	Text(ctx context.Context, item queue.Item) (string, error)
}

// MetadataText 从 item.Metadata["text"] 取文本的 TextSource
type MetadataText struct{}

// Text 实现 TextSource
func (MetadataText) Text(ctx context.Context, item queue.Item) (string, error) {
	v, ok := item.Metadata["text"]
	if !ok {
		return "", fmt.Errorf("item %s: metadata missing text", item.ID)
	}
	s, ok := v.(string)
	if !ok || s == "" {
		return "", fmt.Errorf("item %s: metadata text is empty", item.ID)
	}
	return s, nil
}

// Sink 接收生成的向量；向量库写入由部署方注入，默认丢弃
type Sink interface {
	Store(ctx context.Context, item queue.Item, vector []float32) error
}

type discardSink struct{}

func (discardSink) Store(ctx context.Context, item queue.Item, vector []float32) error {
	return nil
}

// Processor 单个队列项的 embedding 处理器。每项在 maxProcessingTime 限定的 deadline 内
// 完成调用；服务端 429 走 ApplyRateLimitDelay（2 倍 rateLimitDelay）放回队列，
// 永远不算作项失败。
type Processor struct {
	client Client
	store  queue.Store
	source TextSource
	sink   Sink
	logger *log.Logger

	mu                sync.Mutex
	maxProcessingTime time.Duration
	rateLimitDelay    time.Duration

	now func() time.Time
}

// NewProcessor 创建处理器；source/sink 为 nil 时分别用 MetadataText 与丢弃实现
func NewProcessor(client Client, store queue.Store, logger *log.Logger,
	maxProcessingTime, rateLimitDelay time.Duration) *Processor {
	if logger == nil {
		logger = log.Nop()
	}
	return &Processor{
		client:            client,
		store:             store,
		source:            MetadataText{},
		sink:              discardSink{},
		logger:            logger,
		maxProcessingTime: maxProcessingTime,
		rateLimitDelay:    rateLimitDelay,
		now:               time.Now,
	}
}

// WithTextSource 替换文本来源
func (p *Processor) WithTextSource(s TextSource) *Processor {
	if s != nil {
		p.source = s
	}
	return p
}

// WithSink 替换向量写入
func (p *Processor) WithSink(s Sink) *Processor {
	if s != nil {
		p.sink = s
	}
	return p
}

// SetTimings 应用存储下发的调优参数（LoadConfig 之后由 Worker 调用）
func (p *Processor) SetTimings(maxProcessingTime, rateLimitDelay time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if maxProcessingTime > 0 {
		p.maxProcessingTime = maxProcessingTime
	}
	if rateLimitDelay > 0 {
		p.rateLimitDelay = rateLimitDelay
	}
}

func (p *Processor) timings() (maxProcessingTime, rateLimitDelay time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.maxProcessingTime, p.rateLimitDelay
}

// Process 实现 worker.ItemProcessor
func (p *Processor) Process(ctx context.Context, workerID string, item queue.Item) worker.ProcessResult {
	maxProcessingTime, rateLimitDelay := p.timings()
	ctx, cancel := context.WithTimeout(ctx, maxProcessingTime)
	defer cancel()
	ctx, span := tracing.StartItemSpan(ctx, item.ID, item.SourceType, item.SourceID)
	defer span.End()

	text, err := p.source.Text(ctx, item)
	if err != nil {
		return worker.ProcessResult{Err: err, ErrorType: ratelimit.ErrorUnknown}
	}

	start := p.now()
	res, err := p.client.Embed(ctx, text)
	elapsed := p.now().Sub(start)
	if err != nil {
		if IsRateLimited(err) {
			return p.requeueRateLimited(ctx, workerID, item, rateLimitDelay, elapsed)
		}
		return worker.ProcessResult{
			Err:          err,
			ErrorType:    classify(err),
			ResponseTime: elapsed,
		}
	}

	if err := p.sink.Store(ctx, item, res.Embedding); err != nil {
		return worker.ProcessResult{
			Err:          fmt.Errorf("store vector for item %s: %w", item.ID, err),
			ErrorType:    ratelimit.ErrorUnknown,
			ResponseTime: elapsed,
		}
	}

	metrics.EmbeddingTokensTotal.Add(float64(res.TokensUsed))
	metrics.ItemDuration.WithLabelValues(item.SourceType).Observe(elapsed.Seconds())
	return worker.ProcessResult{
		Success:      true,
		ActualTokens: res.TokensUsed,
		ResponseTime: elapsed,
	}
}

// requeueRateLimited 把 429 命中的项放回队列并延迟 2 倍 rateLimitDelay；
// 放回失败只记日志，项仍留在 claimed 状态等待人工处理或超时回收
func (p *Processor) requeueRateLimited(ctx context.Context, workerID string, item queue.Item,
	rateLimitDelay, elapsed time.Duration) worker.ProcessResult {
	delay := 2 * rateLimitDelay
	// 项 deadline 可能已耗尽，放回操作不跟随取消
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := p.store.ApplyRateLimitDelay(rctx, item.ID, workerID, delay); err != nil {
		p.logger.Error("apply rate limit delay failed",
			"item_id", item.ID, "worker_id", workerID, "err", err)
	}
	metrics.ItemTotal.WithLabelValues("rate_limited").Inc()
	p.logger.Warn("embedding service rate limited, item requeued",
		"item_id", item.ID, "delay", delay.String())
	return worker.ProcessResult{
		RateLimited:  true,
		ErrorType:    ratelimit.ErrorRateLimit,
		ResponseTime: elapsed,
	}
}

// classify 将调用错误映射为限流器错误类型；429 在上游单独处理
func classify(err error) ratelimit.ErrorType {
	if errors.Is(err, context.DeadlineExceeded) {
		return ratelimit.ErrorTimeout
	}
	var se *StatusError
	if errors.As(err, &se) {
		if se.Code == http.StatusTooManyRequests {
			return ratelimit.ErrorRateLimit
		}
		if se.Code >= http.StatusInternalServerError {
			return ratelimit.ErrorServer
		}
	}
	return ratelimit.ErrorUnknown
}
