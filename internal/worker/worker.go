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

package worker

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"receipt-platform/internal/queue"
	"receipt-platform/internal/ratelimit"
	"receipt-platform/pkg/log"
	"receipt-platform/pkg/metrics"
	"receipt-platform/pkg/tracing"
)

// ErrAlreadyStarted Worker 实例只能启动一次；重启用 Manager 新建实例
var ErrAlreadyStarted = errors.New("worker already started")

// ProcessResult 单个队列项的处理结果。三种互斥出口：
// Success（完成）、RateLimited（已放回队列，不计成败）、其余为失败。
type ProcessResult struct {
	Success      bool
	RateLimited  bool
	ActualTokens int
	ResponseTime time.Duration
	ErrorType    ratelimit.ErrorType
	Err          error
}

// ItemProcessor 处理单个已认领的队列项；RateLimited=true 时实现方已负责放回队列
type ItemProcessor interface {
	Process(ctx context.Context, workerID string, item queue.Item) ProcessResult
}

// timingReceiver 处理器可选实现；存储下发调优参数后由 Worker 透传
type timingReceiver interface {
	SetTimings(maxProcessingTime, rateLimitDelay time.Duration)
}

// 存储侧调优参数的 key（worker_config 表）
const (
	cfgKeyBatchSize         = "batch_size"
	cfgKeyHeartbeatInterval = "heartbeat_interval"
	cfgKeyMaxProcessing     = "max_processing_time"
	cfgKeyRateLimitDelay    = "rate_limit_delay"
)

// Config Worker 运行参数
type Config struct {
	BatchSize         int
	HeartbeatInterval time.Duration
	MaxProcessingTime time.Duration
	RateLimitDelay    time.Duration // 准入二次拒绝与 429 延迟的基准
	IdleWait          time.Duration // 空批后的等待上限（有唤醒队列时为 Receive 超时）
	ClaimRetryDelay   time.Duration // 认领失败后的重试间隔
}

// DefaultConfig 返回默认运行参数
func DefaultConfig() Config {
	return Config{
		BatchSize:         5,
		HeartbeatInterval: 30 * time.Second,
		MaxProcessingTime: 2 * time.Minute,
		RateLimitDelay:    2 * time.Second,
		IdleWait:          5 * time.Second,
		ClaimRetryDelay:   5 * time.Second,
	}
}

func (c *Config) normalize() {
	d := DefaultConfig()
	if c.BatchSize <= 0 {
		c.BatchSize = d.BatchSize
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = d.HeartbeatInterval
	}
	if c.MaxProcessingTime <= 0 {
		c.MaxProcessingTime = d.MaxProcessingTime
	}
	if c.RateLimitDelay <= 0 {
		c.RateLimitDelay = d.RateLimitDelay
	}
	if c.IdleWait <= 0 {
		c.IdleWait = d.IdleWait
	}
	if c.ClaimRetryDelay <= 0 {
		c.ClaimRetryDelay = d.ClaimRetryDelay
	}
}

// StartResult 启动结果；Success=false 时 Err 给出原因，Worker 未进入运行态
type StartResult struct {
	Success  bool
	WorkerID string
	Err      error
}

// Stats 停止时返回的累计计数
type Stats struct {
	WorkerID       string
	ProcessedCount int
	ErrorCount     int
}

// StatusSnapshot 控制面查询用的运行快照
type StatusSnapshot struct {
	WorkerID       string           `json:"worker_id"`
	Running        bool             `json:"running"`
	Status         string           `json:"status"`
	ProcessedCount int              `json:"processed_count"`
	ErrorCount     int              `json:"error_count"`
	RateLimit      ratelimit.Status `json:"rate_limit"`
}

// Worker 后台 embedding 队列消费者。生命周期：注册 → 心跳 goroutine →
// 认领/准入/处理/上报循环 → 幂等 Stop。实例一次性，重启由 Manager 新建。
type Worker struct {
	store     queue.Store
	processor ItemProcessor
	limiter   *ratelimit.Limiter
	wakeup    queue.WakeupQueue // 可为 nil，退化为固定间隔轮询
	logger    *log.Logger
	cfg       Config

	workerID string
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	stopOnce sync.Once

	mu        sync.Mutex
	started   bool
	running   bool
	status    string
	processed int
	errCount  int
	stats     Stats
}

// New 创建 Worker；wakeup 可为 nil
func New(store queue.Store, processor ItemProcessor, limiter *ratelimit.Limiter,
	wakeup queue.WakeupQueue, logger *log.Logger, cfg Config) *Worker {
	if logger == nil {
		logger = log.Nop()
	}
	cfg.normalize()
	return &Worker{
		store:     store,
		processor: processor,
		limiter:   limiter,
		wakeup:    wakeup,
		logger:    logger,
		cfg:       cfg,
		status:    queue.StatusIdle,
	}
}

// Start 注册 worker 并启动心跳与处理循环。每次启动生成全新 workerID。
// 存储侧调优参数读取失败不阻断启动；注册失败则启动失败，不留任何后台 goroutine。
func (w *Worker) Start(ctx context.Context) StartResult {
	w.mu.Lock()
	if w.started {
		w.mu.Unlock()
		return StartResult{Err: ErrAlreadyStarted}
	}
	w.started = true
	w.workerID = uuid.New().String()
	w.mu.Unlock()

	w.loadStoreConfig(ctx)

	now := time.Now()
	if err := w.store.RegisterWorker(ctx, w.workerID, queue.StatusActive, now); err != nil {
		w.logger.Error("worker registration failed", "worker_id", w.workerID, "err", err)
		return StartResult{Err: fmt.Errorf("register worker: %w", err)}
	}

	runCtx, cancel := context.WithCancel(context.Background())
	w.cancel = cancel
	w.mu.Lock()
	w.running = true
	w.status = queue.StatusActive
	w.mu.Unlock()

	w.wg.Add(2)
	go w.heartbeatLoop(runCtx)
	go w.runLoop(runCtx)

	w.logger.Info("worker started", "worker_id", w.workerID,
		"batch_size", w.cfg.BatchSize, "heartbeat_interval", w.cfg.HeartbeatInterval.String())
	return StartResult{Success: true, WorkerID: w.workerID}
}

// loadStoreConfig 读取存储侧调优参数并覆盖默认值；失败仅记日志
func (w *Worker) loadStoreConfig(ctx context.Context) {
	keys := []string{cfgKeyBatchSize, cfgKeyHeartbeatInterval, cfgKeyMaxProcessing, cfgKeyRateLimitDelay}
	values, err := w.store.LoadConfig(ctx, keys)
	if err != nil {
		w.logger.Warn("load worker config failed, using defaults", "err", err)
		return
	}
	if v, ok := values[cfgKeyBatchSize]; ok {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			w.cfg.BatchSize = n
		}
	}
	if d, ok := parseDurationValue(values[cfgKeyHeartbeatInterval]); ok {
		w.cfg.HeartbeatInterval = d
	}
	if d, ok := parseDurationValue(values[cfgKeyMaxProcessing]); ok {
		w.cfg.MaxProcessingTime = d
	}
	if d, ok := parseDurationValue(values[cfgKeyRateLimitDelay]); ok {
		w.cfg.RateLimitDelay = d
	}
	if tr, ok := w.processor.(timingReceiver); ok {
		tr.SetTimings(w.cfg.MaxProcessingTime, w.cfg.RateLimitDelay)
	}
}

// parseDurationValue 接受 Go duration 字符串或毫秒整数
func parseDurationValue(v string) (time.Duration, bool) {
	if v == "" {
		return 0, false
	}
	if d, err := time.ParseDuration(v); err == nil && d > 0 {
		return d, true
	}
	if ms, err := strconv.Atoi(v); err == nil && ms > 0 {
		return time.Duration(ms) * time.Millisecond, true
	}
	return 0, false
}

// heartbeatLoop 周期性上报状态；写入失败不影响处理循环
func (w *Worker) heartbeatLoop(ctx context.Context) {
	defer w.wg.Done()
	ticker := time.NewTicker(w.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := w.store.Heartbeat(ctx, w.workerID, w.currentStatus()); err != nil {
				metrics.HeartbeatFailTotal.Inc()
				w.logger.Warn("heartbeat failed", "worker_id", w.workerID, "err", err)
			}
		}
	}
}

// runLoop 认领-处理主循环；单次迭代的意外 panic 视为系统性故障，
// 延长休眠（5 倍批间延迟）后重试，而不是让循环退出
func (w *Worker) runLoop(ctx context.Context) {
	defer w.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		if !w.runOnce(ctx) {
			sleepCtx(ctx, 5*w.cfg.RateLimitDelay)
		}
	}
}

// runOnce 一次认领-处理迭代；返回 false 表示发生了系统性故障
func (w *Worker) runOnce(ctx context.Context) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("worker loop panicked",
				"worker_id", w.workerID, "panic", fmt.Sprintf("%v", r))
			ok = false
		}
	}()

	items, err := w.store.ClaimBatch(ctx, w.workerID, w.cfg.BatchSize)
	if err != nil {
		if ctx.Err() != nil {
			return true
		}
		metrics.ClaimTotal.WithLabelValues("error").Inc()
		w.logger.Error("claim batch failed", "worker_id", w.workerID, "err", err)
		sleepCtx(ctx, w.cfg.ClaimRetryDelay)
		return true
	}
	if len(items) == 0 {
		metrics.ClaimTotal.WithLabelValues("empty").Inc()
		w.setStatus(queue.StatusIdle)
		w.waitForWork(ctx)
		return true
	}

	metrics.ClaimTotal.WithLabelValues("items").Inc()
	w.setStatus(queue.StatusActive)
	batchStart := time.Now()
	batchCtx, span := tracing.StartBatchSpan(ctx, w.workerID, len(items))
	for _, item := range items {
		if ctx.Err() != nil {
			break
		}
		w.processItem(batchCtx, item)
	}
	span.End()
	metrics.BatchDuration.Observe(time.Since(batchStart).Seconds())
	// 批间小睡，避免对空队列紧循环
	sleepCtx(ctx, w.cfg.RateLimitDelay)
	return true
}

// waitForWork 空批后的等待；有唤醒队列时阻塞在 Receive 上，新任务到达立即返回
func (w *Worker) waitForWork(ctx context.Context) {
	if w.wakeup != nil {
		w.wakeup.Receive(ctx, w.cfg.IdleWait)
		return
	}
	sleepCtx(ctx, w.cfg.IdleWait)
}

// processItem 单项处理：准入 → 调用处理器 → 上报结果。
// 准入被拒先等一次再试，二次拒绝则放回队列延迟重试；处理器 panic 按项失败记录，
// 不中断批内后续项。
func (w *Worker) processItem(ctx context.Context, item queue.Item) {
	granted := false
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("panic while processing item",
				"item_id", item.ID, "worker_id", w.workerID, "panic", fmt.Sprintf("%v", r))
			if granted {
				w.limiter.RecordError(ratelimit.ErrorUnknown)
			}
			_ = w.store.CompleteItem(ctx, item.ID, w.workerID, false, 0, fmt.Sprintf("panic: %v", r))
			w.addError()
			metrics.ItemTotal.WithLabelValues("failed").Inc()
		}
	}()

	perm := w.limiter.AcquirePermission(item.EstimatedTokens)
	if !perm.Allowed {
		wait := perm.Delay
		if wait <= 0 {
			wait = w.cfg.RateLimitDelay
		}
		metrics.RateLimitWaitSeconds.Observe(wait.Seconds())
		if !sleepCtx(ctx, wait) {
			return
		}
		perm = w.limiter.AcquirePermission(item.EstimatedTokens)
		if !perm.Allowed {
			// 两次拒绝：放回队列，等待下一轮认领
			if err := w.store.ApplyRateLimitDelay(ctx, item.ID, w.workerID, w.cfg.RateLimitDelay); err != nil {
				w.logger.Error("requeue after admission denial failed",
					"item_id", item.ID, "reason", string(perm.Reason), "err", err)
			}
			metrics.ItemTotal.WithLabelValues("admission_requeued").Inc()
			w.logger.Debug("admission denied twice, item requeued",
				"item_id", item.ID, "reason", string(perm.Reason))
			return
		}
	}
	granted = true

	res := w.processor.Process(ctx, w.workerID, item)
	switch {
	case res.RateLimited:
		// 处理器已放回队列；退避交给限流器
		w.limiter.RecordError(ratelimit.ErrorRateLimit)
	case res.Success:
		w.limiter.RecordSuccess(res.ActualTokens, res.ResponseTime)
		if err := w.store.CompleteItem(ctx, item.ID, w.workerID, true, res.ActualTokens, ""); err != nil {
			w.logger.Error("complete item failed", "item_id", item.ID, "err", err)
		}
		w.addProcessed()
		metrics.ItemTotal.WithLabelValues("completed").Inc()
	default:
		errType := res.ErrorType
		if errType == "" {
			errType = ratelimit.ErrorUnknown
		}
		w.limiter.RecordError(errType)
		msg := ""
		if res.Err != nil {
			msg = res.Err.Error()
		}
		if err := w.store.CompleteItem(ctx, item.ID, w.workerID, false, 0, msg); err != nil {
			w.logger.Error("mark item failed errored", "item_id", item.ID, "err", err)
		}
		w.addError()
		metrics.ItemTotal.WithLabelValues("failed").Inc()
		w.logger.Warn("item processing failed",
			"item_id", item.ID, "error_type", string(errType), "err", msg)
	}
}

// Stop 幂等停止：取消循环、等待 goroutine 退出、写入最终 stopped 心跳。
// 重复调用返回同一份 Stats；未启动时返回零值。
func (w *Worker) Stop() Stats {
	w.stopOnce.Do(func() {
		w.mu.Lock()
		started := w.started
		w.mu.Unlock()
		if !started || w.cancel == nil {
			return
		}
		w.cancel()
		w.wg.Wait()

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := w.store.Heartbeat(ctx, w.workerID, queue.StatusStopped); err != nil {
			w.logger.Warn("final heartbeat failed", "worker_id", w.workerID, "err", err)
		}
		metrics.WorkerActive.DeleteLabelValues(w.workerID)

		w.mu.Lock()
		w.running = false
		w.status = queue.StatusStopped
		w.stats = Stats{WorkerID: w.workerID, ProcessedCount: w.processed, ErrorCount: w.errCount}
		w.mu.Unlock()
		w.logger.Info("worker stopped", "worker_id", w.workerID,
			"processed", w.stats.ProcessedCount, "errors", w.stats.ErrorCount)
	})
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.stats
}

// Status 返回运行快照
func (w *Worker) Status() StatusSnapshot {
	w.mu.Lock()
	snap := StatusSnapshot{
		WorkerID:       w.workerID,
		Running:        w.running,
		Status:         w.status,
		ProcessedCount: w.processed,
		ErrorCount:     w.errCount,
	}
	w.mu.Unlock()
	if w.limiter != nil {
		snap.RateLimit = w.limiter.GetStatus()
	}
	return snap
}

// WorkerID 返回本次启动分配的 ID；未启动时为空
func (w *Worker) WorkerID() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.workerID
}

func (w *Worker) currentStatus() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.status
}

func (w *Worker) setStatus(status string) {
	w.mu.Lock()
	changed := w.status != status
	w.status = status
	id := w.workerID
	w.mu.Unlock()
	if !changed {
		return
	}
	if status == queue.StatusActive {
		metrics.WorkerActive.WithLabelValues(id).Set(1)
	} else {
		metrics.WorkerActive.WithLabelValues(id).Set(0)
	}
}

func (w *Worker) addProcessed() {
	w.mu.Lock()
	w.processed++
	w.mu.Unlock()
}

func (w *Worker) addError() {
	w.mu.Lock()
	w.errCount++
	w.mu.Unlock()
}

// sleepCtx 可取消的等待；等满返回 true，ctx 取消返回 false
func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return true
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
