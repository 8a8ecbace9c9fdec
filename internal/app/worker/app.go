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
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"receipt-platform/internal/embedding"
	"receipt-platform/internal/queue"
	"receipt-platform/internal/ratelimit"
	"receipt-platform/internal/worker"
	"receipt-platform/pkg/config"
	"receipt-platform/pkg/log"
	"receipt-platform/pkg/metrics"
	"receipt-platform/pkg/secrets"
	"receipt-platform/pkg/tracing"
)

// App Worker 进程的装配：队列存储、限流器、处理器、Manager 与控制面
type App struct {
	cfg     *config.Config
	logger  *log.Logger
	store   queue.Store
	wakeup  queue.WakeupQueue
	manager *worker.Manager
	control *controlServer
	tp      *sdktrace.TracerProvider
	closers []func()
}

// NewApp 按配置装配 Worker 进程的全部组件；不启动任何循环
func NewApp(ctx context.Context, cfg *config.Config) (*App, error) {
	logCfg := log.Config(cfg.Log)
	logger, err := log.NewLogger(&logCfg)
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}

	a := &App{cfg: cfg, logger: logger}

	if cfg.Monitoring.Tracing.Enable {
		tp, err := tracing.InitTracer(tracing.OTelConfig{
			ServiceName:    cfg.Monitoring.Tracing.ServiceName,
			ExportEndpoint: cfg.Monitoring.Tracing.ExportEndpoint,
			Insecure:       cfg.Monitoring.Tracing.Insecure,
		})
		if err != nil {
			return nil, fmt.Errorf("init tracer: %w", err)
		}
		a.tp = tp
	}

	store, err := a.buildStore(ctx)
	if err != nil {
		return nil, err
	}
	a.store = store

	wakeup, err := a.buildWakeup(ctx)
	if err != nil {
		return nil, err
	}
	a.wakeup = wakeup

	apiKey, err := a.resolveAPIKey(ctx)
	if err != nil {
		return nil, err
	}

	limiter := ratelimit.NewLimiter(buildRateLimitConfig(cfg.RateLimit))
	limiter.AddListener(metricsListener)

	workerCfg := worker.Config{
		BatchSize:         cfg.Worker.BatchSize,
		HeartbeatInterval: config.ParseDuration(cfg.Worker.HeartbeatInterval, 0),
		MaxProcessingTime: config.ParseDuration(cfg.Worker.MaxProcessingTime, 0),
		RateLimitDelay:    config.ParseDuration(cfg.Worker.RateLimitDelay, 0),
	}

	model := cfg.Embedding.Model
	if model == "" {
		model = "text-embedding-3-small"
	}
	client := embedding.NewClient(embedding.ClientConfig{
		Endpoint: cfg.Embedding.Endpoint,
		Model:    model,
		APIKey:   apiKey,
	})

	factory := func() *worker.Worker {
		def := worker.DefaultConfig()
		processor := embedding.NewProcessor(client, store, logger,
			firstDuration(workerCfg.MaxProcessingTime, def.MaxProcessingTime),
			firstDuration(workerCfg.RateLimitDelay, def.RateLimitDelay))
		return worker.New(store, processor, limiter, wakeup, logger, workerCfg)
	}
	a.manager = worker.NewManager(factory)
	a.control = newControlServer(cfg.Control, a.manager, store, wakeup, logger)
	return a, nil
}

// Run 启动控制面并阻塞直到 ctx 取消或服务出错
func (a *App) Run(ctx context.Context) error {
	a.logger.Info("worker control plane starting",
		"host", a.cfg.Control.Host, "port", a.cfg.Control.Port)
	return a.control.run(ctx)
}

// Shutdown 优雅退出：先停 Worker，再关控制面与外部连接
func (a *App) Shutdown(ctx context.Context) {
	if stats, ok := a.manager.Stop(); ok {
		a.logger.Info("worker drained",
			"worker_id", stats.WorkerID,
			"processed", stats.ProcessedCount, "errors", stats.ErrorCount)
	}
	a.control.shutdown(ctx)
	for _, closeFn := range a.closers {
		closeFn()
	}
	if a.tp != nil {
		_ = a.tp.Shutdown(ctx)
	}
}

// Manager 暴露给入队侧或测试使用
func (a *App) Manager() *worker.Manager {
	return a.manager
}

func (a *App) buildStore(ctx context.Context) (queue.Store, error) {
	switch a.cfg.Queue.Type {
	case "", "memory":
		return queue.NewMemoryStore(), nil
	case "postgres":
		store, err := queue.NewPostgresStore(ctx, a.cfg.Queue.DSN)
		if err != nil {
			return nil, fmt.Errorf("connect queue store: %w", err)
		}
		if m, ok := store.(interface{ EnsureSchema(context.Context) error }); ok {
			if err := m.EnsureSchema(ctx); err != nil {
				return nil, fmt.Errorf("ensure queue schema: %w", err)
			}
		}
		if closer, ok := store.(interface{ Close() }); ok {
			a.closers = append(a.closers, closer.Close)
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unknown queue store type %q", a.cfg.Queue.Type)
	}
}

func (a *App) buildWakeup(ctx context.Context) (queue.WakeupQueue, error) {
	switch a.cfg.Wakeup.Type {
	case "", "none":
		return nil, nil
	case "memory":
		return queue.NewWakeupQueueMem(0), nil
	case "redis":
		wq, err := queue.NewWakeupQueueRedis(ctx, &redis.Options{
			Addr:     a.cfg.Wakeup.Addr,
			DB:       a.cfg.Wakeup.DB,
			Password: a.cfg.Wakeup.Password,
		})
		if err != nil {
			return nil, fmt.Errorf("connect wakeup queue: %w", err)
		}
		a.closers = append(a.closers, func() { _ = wq.Close() })
		return wq, nil
	default:
		return nil, fmt.Errorf("unknown wakeup queue type %q", a.cfg.Wakeup.Type)
	}
}

// resolveAPIKey secrets store 中的 key 优先于配置文件里的明文/环境变量
func (a *App) resolveAPIKey(ctx context.Context) (string, error) {
	if a.cfg.Embedding.APIKeySecret == "" {
		return a.cfg.Embedding.APIKey, nil
	}
	store, err := secrets.NewStore(secrets.Config{
		Provider: a.cfg.Secrets.Provider,
		Config:   a.cfg.Secrets.Config,
	})
	if err != nil {
		return "", fmt.Errorf("init secrets store: %w", err)
	}
	key, err := store.Get(ctx, a.cfg.Embedding.APIKeySecret)
	if err != nil {
		return "", fmt.Errorf("load embedding api key: %w", err)
	}
	return key, nil
}

// buildRateLimitConfig 策略预设为基线，显式字段覆盖
func buildRateLimitConfig(rc config.RateLimitConfig) ratelimit.Config {
	cfg := ratelimit.StrategyConfig(rc.Strategy)
	if rc.MaxConcurrent > 0 {
		cfg.MaxConcurrent = rc.MaxConcurrent
	}
	if rc.RequestsPerMinute > 0 {
		cfg.RequestsPerMinute = rc.RequestsPerMinute
	}
	if rc.TokensPerMinute > 0 {
		cfg.TokensPerMinute = rc.TokensPerMinute
	}
	if rc.BurstAllowance > 0 {
		cfg.BurstAllowance = rc.BurstAllowance
	}
	cfg.Adaptive.Enabled = rc.Adaptive.Enabled
	if d := config.ParseDuration(rc.Adaptive.Interval, 0); d > 0 {
		cfg.Adaptive.Interval = d
	}
	if rc.Adaptive.Step > 0 {
		cfg.Adaptive.Step = rc.Adaptive.Step
	}
	if rc.Adaptive.MinFactor > 0 {
		cfg.Adaptive.MinFactor = rc.Adaptive.MinFactor
	}
	if rc.Adaptive.MaxFactor > 0 {
		cfg.Adaptive.MaxFactor = rc.Adaptive.MaxFactor
	}
	if rc.Adaptive.SuccessRateFloor > 0 {
		cfg.Adaptive.SuccessRateFloor = rc.Adaptive.SuccessRateFloor
	}
	if rc.Adaptive.ErrorRateCeiling > 0 {
		cfg.Adaptive.ErrorRateCeiling = rc.Adaptive.ErrorRateCeiling
	}
	if rc.Adaptive.MaxAvgResponseMs > 0 {
		cfg.Adaptive.MaxAvgResponse = config.ParseDuration(
			fmt.Sprintf("%.0fms", rc.Adaptive.MaxAvgResponseMs), cfg.Adaptive.MaxAvgResponse)
	}
	return cfg
}

// metricsListener 把限流器事件转成 Prometheus 计数
func metricsListener(ev ratelimit.Event) {
	switch ev.Type {
	case ratelimit.EventDenied:
		metrics.RateLimitEventTotal.WithLabelValues(string(ev.Type), string(ev.Reason)).Inc()
	case ratelimit.EventError:
		metrics.RateLimitEventTotal.WithLabelValues(string(ev.Type), string(ev.ErrorType)).Inc()
	default:
		metrics.RateLimitEventTotal.WithLabelValues(string(ev.Type), "").Inc()
	}
}

// firstDuration 返回第一个正值
func firstDuration(vals ...time.Duration) time.Duration {
	for _, v := range vals {
		if v > 0 {
			return v
		}
	}
	return 0
}
