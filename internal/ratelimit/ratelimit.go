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

package ratelimit

import (
	"math"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// ErrorType 错误分类；仅 rate_limit 触发指数退避
type ErrorType string

const (
	ErrorRateLimit ErrorType = "rate_limit"
	ErrorServer    ErrorType = "server_error"
	ErrorTimeout   ErrorType = "timeout"
	ErrorUnknown   ErrorType = "unknown"
)

// Reason 拒绝原因；按 AcquirePermission 的检查顺序返回第一个命中的
type Reason string

const (
	ReasonBackoff    Reason = "backoff_period"
	ReasonConcurrent Reason = "concurrent_limit"
	ReasonTokens     Reason = "tokens_limit"
	ReasonRequests   Reason = "requests_limit"
	ReasonBurst      Reason = "burst_limit"
)

// EventType 限流器事件；仅用于观测，不参与控制流
type EventType string

const (
	EventGranted EventType = "permission_granted"
	EventDenied  EventType = "permission_denied"
	EventSuccess EventType = "success"
	EventError   EventType = "error"
)

// Event 一次限流器事件
type Event struct {
	Type      EventType
	Reason    Reason    // EventDenied 时有效
	ErrorType ErrorType // EventError 时有效
	At        time.Time
}

// Listener 事件监听器；在调用方 goroutine 同步执行，内部不得回调 Limiter
type Listener func(Event)

// Permission AcquirePermission 的结果；Allowed=false 时 Reason 给出机器可读原因，
// Delay 给出建议等待时长（可能为 0）
type Permission struct {
	Allowed bool
	Delay   time.Duration
	Reason  Reason
}

// Status 只读快照
type Status struct {
	RequestsRemaining int
	TokensRemaining   int
	IsRateLimited     bool
	ConsecutiveErrors int
	Backoff           time.Duration
}

// AdaptiveConfig 自适应限额调整；阈值全部可调（见 DefaultAdaptive）
type AdaptiveConfig struct {
	Enabled          bool
	Interval         time.Duration // 观察周期
	Step             float64       // 单次调整比例
	MinFactor        float64       // 相对基线下限系数（安全地板）
	MaxFactor        float64       // 相对基线上限系数（硬天花板）
	SuccessRateFloor float64       // 提升限额所需成功率
	ErrorRateCeiling float64       // 触发降额的错误率
	MaxAvgResponse   time.Duration // 提升限额允许的平均响应时间上限；0 表示不检查
}

// Config 限流器配置
type Config struct {
	Strategy          string
	MaxConcurrent     int
	RequestsPerMinute int
	TokensPerMinute   int
	BurstAllowance    int
	BaseBackoff       time.Duration
	BackoffMultiplier float64
	MaxBackoff        time.Duration
	Adaptive          AdaptiveConfig
}

// Limiter 双预算准入控制：请求/分钟 + token/分钟，外加并发上限、突发额度与指数退避。
// AcquirePermission 是检查即占用：放行即扣减预算并占用并发槽位，
// 每次放行必须且只能配对一次 RecordSuccess 或 RecordError。
// 所有方法并发安全；进程内共享，不跨 Worker 实例。
type Limiter struct {
	mu  sync.Mutex
	cfg Config

	// 当前生效限额（自适应调整后可能偏离 cfg 基线）
	requestsPerMinute int
	tokensPerMinute   int

	windowStart  time.Time
	requestsUsed int
	tokensUsed   int

	inFlight          int
	consecutiveErrors int
	backoff           time.Duration
	backoffUntil      time.Time

	burst *rate.Limiter

	// 自适应观察窗口
	obsStart    time.Time
	obsSuccess  int
	obsError    int
	respTotal   time.Duration
	respSamples int

	listeners []Listener

	now func() time.Time
}

// NewLimiter 创建限流器；cfg 零值字段以 balanced 策略与 DefaultAdaptive 补齐
func NewLimiter(cfg Config) *Limiter {
	cfg = normalize(cfg)
	l := &Limiter{
		cfg:               cfg,
		requestsPerMinute: cfg.RequestsPerMinute,
		tokensPerMinute:   cfg.TokensPerMinute,
		now:               time.Now,
	}
	if cfg.BurstAllowance > 0 {
		limit := rate.Inf
		if cfg.RequestsPerMinute > 0 {
			limit = rate.Limit(float64(cfg.RequestsPerMinute) / 60.0)
		}
		l.burst = rate.NewLimiter(limit, cfg.BurstAllowance)
	}
	return l
}

// NewLimiterForStrategy 按命名策略创建限流器；未知策略按 balanced 处理
func NewLimiterForStrategy(name string) *Limiter {
	return NewLimiter(StrategyConfig(name))
}

// AddListener 注册事件监听器
func (l *Limiter) AddListener(fn Listener) {
	if fn == nil {
		return
	}
	l.mu.Lock()
	l.listeners = append(l.listeners, fn)
	l.mu.Unlock()
}

// AcquirePermission 按序检查 backoff → 并发 → token 预算 → 请求预算 → 突发额度，
// 返回第一个命中的拒绝原因；全部通过则扣减预算并占用并发槽位。不会 panic，也不返回 error。
func (l *Limiter) AcquirePermission(estimatedTokens int) Permission {
	if estimatedTokens < 0 {
		estimatedTokens = 0
	}
	l.mu.Lock()
	now := l.now()
	l.rollWindow(now)
	perm := l.acquireLocked(now, estimatedTokens)
	listeners := l.listeners
	l.mu.Unlock()

	ev := Event{Type: EventGranted, At: now}
	if !perm.Allowed {
		ev.Type = EventDenied
		ev.Reason = perm.Reason
	}
	for _, fn := range listeners {
		fn(ev)
	}
	return perm
}

func (l *Limiter) acquireLocked(now time.Time, estimatedTokens int) Permission {
	// 1. 退避期
	if now.Before(l.backoffUntil) {
		return Permission{Reason: ReasonBackoff, Delay: l.backoffUntil.Sub(now)}
	}
	// 2. 并发上限
	if l.cfg.MaxConcurrent > 0 && l.inFlight >= l.cfg.MaxConcurrent {
		return Permission{Reason: ReasonConcurrent}
	}
	windowLeft := l.windowStart.Add(time.Minute).Sub(now)
	// 3. token 预算
	if l.tokensPerMinute > 0 && l.tokensUsed+estimatedTokens > l.tokensPerMinute {
		return Permission{Reason: ReasonTokens, Delay: windowLeft}
	}
	// 4. 请求预算
	if l.requestsPerMinute > 0 && l.requestsUsed >= l.requestsPerMinute {
		return Permission{Reason: ReasonRequests, Delay: windowLeft}
	}
	// 5. 突发额度
	if l.burst != nil {
		res := l.burst.ReserveN(now, 1)
		if !res.OK() {
			return Permission{Reason: ReasonBurst, Delay: windowLeft}
		}
		if delay := res.DelayFrom(now); delay > 0 {
			res.CancelAt(now)
			return Permission{Reason: ReasonBurst, Delay: delay}
		}
	}

	l.requestsUsed++
	l.tokensUsed += estimatedTokens
	l.inFlight++
	return Permission{Allowed: true}
}

// RecordSuccess 释放并发槽位、清零连续错误与退避，并记录实际用量与响应时间。
// 未配对的调用不会使并发计数为负（钳制在 0）。
func (l *Limiter) RecordSuccess(actualTokens int, responseTime time.Duration) {
	l.mu.Lock()
	now := l.now()
	if l.inFlight > 0 {
		l.inFlight--
	}
	l.consecutiveErrors = 0
	l.backoff = 0
	l.backoffUntil = time.Time{}
	l.obsSuccess++
	if responseTime > 0 {
		l.respTotal += responseTime
		l.respSamples++
	}
	_ = actualTokens // 预算已按预估扣减；实际用量仅进入观测指标
	l.maybeAdjust(now)
	listeners := l.listeners
	l.mu.Unlock()

	ev := Event{Type: EventSuccess, At: now}
	for _, fn := range listeners {
		fn(ev)
	}
}

// RecordError 释放并发槽位并累加连续错误；仅 rate_limit 设置指数退避窗口，
// 其他错误类型记录但不触发退避（区分服务端限流与无关故障）
func (l *Limiter) RecordError(errType ErrorType) {
	l.mu.Lock()
	now := l.now()
	if l.inFlight > 0 {
		l.inFlight--
	}
	l.consecutiveErrors++
	if errType == ErrorRateLimit {
		backoff := time.Duration(float64(l.cfg.BaseBackoff) *
			math.Pow(l.cfg.BackoffMultiplier, float64(l.consecutiveErrors)))
		if backoff > l.cfg.MaxBackoff {
			backoff = l.cfg.MaxBackoff
		}
		l.backoff = backoff
		l.backoffUntil = now.Add(backoff)
	}
	l.obsError++
	l.maybeAdjust(now)
	listeners := l.listeners
	l.mu.Unlock()

	ev := Event{Type: EventError, ErrorType: errType, At: now}
	for _, fn := range listeners {
		fn(ev)
	}
}

// GetStatus 返回只读快照
func (l *Limiter) GetStatus() Status {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	l.rollWindow(now)
	reqLeft := l.requestsPerMinute - l.requestsUsed
	if reqLeft < 0 {
		reqLeft = 0
	}
	tokLeft := l.tokensPerMinute - l.tokensUsed
	if tokLeft < 0 {
		tokLeft = 0
	}
	return Status{
		RequestsRemaining: reqLeft,
		TokensRemaining:   tokLeft,
		IsRateLimited:     now.Before(l.backoffUntil),
		ConsecutiveErrors: l.consecutiveErrors,
		Backoff:           l.backoff,
	}
}

// GetConfig 返回基线配置（不含自适应调整后的当前限额，见 CurrentLimits）
func (l *Limiter) GetConfig() Config {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.cfg
}

// CurrentLimits 返回自适应调整后的当前生效限额
func (l *Limiter) CurrentLimits() (requestsPerMinute, tokensPerMinute int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.requestsPerMinute, l.tokensPerMinute
}

// rollWindow 固定一分钟窗口的惰性翻转；调用方需持锁
func (l *Limiter) rollWindow(now time.Time) {
	if l.windowStart.IsZero() {
		l.windowStart = now
		return
	}
	if now.Sub(l.windowStart) >= time.Minute {
		l.windowStart = now
		l.requestsUsed = 0
		l.tokensUsed = 0
	}
}

// maybeAdjust 观察周期结束后按成功率/错误率/响应时间调整限额；调用方需持锁。
// 限额单调有界：不低于 MinFactor×基线，不高于 MaxFactor×基线，避免振荡失控。
func (l *Limiter) maybeAdjust(now time.Time) {
	a := l.cfg.Adaptive
	if !a.Enabled {
		return
	}
	if l.obsStart.IsZero() {
		l.obsStart = now
		return
	}
	if now.Sub(l.obsStart) < a.Interval {
		return
	}
	total := l.obsSuccess + l.obsError
	if total > 0 {
		successRate := float64(l.obsSuccess) / float64(total)
		errorRate := float64(l.obsError) / float64(total)
		var avgResp time.Duration
		if l.respSamples > 0 {
			avgResp = l.respTotal / time.Duration(l.respSamples)
		}
		if errorRate >= a.ErrorRateCeiling {
			l.scaleLimits(1 - a.Step)
		} else if successRate >= a.SuccessRateFloor &&
			(a.MaxAvgResponse <= 0 || avgResp <= a.MaxAvgResponse) {
			l.scaleLimits(1 + a.Step)
		}
	}
	l.obsStart = now
	l.obsSuccess = 0
	l.obsError = 0
	l.respTotal = 0
	l.respSamples = 0
}

// scaleLimits 按系数调整当前限额并钳制在 [MinFactor, MaxFactor]×基线；调用方需持锁
func (l *Limiter) scaleLimits(factor float64) {
	a := l.cfg.Adaptive
	clamp := func(v int, base int) int {
		lo := int(float64(base) * a.MinFactor)
		hi := int(float64(base) * a.MaxFactor)
		if lo < 1 {
			lo = 1
		}
		if v < lo {
			return lo
		}
		if v > hi {
			return hi
		}
		return v
	}
	l.requestsPerMinute = clamp(int(float64(l.requestsPerMinute)*factor), l.cfg.RequestsPerMinute)
	l.tokensPerMinute = clamp(int(float64(l.tokensPerMinute)*factor), l.cfg.TokensPerMinute)
}
