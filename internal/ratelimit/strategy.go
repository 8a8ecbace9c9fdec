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

import "time"

// 命名策略：embedding 服务商配额档位的预设
const (
	StrategyConservative = "conservative"
	StrategyBalanced     = "balanced"
	StrategyAggressive   = "aggressive"
)

// 退避默认值
const (
	DefaultBaseBackoff       = time.Second
	DefaultBackoffMultiplier = 2.0
	DefaultMaxBackoff        = 60 * time.Second
)

// DefaultAdaptive 自适应调整默认参数（默认关闭，配置里显式打开）
var DefaultAdaptive = AdaptiveConfig{
	Enabled:          false,
	Interval:         30 * time.Second,
	Step:             0.1,
	MinFactor:        0.5,
	MaxFactor:        2.0,
	SuccessRateFloor: 0.95,
	ErrorRateCeiling: 0.2,
	MaxAvgResponse:   2 * time.Second,
}

var strategies = map[string]Config{
	StrategyConservative: {
		Strategy:          StrategyConservative,
		MaxConcurrent:     2,
		RequestsPerMinute: 20,
		TokensPerMinute:   40000,
		BurstAllowance:    5,
	},
	StrategyBalanced: {
		Strategy:          StrategyBalanced,
		MaxConcurrent:     5,
		RequestsPerMinute: 60,
		TokensPerMinute:   90000,
		BurstAllowance:    10,
	},
	StrategyAggressive: {
		Strategy:          StrategyAggressive,
		MaxConcurrent:     10,
		RequestsPerMinute: 200,
		TokensPerMinute:   200000,
		BurstAllowance:    20,
	},
}

// StrategyConfig 返回命名策略的配置；未知名字回落到 balanced
func StrategyConfig(name string) Config {
	cfg, ok := strategies[name]
	if !ok {
		cfg = strategies[StrategyBalanced]
	}
	return normalize(cfg)
}

// normalize 以 balanced 策略与默认退避/自适应参数补齐零值字段
func normalize(cfg Config) Config {
	base := strategies[StrategyBalanced]
	if cfg.Strategy == "" {
		cfg.Strategy = base.Strategy
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = base.MaxConcurrent
	}
	if cfg.RequestsPerMinute <= 0 {
		cfg.RequestsPerMinute = base.RequestsPerMinute
	}
	if cfg.TokensPerMinute <= 0 {
		cfg.TokensPerMinute = base.TokensPerMinute
	}
	if cfg.BurstAllowance < 0 {
		cfg.BurstAllowance = 0
	}
	if cfg.BaseBackoff <= 0 {
		cfg.BaseBackoff = DefaultBaseBackoff
	}
	if cfg.BackoffMultiplier <= 1 {
		cfg.BackoffMultiplier = DefaultBackoffMultiplier
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = DefaultMaxBackoff
	}
	a := &cfg.Adaptive
	if a.Interval <= 0 {
		a.Interval = DefaultAdaptive.Interval
	}
	if a.Step <= 0 {
		a.Step = DefaultAdaptive.Step
	}
	if a.MinFactor <= 0 {
		a.MinFactor = DefaultAdaptive.MinFactor
	}
	if a.MaxFactor <= 0 {
		a.MaxFactor = DefaultAdaptive.MaxFactor
	}
	if a.SuccessRateFloor <= 0 {
		a.SuccessRateFloor = DefaultAdaptive.SuccessRateFloor
	}
	if a.ErrorRateCeiling <= 0 {
		a.ErrorRateCeiling = DefaultAdaptive.ErrorRateCeiling
	}
	if a.MaxAvgResponse < 0 {
		a.MaxAvgResponse = 0
	}
	return cfg
}
