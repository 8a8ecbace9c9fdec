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
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"receipt-platform/internal/ratelimit"
	"receipt-platform/pkg/config"
	"receipt-platform/pkg/metrics"
)

func TestBuildRateLimitConfigStrategyBaseline(t *testing.T) {
	cfg := buildRateLimitConfig(config.RateLimitConfig{Strategy: "conservative"})
	assert.Equal(t, 2, cfg.MaxConcurrent)
	assert.Equal(t, 20, cfg.RequestsPerMinute)
	assert.Equal(t, 40000, cfg.TokensPerMinute)
	assert.False(t, cfg.Adaptive.Enabled)
}

func TestBuildRateLimitConfigOverrides(t *testing.T) {
	cfg := buildRateLimitConfig(config.RateLimitConfig{
		Strategy:          "balanced",
		MaxConcurrent:     8,
		RequestsPerMinute: 120,
		Adaptive: config.AdaptiveConfig{
			Enabled:          true,
			Interval:         "20s",
			Step:             0.15,
			MaxAvgResponseMs: 1500,
		},
	})
	// 显式字段覆盖策略预设，未覆盖的保持预设值
	assert.Equal(t, 8, cfg.MaxConcurrent)
	assert.Equal(t, 120, cfg.RequestsPerMinute)
	assert.Equal(t, 90000, cfg.TokensPerMinute)
	require.True(t, cfg.Adaptive.Enabled)
	assert.Equal(t, 20*time.Second, cfg.Adaptive.Interval)
	assert.InDelta(t, 0.15, cfg.Adaptive.Step, 1e-9)
	assert.Equal(t, 1500*time.Millisecond, cfg.Adaptive.MaxAvgResponse)
}

func TestMetricsListenerCountsEvents(t *testing.T) {
	deniedBefore := testutil.ToFloat64(
		metrics.RateLimitEventTotal.WithLabelValues("permission_denied", "backoff_period"))
	errorBefore := testutil.ToFloat64(
		metrics.RateLimitEventTotal.WithLabelValues("error", "rate_limit"))

	metricsListener(ratelimit.Event{Type: ratelimit.EventDenied, Reason: ratelimit.ReasonBackoff})
	metricsListener(ratelimit.Event{Type: ratelimit.EventError, ErrorType: ratelimit.ErrorRateLimit})
	metricsListener(ratelimit.Event{Type: ratelimit.EventGranted})

	assert.Equal(t, deniedBefore+1, testutil.ToFloat64(
		metrics.RateLimitEventTotal.WithLabelValues("permission_denied", "backoff_period")))
	assert.Equal(t, errorBefore+1, testutil.ToFloat64(
		metrics.RateLimitEventTotal.WithLabelValues("error", "rate_limit")))
}
