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

package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config Worker 进程配置结构体
type Config struct {
	Worker     WorkerConfig     `mapstructure:"worker"`
	Queue      QueueConfig      `mapstructure:"queue"`
	Wakeup     WakeupConfig     `mapstructure:"wakeup"`
	Embedding  EmbeddingConfig  `mapstructure:"embedding"`
	RateLimit  RateLimitConfig  `mapstructure:"rate_limit"`
	Control    ControlConfig    `mapstructure:"control"`
	Log        LogConfig        `mapstructure:"log"`
	Secrets    SecretsConfig    `mapstructure:"secrets"`
	Monitoring MonitoringConfig `mapstructure:"monitoring"`
}

// WorkerConfig Worker 循环配置；时长字段为字符串（如 "30s"），空则使用默认值。
// 这些仅是本地默认：Worker 启动时优先从 QueueStore 的 worker_config 表加载同名键。
type WorkerConfig struct {
	BatchSize         int    `mapstructure:"batch_size"`          // 每批认领的队列项数，<=0 默认 5
	HeartbeatInterval string `mapstructure:"heartbeat_interval"`  // 心跳间隔，空则默认 30s
	MaxProcessingTime string `mapstructure:"max_processing_time"` // 单项处理超时，空则默认 2m
	RateLimitDelay    string `mapstructure:"rate_limit_delay"`    // 批间延迟 / 限流重排延迟基数，空则默认 2s
}

// QueueConfig 队列存储配置
type QueueConfig struct {
	Type string `mapstructure:"type"` // memory | postgres
	DSN  string `mapstructure:"dsn"`  // Postgres 连接串，type=postgres 时必填
}

// WakeupConfig 入队唤醒队列配置；type=none 时 Worker 空闲等待退化为固定 sleep
type WakeupConfig struct {
	Type     string `mapstructure:"type"` // none | memory | redis
	Addr     string `mapstructure:"addr"`
	DB       int    `mapstructure:"db"`
	Password string `mapstructure:"password"`
}

// EmbeddingConfig Embedding 服务配置
type EmbeddingConfig struct {
	Endpoint     string `mapstructure:"endpoint"`       // 如 http://embedding:8300
	Model        string `mapstructure:"model"`          // 默认 text-embedding-3-small
	APIKey       string `mapstructure:"api_key"`        // 支持 ${ENV_VAR} 形式
	APIKeySecret string `mapstructure:"api_key_secret"` // secrets store 中的 key；非空时优先于 api_key
}

// RateLimitConfig 限流配置；Strategy 非空时以策略预设为基线，显式字段覆盖预设
type RateLimitConfig struct {
	Strategy          string         `mapstructure:"strategy"` // conservative | balanced | aggressive
	MaxConcurrent     int            `mapstructure:"max_concurrent"`
	RequestsPerMinute int            `mapstructure:"requests_per_minute"`
	TokensPerMinute   int            `mapstructure:"tokens_per_minute"`
	BurstAllowance    int            `mapstructure:"burst_allowance"`
	Adaptive          AdaptiveConfig `mapstructure:"adaptive"`
}

// AdaptiveConfig 自适应限流调整配置（阈值可调，见 ratelimit 包默认值）
type AdaptiveConfig struct {
	Enabled          bool    `mapstructure:"enabled"`
	Interval         string  `mapstructure:"interval"`           // 观察周期，空则默认 30s
	Step             float64 `mapstructure:"step"`               // 每次调整比例，如 0.1
	MinFactor        float64 `mapstructure:"min_factor"`         // 相对基线的下限系数
	MaxFactor        float64 `mapstructure:"max_factor"`         // 相对基线的上限系数
	SuccessRateFloor float64 `mapstructure:"success_rate_floor"` // 提升限额所需成功率
	ErrorRateCeiling float64 `mapstructure:"error_rate_ceiling"` // 触发降额的错误率
	MaxAvgResponseMs float64 `mapstructure:"max_avg_response_ms"`
}

// ControlConfig 控制面 HTTP 服务配置（start/stop/status + /metrics）
type ControlConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
}

// LogConfig 日志配置
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	File   string `mapstructure:"file"`
}

// SecretsConfig Secret Store 配置
type SecretsConfig struct {
	Provider string            `mapstructure:"provider"` // env | memory | vault
	Config   map[string]string `mapstructure:"config"`
}

// MonitoringConfig 监控配置
type MonitoringConfig struct {
	Tracing TracingConfig `mapstructure:"tracing"`
}

// TracingConfig 链路追踪配置（OpenTelemetry）
type TracingConfig struct {
	Enable         bool   `mapstructure:"enable"`
	ServiceName    string `mapstructure:"service_name"`
	ExportEndpoint string `mapstructure:"export_endpoint"`
	Insecure       bool   `mapstructure:"insecure"`
}

// LoadConfig 加载配置文件
func LoadConfig(configPath string) (*Config, error) {
	viper.SetConfigFile(configPath)
	viper.SetEnvPrefix("RECEIPT")
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err := viper.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("无法读取配置文件: %w", err)
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("无法解析配置文件: %w", err)
	}

	// 替换环境变量形式的 API Key
	if strings.HasPrefix(config.Embedding.APIKey, "$") {
		envVar := strings.TrimPrefix(strings.TrimSuffix(config.Embedding.APIKey, "}"), "${")
		if val := os.Getenv(envVar); val != "" {
			config.Embedding.APIKey = val
		}
	}

	return &config, nil
}

// ParseDuration 解析时长字符串，无效或空时返回 defaultVal
func ParseDuration(s string, defaultVal time.Duration) time.Duration {
	if s == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return defaultVal
	}
	return d
}
