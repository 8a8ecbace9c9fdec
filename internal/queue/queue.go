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

package queue

import (
	"context"
	"fmt"
	"time"

	pkgerrors "receipt-platform/pkg/errors"
)

// 哨兵错误；均包装 pkg/errors.ErrNotFound，跨包可用 errors.Is 归类
var (
	// ErrItemNotFound 目标队列项不存在或不归属该 worker
	ErrItemNotFound = fmt.Errorf("queue item: %w", pkgerrors.ErrNotFound)
	// ErrWorkerNotFound worker 未注册
	ErrWorkerNotFound = fmt.Errorf("worker: %w", pkgerrors.ErrNotFound)
)

// 队列项优先级；认领时 high 先于 normal 先于 low，同级按入队顺序
const (
	PriorityHigh   = "high"
	PriorityNormal = "normal"
	PriorityLow    = "low"
)

// Worker 状态（心跳上报）
const (
	StatusActive  = "active"
	StatusIdle    = "idle"
	StatusStopped = "stopped"
)

// Item 一条待处理的 embedding 任务
type Item struct {
	ID              string                 `json:"id"`
	SourceType      string                 `json:"source_type"` // receipt | line_item 等，核心不解释
	SourceID        string                 `json:"source_id"`
	Operation       string                 `json:"operation"` // create | update，仅作信息
	Priority        string                 `json:"priority"`
	EstimatedTokens int                    `json:"estimated_tokens"` // 预估 token 数，0 表示无提示
	Metadata        map[string]interface{} `json:"metadata"`         // 透传，不做强类型
	CreatedAt       time.Time              `json:"created_at"`
}

// WorkerInfo 有心跳记录的 worker（供外部存活监控读取 last_heartbeat）
type WorkerInfo struct {
	WorkerID      string    `json:"worker_id"`
	Status        string    `json:"status"`
	LastHeartbeat time.Time `json:"last_heartbeat"`
}

// Store 队列存储契约：认领互斥由实现保证（同一项在释放前不可被第二个 worker 认领）
type Store interface {
	// LoadConfig 批量读取 worker 调优参数；缺失的 key 不在返回 map 中
	LoadConfig(ctx context.Context, keys []string) (map[string]string, error)
	// RegisterWorker 注册（或重新注册）worker 并写入首次心跳
	RegisterWorker(ctx context.Context, workerID, status string, heartbeat time.Time) error
	// Heartbeat 更新 worker 状态与 last_heartbeat
	Heartbeat(ctx context.Context, workerID, status string) error
	// ClaimBatch 原子认领至多 batchSize 条可用项；无可用项返回空切片
	ClaimBatch(ctx context.Context, workerID string, batchSize int) ([]Item, error)
	// CompleteItem 标记认领项的终态；success=false 时 errorMessage 记录失败原因
	CompleteItem(ctx context.Context, itemID, workerID string, success bool, actualTokens int, errorMessage string) error
	// ApplyRateLimitDelay 将认领项放回队列并延迟 delay 后才可再次被认领
	ApplyRateLimitDelay(ctx context.Context, itemID, workerID string, delay time.Duration) error
	// Enqueue 入队一条新任务；item.ID 为空时由实现生成，返回最终 ID
	Enqueue(ctx context.Context, item Item) (string, error)
	// ListActiveWorkers 返回 last_heartbeat 在 within 之内的 worker（供存活监控）
	ListActiveWorkers(ctx context.Context, within time.Duration) ([]WorkerInfo, error)
}
