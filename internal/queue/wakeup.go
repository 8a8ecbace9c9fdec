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
	"time"

	"github.com/redis/go-redis/v9"
)

// WakeupQueue 唤醒队列：生产者入队后 NotifyReady，空闲 Worker 用 Receive(timeout) 替代固定 sleep，
// 新任务到达时立即被唤醒而非等满一个轮询周期
type WakeupQueue interface {
	// NotifyReady 通知有新队列项可认领；itemID 仅作提示，Worker 仍按存储的认领顺序取
	NotifyReady(ctx context.Context, itemID string) error
	// Receive 阻塞最多 timeout；有通知返回 (itemID, true)，超时返回 ("", false)
	Receive(ctx context.Context, timeout time.Duration) (itemID string, ok bool)
}

// WakeupQueueMem 内存实现：带缓冲 channel；生产者与 Worker 共享同一实例时有效，多进程用 Redis 实现
type WakeupQueueMem struct {
	ch chan string
}

// NewWakeupQueueMem 创建内存唤醒队列；bufSize 建议 256 以上，避免生产者写阻塞
func NewWakeupQueueMem(bufSize int) *WakeupQueueMem {
	if bufSize <= 0 {
		bufSize = 256
	}
	return &WakeupQueueMem{ch: make(chan string, bufSize)}
}

// NotifyReady 实现 WakeupQueue；非阻塞发送，channel 满时丢弃（轮询兜底）
func (q *WakeupQueueMem) NotifyReady(ctx context.Context, itemID string) error {
	if itemID == "" {
		return nil
	}
	select {
	case q.ch <- itemID:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	default:
		return nil
	}
}

// Receive 实现 WakeupQueue
func (q *WakeupQueueMem) Receive(ctx context.Context, timeout time.Duration) (string, bool) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case id := <-q.ch:
		return id, true
	case <-timer.C:
		return "", false
	case <-ctx.Done():
		return "", false
	}
}

const wakeupKey = "embedding_queue:wakeup"

// WakeupQueueRedis Redis 实现：LPUSH/BRPOP，多进程部署时生产者与 Worker 跨进程唤醒
type WakeupQueueRedis struct {
	client *redis.Client
}

// NewWakeupQueueRedis 创建 Redis 唤醒队列并验证连接
func NewWakeupQueueRedis(ctx context.Context, opts *redis.Options) (*WakeupQueueRedis, error) {
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, err
	}
	return &WakeupQueueRedis{client: client}, nil
}

// NotifyReady 实现 WakeupQueue
func (q *WakeupQueueRedis) NotifyReady(ctx context.Context, itemID string) error {
	if itemID == "" {
		return nil
	}
	return q.client.LPush(ctx, wakeupKey, itemID).Err()
}

// Receive 实现 WakeupQueue；BRPOP 超时返回 ("", false)
func (q *WakeupQueueRedis) Receive(ctx context.Context, timeout time.Duration) (string, bool) {
	res, err := q.client.BRPop(ctx, timeout, wakeupKey).Result()
	if err != nil || len(res) < 2 {
		return "", false
	}
	return res[1], true
}

// Close 关闭 Redis 连接
func (q *WakeupQueueRedis) Close() error {
	return q.client.Close()
}
