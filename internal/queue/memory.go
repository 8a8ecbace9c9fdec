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
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// 内部项状态
const (
	itemPending   = "pending"
	itemClaimed   = "claimed"
	itemCompleted = "completed"
	itemFailed    = "failed"
)

type memItem struct {
	item         Item
	status       string
	workerID     string
	availableAt  time.Time
	seq          int
	actualTokens int
	errorMessage string
}

// MemoryStore 内存实现：单进程测试与本地开发用；语义与 pg 实现保持一致
type MemoryStore struct {
	mu      sync.Mutex
	items   map[string]*memItem
	seq     int
	config  map[string]string
	workers map[string]*WorkerInfo
	now     func() time.Time
}

// NewMemoryStore 创建内存队列存储
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		items:   make(map[string]*memItem),
		config:  make(map[string]string),
		workers: make(map[string]*WorkerInfo),
		now:     time.Now,
	}
}

// SetConfig 写入调优参数（测试与本地开发用；生产由运维写 worker_config 表）
func (s *MemoryStore) SetConfig(key, value string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.config[key] = value
}

// LoadConfig 实现 Store
func (s *MemoryStore) LoadConfig(ctx context.Context, keys []string) (map[string]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]string, len(keys))
	for _, k := range keys {
		if v, ok := s.config[k]; ok {
			out[k] = v
		}
	}
	return out, nil
}

// RegisterWorker 实现 Store
func (s *MemoryStore) RegisterWorker(ctx context.Context, workerID, status string, heartbeat time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.workers[workerID] = &WorkerInfo{WorkerID: workerID, Status: status, LastHeartbeat: heartbeat}
	return nil
}

// Heartbeat 实现 Store
func (s *MemoryStore) Heartbeat(ctx context.Context, workerID, status string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.workers[workerID]
	if !ok {
		return ErrWorkerNotFound
	}
	w.Status = status
	w.LastHeartbeat = s.now()
	return nil
}

func priorityRank(p string) int {
	switch p {
	case PriorityHigh:
		return 0
	case PriorityNormal, "":
		return 1
	default:
		return 2
	}
}

// ClaimBatch 实现 Store；high 先于 normal 先于 low，同级按入队顺序
func (s *MemoryStore) ClaimBatch(ctx context.Context, workerID string, batchSize int) ([]Item, error) {
	if batchSize <= 0 {
		return nil, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	var candidates []*memItem
	for _, mi := range s.items {
		if mi.status == itemPending && !mi.availableAt.After(now) {
			candidates = append(candidates, mi)
		}
	}
	sort.Slice(candidates, func(i, j int) bool {
		ri, rj := priorityRank(candidates[i].item.Priority), priorityRank(candidates[j].item.Priority)
		if ri != rj {
			return ri < rj
		}
		return candidates[i].seq < candidates[j].seq
	})
	if len(candidates) > batchSize {
		candidates = candidates[:batchSize]
	}
	items := make([]Item, 0, len(candidates))
	for _, mi := range candidates {
		mi.status = itemClaimed
		mi.workerID = workerID
		items = append(items, mi.item)
	}
	return items, nil
}

// CompleteItem 实现 Store
func (s *MemoryStore) CompleteItem(ctx context.Context, itemID, workerID string, success bool, actualTokens int, errorMessage string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	mi, ok := s.items[itemID]
	if !ok || mi.status != itemClaimed || mi.workerID != workerID {
		return ErrItemNotFound
	}
	if success {
		mi.status = itemCompleted
		mi.actualTokens = actualTokens
	} else {
		mi.status = itemFailed
		mi.errorMessage = errorMessage
	}
	return nil
}

// ApplyRateLimitDelay 实现 Store；放回 pending 并延迟可认领时间
func (s *MemoryStore) ApplyRateLimitDelay(ctx context.Context, itemID, workerID string, delay time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	mi, ok := s.items[itemID]
	if !ok || mi.status != itemClaimed || mi.workerID != workerID {
		return ErrItemNotFound
	}
	mi.status = itemPending
	mi.workerID = ""
	mi.availableAt = s.now().Add(delay)
	return nil
}

// Enqueue 实现 Store
func (s *MemoryStore) Enqueue(ctx context.Context, item Item) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if item.ID == "" {
		item.ID = uuid.New().String()
	}
	if item.Priority == "" {
		item.Priority = PriorityNormal
	}
	if item.CreatedAt.IsZero() {
		item.CreatedAt = s.now()
	}
	s.seq++
	s.items[item.ID] = &memItem{item: item, status: itemPending, seq: s.seq}
	return item.ID, nil
}

// ListActiveWorkers 实现 Store
func (s *MemoryStore) ListActiveWorkers(ctx context.Context, within time.Duration) ([]WorkerInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := s.now().Add(-within)
	var out []WorkerInfo
	for _, w := range s.workers {
		if !w.LastHeartbeat.Before(cutoff) {
			out = append(out, *w)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].WorkerID < out[j].WorkerID })
	return out, nil
}

// ItemState 返回项状态与失败原因（测试与状态查询用）
func (s *MemoryStore) ItemState(itemID string) (status string, errorMessage string, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	mi, exists := s.items[itemID]
	if !exists {
		return "", "", false
	}
	return mi.status, mi.errorMessage, true
}

// WorkerState 返回 worker 当前状态（测试用）
func (s *MemoryStore) WorkerState(workerID string) (WorkerInfo, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.workers[workerID]
	if !ok {
		return WorkerInfo{}, false
	}
	return *w, true
}
