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
	"sync"
)

// ErrAlreadyRunning Manager 下已有运行中的 Worker
var ErrAlreadyRunning = errors.New("worker already running")

// Factory 创建新的 Worker 实例；每次启动都调用一次（Worker 一次性）
type Factory func() *Worker

// Manager 持有零个或一个运行中的 Worker；Start/Stop/Status 并发安全。
// 重启即换实例，不复用已停止的 Worker。
type Manager struct {
	mu      sync.Mutex
	factory Factory
	current *Worker
}

// NewManager 创建 Manager
func NewManager(factory Factory) *Manager {
	return &Manager{factory: factory}
}

// Start 启动一个新 Worker；已有运行中实例时返回 ErrAlreadyRunning。
// 启动失败不保留失败的实例，下次 Start 重新创建。
func (m *Manager) Start(ctx context.Context) StartResult {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current != nil && m.current.Status().Running {
		return StartResult{Err: ErrAlreadyRunning, WorkerID: m.current.WorkerID()}
	}
	w := m.factory()
	res := w.Start(ctx)
	if res.Success {
		m.current = w
	}
	return res
}

// Stop 停止当前 Worker；无运行中实例时返回 (零值, false)
func (m *Manager) Stop() (Stats, bool) {
	m.mu.Lock()
	w := m.current
	m.current = nil
	m.mu.Unlock()
	if w == nil {
		return Stats{}, false
	}
	return w.Stop(), true
}

// Status 返回当前 Worker 的快照；无实例时返回 (零值, false)
func (m *Manager) Status() (StatusSnapshot, bool) {
	m.mu.Lock()
	w := m.current
	m.mu.Unlock()
	if w == nil {
		return StatusSnapshot{}, false
	}
	return w.Status(), true
}
