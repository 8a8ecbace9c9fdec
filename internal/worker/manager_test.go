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
	"testing"

	"receipt-platform/internal/queue"
	"receipt-platform/pkg/log"
)

func newTestManager(store queue.Store) *Manager {
	return NewManager(func() *Worker {
		return New(store, &fakeProcessor{}, openLimiter(), nil, log.Nop(), testConfig())
	})
}

func TestManagerSingleInstance(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(queue.NewMemoryStore())

	res := m.Start(ctx)
	if !res.Success {
		t.Fatalf("Start: %v", res.Err)
	}
	firstID := res.WorkerID

	dup := m.Start(ctx)
	if dup.Success || !errors.Is(dup.Err, ErrAlreadyRunning) {
		t.Fatalf("second Start = %+v, want ErrAlreadyRunning", dup)
	}
	if dup.WorkerID != firstID {
		t.Errorf("conflict should report running worker id %s, got %s", firstID, dup.WorkerID)
	}

	snap, ok := m.Status()
	if !ok || snap.WorkerID != firstID || !snap.Running {
		t.Errorf("Status = (%+v, %v)", snap, ok)
	}

	stats, stopped := m.Stop()
	if !stopped || stats.WorkerID != firstID {
		t.Fatalf("Stop = (%+v, %v)", stats, stopped)
	}
	if _, stopped := m.Stop(); stopped {
		t.Error("second Stop should report nothing to stop")
	}
	if _, ok := m.Status(); ok {
		t.Error("Status after Stop should report no worker")
	}
}

func TestManagerRestartCreatesFreshWorker(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(queue.NewMemoryStore())

	first := m.Start(ctx)
	if !first.Success {
		t.Fatalf("Start: %v", first.Err)
	}
	m.Stop()

	second := m.Start(ctx)
	if !second.Success {
		t.Fatalf("restart: %v", second.Err)
	}
	defer m.Stop()
	if second.WorkerID == first.WorkerID {
		t.Error("restart must allocate a fresh worker id")
	}
}

func TestManagerStartFailureLeavesNoWorker(t *testing.T) {
	ctx := context.Background()
	store := &failingRegisterStore{MemoryStore: queue.NewMemoryStore()}
	m := newTestManager(store)

	if res := m.Start(ctx); res.Success {
		t.Fatal("Start should fail when registration fails")
	}
	if _, ok := m.Status(); ok {
		t.Error("failed start must not retain a worker")
	}
}
