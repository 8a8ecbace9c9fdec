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
	"sync"
	"testing"
	"time"

	pkgerrors "receipt-platform/pkg/errors"
)

func TestEnqueueAndClaimOrder(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	idLow, _ := s.Enqueue(ctx, Item{SourceType: "receipt", SourceID: "r1", Priority: PriorityLow})
	idNormal, _ := s.Enqueue(ctx, Item{SourceType: "receipt", SourceID: "r2"})
	idHigh, _ := s.Enqueue(ctx, Item{SourceType: "receipt", SourceID: "r3", Priority: PriorityHigh})

	items, err := s.ClaimBatch(ctx, "w1", 10)
	if err != nil {
		t.Fatalf("ClaimBatch: %v", err)
	}
	if len(items) != 3 {
		t.Fatalf("claimed %d items, want 3", len(items))
	}
	wantOrder := []string{idHigh, idNormal, idLow}
	for i, it := range items {
		if it.ID != wantOrder[i] {
			t.Errorf("items[%d].ID = %s, want %s", i, it.ID, wantOrder[i])
		}
	}
}

func TestClaimMutualExclusion(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	for i := 0; i < 20; i++ {
		s.Enqueue(ctx, Item{SourceType: "receipt", SourceID: "r"})
	}

	var mu sync.Mutex
	seen := make(map[string]string)
	var wg sync.WaitGroup
	for _, workerID := range []string{"w1", "w2", "w3", "w4"} {
		wg.Add(1)
		go func(wid string) {
			defer wg.Done()
			for {
				items, err := s.ClaimBatch(ctx, wid, 3)
				if err != nil {
					t.Errorf("ClaimBatch: %v", err)
					return
				}
				if len(items) == 0 {
					return
				}
				mu.Lock()
				for _, it := range items {
					if prev, dup := seen[it.ID]; dup {
						t.Errorf("item %s claimed by both %s and %s", it.ID, prev, wid)
					}
					seen[it.ID] = wid
				}
				mu.Unlock()
			}
		}(workerID)
	}
	wg.Wait()
	if len(seen) != 20 {
		t.Errorf("claimed %d distinct items, want 20", len(seen))
	}
}

func TestCompleteItemOwnership(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	id, _ := s.Enqueue(ctx, Item{SourceType: "receipt", SourceID: "r1"})
	if _, err := s.ClaimBatch(ctx, "w1", 1); err != nil {
		t.Fatalf("ClaimBatch: %v", err)
	}

	// 非认领者不能写终态
	if err := s.CompleteItem(ctx, id, "w2", true, 10, ""); err != ErrItemNotFound {
		t.Errorf("foreign complete err = %v, want ErrItemNotFound", err)
	} else if !pkgerrors.IsNotFound(err) {
		t.Error("ErrItemNotFound should classify as not-found")
	}
	if err := s.CompleteItem(ctx, id, "w1", false, 0, "boom"); err != nil {
		t.Fatalf("CompleteItem: %v", err)
	}
	status, msg, ok := s.ItemState(id)
	if !ok || status != itemFailed || msg != "boom" {
		t.Errorf("state = (%s, %q, %v), want (failed, boom, true)", status, msg, ok)
	}
	// 终态后不可再写
	if err := s.CompleteItem(ctx, id, "w1", true, 10, ""); err != ErrItemNotFound {
		t.Errorf("double complete err = %v, want ErrItemNotFound", err)
	}
}

func TestApplyRateLimitDelayHidesItemUntilDue(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	current := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return current }

	id, _ := s.Enqueue(ctx, Item{SourceType: "receipt", SourceID: "r1"})
	if _, err := s.ClaimBatch(ctx, "w1", 1); err != nil {
		t.Fatalf("ClaimBatch: %v", err)
	}
	if err := s.ApplyRateLimitDelay(ctx, id, "w1", 4*time.Second); err != nil {
		t.Fatalf("ApplyRateLimitDelay: %v", err)
	}

	// 延迟未到：别的 worker 也取不到
	items, _ := s.ClaimBatch(ctx, "w2", 1)
	if len(items) != 0 {
		t.Fatalf("item visible before delay elapsed")
	}
	current = current.Add(5 * time.Second)
	items, _ = s.ClaimBatch(ctx, "w2", 1)
	if len(items) != 1 || items[0].ID != id {
		t.Fatalf("item not reclaimable after delay, got %v", items)
	}
}

func TestHeartbeatAndActiveWorkers(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	current := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return current }

	if err := s.Heartbeat(ctx, "ghost", StatusIdle); err != ErrWorkerNotFound {
		t.Errorf("heartbeat of unregistered worker err = %v, want ErrWorkerNotFound", err)
	}

	s.RegisterWorker(ctx, "w1", StatusIdle, current)
	s.RegisterWorker(ctx, "w2", StatusIdle, current)
	current = current.Add(90 * time.Second)
	if err := s.Heartbeat(ctx, "w2", StatusActive); err != nil {
		t.Fatalf("Heartbeat: %v", err)
	}

	active, err := s.ListActiveWorkers(ctx, time.Minute)
	if err != nil {
		t.Fatalf("ListActiveWorkers: %v", err)
	}
	if len(active) != 1 || active[0].WorkerID != "w2" || active[0].Status != StatusActive {
		t.Errorf("active = %+v, want only w2/active", active)
	}
}

func TestLoadConfigReturnsOnlyKnownKeys(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	s.SetConfig("batch_size", "8")
	got, err := s.LoadConfig(ctx, []string{"batch_size", "missing_key"})
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if got["batch_size"] != "8" {
		t.Errorf("batch_size = %q, want 8", got["batch_size"])
	}
	if _, ok := got["missing_key"]; ok {
		t.Errorf("missing key should be absent from result")
	}
}

func TestWakeupQueueMem(t *testing.T) {
	ctx := context.Background()
	q := NewWakeupQueueMem(4)

	if _, ok := q.Receive(ctx, 10*time.Millisecond); ok {
		t.Fatal("Receive on empty queue should time out")
	}
	if err := q.NotifyReady(ctx, "item-1"); err != nil {
		t.Fatalf("NotifyReady: %v", err)
	}
	id, ok := q.Receive(ctx, time.Second)
	if !ok || id != "item-1" {
		t.Fatalf("Receive = (%s, %v), want (item-1, true)", id, ok)
	}

	// channel 满时丢弃通知而不是阻塞生产者
	for i := 0; i < 10; i++ {
		if err := q.NotifyReady(ctx, "x"); err != nil {
			t.Fatalf("NotifyReady overflow: %v", err)
		}
	}
}
