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

package embedding

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"receipt-platform/internal/queue"
	"receipt-platform/internal/ratelimit"
	"receipt-platform/pkg/log"
)

// recordingStore 记录放回与终态调用次数的 Store 包装
type recordingStore struct {
	queue.Store
	mu        sync.Mutex
	delays    []time.Duration
	completes int
}

func (s *recordingStore) ApplyRateLimitDelay(ctx context.Context, itemID, workerID string, delay time.Duration) error {
	s.mu.Lock()
	s.delays = append(s.delays, delay)
	s.mu.Unlock()
	return s.Store.ApplyRateLimitDelay(ctx, itemID, workerID, delay)
}

func (s *recordingStore) CompleteItem(ctx context.Context, itemID, workerID string, success bool, actualTokens int, errorMessage string) error {
	s.mu.Lock()
	s.completes++
	s.mu.Unlock()
	return s.Store.CompleteItem(ctx, itemID, workerID, success, actualTokens, errorMessage)
}

type captureSink struct {
	mu      sync.Mutex
	vectors [][]float32
}

func (s *captureSink) Store(ctx context.Context, item queue.Item, vector []float32) error {
	s.mu.Lock()
	s.vectors = append(s.vectors, vector)
	s.mu.Unlock()
	return nil
}

func claimedItem(t *testing.T, store queue.Store, workerID string) queue.Item {
	t.Helper()
	ctx := context.Background()
	_, err := store.Enqueue(ctx, queue.Item{
		SourceType: "receipt",
		SourceID:   "r1",
		Metadata:   map[string]interface{}{"text": "coffee 4.50 EUR"},
	})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	items, err := store.ClaimBatch(ctx, workerID, 1)
	if err != nil || len(items) != 1 {
		t.Fatalf("ClaimBatch = (%v, %v)", items, err)
	}
	return items[0]
}

func TestProcessSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/embeddings" {
			t.Errorf("path = %s, want /embeddings", r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"data":[{"embedding":[0.1,0.2,0.3]}],"usage":{"total_tokens":7}}`))
	}))
	defer srv.Close()

	store := &recordingStore{Store: queue.NewMemoryStore()}
	item := claimedItem(t, store, "w1")
	sink := &captureSink{}
	p := NewProcessor(NewClient(ClientConfig{Endpoint: srv.URL, Model: "test-model"}),
		store, log.Nop(), time.Minute, 2*time.Second).WithSink(sink)

	res := p.Process(context.Background(), "w1", item)
	if !res.Success {
		t.Fatalf("Process failed: %v", res.Err)
	}
	if res.ActualTokens != 7 {
		t.Errorf("ActualTokens = %d, want 7", res.ActualTokens)
	}
	if len(sink.vectors) != 1 || len(sink.vectors[0]) != 3 {
		t.Errorf("sink got %v, want one 3-dim vector", sink.vectors)
	}
}

// 服务端 429：恰好一次放回（2 倍延迟），绝不写终态
func TestProcessRateLimitedRequeues(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	store := &recordingStore{Store: queue.NewMemoryStore()}
	item := claimedItem(t, store, "w1")
	p := NewProcessor(NewClient(ClientConfig{Endpoint: srv.URL, Model: "test-model"}),
		store, log.Nop(), time.Minute, 2*time.Second)

	res := p.Process(context.Background(), "w1", item)
	if !res.RateLimited {
		t.Fatalf("result should be rate-limited, got %+v", res)
	}
	if res.Success || res.Err != nil {
		t.Errorf("rate-limited item must not count as success or failure: %+v", res)
	}
	if res.ErrorType != ratelimit.ErrorRateLimit {
		t.Errorf("ErrorType = %s, want %s", res.ErrorType, ratelimit.ErrorRateLimit)
	}
	if len(store.delays) != 1 || store.delays[0] != 4*time.Second {
		t.Errorf("delays = %v, want exactly one 4s requeue", store.delays)
	}
	if store.completes != 0 {
		t.Errorf("CompleteItem called %d times, want 0", store.completes)
	}
	// 项回到 pending，延迟到期前不可认领
	status, _, _ := store.Store.(*queue.MemoryStore).ItemState(item.ID)
	if status != "pending" {
		t.Errorf("item status = %s, want pending", status)
	}
}

func TestProcessServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	store := &recordingStore{Store: queue.NewMemoryStore()}
	item := claimedItem(t, store, "w1")
	p := NewProcessor(NewClient(ClientConfig{Endpoint: srv.URL, Model: "test-model"}),
		store, log.Nop(), time.Minute, 2*time.Second)

	res := p.Process(context.Background(), "w1", item)
	if res.Success || res.RateLimited {
		t.Fatalf("5xx should be an item failure, got %+v", res)
	}
	if res.ErrorType != ratelimit.ErrorServer {
		t.Errorf("ErrorType = %s, want %s", res.ErrorType, ratelimit.ErrorServer)
	}
	if len(store.delays) != 0 {
		t.Errorf("5xx must not trigger requeue, delays = %v", store.delays)
	}
}

func TestProcessDeadlineExceeded(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(300 * time.Millisecond)
	}))
	defer srv.Close()

	store := &recordingStore{Store: queue.NewMemoryStore()}
	item := claimedItem(t, store, "w1")
	p := NewProcessor(NewClient(ClientConfig{Endpoint: srv.URL, Model: "test-model"}),
		store, log.Nop(), 50*time.Millisecond, 2*time.Second)

	res := p.Process(context.Background(), "w1", item)
	if res.Success || res.RateLimited {
		t.Fatalf("timeout should be an item failure, got %+v", res)
	}
	if res.ErrorType != ratelimit.ErrorTimeout {
		t.Errorf("ErrorType = %s, want %s", res.ErrorType, ratelimit.ErrorTimeout)
	}
}

func TestProcessMissingTextFails(t *testing.T) {
	store := &recordingStore{Store: queue.NewMemoryStore()}
	ctx := context.Background()
	id, _ := store.Enqueue(ctx, queue.Item{SourceType: "receipt", SourceID: "r1"})
	items, _ := store.ClaimBatch(ctx, "w1", 1)
	if len(items) != 1 || items[0].ID != id {
		t.Fatalf("claim failed: %v", items)
	}
	p := NewProcessor(NewClient(ClientConfig{Endpoint: "http://127.0.0.1:1", Model: "m"}),
		store, log.Nop(), time.Minute, 2*time.Second)

	res := p.Process(ctx, "w1", items[0])
	if res.Success || res.RateLimited || res.Err == nil {
		t.Fatalf("missing text should fail the item, got %+v", res)
	}
}
