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
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// pgStore PostgreSQL 实现：embedding_queue / embedding_workers / worker_config 三张表。
// 认领互斥依赖 FOR UPDATE SKIP LOCKED，同一项在 complete/delay 释放前不会被第二个 worker 取到。
type pgStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore 创建基于 PostgreSQL 的队列存储；dsn 为连接串
func NewPostgresStore(ctx context.Context, dsn string) (Store, error) {
	config, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, err
	}
	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return &pgStore{pool: pool}, nil
}

// Close 关闭连接池（可选，用于优雅退出）
func (s *pgStore) Close() {
	s.pool.Close()
}

// EnsureSchema 建表（幂等）；生产环境也可改由迁移工具维护
func (s *pgStore) EnsureSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
CREATE TABLE IF NOT EXISTS embedding_queue (
  id               TEXT PRIMARY KEY,
  source_type      TEXT NOT NULL,
  source_id        TEXT NOT NULL,
  operation        TEXT NOT NULL DEFAULT '',
  priority         TEXT NOT NULL DEFAULT 'normal',
  estimated_tokens INT  NOT NULL DEFAULT 0,
  metadata         JSONB,
  status           TEXT NOT NULL DEFAULT 'pending',
  worker_id        TEXT,
  error            TEXT,
  actual_tokens    INT,
  available_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
  claimed_at       TIMESTAMPTZ,
  completed_at     TIMESTAMPTZ,
  created_at       TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS embedding_queue_claim_idx
  ON embedding_queue (status, available_at, priority, created_at);
CREATE TABLE IF NOT EXISTS embedding_workers (
  worker_id      TEXT PRIMARY KEY,
  status         TEXT NOT NULL,
  last_heartbeat TIMESTAMPTZ NOT NULL
);
CREATE TABLE IF NOT EXISTS worker_config (
  key   TEXT PRIMARY KEY,
  value TEXT NOT NULL
)`)
	return err
}

// LoadConfig 实现 Store
func (s *pgStore) LoadConfig(ctx context.Context, keys []string) (map[string]string, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT key, value FROM worker_config WHERE key = ANY($1)`, keys)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make(map[string]string, len(keys))
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, err
		}
		out[k] = v
	}
	return out, rows.Err()
}

// RegisterWorker 实现 Store；重复注册时覆盖旧记录
func (s *pgStore) RegisterWorker(ctx context.Context, workerID, status string, heartbeat time.Time) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO embedding_workers (worker_id, status, last_heartbeat) VALUES ($1, $2, $3)
		 ON CONFLICT (worker_id) DO UPDATE SET status = $2, last_heartbeat = $3`,
		workerID, status, heartbeat)
	return err
}

// Heartbeat 实现 Store
func (s *pgStore) Heartbeat(ctx context.Context, workerID, status string) error {
	cmd, err := s.pool.Exec(ctx,
		`UPDATE embedding_workers SET status = $1, last_heartbeat = now() WHERE worker_id = $2`,
		status, workerID)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return ErrWorkerNotFound
	}
	return nil
}

// ClaimBatch 实现 Store；原子认领至多 batchSize 条，high 优先，同级 FIFO
func (s *pgStore) ClaimBatch(ctx context.Context, workerID string, batchSize int) ([]Item, error) {
	if batchSize <= 0 {
		return nil, nil
	}
	rows, err := s.pool.Query(ctx, `
WITH sel AS (
  SELECT id FROM embedding_queue
  WHERE status = 'pending' AND available_at <= now()
  ORDER BY CASE priority WHEN 'high' THEN 0 WHEN 'normal' THEN 1 ELSE 2 END, created_at
  LIMIT $2
  FOR UPDATE SKIP LOCKED
)
UPDATE embedding_queue q SET status = 'claimed', worker_id = $1, claimed_at = now()
FROM sel WHERE q.id = sel.id
RETURNING q.id, q.source_type, q.source_id, q.operation, q.priority, q.estimated_tokens, q.metadata, q.created_at`,
		workerID, batchSize)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []Item
	for rows.Next() {
		var it Item
		var metadata []byte
		if err := rows.Scan(&it.ID, &it.SourceType, &it.SourceID, &it.Operation,
			&it.Priority, &it.EstimatedTokens, &metadata, &it.CreatedAt); err != nil {
			return nil, err
		}
		if len(metadata) > 0 {
			_ = json.Unmarshal(metadata, &it.Metadata)
		}
		items = append(items, it)
	}
	return items, rows.Err()
}

// CompleteItem 实现 Store
func (s *pgStore) CompleteItem(ctx context.Context, itemID, workerID string, success bool, actualTokens int, errorMessage string) error {
	status := "completed"
	if !success {
		status = "failed"
	}
	cmd, err := s.pool.Exec(ctx,
		`UPDATE embedding_queue
		 SET status = $1, actual_tokens = $2, error = NULLIF($3, ''), completed_at = now()
		 WHERE id = $4 AND worker_id = $5 AND status = 'claimed'`,
		status, actualTokens, errorMessage, itemID, workerID)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return ErrItemNotFound
	}
	return nil
}

// ApplyRateLimitDelay 实现 Store；放回 pending 并推迟 available_at
func (s *pgStore) ApplyRateLimitDelay(ctx context.Context, itemID, workerID string, delay time.Duration) error {
	cmd, err := s.pool.Exec(ctx,
		`UPDATE embedding_queue
		 SET status = 'pending', worker_id = NULL, available_at = now() + make_interval(secs => $1)
		 WHERE id = $2 AND worker_id = $3 AND status = 'claimed'`,
		delay.Seconds(), itemID, workerID)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return ErrItemNotFound
	}
	return nil
}

// Enqueue 实现 Store
func (s *pgStore) Enqueue(ctx context.Context, item Item) (string, error) {
	if item.ID == "" {
		item.ID = uuid.New().String()
	}
	if item.Priority == "" {
		item.Priority = PriorityNormal
	}
	metadata, err := json.Marshal(item.Metadata)
	if err != nil {
		return "", err
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO embedding_queue
		 (id, source_type, source_id, operation, priority, estimated_tokens, metadata, status, available_at, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, 'pending', now(), now())`,
		item.ID, item.SourceType, item.SourceID, item.Operation, item.Priority, item.EstimatedTokens, metadata)
	return item.ID, err
}

// ListActiveWorkers 实现 Store
func (s *pgStore) ListActiveWorkers(ctx context.Context, within time.Duration) ([]WorkerInfo, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT worker_id, status, last_heartbeat FROM embedding_workers
		 WHERE last_heartbeat > now() - make_interval(secs => $1) ORDER BY worker_id`,
		within.Seconds())
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []WorkerInfo
	for rows.Next() {
		var w WorkerInfo
		if err := rows.Scan(&w.WorkerID, &w.Status, &w.LastHeartbeat); err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, rows.Err()
}
