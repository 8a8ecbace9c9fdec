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
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cloudwego/hertz/pkg/app"
	"github.com/cloudwego/hertz/pkg/app/server"
	"github.com/cloudwego/hertz/pkg/common/hlog"
	"github.com/cloudwego/hertz/pkg/protocol/consts"
	hertzslog "github.com/hertz-contrib/logger/slog"

	"receipt-platform/internal/queue"
	"receipt-platform/internal/worker"
	"receipt-platform/pkg/config"
	"receipt-platform/pkg/log"
	"receipt-platform/pkg/metrics"
)

// controlServer Worker 控制面：start/stop/status 操作 Manager，
// 另暴露 /metrics 与 /health 供采集与探活
type controlServer struct {
	h       *server.Hertz
	manager *worker.Manager
	store   queue.Store
	wakeup  queue.WakeupQueue // 可为 nil
	logger  *log.Logger
}

func newControlServer(cfg config.ControlConfig, manager *worker.Manager,
	store queue.Store, wakeup queue.WakeupQueue, logger *log.Logger) *controlServer {
	hlog.SetLogger(hertzslog.NewLogger())

	host := cfg.Host
	if host == "" {
		host = "0.0.0.0"
	}
	port := cfg.Port
	if port == 0 {
		port = 8410
	}
	h := server.Default(server.WithHostPorts(fmt.Sprintf("%s:%d", host, port)))

	s := &controlServer{h: h, manager: manager, store: store, wakeup: wakeup, logger: logger}
	s.registerRoutes()
	return s
}

func (s *controlServer) registerRoutes() {
	v1 := s.h.Group("/api/v1")
	v1.POST("/worker/start", s.handleStart)
	v1.POST("/worker/stop", s.handleStop)
	v1.GET("/worker/status", s.handleStatus)
	v1.GET("/workers", s.handleListWorkers)
	v1.POST("/queue/items", s.handleEnqueue)

	s.h.GET("/metrics", s.handleMetrics)
	s.h.GET("/health", func(ctx context.Context, c *app.RequestContext) {
		c.JSON(consts.StatusOK, map[string]string{"status": "ok"})
	})
}

// run 阻塞运行直到服务退出或 ctx 取消
func (s *controlServer) run(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.h.Spin()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *controlServer) shutdown(ctx context.Context) {
	if err := s.h.Shutdown(ctx); err != nil {
		s.logger.Warn("control server shutdown failed", "err", err)
	}
}

func (s *controlServer) handleStart(ctx context.Context, c *app.RequestContext) {
	res := s.manager.Start(ctx)
	if !res.Success {
		if errors.Is(res.Err, worker.ErrAlreadyRunning) {
			c.JSON(consts.StatusConflict, map[string]interface{}{
				"error":     "worker already running",
				"worker_id": res.WorkerID,
			})
			return
		}
		c.JSON(consts.StatusInternalServerError, map[string]interface{}{
			"error": res.Err.Error(),
		})
		return
	}
	c.JSON(consts.StatusOK, map[string]interface{}{
		"worker_id": res.WorkerID,
	})
}

func (s *controlServer) handleStop(ctx context.Context, c *app.RequestContext) {
	stats, ok := s.manager.Stop()
	if !ok {
		c.JSON(consts.StatusOK, map[string]interface{}{
			"stopped": false,
		})
		return
	}
	c.JSON(consts.StatusOK, map[string]interface{}{
		"stopped":         true,
		"worker_id":       stats.WorkerID,
		"processed_count": stats.ProcessedCount,
		"error_count":     stats.ErrorCount,
	})
}

func (s *controlServer) handleStatus(ctx context.Context, c *app.RequestContext) {
	snap, ok := s.manager.Status()
	if !ok {
		c.JSON(consts.StatusOK, map[string]interface{}{
			"running": false,
		})
		return
	}
	c.JSON(consts.StatusOK, snap)
}

// handleListWorkers 返回最近有心跳的 worker（多进程部署时的存活视图）
func (s *controlServer) handleListWorkers(ctx context.Context, c *app.RequestContext) {
	within := 2 * time.Minute
	if v := c.Query("within"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			within = d
		}
	}
	workers, err := s.store.ListActiveWorkers(ctx, within)
	if err != nil {
		c.JSON(consts.StatusInternalServerError, map[string]interface{}{
			"error": err.Error(),
		})
		return
	}
	c.JSON(consts.StatusOK, map[string]interface{}{
		"workers": workers,
	})
}

type enqueueRequest struct {
	SourceType      string                 `json:"source_type"`
	SourceID        string                 `json:"source_id"`
	Operation       string                 `json:"operation"`
	Priority        string                 `json:"priority"`
	EstimatedTokens int                    `json:"estimated_tokens"`
	Metadata        map[string]interface{} `json:"metadata"`
}

// handleEnqueue 生产者入口：入队一条 embedding 任务
func (s *controlServer) handleEnqueue(ctx context.Context, c *app.RequestContext) {
	var req enqueueRequest
	if err := c.BindJSON(&req); err != nil {
		c.JSON(consts.StatusBadRequest, map[string]interface{}{"error": err.Error()})
		return
	}
	if req.SourceType == "" || req.SourceID == "" {
		c.JSON(consts.StatusBadRequest, map[string]interface{}{
			"error": "source_type and source_id are required",
		})
		return
	}
	id, err := s.store.Enqueue(ctx, queue.Item{
		SourceType:      req.SourceType,
		SourceID:        req.SourceID,
		Operation:       req.Operation,
		Priority:        req.Priority,
		EstimatedTokens: req.EstimatedTokens,
		Metadata:        req.Metadata,
	})
	if err != nil {
		c.JSON(consts.StatusInternalServerError, map[string]interface{}{"error": err.Error()})
		return
	}
	if s.wakeup != nil {
		if err := s.wakeup.NotifyReady(ctx, id); err != nil {
			s.logger.Warn("wakeup notify failed", "item_id", id, "err", err)
		}
	}
	c.JSON(consts.StatusOK, map[string]interface{}{"item_id": id})
}

func (s *controlServer) handleMetrics(ctx context.Context, c *app.RequestContext) {
	var buf bytes.Buffer
	if err := metrics.WritePrometheus(&buf); err != nil {
		c.String(consts.StatusInternalServerError, err.Error())
		return
	}
	c.Data(consts.StatusOK, "text/plain; version=0.0.4; charset=utf-8", buf.Bytes())
}
