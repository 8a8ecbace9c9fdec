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
	"errors"
	"fmt"
	"net/http"

	"github.com/go-resty/resty/v2"
)

// Client embedding 服务客户端；实现需把 HTTP 429 映射为 *StatusError{Code: 429}，
// 上层据此走延迟重排而不是失败
type Client interface {
	Embed(ctx context.Context, input string) (*EmbedResult, error)
}

// EmbedResult 一次 embedding 调用的结果
type EmbedResult struct {
	Embedding  []float32
	TokensUsed int
}

// StatusError 服务端返回的非 2xx 响应
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("embedding service status %d: %s", e.Code, e.Body)
}

// IsRateLimited 判断错误是否为服务端限流（HTTP 429）
func IsRateLimited(err error) bool {
	var se *StatusError
	return errors.As(err, &se) && se.Code == http.StatusTooManyRequests
}

// ClientConfig HTTP 客户端配置
type ClientConfig struct {
	Endpoint string // 服务地址，如 https://api.openai.com/v1
	Model    string
	APIKey   string
}

type restyClient struct {
	rc    *resty.Client
	model string
}

// NewClient 创建基于 resty 的 embedding 客户端；超时由调用方 ctx 控制
func NewClient(cfg ClientConfig) Client {
	rc := resty.New().
		SetBaseURL(cfg.Endpoint).
		SetHeader("Content-Type", "application/json")
	if cfg.APIKey != "" {
		rc.SetAuthToken(cfg.APIKey)
	}
	return &restyClient{rc: rc, model: cfg.Model}
}

type embedRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type embedResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
	Usage struct {
		TotalTokens int `json:"total_tokens"`
	} `json:"usage"`
}

// Embed 实现 Client
func (c *restyClient) Embed(ctx context.Context, input string) (*EmbedResult, error) {
	var out embedResponse
	resp, err := c.rc.R().
		SetContext(ctx).
		SetBody(embedRequest{Model: c.model, Input: []string{input}}).
		SetResult(&out).
		Post("/embeddings")
	if err != nil {
		return nil, err
	}
	if resp.IsError() {
		return nil, &StatusError{Code: resp.StatusCode(), Body: string(resp.Body())}
	}
	if len(out.Data) == 0 {
		return nil, fmt.Errorf("embedding service returned empty data")
	}
	return &EmbedResult{
		Embedding:  out.Data[0].Embedding,
		TokensUsed: out.Usage.TotalTokens,
	}, nil
}
