// Copyright 2026 fanjia1024
// Environment variable secret store

package secrets

import (
	"context"
	"fmt"
	"os"
	"strings"
)

// envStore 从环境变量读取 secret；key 转大写、点转下划线（如 embedding.api_key → EMBEDDING_API_KEY）
type envStore struct{}

// NewEnvStore 创建基于环境变量的 secret store
func NewEnvStore() Store {
	return &envStore{}
}

func envKey(key string) string {
	return strings.ToUpper(strings.NewReplacer(".", "_", "-", "_").Replace(key))
}

func (e *envStore) Get(ctx context.Context, key string) (string, error) {
	if val := os.Getenv(envKey(key)); val != "" {
		return val, nil
	}
	return "", fmt.Errorf("secret not found: %s", key)
}

func (e *envStore) Set(ctx context.Context, key string, value string) error {
	return os.Setenv(envKey(key), value)
}

func (e *envStore) List(ctx context.Context, prefix string) ([]string, error) {
	p := envKey(prefix)
	var keys []string
	for _, kv := range os.Environ() {
		name, _, ok := strings.Cut(kv, "=")
		if ok && strings.HasPrefix(name, p) {
			keys = append(keys, name)
		}
	}
	return keys, nil
}
