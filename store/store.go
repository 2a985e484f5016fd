// Package store 提供 core.Store / core.KeyValueStore 的实现（内存、Redis），
// 以及基于 SQLite 的试验记录 TrialLog。
//
// 接口定义在 core 包：
//
//	var cache core.KeyValueStore = store.NewMemoryStore()
//	var cache core.KeyValueStore, _ = store.NewRedisStore(store.RedisConfig{Addr: "127.0.0.1:6379"})
package store

import (
	"context"
	"fmt"
	"strings"

	"github.com/rushteam/recalltune/core"
)

// CacheConfig 选择 checkpoint 缓存后端。
type CacheConfig struct {
	Backend string      `koanf:"backend" yaml:"backend"` // memory | redis | none
	Redis   RedisConfig `koanf:"redis" yaml:"redis"`
}

// NewCache 按配置创建缓存。backend 为 none 或空时返回 nil（不缓存）。
func NewCache(ctx context.Context, cfg CacheConfig) (core.KeyValueStore, error) {
	switch strings.ToLower(cfg.Backend) {
	case "", "none":
		return nil, nil
	case "memory":
		return NewMemoryStore(), nil
	case "redis":
		return NewRedisStoreContext(ctx, cfg.Redis)
	default:
		return nil, core.InvalidInput(core.ModuleStore, fmt.Sprintf("unknown cache backend %q", cfg.Backend))
	}
}
