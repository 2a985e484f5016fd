package pipeline

import (
	"fmt"
	"sort"
	"time"

	"github.com/rushteam/recalltune/core"
	"github.com/rushteam/recalltune/recall"
)

// Kind 标记流水线阶段，用于 checkpoint key 与按阶段打点。
type Kind string

const (
	KindGraph  Kind = "graph"  // 共现图构建
	KindRecall Kind = "recall" // 单个召回通道
	KindMerge  Kind = "merge"  // 合并截断
)

// Observer 接收每个阶段的耗时，cached 表示命中 checkpoint。
type Observer interface {
	ObserveStage(kind Kind, name string, took time.Duration, cached bool)
}

// Deps 是构建通道时可注入的外部依赖。
type Deps struct {
	// Cache 全局热门榜单的有序集合缓存，可为 nil
	Cache core.KeyValueStore
}

// ChannelBuilder 根据配置构建一个召回通道。
type ChannelBuilder func(cfg map[string]any, deps Deps) (recall.Builder, error)

// ChannelFactory 用于根据配置构建通道实例。
type ChannelFactory struct {
	builders map[string]ChannelBuilder
}

func NewChannelFactory() *ChannelFactory {
	return &ChannelFactory{
		builders: make(map[string]ChannelBuilder),
	}
}

// Register 注册通道构建器。
func (f *ChannelFactory) Register(typeName string, builder ChannelBuilder) {
	f.builders[typeName] = builder
}

// Types 返回已注册类型（排序）。
func (f *ChannelFactory) Types() []string {
	types := make([]string, 0, len(f.builders))
	for t := range f.builders {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// Build 根据类型和配置构建通道。
func (f *ChannelFactory) Build(typeName string, cfg map[string]any, deps Deps) (recall.Builder, error) {
	builder, ok := f.builders[typeName]
	if !ok {
		return nil, core.InvalidInput(core.ModuleRecall,
			fmt.Sprintf("unknown channel type %q (supported: %v)", typeName, f.Types()))
	}
	return builder(cfg, deps)
}
