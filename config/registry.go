package config

import (
	"fmt"
	"sort"
	"sync"

	"github.com/rushteam/recalltune/core"
	"github.com/rushteam/recalltune/pipeline"
)

// 使用配置驱动时，需在入口处 import _ "github.com/rushteam/recalltune/config/builders"
// 以触发内置通道（recall.repurchase、recall.covisit、recall.personal_pop、recall.hot）的 init 注册。

// ChannelBuilder 与 pipeline.ChannelBuilder 一致。
type ChannelBuilder = pipeline.ChannelBuilder

var (
	defaultBuilders   = make(map[string]ChannelBuilder)
	defaultBuildersMu sync.RWMutex
)

// Register 注册一种通道的构建逻辑，在 init 中调用。
func Register(typeName string, builder ChannelBuilder) {
	if typeName == "" || builder == nil {
		return
	}
	defaultBuildersMu.Lock()
	defer defaultBuildersMu.Unlock()
	defaultBuilders[typeName] = builder
}

// SupportedTypes 返回已注册的通道类型（排序）。
func SupportedTypes() []string {
	defaultBuildersMu.RLock()
	defer defaultBuildersMu.RUnlock()
	types := make([]string, 0, len(defaultBuilders))
	for t := range defaultBuilders {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// DefaultFactory 返回包含全部已注册通道的工厂。
func DefaultFactory() *pipeline.ChannelFactory {
	defaultBuildersMu.RLock()
	defer defaultBuildersMu.RUnlock()
	f := pipeline.NewChannelFactory()
	for typeName, builder := range defaultBuilders {
		f.Register(typeName, builder)
	}
	return f
}

// ValidatePipelineConfig 校验所有通道类型均已注册，且每个通道都显式给出权重。
func ValidatePipelineConfig(spec *pipeline.Spec) error {
	if spec == nil {
		return nil
	}
	supported := SupportedTypes()
	for _, cc := range spec.Channels {
		defaultBuildersMu.RLock()
		_, ok := defaultBuilders[cc.Type]
		defaultBuildersMu.RUnlock()
		if !ok {
			return core.InvalidInput(core.ModuleConfig,
				fmt.Sprintf("unsupported channel type %q (supported: %v)", cc.Type, supported))
		}
		if cc.Weight == nil {
			return core.InvalidInput(core.ModuleConfig, fmt.Sprintf("channel %s needs an explicit weight", cc.Type))
		}
	}
	return nil
}
