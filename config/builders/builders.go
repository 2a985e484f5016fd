// Package builders 注册内置召回通道，供配置驱动的流水线使用。
package builders

import (
	"github.com/rushteam/recalltune/config"
	"github.com/rushteam/recalltune/pipeline"
	"github.com/rushteam/recalltune/pkg/conv"
	"github.com/rushteam/recalltune/recall"
)

func init() {
	config.Register("recall.repurchase", BuildRepurchase)
	config.Register("recall.covisit", BuildCovisit)
	config.Register("recall.personal_pop", BuildPersonalPop)
	config.Register("recall.hot", BuildHot)
}

func BuildRepurchase(map[string]any, pipeline.Deps) (recall.Builder, error) {
	return &recall.Repurchase{}, nil
}

func BuildCovisit(map[string]any, pipeline.Deps) (recall.Builder, error) {
	return &recall.Covisit{}, nil
}

func BuildPersonalPop(map[string]any, pipeline.Deps) (recall.Builder, error) {
	return &recall.PersonalPop{}, nil
}

// BuildHot 全局热门。use_cache 为 true（默认）且注入了缓存时，榜单写入/读取有序集合。
//
//	config: {key_prefix: "recalltune:hot", use_cache: true}
func BuildHot(cfg map[string]any, deps pipeline.Deps) (recall.Builder, error) {
	h := &recall.Hot{KeyPrefix: conv.ConfigGet(cfg, "key_prefix", "")}
	if conv.ConfigGet(cfg, "use_cache", true) {
		h.Store = deps.Cache
	}
	return h, nil
}
