// Package recalltune 是多通道候选召回与参数搜索工具。
//
// 设计要点：
// - 通道独立: 复购、共现、个性化热门、全局热门各自从只读行为日志构建，由 Pipeline 并发执行后加权合并
// - 参数即输入: 一次运行是 ParameterSet 的纯函数，checkpoint 按 (阶段, 输入指纹, 依赖参数) 复用中间产物
// - 离线评估: 留一法切分 + HR/NDCG/MRR/多样性/覆盖率，目标函数驱动 bayes / random / grid 搜索
package recalltune

import (
	"github.com/rushteam/recalltune/core"
	"github.com/rushteam/recalltune/pipeline"
	"github.com/rushteam/recalltune/recall"
)

// 轻量 facade：便于直接 import "recalltune" 使用核心抽象。
type (
	Pipeline     = pipeline.Pipeline
	Input        = pipeline.Input
	Builder      = recall.Builder
	Params       = recall.Params
	ParameterSet = core.ParameterSet
	Candidate    = core.Candidate
	Kind         = pipeline.Kind
)

const (
	KindGraph  = pipeline.KindGraph
	KindRecall = pipeline.KindRecall
	KindMerge  = pipeline.KindMerge
)
