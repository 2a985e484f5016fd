package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/rushteam/recalltune/core"
	"github.com/rushteam/recalltune/dataset"
	"github.com/rushteam/recalltune/logging"
	"github.com/rushteam/recalltune/recall"
)

// Pipeline 把召回拆成 共现图 -> 各通道并发构建 -> 合并截断 三个阶段。
// 同一个 Pipeline 可以被多个试验并发调用：Run 不修改 Pipeline 本身。
type Pipeline struct {
	Name     string
	Builders []recall.Builder
	Weights  core.ChannelWeights

	// Base 是参数默认值，ParameterSet 中出现的参数覆盖它
	Base recall.Params
	Run  core.RunConfig

	Timeout       time.Duration // 每个通道的超时
	MaxConcurrent int

	Checkpoint *Checkpoint // 可为 nil
	Observer   Observer    // 可为 nil
}

// Input 是一次运行的数据输入。
type Input struct {
	Log   *dataset.Log
	Attrs core.AttributeSet

	// Reference 每个用户的复购参考时间，nil 时取用户最后行为时间
	Reference map[int64]time.Time

	// Users 需要产出候选的用户，nil 表示日志中全部用户
	Users []int64
}

// Output 是一次运行的产出。
type Output struct {
	Params     recall.Params
	Results    []*recall.Result
	Candidates []core.Candidate
}

// Execute 用参数 ps 跑一遍流水线。
func (p *Pipeline) Execute(ctx context.Context, in Input, ps core.ParameterSet) (*Output, error) {
	params, err := recall.ParamsFrom(p.Base, ps)
	if err != nil {
		return nil, err
	}
	if in.Log == nil || in.Log.Empty() {
		return nil, core.InvalidInput(core.ModuleRecall, "interaction log is empty")
	}
	full := params.ParameterSet()
	fp := InputFingerprint(in.Log, in.Attrs, in.Reference)

	rin := &recall.Input{
		Log:       in.Log,
		Attrs:     in.Attrs,
		Params:    params,
		Run:       p.Run,
		Reference: in.Reference,
	}
	if p.hasChannel(core.ChannelCovisit) {
		g, err := p.graph(ctx, rin, fp, full)
		if err != nil {
			return nil, err
		}
		rin.Graph = g
	}

	builders := make([]recall.Builder, len(p.Builders))
	for i, b := range p.Builders {
		builders[i] = &cachedBuilder{Builder: b, pipe: p, input: fp, params: full}
	}
	fanout := &recall.Fanout{Builders: builders, Timeout: p.Timeout, MaxConcurrent: p.MaxConcurrent}
	results, err := fanout.Run(ctx, rin)
	if err != nil {
		return nil, err
	}

	users := in.Users
	if users == nil {
		users = in.Log.Users()
	}
	start := time.Now()
	merger := &recall.Merger{Weights: p.Weights, Cap: params.RecallCap}
	cands, err := merger.Merge(ctx, users, results, p.Run)
	if err != nil {
		return nil, err
	}
	p.observe(KindMerge, "merge", start, false)

	logging.Ctx(ctx).Debug().
		Str("pipeline", p.Name).
		Int("users", len(users)).
		Int("candidates", len(cands)).
		Msg("pipeline finished")
	return &Output{Params: params, Results: results, Candidates: cands}, nil
}

func (p *Pipeline) hasChannel(ch core.Channel) bool {
	for _, b := range p.Builders {
		if b.Channel() == ch {
			return true
		}
	}
	return false
}

func (p *Pipeline) observe(kind Kind, name string, start time.Time, cached bool) {
	if p.Observer != nil {
		p.Observer.ObserveStage(kind, name, time.Since(start), cached)
	}
}

func (p *Pipeline) graph(ctx context.Context, in *recall.Input, fp string, ps core.ParameterSet) (*recall.CovisitGraph, error) {
	start := time.Now()
	key := p.Checkpoint.Key(KindGraph, "covisit", fp, ps, []string{recall.ParamCovisitWindow, recall.ParamTopPerItem})
	g := new(recall.CovisitGraph)
	hit, err := p.Checkpoint.Load(ctx, key, g)
	if err != nil {
		return nil, err
	}
	if hit {
		p.observe(KindGraph, "covisit", start, true)
		return g, nil
	}
	g, err = recall.BuildCovisitGraph(ctx, in.Log, in.Params.CovisitWindow, in.Params.TopPerItem, in.Run)
	if err != nil {
		return nil, fmt.Errorf("covisit graph: %w", err)
	}
	if err := p.Checkpoint.Save(ctx, key, g); err != nil {
		return nil, err
	}
	p.observe(KindGraph, "covisit", start, false)
	return g, nil
}

// cachedBuilder 在通道外包一层 checkpoint。
type cachedBuilder struct {
	recall.Builder
	pipe   *Pipeline
	input  string
	params core.ParameterSet
}

func (c *cachedBuilder) Build(ctx context.Context, in *recall.Input) (*recall.Result, error) {
	start := time.Now()
	key := c.pipe.Checkpoint.Key(KindRecall, c.Name(), c.input, c.params, c.DependsOn())
	res := new(recall.Result)
	hit, err := c.pipe.Checkpoint.Load(ctx, key, res)
	if err != nil {
		return nil, err
	}
	if hit {
		c.pipe.observe(KindRecall, c.Name(), start, true)
		return res, nil
	}
	res, err = c.Builder.Build(ctx, in)
	if err != nil {
		return nil, err
	}
	if err := c.pipe.Checkpoint.Save(ctx, key, res); err != nil {
		return nil, err
	}
	c.pipe.observe(KindRecall, c.Name(), start, false)
	return res, nil
}
