package search

import (
	"context"
	"fmt"

	"github.com/rushteam/recalltune/core"
	"github.com/rushteam/recalltune/logging"
)

const (
	StageCoarse = "coarse"
	StageFine   = "fine"
)

// TwoStageConfig 两阶段搜索：先在完整取值域上粗搜，再在粗搜最优附近细搜。
type TwoStageConfig struct {
	Coarse Config `koanf:"coarse" yaml:"coarse"`
	Fine   Config `koanf:"fine" yaml:"fine"`

	// NarrowFraction 细搜时每个数值参数保留原范围的比例
	NarrowFraction float64 `koanf:"narrow_fraction" yaml:"narrow_fraction"`

	// KeepCategorical 细搜时是否保留类别参数的全部选项
	KeepCategorical bool `koanf:"keep_categorical" yaml:"keep_categorical"`
}

// OptimizerFactory 为某个阶段的取值域创建优化器。
type OptimizerFactory func(d *Domain, stage string) (Optimizer, error)

// TwoStageResult 两阶段结果，Best/BestScore 是两阶段中更优的一个。
type TwoStageResult struct {
	Coarse     *Result           `json:"coarse" yaml:"coarse"`
	Fine       *Result           `json:"fine" yaml:"fine"`
	FineDomain *Domain           `json:"fine_domain" yaml:"fine_domain"`
	Best       core.ParameterSet `json:"best" yaml:"best"`
	BestScore  float64           `json:"best_score" yaml:"best_score"`
	BestStage  string            `json:"best_stage" yaml:"best_stage"`
}

// History 返回两阶段的全部试验，粗搜在前。
func (r *TwoStageResult) History() []TrialResult {
	var out []TrialResult
	if r.Coarse != nil {
		out = append(out, r.Coarse.History...)
	}
	if r.Fine != nil {
		out = append(out, r.Fine.History...)
	}
	return out
}

// RunTwoStage 依次执行粗搜和细搜。粗搜没有成功试验时不进入细搜。
// base 提供共享的 Objective、Sink、Observer 与 OnState，其 Domain/Optimizer/Config 会被覆盖。
func RunTwoStage(ctx context.Context, d *Domain, newOpt OptimizerFactory, base Controller, cfg TwoStageConfig) (*TwoStageResult, error) {
	if cfg.NarrowFraction == 0 {
		cfg.NarrowFraction = 0.3
	}
	log := logging.Ctx(ctx)
	out := &TwoStageResult{BestScore: FailedScore}

	coarse, err := runStage(ctx, d, newOpt, base, cfg.Coarse, StageCoarse)
	out.Coarse = coarse
	if err != nil {
		return out, fmt.Errorf("coarse stage: %w", err)
	}
	out.Best, out.BestScore, out.BestStage = coarse.Best, coarse.BestScore, StageCoarse

	fd, err := d.Narrow(coarse.Best, cfg.NarrowFraction, cfg.KeepCategorical)
	if err != nil {
		return out, fmt.Errorf("narrow domain: %w", err)
	}
	out.FineDomain = fd
	log.Info().Str("center", coarse.Best.Canonical()).Float64("fraction", cfg.NarrowFraction).Msg("fine stage domain narrowed")

	fine, err := runStage(ctx, fd, newOpt, base, cfg.Fine, StageFine)
	out.Fine = fine
	if err != nil {
		return out, fmt.Errorf("fine stage: %w", err)
	}
	if fine.BestScore > out.BestScore {
		out.Best, out.BestScore, out.BestStage = fine.Best, fine.BestScore, StageFine
	}
	return out, nil
}

func runStage(ctx context.Context, d *Domain, newOpt OptimizerFactory, base Controller, cfg Config, stage string) (*Result, error) {
	opt, err := newOpt(d, stage)
	if err != nil {
		return nil, err
	}
	cfg.Stage = stage
	c := &Controller{
		Domain:    d,
		Optimizer: opt,
		Objective: base.Objective,
		Config:    cfg,
		Sink:      base.Sink,
		Observer:  base.Observer,
		OnState:   base.OnState,
	}
	return c.Run(ctx)
}
