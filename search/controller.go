package search

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"runtime/debug"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/rushteam/recalltune/core"
	"github.com/rushteam/recalltune/logging"
)

// State 控制器状态
type State int

const (
	StateIdle State = iota
	StatePropose
	StateEvaluate
	StateUpdate
	StateTerminate
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StatePropose:
		return "propose"
	case StateEvaluate:
		return "evaluate"
	case StateUpdate:
		return "update"
	case StateTerminate:
		return "terminate"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Config 控制器配置
type Config struct {
	// NCalls 试验总数
	NCalls int `koanf:"n_calls" yaml:"n_calls"`

	// BatchSize 每轮并发评估的试验数，默认 1
	BatchSize int `koanf:"batch_size" yaml:"batch_size"`

	// TrialTimeout 单次试验的时间预算，0 表示不限
	TrialTimeout time.Duration `koanf:"trial_timeout" yaml:"trial_timeout"`

	// MaxResample 提议点越界时向优化器重新索取的次数，之后退化为随机点
	MaxResample int `koanf:"max_resample" yaml:"max_resample"`

	// Seed 退化随机点使用的种子
	Seed uint64 `koanf:"seed" yaml:"seed"`

	// Stage 写入试验记录的阶段名（coarse / fine）
	Stage string `koanf:"-" yaml:"-"`
}

func (c Config) validate() error {
	if c.NCalls <= 0 {
		return core.InvalidInput(core.ModuleSearch, fmt.Sprintf("n_calls must be > 0, got %d", c.NCalls))
	}
	if c.BatchSize < 0 || c.MaxResample < 0 || c.TrialTimeout < 0 {
		return core.InvalidInput(core.ModuleSearch, "batch_size, max_resample and trial_timeout must be >= 0")
	}
	return nil
}

// Result 搜索结果
type Result struct {
	Best      core.ParameterSet `json:"best" yaml:"best"`
	BestScore float64           `json:"best_score" yaml:"best_score"`
	BestTrial string            `json:"best_trial" yaml:"best_trial"`
	History   []TrialResult     `json:"history" yaml:"history"`
}

// Successful 成功试验数
func (r *Result) Successful() int {
	n := 0
	for _, t := range r.History {
		if t.OK() {
			n++
		}
	}
	return n
}

// ErrNoSuccessfulTrial 全部试验失败
var ErrNoSuccessfulTrial = errors.New("search: no successful trial")

// Controller 驱动 提议 -> 评估 -> 更新 循环。
//
// 单个试验的错误、panic、超时和非有限分数都只会让该试验记为失败（分数为 FailedScore），
// 不会中断搜索；只有 ctx 取消或优化器本身出错才会提前结束。
type Controller struct {
	Domain    *Domain
	Optimizer Optimizer
	Objective ObjectiveFunc
	Config    Config

	// 可选
	Sink     Sink
	Observer TrialObserver
	OnState  func(State)

	state State
	rng   *rand.Rand
}

// State 当前状态
func (c *Controller) State() State { return c.state }

func (c *Controller) enter(s State) {
	c.state = s
	if c.OnState != nil {
		c.OnState(s)
	}
}

// Run 执行 NCalls 个试验（网格穷尽时提前结束）。
// 没有任何成功试验时返回的 Result 仍包含完整历史，同时返回 ErrNoSuccessfulTrial。
func (c *Controller) Run(ctx context.Context) (*Result, error) {
	if c.Domain == nil || c.Optimizer == nil || c.Objective == nil {
		return nil, core.InvalidInput(core.ModuleSearch, "controller needs domain, optimizer and objective")
	}
	if err := c.Config.validate(); err != nil {
		return nil, err
	}
	batch := max(c.Config.BatchSize, 1)
	seed := c.Config.Seed
	if seed == 0 {
		seed = core.DefaultSeed
	}
	c.rng = newRand(seed)

	log := logging.Ctx(ctx).With().
		Str("component", "search").
		Str("optimizer", c.Optimizer.Name()).
		Str("stage", c.Config.Stage).
		Logger()

	res := &Result{BestScore: FailedScore}
	c.enter(StateIdle)
	defer c.enter(StateTerminate)

	for len(res.History) < c.Config.NCalls {
		if err := ctx.Err(); err != nil {
			return res, err
		}

		c.enter(StatePropose)
		n := min(batch, c.Config.NCalls-len(res.History))
		proposals, err := c.Optimizer.Propose(n)
		if err != nil {
			return res, fmt.Errorf("propose: %w", err)
		}
		if len(proposals) == 0 {
			log.Info().Int("trials", len(res.History)).Msg("optimizer exhausted")
			break
		}
		for i, ps := range proposals {
			proposals[i] = c.admissible(ps, &log)
		}

		c.enter(StateEvaluate)
		results := c.evaluate(ctx, len(res.History), proposals)

		c.enter(StateUpdate)
		if err := c.Optimizer.Update(results); err != nil {
			return res, fmt.Errorf("update: %w", err)
		}
		for _, r := range results {
			res.History = append(res.History, r)
			if c.Sink != nil {
				if err := c.Sink.Record(ctx, r); err != nil {
					log.Warn().Err(err).Str("trial_id", r.ID).Msg("record trial failed")
				}
			}
			if c.Observer != nil {
				c.Observer.ObserveTrial(r)
			}
			// 分数相同时保留更早的试验
			if r.OK() && (res.Best == nil || r.Score > res.BestScore) {
				res.Best, res.BestScore, res.BestTrial = r.Params, r.Score, r.ID
			}
		}
		if err := ctx.Err(); err != nil {
			return res, err
		}
	}

	if res.Best == nil {
		return res, ErrNoSuccessfulTrial
	}
	log.Info().
		Int("trials", len(res.History)).
		Int("successful", res.Successful()).
		Float64("best_score", res.BestScore).
		Str("best_trial", res.BestTrial).
		Msg("search finished")
	return res, nil
}

// admissible 尽量把提议点换成取值域内的点：先向优化器重新索取，再试随机点；都失败时原样返回，由 runTrial 拒绝。
func (c *Controller) admissible(ps core.ParameterSet, log *zerolog.Logger) core.ParameterSet {
	if c.Domain.Validate(ps) == nil {
		return ps
	}
	for i := 0; i < c.Config.MaxResample; i++ {
		more, err := c.Optimizer.Propose(1)
		if err != nil || len(more) == 0 {
			break
		}
		if c.Domain.Validate(more[0]) == nil {
			return more[0]
		}
	}
	if rp, ok := c.Domain.Random(c.rng, max(c.Config.MaxResample, 100)); ok {
		log.Warn().Str("params", ps.Canonical()).Msg("proposal out of domain, using random point")
		return rp
	}
	// 仍越界的点由 runTrial 拒绝，不会进入目标函数
	log.Warn().Str("params", ps.Canonical()).Msg("no admissible point found")
	return ps
}

// evaluate 并发执行一批试验，结果顺序与 proposals 一致。
func (c *Controller) evaluate(ctx context.Context, base int, proposals []core.ParameterSet) []TrialResult {
	results := make([]TrialResult, len(proposals))
	var eg errgroup.Group
	for i, ps := range proposals {
		eg.Go(func() error {
			results[i] = c.runTrial(ctx, base+i, ps)
			return nil
		})
	}
	_ = eg.Wait()
	return results
}

type trialOutcome struct {
	score   float64
	metrics map[string]float64
	err     error
}

func (c *Controller) runTrial(ctx context.Context, index int, ps core.ParameterSet) TrialResult {
	id := logging.NewTrialID()
	tctx := logging.WithTrialID(ctx, id)
	if c.Config.TrialTimeout > 0 {
		var cancel context.CancelFunc
		tctx, cancel = context.WithTimeout(tctx, c.Config.TrialTimeout)
		defer cancel()
	}
	log := logging.Ctx(tctx)
	log.Debug().Int("index", index).Str("params", ps.Canonical()).Msg("trial started")

	start := time.Now()
	if err := c.Domain.Validate(ps); err != nil {
		log.Warn().Err(err).Int("index", index).Msg("trial rejected")
		return TrialResult{
			ID:       id,
			Index:    index,
			Stage:    c.Config.Stage,
			Params:   ps,
			Score:    FailedScore,
			Status:   StatusFailed,
			Err:      err.Error(),
			Duration: time.Since(start),
		}
	}
	done := make(chan trialOutcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				log.Error().Str("stack", string(debug.Stack())).Msg("trial panicked")
				done <- trialOutcome{err: fmt.Errorf("panic: %v", r)}
			}
		}()
		score, metrics, err := c.Objective(tctx, ps)
		done <- trialOutcome{score: score, metrics: metrics, err: err}
	}()

	var out trialOutcome
	select {
	case out = <-done:
	case <-tctx.Done():
		out.err = tctx.Err()
		if errors.Is(out.err, context.DeadlineExceeded) && ctx.Err() == nil {
			out.err = core.NewDomainError(core.ModuleSearch, core.ErrorCodeTimeout,
				fmt.Sprintf("trial exceeded %s", c.Config.TrialTimeout))
		}
	}
	if out.err == nil && (math.IsNaN(out.score) || math.IsInf(out.score, 0)) {
		out.err = fmt.Errorf("objective returned non-finite score %v", out.score)
	}

	r := TrialResult{
		ID:       id,
		Index:    index,
		Stage:    c.Config.Stage,
		Params:   ps,
		Score:    out.score,
		Metrics:  out.metrics,
		Status:   StatusSuccess,
		Duration: time.Since(start),
	}
	if out.err != nil {
		r.Status, r.Score, r.Metrics, r.Err = StatusFailed, FailedScore, nil, out.err.Error()
		log.Warn().Err(out.err).Int("index", index).Dur("took", r.Duration).Msg("trial failed")
		return r
	}
	log.Info().Int("index", index).Float64("score", r.Score).Dur("took", r.Duration).Msg("trial finished")
	return r
}
