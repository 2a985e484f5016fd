package search

import (
	"context"
	"errors"
	"math"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rushteam/recalltune/core"
)

func planeDomain(t *testing.T) *Domain {
	t.Helper()
	d, err := ParseDomain([]byte(`
params:
  - {name: x, type: real, low: 0, high: 1}
  - {name: y, type: real, low: 0, high: 1}
`))
	require.NoError(t, err)
	return d
}

// 峰值在 (0.7, 0.3)，取值在 [0,1]
func bowl(_ context.Context, ps core.ParameterSet) (float64, map[string]float64, error) {
	x, _ := ps.Float("x", 0)
	y, _ := ps.Float("y", 0)
	s := 1 - ((x-0.7)*(x-0.7)+(y-0.3)*(y-0.3))
	return s, map[string]float64{"x": x, "y": y}, nil
}

func TestLatinHypercubeStratified(t *testing.T) {
	const n, dim = 10, 3
	pts := LatinHypercube(newRand(7), n, dim)
	require.Len(t, pts, n)
	for j := 0; j < dim; j++ {
		seen := make(map[int]bool)
		for _, p := range pts {
			require.GreaterOrEqual(t, p[j], 0.0)
			require.Less(t, p[j], 1.0)
			seen[int(p[j]*n)] = true
		}
		assert.Len(t, seen, n, "dimension %d must hit every stratum once", j)
	}
}

func TestDomainValidate(t *testing.T) {
	d, err := ParseDomain([]byte(`
params:
  - {name: recent_k, type: integer, low: 3, high: 15}
  - {name: tau_days, type: real, low: 7, high: 30, log: true}
  - {name: mode, type: categorical, choices: [fast, full]}
  - {name: top_per_item, type: integer, low: 100, high: 400}
  - {name: cand_per_recent, type: integer, low: 20, high: 200}
constraints:
  - cand_per_recent <= top_per_item
  - mode == "full" || recent_k <= 10
`))
	require.NoError(t, err)

	ok := core.ParameterSet{"recent_k": 5, "tau_days": 7.0, "mode": "fast", "top_per_item": 100, "cand_per_recent": 50}
	require.NoError(t, d.Validate(ok))

	tests := []struct {
		name string
		with core.ParameterSet
	}{
		{"missing", core.ParameterSet{"recent_k": nil}},
		{"not integer", core.ParameterSet{"recent_k": 4.5}},
		{"below low", core.ParameterSet{"recent_k": 2}},
		{"above high", core.ParameterSet{"tau_days": 31.0}},
		{"bad choice", core.ParameterSet{"mode": "slow"}},
		{"constraint numeric", core.ParameterSet{"cand_per_recent": 150, "top_per_item": 120}},
		{"constraint categorical", core.ParameterSet{"recent_k": 12}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ps := ok.With(tt.with)
			if tt.name == "missing" {
				delete(ps, "recent_k")
			}
			err := d.Validate(ps)
			require.Error(t, err)
			assert.True(t, core.IsOutOfDomain(err), "got %v", err)
		})
	}

	// 固定参数不在取值域内，不做检查
	assert.NoError(t, d.Validate(ok.With(core.ParameterSet{"pop_pool": 99999})))
}

func TestDomainInitErrors(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"empty", `params: []`},
		{"low above high", `params: [{name: a, type: integer, low: 5, high: 2}]`},
		{"fractional integer bounds", `params: [{name: a, type: integer, low: 1.5, high: 2}]`},
		{"log needs positive", `params: [{name: a, type: real, low: 0, high: 2, log: true}]`},
		{"no choices", `params: [{name: a, type: categorical}]`},
		{"unknown type", `params: [{name: a, type: complex}]`},
		{"duplicate", `params: [{name: a, type: real, low: 0, high: 1}, {name: a, type: real, low: 0, high: 1}]`},
		{"bad constraint", "params: [{name: a, type: real, low: 0, high: 1}]\nconstraints: [b > 1]"},
		{"non bool constraint", "params: [{name: a, type: real, low: 0, high: 1}]\nconstraints: [a + 1.0]"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseDomain([]byte(tt.yaml))
			require.Error(t, err)
			assert.True(t, core.IsInvalidInput(err), "got %v", err)
		})
	}
}

func TestDecodeEncode(t *testing.T) {
	d, err := ParseDomain([]byte(`
params:
  - {name: k, type: integer, low: 2, high: 8}
  - {name: tau, type: real, low: 1, high: 100, log: true}
  - {name: mode, type: categorical, choices: [a, b, c]}
`))
	require.NoError(t, err)

	ps := d.Decode([]float64{0, 0.5, 0.99})
	assert.Equal(t, 2, ps["k"])
	assert.InDelta(t, 10.0, ps["tau"], 1e-9)
	assert.Equal(t, "c", ps["mode"])

	ps = d.Decode([]float64{-1, 2, 0.34})
	assert.Equal(t, 2, ps["k"])
	assert.InDelta(t, 100.0, ps["tau"], 1e-9)
	assert.Equal(t, "b", ps["mode"])

	rng := newRand(1)
	for i := 0; i < 50; i++ {
		x := []float64{rng.Float64(), rng.Float64(), rng.Float64()}
		first := d.Decode(x)
		require.NoError(t, d.Validate(first))
		again := d.Decode(d.Encode(first))
		assert.Equal(t, first["k"], again["k"])
		assert.Equal(t, first["mode"], again["mode"])
		assert.InDelta(t, first["tau"], again["tau"], 1e-9)
	}
}

func TestDefaultDomain(t *testing.T) {
	d := DefaultDomain()
	assert.Equal(t, 11, d.Dim())
	p, ok := d.Param("tau_days")
	require.True(t, ok)
	assert.Equal(t, KindReal, p.Kind)
	ps, ok := d.Random(newRand(3), 10)
	require.True(t, ok)
	assert.NoError(t, d.Validate(ps))
}

func TestNarrow(t *testing.T) {
	d, err := ParseDomain([]byte(`
params:
  - {name: covisit_window, type: integer, low: 2, high: 8}
  - {name: tau_days, type: real, low: 7, high: 30}
  - {name: mode, type: categorical, choices: [fast, full]}
`))
	require.NoError(t, err)
	center := core.ParameterSet{"covisit_window": 3, "tau_days": 28.0, "mode": "full"}

	nd, err := d.Narrow(center, 0.5, false)
	require.NoError(t, err)
	w, _ := nd.Param("covisit_window")
	assert.Equal(t, 2.0, w.Low)
	assert.Equal(t, 5.0, w.High)
	tau, _ := nd.Param("tau_days")
	assert.InDelta(t, 18.5, tau.Low, 1e-9)
	assert.InDelta(t, 30.0, tau.High, 1e-9)
	mode, _ := nd.Param("mode")
	assert.Equal(t, []string{"full"}, mode.Choices)
	assert.NoError(t, nd.Validate(center))

	kept, err := d.Narrow(center, 0.5, true)
	require.NoError(t, err)
	mode, _ = kept.Param("mode")
	assert.Equal(t, []string{"fast", "full"}, mode.Choices)

	_, err = d.Narrow(center, 0, false)
	assert.True(t, core.IsInvalidInput(err))
	_, err = d.Narrow(core.ParameterSet{"covisit_window": 99, "tau_days": 8.0, "mode": "fast"}, 0.5, false)
	assert.True(t, core.IsOutOfDomain(err))
}

func TestGPInterpolates(t *testing.T) {
	var x [][]float64
	var y []float64
	for i := 0; i < 8; i++ {
		v := float64(i) / 7
		x = append(x, []float64{v})
		y = append(y, v*v)
	}
	gp, err := FitGP(x, y)
	require.NoError(t, err)
	for i := range x {
		mu, _ := gp.Predict(x[i])
		assert.InDelta(t, y[i], mu, 0.05)
	}
	_, near := gp.Predict(x[3])
	_, far := gp.Predict([]float64{5})
	assert.Less(t, near, far)

	_, err = FitGP(nil, nil)
	assert.Error(t, err)
}

func TestExpectedImprovement(t *testing.T) {
	assert.Equal(t, 0.0, ExpectedImprovement(0.4, 0, 0.5, 0))
	assert.InDelta(t, 0.1, ExpectedImprovement(0.6, 0, 0.5, 0), 1e-12)
	low := ExpectedImprovement(0.4, 0.1, 0.5, 0.01)
	high := ExpectedImprovement(0.6, 0.1, 0.5, 0.01)
	assert.Greater(t, low, 0.0)
	assert.Greater(t, high, low)
	assert.Greater(t, ExpectedImprovement(0.5, 0.3, 0.5, 0), ExpectedImprovement(0.5, 0.1, 0.5, 0))
}

func TestOptimizersProposeInDomain(t *testing.T) {
	d, err := ParseDomain([]byte(`
params:
  - {name: a, type: integer, low: 1, high: 10}
  - {name: b, type: integer, low: 1, high: 10}
  - {name: m, type: categorical, choices: [p, q]}
constraints:
  - a <= b
`))
	require.NoError(t, err)

	require.ElementsMatch(t, []string{"bayes", "grid", "random"}, Backends())
	for _, name := range Backends() {
		t.Run(name, func(t *testing.T) {
			opt, err := NewOptimizer(name, d, Options{Seed: 5, NInit: 4, CandidatePool: 200, GridLevels: 4})
			require.NoError(t, err)
			assert.Equal(t, name, opt.Name())
			for round := 0; round < 3; round++ {
				props, err := opt.Propose(3)
				require.NoError(t, err)
				var results []TrialResult
				for i, ps := range props {
					require.NoError(t, d.Validate(ps), "proposal %v", ps)
					a, _ := ps.Int("a", 0)
					results = append(results, TrialResult{Index: i, Params: ps, Score: float64(a) / 10, Status: StatusSuccess})
				}
				require.NoError(t, opt.Update(results))
			}
		})
	}

	_, err = NewOptimizer("annealing", d, Options{})
	assert.True(t, core.IsInvalidInput(err))
}

func TestGridEnumeratesOnce(t *testing.T) {
	d, err := ParseDomain([]byte(`
params:
  - {name: a, type: integer, low: 1, high: 3}
  - {name: m, type: categorical, choices: [p, q]}
  - {name: r, type: real, low: 0, high: 1}
constraints:
  - a != 2
`))
	require.NoError(t, err)
	g := NewGrid(d, Options{GridLevels: 3})
	assert.Equal(t, 3*2*3, g.Size())

	seen := make(map[string]bool)
	for {
		props, err := g.Propose(5)
		require.NoError(t, err)
		if len(props) == 0 {
			break
		}
		for _, ps := range props {
			key := ps.Canonical()
			assert.False(t, seen[key], "duplicate %s", key)
			seen[key] = true
			assert.NotEqual(t, 2, ps["a"])
		}
	}
	assert.Len(t, seen, 12)
}

func TestBayesBatchSpread(t *testing.T) {
	d := planeDomain(t)
	opts := Options{Seed: 11, NInit: 6, CandidatePool: 300, MinDistance: 0.05}
	b := NewBayes(d, opts)

	props, err := b.Propose(6)
	require.NoError(t, err)
	require.NoError(t, b.Update(score(t, props)))
	assert.Equal(t, 6, b.Observations())

	batch, err := b.Propose(4)
	require.NoError(t, err)
	require.Len(t, batch, 4)
	for i := range batch {
		for j := i + 1; j < len(batch); j++ {
			dist := distance(d.Encode(batch[i]), d.Encode(batch[j]))
			assert.GreaterOrEqual(t, dist, opts.MinDistance)
		}
	}

	// 同一种子得到同一提议序列
	b2 := NewBayes(d, opts)
	props2, err := b2.Propose(6)
	require.NoError(t, err)
	require.NoError(t, b2.Update(score(t, props2)))
	batch2, err := b2.Propose(4)
	require.NoError(t, err)
	assert.Equal(t, props, props2)
	assert.Equal(t, batch, batch2)
}

func TestBayesAllowsFailedObservations(t *testing.T) {
	d := planeDomain(t)
	b := NewBayes(d, Options{Seed: 2, NInit: 3, CandidatePool: 100})
	props, err := b.Propose(3)
	require.NoError(t, err)
	results := score(t, props)
	results[1].Status, results[1].Score = StatusFailed, FailedScore
	require.NoError(t, b.Update(results))

	next, err := b.Propose(2)
	require.NoError(t, err)
	require.Len(t, next, 2)
	for _, ps := range next {
		assert.NoError(t, d.Validate(ps))
	}
}

func score(t *testing.T, props []core.ParameterSet) []TrialResult {
	t.Helper()
	out := make([]TrialResult, len(props))
	for i, ps := range props {
		s, m, err := bowl(context.Background(), ps)
		require.NoError(t, err)
		out[i] = TrialResult{Index: i, Params: ps, Score: s, Metrics: m, Status: StatusSuccess}
	}
	return out
}

type memorySink struct {
	mu     sync.Mutex
	trials []TrialResult
	fail   bool
}

func (s *memorySink) Record(_ context.Context, t TrialResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.trials = append(s.trials, t)
	if s.fail {
		return errors.New("disk full")
	}
	return nil
}

type countingObserver struct{ n atomic.Int32 }

func (o *countingObserver) ObserveTrial(TrialResult) { o.n.Add(1) }

func TestControllerFailingTrialDoesNotHalt(t *testing.T) {
	d := planeDomain(t)
	var calls atomic.Int32
	obj := func(ctx context.Context, ps core.ParameterSet) (float64, map[string]float64, error) {
		switch calls.Add(1) {
		case 2:
			return 0, nil, errors.New("pipeline produced no candidates")
		case 3:
			panic("boom")
		case 4:
			return math.NaN(), nil, nil
		}
		return bowl(ctx, ps)
	}
	sink := &memorySink{fail: true}
	obs := &countingObserver{}
	var states []State
	c := &Controller{
		Domain:    d,
		Optimizer: NewRandom(d, Options{Seed: 9}),
		Objective: obj,
		Config:    Config{NCalls: 8},
		Sink:      sink,
		Observer:  obs,
		OnState:   func(s State) { states = append(states, s) },
	}
	res, err := c.Run(context.Background())
	require.NoError(t, err)
	require.Len(t, res.History, 8)
	assert.Len(t, sink.trials, 8)
	assert.Equal(t, int32(8), obs.n.Load())
	assert.Equal(t, 5, res.Successful())

	best := FailedScore
	for i, tr := range res.History {
		assert.Equal(t, i, tr.Index)
		assert.NotEmpty(t, tr.ID)
		if i >= 1 && i <= 3 {
			assert.Equal(t, StatusFailed, tr.Status)
			assert.Equal(t, FailedScore, tr.Score)
			assert.NotEmpty(t, tr.Err)
			continue
		}
		require.True(t, tr.OK())
		best = math.Max(best, tr.Score)
	}
	assert.Equal(t, best, res.BestScore)
	assert.Contains(t, res.History[2].Err, "panic")
	assert.GreaterOrEqual(t, res.BestScore, 0.0)

	assert.Equal(t, StateIdle, states[0])
	assert.Equal(t, StateTerminate, states[len(states)-1])
	assert.Contains(t, states, StateEvaluate)
	assert.Equal(t, StateTerminate, c.State())
}

func TestControllerTrialTimeout(t *testing.T) {
	d := planeDomain(t)
	var calls atomic.Int32
	obj := func(ctx context.Context, ps core.ParameterSet) (float64, map[string]float64, error) {
		if calls.Add(1) == 1 {
			<-ctx.Done()
			return 0, nil, ctx.Err()
		}
		return bowl(ctx, ps)
	}
	c := &Controller{
		Domain:    d,
		Optimizer: NewRandom(d, Options{Seed: 1}),
		Objective: obj,
		Config:    Config{NCalls: 3, TrialTimeout: 20 * time.Millisecond},
	}
	res, err := c.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, res.History[0].Status)
	assert.True(t, res.History[1].OK())
	assert.True(t, res.History[2].OK())
}

func TestControllerAllFailed(t *testing.T) {
	d := planeDomain(t)
	c := &Controller{
		Domain:    d,
		Optimizer: NewRandom(d, Options{}),
		Objective: func(context.Context, core.ParameterSet) (float64, map[string]float64, error) {
			return 0, nil, errors.New("nope")
		},
		Config: Config{NCalls: 3, BatchSize: 2},
	}
	res, err := c.Run(context.Background())
	require.ErrorIs(t, err, ErrNoSuccessfulTrial)
	assert.Len(t, res.History, 3)
	assert.Nil(t, res.Best)
}

func TestControllerGridExhaustion(t *testing.T) {
	d, err := ParseDomain([]byte(`
params:
  - {name: a, type: integer, low: 1, high: 3}
  - {name: m, type: categorical, choices: [p, q]}
`))
	require.NoError(t, err)
	c := &Controller{
		Domain:    d,
		Optimizer: NewGrid(d, Options{}),
		Objective: func(_ context.Context, ps core.ParameterSet) (float64, map[string]float64, error) {
			a, _ := ps.Int("a", 0)
			return float64(a) / 3, nil, nil
		},
		Config: Config{NCalls: 100, BatchSize: 4},
	}
	res, err := c.Run(context.Background())
	require.NoError(t, err)
	assert.Len(t, res.History, 6)
	assert.Equal(t, 3, res.Best["a"])
	assert.Equal(t, "p", res.Best["m"], "ties keep the earliest trial")
}

// outOfDomainOptimizer 第一次提议越界点
type outOfDomainOptimizer struct {
	*Random
	first bool
}

func (o *outOfDomainOptimizer) Propose(n int) ([]core.ParameterSet, error) {
	if !o.first {
		o.first = true
		return []core.ParameterSet{{"x": 5.0, "y": -1.0}}, nil
	}
	return o.Random.Propose(n)
}

func TestControllerResamplesOutOfDomain(t *testing.T) {
	d := planeDomain(t)
	c := &Controller{
		Domain:    d,
		Optimizer: &outOfDomainOptimizer{Random: NewRandom(d, Options{Seed: 4})},
		Objective: bowl,
		Config:    Config{NCalls: 2, MaxResample: 3},
	}
	res, err := c.Run(context.Background())
	require.NoError(t, err)
	for _, tr := range res.History {
		assert.NoError(t, d.Validate(tr.Params))
	}
}

// stuckOptimizer 总是提议同一个点
type stuckOptimizer struct {
	ps      core.ParameterSet
	updates int
}

func (o *stuckOptimizer) Name() string { return "stuck" }

func (o *stuckOptimizer) Propose(n int) ([]core.ParameterSet, error) {
	out := make([]core.ParameterSet, n)
	for i := range out {
		out[i] = o.ps.Clone()
	}
	return out, nil
}

func (o *stuckOptimizer) Update(results []TrialResult) error {
	o.updates += len(results)
	return nil
}

func TestControllerRejectsOutOfDomainWithoutEvaluating(t *testing.T) {
	d, err := ParseDomain([]byte(`
params:
  - {name: x, type: real, low: 0, high: 1}
constraints:
  - x > 1.5
`))
	require.NoError(t, err)

	var calls atomic.Int32
	opt := &stuckOptimizer{ps: core.ParameterSet{"x": 5.0}}
	c := &Controller{
		Domain:    d,
		Optimizer: opt,
		Objective: func(context.Context, core.ParameterSet) (float64, map[string]float64, error) {
			calls.Add(1)
			return 0.5, nil, nil
		},
		Config: Config{NCalls: 3, MaxResample: 2},
	}
	res, err := c.Run(context.Background())
	require.ErrorIs(t, err, ErrNoSuccessfulTrial)
	assert.Zero(t, calls.Load())
	assert.Nil(t, res.Best)
	assert.Equal(t, FailedScore, res.BestScore)
	assert.Equal(t, 3, opt.updates)
	require.Len(t, res.History, 3)
	for _, tr := range res.History {
		assert.Equal(t, StatusFailed, tr.Status)
		assert.Equal(t, FailedScore, tr.Score)
		assert.Contains(t, tr.Err, "not in [0, 1]")
	}
}

func TestGridDegenerateRealAxis(t *testing.T) {
	d, err := ParseDomain([]byte(`
params:
  - {name: r, type: real, low: 0.5, high: 0.5}
  - {name: a, type: integer, low: 1, high: 2}
`))
	require.NoError(t, err)
	g := NewGrid(d, Options{GridLevels: 5})
	assert.Equal(t, 2, g.Size())

	props, err := g.Propose(10)
	require.NoError(t, err)
	require.Len(t, props, 2)
	for _, ps := range props {
		assert.Equal(t, 0.5, ps["r"])
	}
}

func TestControllerConfigErrors(t *testing.T) {
	d := planeDomain(t)
	_, err := (&Controller{Domain: d, Optimizer: NewRandom(d, Options{}), Objective: bowl}).Run(context.Background())
	assert.True(t, core.IsInvalidInput(err))
	_, err = (&Controller{Domain: d, Config: Config{NCalls: 1}}).Run(context.Background())
	assert.True(t, core.IsInvalidInput(err))
}

func TestBayesControllerImproves(t *testing.T) {
	d := planeDomain(t)
	opt, err := NewOptimizer("bayes", d, Options{Seed: 42, NInit: 6, CandidatePool: 300})
	require.NoError(t, err)
	c := &Controller{Domain: d, Optimizer: opt, Objective: bowl, Config: Config{NCalls: 16, BatchSize: 2}}
	res, err := c.Run(context.Background())
	require.NoError(t, err)
	assert.Len(t, res.History, 16)

	initialBest := FailedScore
	for _, tr := range res.History[:6] {
		initialBest = math.Max(initialBest, tr.Score)
	}
	assert.GreaterOrEqual(t, res.BestScore, initialBest)
	assert.Greater(t, res.BestScore, 0.9)
}

func TestRunTwoStage(t *testing.T) {
	d := planeDomain(t)
	sink := &memorySink{}
	newOpt := func(d *Domain, stage string) (Optimizer, error) {
		seed := uint64(1)
		if stage == StageFine {
			seed = 2
		}
		return NewRandom(d, Options{Seed: seed}), nil
	}
	res, err := RunTwoStage(context.Background(), d, newOpt,
		Controller{Objective: bowl, Sink: sink},
		TwoStageConfig{
			Coarse:         Config{NCalls: 10},
			Fine:           Config{NCalls: 6},
			NarrowFraction: 0.2,
		})
	require.NoError(t, err)
	require.NotNil(t, res.Fine)
	assert.Len(t, res.History(), 16)
	assert.Len(t, sink.trials, 16)
	assert.Equal(t, StageCoarse, sink.trials[0].Stage)
	assert.Equal(t, StageFine, sink.trials[15].Stage)

	x, _ := res.FineDomain.Param("x")
	assert.InDelta(t, 0.2, x.High-x.Low, 1e-9)
	for _, tr := range res.Fine.History {
		assert.NoError(t, res.FineDomain.Validate(tr.Params))
	}
	assert.GreaterOrEqual(t, res.BestScore, res.Coarse.BestScore)
	assert.GreaterOrEqual(t, res.BestScore, res.Fine.BestScore)
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "propose", StatePropose.String())
	assert.Equal(t, "state(9)", State(9).String())
}
