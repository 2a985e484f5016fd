package search

import (
	"math"
	"math/rand/v2"
	"slices"

	"github.com/rushteam/recalltune/core"
)

// Bayes 是 GP + EI 的贝叶斯优化器。
//
// 前 NInit 个点来自拉丁超立方；之后每次 Propose 先拟合 GP，再在候选池上最大化 EI。
// 一次提议多个点时使用 constant liar：已选点以当前最优分数作为“假观测”加入模型，
// 避免同一批次里的点扎堆。真实结果在 Update 时才进入模型。
type Bayes struct {
	domain *Domain
	opts   Options
	rng    *rand.Rand

	initial [][]float64 // 尚未提议的拉丁超立方点
	x       [][]float64
	y       []float64
	failed  [][]float64 // 失败试验的点，拟合时填入最低成功分数
}

func NewBayes(d *Domain, opts Options) *Bayes {
	opts = opts.withDefaults()
	b := &Bayes{domain: d, opts: opts, rng: newRand(opts.Seed)}
	b.initial = LatinHypercube(b.rng, opts.NInit, d.Dim())
	return b
}

func (b *Bayes) Name() string { return "bayes" }

// Observations 已观测点数（含失败）
func (b *Bayes) Observations() int { return len(b.x) + len(b.failed) }

func (b *Bayes) Propose(n int) ([]core.ParameterSet, error) {
	out := make([]core.ParameterSet, 0, n)
	var picked [][]float64

	// 初始设计
	for len(out) < n && len(b.initial) > 0 {
		x := b.initial[0]
		b.initial = b.initial[1:]
		ps, ok := b.feasible(x)
		if !ok {
			continue
		}
		out = append(out, ps)
		picked = append(picked, b.domain.Encode(ps))
	}
	if len(out) == n {
		return out, nil
	}

	if len(b.x) == 0 {
		// 还没有任何成功观测（初始点仍在评估或全部失败），退化为随机
		for len(out) < n {
			ps, ok := b.domain.Random(b.rng, b.opts.MaxResample)
			if !ok {
				return nil, outOfDomain("no feasible point found after %d samples", b.opts.MaxResample)
			}
			out = append(out, ps)
		}
		return out, nil
	}

	x, y := b.trainingSet()
	best := slices.Max(b.y)
	for len(out) < n {
		// constant liar：已选点以 best 作为观测
		fx := append(slices.Clone(x), picked...)
		fy := slices.Clone(y)
		for range picked {
			fy = append(fy, best)
		}
		ps, err := b.next(fx, fy, best, picked)
		if err != nil {
			return nil, err
		}
		out = append(out, ps)
		picked = append(picked, b.domain.Encode(ps))
	}
	return out, nil
}

// trainingSet 返回用于拟合的观测：成功试验按真实分数，失败试验按最低成功分数。
func (b *Bayes) trainingSet() ([][]float64, []float64) {
	x := slices.Clone(b.x)
	y := slices.Clone(b.y)
	if len(b.failed) > 0 {
		worst := slices.Min(b.y)
		for _, fx := range b.failed {
			x = append(x, fx)
			y = append(y, worst)
		}
	}
	return x, y
}

// next 在候选池中选 EI 最大且满足约束、与已有点保持最小距离的点。
func (b *Bayes) next(x [][]float64, y []float64, best float64, picked [][]float64) (core.ParameterSet, error) {
	gp, err := FitGP(x, y)
	if err != nil {
		// 核矩阵无法分解时退化为随机点
		ps, ok := b.domain.Random(b.rng, b.opts.MaxResample)
		if !ok {
			return nil, outOfDomain("no feasible point found after %d samples", b.opts.MaxResample)
		}
		return ps, nil
	}

	pool := UniformPoints(b.rng, b.opts.CandidatePool, b.domain.Dim())
	// 在当前最优附近补充局部候选
	bestX := b.x[slices.Index(b.y, best)]
	for i := 0; i < b.opts.CandidatePool/10; i++ {
		pool = append(pool, perturb(b.rng, bestX, 0.05))
	}

	var (
		chosen core.ParameterSet
		bestEI = math.Inf(-1)
	)
	for _, c := range pool {
		ps, ok := b.feasible(c)
		if !ok {
			continue
		}
		u := b.domain.Encode(ps)
		if b.tooClose(u, x) || b.tooClose(u, picked) {
			continue
		}
		mu, sigma := gp.Predict(u)
		ei := ExpectedImprovement(mu, sigma, best, b.opts.Xi)
		if ei > bestEI {
			bestEI, chosen = ei, ps
		}
	}
	if chosen != nil {
		return chosen, nil
	}
	ps, ok := b.domain.Random(b.rng, b.opts.MaxResample)
	if !ok {
		return nil, outOfDomain("no feasible point found after %d samples", b.opts.MaxResample)
	}
	return ps, nil
}

func (b *Bayes) feasible(x []float64) (core.ParameterSet, bool) {
	ps := b.domain.Decode(x)
	return ps, b.domain.Validate(ps) == nil
}

func (b *Bayes) tooClose(u []float64, pts [][]float64) bool {
	if b.opts.MinDistance <= 0 {
		return false
	}
	for _, p := range pts {
		if distance(u, p) < b.opts.MinDistance {
			return true
		}
	}
	return false
}

func (b *Bayes) Update(results []TrialResult) error {
	for _, r := range results {
		u := b.domain.Encode(r.Params)
		if r.OK() {
			b.x = append(b.x, u)
			b.y = append(b.y, r.Score)
			continue
		}
		b.failed = append(b.failed, u)
	}
	return nil
}
