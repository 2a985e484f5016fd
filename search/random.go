package search

import (
	"math"
	"math/rand/v2"

	"github.com/rushteam/recalltune/core"
)

// Random 在取值域内均匀采样（满足约束）。
type Random struct {
	domain *Domain
	rng    *rand.Rand
	opts   Options
}

func NewRandom(d *Domain, opts Options) *Random {
	opts = opts.withDefaults()
	return &Random{domain: d, rng: newRand(opts.Seed), opts: opts}
}

func (r *Random) Name() string { return "random" }

func (r *Random) Propose(n int) ([]core.ParameterSet, error) {
	out := make([]core.ParameterSet, 0, n)
	for len(out) < n {
		ps, ok := r.domain.Random(r.rng, r.opts.MaxResample)
		if !ok {
			return nil, outOfDomain("no feasible point found after %d samples", r.opts.MaxResample)
		}
		out = append(out, ps)
	}
	return out, nil
}

func (r *Random) Update([]TrialResult) error { return nil }

// Grid 按固定顺序遍历网格：数值参数取 GridLevels 个等距值（整数去重），类别取全部选项。
// 违反约束的格点被跳过，遍历完后 Propose 返回空。
type Grid struct {
	domain *Domain
	axes   [][]any
	next   []int
	done   bool
}

func NewGrid(d *Domain, opts Options) *Grid {
	opts = opts.withDefaults()
	g := &Grid{domain: d, next: make([]int, d.Dim())}
	for _, p := range d.Params {
		g.axes = append(g.axes, gridAxis(p, opts.GridLevels))
	}
	return g
}

func gridAxis(p Param, levels int) []any {
	if p.Kind == KindCategorical {
		axis := make([]any, len(p.Choices))
		for i, c := range p.Choices {
			axis[i] = c
		}
		return axis
	}
	var axis []any
	seen := make(map[float64]bool)
	for i := 0; i < levels; i++ {
		v := p.fromUnit(float64(i) / float64(levels-1))
		if p.Kind == KindInteger {
			v = math.Round(v)
		}
		// 整数取整或 Low == High 时会出现重复取值
		if seen[v] {
			continue
		}
		seen[v] = true
		if p.Kind == KindInteger {
			axis = append(axis, int(v))
			continue
		}
		axis = append(axis, v)
	}
	return axis
}

func (g *Grid) Name() string { return "grid" }

// Size 网格点总数（含违反约束的点）。
func (g *Grid) Size() int {
	n := 1
	for _, a := range g.axes {
		n *= len(a)
	}
	return n
}

func (g *Grid) Propose(n int) ([]core.ParameterSet, error) {
	var out []core.ParameterSet
	for len(out) < n && !g.done {
		ps := make(core.ParameterSet, len(g.axes))
		for i, p := range g.domain.Params {
			ps[p.Name] = g.axes[i][g.next[i]]
		}
		g.advance()
		if g.domain.Validate(ps) == nil {
			out = append(out, ps)
		}
	}
	return out, nil
}

// advance 混合进制计数器，最后一维变化最快。
func (g *Grid) advance() {
	for i := len(g.next) - 1; i >= 0; i-- {
		g.next[i]++
		if g.next[i] < len(g.axes[i]) {
			return
		}
		g.next[i] = 0
	}
	g.done = true
}

func (g *Grid) Update([]TrialResult) error { return nil }
