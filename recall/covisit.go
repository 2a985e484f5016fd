package recall

import (
	"context"
	"fmt"
	"math"
	"slices"

	"github.com/rushteam/recalltune/core"
	"github.com/rushteam/recalltune/dataset"
)

// Edge 是共现图中的一条出边。
type Edge struct {
	Item   int64   `json:"item"`
	Weight float64 `json:"weight"`
}

// CovisitGraph 是有向、无自环、出度有界的物品共现图。
type CovisitGraph struct {
	Window     int              `json:"window"`
	TopPerItem int              `json:"top_per_item"`
	Adjacency  map[int64][]Edge `json:"adjacency"`
}

// Neighbors 返回 item 的出边，按权重降序、item 升序。
func (g *CovisitGraph) Neighbors(item int64) []Edge {
	if g == nil {
		return nil
	}
	return g.Adjacency[item]
}

// Weight 返回 a->b 的权重，不存在为 0。
func (g *CovisitGraph) Weight(a, b int64) float64 {
	for _, e := range g.Neighbors(a) {
		if e.Item == b {
			return e.Weight
		}
	}
	return 0
}

// NumEdges 边数
func (g *CovisitGraph) NumEdges() int {
	n := 0
	for _, es := range g.Adjacency {
		n += len(es)
	}
	return n
}

type edgeKey struct{ a, b int64 }

// lcmUpTo 返回 lcm(1..w)。
func lcmUpTo(w int) int64 {
	l := int64(1)
	for i := int64(2); i <= int64(w); i++ {
		l = l / gcd(l, i) * i
	}
	return l
}

// addWeight 把 v 累加到 m[k]，溢出时返回 false 且不修改 m。
func addWeight(m map[edgeKey]int64, k edgeKey, v int64) bool {
	if m[k] > math.MaxInt64-v {
		return false
	}
	m[k] += v
	return true
}

func overflowErr(k edgeKey) error {
	return core.InvalidInput(core.ModuleRecall,
		fmt.Sprintf("covisit: weight of edge %d->%d overflows, use a smaller window", k.a, k.b))
}

func gcd(a, b int64) int64 {
	for b != 0 {
		a, b = b, a%b
	}
	return a
}

// BuildCovisitGraph 构建共现图。
//
// 对每个用户按时间升序的序列，lag ∈ [1, min(W, L-1)] 产生边 (item[i], item[i+lag], 1/lag)，
// 跳过 item[i] == item[i+lag]。所有用户、所有 lag 上的同一边权重求和，
// 每个源物品只保留 topPerItem 条最重的出边（同权重按目标 item 升序）。
//
// 权重以 lcm(1..W) 为分母做整数累加，求和与批次划分、调度顺序无关；
// 累加溢出时返回 INVALID_INPUT，不会产生回绕的负权重。
func BuildCovisitGraph(ctx context.Context, log *dataset.Log, window, topPerItem int, run core.RunConfig) (*CovisitGraph, error) {
	if window <= 0 || window > MaxCovisitWindow || topPerItem <= 0 {
		return nil, core.InvalidInput(core.ModuleRecall,
			fmt.Sprintf("covisit: window must be in [1,%d] and top_per_item positive", MaxCovisitWindow))
	}
	denom := lcmUpTo(window)
	total := make(map[edgeKey]int64)
	var overflow *edgeKey

	err := ParallelBatches(ctx, log.Users(), run,
		func(ctx context.Context, batch []int64) (map[edgeKey]int64, error) {
			part := make(map[edgeKey]int64)
			for _, u := range batch {
				seq := log.Events(u)
				for i := range seq {
					for lag := 1; lag <= window && i+lag < len(seq); lag++ {
						a, b := seq[i].ItemID, seq[i+lag].ItemID
						if a == b {
							continue
						}
						k := edgeKey{a, b}
						if !addWeight(part, k, denom/int64(lag)) {
							return nil, overflowErr(k)
						}
					}
				}
				if err := ctx.Err(); err != nil {
					return nil, err
				}
			}
			return part, nil
		},
		func(part map[edgeKey]int64) {
			for k, v := range part {
				if !addWeight(total, k, v) && overflow == nil {
					overflow = &k
				}
			}
		})
	if err != nil {
		return nil, err
	}
	if overflow != nil {
		return nil, overflowErr(*overflow)
	}

	type scored struct {
		item int64
		num  int64
	}
	bySource := make(map[int64][]scored)
	for k, v := range total {
		bySource[k.a] = append(bySource[k.a], scored{k.b, v})
	}

	g := &CovisitGraph{Window: window, TopPerItem: topPerItem, Adjacency: make(map[int64][]Edge, len(bySource))}
	for a, list := range bySource {
		slices.SortFunc(list, func(x, y scored) int {
			if x.num != y.num {
				if x.num > y.num {
					return -1
				}
				return 1
			}
			switch {
			case x.item < y.item:
				return -1
			case x.item > y.item:
				return 1
			}
			return 0
		})
		if len(list) > topPerItem {
			list = list[:topPerItem]
		}
		edges := make([]Edge, len(list))
		for i, s := range list {
			edges[i] = Edge{Item: s.item, Weight: float64(s.num) / float64(denom)}
		}
		g.Adjacency[a] = edges
	}
	return g, nil
}

// Covisit 是共现召回通道：用户最近 RecentK 个（去重）物品各取前 CandPerRecent 个邻居，
// 候选分数为到达该物品的边权之和。
type Covisit struct{}

func (c *Covisit) Name() string          { return "recall.covisit" }
func (c *Covisit) Channel() core.Channel { return core.ChannelCovisit }

func (c *Covisit) DependsOn() []string {
	return []string{ParamCovisitWindow, ParamTopPerItem, ParamRecentK, ParamCandPerRecent}
}

func (c *Covisit) Build(ctx context.Context, in *Input) (*Result, error) {
	g := in.Graph
	if g == nil || g.Window != in.Params.CovisitWindow || g.TopPerItem != in.Params.TopPerItem {
		var err error
		g, err = BuildCovisitGraph(ctx, in.Log, in.Params.CovisitWindow, in.Params.TopPerItem, in.Run)
		if err != nil {
			return nil, err
		}
	}

	out := &Result{Channel: core.ChannelCovisit, Users: make(map[int64]UserScores)}
	err := ParallelBatches(ctx, in.Log.Users(), in.Run,
		func(_ context.Context, batch []int64) (map[int64]UserScores, error) {
			part := make(map[int64]UserScores, len(batch))
			for _, u := range batch {
				scores := make(UserScores)
				for _, seed := range recentItems(in.Log.Events(u), in.Params.RecentK) {
					nbrs := g.Neighbors(seed)
					if len(nbrs) > in.Params.CandPerRecent {
						nbrs = nbrs[:in.Params.CandPerRecent]
					}
					for _, e := range nbrs {
						scores[e.Item] += e.Weight
					}
				}
				if len(scores) > 0 {
					part[u] = scores
				}
			}
			return part, nil
		},
		func(part map[int64]UserScores) {
			for u, s := range part {
				out.Users[u] = s
			}
		})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// recentItems 从最近一次行为往前取 k 个不同的物品，最近的在前。
func recentItems(seq []dataset.Event, k int) []int64 {
	out := make([]int64, 0, k)
	for i := len(seq) - 1; i >= 0 && len(out) < k; i-- {
		if !slices.Contains(out, seq[i].ItemID) {
			out = append(out, seq[i].ItemID)
		}
	}
	return out
}
