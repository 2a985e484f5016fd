package dataset

import (
	"math"
	"math/rand/v2"
	"sort"

	"github.com/rushteam/recalltune/core"
)

// Sample 按用户活跃度分层抽样。
//
// 分层：行为次数四分位 × 去重物品数四分位，共 16 层。
// 配额：每个非空层先分 1 个（目标数足够时），剩余按层规模比例逐个分配给缺口最大的层。
// 层内按 Seed 洗牌后取前 quota 个用户，保留其全部行为。
// 不需要抽样时原样返回。
func Sample(l *Log, cfg core.RunConfig) *Log {
	if !cfg.Sampled() || l.NumUsers() == 0 {
		return l
	}
	n := l.NumUsers()
	target := int(math.Ceil(cfg.SampleFraction*float64(n) - 1e-9))
	if cfg.MaxUsers > 0 && target > cfg.MaxUsers {
		target = cfg.MaxUsers
	}
	if target >= n {
		return l
	}
	if target <= 0 {
		target = 1
	}

	strata := stratify(l)
	keys := make([]int, 0, len(strata))
	for k := range strata {
		keys = append(keys, k)
	}
	sort.Ints(keys)

	alloc := allocate(keys, strata, target, n)

	rng := rand.New(rand.NewPCG(cfg.Seed, cfg.Seed^0x9e3779b97f4a7c15))
	chosen := make([]int64, 0, target)
	for _, k := range keys {
		users := append([]int64(nil), strata[k]...)
		rng.Shuffle(len(users), func(i, j int) { users[i], users[j] = users[j], users[i] })
		chosen = append(chosen, users[:alloc[k]]...)
	}
	return l.Subset(chosen)
}

// stratify 返回 层号 -> 升序用户列表。
func stratify(l *Log) map[int][]int64 {
	users := l.Users()
	activity := make([]float64, len(users))
	diversity := make([]float64, len(users))
	for i, u := range users {
		ev := l.Events(u)
		activity[i] = float64(len(ev))
		seen := make(map[int64]struct{}, len(ev))
		for _, e := range ev {
			seen[e.ItemID] = struct{}{}
		}
		diversity[i] = float64(len(seen))
	}
	aq := quartiles(activity)
	dq := quartiles(diversity)

	strata := make(map[int][]int64)
	for i, u := range users {
		k := tier(activity[i], aq)*4 + tier(diversity[i], dq)
		strata[k] = append(strata[k], u)
	}
	return strata
}

// quartiles 返回 25/50/75 分位（最近秩法）。
func quartiles(values []float64) [3]float64 {
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	var q [3]float64
	for i, p := range []float64{0.25, 0.5, 0.75} {
		idx := int(math.Ceil(p*float64(len(sorted)))) - 1
		if idx < 0 {
			idx = 0
		}
		q[i] = sorted[idx]
	}
	return q
}

func tier(v float64, q [3]float64) int {
	t := 0
	for _, th := range q {
		if v > th {
			t++
		}
	}
	return t
}

func allocate(keys []int, strata map[int][]int64, target, total int) map[int]int {
	alloc := make(map[int]int, len(keys))
	remaining := target
	if target >= len(keys) {
		for _, k := range keys {
			alloc[k] = 1
		}
		remaining -= len(keys)
	}
	for remaining > 0 {
		best, bestGap := -1, math.Inf(-1)
		for _, k := range keys {
			size := len(strata[k])
			if alloc[k] >= size {
				continue
			}
			gap := float64(target)*float64(size)/float64(total) - float64(alloc[k])
			if gap > bestGap {
				best, bestGap = k, gap
			}
		}
		if best < 0 {
			break
		}
		alloc[best]++
		remaining--
	}
	return alloc
}
