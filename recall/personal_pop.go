package recall

import (
	"context"
	"slices"

	"github.com/rushteam/recalltune/core"
	"github.com/rushteam/recalltune/dataset"
)

// PersonalPop 是个性化热门召回通道（类目热门 + 店铺热门）。
//
// 对每个用户：按交互频次取前 UserTopCates 个类目、前 UserTopStores 个店铺；
// 每个选中的桶取全局桶内频次前 pool 个物品，去掉用户交互过的物品。
// 分数为桶内归一化排名 1-(rank-1)/pool，多个桶命中同一物品取最大值。
// 缺少类目（店铺）属性的物品只是不进入类目（店铺）桶。
type PersonalPop struct{}

func (p *PersonalPop) Name() string          { return "recall.personal_pop" }
func (p *PersonalPop) Channel() core.Channel { return core.ChannelPersonalPop }

func (p *PersonalPop) DependsOn() []string {
	return []string{ParamUserTopCates, ParamUserTopStores, ParamPerCatePool, ParamPerStorePool}
}

// bucketCounts 是 桶 -> 物品 -> 频次。
type bucketCounts map[int64]map[int64]int

func (b bucketCounts) add(other bucketCounts) {
	for bucket, items := range other {
		dst := b[bucket]
		if dst == nil {
			dst = make(map[int64]int, len(items))
			b[bucket] = dst
		}
		for it, c := range items {
			dst[it] += c
		}
	}
}

type attrLookup func(item int64) (int64, bool)

// BucketPools 返回每个桶按频次降序、item 升序的前 pool 个物品。
func BucketPools(ctx context.Context, log *dataset.Log, lookup func(int64) (int64, bool), pool int, run core.RunConfig) (map[int64][]int64, error) {
	counts := make(bucketCounts)
	err := ParallelBatches(ctx, log.Users(), run,
		func(_ context.Context, batch []int64) (bucketCounts, error) {
			part := make(bucketCounts)
			for _, u := range batch {
				for _, e := range log.Events(u) {
					bucket, ok := lookup(e.ItemID)
					if !ok {
						continue
					}
					if part[bucket] == nil {
						part[bucket] = make(map[int64]int)
					}
					part[bucket][e.ItemID]++
				}
			}
			return part, nil
		},
		counts.add)
	if err != nil {
		return nil, err
	}

	pools := make(map[int64][]int64, len(counts))
	for bucket, items := range counts {
		pools[bucket] = topByCount(items, pool)
	}
	return pools, nil
}

// topByCount 返回频次降序、id 升序的前 k 个 id。
func topByCount(counts map[int64]int, k int) []int64 {
	ids := make([]int64, 0, len(counts))
	for id := range counts {
		ids = append(ids, id)
	}
	slices.SortFunc(ids, func(a, b int64) int {
		if counts[a] != counts[b] {
			return counts[b] - counts[a]
		}
		if a < b {
			return -1
		}
		if a > b {
			return 1
		}
		return 0
	})
	if len(ids) > k {
		ids = ids[:k]
	}
	return ids
}

// NormalizedRank 返回 1-(rank-1)/pool，rank 从 1 开始。
func NormalizedRank(rank, pool int) float64 {
	return 1 - float64(rank-1)/float64(pool)
}

func (p *PersonalPop) Build(ctx context.Context, in *Input) (*Result, error) {
	out := &Result{Channel: core.ChannelPersonalPop, Users: make(map[int64]UserScores)}
	if len(in.Attrs) == 0 {
		return out, nil
	}
	catePools, err := BucketPools(ctx, in.Log, in.Attrs.Category, in.Params.PerCatePool, in.Run)
	if err != nil {
		return nil, err
	}
	storePools, err := BucketPools(ctx, in.Log, in.Attrs.Store, in.Params.PerStorePool, in.Run)
	if err != nil {
		return nil, err
	}

	err = ParallelBatches(ctx, in.Log.Users(), in.Run,
		func(_ context.Context, batch []int64) (map[int64]UserScores, error) {
			part := make(map[int64]UserScores, len(batch))
			for _, u := range batch {
				seq := in.Log.Events(u)
				seen := make(map[int64]struct{}, len(seq))
				for _, e := range seq {
					seen[e.ItemID] = struct{}{}
				}
				scores := make(UserScores)
				fill := func(lookup attrLookup, topK, pool int, pools map[int64][]int64) {
					for _, bucket := range userTopBuckets(seq, lookup, topK) {
						for i, item := range pools[bucket] {
							if _, ok := seen[item]; ok {
								continue
							}
							if s := NormalizedRank(i+1, pool); s > scores[item] {
								scores[item] = s
							}
						}
					}
				}
				fill(in.Attrs.Category, in.Params.UserTopCates, in.Params.PerCatePool, catePools)
				fill(in.Attrs.Store, in.Params.UserTopStores, in.Params.PerStorePool, storePools)
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

// userTopBuckets 返回用户交互频次最高的 k 个桶（频次降序、桶 id 升序）。
func userTopBuckets(seq []dataset.Event, lookup attrLookup, k int) []int64 {
	counts := make(map[int64]int)
	for _, e := range seq {
		if bucket, ok := lookup(e.ItemID); ok {
			counts[bucket]++
		}
	}
	return topByCount(counts, k)
}
