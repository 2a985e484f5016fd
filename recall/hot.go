package recall

import (
	"context"
	"strconv"

	"github.com/rushteam/recalltune/core"
	"github.com/rushteam/recalltune/dataset"
)

// Hot 是全局热门召回通道，也是兜底通道：只要日志非空，结果就非空。
//   - 榜单按全量频次降序、item 升序取前 PopPool 个
//   - 分数为归一化排名 1-(rank-1)/PopPool，对所有用户相同（Result.Shared）
//   - Store 非空时榜单以有序集合缓存，key 含日志指纹与池大小，不同日志（如留一法训练集）互不命中
type Hot struct {
	Store     core.KeyValueStore
	KeyPrefix string // 默认 "recalltune:hot"
}

func (r *Hot) Name() string          { return "recall.hot" }
func (r *Hot) Channel() core.Channel { return core.ChannelGlobalPop }
func (r *Hot) DependsOn() []string   { return []string{ParamPopPool} }

func (r *Hot) Build(ctx context.Context, in *Input) (*Result, error) {
	key := r.key(in)
	ids, err := r.fromStore(ctx, key, in.Params.PopPool)
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		ids, err = PopularItems(ctx, in.Log, in.Params.PopPool, in.Run)
		if err != nil {
			return nil, err
		}
		if r.Store != nil && len(ids) > 0 {
			if err := PublishHot(ctx, r.Store, key, ids); err != nil {
				return nil, err
			}
		}
	}
	out := &Result{Channel: core.ChannelGlobalPop, Shared: make(UserScores, len(ids))}
	for i, id := range ids {
		out.Shared[id] = NormalizedRank(i+1, in.Params.PopPool)
	}
	return out, nil
}

// HotKey 返回榜单在有序集合中的 key。
func HotKey(prefix string, log *dataset.Log, pool int) string {
	if prefix == "" {
		prefix = "recalltune:hot"
	}
	return prefix + ":" + log.Fingerprint() + ":" + strconv.Itoa(pool)
}

func (r *Hot) key(in *Input) string {
	if r.Store == nil {
		return ""
	}
	return HotKey(r.KeyPrefix, in.Log, in.Params.PopPool)
}

func (r *Hot) fromStore(ctx context.Context, key string, k int) ([]int64, error) {
	if r.Store == nil {
		return nil, nil
	}
	// 榜单写完后才有 ready 标记，避免并发试验读到写了一半的有序集合
	if _, err := r.Store.Get(ctx, key+":ready"); err != nil {
		if core.IsStoreNotFound(err) {
			return nil, nil
		}
		return nil, err
	}
	members, err := r.Store.ZRange(ctx, key, 0, int64(k)-1)
	if err != nil {
		if core.IsStoreNotFound(err) {
			return nil, nil
		}
		return nil, err
	}
	ids := make([]int64, 0, len(members))
	for _, m := range members {
		if id, err := strconv.ParseInt(m, 10, 64); err == nil {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

// PopularItems 返回全量频次降序、item 升序的前 k 个物品。
func PopularItems(ctx context.Context, log *dataset.Log, k int, run core.RunConfig) ([]int64, error) {
	counts := make(map[int64]int)
	err := ParallelBatches(ctx, log.Users(), run,
		func(_ context.Context, batch []int64) (map[int64]int, error) {
			part := make(map[int64]int)
			for _, u := range batch {
				for _, e := range log.Events(u) {
					part[e.ItemID]++
				}
			}
			return part, nil
		},
		func(part map[int64]int) {
			for id, c := range part {
				counts[id] += c
			}
		})
	if err != nil {
		return nil, err
	}
	return topByCount(counts, k), nil
}

// PublishHot 把热门榜单写入有序集合，分数为 k-rank+1，ZRange 读回时顺序不变。
// 先清掉 key 上残留的成员，全部写完后设置 ready 标记。
func PublishHot(ctx context.Context, kv core.KeyValueStore, key string, ids []int64) error {
	if err := kv.Delete(ctx, key); err != nil {
		return err
	}
	for i, id := range ids {
		if err := kv.ZAdd(ctx, key, float64(len(ids)-i), strconv.FormatInt(id, 10)); err != nil {
			return err
		}
	}
	return kv.Set(ctx, key+":ready", []byte("1"))
}
