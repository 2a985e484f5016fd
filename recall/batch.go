package recall

import (
	"cmp"
	"context"
	"slices"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/rushteam/recalltune/core"
)

// ParallelBatches 把 ids 切成固定大小的批次，在最多 run.Workers 个 goroutine 上执行 work，
// 全部完成后按批次顺序调用 merge。
//
// merge 必须满足结合律与交换律（求和、计数、按用户独立的列表），
// 按批次顺序归并保证浮点结果也与调度无关。
func ParallelBatches[T any](
	ctx context.Context,
	ids []int64,
	run core.RunConfig,
	work func(ctx context.Context, batch []int64) (T, error),
	merge func(T),
) error {
	if len(ids) == 0 {
		return nil
	}
	size := run.EffectiveBatchSize()
	n := (len(ids) + size - 1) / size
	partials := make([]T, n)

	sem := semaphore.NewWeighted(int64(run.EffectiveWorkers()))
	eg, egCtx := errgroup.WithContext(ctx)
	for i := 0; i < n; i++ {
		if err := sem.Acquire(egCtx, 1); err != nil {
			break
		}
		lo, hi := i*size, min((i+1)*size, len(ids))
		idx := i
		eg.Go(func() error {
			defer sem.Release(1)
			if err := egCtx.Err(); err != nil {
				return err
			}
			out, err := work(egCtx, ids[lo:hi])
			if err != nil {
				return err
			}
			partials[idx] = out
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	for _, p := range partials {
		merge(p)
	}
	return nil
}

func sortedKeys[K cmp.Ordered, V any](m map[K]V) []K {
	keys := make([]K, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
