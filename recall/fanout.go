package recall

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/rushteam/recalltune/core"
	"github.com/rushteam/recalltune/logging"
)

// Fanout 并发执行多个召回通道，结果按 Builders 的顺序返回。
// 支持每个通道的超时与最大并发数。
//
// 与在线召回不同，这里任何一个通道失败都会让整次构建失败：
// 部分通道缺失的候选集会让评估结果失真。空结果不算失败。
type Fanout struct {
	Builders      []Builder
	Timeout       time.Duration // 每个通道的超时时间，0 表示不限
	MaxConcurrent int           // 最大并发数（0 表示无限制）
}

func (n *Fanout) Name() string { return "recall.fanout" }

// Run 返回与 Builders 一一对应的结果。
func (n *Fanout) Run(ctx context.Context, in *Input) ([]*Result, error) {
	results := make([]*Result, len(n.Builders))
	if len(n.Builders) == 0 {
		return results, nil
	}

	eg, egCtx := errgroup.WithContext(ctx)

	// 限流：使用 semaphore 控制并发数
	var sem chan struct{}
	if n.MaxConcurrent > 0 {
		sem = make(chan struct{}, n.MaxConcurrent)
	}

	for i, b := range n.Builders {
		eg.Go(func() error {
			if sem != nil {
				select {
				case sem <- struct{}{}:
					defer func() { <-sem }()
				case <-egCtx.Done():
					return egCtx.Err()
				}
			}

			buildCtx := egCtx
			if n.Timeout > 0 {
				var cancel context.CancelFunc
				buildCtx, cancel = context.WithTimeout(egCtx, n.Timeout)
				defer cancel()
			}

			start := time.Now()
			res, err := b.Build(buildCtx, in)
			if err != nil {
				if errors.Is(err, context.DeadlineExceeded) && buildCtx.Err() != nil && egCtx.Err() == nil {
					return fmt.Errorf("%s: %w", b.Name(), core.NewDomainError(core.ModuleRecall, core.ErrorCodeTimeout,
						fmt.Sprintf("channel exceeded %s", n.Timeout)))
				}
				return fmt.Errorf("%s: %w", b.Name(), err)
			}
			if res == nil {
				res = &Result{Channel: b.Channel()}
			}
			res.Channel = b.Channel()
			results[i] = res

			logging.Ctx(ctx).Debug().
				Str("channel", b.Channel().String()).
				Int("users", len(res.Users)).
				Int("shared", len(res.Shared)).
				Dur("took", time.Since(start)).
				Msg("channel built")
			return nil
		})
	}

	if err := eg.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}
