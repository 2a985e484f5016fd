package recall

import (
	"context"
	"math"
	"time"

	"github.com/rushteam/recalltune/core"
)

// Repurchase 是复购召回通道：用户交互过的物品按时间衰减打分，
// score = exp(-days_ago / tau_days)，同一物品多次交互取最大值（最近一次）。
//
// 参考时间默认是用户最后一次行为；Input.Reference 给出时以其为准，
// 晚于参考时间的行为不参与计算。
type Repurchase struct{}

func (r *Repurchase) Name() string          { return "recall.repurchase" }
func (r *Repurchase) Channel() core.Channel { return core.ChannelRepurchase }
func (r *Repurchase) DependsOn() []string   { return []string{ParamTauDays} }

// DecayScore 返回 exp(-max(0, ref-t)/tau)，时间差以天计。
func DecayScore(ref, t time.Time, tauDays float64) float64 {
	days := ref.Sub(t).Hours() / 24
	if days < 0 {
		days = 0
	}
	return math.Exp(-days / tauDays)
}

func (r *Repurchase) Build(ctx context.Context, in *Input) (*Result, error) {
	tau := in.Params.TauDays
	out := &Result{Channel: core.ChannelRepurchase, Users: make(map[int64]UserScores)}
	err := ParallelBatches(ctx, in.Log.Users(), in.Run,
		func(_ context.Context, batch []int64) (map[int64]UserScores, error) {
			part := make(map[int64]UserScores, len(batch))
			for _, u := range batch {
				seq := in.Log.Events(u)
				if len(seq) == 0 {
					continue
				}
				ref := seq[len(seq)-1].Time
				if t, ok := in.Reference[u]; ok {
					ref = t
				}
				scores := make(UserScores)
				for _, e := range seq {
					if e.Time.After(ref) {
						continue
					}
					s := DecayScore(ref, e.Time, tau)
					if s > scores[e.ItemID] {
						scores[e.ItemID] = s
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
