package recall

import (
	"context"
	"fmt"
	"slices"

	"github.com/rushteam/recalltune/core"
)

// Merger 合并各通道结果并按 RecallCap 截断。
//
// 对每个用户：各通道 (user, item) 做全外连接，缺席通道分数为 0，
// final_score = Σ weight_c · score_c；按 final_score 降序、item 升序排序后截断到 Cap。
// 所有通道分数都为 0 的行不会出现。
type Merger struct {
	Weights core.ChannelWeights
	Cap     int
}

// ParseWeights 从 通道名 -> 权重 构建权重数组。channels 中每个通道都必须显式给出非负权重。
func ParseWeights(raw map[string]float64, channels []core.Channel) (core.ChannelWeights, error) {
	var w core.ChannelWeights
	for name, v := range raw {
		ch, err := core.ParseChannel(name)
		if err != nil {
			return w, err
		}
		if v < 0 {
			return w, core.InvalidInput(core.ModuleRecall, fmt.Sprintf("weight for %s must be >= 0, got %v", name, v))
		}
		w[ch] = v
	}
	for _, ch := range channels {
		if _, ok := raw[ch.String()]; !ok {
			return w, core.InvalidInput(core.ModuleRecall, fmt.Sprintf("missing weight for channel %s", ch))
		}
	}
	return w, nil
}

// Merge 为 users 中每个用户生成候选；输出按 user 升序、rank 升序排列。
func (m *Merger) Merge(ctx context.Context, users []int64, results []*Result, run core.RunConfig) ([]core.Candidate, error) {
	if m.Cap <= 0 {
		return nil, core.InvalidInput(core.ModuleRecall, "recall_cap must be positive")
	}
	ordered := slices.Clone(users)
	slices.Sort(ordered)

	var out []core.Candidate
	err := ParallelBatches(ctx, ordered, run,
		func(_ context.Context, batch []int64) ([]core.Candidate, error) {
			var part []core.Candidate
			for _, u := range batch {
				part = append(part, m.mergeUser(u, results)...)
			}
			return part, nil
		},
		func(part []core.Candidate) {
			out = append(out, part...)
		})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (m *Merger) mergeUser(user int64, results []*Result) []core.Candidate {
	scores := make(map[int64]*core.ChannelScores)
	put := func(ch core.Channel, item int64, s float64) {
		if s == 0 {
			return
		}
		cs, ok := scores[item]
		if !ok {
			cs = new(core.ChannelScores)
			scores[item] = cs
		}
		cs[ch] = s
	}
	for _, r := range results {
		if r == nil {
			continue
		}
		for item, s := range r.Users[user] {
			put(r.Channel, item, s)
		}
		for item, s := range r.Shared {
			put(r.Channel, item, s)
		}
	}

	cands := make([]core.Candidate, 0, len(scores))
	for item, cs := range scores {
		cands = append(cands, core.Candidate{
			UserID:     user,
			ItemID:     item,
			Scores:     *cs,
			FinalScore: cs.Weighted(m.Weights),
		})
	}
	slices.SortFunc(cands, func(a, b core.Candidate) int {
		if a.FinalScore != b.FinalScore {
			if a.FinalScore > b.FinalScore {
				return -1
			}
			return 1
		}
		switch {
		case a.ItemID < b.ItemID:
			return -1
		case a.ItemID > b.ItemID:
			return 1
		}
		return 0
	})
	if len(cands) > m.Cap {
		cands = cands[:m.Cap]
	}
	for i := range cands {
		cands[i].Rank = i + 1
	}
	return cands
}

// GroupByUser 把按 user 排好序的候选切分为 user -> 候选列表（共享底层数组）。
func GroupByUser(cands []core.Candidate) map[int64][]core.Candidate {
	out := make(map[int64][]core.Candidate)
	start := 0
	for i := 1; i <= len(cands); i++ {
		if i == len(cands) || cands[i].UserID != cands[start].UserID {
			out[cands[start].UserID] = cands[start:i]
			start = i
		}
	}
	return out
}
