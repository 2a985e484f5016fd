package eval

import (
	"context"
	"fmt"
	"math"
	"slices"
	"sort"
	"time"

	"github.com/rushteam/recalltune/core"
	"github.com/rushteam/recalltune/dataset"
	"github.com/rushteam/recalltune/logging"
	"github.com/rushteam/recalltune/pipeline"
	"github.com/rushteam/recalltune/recall"
)

// Report 是一次评估的结果。
type Report struct {
	Params  core.ParameterSet  `json:"params" yaml:"params"`
	Metrics map[string]float64 `json:"metrics" yaml:"metrics"`
	Score   float64            `json:"score" yaml:"score"`

	TotalUsers           int     `json:"total_users" yaml:"total_users"`
	EvaluatedUsers       int     `json:"evaluated_users" yaml:"evaluated_users"`
	SkippedUsers         int     `json:"skipped_users" yaml:"skipped_users"`
	TotalCandidates      int     `json:"total_candidates" yaml:"total_candidates"`
	AvgCandidatesPerUser float64 `json:"avg_candidates_per_user" yaml:"avg_candidates_per_user"`
	Hits                 int     `json:"hits" yaml:"hits"` // 目标出现在候选列表任意位置的用户数

	Duration time.Duration `json:"duration" yaml:"duration"`
}

// Evaluator 在留一法切分上评估一组参数。
// 切分在构造时完成；Evaluate 是 ParameterSet 的纯函数，可被并发调用。
type Evaluator struct {
	pipe      *pipeline.Pipeline
	split     *dataset.Split
	attrs     core.AttributeSet
	ks        []int
	objective *Objective
	users     []int64
	catalog   int
	total     int
}

// New 对 log 做留一法切分并校验。ks 为空时用 DefaultKs。
func New(log *dataset.Log, attrs core.AttributeSet, pipe *pipeline.Pipeline, ks []int, objective *Objective) (*Evaluator, error) {
	if pipe == nil || objective == nil {
		return nil, core.InvalidInput(core.ModuleEval, "pipeline and objective are required")
	}
	if len(ks) == 0 {
		ks = DefaultKs
	}
	ks = slices.Clone(ks)
	slices.Sort(ks)
	ks = slices.Compact(ks)
	if ks[0] <= 0 {
		return nil, core.InvalidInput(core.ModuleEval, "K must be positive")
	}

	split := dataset.LeaveOneOut(log)
	if err := split.Validate(); err != nil {
		return nil, err
	}
	users := make([]int64, 0, len(split.Targets))
	for u := range split.Targets {
		users = append(users, u)
	}
	slices.Sort(users)

	return &Evaluator{
		pipe:      pipe,
		split:     split,
		attrs:     attrs,
		ks:        ks,
		objective: objective,
		users:     users,
		catalog:   log.NumItems(),
		total:     log.NumUsers(),
	}, nil
}

// Split 返回留一法切分。
func (e *Evaluator) Split() *dataset.Split { return e.split }

// Ks 返回评估的截断位置。
func (e *Evaluator) Ks() []int { return slices.Clone(e.ks) }

// userStat 是单个用户的评估结果。
type userStat struct {
	rank  int       // 目标位置，0 表示未命中
	cands int       // 候选数
	div   []float64 // 每个 K 的类目多样性，NaN 表示前 K 个中没有带类目的物品
}

// Evaluate 用 ps 在训练集上重建全部通道并计算指标。
// 训练集不含任何目标行为；复购参考时间取每个用户训练集的最后时间。
func (e *Evaluator) Evaluate(ctx context.Context, ps core.ParameterSet) (*Report, error) {
	start := time.Now()
	out, err := e.pipe.Execute(ctx, pipeline.Input{
		Log:       e.split.Train,
		Attrs:     e.attrs,
		Reference: e.split.Reference,
		Users:     e.users,
	}, ps)
	if err != nil {
		return nil, err
	}
	byUser := recall.GroupByUser(out.Candidates)

	stats := make(map[int64]userStat, len(e.users))
	err = recall.ParallelBatches(ctx, e.users, e.pipe.Run,
		func(_ context.Context, batch []int64) (map[int64]userStat, error) {
			part := make(map[int64]userStat, len(batch))
			for _, u := range batch {
				cands := byUser[u]
				st := userStat{
					rank:  RankOf(cands, e.split.Targets[u].ItemID),
					cands: len(cands),
					div:   make([]float64, len(e.ks)),
				}
				for i, k := range e.ks {
					d, ok := CategoryDiversity(cands, k, e.attrs)
					if !ok {
						d = math.NaN()
					}
					st.div[i] = d
				}
				part[u] = st
			}
			return part, nil
		},
		func(part map[int64]userStat) {
			for u, st := range part {
				stats[u] = st
			}
		})
	if err != nil {
		return nil, err
	}

	// 浮点累加按用户 id 顺序进行，结果与批次划分无关
	n := float64(len(e.users))
	metrics := make(map[string]float64, len(e.ks)*len(metricNames))
	anyHits, totalCands := 0, 0
	for _, u := range e.users {
		if stats[u].rank > 0 {
			anyHits++
		}
		totalCands += stats[u].cands
	}
	for i, k := range e.ks {
		var hits, rr, ndcg, div float64
		divN := 0
		top := make(map[int64]struct{})
		for _, u := range e.users {
			st := stats[u]
			hits += HitAt(st.rank, k)
			rr += ReciprocalRankAt(st.rank, k)
			ndcg += NDCGAt(st.rank, k)
			if !math.IsNaN(st.div[i]) {
				div += st.div[i]
				divN++
			}
			cands := byUser[u]
			if len(cands) > k {
				cands = cands[:k]
			}
			for _, c := range cands {
				top[c.ItemID] = struct{}{}
			}
		}
		metrics[MetricName(MetricHR, k)] = hits / n
		metrics[MetricName(MetricMRR, k)] = rr / n
		metrics[MetricName(MetricNDCG, k)] = ndcg / n
		metrics[MetricName(MetricDiversity, k)] = ratio(div, float64(divN))
		metrics[MetricName(MetricCoverage, k)] = ratio(float64(len(top)), float64(e.catalog))
		metrics[MetricName(MetricEfficiency, k)] = ratio(hits, float64(anyHits))
	}

	r := &Report{
		Params:               out.Params.ParameterSet(),
		Metrics:              metrics,
		Score:                e.objective.Score(metrics),
		TotalUsers:           e.total,
		EvaluatedUsers:       len(e.users),
		SkippedUsers:         e.split.Skipped,
		TotalCandidates:      totalCands,
		AvgCandidatesPerUser: ratio(float64(totalCands), n),
		Hits:                 anyHits,
		Duration:             time.Since(start),
	}
	logging.Ctx(ctx).Debug().
		Float64("score", r.Score).
		Int("hits", r.Hits).
		Int("candidates", r.TotalCandidates).
		Dur("took", r.Duration).
		Msg("evaluation finished")
	return r, nil
}

// Score 是给参数搜索用的目标函数。没有产出任何候选时返回错误。
func (e *Evaluator) Score(ctx context.Context, ps core.ParameterSet) (float64, map[string]float64, error) {
	r, err := e.Evaluate(ctx, ps)
	if err != nil {
		return 0, nil, err
	}
	if r.TotalCandidates == 0 {
		return 0, r.Metrics, core.NewDomainError(core.ModuleEval, core.ErrorCodeInternalError, "pipeline produced no candidates")
	}
	return r.Score, r.Metrics, nil
}

func ratio(a, b float64) float64 {
	if b == 0 {
		return 0
	}
	return a / b
}

// MetricKeys 返回排序后的指标名（用于输出）。
func MetricKeys(metrics map[string]float64) []string {
	keys := make([]string, 0, len(metrics))
	for k := range metrics {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		ni, ki, _ := ParseMetricName(keys[i])
		nj, kj, _ := ParseMetricName(keys[j])
		if ni != nj {
			return slices.Index(metricNames, ni) < slices.Index(metricNames, nj)
		}
		return ki < kj
	})
	return keys
}

// ValidateSetup 检查数据是否满足留一法评估前提，返回切分摘要。
func ValidateSetup(log *dataset.Log) (*dataset.Split, error) {
	if log.Empty() {
		return nil, core.InvalidInput(core.ModuleEval, "interaction log is empty")
	}
	split := dataset.LeaveOneOut(log)
	if err := split.Validate(); err != nil {
		return nil, fmt.Errorf("leave-one-out setup: %w", err)
	}
	return split, nil
}
