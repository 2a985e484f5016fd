// Package eval 是留一法离线评估：HR/MRR/NDCG@K、多样性/覆盖率/效率，以及加权目标函数。
package eval

import (
	"fmt"
	"math"
	"slices"
	"strconv"
	"strings"

	"github.com/rushteam/recalltune/core"
)

// 指标名，完整名称为 name@K，如 hr@10。
const (
	MetricHR         = "hr"
	MetricMRR        = "mrr"
	MetricNDCG       = "ndcg"
	MetricDiversity  = "diversity"
	MetricCoverage   = "coverage"
	MetricEfficiency = "efficiency"
)

// DefaultKs 默认截断位置
var DefaultKs = []int{10, 20, 50}

var metricNames = []string{MetricHR, MetricMRR, MetricNDCG, MetricDiversity, MetricCoverage, MetricEfficiency}

// MetricName 返回 name@K。
func MetricName(name string, k int) string {
	return name + "@" + strconv.Itoa(k)
}

// ParseMetricName 解析 name@K。
func ParseMetricName(s string) (string, int, error) {
	name, kstr, ok := strings.Cut(strings.ToLower(strings.TrimSpace(s)), "@")
	if !ok {
		return "", 0, core.InvalidInput(core.ModuleEval, fmt.Sprintf("metric %q: want name@K", s))
	}
	if !slices.Contains(metricNames, name) {
		return "", 0, core.InvalidInput(core.ModuleEval, fmt.Sprintf("metric %q: unknown name (want one of %v)", s, metricNames))
	}
	k, err := strconv.Atoi(kstr)
	if err != nil || k <= 0 {
		return "", 0, core.InvalidInput(core.ModuleEval, fmt.Sprintf("metric %q: K must be a positive integer", s))
	}
	return name, k, nil
}

// RankOf 返回 item 在按 rank 排好序的候选列表中的位置（从 1 开始），不存在为 0。
func RankOf(cands []core.Candidate, item int64) int {
	for i, c := range cands {
		if c.ItemID == item {
			return i + 1
		}
	}
	return 0
}

// HitAt rank 在前 K 内为 1，否则 0。rank 为 0 表示未命中。
func HitAt(rank, k int) float64 {
	if rank > 0 && rank <= k {
		return 1
	}
	return 0
}

// ReciprocalRankAt 前 K 内为 1/rank，否则 0。
func ReciprocalRankAt(rank, k int) float64 {
	if rank > 0 && rank <= k {
		return 1 / float64(rank)
	}
	return 0
}

// NDCGAt 单一目标的 NDCG：前 K 内为 1/log2(rank+1)，否则 0。
func NDCGAt(rank, k int) float64 {
	if rank > 0 && rank <= k {
		return 1 / math.Log2(float64(rank)+1)
	}
	return 0
}

// CategoryDiversity 返回前 k 个候选中有类目的物品的不同类目占比；没有带类目的物品时 ok=false。
func CategoryDiversity(cands []core.Candidate, k int, attrs core.AttributeSet) (float64, bool) {
	if len(cands) > k {
		cands = cands[:k]
	}
	seen := make(map[int64]struct{}, len(cands))
	n := 0
	for _, c := range cands {
		cate, ok := attrs.Category(c.ItemID)
		if !ok {
			continue
		}
		n++
		seen[cate] = struct{}{}
	}
	if n == 0 {
		return 0, false
	}
	return float64(len(seen)) / float64(n), true
}
