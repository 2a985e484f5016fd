package eval

import (
	"fmt"
	"math"
	"slices"
	"sort"

	"github.com/rushteam/recalltune/core"
)

// Objective 是指标的凸组合 Σ w_m · metric_m，权重非负且和为 1。
type Objective struct {
	weights map[string]float64
	names   []string // 排序后，保证求和顺序固定
}

// NewObjective 校验权重：指标名合法、K 在 ks 中、权重非负、总和为 1（误差 1e-6）。
func NewObjective(weights map[string]float64, ks []int) (*Objective, error) {
	if len(weights) == 0 {
		return nil, core.InvalidInput(core.ModuleEval, "objective weights are required")
	}
	o := &Objective{weights: make(map[string]float64, len(weights))}
	sum := 0.0
	for raw, w := range weights {
		name, k, err := ParseMetricName(raw)
		if err != nil {
			return nil, err
		}
		if !slices.Contains(ks, k) {
			return nil, core.InvalidInput(core.ModuleEval, fmt.Sprintf("objective metric %s: K=%d is not evaluated (Ks=%v)", raw, k, ks))
		}
		if w < 0 || math.IsNaN(w) {
			return nil, core.InvalidInput(core.ModuleEval, fmt.Sprintf("objective weight for %s must be >= 0", raw))
		}
		canonical := MetricName(name, k)
		if _, dup := o.weights[canonical]; dup {
			return nil, core.InvalidInput(core.ModuleEval, fmt.Sprintf("objective metric %s given twice", canonical))
		}
		o.weights[canonical] = w
		sum += w
	}
	if math.Abs(sum-1) > 1e-6 {
		return nil, core.InvalidInput(core.ModuleEval, fmt.Sprintf("objective weights must sum to 1, got %v", sum))
	}
	for name := range o.weights {
		o.names = append(o.names, name)
	}
	sort.Strings(o.names)
	return o, nil
}

// Score 计算目标值。
func (o *Objective) Score(metrics map[string]float64) float64 {
	s := 0.0
	for _, name := range o.names {
		s += o.weights[name] * metrics[name]
	}
	return s
}

// Weights 返回权重副本。
func (o *Objective) Weights() map[string]float64 {
	out := make(map[string]float64, len(o.weights))
	for k, v := range o.weights {
		out[k] = v
	}
	return out
}
