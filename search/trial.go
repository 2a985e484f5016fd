package search

import (
	"context"
	"time"

	"github.com/rushteam/recalltune/core"
)

// FailedScore 是失败试验的哨兵分数。目标函数取值在 [0,1]，-1 不会与真实分数混淆。
const FailedScore = -1.0

// Status 试验状态
type Status string

const (
	StatusSuccess Status = "success"
	StatusFailed  Status = "failed"
)

// TrialResult 是一次试验的结果。
type TrialResult struct {
	ID       string             `json:"id" yaml:"id"`
	Index    int                `json:"index" yaml:"index"`
	Stage    string             `json:"stage,omitempty" yaml:"stage,omitempty"`
	Params   core.ParameterSet  `json:"params" yaml:"params"`
	Score    float64            `json:"score" yaml:"score"`
	Metrics  map[string]float64 `json:"metrics,omitempty" yaml:"metrics,omitempty"`
	Status   Status             `json:"status" yaml:"status"`
	Err      string             `json:"error,omitempty" yaml:"error,omitempty"`
	Duration time.Duration      `json:"duration" yaml:"duration"`
}

// OK 试验是否成功
func (t TrialResult) OK() bool { return t.Status == StatusSuccess }

// ObjectiveFunc 是被优化的黑盒函数，返回 [0,1] 内的分数（越大越好）和分项指标。
type ObjectiveFunc func(ctx context.Context, ps core.ParameterSet) (float64, map[string]float64, error)

// Sink 持久化试验结果（例如 SQLite 试验记录）。写入失败只记日志，不中断搜索。
type Sink interface {
	Record(ctx context.Context, t TrialResult) error
}

// TrialObserver 接收每个完成的试验（用于指标上报）。
type TrialObserver interface {
	ObserveTrial(t TrialResult)
}
