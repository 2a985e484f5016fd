package search

import (
	"fmt"
	"sort"
	"sync"

	"github.com/rushteam/recalltune/core"
)

// Optimizer 是提议参数的策略。Propose 与 Update 由控制器串行调用。
type Optimizer interface {
	Name() string

	// Propose 返回最多 n 个新的参数组合；返回空表示已无可提议的点（例如网格穷尽）
	Propose(n int) ([]core.ParameterSet, error)

	// Update 告知一批试验的结果（含失败试验）
	Update(results []TrialResult) error
}

// Options 优化器的公共选项。
type Options struct {
	Seed uint64 `koanf:"seed" yaml:"seed"`

	// NInit 贝叶斯优化前的拉丁超立方初始点数
	NInit int `koanf:"n_init" yaml:"n_init"`

	// CandidatePool 每次提议时评估 EI 的随机候选点数
	CandidatePool int `koanf:"candidate_pool" yaml:"candidate_pool"`

	// MinDistance 同一批提议之间、以及与已有点之间的最小距离（单位超立方体）
	MinDistance float64 `koanf:"min_distance" yaml:"min_distance"`

	// Xi EI 的探索项
	Xi float64 `koanf:"xi" yaml:"xi"`

	// GridLevels 网格搜索中每个数值参数的取值个数
	GridLevels int `koanf:"grid_levels" yaml:"grid_levels"`

	// MaxResample 提议点违反约束时的最大重采样次数
	MaxResample int `koanf:"max_resample" yaml:"max_resample"`
}

// DefaultOptions 默认选项
func DefaultOptions() Options {
	return Options{
		Seed:          core.DefaultSeed,
		NInit:         10,
		CandidatePool: 2000,
		MinDistance:   0.02,
		Xi:            0.01,
		GridLevels:    3,
		MaxResample:   100,
	}
}

func (o Options) withDefaults() Options {
	def := DefaultOptions()
	if o.NInit <= 0 {
		o.NInit = def.NInit
	}
	if o.CandidatePool <= 0 {
		o.CandidatePool = def.CandidatePool
	}
	if o.MinDistance < 0 {
		o.MinDistance = 0
	}
	if o.GridLevels < 2 {
		o.GridLevels = def.GridLevels
	}
	if o.MaxResample <= 0 {
		o.MaxResample = def.MaxResample
	}
	return o
}

// Factory 创建优化器。
type Factory func(d *Domain, opts Options) (Optimizer, error)

var (
	factories   = make(map[string]Factory)
	factoriesMu sync.RWMutex
)

// Register 注册优化器实现，在 init 中调用。
func Register(name string, f Factory) {
	if name == "" || f == nil {
		return
	}
	factoriesMu.Lock()
	defer factoriesMu.Unlock()
	factories[name] = f
}

// Backends 返回已注册的优化器名称（排序）。
func Backends() []string {
	factoriesMu.RLock()
	defer factoriesMu.RUnlock()
	names := make([]string, 0, len(factories))
	for n := range factories {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// NewOptimizer 按名称创建优化器。
func NewOptimizer(name string, d *Domain, opts Options) (Optimizer, error) {
	factoriesMu.RLock()
	f, ok := factories[name]
	factoriesMu.RUnlock()
	if !ok {
		return nil, core.InvalidInput(core.ModuleSearch, fmt.Sprintf("unknown optimizer %q (supported: %v)", name, Backends()))
	}
	return f(d, opts.withDefaults())
}

func init() {
	Register("bayes", func(d *Domain, o Options) (Optimizer, error) { return NewBayes(d, o), nil })
	Register("random", func(d *Domain, o Options) (Optimizer, error) { return NewRandom(d, o), nil })
	Register("grid", func(d *Domain, o Options) (Optimizer, error) { return NewGrid(d, o), nil })
}
