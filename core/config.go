package core

import (
	"fmt"
	"runtime"
	"time"
)

// DefaultSeed 是所有随机过程（采样、拉丁超立方、候选池）的默认种子。
const DefaultSeed = 42

// RunConfig 是一次运行的不可变配置，作为构造参数传给数据集与 Pipeline。
// 没有全局的 fast/dev 开关：调试时缩小 SampleFraction 或 MaxUsers 即可。
type RunConfig struct {
	// SampleFraction 用户抽样比例，(0, 1]；1 表示全量
	SampleFraction float64

	// MaxUsers 抽样后的用户上限，0 表示不限制
	MaxUsers int

	// Seed 随机种子
	Seed uint64

	// Cutoff 全局截止时间，非零时丢弃 >= Cutoff 的行为
	Cutoff time.Time

	// Workers 每个阶段的并发 worker 数，0 表示 GOMAXPROCS
	Workers int

	// BatchSize 每个 worker 批次的用户数
	BatchSize int
}

// DefaultRunConfig 返回全量、单种子的默认配置。
func DefaultRunConfig() RunConfig {
	return RunConfig{
		SampleFraction: 1,
		Seed:           DefaultSeed,
		BatchSize:      512,
	}
}

// Validate 校验取值范围。
func (c RunConfig) Validate() error {
	if c.SampleFraction <= 0 || c.SampleFraction > 1 {
		return InvalidInput(ModuleDataset, fmt.Sprintf("sample_fraction must be in (0,1], got %v", c.SampleFraction))
	}
	if c.MaxUsers < 0 {
		return InvalidInput(ModuleDataset, "max_users must be >= 0")
	}
	if c.Workers < 0 || c.BatchSize < 0 {
		return InvalidInput(ModuleDataset, "workers and batch_size must be >= 0")
	}
	return nil
}

// EffectiveWorkers 返回实际并发数。
func (c RunConfig) EffectiveWorkers() int {
	if c.Workers > 0 {
		return c.Workers
	}
	return runtime.GOMAXPROCS(0)
}

// EffectiveBatchSize 返回实际批大小。
func (c RunConfig) EffectiveBatchSize() int {
	if c.BatchSize > 0 {
		return c.BatchSize
	}
	return 512
}

// Sampled 是否需要抽样。
func (c RunConfig) Sampled() bool {
	return c.SampleFraction < 1 || c.MaxUsers > 0
}
