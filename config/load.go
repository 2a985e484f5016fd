// Package config 加载应用配置（默认值 -> YAML 文件 -> 环境变量），
// 并维护召回通道的注册表。
package config

import (
	"fmt"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"

	"github.com/rushteam/recalltune/core"
	"github.com/rushteam/recalltune/eval"
	"github.com/rushteam/recalltune/feast"
	"github.com/rushteam/recalltune/logging"
	"github.com/rushteam/recalltune/metrics"
	"github.com/rushteam/recalltune/pipeline"
	"github.com/rushteam/recalltune/recall"
	"github.com/rushteam/recalltune/search"
	"github.com/rushteam/recalltune/store"
)

// EnvPrefix 环境变量前缀，层级用双下划线分隔：RECALLTUNE_SEARCH__N_CALLS=60
const EnvPrefix = "RECALLTUNE_"

// AppConfig 是 recalltune 的完整配置。
type AppConfig struct {
	Log       logging.Config    `koanf:"log"`
	Data      DataConfig        `koanf:"data"`
	Run       RunSection        `koanf:"run"`
	Pipeline  pipeline.Spec     `koanf:"pipeline"`
	Params    core.ParameterSet `koanf:"params"`
	Objective ObjectiveConfig   `koanf:"objective"`
	Search    SearchConfig      `koanf:"search"`
	Cache     store.CacheConfig `koanf:"cache"`
	Feast     feast.Config      `koanf:"feast"`
	Trials    TrialsConfig      `koanf:"trials"`
	Metrics   metrics.Config    `koanf:"metrics"`
	Output    OutputConfig      `koanf:"output"`
}

// DataConfig 输入数据
type DataConfig struct {
	// Interactions 行为文件（.csv 或 .parquet）
	Interactions string `koanf:"interactions"`

	// Attributes 物品属性文件，可选
	Attributes string `koanf:"attributes"`

	// Cutoff 全局截止时间（RFC3339 或 2006-01-02），可选
	Cutoff string `koanf:"cutoff"`
}

// CutoffTime 解析 Cutoff，空串返回零值。
func (d DataConfig) CutoffTime() (time.Time, error) {
	if d.Cutoff == "" {
		return time.Time{}, nil
	}
	for _, layout := range []string{time.RFC3339, "2006-01-02 15:04:05", "2006-01-02"} {
		if t, err := time.Parse(layout, d.Cutoff); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, core.InvalidInput(core.ModuleConfig, fmt.Sprintf("invalid data.cutoff %q", d.Cutoff))
}

// RunSection 对应 core.RunConfig
type RunSection struct {
	SampleFraction float64 `koanf:"sample_fraction"`
	MaxUsers       int     `koanf:"max_users"`
	Seed           uint64  `koanf:"seed"`
	Workers        int     `koanf:"workers"`
	BatchSize      int     `koanf:"batch_size"`
}

// ObjectiveConfig 目标函数权重，如 {"hr@10": 0.5, "ndcg@10": 0.3, "coverage@50": 0.2}
type ObjectiveConfig struct {
	Weights map[string]float64 `koanf:"weights"`
	Ks      []int              `koanf:"ks"`
}

// SearchConfig 参数搜索
type SearchConfig struct {
	Optimizer string `koanf:"optimizer"` // bayes | random | grid

	// DomainFile 取值域 YAML，空时使用内置默认范围
	DomainFile string `koanf:"domain_file"`

	NCalls       int            `koanf:"n_calls"`
	BatchSize    int            `koanf:"batch_size"`
	TrialTimeout time.Duration  `koanf:"trial_timeout"`
	MaxResample  int            `koanf:"max_resample"`
	Options      search.Options `koanf:"options"`

	TwoStage TwoStageSection `koanf:"two_stage"`
}

// StageSection 单个阶段的试验预算
type StageSection struct {
	NCalls    int `koanf:"n_calls"`
	BatchSize int `koanf:"batch_size"`
}

// TwoStageSection 两阶段搜索
type TwoStageSection struct {
	Enabled         bool         `koanf:"enabled"`
	Coarse          StageSection `koanf:"coarse"`
	Fine            StageSection `koanf:"fine"`
	NarrowFraction  float64      `koanf:"narrow_fraction"`
	KeepCategorical bool         `koanf:"keep_categorical"`
}

// TrialsConfig 试验记录
type TrialsConfig struct {
	// Path SQLite 文件路径，空表示不持久化
	Path string `koanf:"path"`
}

// OutputConfig 产物目录
type OutputConfig struct {
	Dir string `koanf:"dir"`
}

// Default 返回默认配置。
func Default() *AppConfig {
	opts := search.DefaultOptions()
	return &AppConfig{
		Log: logging.Config{Level: "info", Format: "console"},
		Run: RunSection{
			SampleFraction: 1,
			Seed:           core.DefaultSeed,
			BatchSize:      512,
		},
		Objective: ObjectiveConfig{Ks: eval.DefaultKs},
		Search: SearchConfig{
			Optimizer:    "bayes",
			NCalls:       40,
			BatchSize:    1,
			TrialTimeout: 30 * time.Minute,
			MaxResample:  20,
			Options:      opts,
			TwoStage: TwoStageSection{
				Coarse:         StageSection{NCalls: 30, BatchSize: 1},
				Fine:           StageSection{NCalls: 20, BatchSize: 1},
				NarrowFraction: 0.3,
			},
		},
		Cache:  store.CacheConfig{Backend: "memory"},
		Feast:  feast.DefaultConfig(),
		Output: OutputConfig{Dir: "out"},
	}
}

// Load 依次加载默认值、path 指向的 YAML（可为空）和环境变量，然后校验。
// 通道权重和目标函数权重没有默认值，必须在配置中显式给出：
//
//	pipeline:
//	  channels:
//	    - {type: recall.repurchase, weight: 1.0}
//	    - {type: recall.covisit, weight: 1.0}
//	    - {type: recall.personal_pop, weight: 0.5}
//	    - {type: recall.hot, weight: 0.1}
//	objective:
//	  weights: {hr@50: 0.5, ndcg@50: 0.3, mrr@50: 0.2}
func Load(path string) (*AppConfig, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(Default(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}
	if path != "" {
		if _, err := os.Stat(path); err != nil {
			return nil, fmt.Errorf("config file: %w", err)
		}
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config file %s: %w", path, err)
		}
	}
	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("load environment: %w", err)
	}

	cfg := &AppConfig{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// envKey RECALLTUNE_SEARCH__N_CALLS -> search.n_calls
func envKey(s string) string {
	s = strings.TrimPrefix(s, EnvPrefix)
	return strings.ReplaceAll(strings.ToLower(s), "__", ".")
}

// Validate 校验取值范围与交叉约束。
func (c *AppConfig) Validate() error {
	if _, err := c.Data.CutoffTime(); err != nil {
		return err
	}
	if err := c.RunConfig().Validate(); err != nil {
		return err
	}
	if len(c.Pipeline.Channels) == 0 {
		return core.InvalidInput(core.ModuleConfig, "pipeline.channels is required, each channel with an explicit weight")
	}
	if len(c.Objective.Weights) == 0 {
		return core.InvalidInput(core.ModuleConfig, "objective.weights is required (metric@K -> weight, summing to 1)")
	}
	if err := ValidatePipelineConfig(&c.Pipeline); err != nil {
		return err
	}
	if _, err := c.Pipeline.ChannelTimeout(); err != nil {
		return err
	}
	if _, err := recall.ParamsFrom(recall.DefaultParams(), c.Params); err != nil {
		return err
	}
	if _, err := c.NewObjective(); err != nil {
		return err
	}
	if !slices.Contains(search.Backends(), c.Search.Optimizer) {
		return core.InvalidInput(core.ModuleConfig,
			fmt.Sprintf("unknown search.optimizer %q (supported: %v)", c.Search.Optimizer, search.Backends()))
	}
	if c.Search.NCalls <= 0 || c.Search.BatchSize < 0 || c.Search.TrialTimeout < 0 {
		return core.InvalidInput(core.ModuleConfig, "search.n_calls must be > 0, batch_size and trial_timeout >= 0")
	}
	if ts := c.Search.TwoStage; ts.Enabled {
		if ts.Coarse.NCalls <= 0 || ts.Fine.NCalls <= 0 {
			return core.InvalidInput(core.ModuleConfig, "two_stage coarse and fine n_calls must be > 0")
		}
		if !(ts.NarrowFraction > 0 && ts.NarrowFraction <= 1) {
			return core.InvalidInput(core.ModuleConfig, "two_stage.narrow_fraction must be in (0,1]")
		}
	}
	if err := c.Feast.Validate(); err != nil {
		return err
	}
	return nil
}

// RunConfig 转换为 core.RunConfig（含 cutoff）。
func (c *AppConfig) RunConfig() core.RunConfig {
	cutoff, _ := c.Data.CutoffTime()
	return core.RunConfig{
		SampleFraction: c.Run.SampleFraction,
		MaxUsers:       c.Run.MaxUsers,
		Seed:           c.Run.Seed,
		Cutoff:         cutoff,
		Workers:        c.Run.Workers,
		BatchSize:      c.Run.BatchSize,
	}
}

// NewObjective 按配置构造目标函数。
func (c *AppConfig) NewObjective() (*eval.Objective, error) {
	ks := c.Objective.Ks
	if len(ks) == 0 {
		ks = eval.DefaultKs
	}
	return eval.NewObjective(c.Objective.Weights, ks)
}

// Domain 加载取值域。
func (c *AppConfig) Domain() (*search.Domain, error) {
	if c.Search.DomainFile == "" {
		return search.DefaultDomain(), nil
	}
	return search.LoadDomain(c.Search.DomainFile)
}

// ControllerConfig 单阶段搜索的控制器配置。
func (c *AppConfig) ControllerConfig() search.Config {
	return search.Config{
		NCalls:       c.Search.NCalls,
		BatchSize:    c.Search.BatchSize,
		TrialTimeout: c.Search.TrialTimeout,
		MaxResample:  c.Search.MaxResample,
		Seed:         c.Search.Options.Seed,
	}
}

// TwoStageConfig 两阶段搜索配置。
func (c *AppConfig) TwoStageConfig() search.TwoStageConfig {
	stage := func(s StageSection) search.Config {
		cfg := c.ControllerConfig()
		cfg.NCalls, cfg.BatchSize = s.NCalls, s.BatchSize
		return cfg
	}
	return search.TwoStageConfig{
		Coarse:          stage(c.Search.TwoStage.Coarse),
		Fine:            stage(c.Search.TwoStage.Fine),
		NarrowFraction:  c.Search.TwoStage.NarrowFraction,
		KeepCategorical: c.Search.TwoStage.KeepCategorical,
	}
}

// BaseParams 固定参数覆盖默认参数后的结果。
func (c *AppConfig) BaseParams() (recall.Params, error) {
	return recall.ParamsFrom(recall.DefaultParams(), c.Params)
}
