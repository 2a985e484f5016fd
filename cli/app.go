package cli

import (
	"context"
	"fmt"
	"path/filepath"
	"slices"

	"github.com/rushteam/recalltune/config"
	_ "github.com/rushteam/recalltune/config/builders"
	"github.com/rushteam/recalltune/core"
	"github.com/rushteam/recalltune/dataset"
	"github.com/rushteam/recalltune/eval"
	"github.com/rushteam/recalltune/feast"
	"github.com/rushteam/recalltune/logging"
	"github.com/rushteam/recalltune/metrics"
	"github.com/rushteam/recalltune/pipeline"
	"github.com/rushteam/recalltune/report"
	"github.com/rushteam/recalltune/store"
)

// app 是一次命令运行需要的全部组件。
type app struct {
	cfg      *config.AppConfig
	log      *dataset.Log
	attrs    core.AttributeSet
	cache    core.KeyValueStore
	pipe     *pipeline.Pipeline
	recorder *metrics.Recorder
}

// newApp 加载数据、属性，创建缓存并构建流水线。
func newApp(ctx context.Context, cfg *config.AppConfig) (*app, error) {
	if cfg.Data.Interactions == "" {
		return nil, core.InvalidInput(core.ModuleConfig, "data.interactions is required")
	}
	l := logging.Ctx(ctx)

	log, err := dataset.Prepare(ctx, cfg.Data.Interactions, cfg.RunConfig())
	if err != nil {
		return nil, fmt.Errorf("load interactions: %w", err)
	}
	l.Info().
		Int("users", log.NumUsers()).
		Int("items", log.NumItems()).
		Int("interactions", log.Len()).
		Msg("interactions loaded")

	attrs, err := loadAttributes(ctx, cfg, log)
	if err != nil {
		return nil, err
	}

	cache, err := storeCache(ctx, cfg)
	if err != nil {
		return nil, err
	}

	builders, weights, err := cfg.Pipeline.Build(config.DefaultFactory(), pipeline.Deps{Cache: cache})
	if err != nil {
		closeCache(cache)
		return nil, fmt.Errorf("build pipeline: %w", err)
	}
	base, err := cfg.BaseParams()
	if err != nil {
		closeCache(cache)
		return nil, err
	}
	timeout, _ := cfg.Pipeline.ChannelTimeout()

	recorder := metrics.NewRecorder()
	pipe := &pipeline.Pipeline{
		Name:          cfg.Pipeline.Name,
		Builders:      builders,
		Weights:       weights,
		Base:          base,
		Run:           cfg.RunConfig(),
		Timeout:       timeout,
		MaxConcurrent: cfg.Pipeline.MaxConcurrent,
		Observer:      recorder,
	}
	if cache != nil {
		pipe.Checkpoint = &pipeline.Checkpoint{Store: cache}
	}

	return &app{
		cfg:      cfg,
		log:      log,
		attrs:    attrs,
		cache:    cache,
		pipe:     pipe,
		recorder: recorder,
	}, nil
}

// loadAttributes 读取属性文件，启用 Feast 时再用在线特征覆盖。
func loadAttributes(ctx context.Context, cfg *config.AppConfig, log *dataset.Log) (core.AttributeSet, error) {
	attrs, err := dataset.LoadAttributes(ctx, cfg.Data.Attributes)
	if err != nil {
		return nil, fmt.Errorf("load attributes: %w", err)
	}
	src, err := feast.Open(cfg.Feast)
	if err != nil {
		return nil, err
	}
	if src == nil {
		return attrs, nil
	}
	defer src.Close()
	return src.Enrich(ctx, itemIDs(log), attrs)
}

func storeCache(ctx context.Context, cfg *config.AppConfig) (core.KeyValueStore, error) {
	cache, err := store.NewCache(ctx, cfg.Cache)
	if err != nil {
		return nil, fmt.Errorf("open cache: %w", err)
	}
	return cache, nil
}

func closeCache(cache core.KeyValueStore) {
	if cache != nil {
		_ = cache.Close()
	}
}

// itemIDs 返回日志中出现过的物品，升序。
func itemIDs(log *dataset.Log) []int64 {
	seen := make(map[int64]struct{}, log.NumItems())
	out := make([]int64, 0, log.NumItems())
	for _, u := range log.Users() {
		for _, e := range log.Events(u) {
			if _, ok := seen[e.ItemID]; ok {
				continue
			}
			seen[e.ItemID] = struct{}{}
			out = append(out, e.ItemID)
		}
	}
	slices.Sort(out)
	return out
}

// Close 释放缓存并写出指标文件。
func (a *app) Close() error {
	if path := a.cfg.Metrics.TextfilePath; path != "" {
		if err := a.recorder.WriteTextfile(path); err != nil {
			logging.Component("cli").Warn().Err(err).Str("path", path).Msg("write metrics textfile failed")
		}
	}
	if a.cache != nil {
		return a.cache.Close()
	}
	return nil
}

// evaluator 在当前日志上创建留一法评估器。
func (a *app) evaluator() (*eval.Evaluator, error) {
	obj, err := a.cfg.NewObjective()
	if err != nil {
		return nil, err
	}
	return eval.New(a.log, a.attrs, a.pipe, a.cfg.Objective.Ks, obj)
}

// params 返回配置中的固定参数，path 非空时用文件内容覆盖。
func (a *app) params(path string) (core.ParameterSet, error) {
	ps := a.cfg.Params.Clone()
	if path == "" {
		return ps, nil
	}
	fromFile, err := report.ReadParams(path)
	if err != nil {
		return nil, WrapExitError(ExitUsage, "read params", err)
	}
	return ps.With(fromFile), nil
}

// outPath 为空时落在 output.dir 下。
func (a *app) outPath(path, name string) string {
	if path != "" {
		return path
	}
	return filepath.Join(a.cfg.Output.Dir, name)
}
