package feast

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	feastsdk "github.com/feast-dev/feast/sdk/go"
	"golang.org/x/sync/errgroup"

	"github.com/rushteam/recalltune/core"
	"github.com/rushteam/recalltune/logging"
)

// AttributeSource 从 Feast 在线特征库批量读取物品属性。
type AttributeSource struct {
	fetcher Fetcher
	cfg     Config
}

// NewAttributeSource 用给定的 Fetcher 创建数据源，cfg 中的缺省项取默认值。
func NewAttributeSource(fetcher Fetcher, cfg Config) *AttributeSource {
	def := DefaultConfig()
	if cfg.EntityKey == "" {
		cfg.EntityKey = def.EntityKey
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = def.Concurrency
	}
	return &AttributeSource{fetcher: fetcher, cfg: cfg}
}

// Open 按配置连接 Feast；未启用时返回 nil, nil。
func Open(cfg Config) (*AttributeSource, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	f, err := NewGrpcFetcher(cfg)
	if err != nil {
		return nil, err
	}
	return NewAttributeSource(f, cfg), nil
}

// Load 查询 items 的属性。没有返回值（或值为零）的属性视为缺失。
func (s *AttributeSource) Load(ctx context.Context, items []int64) (core.AttributeSet, error) {
	log := logging.Ctx(ctx)
	start := time.Now()
	features := s.cfg.features()

	var batches [][]int64
	for lo := 0; lo < len(items); lo += s.cfg.BatchSize {
		batches = append(batches, items[lo:min(lo+s.cfg.BatchSize, len(items))])
	}
	parts := make([]core.AttributeSet, len(batches))

	eg, egCtx := errgroup.WithContext(ctx)
	eg.SetLimit(s.cfg.Concurrency)
	for i, batch := range batches {
		eg.Go(func() error {
			attrs, err := s.loadBatch(egCtx, features, batch)
			if err != nil {
				return err
			}
			parts[i] = attrs
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}

	out := make(core.AttributeSet, len(items))
	for _, p := range parts {
		for k, v := range p {
			out[k] = v
		}
	}
	log.Info().
		Int("items", len(items)).
		Int("found", len(out)).
		Int("batches", len(batches)).
		Dur("took", time.Since(start)).
		Msg("feast attributes loaded")
	return out, nil
}

func (s *AttributeSource) loadBatch(ctx context.Context, features []string, items []int64) (core.AttributeSet, error) {
	if s.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.Timeout)
		defer cancel()
	}
	entities := make([]feastsdk.Row, len(items))
	for i, id := range items {
		entities[i] = feastsdk.Row{s.cfg.EntityKey: feastsdk.Int64Val(id)}
	}
	rows, err := s.fetcher.Fetch(ctx, features, entities)
	if err != nil {
		return nil, err
	}
	if len(rows) != len(items) {
		return nil, core.NewDomainError(core.ModuleFeast, core.ErrorCodeInternalError,
			fmt.Sprintf("response row count mismatch: expected %d, got %d", len(items), len(rows)))
	}

	out := make(core.AttributeSet, len(items))
	for i, row := range rows {
		attr := core.ItemAttribute{ItemID: items[i]}
		if v, ok := lookup(row, s.cfg.CategoryFeature); ok {
			attr.CategoryID, attr.HasCategory = v, true
		}
		if v, ok := lookup(row, s.cfg.StoreFeature); ok {
			attr.StoreID, attr.HasStore = v, true
		}
		if attr.HasCategory || attr.HasStore {
			out[items[i]] = attr
		}
	}
	return out, nil
}

// Enrich 用 Feast 中查到的属性覆盖 base 中对应字段。
func (s *AttributeSource) Enrich(ctx context.Context, items []int64, base core.AttributeSet) (core.AttributeSet, error) {
	fetched, err := s.Load(ctx, items)
	if err != nil {
		return nil, err
	}
	return base.Merge(fetched), nil
}

// Close 释放底层连接。
func (s *AttributeSource) Close() error {
	if c, ok := s.fetcher.(interface{ Close() error }); ok {
		return c.Close()
	}
	return nil
}

// lookup 读取整数特征。响应中的特征名可能带 "table:" 前缀，也可能不带。
func lookup(row feastsdk.Row, feature string) (int64, bool) {
	if feature == "" {
		return 0, false
	}
	val, ok := row[feature]
	if !ok {
		_, short, found := strings.Cut(feature, ":")
		if !found {
			return 0, false
		}
		if val, ok = row[short]; !ok {
			return 0, false
		}
	}
	if val == nil {
		return 0, false
	}
	return toInt64(val)
}

// 生成的 protobuf Value 类型提供这些 getter，未设置的 oneof 分支返回零值。
type (
	int64Getter  interface{ GetInt64Val() int64 }
	int32Getter  interface{ GetInt32Val() int32 }
	stringGetter interface{ GetStringVal() string }
	doubleGetter interface{ GetDoubleVal() float64 }
)

func toInt64(val any) (int64, bool) {
	if g, ok := val.(int64Getter); ok {
		if v := g.GetInt64Val(); v != 0 {
			return v, true
		}
	}
	if g, ok := val.(int32Getter); ok {
		if v := g.GetInt32Val(); v != 0 {
			return int64(v), true
		}
	}
	if g, ok := val.(stringGetter); ok {
		if s := g.GetStringVal(); s != "" {
			v, err := strconv.ParseInt(s, 10, 64)
			return v, err == nil
		}
	}
	if g, ok := val.(doubleGetter); ok {
		if v := g.GetDoubleVal(); v != 0 {
			return int64(v), true
		}
	}
	return 0, false
}
