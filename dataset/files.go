package dataset

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/rushteam/recalltune/core"
)

// LoadInteractions 按扩展名加载行为表：.csv 或 .parquet。
func LoadInteractions(ctx context.Context, path string) ([]core.Interaction, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".parquet", ".pq":
		return ReadInteractionsParquet(ctx, path)
	case ".csv", ".txt":
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("open interactions: %w", err)
		}
		defer f.Close()
		return ReadInteractionsCSV(f)
	default:
		return nil, core.NewDomainError(core.ModuleDataset, core.ErrorCodeNotSupported,
			fmt.Sprintf("unsupported interaction file %s", path))
	}
}

// LoadAttributes 按扩展名加载属性表；path 为空时返回空表（属性是可选的）。
func LoadAttributes(ctx context.Context, path string) (core.AttributeSet, error) {
	if path == "" {
		return core.AttributeSet{}, nil
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".parquet", ".pq":
		return ReadAttributesParquet(ctx, path)
	case ".csv", ".txt":
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("open attributes: %w", err)
		}
		defer f.Close()
		return ReadAttributesCSV(f)
	default:
		return nil, core.NewDomainError(core.ModuleDataset, core.ErrorCodeNotSupported,
			fmt.Sprintf("unsupported attribute file %s", path))
	}
}

// Prepare 加载行为表并按 RunConfig 截断、抽样。
func Prepare(ctx context.Context, path string, cfg core.RunConfig) (*Log, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	rows, err := LoadInteractions(ctx, path)
	if err != nil {
		return nil, err
	}
	log := Truncate(NewLog(rows), cfg.Cutoff)
	return Sample(log, cfg), nil
}
