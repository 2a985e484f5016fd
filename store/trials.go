package store

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	_ "github.com/mattn/go-sqlite3"

	"github.com/rushteam/recalltune/core"
)

//go:embed schema.sql
var schemaSQL string

// TrialRecord 是试验记录表中的一行。
type TrialRecord struct {
	RunID     string
	Stage     string
	Index     int
	TrialID   string
	Params    core.ParameterSet
	Score     float64
	Metrics   map[string]float64
	Status    string
	Error     string
	Duration  time.Duration
	CreatedAt time.Time
}

// TrialLog 是基于 SQLite 的只追加试验记录，
// 中断的搜索可以据此查看历史和已知最优。
type TrialLog struct {
	db *sql.DB
}

// OpenTrialLog 打开（或创建）path 处的数据库。path 为 ":memory:" 时使用内存库。
//
// 连接配置：
//   - WAL 模式，写入时可并发读
//   - 单连接，避免 SQLITE_BUSY
//   - busy_timeout 5 秒
func OpenTrialLog(ctx context.Context, path string) (*TrialLog, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open trial log: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("connect trial log: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("execute %q: %w", pragma, err)
		}
	}
	if _, err := db.ExecContext(ctx, schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &TrialLog{db: db}, nil
}

func (t *TrialLog) Close() error {
	if t == nil || t.db == nil {
		return nil
	}
	return t.db.Close()
}

// Append 追加一条记录。同一 run 内 trial_id 重复时报错。
func (t *TrialLog) Append(ctx context.Context, rec TrialRecord) error {
	params, err := json.Marshal(rec.Params)
	if err != nil {
		return fmt.Errorf("encode params: %w", err)
	}
	metrics, err := json.Marshal(rec.Metrics)
	if err != nil {
		return fmt.Errorf("encode metrics: %w", err)
	}
	created := rec.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}
	_, err = t.db.ExecContext(ctx, `
		INSERT INTO trials (run_id, stage, trial_index, trial_id, params, score, metrics, status, error, duration_ms, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.RunID, rec.Stage, rec.Index, rec.TrialID, string(params), rec.Score, string(metrics),
		rec.Status, rec.Error, rec.Duration.Milliseconds(), created.UnixMilli())
	if err != nil {
		return fmt.Errorf("insert trial %s: %w", rec.TrialID, err)
	}
	return nil
}

const trialColumns = `run_id, stage, trial_index, trial_id, params, score, metrics, status, error, duration_ms, created_at`

// List 按追加顺序返回 run 的全部记录。
func (t *TrialLog) List(ctx context.Context, runID string) ([]TrialRecord, error) {
	rows, err := t.db.QueryContext(ctx,
		`SELECT `+trialColumns+` FROM trials WHERE run_id = ? ORDER BY seq`, runID)
	if err != nil {
		return nil, fmt.Errorf("query trials: %w", err)
	}
	defer rows.Close()

	var out []TrialRecord
	for rows.Next() {
		rec, err := scanTrial(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Best 返回 run 中分数最高的成功试验；没有时返回 ErrStoreNotFound。
func (t *TrialLog) Best(ctx context.Context, runID string) (TrialRecord, error) {
	row := t.db.QueryRowContext(ctx,
		`SELECT `+trialColumns+` FROM trials WHERE run_id = ? AND status = 'success'
		 ORDER BY score DESC, seq ASC LIMIT 1`, runID)
	rec, err := scanTrial(row)
	if err == sql.ErrNoRows {
		return TrialRecord{}, core.ErrStoreNotFound
	}
	return rec, err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanTrial(s scanner) (TrialRecord, error) {
	var (
		rec             TrialRecord
		params, metrics string
		durMs, created  int64
	)
	err := s.Scan(&rec.RunID, &rec.Stage, &rec.Index, &rec.TrialID, &params, &rec.Score, &metrics,
		&rec.Status, &rec.Error, &durMs, &created)
	if err != nil {
		return TrialRecord{}, err
	}
	if err := json.Unmarshal([]byte(params), &rec.Params); err != nil {
		return TrialRecord{}, fmt.Errorf("decode params of %s: %w", rec.TrialID, err)
	}
	if err := json.Unmarshal([]byte(metrics), &rec.Metrics); err != nil {
		return TrialRecord{}, fmt.Errorf("decode metrics of %s: %w", rec.TrialID, err)
	}
	rec.Duration = time.Duration(durMs) * time.Millisecond
	rec.CreatedAt = time.UnixMilli(created)
	return rec, nil
}
