package logging

import (
	"context"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

type contextKey string

const (
	runIDKey   contextKey = "run_id"
	trialIDKey contextKey = "trial_id"
)

// NewRunID 生成一次运行的 ID。
func NewRunID() string {
	return uuid.NewString()
}

// NewTrialID 生成试验 ID（取 UUID 前 8 位，便于阅读）。
func NewTrialID() string {
	return uuid.NewString()[:8]
}

// WithRunID 在 context 中记录 run_id。
func WithRunID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, runIDKey, id)
}

// WithTrialID 在 context 中记录 trial_id。
func WithTrialID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, trialIDKey, id)
}

// RunID 读取 run_id，没有则为空串。
func RunID(ctx context.Context) string {
	id, _ := ctx.Value(runIDKey).(string)
	return id
}

// TrialID 读取 trial_id，没有则为空串。
func TrialID(ctx context.Context) string {
	id, _ := ctx.Value(trialIDKey).(string)
	return id
}

// Ctx 返回带有 context 中 run_id / trial_id 字段的 logger。
func Ctx(ctx context.Context) *zerolog.Logger {
	l := Logger()
	zctx := l.With()
	if id := RunID(ctx); id != "" {
		zctx = zctx.Str("run_id", id)
	}
	if id := TrialID(ctx); id != "" {
		zctx = zctx.Str("trial_id", id)
	}
	out := zctx.Logger()
	return &out
}
