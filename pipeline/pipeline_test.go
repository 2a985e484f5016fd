package pipeline

import (
	"context"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rushteam/recalltune/core"
	"github.com/rushteam/recalltune/dataset"
	"github.com/rushteam/recalltune/recall"
	"github.com/rushteam/recalltune/store"
)

func day(d int) time.Time {
	return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC).AddDate(0, 0, d)
}

func testLog() *dataset.Log {
	var rows []core.Interaction
	for u := int64(1); u <= 6; u++ {
		for i := 0; i < 5; i++ {
			rows = append(rows, core.Interaction{UserID: u, ItemID: (u + int64(i)) % 7, Time: day(i)})
		}
	}
	return dataset.NewLog(rows)
}

type countingBuilder struct {
	recall.Builder
	calls atomic.Int32
}

func (c *countingBuilder) Build(ctx context.Context, in *recall.Input) (*recall.Result, error) {
	c.calls.Add(1)
	return c.Builder.Build(ctx, in)
}

type stageRecorder struct {
	hits atomic.Int32
}

func (s *stageRecorder) ObserveStage(_ Kind, _ string, _ time.Duration, cached bool) {
	if cached {
		s.hits.Add(1)
	}
}

func newPipe(cp *Checkpoint, builders ...recall.Builder) *Pipeline {
	return &Pipeline{
		Name:       "test",
		Builders:   builders,
		Weights:    core.ChannelWeights{1, 1, 1, 0.1},
		Base:       recall.DefaultParams(),
		Run:        core.DefaultRunConfig(),
		Checkpoint: cp,
	}
}

func TestPipeline_CheckpointReuse(t *testing.T) {
	ms := store.NewMemoryStore()
	defer ms.Close()

	cov := &countingBuilder{Builder: &recall.Covisit{}}
	rep := &countingBuilder{Builder: &recall.Repurchase{}}
	rec := &stageRecorder{}
	p := newPipe(&Checkpoint{Store: ms}, cov, rep, &recall.Hot{})
	p.Observer = rec
	in := Input{Log: testLog()}
	ctx := context.Background()

	first, err := p.Execute(ctx, in, core.ParameterSet{recall.ParamTauDays: 7.0})
	require.NoError(t, err)

	// 只改复购参数：共现通道命中缓存，复购重新计算
	second, err := p.Execute(ctx, in, core.ParameterSet{recall.ParamTauDays: 3.0})
	require.NoError(t, err)
	assert.Equal(t, int32(1), cov.calls.Load())
	assert.Equal(t, int32(2), rep.calls.Load())
	assert.GreaterOrEqual(t, rec.hits.Load(), int32(2), "graph and covisit channel should hit")
	assert.NotEqual(t, first.Candidates, second.Candidates)

	// 与不带缓存的结果完全一致
	plain := newPipe(nil, &recall.Covisit{}, &recall.Repurchase{}, &recall.Hot{})
	ref, err := plain.Execute(ctx, in, core.ParameterSet{recall.ParamTauDays: 3.0})
	require.NoError(t, err)
	assert.Equal(t, ref.Candidates, second.Candidates)
}

func TestPipeline_CapAndFinalScore(t *testing.T) {
	p := newPipe(nil, &recall.Repurchase{}, &recall.Covisit{}, &recall.Hot{})
	out, err := p.Execute(context.Background(), Input{Log: testLog()}, core.ParameterSet{recall.ParamRecallCap: 4})
	require.NoError(t, err)
	for u, cands := range recall.GroupByUser(out.Candidates) {
		assert.LessOrEqual(t, len(cands), 4, "user %d", u)
		for _, c := range cands {
			assert.InDelta(t, c.Scores.Weighted(p.Weights), c.FinalScore, 1e-12)
		}
	}
}

func TestPipeline_EmptyLog(t *testing.T) {
	p := newPipe(nil, &recall.Hot{})
	_, err := p.Execute(context.Background(), Input{Log: dataset.NewLog(nil)}, nil)
	assert.True(t, core.IsInvalidInput(err))
}

func TestInputFingerprint(t *testing.T) {
	l := testLog()
	a := InputFingerprint(l, nil, nil)
	assert.Equal(t, a, InputFingerprint(l, nil, nil))
	assert.NotEqual(t, a, InputFingerprint(l, nil, map[int64]time.Time{1: day(3)}))
	assert.NotEqual(t, a, InputFingerprint(l, core.AttributeSet{1: {ItemID: 1, CategoryID: 2, HasCategory: true}}, nil))
}

func testFactory() *ChannelFactory {
	f := NewChannelFactory()
	f.Register("recall.repurchase", func(map[string]any, Deps) (recall.Builder, error) { return &recall.Repurchase{}, nil })
	f.Register("recall.hot", func(_ map[string]any, d Deps) (recall.Builder, error) { return &recall.Hot{Store: d.Cache}, nil })
	return f
}

func TestSpec_Build(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "pipeline.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
pipeline:
  name: demo
  timeout: 30s
  channels:
    - type: recall.repurchase
      weight: 1
    - type: recall.hot
      weight: 0.25
`), 0o644))

	cfg, err := LoadFromYAML(path)
	require.NoError(t, err)
	assert.Equal(t, "demo", cfg.Pipeline.Name)

	builders, w, err := cfg.Pipeline.Build(testFactory(), Deps{})
	require.NoError(t, err)
	assert.Len(t, builders, 2)
	assert.Equal(t, 0.25, w[core.ChannelGlobalPop])
	assert.Equal(t, 0.0, w[core.ChannelCovisit])

	d, err := cfg.Pipeline.ChannelTimeout()
	require.NoError(t, err)
	assert.Equal(t, 30*time.Second, d)
}

func TestSpec_BuildErrors(t *testing.T) {
	one := 1.0
	tests := []struct {
		name     string
		channels []ChannelConfig
	}{
		{"empty", nil},
		{"unknown type", []ChannelConfig{{Type: "recall.ann", Weight: &one}}},
		{"missing weight", []ChannelConfig{{Type: "recall.hot"}}},
		{"duplicate", []ChannelConfig{{Type: "recall.hot", Weight: &one}, {Type: "recall.hot", Weight: &one}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := &Spec{Channels: tt.channels}
			_, _, err := s.Build(testFactory(), Deps{})
			assert.True(t, core.IsInvalidInput(err), "err = %v", err)
		})
	}
}
