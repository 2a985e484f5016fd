package metrics

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rushteam/recalltune/pipeline"
	"github.com/rushteam/recalltune/search"
)

func TestRecorder_ObserveTrial(t *testing.T) {
	r := NewRecorder()
	r.ObserveTrial(search.TrialResult{Stage: "coarse", Status: search.StatusSuccess, Score: 0.4, Duration: time.Second})
	r.ObserveTrial(search.TrialResult{Stage: "coarse", Status: search.StatusFailed, Score: search.FailedScore})
	r.ObserveTrial(search.TrialResult{Stage: "coarse", Status: search.StatusSuccess, Score: 0.3})
	r.ObserveTrial(search.TrialResult{Status: search.StatusSuccess, Score: 0.2})

	assert.Equal(t, 2.0, testutil.ToFloat64(r.trialsTotal.WithLabelValues("coarse", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.trialsTotal.WithLabelValues("coarse", "failed")))
	assert.Equal(t, 0.4, testutil.ToFloat64(r.bestScore.WithLabelValues("coarse")))
	assert.Equal(t, 0.2, testutil.ToFloat64(r.bestScore.WithLabelValues("single")))
}

func TestRecorder_ObserveStage(t *testing.T) {
	r := NewRecorder()
	r.ObserveStage(pipeline.KindGraph, "covisit", 10*time.Millisecond, false)
	r.ObserveStage(pipeline.KindGraph, "covisit", time.Millisecond, true)
	r.ObserveStage(pipeline.KindRecall, "repurchase", time.Millisecond, true)

	assert.Equal(t, 1.0, testutil.ToFloat64(r.stageTotal.WithLabelValues("graph", "covisit", "miss")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.stageTotal.WithLabelValues("graph", "covisit", "hit")))
	assert.Equal(t, 2, testutil.CollectAndCount(r.stageDuration))
}

func TestRecorder_WriteTextfile(t *testing.T) {
	r := NewRecorder()
	r.ObserveTrial(search.TrialResult{Stage: "fine", Status: search.StatusSuccess, Score: 0.5})

	path := filepath.Join(t.TempDir(), "recalltune.prom")
	require.NoError(t, r.WriteTextfile(path))
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `recalltune_search_best_score{stage="fine"} 0.5`)
	assert.Contains(t, string(data), `recalltune_search_trials_total{stage="fine",status="success"} 1`)
}
