// Package metrics 把试验与流水线阶段的统计导出为 Prometheus 指标。
// 离线任务没有常驻的 /metrics 端点，结束时写入 node_exporter textfile。
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/rushteam/recalltune/pipeline"
	"github.com/rushteam/recalltune/search"
)

const namespace = "recalltune"

// Config 指标配置
type Config struct {
	// TextfilePath 非空时在运行结束后写入该文件
	TextfilePath string `koanf:"textfile_path" yaml:"textfile_path"`
}

// Recorder 持有独立的 Registry，同时实现 search.TrialObserver 和 pipeline.Observer。
type Recorder struct {
	registry *prometheus.Registry

	trialsTotal   *prometheus.CounterVec
	trialDuration *prometheus.HistogramVec
	bestScore     *prometheus.GaugeVec
	stageDuration *prometheus.HistogramVec
	stageTotal    *prometheus.CounterVec

	mu   sync.Mutex
	best map[string]float64
}

// NewRecorder 创建 Recorder。
func NewRecorder() *Recorder {
	r := &Recorder{
		registry: prometheus.NewRegistry(),
		best:     make(map[string]float64),
		trialsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "search",
				Name:      "trials_total",
				Help:      "Completed trials by stage and status.",
			},
			[]string{"stage", "status"},
		),
		trialDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "search",
				Name:      "trial_duration_seconds",
				Help:      "Trial wall time in seconds.",
				Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120, 300, 600, 1800},
			},
			[]string{"stage"},
		),
		bestScore: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "search",
				Name:      "best_score",
				Help:      "Best objective score among successful trials.",
			},
			[]string{"stage"},
		),
		stageDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "pipeline",
				Name:      "stage_duration_seconds",
				Help:      "Pipeline stage wall time in seconds.",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"kind", "name"},
		),
		stageTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "pipeline",
				Name:      "stages_total",
				Help:      "Pipeline stage executions by checkpoint result.",
			},
			[]string{"kind", "name", "cache"},
		),
	}
	r.registry.MustRegister(r.trialsTotal, r.trialDuration, r.bestScore, r.stageDuration, r.stageTotal)
	return r
}

// Registry 返回底层 Registry。
func (r *Recorder) Registry() *prometheus.Registry { return r.registry }

func (r *Recorder) ObserveTrial(t search.TrialResult) {
	stage := t.Stage
	if stage == "" {
		stage = "single"
	}
	r.trialsTotal.WithLabelValues(stage, string(t.Status)).Inc()
	r.trialDuration.WithLabelValues(stage).Observe(t.Duration.Seconds())
	if !t.OK() {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.best[stage]; !ok || t.Score > cur {
		r.best[stage] = t.Score
		r.bestScore.WithLabelValues(stage).Set(t.Score)
	}
}

func (r *Recorder) ObserveStage(kind pipeline.Kind, name string, took time.Duration, cached bool) {
	cache := "miss"
	if cached {
		cache = "hit"
	}
	r.stageTotal.WithLabelValues(string(kind), name, cache).Inc()
	r.stageDuration.WithLabelValues(string(kind), name).Observe(took.Seconds())
}

// WriteTextfile 以 textfile collector 格式写出全部指标（原子替换）。
func (r *Recorder) WriteTextfile(path string) error {
	return prometheus.WriteToTextfile(path, r.registry)
}

var (
	_ search.TrialObserver = (*Recorder)(nil)
	_ pipeline.Observer    = (*Recorder)(nil)
)
