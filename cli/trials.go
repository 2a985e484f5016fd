package cli

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/rushteam/recalltune/core"
	"github.com/rushteam/recalltune/search"
	"github.com/rushteam/recalltune/store"
)

// trialSink 把试验结果追加到 SQLite 试验记录。
type trialSink struct {
	log   *store.TrialLog
	runID string
}

func (s *trialSink) Record(ctx context.Context, t search.TrialResult) error {
	return s.log.Append(ctx, trialRecord(s.runID, t))
}

func trialRecord(runID string, t search.TrialResult) store.TrialRecord {
	return store.TrialRecord{
		RunID:     runID,
		Stage:     t.Stage,
		Index:     t.Index,
		TrialID:   t.ID,
		Params:    t.Params,
		Score:     t.Score,
		Metrics:   t.Metrics,
		Status:    string(t.Status),
		Error:     t.Err,
		Duration:  t.Duration,
		CreatedAt: time.Now().UTC(),
	}
}

var _ search.Sink = (*trialSink)(nil)

// TrialsOptions trials 命令选项
type TrialsOptions struct {
	*RootOptions
	DB string
}

// TrialsSummary trials 命令的输出
type TrialsSummary struct {
	RunID  string              `json:"run_id"`
	Trials []store.TrialRecord `json:"trials"`
	Best   *store.TrialRecord  `json:"best,omitempty"`
}

func (s TrialsSummary) Text() string {
	var b strings.Builder
	fmt.Fprintf(&b, "run %s: %d trials\n", s.RunID, len(s.Trials))
	for _, t := range s.Trials {
		stage := t.Stage
		if stage == "" {
			stage = "-"
		}
		fmt.Fprintf(&b, "%4d %-6s %-8s %-7s %9.6f  %s\n",
			t.Index, stage, t.TrialID, t.Status, t.Score, t.Params.Canonical())
	}
	if s.Best != nil {
		fmt.Fprintf(&b, "best: %s %.6f %s\n", s.Best.TrialID, s.Best.Score, s.Best.Params.Canonical())
	}
	return b.String()
}

// NewTrialsCommand 查看某次搜索记录下来的试验，搜索中断后也可用。
func NewTrialsCommand(root *RootOptions) *cobra.Command {
	opts := &TrialsOptions{RootOptions: root}

	cmd := &cobra.Command{
		Use:           "trials <run-id>",
		Short:         "List the recorded trials of a search run",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTrials(cmd, opts, args[0])
		},
	}

	cmd.Flags().StringVar(&opts.DB, "db", "", "trial database (default trials.path from config)")

	return cmd
}

func runTrials(cmd *cobra.Command, opts *TrialsOptions, runID string) error {
	ctx := cmd.Context()
	path := opts.DB
	if path == "" {
		path = opts.Config.Trials.Path
	}
	if path == "" {
		return WrapExitError(ExitUsage, "trials", fmt.Errorf("no trial database: set --db or trials.path"))
	}

	tl, err := store.OpenTrialLog(ctx, path)
	if err != nil {
		return fmt.Errorf("open trial log: %w", err)
	}
	defer tl.Close()

	records, err := tl.List(ctx, runID)
	if err != nil {
		return err
	}
	out := TrialsSummary{RunID: runID, Trials: records}
	best, err := tl.Best(ctx, runID)
	switch {
	case err == nil:
		out.Best = &best
	case !core.IsNotFound(err):
		return err
	}
	return opts.formatter(cmd).Success(out)
}
