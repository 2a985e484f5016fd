package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/rushteam/recalltune/eval"
	"github.com/rushteam/recalltune/logging"
	"github.com/rushteam/recalltune/report"
)

// EvaluateOptions evaluate 命令选项
type EvaluateOptions struct {
	*RootOptions
	ParamsPath string
	Out        string
}

// EvaluateSummary evaluate 命令的输出
type EvaluateSummary struct {
	*eval.Report
	Path string `json:"path" yaml:"path"`
}

func (s EvaluateSummary) Text() string {
	var b strings.Builder
	fmt.Fprintf(&b, "score: %.6f\n", s.Score)
	fmt.Fprintf(&b, "users: %d evaluated, %d skipped, %d total\n", s.EvaluatedUsers, s.SkippedUsers, s.TotalUsers)
	fmt.Fprintf(&b, "candidates: %d (%.2f per user)\n", s.TotalCandidates, s.AvgCandidatesPerUser)
	for _, k := range eval.MetricKeys(s.Metrics) {
		fmt.Fprintf(&b, "  %-16s %.6f\n", k, s.Metrics[k])
	}
	fmt.Fprintf(&b, "report: %s\n", s.Path)
	return b.String()
}

// NewEvaluateCommand 用留一法评估一组参数。
func NewEvaluateCommand(root *RootOptions) *cobra.Command {
	opts := &EvaluateOptions{RootOptions: root}

	cmd := &cobra.Command{
		Use:   "evaluate",
		Short: "Evaluate one parameter set with leave-one-out",
		Long: `Holds out the last interaction of every user with at least two
interactions, rebuilds all channels on the remaining log and reports
hit rate, NDCG, MRR, category diversity and coverage at each K.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runEvaluate(cmd, opts)
		},
	}

	cmd.Flags().StringVarP(&opts.ParamsPath, "params", "p", "", "parameter file (YAML or JSON), overrides config params")
	cmd.Flags().StringVarP(&opts.Out, "out", "o", "", "report path, .json or .yaml (default <output.dir>/evaluation.json)")

	return cmd
}

func runEvaluate(cmd *cobra.Command, opts *EvaluateOptions) error {
	ctx := logging.WithRunID(cmd.Context(), logging.NewRunID())

	a, err := newApp(ctx, opts.Config)
	if err != nil {
		return err
	}
	defer a.Close()

	ps, err := a.params(opts.ParamsPath)
	if err != nil {
		return err
	}
	ev, err := a.evaluator()
	if err != nil {
		return err
	}
	rep, err := ev.Evaluate(ctx, ps)
	if err != nil {
		return fmt.Errorf("evaluate: %w", err)
	}

	path := a.outPath(opts.Out, "evaluation.json")
	if err := report.WriteFile(path, rep); err != nil {
		return fmt.Errorf("write report: %w", err)
	}
	logging.Ctx(ctx).Info().Float64("score", rep.Score).Str("path", path).Msg("evaluation written")

	return opts.formatter(cmd).Success(EvaluateSummary{Report: rep, Path: path})
}
