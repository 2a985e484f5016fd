package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/rushteam/recalltune/logging"
	"github.com/rushteam/recalltune/pipeline"
	"github.com/rushteam/recalltune/report"
)

// RecallOptions recall 命令选项
type RecallOptions struct {
	*RootOptions
	ParamsPath string
	Out        string
}

// RecallSummary recall 命令的输出
type RecallSummary struct {
	Users      int    `json:"users"`
	Candidates int    `json:"candidates"`
	Path       string `json:"path"`
}

func (s RecallSummary) Text() string {
	return fmt.Sprintf("wrote %d candidates for %d users to %s\n", s.Candidates, s.Users, s.Path)
}

// NewRecallCommand 在完整日志上生成候选表。
func NewRecallCommand(root *RootOptions) *cobra.Command {
	opts := &RecallOptions{RootOptions: root}

	cmd := &cobra.Command{
		Use:   "recall",
		Short: "Build the candidate table for every user",
		Long: `Runs all configured channels on the full interaction log with the
given parameters and writes the merged candidate table as CSV:

  user_id,item_id,repurchase,covisit,personalized_pop,global_pop,final_score,rank`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRecall(cmd, opts)
		},
	}

	cmd.Flags().StringVarP(&opts.ParamsPath, "params", "p", "", "parameter file (YAML or JSON), overrides config params")
	cmd.Flags().StringVarP(&opts.Out, "out", "o", "", "candidate CSV path (default <output.dir>/candidates.csv)")

	return cmd
}

func runRecall(cmd *cobra.Command, opts *RecallOptions) error {
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
	out, err := a.pipe.Execute(ctx, pipeline.Input{Log: a.log, Attrs: a.attrs}, ps)
	if err != nil {
		return fmt.Errorf("recall: %w", err)
	}

	path := a.outPath(opts.Out, "candidates.csv")
	if err := report.WriteCandidatesFile(path, out.Candidates); err != nil {
		return fmt.Errorf("write candidates: %w", err)
	}
	logging.Ctx(ctx).Info().Str("path", path).Int("candidates", len(out.Candidates)).Msg("candidate table written")

	return opts.formatter(cmd).Success(RecallSummary{
		Users:      a.log.NumUsers(),
		Candidates: len(out.Candidates),
		Path:       path,
	})
}
