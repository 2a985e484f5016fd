package cli

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/rushteam/recalltune/core"
	"github.com/rushteam/recalltune/logging"
	"github.com/rushteam/recalltune/report"
	"github.com/rushteam/recalltune/search"
	"github.com/rushteam/recalltune/store"
)

// SearchOptions search 命令选项
type SearchOptions struct {
	*RootOptions
	Optimizer  string
	NCalls     int
	TwoStage   bool
	ParamsOut  string
	ReportOut  string
	SkipVerify bool
}

// SearchSummary search 命令的输出
type SearchSummary struct {
	RunID      string            `json:"run_id"`
	Best       core.ParameterSet `json:"best"`
	BestScore  float64           `json:"best_score"`
	BestStage  string            `json:"best_stage,omitempty"`
	Successful int               `json:"successful"`
	Failed     int               `json:"failed"`
	ParamsPath string            `json:"params_path"`
	ReportPath string            `json:"report_path"`
}

func (s SearchSummary) Text() string {
	stage := ""
	if s.BestStage != "" {
		stage = " (" + s.BestStage + ")"
	}
	return fmt.Sprintf(`run:    %s
trials: %d ok, %d failed
best:   %.6f%s
params: %s
report: %s
`, s.RunID, s.Successful, s.Failed, s.BestScore, stage, s.ParamsPath, s.ReportPath)
}

// NewSearchCommand 搜索最优召回参数。
func NewSearchCommand(root *RootOptions) *cobra.Command {
	opts := &SearchOptions{RootOptions: root}

	cmd := &cobra.Command{
		Use:   "search",
		Short: "Search recall parameters that maximize the objective",
		Long: `Runs the propose -> evaluate -> update loop over the search domain.
Each trial is a full leave-one-out evaluation; failed trials are
recorded and the search continues. With --two-stage a coarse search
on the full domain is followed by a fine search around its best.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := opts.Config
			if cmd.Flags().Changed("optimizer") {
				cfg.Search.Optimizer = opts.Optimizer
			}
			if cmd.Flags().Changed("n-calls") {
				cfg.Search.NCalls = opts.NCalls
			}
			if cmd.Flags().Changed("two-stage") {
				cfg.Search.TwoStage.Enabled = opts.TwoStage
			}
			if err := cfg.Validate(); err != nil {
				return WrapExitError(ExitUsage, "invalid search options", err)
			}
			return runSearch(cmd, opts)
		},
	}

	cmd.Flags().StringVar(&opts.Optimizer, "optimizer", "", "optimizer backend (bayes|random|grid)")
	cmd.Flags().IntVarP(&opts.NCalls, "n-calls", "n", 0, "number of trials (single stage)")
	cmd.Flags().BoolVar(&opts.TwoStage, "two-stage", false, "coarse then fine search")
	cmd.Flags().StringVar(&opts.ParamsOut, "params-out", "", "best parameter YAML (default <output.dir>/best_params.yaml)")
	cmd.Flags().StringVar(&opts.ReportOut, "report-out", "", "search report, .json or .yaml (default <output.dir>/search_report.json)")
	cmd.Flags().BoolVar(&opts.SkipVerify, "skip-verify", false, "do not re-evaluate the best parameters for the report")

	return cmd
}

func runSearch(cmd *cobra.Command, opts *SearchOptions) error {
	runID := logging.NewRunID()
	ctx := logging.WithRunID(cmd.Context(), runID)
	log := logging.Ctx(ctx)
	cfg := opts.Config

	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	ev, err := a.evaluator()
	if err != nil {
		return err
	}
	d, err := cfg.Domain()
	if err != nil {
		return WrapExitError(ExitUsage, "search domain", err)
	}

	base := search.Controller{
		Objective: ev.Score,
		Observer:  a.recorder,
		OnState: func(s search.State) {
			log.Trace().Stringer("state", s).Msg("search state")
		},
	}
	if cfg.Trials.Path != "" {
		tl, err := store.OpenTrialLog(ctx, cfg.Trials.Path)
		if err != nil {
			return fmt.Errorf("open trial log: %w", err)
		}
		defer tl.Close()
		base.Sink = &trialSink{log: tl, runID: runID}
	}

	rep := &report.SearchReport{
		RunID:     runID,
		Optimizer: cfg.Search.Optimizer,
		TwoStage:  cfg.Search.TwoStage.Enabled,
		Started:   time.Now().UTC(),
	}
	log.Info().
		Str("optimizer", cfg.Search.Optimizer).
		Bool("two_stage", rep.TwoStage).
		Int("params", len(d.Params)).
		Msg("search started")

	searchErr := runSearchLoop(ctx, cfg.Search.Optimizer, d, base, opts, rep)
	rep.Finished = time.Now().UTC()
	rep.Count()

	if searchErr != nil && !(errors.Is(searchErr, search.ErrNoSuccessfulTrial) && rep.Best != nil) {
		// 没有任何可用结果时仍写出报告，便于排查失败原因
		reportPath := a.outPath(opts.ReportOut, "search_report.json")
		if err := report.WriteFile(reportPath, rep); err != nil {
			log.Warn().Err(err).Msg("write search report failed")
		}
		return WrapExitError(ExitFailure, "search", searchErr)
	}
	if searchErr != nil {
		log.Warn().Err(searchErr).Msg("fine stage had no successful trial, keeping coarse best")
	}

	if !opts.SkipVerify {
		evRep, err := ev.Evaluate(ctx, rep.Best)
		if err != nil {
			return fmt.Errorf("evaluate best: %w", err)
		}
		rep.Evaluation = evRep
	}

	paramsPath := a.outPath(opts.ParamsOut, "best_params.yaml")
	if err := report.WriteParams(paramsPath, rep.Best); err != nil {
		return fmt.Errorf("write best params: %w", err)
	}
	reportPath := a.outPath(opts.ReportOut, "search_report.json")
	if err := report.WriteFile(reportPath, rep); err != nil {
		return fmt.Errorf("write search report: %w", err)
	}
	log.Info().
		Float64("best_score", rep.BestScore).
		Str("best", rep.Best.Canonical()).
		Int("successful", rep.Successful).
		Int("failed", rep.Failed).
		Msg("search finished")

	return opts.formatter(cmd).Success(SearchSummary{
		RunID:      runID,
		Best:       rep.Best,
		BestScore:  rep.BestScore,
		BestStage:  rep.BestStage,
		Successful: rep.Successful,
		Failed:     rep.Failed,
		ParamsPath: paramsPath,
		ReportPath: reportPath,
	})
}

// runSearchLoop 按配置执行单阶段或两阶段搜索，结果写入 rep。
func runSearchLoop(ctx context.Context, backend string, d *search.Domain, base search.Controller, opts *SearchOptions, rep *report.SearchReport) error {
	cfg := opts.Config
	if cfg.Search.TwoStage.Enabled {
		newOpt := func(d *search.Domain, stage string) (search.Optimizer, error) {
			return search.NewOptimizer(backend, d, cfg.Search.Options)
		}
		res, err := search.RunTwoStage(ctx, d, newOpt, base, cfg.TwoStageConfig())
		if res != nil {
			rep.Trials = res.History()
			rep.Best, rep.BestScore, rep.BestStage = res.Best, res.BestScore, res.BestStage
		}
		return err
	}

	opt, err := search.NewOptimizer(backend, d, cfg.Search.Options)
	if err != nil {
		return err
	}
	c := base
	c.Domain, c.Optimizer, c.Config = d, opt, cfg.ControllerConfig()
	res, err := c.Run(ctx)
	if res != nil {
		rep.Trials = res.History
		if res.Successful() > 0 {
			rep.Best, rep.BestScore = res.Best, res.BestScore
		}
	}
	return err
}
