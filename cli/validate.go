package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/rushteam/recalltune/eval"
	"github.com/rushteam/recalltune/logging"
)

// ValidateSummary validate 命令的输出
type ValidateSummary struct {
	Users        int      `json:"users"`
	Items        int      `json:"items"`
	Interactions int      `json:"interactions"`
	Attributes   int      `json:"attributes"`
	Evaluable    int      `json:"evaluable_users"`
	Skipped      int      `json:"skipped_users"`
	Channels     []string `json:"channels"`
}

func (s ValidateSummary) Text() string {
	return fmt.Sprintf(`interactions: %d (users %d, items %d)
attributes:   %d items
evaluable:    %d users (%d skipped with fewer than 2 interactions)
channels:     %v
ok
`, s.Interactions, s.Users, s.Items, s.Attributes, s.Evaluable, s.Skipped, s.Channels)
}

// NewValidateCommand 检查配置、数据和留一法前提，不跑召回。
func NewValidateCommand(root *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "validate",
		Short:         "Check config, data and the leave-one-out setup",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runValidate(cmd, root)
		},
	}
}

func runValidate(cmd *cobra.Command, opts *RootOptions) error {
	ctx := logging.WithRunID(cmd.Context(), logging.NewRunID())

	a, err := newApp(ctx, opts.Config)
	if err != nil {
		return err
	}
	defer a.Close()

	split, err := eval.ValidateSetup(a.log)
	if err != nil {
		return WrapExitError(ExitFailure, "validate", err)
	}
	if _, err := a.cfg.Domain(); err != nil {
		return WrapExitError(ExitUsage, "search domain", err)
	}

	channels := make([]string, 0, len(a.pipe.Builders))
	for _, b := range a.pipe.Builders {
		channels = append(channels, b.Channel().String())
	}
	return opts.formatter(cmd).Success(ValidateSummary{
		Users:        a.log.NumUsers(),
		Items:        a.log.NumItems(),
		Interactions: a.log.Len(),
		Attributes:   len(a.attrs),
		Evaluable:    len(split.Targets),
		Skipped:      split.Skipped,
		Channels:     channels,
	})
}
