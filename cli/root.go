// Package cli 实现 recalltune 命令行：recall / evaluate / search / validate / trials。
package cli

import (
	"context"
	"fmt"
	"io"
	"slices"

	"github.com/spf13/cobra"

	"github.com/rushteam/recalltune/config"
	"github.com/rushteam/recalltune/logging"
)

// ValidFormats 支持的输出格式
var ValidFormats = []string{"text", "json"}

// RootOptions 全局选项，子命令共享。
type RootOptions struct {
	ConfigPath string
	Verbose    bool
	Format     string

	// Config 在 PersistentPreRunE 中加载
	Config *config.AppConfig
}

// NewRootCommand 创建根命令。
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "recalltune",
		Short: "Multi-channel candidate recall with parameter search",
		Long: `recalltune builds per-user candidate lists from interaction logs
(repurchase, co-visitation, personalized and global popularity),
evaluates them with leave-one-out and tunes the recall parameters.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return opts.setup()
		},
	}

	cmd.PersistentFlags().StringVarP(&opts.ConfigPath, "config", "c", "", "config file (YAML)")
	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "debug logging")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (text|json)")

	cmd.AddCommand(NewRecallCommand(opts))
	cmd.AddCommand(NewEvaluateCommand(opts))
	cmd.AddCommand(NewSearchCommand(opts))
	cmd.AddCommand(NewValidateCommand(opts))
	cmd.AddCommand(NewTrialsCommand(opts))

	return cmd
}

// setup 校验全局选项、加载配置并初始化日志。
func (o *RootOptions) setup() error {
	if !slices.Contains(ValidFormats, o.Format) {
		return WrapExitError(ExitUsage, "invalid --format",
			fmt.Errorf("%q (supported: %v)", o.Format, ValidFormats))
	}
	cfg, err := config.Load(o.ConfigPath)
	if err != nil {
		return WrapExitError(ExitUsage, "load config", err)
	}
	if o.Verbose {
		cfg.Log.Level = "debug"
	}
	logging.Init(cfg.Log)
	o.Config = cfg
	return nil
}

func (o *RootOptions) formatter(cmd *cobra.Command) *Formatter {
	return &Formatter{Format: o.Format, Writer: cmd.OutOrStdout()}
}

// Execute 运行命令并返回退出码。错误按 --format 写到 stderr。
func Execute(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	cmd := NewRootCommand()
	cmd.SetArgs(args)
	cmd.SetOut(stdout)
	cmd.SetErr(stderr)

	err := cmd.ExecuteContext(ctx)
	if err == nil {
		return ExitSuccess
	}
	format, _ := cmd.PersistentFlags().GetString("format")
	if !slices.Contains(ValidFormats, format) {
		format = "text"
	}
	f := &Formatter{Format: format, Writer: stderr}
	_ = f.Error(err)
	return ExitCode(err)
}
