// Command jobflow runs, validates and schedules workflow definitions.
//
// Usage:
//
//	jobflow [global flags] <command> [flags]
//
// Commands:
//
//	run       Execute a workflow file
//	validate  Check a workflow file
//	plan      Print the job levels of a workflow
//	worker    Execute jobs handed off through AMQP
//	schedule  Fire the cron triggers of a workflow directory
//	runs      Inspect stored runs
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg, err := loadConfig(os.Getenv)
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(2)
	}

	if err := newRootCmd(&cfg).ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func newRootCmd(cfg *Config) *cobra.Command {
	var (
		a          *app
		jsonOutput bool
	)

	root := &cobra.Command{
		Use:           "jobflow",
		Short:         "jobflow workflow engine",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if err := cfg.validate(); err != nil {
				return err
			}
			a = newApp(*cfg, cmd.OutOrStdout(), cmd.ErrOrStderr())
			return nil
		},
		PersistentPostRun: func(*cobra.Command, []string) {
			if a != nil {
				a.Close()
			}
		},
	}
	bindFlags(root.PersistentFlags(), cfg)
	root.PersistentFlags().BoolVar(&jsonOutput, "json", false, "Output in JSON format")

	appFn := func() *app { return a }
	outputFn := func() *Output { return NewOutput(a.out, jsonOutput) }

	root.AddCommand(
		newRunCmd(appFn, outputFn),
		newValidateCmd(appFn, outputFn),
		newPlanCmd(appFn, outputFn),
		newWorkerCmd(appFn),
		newScheduleCmd(appFn, outputFn),
		newRunsCmd(appFn, outputFn),
		newVersionCmd(),
	)
	return root
}
