package main

import (
	"sort"
	"time"

	"github.com/spf13/cobra"

	"github.com/rendis/jobflow/internal/loader"
	"github.com/rendis/jobflow/internal/scheduler"
)

func newScheduleCmd(appFn func() *app, outputFn func() *Output) *cobra.Command {
	var (
		dir      string
		interval time.Duration
	)

	cmd := &cobra.Command{
		Use:   "schedule",
		Short: "Fire the cron triggers of a workflow directory",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a := appFn()
			ctx := cmd.Context()
			if dir == "" {
				dir = a.cfg.WorkflowDir
			}

			entries, err := loader.LoadDir(dir)
			if err != nil {
				return err
			}
			eng, err := a.engine(ctx, true, nil)
			if err != nil {
				return err
			}

			opts := []scheduler.Option{scheduler.WithInterval(interval)}
			st, err := a.openStore(ctx)
			if err != nil {
				return err
			}
			if st != nil {
				opts = append(opts, scheduler.WithRunSaver(st))
			}
			s := scheduler.NewScheduler(eng, a.logger, opts...)

			for _, e := range entries {
				if len(e.Workflow.Schedule) == 0 {
					continue
				}
				if _, err := a.check(e.Workflow); err != nil {
					a.logger.Error("workflow not scheduled", "path", e.Path, "error", err)
					continue
				}
				if err := s.Add(e.Workflow); err != nil {
					a.logger.Error("workflow not scheduled", "path", e.Path, "error", err)
				}
			}

			next := s.Next()
			keys := make([]string, 0, len(next))
			for k := range next {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			rows := make([][]string, 0, len(keys))
			for _, k := range keys {
				rows = append(rows, []string{k, next[k].Format(time.RFC3339)})
			}
			outputFn().Print([]string{"TRIGGER", "NEXT"}, rows, next)
			if len(keys) == 0 {
				a.logger.Warn("no scheduled workflows", "dir", dir)
			}

			a.serveMetrics(ctx)
			if err := s.Start(ctx); err != nil {
				return err
			}
			<-ctx.Done()
			return s.Stop()
		},
	}

	cmd.Flags().StringVar(&dir, "dir", "", "Workflow directory (default: workflow_dir)")
	cmd.Flags().DurationVar(&interval, "interval", scheduler.DefaultInterval, "How often due triggers are checked")
	return cmd
}
