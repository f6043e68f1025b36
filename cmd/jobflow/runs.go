package main

import (
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/rendis/jobflow/internal/store"
	"github.com/rendis/jobflow/pkg/schema"
)

func newRunsCmd(appFn func() *app, outputFn func() *Output) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "Inspect stored runs",
	}
	cmd.AddCommand(
		newRunsListCmd(appFn, outputFn),
		newRunsGetCmd(appFn, outputFn),
	)
	return cmd
}

func newRunsListCmd(appFn func() *app, outputFn func() *Output) *cobra.Command {
	var (
		workflow string
		status   string
		limit    int
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List runs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			st, err := appFn().requireStore(cmd.Context())
			if err != nil {
				return err
			}
			runs, err := st.ListRuns(cmd.Context(), store.RunFilter{
				Workflow: workflow,
				Status:   schema.Status(status),
				Limit:    limit,
			})
			if err != nil {
				return err
			}

			rows := make([][]string, len(runs))
			for i, r := range runs {
				rows[i] = []string{r.ID, r.Workflow, string(r.Status), r.StartedAt.Format(time.RFC3339), formatDuration(r.StartedAt, r.CompletedAt)}
			}
			outputFn().Print([]string{"ID", "WORKFLOW", "STATUS", "STARTED", "DURATION"}, rows, runs)
			return nil
		},
	}

	cmd.Flags().StringVar(&workflow, "workflow", "", "Filter by workflow name")
	cmd.Flags().StringVar(&status, "status", "", "Filter by status (SUCCESS, FAILED, SKIP, CANCEL)")
	cmd.Flags().IntVar(&limit, "limit", 20, "Maximum number of results")
	return cmd
}

func newRunsGetCmd(appFn func() *app, outputFn func() *Output) *cobra.Command {
	var events bool

	cmd := &cobra.Command{
		Use:   "get RUN_ID",
		Short: "Show a run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			st, err := appFn().requireStore(ctx)
			if err != nil {
				return err
			}
			o := outputFn()

			if events {
				states, err := store.NewEventLog(st).ReplayUnits(ctx, args[0])
				if err != nil {
					return err
				}
				timeline := store.Timeline(states)
				rows := make([][]string, len(timeline))
				for i, u := range timeline {
					msg := ""
					if u.Error != nil {
						msg = u.Error.Name + ": " + u.Error.Message
					}
					rows[i] = []string{string(u.Kind), u.UnitID, string(u.Status), strconv.FormatInt(u.DurationMs, 10), msg}
				}
				o.Print([]string{"KIND", "UNIT", "STATUS", "MS", "ERROR"}, rows, timeline)
				return nil
			}

			run, err := st.GetRun(ctx, args[0])
			if err != nil {
				return err
			}
			if run.Context == nil {
				o.JSON(run)
				return nil
			}
			o.Print([]string{"JOB", "STATUS", "ERROR"}, jobRows(run.Context), run)
			o.Line("run %s (%s): %s", run.ID, run.Workflow, run.Status)
			return nil
		},
	}

	cmd.Flags().BoolVar(&events, "events", false, "Show the unit transition timeline")
	return cmd
}
