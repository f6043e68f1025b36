package main

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/rendis/jobflow/internal/diagram"
	"github.com/rendis/jobflow/internal/engine"
	"github.com/rendis/jobflow/internal/loader"
	"github.com/rendis/jobflow/internal/store"
	"github.com/rendis/jobflow/internal/streaming"
	"github.com/rendis/jobflow/pkg/schema"
)

func newRunCmd(appFn func() *app, outputFn func() *Output) *cobra.Command {
	var (
		pairs      []string
		paramsFile string
		runID      string
		follow     bool
	)

	cmd := &cobra.Command{
		Use:   "run FILE",
		Short: "Execute a workflow file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a := appFn()
			ctx := cmd.Context()

			wf, err := loader.LoadFile(args[0])
			if err != nil {
				return err
			}
			if _, err := a.check(wf); err != nil {
				return err
			}
			params, err := parseParams(paramsFile, pairs)
			if err != nil {
				return err
			}

			var hub streaming.EventHub
			if follow {
				hub = streaming.NewMemoryHub()
				if runID == "" {
					runID = uuid.NewString()
				}
			}
			eng, err := a.engine(ctx, true, hub)
			if err != nil {
				return err
			}
			a.serveMetrics(ctx)

			var done chan struct{}
			if hub != nil {
				events, cancel, err := hub.Subscribe(ctx, streaming.EventFilter{RunID: runID})
				if err != nil {
					return err
				}
				done = make(chan struct{})
				go func() {
					defer close(done)
					printTransitions(cmd.ErrOrStderr(), events)
				}()
				defer func() {
					cancel()
					<-done
				}()
			}

			out, err := eng.Execute(ctx, wf, params, runID)
			if err != nil {
				return err
			}
			a.saveRun(ctx, out)

			o := outputFn()
			o.Print([]string{"JOB", "STATUS", "ERROR"}, jobRows(out), out)
			o.Line("run %s: %s", out.RunID, out.Status)
			if out.Status != schema.StatusSuccess {
				return fmt.Errorf("run %s finished %s", out.RunID, out.Status)
			}
			return nil
		},
	}

	cmd.Flags().StringArrayVarP(&pairs, "param", "p", nil, "Parameter as KEY=VALUE (repeatable)")
	cmd.Flags().StringVar(&paramsFile, "params-file", "", "JSON object of parameters")
	cmd.Flags().StringVar(&runID, "run-id", "", "Run ID (generated if empty)")
	cmd.Flags().BoolVar(&follow, "follow", false, "Print unit transitions to stderr as they happen")
	return cmd
}

// printTransitions writes one line per transition until events is closed.
func printTransitions(w io.Writer, events <-chan streaming.StreamEvent) {
	for ev := range events {
		line := fmt.Sprintf("%s %s", time.Now().Format("15:04:05"), ev.UnitKind)
		if ev.UnitID != "" {
			line += " " + ev.UnitID
		}
		if p, ok := ev.Payload.(store.TransitionPayload); ok {
			line += fmt.Sprintf(" %s -> %s", p.From, p.To)
			if p.Error != nil {
				line += fmt.Sprintf(" (%s: %s)", p.Error.Name, p.Error.Message)
			}
		} else {
			line += " " + ev.EventType
		}
		fmt.Fprintln(w, line)
	}
}

func jobRows(c *schema.Context) [][]string {
	ids := make([]string, 0, len(c.Jobs))
	for id := range c.Jobs {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	rows := make([][]string, 0, len(ids))
	for _, id := range ids {
		res := c.Jobs[id]
		msg := ""
		if info := engine.JobErrorInfo(res); info != nil {
			msg = info.Name + ": " + info.Message
		}
		rows = append(rows, []string{id, string(res.Status), msg})
	}
	return rows
}

func newValidateCmd(appFn func() *app, outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "validate FILE",
		Short: "Check a workflow file",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			a := appFn()
			wf, err := loader.LoadFile(args[0])
			if err != nil {
				return err
			}
			v, err := a.validator()
			if err != nil {
				return err
			}
			res := v.Validate(wf)

			rows := make([][]string, 0, len(res.Errors)+len(res.Warnings))
			for _, issue := range append(append([]schema.ValidationIssue(nil), res.Errors...), res.Warnings...) {
				rows = append(rows, []string{string(issue.Severity), issue.Path, issue.Code, issue.Message})
			}
			o := outputFn()
			if o.jsonMode || len(rows) > 0 {
				o.Print([]string{"SEVERITY", "PATH", "CODE", "MESSAGE"}, rows, res)
			}
			if err := res.ToError(); err != nil {
				return err
			}
			o.Line("%s is valid", wf.Name)
			return nil
		},
	}
}

// planView is the JSON form of a plan.
type planView struct {
	Workflow string     `json:"workflow"`
	Levels   [][]string `json:"levels"`
	Timeout  string     `json:"timeout,omitempty"`
}

func newPlanCmd(appFn func() *app, outputFn func() *Output) *cobra.Command {
	var (
		format string
		output string
		runID  string
	)

	cmd := &cobra.Command{
		Use:   "plan FILE",
		Short: "Print the job levels of a workflow",
		Long: "Print the job levels of a workflow as a table or as a diagram " +
			"(mermaid, ascii, png, svg). --run overlays the job states of a stored run.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a := appFn()
			ctx := cmd.Context()
			wf, err := loader.LoadFile(args[0])
			if err != nil {
				return err
			}
			if _, err := a.check(wf); err != nil {
				return err
			}
			dag, err := engine.ParseDAG(wf)
			if err != nil {
				return err
			}

			if format == "table" {
				rows := make([][]string, 0, len(dag.Sorted))
				for i, level := range dag.Levels {
					for _, id := range level {
						job := dag.Jobs[id]
						rows = append(rows, []string{
							fmt.Sprint(i),
							id,
							strings.Join(job.Needs, ","),
							runsOn(job),
							fmt.Sprint(strategyCount(job)),
						})
					}
				}
				outputFn().Print([]string{"LEVEL", "JOB", "NEEDS", "RUNS_ON", "STRATEGIES"}, rows,
					planView{Workflow: wf.Name, Levels: dag.Levels, Timeout: wf.Timeout})
				return nil
			}

			var states []*store.UnitState
			if runID != "" {
				st, err := a.requireStore(ctx)
				if err != nil {
					return err
				}
				replayed, err := store.NewEventLog(st).ReplayUnits(ctx, runID)
				if err != nil {
					return err
				}
				states = store.Timeline(replayed)
			}
			model, err := diagram.Build(wf, states)
			if err != nil {
				return err
			}

			var data []byte
			switch format {
			case "mermaid":
				data = []byte(diagram.RenderMermaid(model))
			case "ascii":
				data = []byte(diagram.RenderASCII(model))
			case diagram.FormatPNG, diagram.FormatSVG:
				if output == "" {
					return fmt.Errorf("--format %s needs --output", format)
				}
				if data, err = diagram.RenderImage(ctx, model, format); err != nil {
					return err
				}
			default:
				return fmt.Errorf("unknown format %q (want table, mermaid, ascii, png or svg)", format)
			}

			if output != "" {
				return os.WriteFile(output, data, 0o644)
			}
			_, err = a.out.Write(data)
			return err
		},
	}

	cmd.Flags().StringVarP(&format, "format", "f", "table", "Output format (table, mermaid, ascii, png, svg)")
	cmd.Flags().StringVarP(&output, "output", "o", "", "Write the diagram to a file")
	cmd.Flags().StringVar(&runID, "run", "", "Overlay the job states of a stored run")
	return cmd
}

func runsOn(job *schema.JobDefinition) string {
	if job.RunsOn.IsLocal() {
		return schema.ProviderLocal
	}
	return job.RunsOn.Type
}

func strategyCount(job *schema.JobDefinition) int {
	if job.Strategy == nil {
		return 1
	}
	return len(engine.ExpandMatrix(job.Strategy))
}

func formatDuration(start time.Time, end *time.Time) string {
	if end == nil || start.IsZero() {
		return "-"
	}
	return end.Sub(start).Round(time.Millisecond).String()
}
