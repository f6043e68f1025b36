// Package scheduler fires workflow runs from the cron expressions in each
// workflow's schedule. It is the external trigger that supplies run_id and
// start time to the engine.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/rendis/jobflow/internal/logging"
	"github.com/rendis/jobflow/internal/store"
	"github.com/rendis/jobflow/pkg/schema"
)

// DefaultInterval is how often due triggers are checked.
const DefaultInterval = 15 * time.Second

// Runner executes one workflow run. Satisfied by engine.Engine.
type Runner interface {
	Execute(ctx context.Context, wf *schema.WorkflowDefinition, params map[string]any, runID string) (*schema.Context, error)
}

// RunSaver persists terminal run Contexts.
type RunSaver interface {
	SaveRun(ctx context.Context, run *store.Run) error
}

type trigger struct {
	key      string
	wf       *schema.WorkflowDefinition
	spec     string
	schedule cron.Schedule
	next     time.Time
}

// Scheduler checks registered triggers on a ticker and starts due runs.
type Scheduler struct {
	runner   Runner
	saver    RunSaver
	parser   cron.Parser
	logger   *slog.Logger
	interval time.Duration
	now      func() time.Time

	mu       sync.Mutex
	triggers []*trigger
	cancel   context.CancelFunc
	done     chan struct{}

	inflightMu sync.Mutex
	inflight   map[string]struct{} // trigger keys with a run in progress
	wg         sync.WaitGroup
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithRunSaver stores every terminal Context the scheduler produces.
func WithRunSaver(s RunSaver) Option {
	return func(sc *Scheduler) { sc.saver = s }
}

// WithInterval overrides DefaultInterval.
func WithInterval(d time.Duration) Option {
	return func(sc *Scheduler) {
		if d > 0 {
			sc.interval = d
		}
	}
}

// NewScheduler creates a new Scheduler.
func NewScheduler(runner Runner, logger *slog.Logger, opts ...Option) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Scheduler{
		runner:   runner,
		parser:   cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		logger:   logger,
		interval: DefaultInterval,
		now:      time.Now,
		inflight: make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Add registers every schedule entry of wf. A workflow without entries is
// ignored.
func (s *Scheduler) Add(wf *schema.WorkflowDefinition) error {
	if wf == nil {
		return schema.NewError(schema.ErrCodeValidation, "workflow definition is nil")
	}
	now := s.now().UTC()

	added := make([]*trigger, 0, len(wf.Schedule))
	for i, spec := range wf.Schedule {
		sched, err := s.parser.Parse(spec)
		if err != nil {
			return schema.NewErrorf(schema.ErrCodeValidation, "workflow %q: schedule[%d]: parse cron expression %q: %v", wf.Name, i, spec, err)
		}
		added = append(added, &trigger{
			key:      fmt.Sprintf("%s#%d", wf.Name, i),
			wf:       wf,
			spec:     spec,
			schedule: sched,
			next:     sched.Next(now),
		})
	}

	s.mu.Lock()
	s.triggers = append(s.triggers, added...)
	s.mu.Unlock()
	return nil
}

// Next returns the upcoming fire time of every trigger, keyed by
// "<workflow>#<index>".
func (s *Scheduler) Next() map[string]time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]time.Time, len(s.triggers))
	for _, t := range s.triggers {
		out[t.key] = t.next
	}
	return out
}

// Start launches the background scheduling loop.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.done != nil {
		s.mu.Unlock()
		return fmt.Errorf("scheduler already started")
	}

	schedCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.mu.Unlock()

	go s.loop(schedCtx)
	s.logger.Info("scheduler started", slog.Int("triggers", len(s.Next())), slog.Duration("interval", s.interval))
	return nil
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// tick starts a run for every trigger that is due at the current time.
func (s *Scheduler) tick(ctx context.Context) {
	now := s.now().UTC()

	s.mu.Lock()
	var due []*trigger
	for _, t := range s.triggers {
		if t.next.After(now) {
			continue
		}
		cp := *t
		due = append(due, &cp)
		t.next = t.schedule.Next(now)
	}
	s.mu.Unlock()

	sort.Slice(due, func(i, j int) bool { return due[i].key < due[j].key })
	for _, t := range due {
		if !s.tryAcquire(t.key) {
			s.logger.Warn("previous run still in progress, trigger skipped",
				slog.String("workflow", t.wf.Name),
				slog.String("schedule", t.spec),
			)
			continue
		}
		s.wg.Add(1)
		go func(t *trigger) {
			defer s.wg.Done()
			defer s.release(t.key)
			s.fire(ctx, t)
		}(t)
	}
}

// fire runs one scheduled workflow. The run id is derived from the
// workflow name and the trigger's scheduled time.
func (s *Scheduler) fire(ctx context.Context, t *trigger) {
	runID := RunID(t.wf.Name, t.next)
	ctx = logging.WithRunID(ctx, runID)
	s.logger.InfoContext(ctx, "running scheduled workflow",
		slog.String("workflow", t.wf.Name),
		slog.String("schedule", t.spec),
	)

	out, err := s.runner.Execute(ctx, t.wf, nil, runID)
	if err != nil {
		s.logger.ErrorContext(ctx, "scheduled workflow aborted",
			slog.String("workflow", t.wf.Name),
			slog.String("error", err.Error()),
		)
		return
	}
	s.logger.InfoContext(ctx, "scheduled workflow finished",
		slog.String("workflow", t.wf.Name),
		slog.String("status", string(out.Status)),
	)

	if s.saver == nil {
		return
	}
	if err := s.saver.SaveRun(context.WithoutCancel(ctx), store.NewRun(out)); err != nil {
		s.logger.ErrorContext(ctx, "failed to save scheduled run",
			slog.String("workflow", t.wf.Name),
			slog.String("error", err.Error()),
		)
	}
}

// RunID builds the run id of a scheduled fire.
func RunID(workflow string, at time.Time) string {
	return fmt.Sprintf("%s-%s", workflow, at.UTC().Format("20060102T150405Z"))
}

// tryAcquire returns true and marks the trigger as in-flight if it is not already running.
func (s *Scheduler) tryAcquire(key string) bool {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	if _, ok := s.inflight[key]; ok {
		return false
	}
	s.inflight[key] = struct{}{}
	return true
}

func (s *Scheduler) release(key string) {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	delete(s.inflight, key)
}

// CalculateNextRun computes the next run time for a cron expression.
func (s *Scheduler) CalculateNextRun(cronExpr string, from time.Time) (time.Time, error) {
	schedule, err := s.parser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse cron expression %q: %w", cronExpr, err)
	}
	return schedule.Next(from), nil
}

// Stop shuts down the loop and waits for in-flight runs.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	if s.cancel == nil {
		s.mu.Unlock()
		return nil
	}
	s.cancel()
	done := s.done
	s.cancel = nil
	s.done = nil
	s.mu.Unlock()

	<-done
	s.wg.Wait()
	s.logger.Info("scheduler stopped")
	return nil
}
