package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/rendis/jobflow/internal/engine"
	"github.com/rendis/jobflow/internal/logging"
	"github.com/rendis/jobflow/internal/metrics"
	"github.com/rendis/jobflow/internal/provider"
	"github.com/rendis/jobflow/internal/provider/amqpq"
	"github.com/rendis/jobflow/internal/store"
	"github.com/rendis/jobflow/internal/streaming"
	"github.com/rendis/jobflow/internal/trace"
	"github.com/rendis/jobflow/internal/validation"
	"github.com/rendis/jobflow/pkg/schema"
)

// app holds the process-wide dependencies of a command. Store and broker
// connections are opened on first use.
type app struct {
	cfg    Config
	logger *slog.Logger
	out    io.Writer

	promReg *prometheus.Registry
	metrics *metrics.Metrics

	store store.RunStore
	conn  *amqpq.Connection
	reg   *provider.Registry
}

func newApp(cfg Config, out, logOut io.Writer) *app {
	promReg := prometheus.NewRegistry()
	promReg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	return &app{
		cfg:     cfg,
		logger:  logging.New(logOut, cfg.LogLevel, cfg.LogFormat),
		out:     out,
		promReg: promReg,
		metrics: metrics.New(promReg),
	}
}

// openStore returns the configured run store, or nil when persistence is off.
func (a *app) openStore(ctx context.Context) (store.RunStore, error) {
	if a.store != nil || a.cfg.Store == storeNone {
		return a.store, nil
	}

	var (
		st  store.RunStore
		err error
	)
	switch a.cfg.Store {
	case storePostgres:
		st, err = store.NewPostgresStore(ctx, a.cfg.PostgresURL)
	default:
		if mkErr := os.MkdirAll(filepath.Dir(a.cfg.DBPath), 0o755); mkErr != nil {
			return nil, fmt.Errorf("create store directory: %w", mkErr)
		}
		st, err = store.NewLibSQLStore(a.cfg.DBPath)
	}
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		st.Close()
		return nil, err
	}
	a.logger.Debug("run store ready", "store", a.cfg.Store)
	a.store = st
	return st, nil
}

// requireStore is openStore for commands that cannot work without one.
func (a *app) requireStore(ctx context.Context) (store.RunStore, error) {
	st, err := a.openStore(ctx)
	if err != nil {
		return nil, err
	}
	if st == nil {
		return nil, errors.New("no run store configured (store=none)")
	}
	return st, nil
}

func (a *app) dialAMQP() (*amqpq.Connection, error) {
	if a.conn != nil {
		return a.conn, nil
	}
	if a.cfg.AMQPURL == "" {
		return nil, errors.New("amqp_url is not configured")
	}
	conn, err := amqpq.Dial(a.cfg.AMQPURL, a.logger)
	if err != nil {
		return nil, err
	}
	a.conn = conn
	return conn, nil
}

// providers registers the amqp provider, behind a circuit breaker, when a
// broker is configured.
func (a *app) providers() (*provider.Registry, error) {
	if a.reg != nil {
		return a.reg, nil
	}
	reg, err := provider.NewRegistry()
	if err != nil {
		return nil, err
	}
	if a.cfg.AMQPURL != "" {
		conn, err := a.dialAMQP()
		if err != nil {
			return nil, err
		}
		p := amqpq.New(conn, amqpq.WithQueue(a.cfg.AMQPQueue), amqpq.WithLogger(a.logger))
		if err := reg.Register(provider.WithBreaker(p, provider.DefaultBreakerConfig())); err != nil {
			return nil, err
		}
	}
	a.reg = reg
	return reg, nil
}

// engine builds an engine over the configured providers. With events, unit
// transitions go to the run store and, when hub is set, to its subscribers.
func (a *app) engine(ctx context.Context, withEvents bool, hub streaming.EventHub) (*engine.Engine, error) {
	reg, err := a.providers()
	if err != nil {
		return nil, err
	}
	opts := []engine.Option{
		engine.WithProviders(reg),
		engine.WithTrace(trace.NewSlogSink(a.logger)),
		engine.WithMetrics(a.metrics),
		engine.WithMaxParallel(a.cfg.MaxParallel),
	}
	if withEvents {
		st, err := a.openStore(ctx)
		if err != nil {
			return nil, err
		}
		switch {
		case hub != nil && st != nil:
			opts = append(opts, engine.WithEventAppender(streaming.NewTee(st, hub)))
		case hub != nil:
			opts = append(opts, engine.WithEventAppender(streaming.NewTee(nil, hub)))
		case st != nil:
			opts = append(opts, engine.WithEventAppender(st))
		}
	}
	return engine.New(opts...)
}

func (a *app) validator() (*validation.WorkflowValidator, error) {
	reg, err := a.providers()
	if err != nil {
		return nil, err
	}
	return validation.NewWorkflowValidator(reg)
}

// check validates wf, logging warnings, and returns the aggregated error.
func (a *app) check(wf *schema.WorkflowDefinition) (*schema.ValidationResult, error) {
	v, err := a.validator()
	if err != nil {
		return nil, err
	}
	res := v.Validate(wf)
	for _, w := range res.Warnings {
		a.logger.Warn("workflow warning", "workflow", wf.Name, "path", w.Path, "message", w.Message)
	}
	return res, res.ToError()
}

// serveMetrics exposes /metrics and /healthz until ctx is done.
func (a *app) serveMetrics(ctx context.Context) {
	if a.cfg.MetricsAddr == "" {
		return
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	mux.Handle("/metrics", promhttp.HandlerFor(a.promReg, promhttp.HandlerOpts{Registry: a.promReg}))

	srv := &http.Server{Addr: a.cfg.MetricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		a.logger.Info("serving metrics", "addr", a.cfg.MetricsAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("metrics server error", "error", err)
		}
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()
}

// saveRun persists a terminal Context when a store is configured.
func (a *app) saveRun(ctx context.Context, out *schema.Context) {
	st, err := a.openStore(ctx)
	if err != nil {
		a.logger.Error("run not saved", "run_id", out.RunID, "error", err)
		return
	}
	if st == nil {
		return
	}
	if err := st.SaveRun(context.WithoutCancel(ctx), store.NewRun(out)); err != nil {
		a.logger.Error("run not saved", "run_id", out.RunID, "error", err)
	}
}

func (a *app) Close() {
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.logger.Warn("closing run store", "error", err)
		}
	}
	if a.conn != nil {
		if err := a.conn.Close(); err != nil {
			a.logger.Warn("closing amqp connection", "error", err)
		}
	}
}
