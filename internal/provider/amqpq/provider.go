package amqpq

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/rendis/jobflow/internal/provider"
	"github.com/rendis/jobflow/pkg/schema"
)

const (
	// DefaultName is the runs_on type the provider registers under.
	DefaultName = "amqp"
	// DefaultQueue is the shared work queue.
	DefaultQueue = "jobflow.jobs"

	replyPrefix = "jobflow.reply."
	// Reply queues nobody consumes expire after an hour.
	replyExpiry = int32(time.Hour / time.Millisecond)
)

// declareWorkQueue declares the durable work queue. Publisher and worker
// both call it so requests are never routed to a missing queue.
func declareWorkQueue(ch Channel, queue string) error {
	if _, err := ch.QueueDeclare(queue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare queue %s: %w", queue, err)
	}
	return nil
}

// ReplyQueue names the reply queue of one job of one run.
func ReplyQueue(runID, jobID string) string {
	return replyPrefix + runID + "." + jobID
}

// Provider hands jobs to remote workers over AMQP.
type Provider struct {
	name   string
	queue  string
	conn   ChannelSource
	retry  provider.RetryPolicy
	logger *slog.Logger
}

// Option configures a Provider or a Worker.
type Option func(*options)

type options struct {
	name     string
	queue    string
	retry    provider.RetryPolicy
	logger   *slog.Logger
	prefetch int
}

// WithName overrides DefaultName.
func WithName(name string) Option {
	return func(o *options) { o.name = name }
}

// WithQueue overrides DefaultQueue.
func WithQueue(queue string) Option {
	return func(o *options) { o.queue = queue }
}

// WithRetry sets the policy applied to publishing.
func WithRetry(p provider.RetryPolicy) Option {
	return func(o *options) { o.retry = p }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithPrefetch bounds how many jobs a worker runs at once.
func WithPrefetch(n int) Option {
	return func(o *options) { o.prefetch = n }
}

func buildOptions(opts []Option) options {
	o := options{
		name:     DefaultName,
		queue:    DefaultQueue,
		retry:    provider.DefaultRetryPolicy(),
		logger:   slog.Default(),
		prefetch: 1,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.prefetch <= 0 {
		o.prefetch = 1
	}
	return o
}

// New creates a Provider publishing to the work queue.
func New(conn ChannelSource, opts ...Option) *Provider {
	o := buildOptions(opts)
	return &Provider{name: o.name, queue: o.queue, conn: conn, retry: o.retry, logger: o.logger}
}

// Name is the runs_on type of the provider.
func (p *Provider) Name() string { return p.name }

// Execute publishes the request and waits for the matching reply. The
// reply queue is left in place for Cleanup.
func (p *Provider) Execute(ctx context.Context, req *provider.Request) (*schema.JobResult, error) {
	ch, err := p.conn.Channel()
	if err != nil {
		return nil, p.fault(req, "no channel", err)
	}

	if err := declareWorkQueue(ch, p.queue); err != nil {
		return nil, p.fault(req, "declare work queue", err)
	}
	reply := ReplyQueue(req.RunID, req.JobID)
	if _, err := ch.QueueDeclare(reply, false, false, false, false, amqp.Table{"x-expires": replyExpiry}); err != nil {
		return nil, p.fault(req, "declare reply queue", err)
	}

	tag := "jobflow-" + uuid.NewString()
	deliveries, err := ch.Consume(reply, tag, true, false, false, false, nil)
	if err != nil {
		return nil, p.fault(req, "consume reply queue", err)
	}
	defer func() {
		if err := ch.Cancel(tag, false); err != nil {
			p.logger.Debug("cancel reply consumer", "queue", reply, "error", err)
		}
	}()

	body, err := json.Marshal(req)
	if err != nil {
		return nil, p.fault(req, "encode request", err)
	}
	corrID := uuid.NewString()
	err = provider.Retry(ctx, p.retry, func(ctx context.Context) error {
		return ch.PublishWithContext(ctx, "", p.queue, false, false, amqp.Publishing{
			ContentType:   "application/json",
			DeliveryMode:  amqp.Persistent,
			MessageId:     corrID,
			CorrelationId: corrID,
			ReplyTo:       reply,
			Timestamp:     time.Now(),
			Body:          body,
		})
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, p.fault(req, "publish request", err)
	}
	p.logger.Debug("published job", "queue", p.queue, "run_id", req.RunID, "job", req.JobID, "correlation_id", corrID)

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case d, ok := <-deliveries:
			if !ok {
				return nil, p.fault(req, "await reply", fmt.Errorf("reply consumer closed"))
			}
			if d.CorrelationId != corrID {
				p.logger.Warn("dropping stale reply", "queue", reply, "correlation_id", d.CorrelationId)
				continue
			}
			return p.result(req, d.Body)
		}
	}
}

func (p *Provider) result(req *provider.Request, body []byte) (*schema.JobResult, error) {
	var r Reply
	if err := decode(body, &r); err != nil {
		return nil, p.fault(req, "decode reply", err)
	}
	if r.Fault != nil {
		return nil, schema.NewErrorf(schema.ErrCodeProviderFault, "provider %s: worker rejected job %q: %s: %s",
			p.name, req.JobID, r.Fault.Name, r.Fault.Message).WithUnit(req.JobID)
	}
	res := r.JobResult()
	if res == nil {
		return nil, p.fault(req, "decode reply", fmt.Errorf("reply carries no result"))
	}
	return res, nil
}

// Cleanup deletes the job's reply queue. Failures are logged only.
func (p *Provider) Cleanup(_ context.Context, runID, jobID string) {
	queue := ReplyQueue(runID, jobID)
	ch, err := p.conn.Channel()
	if err != nil {
		p.logger.Warn("reply queue not deleted", "queue", queue, "error", err)
		return
	}
	if _, err := ch.QueueDelete(queue, false, false, false); err != nil {
		p.logger.Warn("reply queue not deleted", "queue", queue, "error", err)
	}
}

func (p *Provider) fault(req *provider.Request, op string, err error) error {
	return schema.NewErrorf(schema.ErrCodeProviderFault, "provider %s: job %q: %s: %v", p.name, req.JobID, op, err).
		WithUnit(req.JobID).WithCause(err)
}
