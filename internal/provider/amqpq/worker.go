package amqpq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/rendis/jobflow/internal/logging"
	"github.com/rendis/jobflow/internal/provider"
	"github.com/rendis/jobflow/pkg/schema"
)

// JobRunner executes a handed-off job. Satisfied by engine.Engine.
type JobRunner interface {
	RunJob(ctx context.Context, req *provider.Request) (*schema.JobResult, error)
}

// Worker consumes the work queue and replies with job results.
type Worker struct {
	conn     ChannelSource
	runner   JobRunner
	queue    string
	prefetch int
	retry    provider.RetryPolicy
	logger   *slog.Logger
}

// NewWorker creates a Worker for the work queue.
func NewWorker(conn ChannelSource, runner JobRunner, opts ...Option) *Worker {
	o := buildOptions(opts)
	return &Worker{
		conn:     conn,
		runner:   runner,
		queue:    o.queue,
		prefetch: o.prefetch,
		retry:    o.retry,
		logger:   o.logger,
	}
}

// errDeliveriesClosed reports that the broker closed the consumer.
var errDeliveriesClosed = errors.New("deliveries channel closed")

// Run consumes until ctx is done. Up to prefetch jobs run concurrently. When
// the broker drops the consumer, Run waits for a fresh channel from the
// connection and consumes again; in-flight jobs finish first.
func (w *Worker) Run(ctx context.Context) error {
	ch, deliveries, err := w.subscribe()
	if err != nil {
		return err
	}
	w.logger.Info("worker started", "queue", w.queue, "prefetch", w.prefetch)

	for {
		err = w.serve(ctx, ch, deliveries)
		if !errors.Is(err, errDeliveriesClosed) {
			w.logger.Info("worker stopped", "queue", w.queue)
			return err
		}
		w.logger.Warn("consumer closed by broker, resubscribing", "queue", w.queue)
		if ch, deliveries, err = w.resubscribe(ctx); err != nil {
			w.logger.Info("worker stopped", "queue", w.queue)
			return err
		}
		w.logger.Info("worker resubscribed", "queue", w.queue)
	}
}

func (w *Worker) subscribe() (Channel, <-chan amqp.Delivery, error) {
	ch, err := w.conn.Channel()
	if err != nil {
		return nil, nil, fmt.Errorf("worker channel: %w", err)
	}
	if err := declareWorkQueue(ch, w.queue); err != nil {
		return nil, nil, err
	}
	if err := ch.Qos(w.prefetch, 0, false); err != nil {
		return nil, nil, fmt.Errorf("set qos: %w", err)
	}
	deliveries, err := ch.Consume(w.queue, "", false, false, false, false, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("consume %s: %w", w.queue, err)
	}
	return ch, deliveries, nil
}

// reconnectNotifier is implemented by Connection.
type reconnectNotifier interface {
	ReconnectNotify() <-chan struct{}
}

// resubscribe retries subscribe until it succeeds or ctx is done. Each
// attempt waits for the worker's backoff or a reconnect, whichever is first.
func (w *Worker) resubscribe(ctx context.Context) (Channel, <-chan amqp.Delivery, error) {
	var reconnected <-chan struct{}
	if rn, ok := w.conn.(reconnectNotifier); ok {
		reconnected = rn.ReconnectNotify()
	}
	for attempt := 0; ; attempt++ {
		timer := time.NewTimer(provider.ComputeBackoff(w.retry, attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, nil, ctx.Err()
		case <-reconnected:
		case <-timer.C:
		}
		timer.Stop()
		ch, deliveries, err := w.subscribe()
		if err == nil {
			return ch, deliveries, nil
		}
		w.logger.Warn("resubscribe failed", "queue", w.queue, "attempt", attempt+1, "error", err)
	}
}

// serve runs prefetch consumers over one deliveries channel.
func (w *Worker) serve(ctx context.Context, ch Channel, deliveries <-chan amqp.Delivery) error {
	var (
		wg   sync.WaitGroup
		errs = make(chan error, w.prefetch)
	)
	for i := 0; i < w.prefetch; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- w.consume(ctx, ch, deliveries)
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

func (w *Worker) consume(ctx context.Context, ch Channel, deliveries <-chan amqp.Delivery) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case d, ok := <-deliveries:
			if !ok {
				return errDeliveriesClosed
			}
			w.handle(ctx, ch, d)
		}
	}
}

// handle runs one request. Undecodable requests are dead-lettered; a reply
// that cannot be published puts the request back on the queue.
func (w *Worker) handle(ctx context.Context, ch Channel, d amqp.Delivery) {
	var req provider.Request
	if err := decode(d.Body, &req); err != nil {
		w.logger.Error("failed to decode job request", "queue", w.queue, "error", err)
		if err := d.Nack(false, false); err != nil {
			w.logger.Warn("nack failed", "error", err)
		}
		return
	}

	jobCtx := logging.WithIDs(ctx, req.RunID, req.JobID)
	w.logger.InfoContext(jobCtx, "running remote job", "correlation_id", d.CorrelationId)

	res, err := w.runner.RunJob(jobCtx, &req)
	if err != nil {
		w.logger.ErrorContext(jobCtx, "remote job rejected", "error", err)
	} else {
		w.logger.InfoContext(jobCtx, "remote job finished", "status", string(res.Status))
	}

	if d.ReplyTo == "" {
		w.logger.WarnContext(jobCtx, "job request has no reply queue, result dropped")
		if err := d.Ack(false); err != nil {
			w.logger.Warn("ack failed", "error", err)
		}
		return
	}

	body, merr := jsonMarshal(replyFor(res, err))
	if merr != nil {
		body, _ = jsonMarshal(&Reply{Fault: &schema.ErrorInfo{Name: schema.ErrCodeProviderFault, Message: merr.Error()}})
	}

	pubCtx := context.WithoutCancel(ctx)
	perr := provider.Retry(pubCtx, w.retry, func(ctx context.Context) error {
		return ch.PublishWithContext(ctx, "", d.ReplyTo, false, false, amqp.Publishing{
			ContentType:   "application/json",
			CorrelationId: d.CorrelationId,
			Timestamp:     time.Now(),
			Body:          body,
		})
	})
	if perr != nil {
		w.logger.ErrorContext(jobCtx, "failed to publish job result", "reply_to", d.ReplyTo, "error", perr)
		if err := d.Nack(false, true); err != nil {
			w.logger.Warn("nack failed", "error", err)
		}
		return
	}
	if err := d.Ack(false); err != nil {
		w.logger.Warn("ack failed", "error", err)
	}
}
