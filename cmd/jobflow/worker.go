package main

import (
	"context"
	"errors"

	"github.com/spf13/cobra"

	"github.com/rendis/jobflow/internal/provider/amqpq"
)

func newWorkerCmd(appFn func() *app) *cobra.Command {
	var concurrency int

	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Execute jobs handed off through AMQP",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a := appFn()
			ctx := cmd.Context()

			conn, err := a.dialAMQP()
			if err != nil {
				return err
			}
			eng, err := a.engine(ctx, false, nil)
			if err != nil {
				return err
			}
			a.serveMetrics(ctx)

			w := amqpq.NewWorker(conn, eng,
				amqpq.WithQueue(a.cfg.AMQPQueue),
				amqpq.WithPrefetch(concurrency),
				amqpq.WithLogger(a.logger),
			)
			err = w.Run(ctx)
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		},
	}

	cmd.Flags().IntVarP(&concurrency, "concurrency", "c", 1, "Jobs executed at once")
	return cmd
}
