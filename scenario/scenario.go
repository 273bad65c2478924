// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package scenario runs the client acknowledgement demo across two broker
// failovers: send a batch, acknowledge the first third, leave the rest pending,
// kill the live broker, and watch which acknowledgements survive.
package scenario

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"go.uber.org/multierr"

	"github.com/absmach/failover/client"
	"github.com/absmach/failover/naming"
)

// Config holds the scenario parameters.
type Config struct {
	ConnectionFactory string        // name of the connection factory binding
	Queue             string        // name of the queue binding
	Messages          int           // envelopes per batch, at least 3
	ReceiveTimeout    time.Duration // wait per receive
}

// Delivery is an envelope as the scenario observed it.
type Delivery struct {
	ID          string
	Text        string
	Redelivered bool
}

// Report is the outcome of a run.
type Report struct {
	Sent                    []string           // batch A envelope IDs, sent to the live server
	SentAfterFirstFailover  []string           // batch B, sent to the promoted backup
	SentAfterSecondFailover []string           // batch C, sent to the next backup
	Acknowledged            []string           // committed envelope IDs in commit order
	FirstFailure            *client.AckFailure // acknowledgement after the first failover
	AfterFirstFailover      []Delivery         // second third of batch A, received again from the promoted backup
	SecondFailure           *client.AckFailure // acknowledgement after the second failover
	AfterSecondFailover     []Delivery         // last third of batch A, received again from the next backup
	Drained                 []Delivery         // batches B and C
	DrainedBinding          client.Binding     // binding batches B and C were committed under
}

// Run executes the scenario against the objects bound in names.
func Run(ctx context.Context, names *naming.Context, faults FaultInjector, cfg Config, logger *slog.Logger) (rep *Report, err error) {
	if cfg.Messages < 3 {
		return nil, ErrTooFewMessages
	}
	if faults == nil {
		return nil, ErrNoInjector
	}
	if logger == nil {
		logger = slog.Default()
	}

	// Step 1. Look up the administered objects.
	queue, err := names.LookupQueue(cfg.Queue)
	if err != nil {
		return nil, err
	}
	factory, err := names.LookupConnectionFactory(cfg.ConnectionFactory)
	if err != nil {
		return nil, err
	}

	// Step 2. Connect, create a client-acknowledged session and start delivery.
	conn, err := factory.CreateConnection(ctx)
	if err != nil {
		return nil, err
	}
	defer multierr.AppendInvoke(&err, multierr.Close(conn))

	session, err := conn.CreateSession(false, client.ClientAcknowledge)
	if err != nil {
		return nil, err
	}
	if err := conn.Start(); err != nil {
		return nil, err
	}

	producer, err := session.CreateProducer(queue)
	if err != nil {
		return nil, err
	}
	consumer, err := session.CreateConsumer(queue)
	if err != nil {
		return nil, err
	}

	r := &runner{
		session:  session,
		consumer: consumer,
		producer: producer,
		timeout:  cfg.ReceiveTimeout,
		logger:   logger,
		report:   &Report{},
	}
	n := cfg.Messages
	third := n / 3

	// Step 3. Send batch A to the live server.
	if r.report.Sent, err = r.send(ctx, "BatchA", n); err != nil {
		return nil, err
	}

	// Step 4. Receive and acknowledge the first third.
	if err := r.receive(ctx, r.report.Sent[:third], nil); err != nil {
		return nil, err
	}
	if err := r.ack(ctx, r.report.Sent[third-1]); err != nil {
		return nil, err
	}

	// Step 5. Receive the rest without acknowledging.
	if err := r.receive(ctx, r.report.Sent[third:], nil); err != nil {
		return nil, err
	}

	// Step 6. Kill the live server and keep sending to the promoted backup.
	if err := faults.KillLive(ctx, "please kill the live server now"); err != nil {
		return nil, fmt.Errorf("first failover: %w", err)
	}
	if r.report.SentAfterFirstFailover, err = r.send(ctx, "BatchB", n); err != nil {
		return nil, err
	}

	// Step 7. Acknowledging the second third spans the failover and fails.
	acked := r.report.Sent[2*third-1]
	if r.report.FirstFailure, err = r.expectFailure(ctx, acked); err != nil {
		return nil, err
	}

	// Step 8. The second third comes back from the promoted backup.
	if err := r.receive(ctx, r.report.Sent[third:2*third], &r.report.AfterFirstFailover); err != nil {
		return nil, err
	}
	if err := r.ack(ctx, acked); err != nil {
		return nil, err
	}

	// Step 9. Kill the promoted backup and keep sending to the next one.
	if err := faults.KillLive(ctx, "please kill the promoted backup now"); err != nil {
		return nil, fmt.Errorf("second failover: %w", err)
	}
	if r.report.SentAfterSecondFailover, err = r.send(ctx, "BatchC", n); err != nil {
		return nil, err
	}

	// Step 10. Acknowledging again across the second failover fails.
	if r.report.SecondFailure, err = r.expectFailure(ctx, acked); err != nil {
		return nil, err
	}

	// Step 11. The last third comes back from the next backup.
	if err := r.receive(ctx, r.report.Sent[2*third:], &r.report.AfterSecondFailover); err != nil {
		return nil, err
	}
	if err := r.ack(ctx, r.report.Sent[n-1]); err != nil {
		return nil, err
	}

	// Step 12. Drain the batches sent during the failovers.
	rest := append(slices.Clone(r.report.SentAfterFirstFailover), r.report.SentAfterSecondFailover...)
	if err := r.receive(ctx, rest, &r.report.Drained); err != nil {
		return nil, err
	}
	receipt, err := r.session.Acknowledge(ctx, rest[len(rest)-1])
	if err != nil {
		return nil, fmt.Errorf("acknowledge %s: %w", rest[len(rest)-1], err)
	}
	r.report.Acknowledged = append(r.report.Acknowledged, receipt.Committed...)
	r.report.DrainedBinding = receipt.Binding

	return r.report, nil
}

type runner struct {
	session  *client.Session
	consumer *client.Consumer
	producer *client.Producer
	timeout  time.Duration
	logger   *slog.Logger
	report   *Report
}

// send sends n text envelopes labelled with batch and returns their IDs.
func (r *runner) send(ctx context.Context, batch string, n int) ([]string, error) {
	ids := make([]string, 0, n)
	for i := 0; i < n; i++ {
		text := fmt.Sprintf("%s: This is text message %d", batch, i)
		id, err := r.producer.Send(ctx, []byte(text))
		if err != nil {
			return nil, fmt.Errorf("send %s %d: %w", batch, i, err)
		}
		ids = append(ids, id)
		r.logger.Info("sent message", slog.String("text", text))
	}
	return ids, nil
}

// receive receives one envelope per expected ID, in order. When into is set
// the deliveries are recorded there.
func (r *runner) receive(ctx context.Context, want []string, into *[]Delivery) error {
	for i, id := range want {
		env, err := r.consumer.Receive(ctx, r.timeout)
		if err != nil {
			return fmt.Errorf("receive %s: %w", id, err)
		}
		if env == nil {
			return fmt.Errorf("%w: %s", ErrReceiveTimeout, id)
		}
		r.logger.Info("got message",
			slog.String("text", env.Text()),
			slog.Bool("redelivered", env.Redelivered()))
		if env.ID() != id {
			return fmt.Errorf("%w: got %s at %d, want %s", ErrUnexpectedEnvelope, env.ID(), i, id)
		}
		if into != nil {
			*into = append(*into, Delivery{ID: env.ID(), Text: env.Text(), Redelivered: env.Redelivered()})
		}
	}
	return nil
}
func (r *runner) ack(ctx context.Context, id string) error {
	receipt, err := r.session.Acknowledge(ctx, id)
	if err != nil {
		return fmt.Errorf("acknowledge %s: %w", id, err)
	}
	r.report.Acknowledged = append(r.report.Acknowledged, receipt.Committed...)
	r.logger.Info("acknowledged",
		slog.Int("count", len(receipt.Committed)),
		slog.String("binding", receipt.Binding.String()))
	return nil
}

// expectFailure acknowledges id after a failover. An AckFailure is the expected
// outcome and is returned; a successful acknowledgement returns nil.
func (r *runner) expectFailure(ctx context.Context, id string) (*client.AckFailure, error) {
	receipt, err := r.session.Acknowledge(ctx, id)
	if err == nil {
		r.report.Acknowledged = append(r.report.Acknowledged, receipt.Committed...)
		r.logger.Warn("acknowledgement survived the failover", slog.Int("count", len(receipt.Committed)))
		return nil, nil
	}

	var af *client.AckFailure
	if !errors.As(err, &af) {
		return nil, fmt.Errorf("acknowledge %s: %w", id, err)
	}
	r.logger.Error("got exception while acknowledging message", slog.String("error", af.Error()))
	return af, nil
}
