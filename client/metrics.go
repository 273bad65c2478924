// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package client

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const instrumentationName = "github.com/absmach/failover/client"

// metrics holds the OpenTelemetry instruments of a connection.
type metrics struct {
	sent         metric.Int64Counter
	received     metric.Int64Counter
	redelivered  metric.Int64Counter
	acknowledged metric.Int64Counter
	ackFailures  metric.Int64Counter
	released     metric.Int64Counter
}

func newMetrics(mp metric.MeterProvider) (*metrics, error) {
	if mp == nil {
		mp = otel.GetMeterProvider()
	}
	meter := mp.Meter(instrumentationName)

	m := &metrics{}
	var err error

	m.sent, err = meter.Int64Counter(
		"client.envelopes.sent",
		metric.WithDescription("Envelopes accepted by the broker"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create sent counter: %w", err)
	}

	m.received, err = meter.Int64Counter(
		"client.envelopes.received",
		metric.WithDescription("Envelopes handed to the application"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create received counter: %w", err)
	}

	m.redelivered, err = meter.Int64Counter(
		"client.envelopes.redelivered",
		metric.WithDescription("Received envelopes flagged as redelivered by the broker"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create redelivered counter: %w", err)
	}

	m.acknowledged, err = meter.Int64Counter(
		"client.envelopes.acknowledged",
		metric.WithDescription("Envelopes committed by acknowledgement"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create acknowledged counter: %w", err)
	}

	m.ackFailures, err = meter.Int64Counter(
		"client.ack.failures",
		metric.WithDescription("Acknowledgements rejected after a broker change"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create ackFailures counter: %w", err)
	}

	m.released, err = meter.Int64Counter(
		"client.envelopes.released",
		metric.WithDescription("Envelopes returned to the broker for redelivery"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create released counter: %w", err)
	}

	return m, nil
}

func destAttr(queue string) metric.AddOption {
	return metric.WithAttributes(attribute.String("destination", queue))
}

func (m *metrics) recordSent(ctx context.Context, queue string) {
	m.sent.Add(ctx, 1, destAttr(queue))
}

func (m *metrics) recordReceived(ctx context.Context, queue string, redelivered bool) {
	m.received.Add(ctx, 1, destAttr(queue))
	if redelivered {
		m.redelivered.Add(ctx, 1, destAttr(queue))
	}
}

func (m *metrics) recordAcknowledged(ctx context.Context, mode AckMode, n int) {
	m.acknowledged.Add(ctx, int64(n), metric.WithAttributes(attribute.String("mode", mode.String())))
}

func (m *metrics) recordAckFailure(ctx context.Context, mode AckMode) {
	m.ackFailures.Add(ctx, 1, metric.WithAttributes(attribute.String("mode", mode.String())))
}

func (m *metrics) recordReleased(ctx context.Context, n int) {
	m.released.Add(ctx, int64(n))
}
