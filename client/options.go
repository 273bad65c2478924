// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package client

import (
	"log/slog"
	"time"

	"github.com/benbjohnson/clock"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// Default values.
const (
	DefaultSendTimeout     = 5 * time.Second
	DefaultAckTimeout      = 5 * time.Second
	DefaultPrefetch        = 1000
	DefaultSendBurst       = 1
	DefaultAckHistory      = 4096
	DefaultBreakerFailures = 5
	DefaultBreakerReset    = 10 * time.Second
)

// Options configures connections created by a ConnectionFactory.
type Options struct {
	ClientID string // Client identifier used in logs and metrics

	// Timeouts
	SendTimeout time.Duration // Bound on a single send
	AckTimeout  time.Duration // Bound on acknowledge, release and commit calls

	// Delivery
	Prefetch   int // Envelopes fetched from the broker per round trip (consumer window)
	AckHistory int // Delivered IDs remembered per session to classify late acknowledgements

	// Flow control
	SendRate  float64 // Envelopes per second per producer (0 = unlimited)
	SendBurst int     // Burst allowance for SendRate

	// Circuit breaker around transport calls
	BreakerFailures uint32        // Consecutive transport failures before the breaker opens
	BreakerReset    time.Duration // Time the breaker stays open before probing

	// Ambient
	Clock          clock.Clock          // Time source for timeouts (nil = wall clock)
	Logger         *slog.Logger         // nil = slog.Default()
	MeterProvider  metric.MeterProvider // nil = global provider
	TracerProvider trace.TracerProvider // nil = global provider

	// Callbacks
	OnAckFailure func(*AckFailure) // Called for every rejected acknowledgement
}

// NewOptions creates Options with sensible defaults.
func NewOptions() *Options {
	return &Options{
		SendTimeout:     DefaultSendTimeout,
		AckTimeout:      DefaultAckTimeout,
		Prefetch:        DefaultPrefetch,
		AckHistory:      DefaultAckHistory,
		SendBurst:       DefaultSendBurst,
		BreakerFailures: DefaultBreakerFailures,
		BreakerReset:    DefaultBreakerReset,
	}
}

// SetClientID sets the client identifier.
func (o *Options) SetClientID(id string) *Options {
	o.ClientID = id
	return o
}

// SetSendTimeout sets the send timeout.
func (o *Options) SetSendTimeout(d time.Duration) *Options {
	o.SendTimeout = d
	return o
}

// SetAckTimeout sets the acknowledgement timeout.
func (o *Options) SetAckTimeout(d time.Duration) *Options {
	o.AckTimeout = d
	return o
}

// SetPrefetch sets how many envelopes a consumer fetches per round trip.
func (o *Options) SetPrefetch(n int) *Options {
	o.Prefetch = n
	return o
}

// SetAckHistory sets how many delivered IDs a session remembers.
func (o *Options) SetAckHistory(n int) *Options {
	o.AckHistory = n
	return o
}

// SetSendRate limits each producer to r envelopes per second with the given burst.
func (o *Options) SetSendRate(r float64, burst int) *Options {
	o.SendRate = r
	o.SendBurst = burst
	return o
}

// SetBreaker configures the transport circuit breaker.
func (o *Options) SetBreaker(failures uint32, reset time.Duration) *Options {
	o.BreakerFailures = failures
	o.BreakerReset = reset
	return o
}

// SetClock sets the time source used for timeouts.
func (o *Options) SetClock(c clock.Clock) *Options {
	o.Clock = c
	return o
}

// SetLogger sets the logger.
func (o *Options) SetLogger(l *slog.Logger) *Options {
	o.Logger = l
	return o
}

// SetMeterProvider sets the OpenTelemetry meter provider.
func (o *Options) SetMeterProvider(mp metric.MeterProvider) *Options {
	o.MeterProvider = mp
	return o
}

// SetTracerProvider sets the OpenTelemetry tracer provider.
func (o *Options) SetTracerProvider(tp trace.TracerProvider) *Options {
	o.TracerProvider = tp
	return o
}

// SetOnAckFailure sets the acknowledgement failure callback.
func (o *Options) SetOnAckFailure(fn func(*AckFailure)) *Options {
	o.OnAckFailure = fn
	return o
}

// Validate checks the options for errors and fills in ambient defaults.
func (o *Options) Validate() error {
	if o.SendTimeout <= 0 || o.AckTimeout <= 0 {
		return ErrInvalidTimeout
	}
	if o.Prefetch < 1 {
		return ErrInvalidPrefetch
	}
	if o.SendRate < 0 {
		return ErrInvalidSendRate
	}
	if o.SendBurst < 1 {
		o.SendBurst = DefaultSendBurst
	}
	if o.AckHistory <= 0 {
		o.AckHistory = DefaultAckHistory
	}
	if o.BreakerFailures == 0 {
		o.BreakerFailures = DefaultBreakerFailures
	}
	if o.BreakerReset <= 0 {
		o.BreakerReset = DefaultBreakerReset
	}
	if o.Clock == nil {
		o.Clock = clock.New()
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return nil
}
