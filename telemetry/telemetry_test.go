// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package telemetry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"

	"github.com/absmach/failover/config"
)

func restoreGlobals(t *testing.T) {
	tp := otel.GetTracerProvider()
	mp := otel.GetMeterProvider()
	t.Cleanup(func() {
		otel.SetTracerProvider(tp)
		otel.SetMeterProvider(mp)
	})
}

func TestInitProviderDisabled(t *testing.T) {
	restoreGlobals(t)

	shutdown, err := InitProvider(context.Background(), config.Default().Telemetry, "test")
	require.NoError(t, err)
	assert.NoError(t, shutdown(context.Background()))

	_, ok := otel.GetTracerProvider().(tracenoop.TracerProvider)
	assert.True(t, ok)
}

func TestInitProviderTracesOnly(t *testing.T) {
	restoreGlobals(t)

	cfg := config.Default().Telemetry
	cfg.Enabled = true
	cfg.MetricsEnabled = false

	shutdown, err := InitProvider(context.Background(), cfg, "test")
	require.NoError(t, err)

	_, ok := otel.GetTracerProvider().(*sdktrace.TracerProvider)
	assert.True(t, ok)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	assert.NoError(t, shutdown(ctx))
}
