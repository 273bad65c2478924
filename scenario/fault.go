// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package scenario

import (
	"context"
	"log/slog"
	"os"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/absmach/failover/client"
)

// FaultInjector kills the live broker when the scenario asks for it.
type FaultInjector interface {
	KillLive(ctx context.Context, reason string) error
}

// FaultFunc adapts a function to FaultInjector.
type FaultFunc func(ctx context.Context, reason string) error

// KillLive calls f.
func (f FaultFunc) KillLive(ctx context.Context, reason string) error {
	return f(ctx, reason)
}

// Killer is a broker group whose live node can be killed.
type Killer interface {
	Kill() (client.Binding, error)
}

// AutoKill kills the live node as soon as it is asked to.
func AutoKill(k Killer, logger *slog.Logger) FaultInjector {
	return FaultFunc(func(ctx context.Context, reason string) error {
		b, err := k.Kill()
		if err != nil {
			return err
		}
		logger.Info("live server killed", slog.String("reason", reason), slog.String("binding", b.String()))
		return nil
	})
}

// SignalKill asks the operator to kill the live node and waits for a signal on
// sig, or for pause to elapse, before killing it.
func SignalKill(k Killer, sig <-chan os.Signal, pause time.Duration, clk clock.Clock, logger *slog.Logger) FaultInjector {
	if clk == nil {
		clk = clock.New()
	}
	return FaultFunc(func(ctx context.Context, reason string) error {
		logger.Warn(reason, slog.Duration("pause", pause))

		timer := clk.Timer(pause)
		defer timer.Stop()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case s := <-sig:
			logger.Info("kill signal received", slog.String("signal", s.String()))
		case <-timer.C:
			logger.Info("pause elapsed")
		}

		b, err := k.Kill()
		if err != nil {
			return err
		}
		logger.Info("live server killed", slog.String("binding", b.String()))
		return nil
	})
}
