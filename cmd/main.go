// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/benbjohnson/clock"
	"go.uber.org/multierr"

	"github.com/absmach/failover/client"
	"github.com/absmach/failover/config"
	"github.com/absmach/failover/ha"
	"github.com/absmach/failover/message"
	"github.com/absmach/failover/naming"
	"github.com/absmach/failover/scenario"
	"github.com/absmach/failover/storage"
	"github.com/absmach/failover/storage/badger"
	"github.com/absmach/failover/telemetry"
)

func main() {
	os.Exit(start(os.Args[1:], os.Stdout))
}

// start runs the demo with command line args and returns the exit status.
func start(args []string, stdout io.Writer) int {
	fs := flag.NewFlagSet("failover", flag.ContinueOnError)
	configFile := fs.String("config", "", "Path to configuration file")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	cfg, err := config.Load(*configFile)
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		return 1
	}

	logLevel := slog.LevelInfo
	switch cfg.Log.Level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	}

	var handler slog.Handler
	if cfg.Log.Format == "json" {
		handler = slog.NewJSONHandler(stdout, &slog.HandlerOptions{Level: logLevel})
	} else {
		handler = slog.NewTextHandler(stdout, &slog.HandlerOptions{Level: logLevel})
	}
	logger := slog.New(handler)
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		slog.Error("Scenario failed", "error", err)
		return 1
	}
	return 0
}

func run(cfg *config.Config, logger *slog.Logger) (err error) {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdown, err := telemetry.InitProvider(ctx, cfg.Telemetry, cfg.Client.ClientID)
	if err != nil {
		return fmt.Errorf("failed to initialize OpenTelemetry: %w", err)
	}
	defer func() {
		err = multierr.Append(err, shutdown(context.Background()))
	}()
	if cfg.Telemetry.Enabled {
		slog.Info("OpenTelemetry initialized", "endpoint", cfg.Telemetry.Endpoint)
	}

	policy, err := ha.ParseDeliveryReplication(cfg.Cluster.DeliveryReplication)
	if err != nil {
		return err
	}
	members, err := newMembers(cfg.Cluster)
	if err != nil {
		return err
	}
	group, err := ha.New(ha.Config{
		Members:             members,
		DeliveryReplication: policy,
		Logger:              logger.With(slog.String("component", "ha")),
	})
	if err != nil {
		return err
	}
	defer multierr.AppendInvoke(&err, multierr.Close(group))

	opts := client.NewOptions().
		SetClientID(cfg.Client.ClientID).
		SetSendTimeout(cfg.Client.SendTimeout).
		SetAckTimeout(cfg.Client.AckTimeout).
		SetPrefetch(cfg.Client.Prefetch).
		SetAckHistory(cfg.Client.AckHistory).
		SetSendRate(cfg.Client.SendRate, cfg.Client.SendBurst).
		SetBreaker(uint32(cfg.Client.Breaker.FailureThreshold), cfg.Client.Breaker.ResetTimeout).
		SetLogger(logger.With(slog.String("component", "client")))

	names := naming.New()
	defer multierr.AppendInvoke(&err, multierr.Close(names))
	for _, name := range cfg.Naming.ConnectionFactories {
		factory, err := client.NewConnectionFactory(group, opts)
		if err != nil {
			return err
		}
		if err := names.Bind(name, factory); err != nil {
			return err
		}
	}
	for name, queue := range cfg.Naming.Queues {
		if err := names.Bind(name, message.Queue(queue)); err != nil {
			return err
		}
	}

	var faults scenario.FaultInjector
	switch cfg.Scenario.FaultMode {
	case "signal":
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, syscall.SIGUSR1)
		defer signal.Stop(sig)
		faults = scenario.SignalKill(group, sig, cfg.Scenario.Pause, clock.New(), logger)
		slog.Info("Send SIGUSR1 to kill the live server", "pid", os.Getpid())
	default:
		faults = scenario.AutoKill(group, logger)
	}

	rep, err := scenario.Run(ctx, names, faults, scenario.Config{
		ConnectionFactory: cfg.Scenario.ConnectionFactory,
		Queue:             cfg.Scenario.Queue,
		Messages:          cfg.Scenario.Messages,
		ReceiveTimeout:    cfg.Scenario.ReceiveTimeout,
	}, logger)
	if err != nil {
		return err
	}

	slog.Info("Scenario finished",
		slog.Int("sent", len(rep.Sent)),
		slog.Int("acknowledged", len(rep.Acknowledged)),
		slog.Int("redelivered_after_first_failover", countRedelivered(rep.AfterFirstFailover)),
		slog.Int("redelivered_after_second_failover", countRedelivered(rep.AfterSecondFailover)),
		slog.Int("drained", len(rep.Drained)),
		slog.String("drained_binding", rep.DrainedBinding.String()))
	for _, n := range group.Status() {
		slog.Info("Node status",
			slog.String("node", n.Name),
			slog.Bool("alive", n.Alive),
			slog.Bool("live", n.Live),
			slog.Bool("promoted", n.Promoted))
	}
	return nil
}

// newMembers opens one journal per configured node.
func newMembers(cfg config.ClusterConfig) ([]ha.Member, error) {
	members := make([]ha.Member, len(cfg.Nodes))
	if cfg.Storage.Type != "badger" {
		for i, name := range cfg.Nodes {
			members[i] = ha.Member{Name: name}
		}
		slog.Info("Using in-memory journals")
		return members, nil
	}

	compression, err := storage.ParseCompression(cfg.Storage.Compression)
	if err != nil {
		return nil, err
	}
	for i, name := range cfg.Nodes {
		dir := filepath.Join(cfg.Storage.BadgerDir, name)
		j, err := badger.New(badger.Config{
			Dir:         dir,
			SyncWrites:  cfg.Storage.SyncWrites,
			Compression: compression,
		})
		if err != nil {
			for _, m := range members[:i] {
				err = multierr.Append(err, m.Journal.Close())
			}
			return nil, err
		}
		members[i] = ha.Member{Name: name, Journal: j}
	}
	slog.Info("Using BadgerDB journals", "dir", cfg.Storage.BadgerDir, "compression", compression.String())
	return members, nil
}

func countRedelivered(ds []scenario.Delivery) int {
	var n int
	for _, d := range ds {
		if d.Redelivered {
			n++
		}
	}
	return n
}
