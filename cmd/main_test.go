// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"io"
	"path/filepath"
	"testing"

	dgbadger "github.com/dgraph-io/badger/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/absmach/failover/config"
	"github.com/absmach/failover/storage/badger"
)

func writeConfig(t *testing.T, cfg *config.Config) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, cfg.Save(path))
	return path
}

func badgerConfig(t *testing.T) *config.Config {
	t.Helper()

	cfg := config.Default()
	cfg.Log.Level = "error"
	cfg.Cluster.Storage.Type = "badger"
	cfg.Cluster.Storage.BadgerDir = t.TempDir()
	return cfg
}

// requireReleased opens every node journal again. Badger holds a directory
// lock, so this fails if a previous run left a journal open.
func requireReleased(t *testing.T, cfg *config.Config) {
	t.Helper()

	for _, name := range cfg.Cluster.Nodes {
		j, err := badger.New(badger.Config{Dir: filepath.Join(cfg.Cluster.Storage.BadgerDir, name)})
		require.NoError(t, err, "journal of %s is still open", name)
		require.NoError(t, j.Close())
	}
}

func TestStart(t *testing.T) {
	cfg := badgerConfig(t)
	cfg.Scenario.Messages = 9

	assert.Equal(t, 0, start([]string{"-config", writeConfig(t, cfg)}, io.Discard))
	requireReleased(t, cfg)
}

func TestStartFailsOnLookup(t *testing.T) {
	cfg := badgerConfig(t)
	cfg.Scenario.Queue = "queue/missing"

	assert.Equal(t, 1, start([]string{"-config", writeConfig(t, cfg)}, io.Discard))
	requireReleased(t, cfg)
}

func TestStartFailsOnCorruptJournal(t *testing.T) {
	cfg := badgerConfig(t)

	// The second node cannot rebuild its queues, so the group is never built.
	opts := dgbadger.DefaultOptions(filepath.Join(cfg.Cluster.Storage.BadgerDir, cfg.Cluster.Nodes[1]))
	opts.Logger = nil
	db, err := dgbadger.Open(opts)
	require.NoError(t, err)
	require.NoError(t, db.Update(func(txn *dgbadger.Txn) error {
		return txn.Set([]byte("rec/00000000000000000001"), []byte("not a record"))
	}))
	require.NoError(t, db.Close())

	assert.Equal(t, 1, start([]string{"-config", writeConfig(t, cfg)}, io.Discard))
	requireReleased(t, cfg)
}

func TestStartInvalidConfig(t *testing.T) {
	cfg := config.Default()
	cfg.Cluster.DeliveryReplication = "sometimes"
	assert.Equal(t, 1, start([]string{"-config", writeConfig(t, cfg)}, io.Discard))

	assert.Equal(t, 2, start([]string{"-unknown"}, io.Discard))
}
