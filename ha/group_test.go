// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package ha

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/absmach/failover/client"
	"github.com/absmach/failover/message"
	"github.com/absmach/failover/storage"
	"github.com/absmach/failover/storage/badger"
	"github.com/absmach/failover/storage/memory"
)

var q = message.Queue("exampleQueue")

func newGroup(t *testing.T, policy DeliveryReplication, names ...string) *Group {
	t.Helper()

	if len(names) == 0 {
		names = []string{"live", "backup-1", "backup-2"}
	}
	members := make([]Member, len(names))
	for i, name := range names {
		members[i] = Member{Name: name}
	}
	g, err := New(Config{Members: members, DeliveryReplication: policy})
	require.NoError(t, err)
	t.Cleanup(func() { g.Close() })
	return g
}

func send(t *testing.T, g *Group, n int) []string {
	t.Helper()

	ids := make([]string, n)
	for i := range ids {
		env := message.New(q, []byte(fmt.Sprintf("%d", i)))
		require.NoError(t, g.Send(context.Background(), env))
		ids[i] = env.ID()
	}
	return ids
}

func fetch(t *testing.T, g *Group, owner string, max int) ([]*message.Envelope, client.Binding) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	envs, b, err := g.Fetch(ctx, owner, q, max)
	require.NoError(t, err)
	return envs, b
}

func ids(envs []*message.Envelope) []string {
	out := make([]string, len(envs))
	for i, env := range envs {
		out[i] = env.ID()
	}
	return out
}

func TestNew(t *testing.T) {
	_, err := New(Config{})
	assert.ErrorIs(t, err, ErrNoNodes)

	_, err = New(Config{Members: []Member{{Name: "a"}, {Name: "a"}}})
	assert.ErrorIs(t, err, ErrDuplicateNode)

	g := newGroup(t, "")
	assert.Equal(t, ReplicatePromoted, g.policy)

	b, err := g.Connect(context.Background())
	require.NoError(t, err)
	assert.Equal(t, client.Binding{Node: "live", Epoch: 0}, b)

	status := g.Status()
	require.Len(t, status, 3)
	assert.True(t, status[0].Live)
	assert.False(t, status[1].Live)
}

// countingJournal counts Close calls and can fail Load.
type countingJournal struct {
	storage.Journal
	closes  int
	loadErr error
}

func newCountingJournal(loadErr error) *countingJournal {
	return &countingJournal{Journal: memory.New(), loadErr: loadErr}
}

func (j *countingJournal) Load() ([]*storage.Record, error) {
	if j.loadErr != nil {
		return nil, j.loadErr
	}
	return j.Journal.Load()
}

func (j *countingJournal) Close() error {
	j.closes++
	return j.Journal.Close()
}

func TestNewClosesJournalsOnFailure(t *testing.T) {
	errLoad := errors.New("corrupt journal")

	cases := []struct {
		desc  string
		names []string
		fail  int // member whose journal fails to load, -1 for none
		err   error
	}{
		{"duplicate name", []string{"live", "live", "backup"}, -1, ErrDuplicateNode},
		{"empty name", []string{"live", "", "backup"}, -1, ErrDuplicateNode},
		{"load failure", []string{"live", "backup-1", "backup-2"}, 1, errLoad},
	}

	for _, tc := range cases {
		t.Run(tc.desc, func(t *testing.T) {
			journals := make([]*countingJournal, len(tc.names))
			members := make([]Member, len(tc.names))
			for i, name := range tc.names {
				var loadErr error
				if i == tc.fail {
					loadErr = errLoad
				}
				journals[i] = newCountingJournal(loadErr)
				members[i] = Member{Name: name, Journal: journals[i]}
			}

			_, err := New(Config{Members: members})
			assert.ErrorIs(t, err, tc.err)
			for i, j := range journals {
				assert.Equal(t, 1, j.closes, "journal of member %d", i)
			}
		})
	}
}

func TestFetchAndAcknowledge(t *testing.T) {
	g := newGroup(t, ReplicatePromoted)
	sent := send(t, g, 5)

	envs, b := fetch(t, g, "s1", 3)
	assert.Equal(t, sent[:3], ids(envs))
	assert.Equal(t, g.Binding(), b)
	for _, env := range envs {
		assert.False(t, env.Redelivered())
	}

	ready, inflight, err := g.Depth(q.Name())
	require.NoError(t, err)
	assert.Equal(t, 2, ready)
	assert.Equal(t, 3, inflight)

	// Another owner cannot acknowledge, and the whole batch is rejected.
	err = g.Acknowledge(context.Background(), "s2", b, sent[:1])
	assert.ErrorIs(t, err, client.ErrUnknownDelivery)
	err = g.Acknowledge(context.Background(), "s1", b, []string{sent[0], sent[4]})
	assert.ErrorIs(t, err, client.ErrUnknownDelivery)
	_, inflight, _ = g.Depth(q.Name())
	assert.Equal(t, 3, inflight)

	require.NoError(t, g.Acknowledge(context.Background(), "s1", b, sent[:3]))
	ready, inflight, _ = g.Depth(q.Name())
	assert.Equal(t, 2, ready)
	assert.Zero(t, inflight)

	// Acknowledgements are replicated to the backups.
	_, err = g.Kill()
	require.NoError(t, err)
	ready, _, _ = g.Depth(q.Name())
	assert.Equal(t, 2, ready)
}

func TestAcknowledgeStaleBinding(t *testing.T) {
	g := newGroup(t, ReplicatePromoted)
	sent := send(t, g, 2)
	_, b := fetch(t, g, "s1", 2)

	nb, err := g.Kill()
	require.NoError(t, err)
	assert.Equal(t, client.Binding{Node: "backup-1", Epoch: 1}, nb)

	err = g.Acknowledge(context.Background(), "s1", b, sent)
	assert.ErrorIs(t, err, client.ErrStaleBinding)
	err = g.Release(context.Background(), "s1", b, sent)
	assert.ErrorIs(t, err, client.ErrStaleBinding)

	// The promoted node still holds both records as ready.
	envs, b2 := fetch(t, g, "s1", 10)
	assert.Equal(t, sent, ids(envs))
	assert.Equal(t, nb, b2)
}

func TestRelease(t *testing.T) {
	g := newGroup(t, ReplicatePromoted)
	sent := send(t, g, 3)
	_, b := fetch(t, g, "s1", 3)

	require.NoError(t, g.Release(context.Background(), "s1", b, []string{sent[2], sent[0]}))

	envs, _ := fetch(t, g, "s1", 10)
	assert.Equal(t, []string{sent[0], sent[2]}, ids(envs))
	for _, env := range envs {
		assert.True(t, env.Redelivered())
		assert.Equal(t, 1, env.RedeliveryCount())
	}
}

func TestDeliveryReplication(t *testing.T) {
	cases := []struct {
		policy DeliveryReplication
		first  bool // redelivered after the first failover
		second bool // redelivered after the second failover
	}{
		{ReplicateNone, false, false},
		{ReplicateAlways, true, true},
		{ReplicatePromoted, false, true},
	}

	for _, tc := range cases {
		t.Run(string(tc.policy), func(t *testing.T) {
			g := newGroup(t, tc.policy)
			send(t, g, 1)

			fetch(t, g, "s1", 1)
			_, err := g.Kill()
			require.NoError(t, err)

			envs, _ := fetch(t, g, "s1", 1)
			require.Len(t, envs, 1)
			assert.Equal(t, tc.first, envs[0].Redelivered())

			_, err = g.Kill()
			require.NoError(t, err)

			envs, _ = fetch(t, g, "s1", 1)
			require.Len(t, envs, 1)
			assert.Equal(t, tc.second, envs[0].Redelivered())
		})
	}
}

func TestFetchWaitsForSend(t *testing.T) {
	g := newGroup(t, ReplicatePromoted)

	done := make(chan []*message.Envelope, 1)
	go func() {
		envs, _ := fetch(t, g, "s1", 10)
		done <- envs
	}()

	sent := send(t, g, 1)
	select {
	case envs := <-done:
		assert.Equal(t, sent, ids(envs))
	case <-time.After(5 * time.Second):
		t.Fatal("fetch did not return after send")
	}
}

func TestFetchFollowsFailover(t *testing.T) {
	g := newGroup(t, ReplicatePromoted)

	type result struct {
		envs []*message.Envelope
		b    client.Binding
	}
	done := make(chan result, 1)
	go func() {
		envs, b := fetch(t, g, "s1", 10)
		done <- result{envs, b}
	}()

	_, err := g.Kill()
	require.NoError(t, err)
	sent := send(t, g, 1)

	select {
	case r := <-done:
		assert.Equal(t, sent, ids(r.envs))
		assert.Equal(t, client.Binding{Node: "backup-1", Epoch: 1}, r.b)
	case <-time.After(5 * time.Second):
		t.Fatal("fetch did not follow the failover")
	}
}

func TestFetchDoneContext(t *testing.T) {
	g := newGroup(t, ReplicatePromoted)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, _, err := g.Fetch(ctx, "s1", q, 10)
	assert.ErrorIs(t, err, context.Canceled)

	sent := send(t, g, 1)
	envs, _, err := g.Fetch(ctx, "s1", q, 10)
	require.NoError(t, err)
	assert.Equal(t, sent, ids(envs))
}

func TestKillAll(t *testing.T) {
	g := newGroup(t, ReplicatePromoted, "live", "backup")

	_, err := g.Kill()
	require.NoError(t, err)
	b, err := g.Kill()
	assert.ErrorIs(t, err, ErrNoLiveNode)
	assert.Equal(t, client.Binding{Epoch: 2}, b)

	_, err = g.Connect(context.Background())
	assert.ErrorIs(t, err, ErrNoLiveNode)
	err = g.Send(context.Background(), message.New(q, nil))
	assert.ErrorIs(t, err, ErrNoLiveNode)
	_, err = g.Kill()
	assert.ErrorIs(t, err, ErrNoLiveNode)
}

func TestClose(t *testing.T) {
	g := newGroup(t, ReplicatePromoted)

	require.NoError(t, g.Close())
	require.NoError(t, g.Close())

	err := g.Send(context.Background(), message.New(q, nil))
	assert.ErrorIs(t, err, ErrGroupClosed)
}

func TestBadgerJournalSurvivesRestart(t *testing.T) {
	dir := t.TempDir()
	open := func() *Group {
		j, err := badger.New(badger.Config{Dir: dir, Compression: storage.CompressionS2})
		require.NoError(t, err)
		g, err := New(Config{Members: []Member{{Name: "live", Journal: j}}})
		require.NoError(t, err)
		return g
	}

	g := open()
	sent := send(t, g, 3)
	envs, b := fetch(t, g, "s1", 1)
	require.NoError(t, g.Acknowledge(context.Background(), "s1", b, ids(envs)))
	fetch(t, g, "s1", 1)
	require.NoError(t, g.Close())

	g = open()
	defer g.Close()

	envs, _ = fetch(t, g, "s1", 10)
	assert.Equal(t, sent[1:], ids(envs))
	assert.True(t, envs[0].Redelivered(), "delivery count is journaled")
	assert.False(t, envs[1].Redelivered())
	assert.Equal(t, "1", envs[0].Text())
}

func TestParseDeliveryReplication(t *testing.T) {
	cases := []struct {
		in   string
		want DeliveryReplication
		err  bool
	}{
		{"none", ReplicateNone, false},
		{"ALWAYS", ReplicateAlways, false},
		{" promoted ", ReplicatePromoted, false},
		{"", ReplicatePromoted, false},
		{"sometimes", "", true},
	}

	for _, tc := range cases {
		got, err := ParseDeliveryReplication(tc.in)
		if tc.err {
			assert.ErrorIs(t, err, ErrInvalidPolicy)
			continue
		}
		require.NoError(t, err)
		assert.Equal(t, tc.want, got)
	}
}
