// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package memory

import (
	"testing"

	"github.com/absmach/failover/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJournalAppendLoadOrdered(t *testing.T) {
	j := New()
	defer j.Close()

	for _, seq := range []uint64{3, 1, 2} {
		require.NoError(t, j.Append(&storage.Record{ID: string(rune('a' + seq)), Queue: "q", Sequence: seq}))
	}

	recs, err := j.Load()
	require.NoError(t, err)
	require.Len(t, recs, 3)
	assert.Equal(t, uint64(1), recs[0].Sequence)
	assert.Equal(t, uint64(2), recs[1].Sequence)
	assert.Equal(t, uint64(3), recs[2].Sequence)
}

func TestJournalStoresCopies(t *testing.T) {
	j := New()
	defer j.Close()

	rec := &storage.Record{ID: "a", Body: []byte("hello")}
	require.NoError(t, j.Append(rec))
	rec.Body[0] = 'j'

	recs, err := j.Load()
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), recs[0].Body)
}

func TestJournalDeliveryCountAndDelete(t *testing.T) {
	j := New()
	defer j.Close()

	require.NoError(t, j.Append(&storage.Record{ID: "a", Sequence: 1}))
	require.NoError(t, j.Append(&storage.Record{ID: "b", Sequence: 2}))

	require.NoError(t, j.SetDeliveryCount("a", 2))
	assert.ErrorIs(t, j.SetDeliveryCount("missing", 1), storage.ErrNotFound)

	require.NoError(t, j.Delete("b", "unknown"))

	recs, err := j.Load()
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "a", recs[0].ID)
	assert.Equal(t, 2, recs[0].DeliveryCount)
}

func TestJournalClose(t *testing.T) {
	j := New()
	require.NoError(t, j.Close())
	require.NoError(t, j.Close())

	assert.ErrorIs(t, j.Append(&storage.Record{ID: "a"}), storage.ErrClosed)
	_, err := j.Load()
	assert.ErrorIs(t, err, storage.ErrClosed)
}
