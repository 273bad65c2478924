// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package naming

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/absmach/failover/client"
	"github.com/absmach/failover/ha"
	"github.com/absmach/failover/message"
)

func TestBindAndLookup(t *testing.T) {
	c := New()

	require.NoError(t, c.Bind("queue/exampleQueue", message.Queue("exampleQueue")))
	err := c.Bind("/queue/exampleQueue/", message.Queue("other"))
	assert.ErrorIs(t, err, ErrAlreadyBound)

	q, err := c.LookupQueue("queue/exampleQueue")
	require.NoError(t, err)
	assert.Equal(t, "exampleQueue", q.Name())

	require.NoError(t, c.Rebind("queue/exampleQueue", message.Queue("other")))
	q, err = c.LookupQueue("queue/exampleQueue")
	require.NoError(t, err)
	assert.Equal(t, "other", q.Name())

	_, err = c.Lookup("missing")
	assert.ErrorIs(t, err, ErrNameNotFound)

	require.NoError(t, c.Unbind("queue/exampleQueue"))
	_, err = c.Lookup("queue/exampleQueue")
	assert.ErrorIs(t, err, ErrNameNotFound)
}

func TestInvalidBindings(t *testing.T) {
	c := New()

	assert.ErrorIs(t, c.Bind("", message.Queue("q")), ErrInvalidName)
	assert.ErrorIs(t, c.Bind("/", message.Queue("q")), ErrInvalidName)
	assert.ErrorIs(t, c.Bind("name", nil), ErrInvalidName)
}

func TestLookupConnectionFactory(t *testing.T) {
	g, err := ha.New(ha.Config{Members: []ha.Member{{Name: "live"}}})
	require.NoError(t, err)
	defer g.Close()

	f, err := client.NewConnectionFactory(g, nil)
	require.NoError(t, err)

	c := New()
	require.NoError(t, c.Bind("ConnectionFactory", f))
	require.NoError(t, c.Bind("queue/exampleQueue", message.Queue("exampleQueue")))
	assert.Equal(t, []string{"ConnectionFactory", "queue/exampleQueue"}, c.List())

	got, err := c.LookupConnectionFactory("ConnectionFactory")
	require.NoError(t, err)
	assert.Same(t, f, got)

	conn, err := got.CreateConnection(context.Background())
	require.NoError(t, err)
	require.NoError(t, conn.Close())

	_, err = c.LookupConnectionFactory("queue/exampleQueue")
	assert.ErrorIs(t, err, ErrWrongType)
	_, err = c.LookupQueue("ConnectionFactory")
	assert.ErrorIs(t, err, ErrWrongType)
}

func TestClose(t *testing.T) {
	c := New()
	require.NoError(t, c.Bind("q", message.Queue("q")))

	require.NoError(t, c.Close())
	require.NoError(t, c.Close())

	_, err := c.Lookup("q")
	assert.ErrorIs(t, err, ErrContextClosed)
	assert.ErrorIs(t, c.Bind("q", message.Queue("q")), ErrContextClosed)
	assert.Empty(t, c.List())
}
