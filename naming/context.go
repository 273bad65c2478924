// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package naming is a directory that maps names to administered objects such
// as connection factories and queues.
package naming

import (
	"fmt"
	"maps"
	"slices"
	"strings"
	"sync"

	"github.com/absmach/failover/client"
	"github.com/absmach/failover/message"
)

// Context is a flat naming context. It is safe for concurrent use.
type Context struct {
	mu       sync.RWMutex
	bindings map[string]any
	closed   bool
}

// New creates an empty context.
func New() *Context {
	return &Context{bindings: make(map[string]any)}
}

func normalize(name string) (string, error) {
	name = strings.Trim(strings.TrimSpace(name), "/")
	if name == "" {
		return "", ErrInvalidName
	}
	return name, nil
}

// Bind binds obj to name. Binding a bound name fails with ErrAlreadyBound.
func (c *Context) Bind(name string, obj any) error {
	return c.bind(name, obj, false)
}

// Rebind binds obj to name, replacing any existing binding.
func (c *Context) Rebind(name string, obj any) error {
	return c.bind(name, obj, true)
}

func (c *Context) bind(name string, obj any, replace bool) error {
	n, err := normalize(name)
	if err != nil {
		return err
	}
	if obj == nil {
		return fmt.Errorf("%w: nil object for %q", ErrInvalidName, name)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrContextClosed
	}
	if _, ok := c.bindings[n]; ok && !replace {
		return fmt.Errorf("%w: %s", ErrAlreadyBound, n)
	}
	c.bindings[n] = obj
	return nil
}

// Unbind removes the binding of name. Unbinding an unbound name is a no-op.
func (c *Context) Unbind(name string) error {
	n, err := normalize(name)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrContextClosed
	}
	delete(c.bindings, n)
	return nil
}

// Lookup returns the object bound to name.
func (c *Context) Lookup(name string) (any, error) {
	n, err := normalize(name)
	if err != nil {
		return nil, err
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.closed {
		return nil, ErrContextClosed
	}
	obj, ok := c.bindings[n]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNameNotFound, n)
	}
	return obj, nil
}

// List returns the bound names in lexical order.
func (c *Context) List() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return slices.Sorted(maps.Keys(c.bindings))
}

// Close releases the context. Closing a closed context is a no-op.
func (c *Context) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.closed = true
	clear(c.bindings)
	return nil
}

func lookupAs[T any](c *Context, name string) (T, error) {
	var zero T
	obj, err := c.Lookup(name)
	if err != nil {
		return zero, err
	}
	v, ok := obj.(T)
	if !ok {
		return zero, fmt.Errorf("%w: %s is %T, want %T", ErrWrongType, name, obj, zero)
	}
	return v, nil
}

// LookupConnectionFactory returns the connection factory bound to name.
func (c *Context) LookupConnectionFactory(name string) (*client.ConnectionFactory, error) {
	return lookupAs[*client.ConnectionFactory](c, name)
}

// LookupQueue returns the queue bound to name.
func (c *Context) LookupQueue(name string) (message.Destination, error) {
	return lookupAs[message.Destination](c, name)
}
