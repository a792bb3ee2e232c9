// Package loopback provides an in-process process group: every
// participant lives in the same Go process and is driven by its own
// goroutine.
//
// It is useful in tests and to run parcomm algorithms on a single
// machine without any network setup.
package loopback

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"code.hybscloud.com/atomix"
	"github.com/raskyld/parcomm/pkg/mailbox"
	"github.com/raskyld/parcomm/pkg/transport"
)

var ErrInvalidSize = errors.New("loopback: group size must be at least 1")

type config struct {
	inboxCapacity int
}

// Option to pass to `New` and `Run`.
type Option func(*config) error

// WithInboxCapacity bounds the number of in-flight messages each
// participant accepts before senders observe backpressure.
func WithInboxCapacity(capacity int) Option {
	return func(c *config) error {
		if capacity < 2 {
			return fmt.Errorf("loopback: inbox capacity must be at least 2, got %d", capacity)
		}
		c.inboxCapacity = capacity
		return nil
	}
}

// Group is a set of in-process participants.
type Group struct {
	endpoints []*mailbox.Endpoint
	closed    atomix.Bool
}

type link struct {
	g *Group
}

func (l link) TryDeliver(dest int, env *mailbox.Envelope) error {
	if l.g.closed.Load() {
		return transport.ErrShutdown
	}
	return l.g.endpoints[dest].Offer(env)
}

func (l link) Err() error {
	if l.g.closed.Load() {
		return transport.ErrShutdown
	}
	return nil
}

// New creates a group of size participants.
func New(size int, opts ...Option) (*Group, error) {
	if size < 1 {
		return nil, ErrInvalidSize
	}

	cfg := config{inboxCapacity: mailbox.DefaultInboxCapacity}
	for _, opt := range opts {
		if err := opt(&cfg); err != nil {
			return nil, err
		}
	}

	g := &Group{endpoints: make([]*mailbox.Endpoint, size)}
	for rank := range size {
		ep, err := mailbox.New(rank, size, link{g: g}, cfg.inboxCapacity)
		if err != nil {
			return nil, err
		}
		g.endpoints[rank] = ep
	}
	return g, nil
}

func (g *Group) Size() int {
	return len(g.endpoints)
}

// Transport of participant rank. It MUST only be used by one goroutine.
func (g *Group) Transport(rank int) transport.Transport {
	return g.endpoints[rank]
}

// Endpoint exposes the matching engine of participant rank.
func (g *Group) Endpoint(rank int) *mailbox.Endpoint {
	return g.endpoints[rank]
}

// Close makes every pending and future operation fail with
// `transport.ErrShutdown`.
func (g *Group) Close() error {
	g.closed.Store(true)
	return nil
}

// Run creates a group of size participants and calls fn once per rank,
// each in its own goroutine. When one participant fails the context handed
// to the others is cancelled so they do not wait forever on it.
func Run(
	ctx context.Context,
	size int,
	fn func(ctx context.Context, tr transport.Transport) error,
	opts ...Option,
) error {
	g, err := New(size, opts...)
	if err != nil {
		return err
	}
	defer g.Close()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	errs := make([]error, size)
	var wg sync.WaitGroup
	for rank := range size {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := fn(ctx, g.Transport(rank)); err != nil {
				errs[rank] = fmt.Errorf("rank %d: %w", rank, err)
				cancel()
			}
		}()
	}
	wg.Wait()
	return errors.Join(errs...)
}
