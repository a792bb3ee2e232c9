package parcomm

import (
	"context"
	"fmt"
	"slices"
	"strconv"

	"github.com/raskyld/parcomm/pkg/transport"
)

// BroadcastState tracks where a `Broadcast` is in its lifecycle.
type BroadcastState uint8

const (
	BroadcastSizing BroadcastState = iota
	BroadcastAllocated
	BroadcastDone
)

func (s BroadcastState) String() string {
	switch s {
	case BroadcastSizing:
		return "sizing"
	case BroadcastAllocated:
		return "allocated"
	case BroadcastDone:
		return "done"
	default:
		return "unknown"
	}
}

// Broadcast ships a byte payload built with a `Buffer` from one root to
// every participant.
//
// The lifecycle is: size the send buffer on the root (and the receive
// buffer elsewhere if sizes are known locally), `Allocate`, pack again on
// the root, `Communicate`, then unpack from `RecvBuffer`. A finished
// broadcast MUST be `Reset` before it is used again.
type Broadcast struct {
	c     *Comm
	root  int
	send  Buffer
	recv  Buffer
	state BroadcastState
}

func NewBroadcast(c *Comm, root int) (*Broadcast, error) {
	if err := transport.CheckRank(root, c.Size()); err != nil {
		return nil, fmt.Errorf("%w: root: %w", ErrPrecondition, err)
	}
	return &Broadcast{c: c, root: root}, nil
}

func (b *Broadcast) Root() int {
	return b.root
}

func (b *Broadcast) State() BroadcastState {
	return b.state
}

// SendBuffer is only meaningful on the root.
func (b *Broadcast) SendBuffer() *Buffer {
	return &b.send
}

func (b *Broadcast) RecvBuffer() *Buffer {
	return &b.recv
}

// Allocate backs both buffers with storage. When local is false the root
// broadcasts the size it measured first, so other participants need not
// size their receive buffer. When local is true every participant MUST
// have sized its own receive buffer.
//
// It returns whether there is anything to receive.
func (b *Broadcast) Allocate(ctx context.Context, local bool) (bool, error) {
	if b.state != BroadcastSizing {
		return false, fmt.Errorf("%w: allocate while %s", ErrBroadcastState, b.state)
	}

	isRoot := b.c.Rank() == b.root
	recvSize := b.recv.Size()
	if isRoot {
		recvSize = b.send.Size()
	}

	if !local {
		buf := encodeCount(recvSize)
		if err := b.c.tr.Broadcast(ctx, buf, b.root); err != nil {
			return false, err
		}
		n, err := decodeCount(buf)
		if err != nil {
			return false, err
		}
		recvSize = n
	}

	if isRoot {
		b.send.Allocate()
	}
	b.recv.SetSize(recvSize)
	b.recv.Allocate()
	b.state = BroadcastAllocated
	return recvSize > 0, nil
}

// Communicate copies the root's send buffer into every receive buffer.
func (b *Broadcast) Communicate(ctx context.Context) error {
	if b.state != BroadcastAllocated {
		return fmt.Errorf("%w: communicate while %s", ErrBroadcastState, b.state)
	}

	data := b.recv.Bytes()
	if b.c.Rank() == b.root {
		if b.send.Capacity() != len(data) {
			return sizeMismatch(b.root, len(data), b.send.Capacity())
		}
		copy(data, b.send.Bytes())
	}

	if err := b.c.tr.Broadcast(ctx, data, b.root); err != nil {
		return err
	}

	b.c.msink.IncrCounterWithLabels(
		MetricBroadcastBytes,
		float32(len(data)),
		append(slices.Clone(b.c.labels), LabelRoot.M(strconv.Itoa(b.root))),
	)
	b.recv.Reset()
	b.state = BroadcastDone
	return nil
}

// Reset returns both buffers to `Sizing` mode for another broadcast.
func (b *Broadcast) Reset() {
	b.send = Buffer{}
	b.recv = Buffer{}
	b.state = BroadcastSizing
}
