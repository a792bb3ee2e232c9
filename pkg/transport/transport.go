// Package transport defines the primitive point-to-point and collective
// operations a process group must offer so that parcomm can exchange data
// over it.
//
// A Transport is owned by a single participant and MUST NOT be used
// concurrently from several goroutines: the model is one logical thread of
// control per participant, with concurrency coming from the other members
// of the group.
package transport

import (
	"context"
	"errors"
	"fmt"
)

// Tag disambiguates unrelated traffic between the same pair of
// participants. Messages only match receives posted with the same tag.
type Tag int32

const (
	// TagBarrier and TagBroadcast are used internally by transports to
	// implement the collectives. User protocols MUST stay below
	// TagReservedBase.
	TagReservedBase Tag = 1 << 30
	TagBarrier      Tag = TagReservedBase + 1
	TagBroadcast    Tag = TagReservedBase + 2
)

// Undefined is returned by `WaitAny` when no active request is left.
const Undefined = -1

var (
	ErrInvalidRank    = errors.New("transport: rank out of range")
	ErrReservedTag    = errors.New("transport: tag is reserved")
	ErrTruncated      = errors.New("transport: message larger than receive buffer")
	ErrCountMismatch  = errors.New("transport: unexpected message length")
	ErrForeignRequest = errors.New("transport: request was not issued by this transport")
	ErrInactive       = errors.New("transport: request already waited on")
	ErrShutdown       = errors.New("transport: shutting down")
)

// Transport is the message-passing substrate of a fixed process group.
type Transport interface {
	// Rank of the local participant, 0 <= Rank() < Size().
	Rank() int
	// Size of the group.
	Size() int

	// Send blocks until the transport has accepted a private copy of
	// payload. It does not wait for the matching receive.
	Send(ctx context.Context, dest int, tag Tag, payload []byte) error

	// Irecv posts a receive for the next message from src with the given
	// tag and returns immediately. Messages between a pair with the same
	// tag are matched in the order they were sent.
	Irecv(src int, tag Tag, buf []byte) (Request, error)

	// Wait blocks until req completes.
	Wait(ctx context.Context, req Request) (Status, error)

	// WaitAny blocks until one of the active requests completes and
	// returns its index. The completed request becomes inactive. nil
	// entries are ignored. When no request is active it returns
	// `Undefined`.
	WaitAny(ctx context.Context, reqs []Request) (int, Status, error)

	// WaitAll blocks until every active request completes.
	WaitAll(ctx context.Context, reqs []Request) ([]Status, error)

	// Barrier returns once every participant has entered it.
	Barrier(ctx context.Context) error

	// Broadcast copies buf from root into buf on every other participant.
	// Every participant MUST pass a buffer of the same length.
	Broadcast(ctx context.Context, buf []byte, root int) error
}

// Request is the handle of a posted receive.
type Request interface {
	Source() int
	Tag() Tag
}

// Status describes a completed receive.
type Status struct {
	Source int
	Tag    Tag
	// Count is the number of bytes actually received.
	Count int
}

// CheckRank returns an error if rank is not a member of a group of size.
func CheckRank(rank, size int) error {
	if rank < 0 || rank >= size {
		return fmt.Errorf("%w: %d not in [0, %d)", ErrInvalidRank, rank, size)
	}
	return nil
}
