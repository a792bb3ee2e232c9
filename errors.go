package parcomm

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidCfg     = errors.New("parcomm: invalid options")
	ErrPrecondition   = errors.New("parcomm: precondition violated")
	ErrReferencePack  = errors.New("parcomm: cannot pack a reference type, payloads must be values")
	ErrPackOverflow   = errors.New("parcomm: pack overflows buffer")
	ErrUnpackOverflow = errors.New("parcomm: read past the end of buffer")
	ErrNotAllocated   = errors.New("parcomm: buffer has no backing storage")
	ErrNotSupported   = errors.New("parcomm: operation not supported")
	ErrSizeMismatch   = errors.New("parcomm: received size differs from expected size")
	ErrBroadcastState = errors.New("parcomm: broadcast used out of order")
)

// BoundsError is returned when a buffer operation would cross the end of
// the backing storage. Nothing has been read or written when it is
// returned.
type BoundsError struct {
	// Op is one of "pack", "unpack" or "skip".
	Op       string
	Offset   int
	Need     int
	Capacity int
}

func (e *BoundsError) Error() string {
	return fmt.Sprintf(
		"parcomm: %s of %d bytes at offset %d exceeds capacity %d",
		e.Op, e.Need, e.Offset, e.Capacity,
	)
}

func (e *BoundsError) Unwrap() error {
	if e.Op == "pack" {
		return ErrPackOverflow
	}
	return ErrUnpackOverflow
}

func preconditionf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrPrecondition, fmt.Sprintf(format, args...))
}
