package parcomm

import (
	"math"
)

// Mode of a `Buffer`.
type Mode uint8

const (
	// Sizing only advances the cursor, nothing is stored.
	Sizing Mode = iota
	// Transfer reads and writes bytes of the attached storage.
	Transfer
)

func (m Mode) String() string {
	switch m {
	case Sizing:
		return "sizing"
	case Transfer:
		return "transfer"
	default:
		return "unknown"
	}
}

// Buffer is a cursor over a contiguous byte region.
//
// It is meant to be driven twice by the same code: first in `Sizing` mode,
// which measures how many bytes the values need, then in `Transfer` mode
// once `Allocate` provided storage of exactly that size. The offsets
// computed by both passes are identical, which is what makes a single
// allocation sufficient.
//
// Values whose size is a power of two greater than one are aligned to that
// size relative to the start of the buffer. Padding bytes are zeroed.
//
// The zero value is an empty buffer in `Sizing` mode.
type Buffer struct {
	mode Mode
	data []byte
	pos  int

	// peeking counts the nested `Peek` calls in progress.
	peeking int
}

// NewBuffer returns a buffer in `Transfer` mode over data.
func NewBuffer(data []byte) *Buffer {
	b := &Buffer{}
	b.Attach(data)
	return b
}

func (b *Buffer) Mode() Mode {
	return b.mode
}

// Size is the number of bytes consumed so far.
func (b *Buffer) Size() int {
	return b.pos
}

// Capacity of the backing storage, zero in `Sizing` mode.
func (b *Buffer) Capacity() int {
	return len(b.data)
}

// Remaining is `Capacity() - Size()`. It is negative for a buffer that
// measured values in `Sizing` mode and has no storage yet.
func (b *Buffer) Remaining() int {
	return len(b.data) - b.pos
}

// available is `Remaining` clamped at zero, to bound reads and allocations.
func (b *Buffer) available() int {
	return max(b.Remaining(), 0)
}

// Bytes returns the backing storage. It aliases the buffer.
func (b *Buffer) Bytes() []byte {
	return b.data
}

// Attach switches to `Transfer` mode over data and rewinds.
func (b *Buffer) Attach(data []byte) {
	b.mode = Transfer
	b.data = data
	b.pos = 0
}

// Allocate backs the buffer with zeroed storage of `Size()` bytes, switches
// to `Transfer` mode and rewinds. It returns the new storage.
func (b *Buffer) Allocate() []byte {
	data := make([]byte, b.pos)
	b.Attach(data)
	return data
}

// SetSize drops the storage and goes back to `Sizing` mode as if n bytes
// had been measured. Use it when the size is learnt from elsewhere.
func (b *Buffer) SetSize(n int) {
	b.mode = Sizing
	b.data = nil
	b.pos = max(n, 0)
}

// Reset rewinds the cursor without touching the storage.
func (b *Buffer) Reset() {
	b.pos = 0
}

func alignPad(offset, size int) int {
	if size <= 1 || size&(size-1) != 0 {
		return 0
	}
	return (size - offset%size) % size
}

// reserve advances the cursor past n aligned values of size bytes and
// returns the offset of the first one. ok is false in `Sizing` mode.
func (b *Buffer) reserve(size, n int) (off int, ok bool, err error) {
	pad := alignPad(b.pos, size)
	need, err := span(pad, size, n)
	if err != nil {
		return 0, false, err
	}

	if b.mode == Sizing {
		b.pos += need
		return 0, false, nil
	}
	if need > len(b.data)-b.pos {
		return 0, false, &BoundsError{Op: "pack", Offset: b.pos, Need: need, Capacity: len(b.data)}
	}

	clear(b.data[b.pos : b.pos+pad])
	off = b.pos + pad
	b.pos += need
	return off, true, nil
}

// consume is the reading counterpart of reserve.
func (b *Buffer) consume(op string, size, n int) (int, error) {
	if b.mode == Sizing {
		return 0, ErrNotAllocated
	}

	pad := alignPad(b.pos, size)
	need, err := span(pad, size, n)
	if err != nil {
		return 0, err
	}
	if need > len(b.data)-b.pos {
		return 0, &BoundsError{Op: op, Offset: b.pos, Need: need, Capacity: len(b.data)}
	}

	off := b.pos + pad
	b.pos += need
	return off, nil
}

// skip advances past n aligned values. It works in both modes so that
// sizing and transfer passes can share the code which calls it.
func (b *Buffer) skip(size, n int) error {
	if b.mode == Sizing {
		_, _, err := b.reserve(size, n)
		return err
	}
	_, err := b.consume("skip", size, n)
	return err
}

func span(pad, size, n int) (int, error) {
	if n < 0 {
		return 0, preconditionf("negative count %d", n)
	}
	if size > 0 && n > (math.MaxInt-pad)/size {
		return 0, preconditionf("%d values of %d bytes overflow int", n, size)
	}
	return pad + size*n, nil
}

// PackValue appends the bytes of v.
func PackValue[T any](b *Buffer, v T) error {
	size, err := layoutOf[T]()
	if err != nil {
		return err
	}
	off, ok, err := b.reserve(size, 1)
	if !ok {
		return err
	}
	copy(b.data[off:off+size], bytesOf(&v, size))
	return nil
}

// PackValues appends the bytes of vs, without any length prefix.
func PackValues[T any](b *Buffer, vs []T) error {
	size, err := layoutOf[T]()
	if err != nil {
		return err
	}
	off, ok, err := b.reserve(size, len(vs))
	if !ok {
		return err
	}
	copy(b.data[off:], sliceBytes(vs, size))
	return nil
}

// UnpackValue reads one T.
func UnpackValue[T any](b *Buffer) (T, error) {
	var v T
	err := UnpackInto(b, &v)
	return v, err
}

// UnpackInto reads one T into p.
func UnpackInto[T any](b *Buffer, p *T) error {
	size, err := layoutOf[T]()
	if err != nil {
		return err
	}
	off, err := b.consume("unpack", size, 1)
	if err != nil {
		return err
	}
	copy(bytesOf(p, size), b.data[off:off+size])
	return nil
}

// UnpackValues fills vs.
func UnpackValues[T any](b *Buffer, vs []T) error {
	size, err := layoutOf[T]()
	if err != nil {
		return err
	}
	off, err := b.consume("unpack", size, len(vs))
	if err != nil {
		return err
	}
	copy(sliceBytes(vs, size), b.data[off:])
	return nil
}

// PeekValue reads one T without moving the cursor.
func PeekValue[T any](b *Buffer) (T, error) {
	defer b.restore(b.pos)
	return UnpackValue[T](b)
}

// PeekValues fills vs without moving the cursor.
func PeekValues[T any](b *Buffer, vs []T) error {
	defer b.restore(b.pos)
	return UnpackValues(b, vs)
}

// Skip advances past count values of T, including their alignment padding.
func Skip[T any](b *Buffer, count int) error {
	size, err := layoutOf[T]()
	if err != nil {
		return err
	}
	return b.skip(size, count)
}

// SkipPair advances past count pairs packed with `PairValue`.
func SkipPair[A, B any](b *Buffer, count int) error {
	sa, err := layoutOf[A]()
	if err != nil {
		return err
	}
	sb, err := layoutOf[B]()
	if err != nil {
		return err
	}
	if count < 0 {
		return preconditionf("negative count %d", count)
	}
	for range count {
		if err := b.skip(sa, 1); err != nil {
			return err
		}
		if err := b.skip(sb, 1); err != nil {
			return err
		}
	}
	return nil
}

// PackString appends the length of s as a uint64 followed by its bytes.
func (b *Buffer) PackString(s string) error {
	if err := PackValue(b, uint64(len(s))); err != nil {
		return err
	}
	off, ok, err := b.reserve(1, len(s))
	if !ok {
		return err
	}
	copy(b.data[off:], s)
	return nil
}

func (b *Buffer) UnpackString() (string, error) {
	n, err := UnpackValue[uint64](b)
	if err != nil {
		return "", err
	}
	if n > uint64(b.available()) {
		return "", &BoundsError{Op: "unpack", Offset: b.pos, Need: clampInt(n), Capacity: len(b.data)}
	}
	off, err := b.consume("unpack", 1, int(n))
	if err != nil {
		return "", err
	}
	return string(b.data[off : off+int(n)]), nil
}

func (b *Buffer) PeekString() (string, error) {
	defer b.restore(b.pos)
	return b.UnpackString()
}

// Pack writes every item in order.
func (b *Buffer) Pack(items ...Packer) error {
	for _, it := range items {
		if err := it.PackTo(b); err != nil {
			return err
		}
	}
	return nil
}

// Unpack reads every item in order.
func (b *Buffer) Unpack(items ...Unpacker) error {
	for _, it := range items {
		if err := it.UnpackFrom(b); err != nil {
			return err
		}
	}
	return nil
}

// Peek reads every item in order, then rewinds to where it started.
// Values holding a map cannot be peeked.
func (b *Buffer) Peek(items ...Unpacker) error {
	defer b.restore(b.pos)
	b.peeking++
	defer func() { b.peeking-- }()
	return b.Unpack(items...)
}

func (b *Buffer) restore(pos int) {
	b.pos = pos
}

// Encode runs fill twice, once to measure and once to write, and returns
// bytes of exactly the measured size.
func Encode(fill func(b *Buffer) error) ([]byte, error) {
	var b Buffer
	if err := fill(&b); err != nil {
		return nil, err
	}
	data := b.Allocate()
	if err := fill(&b); err != nil {
		return nil, err
	}
	if b.Size() != len(data) {
		return nil, preconditionf("transfer pass wrote %d bytes, sizing pass measured %d", b.Size(), len(data))
	}
	return data, nil
}

func clampInt(n uint64) int {
	if n > math.MaxInt {
		return math.MaxInt
	}
	return int(n)
}
