package parcomm

import (
	"cmp"
	"fmt"
	"maps"
	"math"
	"reflect"
	"slices"
)

// Packer writes itself into a `Buffer`. It MUST write the same sequence of
// values whatever the mode of the buffer.
type Packer interface {
	PackTo(b *Buffer) error
}

// Unpacker reads itself back from a `Buffer`, in the order `PackTo` wrote.
type Unpacker interface {
	UnpackFrom(b *Buffer) error
}

// Serializable values can travel through a `Buffer` in both directions.
type Serializable interface {
	Packer
	Unpacker
}

type value[T any] struct{ p *T }

// Value adapts a variable of fixed layout.
func Value[T any](p *T) Serializable {
	return value[T]{p: p}
}

func (v value[T]) PackTo(b *Buffer) error {
	return PackValue(b, *v.p)
}

func (v value[T]) UnpackFrom(b *Buffer) error {
	return UnpackInto(b, v.p)
}

type array[T any] struct{ s []T }

// Array adapts a slice whose length both sides already agree on. No length
// is written.
func Array[T any](s []T) Serializable {
	return array[T]{s: s}
}

func (a array[T]) PackTo(b *Buffer) error {
	return PackValues(b, a.s)
}

func (a array[T]) UnpackFrom(b *Buffer) error {
	return UnpackValues(b, a.s)
}

type str struct{ p *string }

// String adapts a string variable: a uint64 length, then the bytes.
func String(p *string) Serializable {
	return str{p: p}
}

func (s str) PackTo(b *Buffer) error {
	return b.PackString(*s.p)
}

func (s str) UnpackFrom(b *Buffer) (err error) {
	*s.p, err = b.UnpackString()
	return err
}

// Pair of two values.
type Pair[A, B any] struct {
	First  A
	Second B
}

type pair[A, B any] struct{ p *Pair[A, B] }

// PairValue adapts a pair of fixed-layout members. The members are packed
// one after the other, each with its own alignment.
func PairValue[A, B any](p *Pair[A, B]) Serializable {
	return pair[A, B]{p: p}
}

func (p pair[A, B]) PackTo(b *Buffer) error {
	if err := PackValue(b, p.p.First); err != nil {
		return err
	}
	return PackValue(b, p.p.Second)
}

func (p pair[A, B]) UnpackFrom(b *Buffer) error {
	if err := UnpackInto(b, &p.p.First); err != nil {
		return err
	}
	return UnpackInto(b, &p.p.Second)
}

type both struct{ first, second Serializable }

// Both adapts two arbitrary members, packed in order.
func Both(first, second Serializable) Serializable {
	return both{first: first, second: second}
}

func (p both) PackTo(b *Buffer) error {
	return b.Pack(p.first, p.second)
}

func (p both) UnpackFrom(b *Buffer) error {
	return b.Unpack(p.first, p.second)
}

type seq[T any] struct {
	p    *[]T
	elem func(*T) Serializable
}

// Seq adapts a variable-length sequence: a uint32 count, then every
// element through elem.
func Seq[T any](p *[]T, elem func(*T) Serializable) Serializable {
	return seq[T]{p: p, elem: elem}
}

func (s seq[T]) PackTo(b *Buffer) error {
	if len(*s.p) > math.MaxUint32 {
		return preconditionf("sequence of %d elements exceeds a uint32 count", len(*s.p))
	}
	if err := PackValue(b, uint32(len(*s.p))); err != nil {
		return err
	}
	for i := range *s.p {
		if err := s.elem(&(*s.p)[i]).PackTo(b); err != nil {
			return err
		}
	}
	return nil
}

func (s seq[T]) UnpackFrom(b *Buffer) error {
	n, err := UnpackValue[uint32](b)
	if err != nil {
		return err
	}

	// The count is untrusted, do not let it size the allocation alone.
	out := make([]T, 0, min(int(n), b.available()))
	zeroSize := reflect.TypeFor[T]().Size() == 0
	for range n {
		start := b.pos
		var v T
		if err := s.elem(&v).UnpackFrom(b); err != nil {
			return err
		}
		if zeroSize && b.pos == start {
			// Zero-size elements read from nowhere are all alike, the count
			// alone cannot bound the loop.
			*s.p = make([]T, n)
			return nil
		}
		out = append(out, v)
	}
	*s.p = out
	return nil
}

type dict[K cmp.Ordered, V any] struct {
	p   *map[K]V
	key func(*K) Serializable
	val func(*V) Serializable
}

// Map adapts a map: a uint64 count, then every key and value in ascending
// key order so that equal maps always pack to equal bytes.
//
// A map cannot be peeked, `Buffer.Peek` fails with `ErrNotSupported`.
func Map[K cmp.Ordered, V any](p *map[K]V, key func(*K) Serializable, val func(*V) Serializable) Serializable {
	return dict[K, V]{p: p, key: key, val: val}
}

func (d dict[K, V]) PackTo(b *Buffer) error {
	m := *d.p
	if err := PackValue(b, uint64(len(m))); err != nil {
		return err
	}
	for _, k := range slices.Sorted(maps.Keys(m)) {
		v := m[k]
		if err := d.key(&k).PackTo(b); err != nil {
			return err
		}
		if err := d.val(&v).PackTo(b); err != nil {
			return err
		}
	}
	return nil
}

func (d dict[K, V]) UnpackFrom(b *Buffer) error {
	if b.peeking > 0 {
		return fmt.Errorf("%w: peeking a map", ErrNotSupported)
	}

	n, err := UnpackValue[uint64](b)
	if err != nil {
		return err
	}

	m := make(map[K]V, min(clampInt(n), b.available()))
	for range n {
		var (
			k K
			v V
		)
		if err := d.key(&k).UnpackFrom(b); err != nil {
			return err
		}
		if err := d.val(&v).UnpackFrom(b); err != nil {
			return err
		}
		m[k] = v
	}
	*d.p = m
	return nil
}
