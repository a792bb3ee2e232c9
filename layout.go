package parcomm

import (
	"fmt"
	"reflect"
	"sync"
	"unsafe"
)

// layouts caches the outcome of `checkFixed` per type.
var layouts sync.Map // reflect.Type -> layout

type layout struct {
	size int
	err  error
}

// layoutOf returns the size of T when its in-memory representation can be
// copied byte for byte to another process.
func layoutOf[T any]() (int, error) {
	t := reflect.TypeFor[T]()
	if l, ok := layouts.Load(t); ok {
		l := l.(layout)
		return l.size, l.err
	}

	l := layout{size: int(t.Size())}
	if err := checkFixed(t); err != nil {
		l.err = fmt.Errorf("%w: %s: %w", ErrReferencePack, t, err)
	}
	layouts.Store(t, l)
	return l.size, l.err
}

func checkFixed(t reflect.Type) error {
	switch t.Kind() {
	case reflect.Bool,
		reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
		reflect.Float32, reflect.Float64,
		reflect.Complex64, reflect.Complex128:
		return nil
	case reflect.Array:
		return checkFixed(t.Elem())
	case reflect.Struct:
		for i := range t.NumField() {
			f := t.Field(i)
			if err := checkFixed(f.Type); err != nil {
				return fmt.Errorf("field %s: %w", f.Name, err)
			}
		}
		return nil
	case reflect.Uintptr:
		return fmt.Errorf("uintptr is an address")
	default:
		return fmt.Errorf("%s holds a reference", t.Kind())
	}
}

func bytesOf[T any](p *T, size int) []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(p)), size)
}

func sliceBytes[T any](s []T, size int) []byte {
	if len(s) == 0 {
		return nil
	}
	return unsafe.Slice((*byte)(unsafe.Pointer(unsafe.SliceData(s))), len(s)*size)
}
