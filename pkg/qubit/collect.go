package qubit

import (
	"reflect"
	"slices"
)

// Holder is implemented by operation inputs that know which resources they
// carry.
type Holder interface {
	Resources() []ID
}

var (
	idType     = reflect.TypeOf(ID(0))
	holderType = reflect.TypeOf((*Holder)(nil)).Elem()
)

// Collect returns every id reachable from an operation input, deduplicated
// and sorted. It walks slices, arrays, maps, pointers, interfaces and
// exported struct fields.
func Collect(input any) []ID {
	var ids []ID
	collect(reflect.ValueOf(input), &ids, 0)
	slices.Sort(ids)
	return slices.Compact(ids)
}

// maxCollectDepth stops runaway recursion through cyclic pointers.
const maxCollectDepth = 64

func collect(v reflect.Value, ids *[]ID, depth int) {
	if !v.IsValid() || depth > maxCollectDepth {
		return
	}
	if v.Type() == idType {
		*ids = append(*ids, ID(v.Int()))
		return
	}
	if v.Type().Implements(holderType) && v.CanInterface() {
		if v.Kind() == reflect.Pointer && v.IsNil() {
			return
		}
		*ids = append(*ids, v.Interface().(Holder).Resources()...)
		return
	}
	switch v.Kind() {
	case reflect.Pointer, reflect.Interface:
		if !v.IsNil() {
			collect(v.Elem(), ids, depth+1)
		}
	case reflect.Slice, reflect.Array:
		for i := 0; i < v.Len(); i++ {
			collect(v.Index(i), ids, depth+1)
		}
	case reflect.Map:
		iter := v.MapRange()
		for iter.Next() {
			collect(iter.Key(), ids, depth+1)
			collect(iter.Value(), ids, depth+1)
		}
	case reflect.Struct:
		t := v.Type()
		for i := 0; i < v.NumField(); i++ {
			if !t.Field(i).IsExported() {
				continue
			}
			collect(v.Field(i), ids, depth+1)
		}
	}
}
