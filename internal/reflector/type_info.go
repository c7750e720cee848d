package reflector

import (
	"reflect"
	"sync"
)

var (
	muCache sync.RWMutex
	cache   = make(map[reflect.Type]TypeInfo)
)

// TypeInfo names a type independent of pointer indirection.
type TypeInfo struct {
	// Name is the bare type name, e.g. "Opened".
	Name string
	// FullName is qualified by the package path.
	FullName string
	Type     reflect.Type
}

func (ti TypeInfo) IsZero() bool { return ti.Type == nil }

func TypeInfoOf(x any) TypeInfo {
	return TypeInfoForType(reflect.TypeOf(x))
}

func TypeInfoFor[T any]() TypeInfo {
	return TypeInfoForType(reflect.TypeOf((*T)(nil)).Elem())
}

func TypeInfoForType(t reflect.Type) TypeInfo {
	if t == nil {
		return TypeInfo{}
	}

	muCache.RLock()
	ti, ok := cache[t]
	muCache.RUnlock()
	if ok {
		return ti
	}

	key := t
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}

	ti = TypeInfo{Name: t.Name(), FullName: t.Name(), Type: t}
	if pkg := t.PkgPath(); pkg != "" {
		ti.FullName = pkg + "." + t.Name()
	}

	muCache.Lock()
	cache[key] = ti
	muCache.Unlock()
	return ti
}
