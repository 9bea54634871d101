package selector

import (
	"reflect"
	"unsafe"
)

// Distance reports how far t is from base, and whether base applies to t at
// all. Go has no inheritance, so a struct's ancestors are its embedded fields:
//
//   - t itself (ignoring one level of pointer) is at distance 0.
//   - a type embedded k levels deep is at distance k.
//   - an interface is credited where it is first introduced: one more than
//     the deepest embedded type that still implements it. A type that
//     implements the interface only through its own methods is at 1.
//
// For pointer messages the pointer method set is used at every level.
func Distance(t, base reflect.Type) (int, bool) {
	if t == nil || base == nil {
		return 0, false
	}
	if base.Kind() == reflect.Interface {
		return interfaceDistance(t, base)
	}
	return embeddedDistance(deref(t), deref(base))
}

func deref(t reflect.Type) reflect.Type {
	if t.Kind() == reflect.Pointer {
		return t.Elem()
	}
	return t
}

type level struct {
	typ   reflect.Type
	depth int
}

// embeddedDistance is a breadth-first search through embedded fields, so the
// first hit is the shallowest.
func embeddedDistance(t, base reflect.Type) (int, bool) {
	seen := map[reflect.Type]bool{}
	queue := []level{{typ: t}}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		if cur.typ == base {
			return cur.depth, true
		}
		if seen[cur.typ] {
			continue
		}
		seen[cur.typ] = true
		for _, f := range embedded(cur.typ) {
			queue = append(queue, level{typ: deref(f), depth: cur.depth + 1})
		}
	}
	return 0, false
}

func interfaceDistance(t, iface reflect.Type) (int, bool) {
	if !t.Implements(iface) {
		return 0, false
	}
	if t.Kind() == reflect.Interface {
		return 0, t == iface
	}

	usePointer := t.Kind() == reflect.Pointer
	deepest := 0
	seen := map[reflect.Type]bool{}
	var walk func(cur reflect.Type, depth int)
	walk = func(cur reflect.Type, depth int) {
		if seen[cur] {
			return
		}
		seen[cur] = true
		defer delete(seen, cur)

		for _, f := range embedded(cur) {
			check := f
			if usePointer && f.Kind() != reflect.Pointer && f.Kind() != reflect.Interface {
				check = reflect.PointerTo(f)
			}
			if check.Implements(iface) && depth+1 > deepest {
				deepest = depth + 1
			}
			walk(deref(f), depth+1)
		}
	}
	walk(deref(t), 0)
	return deepest + 1, true
}

// embedded returns the types of the anonymous fields of struct t.
func embedded(t reflect.Type) []reflect.Type {
	if t.Kind() != reflect.Struct {
		return nil
	}
	var out []reflect.Type
	for i := 0; i < t.NumField(); i++ {
		if f := t.Field(i); f.Anonymous {
			out = append(out, f.Type)
		}
	}
	return out
}

// As converts msg to T, either directly or by extracting the shallowest
// embedded value of type T. Unexported embedded fields are reached as well,
// matching the fields Distance walks.
func As[T any](msg any) (T, bool) {
	if v, ok := msg.(T); ok {
		return v, true
	}
	var zero T
	want := reflect.TypeFor[T]()
	v := reflect.ValueOf(msg)
	if !v.IsValid() {
		return zero, false
	}
	if v.Kind() != reflect.Pointer {
		root := reflect.New(v.Type()).Elem()
		root.Set(v)
		v = root
	}

	queue := []reflect.Value{v}
	for len(queue) > 0 {
		cur := exported(queue[0])
		queue = queue[1:]
		if !cur.CanInterface() {
			continue
		}
		if cur.Kind() == reflect.Pointer {
			if cur.IsNil() {
				continue
			}
			if cur.Type() == want {
				return cur.Interface().(T), true
			}
			cur = cur.Elem()
		}
		if cur.Type() == want {
			return cur.Interface().(T), true
		}
		if cur.CanAddr() && reflect.PointerTo(cur.Type()) == want {
			return cur.Addr().Interface().(T), true
		}
		if cur.Kind() != reflect.Struct {
			continue
		}
		for i := 0; i < cur.NumField(); i++ {
			if cur.Type().Field(i).Anonymous {
				queue = append(queue, cur.Field(i))
			}
		}
	}
	return zero, false
}

// exported lifts the read-only flag reflect puts on values reached through
// unexported fields. v must be addressable for that to work.
func exported(v reflect.Value) reflect.Value {
	if v.CanInterface() || !v.CanAddr() {
		return v
	}
	return reflect.NewAt(v.Type(), unsafe.Pointer(v.UnsafeAddr())).Elem()
}
