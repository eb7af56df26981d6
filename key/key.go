// Package key normalizes arbitrary structured cache keys into a canonical,
// deeply-ordered form so that value-equal keys always compare and hash
// identically, regardless of how the original value was constructed
// (map iteration order, pointer vs. value, etc.).
package key

import (
	"fmt"
	"reflect"
	"sort"
	"strconv"
	"strings"
)

// Canonical is the normalized, comparable representation of a key. It is
// safe to use as a Go map key and is stable across processes for any two
// values that were equal before normalization.
type Canonical string

const (
	tagMap    = "\x00map\x00"
	tagSeq    = "\x00seq\x00"
	tagTuple  = "\x00tup\x00"
	tagStruct = "\x00rec\x00"
	tagNil    = "\x00nil\x00"
)

// maxTupleArity bounds how many fields a "fixed-width composite" keeps its
// arity for (spec.md §4.1: "up to 4 fields"). Wider structs normalize
// field-by-field into an ordered record instead.
const maxTupleArity = 4

// Normalize renders k into its canonical form. Two inputs that are
// value-equal always normalize to an identical Canonical; Normalize is
// idempotent: Normalize(Normalize(k)) == Normalize(k). A k that is already
// a Canonical is returned verbatim rather than re-rendered, since running it
// back through the scalar branch would prepend another "s:" tag.
func Normalize(k any) Canonical {
	if c, ok := k.(Canonical); ok {
		return c
	}
	var b strings.Builder
	render(&b, reflect.ValueOf(k))
	return Canonical(b.String())
}

func render(b *strings.Builder, v reflect.Value) {
	if !v.IsValid() {
		b.WriteString(tagNil)
		return
	}

	switch v.Kind() {
	case reflect.Pointer, reflect.Interface:
		if v.IsNil() {
			b.WriteString(tagNil)
			return
		}
		render(b, v.Elem())
		return

	case reflect.Map:
		renderMap(b, v)
		return

	case reflect.Slice, reflect.Array:
		renderSeq(b, v)
		return

	case reflect.Struct:
		renderStruct(b, v)
		return

	default:
		renderScalar(b, v)
		return
	}
}

// renderMap writes a sentinel-prefixed, key-sorted sequence of (nk, nv)
// pairs. The sentinel (tagMap) is what keeps {a:1} from colliding with the
// sequence form of [(a,1)] — only a map renders with tagMap.
func renderMap(b *strings.Builder, v reflect.Value) {
	keys := v.MapKeys()
	pairs := make([]string, 0, len(keys))
	for _, mk := range keys {
		var kb, vb strings.Builder
		render(&kb, mk)
		render(&vb, v.MapIndex(mk))
		pairs = append(pairs, kb.String()+"\x01"+vb.String())
	}
	sort.Strings(pairs)

	b.WriteString(tagMap)
	b.WriteString(strconv.Itoa(len(pairs)))
	for _, p := range pairs {
		b.WriteByte('\x02')
		b.WriteString(p)
	}
}

// renderSeq writes elements in their original order; sequences are
// position-sensitive, unlike maps.
func renderSeq(b *strings.Builder, v reflect.Value) {
	// A byte slice is a scalar-like leaf: normalize it as raw bytes rather
	// than as a sequence of uint8 elements, matching how most structured-key
	// schemes treat binary blobs. Byte arrays are not special-cased and
	// render element by element like any other array.
	if v.Kind() == reflect.Slice && v.Type().Elem().Kind() == reflect.Uint8 {
		b.WriteString(tagSeq)
		b.WriteString("bytes\x02")
		b.Write(v.Bytes())
		return
	}

	n := v.Len()
	b.WriteString(tagSeq)
	b.WriteString(strconv.Itoa(n))
	for i := 0; i < n; i++ {
		b.WriteByte('\x02')
		render(b, v.Index(i))
	}
}

// renderStruct keeps fixed arity (as a tuple tag) for up to maxTupleArity
// fields; wider structs fall back to a field-name-keyed record so the
// encoding stays unambiguous without needing to know the arity up front.
func renderStruct(b *strings.Builder, v reflect.Value) {
	t := v.Type()
	n := t.NumField()

	if n <= maxTupleArity {
		b.WriteString(tagTuple)
		b.WriteString(strconv.Itoa(n))
		for i := 0; i < n; i++ {
			b.WriteByte('\x02')
			render(b, v.Field(i))
		}
		return
	}

	type field struct {
		name string
		val  string
	}
	fields := make([]field, 0, n)
	for i := 0; i < n; i++ {
		var fb strings.Builder
		render(&fb, v.Field(i))
		fields = append(fields, field{name: t.Field(i).Name, val: fb.String()})
	}
	sort.Slice(fields, func(i, j int) bool { return fields[i].name < fields[j].name })

	b.WriteString(tagStruct)
	b.WriteString(strconv.Itoa(len(fields)))
	for _, f := range fields {
		b.WriteByte('\x02')
		b.WriteString(f.name)
		b.WriteByte('\x01')
		b.WriteString(f.val)
	}
}

func renderScalar(b *strings.Builder, v reflect.Value) {
	switch v.Kind() {
	case reflect.String:
		b.WriteString("s:")
		b.WriteString(v.String())
	case reflect.Bool:
		if v.Bool() {
			b.WriteString("b:1")
		} else {
			b.WriteString("b:0")
		}
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		b.WriteString("i:")
		b.WriteString(strconv.FormatInt(v.Int(), 10))
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		b.WriteString("u:")
		b.WriteString(strconv.FormatUint(v.Uint(), 10))
	case reflect.Float32, reflect.Float64:
		b.WriteString("f:")
		b.WriteString(strconv.FormatFloat(v.Float(), 'g', -1, 64))
	default:
		// Fallback for kinds with no structured meaning for a cache key
		// (chan, func, unsafe pointer, ...): render via fmt so Normalize
		// never panics, but callers should avoid using these as keys.
		b.WriteString("x:")
		fmt.Fprintf(b, "%v", v.Interface())
	}
}
