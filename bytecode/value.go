// Package bytecode defines the instruction set and value model shared by
// the emitter, optimizer and interpreter: the contract every other
// component of the execution core agrees on.
package bytecode

import "math"

// Handle is an opaque, dense index into the heap. It is stable between
// collections but may be rewritten by one; callers never construct a
// Handle themselves, only the heap does.
type Handle int

// Kind distinguishes the variants of Value without resorting to type
// switches at every call site.
type Kind int

const (
	KindInt Kind = iota
	KindFloat
	KindChar
	KindNil
	KindRef
)

// Value is the VM's tagged union of operand-stack and environment-frame
// values. Small values are held by-value; strings, arrays and structs are
// always Ref. Bool has no dedicated variant: by convention it is an Int
// with 0 = false, non-zero = true.
type Value struct {
	kind  Kind
	i     int64
	f     float64
	c     rune
	ref   Handle
}

func Int(i int64) Value   { return Value{kind: KindInt, i: i} }
func Float(f float64) Value { return Value{kind: KindFloat, f: f} }
func Char(c rune) Value   { return Value{kind: KindChar, c: c} }
func Nil() Value          { return Value{kind: KindNil} }
func Ref(h Handle) Value  { return Value{kind: KindRef, ref: h} }

// Bool encodes a boolean as the VM's Int convention.
func Bool(b bool) Value {
	if b {
		return Int(1)
	}
	return Int(0)
}

func (v Value) Kind() Kind    { return v.kind }
func (v Value) IsInt() bool   { return v.kind == KindInt }
func (v Value) IsFloat() bool { return v.kind == KindFloat }
func (v Value) IsChar() bool  { return v.kind == KindChar }
func (v Value) IsNil() bool   { return v.kind == KindNil }
func (v Value) IsRef() bool   { return v.kind == KindRef }

// AsInt panics if the value is not an Int; callers must check Kind first
// at every boundary where a type mismatch would indicate a broken
// invariant upstream (the type analyzer is assumed to have ruled this out).
func (v Value) AsInt() int64 {
	if v.kind != KindInt {
		panic("bytecode: value is not an Int")
	}
	return v.i
}

func (v Value) AsFloat() float64 {
	if v.kind != KindFloat {
		panic("bytecode: value is not a Float")
	}
	return v.f
}

func (v Value) AsChar() rune {
	if v.kind != KindChar {
		panic("bytecode: value is not a Char")
	}
	return v.c
}

func (v Value) AsRef() Handle {
	if v.kind != KindRef {
		panic("bytecode: value is not a Ref")
	}
	return v.ref
}

// epsilon is the tolerance spec.md mandates for Float equality.
const epsilon = 2.2204460492503131e-16

// floatsEqual compares with machine-epsilon tolerance, per C1's contract.
func floatsEqual(a, b float64) bool {
	return math.Abs(a-b) < epsilon
}

// IsTrue implements the per-kind truthiness table from spec.md §4.1.
// Refs are resolved against the supplied heap reader so that strings and
// arrays can be empty-checked; structs are always true once present.
func (v Value) IsTrue(h Reader) bool {
	switch v.kind {
	case KindInt:
		return v.i != 0
	case KindFloat:
		return v.f != 0
	case KindChar:
		return v.c != 0
	case KindNil:
		return false
	case KindRef:
		obj := h.Get(v.ref)
		switch o := obj.(type) {
		case *String:
			return len(o.Text) > 0
		case *Array:
			return len(o.Elements) > 0
		case *Struct:
			return true
		}
		return true
	}
	return false
}

// Reader is the read side of the heap that Value needs for truthiness,
// equality and printing, kept minimal to avoid an import cycle between
// bytecode and heap (heap.Heap implements this interface).
type Reader interface {
	Get(Handle) Object
}

// Object is the heap-object side of the value model: the three variants
// spec.md §3 names. Strings, arrays and structs are always referenced
// through a Ref/Handle, never held inline in a Value.
type Object interface {
	objectKind() string
}

type String struct {
	Text string
}

// Array is an ordered, mutable sequence of Values.
type Array struct {
	Elements []Value
}

// Struct holds its declared field order alongside the map so printing and
// equality can respect declaration order without consulting the struct
// template again.
type Struct struct {
	Name       string
	FieldOrder []string
	Fields     map[string]Value
}

func (*String) objectKind() string { return "String" }
func (*Array) objectKind() string  { return "Array" }
func (*Struct) objectKind() string { return "Struct" }

// Equal implements C1's deep-equality contract: Int/Float/Char compare by
// value (Float with epsilon tolerance), Ref equality is structural
// (recursively comparing referents), and mixed-kind comparisons are false.
func Equal(h Reader, lhs, rhs Value) bool {
	if lhs.kind != rhs.kind {
		return false
	}
	switch lhs.kind {
	case KindInt:
		return lhs.i == rhs.i
	case KindFloat:
		return floatsEqual(lhs.f, rhs.f)
	case KindChar:
		return lhs.c == rhs.c
	case KindNil:
		return true
	case KindRef:
		return objectEqual(h, h.Get(lhs.ref), h.Get(rhs.ref))
	}
	return false
}

func objectEqual(h Reader, a, b Object) bool {
	switch av := a.(type) {
	case *String:
		bv, ok := b.(*String)
		return ok && av.Text == bv.Text
	case *Array:
		bv, ok := b.(*Array)
		if !ok || len(av.Elements) != len(bv.Elements) {
			return false
		}
		for i := range av.Elements {
			if !Equal(h, av.Elements[i], bv.Elements[i]) {
				return false
			}
		}
		return true
	case *Struct:
		bv, ok := b.(*Struct)
		if !ok || av.Name != bv.Name || len(av.Fields) != len(bv.Fields) {
			return false
		}
		for name, val := range av.Fields {
			other, present := bv.Fields[name]
			if !present || !Equal(h, val, other) {
				return false
			}
		}
		return true
	}
	return false
}
