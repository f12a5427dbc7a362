package bytecode_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"awa/bytecode"
)

type fakeHeap map[bytecode.Handle]bytecode.Object

func (f fakeHeap) Get(h bytecode.Handle) bytecode.Object { return f[h] }

func TestIsTrueByKind(t *testing.T) {
	h := fakeHeap{}
	assert.True(t, bytecode.Int(1).IsTrue(h))
	assert.False(t, bytecode.Int(0).IsTrue(h))
	assert.False(t, bytecode.Float(0).IsTrue(h))
	assert.False(t, bytecode.Nil().IsTrue(h))
}

func TestIsTrueForRefs(t *testing.T) {
	h := fakeHeap{
		0: &bytecode.String{Text: ""},
		1: &bytecode.String{Text: "x"},
		2: &bytecode.Array{Elements: nil},
	}
	assert.False(t, bytecode.Ref(0).IsTrue(h))
	assert.True(t, bytecode.Ref(1).IsTrue(h))
	assert.False(t, bytecode.Ref(2).IsTrue(h))
}

func TestEqualFloatEpsilonTolerance(t *testing.T) {
	h := fakeHeap{}
	assert.True(t, bytecode.Equal(h, bytecode.Float(1.0), bytecode.Float(1.0)))
	assert.False(t, bytecode.Equal(h, bytecode.Float(1.0), bytecode.Float(1.1)))
}

func TestEqualMixedKindIsFalse(t *testing.T) {
	h := fakeHeap{}
	assert.False(t, bytecode.Equal(h, bytecode.Int(1), bytecode.Float(1)))
}

func TestEqualStructuralForArrays(t *testing.T) {
	h := fakeHeap{
		0: &bytecode.Array{Elements: []bytecode.Value{bytecode.Int(1), bytecode.Int(2)}},
		1: &bytecode.Array{Elements: []bytecode.Value{bytecode.Int(1), bytecode.Int(2)}},
		2: &bytecode.Array{Elements: []bytecode.Value{bytecode.Int(1), bytecode.Int(3)}},
	}
	assert.True(t, bytecode.Equal(h, bytecode.Ref(0), bytecode.Ref(1)))
	assert.False(t, bytecode.Equal(h, bytecode.Ref(0), bytecode.Ref(2)))
}

func TestFormatPrimitivesAndStructures(t *testing.T) {
	h := fakeHeap{
		0: &bytecode.Array{Elements: []bytecode.Value{bytecode.Int(1), bytecode.Int(2)}},
		1: &bytecode.Struct{
			Name:       "Point",
			FieldOrder: []string{"x", "y"},
			Fields:     map[string]bytecode.Value{"x": bytecode.Int(1), "y": bytecode.Int(2)},
		},
	}
	assert.Equal(t, "3", bytecode.Format(h, bytecode.Int(3)))
	assert.Equal(t, "[1, 2]", bytecode.Format(h, bytecode.Ref(0)))
	assert.Equal(t, "Struct Point { x: 1, y: 2 }", bytecode.Format(h, bytecode.Ref(1)))
}
