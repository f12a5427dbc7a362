// Package heap implements the execution core's mark-and-compact tracing
// garbage collector (C2 in SPEC_FULL.md). It owns every heap-allocated
// string, array and struct and is the only component allowed to mutate a
// Handle's meaning.
package heap

import (
	"fmt"

	"awa/bytecode"
)

// Heap is the VM's object store. AllocCount and Threshold govern GC
// cadence; the interpreter calls MaybeCollect after every allocation
// site, never the collector itself.
type Heap struct {
	objects    []bytecode.Object
	marked     []bool
	AllocCount int
	Threshold  int
}

// New returns an empty heap with the spec's suggested starting
// threshold ("threshold = max(10, heap.length)" starts at 10 when the
// heap is empty).
func New() *Heap {
	return &Heap{Threshold: 10}
}

// Len reports the current number of live (post-compaction) objects.
func (h *Heap) Len() int { return len(h.objects) }

// Allocate appends an object, pushes a fresh unmarked slot, and bumps
// AllocCount. The interpreter is responsible for calling MaybeCollect
// afterward.
func (h *Heap) Allocate(obj bytecode.Object) bytecode.Handle {
	idx := len(h.objects)
	h.objects = append(h.objects, obj)
	h.marked = append(h.marked, false)
	h.AllocCount++
	return bytecode.Handle(idx)
}

// Get satisfies bytecode.Reader and returns the live object for handle.
func (h *Heap) Get(handle bytecode.Handle) bytecode.Object {
	return h.objects[int(handle)]
}

// GetMut returns a pointer-identity object usable for in-place mutation
// (Append, Pop, SetField, SetByIndex all mutate through the object
// obtained here, since Array/Struct are always stored as pointers).
func (h *Heap) GetMut(handle bytecode.Handle) bytecode.Object {
	return h.objects[int(handle)]
}

// Roots is the exact set of GC roots per spec.md §5: every slot of the
// value stack and every value of every environment frame. No hidden
// roots.
type Roots struct {
	Stack []bytecode.Value
	Envs  []map[string]bytecode.Value
}

// MaybeCollect runs a collection if AllocCount has exceeded Threshold,
// per the trigger contract in spec.md §4.2. After a collection the
// threshold grows to the surviving heap length when that is larger; it
// never shrinks, and it is never below 10.
func (h *Heap) MaybeCollect(roots Roots) {
	if h.AllocCount <= h.Threshold {
		return
	}
	h.Collect(roots)
	if grown := h.Len(); grown > h.Threshold {
		h.Threshold = grown
	}
	if h.Threshold < 10 {
		h.Threshold = 10
	}
}

// Collect performs one non-incremental mark-and-compact cycle: mark
// every object transitively reachable from roots, then compact the heap
// so surviving objects occupy a dense prefix, rewriting every Ref
// anywhere (heap interiors, stack, environments) to the new indices.
func (h *Heap) Collect(roots Roots) {
	for i := range h.marked {
		h.marked[i] = false
	}

	for _, v := range roots.Stack {
		h.markValue(v)
	}
	for _, env := range roots.Envs {
		for _, v := range env {
			h.markValue(v)
		}
	}

	remap := h.compact()

	for i, v := range roots.Stack {
		roots.Stack[i] = h.remapValue(v, remap)
	}
	for _, env := range roots.Envs {
		for name, v := range env {
			env[name] = h.remapValue(v, remap)
		}
	}

	h.AllocCount = 0
}

func (h *Heap) markValue(v bytecode.Value) {
	if v.Kind() != bytecode.KindRef {
		return
	}
	h.markObject(v.AsRef())
}

// markObject walks the reachability graph depth-first using an explicit
// work stack, so deeply nested structures don't recurse the Go call
// stack (spec.md §4.2: "the recursion is iterative ... to bound stack
// depth").
func (h *Heap) markObject(root bytecode.Handle) {
	stack := []bytecode.Handle{root}

	for len(stack) > 0 {
		handle := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		idx := int(handle)
		if idx < 0 || idx >= len(h.marked) || h.marked[idx] {
			continue
		}
		h.marked[idx] = true

		switch obj := h.objects[idx].(type) {
		case *bytecode.String:
			// no interior references
		case *bytecode.Array:
			for _, el := range obj.Elements {
				stack = collectChildren(el, stack)
			}
		case *bytecode.Struct:
			for _, el := range obj.Fields {
				stack = collectChildren(el, stack)
			}
		}
	}
}

func collectChildren(v bytecode.Value, stack []bytecode.Handle) []bytecode.Handle {
	if v.Kind() == bytecode.KindRef {
		stack = append(stack, v.AsRef())
	}
	return stack
}

// compact discards every unmarked object and moves survivors into a
// dense prefix in original relative order, returning a remap table:
// remap[old] is the new index, or -1 if the object died.
func (h *Heap) compact() []int {
	oldSize := len(h.objects)
	remap := make([]int, oldSize)

	newObjects := make([]bytecode.Object, 0, oldSize)
	newMarked := make([]bool, 0, oldSize)

	for i := 0; i < oldSize; i++ {
		if h.marked[i] {
			remap[i] = len(newObjects)
			newObjects = append(newObjects, h.objects[i])
			newMarked = append(newMarked, false)
		} else {
			remap[i] = -1
		}
	}

	for _, obj := range newObjects {
		h.remapObjectInPlace(obj, remap)
	}

	h.objects = newObjects
	h.marked = newMarked

	return remap
}

func (h *Heap) remapObjectInPlace(obj bytecode.Object, remap []int) {
	switch o := obj.(type) {
	case *bytecode.Array:
		for i, el := range o.Elements {
			o.Elements[i] = h.remapValue(el, remap)
		}
	case *bytecode.Struct:
		for name, el := range o.Fields {
			o.Fields[name] = h.remapValue(el, remap)
		}
	}
}

// remapValue rewrites a single Ref per the compaction remap table. A
// live value pointing at a dead object means the marker missed a root:
// a fatal invariant breach per spec.md §4.2.
func (h *Heap) remapValue(v bytecode.Value, remap []int) bytecode.Value {
	if v.Kind() != bytecode.KindRef {
		return v
	}
	old := int(v.AsRef())
	newIdx := remap[old]
	if newIdx < 0 {
		panic(fmt.Sprintf("heap: live reference to collected object, old handle = %d", old))
	}
	return bytecode.Ref(bytecode.Handle(newIdx))
}
