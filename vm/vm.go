// Package vm implements the interpreter core (C5 in SPEC_FULL.md): a
// stack-based bytecode interpreter with an adaptive optimizer trigger
// and a recoverable-fault/hotswap protocol, grounded on the teacher's
// runtime/vm.go dispatch loop and the original vm.rs this spec was
// distilled from.
package vm

import (
	"fmt"

	"awa/bytecode"
	"awa/heap"
)

// StepKind tags the three outcomes Step can report.
type StepKind int

const (
	Continue StepKind = iota
	Finished
	RequireHotswap
)

// StepResult is Step's return value. FunctionName is meaningful only
// when Kind is RequireHotswap: the name of the function whose body the
// driver must replace before resuming.
type StepResult struct {
	Kind         StepKind
	FunctionName string
}

func continueResult() StepResult { return StepResult{Kind: Continue} }
func finishedResult() StepResult { return StepResult{Kind: Finished} }
func hotswapResult(name string) StepResult {
	return StepResult{Kind: RequireHotswap, FunctionName: name}
}

// structTemplate is the per-struct field-default record built by
// preprocessing a Struct/Field/EndStruct block. FieldOrder preserves
// declaration order (invariant 5 of spec.md §3).
type structTemplate struct {
	fieldOrder   []string
	defaults     map[string]bytecode.Value
	defaultKinds map[string]string
}

// backup is the snapshot Call captures before entering a function body,
// restored by the recovery protocol on a recoverable fault.
type backup struct {
	valueStack []bytecode.Value
	pc         int
}

// VM is the execution core's interpreter. It owns its instruction
// stream, stacks, heap and bookkeeping exclusively; spec.md §5 forbids
// any concurrent access to one instance.
type VM struct {
	instructions bytecode.Program
	pc           int

	valueStack []bytecode.Value
	envStack   []map[string]bytecode.Value
	callStack  []int

	functions map[string]int
	structs   map[string]*structTemplate

	heap *heap.Heap

	backup *backup

	cfg Config

	callCounts         map[string]int
	optimizedFunctions map[string]bool

	loopIterations map[int]int
	optimizedLoops map[int]bool
}

// New preprocesses program and constructs a VM positioned at main.
// Panics if main is absent, matching the teacher's "cannot find
// function main()" construction-time panic.
func New(program bytecode.Program, cfg Config) *VM {
	cfg = cfg.withDefaults()

	v := &VM{
		instructions:       append(bytecode.Program{}, program...),
		valueStack:         make([]bytecode.Value, 0, cfg.StackCapacity),
		envStack:           make([]map[string]bytecode.Value, 0, 64),
		callStack:          make([]int, 0, 64),
		functions:          make(map[string]int),
		structs:            make(map[string]*structTemplate),
		heap:               heap.New(),
		cfg:                cfg,
		callCounts:         make(map[string]int),
		optimizedFunctions: make(map[string]bool),
		loopIterations:     make(map[int]int),
		optimizedLoops:     make(map[int]bool),
	}
	if cfg.GCThreshold > 0 {
		v.heap.Threshold = cfg.GCThreshold
	}

	v.envStack = append(v.envStack, make(map[string]bytecode.Value, 16))

	v.preprocess()

	start, ok := v.functions["main"]
	if !ok {
		fatal("cannot find function `main` in provided code")
	}
	v.pc = start

	v.backup = &backup{valueStack: cloneValues(v.valueStack), pc: v.pc}

	return v
}

// preprocess scans the full instruction stream once, recording every
// function's body start (one past its Func marker) and every struct's
// field template, per spec.md §4.5.
func (v *VM) preprocess() {
	i := 0
	for i < len(v.instructions) {
		switch v.instructions[i].Op {
		case bytecode.OpFunc:
			name := v.instructions[i].Name
			start := i + 1
			end := -1
			for j := start; j < len(v.instructions); j++ {
				if v.instructions[j].Op == bytecode.OpEndFunc {
					end = j
					break
				}
			}
			if end < 0 {
				fatal("Func %q without matching EndFunc", name)
			}
			v.functions[name] = start
			i = end + 1
			continue

		case bytecode.OpStruct:
			name := v.instructions[i].Name
			tmpl := &structTemplate{
				defaults:     make(map[string]bytecode.Value),
				defaultKinds: make(map[string]string),
			}
			i++
			for i < len(v.instructions) {
				ins := v.instructions[i]
				if ins.Op == bytecode.OpEndStruct {
					break
				}
				if ins.Op != bytecode.OpField {
					fatal("unexpected instruction inside Struct %q block", name)
				}
				tmpl.fieldOrder = append(tmpl.fieldOrder, ins.Name)
				tmpl.defaults[ins.Name] = ins.Default
				tmpl.defaultKinds[ins.Name] = ins.DefaultKind
				i++
			}
			if i >= len(v.instructions) {
				fatal("Struct %q without matching EndStruct", name)
			}
			v.structs[name] = tmpl
		}
		i++
	}
}

func cloneValues(src []bytecode.Value) []bytecode.Value {
	dst := make([]bytecode.Value, len(src))
	copy(dst, src)
	return dst
}

// --- stack helpers ---

func (v *VM) push(val bytecode.Value) {
	v.valueStack = append(v.valueStack, val)
}

func (v *VM) pop() bytecode.Value {
	n := len(v.valueStack)
	if n == 0 {
		fatal("stack underflow")
	}
	val := v.valueStack[n-1]
	v.valueStack = v.valueStack[:n-1]
	return val
}

func (v *VM) peek() bytecode.Value {
	n := len(v.valueStack)
	if n == 0 {
		fatal("stack underflow")
	}
	return v.valueStack[n-1]
}

func (v *VM) popInt() int64 {
	val := v.pop()
	if !val.IsInt() {
		fatal("expected Int operand")
	}
	return val.AsInt()
}

func (v *VM) popFloat() float64 {
	val := v.pop()
	if !val.IsFloat() {
		fatal("expected Float operand")
	}
	return val.AsFloat()
}

func (v *VM) popRef() bytecode.Handle {
	val := v.pop()
	if !val.IsRef() {
		fatal("expected Ref operand")
	}
	return val.AsRef()
}

func (v *VM) topEnv() map[string]bytecode.Value {
	if len(v.envStack) == 0 {
		fatal("no environment available")
	}
	return v.envStack[len(v.envStack)-1]
}

// lookupVariable walks env_stack from top to bottom, per spec.md §4.5.
func (v *VM) lookupVariable(name string) bytecode.Value {
	for i := len(v.envStack) - 1; i >= 0; i-- {
		if val, ok := v.envStack[i][name]; ok {
			return val
		}
	}
	fatal("undefined variable %q", name)
	panic("unreachable")
}

func (v *VM) maybeCollect() {
	v.heap.MaybeCollect(heap.Roots{Stack: v.valueStack, Envs: v.envStack})
}

// allocString does not run the GC trigger itself: the caller pushes the
// Ref first, so the new object is rooted when a collection runs.
func (v *VM) allocString(text string) bytecode.Handle {
	return v.heap.Allocate(&bytecode.String{Text: text})
}

// allocStructInstance builds a fresh heap object for struct name,
// recursively allocating fresh reference-typed field defaults so no
// two instances of the same struct type ever alias a Handle.
func (v *VM) allocStructInstance(name string) bytecode.Value {
	tmpl, ok := v.structs[name]
	if !ok {
		fatal("unknown struct %q", name)
	}

	fields := make(map[string]bytecode.Value, len(tmpl.fieldOrder))
	for _, field := range tmpl.fieldOrder {
		kind := tmpl.defaultKinds[field]
		switch {
		case kind == "":
			fields[field] = tmpl.defaults[field]
		case kind == "String":
			fields[field] = bytecode.Ref(v.heap.Allocate(&bytecode.String{}))
		case kind == "Array":
			fields[field] = bytecode.Ref(v.heap.Allocate(&bytecode.Array{}))
		case len(kind) > 7 && kind[:7] == "Custom:":
			fields[field] = v.allocStructInstance(kind[7:])
		default:
			fatal("struct %q field %q has unrecognized default kind %q", name, field, kind)
		}
	}

	handle := v.heap.Allocate(&bytecode.Struct{Name: name, FieldOrder: append([]string{}, tmpl.fieldOrder...), Fields: fields})
	return bytecode.Ref(handle)
}

// Step dispatches the instruction at pc and reports one of Continue,
// Finished, or RequireHotswap(name), per spec.md §4.5.
func (v *VM) Step() (StepResult, error) {
	if v.pc >= len(v.instructions) {
		return finishedResult(), nil
	}

	ins := v.instructions[v.pc]

	switch ins.Op {
	case bytecode.OpPushInt:
		v.push(bytecode.Int(ins.IntVal))
	case bytecode.OpPushFloat:
		v.push(bytecode.Float(ins.FloatVal))
	case bytecode.OpPushChar:
		v.push(bytecode.Char(ins.CharVal))
	case bytecode.OpPushString:
		v.push(bytecode.Ref(v.allocString(ins.StrVal)))
		v.maybeCollect()
	case bytecode.OpPushArray:
		h := v.heap.Allocate(&bytecode.Array{})
		v.push(bytecode.Ref(h))
		v.maybeCollect()

	case bytecode.OpStoreInMap:
		val := v.pop()
		v.topEnv()[ins.Name] = val
	case bytecode.OpLoadToStack:
		v.push(v.lookupVariable(ins.Name))

	case bytecode.OpAddInt:
		rhs, lhs := v.popInt(), v.popInt()
		v.push(bytecode.Int(lhs + rhs))
	case bytecode.OpSubInt:
		rhs, lhs := v.popInt(), v.popInt()
		v.push(bytecode.Int(lhs - rhs))
	case bytecode.OpMulInt:
		rhs, lhs := v.popInt(), v.popInt()
		v.push(bytecode.Int(lhs * rhs))
	case bytecode.OpDivInt:
		rhs, lhs := v.popInt(), v.popInt()
		if rhs == 0 {
			return v.performBackoff("integer division by zero"), nil
		}
		v.push(bytecode.Int(lhs / rhs))
	case bytecode.OpMod:
		rhs, lhs := v.popInt(), v.popInt()
		if rhs == 0 {
			return v.performBackoff("modulo by zero"), nil
		}
		v.push(bytecode.Int(lhs % rhs))

	case bytecode.OpAddFloat:
		rhs, lhs := v.popFloat(), v.popFloat()
		v.push(bytecode.Float(lhs + rhs))
	case bytecode.OpSubFloat:
		rhs, lhs := v.popFloat(), v.popFloat()
		v.push(bytecode.Float(lhs - rhs))
	case bytecode.OpMulFloat:
		rhs, lhs := v.popFloat(), v.popFloat()
		v.push(bytecode.Float(lhs * rhs))
	case bytecode.OpDivFloat:
		rhs, lhs := v.popFloat(), v.popFloat()
		if rhs == 0 {
			return v.performBackoff("floating point division by zero"), nil
		}
		v.push(bytecode.Float(lhs / rhs))

	// And/Or operate on the Int-encoded boolean convention: And is
	// multiplication (0/1 semantics coincide with logical AND), Or is
	// bitwise OR (0/1 semantics coincide with logical OR) — grounded
	// directly on vm.rs's MulInt|And and Or arms.
	case bytecode.OpAnd:
		rhs, lhs := v.popInt(), v.popInt()
		v.push(bytecode.Int(lhs * rhs))
	case bytecode.OpOr:
		rhs, lhs := v.popInt(), v.popInt()
		v.push(bytecode.Int(lhs | rhs))

	case bytecode.OpLessInt:
		rhs, lhs := v.popInt(), v.popInt()
		v.push(bytecode.Bool(lhs < rhs))
	case bytecode.OpLessEqualInt:
		rhs, lhs := v.popInt(), v.popInt()
		v.push(bytecode.Bool(lhs <= rhs))
	case bytecode.OpGreaterInt:
		rhs, lhs := v.popInt(), v.popInt()
		v.push(bytecode.Bool(lhs > rhs))
	case bytecode.OpGreaterEqualInt:
		rhs, lhs := v.popInt(), v.popInt()
		v.push(bytecode.Bool(lhs >= rhs))

	case bytecode.OpLessFloat:
		rhs, lhs := v.popFloat(), v.popFloat()
		v.push(bytecode.Bool(lhs < rhs))
	case bytecode.OpLessEqualFloat:
		rhs, lhs := v.popFloat(), v.popFloat()
		v.push(bytecode.Bool(lhs <= rhs))
	case bytecode.OpGreaterFloat:
		rhs, lhs := v.popFloat(), v.popFloat()
		v.push(bytecode.Bool(lhs > rhs))
	case bytecode.OpGreaterEqualFloat:
		rhs, lhs := v.popFloat(), v.popFloat()
		v.push(bytecode.Bool(lhs >= rhs))

	case bytecode.OpEqual:
		rhs, lhs := v.pop(), v.pop()
		v.push(bytecode.Bool(bytecode.Equal(v.heap, lhs, rhs)))
	case bytecode.OpNotEqual:
		rhs, lhs := v.pop(), v.pop()
		v.push(bytecode.Bool(!bytecode.Equal(v.heap, lhs, rhs)))

	case bytecode.OpConcat:
		rhs, lhs := v.pop(), v.pop()
		s := v.valueAsString(lhs) + v.valueAsString(rhs)
		v.push(bytecode.Ref(v.allocString(s)))
		v.maybeCollect()

	case bytecode.OpAppend:
		val := v.pop()
		h := v.popRef()
		arr, ok := v.heap.GetMut(h).(*bytecode.Array)
		if !ok {
			fatal("Append on non-array")
		}
		arr.Elements = append(arr.Elements, val)
		v.push(bytecode.Ref(h))
	case bytecode.OpPop:
		h := v.popRef()
		arr, ok := v.heap.GetMut(h).(*bytecode.Array)
		if !ok {
			fatal("Pop on non-array")
		}
		if len(arr.Elements) > 0 {
			arr.Elements = arr.Elements[:len(arr.Elements)-1]
		}
		v.push(bytecode.Ref(h))

	case bytecode.OpGetByIndex:
		idx := v.popInt()
		h := v.popRef()
		arr, ok := v.heap.GetMut(h).(*bytecode.Array)
		if !ok {
			fatal("GetByIndex on non-array")
		}
		if idx < 0 || int(idx) >= len(arr.Elements) {
			return v.performBackoff("getting from array by index out of range"), nil
		}
		v.push(arr.Elements[idx])
	case bytecode.OpSetByIndex:
		idx := v.popInt()
		val := v.pop()
		h := v.popRef()
		arr, ok := v.heap.GetMut(h).(*bytecode.Array)
		if !ok {
			fatal("SetByIndex on non-array")
		}
		if idx < 0 || int(idx) >= len(arr.Elements) {
			return v.performBackoff("setting array value by index out of range"), nil
		}
		arr.Elements[idx] = val
		v.push(bytecode.Ref(h))

	case bytecode.OpJump:
		return v.doJump(ins.Target), nil
	case bytecode.OpJumpIfTrue:
		cond := v.pop()
		if cond.IsTrue(v.heap) {
			return v.doJump(ins.Target), nil
		}
	case bytecode.OpJumpIfFalse:
		cond := v.pop()
		if !cond.IsTrue(v.heap) {
			return v.doJump(ins.Target), nil
		}

	case bytecode.OpCall:
		return v.doCall(ins.Name), nil
	case bytecode.OpReturn:
		return v.doReturn(), nil

	case bytecode.OpStruct, bytecode.OpField:
		fatal("%s encountered outside a Struct…EndStruct block", opName(ins.Op))
	case bytecode.OpEndStruct:
		// A bare EndStruct reachable from main's flow means a malformed
		// stream; preprocess already consumed well-formed ones.
		fatal("EndStruct encountered outside a Struct block")
	case bytecode.OpNewStruct:
		v.push(v.allocStructInstance(ins.Name))
		v.maybeCollect()
	case bytecode.OpSetField:
		val := v.pop()
		h := v.popRef()
		st, ok := v.heap.GetMut(h).(*bytecode.Struct)
		if !ok {
			fatal("SetField on non-struct")
		}
		if _, declared := st.Fields[ins.Name]; !declared {
			fatal("no such field %q on struct %q", ins.Name, st.Name)
		}
		st.Fields[ins.Name] = val
		v.push(bytecode.Ref(h))
	case bytecode.OpGetField:
		h := v.popRef()
		st, ok := v.heap.Get(h).(*bytecode.Struct)
		if !ok {
			fatal("GetField on non-struct")
		}
		val, declared := st.Fields[ins.Name]
		if !declared {
			fatal("no such field %q on struct %q", ins.Name, st.Name)
		}
		v.push(val)

	case bytecode.OpPrint:
		fmt.Fprint(v.cfg.Output, bytecode.Format(v.heap, v.peek()))
	case bytecode.OpPrintln:
		fmt.Fprintln(v.cfg.Output, bytecode.Format(v.heap, v.peek()))

	case bytecode.OpFunc, bytecode.OpEndFunc:
		fatal("%s encountered in main's execution flow", opName(ins.Op))

	case bytecode.OpHalt:
		return finishedResult(), nil

	default:
		fatal("unknown opcode %d", ins.Op)
	}

	v.pc++
	return continueResult(), nil
}

func (v *VM) valueAsString(val bytecode.Value) string {
	if !val.IsRef() {
		fatal("expected String operand")
	}
	s, ok := v.heap.Get(val.AsRef()).(*bytecode.String)
	if !ok {
		fatal("expected String operand")
	}
	return s.Text
}

func opName(op bytecode.Op) string {
	return fmt.Sprintf("opcode(%d)", int(op))
}
