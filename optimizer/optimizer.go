// Package optimizer rewrites a bytecode slice to a fixed point using four
// passes — peephole, dead-code elimination, empty-conditional removal,
// and constant folding — without changing its observable behavior (C4
// in SPEC_FULL.md).
package optimizer

import "awa/bytecode"

type optimizer struct {
	code []bytecode.Instruction
	// hotStart/hotEnd select the loop sub-slice to return when this run
	// came from OptimizeLoop; hot is false for whole-function runs.
	hot            bool
	hotStart       int
	hotEnd         int
	shift          int
}

// OptimizeFunction runs the four passes to fixed point over a function
// body and returns the rewritten body. shift is the body's starting
// absolute index in the enclosing stream — every jump target inside
// body is already expressed in that absolute space.
func OptimizeFunction(body bytecode.Program, shift int) bytecode.Program {
	o := &optimizer{code: append([]bytecode.Instruction{}, body...), shift: shift}
	return o.run()
}

// OptimizeLoop runs the four passes over the enclosing function region
// but returns only the loop's own sub-slice, expressed against the same
// shift.
func OptimizeLoop(enclosing bytecode.Program, loopStart, loopEnd, shift int) bytecode.Program {
	o := &optimizer{
		code:     append([]bytecode.Instruction{}, enclosing...),
		hot:      true,
		hotStart: loopStart,
		hotEnd:   loopEnd,
		shift:    shift,
	}
	return o.run()
}

func (o *optimizer) run() bytecode.Program {
	initialLen := len(o.code)

	for {
		lenBefore := len(o.code)

		o.peephole()
		o.deadCodeElimination()
		o.removeEmptyConditionals()
		o.constantFolding()

		if len(o.code) == lenBefore {
			break
		}
	}

	if !o.hot {
		return append(bytecode.Program{}, o.code...)
	}

	removed := initialLen - len(o.code)
	newEnd := o.hotEnd - removed
	newStart := o.hotStart
	if newEnd < newStart {
		newStart = newEnd
	}
	return append(bytecode.Program{}, o.code[newStart:newEnd+1]...)
}

func (o *optimizer) peephole() {
	i := 0
	for i < len(o.code) {
		if i+1 < len(o.code) {
			a, b := o.code[i], o.code[i+1]
			if a.Op == bytecode.OpLoadToStack && b.Op == bytecode.OpStoreInMap && a.Name == b.Name {
				o.shiftJumpsPast(o.shift+i+1, 2)
				o.code = append(o.code[:i], o.code[i+2:]...)
				continue
			}
			if a.IsPushLiteral() && b.Op == bytecode.OpPop {
				o.shiftJumpsPast(o.shift+i+1, 2)
				o.code = append(o.code[:i], o.code[i+2:]...)
				continue
			}
		}
		i++
	}
}

func isPushLike(op bytecode.Op) bool {
	switch op {
	case bytecode.OpPushInt, bytecode.OpPushFloat, bytecode.OpPushString, bytecode.OpPushChar,
		bytecode.OpPushArray, bytecode.OpLoadToStack, bytecode.OpNewStruct:
		return true
	}
	return false
}

func isBinaryLike(op bytecode.Op, includeMutators bool) bool {
	switch op {
	case bytecode.OpAddInt, bytecode.OpSubInt, bytecode.OpMulInt, bytecode.OpDivInt, bytecode.OpMod,
		bytecode.OpAddFloat, bytecode.OpSubFloat, bytecode.OpMulFloat, bytecode.OpDivFloat,
		bytecode.OpEqual, bytecode.OpNotEqual, bytecode.OpAnd, bytecode.OpOr,
		bytecode.OpLessInt, bytecode.OpLessEqualInt, bytecode.OpGreaterInt, bytecode.OpGreaterEqualInt,
		bytecode.OpLessFloat, bytecode.OpLessEqualFloat, bytecode.OpGreaterFloat, bytecode.OpGreaterEqualFloat,
		bytecode.OpConcat, bytecode.OpGetByIndex:
		return true
	case bytecode.OpSetField, bytecode.OpAppend:
		return includeMutators
	}
	return false
}

// scanBalanceBack walks backward from pos looking for the balanced
// sub-expression that produced the value consumed at pos (a StoreInMap
// or a JumpIfFalse). Mirrors the original's conservative stack-height
// scan: on any opcode it cannot account for, it stops and reports
// imbalance rather than risk an over-eager removal.
func scanBalanceBack(code []bytecode.Instruction, pos int, includeMutators bool) (start int, balanced bool) {
	start = pos
	balance := -1
	for start > 0 {
		ins := code[start-1]
		switch {
		case isPushLike(ins.Op):
			balance++
			if balance != 0 {
				start--
			} else {
				return start, balance == 0
			}
		case isBinaryLike(ins.Op, includeMutators):
			balance--
			start--
		case ins.Op == bytecode.OpGetField:
			start--
		default:
			return start, balance == 0
		}
	}
	return start, balance == 0
}

func satSub(a, b int) int {
	if b > a {
		return 0
	}
	return a - b
}

func (o *optimizer) shiftJumpsPast(threshold, removedLen int) {
	for j := range o.code {
		if o.code[j].IsJump() && o.code[j].Target > threshold {
			o.code[j].Target = satSub(o.code[j].Target, removedLen)
		}
	}
}

func (o *optimizer) removeEmptyConditionals() {
	i := 0
	for i < len(o.code) {
		if o.code[i].Op != bytecode.OpJumpIfFalse {
			i++
			continue
		}

		target := o.code[i].Target
		end := i
		terminate := target == o.shift+i+1

		if i+1 < len(o.code) && o.code[i+1].Op == bytecode.OpJump {
			secondTarget := o.code[i+1].Target
			if secondTarget == o.shift+i+2 && target == o.shift+i+2 {
				terminate = true
				end = i + 1
			}
		}

		if terminate {
			start, balanced := scanBalanceBack(o.code, i, false)
			if balanced {
				removedLen := end - start + 2
				o.shiftJumpsPast(o.shift+start, removedLen)
				o.code = append(o.code[:start-1], o.code[end+1:]...)
			}
		}

		i++
	}
}

func (o *optimizer) deadCodeElimination() {
	var funcArgs []string
	i := 0
	for i < len(o.code) {
		if o.code[i].Op != bytecode.OpStoreInMap {
			break
		}
		funcArgs = append(funcArgs, o.code[i].Name)
		i++
	}

	isArg := func(name string) bool {
		for _, a := range funcArgs {
			if a == name {
				return true
			}
		}
		return false
	}

	usedVariables := map[string]bool{}

	i = 0
	for i < len(o.code) {
		if o.code[i].Op != bytecode.OpStoreInMap {
			i++
			continue
		}
		varName := o.code[i].Name
		if isArg(varName) {
			i++
			continue
		}

		if _, seen := usedVariables[varName]; !seen {
			usedVariables[varName] = o.isVariableActuallyUsed(varName, i+1)
		}

		if usedVariables[varName] {
			i++
			continue
		}

		var assignments []int
		assignments = append(assignments, i)
		for current := i + 1; current < len(o.code); current++ {
			if o.code[current].Op == bytecode.OpStoreInMap && o.code[current].Name == varName {
				assignments = append(assignments, current)
			}
		}

		removedAny := false
		for k := len(assignments) - 1; k >= 0; k-- {
			pos := assignments[k]
			start, balanced := scanBalanceBack(o.code, pos, true)
			if !balanced {
				continue
			}
			removedLen := pos - start + 2
			o.shiftJumpsPast(o.shift+pos, removedLen)
			o.code = append(o.code[:start-1], o.code[pos+1:]...)
			removedAny = true
		}

		if removedAny {
			i = assignments[0]
		} else {
			i++
		}
	}
}

// isVariableActuallyUsed reports whether a later LoadToStack of
// variable is a genuine read rather than a load immediately destined to
// be overwritten by its own re-assignment (e.g. "x = x + 1" is not a
// use of the old binding from the optimizer's point of view once it's
// been proven dead upstream — only a JumpIfFalse-consumed load, or one
// with no re-store at all, counts).
func (o *optimizer) isVariableActuallyUsed(variable string, startPos int) bool {
	for i := startPos; i < len(o.code); i++ {
		ins := o.code[i]
		if ins.Op != bytecode.OpLoadToStack || ins.Name != variable {
			continue
		}
		if i == 0 {
			continue
		}

		isAssignment := false
		for j := i + 1; j < len(o.code); j++ {
			next := o.code[j]
			if isPassthroughForUseScan(next.Op) {
				continue
			}
			if next.Op == bytecode.OpJumpIfFalse {
				isAssignment = false
				break
			}
			if next.Op == bytecode.OpStoreInMap && next.Name == variable {
				isAssignment = true
			}
			break
		}

		if !isAssignment {
			return true
		}
	}
	return false
}

func isPassthroughForUseScan(op bytecode.Op) bool {
	switch op {
	case bytecode.OpPushInt, bytecode.OpPushFloat, bytecode.OpPushString, bytecode.OpPushChar,
		bytecode.OpLoadToStack, bytecode.OpAddInt, bytecode.OpSubInt, bytecode.OpMulInt, bytecode.OpDivInt,
		bytecode.OpGreaterInt, bytecode.OpGreaterEqualInt:
		return true
	}
	return false
}

type foldConst struct {
	kind string // "int", "float", "string"
	i    int64
	f    float64
	s    string
}

func (o *optimizer) constantFolding() {
	i := 0
	for i < len(o.code) {
		constants, canFold, j := o.scanFoldableRun(i)

		if canFold && len(constants) == 1 && j > i {
			replacement := pushFor(constants[len(constants)-1])
			o.shiftJumpsPast(o.shift+i, j-i-1)
			tail := append([]bytecode.Instruction{}, o.code[j:]...)
			o.code = append(o.code[:i], replacement)
			o.code = append(o.code, tail...)
		}
		i++
	}
}

func pushFor(c foldConst) bytecode.Instruction {
	switch c.kind {
	case "int":
		return bytecode.PushInt(c.i)
	case "float":
		return bytecode.PushFloat(c.f)
	default:
		return bytecode.PushString(c.s)
	}
}

func (o *optimizer) scanFoldableRun(i int) (constants []foldConst, canFold bool, j int) {
	canFold = true
	lastType := ""
	j = i

scan:
	for j < len(o.code) {
		ins := o.code[j]
		switch ins.Op {
		case bytecode.OpJumpIfTrue, bytecode.OpJumpIfFalse, bytecode.OpJump, bytecode.OpFunc, bytecode.OpReturn, bytecode.OpEndFunc:
			break scan

		case bytecode.OpPushInt:
			constants = append(constants, foldConst{kind: "int", i: ins.IntVal})
			lastType = "int"

		case bytecode.OpPushFloat:
			constants = append(constants, foldConst{kind: "float", f: ins.FloatVal})
			lastType = "float"

		case bytecode.OpPushString:
			constants = append(constants, foldConst{kind: "string", s: ins.StrVal})
			lastType = "string"

		case bytecode.OpCall, bytecode.OpGetField, bytecode.OpGetByIndex, bytecode.OpPushArray,
			bytecode.OpAppend, bytecode.OpLoadToStack, bytecode.OpSetByIndex:
			canFold = false
			break scan

		case bytecode.OpAddInt, bytecode.OpSubInt, bytecode.OpMulInt, bytecode.OpDivInt:
			if lastType != "int" || len(constants) < 2 {
				break scan
			}
			rhs, lhs := constants[len(constants)-1], constants[len(constants)-2]
			constants = constants[:len(constants)-2]
			var result int64
			switch ins.Op {
			case bytecode.OpAddInt:
				result = lhs.i + rhs.i
			case bytecode.OpSubInt:
				result = lhs.i - rhs.i
			case bytecode.OpMulInt:
				result = lhs.i * rhs.i
			case bytecode.OpDivInt:
				if rhs.i == 0 {
					canFold = false
					break scan
				}
				result = lhs.i / rhs.i
			}
			constants = append(constants, foldConst{kind: "int", i: result})

		case bytecode.OpAddFloat, bytecode.OpSubFloat, bytecode.OpMulFloat, bytecode.OpDivFloat:
			if lastType != "float" || len(constants) < 2 {
				break scan
			}
			rhs, lhs := constants[len(constants)-1], constants[len(constants)-2]
			constants = constants[:len(constants)-2]
			var result float64
			switch ins.Op {
			case bytecode.OpAddFloat:
				result = lhs.f + rhs.f
			case bytecode.OpSubFloat:
				result = lhs.f - rhs.f
			case bytecode.OpMulFloat:
				result = lhs.f * rhs.f
			case bytecode.OpDivFloat:
				if rhs.f == 0 {
					canFold = false
					break scan
				}
				result = lhs.f / rhs.f
			}
			constants = append(constants, foldConst{kind: "float", f: result})

		case bytecode.OpConcat:
			if lastType != "string" || len(constants) < 2 {
				break scan
			}
			rhs, lhs := constants[len(constants)-1], constants[len(constants)-2]
			constants = constants[:len(constants)-2]
			constants = append(constants, foldConst{kind: "string", s: lhs.s + rhs.s})

		default:
			break scan
		}
		j++
	}

	return constants, canFold, j
}
