package vm

import (
	"errors"

	"awa/bytecode"
	"awa/optimizer"
)

// doJump executes an absolute jump. A backward jump (target at or before
// the jump's own address) counts as one loop iteration; once a loop's
// iteration count passes cfg.LoopThreshold it is handed to the
// optimizer exactly once, grounded on ExecutionStats.loop_iterations /
// should_optimize_loop in the original vm.rs.
func (v *VM) doJump(target int) StepResult {
	jumpAddr := v.pc
	v.pc = target

	if target <= jumpAddr {
		v.loopIterations[target]++
		if !v.optimizedLoops[target] && v.loopIterations[target] > v.cfg.LoopThreshold {
			v.optimizeLoop(target, jumpAddr)
		}
	}
	return continueResult()
}

// doCall pushes a fresh call frame and jumps into name's body. A backup
// of the value stack and the Call instruction's own address is taken
// first, so a recoverable fault deep inside this call can roll all the
// way back to the point of the call and retry once the driver hotswaps
// a fixed body in.
func (v *VM) doCall(name string) StepResult {
	v.callCounts[name]++
	if !v.optimizedFunctions[name] && v.callCounts[name] > v.cfg.OptimizeThreshold {
		v.optimizeFunction(name)
	}

	v.backup = &backup{valueStack: cloneValues(v.valueStack), pc: v.pc}

	v.callStack = append(v.callStack, v.pc+1)
	v.envStack = append(v.envStack, make(map[string]bytecode.Value, 16))

	start, ok := v.functions[name]
	if !ok {
		fatal("call to undefined function %q", name)
	}
	v.pc = start
	return continueResult()
}

// doReturn pops the current call frame. Returning out of main itself
// (no call_stack entry to unwind) ends the program.
func (v *VM) doReturn() StepResult {
	if len(v.envStack) > 1 {
		v.envStack = v.envStack[:len(v.envStack)-1]
	}
	if len(v.callStack) == 0 {
		return finishedResult()
	}
	addr := v.callStack[len(v.callStack)-1]
	v.callStack = v.callStack[:len(v.callStack)-1]
	v.backup = nil
	v.pc = addr
	return continueResult()
}

// performBackoff implements the recovery protocol (spec.md §4.5/§7
// class 2): unwind to the call that is on the hook for the fault,
// restore the pre-call snapshot, and hand the driver the failing
// function's name so it can hotswap a fixed body in and retry.
//
// An empty call_stack is unrecoverable: a fault at the top level,
// outside any function call, has no Call instruction to retry and
// nothing to hotswap. The backup snapshot is seeded at construction
// and retaken on every Call, but every Return clears it, so a fault
// that follows a completed nested call finds no snapshot and is fatal
// as well.
func (v *VM) performBackoff(reason string) StepResult {
	if len(v.callStack) == 0 {
		fatal("unrecoverable fault at top level: %s", reason)
	}
	if v.backup == nil {
		fatal("unrecoverable fault with no backup snapshot: %s", reason)
	}

	addr := v.callStack[len(v.callStack)-1]
	v.callStack = v.callStack[:len(v.callStack)-1]

	callIdx := addr - 1
	if callIdx < 0 || callIdx >= len(v.instructions) || v.instructions[callIdx].Op != bytecode.OpCall {
		fatal("internal error: return address %d does not follow a Call instruction", addr)
	}
	name := v.instructions[callIdx].Name

	v.valueStack = cloneValues(v.backup.valueStack)
	v.pc = v.backup.pc
	if len(v.envStack) > 1 {
		v.envStack = v.envStack[:len(v.envStack)-1]
	}
	v.backup = nil

	return hotswapResult(name)
}

// optimizeFunction slices out name's body (excluding its Func/EndFunc
// bookends), hands it to the optimizer, and splices the rewritten body
// back in place. Grounded on vm.rs's optimize_function.
func (v *VM) optimizeFunction(name string) {
	start, ok := v.functions[name]
	if !ok {
		return
	}
	end := v.findEndFunc(start)

	body := append(bytecode.Program{}, v.instructions[start:end]...)
	newBody := optimizer.OptimizeFunction(body, start)

	v.replaceCodeRegion(start, end-1, newBody)
	v.optimizedFunctions[name] = true
}

// optimizeLoop widens loopStart..loopEnd out to its enclosing function's
// full body, optimizes that whole body, and splices back only the
// loop's own sub-slice. Grounded on vm.rs's optimize_loop.
func (v *VM) optimizeLoop(loopStart, loopEnd int) {
	funcStart := v.findEnclosingFuncStart(loopStart)
	funcEnd := v.findEndFunc(funcStart)

	functionCode := append(bytecode.Program{}, v.instructions[funcStart:funcEnd]...)
	relStart := loopStart - funcStart
	relEnd := loopEnd - funcStart

	newLoopBody := optimizer.OptimizeLoop(functionCode, relStart, relEnd, funcStart)

	v.replaceCodeRegion(loopStart, loopEnd, newLoopBody)
	v.optimizedLoops[loopStart] = true
}

// findEndFunc returns the index of the EndFunc instruction closing the
// body that starts at start.
func (v *VM) findEndFunc(start int) int {
	for i := start; i < len(v.instructions); i++ {
		if v.instructions[i].Op == bytecode.OpEndFunc {
			return i
		}
	}
	fatal("internal error: no EndFunc found for body starting at %d", start)
	panic("unreachable")
}

// findEnclosingFuncStart walks backward from pos to the Func instruction
// that opens the body containing it, returning one past that marker.
func (v *VM) findEnclosingFuncStart(pos int) int {
	for i := pos; i >= 0; i-- {
		if v.instructions[i].Op == bytecode.OpFunc {
			return i + 1
		}
	}
	fatal("internal error: no enclosing Func found for address %d", pos)
	panic("unreachable")
}

// replaceCodeRegion splices newCode over the inclusive range
// [start, end] and repairs every address the edit could invalidate.
// Jump targets are patched when they point past the OLD end of the
// replaced region; pc, call_stack addresses and the functions table are
// patched when they point past start. This threshold asymmetry is
// exactly what vm.rs's replace_code_region does: a jump landing exactly
// on the region's first replaced instruction still targets valid code
// after the splice, whereas pc/call-stack resumption points sitting
// inside the region have already been handled by their own call sites
// before this runs.
func (v *VM) replaceCodeRegion(start, end int, newCode bytecode.Program) {
	oldSize := end - start + 1
	sizeDiff := len(newCode) - oldSize

	rebuilt := make(bytecode.Program, 0, len(v.instructions)-oldSize+len(newCode))
	rebuilt = append(rebuilt, v.instructions[:start]...)
	rebuilt = append(rebuilt, newCode...)
	rebuilt = append(rebuilt, v.instructions[end+1:]...)

	for i := range rebuilt {
		if rebuilt[i].IsJump() && rebuilt[i].Target > end {
			rebuilt[i].Target += sizeDiff
		}
	}
	v.instructions = rebuilt

	if v.pc > start {
		v.pc += sizeDiff
	}
	for i := range v.callStack {
		if v.callStack[i] > start {
			v.callStack[i] += sizeDiff
		}
	}
	for name, addr := range v.functions {
		if addr > start {
			v.functions[name] = addr + sizeDiff
		}
	}
}

// Hotswap appends newCode's single Func...EndFunc block to the end of
// the instruction stream and rebinds that function's name to the new
// body, per spec.md's hotswap mechanism: existing code is never edited
// in place, only ever appended to and rebound, so any address still
// referencing the stale body keeps pointing at bytes that still exist
// (just dead). Grounded on vm.rs's hotswap_function.
func (v *VM) Hotswap(newCode bytecode.Program) error {
	name, body, err := extractFuncBlock(newCode)
	if err != nil {
		return err
	}

	offset := len(v.instructions)
	adjustJumps(body, offset)

	v.instructions = append(v.instructions, bytecode.Func(name))
	bodyStart := len(v.instructions)
	v.instructions = append(v.instructions, body...)
	v.instructions = append(v.instructions, bytecode.EndFunc())

	oldStart, hadOld := v.functions[name]
	v.functions[name] = bodyStart
	delete(v.optimizedFunctions, name)

	if hadOld {
		oldEnd := v.findEndFunc(oldStart)
		for loopAddr := range v.loopIterations {
			if loopAddr >= oldStart && loopAddr <= oldEnd {
				delete(v.loopIterations, loopAddr)
				delete(v.optimizedLoops, loopAddr)
			}
		}
	}

	return nil
}

// extractFuncBlock pulls the first Func...EndFunc block out of code and
// returns its name and body (bookends excluded).
func extractFuncBlock(code bytecode.Program) (name string, body bytecode.Program, err error) {
	start := -1
	for i, ins := range code {
		if ins.Op == bytecode.OpFunc {
			start = i
			name = ins.Name
			break
		}
	}
	if start < 0 {
		return "", nil, errors.New("vm: hotswap code contains no Func block")
	}

	for i := start + 1; i < len(code); i++ {
		if code[i].Op == bytecode.OpEndFunc {
			return name, append(bytecode.Program{}, code[start+1:i]...), nil
		}
	}
	return "", nil, errors.New("vm: hotswap code's Func block has no matching EndFunc")
}

// adjustJumps shifts every jump target in body by offset, so a body
// compiled in isolation (targets relative to its own start at 0) reads
// correctly once appended elsewhere in the stream.
func adjustJumps(body bytecode.Program, offset int) {
	for i := range body {
		if body[i].IsJump() {
			body[i].Target += offset
		}
	}
}
