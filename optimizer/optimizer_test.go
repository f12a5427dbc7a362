package optimizer_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"awa/bytecode"
	"awa/optimizer"
)

func opSequence(prog bytecode.Program) []bytecode.Op {
	ops := make([]bytecode.Op, len(prog))
	for i, ins := range prog {
		ops[i] = ins.Op
	}
	return ops
}

func TestPeepholeRemovesSelfAssignment(t *testing.T) {
	body := bytecode.Program{
		bytecode.LoadToStack("x"),
		bytecode.StoreInMap("x"),
		bytecode.Halt(),
	}
	out := optimizer.OptimizeFunction(body, 0)
	assert.Equal(t, []bytecode.Op{bytecode.OpHalt}, opSequence(out))
}

func TestPeepholeRemovesDeadLiteralPop(t *testing.T) {
	body := bytecode.Program{
		bytecode.PushInt(5),
		bytecode.Instruction{Op: bytecode.OpPop},
		bytecode.Halt(),
	}
	out := optimizer.OptimizeFunction(body, 0)
	assert.Equal(t, []bytecode.Op{bytecode.OpHalt}, opSequence(out))
}

func TestConstantFoldingScenario7Witness(t *testing.T) {
	// push 2; push 3; AddInt; push 4; MulInt  =>  (2+3)*4 = 20
	body := bytecode.Program{
		bytecode.PushInt(2),
		bytecode.PushInt(3),
		bytecode.Instruction{Op: bytecode.OpAddInt},
		bytecode.PushInt(4),
		bytecode.Instruction{Op: bytecode.OpMulInt},
		bytecode.Halt(),
	}
	out := optimizer.OptimizeFunction(body, 0)

	require.Len(t, out, 2)
	assert.Equal(t, bytecode.OpPushInt, out[0].Op)
	assert.Equal(t, int64(20), out[0].IntVal)
	assert.Equal(t, bytecode.OpHalt, out[1].Op)
}

func TestConstantFoldingAbortsOnDivisionByZero(t *testing.T) {
	body := bytecode.Program{
		bytecode.PushInt(10),
		bytecode.PushInt(0),
		bytecode.Instruction{Op: bytecode.OpDivInt},
		bytecode.Halt(),
	}
	out := optimizer.OptimizeFunction(body, 0)

	// the fold must not happen; the divide-by-zero is left for the VM's
	// own recovery protocol to handle at run time.
	assert.Equal(t, []bytecode.Op{
		bytecode.OpPushInt, bytecode.OpPushInt, bytecode.OpDivInt, bytecode.OpHalt,
	}, opSequence(out))
}

func TestDeadCodeEliminationRemovesUnusedAssignment(t *testing.T) {
	body := bytecode.Program{
		bytecode.PushInt(1),
		bytecode.PushInt(2),
		bytecode.Instruction{Op: bytecode.OpAddInt},
		bytecode.StoreInMap("unused"),
		bytecode.Halt(),
	}
	out := optimizer.OptimizeFunction(body, 0)
	for _, ins := range out {
		assert.NotEqual(t, "unused", ins.Name)
	}
	assert.Equal(t, []bytecode.Op{bytecode.OpHalt}, opSequence(out))
}

func TestDeadCodeEliminationSparesFunctionArgumentPrologue(t *testing.T) {
	body := bytecode.Program{
		bytecode.StoreInMap("a"), // unused but part of the argument prologue, exempt
		bytecode.Halt(),
	}
	out := optimizer.OptimizeFunction(body, 0)
	assert.Equal(t, []bytecode.Op{bytecode.OpStoreInMap, bytecode.OpHalt}, opSequence(out))
}

func TestDeadCodeEliminationKeepsUsedAssignment(t *testing.T) {
	body := bytecode.Program{
		bytecode.PushInt(1),
		bytecode.StoreInMap("x"),
		bytecode.LoadToStack("x"),
		bytecode.Instruction{Op: bytecode.OpPrintln},
		bytecode.Halt(),
	}
	out := optimizer.OptimizeFunction(body, 0)
	found := false
	for _, ins := range out {
		if ins.Op == bytecode.OpStoreInMap && ins.Name == "x" {
			found = true
		}
	}
	assert.True(t, found, "a variable that is actually read must survive dead-code elimination")
}

func TestRemoveEmptyConditionalsDropsNoOpIf(t *testing.T) {
	// if (true) {} -- JumpIfFalse landing immediately past itself.
	body := bytecode.Program{
		bytecode.PushInt(1),     // 0 condition
		bytecode.JumpIfFalse(2), // 1 lands right past itself
		bytecode.Halt(),         // 2
	}
	out := optimizer.OptimizeFunction(body, 0)
	assert.Equal(t, []bytecode.Op{bytecode.OpHalt}, opSequence(out))
}

func TestOptimizeIsIdempotent(t *testing.T) {
	body := bytecode.Program{
		bytecode.PushInt(2),
		bytecode.PushInt(3),
		bytecode.Instruction{Op: bytecode.OpAddInt},
		bytecode.StoreInMap("dead"),
		bytecode.LoadToStack("x"),
		bytecode.StoreInMap("x"),
		bytecode.Halt(),
	}
	once := optimizer.OptimizeFunction(body, 0)
	twice := optimizer.OptimizeFunction(once, 0)
	assert.Equal(t, opSequence(once), opSequence(twice))
}

func TestOptimizeLoopReturnsOnlyLoopSlice(t *testing.T) {
	// The whole hot region (a dead push/pop pair) collapses away; the
	// start.min(new_end) clamp keeps the returned slice in range rather
	// than producing an invalid (negative-length) one.
	enclosing := bytecode.Program{
		bytecode.StoreInMap("a"), // 0 (argument prologue)
		bytecode.PushInt(1),      // 1 <- loop start
		bytecode.Instruction{Op: bytecode.OpPop}, // 2 <- loop end
		bytecode.Halt(),          // 3
	}
	out := optimizer.OptimizeLoop(enclosing, 1, 2, 0)
	require.Len(t, out, 1)
	assert.Equal(t, bytecode.OpStoreInMap, out[0].Op)
}

func TestDeadCodeEliminationRespectsNonZeroShift(t *testing.T) {
	// Same shape as TestJumpTargetsRemainValidAfterOptimization, but this
	// function starts at absolute index 100 in the enclosing stream (as
	// it would for any function other than the first one emitted), so
	// every jump target here is expressed in that absolute space while
	// the dead-code scan itself walks local indices.
	const shift = 100
	body := bytecode.Program{
		bytecode.PushInt(1),             // 0 <- loop condition, back-edge target
		bytecode.JumpIfFalse(shift + 5), // 1 exits to Halt, past the loop
		bytecode.PushInt(9),             // 2 dead assignment
		bytecode.StoreInMap("unused"),   // 3
		bytecode.Jump(shift + 0),        // 4 back-edge
		bytecode.Halt(),                 // 5
	}
	out := optimizer.OptimizeFunction(body, shift)

	require.Len(t, out, 4)
	for _, ins := range out {
		assert.NotEqual(t, "unused", ins.Name)
	}
	for _, ins := range out {
		if ins.IsJump() {
			assert.GreaterOrEqual(t, ins.Target, shift)
			assert.LessOrEqual(t, ins.Target, shift+len(out))
		}
	}
	// the back-edge must still land on the loop condition, not get
	// spuriously decremented by the removal of the dead assignment ahead
	// of it in absolute space.
	require.Equal(t, bytecode.OpJump, out[2].Op)
	assert.Equal(t, shift+0, out[2].Target)
}

func TestConstantFoldingPatchesJumpTargetsAfterFold(t *testing.T) {
	// push 2; push 3; AddInt folds to a single push, shortening the
	// function by two instructions; the Jump below must have its target
	// decremented to match, even though this function is shifted.
	const shift = 50
	body := bytecode.Program{
		bytecode.PushInt(2),                         // 0
		bytecode.PushInt(3),                         // 1
		bytecode.Instruction{Op: bytecode.OpAddInt}, // 2
		bytecode.Jump(shift + 4),                    // 3 -> Halt
		bytecode.Halt(),                              // 4
	}

	out := optimizer.OptimizeFunction(body, shift)

	require.Len(t, out, 3)
	assert.Equal(t, bytecode.OpPushInt, out[0].Op)
	assert.Equal(t, int64(5), out[0].IntVal)
	require.True(t, out[1].IsJump())
	assert.Equal(t, shift+2, out[1].Target)
	assert.Equal(t, bytecode.OpHalt, out[2].Op)
}

func TestJumpTargetsRemainValidAfterOptimization(t *testing.T) {
	// An unused assignment sits ahead of a loop's backward jump; removing
	// it via dead-code elimination must shift the jump target by exactly
	// the removed length so it still lands on the loop condition.
	body := bytecode.Program{
		bytecode.PushInt(1),           // 0 <- loop condition, back-edge target
		bytecode.JumpIfFalse(5),       // 1 exits to Halt, past the loop
		bytecode.PushInt(9),           // 2 dead assignment
		bytecode.StoreInMap("unused"), // 3
		bytecode.Jump(0),              // 4 back-edge
		bytecode.Halt(),               // 5
	}
	out := optimizer.OptimizeFunction(body, 0)
	for _, ins := range out {
		if ins.IsJump() {
			assert.GreaterOrEqual(t, ins.Target, 0)
			assert.LessOrEqual(t, ins.Target, len(out))
		}
	}
	for _, ins := range out {
		assert.NotEqual(t, "unused", ins.Name)
	}
}
