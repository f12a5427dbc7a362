package emitter_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"awa/ast"
	"awa/bytecode"
	"awa/emitter"
)

func mainModule(body ...ast.Statement) *ast.Module {
	return &ast.Module{
		Name: "main",
		Functions: []*ast.FunctionDef{
			{Name: "main", Body: body, ReturnType: ast.TypeVoid},
		},
	}
}

func TestEmitHello(t *testing.T) {
	mod := mainModule(ast.ExpressionStmt{Value: ast.Call{
		FunctionName: "println",
		Args:         []ast.Expression{ast.StringLiteral{Value: "hi"}},
	}})

	prog, err := emitter.Emit(mod)
	require.NoError(t, err)

	require.Len(t, prog, 5)
	assert.Equal(t, bytecode.OpFunc, prog[0].Op)
	assert.Equal(t, bytecode.OpPushString, prog[1].Op)
	assert.Equal(t, "hi", prog[1].StrVal)
	assert.Equal(t, bytecode.OpPrintln, prog[2].Op)
	assert.Equal(t, bytecode.OpHalt, prog[3].Op)
}

func TestEmitArithmeticPrecedence(t *testing.T) {
	// a = 2 + (3 * 4)
	expr := ast.Binary{
		Op:   ast.OpAddInt,
		Left: ast.IntLiteral{Value: 2},
		Right: ast.Binary{
			Op:    ast.OpMulInt,
			Left:  ast.IntLiteral{Value: 3},
			Right: ast.IntLiteral{Value: 4},
		},
	}
	mod := mainModule(ast.Assignment{Name: "a", Value: expr})

	prog, err := emitter.Emit(mod)
	require.NoError(t, err)

	ops := opSequence(prog)
	assert.Equal(t, []bytecode.Op{
		bytecode.OpFunc,
		bytecode.OpPushInt, bytecode.OpPushInt, bytecode.OpPushInt, bytecode.OpMulInt, bytecode.OpAddInt,
		bytecode.OpStoreInMap,
		bytecode.OpHalt,
		bytecode.OpEndFunc,
	}, ops)
}

func TestEmitFunctionArgumentPrologueReversesOrder(t *testing.T) {
	mod := &ast.Module{
		Functions: []*ast.FunctionDef{
			{
				Name: "f",
				Arguments: []ast.Argument{
					{Name: "a", Type: ast.TypeInt},
					{Name: "b", Type: ast.TypeInt},
				},
				ReturnType: ast.TypeInt,
				Body: []ast.Statement{
					ast.Return{Value: ast.Variable{Name: "a"}},
				},
			},
			{Name: "main", ReturnType: ast.TypeVoid, Body: nil},
		},
	}

	prog, err := emitter.Emit(mod)
	require.NoError(t, err)

	require.GreaterOrEqual(t, len(prog), 3)
	assert.Equal(t, bytecode.OpStoreInMap, prog[1].Op)
	assert.Equal(t, "b", prog[1].Name)
	assert.Equal(t, bytecode.OpStoreInMap, prog[2].Op)
	assert.Equal(t, "a", prog[2].Name)
}

func TestEmitLoopWithBreakPatchesJumpPastLoop(t *testing.T) {
	mod := mainModule(ast.Loop{
		Body: []ast.Statement{
			ast.If{
				Condition: ast.Variable{Name: "done"},
				Then:      []ast.Statement{ast.Break{}},
			},
		},
	})

	prog, err := emitter.Emit(mod)
	require.NoError(t, err)

	var breakJump bytecode.Instruction
	for i, ins := range prog {
		if ins.Op == bytecode.OpJump && ins.Target > i {
			breakJump = ins
		}
	}
	// the break's Jump must target the instruction right after the
	// loop-closing Jump(loop_start), i.e. past the loop entirely.
	loopCloseIdx := -1
	for i, ins := range prog {
		if ins.Op == bytecode.OpJump && i != 0 && ins.Target < i {
			loopCloseIdx = i
		}
	}
	require.NotEqual(t, -1, loopCloseIdx)
	assert.Equal(t, loopCloseIdx+1, breakJump.Target)
}

func TestEmitIfElsePatchesBothBranches(t *testing.T) {
	mod := mainModule(ast.If{
		Condition: ast.BoolLiteral{Value: true},
		Then:      []ast.Statement{ast.ExpressionStmt{Value: ast.IntLiteral{Value: 1}}},
		Else:      []ast.Statement{ast.ExpressionStmt{Value: ast.IntLiteral{Value: 2}}},
	})

	prog, err := emitter.Emit(mod)
	require.NoError(t, err)

	var jumpIfFalseIdx, jumpIdx int
	for i, ins := range prog {
		switch ins.Op {
		case bytecode.OpJumpIfFalse:
			jumpIfFalseIdx = i
		case bytecode.OpJump:
			if i > jumpIfFalseIdx {
				jumpIdx = i
			}
		}
	}
	assert.Equal(t, jumpIdx+1, prog[jumpIfFalseIdx].Target, "JumpIfFalse must land at else-start")
	assert.Equal(t, len(prog)-2, prog[jumpIdx].Target, "Jump must land past the else-body")
}

func TestEmitStructTemplateOrderAndDefaults(t *testing.T) {
	mod := &ast.Module{
		Structs: []*ast.StructDef{
			{Name: "P", Fields: []ast.FieldDef{
				{Name: "x", Type: ast.TypeInt},
				{Name: "label", Type: ast.TypeString},
			}},
		},
		Functions: []*ast.FunctionDef{{Name: "main", ReturnType: ast.TypeVoid}},
	}

	prog, err := emitter.Emit(mod)
	require.NoError(t, err)

	require.Equal(t, bytecode.OpStruct, prog[0].Op)
	assert.Equal(t, "P", prog[0].Name)
	assert.Equal(t, bytecode.OpField, prog[1].Op)
	assert.Equal(t, "x", prog[1].Name)
	assert.Equal(t, int64(0), prog[1].Default.AsInt())
	assert.Equal(t, bytecode.OpField, prog[2].Op)
	assert.Equal(t, "label", prog[2].Name)
	assert.Equal(t, "String", prog[2].DefaultKind)
	assert.Equal(t, bytecode.OpEndStruct, prog[3].Op)
}

func TestEmitVoidCallLeavesNothingToPop(t *testing.T) {
	mod := &ast.Module{
		Functions: []*ast.FunctionDef{
			{Name: "sideEffect", ReturnType: ast.TypeVoid, Body: nil},
			{Name: "main", ReturnType: ast.TypeVoid, Body: []ast.Statement{
				ast.ExpressionStmt{Value: ast.Call{FunctionName: "sideEffect"}},
			}},
		},
	}
	prog, err := emitter.Emit(mod)
	require.NoError(t, err)

	for _, ins := range prog {
		assert.NotEqual(t, bytecode.OpPop, ins.Op, "void call must not be followed by a stray Pop")
	}
}

func opSequence(prog bytecode.Program) []bytecode.Op {
	ops := make([]bytecode.Op, len(prog))
	for i, ins := range prog {
		ops[i] = ins.Op
	}
	return ops
}
