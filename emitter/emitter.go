// Package emitter walks a typed program tree (package ast) and produces
// the flat instruction stream the VM executes (C3 in SPEC_FULL.md).
package emitter

import (
	"fmt"

	"awa/ast"
	"awa/bytecode"
)

// EmitError identifies an emission failure by the construct it
// occurred on. Returned by value, never panicked: a malformed tree is
// an input error, not a broken VM invariant.
type EmitError struct {
	Where string
	Msg   string
}

func (e *EmitError) Error() string {
	return fmt.Sprintf("emit: %s: %s", e.Where, e.Msg)
}

type emitter struct {
	prog         bytecode.Program
	voidFuncs    map[string]bool
	breakTargets *[]int
}

// Emit produces a single flat bytecode.Program from module: struct
// templates first, then every function, in declaration order.
func Emit(module *ast.Module) (bytecode.Program, error) {
	e := &emitter{voidFuncs: make(map[string]bool, len(module.Functions))}
	for _, f := range module.Functions {
		e.voidFuncs[f.Name] = f.ReturnType.Name == "Void"
	}

	for _, s := range module.Structs {
		if err := e.emitStruct(s); err != nil {
			return nil, err
		}
	}
	for _, f := range module.Functions {
		if err := e.emitFunction(f); err != nil {
			return nil, err
		}
	}
	return e.prog, nil
}

func (e *emitter) emit(ins bytecode.Instruction) int {
	idx := len(e.prog)
	e.prog = append(e.prog, ins)
	return idx
}

func (e *emitter) patchTarget(idx, target int) {
	e.prog[idx].Target = target
}

func (e *emitter) emitStruct(s *ast.StructDef) error {
	e.emit(bytecode.StructStart(s.Name))
	for _, f := range s.Fields {
		def, kind, err := defaultForType(f.Type)
		if err != nil {
			return &EmitError{Where: fmt.Sprintf("struct %s field %s", s.Name, f.Name), Msg: err.Error()}
		}
		e.emit(bytecode.Field(f.Name, def, kind))
	}
	e.emit(bytecode.EndStruct())
	return nil
}

// defaultForType mirrors the original emitter's default_value_for_type,
// adapted for the Handle-based value model: primitive defaults carry
// their literal Value directly, reference-typed defaults carry a
// DefaultKind tag so NewStruct can allocate a fresh empty object per
// instantiation instead of sharing one Handle across every instance.
func defaultForType(t ast.Type) (bytecode.Value, string, error) {
	switch t.Name {
	case "Int", "Bool":
		return bytecode.Int(0), "", nil
	case "Float":
		return bytecode.Float(0), "", nil
	case "Char":
		return bytecode.Char(0), "", nil
	case "String":
		return bytecode.Nil(), "String", nil
	case "Array":
		return bytecode.Nil(), "Array", nil
	case "Custom":
		return bytecode.Nil(), "Custom:" + t.CustomName, nil
	case "Void":
		return bytecode.Value{}, "", fmt.Errorf("void is not a storable field type")
	}
	return bytecode.Value{}, "", fmt.Errorf("unknown field type %q", t.Name)
}

func (e *emitter) emitFunction(f *ast.FunctionDef) error {
	e.emit(bytecode.Func(f.Name))

	// Caller pushed arguments left-to-right; the prologue pops them
	// right-to-left, which is the same thing as storing in reverse
	// declaration order.
	for i := len(f.Arguments) - 1; i >= 0; i-- {
		e.emit(bytecode.StoreInMap(f.Arguments[i].Name))
	}

	for _, stmt := range f.Body {
		if err := e.emitStatement(stmt); err != nil {
			return err
		}
	}

	switch {
	case f.Name == "main":
		e.emit(bytecode.Halt())
	case f.ReturnType.Name == "Void":
		e.emit(bytecode.Return())
	}

	e.emit(bytecode.EndFunc())
	return nil
}

func (e *emitter) emitStatement(stmt ast.Statement) error {
	switch s := stmt.(type) {
	case ast.ExpressionStmt:
		return e.emitExpression(s.Value)

	case ast.Assignment:
		if err := e.emitExpression(s.Value); err != nil {
			return err
		}
		e.emit(bytecode.StoreInMap(s.Name))
		return nil

	case ast.Reassignment:
		return e.emitReassignment(s)

	case ast.Loop:
		return e.emitLoop(s)

	case ast.If:
		return e.emitIf(s)

	case ast.Break:
		if e.breakTargets == nil {
			return &EmitError{Where: "break", Msg: "break outside a loop"}
		}
		idx := e.emit(bytecode.Jump(0))
		*e.breakTargets = append(*e.breakTargets, idx)
		return nil

	case ast.Return:
		if s.Value != nil {
			if err := e.emitExpression(s.Value); err != nil {
				return err
			}
		}
		e.emit(bytecode.Return())
		return nil

	case ast.Todo, ast.Panic, ast.Exit:
		// None of these three have a dedicated opcode; each simply
		// halts execution, matching the reference emitter.
		e.emit(bytecode.Halt())
		return nil
	}
	return &EmitError{Where: "statement", Msg: fmt.Sprintf("unsupported statement kind %q", stmt.Kind())}
}

func (e *emitter) emitLoop(s ast.Loop) error {
	start := len(e.prog)

	var pending []int
	saved := e.breakTargets
	e.breakTargets = &pending

	for _, st := range s.Body {
		if err := e.emitStatement(st); err != nil {
			e.breakTargets = saved
			return err
		}
	}
	e.breakTargets = saved

	e.emit(bytecode.Jump(start))
	end := len(e.prog)
	for _, idx := range pending {
		e.patchTarget(idx, end)
	}
	return nil
}

func (e *emitter) emitIf(s ast.If) error {
	if err := e.emitExpression(s.Condition); err != nil {
		return err
	}
	jumpIfFalse := e.emit(bytecode.JumpIfFalse(0))

	for _, st := range s.Then {
		if err := e.emitStatement(st); err != nil {
			return err
		}
	}

	if len(s.Else) == 0 {
		e.patchTarget(jumpIfFalse, len(e.prog))
		return nil
	}

	jumpToEnd := e.emit(bytecode.Jump(0))
	e.patchTarget(jumpIfFalse, len(e.prog))

	for _, st := range s.Else {
		if err := e.emitStatement(st); err != nil {
			return err
		}
	}
	e.patchTarget(jumpToEnd, len(e.prog))
	return nil
}

func (e *emitter) emitReassignment(s ast.Reassignment) error {
	switch s.Target {
	case ast.ReassignVariable:
		if err := e.emitExpression(s.Value); err != nil {
			return err
		}
		e.emit(bytecode.StoreInMap(s.Name))
		return nil

	case ast.ReassignField:
		e.emit(bytecode.LoadToStack(s.StructName))
		if err := e.emitExpression(s.Value); err != nil {
			return err
		}
		e.emit(bytecode.SetField(s.Field))
		e.emit(bytecode.StoreInMap(s.StructName))
		return nil

	case ast.ReassignIndex:
		e.emit(bytecode.LoadToStack(s.ArrayName))
		if err := e.emitExpression(s.Value); err != nil {
			return err
		}
		if err := e.emitExpression(s.Index); err != nil {
			return err
		}
		e.emit(bytecode.Instruction{Op: bytecode.OpSetByIndex})
		e.emit(bytecode.StoreInMap(s.ArrayName))
		return nil
	}
	return &EmitError{Where: "reassignment", Msg: "unknown reassignment target"}
}

func (e *emitter) emitExpression(expr ast.Expression) error {
	switch v := expr.(type) {
	case ast.IntLiteral:
		e.emit(bytecode.PushInt(v.Value))
		return nil
	case ast.FloatLiteral:
		e.emit(bytecode.PushFloat(v.Value))
		return nil
	case ast.StringLiteral:
		e.emit(bytecode.PushString(v.Value))
		return nil
	case ast.CharLiteral:
		e.emit(bytecode.PushChar(v.Value))
		return nil
	case ast.BoolLiteral:
		e.emit(bytecode.PushInt(boolInt(v.Value)))
		return nil
	case ast.Variable:
		e.emit(bytecode.LoadToStack(v.Name))
		return nil
	case ast.FieldAccess:
		e.emit(bytecode.LoadToStack(v.StructName))
		e.emit(bytecode.GetField(v.Field))
		return nil
	case ast.IndexAccess:
		e.emit(bytecode.LoadToStack(v.ArrayName))
		if err := e.emitExpression(v.Index); err != nil {
			return err
		}
		e.emit(bytecode.Instruction{Op: bytecode.OpGetByIndex})
		return nil
	case ast.ArrayLiteral:
		e.emit(bytecode.PushArray())
		for _, el := range v.Elements {
			if err := e.emitExpression(el); err != nil {
				return err
			}
			e.emit(bytecode.Instruction{Op: bytecode.OpAppend})
		}
		return nil
	case ast.StructLiteral:
		e.emit(bytecode.NewStruct(v.TypeName))
		for _, field := range v.Fields {
			if err := e.emitExpression(field.Value); err != nil {
				return err
			}
			e.emit(bytecode.SetField(field.Name))
		}
		return nil
	case ast.Call:
		return e.emitCall(v)
	case ast.Binary:
		if err := e.emitExpression(v.Left); err != nil {
			return err
		}
		if err := e.emitExpression(v.Right); err != nil {
			return err
		}
		op, err := binaryOpcode(v.Op)
		if err != nil {
			return &EmitError{Where: "binary expression", Msg: err.Error()}
		}
		e.emit(bytecode.Instruction{Op: op})
		return nil
	}
	return &EmitError{Where: "expression", Msg: fmt.Sprintf("unsupported expression kind %q", expr.Kind())}
}

func (e *emitter) emitCall(call ast.Call) error {
	for _, a := range call.Args {
		if err := e.emitExpression(a); err != nil {
			return err
		}
	}
	switch call.FunctionName {
	case "print":
		e.emit(bytecode.Print())
	case "println":
		e.emit(bytecode.Println())
	case "append":
		e.emit(bytecode.Instruction{Op: bytecode.OpAppend})
	case "pop":
		e.emit(bytecode.Instruction{Op: bytecode.OpPop})
	default:
		e.emit(bytecode.Call(call.FunctionName))
	}
	return nil
}

func boolInt(b bool) int64 {
	if b {
		return 1
	}
	return 0
}

func binaryOpcode(op ast.BinaryOp) (bytecode.Op, error) {
	switch op {
	case ast.OpAddInt:
		return bytecode.OpAddInt, nil
	case ast.OpSubInt:
		return bytecode.OpSubInt, nil
	case ast.OpMulInt:
		return bytecode.OpMulInt, nil
	case ast.OpDivInt:
		return bytecode.OpDivInt, nil
	case ast.OpMod:
		return bytecode.OpMod, nil
	case ast.OpAddFloat:
		return bytecode.OpAddFloat, nil
	case ast.OpSubFloat:
		return bytecode.OpSubFloat, nil
	case ast.OpMulFloat:
		return bytecode.OpMulFloat, nil
	case ast.OpDivFloat:
		return bytecode.OpDivFloat, nil
	case ast.OpLessInt:
		return bytecode.OpLessInt, nil
	case ast.OpLessEqualInt:
		return bytecode.OpLessEqualInt, nil
	case ast.OpGreaterInt:
		return bytecode.OpGreaterInt, nil
	case ast.OpGreaterEqualInt:
		return bytecode.OpGreaterEqualInt, nil
	case ast.OpLessFloat:
		return bytecode.OpLessFloat, nil
	case ast.OpLessEqualFloat:
		return bytecode.OpLessEqualFloat, nil
	case ast.OpGreaterFloat:
		return bytecode.OpGreaterFloat, nil
	case ast.OpGreaterEqualFloat:
		return bytecode.OpGreaterEqualFloat, nil
	case ast.OpAnd:
		return bytecode.OpAnd, nil
	case ast.OpOr:
		return bytecode.OpOr, nil
	case ast.OpConcat:
		return bytecode.OpConcat, nil
	case ast.OpEqual:
		return bytecode.OpEqual, nil
	case ast.OpNotEqual:
		return bytecode.OpNotEqual, nil
	}
	return 0, fmt.Errorf("unknown binary operator %d", op)
}
