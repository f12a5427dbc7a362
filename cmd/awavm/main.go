// Command awavm wires the execution core end-to-end: build a typed
// program tree, emit it to bytecode, run it on a VM through a driver,
// and report any hotswap request the driver couldn't resolve on its
// own. There is no front end here (lexer/parser/type-checker are out
// of scope, per SPEC_FULL.md) — the demo program below stands in for
// whatever a real `.awa` front end would have produced.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/fatih/color"

	"awa/ast"
	"awa/driver"
	"awa/emitter"
	"awa/vm"
)

func main() {
	module := demoModule()

	program, err := emitter.Emit(module)
	if err != nil {
		color.Red("emit error: %v", err)
		os.Exit(1)
	}

	v := vm.New(program, vm.Config{})
	d := driver.New(v)

	result, err := d.Run(context.Background())
	if err != nil {
		color.Red("vm error: %v", err)
		os.Exit(1)
	}

	switch result.Kind {
	case vm.Finished:
		color.Green("program finished")
	case vm.RequireHotswap:
		color.Yellow("function %q faulted and could not be recovered automatically", result.FunctionName)
		fmt.Println("supply a corrected function and call driver.Hotswap, then driver.Run again to resume")
	}
}

// demoModule is a tiny recursive-factorial program — scenario 3 from
// spec.md §8 — chosen to exercise Call/Return, conditionals and
// arithmetic together.
func demoModule() *ast.Module {
	fact := &ast.FunctionDef{
		Name:       "fact",
		Arguments:  []ast.Argument{{Name: "n", Type: ast.TypeInt}},
		ReturnType: ast.TypeInt,
		Body: []ast.Statement{
			ast.If{
				Condition: ast.Binary{Op: ast.OpEqual, Left: ast.Variable{Name: "n"}, Right: ast.IntLiteral{Value: 0}},
				Then:      []ast.Statement{ast.Return{Value: ast.IntLiteral{Value: 1}}},
			},
			ast.Return{Value: ast.Binary{
				Op:   ast.OpMulInt,
				Left: ast.Variable{Name: "n"},
				Right: ast.Call{
					FunctionName: "fact",
					Args: []ast.Expression{ast.Binary{
						Op:    ast.OpSubInt,
						Left:  ast.Variable{Name: "n"},
						Right: ast.IntLiteral{Value: 1},
					}},
				},
			}},
		},
	}

	main := &ast.FunctionDef{
		Name:       "main",
		ReturnType: ast.TypeVoid,
		Body: []ast.Statement{
			ast.ExpressionStmt{Value: ast.Call{
				FunctionName: "println",
				Args: []ast.Expression{ast.Call{
					FunctionName: "fact",
					Args:         []ast.Expression{ast.IntLiteral{Value: 5}},
				}},
			}},
		},
	}

	return &ast.Module{Functions: []*ast.FunctionDef{fact, main}}
}
