// Package driver wraps a VM in the step loop + hotswap-request plumbing
// described by spec.md §§2, 5 and 6 (C6 in SPEC_FULL.md): own a VM, run
// it to completion or a fault, and hand a fault's failing function name
// back out for a caller to supply a fix for. Grounded on the original
// driver.rs's command/backwards-communication loop, simplified to a
// single goroutine since the interactive editor it drove is out of
// scope here.
package driver

import (
	"context"
	"log"

	"awa/bytecode"
	"awa/vm"
)

// Driver owns one VM and serializes every Step/Hotswap call against it,
// satisfying spec.md §5's "never call Step concurrently" invariant.
type Driver struct {
	vm *vm.VM

	// Replacements, if set, is read on every RequireHotswap result: the
	// caller sends emitter-produced bytecode for the named function and
	// Run applies it via vm.Hotswap before resuming. Left nil, Run
	// returns the RequireHotswap result to its own caller instead of
	// blocking, so a non-interactive caller can decide synchronously.
	Replacements chan bytecode.Program
}

// New wraps an already-constructed VM.
func New(v *vm.VM) *Driver {
	return &Driver{vm: v}
}

// Run steps the VM until it finishes, faults fatally, or — when no
// Replacements channel is registered — hits a recoverable fault it has
// no way to resolve itself. ctx cancellation is only honored between
// steps; the VM has no way to cancel mid-instruction. A fatal VM fault
// (a *vm.Error panic) is recovered here and returned as the error.
func (d *Driver) Run(ctx context.Context) (result vm.StepResult, runErr error) {
	defer func() {
		if r := recover(); r != nil {
			vmErr, ok := r.(*vm.Error)
			if !ok {
				panic(r)
			}
			runErr = vmErr
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return vm.StepResult{}, ctx.Err()
		default:
		}

		res, err := d.vm.Step()
		if err != nil {
			return res, err
		}

		switch res.Kind {
		case vm.Finished:
			return res, nil

		case vm.RequireHotswap:
			log.Printf("vm requires hotswap for function %q; consider supplying a fix", res.FunctionName)

			if d.Replacements == nil {
				return res, nil
			}

			select {
			case newCode := <-d.Replacements:
				if err := d.vm.Hotswap(newCode); err != nil {
					return res, err
				}
			case <-ctx.Done():
				return res, ctx.Err()
			}
		}
	}
}

// Hotswap forwards to the wrapped VM directly, for callers driving Run
// without a Replacements channel (they get RequireHotswap back from Run
// and call this once they have a fix, then call Run again to resume).
func (d *Driver) Hotswap(newCode bytecode.Program) error {
	return d.vm.Hotswap(newCode)
}
