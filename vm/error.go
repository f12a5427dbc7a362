package vm

import "fmt"

// Error is the VM's fatal-condition panic value: a broken invariant or
// a well-typed-but-unimplementable situation (spec.md §7 class 3).
// There is no source span here — no parser ever fed this instruction
// stream one (teacher anchor: runtime/errors.go's *Error, minus its
// Line/Column fields, which have no counterpart once the front end is
// out of scope).
type Error struct {
	Msg string
}

func (e *Error) Error() string {
	if e == nil {
		return "vm: unknown fatal error"
	}
	return fmt.Sprintf("vm: %s", e.Msg)
}

func fatal(format string, args ...any) {
	panic(&Error{Msg: fmt.Sprintf(format, args...)})
}
