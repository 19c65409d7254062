// ABOUTME: Fatal invariant checks for heap bookkeeping
// ABOUTME: A broken invariant panics with *InvariantViolation instead of returning an error

package heap

import "fmt"

// InvariantViolation is the panic value raised when bookkeeping detects
// a broken invariant. Continuing past one would corrupt the heap, so it
// is never returned as an error.
type InvariantViolation struct {
	Msg string
}

func (v *InvariantViolation) Error() string {
	return "heap invariant violated: " + v.Msg
}

// Fatalf logs the violation and panics.
func Fatalf(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	Logger().Error("invariant violation", "msg", msg)
	panic(&InvariantViolation{Msg: msg})
}

// Checkf calls Fatalf when cond is false.
func Checkf(cond bool, format string, args ...any) {
	if !cond {
		Fatalf(format, args...)
	}
}
