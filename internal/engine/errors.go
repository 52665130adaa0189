package engine

import "fmt"

// ValidationError reports a bad, missing or out-of-range input. Reported
// synchronously, never retried.
type ValidationError struct {
	Field  string
	Reason string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("invalid input %q: %s", e.Field, e.Reason)
}

// InsufficientBalanceError reports that the submitter cannot cover the
// computed cost.
type InsufficientBalanceError struct {
	Need float64
	Have float64
}

func (e InsufficientBalanceError) Error() string {
	return fmt.Sprintf("insufficient balance: need %.2f, have %.2f", e.Need, e.Have)
}

// PersistenceError wraps a storage failure. The surrounding operation commits
// nothing when one occurs.
type PersistenceError struct {
	Op  string
	Err error
}

func (e PersistenceError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e PersistenceError) Unwrap() error { return e.Err }

func persistErr(op string, err error) error {
	return PersistenceError{Op: op, Err: err}
}
