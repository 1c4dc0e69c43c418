package orchestrator

import "errors"

var (
	// ErrBudgetExceeded is returned when a query runs out of steps, expert
	// iterations or inconclusive router turns
	ErrBudgetExceeded = errors.New("budget exceeded")

	// ErrUnknownExpert is returned when control is handed to an expert that
	// is not registered
	ErrUnknownExpert = errors.New("unknown expert")
)
