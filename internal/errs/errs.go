// Package errs defines the engine-wide error taxonomy. Every failure mode
// of a public operation wraps exactly one of these sentinels so callers can
// branch with errors.Is without parsing messages.
package errs

import "errors"

var (
	// ErrValidation marks caller-fault input errors: zero amounts, bad
	// market index, expired deadlines, malformed flag combinations.
	ErrValidation = errors.New("validation error")

	// ErrSafety marks margin/AMM safety violations. The operation is
	// aborted entirely, never partially applied.
	ErrSafety = errors.New("safety violation")

	// ErrState marks operations attempted in the wrong lifecycle state.
	ErrState = errors.New("state error")

	// ErrLiquidity marks pool-cash shortfalls and degenerate share cases.
	ErrLiquidity = errors.New("liquidity error")

	// ErrArithmetic marks division by zero, overflow and negative sqrt.
	// Never silently clamped.
	ErrArithmetic = errors.New("arithmetic error")
)
