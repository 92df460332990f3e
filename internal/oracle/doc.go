// Package oracle is the gateway between the refinement pipeline and the
// external rewriting models.
//
// A [Gateway] answers one (instruction, content) request at a time. Identical
// requests are served from a content-addressed cache without touching the
// network or the budget. Fresh requests are priced up front, reserved against
// the daily and monthly caps held by a [Ledger], and sent through an ordered
// chain of providers that retries transient failures and falls back when a
// provider gives up. The reservation is settled with the actual cost of the
// answer, or released when every provider fails.
package oracle

import "errors"

var (
	// ErrBudgetExceeded is returned when a request's estimated cost would
	// push the day or month total past its cap. The concrete error is a
	// [*BudgetError].
	ErrBudgetExceeded = errors.New("oracle: budget exceeded")

	// ErrAllProvidersExhausted is returned when no provider produced an
	// answer. The last provider error is wrapped alongside it.
	ErrAllProvidersExhausted = errors.New("oracle: all providers exhausted")
)
