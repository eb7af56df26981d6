package memoize

import "github.com/coalesced/memoize/engine"

// ThunkError, RunnerDeathError and InvalidateError are aliased from the
// engine package so callers never need to import it directly to use
// errors.As against them.
type (
	ThunkError       = engine.ThunkError
	RunnerDeathError = engine.RunnerDeathError
	InvalidateError  = engine.InvalidateError
)
