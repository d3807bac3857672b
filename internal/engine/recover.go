package engine

import (
	"github.com/rs/zerolog"
)

// withRecover runs fn, logging and swallowing any panic instead of letting
// it escape the connection goroutine and take down the listener — the Go
// equivalent of the fiber scheduler's exception block (spec.md §4.1/§9).
func withRecover(logger zerolog.Logger, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error().Interface("panic", r).Msg("recovered panic in connection handler")
		}
	}()

	fn()
}
