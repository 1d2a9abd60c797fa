package http

import (
	"errors"

	"github.com/GriffinCanCode/paksync/internal/engine"
)

// isUnavailable reports errors meaning the engine is not serving yet or any
// more.
func isUnavailable(err error) bool {
	return errors.Is(err, engine.ErrNotStarted) || errors.Is(err, engine.ErrStopped)
}
