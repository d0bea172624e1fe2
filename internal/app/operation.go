package app

import (
	"time"

	"cdp-go/internal/cdp"
)

// Operation tracks one CLI command from start to finish. Its ID tags every
// log line the command writes, and Finish logs the outcome.
type Operation struct {
	ID         string
	Name       string
	Parameters string
	Status     string // "running", "success" or "error"
	Started    time.Time
}

// NewOperation creates a running operation whose ID is its UTC start time.
func NewOperation(name, parameters string, clock cdp.Clock) *Operation {
	now := clock.Now()
	return &Operation{
		ID:         now.UTC().Format("20060102T150405Z"),
		Name:       name,
		Parameters: parameters,
		Status:     "running",
		Started:    now,
	}
}

// Finished returns true once Finish has been called.
func (op *Operation) Finished() bool {
	return op.Status != "running"
}

// Finish records the outcome of the operation and logs it with its
// duration. Calling it again has no effect.
func (op *Operation) Finish(err error, clock cdp.Clock, logger cdp.Logger) {
	if op.Finished() {
		return
	}
	elapsed := clock.Now().Sub(op.Started)
	if err != nil {
		op.Status = "error"
		logger.Error("operation failed", "operation", op.Name, "params", op.Parameters, "elapsed", elapsed, "error", err)
		return
	}
	op.Status = "success"
	logger.Info("operation finished", "operation", op.Name, "params", op.Parameters, "elapsed", elapsed)
}
