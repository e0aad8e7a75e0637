package device

import "github.com/deviceflux/deviceflux/pkg/errors"

// Error codes used by this package and its adapters.
const (
	CodeInputDevice             = "INPUT_DEVICE_ERROR"
	CodeOutputDevice            = "OUTPUT_DEVICE_ERROR"
	CodeWrongTransactionState   = "WRONG_TRANSACTION_STATE"
	CodeAggregated              = "AGGREGATED_DEVICE_ERROR"
	CodeDeviceNotFound          = "DEVICE_NOT_FOUND"
)

// ErrInputDevice wraps a failure raised by an InputDevice implementation.
func ErrInputDevice(deviceName string, err error) *errors.AppError {
	return errors.New(CodeInputDevice, "input device error: "+deviceName, err)
}

// ErrOutputDevice wraps a failure raised by an OutputDevice implementation.
func ErrOutputDevice(deviceName string, err error) *errors.AppError {
	return errors.New(CodeOutputDevice, "output device error: "+deviceName, err)
}

// ErrWrongTransactionState is raised when commit/rollback is called on a
// transaction that is already finished in the opposite direction (e.g.
// Rollback after Commit).
func ErrWrongTransactionState(msg string) *errors.AppError {
	return errors.New(CodeWrongTransactionState, msg, nil)
}

// ErrDeviceNotFound is raised by a manager when asked for an unknown device.
func ErrDeviceNotFound(name string) *errors.AppError {
	return errors.New(CodeDeviceNotFound, "device not found: "+name, nil)
}

// AggregatedError collects one error per failing underlying device, used by
// wrappers that fan out to several devices (AggregatedInputDevice,
// the round-robin output collection, failover exhaustion).
type AggregatedError struct {
	Errors []error
}

func (e *AggregatedError) Error() string {
	msg := "aggregated device error ("
	for i, err := range e.Errors {
		if i > 0 {
			msg += "; "
		}
		msg += err.Error()
	}
	return msg + ")"
}

func (e *AggregatedError) Unwrap() []error {
	return e.Errors
}

// NewAggregatedError builds an AggregatedError, or returns nil if errs is
// empty / contains only nil entries.
func NewAggregatedError(errs ...error) error {
	var filtered []error
	for _, err := range errs {
		if err != nil {
			filtered = append(filtered, err)
		}
	}
	if len(filtered) == 0 {
		return nil
	}
	return &AggregatedError{Errors: filtered}
}
