// Unified error handling for the furnace lab
//
// Copyright (C) 2026  Furnace Lab Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package errors

import (
	stderrors "errors"
	"fmt"
	"sort"
	"strings"
)

// ErrorCode represents the category of error
type ErrorCode string

const (
	// Configuration errors
	ErrConfigInvalid ErrorCode = "CONFIG_INVALID"
	ErrConfigMissing ErrorCode = "CONFIG_MISSING"

	// Input file errors
	ErrControlFile ErrorCode = "CONTROLFILE_INVALID"
	ErrCalibration ErrorCode = "CALIBRATION_INVALID"

	// Instrument errors
	ErrInstrumentConnect  ErrorCode = "INSTRUMENT_CONNECT"
	ErrInstrumentRead     ErrorCode = "INSTRUMENT_READ"
	ErrInstrumentWrite    ErrorCode = "INSTRUMENT_WRITE"
	ErrInstrumentResponse ErrorCode = "INSTRUMENT_RESPONSE"

	// Run errors
	ErrSetup   ErrorCode = "SETUP"
	ErrAborted ErrorCode = "ABORTED"
)

// LabError is the unified error type for the lab
type LabError struct {
	// Code is the error category
	Code ErrorCode

	// Message is a human-readable error description
	Message string

	// Instrument names the device involved, if any
	Instrument string

	// Step is the 1-based control file step, 0 when not applicable
	Step int

	// Err wraps the underlying error
	Err error

	// Context provides additional key/value detail
	Context map[string]interface{}
}

// Error implements the error interface
func (e *LabError) Error() string {
	var sb strings.Builder
	sb.WriteString("[")
	sb.WriteString(string(e.Code))
	if e.Instrument != "" {
		sb.WriteString(":")
		sb.WriteString(e.Instrument)
	}
	sb.WriteString("] ")
	if e.Step > 0 {
		fmt.Fprintf(&sb, "step %d: ", e.Step)
	}
	sb.WriteString(e.Message)
	if len(e.Context) > 0 {
		keys := make([]string, 0, len(e.Context))
		for k := range e.Context {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		sb.WriteString(" (")
		for i, k := range keys {
			if i > 0 {
				sb.WriteString(", ")
			}
			fmt.Fprintf(&sb, "%s=%v", k, e.Context[k])
		}
		sb.WriteString(")")
	}
	if e.Err != nil {
		sb.WriteString(": ")
		sb.WriteString(e.Err.Error())
	}
	return sb.String()
}

// Unwrap returns the underlying error
func (e *LabError) Unwrap() error {
	return e.Err
}

// SetInstrument sets the device name
func (e *LabError) SetInstrument(name string) *LabError {
	e.Instrument = name
	return e
}

// SetStep sets the control file step
func (e *LabError) SetStep(step int) *LabError {
	e.Step = step
	return e
}

// SetContext adds additional context
func (e *LabError) SetContext(key string, value interface{}) *LabError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// Wrap wraps an existing error with a code and message
func Wrap(err error, code ErrorCode, message string) *LabError {
	return &LabError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// New creates a new LabError
func New(code ErrorCode, message string) *LabError {
	return &LabError{
		Code:    code,
		Message: message,
	}
}

// Instrument errors

// InstrumentConnect reports a device that could not be opened or did not answer a probe.
func InstrumentConnect(instrument string, err error) *LabError {
	return Wrap(err, ErrInstrumentConnect, "could not connect").SetInstrument(instrument)
}

// InstrumentRead reports a failed query after all retries.
func InstrumentRead(instrument, what string, err error) *LabError {
	return Wrap(err, ErrInstrumentRead, fmt.Sprintf("reading %s failed", what)).SetInstrument(instrument)
}

// InstrumentWrite reports a failed command after all retries.
func InstrumentWrite(instrument, what string, err error) *LabError {
	return Wrap(err, ErrInstrumentWrite, fmt.Sprintf("setting %s failed", what)).SetInstrument(instrument)
}

// InstrumentResponse reports a reply that could not be understood.
func InstrumentResponse(instrument, response string) *LabError {
	return New(ErrInstrumentResponse, fmt.Sprintf("unexpected response %q", response)).SetInstrument(instrument)
}

// Input errors

// ControlFile reports an invalid step table.
func ControlFile(message string) *LabError {
	return New(ErrControlFile, message)
}

// Calibration reports an unusable calibration table.
func Calibration(message string) *LabError {
	return New(ErrCalibration, message)
}

// Setup reports a failure preparing a run.
func Setup(message string) *LabError {
	return New(ErrSetup, message)
}

// Aborted reports a run that stopped before its last step.
func Aborted(reason string, err error) *LabError {
	return Wrap(err, ErrAborted, reason)
}

// Is checks if any error in the chain carries the given code
func Is(err error, code ErrorCode) bool {
	var labErr *LabError
	for err != nil {
		if !stderrors.As(err, &labErr) {
			return false
		}
		if labErr.Code == code {
			return true
		}
		err = labErr.Err
	}
	return false
}

// IsConfig checks if error is a config error
func IsConfig(err error) bool {
	return Is(err, ErrConfigInvalid) || Is(err, ErrConfigMissing)
}

// IsInstrument checks if error came from talking to a device
func IsInstrument(err error) bool {
	return Is(err, ErrInstrumentConnect) ||
		Is(err, ErrInstrumentRead) ||
		Is(err, ErrInstrumentWrite) ||
		Is(err, ErrInstrumentResponse)
}

// InstrumentOf returns the device named in the first LabError of the chain.
func InstrumentOf(err error) string {
	var labErr *LabError
	for err != nil {
		if !stderrors.As(err, &labErr) {
			return ""
		}
		if labErr.Instrument != "" {
			return labErr.Instrument
		}
		err = labErr.Err
	}
	return ""
}
