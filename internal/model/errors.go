package model

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrUnsafeTemplate   = errors.New("command template has unquoted parameters")
	ErrTemplateNotFound = errors.New("command template not found")
	ErrToolUnavailable  = errors.New("command line tool is not available")
	ErrConversionFailed = errors.New("conversion failed")
	ErrTestOnly         = errors.New("ad-hoc credentials are allowed in test mode only")
	ErrInvalidURL       = errors.New("invalid url")
	ErrUnsafeValue      = errors.New("value can't be passed to a command line tool")

	ErrQueueFull       = errors.New("job queue is full")
	ErrSchedulerClosed = errors.New("scheduler closed")
	ErrNotFound        = errors.New("not found")
)

// ConversionError describes a run whose output did not pass validation.
// errors.Is(err, ErrConversionFailed) reports true for it.
type ConversionError struct {
	CommandLine         string
	ExitCode            int
	TerminatedByTimeout bool
	LaunchErr           error
	Cause               error // why the output was rejected
}

func (e *ConversionError) Error() string {
	var sb strings.Builder
	sb.WriteString(ErrConversionFailed.Error())
	fmt.Fprintf(&sb, ": command [ %s ] exit code %d", e.CommandLine, e.ExitCode)
	if e.TerminatedByTimeout {
		sb.WriteString(", terminated by timeout")
	}
	if e.LaunchErr != nil {
		fmt.Fprintf(&sb, ", launch: %v", e.LaunchErr)
	}
	if e.Cause != nil {
		fmt.Fprintf(&sb, ", output: %v", e.Cause)
	}
	return sb.String()
}

func (e *ConversionError) Is(target error) bool {
	return target == ErrConversionFailed
}

func (e *ConversionError) Unwrap() []error {
	var errs []error
	if e.LaunchErr != nil {
		errs = append(errs, e.LaunchErr)
	}
	if e.Cause != nil {
		errs = append(errs, e.Cause)
	}
	return errs
}
