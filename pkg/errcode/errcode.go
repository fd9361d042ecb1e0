// Package errcode defines the stable, machine readable error codes returned by
// the orchestration engine. Codes are part of the external contract and never
// change once published.
package errcode

import (
	"errors"
	"fmt"
)

// Kind groups codes into the broad failure classes callers branch on
type Kind string

const (
	KindValidation     Kind = "validation"
	KindNotFound       Kind = "not_found"
	KindConflict       Kind = "conflict"
	KindPluginState    Kind = "plugin_state"
	KindQuorum         Kind = "quorum"
	KindInfrastructure Kind = "infrastructure"
)

// Error is a coded error. Two Errors match under errors.Is when their codes
// are equal, so sentinels can be compared against wrapped instances.
type Error struct {
	Code    string
	Kind    Kind
	Message string
	Args    []any
	Err     error
}

func (e *Error) Error() string {
	msg := e.Message
	if len(e.Args) > 0 {
		msg = fmt.Sprintf(e.Message, e.Args...)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, msg)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches by code
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

func define(code string, kind Kind, message string) *Error {
	return &Error{Code: code, Kind: kind, Message: message}
}

var (
	ErrNoRecordFound     = define("FI0001", KindNotFound, "no record found for %v with value %v")
	ErrFieldValueEmpty   = define("FI0002", KindValidation, "field %v must not be empty")
	ErrBadRequest        = define("FI504", KindValidation, "bad request: %v")
	ErrDBError           = define("FI506", KindInfrastructure, "database operation failed")
	ErrDuplicateRecord   = define("FI0021", KindConflict, "record %v already exists")
	ErrPluginOperation   = define("FI0026", KindPluginState, "plugin operation failed: %v")
	ErrNoPodsIdentified  = define("FI0055", KindNotFound, "no pods identified for labels %v")
	ErrExtensionNotFound = define("FI0062", KindNotFound, "no extension registered for %v")

	ErrInvalidStateForRemediation   = define("FI0018", KindConflict, "task %v is in state %v and cannot be remediated")
	ErrNoTaskFound                  = define("FI0044", KindNotFound, "no task found with id %v")
	ErrNotAnInjectionTask           = define("FI0045", KindValidation, "task %v is not an injection task")
	ErrFaultAlreadyRemediated       = define("FI0046", KindConflict, "fault of task %v is already remediated")
	ErrFaultRemediationNotSupported = define("FI0051", KindValidation, "remediation is not supported for task %v")
	ErrRemediationK8sTask           = define("FI0097", KindValidation, "task %v fanned out child tasks, remediate the child tasks instead")

	ErrInvalidCronExpression = define("FI0079", KindValidation, "invalid cron expression %q")
	ErrInvalidScheduleInputs = define("FI0080", KindValidation, "schedule requires exactly one of cron expression or a positive delay")

	ErrScheduledJobIDsNotFound       = define("FI0104", KindNotFound, "scheduled jobs not found: %v")
	ErrInvalidStateScheduledJobIDs   = define("FI0106", KindConflict, "scheduled jobs %v are not in a valid state for %v")
	ErrK8sArgumentsRequired          = define("FI0107", KindValidation, "kubernetes specific arguments are required for endpoint %v")
	ErrDockerArgumentsRequired       = define("FI0108", KindValidation, "docker specific arguments are required for endpoint %v")
	ErrCannotRerunFault              = define("FI0118", KindConflict, "task %v is in state %v, expected one of %v")
	ErrRerunPluginUnavailable        = define("FI0128", KindPluginState, "cannot rerun task %v, plugin %v is not available")
	ErrExecutionPluginUnavailable    = define("FI0129", KindPluginState, "cannot execute task %v, plugin %v is not available")
	ErrInprogressTaskDeletion        = define("FI0130", KindConflict, "tasks %v are in progress and cannot be deleted")
	ErrDuplicateExtensions           = define("FI0131", KindConflict, "extensions %v are already registered")
	ErrClusterConfigLesserQuorum     = define("FIHZ003", KindQuorum, "quorum %v exceeds the %v live members")
	ErrClusterQuorumNotMet           = define("FIHZ004", KindQuorum, "cluster quorum is not met")
	ErrClusterAlreadyInState         = define("FIHZ005", KindConflict, "cluster is already in deployment mode %v")
	ErrClusterTypeConfigLesserQuorum = define("FIHZ006", KindQuorum, "cannot switch to %v, quorum %v exceeds the %v live members")
)

// New returns a fresh coded error carrying args for the sentinel's message
func New(sentinel *Error, args ...any) *Error {
	return &Error{
		Code:    sentinel.Code,
		Kind:    sentinel.Kind,
		Message: sentinel.Message,
		Args:    args,
	}
}

// Wrap is New with an underlying cause
func Wrap(sentinel *Error, err error, args ...any) *Error {
	e := New(sentinel, args...)
	e.Err = err
	return e
}

// CodeOf returns the code of the first coded error in err's chain
func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// KindOf returns the kind of the first coded error in err's chain
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}
