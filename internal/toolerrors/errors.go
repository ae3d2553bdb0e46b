// Package toolerrors provides the taxonomy-tagged error type used across
// the acquisition controller. Every internal package returns *Error for
// failures that a caller might branch on; errors.Is/errors.As work across
// the Cause chain so a caller three layers up the pipeline can still test
// for a specific wire-level code.
package toolerrors

import (
	"errors"
	"fmt"
)

// Taxonomy codes, grouped by the layer that produces them.
const (
	CodeTransportClosed    = "transport.closed"
	CodeTransportTimeout   = "transport.timeout"
	CodeTransportMalformed = "transport.malformed"

	CodeServerSpawnFailed      = "server.spawn_failed"
	CodeServerInitFailed       = "server.init_failed"
	CodeServerListFailed       = "server.list_failed"
	CodeServerRestartExhausted = "server.restart_exhausted"

	CodeInvokeUnknownTool   = "invoke.unknown_tool"
	CodeInvokeServerError   = "invoke.server_error"
	CodeInvokeNotBound      = "invoke.not_bound"
	CodeDiscoverCatalogFail = "discover.catalog_failed"
	CodeDiscoverEmpty       = "discover.empty"

	CodeInstallFetchFailed  = "install.fetch_failed"
	CodeInstallVerifyFailed = "install.verify_failed"

	CodeAcquirePipelineExhausted = "acquire.pipeline_exhausted"
	CodeAcquireCancelled         = "acquire.cancelled"

	CodeVarietyCollaboratorUnavailable = "variety.collaborator_unavailable"
)

// Error is a structured failure carrying a taxonomy Code, a human-readable
// Message, optional structured Data (e.g. a wire-level error payload passed
// through verbatim), and a Cause chain.
type Error struct {
	Code    string
	Message string
	Data    any
	Cause   error
}

// New constructs an Error with the given taxonomy code and message.
func New(code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Newf formats Message according to a format specifier.
func Newf(code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap constructs an Error with the given code and message, chaining cause
// so errors.Is/errors.As can still reach it.
func Wrap(code, message string, cause error) *Error {
	return &Error{Code: code, Message: message, Cause: cause}
}

// WithData attaches structured data (e.g. a wire error's raw payload) and
// returns the same *Error for chaining at the construction site.
func (e *Error) WithData(data any) *Error {
	e.Data = data
	return e
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause, enabling errors.Is/errors.As.
func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

// Is reports whether target is an *Error with the same Code. This lets
// callers write errors.Is(err, toolerrors.New(toolerrors.CodeInvokeNotBound, ""))
// or, more idiomatically, use HasCode below.
func (e *Error) Is(target error) bool {
	var other *Error
	if !errors.As(target, &other) {
		return false
	}
	return e.Code == other.Code
}

// HasCode reports whether err is, or wraps, an *Error with the given code.
func HasCode(err error, code string) bool {
	var te *Error
	if !errors.As(err, &te) {
		return false
	}
	return te.Code == code
}
