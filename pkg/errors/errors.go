package errors

import (
	stderrors "errors"

	"github.com/pingcap/errors"
)

// all error definitions of the orchestrator. Errors are normalized so that
// every failure carries a stable RFC code the API layer can map to a status.
var (
	// renderer errors
	ErrInvalidParameter = errors.Normalize("invalid parameter: %s", errors.RFCCodeText("JD:renderer:ErrInvalidParameter"))
	ErrUnknownParameter = errors.Normalize("parameter not declared in schema: %s", errors.RFCCodeText("JD:renderer:ErrUnknownParameter"))
	ErrTemplateParse    = errors.Normalize("malformed template: %s", errors.RFCCodeText("JD:renderer:ErrTemplateParse"))

	// application store errors
	ErrAppNotFound      = errors.Normalize("application not found: %s version %d", errors.RFCCodeText("JD:appstore:ErrAppNotFound"))
	ErrAppAlreadyExists = errors.Normalize("application version already written: %s version %d", errors.RFCCodeText("JD:appstore:ErrAppAlreadyExists"))
	ErrBadBundle        = errors.Normalize("malformed application bundle: %s", errors.RFCCodeText("JD:appstore:ErrBadBundle"))

	// registry errors
	ErrSubmissionNotFound  = errors.Normalize("submission not found: %s", errors.RFCCodeText("JD:registry:ErrSubmissionNotFound"))
	ErrClaimMismatch       = errors.Normalize("claim mismatch: submission %s held by generation %d, caller has %d", errors.RFCCodeText("JD:registry:ErrClaimMismatch"))
	ErrAlreadyTerminal     = errors.Normalize("submission %s already terminal in state %s", errors.RFCCodeText("JD:registry:ErrAlreadyTerminal"))
	ErrInvalidTransition   = errors.Normalize("invalid state transition for submission %s: %s -> %s", errors.RFCCodeText("JD:registry:ErrInvalidTransition"))
	ErrLeaseExpired        = errors.Normalize("lease expired for submission %s", errors.RFCCodeText("JD:registry:ErrLeaseExpired"))
	ErrCASConflictExceeded = errors.Normalize("conditional update on submission %s kept losing, giving up", errors.RFCCodeText("JD:registry:ErrCASConflictExceeded"))

	// metastore errors
	ErrMetaOp           = errors.Normalize("metastore operation failed", errors.RFCCodeText("JD:meta:ErrMetaOp"))
	ErrMetaKeyNotExists = errors.Normalize("metastore key not exists: %s", errors.RFCCodeText("JD:meta:ErrMetaKeyNotExists"))

	// server errors
	ErrUnauthenticated = errors.Normalize("request carries no valid credential", errors.RFCCodeText("JD:server:ErrUnauthenticated"))
	ErrBadRequest      = errors.Normalize("bad request: %s", errors.RFCCodeText("JD:server:ErrBadRequest"))

	// agent-side errors
	ErrExecutorFailed = errors.Normalize("local executor failed: %s", errors.RFCCodeText("JD:agent:ErrExecutorFailed"))
	ErrRemoteAPI      = errors.Normalize("api call %s %s failed", errors.RFCCodeText("JD:client:ErrRemoteAPI"))
)

// Wrap generates a new error based on the given rfc error with the underlying
// cause attached. Returns nil if err is nil.
func Wrap(rfcError *errors.Error, err error, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return rfcError.Wrap(err).GenWithStackByArgs(args...)
}

// RFCCode extracts the stable code carried by a normalized error, or ""
// when err was never normalized. The API layer sends it over the wire so
// clients can map a response back to the exact error, not just its status.
func RFCCode(err error) string {
	var normalized *errors.Error
	if stderrors.As(err, &normalized) {
		return string(normalized.RFCCode())
	}
	return ""
}

// Trace is re-exported for callers that only need a stack.
var Trace = errors.Trace

// Cause is re-exported from pingcap/errors.
var Cause = errors.Cause
