package apperrors

import (
	"errors"
	"fmt"
	"net/http"
)

type Kind string

const (
	KindValidation      Kind = "validation"
	KindAuthorization   Kind = "authorization"
	KindConflict        Kind = "conflict"
	KindNotFound        Kind = "not_found"
	KindExternalCapture Kind = "external_capture"
	KindWorkflowStuck   Kind = "workflow_stuck"
)

const (
	CodeInvalidInput        = "INVALID_INPUT"
	CodeInvalidTransition   = "INVALID_TRANSITION"
	CodeActionNotAllowed    = "ACTION_NOT_ALLOWED"
	CodeBidTooLow           = "BID_TOO_LOW"
	CodeAuctionNotActive    = "AUCTION_NOT_ACTIVE"
	CodeNotInvited          = "NOT_INVITED"
	CodePaymentInProgress   = "PAYMENT_IN_PROGRESS"
	CodeDisputeWindowClosed = "DISPUTE_WINDOW_CLOSED"
	CodeNotFound            = "NOT_FOUND"
	CodeConflict            = "CONFLICT"
	CodeCaptureFailed       = "CAPTURE_FAILED"
	CodeWorkflowStuck       = "WORKFLOW_STUCK"
)

// Error is the single error type crossing package boundaries. PublicError is
// safe to return to clients; InternalError is for logs only.
type Error struct {
	Kind          Kind
	Code          string
	StatusCode    int
	PublicError   string
	InternalError string
	Details       map[string]any
	OriginalErr   error
}

func (e *Error) Error() string {
	if e.InternalError != "" {
		return e.InternalError
	}
	return e.PublicError
}

func (e *Error) Unwrap() error {
	return e.OriginalErr
}

// Is matches on Kind and Code so sentinel values work with errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind && (t.Code == "" || e.Code == t.Code)
}

func (e *Error) WithDetail(key string, value any) *Error {
	if e.Details == nil {
		e.Details = map[string]any{}
	}
	e.Details[key] = value
	return e
}

func newError(kind Kind, code string, status int, public string, internal string) *Error {
	return &Error{Kind: kind, Code: code, StatusCode: status, PublicError: public, InternalError: internal}
}

func Validation(code, message string) *Error {
	if code == "" {
		code = CodeInvalidInput
	}
	return newError(KindValidation, code, http.StatusBadRequest, message, message)
}

func Authorization(code, message string) *Error {
	return newError(KindAuthorization, code, http.StatusForbidden, message, message)
}

func NotFound(resource, id string) *Error {
	msg := fmt.Sprintf("%s not found", resource)
	return newError(KindNotFound, CodeNotFound, http.StatusNotFound, msg, fmt.Sprintf("%s %s not found", resource, id))
}

func Conflict(code, message string) *Error {
	if code == "" {
		code = CodeConflict
	}
	return newError(KindConflict, code, http.StatusConflict, message, message)
}

func ExternalCapture(err error) *Error {
	e := newError(KindExternalCapture, CodeCaptureFailed, http.StatusBadGateway,
		"payment provider call failed", fmt.Sprintf("payment provider call failed: %v", err))
	e.OriginalErr = err
	return e
}

func WorkflowStuck(runID, workflow string, err error) *Error {
	e := newError(KindWorkflowStuck, CodeWorkflowStuck, http.StatusInternalServerError,
		"workflow requires manual intervention",
		fmt.Sprintf("workflow %s run %s stuck: %v", workflow, runID, err))
	e.OriginalErr = err
	return e.WithDetail("run_id", runID).WithDetail("workflow", workflow)
}

// InvalidTransition reports a target state that is not adjacent to the current one.
func InvalidTransition(from, to string) *Error {
	msg := fmt.Sprintf("cannot transition from %s to %s", from, to)
	return newError(KindConflict, CodeInvalidTransition, http.StatusConflict, msg, msg).
		WithDetail("current_state", from).
		WithDetail("target_state", to)
}

// ActionNotAllowed carries the current state and attempted action so clients can re-render.
func ActionNotAllowed(action, currentState string) *Error {
	msg := fmt.Sprintf("action %s is not allowed in state %s", action, currentState)
	return Authorization(CodeActionNotAllowed, msg).
		WithDetail("current_state", currentState).
		WithDetail("action", action)
}

func BidTooLow(minRequired int64) *Error {
	msg := fmt.Sprintf("bid must be at least %d", minRequired)
	return Validation(CodeBidTooLow, msg).WithDetail("min_required", minRequired)
}

func AuctionNotActive(state string) *Error {
	e := Conflict(CodeAuctionNotActive, "auction is not accepting bids")
	return e.WithDetail("state", state)
}

func NotInvited() *Error {
	return Authorization(CodeNotInvited, "not invited to this auction")
}

// Sentinels for errors.Is.
var (
	ErrValidation        = &Error{Kind: KindValidation}
	ErrAuthorization     = &Error{Kind: KindAuthorization}
	ErrConflict          = &Error{Kind: KindConflict}
	ErrNotFound          = &Error{Kind: KindNotFound}
	ErrExternalCapture   = &Error{Kind: KindExternalCapture}
	ErrWorkflowStuck     = &Error{Kind: KindWorkflowStuck}
	ErrInvalidTransition = &Error{Kind: KindConflict, Code: CodeInvalidTransition}
	ErrActionNotAllowed  = &Error{Kind: KindAuthorization, Code: CodeActionNotAllowed}
	ErrBidTooLow         = &Error{Kind: KindValidation, Code: CodeBidTooLow}
	ErrAuctionNotActive  = &Error{Kind: KindConflict, Code: CodeAuctionNotActive}
	ErrNotInvited        = &Error{Kind: KindAuthorization, Code: CodeNotInvited}
)

// As extracts an *Error from err's chain.
func As(err error) (*Error, bool) {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr, true
	}
	return nil, false
}

// StatusCode maps any error to an HTTP status; unknown errors are 500.
func StatusCode(err error) int {
	if appErr, ok := As(err); ok && appErr.StatusCode != 0 {
		return appErr.StatusCode
	}
	return http.StatusInternalServerError
}

func CodeOf(err error) string {
	if appErr, ok := As(err); ok {
		return appErr.Code
	}
	return ""
}
