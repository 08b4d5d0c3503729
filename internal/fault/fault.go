package fault

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"syscall"

	"github.com/rickgao/airsense-sync/internal/model"
)

// Kind identifies the failure class.
type Kind int

const (
	KindUnknown Kind = iota
	KindNetwork
	KindTimeout
	KindAuthentication
	KindPermission
	KindNotFound
	KindAPIClient
	KindAPIServer
	KindMessageParse
)

// String returns the kind name used in logs.
func (k Kind) String() string {
	switch k {
	case KindNetwork:
		return "network"
	case KindTimeout:
		return "timeout"
	case KindAuthentication:
		return "authentication"
	case KindPermission:
		return "permission"
	case KindNotFound:
		return "not_found"
	case KindAPIClient:
		return "api_client"
	case KindAPIServer:
		return "api_server"
	case KindMessageParse:
		return "message_parse"
	default:
		return "unknown"
	}
}

// Retryable reports whether failures of this kind are transient.
func (k Kind) Retryable() bool {
	switch k {
	case KindNetwork, KindTimeout, KindAPIServer:
		return true
	}
	return false
}

// Severity returns the default severity tier for the kind.
func (k Kind) Severity() Severity {
	switch k {
	case KindAuthentication, KindPermission, KindAPIServer:
		return SeverityHigh
	case KindNotFound, KindMessageParse:
		return SeverityLow
	default:
		return SeverityMedium
	}
}

// UserMessage returns the dashboard-facing message for the kind.
func (k Kind) UserMessage() string {
	switch k {
	case KindNetwork:
		return "Unable to reach the server. Check your internet connection and try again."
	case KindTimeout:
		return "The request took too long to complete. Please try again."
	case KindAuthentication:
		return "Your session has expired. Please sign in again."
	case KindPermission:
		return "You do not have permission to view this data."
	case KindNotFound:
		return "The requested data could not be found."
	case KindAPIClient:
		return "The request could not be processed. Please check the selected location."
	case KindAPIServer:
		return "The server is having trouble right now. Please try again shortly."
	case KindMessageParse:
		return "Some live data could not be read. Waiting for the next update."
	default:
		return "Something went wrong. Please try again."
	}
}

// Severity ranks how disruptive a failure is to the user.
type Severity int

const (
	SeverityLow Severity = iota
	SeverityMedium
	SeverityHigh
)

func (s Severity) String() string {
	switch s {
	case SeverityLow:
		return "low"
	case SeverityHigh:
		return "high"
	default:
		return "medium"
	}
}

// Error is a classified failure.
type Error struct {
	Kind        Kind
	Severity    Severity
	StatusCode  int    // HTTP status, 0 when not an HTTP failure
	UserMessage string // Safe to display
	Err         error  // Underlying cause
}

func (e *Error) Error() string {
	if e.Err == nil {
		return e.Kind.String()
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Retryable reports whether the failure should be retried.
func (e *Error) Retryable() bool {
	return e.Kind.Retryable()
}

// New builds a classified error of the given kind.
func New(kind Kind, cause error) *Error {
	return &Error{
		Kind:        kind,
		Severity:    kind.Severity(),
		UserMessage: kind.UserMessage(),
		Err:         cause,
	}
}

// FromStatus classifies an HTTP status code.
func FromStatus(code int, cause error) *Error {
	e := New(kindForStatus(code), cause)
	e.StatusCode = code
	return e
}

func kindForStatus(code int) Kind {
	switch {
	case code == http.StatusUnauthorized:
		return KindAuthentication
	case code == http.StatusForbidden:
		return KindPermission
	case code == http.StatusNotFound:
		return KindNotFound
	case code == http.StatusRequestTimeout:
		return KindTimeout
	case code >= 400 && code < 500:
		return KindAPIClient
	case code >= 500:
		return KindAPIServer
	default:
		return KindUnknown
	}
}

// statusError is implemented by transport errors that carry an HTTP status.
type statusError interface {
	HTTPStatus() int
}

// closeCoder is implemented by push errors that carry a websocket close code.
type closeCoder interface {
	CloseCode() int
}

// Websocket close codes (RFC 6455 section 7.4).
const (
	closeProtocolError   = 1002
	closeUnsupportedData = 1003
	closeInvalidPayload  = 1007
	closePolicyViolation = 1008
	closeInternalError   = 1011
	closeServiceRestart  = 1012
	closeTryAgainLater   = 1013
	closeBadGateway      = 1014
)

// FromCloseCode classifies a push session closed by the server. Application
// codes 4400-4599 carry an HTTP status offset by 4000.
func FromCloseCode(code int, cause error) *Error {
	switch {
	case code >= 4400 && code < 4600:
		return FromStatus(code-4000, cause)
	case code == closePolicyViolation:
		return New(KindPermission, cause)
	case code == closeInvalidPayload:
		return New(KindMessageParse, cause)
	case code == closeProtocolError, code == closeUnsupportedData:
		return New(KindAPIClient, cause)
	case code == closeInternalError, code == closeServiceRestart,
		code == closeTryAgainLater, code == closeBadGateway:
		return New(KindAPIServer, cause)
	default:
		// Normal, going away and abnormal closures look like a dropped link.
		return New(KindNetwork, cause)
	}
}

// Classify maps a raw error to a classified one. It returns nil for nil.
func Classify(err error) *Error {
	if err == nil {
		return nil
	}

	var fe *Error
	if errors.As(err, &fe) {
		return fe
	}

	var cc closeCoder
	if errors.As(err, &cc) {
		return FromCloseCode(cc.CloseCode(), err)
	}

	var se statusError
	if errors.As(err, &se) {
		return FromStatus(se.HTTPStatus(), err)
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return New(KindTimeout, err)
	}
	if errors.Is(err, context.Canceled) {
		return New(KindUnknown, err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return New(KindTimeout, err)
	}

	if errors.Is(err, model.ErrInvalidEnvelope) {
		return New(KindMessageParse, err)
	}
	var syntaxErr *json.SyntaxError
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &syntaxErr) || errors.As(err, &typeErr) {
		return New(KindMessageParse, err)
	}

	var urlErr *url.Error
	switch {
	case netErr != nil, errors.As(err, &urlErr):
		return New(KindNetwork, err)
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
		return New(KindNetwork, err)
	case errors.Is(err, syscall.ECONNREFUSED), errors.Is(err, syscall.ECONNRESET):
		return New(KindNetwork, err)
	}

	return New(KindUnknown, err)
}

// UserMessage returns a displayable message for any error, or "" for nil.
func UserMessage(err error) string {
	if fe := Classify(err); fe != nil {
		return fe.UserMessage
	}
	return ""
}
