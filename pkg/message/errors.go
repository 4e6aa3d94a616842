package message

import (
	"encoding/json"
	"errors"
)

// Error codes carried across the wire.
const (
	CodeNotAuthenticated    = "NOT_AUTHENTICATED"
	CodeValidationFailed    = "VALIDATION_FAILED"
	CodeNotFound            = "NOT_FOUND"
	CodeInvalidCredentials  = "INVALID_CREDENTIALS"
	CodeInvalidCode         = "INVALID_CODE"
	CodeInvalidContext      = "INVALID_CONTEXT"
	CodeUnsupportedType     = "UNSUPPORTED_TYPE"
	CodeSignatureInvalid    = "SIGNATURE_INVALID"
	CodeBadRequest          = "BAD_REQUEST"
	CodeTimeout             = "TIMEOUT"
	CodeInternal            = "INTERNAL_ERROR"
	CodeIncompatibleVersion = "INCOMPATIBLE_VERSION"
	CodeClosed              = "CLOSED"
)

// Error is a tagged-variant error whose identity survives serialization. Kind is
// KindAnomaly for expected business-rule failures and KindError for protocol,
// timeout and unexpected failures.
type Error struct {
	Kind    Kind
	Code    string
	Message string
	Info    json.RawMessage
}

func (e *Error) Error() string {
	return e.Code + ": " + e.Message
}

// NewAnomaly creates a domain error.
func NewAnomaly(code, message string) *Error {
	return &Error{Kind: KindAnomaly, Code: code, Message: message}
}

// NewError creates a protocol-class error.
func NewError(code, message string) *Error {
	return &Error{Kind: KindError, Code: code, Message: message}
}

// WithInfo attaches structured info. Values that fail to marshal are dropped.
func (e *Error) WithInfo(v any) *Error {
	if raw, err := EncodeInfo(v); err == nil {
		e.Info = raw
	}
	return e
}

// Payload renders the error for an envelope, embedding the original request payload.
func (e *Error) Payload(requestData json.RawMessage) ErrorPayload {
	return ErrorPayload{Code: e.Code, Message: e.Message, Info: e.Info, RequestData: requestData}
}

// FromPayload reconstructs the error carried by an error or anomaly envelope.
func FromPayload(kind Kind, p ErrorPayload) *Error {
	if kind != KindAnomaly {
		kind = KindError
	}
	code := p.Code
	if code == "" {
		code = CodeInternal
	}
	return &Error{Kind: kind, Code: code, Message: p.Message, Info: p.Info}
}

// ToWire converts any error into one that can cross the wire. Errors that are not
// already *Error become a generic internal error; their detail stays server-side.
func ToWire(err error) *Error {
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return NewError(CodeInternal, "internal error")
}

// AsError extracts an *Error from err.
func AsError(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// IsCode reports whether err is an *Error with the given code.
func IsCode(err error, code string) bool {
	e, ok := AsError(err)
	return ok && e.Code == code
}

// IsAnomaly reports whether err is a domain error.
func IsAnomaly(err error) bool {
	e, ok := AsError(err)
	return ok && e.Kind == KindAnomaly
}
