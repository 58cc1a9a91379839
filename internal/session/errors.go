package session

import (
	"errors"

	"github.com/soyeahso/tutorchat/internal/protocol"
)

// Client-visible error codes.
const (
	CodeUnknownConnection = "unknown_connection"
	CodeUnknownAction     = "unknown_action"
	CodeNotInSession      = "not_in_session"
	CodeInvalidParams     = "invalid_params"
	CodeMessageEmpty      = "message_empty"
	CodeMessageTooLong    = "message_too_long"
	CodeRateLimited       = "rate_limited"
	CodeInternal          = "internal_error"
)

// ProtocolError is a client protocol violation. It is reported to the
// client as is and never retried.
type ProtocolError struct {
	Code    string
	Message string
}

func (e *ProtocolError) Error() string {
	return e.Code + ": " + e.Message
}

func protocolErr(code, message string) *ProtocolError {
	return &ProtocolError{Code: code, Message: message}
}

// IsProtocolError reports whether err carries a ProtocolError.
func IsProtocolError(err error) bool {
	var pe *ProtocolError
	return errors.As(err, &pe)
}

// Shape converts err into the error shape sent to clients. Anything other
// than a ProtocolError becomes a generic internal error.
func Shape(err error) protocol.ErrorShape {
	var pe *ProtocolError
	if errors.As(err, &pe) {
		return protocol.ErrorShape{Code: pe.Code, Message: pe.Message}
	}
	return protocol.ErrorShape{Code: CodeInternal, Message: "internal error"}
}
