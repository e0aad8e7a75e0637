package message

import (
	"fmt"

	"github.com/deviceflux/deviceflux/pkg/errors"
)

// CodeLengthValidation is the AppError code used by ErrLengthValidation.
const CodeLengthValidation = "MESSAGE_LENGTH_VALIDATION"

// Limits bounds the payload and header size a device or wrapper is willing
// to accept. Zero means unbounded. The checks are not enforced globally:
// the filesystem output device opts into them, and the message-store
// wrapper does not apply them.
type Limits struct {
	MaxPayloadBytes int
	MaxHeaderBytes  int
}

// Validate checks m against l, returning an ErrLengthValidation if it is
// over budget. A zero-value Limits never rejects a message.
func (l Limits) Validate(m *Message) error {
	if l.MaxPayloadBytes > 0 && len(m.Payload()) > l.MaxPayloadBytes {
		return ErrLengthValidation(fmt.Sprintf(
			"payload is %d bytes, exceeds limit of %d", len(m.Payload()), l.MaxPayloadBytes))
	}
	if l.MaxHeaderBytes > 0 {
		size := 0
		for k, v := range m.Headers() {
			size += len(k) + len(fmt.Sprint(v))
		}
		if size > l.MaxHeaderBytes {
			return ErrLengthValidation(fmt.Sprintf(
				"headers are ~%d bytes, exceeds limit of %d", size, l.MaxHeaderBytes))
		}
	}
	return nil
}

// ErrLengthValidation builds the error returned when a message exceeds a
// configured size limit.
func ErrLengthValidation(reason string) *errors.AppError {
	return errors.New(CodeLengthValidation, "message length validation failed: "+reason, nil)
}
