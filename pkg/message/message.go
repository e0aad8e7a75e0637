// Package message defines the basic unit of data read from and sent to
// devices: a Message (payload + headers) and a Bundle (a message plus the
// device-specific headers that accompany it on the wire).
package message

import "bytes"

// Headers carries metadata about a Message. Unlike DeviceHeaders (see the
// device package), these travel with the message itself and are expected to
// survive a round trip through a wrapper or transformer.
type Headers map[string]interface{}

// Clone returns a shallow copy of h.
func (h Headers) Clone() Headers {
	if h == nil {
		return Headers{}
	}
	out := make(Headers, len(h))
	for k, v := range h {
		out[k] = v
	}
	return out
}

// Merge returns a new Headers containing h's entries overwritten by other's
// entries (other wins on key conflicts).
func (h Headers) Merge(other Headers) Headers {
	out := h.Clone()
	for k, v := range other {
		out[k] = v
	}
	return out
}

// Message is the basic unit that is read from, or sent to, devices.
type Message struct {
	payload []byte
	headers Headers
}

// New builds a Message from a payload and optional headers.
func New(payload []byte, headers Headers) *Message {
	if headers == nil {
		headers = Headers{}
	}
	return &Message{payload: payload, headers: headers}
}

// Payload returns the message body.
func (m *Message) Payload() []byte {
	return m.payload
}

// Headers returns the message's headers.
func (m *Message) Headers() Headers {
	return m.headers
}

// Copy makes a copy of the message, optionally giving it new headers.
func (m *Message) Copy(newHeaders Headers) *Message {
	payload := make([]byte, len(m.payload))
	copy(payload, m.payload)
	if newHeaders == nil {
		newHeaders = m.headers.Clone()
	}
	return New(payload, newHeaders)
}

// Equal reports whether m and other carry the same payload and headers.
func (m *Message) Equal(other *Message) bool {
	if other == nil {
		return false
	}
	if !bytes.Equal(m.payload, other.payload) {
		return false
	}
	if len(m.headers) != len(other.headers) {
		return false
	}
	for k, v := range m.headers {
		if ov, ok := other.headers[k]; !ok || ov != v {
			return false
		}
	}
	return true
}
