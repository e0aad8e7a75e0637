package message

// DeviceHeaders carries device-specific arguments: data that influences how
// a device reads or sends a message (e.g. an SQS receipt handle, a delivery
// delay) but that is not part of the message itself.
type DeviceHeaders map[string]interface{}

// Clone returns a shallow copy of h.
func (h DeviceHeaders) Clone() DeviceHeaders {
	if h == nil {
		return DeviceHeaders{}
	}
	out := make(DeviceHeaders, len(h))
	for k, v := range h {
		out[k] = v
	}
	return out
}

// Merge returns a new DeviceHeaders containing h's entries overwritten by
// other's entries (other wins on key conflicts). This is used by the
// message-store input wrapper, which merges the store envelope's device
// headers with the inner read's headers, inner taking precedence.
func (h DeviceHeaders) Merge(other DeviceHeaders) DeviceHeaders {
	out := h.Clone()
	for k, v := range other {
		out[k] = v
	}
	return out
}

// Bundle holds a Message together with the DeviceHeaders that were read
// from (or should be sent to) a device.
type Bundle struct {
	Message       *Message
	DeviceHeaders DeviceHeaders
}

// NewBundle builds a Bundle, defaulting DeviceHeaders to an empty map.
func NewBundle(msg *Message, deviceHeaders DeviceHeaders) *Bundle {
	if deviceHeaders == nil {
		deviceHeaders = DeviceHeaders{}
	}
	return &Bundle{Message: msg, DeviceHeaders: deviceHeaders}
}
