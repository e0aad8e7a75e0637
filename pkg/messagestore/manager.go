package messagestore

import (
	"github.com/deviceflux/deviceflux/pkg/device"
)

// InputManagerWrapper wraps an InputDeviceManager so every device it hands
// out transparently resolves message-store envelopes, grounded on the
// original's MessageStoreInputDeviceManagerWrapper.
type InputManagerWrapper struct {
	device.BaseInputDeviceManager

	inner          device.InputDeviceManager
	store          Store
	deleteOnCommit bool
}

// NewInputManagerWrapper builds an InputManagerWrapper around inner.
func NewInputManagerWrapper(inner device.InputDeviceManager, store Store, deleteOnCommit bool) *InputManagerWrapper {
	return &InputManagerWrapper{inner: inner, store: store, deleteOnCommit: deleteOnCommit}
}

func (m *InputManagerWrapper) Connect() error {
	if err := m.store.Connect(); err != nil {
		return err
	}
	return m.inner.Connect()
}

func (m *InputManagerWrapper) Disconnect() error {
	if err := m.inner.Disconnect(); err != nil {
		return err
	}
	return m.store.Disconnect()
}

func (m *InputManagerWrapper) GetInputDevice(name string) (device.InputDevice, error) {
	inner, err := m.inner.GetInputDevice(name)
	if err != nil {
		return nil, err
	}
	return NewInputWrapper(inner, m.store, m.deleteOnCommit), nil
}

func (m *InputManagerWrapper) GetAggregateDevice(names []string) (device.InputDevice, error) {
	return device.GetAggregateDevice(m.GetInputDevice, names)
}

// OutputManagerWrapper wraps an OutputDeviceManager so every device it
// hands out transparently offloads bundles over sizeThreshold bytes,
// grounded on the original's MessageStoreOutputDeviceManagerWrapper.
type OutputManagerWrapper struct {
	inner         device.OutputDeviceManager
	store         Store
	sizeThreshold int
}

// NewOutputManagerWrapper builds an OutputManagerWrapper around inner.
func NewOutputManagerWrapper(inner device.OutputDeviceManager, store Store, sizeThreshold int) *OutputManagerWrapper {
	return &OutputManagerWrapper{inner: inner, store: store, sizeThreshold: sizeThreshold}
}

func (m *OutputManagerWrapper) Connect() error {
	if err := m.store.Connect(); err != nil {
		return err
	}
	return m.inner.Connect()
}

func (m *OutputManagerWrapper) Disconnect() error {
	if err := m.inner.Disconnect(); err != nil {
		return err
	}
	return m.store.Disconnect()
}

func (m *OutputManagerWrapper) GetOutputDevice(name string) (device.OutputDevice, error) {
	inner, err := m.inner.GetOutputDevice(name)
	if err != nil {
		return nil, err
	}
	return NewOutputWrapper(inner, m.store, m.sizeThreshold), nil
}
