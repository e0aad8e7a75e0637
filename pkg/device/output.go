package device

import (
	"context"
	"sync"

	"github.com/deviceflux/deviceflux/pkg/message"
)

// OutputDevice sends messages to a transport.
type OutputDevice interface {
	Name() string

	// Send sends msg to the device, with optional device-specific headers
	// (e.g. a delivery delay, an ordering key) that do not travel with the
	// message itself.
	Send(ctx context.Context, msg *message.Message, deviceHeaders message.DeviceHeaders) error

	Close() error
}

// OutputDeviceManager constructs and caches OutputDevices by name.
type OutputDeviceManager interface {
	GetOutputDevice(name string) (OutputDevice, error)
	Connect() error
	Disconnect() error
}

// OutputDeviceCache is an embeddable helper implementing the get-or-create
// caching behavior of the Python original's OutputDeviceManager: a device
// is constructed once per name and reused for subsequent Sends, and an
// explicit close removes it from the cache so a future Get recreates it.
type OutputDeviceCache struct {
	mu    sync.Mutex
	cache map[string]OutputDevice
}

// GetOrCreate returns the cached device for name, calling create to build
// and cache one if this is the first request.
func (c *OutputDeviceCache) GetOrCreate(name string, create func(name string) (OutputDevice, error)) (OutputDevice, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cache == nil {
		c.cache = make(map[string]OutputDevice)
	}
	if d, ok := c.cache[name]; ok {
		return d, nil
	}
	d, err := create(name)
	if err != nil {
		return nil, err
	}
	c.cache[name] = d
	return d, nil
}

// Evict removes name from the cache, reporting whether it was present.
func (c *OutputDeviceCache) Evict(name string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.cache[name]; ok {
		delete(c.cache, name)
		return true
	}
	return false
}

// All returns every currently cached device.
func (c *OutputDeviceCache) All() []OutputDevice {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]OutputDevice, 0, len(c.cache))
	for _, d := range c.cache {
		out = append(out, d)
	}
	return out
}
