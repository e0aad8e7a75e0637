// Package nats adapts NATS JetStream consumers/streams to the
// device.InputDevice/OutputDevice contracts. JetStream's pull consumers
// give native long-poll fetch plus per-message ack/nak, so this adapter
// supports device.NoTimeout directly.
package nats

import (
	"context"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/deviceflux/deviceflux/pkg/device"
	"github.com/deviceflux/deviceflux/pkg/errors"
	"github.com/deviceflux/deviceflux/pkg/message"
)

// Config configures a Manager.
type Config struct {
	URL         string `env:"NATS_URL" env-default:"nats://127.0.0.1:4222"`
	StreamName  string `env:"NATS_STREAM_NAME" env-required:"true"`
	DurableName string `env:"NATS_DURABLE_NAME" env-default:"deviceflux"`
}

// Manager is a device.InputDeviceManager and device.OutputDeviceManager
// backed by a JetStream context: input devices are named for the subject
// they pull-consume from, output devices publish directly on a subject.
type Manager struct {
	device.BaseInputDeviceManager

	cfg  Config
	conn *nats.Conn
	js   jetstream.JetStream

	inputsMu sync.Mutex
	inputs   map[string]*InputDevice

	outputs device.OutputDeviceCache
}

func NewManager(ctx context.Context, cfg Config) (*Manager, error) {
	conn, err := nats.Connect(cfg.URL)
	if err != nil {
		return nil, errors.Unavailable("failed to connect to nats", err)
	}
	js, err := jetstream.New(conn)
	if err != nil {
		return nil, errors.Unavailable("failed to create jetstream context", err)
	}
	return &Manager{cfg: cfg, conn: conn, js: js, inputs: make(map[string]*InputDevice)}, nil
}

func (m *Manager) GetInputDevice(name string) (device.InputDevice, error) {
	m.inputsMu.Lock()
	defer m.inputsMu.Unlock()
	if d, ok := m.inputs[name]; ok {
		return d, nil
	}

	ctx := context.Background()
	consumer, err := m.js.CreateOrUpdateConsumer(ctx, m.cfg.StreamName, jetstream.ConsumerConfig{
		Durable:       m.cfg.DurableName + "-" + name,
		FilterSubject: name,
		AckPolicy:     jetstream.AckExplicitPolicy,
	})
	if err != nil {
		return nil, device.ErrInputDevice(name, err)
	}

	d := &InputDevice{name: name, consumer: consumer}
	m.inputs[name] = d
	return d, nil
}

func (m *Manager) GetAggregateDevice(names []string) (device.InputDevice, error) {
	return device.GetAggregateDevice(m.GetInputDevice, names)
}

func (m *Manager) GetOutputDevice(name string) (device.OutputDevice, error) {
	return m.outputs.GetOrCreate(name, func(name string) (device.OutputDevice, error) {
		return &OutputDevice{manager: m, name: name}, nil
	})
}

// InputDevice pulls one message at a time from a JetStream durable
// consumer filtered to a single subject.
type InputDevice struct {
	name     string
	consumer jetstream.Consumer
}

func (d *InputDevice) Name() string { return d.name }

func (d *InputDevice) Read(ctx context.Context, timeout time.Duration, withTransaction bool) (*device.ReadResult, error) {
	fetchCtx := ctx
	var cancel context.CancelFunc
	switch {
	case timeout > 0:
		fetchCtx, cancel = context.WithTimeout(ctx, timeout)
	case timeout == 0:
		fetchCtx, cancel = context.WithTimeout(ctx, 10*time.Millisecond)
	}
	if cancel != nil {
		defer cancel()
	}

	for {
		batch, err := d.consumer.Fetch(1, jetstream.FetchMaxWait(fetchTimeout(timeout)))
		if err != nil {
			return nil, device.ErrInputDevice(d.name, err)
		}

		select {
		case msg, ok := <-batch.Messages():
			if !ok {
				if err := batch.Error(); err != nil || timeout != device.NoTimeout {
					return nil, err
				}
				continue
			}
			return device.WithDeviceNameHeader(d.name, d.toReadResult(msg, withTransaction)), nil
		case <-fetchCtx.Done():
			if timeout == 0 || (timeout > 0 && ctx.Err() == nil) {
				return nil, nil
			}
			return nil, ctx.Err()
		}
	}
}

func fetchTimeout(timeout time.Duration) time.Duration {
	switch {
	case timeout == device.NoTimeout:
		return 30 * time.Second
	case timeout > 0:
		return timeout
	default:
		return 10 * time.Millisecond
	}
}

func (d *InputDevice) toReadResult(msg jetstream.Msg, withTransaction bool) *device.ReadResult {
	headers := message.Headers{}
	for k, v := range msg.Headers() {
		if len(v) > 0 {
			headers[k] = v[0]
		}
	}

	var tx device.InputTransaction
	if withTransaction {
		tx = device.NewTransaction(
			func() error { return msg.Ack() },
			func() error { return msg.Nak() },
		)
	} else {
		tx = device.NullTransaction
		msg.Ack()
	}

	return &device.ReadResult{
		Bundle:      *message.NewBundle(message.New(msg.Data(), headers), message.DeviceHeaders{"subject": msg.Subject()}),
		Transaction: tx,
	}
}

func (d *InputDevice) Close() error { return nil }

// OutputDevice publishes messages on a NATS subject via JetStream, so
// publishes are itself persisted and acked by the broker.
type OutputDevice struct {
	manager *Manager
	name    string
}

func (d *OutputDevice) Name() string { return d.name }

func (d *OutputDevice) Send(ctx context.Context, msg *message.Message, deviceHeaders message.DeviceHeaders) error {
	header := nats.Header{}
	for k, v := range msg.Headers() {
		if s, ok := v.(string); ok {
			header.Set(k, s)
		}
	}

	_, err := d.manager.js.PublishMsg(ctx, &nats.Msg{
		Subject: d.name,
		Data:    msg.Payload(),
		Header:  header,
	})
	if err != nil {
		return device.ErrOutputDevice(d.name, err)
	}
	return nil
}

func (d *OutputDevice) Close() error {
	d.manager.outputs.Evict(d.name)
	return nil
}
