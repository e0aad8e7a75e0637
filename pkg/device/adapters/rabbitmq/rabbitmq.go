// Package rabbitmq adapts RabbitMQ queues to the device.InputDevice/
// OutputDevice contracts, grounded on the original's RabbitMQInputDevice/
// RabbitMQOutputDevice: commit acks the delivery tag, rollback nacks it
// with requeue=true.
package rabbitmq

import (
	"context"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/deviceflux/deviceflux/pkg/device"
	"github.com/deviceflux/deviceflux/pkg/errors"
	"github.com/deviceflux/deviceflux/pkg/message"
)

// Config configures a Manager.
type Config struct {
	URL                   string `env:"RABBITMQ_URL" env-required:"true"`
	PrefetchCount         int    `env:"RABBITMQ_PREFETCH_COUNT" env-default:"1"`
	DefaultOutputExchange string `env:"RABBITMQ_DEFAULT_OUTPUT_EXCHANGE" env-default:""`
	PublishConfirm        bool   `env:"RABBITMQ_PUBLISH_CONFIRM" env-default:"true"`
}

// Manager is a device.InputDeviceManager and device.OutputDeviceManager
// backed by a single AMQP connection, with one channel per input device
// and one shared channel for publishing.
type Manager struct {
	cfg  Config
	conn *amqp.Connection

	mu          sync.Mutex
	pubChannel  *amqp.Channel
	pubConfirms chan amqp.Confirmation

	inputsMu sync.Mutex
	inputs   map[string]*InputDevice

	outputs device.OutputDeviceCache
}

// NewManager builds a disconnected Manager; call Connect before use.
func NewManager(cfg Config) *Manager {
	if cfg.PrefetchCount <= 0 {
		cfg.PrefetchCount = 1
	}
	return &Manager{cfg: cfg, inputs: make(map[string]*InputDevice)}
}

func (m *Manager) Connect() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	conn, err := amqp.Dial(m.cfg.URL)
	if err != nil {
		return errors.Unavailable("could not connect to rabbitmq", err)
	}
	m.conn = conn
	return nil
}

func (m *Manager) Disconnect() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.conn != nil {
		m.conn.Close()
		m.conn = nil
	}
	return nil
}

func (m *Manager) outgoingChannel() (*amqp.Channel, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.pubChannel != nil && !m.pubChannel.IsClosed() {
		return m.pubChannel, nil
	}
	ch, err := m.conn.Channel()
	if err != nil {
		return nil, errors.Unavailable("could not open rabbitmq channel", err)
	}
	if m.cfg.PublishConfirm {
		if err := ch.Confirm(false); err != nil {
			return nil, errors.Unavailable("could not enable rabbitmq publish confirms", err)
		}
		m.pubConfirms = ch.NotifyPublish(make(chan amqp.Confirmation, 1))
	}
	m.pubChannel = ch
	return ch, nil
}

func (m *Manager) GetInputDevice(name string) (device.InputDevice, error) {
	m.inputsMu.Lock()
	defer m.inputsMu.Unlock()
	if d, ok := m.inputs[name]; ok {
		return d, nil
	}

	ch, err := m.conn.Channel()
	if err != nil {
		return nil, device.ErrInputDevice(name, err)
	}
	if _, err := ch.QueueDeclarePassive(name, true, false, false, false, nil); err != nil {
		return nil, device.ErrInputDevice(name, err)
	}
	if err := ch.Qos(m.cfg.PrefetchCount, 0, false); err != nil {
		return nil, device.ErrInputDevice(name, err)
	}

	d := &InputDevice{manager: m, name: name, channel: ch}
	m.inputs[name] = d
	return d, nil
}

func (m *Manager) GetAggregateDevice(names []string) (device.InputDevice, error) {
	return device.GetAggregateDevice(m.GetInputDevice, names)
}

func (m *Manager) GetOutputDevice(name string) (device.OutputDevice, error) {
	return m.outputs.GetOrCreate(name, func(name string) (device.OutputDevice, error) {
		return &OutputDevice{manager: m, name: name, exchange: m.cfg.DefaultOutputExchange}, nil
	})
}

// InputDevice reads from a single RabbitMQ queue via basic.get, matching
// the original's use_consumer=False mode (simpler to reason about than a
// long-lived consumer tag under Go's blocking-call-per-Read model).
type InputDevice struct {
	manager *Manager
	name    string
	channel *amqp.Channel
}

func (d *InputDevice) Name() string { return d.name }

func (d *InputDevice) Read(ctx context.Context, timeout time.Duration, withTransaction bool) (*device.ReadResult, error) {
	deadline := time.Now().Add(timeout)
	pollInterval := 200 * time.Millisecond

	for {
		delivery, ok, err := d.channel.Get(d.name, !withTransaction)
		if err != nil {
			return nil, device.ErrInputDevice(d.name, err)
		}
		if ok {
			return device.WithDeviceNameHeader(d.name, d.toReadResult(delivery, withTransaction)), nil
		}

		if timeout == 0 {
			return nil, nil
		}
		if timeout != device.NoTimeout && !time.Now().Before(deadline) {
			return nil, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(pollInterval):
		}
	}
}

func (d *InputDevice) toReadResult(delivery amqp.Delivery, withTransaction bool) *device.ReadResult {
	headers := message.Headers{}
	for k, v := range delivery.Headers {
		headers[k] = v
	}

	var tx device.InputTransaction
	if withTransaction {
		tx = device.NewTransaction(
			func() error { return delivery.Ack(false) },
			func() error { return delivery.Nack(false, true) },
		)
	} else {
		tx = device.NullTransaction
	}

	deviceHeaders := message.DeviceHeaders{
		"exchange":     delivery.Exchange,
		"routing_key":  delivery.RoutingKey,
		"content_type": delivery.ContentType,
		"priority":     delivery.Priority,
		"message_id":   delivery.MessageId,
		"app_id":       delivery.AppId,
	}

	return &device.ReadResult{
		Bundle:      *message.NewBundle(message.New(delivery.Body, headers), deviceHeaders),
		Transaction: tx,
	}
}

func (d *InputDevice) Close() error {
	return d.channel.Close()
}

// OutputDevice publishes to an exchange/routing-key pair, merging
// device headers supplied at Send time over the manager's defaults exactly
// as the original's RabbitMQOutputDevice._send_message does.
type OutputDevice struct {
	manager  *Manager
	name     string
	exchange string
}

func (d *OutputDevice) Name() string { return d.name }

func (d *OutputDevice) Send(ctx context.Context, msg *message.Message, deviceHeaders message.DeviceHeaders) error {
	ch, err := d.manager.outgoingChannel()
	if err != nil {
		return device.ErrOutputDevice(d.name, err)
	}

	headers := amqp.Table{}
	for k, v := range msg.Headers() {
		headers[k] = v
	}

	appID := "deviceflux"
	if v, ok := deviceHeaders["app_id"].(string); ok {
		appID = v
	}

	err = ch.PublishWithContext(ctx, d.exchange, d.name, d.manager.cfg.PublishConfirm, false, amqp.Publishing{
		Headers:      headers,
		ContentType:  "application/octet-stream",
		DeliveryMode: amqp.Persistent,
		AppId:        appID,
		Timestamp:    time.Now(),
		Body:         msg.Payload(),
	})
	if err != nil {
		return device.ErrOutputDevice(d.name, err)
	}

	if d.manager.cfg.PublishConfirm && d.manager.pubConfirms != nil {
		select {
		case confirm := <-d.manager.pubConfirms:
			if !confirm.Ack {
				return device.ErrOutputDevice(d.name, errors.Internal("rabbitmq nacked publish", nil))
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (d *OutputDevice) Close() error {
	d.manager.outputs.Evict(d.name)
	return nil
}
