// Package pubsub adapts GCP Pub/Sub subscriptions/topics to the
// device.InputDevice/OutputDevice contracts. Pub/Sub's client already
// exposes ack/nack per message and supports native long-poll receive, so
// this adapter maps onto the device contract closely: commit acks,
// rollback nacks (immediate redelivery), and device.NoTimeout is honored
// natively via the client's blocking Receive.
package pubsub

import (
	"context"
	"sync"
	"time"

	"cloud.google.com/go/pubsub/v2"

	"github.com/deviceflux/deviceflux/pkg/device"
	"github.com/deviceflux/deviceflux/pkg/errors"
	"github.com/deviceflux/deviceflux/pkg/message"
)

// Config configures a Manager.
type Config struct {
	ProjectID string `env:"GCP_PROJECT_ID" env-required:"true"`
}

// Manager is a device.InputDeviceManager and device.OutputDeviceManager
// backed by a single pubsub.Client, caching one subscriber/publisher per
// name.
type Manager struct {
	device.BaseInputDeviceManager

	cfg    Config
	client *pubsub.Client

	inputsMu sync.Mutex
	inputs   map[string]*InputDevice

	outputs device.OutputDeviceCache
}

func NewManager(ctx context.Context, cfg Config) (*Manager, error) {
	client, err := pubsub.NewClient(ctx, cfg.ProjectID)
	if err != nil {
		return nil, errors.Unavailable("failed to create pubsub client", err)
	}
	return &Manager{cfg: cfg, client: client, inputs: make(map[string]*InputDevice)}, nil
}

func (m *Manager) GetInputDevice(name string) (device.InputDevice, error) {
	m.inputsMu.Lock()
	defer m.inputsMu.Unlock()
	if d, ok := m.inputs[name]; ok {
		return d, nil
	}

	d := &InputDevice{
		name:       name,
		subscriber: m.client.Subscriber(name),
		messages:   make(chan claimedMessage),
	}
	d.ctx, d.cancel = context.WithCancel(context.Background())
	go d.run()

	m.inputs[name] = d
	return d, nil
}

func (m *Manager) GetAggregateDevice(names []string) (device.InputDevice, error) {
	return device.GetAggregateDevice(m.GetInputDevice, names)
}

func (m *Manager) GetOutputDevice(name string) (device.OutputDevice, error) {
	return m.outputs.GetOrCreate(name, func(name string) (device.OutputDevice, error) {
		return &OutputDevice{manager: m, name: name, publisher: m.client.Publisher(name)}, nil
	})
}

type claimedMessage struct {
	msg *pubsub.Message
}

// InputDevice wraps one subscription. A background goroutine runs the
// client's Receive loop (which blocks and redelivers its own stream), and
// every incoming message is handed to whichever Read call is waiting.
type InputDevice struct {
	name       string
	subscriber *pubsub.Subscriber
	messages   chan claimedMessage

	ctx    context.Context
	cancel context.CancelFunc
}

func (d *InputDevice) Name() string { return d.name }

func (d *InputDevice) run() {
	for {
		err := d.subscriber.Receive(d.ctx, func(ctx context.Context, m *pubsub.Message) {
			select {
			case d.messages <- claimedMessage{msg: m}:
			case <-d.ctx.Done():
				m.Nack()
			}
		})
		if d.ctx.Err() != nil {
			return
		}
		if err != nil {
			time.Sleep(time.Second)
		}
	}
}

func (d *InputDevice) Read(ctx context.Context, timeout time.Duration, withTransaction bool) (*device.ReadResult, error) {
	var timer <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		timer = t.C
	} else if timeout == 0 {
		select {
		case claimed := <-d.messages:
			return device.WithDeviceNameHeader(d.name, d.toReadResult(claimed, withTransaction)), nil
		default:
			return nil, nil
		}
	}

	select {
	case claimed := <-d.messages:
		return device.WithDeviceNameHeader(d.name, d.toReadResult(claimed, withTransaction)), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer:
		return nil, nil
	}
}

func (d *InputDevice) toReadResult(claimed claimedMessage, withTransaction bool) *device.ReadResult {
	headers := message.Headers{}
	for k, v := range claimed.msg.Attributes {
		headers[k] = v
	}

	var tx device.InputTransaction
	if withTransaction {
		tx = device.NewTransaction(
			func() error { claimed.msg.Ack(); return nil },
			func() error { claimed.msg.Nack(); return nil },
		)
	} else {
		tx = device.NullTransaction
		claimed.msg.Ack()
	}

	deviceHeaders := message.DeviceHeaders{
		"message_id":   claimed.msg.ID,
		"ordering_key": claimed.msg.OrderingKey,
		"publish_time": claimed.msg.PublishTime,
	}
	return &device.ReadResult{
		Bundle:      *message.NewBundle(message.New(claimed.msg.Data, headers), deviceHeaders),
		Transaction: tx,
	}
}

func (d *InputDevice) Close() error {
	d.cancel()
	return nil
}

// OutputDevice publishes to a topic. Headers are carried as Pub/Sub
// message attributes; an optional "ordering_key" device header enables
// ordered delivery for that key.
type OutputDevice struct {
	manager   *Manager
	name      string
	publisher *pubsub.Publisher
}

func (d *OutputDevice) Name() string { return d.name }

func (d *OutputDevice) Send(ctx context.Context, msg *message.Message, deviceHeaders message.DeviceHeaders) error {
	attrs := make(map[string]string, len(msg.Headers()))
	for k, v := range msg.Headers() {
		if s, ok := v.(string); ok {
			attrs[k] = s
		}
	}

	pubsubMsg := &pubsub.Message{Data: msg.Payload(), Attributes: attrs}
	if key, ok := deviceHeaders["ordering_key"].(string); ok {
		pubsubMsg.OrderingKey = key
	}

	result := d.publisher.Publish(ctx, pubsubMsg)
	if _, err := result.Get(ctx); err != nil {
		return device.ErrOutputDevice(d.name, err)
	}
	return nil
}

func (d *OutputDevice) Close() error {
	d.manager.outputs.Evict(d.name)
	d.publisher.Stop()
	return nil
}
