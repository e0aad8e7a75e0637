// Package servicebus adapts Azure Service Bus queues to the
// device.InputDevice/OutputDevice contracts. Commit completes the
// message, rollback abandons it (making it immediately available for
// redelivery, same as the SQS/RabbitMQ adapters' rollback semantics).
package servicebus

import (
	"context"
	"sync"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
	"github.com/Azure/azure-sdk-for-go/sdk/messaging/azservicebus"

	"github.com/deviceflux/deviceflux/pkg/device"
	"github.com/deviceflux/deviceflux/pkg/errors"
	"github.com/deviceflux/deviceflux/pkg/message"
)

// Config configures a Manager.
type Config struct {
	Namespace      string `env:"SERVICEBUS_NAMESPACE" env-required:"true"`
	MaxMessageBulk int    `env:"SERVICEBUS_MAX_MESSAGE_BULK" env-default:"1"`
}

// Manager is a device.InputDeviceManager and device.OutputDeviceManager
// backed by a single azservicebus.Client, authenticating via the default
// Azure credential chain.
type Manager struct {
	device.BaseInputDeviceManager

	cfg    Config
	client *azservicebus.Client

	inputsMu sync.Mutex
	inputs   map[string]*InputDevice

	outputs device.OutputDeviceCache
}

func NewManager(cfg Config) (*Manager, error) {
	cred, err := azidentity.NewDefaultAzureCredential(nil)
	if err != nil {
		return nil, errors.Unavailable("failed to build azure credential", err)
	}
	client, err := azservicebus.NewClient(cfg.Namespace, cred, nil)
	if err != nil {
		return nil, errors.Unavailable("failed to create service bus client", err)
	}
	if cfg.MaxMessageBulk <= 0 {
		cfg.MaxMessageBulk = 1
	}
	return &Manager{cfg: cfg, client: client, inputs: make(map[string]*InputDevice)}, nil
}

func (m *Manager) GetInputDevice(name string) (device.InputDevice, error) {
	m.inputsMu.Lock()
	defer m.inputsMu.Unlock()
	if d, ok := m.inputs[name]; ok {
		return d, nil
	}

	receiver, err := m.client.NewReceiverForQueue(name, nil)
	if err != nil {
		return nil, device.ErrInputDevice(name, err)
	}
	d := &InputDevice{manager: m, name: name, receiver: receiver}
	m.inputs[name] = d
	return d, nil
}

func (m *Manager) GetAggregateDevice(names []string) (device.InputDevice, error) {
	return device.GetAggregateDevice(m.GetInputDevice, names)
}

func (m *Manager) GetOutputDevice(name string) (device.OutputDevice, error) {
	return m.outputs.GetOrCreate(name, func(name string) (device.OutputDevice, error) {
		sender, err := m.client.NewSender(name, nil)
		if err != nil {
			return nil, device.ErrOutputDevice(name, err)
		}
		return &OutputDevice{manager: m, name: name, sender: sender}, nil
	})
}

// InputDevice reads from a single Service Bus queue receiver, fetching up
// to Config.MaxMessageBulk messages and serving them one at a time from a
// local cache, matching the SQS adapter's batching pattern.
type InputDevice struct {
	manager  *Manager
	name     string
	receiver *azservicebus.Receiver

	mu    sync.Mutex
	cache []*azservicebus.ReceivedMessage
}

func (d *InputDevice) Name() string { return d.name }

func (d *InputDevice) Read(ctx context.Context, timeout time.Duration, withTransaction bool) (*device.ReadResult, error) {
	msg, err := d.nextMessage(ctx, timeout)
	if err != nil {
		return nil, device.ErrInputDevice(d.name, err)
	}
	if msg == nil {
		return nil, nil
	}

	headers := message.Headers{}
	for k, v := range msg.ApplicationProperties {
		headers[k] = v
	}

	var tx device.InputTransaction
	if withTransaction {
		tx = device.NewTransaction(
			func() error { return d.receiver.CompleteMessage(context.Background(), msg, nil) },
			func() error { return d.receiver.AbandonMessage(context.Background(), msg, nil) },
		)
	} else {
		tx = device.NullTransaction
		if err := d.receiver.CompleteMessage(ctx, msg, nil); err != nil {
			return nil, device.ErrInputDevice(d.name, err)
		}
	}

	result := &device.ReadResult{
		Bundle:      *message.NewBundle(message.New(msg.Body, headers), message.DeviceHeaders{"message_id": msg.MessageID}),
		Transaction: tx,
	}
	return device.WithDeviceNameHeader(d.name, result), nil
}

func (d *InputDevice) nextMessage(ctx context.Context, timeout time.Duration) (*azservicebus.ReceivedMessage, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if len(d.cache) > 0 {
		msg := d.cache[0]
		d.cache = d.cache[1:]
		return msg, nil
	}

	receiveCtx := ctx
	var cancel context.CancelFunc
	if timeout > 0 {
		receiveCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	msgs, err := d.receiver.ReceiveMessages(receiveCtx, d.manager.cfg.MaxMessageBulk, nil)
	if err != nil {
		if receiveCtx.Err() != nil && timeout > 0 {
			return nil, nil // our own deadline, not a real error
		}
		return nil, err
	}
	if len(msgs) == 0 {
		return nil, nil
	}
	d.cache = msgs[1:]
	return msgs[0], nil
}

func (d *InputDevice) Close() error {
	return d.receiver.Close(context.Background())
}

// OutputDevice sends messages to a Service Bus queue, converting headers
// to ApplicationProperties.
type OutputDevice struct {
	manager *Manager
	name    string
	sender  *azservicebus.Sender
}

func (d *OutputDevice) Name() string { return d.name }

func (d *OutputDevice) Send(ctx context.Context, msg *message.Message, deviceHeaders message.DeviceHeaders) error {
	props := make(map[string]interface{}, len(msg.Headers()))
	for k, v := range msg.Headers() {
		props[k] = v
	}

	sbMsg := &azservicebus.Message{Body: msg.Payload(), ApplicationProperties: props}
	if sessionID, ok := deviceHeaders["session_id"].(string); ok {
		sbMsg.SessionID = &sessionID
	}

	if err := d.sender.SendMessage(ctx, sbMsg, nil); err != nil {
		return device.ErrOutputDevice(d.name, err)
	}
	return nil
}

func (d *OutputDevice) Close() error {
	d.manager.outputs.Evict(d.name)
	return d.sender.Close(context.Background())
}
