// Package kafka adapts Kafka topics to the device.InputDevice/OutputDevice
// contracts, grounded on the teacher's pkg/messaging/adapters/kafka
// producer (message-id header, sarama.SyncProducer) for the output side.
// The input side uses a sarama.ConsumerGroup with manual offset commit:
// commit marks and commits the message's offset, rollback leaves it
// unmarked so the next rebalance redelivers it.
package kafka

import (
	"context"
	"sync"
	"time"

	"github.com/IBM/sarama"
	"github.com/google/uuid"

	"github.com/deviceflux/deviceflux/pkg/device"
	"github.com/deviceflux/deviceflux/pkg/errors"
	"github.com/deviceflux/deviceflux/pkg/message"
)

// Config configures a Manager.
type Config struct {
	Brokers []string `env:"KAFKA_BROKERS" env-separator:","`
	GroupID string   `env:"KAFKA_CONSUMER_GROUP" env-default:"deviceflux"`
}

// Manager is a device.InputDeviceManager and device.OutputDeviceManager
// backed by sarama.
type Manager struct {
	device.BaseInputDeviceManager

	cfg      Config
	producer sarama.SyncProducer

	inputsMu sync.Mutex
	inputs   map[string]*InputDevice

	outputs device.OutputDeviceCache
}

// NewManager builds a Manager and connects a sync producer; consumer
// groups are started lazily per-topic on first GetInputDevice.
func NewManager(cfg Config) (*Manager, error) {
	saramaCfg := sarama.NewConfig()
	saramaCfg.Producer.Return.Successes = true
	saramaCfg.Consumer.Offsets.AutoCommit.Enable = false
	saramaCfg.Consumer.Offsets.Initial = sarama.OffsetOldest

	producer, err := sarama.NewSyncProducer(cfg.Brokers, saramaCfg)
	if err != nil {
		return nil, errors.Unavailable("failed to connect kafka producer", err)
	}

	return &Manager{cfg: cfg, producer: producer, inputs: make(map[string]*InputDevice)}, nil
}

func (m *Manager) GetInputDevice(name string) (device.InputDevice, error) {
	m.inputsMu.Lock()
	defer m.inputsMu.Unlock()
	if d, ok := m.inputs[name]; ok {
		return d, nil
	}

	saramaCfg := sarama.NewConfig()
	saramaCfg.Consumer.Offsets.AutoCommit.Enable = false
	saramaCfg.Consumer.Offsets.Initial = sarama.OffsetOldest

	group, err := sarama.NewConsumerGroup(m.cfg.Brokers, m.cfg.GroupID, saramaCfg)
	if err != nil {
		return nil, device.ErrInputDevice(name, err)
	}

	d := &InputDevice{
		name:     name,
		group:    group,
		messages: make(chan claimedMessage),
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
		return &OutputDevice{manager: m, name: name}, nil
	})
}

// claimedMessage pairs a consumed record with the ack channel its
// ConsumeClaim goroutine blocks on before advancing to the next message.
type claimedMessage struct {
	msg     *sarama.ConsumerMessage
	session sarama.ConsumerGroupSession
	ack     chan bool // true = commit, false = rollback
}

// InputDevice is one topic's consumer group, bridging sarama's
// callback-driven ConsumeClaim API to the synchronous Read contract.
type InputDevice struct {
	name     string
	group    sarama.ConsumerGroup
	messages chan claimedMessage

	ctx    context.Context
	cancel context.CancelFunc
}

func (d *InputDevice) Name() string { return d.name }

func (d *InputDevice) run() {
	handler := &groupHandler{out: d.messages}
	for {
		if err := d.group.Consume(d.ctx, []string{d.name}, handler); err != nil {
			if d.ctx.Err() != nil {
				return
			}
			time.Sleep(time.Second)
		}
		if d.ctx.Err() != nil {
			return
		}
	}
}

func (d *InputDevice) Read(ctx context.Context, timeout time.Duration, withTransaction bool) (*device.ReadResult, error) {
	var timer <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		timer = t.C
	}

	select {
	case claimed := <-d.messages:
		return device.WithDeviceNameHeader(d.name, d.toReadResult(claimed, withTransaction)), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer:
		return nil, nil
	default:
		if timeout == 0 {
			return nil, nil
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
}

func (d *InputDevice) toReadResult(claimed claimedMessage, withTransaction bool) *device.ReadResult {
	headers := message.Headers{}
	for _, h := range claimed.msg.Headers {
		headers[string(h.Key)] = string(h.Value)
	}

	var tx device.InputTransaction
	if withTransaction {
		tx = device.NewTransaction(
			func() error { claimed.ack <- true; return nil },
			func() error { claimed.ack <- false; return nil },
		)
	} else {
		tx = device.NullTransaction
		claimed.ack <- true
	}

	deviceHeaders := message.DeviceHeaders{
		"partition": claimed.msg.Partition,
		"offset":    claimed.msg.Offset,
	}
	return &device.ReadResult{
		Bundle:      *message.NewBundle(message.New(claimed.msg.Value, headers), deviceHeaders),
		Transaction: tx,
	}
}

func (d *InputDevice) Close() error {
	d.cancel()
	return d.group.Close()
}

type groupHandler struct {
	out chan claimedMessage
}

func (h *groupHandler) Setup(sarama.ConsumerGroupSession) error   { return nil }
func (h *groupHandler) Cleanup(sarama.ConsumerGroupSession) error { return nil }

func (h *groupHandler) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for msg := range claim.Messages() {
		ack := make(chan bool, 1)
		select {
		case h.out <- claimedMessage{msg: msg, session: session, ack: ack}:
		case <-session.Context().Done():
			return nil
		}

		select {
		case commit := <-ack:
			if commit {
				session.MarkMessage(msg, "")
				session.Commit()
			}
		case <-session.Context().Done():
			return nil
		}
	}
	return nil
}

// OutputDevice publishes to a Kafka topic via a shared sync producer,
// matching the teacher's pkg/messaging/adapters/kafka producer: headers
// are carried as sarama.RecordHeader, plus a generated message-id header.
type OutputDevice struct {
	manager *Manager
	name    string
}

func (d *OutputDevice) Name() string { return d.name }

func (d *OutputDevice) Send(ctx context.Context, msg *message.Message, deviceHeaders message.DeviceHeaders) error {
	kafkaMsg := &sarama.ProducerMessage{
		Topic:     d.name,
		Value:     sarama.ByteEncoder(msg.Payload()),
		Timestamp: time.Now(),
	}

	if key, ok := deviceHeaders["key"].(string); ok && key != "" {
		kafkaMsg.Key = sarama.StringEncoder(key)
	}

	for k, v := range msg.Headers() {
		if s, ok := v.(string); ok {
			kafkaMsg.Headers = append(kafkaMsg.Headers, sarama.RecordHeader{Key: []byte(k), Value: []byte(s)})
		}
	}
	kafkaMsg.Headers = append(kafkaMsg.Headers, sarama.RecordHeader{
		Key: []byte("message-id"), Value: []byte(uuid.New().String()),
	})

	if _, _, err := d.manager.producer.SendMessage(kafkaMsg); err != nil {
		return device.ErrOutputDevice(d.name, err)
	}
	return nil
}

func (d *OutputDevice) Close() error {
	d.manager.outputs.Evict(d.name)
	return nil
}
