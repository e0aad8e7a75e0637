// Package sqs adapts AWS SQS queues to the device.InputDevice/OutputDevice
// contracts, grounded on the original's SQSInputDevice/SQSOutputDevice
// (commit deletes the message, rollback resets its visibility timeout to 0
// so it becomes immediately redeliverable).
package sqs

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/google/uuid"

	"github.com/deviceflux/deviceflux/pkg/device"
	"github.com/deviceflux/deviceflux/pkg/errors"
	"github.com/deviceflux/deviceflux/pkg/message"
)

// Config configures a Manager.
type Config struct {
	Region                string `env:"AWS_REGION"`
	MaxMessagesPerRequest int32  `env:"SQS_MAX_MESSAGES_PER_REQUEST" env-default:"1"`
}

// Manager is a device.InputDeviceManager and device.OutputDeviceManager
// backed by SQS, caching one *sqs.Client-resolved queue URL per name.
type Manager struct {
	device.BaseInputDeviceManager

	cfg    Config
	client *sqs.Client

	mu        sync.Mutex
	queueURLs map[string]string

	inputsMu sync.Mutex
	inputs   map[string]*InputDevice

	outputs device.OutputDeviceCache
}

// NewManager builds a Manager using the default AWS credential chain
// (env vars, shared config, instance role), optionally overridden by
// cfg.Region.
func NewManager(ctx context.Context, cfg Config) (*Manager, error) {
	opts := []func(*awsconfig.LoadOptions) error{}
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, errors.Internal("failed to load AWS config", err)
	}
	if cfg.MaxMessagesPerRequest <= 0 || cfg.MaxMessagesPerRequest > 10 {
		cfg.MaxMessagesPerRequest = 1
	}
	return &Manager{
		cfg:       cfg,
		client:    sqs.NewFromConfig(awsCfg),
		queueURLs: make(map[string]string),
		inputs:    make(map[string]*InputDevice),
	}, nil
}

func (m *Manager) queueURL(ctx context.Context, name string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if url, ok := m.queueURLs[name]; ok {
		return url, nil
	}
	out, err := m.client.GetQueueUrl(ctx, &sqs.GetQueueUrlInput{QueueName: aws.String(name)})
	if err != nil {
		return "", errors.Unavailable("failed to resolve queue url for "+name, err)
	}
	m.queueURLs[name] = *out.QueueUrl
	return *out.QueueUrl, nil
}

func (m *Manager) GetInputDevice(name string) (device.InputDevice, error) {
	m.inputsMu.Lock()
	defer m.inputsMu.Unlock()
	if d, ok := m.inputs[name]; ok {
		return d, nil
	}
	url, err := m.queueURL(context.Background(), name)
	if err != nil {
		return nil, device.ErrInputDevice(name, err)
	}
	d := &InputDevice{manager: m, name: name, queueURL: url}
	m.inputs[name] = d
	return d, nil
}

func (m *Manager) GetAggregateDevice(names []string) (device.InputDevice, error) {
	return device.GetAggregateDevice(m.GetInputDevice, names)
}

func (m *Manager) GetOutputDevice(name string) (device.OutputDevice, error) {
	return m.outputs.GetOrCreate(name, func(name string) (device.OutputDevice, error) {
		url, err := m.queueURL(context.Background(), name)
		if err != nil {
			return nil, device.ErrOutputDevice(name, err)
		}
		return &OutputDevice{
			manager:        m,
			name:           name,
			queueURL:       url,
			isFIFO:         strings.HasSuffix(name, ".fifo"),
			messageGroupID: uuid.New().String(),
		}, nil
	})
}

// InputDevice reads messages from one SQS queue, batching up to
// Config.MaxMessagesPerRequest at a time and serving them one at a time
// from a local cache, matching the Python original's _message_cache.
type InputDevice struct {
	manager  *Manager
	name     string
	queueURL string

	mu    sync.Mutex
	cache []types.Message
}

func (d *InputDevice) Name() string { return d.name }

func (d *InputDevice) Read(ctx context.Context, timeout time.Duration, withTransaction bool) (*device.ReadResult, error) {
	msg, err := d.nextMessage(ctx, timeout)
	for err == nil && msg == nil && timeout == device.NoTimeout && ctx.Err() == nil {
		msg, err = d.nextMessage(ctx, timeout)
	}
	if err != nil {
		return nil, device.ErrInputDevice(d.name, err)
	}
	if msg == nil {
		return nil, nil
	}

	headers := message.Headers{}
	for k, v := range msg.MessageAttributes {
		if v.StringValue != nil {
			headers[k] = *v.StringValue
		}
	}

	var tx device.InputTransaction
	if withTransaction {
		tx = device.NewTransaction(
			func() error { return d.deleteMessage(context.Background(), msg) },
			func() error { return d.resetVisibility(context.Background(), msg) },
		)
	} else {
		tx = device.NullTransaction
		if err := d.deleteMessage(ctx, msg); err != nil {
			return nil, device.ErrInputDevice(d.name, err)
		}
	}

	payload := []byte("")
	if msg.Body != nil {
		payload = []byte(*msg.Body)
	}
	result := &device.ReadResult{
		Bundle:      *message.NewBundle(message.New(payload, headers), message.DeviceHeaders{}),
		Transaction: tx,
	}
	return device.WithDeviceNameHeader(d.name, result), nil
}

func (d *InputDevice) nextMessage(ctx context.Context, timeout time.Duration) (*types.Message, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if len(d.cache) > 0 {
		msg := d.cache[0]
		d.cache = d.cache[1:]
		return &msg, nil
	}

	in := &sqs.ReceiveMessageInput{
		QueueUrl:              aws.String(d.queueURL),
		MaxNumberOfMessages:   d.manager.cfg.MaxMessagesPerRequest,
		MessageAttributeNames: []string{"All"},
	}
	switch {
	case timeout == device.NoTimeout:
		in.WaitTimeSeconds = 20 // SQS long-poll max
	case timeout > 0:
		wait := int32(timeout.Seconds())
		if wait > 20 {
			wait = 20
		}
		in.WaitTimeSeconds = wait
	}

	out, err := d.manager.client.ReceiveMessage(ctx, in)
	if err != nil {
		return nil, err
	}
	if len(out.Messages) == 0 {
		return nil, nil
	}
	d.cache = out.Messages[1:]
	return &out.Messages[0], nil
}

func (d *InputDevice) deleteMessage(ctx context.Context, msg *types.Message) error {
	_, err := d.manager.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(d.queueURL),
		ReceiptHandle: msg.ReceiptHandle,
	})
	return err
}

func (d *InputDevice) resetVisibility(ctx context.Context, msg *types.Message) error {
	_, err := d.manager.client.ChangeMessageVisibility(ctx, &sqs.ChangeMessageVisibilityInput{
		QueueUrl:          aws.String(d.queueURL),
		ReceiptHandle:     msg.ReceiptHandle,
		VisibilityTimeout: 0,
	})
	return err
}

func (d *InputDevice) Close() error { return nil }

// OutputDevice sends messages as SQS MessageBody, converting headers to
// MessageAttributes. FIFO queues (name ending in ".fifo") get a stable
// per-device MessageGroupId, matching the Python original.
type OutputDevice struct {
	manager        *Manager
	name           string
	queueURL       string
	isFIFO         bool
	messageGroupID string
}

func (d *OutputDevice) Name() string { return d.name }

func (d *OutputDevice) Send(ctx context.Context, msg *message.Message, deviceHeaders message.DeviceHeaders) error {
	attrs := make(map[string]types.MessageAttributeValue, len(msg.Headers()))
	for k, v := range msg.Headers() {
		attrs[k] = types.MessageAttributeValue{
			DataType:    aws.String("String"),
			StringValue: aws.String(toStringAttr(v)),
		}
	}

	in := &sqs.SendMessageInput{
		QueueUrl:          aws.String(d.queueURL),
		MessageBody:       aws.String(string(msg.Payload())),
		MessageAttributes: attrs,
	}
	if d.isFIFO {
		in.MessageGroupId = aws.String(d.messageGroupID)
	}

	out, err := d.manager.client.SendMessage(ctx, in)
	if err != nil {
		return device.ErrOutputDevice(d.name, err)
	}
	if out.MessageId == nil {
		return device.ErrOutputDevice(d.name, errors.Internal("SQS did not return a message id", nil))
	}
	return nil
}

func (d *OutputDevice) Close() error {
	d.manager.outputs.Evict(d.name)
	return nil
}

func toStringAttr(v interface{}) string {
	switch t := v.(type) {
	case string:
		return t
	case int:
		return strconv.Itoa(t)
	default:
		return ""
	}
}
