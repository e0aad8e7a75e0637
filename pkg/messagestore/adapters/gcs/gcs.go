// Package gcs provides a message store backed by Google Cloud Storage,
// one bucket per output device, following the same key-envelope shape as
// the S3 adapter. Grounded stylistically on the teacher's
// pkg/blob/adapters/gcs.Adapter.
package gcs

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"io"

	"cloud.google.com/go/storage"
	"github.com/google/uuid"

	"github.com/deviceflux/deviceflux/pkg/errors"
	"github.com/deviceflux/deviceflux/pkg/message"
)

const magic = "__GCS_MSGSTORE__"

const originalHeadersKey = "originalheaders"

const itemIDHeader = "item_id"

type keyEnvelope struct {
	BucketName string `json:"bucket_name"`
	Key        string `json:"key"`
}

// Store is a messagestore.Store backed by Google Cloud Storage.
type Store struct {
	client *storage.Client
}

// New builds a Store.
func New(ctx context.Context) (*Store, error) {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, errors.Unavailable("failed to create gcs client", err)
	}
	return &Store{client: client}, nil
}

func (s *Store) Magic() []byte { return []byte(magic) }

func (s *Store) Connect() error    { return nil }
func (s *Store) Disconnect() error { return s.client.Close() }

func (s *Store) PutMessage(ctx context.Context, deviceName string, bundle *message.Bundle) (string, error) {
	sum := md5.Sum(bundle.Message.Payload())
	base := ""
	if id, ok := bundle.DeviceHeaders[itemIDHeader].(string); ok && id != "" {
		base = id
	} else {
		base = uuid.New().String()
	}
	key := base + "." + hex.EncodeToString(sum[:])

	headersJSON, err := json.Marshal(bundle.Message.Headers())
	if err != nil {
		return "", errors.Internal("failed to encode message headers", err)
	}

	obj := s.client.Bucket(deviceName).Object(key)
	w := obj.NewWriter(ctx)
	w.Metadata = map[string]string{originalHeadersKey: string(headersJSON)}
	if _, err := w.Write(bundle.Message.Payload()); err != nil {
		w.Close()
		return "", errors.Internal("failed to write gcs object "+key, err)
	}
	if err := w.Close(); err != nil {
		return "", errors.Internal("failed to finalize gcs object "+key, err)
	}

	data, err := json.Marshal(keyEnvelope{BucketName: deviceName, Key: key})
	if err != nil {
		return "", errors.Internal("failed to encode gcs key envelope", err)
	}
	return string(data), nil
}

func (s *Store) ReadMessage(ctx context.Context, key string) (*message.Bundle, error) {
	var envelope keyEnvelope
	if err := json.Unmarshal([]byte(key), &envelope); err != nil {
		return nil, errors.Internal("failed to decode gcs key envelope", err)
	}

	obj := s.client.Bucket(envelope.BucketName).Object(envelope.Key)
	r, err := obj.NewReader(ctx)
	if err != nil {
		return nil, errors.Internal("failed to open gcs object "+envelope.Key, err)
	}
	defer r.Close()

	payload, err := io.ReadAll(r)
	if err != nil {
		return nil, errors.Internal("failed to read gcs object body", err)
	}

	headers := message.Headers{}
	if raw, ok := r.Attrs.Metadata[originalHeadersKey]; ok {
		if err := json.Unmarshal([]byte(raw), &headers); err != nil {
			return nil, errors.Internal("failed to decode original message headers", err)
		}
	}

	return message.NewBundle(message.New(payload, headers), message.DeviceHeaders{"__KEY__": envelope.Key}), nil
}

func (s *Store) DeleteMessage(ctx context.Context, key string) error {
	var envelope keyEnvelope
	if err := json.Unmarshal([]byte(key), &envelope); err != nil {
		return errors.Internal("failed to decode gcs key envelope", err)
	}
	if err := s.client.Bucket(envelope.BucketName).Object(envelope.Key).Delete(ctx); err != nil {
		return errors.Internal("failed to delete gcs object "+envelope.Key, err)
	}
	return nil
}
