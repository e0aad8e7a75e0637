// Package s3 provides a message store backed by AWS S3, one bucket per
// output device. Grounded on the original's S3MessageStore, restyled after
// the teacher's blob/adapters/gcs.Adapter shape, and wired through
// aws-sdk-go-v2's s3 client and upload manager.
package s3

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"

	"github.com/deviceflux/deviceflux/pkg/errors"
	"github.com/deviceflux/deviceflux/pkg/message"
)

const magic = "__S3_MSGSTORE__"

const originalHeadersKey = "originalheaders"

// itemIDHeader is the device header, if present on a bundle being stored,
// used (before a random id) to name the S3 object.
const itemIDHeader = "item_id"

// Config configures a Store.
type Config struct {
	Region           string `env:"S3_MSGSTORE_REGION" env-default:"us-east-1"`
	Timeout          time.Duration
	Retries          int
	AutoCreateBucket bool
}

// keyEnvelope is the JSON "S3 key envelope": the opaque key a Store
// envelope carries, for this particular store.
type keyEnvelope struct {
	BucketName string `json:"bucket_name"`
	Key        string `json:"key"`
	URL        string `json:"url"`
}

// Store is a messagestore.Store backed by S3, storing one bucket per
// output device name (sanitized to a legal bucket name).
type Store struct {
	cfg    Config
	client *s3.Client
}

// New builds a Store. S3_TIMEOUT/S3_RETRIES environment variables are
// honored as defaults when cfg.Timeout/Retries are unset, matching the
// original's module-level env lookups.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.Timeout == 0 {
		if v, err := strconv.Atoi(os.Getenv("S3_TIMEOUT")); err == nil {
			cfg.Timeout = time.Duration(v) * time.Second
		} else {
			cfg.Timeout = time.Second
		}
	}
	if cfg.Retries == 0 {
		if v, err := strconv.Atoi(os.Getenv("S3_RETRIES")); err == nil {
			cfg.Retries = v
		} else {
			cfg.Retries = 2
		}
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region), awsconfig.WithRetryMaxAttempts(cfg.Retries))
	if err != nil {
		return nil, errors.Unavailable("failed to load aws config", err)
	}
	return &Store{cfg: cfg, client: s3.NewFromConfig(awsCfg)}, nil
}

func (s *Store) Magic() []byte { return []byte(magic) }

func (s *Store) Connect() error    { return nil }
func (s *Store) Disconnect() error { return nil }

func sanitizeBucketName(deviceName string) string {
	name := strings.ToLower(deviceName)
	var b strings.Builder
	for _, r := range name {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '.' || r == '-' {
			b.WriteRune(r)
		} else {
			b.WriteRune('-')
		}
	}
	return b.String()
}

func (s *Store) ensureBucket(ctx context.Context, bucket string) error {
	if !s.cfg.AutoCreateBucket {
		return nil
	}
	_, err := s.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: &bucket})
	if err == nil {
		return nil
	}
	_, err = s.client.CreateBucket(ctx, &s3.CreateBucketInput{Bucket: &bucket})
	return err
}

func (s *Store) PutMessage(ctx context.Context, deviceName string, bundle *message.Bundle) (string, error) {
	bucket := sanitizeBucketName(deviceName)
	if err := s.ensureBucket(ctx, bucket); err != nil {
		return "", errors.Internal("failed to ensure s3 bucket "+bucket, err)
	}

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

	uploader := manager.NewUploader(s.client)
	_, err = uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:   &bucket,
		Key:      &key,
		Body:     bytes.NewReader(bundle.Message.Payload()),
		Metadata: map[string]string{originalHeadersKey: string(headersJSON)},
	})
	if err != nil {
		return "", errors.Internal("failed to upload s3 object "+key, err)
	}

	envelope := keyEnvelope{BucketName: bucket, Key: key}
	data, err := json.Marshal(envelope)
	if err != nil {
		return "", errors.Internal("failed to encode s3 key envelope", err)
	}
	return string(data), nil
}

func (s *Store) ReadMessage(ctx context.Context, key string) (*message.Bundle, error) {
	var envelope keyEnvelope
	if err := json.Unmarshal([]byte(key), &envelope); err != nil {
		return nil, errors.Internal("failed to decode s3 key envelope", err)
	}

	var body io.ReadCloser
	var rawHeaders map[string]string

	if envelope.URL != "" {
		resp, err := http.Get(envelope.URL)
		if err != nil {
			return nil, errors.Internal("failed to fetch s3 object by url", err)
		}
		if resp.StatusCode >= 300 {
			resp.Body.Close()
			return nil, errors.Internal("s3 url fetch failed with status "+resp.Status, nil)
		}
		body = resp.Body
		rawHeaders = map[string]string{}
		for k, v := range resp.Header {
			if len(v) > 0 && strings.HasPrefix(strings.ToLower(k), "x-amz-meta-") {
				rawHeaders[strings.ToLower(k)[len("x-amz-meta-"):]] = v[0]
			}
		}
	} else {
		out, err := s.client.GetObject(ctx, &s3.GetObjectInput{Bucket: &envelope.BucketName, Key: &envelope.Key})
		if err != nil {
			return nil, errors.Internal("failed to get s3 object "+envelope.Key, err)
		}
		body = out.Body
		rawHeaders = out.Metadata
	}
	defer body.Close()

	payload, err := io.ReadAll(body)
	if err != nil {
		return nil, errors.Internal("failed to read s3 object body", err)
	}

	headers := message.Headers{}
	if raw, ok := rawHeaders[originalHeadersKey]; ok {
		if err := json.Unmarshal([]byte(raw), &headers); err != nil {
			return nil, errors.Internal("failed to decode original message headers", err)
		}
	}

	return message.NewBundle(message.New(payload, headers), message.DeviceHeaders{"__KEY__": envelope.Key}), nil
}

func (s *Store) DeleteMessage(ctx context.Context, key string) error {
	var envelope keyEnvelope
	if err := json.Unmarshal([]byte(key), &envelope); err != nil {
		return errors.Internal("failed to decode s3 key envelope", err)
	}
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{Bucket: &envelope.BucketName, Key: &envelope.Key})
	if err != nil {
		return errors.Internal("failed to delete s3 object "+envelope.Key, err)
	}
	return nil
}
