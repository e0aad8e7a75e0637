// Package messagestore implements the transparent large-payload offload
// wrapper: an output device wrapper that externalizes message bodies above
// a size threshold into a blob store and sends a small
// envelope in their place, and the matching input device wrapper that
// detects such envelopes, fetches the real payload, and composes a delete-
// on-commit into the inner transaction.
//
// Grounded on the original's message_store_device_wrapper package
// (MessageStoreBase, MessageStoreInputTransformer, MessageStoreOutputTransformer).
package messagestore

import (
	"bytes"
	"context"
	"time"

	"github.com/deviceflux/deviceflux/pkg/device"
	"github.com/deviceflux/deviceflux/pkg/errors"
	"github.com/deviceflux/deviceflux/pkg/message"
)

// OriginalSizeHeader is the message header set on an envelope recording the
// original payload's size in bytes, before it was offloaded to the store.
const OriginalSizeHeader = "__ORIGINAL_MESSAGE_SIZE_HEADER__"

// envelopePrefix opens every message-store envelope, followed by the
// store's own magic and then its opaque key bytes.
const envelopePrefix = "__MSGSTORE_WRAPPER__|"

// Store is a blob store a MessageStore wrapper offloads large bundles to;
// each implementation chooses its own keys. Implementations (filesystem, S3, GCS, ...) differ only
// in where bytes live; the envelope format and wrapping logic here is
// store-agnostic.
type Store interface {
	// Magic returns a short opaque byte string unique to this store,
	// embedded in every envelope it produces so a reader can tell whether
	// a given payload was written by this store.
	Magic() []byte

	Connect() error
	Disconnect() error

	// ReadMessage fetches the bundle previously stored under key.
	ReadMessage(ctx context.Context, key string) (*message.Bundle, error)

	// PutMessage stores bundle, returning the key it was stored under.
	// deviceName names the output device that is storing the bundle, for
	// stores that partition by device (e.g. one S3 bucket per device).
	PutMessage(ctx context.Context, deviceName string, bundle *message.Bundle) (string, error)

	DeleteMessage(ctx context.Context, key string) error
}

// DeleteMessages deletes every key, continuing past individual failures and
// returning an AggregatedError of whichever ones failed (or nil if none did).
func DeleteMessages(ctx context.Context, store Store, keys []string) error {
	var errs []error
	for _, key := range keys {
		if err := store.DeleteMessage(ctx, key); err != nil {
			errs = append(errs, err)
		}
	}
	return device.NewAggregatedError(errs...)
}

// Encode builds the on-the-wire envelope payload for a store's magic and key.
func Encode(magic []byte, key string) []byte {
	buf := make([]byte, 0, len(envelopePrefix)+len(magic)+len(key))
	buf = append(buf, envelopePrefix...)
	buf = append(buf, magic...)
	buf = append(buf, key...)
	return buf
}

// Decode reports whether payload is an envelope written by the store
// identified by magic, returning the key it carries if so.
func Decode(payload []byte, magic []byte) (key string, ok bool) {
	head := append([]byte(envelopePrefix), magic...)
	if !bytes.HasPrefix(payload, head) {
		return "", false
	}
	return string(payload[len(head):]), true
}

// CodeMessageStore is the AppError code used for store failures.
const CodeMessageStore = "MESSAGE_STORE_ERROR"

// ErrMessageStore wraps a failure raised while talking to a Store.
func ErrMessageStore(reason string, err error) *errors.AppError {
	return errors.New(CodeMessageStore, "message store error: "+reason, err)
}

// OutputWrapper wraps an inner OutputDevice: bundles whose payload exceeds
// SizeThreshold are offloaded to Store and replaced on the wire with an
// envelope; smaller bundles pass through untouched. SizeThreshold<0 always
// offloads (the original's "set to -1 to always use message store" default).
type OutputWrapper struct {
	inner         device.OutputDevice
	store         Store
	sizeThreshold int
}

// NewOutputWrapper builds an OutputWrapper around inner, offloading any
// bundle whose payload is larger than sizeThreshold bytes.
func NewOutputWrapper(inner device.OutputDevice, store Store, sizeThreshold int) *OutputWrapper {
	return &OutputWrapper{inner: inner, store: store, sizeThreshold: sizeThreshold}
}

func (w *OutputWrapper) Name() string { return w.inner.Name() }

func (w *OutputWrapper) Send(ctx context.Context, msg *message.Message, deviceHeaders message.DeviceHeaders) error {
	size := len(msg.Payload())
	if size <= w.sizeThreshold {
		return w.inner.Send(ctx, msg, deviceHeaders)
	}

	bundle := message.NewBundle(msg, deviceHeaders)
	key, err := w.store.PutMessage(ctx, w.inner.Name(), bundle)
	if err != nil {
		return ErrMessageStore("error putting item into store", err)
	}

	envelopeHeaders := msg.Headers().Clone()
	envelopeHeaders[OriginalSizeHeader] = size
	envelope := message.New(Encode(w.store.Magic(), key), envelopeHeaders)

	if err := w.inner.Send(ctx, envelope, deviceHeaders); err != nil {
		if delErr := w.store.DeleteMessage(ctx, key); delErr != nil {
			return ErrMessageStore("error deleting item from store after failed send", delErr)
		}
		return err
	}
	return nil
}

func (w *OutputWrapper) Close() error { return w.inner.Close() }

// InputWrapper wraps an inner InputDevice: any envelope it reads (matching
// Store's magic) is transparently fetched from Store and its own headers
// merged under the envelope message's headers (the envelope's headers win,
// as in the original's "store_message_bundle.message.headers.update(read_result...)").
// Committing the returned transaction commits the inner read and,
// if DeleteOnCommit, deletes the fetched entry from Store.
type InputWrapper struct {
	inner          device.InputDevice
	store          Store
	deleteOnCommit bool
}

// NewInputWrapper builds an InputWrapper around inner. deleteOnCommit
// controls whether a committed read deletes its backing store entry
// (disable it when multiple independent readers may consume duplicates of
// the same stored message).
func NewInputWrapper(inner device.InputDevice, store Store, deleteOnCommit bool) *InputWrapper {
	return &InputWrapper{inner: inner, store: store, deleteOnCommit: deleteOnCommit}
}

func (w *InputWrapper) Name() string { return w.inner.Name() }

func (w *InputWrapper) Read(ctx context.Context, timeout time.Duration, withTransaction bool) (*device.ReadResult, error) {
	result, err := w.inner.Read(ctx, timeout, withTransaction)
	if err != nil || result == nil {
		return result, err
	}

	key, ok := Decode(result.Message.Payload(), w.store.Magic())
	if !ok {
		return result, nil
	}

	storeBundle, err := w.store.ReadMessage(ctx, key)
	if err != nil {
		result.Rollback()
		return nil, ErrMessageStore("error reading item from store", err)
	}

	mergedHeaders := storeBundle.Message.Headers().Clone().Merge(result.Message.Headers())
	mergedDeviceHeaders := storeBundle.DeviceHeaders.Merge(result.DeviceHeaders)

	innerTx := result.Transaction
	tx := device.NewTransaction(
		func() error {
			if err := innerTx.Commit(); err != nil {
				return err
			}
			if w.deleteOnCommit {
				if err := w.store.DeleteMessage(context.Background(), key); err != nil {
					return ErrMessageStore("error deleting key "+key, err)
				}
			}
			return nil
		},
		innerTx.Rollback,
	)

	return &device.ReadResult{
		Bundle:      *message.NewBundle(message.New(storeBundle.Message.Payload(), mergedHeaders), mergedDeviceHeaders),
		Transaction: tx,
	}, nil
}

func (w *InputWrapper) Close() error { return w.inner.Close() }
