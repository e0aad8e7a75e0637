package filesystem

import (
	"archive/zip"
	"bytes"
	"encoding/json"
	"io"

	"github.com/deviceflux/deviceflux/pkg/errors"
	"github.com/deviceflux/deviceflux/pkg/message"
)

// Serializer converts a Message to and from the bytes stored in a queue
// file. The default is ZIPSerializer; ConcatSerializer and NoHeaderSerializer
// are provided as pluggable alternates for deployments that need to
// interoperate with a plain-bytes or line-prefixed file layout.
type Serializer interface {
	Serialize(m *message.Message) ([]byte, error)
	Deserialize(data []byte) (*message.Message, error)
}

// ZIPSerializer stores a message as a zip archive with two entries:
// "bytes" (the raw payload) and "headers" (the headers, JSON-encoded).
// This is the default.
type ZIPSerializer struct{}

const (
	zipHeadersEntry = "headers"
	zipBytesEntry   = "bytes"
)

func (ZIPSerializer) Serialize(m *message.Message) ([]byte, error) {
	headersJSON, err := json.Marshal(m.Headers())
	if err != nil {
		return nil, errors.Internal("failed to encode headers", err)
	}

	var buf bytes.Buffer
	w := zip.NewWriter(&buf)

	bw, err := w.Create(zipBytesEntry)
	if err != nil {
		return nil, errors.Internal("failed to create zip entry", err)
	}
	if _, err := bw.Write(m.Payload()); err != nil {
		return nil, errors.Internal("failed to write zip payload entry", err)
	}

	hw, err := w.Create(zipHeadersEntry)
	if err != nil {
		return nil, errors.Internal("failed to create zip entry", err)
	}
	if _, err := hw.Write(headersJSON); err != nil {
		return nil, errors.Internal("failed to write zip headers entry", err)
	}

	if err := w.Close(); err != nil {
		return nil, errors.Internal("failed to close zip writer", err)
	}
	return buf.Bytes(), nil
}

func (ZIPSerializer) Deserialize(data []byte) (*message.Message, error) {
	r, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, errors.Internal("failed to open zip archive", err)
	}

	var payload, headersJSON []byte
	for _, f := range r.File {
		rc, err := f.Open()
		if err != nil {
			return nil, errors.Internal("failed to open zip entry "+f.Name, err)
		}
		data, err := io.ReadAll(rc)
		rc.Close()
		if err != nil {
			return nil, errors.Internal("failed to read zip entry "+f.Name, err)
		}
		switch f.Name {
		case zipBytesEntry:
			payload = data
		case zipHeadersEntry:
			headersJSON = data
		}
	}

	headers := message.Headers{}
	if len(headersJSON) > 0 {
		if err := json.Unmarshal(headersJSON, &headers); err != nil {
			return nil, errors.Internal("failed to decode headers", err)
		}
	}
	return message.New(payload, headers), nil
}

// ConcatSerializer writes a JSON headers line followed by a newline and the
// raw payload bytes.
type ConcatSerializer struct{}

func (ConcatSerializer) Serialize(m *message.Message) ([]byte, error) {
	headersJSON, err := json.Marshal(m.Headers())
	if err != nil {
		return nil, errors.Internal("failed to encode headers", err)
	}
	var buf bytes.Buffer
	buf.Write(headersJSON)
	buf.WriteByte('\n')
	buf.Write(m.Payload())
	return buf.Bytes(), nil
}

func (ConcatSerializer) Deserialize(data []byte) (*message.Message, error) {
	idx := bytes.IndexByte(data, '\n')
	if idx < 0 {
		return nil, errors.Internal("concat serializer: no header line found", nil)
	}
	headers := message.Headers{}
	if err := json.Unmarshal(data[:idx], &headers); err != nil {
		return nil, errors.Internal("failed to decode headers", err)
	}
	return message.New(data[idx+1:], headers), nil
}

// NoHeaderSerializer stores only the raw payload; headers are always empty
// on read.
type NoHeaderSerializer struct{}

func (NoHeaderSerializer) Serialize(m *message.Message) ([]byte, error) {
	return m.Payload(), nil
}

func (NoHeaderSerializer) Deserialize(data []byte) (*message.Message, error) {
	return message.New(data, message.Headers{}), nil
}
