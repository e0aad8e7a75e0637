package filesystem

import (
	"context"
	"os"
	"path/filepath"

	"github.com/deviceflux/deviceflux/pkg/errors"
	"github.com/deviceflux/deviceflux/pkg/message"
)

// OutputDevice writes messages as files into <queuesFolder>/<name>, using
// a write-to-tmp-then-rename so a reader never observes a partially
// written file.
type OutputDevice struct {
	manager   *Manager
	name      string
	outputDir string
}

func newOutputDevice(m *Manager, name string) (*OutputDevice, error) {
	dir := filepath.Join(m.queuesFolder, name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Internal("failed to create output queue directory", err)
	}
	return &OutputDevice{manager: m, name: name, outputDir: dir}, nil
}

func (d *OutputDevice) Name() string { return d.name }

func (d *OutputDevice) Send(ctx context.Context, msg *message.Message, deviceHeaders message.DeviceHeaders) error {
	if err := d.manager.limits.Validate(msg); err != nil {
		return err
	}

	data, err := d.manager.serializer.Serialize(msg)
	if err != nil {
		return errors.Internal("failed to serialize message", err)
	}

	filename := filenameFor(d.manager.outputFilenameFormat, msg, deviceHeaders)
	tmpPath := filepath.Join(d.manager.tmpFolder, filename)
	if err := os.WriteFile(tmpPath, data, 0o644); err != nil {
		return errors.Internal("failed to write temp file", err)
	}
	os.Chmod(tmpPath, 0o666)

	finalPath := filepath.Join(d.outputDir, filename)
	if err := os.Rename(tmpPath, finalPath); err != nil {
		os.Remove(tmpPath)
		return errors.Internal("failed to move file into output directory", err)
	}
	return nil
}

func (d *OutputDevice) Close() error {
	d.manager.outputs.Evict(d.name)
	return nil
}

func filenameFor(format string, msg *message.Message, deviceHeaders message.DeviceHeaders) string {
	if format != "" {
		if name, ok := expandFormat(format, msg.Headers()); ok {
			return name
		}
	}
	itemID, _ := deviceHeaders["item_id"].(string)
	if itemID != "" {
		itemID += "-"
	}
	return itemID + randomID() + ".SBM"
}

// expandFormat substitutes "{key}" placeholders in format with the
// matching header value, returning ok=false if a referenced key is absent
// (the caller then falls back to the default filename).
func expandFormat(format string, headers message.Headers) (string, bool) {
	result := format
	for k, v := range headers {
		placeholder := "{" + k + "}"
		if containsPlaceholder(result, placeholder) {
			result = replaceAll(result, placeholder, toString(v))
		}
	}
	if containsPlaceholder(result, "{") {
		return "", false
	}
	return result, true
}

func containsPlaceholder(s, sub string) bool {
	for i := 0; i+len(sub) <= len(s); i++ {
		if s[i:i+len(sub)] == sub {
			return true
		}
	}
	return false
}

func replaceAll(s, old, newStr string) string {
	out := ""
	for {
		idx := -1
		for i := 0; i+len(old) <= len(s); i++ {
			if s[i:i+len(old)] == old {
				idx = i
				break
			}
		}
		if idx < 0 {
			return out + s
		}
		out += s[:idx] + newStr
		s = s[idx+len(old):]
	}
}

func toString(v interface{}) string {
	if s, ok := v.(string); ok {
		return s
	}
	return ""
}
