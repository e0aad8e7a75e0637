package tests

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/deviceflux/deviceflux/pkg/device/adapters/memory"
	"github.com/deviceflux/deviceflux/pkg/message"
	"github.com/deviceflux/deviceflux/pkg/messagestore"
	fsstore "github.com/deviceflux/deviceflux/pkg/messagestore/adapters/filesystem"
	"github.com/deviceflux/deviceflux/pkg/test"
)

type MessageStoreSuite struct {
	*test.Suite
	dir     string
	store   *fsstore.Store
	manager *memory.Manager
}

func TestMessageStoreSuite(t *testing.T) {
	test.Run(t, &MessageStoreSuite{Suite: test.NewSuite()})
}

func (s *MessageStoreSuite) SetupTest() {
	s.Suite.SetupTest()
	dir, err := os.MkdirTemp("", "messagestore-test-*")
	s.Require().NoError(err)
	s.dir = dir
	s.store = fsstore.New(dir)
	s.Require().NoError(s.store.Connect())
	s.manager = memory.NewManager(16)
}

func (s *MessageStoreSuite) TearDownTest() {
	os.RemoveAll(s.dir)
}

func (s *MessageStoreSuite) TestOffloadAboveThreshold() {
	inner, err := s.manager.GetOutputDevice("q")
	s.Require().NoError(err)
	wrapped := messagestore.NewOutputWrapper(inner, s.store, 5)

	payload := []byte("this payload is well over five bytes")
	msg := message.New(payload, message.Headers{"k": "v"})
	s.Require().NoError(wrapped.Send(s.Ctx, msg, message.DeviceHeaders{}))

	innerInput, err := s.manager.GetInputDevice("q")
	s.Require().NoError(err)
	result, err := innerInput.Read(s.Ctx, time.Second, false)
	s.Require().NoError(err)
	s.Require().NotNil(result)

	key, ok := messagestore.Decode(result.Message.Payload(), s.store.Magic())
	s.True(ok)
	s.NotEmpty(key)
	s.Equal(len(payload), result.Message.Headers()[messagestore.OriginalSizeHeader])
}

func (s *MessageStoreSuite) TestBypassBelowThreshold() {
	inner, err := s.manager.GetOutputDevice("q2")
	s.Require().NoError(err)
	wrapped := messagestore.NewOutputWrapper(inner, s.store, 100)

	payload := []byte("tiny")
	msg := message.New(payload, message.Headers{})
	s.Require().NoError(wrapped.Send(s.Ctx, msg, message.DeviceHeaders{}))

	innerInput, err := s.manager.GetInputDevice("q2")
	s.Require().NoError(err)
	result, err := innerInput.Read(s.Ctx, time.Second, false)
	s.Require().NoError(err)
	s.Require().NotNil(result)
	s.Equal(payload, result.Message.Payload())
	_, ok := messagestore.Decode(result.Message.Payload(), s.store.Magic())
	s.False(ok)
}

func (s *MessageStoreSuite) TestRoundTripAndDeleteOnCommit() {
	outInner, err := s.manager.GetOutputDevice("q3")
	s.Require().NoError(err)
	output := messagestore.NewOutputWrapper(outInner, s.store, 0)

	original := message.New([]byte("round trip me"), message.Headers{"h": "1"})
	s.Require().NoError(output.Send(s.Ctx, original, message.DeviceHeaders{}))

	inInner, err := s.manager.GetInputDevice("q3")
	s.Require().NoError(err)
	input := messagestore.NewInputWrapper(inInner, s.store, true)

	result, err := input.Read(s.Ctx, time.Second, true)
	s.Require().NoError(err)
	s.Require().NotNil(result)
	s.Equal(original.Payload(), result.Message.Payload())
	s.Equal("1", result.Message.Headers()["h"])
	s.Equal(len(original.Payload()), result.Message.Headers()[messagestore.OriginalSizeHeader])

	s.Require().NoError(result.Commit())
	s.Empty(storedFiles(s), "committing the read should have deleted the backing store entry")
}

// TestStorePutReadRoundTrip exercises the Store contract directly (bypassing
// the wrapper devices): a put followed by a read must reproduce the exact
// bytes and headers that were stored.
func (s *MessageStoreSuite) TestStorePutReadRoundTrip() {
	original := message.New([]byte("stored directly"), message.Headers{"h": "2"})
	bundle := message.NewBundle(original, message.DeviceHeaders{})

	key, err := s.store.PutMessage(s.Ctx, "somedevice", bundle)
	s.Require().NoError(err)

	read, err := s.store.ReadMessage(s.Ctx, key)
	s.Require().NoError(err)
	s.True(original.Equal(read.Message))
}

// storedFiles lists every regular file left under the store's root
// directory, used to confirm delete-on-commit actually removed the entry.
func storedFiles(s *MessageStoreSuite) []string {
	var files []string
	_ = filepath.WalkDir(s.dir, func(path string, d os.DirEntry, err error) error {
		if err == nil && !d.IsDir() {
			files = append(files, path)
		}
		return nil
	})
	return files
}
