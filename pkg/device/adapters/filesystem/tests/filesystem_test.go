package tests

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/deviceflux/deviceflux/pkg/device/adapters/filesystem"
	"github.com/deviceflux/deviceflux/pkg/message"
	"github.com/stretchr/testify/suite"
)

type FilesystemSuite struct {
	suite.Suite
}

func TestFilesystemSuite(t *testing.T) {
	suite.Run(t, new(FilesystemSuite))
}

func (s *FilesystemSuite) newManager(cfg filesystem.Config) *filesystem.Manager {
	if cfg.RootFolder == "" {
		cfg.RootFolder = s.T().TempDir()
	}
	// NewManager only defaults the numeric/duration fields for a zero value;
	// the directory name fields are normally defaulted by cleanenv's
	// env-default tags at load time, so a directly-constructed Config (as
	// in these tests) must set them explicitly.
	if cfg.QueueDirName == "" {
		cfg.QueueDirName = "QUEUES"
	}
	if cfg.TmpDirName == "" {
		cfg.TmpDirName = "TMP"
	}
	if cfg.BookkeepingDirName == "" {
		cfg.BookkeepingDirName = "BOOKKEEPING"
	}
	m, err := filesystem.NewManager(cfg, nil)
	s.Require().NoError(err)
	s.Require().NoError(m.Connect())
	s.T().Cleanup(func() { m.Disconnect() })
	return m
}

func (s *FilesystemSuite) TestSendThenReadWithoutTransactionRoundTrips() {
	m := s.newManager(filesystem.Config{})

	out, err := m.GetOutputDevice("q")
	s.Require().NoError(err)
	s.Require().NoError(out.Send(context.Background(), message.New([]byte("hello"), message.Headers{"k": "v"}), nil))

	in, err := m.GetInputDevice("q")
	s.Require().NoError(err)
	result, err := in.Read(context.Background(), 2*time.Second, false)
	s.Require().NoError(err)
	s.Require().NotNil(result)
	s.Equal([]byte("hello"), result.Message.Payload())
	s.Equal("v", result.Message.Headers()["k"])
}

func (s *FilesystemSuite) TestReadReturnsNilOnEmptyQueueWithinTimeout() {
	m := s.newManager(filesystem.Config{})
	in, err := m.GetInputDevice("empty")
	s.Require().NoError(err)

	result, err := in.Read(context.Background(), 0, false)
	s.Require().NoError(err)
	s.Nil(result)
}

func (s *FilesystemSuite) TestCommitRemovesTheClaimedTempFile() {
	m := s.newManager(filesystem.Config{})
	out, err := m.GetOutputDevice("q")
	s.Require().NoError(err)
	s.Require().NoError(out.Send(context.Background(), message.New([]byte("x"), nil), nil))

	in, err := m.GetInputDevice("q")
	s.Require().NoError(err)
	result, err := in.Read(context.Background(), time.Second, true)
	s.Require().NoError(err)
	s.Require().NotNil(result)

	s.Require().NoError(result.Commit())

	result2, err := in.Read(context.Background(), 0, false)
	s.Require().NoError(err)
	s.Nil(result2)
}

func (s *FilesystemSuite) TestRollbackRestoresFileToQueueDirectory() {
	m := s.newManager(filesystem.Config{})
	out, err := m.GetOutputDevice("q")
	s.Require().NoError(err)
	s.Require().NoError(out.Send(context.Background(), message.New([]byte("retry-me"), nil), nil))

	in, err := m.GetInputDevice("q")
	s.Require().NoError(err)
	result, err := in.Read(context.Background(), time.Second, true)
	s.Require().NoError(err)
	s.Require().NotNil(result)

	s.Require().NoError(result.Rollback())

	result2, err := in.Read(context.Background(), time.Second, false)
	s.Require().NoError(err)
	s.Require().NotNil(result2)
	s.Equal([]byte("retry-me"), result2.Message.Payload())
}

func (s *FilesystemSuite) TestRollbackBeyondMaxPoisonCountDivertsToPoisonDirectory() {
	root := s.T().TempDir()
	m := s.newManager(filesystem.Config{RootFolder: root, MaxPoisonCount: 2})

	out, err := m.GetOutputDevice("q")
	s.Require().NoError(err)
	s.Require().NoError(out.Send(context.Background(), message.New([]byte("poison-me"), nil), nil))

	in, err := m.GetInputDevice("q")
	s.Require().NoError(err)

	// first rollback: under MaxPoisonCount, file is restored normally.
	result, err := in.Read(context.Background(), time.Second, true)
	s.Require().NoError(err)
	s.Require().NotNil(result)
	s.Require().NoError(result.Rollback())

	// second rollback reaches MaxPoisonCount and diverts to POISON/.
	result, err = in.Read(context.Background(), time.Second, true)
	s.Require().NoError(err)
	s.Require().NotNil(result)
	s.Require().NoError(result.Rollback())

	found := false
	_ = filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err == nil && !info.IsDir() && filepath.Base(filepath.Dir(path)) == "POISON" {
			found = true
		}
		return nil
	})
	s.True(found, "expected the repeatedly-rolled-back file to end up under a POISON directory")

	result2, err := in.Read(context.Background(), 0, false)
	s.Require().NoError(err)
	s.Nil(result2, "the poisoned file must no longer be visible in the normal queue")
}

func (s *FilesystemSuite) TestUnparseableFileIsDivertedToPoisonInsteadOfErroring() {
	root := s.T().TempDir()
	m := s.newManager(filesystem.Config{RootFolder: root})

	dir := filepath.Join(root, "QUEUES", "q")
	s.Require().NoError(os.MkdirAll(dir, 0o755))
	s.Require().NoError(os.WriteFile(filepath.Join(dir, "garbage.SBM"), []byte("not a zip file"), 0o644))

	in, err := m.GetInputDevice("q")
	s.Require().NoError(err)

	result, err := in.Read(context.Background(), 0, false)
	s.Require().NoError(err)
	s.Nil(result)
}

func (s *FilesystemSuite) TestConcatSerializerRoundTrips() {
	ser := filesystem.ConcatSerializer{}
	msg := message.New([]byte("payload-bytes"), message.Headers{"a": "b"})

	data, err := ser.Serialize(msg)
	s.Require().NoError(err)

	decoded, err := ser.Deserialize(data)
	s.Require().NoError(err)
	s.Equal(msg.Payload(), decoded.Payload())
	s.Equal("b", decoded.Headers()["a"])
}

func (s *FilesystemSuite) TestNoHeaderSerializerDropsHeadersOnReadBack() {
	ser := filesystem.NoHeaderSerializer{}
	msg := message.New([]byte("just-bytes"), message.Headers{"a": "b"})

	data, err := ser.Serialize(msg)
	s.Require().NoError(err)
	s.Equal(msg.Payload(), data)

	decoded, err := ser.Deserialize(data)
	s.Require().NoError(err)
	s.Empty(decoded.Headers())
}

func (s *FilesystemSuite) TestOutputFilenameFormatUsesHeaderValue() {
	m := s.newManager(filesystem.Config{OutputFilenameFormat: "{order_id}.SBM"})
	out, err := m.GetOutputDevice("q")
	s.Require().NoError(err)

	s.Require().NoError(out.Send(context.Background(), message.New([]byte("x"), message.Headers{"order_id": "42"}), nil))

	in, err := m.GetInputDevice("q")
	s.Require().NoError(err)
	result, err := in.Read(context.Background(), 0, false)
	s.Require().NoError(err)
	s.Require().NotNil(result)
	s.Equal("42.SBM", result.DeviceHeaders[filesystem.FilenameHeaderName])
}
