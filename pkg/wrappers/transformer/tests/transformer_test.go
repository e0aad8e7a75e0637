package tests

import (
	"testing"
	"time"

	"github.com/deviceflux/deviceflux/pkg/device/adapters/memory"
	"github.com/deviceflux/deviceflux/pkg/message"
	"github.com/deviceflux/deviceflux/pkg/test"
	"github.com/deviceflux/deviceflux/pkg/wrappers/transformer"
)

type TransformerSuite struct {
	*test.Suite
}

func TestTransformerSuite(t *testing.T) {
	test.Run(t, &TransformerSuite{Suite: test.NewSuite()})
}

func (s *TransformerSuite) TestZlibRoundTrip() {
	original := []byte("round trip through zlib, repeated repeated repeated for compressibility")

	compressed, err := transformer.Compress(original)
	s.Require().NoError(err)
	s.NotEqual(original, compressed)

	decompressed, err := transformer.Decompress(compressed)
	s.Require().NoError(err)
	s.Equal(original, decompressed)
}

func (s *TransformerSuite) TestCompressDecompressRoundTripsThroughDevices() {
	original := []byte("payload pushed through a compressing output and a decompressing input")
	m := memory.NewManager(4)
	out, err := m.GetOutputDevice("q")
	s.Require().NoError(err)
	in, err := m.GetInputDevice("q")
	s.Require().NoError(err)

	compressingOut := transformer.NewOutputDevice(out, transformer.ZLIBOutputTransformer{})
	s.Require().NoError(compressingOut.Send(s.Ctx, message.New(original, message.Headers{}), message.DeviceHeaders{}))

	decompressingIn := transformer.NewInputDevice(in, transformer.ZLIBInputTransformer{})
	result, err := decompressingIn.Read(s.Ctx, time.Second, false)
	s.Require().NoError(err)
	s.Require().NotNil(result)
	s.Equal(original, result.Message.Payload())
}

func (s *TransformerSuite) TestNonMagicPassesThroughUnchanged() {
	plain := []byte("never compressed")
	m := memory.NewManager(4)
	out, err := m.GetOutputDevice("q")
	s.Require().NoError(err)
	in, err := m.GetInputDevice("q")
	s.Require().NoError(err)

	s.Require().NoError(out.Send(s.Ctx, message.New(plain, message.Headers{}), message.DeviceHeaders{}))

	decompressingIn := transformer.NewInputDevice(in, transformer.ZLIBInputTransformer{})
	result, err := decompressingIn.Read(s.Ctx, time.Second, false)
	s.Require().NoError(err)
	s.Require().NotNil(result)
	s.Equal(plain, result.Message.Payload())
}
