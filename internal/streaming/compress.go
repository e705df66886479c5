package streaming

import (
	"fmt"
	"sync"

	"github.com/klauspost/compress/zstd"
)

// Compression names accepted in FetchRequest.Compression
const (
	CompressionNone = "none"
	CompressionZstd = "zstd"
)

// ValidCompression reports whether name is a supported compression
func ValidCompression(name string) bool {
	return name == "" || name == CompressionNone || name == CompressionZstd
}

var (
	encoderOnce sync.Once
	encoder     *zstd.Encoder
	decoderOnce sync.Once
	decoder     *zstd.Decoder
)

// EncodeAll and DecodeAll are safe for concurrent use, so one encoder and
// one decoder serve every session.
func zstdEncoder() *zstd.Encoder {
	encoderOnce.Do(func() {
		encoder, _ = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	})
	return encoder
}

func zstdDecoder() *zstd.Decoder {
	decoderOnce.Do(func() {
		decoder, _ = zstd.NewReader(nil)
	})
	return decoder
}

// compress returns the payload to put on the wire and whether it was
// compressed. Payloads that do not shrink are sent as is.
func compress(name string, payload []byte) ([]byte, bool) {
	if name != CompressionZstd {
		return payload, false
	}
	out := zstdEncoder().EncodeAll(payload, make([]byte, 0, len(payload)))
	if len(out) >= len(payload) {
		return payload, false
	}
	return out, true
}

func decompress(f *Frame) ([]byte, error) {
	if !f.Compressed {
		return f.Payload, nil
	}
	out, err := zstdDecoder().DecodeAll(f.Payload, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to decompress frame: %w", err)
	}
	return out, nil
}
