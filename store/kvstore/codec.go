package kvstore

import (
	"errors"
	"fmt"
	"sync"

	"github.com/klauspost/compress/zstd"
)

const (
	// DefaultCompressionThreshold is the minimum payload size before compression is considered.
	// zstd overhead is not worth it for smaller payloads.
	DefaultCompressionThreshold = 2048

	// MaxDecodedSize is the hard cap during decompression to prevent compression bombs.
	MaxDecodedSize = 64 * 1024 * 1024 // 64MB
)

// Encoding markers stored as the first byte of an encoded value.
const (
	EncodingIdentity byte = 0
	EncodingZstd     byte = 1
)

var (
	// ErrDecompressionBomb is returned when decompressed size exceeds MaxDecodedSize.
	ErrDecompressionBomb = errors.New("decompressed payload exceeds maximum size")

	// ErrUnknownEncoding is returned for values carrying an unrecognised marker.
	ErrUnknownEncoding = errors.New("unknown value encoding")
)

// Codec compresses values with zstd when it pays off and tags each value with
// its encoding. Encoder and decoder are goroutine-safe and can be reused.
type Codec struct {
	threshold int
	encoder   *zstd.Encoder
	decoder   *zstd.Decoder
	mu        sync.RWMutex
}

// NewCodec creates a codec that compresses values of at least threshold bytes.
func NewCodec(threshold int) (*Codec, error) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("creating zstd encoder: %w", err)
	}

	dec, err := zstd.NewReader(nil, zstd.WithDecoderMaxMemory(MaxDecodedSize))
	if err != nil {
		enc.Close()
		return nil, fmt.Errorf("creating zstd decoder: %w", err)
	}

	return &Codec{
		threshold: threshold,
		encoder:   enc,
		decoder:   dec,
	}, nil
}

// Close releases encoder/decoder resources.
func (c *Codec) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.encoder != nil {
		c.encoder.Close()
		c.encoder = nil
	}
	if c.decoder != nil {
		c.decoder.Close()
		c.decoder = nil
	}
}

// Encode returns data prefixed with its encoding marker, compressed when the
// result is smaller than the input.
func (c *Codec) Encode(data []byte) []byte {
	if len(data) >= c.threshold {
		c.mu.RLock()
		enc := c.encoder
		c.mu.RUnlock()

		if enc != nil {
			out := make([]byte, 1, len(data)/2+1)
			out[0] = EncodingZstd
			out = enc.EncodeAll(data, out)
			if len(out) < len(data)+1 {
				return out
			}
		}
	}

	out := make([]byte, len(data)+1)
	out[0] = EncodingIdentity
	copy(out[1:], data)
	return out
}

// Decode reverses Encode.
func (c *Codec) Decode(value []byte) ([]byte, error) {
	if len(value) == 0 {
		return nil, fmt.Errorf("%w: empty value", ErrUnknownEncoding)
	}

	switch value[0] {
	case EncodingIdentity:
		out := make([]byte, len(value)-1)
		copy(out, value[1:])
		return out, nil
	case EncodingZstd:
		c.mu.RLock()
		dec := c.decoder
		c.mu.RUnlock()
		if dec == nil {
			return nil, errors.New("decoder not initialized")
		}
		out, err := dec.DecodeAll(value[1:], nil)
		if err != nil {
			if errors.Is(err, zstd.ErrDecoderSizeExceeded) {
				return nil, ErrDecompressionBomb
			}
			return nil, fmt.Errorf("decompressing value: %w", err)
		}
		if len(out) > MaxDecodedSize {
			return nil, ErrDecompressionBomb
		}
		return out, nil
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnknownEncoding, value[0])
	}
}
