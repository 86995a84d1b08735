// Package codec implements the transport framing that wraps every data
// channel message: serialize, compress, encrypt on the way out and the
// exact inverse on the way in. Both ends of a mesh run this code, so
// the frame layout only has to round-trip, not interoperate.
package codec

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Algorithm identifies the compression algorithm used for a frame.
// The tag is the first byte of every plaintext frame. These values are
// protocol constants.
type Algorithm uint8

const (
	// AlgorithmZstd is zstd at the default level. Best ratio for the
	// msgpack-encoded sync messages that dominate traffic.
	AlgorithmZstd Algorithm = 1

	// AlgorithmLZ4 is LZ4 frame compression. Cheaper on CPU, selectable
	// for constrained hosts.
	AlgorithmLZ4 Algorithm = 2
)

// String returns the human-readable name of an algorithm tag.
func (a Algorithm) String() string {
	switch a {
	case AlgorithmZstd:
		return "zstd"
	case AlgorithmLZ4:
		return "lz4"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(a))
	}
}

// Codec compresses and optionally encrypts frames. A nil key leaves
// frames in the clear; a 32-byte key (see DeriveKey) seals every frame
// with XChaCha20-Poly1305. The zero value is not usable; call New.
type Codec struct {
	algorithm Algorithm
	key       []byte
}

// New creates a codec. key must be nil or exactly KeySize bytes.
func New(algorithm Algorithm, key []byte) (*Codec, error) {
	switch algorithm {
	case AlgorithmZstd, AlgorithmLZ4:
	default:
		return nil, fmt.Errorf("codec: unsupported algorithm: %d", uint8(algorithm))
	}
	if key != nil && len(key) != KeySize {
		return nil, fmt.Errorf("codec: key must be %d bytes, got %d", KeySize, len(key))
	}
	return &Codec{algorithm: algorithm, key: key}, nil
}

// Encrypted reports whether frames are sealed.
func (c *Codec) Encrypted() bool { return c.key != nil }

// Encode produces the binary frame for a payload: compression is
// applied unconditionally (deterministic framing, no size heuristics),
// then the frame is sealed when a key is configured.
func (c *Codec) Encode(payload []byte) ([]byte, error) {
	frame, err := compress(payload, c.algorithm)
	if err != nil {
		return nil, err
	}
	if c.key == nil {
		return frame, nil
	}
	return seal(c.key, frame)
}

// Decode reverses Encode. Any failure — bad seal, bad frame, size
// mismatch — is a protocol desynchronization and surfaces as an error;
// a frame never decodes to silently corrupted bytes.
func (c *Codec) Decode(frame []byte) ([]byte, error) {
	if c.key != nil {
		opened, err := open(c.key, frame)
		if err != nil {
			return nil, err
		}
		frame = opened
	}
	return decompress(frame)
}

// Plaintext frame layout:
//
//	[algorithm: 1 byte] [uncompressed size: uvarint] [compressed bytes]

func compress(payload []byte, algorithm Algorithm) ([]byte, error) {
	header := make([]byte, 1, 1+binary.MaxVarintLen64+len(payload)/2)
	header[0] = byte(algorithm)
	header = binary.AppendUvarint(header, uint64(len(payload)))

	switch algorithm {
	case AlgorithmZstd:
		return zstdEncoder.EncodeAll(payload, header), nil

	case AlgorithmLZ4:
		buffer := bytes.NewBuffer(header)
		writer := lz4.NewWriter(buffer)
		if _, err := writer.Write(payload); err != nil {
			return nil, fmt.Errorf("lz4 compress: %w", err)
		}
		if err := writer.Close(); err != nil {
			return nil, fmt.Errorf("lz4 compress: %w", err)
		}
		return buffer.Bytes(), nil

	default:
		return nil, fmt.Errorf("codec: unsupported algorithm: %d", uint8(algorithm))
	}
}

func decompress(frame []byte) ([]byte, error) {
	if len(frame) < 2 {
		return nil, fmt.Errorf("codec: frame too short (%d bytes)", len(frame))
	}
	algorithm := Algorithm(frame[0])
	size, read := binary.Uvarint(frame[1:])
	if read <= 0 {
		return nil, fmt.Errorf("codec: malformed size header")
	}
	body := frame[1+read:]

	switch algorithm {
	case AlgorithmZstd:
		payload, err := zstdDecoder.DecodeAll(body, make([]byte, 0, size))
		if err != nil {
			return nil, fmt.Errorf("zstd decompress: %w", err)
		}
		if uint64(len(payload)) != size {
			return nil, fmt.Errorf("zstd decompress: got %d bytes, expected %d", len(payload), size)
		}
		return payload, nil

	case AlgorithmLZ4:
		payload, err := io.ReadAll(lz4.NewReader(bytes.NewReader(body)))
		if err != nil {
			return nil, fmt.Errorf("lz4 decompress: %w", err)
		}
		if uint64(len(payload)) != size {
			return nil, fmt.Errorf("lz4 decompress: got %d bytes, expected %d", len(payload), size)
		}
		return payload, nil

	default:
		return nil, fmt.Errorf("codec: unsupported algorithm: %d", uint8(algorithm))
	}
}

// zstdEncoder and zstdDecoder are reused across calls to avoid repeated
// initialization overhead. Both are safe for concurrent use.
var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil,
		zstd.WithEncoderLevel(zstd.SpeedDefault),
	)
	if err != nil {
		panic("codec: zstd encoder initialization failed: " + err.Error())
	}

	zstdDecoder, err = zstd.NewReader(nil)
	if err != nil {
		panic("codec: zstd decoder initialization failed: " + err.Error())
	}
}
