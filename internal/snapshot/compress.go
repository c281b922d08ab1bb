package snapshot

import (
	"fmt"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// compressionTag identifies the algorithm used to store a snapshot's
// blob at rest in the registry. Snapshot blobs are JSON-encoded window
// trees, so zstd is tried first and lz4 kept as a faster fallback for
// blobs that don't compress well under zstd's ratio threshold.
type compressionTag uint8

const (
	compressionNone compressionTag = 0
	compressionLZ4  compressionTag = 1
	compressionZstd compressionTag = 2
)

var errIncompressible = fmt.Errorf("snapshot: blob is incompressible")

var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("snapshot: zstd encoder initialization failed: " + err.Error())
	}
	zstdDecoder, err = zstd.NewReader(nil)
	if err != nil {
		panic("snapshot: zstd decoder initialization failed: " + err.Error())
	}
}

// compressBlob picks the best available algorithm for data and returns
// the stored bytes, the tag used, and the original length (needed to
// size the decompression buffer).
func compressBlob(data []byte) ([]byte, compressionTag, int) {
	if len(data) == 0 {
		return data, compressionNone, 0
	}

	compressed := zstdEncoder.EncodeAll(data, nil)
	if ratio := float64(len(data)) / float64(len(compressed)); ratio >= 1.5 {
		return compressed, compressionZstd, len(data)
	}

	if lz4Bytes, err := compressLZ4(data); err == nil {
		return lz4Bytes, compressionLZ4, len(data)
	}

	return data, compressionNone, len(data)
}

func decompressBlob(stored []byte, tag compressionTag, originalLen int) ([]byte, error) {
	switch tag {
	case compressionNone:
		return stored, nil
	case compressionLZ4:
		return decompressLZ4(stored, originalLen)
	case compressionZstd:
		result, err := zstdDecoder.DecodeAll(stored, make([]byte, 0, originalLen))
		if err != nil {
			return nil, fmt.Errorf("snapshot: zstd decompress: %w", err)
		}
		return result, nil
	default:
		return nil, fmt.Errorf("snapshot: unknown compression tag %d", tag)
	}
}

func compressLZ4(data []byte) ([]byte, error) {
	destination := make([]byte, lz4.CompressBlockBound(len(data)))
	written, err := lz4.CompressBlock(data, destination, nil)
	if err != nil {
		return nil, fmt.Errorf("snapshot: lz4 compress: %w", err)
	}
	if written == 0 || written >= len(data) {
		return nil, errIncompressible
	}
	return destination[:written], nil
}

func decompressLZ4(compressed []byte, originalLen int) ([]byte, error) {
	destination := make([]byte, originalLen)
	read, err := lz4.UncompressBlock(compressed, destination)
	if err != nil {
		return nil, fmt.Errorf("snapshot: lz4 decompress: %w", err)
	}
	if read != originalLen {
		return nil, fmt.Errorf("snapshot: lz4 decompress: got %d bytes, expected %d", read, originalLen)
	}
	return destination, nil
}
