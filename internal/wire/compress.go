package wire

import (
	"sync"

	"github.com/klauspost/compress/zstd"
)

// maxDecodedSize bounds decompressed payloads (16 MB).
const maxDecodedSize = 16 << 20

var (
	codecOnce sync.Once
	encoder   *zstd.Encoder
	decoder   *zstd.Decoder
	codecErr  error
)

// initCodec builds the shared encoder and decoder.
// EncodeAll and DecodeAll are safe for concurrent use.
func initCodec() {
	encoder, codecErr = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if codecErr != nil {
		return
	}

	decoder, codecErr = zstd.NewReader(nil, zstd.WithDecoderMaxMemory(maxDecodedSize))
}

// compress zstd-compresses data.
func compress(data []byte) ([]byte, error) {
	codecOnce.Do(initCodec)
	if codecErr != nil {
		return nil, codecErr
	}

	return encoder.EncodeAll(data, nil), nil
}

// decompress reverses compress.
func decompress(data []byte) ([]byte, error) {
	codecOnce.Do(initCodec)
	if codecErr != nil {
		return nil, codecErr
	}

	return decoder.DecodeAll(data, nil)
}
