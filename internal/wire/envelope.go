package wire

import (
	"fmt"

	flatbuffers "github.com/google/flatbuffers/go"

	"ShareLink/internal/types"
)

const (
	// FlagCompressed marks a zstd-compressed payload.
	FlagCompressed = 0x01

	// DefaultCompressThreshold is the payload size from which Encode compresses.
	DefaultCompressThreshold = 4 << 10

	// minEnvelopeSize is the smallest buffer that can hold a root offset.
	minEnvelopeSize = 4
)

// Envelope is the unit of provider traffic. Payload is always held
// uncompressed; compression is applied and removed by the codec.
type Envelope struct {
	Channel   string // Channel routes the envelope to its handler
	OpID      string // OpID is the operation identifier carried by the payload
	Payload   []byte // Payload is the JSON request or response
	Signature []byte // Signature is the provider's signature, if any
}

// EncodeEnvelope serializes env, compressing payloads of at least threshold
// bytes. A threshold <= 0 disables compression.
func EncodeEnvelope(env *Envelope, threshold int) ([]byte, error) {
	payload := env.Payload
	var flags byte

	if threshold > 0 && len(payload) >= threshold {
		compressed, err := compress(payload)
		if err != nil {
			return nil, fmt.Errorf("compress payload:\n%w", err)
		}

		payload = compressed
		flags |= FlagCompressed
	}

	builder := flatbuffers.NewBuilder(64 + len(payload) + len(env.Signature))

	channelOff := builder.CreateString(env.Channel)
	opIDOff := builder.CreateString(env.OpID)
	payloadOff := builder.CreateByteVector(payload)

	var sigOff flatbuffers.UOffsetT
	if len(env.Signature) > 0 {
		sigOff = builder.CreateByteVector(env.Signature)
	}

	types.EnvelopeStart(builder)
	types.EnvelopeAddChannel(builder, channelOff)
	types.EnvelopeAddOpId(builder, opIDOff)
	types.EnvelopeAddFlags(builder, flags)
	types.EnvelopeAddPayload(builder, payloadOff)

	if sigOff != 0 {
		types.EnvelopeAddSignature(builder, sigOff)
	}

	types.FinishEnvelopeBuffer(builder, types.EnvelopeEnd(builder))

	return builder.FinishedBytes(), nil
}

// DecodeEnvelope parses an envelope and decompresses its payload.
func DecodeEnvelope(data []byte) (*Envelope, error) {
	fb, err := rootEnvelope(data)
	if err != nil {
		return nil, err
	}

	env := &Envelope{
		Channel: string(fb.Channel()),
		OpID:    string(fb.OpId()),
	}

	if env.Channel == "" {
		return nil, fmt.Errorf("envelope has no channel")
	}

	payload := fb.PayloadBytes()

	if fb.Flags()&FlagCompressed != 0 {
		payload, err = decompress(payload)
		if err != nil {
			return nil, fmt.Errorf("decompress payload:\n%w", err)
		}
	} else {
		payload = append([]byte(nil), payload...)
	}

	env.Payload = payload

	if sig := fb.SignatureBytes(); len(sig) > 0 {
		env.Signature = append([]byte(nil), sig...)
	}

	return env, nil
}

// rootEnvelope reads the FlatBuffers root. Accessors on a corrupt buffer
// index out of range, so the first reads are guarded.
func rootEnvelope(data []byte) (fb *types.Envelope, err error) {
	if len(data) < minEnvelopeSize {
		return nil, fmt.Errorf("envelope too short: %d < %d", len(data), minEnvelopeSize)
	}

	defer func() {
		if r := recover(); r != nil {
			fb, err = nil, fmt.Errorf("corrupt envelope: %v", r)
		}
	}()

	fb = types.GetRootAsEnvelope(data, 0)

	// Touch every field once so corruption surfaces here.
	_ = fb.Channel()
	_ = fb.OpId()
	_ = fb.Flags()
	_ = fb.PayloadBytes()
	_ = fb.SignatureBytes()

	return fb, nil
}
