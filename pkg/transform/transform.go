package transform

import (
	"fmt"

	"github.com/agenthands/chunknet/pkg/core"
	"github.com/klauspost/compress/zstd"
)

const (
	Magic      = "CNET"
	Version    = 1
	headerSize = 7
)

const (
	FlagCompressed = 1 << 0
	FlagSealed     = 1 << 1
)

const (
	AlgNone = 0
	AlgZstd = 1
)

// Transform defines the interface for encoding/decoding block payloads.
type Transform interface {
	Name() string
	Encode(plain []byte) ([]byte, error)
	Decode(stored []byte) ([]byte, error)
}

// None transform doesn't apply any transformation.
type noneTransform struct{}

func NewNone() Transform {
	return &noneTransform{}
}

func (t *noneTransform) Name() string                         { return "none" }
func (t *noneTransform) Encode(plain []byte) ([]byte, error)  { return plain, nil }
func (t *noneTransform) Decode(stored []byte) ([]byte, error) { return stored, nil }

// Zstd transform applies zstd compression inside an envelope.
type zstdTransform struct {
	encoder *zstd.Encoder
	decoder *zstd.Decoder
}

func NewZstd(level int) Transform {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.EncoderLevel(level)))
	if err != nil {
		panic(fmt.Sprintf("failed to create zstd writer: %v", err))
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		panic(fmt.Sprintf("failed to create zstd reader: %v", err))
	}
	return &zstdTransform{
		encoder: enc,
		decoder: dec,
	}
}

func (t *zstdTransform) Name() string { return "zstd" }

func (t *zstdTransform) Encode(plain []byte) ([]byte, error) {
	compressed := t.encoder.EncodeAll(plain, nil)
	return appendHeader(make([]byte, 0, headerSize+len(compressed)), FlagCompressed, AlgZstd, compressed), nil
}

func (t *zstdTransform) Decode(stored []byte) ([]byte, error) {
	flags, alg, payload, err := parseHeader(stored)
	if err != nil {
		return nil, err
	}

	if flags&FlagSealed != 0 {
		return nil, fmt.Errorf("%w: sealed block requires a keyed transform", core.ErrCorrupt)
	}

	if flags&FlagCompressed != 0 {
		if alg != AlgZstd {
			return nil, fmt.Errorf("%w: unsupported compression algorithm %d", core.ErrCorrupt, alg)
		}
		return t.decoder.DecodeAll(payload, nil)
	}

	return payload, nil
}

// appendHeader writes the envelope header followed by the payload.
func appendHeader(dst []byte, flags, alg byte, payload []byte) []byte {
	dst = append(dst, Magic...)
	dst = append(dst, Version, flags, alg)
	return append(dst, payload...)
}

// parseHeader validates the envelope and returns flags, algorithm and payload.
func parseHeader(stored []byte) (flags, alg byte, payload []byte, err error) {
	if len(stored) < headerSize {
		return 0, 0, nil, fmt.Errorf("%w: block too small for envelope", core.ErrCorrupt)
	}

	if string(stored[:4]) != Magic {
		return 0, 0, nil, fmt.Errorf("%w: invalid magic", core.ErrCorrupt)
	}

	if stored[4] != Version {
		return 0, 0, nil, fmt.Errorf("%w: unsupported version %d", core.ErrCorrupt, stored[4])
	}

	return stored[5], stored[6], stored[7:], nil
}
