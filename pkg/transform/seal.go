package transform

import (
	"crypto/rand"
	"fmt"

	"github.com/agenthands/chunknet/pkg/core"
	"github.com/klauspost/compress/zstd"
	"golang.org/x/crypto/chacha20poly1305"
)

// sealedTransform compresses (optionally) and encrypts payloads with
// XChaCha20-Poly1305. The envelope header is authenticated as AAD, so flag
// or algorithm tampering fails the open.
type sealedTransform struct {
	aead interface {
		Seal(dst, nonce, plaintext, additionalData []byte) []byte
		Open(dst, nonce, ciphertext, additionalData []byte) ([]byte, error)
	}
	compression string
	encoder     *zstd.Encoder
	decoder     *zstd.Decoder
}

// NewSealed returns a keyed Transform. The key must be KeySize bytes.
// Compression is applied before sealing; cfg.Compression selects it.
func NewSealed(key []byte, cfg core.SealConfig) (Transform, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("%w: bad seal key: %v", core.ErrInvalidInput, err)
	}

	t := &sealedTransform{
		aead:        aead,
		compression: cfg.Compression,
	}

	switch cfg.Compression {
	case core.CompressionZstd:
		enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.EncoderLevel(cfg.ZstdLevel)))
		if err != nil {
			return nil, fmt.Errorf("failed to create zstd writer: %w", err)
		}
		dec, err := zstd.NewReader(nil)
		if err != nil {
			return nil, fmt.Errorf("failed to create zstd reader: %w", err)
		}
		t.encoder = enc
		t.decoder = dec
	case core.CompressionNone, "":
	default:
		return nil, fmt.Errorf("%w: unsupported compression %q", core.ErrInvalidInput, cfg.Compression)
	}

	return t, nil
}

func (t *sealedTransform) Name() string { return "sealed+" + t.compressionName() }

func (t *sealedTransform) compressionName() string {
	if t.encoder != nil {
		return "zstd"
	}
	return "none"
}

func (t *sealedTransform) Encode(plain []byte) ([]byte, error) {
	payload := plain
	flags := byte(FlagSealed)
	alg := byte(AlgNone)

	if t.encoder != nil {
		payload = t.encoder.EncodeAll(plain, nil)
		flags |= FlagCompressed
		alg = AlgZstd
	}

	header := make([]byte, 0, headerSize)
	header = append(header, Magic...)
	header = append(header, Version, flags, alg)

	nonce := make([]byte, chacha20poly1305.NonceSizeX)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("failed to draw nonce: %w", err)
	}

	out := make([]byte, 0, headerSize+len(nonce)+len(payload)+chacha20poly1305.Overhead)
	out = append(out, header...)
	out = append(out, nonce...)
	return t.aead.Seal(out, nonce, payload, header), nil
}

func (t *sealedTransform) Decode(stored []byte) ([]byte, error) {
	flags, alg, body, err := parseHeader(stored)
	if err != nil {
		return nil, err
	}

	if flags&FlagSealed == 0 {
		return nil, fmt.Errorf("%w: block is not sealed", core.ErrCorrupt)
	}

	if len(body) < chacha20poly1305.NonceSizeX+chacha20poly1305.Overhead {
		return nil, fmt.Errorf("%w: sealed block truncated", core.ErrCorrupt)
	}

	nonce := body[:chacha20poly1305.NonceSizeX]
	ciphertext := body[chacha20poly1305.NonceSizeX:]

	payload, err := t.aead.Open(nil, nonce, ciphertext, stored[:headerSize])
	if err != nil {
		return nil, fmt.Errorf("%w: seal open failed: %v", core.ErrCorrupt, err)
	}

	if flags&FlagCompressed != 0 {
		if alg != AlgZstd {
			return nil, fmt.Errorf("%w: unsupported compression algorithm %d", core.ErrCorrupt, alg)
		}
		if t.decoder == nil {
			dec, err := zstd.NewReader(nil)
			if err != nil {
				return nil, fmt.Errorf("failed to create zstd reader: %w", err)
			}
			t.decoder = dec
		}
		return t.decoder.DecodeAll(payload, nil)
	}

	return payload, nil
}
