package transform

import (
	"bytes"
	"errors"
	"testing"

	"github.com/agenthands/chunknet/pkg/core"
)

// rawEnvelope hand-builds a stored block so decode paths can be driven
// without a matching encoder.
func rawEnvelope(flags, alg byte, payload []byte) []byte {
	out := []byte(Magic)
	out = append(out, Version, flags, alg)
	return append(out, payload...)
}

func TestTransformZstd_DecodeHandBuilt(t *testing.T) {
	tr := NewZstd(3)

	tests := []struct {
		name   string
		stored []byte
		want   string
		ok     bool
	}{
		// Alg is only consulted when the compressed flag is set.
		{"PlainPassthrough", rawEnvelope(0, AlgNone, []byte("raw payload")), "raw payload", true},
		{"PlainIgnoresAlg", rawEnvelope(0, 42, []byte("raw payload")), "raw payload", true},
		{"CompressedBadAlg", rawEnvelope(FlagCompressed, 42, []byte("junk")), "", false},
		{"TooSmall", []byte{1, 2, 3}, "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tr.Decode(tt.stored)
			if !tt.ok {
				if !errors.Is(err, core.ErrCorrupt) {
					t.Fatalf("expected ErrCorrupt, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Decode failed: %v", err)
			}
			if string(got) != tt.want {
				t.Errorf("got %q, want %q", got, tt.want)
			}
		})
	}
}

func TestTransform_EmptyPayload(t *testing.T) {
	key, err := GenerateKey()
	if err != nil {
		t.Fatal(err)
	}
	sealed, err := NewSealed(key, core.SealConfig{Compression: core.CompressionZstd, ZstdLevel: 3})
	if err != nil {
		t.Fatal(err)
	}

	for _, tr := range []Transform{NewNone(), NewZstd(3), sealed} {
		t.Run(tr.Name(), func(t *testing.T) {
			encoded, err := tr.Encode(nil)
			if err != nil {
				t.Fatalf("Encode nil failed: %v", err)
			}
			decoded, err := tr.Decode(encoded)
			if err != nil {
				t.Fatalf("Decode failed: %v", err)
			}
			if len(decoded) != 0 {
				t.Errorf("expected empty output, got %d bytes", len(decoded))
			}
		})
	}
}

func TestTransformZstd_LevelsInteroperate(t *testing.T) {
	data := bytes.Repeat([]byte("level interop payload "), 512)

	// Output from any level must decode with any other level's transform.
	reader := NewZstd(1)
	for _, level := range []int{1, 2, 3, 4} {
		encoded, err := NewZstd(level).Encode(data)
		if err != nil {
			t.Fatalf("level %d: Encode failed: %v", level, err)
		}
		decoded, err := reader.Decode(encoded)
		if err != nil {
			t.Fatalf("level %d: Decode failed: %v", level, err)
		}
		if !bytes.Equal(decoded, data) {
			t.Errorf("level %d: roundtrip mismatch", level)
		}
	}
}
