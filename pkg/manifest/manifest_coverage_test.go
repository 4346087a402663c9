package manifest

import (
	"strings"
	"testing"

	"github.com/agenthands/chunknet/pkg/core"
)

func TestManifestValidation_AllBranches(t *testing.T) {
	codec := NewCodec(core.LimitsConfig{
		MaxFileBytes:     1 << 20,
		MaxChunksPerFile: 100,
		MaxFilenameLen:   32,
	})

	t.Run("UnsupportedVersion", func(t *testing.T) {
		m := validManifest()
		m.Version = 2
		_, err := codec.Encode(m)
		if err == nil {
			t.Error("expected error for unsupported version")
		}
	})

	t.Run("EmptyChunkCID", func(t *testing.T) {
		m := validManifest()
		m.Chunks[0].CID = core.CID{}
		_, err := codec.Encode(m)
		if err == nil {
			t.Fatal("expected error for empty chunk CID")
		}
		if !strings.Contains(err.Error(), "empty CID") {
			t.Errorf("unexpected error message: %v", err)
		}
	})

	t.Run("ZeroLimitsDisableChecks", func(t *testing.T) {
		open := NewCodec(core.LimitsConfig{})
		m := validManifest()
		m.Filename = strings.Repeat("x", 4096)
		if _, err := open.Encode(m); err != nil {
			t.Errorf("zero limits should accept any filename length: %v", err)
		}
	})

	t.Run("NoHoldersIsValid", func(t *testing.T) {
		// A chunk can lose every replica; the manifest still records it
		// so healing has something to work from.
		m := validManifest()
		m.Chunks[0].Holders = nil
		if _, err := codec.Encode(m); err != nil {
			t.Errorf("manifest with a holderless chunk should encode: %v", err)
		}
	})
}
