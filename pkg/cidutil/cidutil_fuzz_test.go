package cidutil

import (
	"testing"

	"github.com/agenthands/chunknet/pkg/core"
)

func FuzzCIDVerify(f *testing.F) {
	builder := NewBuilder()

	// Add seed corpora
	validData := []byte("hello world payload")
	validCID, _ := builder.ChunkCID(validData)

	f.Add(validCID.Bytes, validData)

	// Corrupted CID
	corruptCID := append([]byte(nil), validCID.Bytes...)
	corruptCID[3] ^= 0x01
	f.Add(corruptCID, validData)

	// Corrupted Payload
	corruptData := append([]byte(nil), validData...)
	corruptData[0] ^= 0xFF
	f.Add(validCID.Bytes, corruptData)

	// Garbage CID
	f.Add([]byte("not a cid at all"), validData)
	f.Add([]byte{}, validData)

	f.Fuzz(func(t *testing.T, cidBytes []byte, payload []byte) {
		// Verify should not panic regardless of input
		_ = builder.Verify(core.CID{Bytes: cidBytes}, payload)
	})
}

func FuzzParse(f *testing.F) {
	builder := NewBuilder()
	valid, _ := builder.ChunkCID([]byte("seed"))
	f.Add(MustFormat(valid))
	f.Add("")
	f.Add("bafkreigh2akiscaildc")
	f.Add("QmYwAPJzv5CZsnA625s3Xf2nemtYgPpHdWEz79ojWnPbdG")

	f.Fuzz(func(t *testing.T, s string) {
		c, err := Parse(s)
		if err != nil {
			return
		}
		// Anything Parse accepts must survive Format.
		if _, err := Format(c); err != nil {
			t.Errorf("Format failed on parsed CID %q: %v", s, err)
		}
	})
}
