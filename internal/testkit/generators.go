package testkit

import (
	"math/rand"
	"time"
)

// RNG returns a deterministic generator for the seed, or a time-seeded one
// when the seed is zero. Tests that need to regenerate identical payloads
// re-seed with the same value.
func RNG(seed int64) *rand.Rand {
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return rand.New(rand.NewSource(seed))
}

// RandomBytes returns length incompressible bytes from r.
func RandomBytes(r *rand.Rand, length int) []byte {
	b := make([]byte, length)
	_, _ = r.Read(b)
	return b
}

// CompressibleBytes returns length bytes of repeating text with a sprinkle
// of noise, for exercising compression paths with a predictable ratio.
func CompressibleBytes(r *rand.Rand, length int) []byte {
	pattern := []byte("highly compressible repeating pattern ")
	b := make([]byte, length)
	for i := range b {
		b[i] = pattern[i%len(pattern)]
	}
	for i := 0; i < length/1024; i++ {
		b[r.Intn(length)] = byte(r.Intn(256))
	}
	return b
}

// MutateBytes returns a copy of base with n random single-byte insertions,
// deletions or overwrites, for building near-duplicate payloads.
func MutateBytes(r *rand.Rand, base []byte, n int) []byte {
	out := append([]byte(nil), base...)
	for i := 0; i < n && len(out) > 0; i++ {
		at := r.Intn(len(out))
		switch r.Intn(3) {
		case 0:
			out = append(out[:at], append([]byte{byte(r.Intn(256))}, out[at:]...)...)
		case 1:
			out = append(out[:at], out[at+1:]...)
		default:
			out[at] = byte(r.Intn(256))
		}
	}
	return out
}
