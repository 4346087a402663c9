package cidutil

import (
	"fmt"
	"testing"

	"github.com/agenthands/chunknet/internal/testkit"
)

func BenchmarkChunkCID(b *testing.B) {
	builder := NewBuilder()
	rng := testkit.RNG(1)

	sizes := []int{4 * 1024, 100 * 1024, 1024 * 1024, 8 * 1024 * 1024}

	for _, size := range sizes {
		data := testkit.RandomBytes(rng, size)

		b.Run(fmt.Sprintf("Sum_%d", size), func(b *testing.B) {
			b.ReportAllocs()
			b.SetBytes(int64(size))
			for i := 0; i < b.N; i++ {
				_, _ = builder.ChunkCID(data)
			}
		})

		b.Run(fmt.Sprintf("Verify_%d", size), func(b *testing.B) {
			c, err := builder.ChunkCID(data)
			if err != nil {
				b.Fatal(err)
			}
			b.ReportAllocs()
			b.SetBytes(int64(size))
			for i := 0; i < b.N; i++ {
				if err := builder.Verify(c, data); err != nil {
					b.Fatal(err)
				}
			}
		})
	}
}

func BenchmarkFormatParse(b *testing.B) {
	builder := NewBuilder()
	c, err := builder.ChunkCID(testkit.RandomBytes(testkit.RNG(2), 1024))
	if err != nil {
		b.Fatal(err)
	}
	s := MustFormat(c)

	b.Run("Format", func(b *testing.B) {
		b.ReportAllocs()
		for i := 0; i < b.N; i++ {
			_, _ = Format(c)
		}
	})

	b.Run("Parse", func(b *testing.B) {
		b.ReportAllocs()
		for i := 0; i < b.N; i++ {
			_, _ = Parse(s)
		}
	})
}
