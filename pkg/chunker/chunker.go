package chunker

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/agenthands/chunknet/pkg/core"
	"github.com/jotfs/fastcdc-go"
)

// Chunk represents a single chunk of data.
type Chunk struct {
	Buf []byte // owned by chunker; returned to pool by consumer
	N   int
}

// Chunker defines the interface for splitting an io.Reader into chunks.
// Consumers must drain the chunk channel fully, then read the error channel.
type Chunker interface {
	Split(ctx context.Context, r io.Reader) (<-chan Chunk, <-chan error)
	// ReturnBuffer returns a chunk buffer to the internal pool for reuse.
	ReturnBuffer(buf []byte)
}

// New selects a chunker from the config: fixed-size splitting by default,
// FastCDC when the mode is "cdc".
func New(cfg core.ChunkingConfig) (Chunker, error) {
	switch cfg.Mode {
	case core.ChunkingFixed, "":
		size := cfg.Size
		if size <= 0 {
			size = core.DefaultChunkSize
		}
		return NewFixed(size), nil
	case core.ChunkingCDC:
		min, avg, max := cfg.Min, cfg.Avg, cfg.Max
		if avg <= 0 {
			avg = core.DefaultChunkSize
		}
		if min <= 0 {
			min = avg / 4
		}
		if max <= 0 {
			max = avg * 4
		}
		return NewFastCDC(min, avg, max), nil
	default:
		return nil, fmt.Errorf("%w: unknown chunking mode %q", core.ErrInvalidInput, cfg.Mode)
	}
}

// fixedChunker cuts the stream into equal-size chunks; the final chunk may
// be shorter. An empty stream yields no chunks.
type fixedChunker struct {
	size int
	pool sync.Pool
}

// NewFixed returns a fixed-size Chunker.
func NewFixed(size int) Chunker {
	return &fixedChunker{
		size: size,
		pool: sync.Pool{
			New: func() interface{} {
				return make([]byte, size)
			},
		},
	}
}

func (c *fixedChunker) Split(ctx context.Context, r io.Reader) (<-chan Chunk, <-chan error) {
	chunks := make(chan Chunk, 1)
	errs := make(chan error, 1)

	go func() {
		defer close(chunks)
		defer close(errs)

		for {
			if ctx.Err() != nil {
				errs <- ctx.Err()
				return
			}

			buf := c.pool.Get().([]byte)
			n, err := io.ReadFull(r, buf)
			if n == 0 {
				c.pool.Put(buf)
				if err == io.EOF || err == io.ErrUnexpectedEOF {
					return
				}
				if err != nil {
					errs <- err
				}
				return
			}

			select {
			case <-ctx.Done():
				c.pool.Put(buf)
				errs <- ctx.Err()
				return
			case chunks <- Chunk{Buf: buf, N: n}:
			}

			if err == io.EOF || err == io.ErrUnexpectedEOF {
				return
			}
			if err != nil {
				errs <- err
				return
			}
		}
	}()

	return chunks, errs
}

func (c *fixedChunker) ReturnBuffer(buf []byte) {
	c.pool.Put(buf)
}

// fastCDCChunker uses content-defined chunking for dedupe-friendly cut points.
type fastCDCChunker struct {
	min, avg, max int
	pool          sync.Pool
}

// NewFastCDC returns a content-defined Chunker with the given size bounds.
func NewFastCDC(min, avg, max int) Chunker {
	return &fastCDCChunker{
		min: min,
		avg: avg,
		max: max,
		pool: sync.Pool{
			New: func() interface{} {
				return make([]byte, max)
			},
		},
	}
}

func (c *fastCDCChunker) Split(ctx context.Context, r io.Reader) (<-chan Chunk, <-chan error) {
	chunks := make(chan Chunk, 1)
	errs := make(chan error, 1)

	go func() {
		defer close(chunks)
		defer close(errs)

		cdc, err := fastcdc.NewChunker(r, fastcdc.Options{
			MinSize:     c.min,
			AverageSize: c.avg,
			MaxSize:     c.max,
		})
		if err != nil {
			errs <- err
			return
		}

		for {
			select {
			case <-ctx.Done():
				errs <- ctx.Err()
				return
			default:
				chunk, err := cdc.Next()
				if err != nil {
					if err != io.EOF {
						errs <- err
					}
					return
				}

				// Copy data to a pooled buffer
				buf := c.pool.Get().([]byte)
				n := copy(buf, chunk.Data)

				select {
				case <-ctx.Done():
					c.pool.Put(buf)
					errs <- ctx.Err()
					return
				case chunks <- Chunk{Buf: buf, N: n}:
				}
			}
		}
	}()

	return chunks, errs
}

func (c *fastCDCChunker) ReturnBuffer(buf []byte) {
	c.pool.Put(buf)
}
