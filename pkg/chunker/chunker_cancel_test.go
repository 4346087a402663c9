package chunker

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"
)

func TestChunker_ContextCancelDuringSend(t *testing.T) {
	for _, tc := range []struct {
		name string
		c    Chunker
	}{
		{"Fixed", NewFixed(256)},
		{"FastCDC", NewFastCDC(64, 128, 256)},
	} {
		t.Run(tc.name, func(t *testing.T) {
			data := make([]byte, 64*1024)
			for i := range data {
				data[i] = byte(i % 251)
			}

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			chunks, errCh := tc.c.Split(ctx, &slowReader{data: data, delay: 10 * time.Millisecond})

			// Read first chunk, then cancel to block the sender
			<-chunks
			cancel()

			for range chunks {
			}

			if err := <-errCh; !errors.Is(err, context.Canceled) {
				t.Errorf("expected context.Canceled, got %v", err)
			}
		})
	}
}

func TestChunker_ErrorFromReader(t *testing.T) {
	expected := errors.New("mock read error")

	for _, tc := range []struct {
		name string
		c    Chunker
	}{
		{"Fixed", NewFixed(256)},
		{"FastCDC", NewFastCDC(64, 128, 256)},
	} {
		t.Run(tc.name, func(t *testing.T) {
			chunks, errCh := tc.c.Split(context.Background(), &failingReader{err: expected})

			for range chunks {
			}

			if err := <-errCh; !errors.Is(err, expected) {
				t.Errorf("expected %v, got %v", expected, err)
			}
		})
	}
}

func TestChunker_BadCDCBounds(t *testing.T) {
	c := NewFastCDC(100, 0, 10) // min > max
	_, errCh := c.Split(context.Background(), &failingReader{err: io.EOF})
	if err := <-errCh; err == nil {
		t.Error("expected fastcdc config error, got nil")
	}
}

func TestChunker_ContextCancelBeforeNext(t *testing.T) {
	c := NewFixed(256)
	ctx, cancel := context.WithCancel(context.Background())
	cancel() // cancel immediately

	chunks, errCh := c.Split(ctx, &slowReader{data: []byte("test"), delay: time.Second})
	for range chunks {
	}

	if err := <-errCh; !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}

// slowReader introduces a small delay per read to allow cancellation to race.
type slowReader struct {
	data  []byte
	pos   int
	delay time.Duration
}

func (r *slowReader) Read(p []byte) (n int, err error) {
	if r.pos >= len(r.data) {
		return 0, io.EOF
	}
	time.Sleep(r.delay)
	n = copy(p, r.data[r.pos:])
	r.pos += n
	return n, nil
}

// failingReader always returns an error.
type failingReader struct {
	err error
}

func (r *failingReader) Read(p []byte) (n int, err error) {
	return 0, r.err
}
