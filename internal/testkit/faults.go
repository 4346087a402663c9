package testkit

import (
	"errors"
	"io"
)

var ErrInjectedFault = errors.New("injected fault")

// ErrorReader passes through at most limit bytes of r and then fails every
// read with err, simulating a source that dies mid-stream. A nil err means
// ErrInjectedFault.
type ErrorReader struct {
	r     io.Reader
	limit int64
	read  int64
	err   error
}

func NewErrorReader(r io.Reader, limit int64, err error) *ErrorReader {
	if err == nil {
		err = ErrInjectedFault
	}
	return &ErrorReader{r: r, limit: limit, err: err}
}

func (e *ErrorReader) Read(p []byte) (int, error) {
	if e.read >= e.limit {
		return 0, e.err
	}
	if remaining := e.limit - e.read; int64(len(p)) > remaining {
		p = p[:remaining]
	}

	n, err := e.r.Read(p)
	e.read += int64(n)
	if err == nil && e.read >= e.limit {
		err = e.err
	}
	return n, err
}
