package relay

import (
	"errors"
	"io"

	"github.com/osbuild/upload-relay/internal/store"
)

// pump moves bytes from the inbound stream to the sink holding exactly one
// chunk at a time. The next chunk is only read after the sink accepted the
// previous one.
type pump struct {
	src  io.Reader
	dst  store.Sink
	buf  []byte
	size int64 // declared size, -1 if unknown

	written int64
}

var errSizeExceeded = errors.New("inbound stream is larger than the declared size")

// run returns the number of bytes the sink accepted. Errors from the
// inbound side are returned as inboundError, errors from the sink as
// sinkError.
func (p *pump) run() (int64, error) {
	for {
		n, rerr := p.fill()
		if n > 0 {
			if p.size >= 0 && p.written+int64(n) > p.size {
				return p.written, &inboundError{errSizeExceeded}
			}
			w, werr := p.dst.Write(p.buf[:n])
			p.written += int64(w)
			if werr != nil {
				return p.written, &sinkError{werr}
			}
			if w != n {
				return p.written, &sinkError{io.ErrShortWrite}
			}
		}

		switch {
		case rerr == nil:
			continue
		case rerr == io.EOF:
			return p.written, nil
		default:
			return p.written, &inboundError{rerr}
		}
	}
}

// fill reads into buf until it is full or the stream ends. Unlike
// io.ReadFull it reports a clean end of stream as io.EOF even when the last
// chunk is short.
func (p *pump) fill() (int, error) {
	n := 0
	for n < len(p.buf) {
		m, err := p.src.Read(p.buf[n:])
		n += m
		if err != nil {
			return n, err
		}
	}
	return n, nil
}

type inboundError struct {
	err error
}

func (e *inboundError) Error() string { return "reading inbound stream: " + e.err.Error() }
func (e *inboundError) Unwrap() error { return e.err }

type sinkError struct {
	err error
}

func (e *sinkError) Error() string { return "writing to store: " + e.err.Error() }
func (e *sinkError) Unwrap() error { return e.err }
