// Package wire implements byte-level line accumulation over a raw
// transport: read until a CRLF-terminated line equal to some
// termination token appears, or the transport closes, or a deadline
// passes.
//
// It is the client-direction generalization of the teacher's
// imapparser.Scanner byte reader (spilled-ink-spilld's
// imap/imapparser/scanner.go): where Scanner reads bytes one at a time
// to tokenize a single command, Framer reads in IOBufSize chunks to
// accumulate whole logical lines, since here the caller cares about
// recognizing a terminating line, not about grammar tokens.
package wire

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net"
	"time"
)

// IOBufSize bounds how many bytes a single Framer.ReadLines read
// syscall requests, per the backpressure rule that consumers drain
// buf between commands rather than let one read grow unbounded.
const IOBufSize = 8192

// ErrDisconnect is returned when the peer sends "* BYE" or closes the
// connection before the termination line is seen.
var ErrDisconnect = errors.New("wire: disconnected")

// ErrTimeout is returned when timeout elapses before a complete,
// correctly terminated response is read.
var ErrTimeout = errors.New("wire: read timeout")

var byeLine = []byte("* BYE")

// Framer reads CRLF-terminated lines off of an io.Reader, tracking a
// deadline the way net.Conn does. The zero value is not usable; build
// one with NewFramer.
type Framer struct {
	r    io.Reader
	conn net.Conn // non-nil when r supports SetReadDeadline
	buf  []byte
}

// NewFramer builds a Framer reading from r. If r also implements
// net.Conn, ReadLines uses SetReadDeadline to enforce its timeout
// argument; otherwise it enforces timeout via a wall-clock check
// between reads (coarser, but works over any io.Reader, e.g. in
// tests that hand over a bytes.Reader or io.Pipe end).
func NewFramer(r io.Reader) *Framer {
	f := &Framer{r: r, buf: make([]byte, IOBufSize)}
	if c, ok := r.(net.Conn); ok {
		f.conn = c
	}
	return f
}

// ReadLines appends bytes read from the transport into *buf until
// either:
//
//   - the transport returns EOF (returns io.EOF),
//   - *buf ends with a CRLF-terminated line equal to termination (or
//     any CRLF-terminated line at all, if termination is empty),
//   - the most recently completed line begins with "* BYE" (returns
//     ErrDisconnect immediately, regardless of termination),
//   - the elapsed read time exceeds timeout (returns ErrTimeout).
//
// If keepTermination is false, the termination line itself is
// stripped from *buf before return. CRLFs already present in *buf are
// preserved so a response parser can split the buffer on them.
func (f *Framer) ReadLines(buf *[]byte, termination []byte, keepTermination bool, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	if f.conn != nil && timeout > 0 {
		if err := f.conn.SetReadDeadline(deadline); err != nil {
			return fmt.Errorf("wire: set read deadline: %w", err)
		}
		defer f.conn.SetReadDeadline(time.Time{})
	}

	start := len(*buf)
	for {
		if idx, ok := lastCompleteLine(*buf, start); ok {
			line := (*buf)[idx:]
			if bytes.HasPrefix(line, byeLine) {
				return ErrDisconnect
			}
			if matchesTermination(line, termination) {
				if !keepTermination {
					*buf = (*buf)[:idx]
				}
				return nil
			}
		}

		if timeout > 0 && f.conn == nil && time.Now().After(deadline) {
			return ErrTimeout
		}

		n, err := f.r.Read(f.buf)
		if n > 0 {
			*buf = append(*buf, f.buf[:n]...)
		}
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				return ErrTimeout
			}
			if err == io.EOF {
				return io.EOF
			}
			return fmt.Errorf("wire: read: %w", err)
		}
	}
}

// lastCompleteLine searches backward from the end of buf[start:] for
// the last CRLF, then backward again for the line boundary before it,
// returning the index at which the last complete CRLF-terminated line
// (excluding the CRLF) begins. The search is bounded to buf[start:]
// so a ReadLines call that appends to an already-populated buf never
// re-inspects bytes a previous call already classified.
func lastCompleteLine(buf []byte, start int) (idx int, ok bool) {
	region := buf[start:]
	end := bytes.LastIndex(region, []byte("\r\n"))
	if end < 0 {
		return 0, false
	}
	lineStart := bytes.LastIndex(region[:end], []byte("\r\n"))
	if lineStart < 0 {
		return start, true
	}
	return start + lineStart + len("\r\n"), true
}

// matchesTermination reports whether line (without its trailing CRLF)
// equals termination, or — when termination is empty — whether line
// is simply a complete CRLF-terminated line.
func matchesTermination(line, termination []byte) bool {
	line = bytes.TrimSuffix(line, []byte("\r\n"))
	if len(termination) == 0 {
		return true
	}
	return bytes.Equal(line, termination)
}
