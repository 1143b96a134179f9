package imapconn

import (
	"context"
	"fmt"
	"time"

	"meli.sh/imapresp"
	"meli.sh/mailcore"
)

// IdleReader wraps a Connection to expose a lazy sequence of untagged
// response lines suitable for IDLE (spec.md §4.5): Start sends IDLE
// and waits for the server's continuation request, Next blocks for
// the next untagged line, and Done sends DONE and waits for the
// tagged completion.
type IdleReader struct {
	conn *Connection

	lastErr   error
	lastErrAt time.Time
}

// NewIdleReader builds an IdleReader over conn. conn must already be
// Selected on the mailbox to be watched.
func NewIdleReader(conn *Connection) *IdleReader {
	return &IdleReader{conn: conn}
}

// Start issues IDLE and waits for the server's "+ idling" continuation
// request.
func (ir *IdleReader) Start() error {
	return ir.conn.Exclusive(func(s *Stream) error {
		if _, err := s.SendCommand("IDLE"); err != nil {
			return err
		}
		if _, err := s.WaitForContinuation(); err != nil {
			return err
		}
		return nil
	})
}

// Next blocks until the next untagged line arrives or ctx is
// canceled. Cancellation forces the underlying read deadline to
// expire immediately rather than spawning a second reader goroutine,
// so there is never more than one goroutine reading the stream at a
// time. Any transport failure (including ctx cancellation, surfaced
// as a timeout) is returned as an error and recorded via LastFailure
// for caller-side backoff, per spec.md §4.5's "on read error records
// the failure timestamp".
func (ir *IdleReader) Next(ctx context.Context) (*imapresp.Reply, error) {
	var r *imapresp.Reply
	err := ir.conn.Exclusive(func(s *Stream) error {
		watcherDone := make(chan struct{})
		defer close(watcherDone)
		go func() {
			select {
			case <-ctx.Done():
				s.transport.SetReadDeadline(time.Now())
			case <-watcherDone:
			}
		}()

		var err error
		r, err = s.ReadReply()
		return err
	})
	if err != nil {
		ir.recordFailure(err)
		return nil, err
	}
	return r, nil
}

func (ir *IdleReader) recordFailure(err error) {
	ir.lastErr = err
	ir.lastErrAt = time.Now()
}

// LastFailure reports the most recent read error and when it
// occurred, for a caller implementing backoff between IDLE restarts.
func (ir *IdleReader) LastFailure() (err error, at time.Time) {
	return ir.lastErr, ir.lastErrAt
}

// Done sends the IDLE-terminating "DONE" line and waits for the
// tagged completion of the original IDLE command.
func (ir *IdleReader) Done() error {
	return ir.conn.Exclusive(func(s *Stream) error {
		if err := s.SendRaw([]byte("DONE\r\n")); err != nil {
			return err
		}
		tag := fmt.Sprintf("M%d", s.cmdID-1)
		_, tagged, err := s.ReadResponse(tag)
		if err != nil {
			return err
		}
		if tagged.Kind != imapresp.KindOk {
			return mailcore.Errorf(mailcore.KindProtocolError, "imapconn.IdleReader.Done", fmt.Errorf("IDLE completion rejected: %s", tagged.Text)).WithRaw(tagged.Raw)
		}
		return nil
	})
}
