package wire

import (
	"bytes"
	"io"
	"strings"
	"testing"
	"time"
)

func TestReadLinesBasic(t *testing.T) {
	tests := []struct {
		name            string
		input           string
		termination     string
		keepTermination bool
		wantBuf         string
		wantErr         error
	}{
		{
			name:        "tagged completion",
			input:       "* CAPABILITY IMAP4rev1\r\nM1 OK done\r\n",
			termination: "M1 OK done",
			wantBuf:     "* CAPABILITY IMAP4rev1\r\n",
		},
		{
			name:            "keep termination",
			input:           "* 3 EXISTS\r\nM3 OK done\r\n",
			termination:     "M3 OK done",
			keepTermination: true,
			wantBuf:         "* 3 EXISTS\r\nM3 OK done\r\n",
		},
		{
			name:        "any line when termination empty",
			input:       "+ idling\r\n",
			termination: "",
			wantBuf:     "",
		},
		{
			name:        "bye fast fail",
			input:       "* BYE server going down\r\n",
			termination: "M1 OK done",
			wantErr:     ErrDisconnect,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			f := NewFramer(strings.NewReader(tc.input))
			var buf []byte
			err := f.ReadLines(&buf, []byte(tc.termination), tc.keepTermination, time.Second)
			if tc.wantErr != nil {
				if err != tc.wantErr {
					t.Fatalf("ReadLines error = %v, want %v", err, tc.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("ReadLines: %v", err)
			}
			if string(buf) != tc.wantBuf {
				t.Fatalf("ReadLines buf = %q, want %q", buf, tc.wantBuf)
			}
		})
	}
}

func TestReadLinesMultipleLinesInOneWrite(t *testing.T) {
	// A single server write can contain several logical lines; the
	// backward-scanning cursor must still recognize the tagged
	// completion as the most recent complete line.
	input := "* 1 EXISTS\r\n* 2 RECENT\r\n* 3 FETCH (FLAGS (\\Seen))\r\nM7 OK done\r\n"
	f := NewFramer(strings.NewReader(input))
	var buf []byte
	if err := f.ReadLines(&buf, []byte("M7 OK done"), false, time.Second); err != nil {
		t.Fatalf("ReadLines: %v", err)
	}
	want := "* 1 EXISTS\r\n* 2 RECENT\r\n* 3 FETCH (FLAGS (\\Seen))\r\n"
	if string(buf) != want {
		t.Fatalf("ReadLines buf = %q, want %q", buf, want)
	}
}

func TestReadLinesAccumulatesAcrossPartialReads(t *testing.T) {
	pr, pw := io.Pipe()
	f := NewFramer(pr)

	go func() {
		for _, chunk := range []string{"* CAPABI", "LITY IMAP4rev1\r\n", "M1 OK done\r\n"} {
			pw.Write([]byte(chunk))
		}
		pw.Close()
	}()

	var buf []byte
	if err := f.ReadLines(&buf, []byte("M1 OK done"), false, 5*time.Second); err != nil {
		t.Fatalf("ReadLines: %v", err)
	}
	want := "* CAPABILITY IMAP4rev1\r\n"
	if string(buf) != want {
		t.Fatalf("ReadLines buf = %q, want %q", buf, want)
	}
}

func TestReadLinesEOFBeforeTermination(t *testing.T) {
	f := NewFramer(strings.NewReader("* 1 EXISTS\r\n"))
	var buf []byte
	err := f.ReadLines(&buf, []byte("M1 OK done"), false, time.Second)
	if err != io.EOF {
		t.Fatalf("ReadLines error = %v, want io.EOF", err)
	}
}

func TestReadLinesAppendsOntoExistingBuf(t *testing.T) {
	f := NewFramer(strings.NewReader("* 4 EXISTS\r\nM2 OK done\r\n"))
	buf := []byte("* 3 EXISTS\r\n")
	if err := f.ReadLines(&buf, []byte("M2 OK done"), false, time.Second); err != nil {
		t.Fatalf("ReadLines: %v", err)
	}
	want := "* 3 EXISTS\r\n* 4 EXISTS\r\n"
	if string(buf) != want {
		t.Fatalf("ReadLines buf = %q, want %q", buf, want)
	}
}

func TestReadLinesTimeout(t *testing.T) {
	pr, pw := io.Pipe()
	defer pw.Close()
	f := NewFramer(pr)
	var buf []byte
	err := f.ReadLines(&buf, []byte("M1 OK done"), false, 20*time.Millisecond)
	if err != ErrTimeout {
		t.Fatalf("ReadLines error = %v, want ErrTimeout", err)
	}
}

func TestLastCompleteLine(t *testing.T) {
	buf := []byte("* 1 EXISTS\r\n* 2 RECENT\r\nM1 OK done\r\n")
	idx, ok := lastCompleteLine(buf, 0)
	if !ok {
		t.Fatal("lastCompleteLine: want ok")
	}
	got := buf[idx:]
	want := []byte("M1 OK done\r\n")
	if !bytes.Equal(got, want) {
		t.Fatalf("lastCompleteLine = %q, want %q", got, want)
	}
}

func TestLastCompleteLineNoCRLF(t *testing.T) {
	if _, ok := lastCompleteLine([]byte("partial line no terminator"), 0); ok {
		t.Fatal("lastCompleteLine: want !ok for unterminated buffer")
	}
}
