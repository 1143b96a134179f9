package imapconn

import (
	"context"
	"testing"
	"time"

	"meli.sh/imapresp"
)

func TestIdleReaderStartNextDone(t *testing.T) {
	c, server, _, _ := newTestConnection(t)
	defer server.Close()

	go func() {
		buf := make([]byte, 64)
		n, _ := server.Read(buf) // "M1 IDLE\r\n"
		if string(buf[:n]) != "M1 IDLE\r\n" {
			t.Errorf("server saw %q", buf[:n])
		}
		server.Write([]byte("+ idling\r\n"))
		server.Write([]byte("* 4 EXISTS\r\n"))

		n, _ = server.Read(buf) // "DONE\r\n"
		if string(buf[:n]) != "DONE\r\n" {
			t.Errorf("server saw %q", buf[:n])
		}
		server.Write([]byte("M1 OK IDLE terminated\r\n"))
	}()

	ir := NewIdleReader(c)
	if err := ir.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	r, err := ir.Next(ctx)
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if r.Kind != imapresp.KindExists {
		t.Fatalf("got %+v", r)
	}

	if err := ir.Done(); err != nil {
		t.Fatalf("Done: %v", err)
	}
}
