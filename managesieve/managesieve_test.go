package managesieve

import (
	"bufio"
	"io"
	"net"
	"strconv"
	"testing"
	"time"

	"meli.sh/imapconn"
)

// serveHandshake accepts one connection, completes the ManageSieve
// greeting/AUTHENTICATE handshake (RFC 5804 §1.3), then hands the
// connection to fn for the test's command exchange.
func serveHandshake(t *testing.T, ln net.Listener, fn func(r *bufio.Reader, w net.Conn)) {
	t.Helper()
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		r := bufio.NewReader(conn)

		conn.Write([]byte(`"IMPLEMENTATION" "test"` + "\r\n"))
		conn.Write([]byte(`"SASL" "PLAIN"` + "\r\n"))
		conn.Write([]byte("OK\r\n"))

		if _, err := r.ReadString('\n'); err != nil { // AUTHENTICATE line
			return
		}
		conn.Write([]byte("OK\r\n"))

		fn(r, conn)
	}()
}

func dial(t *testing.T, ln net.Listener) *imapconn.Stream {
	t.Helper()
	host, portStr, err := net.SplitHostPort(ln.Addr().String())
	if err != nil {
		t.Fatalf("SplitHostPort: %v", err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		t.Fatalf("parse port: %v", err)
	}
	_, stream, err := imapconn.NewStream(&imapconn.ServerConf{
		Host:           host,
		Port:           port,
		Protocol:       imapconn.ProtocolManageSieve,
		Username:       "alice",
		Password:       "hunter2",
		ConnectTimeout: time.Second,
		ReadTimeout:    time.Second,
	})
	if err != nil {
		t.Fatalf("NewStream: %v", err)
	}
	return stream
}

func TestPutScriptAndGetScript(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer ln.Close()

	script := "# a sieve script\r\nkeep;\r\n"
	serveHandshake(t, ln, func(r *bufio.Reader, w net.Conn) {
		if _, err := r.ReadString('\n'); err != nil { // PUTSCRIPT "name" {n+}
			return
		}
		buf := make([]byte, len(script))
		if _, err := io.ReadFull(r, buf); err != nil {
			return
		}
		r.ReadString('\n') // literal's trailing CRLF
		w.Write([]byte("OK\r\n"))

		if _, err := r.ReadString('\n'); err != nil { // GETSCRIPT "name"
			return
		}
		w.Write([]byte("{" + strconv.Itoa(len(script)) + "+}\r\n"))
		w.Write([]byte(script))
		w.Write([]byte("\r\n"))
		w.Write([]byte("OK\r\n"))
	})

	stream := dial(t, ln)
	c := New(stream)

	if err := c.PutScript("myfilter", []byte(script)); err != nil {
		t.Fatalf("PutScript: %v", err)
	}
	got, err := c.GetScript("myfilter")
	if err != nil {
		t.Fatalf("GetScript: %v", err)
	}
	if string(got) != script {
		t.Fatalf("GetScript = %q, want %q", got, script)
	}
}

func TestListScriptsParsesActiveMarker(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer ln.Close()

	serveHandshake(t, ln, func(r *bufio.Reader, w net.Conn) {
		if _, err := r.ReadString('\n'); err != nil { // LISTSCRIPTS
			return
		}
		w.Write([]byte(`"summer" ACTIVE` + "\r\n"))
		w.Write([]byte(`"winter"` + "\r\n"))
		w.Write([]byte("OK\r\n"))
	})

	stream := dial(t, ln)
	c := New(stream)
	scripts, err := c.ListScripts()
	if err != nil {
		t.Fatalf("ListScripts: %v", err)
	}
	if len(scripts) != 2 || scripts[0].Name != "summer" || !scripts[0].Active || scripts[1].Active {
		t.Fatalf("got %+v", scripts)
	}
}

func TestSetActiveAndDeleteScript(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer ln.Close()

	serveHandshake(t, ln, func(r *bufio.Reader, w net.Conn) {
		if _, err := r.ReadString('\n'); err != nil { // SETACTIVE
			return
		}
		w.Write([]byte("OK\r\n"))
		if _, err := r.ReadString('\n'); err != nil { // DELETESCRIPT
			return
		}
		w.Write([]byte("NO \"in use\"\r\n"))
	})

	stream := dial(t, ln)
	c := New(stream)
	if err := c.SetActive("summer"); err != nil {
		t.Fatalf("SetActive: %v", err)
	}
	if err := c.DeleteScript("summer"); err == nil {
		t.Fatal("expected DeleteScript to surface the NO response as an error")
	}
}
