package imapconn

import (
	"crypto/tls"
	"net"
	"strconv"
	"testing"

	"meli.sh/util/tlstest"
)

// TestUpgradeTLSCompletesHandshake exercises the Plain->Tls transport
// upgrade against a real loopback TLS listener, using tlstest's
// pre-baked cert/key pair rather than generating one per test run.
func TestUpgradeTLSCompletesHandshake(t *testing.T) {
	ln, err := tls.Listen("tcp", "127.0.0.1:0", tlstest.ServerConfig)
	if err != nil {
		t.Fatalf("tls.Listen: %v", err)
	}
	defer ln.Close()

	accepted := make(chan error, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			accepted <- err
			return
		}
		defer conn.Close()
		// Force the handshake to complete server-side too.
		if tc, ok := conn.(*tls.Conn); ok {
			accepted <- tc.Handshake()
			return
		}
		accepted <- nil
	}()

	host, portStr, err := net.SplitHostPort(ln.Addr().String())
	if err != nil {
		t.Fatalf("SplitHostPort: %v", err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		t.Fatalf("parse port: %v", err)
	}

	plain, err := NewPlainTransport(host, port, 0)
	if err != nil {
		t.Fatalf("NewPlainTransport: %v", err)
	}
	upgraded, err := UpgradeTLS(plain, tlstest.ClientConfig)
	if err != nil {
		t.Fatalf("UpgradeTLS: %v", err)
	}
	defer upgraded.Close()

	if upgraded.Kind() != TransportTLS {
		t.Fatalf("Kind() = %v, want TransportTLS", upgraded.Kind())
	}
	if err := <-accepted; err != nil {
		t.Fatalf("server-side handshake: %v", err)
	}
}
