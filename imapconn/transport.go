// Package imapconn implements the client-direction IMAP engine: Stream
// (one transport, tag counter, current mailbox), Connection (Stream
// plus reconnect policy, capability negotiation, extension upgrades),
// and IdleReader (blocking-read adaptation for IDLE).
//
// Transport is modeled as a sum type per the redesign note in spec.md
// §9 ("Self-referential stream wrappers... model as a sum type
// Transport = Plain | Tls | Deflated whose operations dispatch
// statically. Upgrades are explicit constructor calls that consume
// the predecessor."). This replaces the teacher's approach of
// swapping c.netConn and re-wrapping a *bufio.Reader/Writer pair in
// place (imap/imapserver/imapserver.go's COMPRESS handler at
// serveCmd's "COMPRESS" case, and its tls.Server(netConn, ...) at
// Conn accept time): here each upgrade produces a new, independent
// Transport value instead of mutating shared fields.
package imapconn

import (
	"compress/flate"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"time"
)

// TransportKind names which concrete Transport a Stream is using.
type TransportKind int

const (
	TransportPlain TransportKind = iota
	TransportTLS
	TransportDeflated
)

func (k TransportKind) String() string {
	switch k {
	case TransportPlain:
		return "plain"
	case TransportTLS:
		return "tls"
	case TransportDeflated:
		return "deflated"
	default:
		return "unknown"
	}
}

// Transport is the sum type dispatched on by Stream: a plain TCP
// connection, a TLS connection, or a DEFLATE-compressed stream
// layered over either of the other two. Every Transport is also a
// net.Conn so Stream's read-deadline logic (shared with wire.Framer)
// works uniformly regardless of which variant is in play.
type Transport interface {
	net.Conn
	Kind() TransportKind
}

// plainTransport wraps a raw net.Conn (the "Plain" variant).
type plainTransport struct {
	net.Conn
}

func (plainTransport) Kind() TransportKind { return TransportPlain }

// NewPlainTransport dials host:port with an optional connect timeout
// and wraps the resulting connection, resolving the hostname to IPv4
// first as spec.md §4.3 directs.
func NewPlainTransport(host string, port int, connectTimeout time.Duration) (Transport, error) {
	addrs, err := net.DefaultResolver.LookupIP(context.Background(), "ip4", host)
	if err != nil {
		return nil, fmt.Errorf("imapconn: resolve %s: %w", host, err)
	}
	if len(addrs) == 0 {
		return nil, fmt.Errorf("imapconn: no IPv4 address for %s", host)
	}
	dialer := net.Dialer{Timeout: connectTimeout}
	addr := net.JoinHostPort(addrs[0].String(), fmt.Sprint(port))
	conn, err := dialer.Dial("tcp4", addr)
	if err != nil {
		return nil, fmt.Errorf("imapconn: dial %s: %w", addr, err)
	}
	if tc, ok := conn.(*net.TCPConn); ok {
		tc.SetKeepAlive(true)
		tc.SetKeepAlivePeriod(keepaliveInterval)
	}
	return plainTransport{conn}, nil
}

// tlsTransport wraps a *tls.Conn (the "Tls" variant).
type tlsTransport struct {
	*tls.Conn
}

func (tlsTransport) Kind() TransportKind { return TransportTLS }

// UpgradeTLS consumes pred (a Plain transport, typically, though any
// Transport's underlying net.Conn can be upgraded) and performs a TLS
// handshake over it, looping explicitly on a WouldBlock-style
// temporary error until the handshake completes, per spec.md §5
// ("TLS handshakes that return WouldBlock loop explicitly until
// completion").
func UpgradeTLS(pred Transport, cfg *tls.Config) (Transport, error) {
	tconn := tls.Client(pred, cfg)
	for {
		err := tconn.Handshake()
		if err == nil {
			return tlsTransport{tconn}, nil
		}
		if ne, ok := err.(net.Error); ok && ne.Temporary() {
			continue
		}
		return nil, fmt.Errorf("imapconn: tls handshake: %w", err)
	}
}

// DialTLS wraps a fresh Plain transport directly in TLS, for the
// "implicit TLS" connection style (as opposed to STARTTLS).
func DialTLS(host string, port int, connectTimeout time.Duration, cfg *tls.Config) (Transport, error) {
	plain, err := NewPlainTransport(host, port, connectTimeout)
	if err != nil {
		return nil, err
	}
	return UpgradeTLS(plain, cfg)
}

// deflatedTransport layers a DEFLATE codec (RFC 4978 COMPRESS=DEFLATE)
// over a predecessor Transport's raw byte stream.
type deflatedTransport struct {
	pred Transport
	r    io.ReadCloser
	w    *flate.Writer
}

func (d deflatedTransport) Kind() TransportKind { return TransportDeflated }

func (d deflatedTransport) Read(b []byte) (int, error) { return d.r.Read(b) }

func (d deflatedTransport) Write(b []byte) (int, error) {
	n, err := d.w.Write(b)
	if err == nil {
		err = d.w.Flush()
	}
	return n, err
}

func (d deflatedTransport) Close() error {
	d.r.Close()
	d.w.Close()
	return d.pred.Close()
}

func (d deflatedTransport) LocalAddr() net.Addr               { return d.pred.LocalAddr() }
func (d deflatedTransport) RemoteAddr() net.Addr              { return d.pred.RemoteAddr() }
func (d deflatedTransport) SetDeadline(t time.Time) error     { return d.pred.SetDeadline(t) }
func (d deflatedTransport) SetReadDeadline(t time.Time) error  { return d.pred.SetReadDeadline(t) }
func (d deflatedTransport) SetWriteDeadline(t time.Time) error { return d.pred.SetWriteDeadline(t) }

// UpgradeDeflate consumes pred and returns a Transport that DEFLATEs
// writes and inflates reads over it. Per spec.md §9's flagged open
// question, any bytes already sitting in pred's read buffer at the
// moment of upgrade would be lost if pred were simply replaced — this
// implementation sidesteps the hazard entirely by never buffering
// ahead of the COMPRESS command: the caller must not issue
// SendCommand for the COMPRESS itself through a buffered Stream read
// path until the tagged OK is consumed and this constructor has
// returned, so pred's read buffer is guaranteed empty at call time.
func UpgradeDeflate(pred Transport) Transport {
	return deflatedTransport{
		pred: pred,
		r:    flate.NewReader(pred),
		w:    newFlateWriter(pred),
	}
}

func newFlateWriter(w io.Writer) *flate.Writer {
	fw, _ := flate.NewWriter(w, flate.DefaultCompression)
	return fw
}
