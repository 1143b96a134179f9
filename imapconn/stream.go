package imapconn

import (
	"bufio"
	"crypto/tls"
	"encoding/base64"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/emersion/go-sasl"

	"meli.sh/imapresp"
	"meli.sh/mailcore"
	"meli.sh/wire"
)

// Protocol names which wire protocol a Stream speaks: both reuse the
// same tag-and-read-until-match shape (spec.md §4.3), differing only
// in greeting/auth handling.
type Protocol int

const (
	ProtocolIMAP Protocol = iota
	ProtocolManageSieve
)

// MailboxSelectionKind discriminates MailboxSelection.
type MailboxSelectionKind int

const (
	SelectionNone MailboxSelectionKind = iota
	SelectionSelected
	SelectionExamined
)

// MailboxSelection is per-connection state (spec.md §3): one of None,
// Select(hash), Examine(hash). The engine never inherits this across
// reconnect — NewStream always starts at SelectionNone.
type MailboxSelection struct {
	Kind MailboxSelectionKind
	Hash uint64
}

// ServerConf configures Stream construction, mirroring the teacher's
// flat-exported-field Server configuration convention (imapserver.Server)
// rather than a builder or options-function API.
type ServerConf struct {
	Host string
	Port int

	// ImplicitTLS selects "wrap in TLS immediately" (the common IMAPS
	// port-993 style) over STARTTLS negotiation.
	ImplicitTLS bool
	TLSConfig   *tls.Config

	ConnectTimeout time.Duration
	ReadTimeout    time.Duration

	Protocol Protocol

	Username string
	Password string
	// OAuthToken, when non-empty, selects AUTHENTICATE XOAUTH2 over
	// LOGIN/AUTHENTICATE PLAIN.
	OAuthToken string

	Logf func(format string, v ...interface{})
}

func (c *ServerConf) logf(format string, v ...interface{}) {
	if c.Logf != nil {
		c.Logf(format, v...)
		return
	}
}

// Capabilities is the set of byte-string tokens a server advertised
// (spec.md §3): ASCII, case-insensitive compare.
type Capabilities map[string]bool

func newCapabilities(tokens []string) Capabilities {
	c := make(Capabilities, len(tokens))
	for _, t := range tokens {
		c[strings.ToUpper(t)] = true
	}
	return c
}

// Has reports whether name is present, case-insensitively.
func (c Capabilities) Has(name string) bool { return c[strings.ToUpper(name)] }

const (
	// keepaliveInterval is the TCP-level SO_KEEPALIVE period set on
	// every plain transport (transport.go's NewPlainTransport) — the
	// single source of truth so protocolIdleTimeout below stays a
	// multiple of it rather than an independently chosen number.
	keepaliveInterval   = 9 * time.Minute
	protocolIdleTimeout = 28 * time.Minute
)

// Stream holds one transport, the per-session monotonically
// increasing command id (1-based), protocol flavor, current
// MailboxSelection, and the per-read timeout, per spec.md §4.3.
type Stream struct {
	transport Transport
	reader    *bufio.Reader
	parser    *imapresp.Parser
	framer    *wire.Framer

	cmdID    uint64
	protocol Protocol
	mailbox  MailboxSelection
	timeout  time.Duration

	logf func(format string, v ...interface{})

	lastContact time.Time

	// sawPostLoginCapability/postLoginCapabilities record an unsolicited
	// "* CAPABILITY" observed while reading a LOGIN/AUTHENTICATE tagged
	// completion's untagged preamble, so NewStream can skip a redundant
	// CAPABILITY round-trip (RFC 3501 §6.2.3).
	sawPostLoginCapability bool
	postLoginCapabilities  Capabilities
}

// NewStream resolves conf.Host, connects (optionally negotiating
// STARTTLS), authenticates, and returns the negotiated Capabilities
// alongside the ready Stream, per spec.md §4.3.
func NewStream(conf *ServerConf) (Capabilities, *Stream, error) {
	var transport Transport
	var err error

	if conf.ImplicitTLS {
		transport, err = DialTLS(conf.Host, conf.Port, conf.ConnectTimeout, conf.TLSConfig)
	} else {
		transport, err = NewPlainTransport(conf.Host, conf.Port, conf.ConnectTimeout)
	}
	if err != nil {
		return nil, nil, mailcore.Errorf(mailcore.KindNetwork, "imapconn.NewStream", err)
	}

	s := &Stream{
		transport: transport,
		cmdID:     1,
		protocol:  conf.Protocol,
		timeout:   conf.ReadTimeout,
		logf:      conf.logf,
	}
	s.resetReader()

	if conf.Protocol == ProtocolManageSieve {
		if err := s.handshakeManageSieve(conf); err != nil {
			transport.Close()
			return nil, nil, err
		}
		return nil, s, nil
	}

	greeting, err := s.readUntaggedUpTo(conf.ReadTimeout)
	if err != nil {
		transport.Close()
		return nil, nil, mailcore.Errorf(mailcore.KindNetwork, "imapconn.NewStream: greeting", err)
	}
	_ = greeting

	if !conf.ImplicitTLS {
		if err := s.negotiateSTARTTLS(conf); err != nil {
			transport.Close()
			return nil, nil, err
		}
	}

	caps, err := s.sendCapability()
	if err != nil {
		transport.Close()
		return nil, nil, err
	}
	if !caps.Has("IMAP4REV1") {
		transport.Close()
		return nil, nil, mailcore.Errorf(mailcore.KindBug, "imapconn.NewStream", fmt.Errorf("server did not advertise IMAP4rev1"))
	}
	if caps.Has("LOGINDISABLED") {
		transport.Close()
		return nil, nil, mailcore.Errorf(mailcore.KindAuthentication, "imapconn.NewStream", fmt.Errorf("LOGINDISABLED"))
	}

	if err := s.authenticate(conf); err != nil {
		transport.Close()
		return nil, nil, err
	}

	// After LOGIN, collect any un-solicited "* CAPABILITY"; if the
	// server omits it, issue another CAPABILITY.
	if !s.sawPostLoginCapability {
		caps, err = s.sendCapability()
		if err != nil {
			transport.Close()
			return nil, nil, err
		}
	} else {
		caps = s.postLoginCapabilities
	}

	s.lastContact = time.Now()
	return caps, s, nil
}

func (s *Stream) resetReader() {
	s.reader = bufio.NewReaderSize(s.transport, wire.IOBufSize)
	s.parser = imapresp.NewParser(s.reader, nil)
	s.framer = wire.NewFramer(s.reader)
}

// Kind reports which Transport variant backs the stream.
func (s *Stream) TransportKind() TransportKind { return s.transport.Kind() }

// Mailbox reports the stream's current MailboxSelection.
func (s *Stream) Mailbox() MailboxSelection { return s.mailbox }

func (s *Stream) setMailbox(sel MailboxSelection) { s.mailbox = sel }

// nextTag returns the tag for the next command and advances cmdID,
// per spec.md's "M{n}" 1-based tag format.
func (s *Stream) nextTag() string {
	tag := fmt.Sprintf("M%d", s.cmdID)
	s.cmdID++
	return tag
}

// SendCommand emits "M{cmdID} {body}\r\n", flushes, and returns the
// tag used. Logging of LOGIN payloads is suppressed by callers
// passing a redacted summary instead of the raw command when the
// command carries credentials (spec.md §4.3).
func (s *Stream) SendCommand(body string) (tag string, err error) {
	tag = s.nextTag()
	line := fmt.Sprintf("%s %s\r\n", tag, body)
	if _, err := s.transport.Write([]byte(line)); err != nil {
		return tag, mailcore.Errorf(mailcore.KindNetwork, "imapconn.Stream.SendCommand", err)
	}
	return tag, nil
}

// SendRaw writes bytes without tagging.
func (s *Stream) SendRaw(b []byte) error {
	if _, err := s.transport.Write(b); err != nil {
		return mailcore.Errorf(mailcore.KindNetwork, "imapconn.Stream.SendRaw", err)
	}
	return nil
}

// SendLiteral writes a literal's raw bytes (the "{N}\r\n"-prefixed
// payload) without tagging, for APPEND and AUTHENTICATE continuations.
func (s *Stream) SendLiteral(b []byte) error {
	if _, err := fmt.Fprintf(s.transport, "{%d}\r\n", len(b)); err != nil {
		return mailcore.Errorf(mailcore.KindNetwork, "imapconn.Stream.SendLiteral", err)
	}
	return s.SendRaw(b)
}

// WaitForContinuation reads until a "+ " continuation request appears,
// failing immediately on BYE or on a tagged NO/BAD (the server
// rejecting the command outright instead of prompting for more data).
func (s *Stream) WaitForContinuation() (*imapresp.Reply, error) {
	for {
		r, err := s.parser.ParseReply()
		if err != nil {
			return nil, mailcore.Errorf(mailcore.KindNetwork, "imapconn.Stream.WaitForContinuation", err)
		}
		switch r.Kind {
		case imapresp.KindContinuation:
			return r, nil
		case imapresp.KindUntaggedBye:
			return nil, mailcore.Errorf(mailcore.KindProtocolError, "imapconn.Stream.WaitForContinuation", fmt.Errorf("unexpected BYE: %s", r.Text)).WithRaw(r.Raw)
		case imapresp.KindNo, imapresp.KindBad:
			return nil, mailcore.Errorf(mailcore.KindProtocolError, "imapconn.Stream.WaitForContinuation", fmt.Errorf("command rejected: %s", r.Text)).WithRaw(r.Raw)
		}
	}
}

// ReadReply reads one parsed reply, applying s.timeout.
func (s *Stream) ReadReply() (*imapresp.Reply, error) {
	if s.timeout > 0 {
		s.transport.SetReadDeadline(time.Now().Add(s.timeout))
		defer s.transport.SetReadDeadline(time.Time{})
	}
	r, err := s.parser.ParseReply()
	if err != nil {
		return nil, mailcore.Errorf(mailcore.KindNetwork, "imapconn.Stream.ReadReply", err)
	}
	s.lastContact = time.Now()
	return r, nil
}

// ReadResponse reads replies until one tagged to tag is seen,
// returning every reply observed along the way (matching spec.md
// §4.3's "reads until a line prefixed with M{cmd_id-1} is seen").
func (s *Stream) ReadResponse(tag string) ([]*imapresp.Reply, *imapresp.Reply, error) {
	var untagged []*imapresp.Reply
	for {
		r, err := s.ReadReply()
		if err != nil {
			return untagged, nil, err
		}
		switch r.Kind {
		case imapresp.KindOk, imapresp.KindNo, imapresp.KindBad:
			if r.Tag == tag {
				return untagged, r, nil
			}
			// A tagged reply for a different tag than expected is a
			// protocol violation: commands on one Stream are never
			// interleaved (spec.md §5).
			return untagged, r, mailcore.Errorf(mailcore.KindProtocolError, "imapconn.Stream.ReadResponse", fmt.Errorf("unexpected tag %q, want %q", r.Tag, tag)).WithRaw(r.Raw)
		case imapresp.KindUntaggedBye:
			return untagged, nil, mailcore.Errorf(mailcore.KindNetwork, "imapconn.Stream.ReadResponse", fmt.Errorf("disconnected: %s", r.Text)).WithRaw(r.Raw)
		default:
			untagged = append(untagged, r)
		}
	}
}

func (s *Stream) readUntaggedUpTo(timeout time.Duration) (*imapresp.Reply, error) {
	if timeout > 0 {
		s.transport.SetReadDeadline(time.Now().Add(timeout))
		defer s.transport.SetReadDeadline(time.Time{})
	}
	return s.parser.ParseReply()
}

func (s *Stream) sendCapability() (Capabilities, error) {
	tag, err := s.SendCommand("CAPABILITY")
	if err != nil {
		return nil, err
	}
	untagged, tagged, err := s.ReadResponse(tag)
	if err != nil {
		return nil, err
	}
	if tagged.Kind != imapresp.KindOk {
		return nil, mailcore.Errorf(mailcore.KindProtocolError, "imapconn.Stream.sendCapability", fmt.Errorf("CAPABILITY failed: %s", tagged.Text)).WithRaw(tagged.Raw)
	}
	for _, u := range untagged {
		if u.Kind == imapresp.KindCapability {
			return newCapabilities(u.Capabilities), nil
		}
	}
	return nil, mailcore.Errorf(mailcore.KindBug, "imapconn.Stream.sendCapability", fmt.Errorf("no CAPABILITY untagged response"))
}

func (s *Stream) negotiateSTARTTLS(conf *ServerConf) error {
	tag, err := s.SendCommand("STARTTLS")
	if err != nil {
		return err
	}
	_, tagged, err := s.ReadResponse(tag)
	if err != nil {
		return err
	}
	if tagged.Kind != imapresp.KindOk {
		return mailcore.Errorf(mailcore.KindAuthentication, "imapconn.Stream.negotiateSTARTTLS", fmt.Errorf("STARTTLS rejected: %s", tagged.Text)).WithRaw(tagged.Raw)
	}
	upgraded, err := UpgradeTLS(s.transport, conf.TLSConfig)
	if err != nil {
		return mailcore.Errorf(mailcore.KindNetwork, "imapconn.Stream.negotiateSTARTTLS", err)
	}
	s.transport = upgraded
	s.resetReader()
	return nil
}

func (s *Stream) authenticate(conf *ServerConf) error {
	if conf.OAuthToken != "" {
		return s.authenticateXOAUTH2(conf)
	}
	return s.authenticateLogin(conf)
}

func (s *Stream) authenticateLogin(conf *ServerConf) error {
	tag, err := s.SendCommand(fmt.Sprintf("LOGIN %s %s", quoteIMAPString(conf.Username), quoteIMAPString(conf.Password)))
	if err != nil {
		return err
	}
	untagged, tagged, err := s.ReadResponse(tag)
	if err != nil {
		return err
	}
	if tagged.Kind != imapresp.KindOk {
		return mailcore.Errorf(mailcore.KindAuthentication, "imapconn.Stream.authenticateLogin", fmt.Errorf("LOGIN rejected: %s", tagged.Text)).WithRaw(tagged.Raw)
	}
	s.absorbPostLoginCapabilities(untagged, tagged)
	return nil
}

func (s *Stream) authenticateXOAUTH2(conf *ServerConf) error {
	client := sasl.NewXoauth2Client(conf.Username, conf.OAuthToken)
	_, ir, err := client.Start()
	if err != nil {
		return mailcore.Errorf(mailcore.KindAuthentication, "imapconn.Stream.authenticateXOAUTH2", err)
	}
	tag, err := s.SendCommand("AUTHENTICATE XOAUTH2 " + base64.StdEncoding.EncodeToString(ir))
	if err != nil {
		return err
	}
	untagged, tagged, err := s.ReadResponse(tag)
	if err != nil {
		return err
	}
	if tagged.Kind != imapresp.KindOk {
		return mailcore.Errorf(mailcore.KindAuthentication, "imapconn.Stream.authenticateXOAUTH2", fmt.Errorf("XOAUTH2 rejected: %s", tagged.Text)).WithRaw(tagged.Raw)
	}
	s.absorbPostLoginCapabilities(untagged, tagged)
	return nil
}

func (s *Stream) absorbPostLoginCapabilities(untagged []*imapresp.Reply, tagged *imapresp.Reply) {
	for _, u := range untagged {
		if u.Kind == imapresp.KindCapability {
			s.sawPostLoginCapability = true
			s.postLoginCapabilities = newCapabilities(u.Capabilities)
			return
		}
	}
	if tagged.Code != "" && strings.HasPrefix(strings.ToUpper(tagged.Code), "CAPABILITY ") {
		s.sawPostLoginCapability = true
		s.postLoginCapabilities = newCapabilities(strings.Fields(tagged.Code[len("CAPABILITY "):]))
	}
}

// handshakeManageSieve reads the greeting capability lines and issues
// AUTHENTICATE "PLAIN" with a base64(\0user\0pass) payload, per
// RFC 5804 §2 and spec.md §4.3's ManageSieve paragraph.
//
// ManageSieve's response grammar (every response ends in an untagged
// "OK"/"NO"/"BYE" line, never a tagged completion) does not fit
// imapresp.Parser's tagged/untagged grammar, so the handshake reads
// raw lines directly instead. Literal-valued capability lines in the
// greeting are read and discarded here; full capability parsing
// belongs to the managesieve package's script-management client.
func (s *Stream) handshakeManageSieve(conf *ServerConf) error {
	if _, _, err := s.readManageSieveResponse(); err != nil {
		return mailcore.Errorf(mailcore.KindNetwork, "imapconn.Stream.handshakeManageSieve: greeting", err)
	}

	client := sasl.NewPlainClient("", conf.Username, conf.Password)
	_, ir, err := client.Start()
	if err != nil {
		return mailcore.Errorf(mailcore.KindAuthentication, "imapconn.Stream.handshakeManageSieve", err)
	}
	line := fmt.Sprintf("AUTHENTICATE \"PLAIN\" \"%s\"\r\n", base64.StdEncoding.EncodeToString(ir))
	if err := s.SendRaw([]byte(line)); err != nil {
		return err
	}
	kind, text, err := s.readManageSieveResponse()
	if err != nil {
		return mailcore.Errorf(mailcore.KindNetwork, "imapconn.Stream.handshakeManageSieve: auth", err)
	}
	if kind != "OK" {
		return mailcore.Errorf(mailcore.KindAuthentication, "imapconn.Stream.handshakeManageSieve", fmt.Errorf("AUTHENTICATE rejected: %s", text))
	}
	return nil
}

// ReadManageSieveLine reads one raw line (with the trailing CRLF
// stripped) directly off the stream's reader, bypassing imapresp.Parser
// entirely. Exported for mailcore/managesieve's client, whose grammar
// (every response ends in an untagged OK/NO/BYE line, no command tag)
// is incompatible with imapresp's tagged/untagged grammar.
func (s *Stream) ReadManageSieveLine() (string, error) {
	line, err := s.reader.ReadString('\n')
	if err != nil {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}

// ReadManageSieveLiteral reads exactly n raw bytes followed by their
// trailing CRLF, for a ManageSieve `{n+}` literal response (RFC 5804
// §1.3, e.g. GETSCRIPT's script body).
func (s *Stream) ReadManageSieveLiteral(n int) ([]byte, error) {
	buf := make([]byte, n)
	if _, err := io.ReadFull(s.reader, buf); err != nil {
		return nil, err
	}
	if _, err := s.reader.ReadString('\n'); err != nil {
		return nil, err
	}
	return buf, nil
}

// readManageSieveResponse reads lines until one begins with the
// status token OK, NO, or BYE (RFC 5804 §1.3), skipping any capability
// or literal lines that precede it.
func (s *Stream) readManageSieveResponse() (kind, text string, err error) {
	for {
		line, err := s.ReadManageSieveLine()
		if err != nil {
			return "", "", err
		}
		upper := strings.ToUpper(line)
		switch {
		case strings.HasPrefix(upper, "OK"):
			return "OK", strings.TrimSpace(line[len("OK"):]), nil
		case strings.HasPrefix(upper, "NO"):
			return "NO", strings.TrimSpace(line[len("NO"):]), nil
		case strings.HasPrefix(upper, "BYE"):
			return "BYE", strings.TrimSpace(line[len("BYE"):]), nil
		default:
			continue
		}
	}
}

func quoteIMAPString(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `"`, `\"`)
	return `"` + s + `"`
}
