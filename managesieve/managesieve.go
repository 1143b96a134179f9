// Package managesieve implements a minimal RFC 5804 client for Sieve
// filter-script management (PUTSCRIPT/LISTSCRIPTS/SETACTIVE/GETSCRIPT/
// DELETESCRIPT). It reuses mailcore/imapconn.Stream configured with
// ProtocolManageSieve for the connection/greeting/AUTHENTICATE
// handshake, and speaks the rest of the protocol directly: ManageSieve
// has no per-command tag at all, so every request here is sent with
// Stream.SendRaw rather than the tagged SendCommand used for IMAP.
//
// Scripting semantics beyond CRUD (evaluating a Sieve script against
// incoming mail) are out of scope, matching spec.md's SMTP/filter
// execution non-goals; only script management is a first-class
// sibling of the IMAP backend here, per original_source/melib/src/conf.rs
// treating ManageSieve that way.
package managesieve

import (
	"fmt"
	"strconv"
	"strings"

	"meli.sh/imapconn"
	"meli.sh/mailcore"
)

// Script describes one entry from LISTSCRIPTS.
type Script struct {
	Name   string
	Active bool
}

// Client wraps a Stream already handshaked with ProtocolManageSieve.
type Client struct {
	stream *imapconn.Stream
}

// New wraps an already-connected ManageSieve stream (built via
// imapconn.NewStream with ServerConf.Protocol = imapconn.ProtocolManageSieve).
func New(stream *imapconn.Stream) *Client {
	return &Client{stream: stream}
}

// readStatus reads lines until the terminating OK/NO/BYE, collecting
// any lines seen before it (capability lines on LISTSCRIPTS, script
// names, etc).
func (c *Client) readStatus() (lines []string, kind, text string, err error) {
	for {
		line, err := c.stream.ReadManageSieveLine()
		if err != nil {
			return lines, "", "", mailcore.Errorf(mailcore.KindNetwork, "managesieve.Client", err)
		}
		upper := strings.ToUpper(line)
		switch {
		case strings.HasPrefix(upper, "OK"):
			return lines, "OK", strings.TrimSpace(line[len("OK"):]), nil
		case strings.HasPrefix(upper, "NO"):
			return lines, "NO", strings.TrimSpace(line[len("NO"):]), nil
		case strings.HasPrefix(upper, "BYE"):
			return lines, "BYE", strings.TrimSpace(line[len("BYE"):]), nil
		default:
			lines = append(lines, line)
		}
	}
}

// readStatusWithLiteral is like readStatus but resolves any line whose
// sole content is a `{n}` or `{n+}` literal header into the following
// n raw bytes (GETSCRIPT's script body).
func (c *Client) readStatusWithLiteral() (literal []byte, kind, text string, err error) {
	for {
		line, err := c.stream.ReadManageSieveLine()
		if err != nil {
			return nil, "", "", mailcore.Errorf(mailcore.KindNetwork, "managesieve.Client", err)
		}
		if n, ok := parseLiteralHeader(line); ok {
			literal, err = c.stream.ReadManageSieveLiteral(n)
			if err != nil {
				return nil, "", "", mailcore.Errorf(mailcore.KindNetwork, "managesieve.Client", err)
			}
			continue
		}
		upper := strings.ToUpper(line)
		switch {
		case strings.HasPrefix(upper, "OK"):
			return literal, "OK", strings.TrimSpace(line[len("OK"):]), nil
		case strings.HasPrefix(upper, "NO"):
			return literal, "NO", strings.TrimSpace(line[len("NO"):]), nil
		case strings.HasPrefix(upper, "BYE"):
			return literal, "BYE", strings.TrimSpace(line[len("BYE"):]), nil
		}
	}
}

// parseLiteralHeader recognizes a bare "{123}" or "{123+}" line.
func parseLiteralHeader(line string) (int, bool) {
	line = strings.TrimSpace(line)
	if !strings.HasPrefix(line, "{") || !strings.HasSuffix(line, "}") {
		return 0, false
	}
	inner := strings.TrimSuffix(strings.TrimPrefix(line, "{"), "}")
	inner = strings.TrimSuffix(inner, "+")
	n, err := strconv.Atoi(inner)
	if err != nil {
		return 0, false
	}
	return n, true
}

func quoted(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `"`, `\"`)
	return `"` + s + `"`
}

// PutScript uploads name's content, overwriting any existing script of
// that name (RFC 5804 §2.4).
func (c *Client) PutScript(name string, content []byte) error {
	req := fmt.Sprintf("PUTSCRIPT %s {%d+}\r\n", quoted(name), len(content))
	if err := c.stream.SendRaw([]byte(req)); err != nil {
		return err
	}
	if err := c.stream.SendRaw(content); err != nil {
		return err
	}
	if err := c.stream.SendRaw([]byte("\r\n")); err != nil {
		return err
	}
	_, kind, text, err := c.readStatus()
	if err != nil {
		return err
	}
	if kind != "OK" {
		return mailcore.Errorf(mailcore.KindProtocolError, "managesieve.PutScript", fmt.Errorf("%s: %s", kind, text))
	}
	return nil
}

// ListScripts lists every script stored for the account, marking the
// currently active one (RFC 5804 §2.7).
func (c *Client) ListScripts() ([]Script, error) {
	if err := c.stream.SendRaw([]byte("LISTSCRIPTS\r\n")); err != nil {
		return nil, err
	}
	lines, kind, text, err := c.readStatus()
	if err != nil {
		return nil, err
	}
	if kind != "OK" {
		return nil, mailcore.Errorf(mailcore.KindProtocolError, "managesieve.ListScripts", fmt.Errorf("%s: %s", kind, text))
	}
	scripts := make([]Script, 0, len(lines))
	for _, line := range lines {
		name, active := parseScriptLine(line)
		if name == "" {
			continue
		}
		scripts = append(scripts, Script{Name: name, Active: active})
	}
	return scripts, nil
}

func parseScriptLine(line string) (name string, active bool) {
	line = strings.TrimSpace(line)
	if !strings.HasPrefix(line, `"`) {
		return "", false
	}
	end := strings.Index(line[1:], `"`)
	if end < 0 {
		return "", false
	}
	name = line[1 : end+1]
	rest := strings.TrimSpace(line[end+2:])
	active = strings.EqualFold(rest, "ACTIVE")
	return name, active
}

// SetActive marks name as the single active script, or deactivates
// all scripts if name is empty (RFC 5804 §2.8).
func (c *Client) SetActive(name string) error {
	req := fmt.Sprintf("SETACTIVE %s\r\n", quoted(name))
	if err := c.stream.SendRaw([]byte(req)); err != nil {
		return err
	}
	_, kind, text, err := c.readStatus()
	if err != nil {
		return err
	}
	if kind != "OK" {
		return mailcore.Errorf(mailcore.KindProtocolError, "managesieve.SetActive", fmt.Errorf("%s: %s", kind, text))
	}
	return nil
}

// GetScript downloads name's content (RFC 5804 §2.9).
func (c *Client) GetScript(name string) ([]byte, error) {
	req := fmt.Sprintf("GETSCRIPT %s\r\n", quoted(name))
	if err := c.stream.SendRaw([]byte(req)); err != nil {
		return nil, err
	}
	literal, kind, text, err := c.readStatusWithLiteral()
	if err != nil {
		return nil, err
	}
	if kind != "OK" {
		return nil, mailcore.Errorf(mailcore.KindProtocolError, "managesieve.GetScript", fmt.Errorf("%s: %s", kind, text))
	}
	return literal, nil
}

// DeleteScript removes name (RFC 5804 §2.10).
func (c *Client) DeleteScript(name string) error {
	req := fmt.Sprintf("DELETESCRIPT %s\r\n", quoted(name))
	if err := c.stream.SendRaw([]byte(req)); err != nil {
		return err
	}
	_, kind, text, err := c.readStatus()
	if err != nil {
		return err
	}
	if kind != "OK" {
		return mailcore.Errorf(mailcore.KindProtocolError, "managesieve.DeleteScript", fmt.Errorf("%s: %s", kind, text))
	}
	return nil
}
