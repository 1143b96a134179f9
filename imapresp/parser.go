package imapresp

import (
	"bufio"
	"fmt"
	"strconv"
	"strings"

	"crawshaw.io/iox"
)

// largeLiteralThreshold is the FETCH BODY[] literal size above which
// Parser spills to disk via its configured Filer rather than holding
// the section in memory, matching the teacher's pattern of bounding
// in-memory literal size (imap/imapserver wires a Filer per
// connection for exactly this reason).
const largeLiteralThreshold = 64 * 1024

// Parser parses one IMAP reply line at a time off of a shared
// bufio.Reader. Construct one per Stream and reuse it across reads;
// it carries no buffered lookahead beyond what bufio.Reader itself
// holds, so interleaving ParseReply calls with other reads of the
// same Reader is safe between calls.
type Parser struct {
	s *scanner
}

// NewParser builds a Parser reading from r. filer may be nil; when
// set, FETCH BODY[] literals larger than largeLiteralThreshold spill
// to it instead of being held in memory.
func NewParser(r *bufio.Reader, filer *iox.Filer) *Parser {
	return &Parser{s: newScanner(r, filer)}
}

// ParseReply parses exactly one logical IMAP reply — tagged
// completion, greeting, untagged data line, or continuation request —
// consuming it from the underlying reader.
func (p *Parser) ParseReply() (*Reply, error) {
	s := p.s

	first, err := s.peekChar()
	if err != nil {
		return nil, err
	}

	switch first {
	case '*':
		return p.parseUntagged()
	case '+':
		return p.parseContinuation()
	default:
		return p.parseTagged()
	}
}

func (p *Parser) parseContinuation() (*Reply, error) {
	s := p.s
	s.readChar() // '+'
	s.skipSpace()
	line, err := s.readLine()
	if err != nil {
		return nil, fmt.Errorf("imapresp: continuation: %w", err)
	}
	return &Reply{Kind: KindContinuation, Text: string(line), Raw: rawLine('+', line)}, nil
}

func (p *Parser) parseTagged() (*Reply, error) {
	s := p.s
	tag, err := s.readAtom()
	if err != nil {
		return nil, fmt.Errorf("imapresp: tag: %w", err)
	}
	s.skipSpace()
	status, err := s.readAtom()
	if err != nil {
		return nil, fmt.Errorf("imapresp: status word: %w", err)
	}

	kind, ok := taggedKind(status)
	if !ok {
		return nil, fmt.Errorf("imapresp: unknown status word %q", status)
	}

	code, text, err := p.parseCodeAndText()
	if err != nil {
		return nil, fmt.Errorf("imapresp: %s %s: %w", tag, status, err)
	}
	return &Reply{Kind: kind, Tag: tag, Code: code, Text: text, Raw: rawLine(tag+" "+status, text)}, nil
}

func taggedKind(status string) (Kind, bool) {
	switch strings.ToUpper(status) {
	case "OK":
		return KindOk, true
	case "NO":
		return KindNo, true
	case "BAD":
		return KindBad, true
	default:
		return KindUnknown, false
	}
}

// parseCodeAndText reads an optional "[code]" followed by free text up
// to CRLF. s must be positioned just after the status word.
func (p *Parser) parseCodeAndText() (code, text string, err error) {
	s := p.s
	s.skipSpace()
	b, err := s.peekChar()
	if err != nil {
		return "", "", err
	}
	if b == '[' {
		s.readChar()
		var buf []byte
		for {
			c, err := s.readChar()
			if err != nil {
				return "", "", fmt.Errorf("unterminated response code: %w", err)
			}
			if c == ']' {
				break
			}
			buf = append(buf, c)
		}
		code = string(buf)
		s.skipSpace()
	}
	line, err := s.readLine()
	if err != nil {
		return "", "", err
	}
	return code, string(line), nil
}

func (p *Parser) parseUntagged() (*Reply, error) {
	s := p.s
	s.readChar() // '*'
	s.skipSpace()

	b, err := s.peekChar()
	if err != nil {
		return nil, err
	}

	// Numeric-prefixed forms: "<n> EXISTS", "<n> RECENT", "<n> EXPUNGE",
	// "<n> FETCH (...)".
	if isDigit(b) {
		return p.parseNumberedUntagged()
	}

	word, err := s.readAtom()
	if err != nil {
		return nil, fmt.Errorf("imapresp: untagged: %w", err)
	}

	switch strings.ToUpper(word) {
	case "OK", "NO", "BAD", "BYE", "PREAUTH":
		code, text, err := p.parseCodeAndText()
		if err != nil {
			return nil, fmt.Errorf("imapresp: untagged %s: %w", word, err)
		}
		kind := untaggedStatusKind(word)
		return &Reply{Kind: kind, Code: code, Text: text, Raw: rawLine("* "+word, text)}, nil

	case "CAPABILITY":
		caps, text, err := p.parseWordListToEOL()
		if err != nil {
			return nil, fmt.Errorf("imapresp: capability: %w", err)
		}
		return &Reply{Kind: KindCapability, Capabilities: caps, Raw: rawLine("* CAPABILITY", text)}, nil

	case "FLAGS":
		s.skipSpace()
		flags, err := s.readParenList()
		if err != nil {
			return nil, fmt.Errorf("imapresp: flags: %w", err)
		}
		s.readLine()
		return &Reply{Kind: KindFlags, Flags: flags, Raw: rawLine("* FLAGS", strings.Join(flags, " "))}, nil

	case "LIST", "LSUB":
		ld, err := p.parseListData()
		if err != nil {
			return nil, fmt.Errorf("imapresp: %s: %w", word, err)
		}
		kind := KindList
		if strings.EqualFold(word, "LSUB") {
			kind = KindLsub
		}
		return &Reply{Kind: kind, List: ld, Raw: rawLine("* "+word, ld.Mailbox)}, nil

	case "SEARCH":
		ids, err := p.parseNumberListToEOL()
		if err != nil {
			return nil, fmt.Errorf("imapresp: search: %w", err)
		}
		return &Reply{Kind: KindSearch, SearchIDs: ids, Raw: rawLine("* SEARCH", "")}, nil

	case "ESEARCH":
		ed, err := p.parseESearchData()
		if err != nil {
			return nil, fmt.Errorf("imapresp: esearch: %w", err)
		}
		return &Reply{Kind: KindEsearch, ESearch: ed, Raw: rawLine("* ESEARCH", "")}, nil

	case "STATUS":
		sd, err := p.parseStatusData()
		if err != nil {
			return nil, fmt.Errorf("imapresp: status: %w", err)
		}
		return &Reply{Kind: KindStatus, Status: sd, Raw: rawLine("* STATUS", sd.Mailbox)}, nil

	default:
		// Unknown untagged data: consume to EOL and pass through
		// verbatim, per spec.md §4.2.
		line, err := s.readLine()
		if err != nil {
			return nil, fmt.Errorf("imapresp: unknown untagged %q: %w", word, err)
		}
		return &Reply{Kind: KindUnknownUntagged, Raw: rawLine("* "+word, string(line))}, nil
	}
}

func untaggedStatusKind(word string) Kind {
	switch strings.ToUpper(word) {
	case "OK":
		return KindUntaggedOk
	case "NO":
		return KindUntaggedNo
	case "BAD":
		return KindUntaggedBad
	case "BYE":
		return KindUntaggedBye
	case "PREAUTH":
		return KindPreauth
	default:
		return KindUnknown
	}
}

func (p *Parser) parseNumberedUntagged() (*Reply, error) {
	s := p.s
	n, err := p.readUint32()
	if err != nil {
		return nil, fmt.Errorf("imapresp: numbered untagged: %w", err)
	}
	s.skipSpace()
	word, err := s.readAtom()
	if err != nil {
		return nil, fmt.Errorf("imapresp: numbered untagged: %w", err)
	}
	switch strings.ToUpper(word) {
	case "EXISTS":
		s.readLine()
		return &Reply{Kind: KindExists, Num: n, Raw: rawLine("* "+fmt.Sprint(n), "EXISTS")}, nil
	case "RECENT":
		s.readLine()
		return &Reply{Kind: KindRecent, Num: n, Raw: rawLine("* "+fmt.Sprint(n), "RECENT")}, nil
	case "EXPUNGE":
		s.readLine()
		return &Reply{Kind: KindExpunge, Num: n, Raw: rawLine("* "+fmt.Sprint(n), "EXPUNGE")}, nil
	case "FETCH":
		fd, err := p.parseFetchData(n)
		if err != nil {
			return nil, fmt.Errorf("imapresp: fetch: %w", err)
		}
		return &Reply{Kind: KindFetch, Num: n, Fetch: fd, Raw: rawLine("* "+fmt.Sprint(n), "FETCH")}, nil
	default:
		line, _ := s.readLine()
		return &Reply{Kind: KindUnknownUntagged, Raw: rawLine("* "+fmt.Sprint(n)+" "+word, string(line))}, nil
	}
}

func (p *Parser) readUint32() (uint32, error) {
	s := p.s
	var buf []byte
	for {
		b, err := s.peekChar()
		if err != nil {
			return 0, err
		}
		if !isDigit(b) {
			break
		}
		s.readChar()
		buf = append(buf, b)
	}
	if len(buf) == 0 {
		return 0, fmt.Errorf("imapresp: expected number")
	}
	n, err := strconv.ParseUint(string(buf), 10, 32)
	if err != nil {
		return 0, fmt.Errorf("imapresp: number overflow: %w", err)
	}
	return uint32(n), nil
}

func (p *Parser) readUint64() (uint64, error) {
	s := p.s
	var buf []byte
	for {
		b, err := s.peekChar()
		if err != nil {
			return 0, err
		}
		if !isDigit(b) {
			break
		}
		s.readChar()
		buf = append(buf, b)
	}
	if len(buf) == 0 {
		return 0, fmt.Errorf("imapresp: expected number")
	}
	return strconv.ParseUint(string(buf), 10, 64)
}

func (p *Parser) parseWordListToEOL() ([]string, string, error) {
	s := p.s
	var words []string
	for {
		s.skipSpace()
		b, err := s.peekChar()
		if err != nil {
			return nil, "", err
		}
		if b == '\r' || b == '\n' {
			break
		}
		w, err := s.readAtom()
		if err != nil {
			return nil, "", err
		}
		words = append(words, w)
	}
	line, err := s.readLine()
	if err != nil {
		return nil, "", err
	}
	return words, string(line), nil
}

func (p *Parser) parseNumberListToEOL() ([]uint32, error) {
	s := p.s
	var nums []uint32
	for {
		s.skipSpace()
		b, err := s.peekChar()
		if err != nil {
			return nil, err
		}
		if b == '\r' || b == '\n' {
			break
		}
		n, err := p.readUint32()
		if err != nil {
			return nil, err
		}
		nums = append(nums, n)
	}
	s.readLine()
	return nums, nil
}

func (p *Parser) parseListData() (ListData, error) {
	s := p.s
	s.skipSpace()
	attrs, err := s.readParenList()
	if err != nil {
		return ListData{}, fmt.Errorf("attrs: %w", err)
	}
	s.skipSpace()
	delim, err := s.readAstring()
	if err != nil {
		return ListData{}, fmt.Errorf("delimiter: %w", err)
	}
	var delimByte byte
	if len(delim) == 1 {
		delimByte = delim[0]
	}
	s.skipSpace()
	mailbox, err := s.readAstring()
	if err != nil {
		return ListData{}, fmt.Errorf("mailbox: %w", err)
	}
	s.readLine()
	return ListData{Attrs: attrs, Delimiter: delimByte, Mailbox: mailbox}, nil
}

func (p *Parser) parseStatusData() (StatusData, error) {
	s := p.s
	s.skipSpace()
	mailbox, err := s.readAstring()
	if err != nil {
		return StatusData{}, fmt.Errorf("mailbox: %w", err)
	}
	s.skipSpace()
	s.readChar() // '('
	sd := StatusData{Mailbox: mailbox}
	for {
		s.skipSpace()
		b, err := s.peekChar()
		if err != nil {
			return StatusData{}, err
		}
		if b == ')' {
			s.readChar()
			break
		}
		item, err := s.readAtom()
		if err != nil {
			return StatusData{}, err
		}
		s.skipSpace()
		switch strings.ToUpper(item) {
		case "MESSAGES":
			sd.Messages, err = p.readUint32()
		case "RECENT":
			sd.Recent, err = p.readUint32()
		case "UIDNEXT":
			sd.UIDNext, err = p.readUint32()
		case "UIDVALIDITY":
			sd.UIDValidity, err = p.readUint32()
		case "UNSEEN":
			sd.Unseen, err = p.readUint32()
		case "HIGHESTMODSEQ":
			sd.HighestModSeq, err = p.readUint64()
		default:
			_, err = s.readAtom()
		}
		if err != nil {
			return StatusData{}, fmt.Errorf("%s: %w", item, err)
		}
	}
	s.readLine()
	return sd, nil
}

func (p *Parser) parseESearchData() (ESearchData, error) {
	s := p.s
	ed := ESearchData{}
	s.skipSpace()
	b, err := s.peekChar()
	if err != nil {
		return ed, err
	}
	if b == '(' {
		s.readChar()
		tag, err := s.readAtom()
		if err != nil {
			return ed, err
		}
		s.skipSpace()
		val, err := s.readAstring()
		if err != nil {
			return ed, err
		}
		if strings.EqualFold(tag, "TAG") {
			ed.Tag = val
		}
		s.skipSpace()
		s.readChar() // ')'
	}
	for {
		s.skipSpace()
		b, err := s.peekChar()
		if err != nil {
			return ed, err
		}
		if b == '\r' || b == '\n' {
			break
		}
		word, err := s.readAtom()
		if err != nil {
			return ed, err
		}
		switch strings.ToUpper(word) {
		case "UID":
			ed.UID = true
		case "MIN":
			s.skipSpace()
			if ed.Min, err = p.readUint32(); err != nil {
				return ed, err
			}
		case "MAX":
			s.skipSpace()
			if ed.Max, err = p.readUint32(); err != nil {
				return ed, err
			}
		case "COUNT":
			s.skipSpace()
			if ed.Count, err = p.readUint32(); err != nil {
				return ed, err
			}
		case "ALL":
			s.skipSpace()
			seqs, err := p.readSeqSet()
			if err != nil {
				return ed, err
			}
			ed.All = seqs
		}
	}
	s.readLine()
	return ed, nil
}

// readSeqSet reads an IMAP sequence-set (e.g. "1,3:5,9") and expands
// it into individual sequence numbers. It does not accept "*".
func (p *Parser) readSeqSet() ([]uint32, error) {
	s := p.s
	var out []uint32
	for {
		lo, err := p.readUint32()
		if err != nil {
			return nil, err
		}
		hi := lo
		b, err := s.peekChar()
		if err == nil && b == ':' {
			s.readChar()
			hi, err = p.readUint32()
			if err != nil {
				return nil, err
			}
		}
		for n := lo; n <= hi; n++ {
			out = append(out, n)
		}
		b, err = s.peekChar()
		if err != nil || b != ',' {
			break
		}
		s.readChar()
	}
	return out, nil
}

func (p *Parser) parseFetchData(seqNum uint32) (FetchData, error) {
	s := p.s
	fd := FetchData{SeqNum: seqNum}
	s.skipSpace()
	if _, err := s.readChar(); err != nil { // '('
		return fd, err
	}
	for {
		s.skipSpace()
		b, err := s.peekChar()
		if err != nil {
			return fd, err
		}
		if b == ')' {
			s.readChar()
			break
		}
		item, err := s.readFetchItemName()
		if err != nil {
			return fd, err
		}
		s.skipSpace()
		switch {
		case strings.EqualFold(item, "UID"):
			if fd.UID, err = p.readUint32(); err != nil {
				return fd, err
			}
		case strings.EqualFold(item, "FLAGS"):
			if fd.Flags, err = s.readParenList(); err != nil {
				return fd, err
			}
		case strings.EqualFold(item, "RFC822.SIZE"):
			if fd.RFC822Size, err = p.readUint32(); err != nil {
				return fd, err
			}
			fd.HasRFC822Size = true
		case strings.EqualFold(item, "MODSEQ"):
			s.readChar() // '('
			if fd.ModSeq, err = p.readUint64(); err != nil {
				return fd, err
			}
			s.readChar() // ')'
			fd.HasModSeq = true
		case strings.EqualFold(item, "ENVELOPE"):
			raw, err := p.readBalancedParenGroup()
			if err != nil {
				return fd, err
			}
			fd.Envelope = raw
		case isFetchBodySectionItem(item):
			bsec, _ := fetchBodySection(item)
			s.skipSpace()
			lit, err := s.readLargeLiteral(largeLiteralThreshold)
			if err != nil {
				return fd, err
			}
			if fd.BodySections == nil {
				fd.BodySections = make(map[string][]byte)
			}
			fd.BodySections[bsec] = lit
		case strings.EqualFold(item, "BODYSTRUCTURE") || strings.EqualFold(item, "BODY"):
			raw, err := p.readBalancedParenGroup()
			if err != nil {
				return fd, err
			}
			fd.BodyStructure = raw
		case strings.EqualFold(item, "INTERNALDATE"):
			date, err := s.readAstring()
			if err != nil {
				return fd, err
			}
			fd.HasInternal = true
			_ = date // internal date parsing is handled by the caller from the raw string
		default:
			// Skip one value of unknown shape: a paren group, a
			// literal, or an atom.
			b, err := s.peekChar()
			if err != nil {
				return fd, err
			}
			switch b {
			case '(':
				if _, err := p.readBalancedParenGroup(); err != nil {
					return fd, err
				}
			case '{':
				if _, err := s.readLiteral(); err != nil {
					return fd, err
				}
			default:
				if _, err := s.readAstring(); err != nil {
					return fd, err
				}
			}
		}
	}
	s.readLine()
	return fd, nil
}

// isFetchBodySectionItem reports whether item names a BODY[...] fetch
// attribute (as opposed to the bare BODYSTRUCTURE/BODY shape).
func isFetchBodySectionItem(item string) bool {
	return strings.HasPrefix(strings.ToUpper(item), "BODY[")
}

// fetchBodySection reports whether item is a "BODY[...]" fetch item
// (as opposed to the bare BODYSTRUCTURE/BODY shape), returning its
// section spec.
func fetchBodySection(item string) (section string, ok bool) {
	if !strings.HasPrefix(strings.ToUpper(item), "BODY[") {
		return "", false
	}
	end := strings.IndexByte(item, ']')
	if end < 0 {
		return "", false
	}
	return item[len("BODY["):end], true
}

// readBalancedParenGroup reads a parenthesized group — possibly
// containing nested groups, quoted strings, literals and NILs — and
// returns its raw bytes including the enclosing parens, without
// interpreting its structure. ENVELOPE and BODYSTRUCTURE are carried
// this way: their structure is the MIME body decoder's concern, out
// of scope here per spec.md §1.
func (p *Parser) readBalancedParenGroup() ([]byte, error) {
	s := p.s
	var out []byte
	depth := 0
	for {
		b, err := s.peekChar()
		if err != nil {
			return nil, err
		}
		switch b {
		case '(':
			s.readChar()
			out = append(out, b)
			depth++
		case ')':
			s.readChar()
			out = append(out, b)
			depth--
			if depth == 0 {
				return out, nil
			}
		case '"':
			qs, err := s.readQuotedString()
			if err != nil {
				return nil, err
			}
			out = append(out, '"')
			out = append(out, qs...)
			out = append(out, '"')
		case '{':
			lit, err := s.readLiteral()
			if err != nil {
				return nil, err
			}
			out = append(out, lit...)
		default:
			s.readChar()
			out = append(out, b)
		}
	}
}

func isDigit(b byte) bool { return b >= '0' && b <= '9' }

func rawLine(prefix, rest string) []byte {
	if rest == "" {
		return []byte(prefix)
	}
	return []byte(prefix + " " + rest)
}
