package imapresp

import (
	"bufio"
	"reflect"
	"strings"
	"testing"
)

func parseOne(t *testing.T, input string) *Reply {
	t.Helper()
	p := NewParser(bufio.NewReader(strings.NewReader(input)), nil)
	r, err := p.ParseReply()
	if err != nil {
		t.Fatalf("ParseReply(%q): %v", input, err)
	}
	return r
}

func TestParseTagged(t *testing.T) {
	r := parseOne(t, "M1 OK done\r\n")
	if r.Kind != KindOk || r.Tag != "M1" || r.Text != "done" {
		t.Fatalf("got %+v", r)
	}
}

func TestParseTaggedWithCode(t *testing.T) {
	r := parseOne(t, "M3 OK [READ-WRITE] SELECT completed\r\n")
	if r.Kind != KindOk || r.Code != "READ-WRITE" || r.Text != "SELECT completed" {
		t.Fatalf("got %+v", r)
	}
}

func TestParseTaggedNoBad(t *testing.T) {
	r := parseOne(t, "M2 NO [AUTHENTICATIONFAILED] bad creds\r\n")
	if r.Kind != KindNo || r.Code != "AUTHENTICATIONFAILED" {
		t.Fatalf("got %+v", r)
	}
	r = parseOne(t, "M4 BAD parse error\r\n")
	if r.Kind != KindBad {
		t.Fatalf("got %+v", r)
	}
}

func TestParseGreeting(t *testing.T) {
	r := parseOne(t, "* OK IMAP4rev1 ready\r\n")
	if r.Kind != KindUntaggedOk || r.Text != "IMAP4rev1 ready" {
		t.Fatalf("got %+v", r)
	}
	r = parseOne(t, "* PREAUTH already authenticated\r\n")
	if r.Kind != KindPreauth {
		t.Fatalf("got %+v", r)
	}
}

func TestParseBye(t *testing.T) {
	r := parseOne(t, "* BYE server going down\r\n")
	if r.Kind != KindUntaggedBye || r.Text != "server going down" {
		t.Fatalf("got %+v", r)
	}
}

func TestParseContinuation(t *testing.T) {
	r := parseOne(t, "+ idling\r\n")
	if r.Kind != KindContinuation || r.Text != "idling" {
		t.Fatalf("got %+v", r)
	}
}

func TestParseCapability(t *testing.T) {
	r := parseOne(t, "* CAPABILITY IMAP4rev1 AUTH=PLAIN IDLE\r\n")
	if r.Kind != KindCapability {
		t.Fatalf("got %+v", r)
	}
	want := []string{"IMAP4rev1", "AUTH=PLAIN", "IDLE"}
	if !reflect.DeepEqual(r.Capabilities, want) {
		t.Fatalf("Capabilities = %v, want %v", r.Capabilities, want)
	}
}

func TestParseExistsRecentExpunge(t *testing.T) {
	r := parseOne(t, "* 3 EXISTS\r\n")
	if r.Kind != KindExists || r.Num != 3 {
		t.Fatalf("got %+v", r)
	}
	r = parseOne(t, "* 1 RECENT\r\n")
	if r.Kind != KindRecent || r.Num != 1 {
		t.Fatalf("got %+v", r)
	}
	r = parseOne(t, "* 5 EXPUNGE\r\n")
	if r.Kind != KindExpunge || r.Num != 5 {
		t.Fatalf("got %+v", r)
	}
}

func TestParseFlags(t *testing.T) {
	r := parseOne(t, "* FLAGS (\\Seen \\Answered \\Deleted)\r\n")
	if r.Kind != KindFlags {
		t.Fatalf("got %+v", r)
	}
	want := []string{`\Seen`, `\Answered`, `\Deleted`}
	if !reflect.DeepEqual(r.Flags, want) {
		t.Fatalf("Flags = %v, want %v", r.Flags, want)
	}
}

func TestParseFetchBasic(t *testing.T) {
	r := parseOne(t, "* 3 FETCH (UID 42 FLAGS (\\Seen) RFC822.SIZE 1024)\r\n")
	if r.Kind != KindFetch || r.Num != 3 {
		t.Fatalf("got %+v", r)
	}
	fd := r.Fetch
	if fd.UID != 42 {
		t.Fatalf("UID = %d, want 42", fd.UID)
	}
	if !reflect.DeepEqual(fd.Flags, []string{`\Seen`}) {
		t.Fatalf("Flags = %v", fd.Flags)
	}
	if !fd.HasRFC822Size || fd.RFC822Size != 1024 {
		t.Fatalf("RFC822Size = %+v", fd)
	}
}

func TestParseFetchBodySection(t *testing.T) {
	input := "* 1 FETCH (UID 7 BODY[TEXT] {5}\r\nhello)\r\n"
	r := parseOne(t, input)
	if r.Kind != KindFetch {
		t.Fatalf("got %+v", r)
	}
	got := r.Fetch.BodySections["TEXT"]
	if string(got) != "hello" {
		t.Fatalf("BodySections[TEXT] = %q, want %q", got, "hello")
	}
}

func TestParseFetchModSeq(t *testing.T) {
	r := parseOne(t, "* 2 FETCH (MODSEQ (624868915))\r\n")
	if !r.Fetch.HasModSeq || r.Fetch.ModSeq != 624868915 {
		t.Fatalf("got %+v", r.Fetch)
	}
}

func TestParseFetchEnvelopeOpaque(t *testing.T) {
	input := `* 1 FETCH (ENVELOPE ("date" "subject" NIL NIL NIL NIL NIL NIL NIL "msgid"))` + "\r\n"
	r := parseOne(t, input)
	if r.Fetch.Envelope == nil {
		t.Fatalf("Envelope not captured: %+v", r.Fetch)
	}
	if !strings.HasPrefix(string(r.Fetch.Envelope), "(") || !strings.HasSuffix(string(r.Fetch.Envelope), ")") {
		t.Fatalf("Envelope raw bytes = %q, want balanced parens", r.Fetch.Envelope)
	}
}

func TestParseList(t *testing.T) {
	r := parseOne(t, `* LIST (\HasNoChildren) "/" "INBOX.Sent"`+"\r\n")
	if r.Kind != KindList {
		t.Fatalf("got %+v", r)
	}
	if r.List.Mailbox != "INBOX.Sent" || r.List.Delimiter != '/' {
		t.Fatalf("got %+v", r.List)
	}
	if !reflect.DeepEqual(r.List.Attrs, []string{`\HasNoChildren`}) {
		t.Fatalf("Attrs = %v", r.List.Attrs)
	}
}

func TestParseSearch(t *testing.T) {
	r := parseOne(t, "* SEARCH 2 84 882\r\n")
	if r.Kind != KindSearch {
		t.Fatalf("got %+v", r)
	}
	if !reflect.DeepEqual(r.SearchIDs, []uint32{2, 84, 882}) {
		t.Fatalf("SearchIDs = %v", r.SearchIDs)
	}
}

func TestParseEsearch(t *testing.T) {
	r := parseOne(t, "* ESEARCH (TAG \"A1\") UID MIN 1 MAX 10 COUNT 3 ALL 1,3:5\r\n")
	if r.Kind != KindEsearch {
		t.Fatalf("got %+v", r)
	}
	e := r.ESearch
	if e.Tag != "A1" || !e.UID || e.Min != 1 || e.Max != 10 || e.Count != 3 {
		t.Fatalf("got %+v", e)
	}
	if !reflect.DeepEqual(e.All, []uint32{1, 3, 4, 5}) {
		t.Fatalf("All = %v", e.All)
	}
}

func TestParseStatus(t *testing.T) {
	r := parseOne(t, "* STATUS INBOX (MESSAGES 231 UIDNEXT 44292 UIDVALIDITY 38 UNSEEN 5 HIGHESTMODSEQ 17)\r\n")
	if r.Kind != KindStatus {
		t.Fatalf("got %+v", r)
	}
	sd := r.Status
	if sd.Mailbox != "INBOX" || sd.Messages != 231 || sd.UIDNext != 44292 ||
		sd.UIDValidity != 38 || sd.Unseen != 5 || sd.HighestModSeq != 17 {
		t.Fatalf("got %+v", sd)
	}
}

func TestParseUnknownUntaggedPassesThrough(t *testing.T) {
	r := parseOne(t, "* VANISHED (EARLIER) 1:5\r\n")
	if r.Kind != KindUnknownUntagged {
		t.Fatalf("got %+v", r)
	}
	if !strings.Contains(string(r.Raw), "VANISHED") {
		t.Fatalf("Raw = %q, want VANISHED preserved", r.Raw)
	}
}

func TestParseMultipleRepliesInSequence(t *testing.T) {
	input := "* CAPABILITY IMAP4rev1 AUTH=PLAIN\r\nM1 OK done\r\n"
	p := NewParser(bufio.NewReader(strings.NewReader(input)), nil)

	r1, err := p.ParseReply()
	if err != nil {
		t.Fatalf("first ParseReply: %v", err)
	}
	if r1.Kind != KindCapability {
		t.Fatalf("first reply = %+v", r1)
	}

	r2, err := p.ParseReply()
	if err != nil {
		t.Fatalf("second ParseReply: %v", err)
	}
	if r2.Kind != KindOk || r2.Tag != "M1" {
		t.Fatalf("second reply = %+v", r2)
	}
}

func TestRequiredResponsesMatches(t *testing.T) {
	req := RequireFetch | RequireExists
	if !req.Matches(KindFetch) {
		t.Fatal("want RequireFetch to match KindFetch")
	}
	if !req.Matches(KindExists) {
		t.Fatal("want RequireExists to match KindExists")
	}
	if req.Matches(KindCapability) {
		t.Fatal("want RequireFetch|RequireExists not to match KindCapability")
	}
}
