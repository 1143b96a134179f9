package envelope

import "testing"

func TestNormalizeSubjectStripsReplyAndForwardPrefixes(t *testing.T) {
	cases := []struct{ raw, want string }{
		{"Re: hello", "hello"},
		{"Fwd: Re: hello", "hello"},
		{"  Re:  Re:   multiple   spaces  ", "multiple spaces"},
		{"no prefix here", "no prefix here"},
		{"RE: case insensitive", "case insensitive"},
	}
	for _, c := range cases {
		if got := NormalizeSubject(c.raw); got != c.want {
			t.Errorf("NormalizeSubject(%q) = %q, want %q", c.raw, got, c.want)
		}
	}
}

func TestNewEnvelopeHashStableForSameInputs(t *testing.T) {
	a := NewEnvelope("a@x", []string{"b@x", "c@x"})
	b := NewEnvelope("a@x", []string{"b@x", "c@x"})
	if a.Hash != b.Hash {
		t.Fatal("same message-id/references should hash identically")
	}
	c := NewEnvelope("a@x", []string{"c@x", "b@x"})
	if a.Hash == c.Hash {
		t.Fatal("differently-ordered references should hash differently")
	}
}

func TestAppendReferenceIsAppendOnlyAndDeduplicates(t *testing.T) {
	e := NewEnvelope("a@x", []string{"b@x"})
	e.AppendReference("c@x")
	e.AppendReference("b@x") // already present
	if len(e.References) != 2 {
		t.Fatalf("References = %v, want 2 entries", e.References)
	}
}

func TestNewEnvelopeFromHeaderParsesAddressesAndReferences(t *testing.T) {
	h := Header{
		MessageID:  "<a@x>",
		InReplyTo:  "<parent@x>",
		References: "<root@x> <parent@x>",
		Subject:    "Re: =?UTF-8?Q?caf=C3=A9?=",
		From:       `"Alice Example" <alice@x.com>`,
		To:         "bob@x.com, carol@x.com",
	}
	e, err := NewEnvelopeFromHeader(h)
	if err != nil {
		t.Fatalf("NewEnvelopeFromHeader: %v", err)
	}
	if e.MessageID != "<a@x>" {
		t.Fatalf("MessageID = %q", e.MessageID)
	}
	if len(e.References) != 2 || e.References[0] != "<root@x>" || e.References[1] != "<parent@x>" {
		t.Fatalf("References = %v", e.References)
	}
	if e.SubjectNormalized != "café" {
		t.Fatalf("SubjectNormalized = %q, want %q", e.SubjectNormalized, "café")
	}
	if len(e.From) != 1 || e.From[0].Name != "Alice Example" || e.From[0].Addr != "alice@x.com" {
		t.Fatalf("From = %+v", e.From)
	}
	if len(e.To) != 2 || e.To[0].Addr != "bob@x.com" || e.To[1].Addr != "carol@x.com" {
		t.Fatalf("To = %+v", e.To)
	}
}

func TestNewEnvelopeFromHeaderRejectsMalformedMessageID(t *testing.T) {
	_, err := NewEnvelopeFromHeader(Header{MessageID: "not-an-addr-spec no-at-sign"})
	if err == nil {
		t.Fatal("expected an error for a malformed Message-ID")
	}
}

func TestSetSubjectDecodesThenNormalizes(t *testing.T) {
	e := NewEnvelope("a@x", nil)
	e.SetSubject("Re: =?UTF-8?Q?caf=C3=A9?= meeting")
	if e.SubjectRaw != "café meeting" {
		t.Fatalf("SubjectRaw = %q, want %q", e.SubjectRaw, "café meeting")
	}
	if e.SubjectNormalized != "café meeting" {
		t.Fatalf("SubjectNormalized = %q, want %q", e.SubjectNormalized, "café meeting")
	}
}
