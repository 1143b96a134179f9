package mailcore

import "testing"

func TestHashEnvelopeStableAndOrderSensitive(t *testing.T) {
	a := HashEnvelope("a@x", []string{"b@x", "c@x"})
	b := HashEnvelope("a@x", []string{"b@x", "c@x"})
	if a != b {
		t.Fatal("same inputs should hash identically")
	}
	c := HashEnvelope("a@x", []string{"c@x", "b@x"})
	if a == c {
		t.Fatal("differently-ordered references should hash differently")
	}
}

func TestHashThreadNodeAndHashThreadDiffer(t *testing.T) {
	node := HashThreadNode("a@x")
	thread := HashThread("a@x")
	if uint64(node) == uint64(thread) {
		t.Fatal("node and thread hashes for the same message-id should not collide")
	}
}

func TestHashMailboxStableForSameName(t *testing.T) {
	a := HashMailbox("INBOX")
	b := HashMailbox("INBOX")
	if a != b {
		t.Fatal("same mailbox name should hash identically")
	}
	if a == HashMailbox("Sent") {
		t.Fatal("different mailbox names should hash differently")
	}
}
