package mailcore

import (
	"errors"
	"fmt"
	"testing"
)

func TestErrorFormatsWithAndWithoutRaw(t *testing.T) {
	base := errors.New("connection refused")
	e := Errorf(KindNetwork, "imapconn.Connect", base)
	if got := e.Error(); got != "mailcore: imapconn.Connect: connection refused" {
		t.Fatalf("Error() = %q", got)
	}
	e.WithRaw([]byte("* BYE too many connections\r\n"))
	if got := e.Error(); got == "mailcore: imapconn.Connect: connection refused" {
		t.Fatalf("Error() did not include raw bytes: %q", got)
	}
}

func TestErrorUnwrapReachesWrappedErr(t *testing.T) {
	base := errors.New("boom")
	e := Errorf(KindTimeout, "op", base)
	if !errors.Is(e, base) {
		t.Fatal("errors.Is should unwrap through *Error to base")
	}
}

func TestIsMatchesKindThroughWrapping(t *testing.T) {
	inner := Errorf(KindAuthentication, "imapconn.login", errors.New("rejected"))
	wrapped := fmt.Errorf("retry failed: %w", inner)
	if !Is(wrapped, KindAuthentication) {
		t.Fatal("Is should unwrap through fmt.Errorf wrapping to find the *Error's Kind")
	}
	if Is(wrapped, KindNetwork) {
		t.Fatal("Is should not match an unrelated Kind")
	}
}

func TestIsReturnsFalseForNonMailcoreError(t *testing.T) {
	if Is(errors.New("plain error"), KindNetwork) {
		t.Fatal("Is should return false for an error with no *Error in its chain")
	}
}

func TestWithRawCopiesBuffer(t *testing.T) {
	raw := []byte("* SEARCH 1 2 3")
	e := Errorf(KindProtocolError, "op", errors.New("bad")).WithRaw(raw)
	raw[0] = 'X'
	if e.Raw[0] == 'X' {
		t.Fatal("WithRaw should copy its input, not alias it")
	}
}
