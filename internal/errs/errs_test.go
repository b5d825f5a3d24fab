package errs

import (
	"errors"
	"testing"
)

func TestWrapUnwrap(t *testing.T) {
	cause := errors.New("boom")
	e := Wrap(KindTransport, cause, "read failed on %s", "left")

	if !IsKind(e, KindTransport) {
		t.Fatalf("expected KindTransport, got %v", e.Kind())
	}
	if !errors.Is(e, cause) {
		t.Fatalf("expected errors.Is to unwrap to cause")
	}
	if e.Error() == "" {
		t.Fatal("expected non-empty error string")
	}
}

func TestIsKindFalseForPlainError(t *testing.T) {
	if IsKind(errors.New("plain"), KindConfig) {
		t.Fatal("plain error should not match any Kind")
	}
}
