package errs

import (
	"errors"
	"fmt"
	"testing"
)

func TestKindOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"direct", New(NotFound, "missing"), NotFound},
		{"wrapped", fmt.Errorf("outer: %w", New(Conflict, "taken")), Conflict},
		{"plain error", errors.New("boom"), Internal},
		{"wrap carries kind", Wrap(Unavailable, "kv down", errors.New("dial")), Unavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := KindOf(tt.err); got != tt.want {
				t.Errorf("KindOf() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestIs(t *testing.T) {
	err := New(Forbidden, "nope")
	if !Is(err, Forbidden) {
		t.Error("Is() should match the error's kind")
	}
	if Is(err, NotFound) {
		t.Error("Is() should not match a different kind")
	}
	if Is(nil, Internal) {
		t.Error("Is(nil) should be false")
	}
}

func TestMessageHidesInternalDetail(t *testing.T) {
	if got := Message(errors.New("sql: database locked")); got != "internal server error" {
		t.Errorf("unclassified error leaked: %q", got)
	}
	if got := Message(Wrap(Internal, "store message", errors.New("disk full"))); got != "store message" {
		t.Errorf("Message() = %q, want wrapped msg only", got)
	}
}

func TestUnwrap(t *testing.T) {
	inner := errors.New("inner")
	err := Wrap(Internal, "outer", inner)
	if !errors.Is(err, inner) {
		t.Error("wrapped error should unwrap to the inner error")
	}
}

func TestErrorString(t *testing.T) {
	if got := New(NotFound, "missing").Error(); got != "missing" {
		t.Errorf("Error() = %q", got)
	}
	err := Wrap(Internal, "load", errors.New("io"))
	if got := err.Error(); got != "load: io" {
		t.Errorf("Error() = %q", got)
	}
}
