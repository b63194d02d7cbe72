package errs

import (
	"errors"
	"fmt"
	"testing"
)

func TestWrapNilReturnsNil(t *testing.T) {
	if err := Wrap(Transient, "anything", nil); err != nil {
		t.Fatalf("Wrap(_, _, nil) = %v, want nil", err)
	}
}

func TestIsMatchesOwnKind(t *testing.T) {
	err := New(Malformed, "bad input")
	if !Is(err, Malformed) {
		t.Fatalf("Is(err, Malformed) = false, want true")
	}
	if Is(err, Transient) {
		t.Fatalf("Is(err, Transient) = true, want false")
	}
}

func TestIsWalksWrappedChain(t *testing.T) {
	inner := New(SourceCorruption, "disk bad")
	outer := Wrap(Transient, "retry failed", inner)
	if !Is(outer, Transient) {
		t.Fatalf("Is(outer, Transient) = false, want true")
	}
	if !Is(outer, SourceCorruption) {
		t.Fatalf("Is(outer, SourceCorruption) = false, want true")
	}
}

func TestIsFalseForPlainError(t *testing.T) {
	if Is(errors.New("plain"), Transient) {
		t.Fatalf("Is(plain error, Transient) = true, want false")
	}
	if Is(nil, Transient) {
		t.Fatalf("Is(nil, Transient) = true, want false")
	}
}

func TestErrorStringIncludesCause(t *testing.T) {
	cause := errors.New("disk full")
	err := Wrap(ResourceExhausted, "commit", cause)
	msg := err.Error()
	if msg == "" {
		t.Fatalf("Error() returned empty string")
	}
	if got := fmt.Sprintf("%v", err); got != msg {
		t.Fatalf("Error() inconsistent with Sprintf: %q vs %q", got, msg)
	}
}

func TestUnwrapReturnsCause(t *testing.T) {
	cause := errors.New("boom")
	err := Wrap(Transient, "op", cause)
	var target *Error
	if !errors.As(err, &target) {
		t.Fatalf("errors.As failed to find *Error")
	}
	if !errors.Is(err, cause) {
		t.Fatalf("errors.Is(err, cause) = false, want true")
	}
}

func TestExitCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"nil success", nil, 0},
		{"transient", New(Transient, "io"), 3},
		{"source corruption", New(SourceCorruption, "bad catalog"), 4},
		{"derived corruption", New(DerivedCorruption, "bad index"), 4},
		{"malformed", New(Malformed, "bad arg"), 2},
		{"policy refusal", New(PolicyRefusal, "consent"), 2},
		{"plain error", errors.New("?"), 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ExitCode(tt.err); got != tt.want {
				t.Errorf("ExitCode(%v) = %d, want %d", tt.err, got, tt.want)
			}
		})
	}
}
