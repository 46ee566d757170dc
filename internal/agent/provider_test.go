package agent

import (
	"errors"
	"fmt"
	"testing"
)

func TestTransientTrueOnlyForClassifiedTransientErrors(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"plain error", errors.New("boom"), false},
		{"classified fatal", &ClassifiedError{Kind: ErrorFatal, Err: errors.New("bad")}, false},
		{"classified transient", &ClassifiedError{Kind: ErrorTransient, Err: errors.New("timeout")}, true},
		{"wrapped transient", fmt.Errorf("round 1: %w", &ClassifiedError{Kind: ErrorTransient, Err: errors.New("timeout")}), true},
	}
	for _, c := range cases {
		if got := Transient(c.err); got != c.want {
			t.Errorf("%s: Transient = %v, want %v", c.name, got, c.want)
		}
	}
}

func TestClassifiedErrorUnwrap(t *testing.T) {
	inner := errors.New("inner")
	ce := &ClassifiedError{Kind: ErrorTransient, Err: inner}
	if !errors.Is(ce, inner) {
		t.Fatalf("errors.Is(ce, inner) = false, want true")
	}
}
