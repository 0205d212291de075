package ferrors

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
		{"typed not found", New(NotFound, "agent missing"), NotFound},
		{"wrapped", fmt.Errorf("ctx: %w", New(Timeout, "deadline")), Timeout},
		{"plain error", errors.New("boom"), Internal},
		{"nil", nil, Internal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := KindOf(tt.err); got != tt.want {
				t.Errorf("KindOf() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestErrorIsSentinel(t *testing.T) {
	err := New(Conflict, "duplicate registration")
	if !errors.Is(err, ErrConflict) {
		t.Error("expected errors.Is to match same Kind sentinel")
	}
	if errors.Is(err, ErrNotFound) {
		t.Error("expected errors.Is to not match different Kind sentinel")
	}
}

func TestWrapUnwrap(t *testing.T) {
	cause := errors.New("db closed")
	err := Wrap(Internal, "persist failed", cause)
	if !errors.Is(err, cause) {
		t.Error("expected Unwrap to expose cause")
	}
}
