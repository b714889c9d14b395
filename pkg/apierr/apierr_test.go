package apierr

import (
	"errors"
	"testing"
)

func TestCodeOf_Direct(t *testing.T) {
	err := NotFoundf("collection %q", "vault_a")
	if CodeOf(err) != NotFound {
		t.Fatalf("expected NotFound, got %s", CodeOf(err))
	}
}

func TestCodeOf_Wrapped(t *testing.T) {
	base := Conflictf("already running")
	wrapped := errors.New("handler failed") // plain error, no chain
	_ = wrapped
	outer := Wrap(Internal, "dispatch failed", base)
	if CodeOf(outer) != Internal {
		t.Fatalf("outer code should be its own, got %s", CodeOf(outer))
	}
}

func TestCodeOf_NonAPIError(t *testing.T) {
	if CodeOf(errors.New("boom")) != Internal {
		t.Fatalf("expected Internal fallback for plain error")
	}
}
