package tokens

import (
	"testing"

	"vaultindex/pkg/apierr"
)

func TestIssueAndVerify(t *testing.T) {
	iss := NewIssuer([]byte("test-secret"))
	token, expiresIn, err := iss.Issue("vault_a")
	if err != nil {
		t.Fatalf("issue failed: %v", err)
	}
	if expiresIn != 300 {
		t.Fatalf("expected 300s ttl, got %d", expiresIn)
	}
	if err := iss.Verify(token, "vault_a"); err != nil {
		t.Fatalf("expected valid token to verify, got %v", err)
	}
}

func TestVerify_SingleUse(t *testing.T) {
	iss := NewIssuer([]byte("test-secret"))
	token, _, _ := iss.Issue("vault_a")

	if err := iss.Verify(token, "vault_a"); err != nil {
		t.Fatalf("first verify should succeed: %v", err)
	}
	err := iss.Verify(token, "vault_a")
	if apierr.CodeOf(err) != apierr.PreconditionFailed {
		t.Fatalf("expected precondition_failed on replay, got %v", err)
	}
}

func TestVerify_WrongCollection(t *testing.T) {
	iss := NewIssuer([]byte("test-secret"))
	token, _, _ := iss.Issue("vault_a")

	err := iss.Verify(token, "vault_b")
	if apierr.CodeOf(err) != apierr.PreconditionFailed {
		t.Fatalf("expected precondition_failed for mismatched collection, got %v", err)
	}
}

func TestVerify_TamperedSignatureRejected(t *testing.T) {
	issA := NewIssuer([]byte("secret-a"))
	issB := NewIssuer([]byte("secret-b"))

	token, _, _ := issA.Issue("vault_a")
	err := issB.Verify(token, "vault_a")
	if apierr.CodeOf(err) != apierr.PreconditionFailed {
		t.Fatalf("expected precondition_failed for token signed with different secret, got %v", err)
	}
}

func TestVerify_GarbageToken(t *testing.T) {
	iss := NewIssuer([]byte("secret"))
	err := iss.Verify("not-a-jwt", "vault_a")
	if apierr.CodeOf(err) != apierr.PreconditionFailed {
		t.Fatalf("expected precondition_failed for garbage token, got %v", err)
	}
}
