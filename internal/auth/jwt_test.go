package auth

import (
	"testing"
	"time"
)

func TestIssueParseRoundTrip(t *testing.T) {
	token, err := Issue("op-7", RoleOperator, "qrattend", "secret", time.Hour)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	claims, err := Parse(token.Value, "secret", "qrattend")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if claims.Subject != "op-7" {
		t.Fatalf("subject = %s, want op-7", claims.Subject)
	}
	if claims.Role != RoleOperator {
		t.Fatalf("role = %s, want %s", claims.Role, RoleOperator)
	}
	if claims.ID == "" {
		t.Fatal("token id not set")
	}
}

func TestParseRejectsBadInput(t *testing.T) {
	token, err := Issue("op-7", RoleOperator, "qrattend", "secret", time.Hour)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if _, err := Parse(token.Value, "wrong-key", "qrattend"); err == nil {
		t.Fatal("token accepted with wrong key")
	}
	if _, err := Parse(token.Value, "secret", "someone-else"); err == nil {
		t.Fatal("token accepted with wrong issuer")
	}

	expired, err := Issue("op-7", RoleOperator, "qrattend", "secret", -time.Minute)
	if err != nil {
		t.Fatalf("issue expired: %v", err)
	}
	if _, err := Parse(expired.Value, "secret", "qrattend"); err == nil {
		t.Fatal("expired token accepted")
	}
}
