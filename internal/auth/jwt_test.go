package auth

import (
	"testing"
	"time"
)

func TestIssueAndParse(t *testing.T) {
	tokens, err := Issue("gate-1", "reader", "rfid-attendance", "secret", time.Minute, time.Hour)
	if err != nil {
		t.Fatal(err)
	}

	claims, err := Parse(tokens.AccessToken, "secret", "rfid-attendance")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if claims.Subject != "gate-1" || claims.Role != "reader" {
		t.Errorf("claims = %+v", claims)
	}

	if _, err := Parse(tokens.AccessToken, "wrong-key", "rfid-attendance"); err == nil {
		t.Error("token accepted with wrong key")
	}
	if _, err := Parse(tokens.AccessToken, "secret", "someone-else"); err == nil {
		t.Error("token accepted with wrong issuer")
	}
}
