package im

import (
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func TestJWTVerifier(t *testing.T) {
	v := JWTVerifier{Secret: testSecret}
	tok := signToken(t, "alice", time.Now().Add(time.Hour))

	if err := v.Verify("alice", tok); err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if sub, err := v.Subject(tok); err != nil || sub != "alice" {
		t.Fatalf("Subject = %q, %v", sub, err)
	}
	if err := v.Verify("bob", tok); !errors.Is(err, ErrTokenSubject) {
		t.Fatalf("subject mismatch err = %v", err)
	}
	if err := (JWTVerifier{Secret: []byte("other")}).Verify("alice", tok); err == nil {
		t.Fatalf("token signed with another secret accepted")
	}
}

func TestJWTVerifier_RejectsOtherAlgorithms(t *testing.T) {
	tok := jwt.NewWithClaims(jwt.SigningMethodHS512, &Claims{UserID: "alice"})
	s, err := tok.SignedString(testSecret)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if _, err := (JWTVerifier{Secret: testSecret}).Parse(s); err == nil {
		t.Fatalf("HS512 token accepted")
	}
}
