package authority

import (
	"errors"
	"testing"
	"time"
)

func TestVerifier_AcceptsSignedToken(t *testing.T) {
	token, err := NewSigner(testSecret, "").Sign("/settlements")
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}

	sub, err := NewVerifier(testSecret, "").Verify("Bearer " + token)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if sub != "/settlements" {
		t.Fatalf("subject = %q, want %q", sub, "/settlements")
	}
}

func TestVerifier_Rejects(t *testing.T) {
	good, _ := NewSigner(testSecret, "").Sign("s")
	otherIssuer, _ := NewSigner(testSecret, "someone-else").Sign("s")
	expiredSigner := NewSigner(testSecret, "")
	expiredSigner.now = func() time.Time { return time.Now().Add(-time.Hour) }
	expired, _ := expiredSigner.Sign("s")

	tests := []struct {
		name   string
		header string
		want   error
	}{
		{"empty", "", ErrMissingToken},
		{"no bearer prefix", good, ErrMissingToken},
		{"garbage", "Bearer not-a-token", ErrInvalidToken},
		{"wrong issuer", "Bearer " + otherIssuer, ErrInvalidToken},
		{"expired", "Bearer " + expired, ErrInvalidToken},
	}
	v := NewVerifier(testSecret, "")
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := v.Verify(tt.header); !errors.Is(err, tt.want) {
				t.Fatalf("Verify err = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestVerifier_VerifyTokenSeparatesIssuers(t *testing.T) {
	session, _ := NewSigner(testSecret, SessionIssuer).Sign(MatchHostSubject)
	server, _ := NewSigner(testSecret, DefaultIssuer).Sign(MatchHostSubject)
	v := NewVerifier(testSecret, SessionIssuer)

	sub, err := v.VerifyToken(session)
	if err != nil {
		t.Fatalf("VerifyToken: %v", err)
	}
	if sub != MatchHostSubject {
		t.Fatalf("subject = %q, want %q", sub, MatchHostSubject)
	}
	if _, err := v.VerifyToken(server); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("server token err = %v, want ErrInvalidToken", err)
	}
	if _, err := v.VerifyToken(""); !errors.Is(err, ErrMissingToken) {
		t.Fatalf("empty token err = %v, want ErrMissingToken", err)
	}
}
