package authority

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	DefaultIssuer = "skirmish-server"
	// SessionIssuer はクライアントがゲームサーバーへ提示するセッショントークンの発行者
	SessionIssuer = "skirmish-session"
	// MatchHostSubject は試合イベントを送る権限を持つホストセッションの subject
	MatchHostSubject = "match-host"
	tokenTTL         = time.Minute
)

var (
	ErrMissingToken = errors.New("authority: missing bearer token")
	ErrInvalidToken = errors.New("authority: invalid token")
)

// Signer はゲームサーバーからリモートへのリクエストに付けるHS256トークンを発行します。
type Signer struct {
	secret []byte
	issuer string
	now    func() time.Time
}

func NewSigner(secret []byte, issuer string) *Signer {
	if issuer == "" {
		issuer = DefaultIssuer
	}
	return &Signer{secret: secret, issuer: issuer, now: time.Now}
}

func (s *Signer) Sign(subject string) (string, error) {
	now := s.now()
	claims := jwt.RegisteredClaims{
		Issuer:    s.issuer,
		Subject:   subject,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(tokenTTL)),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return token, nil
}

// Verifier は Signer が発行したトークンを検証します。
type Verifier struct {
	secret []byte
	issuer string
}

func NewVerifier(secret []byte, issuer string) *Verifier {
	if issuer == "" {
		issuer = DefaultIssuer
	}
	return &Verifier{secret: secret, issuer: issuer}
}

// Verify は Authorization ヘッダーの値を検証し、subject を返します。
func (v *Verifier) Verify(header string) (string, error) {
	raw, ok := strings.CutPrefix(header, "Bearer ")
	if !ok {
		return "", ErrMissingToken
	}
	return v.VerifyToken(raw)
}

// VerifyToken はヘッダーを伴わない生のトークンを検証し、subject を返します。
func (v *Verifier) VerifyToken(raw string) (string, error) {
	if raw == "" {
		return "", ErrMissingToken
	}
	claims := &jwt.RegisteredClaims{}
	_, err := jwt.ParseWithClaims(raw, claims, func(*jwt.Token) (any, error) {
		return v.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(v.issuer),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	return claims.Subject, nil
}
