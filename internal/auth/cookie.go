package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// cookieIssuer はセッションCookieのiss。他用途のJWTとの取り違えを防ぐ。
const cookieIssuer = "poglygate"

// ErrInvalidCookie は署名・有効期限・形式のいずれかが不正なCookieを表す。
var ErrInvalidCookie = errors.New("invalid session cookie")

// CookieSigner はセッションIDをHS256署名付きJWTとしてCookie値に変換する。
// サーバー側セッションの参照キーのみを運び、セッション内容は含めない。
type CookieSigner struct {
	key []byte
	now func() time.Time
}

// NewCookieSigner はCookieSignerを生成する。
func NewCookieSigner(secret string) *CookieSigner {
	return &CookieSigner{
		key: []byte(secret),
		now: time.Now,
	}
}

// Sign はセッションIDを署名済みCookie値に変換する。
func (s *CookieSigner) Sign(sessionID string, expiresAt time.Time) (string, error) {
	claims := jwt.RegisteredClaims{
		ID:        sessionID,
		Issuer:    cookieIssuer,
		IssuedAt:  jwt.NewNumericDate(s.now()),
		ExpiresAt: jwt.NewNumericDate(expiresAt),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.key)
	if err != nil {
		return "", fmt.Errorf("failed to sign session cookie: %w", err)
	}
	return signed, nil
}

// Verify は署名済みCookie値を検証し、セッションIDを返す。
func (s *CookieSigner) Verify(value string) (string, error) {
	claims := &jwt.RegisteredClaims{}
	_, err := jwt.ParseWithClaims(value, claims, func(_ *jwt.Token) (any, error) {
		return s.key, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(cookieIssuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidCookie, err)
	}
	if claims.ID == "" {
		return "", fmt.Errorf("%w: missing session id", ErrInvalidCookie)
	}
	return claims.ID, nil
}
