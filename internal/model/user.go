// Package model はドメインモデルを定義する。
package model

import "time"

// CredentialRecord はCredentialStoreが保持するユーザーごとの資格情報を表す。
// UpstreamTokenはプロビジョニングされるまで空文字列となる。
type CredentialRecord struct {
	UserID        string
	Username      string
	UpstreamToken string
	UpdatedAt     time.Time
}

// Provisioned はアップストリームトークンが発行済みかどうかを返す。
func (r *CredentialRecord) Provisioned() bool {
	return r != nil && r.UpstreamToken != ""
}

// ProviderToken はIdPが発行したアクセストークン・リフレッシュトークンの組。
// Session Managerの外には公開しない。
type ProviderToken struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token,omitempty"`
	TokenType    string    `json:"token_type,omitempty"`
	Expiry       time.Time `json:"expiry"`
}

// Expired はトークン自身の有効期限を基準に期限切れかどうかを判定する。
// Expiryがゼロ値のトークンは期限なしとして扱う。
func (t *ProviderToken) Expired(now time.Time) bool {
	if t.Expiry.IsZero() {
		return false
	}
	return !now.Before(t.Expiry)
}

// Session はサーバー側で保持するログインセッションを表す。
// 署名付きCookieのセッションIDで識別される。
type Session struct {
	ID            string
	UserID        string
	Username      string
	UpstreamToken string
	ProviderToken *ProviderToken
	ValidatedAt   time.Time
	ExpiresAt     time.Time
	CreatedAt     time.Time
}

// AuthState はSession Managerの判定結果。
type AuthState string

const (
	// AuthUnauthenticated はセッションが存在しない、または検証対象の資格情報がない状態。
	AuthUnauthenticated AuthState = "unauthenticated"
	// AuthAuthenticated は認証済みの状態。
	AuthAuthenticated AuthState = "authenticated"
	// AuthInvalidated はセッションが破棄された状態。
	AuthInvalidated AuthState = "invalidated"
)

// AuthResult はリクエストごとの認証判定結果。
// Authenticatedの場合のみSessionが設定される。
type AuthResult struct {
	State   AuthState
	Session *Session
	// Reason はInvalidatedになった原因（ErrUserUnprovisioned, ErrAuthInvalid 等）。
	Reason error
}

// Authenticated は認証済みかどうかを返す。
func (r AuthResult) Authenticated() bool {
	return r.State == AuthAuthenticated && r.Session != nil
}
