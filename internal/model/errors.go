// Package model はドメインモデルを定義する。
package model

import (
	"errors"
	"fmt"
)

// APIError は統一エラーフォーマットを表す。
// UIに表示する原因カテゴリと対処方法を含む。
type APIError struct {
	Code     string // エラーコード
	Message  string // エラーメッセージ
	Category string // カテゴリ: auth, validation, upstream, system
	Action   string // ユーザー向け対処方法
}

// Error はerrorインターフェースを実装する。
func (e *APIError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap はエラーコードに対応する分類エラーを返す。
// errors.Is(apiErr, ErrPolicyRejected) のように判定できる。
func (e *APIError) Unwrap() error {
	switch e.Code {
	case ErrCodePolicyRejected:
		return ErrPolicyRejected
	case ErrCodeUpstreamUnavailable:
		return ErrUpstreamUnavailable
	case ErrCodeUpstreamError:
		return ErrUpstreamError
	case ErrCodeUserUnprovisioned:
		return ErrUserUnprovisioned
	}
	return nil
}

// エラー分類。認証系はSession Manager内で解決され、クライアントには401として現れる。
var (
	ErrAuthExpired         = errors.New("provider credential expired")
	ErrAuthInvalid         = errors.New("provider credential invalid")
	ErrUserUnprovisioned   = errors.New("user not provisioned")
	ErrUpstreamUnavailable = errors.New("upstream unavailable")
	ErrUpstreamError       = errors.New("upstream error")
	ErrPolicyRejected      = errors.New("policy rejected")
)

// 定義済みエラーコード
const (
	ErrCodeUnauthorized        = "UNAUTHORIZED"
	ErrCodePolicyRejected      = "POLICY_REJECTED"
	ErrCodeUpstreamUnavailable = "UPSTREAM_UNAVAILABLE"
	ErrCodeUpstreamError       = "UPSTREAM_ERROR"
	ErrCodeUserUnprovisioned   = "USER_UNPROVISIONED"
	ErrCodeAuthFailed          = "AUTH_FAILED"
)

// NewUnauthorizedError は未認証エラーを生成する。
func NewUnauthorizedError() *APIError {
	return &APIError{
		Code:     ErrCodeUnauthorized,
		Message:  "ログインが必要です。",
		Category: "auth",
		Action:   "/login/twitch からログインし直してください。",
	}
}

// NewPolicyRejectedError はモジュール・ドメイン検証エラーを生成する。
func NewPolicyRejectedError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodePolicyRejected,
		Message:  fmt.Sprintf("リクエストが許可されていません: %s", reason),
		Category: "validation",
		Action:   "module と domain のクエリパラメータを確認してください。",
	}
}

// NewUpstreamUnavailableError はアップストリーム接続失敗エラーを生成する。
// 詳細はログのみに記録し、クライアントには返さない。
func NewUpstreamUnavailableError() *APIError {
	return &APIError{
		Code:     ErrCodeUpstreamUnavailable,
		Message:  "アップストリームサーバーに接続できませんでした。",
		Category: "upstream",
		Action:   "しばらく待ってから再度お試しください。",
	}
}

// NewUpstreamError はアップストリーム応答の転送失敗エラーを生成する。
func NewUpstreamError() *APIError {
	return &APIError{
		Code:     ErrCodeUpstreamError,
		Message:  "アップストリームからの応答を転送できませんでした。",
		Category: "upstream",
		Action:   "しばらく待ってから再度お試しください。",
	}
}

// NewUserUnprovisionedError はアップストリームトークン未発行エラーを生成する。
func NewUserUnprovisionedError() *APIError {
	return &APIError{
		Code:     ErrCodeUserUnprovisioned,
		Message:  "このアカウントはまだ利用登録されていません。",
		Category: "auth",
		Action:   "管理者に利用登録を依頼してください。",
	}
}

// NewAuthFailedError はログイン処理の失敗エラーを生成する。
func NewAuthFailedError() *APIError {
	return &APIError{
		Code:     ErrCodeAuthFailed,
		Message:  "認証に失敗しました。",
		Category: "auth",
		Action:   "もう一度ログインしてください。",
	}
}
