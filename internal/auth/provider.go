package auth

import (
	"context"

	"github.com/hitoshi/poglygate/internal/model"
)

// UserInfo はIdPのuserinfoエンドポイントから取得したユーザー情報を表す。
type UserInfo struct {
	Subject  string
	Username string
}

// TokenValidator はセッション検証時に使用するIdP呼び出しのインターフェース。
// Managerはこのインターフェースのみに依存する。
type TokenValidator interface {
	// Refresh はリフレッシュトークンで新しいトークンを取得する。
	// リフレッシュトークンが無効・期限切れの場合はエラーを返す。
	Refresh(ctx context.Context, token *model.ProviderToken) (*model.ProviderToken, error)
	// Introspect はアクセストークンがIdP上でまだ有効かを確認する。
	// 無効な場合はエラーを返す。
	Introspect(ctx context.Context, accessToken string) error
}

// IdentityProvider はログインフローで使用するIdPクライアントのインターフェース。
type IdentityProvider interface {
	TokenValidator
	// AuthCodeURL は認可エンドポイントのURLを生成する。
	AuthCodeURL(state, redirectURL string) string
	// Exchange は認可コードをトークンに交換する。
	Exchange(ctx context.Context, code, redirectURL string) (*model.ProviderToken, error)
	// UserInfo はアクセストークンでユーザー情報を取得する。
	UserInfo(ctx context.Context, accessToken string) (*UserInfo, error)
}
