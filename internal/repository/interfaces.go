// Package repository はデータ永続化のインターフェースを定義する。
package repository

import (
	"context"

	"github.com/hitoshi/poglygate/internal/model"
)

// SessionRepository はセッションデータの永続化インターフェース。
type SessionRepository interface {
	// Create はセッションを作成する。
	Create(ctx context.Context, session *model.Session) error
	// FindByID は指定IDのセッションを取得する。期限切れの場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.Session, error)
	// Update はセッションのキャッシュ内容（ユーザー名、アップストリームトークン、
	// IdPトークン、検証日時）を更新する。
	Update(ctx context.Context, session *model.Session) error
	// DeleteByID は指定IDのセッションを削除する。
	DeleteByID(ctx context.Context, id string) error
	// DeleteByUserID は指定ユーザーの全セッションを削除する。
	DeleteByUserID(ctx context.Context, userID string) error
	// DeleteExpired は期限切れのセッションを削除し、削除件数を返す。
	DeleteExpired(ctx context.Context) (int64, error)
}

// CredentialStore はユーザーIDごとのアップストリーム資格情報の永続化インターフェース。
type CredentialStore interface {
	// Get は指定ユーザーの資格情報を取得する。見つからない場合はnilを返す。
	Get(ctx context.Context, userID string) (*model.CredentialRecord, error)
	// Put は資格情報をUPSERTする。
	// UpstreamTokenが空の場合は未発行（NULL）として保存する。
	// Usernameが空の場合は既存のユーザー名を維持する。
	Put(ctx context.Context, record *model.CredentialRecord) error
	// UpdateUsername はユーザー名のみを更新する。レコードがない場合は
	// トークン未発行のレコードを作成する。
	UpdateUsername(ctx context.Context, userID, username string) error
}
