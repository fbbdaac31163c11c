// Package user はゲートウェイ利用者の登録管理を提供する。
package user

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/hitoshi/poglygate/internal/model"
	"github.com/hitoshi/poglygate/internal/repository"
)

// ErrUserNotFound は資格情報が存在しないユーザーを指定したことを表す。
var ErrUserNotFound = errors.New("user not found")

// SessionDeleter はユーザー単位のセッション一括削除インターフェース。
// repository.SessionRepository が満たす。
type SessionDeleter interface {
	DeleteByUserID(ctx context.Context, userID string) error
}

// Service は利用登録のサービス層。
// アップストリームトークンの発行と取り消しを提供する。
type Service struct {
	credentials repository.CredentialStore
	sessions    SessionDeleter
}

// NewService はServiceの新しいインスタンスを生成する。
func NewService(credentials repository.CredentialStore, sessions SessionDeleter) *Service {
	return &Service{
		credentials: credentials,
		sessions:    sessions,
	}
}

// Provision はユーザーにアップストリームトークンを登録する。
// usernameが空の場合は既存のユーザー名（ログイン時に記録されたもの）を維持する。
func (s *Service) Provision(ctx context.Context, userID, upstreamToken, username string) error {
	if userID == "" || upstreamToken == "" {
		return errors.New("user id and upstream token are required")
	}

	record := &model.CredentialRecord{
		UserID:        userID,
		Username:      username,
		UpstreamToken: upstreamToken,
	}
	if err := s.credentials.Put(ctx, record); err != nil {
		return fmt.Errorf("failed to provision user: %w", err)
	}

	slog.Info("user provisioned", slog.String("user_id", userID))
	return nil
}

// Revoke はユーザーのアップストリームトークンを取り消し、全セッションを削除する。
// 資格情報のレコードは残し、再登録できるようにする。
func (s *Service) Revoke(ctx context.Context, userID string) error {
	rec, err := s.credentials.Get(ctx, userID)
	if err != nil {
		return fmt.Errorf("failed to get credential: %w", err)
	}
	if rec == nil {
		return fmt.Errorf("%w: %s", ErrUserNotFound, userID)
	}

	// 1. トークンを未発行に戻す
	rec.UpstreamToken = ""
	if err := s.credentials.Put(ctx, rec); err != nil {
		return fmt.Errorf("failed to revoke upstream token: %w", err)
	}

	// 2. セッションを削除（次回のセッション検証を待たずにログアウトさせる）
	if s.sessions != nil {
		if err := s.sessions.DeleteByUserID(ctx, userID); err != nil {
			return fmt.Errorf("failed to delete sessions: %w", err)
		}
	}

	slog.Info("user revoked", slog.String("user_id", userID))
	return nil
}
