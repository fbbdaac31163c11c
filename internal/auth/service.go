// Package auth はログインフロー、セッションの認証判定、IdPクライアントを提供する。
package auth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"time"

	"github.com/hitoshi/poglygate/internal/model"
	"github.com/hitoshi/poglygate/internal/repository"
)

// NameSanitizer はIdPから受け取った表示名を正規化する。
// security.DisplayNameSanitizerが満たす。
type NameSanitizer interface {
	Sanitize(name string) string
}

// ServiceConfig はログインサービスの設定。
type ServiceConfig struct {
	SessionMaxAge int // セッション有効期間（秒）
}

// Service はログイン・ログアウトのビジネスロジックを提供する。
type Service struct {
	provider    IdentityProvider
	credentials repository.CredentialStore
	sessions    repository.SessionRepository
	sanitizer   NameSanitizer
	config      ServiceConfig
	now         func() time.Time
}

// NewService はServiceを生成する。
func NewService(
	provider IdentityProvider,
	credentials repository.CredentialStore,
	sessions repository.SessionRepository,
	sanitizer NameSanitizer,
	config ServiceConfig,
) *Service {
	return &Service{
		provider:    provider,
		credentials: credentials,
		sessions:    sessions,
		sanitizer:   sanitizer,
		config:      config,
		now:         time.Now,
	}
}

// GetLoginURL はIdPの認可URLを生成する。
func (s *Service) GetLoginURL(state, redirectURL string) string {
	return s.provider.AuthCodeURL(state, redirectURL)
}

// HandleCallback はOAuthコールバックを処理し、セッションを発行する。
// アップストリームトークンが未発行のユーザーは、後からプロビジョニングできるよう
// トークンなしの資格情報レコードを作成し、ErrUserUnprovisionedを返す。
func (s *Service) HandleCallback(ctx context.Context, code, redirectURL string) (*model.Session, error) {
	// 1. 認可コードをトークンに交換
	token, err := s.provider.Exchange(ctx, code, redirectURL)
	if err != nil {
		return nil, fmt.Errorf("failed to exchange oauth code: %w", err)
	}

	// 2. ユーザー情報を取得
	info, err := s.provider.UserInfo(ctx, token.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch user info: %w", err)
	}

	username := s.sanitizer.Sanitize(info.Username)
	if username == "" {
		username = info.Subject
	}

	// 3. 資格情報を確認し、ユーザー名を書き戻す
	record, err := s.credentials.Get(ctx, info.Subject)
	if err != nil {
		return nil, fmt.Errorf("failed to get credential: %w", err)
	}
	if err := s.credentials.UpdateUsername(ctx, info.Subject, username); err != nil {
		return nil, fmt.Errorf("failed to store username: %w", err)
	}
	if !record.Provisioned() {
		slog.Info("user not provisioned",
			slog.String("user_id", info.Subject),
			slog.String("username", username),
		)
		return nil, fmt.Errorf("user %s: %w", info.Subject, model.ErrUserUnprovisioned)
	}

	// 4. セッションを発行
	session, err := s.createSession(ctx, info.Subject, username, record.UpstreamToken, token)
	if err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}

	slog.Info("authenticated",
		slog.String("user_id", session.UserID),
		slog.String("username", session.Username),
	)
	return session, nil
}

// Logout はセッションを破棄する。
func (s *Service) Logout(ctx context.Context, sessionID string) error {
	if sessionID == "" {
		return fmt.Errorf("session ID is required")
	}

	if err := s.sessions.DeleteByID(ctx, sessionID); err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}

	slog.Info("user logged out", slog.String("session_id", sessionID))
	return nil
}

// createSession はセッションを作成し永続化する。
func (s *Service) createSession(ctx context.Context, userID, username, upstreamToken string, token *model.ProviderToken) (*model.Session, error) {
	sessionID, err := generateSessionID()
	if err != nil {
		return nil, fmt.Errorf("failed to generate session ID: %w", err)
	}

	now := s.now()
	session := &model.Session{
		ID:            sessionID,
		UserID:        userID,
		Username:      username,
		UpstreamToken: upstreamToken,
		ProviderToken: token,
		ValidatedAt:   now,
		ExpiresAt:     now.Add(time.Duration(s.config.SessionMaxAge) * time.Second),
		CreatedAt:     now,
	}

	if err := s.sessions.Create(ctx, session); err != nil {
		return nil, fmt.Errorf("failed to save session: %w", err)
	}

	return session, nil
}

// generateSessionID は暗号的に安全なセッションIDを生成する。
func generateSessionID() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
