package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/hitoshi/poglygate/internal/model"
	"github.com/hitoshi/poglygate/internal/repository"
)

// DefaultRevalidateInterval はIdPへの再検証を行う既定の間隔。
const DefaultRevalidateInterval = 5 * time.Minute

// ResultRecorder は認証判定結果の記録先。metrics.Collectorが満たす。
type ResultRecorder interface {
	RecordAuthResult(state string)
}

type nopRecorder struct{}

func (nopRecorder) RecordAuthResult(string) {}

// ManagerConfig はSession Managerの設定。
type ManagerConfig struct {
	RevalidateInterval time.Duration
}

// Manager はリクエストごとの認証判定を行う。
// セッションに紐づくIdPトークンの検証・更新・破棄を担当し、
// IdPトークンをこのパッケージの外に公開しない。
type Manager struct {
	credentials repository.CredentialStore
	sessions    repository.SessionRepository
	validator   TokenValidator
	signer      *CookieSigner
	recorder    ResultRecorder
	config      ManagerConfig
	now         func() time.Time

	// 同一セッションへの並行なリフレッシュ・検証を1回にまとめる
	group singleflight.Group
}

// NewManager はManagerを生成する。recorderはnilでもよい。
func NewManager(
	credentials repository.CredentialStore,
	sessions repository.SessionRepository,
	validator TokenValidator,
	signer *CookieSigner,
	recorder ResultRecorder,
	config ManagerConfig,
) *Manager {
	if config.RevalidateInterval <= 0 {
		config.RevalidateInterval = DefaultRevalidateInterval
	}
	if recorder == nil {
		recorder = nopRecorder{}
	}
	return &Manager{
		credentials: credentials,
		sessions:    sessions,
		validator:   validator,
		signer:      signer,
		recorder:    recorder,
		config:      config,
		now:         time.Now,
	}
}

// Authenticate は署名付きCookie値からセッションを解決し、Checkを実行する。
// Cookieが空・署名不正・セッション不在の場合はUnauthenticatedを返す。
// エラーはストアへのアクセス失敗時のみ返し、その場合もUnauthenticatedとして扱う。
func (m *Manager) Authenticate(ctx context.Context, cookieValue string) (model.AuthResult, error) {
	if cookieValue == "" {
		return m.finish(model.AuthResult{State: model.AuthUnauthenticated}), nil
	}

	sessionID, err := m.signer.Verify(cookieValue)
	if err != nil {
		return m.finish(model.AuthResult{State: model.AuthUnauthenticated, Reason: err}), nil
	}

	session, err := m.sessions.FindByID(ctx, sessionID)
	if err != nil {
		return m.finish(model.AuthResult{State: model.AuthUnauthenticated, Reason: err}),
			fmt.Errorf("failed to load session: %w", err)
	}

	return m.Check(ctx, session)
}

// Check はセッションの認証状態を判定する。
//  1. セッションなし → Unauthenticated
//  2. 資格情報なし・トークン未発行 → セッション破棄、Invalidated
//  3. キャッシュしたアップストリームトークンが異なる → セッション側を更新して続行
//  4. IdPトークンなし → Unauthenticated（セッションは保持）
//  5. IdPトークン期限切れ → 1回だけリフレッシュ。失敗時は破棄してInvalidated
//  6. 前回検証から再検証間隔以上経過 → IdPで検証。失敗時は破棄してInvalidated
//  7. それ以外 → キャッシュ状態のままAuthenticated（IdP呼び出しなし）
//
// IdPのエラーはその場でリトライせず、常にセッション破棄として扱う。
func (m *Manager) Check(ctx context.Context, session *model.Session) (model.AuthResult, error) {
	// 1. セッションなし
	if session == nil {
		return m.finish(model.AuthResult{State: model.AuthUnauthenticated}), nil
	}

	// 2. 資格情報の確認
	record, err := m.credentials.Get(ctx, session.UserID)
	if err != nil {
		return m.finish(model.AuthResult{State: model.AuthUnauthenticated, Reason: err}),
			fmt.Errorf("failed to get credential: %w", err)
	}
	if !record.Provisioned() {
		slog.Info("user no longer provisioned",
			slog.String("user_id", session.UserID),
			slog.String("username", session.Username),
		)
		return m.invalidate(ctx, session, model.ErrUserUnprovisioned), nil
	}

	// 3. キャッシュの同期
	dirty := false
	if session.UpstreamToken != record.UpstreamToken {
		session.UpstreamToken = record.UpstreamToken
		dirty = true
	}
	if record.Username != "" && session.Username != record.Username {
		session.Username = record.Username
		dirty = true
	}

	// 4. IdPトークンなし
	if session.ProviderToken == nil {
		m.persist(ctx, session, dirty)
		return m.finish(model.AuthResult{State: model.AuthUnauthenticated}), nil
	}

	now := m.now()

	// 5. 期限切れトークンのリフレッシュ
	if session.ProviderToken.Expired(now) {
		token, err := m.refresh(ctx, session)
		if err != nil {
			slog.Warn("failed to refresh provider token",
				slog.String("user_id", session.UserID),
				slog.String("username", session.Username),
				slog.String("error", err.Error()),
			)
			return m.invalidate(ctx, session, errors.Join(model.ErrAuthExpired, model.ErrAuthInvalid)), nil
		}

		session.ProviderToken = token
		session.ValidatedAt = now
		m.persist(ctx, session, true)

		slog.Info("refreshed provider token",
			slog.String("user_id", session.UserID),
			slog.String("username", session.Username),
		)
		return m.finish(model.AuthResult{State: model.AuthAuthenticated, Session: session}), nil
	}

	// 6. 定期的な再検証
	if now.Sub(session.ValidatedAt) >= m.config.RevalidateInterval {
		if err := m.introspect(ctx, session); err != nil {
			slog.Warn("failed to validate provider token",
				slog.String("user_id", session.UserID),
				slog.String("username", session.Username),
				slog.String("error", err.Error()),
			)
			return m.invalidate(ctx, session, model.ErrAuthInvalid), nil
		}

		session.ValidatedAt = now
		m.persist(ctx, session, true)

		slog.Info("validated provider token",
			slog.String("user_id", session.UserID),
			slog.String("username", session.Username),
		)
		return m.finish(model.AuthResult{State: model.AuthAuthenticated, Session: session}), nil
	}

	// 7. キャッシュ状態で認証済み
	m.persist(ctx, session, dirty)
	return m.finish(model.AuthResult{State: model.AuthAuthenticated, Session: session}), nil
}

// Destroy はセッションを破棄する。ログアウトやセッション再生成で使用する。
func (m *Manager) Destroy(ctx context.Context, sessionID string) error {
	if err := m.sessions.DeleteByID(ctx, sessionID); err != nil {
		return fmt.Errorf("failed to destroy session: %w", err)
	}
	return nil
}

// refresh は同一セッションの並行リフレッシュを1回のIdP呼び出しにまとめる。
// 呼び出し元のキャンセルが他の待機者に波及しないよう、キャンセルを切り離したコンテキストで実行する。
func (m *Manager) refresh(ctx context.Context, session *model.Session) (*model.ProviderToken, error) {
	current := session.ProviderToken
	v, err, _ := m.group.Do("refresh:"+session.ID, func() (interface{}, error) {
		return m.validator.Refresh(context.WithoutCancel(ctx), current)
	})
	if err != nil {
		return nil, err
	}
	return v.(*model.ProviderToken), nil
}

// introspect は同一セッションの並行な再検証を1回のIdP呼び出しにまとめる。
func (m *Manager) introspect(ctx context.Context, session *model.Session) error {
	accessToken := session.ProviderToken.AccessToken
	_, err, _ := m.group.Do("introspect:"+session.ID, func() (interface{}, error) {
		return nil, m.validator.Introspect(context.WithoutCancel(ctx), accessToken)
	})
	return err
}

// invalidate はセッションを破棄してInvalidatedを返す。
// 破棄に失敗しても判定結果は変えない。
func (m *Manager) invalidate(ctx context.Context, session *model.Session, reason error) model.AuthResult {
	if err := m.sessions.DeleteByID(ctx, session.ID); err != nil {
		slog.Error("failed to destroy session",
			slog.String("user_id", session.UserID),
			slog.String("error", err.Error()),
		)
	}
	return m.finish(model.AuthResult{State: model.AuthInvalidated, Reason: reason})
}

// persist は変更があった場合のみセッションを保存する。
// 保存に失敗しても今回のリクエストはメモリ上の状態で続行する。
func (m *Manager) persist(ctx context.Context, session *model.Session, dirty bool) {
	if !dirty {
		return
	}
	if err := m.sessions.Update(ctx, session); err != nil {
		slog.Error("failed to persist session",
			slog.String("user_id", session.UserID),
			slog.String("error", err.Error()),
		)
	}
}

func (m *Manager) finish(result model.AuthResult) model.AuthResult {
	m.recorder.RecordAuthResult(string(result.State))
	return result
}
