// Package middleware はHTTPミドルウェアを提供する。
package middleware

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/hitoshi/poglygate/internal/model"
)

// SessionCookieName はゲートウェイのセッションCookie名。
// アップストリームへの転送時には取り除かれる。
const SessionCookieName = "poglygate_session"

// contextKey はコンテキストに値を格納するための型安全なキー。
type contextKey string

// sessionContextKey はリクエストコンテキストに認証済みセッションを格納するためのキー。
var sessionContextKey = contextKey("session")

// Authenticator はCookieの値からセッションの認証状態を判定する。
// auth.Managerが満たす。
type Authenticator interface {
	Authenticate(ctx context.Context, cookieValue string) (model.AuthResult, error)
}

// SessionResolver はCookieからセッションを解決し、コンテキストに注入する。
// 自身ではリクエストを拒否しない。拒否はルーティングポリシー側で判断する。
type SessionResolver struct {
	auth   Authenticator
	secure bool
}

// NewSessionResolver はSessionResolverを生成する。
// secureはCookie削除時のSecure属性に使う。
func NewSessionResolver(auth Authenticator, secure bool) *SessionResolver {
	return &SessionResolver{auth: auth, secure: secure}
}

// Resolve はセッションを解決し、認証済みの場合はセッションを格納したリクエストを返す。
// セッションが破棄された場合や署名が不正な場合はCookieを削除する。
// ストアの一時的なエラーではCookieを残し、未認証として扱う。
func (s *SessionResolver) Resolve(w http.ResponseWriter, r *http.Request) (*http.Request, model.AuthResult) {
	cookie, err := r.Cookie(SessionCookieName)
	if err != nil || cookie.Value == "" {
		return r, model.AuthResult{State: model.AuthUnauthenticated}
	}

	result, err := s.auth.Authenticate(r.Context(), cookie.Value)
	if err != nil {
		slog.Error("failed to authenticate session",
			slog.String("request_id", RequestIDFromContext(r.Context())),
			slog.String("error", err.Error()),
		)
		return r, model.AuthResult{State: model.AuthUnauthenticated, Reason: err}
	}

	if !result.Authenticated() {
		if result.State == model.AuthInvalidated || result.Reason != nil {
			ClearSessionCookie(w, s.secure)
		}
		return r, result
	}

	ctx := ContextWithSession(r.Context(), result.Session)
	return r.WithContext(ctx), result
}

// NewSessionMiddleware はセッションを解決し、未認証のリクエストには401を返すミドルウェアを返す。
// 認証済みセッションをリクエストコンテキストに注入する。
func NewSessionMiddleware(resolver *SessionResolver) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			r, result := resolver.Resolve(w, r)
			if !result.Authenticated() {
				WriteErrorResponse(w, http.StatusUnauthorized, model.NewUnauthorizedError())
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// ContextWithSession はセッションをコンテキストに格納する。
// リクエスト情報が存在する場合はログ用にユーザーIDも記録する。
func ContextWithSession(ctx context.Context, session *model.Session) context.Context {
	setRequestUserID(ctx, session.UserID)
	return context.WithValue(ctx, sessionContextKey, session)
}

// SessionFromContext はリクエストコンテキストから認証済みセッションを取得する。
func SessionFromContext(ctx context.Context) (*model.Session, bool) {
	session, ok := ctx.Value(sessionContextKey).(*model.Session)
	return session, ok && session != nil
}

// UserIDFromContext はリクエストコンテキストからユーザーIDを取得する。
// セッションが解決されたリクエストでのみ有効。
func UserIDFromContext(ctx context.Context) (string, error) {
	session, ok := SessionFromContext(ctx)
	if !ok || session.UserID == "" {
		return "", errors.New("user ID not found in context")
	}
	return session.UserID, nil
}

// SetSessionCookie は署名済みのセッションCookieを設定する。
func SetSessionCookie(w http.ResponseWriter, value string, expiresAt time.Time, secure bool) {
	maxAge := int(time.Until(expiresAt).Seconds())
	if maxAge <= 0 {
		maxAge = -1
	}
	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookieName,
		Value:    value,
		Path:     "/",
		MaxAge:   maxAge,
		HttpOnly: true,
		Secure:   secure,
		SameSite: http.SameSiteLaxMode,
	})
}

// ClearSessionCookie はセッションCookieを削除する。
func ClearSessionCookie(w http.ResponseWriter, secure bool) {
	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   secure,
		SameSite: http.SameSiteLaxMode,
	})
}

