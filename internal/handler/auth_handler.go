// Package handler はHTTPハンドラーを提供する。
package handler

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"html/template"
	"log/slog"
	"net/http"
	"time"

	"github.com/hitoshi/poglygate/internal/middleware"
	"github.com/hitoshi/poglygate/internal/model"
	"github.com/hitoshi/poglygate/internal/route"
)

const (
	oauthStateCookie = "poglygate_oauth_state"
	loginPath        = "/login/twitch"
	callbackPath     = "/login/twitch/callback"
)

// AuthServiceInterface は認証ハンドラーが必要とするサービスインターフェース。
type AuthServiceInterface interface {
	GetLoginURL(state, redirectURL string) string
	HandleCallback(ctx context.Context, code, redirectURL string) (*model.Session, error)
	Logout(ctx context.Context, sessionID string) error
}

// CookieCodec はセッションIDと署名付きCookie値の相互変換を行う。
// auth.CookieSignerが満たす。
type CookieCodec interface {
	Sign(sessionID string, expiresAt time.Time) (string, error)
	Verify(value string) (string, error)
}

// AuthHandlerConfig は認証ハンドラーの設定。
type AuthHandlerConfig struct {
	// PublicURL が設定されている場合はリダイレクトURIの基点とする。
	// 未設定の場合はリクエストの外部オリジンから求める。
	PublicURL    string
	CookieSecure bool
	// TrustProxy は外部オリジンの算出にX-Forwarded-Host/Protoを使う。
	TrustProxy bool
}

func (c AuthHandlerConfig) addressing() route.Addressing {
	return route.Addressing{ForceSecure: c.CookieSecure, TrustProxy: c.TrustProxy}
}

// AuthHandler はTwitchログイン関連のHTTPハンドラー。
type AuthHandler struct {
	service AuthServiceInterface
	cookies CookieCodec
	config  AuthHandlerConfig
}

// NewAuthHandler はAuthHandlerを生成する。
func NewAuthHandler(service AuthServiceInterface, cookies CookieCodec, config AuthHandlerConfig) *AuthHandler {
	return &AuthHandler{
		service: service,
		cookies: cookies,
		config:  config,
	}
}

// Login はTwitchのOAuthフローを開始する。
// 既存のセッションは破棄し、ログイン完了時に新しいセッションを発行する。
// GET /login/twitch
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	h.destroyCurrentSession(w, r)

	state, err := generateState()
	if err != nil {
		slog.Error("failed to generate oauth state", slog.String("error", err.Error()))
		middleware.WriteInternalServerError(w)
		return
	}

	// stateをCookieに保存（CSRF対策）
	http.SetCookie(w, &http.Cookie{
		Name:     oauthStateCookie,
		Value:    state,
		Path:     loginPath,
		MaxAge:   600, // 10分
		HttpOnly: true,
		Secure:   h.config.CookieSecure,
		SameSite: http.SameSiteLaxMode,
	})

	url := h.service.GetLoginURL(state, h.redirectURL(r))
	http.Redirect(w, r, url, http.StatusFound)
}

// Callback はOAuthコールバックを処理する。
// GET /login/twitch/callback?code=xxx&state=yyy
func (h *AuthHandler) Callback(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()

	// 1. stateの検証（CSRF対策）
	state := query.Get("state")
	stateCookie, err := r.Cookie(oauthStateCookie)
	if err != nil || state == "" || stateCookie.Value != state {
		slog.Warn("oauth state mismatch",
			slog.String("request_id", middleware.RequestIDFromContext(r.Context())),
		)
		middleware.WriteErrorResponse(w, http.StatusBadRequest, model.NewAuthFailedError())
		return
	}

	// stateクッキーを削除
	http.SetCookie(w, &http.Cookie{
		Name:     oauthStateCookie,
		Value:    "",
		Path:     loginPath,
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   h.config.CookieSecure,
		SameSite: http.SameSiteLaxMode,
	})

	// 2. IdP側で拒否された場合（ユーザーによるキャンセル等）
	if idpErr := query.Get("error"); idpErr != "" {
		slog.Info("login denied by identity provider", slog.String("error", idpErr))
		middleware.WriteErrorResponse(w, http.StatusUnauthorized, model.NewAuthFailedError())
		return
	}

	// 3. 認可コードの取得
	code := query.Get("code")
	if code == "" {
		middleware.WriteErrorResponse(w, http.StatusBadRequest, model.NewAuthFailedError())
		return
	}

	// 4. 認証処理
	session, err := h.service.HandleCallback(r.Context(), code, h.redirectURL(r))
	if err != nil {
		if errors.Is(err, model.ErrUserUnprovisioned) {
			renderUnprovisioned(w)
			return
		}
		slog.Error("oauth callback failed", slog.String("error", err.Error()))
		middleware.WriteErrorResponse(w, http.StatusUnauthorized, model.NewAuthFailedError())
		return
	}

	// 5. 署名付きセッションCookieを設定（HTTP Only）
	value, err := h.cookies.Sign(session.ID, session.ExpiresAt)
	if err != nil {
		slog.Error("failed to sign session cookie", slog.String("error", err.Error()))
		middleware.WriteInternalServerError(w)
		return
	}
	middleware.SetSessionCookie(w, value, session.ExpiresAt, h.config.CookieSecure)

	// 6. アップストリームのトップページにリダイレクト
	http.Redirect(w, r, "/", http.StatusFound)
}

// Logout はセッションを破棄する。
// POST /logout
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	h.destroyCurrentSession(w, r)
	http.Redirect(w, r, "/", http.StatusSeeOther)
}

// Me は現在のログインユーザー情報を返す。
// セッションミドルウェアの後段で使う。
// GET /login/me
func (h *AuthHandler) Me(w http.ResponseWriter, r *http.Request) {
	userID, err := middleware.UserIDFromContext(r.Context())
	if err != nil {
		middleware.WriteErrorResponse(w, http.StatusUnauthorized, model.NewUnauthorizedError())
		return
	}
	session, _ := middleware.SessionFromContext(r.Context())

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"id":       userID,
		"username": session.Username,
	})
}

// destroyCurrentSession はCookieのセッションを破棄し、Cookieを削除する。
// Cookieがない場合は何もしない。
func (h *AuthHandler) destroyCurrentSession(w http.ResponseWriter, r *http.Request) {
	cookie, err := r.Cookie(middleware.SessionCookieName)
	if err != nil || cookie.Value == "" {
		return
	}

	if sessionID, err := h.cookies.Verify(cookie.Value); err == nil {
		if logoutErr := h.service.Logout(r.Context(), sessionID); logoutErr != nil {
			slog.Error("failed to logout", slog.String("error", logoutErr.Error()))
			// 失敗してもCookieはクリアする
		}
	}

	middleware.ClearSessionCookie(w, h.config.CookieSecure)
}

// redirectURL はIdPに登録するコールバックURLを返す。
func (h *AuthHandler) redirectURL(r *http.Request) string {
	if h.config.PublicURL != "" {
		return h.config.PublicURL + callbackPath
	}
	return h.config.addressing().Origin(r) + callbackPath
}

var unprovisionedPage = template.Must(template.New("unprovisioned").Parse(`<!DOCTYPE html>
<html lang="ja">
<head><meta charset="utf-8"><title>{{.Code}}</title></head>
<body>
<h1>{{.Message}}</h1>
<p>{{.Action}}</p>
<p><a href="/logout">ログアウト</a></p>
</body>
</html>
`))

// renderUnprovisioned は利用登録前のユーザー向けの403ページを返す。
func renderUnprovisioned(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusForbidden)
	if err := unprovisionedPage.Execute(w, model.NewUserUnprovisionedError()); err != nil {
		slog.Error("failed to render page", slog.String("error", err.Error()))
	}
}

// generateState はCSRF対策用のランダムなstate値を生成する。
func generateState() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
