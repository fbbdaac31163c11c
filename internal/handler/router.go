package handler

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/poglygate/internal/middleware"
)

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	Logger *slog.Logger

	// 認証
	AuthService AuthServiceInterface
	Cookies     CookieCodec
	AuthConfig  AuthHandlerConfig
	Resolver    *middleware.SessionResolver

	// 中継
	Gateway *GatewayHandler
}

// NewRouter はログイン関連のルートとアップストリームへの中継を構成したchi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	RequestID → Logging → Recovery → (ログインルートのみ) SecurityHeaders → OriginCheck
//
// ログイン関連以外のパスはすべてGatewayHandlerが処理する。
func NewRouter(deps *RouterDeps) http.Handler {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	r := chi.NewRouter()
	r.Use(middleware.NewRequestIDMiddleware())
	r.Use(middleware.NewLoggingMiddleware(logger))
	r.Use(middleware.NewRecoveryMiddleware())

	authHandler := NewAuthHandler(deps.AuthService, deps.Cookies, deps.AuthConfig)
	selfOrigin := func(req *http.Request) string {
		return deps.AuthConfig.addressing().Origin(req)
	}

	// --- ゲートウェイ自身が処理するルート ---
	r.Group(func(r chi.Router) {
		r.Use(middleware.NewSecurityHeadersMiddleware())
		r.Use(middleware.NewOriginCheckMiddleware(selfOrigin))

		r.Get(loginPath, authHandler.Login)
		r.Get(callbackPath, authHandler.Callback)
		r.With(middleware.NewSessionMiddleware(deps.Resolver)).Get("/login/me", authHandler.Me)

		r.Post("/logout", authHandler.Logout)
	})

	// --- それ以外はアップストリームへ中継 ---
	r.Handle("/*", deps.Gateway)

	return r
}
