package middleware

import (
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/hitoshi/poglygate/internal/model"
)

// OriginFunc はリクエストからゲートウェイ自身の外部オリジン（scheme://host）を求める。
type OriginFunc func(r *http.Request) string

// NewOriginCheckMiddleware は状態変更リクエストのOriginを検証するミドルウェアを返す。
// 安全なメソッド（GET, HEAD, OPTIONS）は検証をスキップする。
// 状態変更メソッドはOriginヘッダー（なければReferer）がゲートウェイ自身のオリジンと一致する必要がある。
func NewOriginCheckMiddleware(selfOrigin OriginFunc) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if isSafeMethod(r.Method) {
				next.ServeHTTP(w, r)
				return
			}

			origin := requestOrigin(r)
			if origin == "" {
				slog.Warn("origin check failed: missing origin",
					slog.String("method", r.Method),
					slog.String("path", r.URL.Path),
				)
				WriteErrorResponse(w, http.StatusForbidden, originRejectedError())
				return
			}

			if !strings.EqualFold(origin, selfOrigin(r)) {
				slog.Warn("origin check failed: origin mismatch",
					slog.String("method", r.Method),
					slog.String("path", r.URL.Path),
					slog.String("origin", origin),
				)
				WriteErrorResponse(w, http.StatusForbidden, originRejectedError())
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// originRejectedError はOrigin検証の失敗エラーを生成する。
func originRejectedError() *model.APIError {
	return &model.APIError{
		Code:     "ORIGIN_REJECTED",
		Message:  "リクエスト元のオリジンを確認できませんでした。",
		Category: "validation",
		Action:   "ページを再読み込みしてから再度お試しください。",
	}
}

// requestOrigin はOriginヘッダー、なければRefererからオリジンを取り出す。
func requestOrigin(r *http.Request) string {
	if origin := r.Header.Get("Origin"); origin != "" && origin != "null" {
		return origin
	}
	ref := r.Header.Get("Referer")
	if ref == "" {
		return ""
	}
	u, err := url.Parse(ref)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return ""
	}
	return u.Scheme + "://" + u.Host
}

// isSafeMethod はHTTPメソッドが安全（読み取り専用）かどうかを判定する。
func isSafeMethod(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
		return true
	default:
		return false
	}
}
