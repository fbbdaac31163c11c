package middleware

import (
	"context"
	"net/http"

	"github.com/google/uuid"
)

// RequestIDHeader はリクエストIDを返すレスポンスヘッダー名。
const RequestIDHeader = "X-Request-Id"

// requestInfoContextKey はリクエスト単位の情報を格納するキー。
var requestInfoContextKey = contextKey("request_info")

// requestInfo はリクエストIDと、後段で判明する認証済みユーザーIDを保持する。
// ロギングミドルウェアが後段の結果を参照できるようポインタで共有する。
type requestInfo struct {
	id     string
	userID string
}

// NewRequestIDMiddleware はリクエストごとにUUIDを採番し、
// コンテキストとX-Request-Idレスポンスヘッダーに設定するミドルウェアを返す。
func NewRequestIDMiddleware() func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			info := &requestInfo{id: uuid.NewString()}
			w.Header().Set(RequestIDHeader, info.id)
			ctx := context.WithValue(r.Context(), requestInfoContextKey, info)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequestIDFromContext はリクエストIDを返す。未設定の場合は空文字列。
func RequestIDFromContext(ctx context.Context) string {
	if info, ok := ctx.Value(requestInfoContextKey).(*requestInfo); ok {
		return info.id
	}
	return ""
}

// setRequestUserID は認証済みユーザーIDをリクエスト情報に記録する。
func setRequestUserID(ctx context.Context, userID string) {
	if info, ok := ctx.Value(requestInfoContextKey).(*requestInfo); ok {
		info.userID = userID
	}
}

// requestUserID は記録済みの認証済みユーザーIDを返す。
func requestUserID(ctx context.Context) string {
	if info, ok := ctx.Value(requestInfoContextKey).(*requestInfo); ok {
		return info.userID
	}
	return ""
}
