package route

import (
	"net/http"
	"strings"
)

// Addressing はクライアントから見たゲートウェイのアドレスを求める規則。
// TrustProxyが無効の場合、X-Forwarded-Host/Protoはクライアントが自由に設定できるため参照しない。
type Addressing struct {
	// ForceSecure は常にhttps（WebSocketはwss）として扱う。
	ForceSecure bool
	// TrustProxy は前段のリバースプロキシが設定したX-Forwarded-Host/Protoを採用する。
	TrustProxy bool
}

// Scheme はクライアントから見たスキーム（http/https）を返す。
// TLS終端、FORCE_SECURE、信頼するプロキシのX-Forwarded-Protoのいずれかでhttpsと判定する。
func (a Addressing) Scheme(r *http.Request) string {
	if a.ForceSecure || r.TLS != nil {
		return "https"
	}
	if !a.TrustProxy {
		return "http"
	}
	// プロキシ多段時は先頭（クライアント側）の値を採用する
	if strings.EqualFold(firstValue(r.Header.Get("X-Forwarded-Proto")), "https") {
		return "https"
	}
	return "http"
}

// Host はクライアントから見たホスト名を返す。
func (a Addressing) Host(r *http.Request) string {
	if a.TrustProxy {
		if host := firstValue(r.Header.Get("X-Forwarded-Host")); host != "" {
			return host
		}
	}
	return r.Host
}

// Origin はクライアントから見たゲートウェイのオリジン（scheme://host）を返す。
func (a Addressing) Origin(r *http.Request) string {
	return a.Scheme(r) + "://" + a.Host(r)
}

// WebSocketDomain はクライアントがWebSocket接続に使うゲートウェイのオリジンを返す。
// httpsの場合はwss、それ以外はwsとなる。
func (a Addressing) WebSocketDomain(r *http.Request) string {
	scheme := "ws"
	if a.Scheme(r) == "https" {
		scheme = "wss"
	}
	return scheme + "://" + a.Host(r)
}

// firstValue はカンマ区切りのヘッダー値の先頭要素を返す。
func firstValue(v string) string {
	if i := strings.IndexByte(v, ','); i >= 0 {
		v = v[:i]
	}
	return strings.TrimSpace(v)
}
