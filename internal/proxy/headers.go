package proxy

import (
	"net"
	"net/http"
	"net/textproto"
	"strings"

	"github.com/hitoshi/poglygate/internal/route"
)

// hopHeaders は中継時に取り除くホップバイホップヘッダー。
var hopHeaders = []string{
	"Connection",
	"Proxy-Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// websocketHandshakeHeaders はDialerが自身で設定するため転送しないヘッダー。
var websocketHandshakeHeaders = []string{
	"Sec-Websocket-Key",
	"Sec-Websocket-Version",
	"Sec-Websocket-Extensions",
	"Sec-Websocket-Protocol",
	"Sec-Websocket-Accept",
}

// removeHopHeaders はConnectionヘッダーに列挙されたものを含め、ホップバイホップヘッダーを削除する。
func removeHopHeaders(h http.Header) {
	for _, v := range h.Values("Connection") {
		for _, name := range strings.Split(v, ",") {
			if name = textproto.TrimString(name); name != "" {
				h.Del(name)
			}
		}
	}
	for _, name := range hopHeaders {
		h.Del(name)
	}
}

// stripCookies はCookieヘッダーから指定名のCookieを取り除く。
// 残りのCookieは元の表記のまま保持し、空になった場合はヘッダーごと削除する。
func stripCookies(h http.Header, names []string) {
	if len(names) == 0 {
		return
	}
	values := h.Values("Cookie")
	if len(values) == 0 {
		return
	}

	var kept []string
	for _, line := range values {
		for _, part := range strings.Split(line, ";") {
			part = textproto.TrimString(part)
			if part == "" {
				continue
			}
			name, _, _ := strings.Cut(part, "=")
			if containsName(names, textproto.TrimString(name)) {
				continue
			}
			kept = append(kept, part)
		}
	}

	h.Del("Cookie")
	if len(kept) > 0 {
		h.Set("Cookie", strings.Join(kept, "; "))
	}
}

func containsName(names []string, name string) bool {
	for _, n := range names {
		if n == name {
			return true
		}
	}
	return false
}

// setForwardedHeaders はX-Forwarded-For/Host/Protoを設定する。
// 前段のプロキシを信頼する場合は既存の値を引き継ぎ、X-Forwarded-Forに接続元アドレスを追記する。
// 信頼しない場合はクライアントが設定した値を破棄し、このゲートウェイから見た値で上書きする。
func setForwardedHeaders(h http.Header, r *http.Request, addr route.Addressing) {
	if !addr.TrustProxy {
		h.Del("X-Forwarded-For")
		h.Del("X-Forwarded-Host")
		h.Del("X-Forwarded-Proto")
	}
	if ip, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		if prior := h.Values("X-Forwarded-For"); len(prior) > 0 {
			ip = strings.Join(prior, ", ") + ", " + ip
		}
		h.Set("X-Forwarded-For", ip)
	}
	if h.Get("X-Forwarded-Host") == "" {
		h.Set("X-Forwarded-Host", r.Host)
	}
	if h.Get("X-Forwarded-Proto") == "" {
		h.Set("X-Forwarded-Proto", addr.Scheme(r))
	}
}

// rewriteLocation はアップストリームの絶対URLを指すLocationを相対パスに置き換える。
func rewriteLocation(h http.Header, upstreamOrigin string) {
	loc := h.Get("Location")
	if loc == "" || !strings.HasPrefix(loc, upstreamOrigin) {
		return
	}
	rest := strings.TrimPrefix(loc, upstreamOrigin)
	switch {
	case rest == "":
		rest = "/"
	case rest[0] == '?':
		rest = "/" + rest
	case rest[0] != '/':
		// 別ホスト（例: http://pogly と http://pogly2）
		return
	}
	h.Set("Location", rest)
}
