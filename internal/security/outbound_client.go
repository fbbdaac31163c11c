// Package security はアプリケーションのセキュリティ機能を提供する。
package security

import (
	"net/http"
	"time"

	"github.com/doyensec/safeurl"
)

// NewSafeClient はIdP呼び出し用のSSRF防止機能付きHTTPクライアントを生成する。
// safeurlのデフォルト設定によりプライベートIP、ループバック、リンクローカル、
// メタデータIPへの接続はDNS解決後にブロックされる。
// IdPはhttpsの公開エンドポイントのみであるため、スキームとポートも絞り込む。
func NewSafeClient(timeout time.Duration) *http.Client {
	config := safeurl.GetConfigBuilder().
		SetTimeout(timeout).
		SetAllowedSchemes("https").
		SetAllowedPorts(443).
		Build()

	return safeurl.Client(config).Client
}
