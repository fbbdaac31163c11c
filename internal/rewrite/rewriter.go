// Package rewrite はルートHTMLへのブートストラップスクリプト挿入を提供する。
package rewrite

import (
	"bytes"
	"encoding/json"
	"fmt"
	"mime"
	"net/http"
	"strings"

	"golang.org/x/net/html"
)

// DefaultMaxBytes は書き換え対象とする本文サイズの既定上限（5 MiB）。
const DefaultMaxBytes = 5 << 20

// localStorageのキー名はアップストリームアプリケーションが読み取る名前に合わせる。
const (
	keyNickname      = "nickname"
	keyToken         = "stdbToken"
	keyConnectDomain = "stdbConnectDomain"
	keyConnectModule = "stdbConnectModule"
	keyQuickSwap     = "poglyQuickSwap"
)

// Bootstrap はHTMLに注入するセッションごとの初期値。
type Bootstrap struct {
	Username      string
	UpstreamToken string
	// Domain はクライアントが接続するゲートウェイ自身のWebSocketオリジン。
	Domain string
	// Modules は許可モジュールの一覧。先頭が既定の選択となる。
	Modules []string
}

// quickSwapEntry はpoglyQuickSwapの要素。
type quickSwapEntry struct {
	Domain string `json:"domain"`
	Module string `json:"module"`
}

// Rewriter はルートパスのHTML応答にブートストラップスクリプトを挿入する。
type Rewriter struct {
	maxBytes int64
}

// New はRewriterを生成する。maxBytesが0以下の場合はDefaultMaxBytesを使用する。
func New(maxBytes int64) *Rewriter {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytes
	}
	return &Rewriter{maxBytes: maxBytes}
}

// Eligible は書き換え対象かどうかを判定する。
// GETかつリクエストURIが "/" または "/?..." で、本文がHTMLの場合のみ対象となる。
func Eligible(method, requestURI, contentType string) bool {
	if !EligibleRequest(method, requestURI) {
		return false
	}
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return false
	}
	return mediaType == "text/html"
}

// EligibleRequest はレスポンスを見る前に判定できる条件（GETかつルートパス）を満たすかを返す。
func EligibleRequest(method, requestURI string) bool {
	if method != http.MethodGet {
		return false
	}
	return requestURI == "/" || strings.HasPrefix(requestURI, "/?")
}

// Rewrite は最初の<body>開始タグの直後にブートストラップスクリプトを挿入した本文を返す。
// 対象外、上限超過、<body>タグがない場合は入力をそのまま返す。
// 挿入内容は応答ごとに生成する。
func (rw *Rewriter) Rewrite(method, requestURI, contentType string, body []byte, b *Bootstrap) []byte {
	if b == nil || !Eligible(method, requestURI, contentType) {
		return body
	}
	if int64(len(body)) > rw.maxBytes {
		return body
	}

	pos := bodyTagEnd(body)
	if pos < 0 {
		return body
	}

	script, err := Script(b)
	if err != nil {
		return body
	}

	out := make([]byte, 0, len(body)+len(script))
	out = append(out, body[:pos]...)
	out = append(out, script...)
	out = append(out, body[pos:]...)
	return out
}

// bodyTagEnd は最初の<body>開始タグの終端オフセットを返す。見つからない場合は-1。
// 属性付きのタグも対象とし、コメントやscript内の文字列は無視する。
func bodyTagEnd(body []byte) int {
	z := html.NewTokenizer(bytes.NewReader(body))
	offset := 0
	for {
		tt := z.Next()
		if tt == html.ErrorToken {
			return -1
		}
		offset += len(z.Raw())
		if tt != html.StartTagToken && tt != html.SelfClosingTagToken {
			continue
		}
		if name, _ := z.TagName(); string(name) == "body" {
			return offset
		}
	}
}

// Script はlocalStorageを初期化する<script>ブロックを生成する。
// stdbConnectModuleは現在の値が許可リストにあれば維持し、なければ先頭のモジュールにする。
// 値はすべてJSONエンコードし、<, >, & はエスケープされる。
func Script(b *Bootstrap) ([]byte, error) {
	if len(b.Modules) == 0 {
		return nil, fmt.Errorf("bootstrap has no modules")
	}

	entries := make([]quickSwapEntry, 0, len(b.Modules))
	for _, m := range b.Modules {
		entries = append(entries, quickSwapEntry{Domain: b.Domain, Module: m})
	}
	quickSwap, err := json.Marshal(entries)
	if err != nil {
		return nil, fmt.Errorf("failed to encode quick swap list: %w", err)
	}

	values := []any{b.Modules, b.Username, b.UpstreamToken, b.Domain, string(quickSwap)}
	encoded := make([]any, len(values))
	for i, v := range values {
		j, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("failed to encode bootstrap value: %w", err)
		}
		encoded[i] = j
	}

	var buf bytes.Buffer
	buf.WriteString("<script>(function(){")
	buf.WriteString("var s=window.localStorage;")
	fmt.Fprintf(&buf, "var m=%s;", encoded[0])
	fmt.Fprintf(&buf, "s.setItem(%q,%s);", keyNickname, encoded[1])
	fmt.Fprintf(&buf, "s.setItem(%q,%s);", keyToken, encoded[2])
	fmt.Fprintf(&buf, "s.setItem(%q,%s);", keyConnectDomain, encoded[3])
	fmt.Fprintf(&buf, "s.setItem(%q,%s);", keyQuickSwap, encoded[4])
	fmt.Fprintf(&buf, "if(m.indexOf(s.getItem(%q))<0){s.setItem(%q,m[0]);}", keyConnectModule, keyConnectModule)
	buf.WriteString("})();</script>")
	return buf.Bytes(), nil
}
