package security

import (
	"html"
	"strings"
	"unicode/utf8"

	"github.com/microcosm-cc/bluemonday"
)

// maxDisplayNameLength は表示名として保持する最大文字数。
const maxDisplayNameLength = 64

// DisplayNameSanitizer はIdPから受け取った表示名を平文に正規化する。
// ブートストラップスクリプトやログに埋め込む前に使用する。
type DisplayNameSanitizer struct {
	policy *bluemonday.Policy
}

// NewDisplayNameSanitizer はタグを一切許可しないポリシーでSanitizerを生成する。
func NewDisplayNameSanitizer() *DisplayNameSanitizer {
	return &DisplayNameSanitizer{policy: bluemonday.StrictPolicy()}
}

// Sanitize はHTMLタグを除去し、前後の空白と制御文字を取り除いた表示名を返す。
// StrictPolicyは文字参照をエスケープして返すため、平文に戻してから切り詰める。
func (s *DisplayNameSanitizer) Sanitize(name string) string {
	cleaned := html.UnescapeString(s.policy.Sanitize(name))
	cleaned = strings.Map(func(r rune) rune {
		if r < 0x20 || r == 0x7f {
			return -1
		}
		return r
	}, cleaned)
	cleaned = strings.TrimSpace(cleaned)

	if utf8.RuneCountInString(cleaned) > maxDisplayNameLength {
		cleaned = string([]rune(cleaned)[:maxDisplayNameLength])
	}
	return cleaned
}
