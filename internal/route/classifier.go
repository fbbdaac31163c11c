// Package route はリクエストのアクセスポリシー判定を提供する。
package route

import (
	"net/http"
	"slices"
	"strings"
)

// Policy はリクエストに適用するアクセスポリシー。
type Policy int

const (
	// Public は認証なしで無条件に転送する。
	Public Policy = iota
	// ModuleGated はセッション不要だが、module/domainクエリの検証を要する。
	ModuleGated
	// Protected は認証済みセッションを要する。
	Protected
)

// String はログ出力用のポリシー名を返す。
func (p Policy) String() string {
	switch p {
	case Public:
		return "public"
	case ModuleGated:
		return "module_gated"
	case Protected:
		return "protected"
	}
	return "unknown"
}

const (
	staticPrefix  = "/static/"
	subscribePath = "/subscribe"
	overlayPath   = "/overlay"
	defaultModule = "pogly"
)

// DefaultHealthPaths はアップストリームの死活監視用に公開するパス。
var DefaultHealthPaths = []string{"/health", "/ping"}

// Classifier は(method, path)をアクセスポリシーに対応付ける。
type Classifier struct {
	healthPaths []string
	modules     []string
}

// NewClassifier はClassifierを生成する。
// modulesはModuleGatedルートとブートストラップで使用する許可モジュールの一覧（順序を保持）。
func NewClassifier(healthPaths, modules []string) *Classifier {
	if len(healthPaths) == 0 {
		healthPaths = DefaultHealthPaths
	}
	if len(modules) == 0 {
		modules = []string{defaultModule}
	}
	return &Classifier{
		healthPaths: slices.Clone(healthPaths),
		modules:     slices.Clone(modules),
	}
}

// Classify はリクエストのポリシーを判定する。
// プリフライト（OPTIONS）はセッションを持たないため、パスに関わらずPublicとなる。
func (c *Classifier) Classify(method, path string) Policy {
	if method == http.MethodOptions {
		return Public
	}

	switch {
	case strings.HasPrefix(path, staticPrefix):
		return Public
	case path == subscribePath || strings.HasPrefix(path, subscribePath+"/"):
		return Public
	case slices.Contains(c.healthPaths, path):
		return Public
	case path == overlayPath:
		return ModuleGated
	}

	return Protected
}

// Modules は許可モジュールの一覧を設定順で返す。
func (c *Classifier) Modules() []string {
	return slices.Clone(c.modules)
}

// AllowsModule はモジュールが許可リストに含まれるかを返す。
func (c *Classifier) AllowsModule(module string) bool {
	return slices.Contains(c.modules, module)
}
