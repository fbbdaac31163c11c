package route

import (
	"net/url"
	"strings"

	"github.com/hitoshi/poglygate/internal/model"
)

// CheckModule はModuleGatedルートのクエリを検証する。
// moduleが許可リストに含まれ、domainがゲートウェイ自身のWebSocketオリジンと
// 一致する場合のみnilを返す。末尾のスラッシュは無視する。
func (c *Classifier) CheckModule(query url.Values, selfDomain string) error {
	module := query.Get("module")
	if module == "" {
		return model.NewPolicyRejectedError("module が指定されていません")
	}
	if !c.AllowsModule(module) {
		return model.NewPolicyRejectedError("module が許可されていません")
	}

	domain := strings.TrimSuffix(query.Get("domain"), "/")
	if domain == "" {
		return model.NewPolicyRejectedError("domain が指定されていません")
	}
	if !strings.EqualFold(domain, strings.TrimSuffix(selfDomain, "/")) {
		return model.NewPolicyRejectedError("domain がこのゲートウェイと一致しません")
	}

	return nil
}
