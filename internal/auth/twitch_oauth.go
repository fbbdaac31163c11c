package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"golang.org/x/oauth2"
	"golang.org/x/time/rate"

	"github.com/hitoshi/poglygate/internal/model"
)

const (
	defaultTwitchAuthURL     = "https://id.twitch.tv/oauth2/authorize"
	defaultTwitchTokenURL    = "https://id.twitch.tv/oauth2/token"
	defaultTwitchValidateURL = "https://id.twitch.tv/oauth2/validate"
	defaultTwitchUserInfoURL = "https://id.twitch.tv/oauth2/userinfo"

	// userinfoClaims はuserinfoにpreferred_usernameを含めるためのclaimsパラメータ。
	userinfoClaims = `{"userinfo":{"preferred_username":null}}`

	// maxErrorBodySize はエラー応答本文をログ用に読み込む上限。
	maxErrorBodySize = 4096
)

var errMissingRefreshToken = errors.New("provider token has no refresh token")

// TwitchOAuthConfig はTwitch OAuthプロバイダーの設定。
type TwitchOAuthConfig struct {
	ClientID     string
	ClientSecret string

	// HTTPClient はIdP呼び出しに使用するクライアント。nilの場合はhttp.DefaultClient。
	HTTPClient *http.Client
	// RateLimit はIdP呼び出しの秒間上限。0以下の場合は無制限。
	RateLimit float64
	RateBurst int

	// テスト用にオーバーライド可能なURL
	AuthURL     string
	TokenURL    string
	ValidateURL string
	UserInfoURL string
}

// TwitchOAuthProvider はTwitchのOpenID Connectによる認証とトークン検証を提供する。
type TwitchOAuthProvider struct {
	oauth       oauth2.Config
	validateURL string
	userInfoURL string
	client      *http.Client
	limiter     *rate.Limiter
}

// NewTwitchOAuthProvider はTwitchOAuthProviderを生成する。
func NewTwitchOAuthProvider(config TwitchOAuthConfig) *TwitchOAuthProvider {
	if config.AuthURL == "" {
		config.AuthURL = defaultTwitchAuthURL
	}
	if config.TokenURL == "" {
		config.TokenURL = defaultTwitchTokenURL
	}
	if config.ValidateURL == "" {
		config.ValidateURL = defaultTwitchValidateURL
	}
	if config.UserInfoURL == "" {
		config.UserInfoURL = defaultTwitchUserInfoURL
	}
	if config.HTTPClient == nil {
		config.HTTPClient = http.DefaultClient
	}

	limit := rate.Inf
	if config.RateLimit > 0 {
		limit = rate.Limit(config.RateLimit)
	}
	burst := config.RateBurst
	if burst < 1 {
		burst = 1
	}

	return &TwitchOAuthProvider{
		oauth: oauth2.Config{
			ClientID:     config.ClientID,
			ClientSecret: config.ClientSecret,
			Scopes:       []string{"openid"},
			Endpoint: oauth2.Endpoint{
				AuthURL:  config.AuthURL,
				TokenURL: config.TokenURL,
				// Twitchはclient_id/client_secretをフォームパラメータで受け取る
				AuthStyle: oauth2.AuthStyleInParams,
			},
		},
		validateURL: config.ValidateURL,
		userInfoURL: config.UserInfoURL,
		client:      config.HTTPClient,
		limiter:     rate.NewLimiter(limit, burst),
	}
}

// AuthCodeURL はTwitchの認可URLを生成する。
// redirect_uriはリクエストごとの外部オリジンから組み立てる。
func (p *TwitchOAuthProvider) AuthCodeURL(state, redirectURL string) string {
	cfg := p.oauth
	cfg.RedirectURL = redirectURL
	return cfg.AuthCodeURL(state, oauth2.SetAuthURLParam("claims", userinfoClaims))
}

// Exchange は認可コードをトークンに交換する。
func (p *TwitchOAuthProvider) Exchange(ctx context.Context, code, redirectURL string) (*model.ProviderToken, error) {
	if err := p.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("failed to wait for idp rate limiter: %w", err)
	}

	cfg := p.oauth
	cfg.RedirectURL = redirectURL
	tok, err := cfg.Exchange(p.clientContext(ctx), code)
	if err != nil {
		return nil, fmt.Errorf("failed to exchange code: %w", err)
	}

	return fromOAuth2Token(tok), nil
}

// Refresh はリフレッシュトークンで新しいアクセストークンを取得する。
// 応答にリフレッシュトークンが含まれない場合は元の値を引き継ぐ。
func (p *TwitchOAuthProvider) Refresh(ctx context.Context, token *model.ProviderToken) (*model.ProviderToken, error) {
	if token == nil || token.RefreshToken == "" {
		return nil, errMissingRefreshToken
	}
	if err := p.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("failed to wait for idp rate limiter: %w", err)
	}

	// アクセストークンを渡さないことでTokenSourceに必ずリフレッシュさせる
	src := p.oauth.TokenSource(p.clientContext(ctx), &oauth2.Token{RefreshToken: token.RefreshToken})
	tok, err := src.Token()
	if err != nil {
		return nil, fmt.Errorf("failed to refresh token: %w", err)
	}

	return fromOAuth2Token(tok), nil
}

// Introspect はTwitchのvalidateエンドポイントでアクセストークンを検証する。
func (p *TwitchOAuthProvider) Introspect(ctx context.Context, accessToken string) error {
	if err := p.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("failed to wait for idp rate limiter: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.validateURL, nil)
	if err != nil {
		return fmt.Errorf("failed to create validate request: %w", err)
	}
	req.Header.Set("Authorization", "OAuth "+accessToken)

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("validate request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodySize))
		return fmt.Errorf("token validation failed with status %d: %s", resp.StatusCode, string(body))
	}

	return nil
}

// twitchUserInfo はTwitchのuserinfoエンドポイントのレスポンス。
type twitchUserInfo struct {
	Sub               string `json:"sub"`
	PreferredUsername string `json:"preferred_username"`
}

// UserInfo はアクセストークンでTwitchのユーザー情報を取得する。
func (p *TwitchOAuthProvider) UserInfo(ctx context.Context, accessToken string) (*UserInfo, error) {
	if err := p.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("failed to wait for idp rate limiter: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.userInfoURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create user info request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("user info request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodySize))
		return nil, fmt.Errorf("user info fetch failed with status %d: %s", resp.StatusCode, string(body))
	}

	var info twitchUserInfo
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return nil, fmt.Errorf("failed to parse user info response: %w", err)
	}

	if info.Sub == "" {
		return nil, fmt.Errorf("empty sub in user info response")
	}

	return &UserInfo{
		Subject:  info.Sub,
		Username: info.PreferredUsername,
	}, nil
}

// clientContext はoauth2パッケージにHTTPクライアントを渡すためのコンテキストを返す。
func (p *TwitchOAuthProvider) clientContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, p.client)
}

func fromOAuth2Token(tok *oauth2.Token) *model.ProviderToken {
	return &model.ProviderToken{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		TokenType:    tok.TokenType,
		Expiry:       tok.Expiry,
	}
}

// compile-time interface check
var _ IdentityProvider = (*TwitchOAuthProvider)(nil)
