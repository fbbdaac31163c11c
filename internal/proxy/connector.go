// Package proxy はアップストリームへのHTTP転送とWebSocket中継を提供する。
package proxy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/hitoshi/poglygate/internal/metrics"
	"github.com/hitoshi/poglygate/internal/middleware"
	"github.com/hitoshi/poglygate/internal/model"
	"github.com/hitoshi/poglygate/internal/route"
)

// 既定値
const (
	DefaultTimeout      = 30 * time.Second
	DefaultMaxIdleConns = 100
)

// Config はConnectorの設定。
type Config struct {
	// UpstreamURL は転送先のオリジン（http/https）。パスを含む場合は前置される。
	UpstreamURL string
	// Timeout はアップストリームの応答ヘッダーとWebSocketハンドシェイクの待ち時間。
	Timeout time.Duration
	// MaxIdleConns はアップストリーム向け接続プールのアイドル接続数上限。
	MaxIdleConns int
	// StripCookies はアップストリームに渡さないCookie名（ゲートウェイ自身のCookie）。
	StripCookies []string
	// ForceSecure はX-Forwarded-Protoを常にhttpsとする。
	ForceSecure bool
	// TrustProxy は前段のプロキシが付与したX-Forwarded-*を引き継ぐ。
	// falseの場合はクライアントが送った値を上書きする。
	TrustProxy bool
}

// ResponseHook はバッファ済みのレスポンス本文を受け取り、クライアントへ返す本文を返す。
type ResponseHook func(resp *http.Response, body []byte) []byte

// Connector は単一のアップストリームへリクエストを転送する。
// HTTPとWebSocketで同じ接続設定（Dialer、TLS設定）を共有する。
type Connector struct {
	upstream       *url.URL
	upstreamOrigin string
	config         Config
	transport      *http.Transport
	dialer         *websocket.Dialer
	upgrader       websocket.Upgrader
	exchanges      *ExchangeTable
	metrics        metrics.MetricsCollector
	logger         *slog.Logger
	now            func() time.Time
}

// NewConnector はConnectorを生成する。
// collectorがnilの場合はメトリクスを記録しない。
func NewConnector(cfg Config, collector metrics.MetricsCollector, logger *slog.Logger) (*Connector, error) {
	u, err := url.Parse(strings.TrimSuffix(cfg.UpstreamURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("failed to parse upstream URL: %w", err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("upstream URL must be an absolute http(s) URL: %q", cfg.UpstreamURL)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.MaxIdleConns <= 0 {
		cfg.MaxIdleConns = DefaultMaxIdleConns
	}
	if collector == nil {
		collector = metrics.Nop()
	}
	if logger == nil {
		logger = slog.Default()
	}

	netDialer := &net.Dialer{
		Timeout:   cfg.Timeout,
		KeepAlive: 30 * time.Second,
	}
	transport := &http.Transport{
		DialContext:           netDialer.DialContext,
		MaxIdleConns:          cfg.MaxIdleConns,
		MaxIdleConnsPerHost:   cfg.MaxIdleConns,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: cfg.Timeout,
		ExpectContinueTimeout: time.Second,
		ForceAttemptHTTP2:     true,
	}

	return &Connector{
		upstream:       u,
		upstreamOrigin: u.Scheme + "://" + u.Host,
		config:         cfg,
		transport:      transport,
		dialer: &websocket.Dialer{
			NetDialContext:   netDialer.DialContext,
			TLSClientConfig:  transport.TLSClientConfig,
			HandshakeTimeout: cfg.Timeout,
		},
		upgrader: websocket.Upgrader{
			HandshakeTimeout: cfg.Timeout,
			// オリジンの検証はゲートウェイのルーティングポリシーで行う
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		exchanges: NewExchangeTable(),
		metrics:   collector,
		logger:    logger,
		now:       time.Now,
	}, nil
}

// Exchanges は応答待ちの対応表を返す。
func (c *Connector) Exchanges() *ExchangeTable {
	return c.exchanges
}

// UpstreamOrigin はアップストリームのオリジン（scheme://host）を返す。
func (c *Connector) UpstreamOrigin() string {
	return c.upstreamOrigin
}

// Close はアイドル状態のアップストリーム接続を閉じる。
func (c *Connector) Close() {
	c.transport.CloseIdleConnections()
}

// Forward はリクエストをアップストリームへ転送し、バッファしたレスポンスをクライアントへ返す。
// hookが指定された場合は本文をhookに通してから返す。
// アップストリームに接続できない場合は502を返し、クライアントが切断した場合は何も書き込まない。
func (c *Connector) Forward(w http.ResponseWriter, r *http.Request, hook ResponseHook) {
	ctx := r.Context()
	logger := c.logger.With(slog.String("request_id", middleware.RequestIDFromContext(ctx)))

	outReq, err := c.newUpstreamRequest(ctx, r, hook != nil)
	if err != nil {
		logger.Error("failed to build upstream request", slog.String("error", err.Error()))
		middleware.WriteErrorResponse(w, http.StatusBadGateway, model.NewUpstreamError())
		return
	}

	ex := c.exchanges.Register(r.Method, r.URL.Path, c.now())
	c.metrics.ExchangeStarted()
	defer c.metrics.ExchangeFinished()
	logger = logger.With(slog.String("exchange_id", ex.ID))

	done := make(chan struct{})
	go c.dispatch(ex.ID, outReq, done)

	var res exchangeResult
	select {
	case res = <-ex.result:
	case <-ctx.Done():
		c.exchanges.Release(ex.ID)
		<-done
		c.metrics.RecordUpstreamOutcome(metrics.OutcomeCancelled)
		logger.Debug("client disconnected before upstream response",
			slog.String("method", ex.Method),
			slog.String("path", ex.Path),
		)
		return
	}
	c.metrics.RecordUpstreamLatency(c.now().Sub(ex.StartedAt))

	if res.err != nil {
		if ctx.Err() != nil {
			c.metrics.RecordUpstreamOutcome(metrics.OutcomeCancelled)
			return
		}
		logger.Warn("upstream request failed",
			slog.String("method", ex.Method),
			slog.String("path", ex.Path),
			slog.String("error", res.err.Error()),
		)
		if errors.Is(res.err, model.ErrUpstreamUnavailable) {
			c.metrics.RecordUpstreamOutcome(metrics.OutcomeUnavailable)
			middleware.WriteErrorResponse(w, http.StatusBadGateway, model.NewUpstreamUnavailableError())
			return
		}
		c.metrics.RecordUpstreamOutcome(metrics.OutcomeError)
		middleware.WriteErrorResponse(w, http.StatusBadGateway, model.NewUpstreamError())
		return
	}

	c.metrics.RecordUpstreamOutcome(metrics.OutcomeOK)
	c.metrics.RecordUpstreamStatus(res.resp.StatusCode)
	c.writeResponse(w, r, res.resp, res.body, hook)
}

// dispatch はアップストリームへリクエストを送り、結果をエクスチェンジIDで解決する。
// リダイレクトは追従せずそのまま返す。
func (c *Connector) dispatch(id string, outReq *http.Request, done chan<- struct{}) {
	defer close(done)

	resp, err := c.transport.RoundTrip(outReq)
	if err != nil {
		c.exchanges.resolve(id, exchangeResult{
			err: fmt.Errorf("%w: %w", model.ErrUpstreamUnavailable, err),
		})
		return
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		c.exchanges.resolve(id, exchangeResult{
			err: fmt.Errorf("%w: failed to read upstream body: %w", model.ErrUpstreamError, err),
		})
		return
	}

	c.exchanges.resolve(id, exchangeResult{resp: resp, body: body})
}

// newUpstreamRequest はクライアントのリクエストからアップストリーム向けのリクエストを組み立てる。
func (c *Connector) newUpstreamRequest(ctx context.Context, r *http.Request, decodable bool) (*http.Request, error) {
	target := c.targetURL(r.URL, c.upstream.Scheme)

	var body io.Reader = http.NoBody
	if r.ContentLength != 0 && r.Body != nil && r.Body != http.NoBody {
		body = r.Body
	}
	outReq, err := http.NewRequestWithContext(ctx, r.Method, target, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create upstream request: %w", err)
	}
	outReq.ContentLength = r.ContentLength
	if body == http.NoBody {
		outReq.ContentLength = 0
	}

	outReq.Header = r.Header.Clone()
	removeHopHeaders(outReq.Header)
	stripCookies(outReq.Header, c.config.StripCookies)
	setForwardedHeaders(outReq.Header, r, c.addressing())
	outReq.Header.Set("Origin", c.upstreamOrigin)
	if decodable {
		// 本文を書き換えるため、圧縮の交渉はTransportに任せて復号済みで受け取る
		outReq.Header.Del("Accept-Encoding")
	}
	if _, ok := outReq.Header["User-Agent"]; !ok {
		// 空値を設定してGoの既定User-Agentを付与させない
		outReq.Header.Set("User-Agent", "")
	}
	outReq.Host = c.upstream.Host

	return outReq, nil
}

func (c *Connector) addressing() route.Addressing {
	return route.Addressing{ForceSecure: c.config.ForceSecure, TrustProxy: c.config.TrustProxy}
}

// targetURL はクライアントのURLをアップストリームのURLに変換する。
func (c *Connector) targetURL(in *url.URL, scheme string) string {
	out := url.URL{
		Scheme:   scheme,
		Host:     c.upstream.Host,
		Path:     singleJoiningSlash(c.upstream.Path, in.Path),
		RawQuery: in.RawQuery,
	}
	if in.RawPath != "" {
		out.RawPath = singleJoiningSlash(c.upstream.EscapedPath(), in.EscapedPath())
	}
	return out.String()
}

func singleJoiningSlash(a, b string) string {
	aslash := strings.HasSuffix(a, "/")
	bslash := strings.HasPrefix(b, "/")
	switch {
	case aslash && bslash:
		return a + b[1:]
	case !aslash && !bslash:
		return a + "/" + b
	}
	return a + b
}

// writeResponse はアップストリームのレスポンスをクライアントへ書き込む。
// 本文はバッファ済みのため、Content-Lengthは送信する本文の長さで再計算する。
func (c *Connector) writeResponse(w http.ResponseWriter, r *http.Request, resp *http.Response, body []byte, hook ResponseHook) {
	if hook != nil {
		body = hook(resp, body)
	}

	h := w.Header()
	for k, vv := range resp.Header {
		if k == middleware.RequestIDHeader {
			// ゲートウェイが発行したIDを優先する
			continue
		}
		for _, v := range vv {
			h.Add(k, v)
		}
	}
	removeHopHeaders(h)
	rewriteLocation(h, c.upstreamOrigin)

	if r.Method != http.MethodHead && bodyAllowed(resp.StatusCode) {
		h.Set("Content-Length", strconv.Itoa(len(body)))
	}

	w.WriteHeader(resp.StatusCode)
	if r.Method == http.MethodHead || !bodyAllowed(resp.StatusCode) {
		return
	}
	if _, err := w.Write(body); err != nil {
		c.logger.Debug("failed to write response body",
			slog.String("path", r.URL.Path),
			slog.String("error", err.Error()),
		)
	}
}

// bodyAllowed はステータスコードが本文を持てるかどうかを返す。
func bodyAllowed(status int) bool {
	switch {
	case status >= 100 && status <= 199:
		return false
	case status == http.StatusNoContent, status == http.StatusNotModified:
		return false
	}
	return true
}
