package handler

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/hitoshi/poglygate/internal/middleware"
	"github.com/hitoshi/poglygate/internal/model"
	"github.com/hitoshi/poglygate/internal/proxy"
	"github.com/hitoshi/poglygate/internal/rewrite"
	"github.com/hitoshi/poglygate/internal/route"
)

// Upstream はアップストリームへの転送手段。proxy.Connectorが満たす。
type Upstream interface {
	Forward(w http.ResponseWriter, r *http.Request, hook proxy.ResponseHook)
	Relay(w http.ResponseWriter, r *http.Request)
}

// RewriteRecorder は本文の書き換え件数を記録する。
type RewriteRecorder interface {
	RecordRewrite()
}

// compile-time interface check
var _ Upstream = (*proxy.Connector)(nil)

// GatewayHandler はログイン関連以外の全リクエストを分類し、アップストリームへ中継する。
type GatewayHandler struct {
	classifier *route.Classifier
	resolver   *middleware.SessionResolver
	upstream   Upstream
	rewriter   *rewrite.Rewriter
	recorder   RewriteRecorder
	addressing route.Addressing
}

// GatewayConfig はGatewayHandlerの依存関係。
type GatewayConfig struct {
	Classifier *route.Classifier
	Resolver   *middleware.SessionResolver
	Upstream   Upstream
	Rewriter   *rewrite.Rewriter
	Recorder   RewriteRecorder
	// Addressing はブートストラップとモジュール判定に使う外部アドレスの求め方。
	Addressing route.Addressing
}

// NewGatewayHandler はGatewayHandlerを生成する。
func NewGatewayHandler(cfg GatewayConfig) *GatewayHandler {
	rw := cfg.Rewriter
	if rw == nil {
		rw = rewrite.New(rewrite.DefaultMaxBytes)
	}
	return &GatewayHandler{
		classifier: cfg.Classifier,
		resolver:   cfg.Resolver,
		upstream:   cfg.Upstream,
		rewriter:   rw,
		recorder:   cfg.Recorder,
		addressing: cfg.Addressing,
	}
}

// ServeHTTP はポリシー判定の後、HTTP転送またはWebSocket中継を行う。
func (h *GatewayHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	requestID := middleware.RequestIDFromContext(r.Context())

	switch h.classifier.Classify(r.Method, r.URL.Path) {
	case route.Public:
		if r.Method == http.MethodOptions {
			slog.Debug("preflight request",
				slog.String("path", r.URL.Path),
				slog.String("request_id", requestID),
			)
		}
		h.dispatch(w, r, nil)

	case route.ModuleGated:
		if err := h.classifier.CheckModule(r.URL.Query(), h.addressing.WebSocketDomain(r)); err != nil {
			slog.Info("module request rejected",
				slog.String("path", r.URL.Path),
				slog.String("request_id", requestID),
				slog.String("error", err.Error()),
			)
			var apiErr *model.APIError
			if !errors.As(err, &apiErr) {
				apiErr = model.NewPolicyRejectedError(err.Error())
			}
			middleware.WriteErrorResponse(w, http.StatusBadRequest, apiErr)
			return
		}
		h.dispatch(w, r, nil)

	default:
		r, result := h.resolver.Resolve(w, r)
		if !result.Authenticated() {
			slog.Info("unauthorized request",
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.String("state", string(result.State)),
				slog.String("request_id", requestID),
			)
			middleware.WriteErrorResponse(w, http.StatusUnauthorized, model.NewUnauthorizedError())
			return
		}
		h.dispatch(w, r, result.Session)
	}
}

// dispatch はWebSocketのアップグレード要求を中継し、それ以外をHTTP転送する。
// セッションがあり、書き換え対象のリクエストであれば本文にブートストラップを挿入する。
func (h *GatewayHandler) dispatch(w http.ResponseWriter, r *http.Request, session *model.Session) {
	if proxy.IsWebSocketUpgrade(r) {
		h.upstream.Relay(w, r)
		return
	}

	var hook proxy.ResponseHook
	if session != nil && rewrite.EligibleRequest(r.Method, r.RequestURI) {
		hook = h.bootstrapHook(r, session)
	}
	h.upstream.Forward(w, r, hook)
}

// bootstrapHook はセッション情報をlocalStorageへ書き込むスクリプトを挿入するフックを返す。
func (h *GatewayHandler) bootstrapHook(r *http.Request, session *model.Session) proxy.ResponseHook {
	b := &rewrite.Bootstrap{
		Username:      session.Username,
		UpstreamToken: session.UpstreamToken,
		Domain:        h.addressing.WebSocketDomain(r),
		Modules:       h.classifier.Modules(),
	}
	method, requestURI := r.Method, r.RequestURI

	return func(resp *http.Response, body []byte) []byte {
		// 圧縮済みの本文は書き換えない
		if enc := resp.Header.Get("Content-Encoding"); enc != "" && enc != "identity" {
			return body
		}
		out := h.rewriter.Rewrite(method, requestURI, resp.Header.Get("Content-Type"), body, b)
		if h.recorder != nil && len(out) != len(body) {
			h.recorder.RecordRewrite()
		}
		return out
	}
}
