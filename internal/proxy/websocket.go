package proxy

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/hitoshi/poglygate/internal/metrics"
	"github.com/hitoshi/poglygate/internal/middleware"
	"github.com/hitoshi/poglygate/internal/model"
)

// closeGracePeriod はClose制御フレーム送信の書き込み期限。
const closeGracePeriod = time.Second

// IsWebSocketUpgrade はWebSocketへのアップグレード要求かどうかを返す。
func IsWebSocketUpgrade(r *http.Request) bool {
	return websocket.IsWebSocketUpgrade(r)
}

// Relay はアップストリームへWebSocket接続を張り、クライアント接続をアップグレードして
// 双方向にメッセージを中継する。ペイロードは書き換えない。
// アップストリームへの接続に失敗した場合はアップグレード前に502を返す。
func (c *Connector) Relay(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := c.logger.With(
		slog.String("request_id", middleware.RequestIDFromContext(ctx)),
		slog.String("relay_id", uuid.NewString()),
		slog.String("path", r.URL.Path),
	)

	wsScheme := "ws"
	if c.upstream.Scheme == "https" {
		wsScheme = "wss"
	}
	target := c.targetURL(r.URL, wsScheme)

	dialer := *c.dialer
	dialer.Subprotocols = websocket.Subprotocols(r)

	upConn, resp, err := dialer.DialContext(ctx, target, c.handshakeHeader(r))
	if err != nil {
		attrs := []any{slog.String("error", err.Error())}
		if resp != nil {
			attrs = append(attrs, slog.Int("upstream_status", resp.StatusCode))
		}
		logger.Warn("failed to dial upstream websocket", attrs...)
		c.metrics.RecordUpstreamOutcome(metrics.OutcomeUnavailable)
		middleware.WriteErrorResponse(w, http.StatusBadGateway, model.NewUpstreamUnavailableError())
		return
	}
	c.metrics.RecordUpstreamOutcome(metrics.OutcomeOK)

	respHeader := http.Header{}
	if proto := upConn.Subprotocol(); proto != "" {
		respHeader.Set("Sec-Websocket-Protocol", proto)
	}
	clientConn, err := c.upgrader.Upgrade(w, r, respHeader)
	if err != nil {
		// Upgradeがクライアントへのエラー応答を書き込み済み
		logger.Warn("failed to upgrade client connection", slog.String("error", err.Error()))
		upConn.Close()
		return
	}

	c.metrics.RelayOpened()
	defer c.metrics.RelayClosed()
	logger.Debug("websocket relay opened", slog.String("subprotocol", upConn.Subprotocol()))

	errc := make(chan error, 2)
	go pump(clientConn, upConn, errc)
	go pump(upConn, clientConn, errc)

	// 片方向が終了したら両方の接続を閉じ、もう片方の終了を待つ
	first := <-errc
	clientConn.Close()
	upConn.Close()
	<-errc

	var ce *websocket.CloseError
	if errors.As(first, &ce) {
		logger.Debug("websocket relay closed", slog.Int("close_code", ce.Code))
		return
	}
	logger.Debug("websocket relay closed", slog.String("reason", first.Error()))
}

// handshakeHeader はアップストリームへのハンドシェイクに付与するヘッダーを組み立てる。
// ハンドシェイク用のヘッダーはDialerが設定するため除外する。
func (c *Connector) handshakeHeader(r *http.Request) http.Header {
	h := r.Header.Clone()
	removeHopHeaders(h)
	for _, name := range websocketHandshakeHeaders {
		h.Del(name)
	}
	h.Del("Host")
	stripCookies(h, c.config.StripCookies)
	setForwardedHeaders(h, r, c.addressing())
	h.Set("Origin", c.upstreamOrigin)
	return h
}

// pump はsrcから読み取ったメッセージを種別を保ったままdstへ書き込む。
// 読み取りが終了した場合はClose理由をdstへ伝えてからerrcに通知する。
func pump(dst, src *websocket.Conn, errc chan<- error) {
	for {
		mt, data, err := src.ReadMessage()
		if err != nil {
			msg := websocket.FormatCloseMessage(websocket.CloseNoStatusReceived, "")
			var ce *websocket.CloseError
			if errors.As(err, &ce) && ce.Code != websocket.CloseAbnormalClosure && ce.Code != websocket.CloseTLSHandshake {
				msg = websocket.FormatCloseMessage(ce.Code, ce.Text)
			}
			_ = dst.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeGracePeriod))
			errc <- err
			return
		}
		if err := dst.WriteMessage(mt, data); err != nil {
			errc <- err
			return
		}
	}
}
