package proxy

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

const testSubprotocol = "v1.json.spacetimedb"

// newEchoUpstream はメッセージ種別を保ったまま応答するWebSocketサーバーを起動する。
func newEchoUpstream(t *testing.T, seen chan<- *http.Request) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{Subprotocols: []string{testSubprotocol}}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if seen != nil {
			seen <- r.Clone(r.Context())
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			mt, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if err := conn.WriteMessage(mt, data); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func wsURL(httpURL, path string) string {
	return "ws" + strings.TrimPrefix(httpURL, "http") + path
}

func TestRelay_EchoesMessagesAndSubprotocol(t *testing.T) {
	seen := make(chan *http.Request, 1)
	upstream := newEchoUpstream(t, seen)

	collector := newMockCollector()
	c := newTestConnector(t, upstream.URL, collector)
	gateway := httptest.NewServer(http.HandlerFunc(c.Relay))
	defer gateway.Close()

	header := http.Header{}
	header.Set("Cookie", "poglygate_session=secret; other=1")
	dialer := websocket.Dialer{Subprotocols: []string{testSubprotocol}}
	conn, resp, err := dialer.Dial(wsURL(gateway.URL, "/subscribe?module=pogly"), header)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer conn.Close()

	if resp.StatusCode != http.StatusSwitchingProtocols {
		t.Errorf("status = %d, want 101", resp.StatusCode)
	}
	if conn.Subprotocol() != testSubprotocol {
		t.Errorf("Subprotocol() = %q, want %q", conn.Subprotocol(), testSubprotocol)
	}

	select {
	case r := <-seen:
		if r.URL.Path != "/subscribe" || r.URL.RawQuery != "module=pogly" {
			t.Errorf("upstream URL = %s", r.URL)
		}
		if got := r.Header.Get("Cookie"); got != "other=1" {
			t.Errorf("upstream Cookie = %q, want %q", got, "other=1")
		}
		if got := r.Header.Get("Origin"); got != upstream.URL {
			t.Errorf("upstream Origin = %q, want %q", got, upstream.URL)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("upstream never received handshake")
	}

	cases := []struct {
		mt   int
		data []byte
	}{
		{websocket.TextMessage, []byte(`{"subscribe":["SELECT * FROM Layouts"]}`)},
		{websocket.BinaryMessage, []byte{0x00, 0x01, 0xff}},
	}
	for _, tc := range cases {
		if err := conn.WriteMessage(tc.mt, tc.data); err != nil {
			t.Fatalf("WriteMessage() error = %v", err)
		}
		_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		mt, data, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("ReadMessage() error = %v", err)
		}
		if mt != tc.mt {
			t.Errorf("message type = %d, want %d", mt, tc.mt)
		}
		if string(data) != string(tc.data) {
			t.Errorf("payload = %q, want %q", data, tc.data)
		}
	}

	if collector.relays.Load() != 1 {
		t.Errorf("open relays = %d, want 1", collector.relays.Load())
	}

	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"),
		time.Now().Add(time.Second))

	deadline := time.Now().Add(2 * time.Second)
	for collector.relays.Load() != 0 {
		if time.Now().After(deadline) {
			t.Fatal("relay was not closed after client close")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestRelay_UpstreamUnavailable(t *testing.T) {
	upstream := httptest.NewServer(http.NotFoundHandler())
	upstreamURL := upstream.URL
	upstream.Close()

	c := newTestConnector(t, upstreamURL, nil)
	gateway := httptest.NewServer(http.HandlerFunc(c.Relay))
	defer gateway.Close()

	_, resp, err := websocket.DefaultDialer.Dial(wsURL(gateway.URL, "/subscribe"), nil)
	if err == nil {
		t.Fatal("expected dial error")
	}
	if resp == nil || resp.StatusCode != http.StatusBadGateway {
		t.Fatalf("response = %v, want 502", resp)
	}
}

func TestRelay_UpstreamRejectsHandshake(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "forbidden", http.StatusForbidden)
	}))
	defer upstream.Close()

	c := newTestConnector(t, upstream.URL, nil)
	gateway := httptest.NewServer(http.HandlerFunc(c.Relay))
	defer gateway.Close()

	_, resp, err := websocket.DefaultDialer.Dial(wsURL(gateway.URL, "/subscribe"), nil)
	if err == nil {
		t.Fatal("expected dial error")
	}
	if resp == nil || resp.StatusCode != http.StatusBadGateway {
		t.Fatalf("response = %v, want 502", resp)
	}
}

func TestIsWebSocketUpgrade(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/subscribe", nil)
	if IsWebSocketUpgrade(r) {
		t.Error("plain GET should not be an upgrade")
	}
	r.Header.Set("Connection", "Upgrade")
	r.Header.Set("Upgrade", "websocket")
	if !IsWebSocketUpgrade(r) {
		t.Error("upgrade request should be detected")
	}
}
