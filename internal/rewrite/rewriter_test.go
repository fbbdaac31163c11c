package rewrite

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
)

func testBootstrap() *Bootstrap {
	return &Bootstrap{
		Username:      "nick",
		UpstreamToken: "tok",
		Domain:        "wss://gate.example.com",
		Modules:       []string{"pogly", "pogly-dev"},
	}
}

func TestEligible(t *testing.T) {
	tests := []struct {
		name        string
		method      string
		requestURI  string
		contentType string
		want        bool
	}{
		{"root html", "GET", "/", "text/html", true},
		{"root html with charset", "GET", "/", "text/html; charset=utf-8", true},
		{"root with query", "GET", "/?module=pogly", "text/html", true},
		{"uppercase media type", "GET", "/", "Text/HTML", true},
		{"post", "POST", "/", "text/html", false},
		{"head", "HEAD", "/", "text/html", false},
		{"sub path", "GET", "/index.html", "text/html", false},
		{"overlay", "GET", "/overlay", "text/html", false},
		{"json", "GET", "/", "application/json", false},
		{"empty content type", "GET", "/", "", false},
		{"xhtml", "GET", "/", "application/xhtml+xml", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Eligible(tt.method, tt.requestURI, tt.contentType); got != tt.want {
				t.Errorf("Eligible(%q, %q, %q) = %v, want %v", tt.method, tt.requestURI, tt.contentType, got, tt.want)
			}
		})
	}
}

func TestRewrite_InsertsScriptAfterBodyTag(t *testing.T) {
	rw := New(0)
	body := []byte("<html><body>hi</body></html>")

	got := rw.Rewrite("GET", "/", "text/html", body, testBootstrap())

	script, err := Script(testBootstrap())
	if err != nil {
		t.Fatalf("Script() error = %v", err)
	}
	want := "<html><body>" + string(script) + "hi</body></html>"
	if string(got) != want {
		t.Errorf("Rewrite() =\n%s\nwant\n%s", got, want)
	}
	if !strings.Contains(string(got), `s.setItem("nickname","nick");`) {
		t.Errorf("nickname assignment missing: %s", got)
	}
	if !strings.Contains(string(got), `s.setItem("stdbToken","tok");`) {
		t.Errorf("token assignment missing: %s", got)
	}
}

func TestRewrite_BodyTagWithAttributes(t *testing.T) {
	rw := New(0)
	body := []byte(`<!DOCTYPE html><html><head><title>x</title></head><body class="dark" data-x='1'><div>hi</div></body></html>`)

	got := rw.Rewrite("GET", "/?module=pogly", "text/html; charset=utf-8", body, testBootstrap())

	prefix := `<!DOCTYPE html><html><head><title>x</title></head><body class="dark" data-x='1'><script>`
	if !strings.HasPrefix(string(got), prefix) {
		t.Errorf("script should follow body start tag, got %s", got)
	}
	if !strings.HasSuffix(string(got), "</script><div>hi</div></body></html>") {
		t.Errorf("original content should follow script, got %s", got)
	}
}

func TestRewrite_IgnoresBodyInCommentsAndScripts(t *testing.T) {
	rw := New(0)
	body := []byte(`<html><head><!-- <body> --><script>var s = "<body>";</script></head><body>hi</body></html>`)

	got := rw.Rewrite("GET", "/", "text/html", body, testBootstrap())

	idx := strings.Index(string(got), "<script>(function()")
	if idx < 0 {
		t.Fatalf("script not inserted: %s", got)
	}
	before := string(got[:idx])
	if !strings.HasSuffix(before, "</head><body>") {
		t.Errorf("script inserted at wrong position: %s", got)
	}
}

func TestRewrite_NoBodyTag_Unchanged(t *testing.T) {
	rw := New(0)
	body := []byte("<html><head></head></html>")

	got := rw.Rewrite("GET", "/", "text/html", body, testBootstrap())
	if !bytes.Equal(got, body) {
		t.Errorf("Rewrite() = %s, want unchanged", got)
	}
}

func TestRewrite_IneligibleResponses_ByteEqual(t *testing.T) {
	rw := New(0)
	body := []byte("<html><body>hi</body></html>")

	cases := []struct {
		name        string
		method      string
		requestURI  string
		contentType string
	}{
		{"non-root path", "GET", "/app.js", "text/html"},
		{"non-html", "GET", "/", "application/javascript"},
		{"non-get", "POST", "/", "text/html"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := rw.Rewrite(tc.method, tc.requestURI, tc.contentType, body, testBootstrap())
			if !bytes.Equal(got, body) {
				t.Errorf("Rewrite() = %s, want byte-equal input", got)
			}
		})
	}
}

func TestRewrite_OverMaxBytes_Unchanged(t *testing.T) {
	rw := New(16)
	body := []byte("<html><body>hi</body></html>")

	got := rw.Rewrite("GET", "/", "text/html", body, testBootstrap())
	if !bytes.Equal(got, body) {
		t.Errorf("Rewrite() = %s, want unchanged", got)
	}
}

func TestRewrite_NilBootstrap_Unchanged(t *testing.T) {
	rw := New(0)
	body := []byte("<html><body>hi</body></html>")

	if got := rw.Rewrite("GET", "/", "text/html", body, nil); !bytes.Equal(got, body) {
		t.Errorf("Rewrite() = %s, want unchanged", got)
	}
}

func TestScript_EscapesHTMLSensitiveCharacters(t *testing.T) {
	b := testBootstrap()
	b.Username = `</script><script>alert("x")</script>&`

	script, err := Script(b)
	if err != nil {
		t.Fatalf("Script() error = %v", err)
	}
	s := string(script)
	if strings.Count(s, "</script>") != 1 {
		t.Errorf("username must not terminate the script block: %s", s)
	}
	if !strings.Contains(s, `\u003c/script\u003e`) {
		t.Errorf("expected escaped angle brackets: %s", s)
	}
	if !strings.Contains(s, `\u0026`) {
		t.Errorf("expected escaped ampersand: %s", s)
	}
}

func TestScript_QuickSwapList(t *testing.T) {
	script, err := Script(testBootstrap())
	if err != nil {
		t.Fatalf("Script() error = %v", err)
	}
	s := string(script)

	const marker = `s.setItem("poglyQuickSwap",`
	start := strings.Index(s, marker)
	if start < 0 {
		t.Fatalf("poglyQuickSwap assignment missing: %s", s)
	}
	rest := s[start+len(marker):]
	end := strings.Index(rest, ");")
	if end < 0 {
		t.Fatalf("malformed assignment: %s", s)
	}

	// 値はJSON文字列として格納され、その中身が[{domain,module}]配列となる
	var encoded string
	if err := json.Unmarshal([]byte(rest[:end]), &encoded); err != nil {
		t.Fatalf("quick swap value is not a JSON string: %v", err)
	}
	var entries []quickSwapEntry
	if err := json.Unmarshal([]byte(encoded), &entries); err != nil {
		t.Fatalf("quick swap payload is not a JSON array: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("len(entries) = %d, want 2", len(entries))
	}
	if entries[0].Domain != "wss://gate.example.com" || entries[0].Module != "pogly" {
		t.Errorf("entries[0] = %+v", entries[0])
	}
	if entries[1].Module != "pogly-dev" {
		t.Errorf("entries[1] = %+v", entries[1])
	}
}

func TestScript_PreservesAllowedModuleSelection(t *testing.T) {
	script, err := Script(testBootstrap())
	if err != nil {
		t.Fatalf("Script() error = %v", err)
	}
	s := string(script)
	if !strings.Contains(s, `var m=["pogly","pogly-dev"];`) {
		t.Errorf("module list missing: %s", s)
	}
	if !strings.Contains(s, `if(m.indexOf(s.getItem("stdbConnectModule"))<0){s.setItem("stdbConnectModule",m[0]);}`) {
		t.Errorf("module selection guard missing: %s", s)
	}
	if !strings.Contains(s, `s.setItem("stdbConnectDomain","wss://gate.example.com");`) {
		t.Errorf("domain assignment missing: %s", s)
	}
}

func TestScript_NoModules_ReturnsError(t *testing.T) {
	b := testBootstrap()
	b.Modules = nil
	if _, err := Script(b); err == nil {
		t.Fatal("expected error for empty module list")
	}
}

func TestEligibleRequest(t *testing.T) {
	tests := []struct {
		method     string
		requestURI string
		want       bool
	}{
		{"GET", "/", true},
		{"GET", "/?module=pogly", true},
		{"GET", "/overlay", false},
		{"GET", "//evil", false},
		{"POST", "/", false},
	}
	for _, tt := range tests {
		if got := EligibleRequest(tt.method, tt.requestURI); got != tt.want {
			t.Errorf("EligibleRequest(%q, %q) = %v, want %v", tt.method, tt.requestURI, got, tt.want)
		}
	}
}
