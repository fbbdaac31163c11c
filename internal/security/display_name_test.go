package security

import (
	"strings"
	"testing"
	"unicode/utf8"
)

func TestDisplayNameSanitizer_Sanitize(t *testing.T) {
	s := NewDisplayNameSanitizer()

	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"plain", "nick", "nick"},
		{"japanese", "ぽぐりー", "ぽぐりー"},
		{"trim spaces", "  nick  ", "nick"},
		{"script tag removed", "<script>alert(1)</script>nick", "nick"},
		{"bold tag removed", "<b>nick</b>", "nick"},
		{"ampersand kept as text", "a&b", "a&b"},
		{"control chars removed", "ni\tck\n", "nick"},
		{"empty", "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := s.Sanitize(tt.input); got != tt.want {
				t.Errorf("Sanitize(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}

func TestDisplayNameSanitizer_Truncates(t *testing.T) {
	s := NewDisplayNameSanitizer()

	got := s.Sanitize(strings.Repeat("あ", maxDisplayNameLength+10))
	if n := utf8.RuneCountInString(got); n != maxDisplayNameLength {
		t.Errorf("length = %d, want %d", n, maxDisplayNameLength)
	}
}

func TestDisplayNameSanitizer_Idempotent(t *testing.T) {
	s := NewDisplayNameSanitizer()

	once := s.Sanitize("<i>nick</i> & co")
	twice := s.Sanitize(once)
	if once != twice {
		t.Errorf("not idempotent: %q -> %q", once, twice)
	}
}
