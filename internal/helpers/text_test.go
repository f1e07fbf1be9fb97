package helpers

import (
	"strings"
	"testing"
	"unicode/utf8"
)

func TestTruncateBytes(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		in   string
		max  int
		want string
	}{
		{name: "under max passes through", in: "hello", max: 10, want: "hello"},
		{name: "exact max passes through", in: "hello", max: 5, want: "hello"},
		{name: "ascii cut", in: "hello", max: 3, want: "hel"},
		{name: "backs off a two-byte rune", in: "aéb", max: 2, want: "a"},
		{name: "keeps a complete two-byte rune", in: "aéb", max: 3, want: "aé"},
		{name: "backs off a four-byte rune", in: "\U0001F600x", max: 3, want: ""},
		{name: "non-positive max", in: "hello", max: 0, want: ""},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			got := TruncateBytes(tt.in, tt.max)
			if got != tt.want {
				t.Fatalf("TruncateBytes(%q, %d) = %q, want %q", tt.in, tt.max, got, tt.want)
			}
			if !utf8.ValidString(got) {
				t.Fatalf("result %q is not valid UTF-8", got)
			}
		})
	}
}

func TestTruncateBytesAlwaysValidUTF8(t *testing.T) {
	t.Parallel()
	s := strings.Repeat("é世\U0001F600", 50)
	for max := 0; max <= len(s); max++ {
		out := TruncateBytes(s, max)
		if len(out) > max {
			t.Fatalf("max %d: result is %d bytes", max, len(out))
		}
		if !utf8.ValidString(out) {
			t.Fatalf("max %d: result is not valid UTF-8", max)
		}
	}
}
