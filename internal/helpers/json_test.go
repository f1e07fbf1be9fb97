package helpers

import (
	"errors"
	"testing"
)

func TestExtractJSON(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		in   string
		want string
	}{
		{
			name: "bare object",
			in:   `{"a":1}`,
			want: `{"a":1}`,
		},
		{
			name: "object with surrounding prose",
			in:   "Here are the results:\n{\"discoveries\":[]}\nLet me know!",
			want: `{"discoveries":[]}`,
		},
		{
			name: "fenced json block",
			in:   "```json\n{\"a\": {\"b\": [1,2]}}\n```",
			want: `{"a": {"b": [1,2]}}`,
		},
		{
			name: "braces inside strings",
			in:   `prefix {"msg":"use {curly} braces"} suffix`,
			want: `{"msg":"use {curly} braces"}`,
		},
		{
			name: "escaped quotes",
			in:   `{"msg":"she said \"hi\""}`,
			want: `{"msg":"she said \"hi\""}`,
		},
		{
			name: "array value",
			in:   `result: [{"url":"https://a"},{"url":"https://b"}]`,
			want: `[{"url":"https://a"},{"url":"https://b"}]`,
		},
		{
			name: "leading byte order mark",
			in:   "\ufeff{\"a\":1}",
			want: `{"a":1}`,
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			got, err := ExtractJSON(tt.in)
			if err != nil {
				t.Fatalf("ExtractJSON() error = %v", err)
			}
			if got != tt.want {
				t.Fatalf("ExtractJSON() got %q, want %q", got, tt.want)
			}
		})
	}
}

func TestExtractJSONFailure(t *testing.T) {
	t.Parallel()
	for _, in := range []string{"", "no json here", "{unclosed", "{\"a\": }"} {
		if _, err := ExtractJSON(in); !errors.Is(err, ErrNoJSON) {
			t.Fatalf("ExtractJSON(%q) expected ErrNoJSON, got %v", in, err)
		}
	}
}

func TestDecodeJSON(t *testing.T) {
	t.Parallel()
	var out struct {
		Discoveries []struct {
			URL string `json:"url"`
		} `json:"discoveries"`
	}
	in := "Sure! ```json\n{\"discoveries\":[{\"url\":\"https://example.com/a\"}]}\n```"
	if err := DecodeJSON(in, &out); err != nil {
		t.Fatalf("DecodeJSON: %v", err)
	}
	if len(out.Discoveries) != 1 || out.Discoveries[0].URL != "https://example.com/a" {
		t.Fatalf("unexpected decode result: %+v", out)
	}
}
