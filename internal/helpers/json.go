package helpers

import (
	"encoding/json"
	"errors"
	"strings"
)

// ErrNoJSON indicates that no balanced JSON object or array was found in the input.
var ErrNoJSON = errors.New("no balanced JSON object/array found")

// ExtractJSON finds and returns the first JSON object or array in s.
// LLM responses frequently wrap JSON in prose or Markdown code fences; this
// strips fences if present, tries a strict parse, then scans for the first
// balanced {...} or [...] while ignoring braces inside strings.
func ExtractJSON(s string) (string, error) {
	s = strings.TrimSpace(strings.TrimPrefix(s, "\uFEFF"))
	if s == "" {
		return "", ErrNoJSON
	}

	if inner, ok := stripFirstCodeFence(s); ok {
		s = strings.TrimSpace(inner)
	}

	if len(s) > 0 && (s[0] == '{' || s[0] == '[') {
		if json.Valid([]byte(s)) {
			return s, nil
		}
		if out, ok := extractBalancedFrom(s, 0); ok {
			return out, nil
		}
	}

	for i := 0; i < len(s); i++ {
		if s[i] == '{' || s[i] == '[' {
			if out, ok := extractBalancedFrom(s, i); ok {
				return out, nil
			}
		}
	}
	return "", ErrNoJSON
}

// DecodeJSON extracts the first JSON value from s and unmarshals it into v.
// Callers branch on the error instead of recovering from a panic; a failure
// here is the "parse failed" arm of best-effort LLM output decoding.
func DecodeJSON(s string, v interface{}) error {
	raw, err := ExtractJSON(s)
	if err != nil {
		return err
	}
	return json.Unmarshal([]byte(raw), v)
}

// stripFirstCodeFence removes the first fenced code block if s starts with
// ``` or ~~~, tolerating an optional language tag (e.g. ```json).
func stripFirstCodeFence(s string) (string, bool) {
	trim := strings.TrimLeft(s, "\n\r\t ")
	fence := ""
	switch {
	case strings.HasPrefix(trim, "```"):
		fence = "```"
	case strings.HasPrefix(trim, "~~~"):
		fence = "~~~"
	default:
		return "", false
	}
	rest := trim[len(fence):]
	nl := strings.IndexByte(rest, '\n')
	if nl == -1 {
		return "", false
	}
	rest = rest[nl+1:]
	if end := strings.Index(rest, fence); end != -1 {
		return rest[:end], true
	}
	return "", false
}

// extractBalancedFrom attempts to extract a balanced JSON value starting at
// startIdx, handling nested containers, strings and escape sequences.
func extractBalancedFrom(s string, startIdx int) (string, bool) {
	if startIdx < 0 || startIdx >= len(s) {
		return "", false
	}
	open := s[startIdx]
	if open != '{' && open != '[' {
		return "", false
	}

	var (
		stack    []byte
		inString bool
		escape   bool
	)
	stack = append(stack, open)

	for i := startIdx + 1; i < len(s); i++ {
		c := s[i]
		if inString {
			if escape {
				escape = false
				continue
			}
			switch c {
			case '\\':
				escape = true
			case '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{', '[':
			stack = append(stack, c)
		case '}', ']':
			if len(stack) == 0 {
				return "", false
			}
			top := stack[len(stack)-1]
			if (top == '{' && c != '}') || (top == '[' && c != ']') {
				return "", false
			}
			stack = stack[:len(stack)-1]
			if len(stack) == 0 {
				candidate := s[startIdx : i+1]
				if json.Valid([]byte(candidate)) {
					return candidate, true
				}
				return "", false
			}
		}
	}
	return "", false
}
