package workflow

import (
	"encoding/json"
	"fmt"
	"strings"
)

// StripCodeFence removes markdown code fence lines (``` or ```json) that
// models like to wrap structured answers in.
func StripCodeFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	lines := strings.Split(s, "\n")
	kept := lines[:0]
	for _, line := range lines {
		if strings.HasPrefix(strings.TrimSpace(line), "```") {
			continue
		}
		kept = append(kept, line)
	}
	return strings.TrimSpace(strings.Join(kept, "\n"))
}

// DecodeJSON parses a structured model response into v. Fences are stripped
// first; if the remainder is not valid JSON the first balanced object is
// tried before giving up.
func DecodeJSON(raw string, v any) error {
	body := StripCodeFence(raw)
	if body == "" {
		return fmt.Errorf("empty response")
	}
	err := json.Unmarshal([]byte(body), v)
	if err == nil {
		return nil
	}
	if obj := extractFirstJSON(body); obj != body {
		if err2 := json.Unmarshal([]byte(obj), v); err2 == nil {
			return nil
		}
	}
	return fmt.Errorf("decode json: %w", err)
}

func extractFirstJSON(s string) string {
	start := -1
	depth := 0
	inString := false
	escaped := false
	for i, ch := range s {
		if inString {
			switch {
			case escaped:
				escaped = false
			case ch == '\\':
				escaped = true
			case ch == '"':
				inString = false
			}
			continue
		}
		switch ch {
		case '"':
			if start != -1 {
				inString = true
			}
		case '{':
			if depth == 0 {
				start = i
			}
			depth++
		case '}':
			if depth > 0 {
				depth--
			}
			if depth == 0 && start != -1 {
				return s[start : i+1]
			}
		}
	}
	return s
}
