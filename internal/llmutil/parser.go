// internal/llmutil/parser.go
package llmutil

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// ErrNoJSON is returned when a model reply contains no JSON object or array.
var ErrNoJSON = errors.New("no JSON found in model response")

// fencedRegex captures the body of the first markdown code fence. \x60 is a backtick.
var fencedRegex = regexp.MustCompile("(?s)\x60\x60\x60[a-zA-Z]*\\s*(.*?)\\s*\x60\x60\x60")

// ExtractJSON returns the JSON object or array embedded in a model reply. It
// accepts bare JSON, JSON in a markdown fence, and JSON surrounded by prose.
func ExtractJSON(response string) (string, error) {
	response = strings.TrimSpace(response)
	if m := fencedRegex.FindStringSubmatch(response); len(m) > 1 {
		response = strings.TrimSpace(m[1])
	}
	if strings.HasPrefix(response, "{") || strings.HasPrefix(response, "[") {
		return response, nil
	}

	open, close := strings.Index(response, "{"), strings.LastIndex(response, "}")
	if arr := strings.Index(response, "["); arr != -1 && (open == -1 || arr < open) {
		open, close = arr, strings.LastIndex(response, "]")
	}
	if open == -1 || close <= open {
		return "", ErrNoJSON
	}
	return response[open : close+1], nil
}

// ParseJSONResponse extracts and decodes a model reply into T.
func ParseJSONResponse[T any](response string) (*T, error) {
	raw, err := ExtractJSON(response)
	if err != nil {
		return nil, fmt.Errorf("%w (response: %s)", err, Truncate(response, 200))
	}
	var result T
	if err := json.UnmarshalFromString(raw, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal model JSON response: %w. Extracted JSON (truncated): %s", err, Truncate(raw, 500))
	}
	return &result, nil
}

// CleanCodeOutput strips a surrounding markdown fence from generated code.
func CleanCodeOutput(content string) string {
	content = strings.TrimSpace(content)
	if strings.HasPrefix(content, "```") {
		if m := fencedRegex.FindStringSubmatch(content); len(m) > 1 {
			return strings.TrimSpace(m[1])
		}
	}
	return content
}

// Truncate shortens s to at most maxRunes runes, marking the cut with "...".
func Truncate(s string, maxRunes int) string {
	if maxRunes <= 0 {
		return ""
	}
	r := []rune(s)
	if len(r) <= maxRunes {
		return s
	}
	return string(r[:maxRunes]) + "..."
}
