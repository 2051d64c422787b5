// Package ai holds shared pieces of the LLM provider adapters: response
// cleaning and token accounting.
package ai

import (
	"encoding/json"
	"regexp"
	"strings"
)

// ResponseCleaner strips the decoration LLMs wrap around JSON output.
//
// It deliberately avoids blanket quote rewriting: invoice vendor names and
// descriptions legitimately contain apostrophes, so only repairs that cannot
// corrupt valid JSON are applied.
type ResponseCleaner struct{}

func NewResponseCleaner() *ResponseCleaner { return &ResponseCleaner{} }

var trailingCommaRe = regexp.MustCompile(`,(\s*[}\]])`)

// CleanAndValidateJSON extracts the JSON object from a model reply and
// returns it, or an error when no valid object can be recovered.
func (rc *ResponseCleaner) CleanAndValidateJSON(response string) (string, error) {
	cleaned := rc.removeMarkdownFences(response)
	cleaned = rc.extractObject(cleaned)

	if rc.IsValidJSON(cleaned) {
		return cleaned, nil
	}

	// Last resort for almost-JSON: drop trailing commas, a frequent model
	// slip that never appears in valid output.
	repaired := trailingCommaRe.ReplaceAllString(cleaned, "$1")
	if rc.IsValidJSON(repaired) {
		return repaired, nil
	}

	return "", &JSONValidationError{
		Original: response,
		Cleaned:  cleaned,
		Message:  "model reply is not valid JSON",
	}
}

func (rc *ResponseCleaner) removeMarkdownFences(response string) string {
	s := strings.TrimSpace(response)
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(s, "```")
	return strings.TrimSpace(s)
}

// extractObject returns the first balanced {...} span. Brace counting skips
// braces inside JSON strings so text like {"note": "see {ref}"} survives.
func (rc *ResponseCleaner) extractObject(response string) string {
	start := strings.Index(response, "{")
	if start == -1 {
		return response
	}

	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(response); i++ {
		c := response[i]
		switch {
		case escaped:
			escaped = false
		case c == '\\' && inString:
			escaped = true
		case c == '"':
			inString = !inString
		case inString:
		case c == '{':
			depth++
		case c == '}':
			depth--
			if depth == 0 {
				return response[start : i+1]
			}
		}
	}
	return response[start:]
}

func (rc *ResponseCleaner) IsValidJSON(response string) bool {
	var tmp any
	return json.Unmarshal([]byte(response), &tmp) == nil
}

// JSONValidationError reports a reply that could not be repaired.
type JSONValidationError struct {
	Original string
	Cleaned  string
	Message  string
}

func (e *JSONValidationError) Error() string { return e.Message }
