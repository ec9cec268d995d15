package llmutil

import (
	"errors"
	"strings"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// ErrNoJSONObject is returned when a response contains no balanced JSON object.
var ErrNoJSONObject = errors.New("no JSON object found in LLM response")

// ExtractJSONObject returns the first balanced {...} substring of response.
// Braces inside JSON string literals are ignored, so prose, markdown fences
// and trailing chatter around the object are tolerated.
func ExtractJSONObject(response string) (string, error) {
	for start := strings.IndexByte(response, '{'); start != -1; {
		if end, ok := matchObject(response, start); ok {
			return response[start : end+1], nil
		}
		next := strings.IndexByte(response[start+1:], '{')
		if next == -1 {
			break
		}
		start += next + 1
	}
	return "", ErrNoJSONObject
}

// matchObject scans from the '{' at start and returns the index of the brace
// that closes it.
func matchObject(s string, start int) (int, bool) {
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return i, true
			}
		}
	}
	return 0, false
}
