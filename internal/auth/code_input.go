package auth

import (
	"fmt"
	"net/url"
	"strings"
)

// CodeExtractResult is the authorization code (and state, when present)
// parsed from operator input.
type CodeExtractResult struct {
	Code  string
	State string
}

// ExtractCodeFromInput accepts either a pasted callback URL or a raw
// authorization code and extracts the code from it. Codes arriving inside a
// URL are percent-encoded and get decoded here.
func ExtractCodeFromInput(input string) (*CodeExtractResult, error) {
	trimmed := strings.TrimSpace(input)
	if trimmed == "" {
		return nil, fmt.Errorf("no input provided")
	}

	if strings.HasPrefix(trimmed, "http://") || strings.HasPrefix(trimmed, "https://") {
		parsed, err := url.Parse(trimmed)
		if err != nil {
			return nil, fmt.Errorf("invalid URL format")
		}
		query := parsed.Query()

		if errParam := query.Get("error"); errParam != "" {
			return nil, fmt.Errorf("OAuth error: %s", errParam)
		}
		code := query.Get("code")
		if code == "" {
			return nil, fmt.Errorf("no authorization code found in URL")
		}
		return &CodeExtractResult{Code: code, State: query.Get("state")}, nil
	}

	// Raw codes from Google start with "4/" and are long; anything shorter
	// is a paste accident.
	if len(trimmed) < 10 {
		return nil, fmt.Errorf("input is too short to be a valid authorization code")
	}

	if decoded, err := url.QueryUnescape(trimmed); err == nil {
		trimmed = decoded
	}
	return &CodeExtractResult{Code: trimmed}, nil
}
