// Package privacy keeps credentials out of logs and error messages.
package privacy

import (
	"net/url"
	"regexp"
	"strings"
)

// Marker replaces redacted values.
const Marker = "[REDACTED]"

// credentialPatterns match credentials a model runtime may echo back in an error body.
var credentialPatterns = []*regexp.Regexp{
	// Authorization header values
	regexp.MustCompile(`(?i)(bearer)\s+[a-zA-Z0-9._~+/=-]{8,}`),

	// Key assignments in JSON, query strings or config dumps
	regexp.MustCompile(`(?i)("?(?:api[_-]?key|access[_-]?token|auth[_-]?token)"?\s*[:=]\s*)"?[a-zA-Z0-9._-]{8,}"?`),

	// Provider-style secret keys
	regexp.MustCompile(`\bsk-[a-zA-Z0-9-]{20,}`),
	regexp.MustCompile(`\bhf_[a-zA-Z0-9]{20,}`),
}

// sensitiveParams are query parameters whose values are never logged.
var sensitiveParams = []string{"key", "api_key", "apikey", "token", "access_token"}

// Redact masks credential-looking substrings of text. Every non-empty value in
// known is masked verbatim first, so a configured key is hidden whatever its shape.
func Redact(text string, known ...string) string {
	if text == "" {
		return text
	}

	result := text
	for _, secret := range known {
		if len(secret) < 4 {
			continue
		}
		result = strings.ReplaceAll(result, secret, Marker)
	}

	for _, pattern := range credentialPatterns {
		result = pattern.ReplaceAllStringFunc(result, func(match string) string {
			sub := pattern.FindStringSubmatch(match)
			if len(sub) > 1 {
				// Keep the key name or scheme, drop the value
				if strings.EqualFold(sub[1], "bearer") {
					return sub[1] + " " + Marker
				}
				return sub[1] + Marker
			}
			return Marker
		})
	}
	return result
}

// RedactURL hides the password of a URL's userinfo and the values of
// credential query parameters. Unparseable input is returned fully masked.
func RedactURL(raw string) string {
	if raw == "" {
		return raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return Marker
	}

	if u.User != nil {
		if _, hasPassword := u.User.Password(); hasPassword {
			u.User = url.UserPassword(u.User.Username(), Marker)
		}
	}

	if u.RawQuery != "" {
		q := u.Query()
		for _, name := range sensitiveParams {
			for key := range q {
				if strings.EqualFold(key, name) {
					q.Set(key, Marker)
				}
			}
		}
		u.RawQuery = q.Encode()
	}

	// Keep the marker readable instead of percent-encoded
	return strings.ReplaceAll(u.String(), url.QueryEscape(Marker), Marker)
}
