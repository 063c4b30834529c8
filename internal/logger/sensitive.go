package logger

import (
	"regexp"
	"strings"
)

var sensitivePatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)(bearer\s+)([A-Za-z0-9-._~+/]+=*)`),
	regexp.MustCompile(`(?i)((api|access|auth|token|secret|passw(or)?d)[0-9a-z\-_\.]*[\s:=]+)([^;,\s]{5,})`),
	// user:password@ in DSNs and URLs
	regexp.MustCompile(`(://[^:/@\s]+:)([^@\s]+)(@)`),
}

var sensitiveKeys = []string{
	"password", "passwd", "secret", "token", "api_key", "apikey", "authorization", "cookie", "dsn",
}

// RedactSensitiveData masks credentials embedded in free text.
func RedactSensitiveData(input string) string {
	if input == "" {
		return input
	}
	for i, p := range sensitivePatterns {
		if i == len(sensitivePatterns)-1 {
			input = p.ReplaceAllString(input, "${1}[REDACTED]${3}")
			continue
		}
		input = p.ReplaceAllString(input, "${1}[REDACTED]")
	}
	return input
}

func isSensitiveKey(key string) bool {
	k := strings.ToLower(key)
	for _, s := range sensitiveKeys {
		if strings.Contains(k, s) {
			return true
		}
	}
	return false
}
