package logger

import (
	"io"
	"regexp"
	"sort"
	"strings"
)

const redacted = "[REDACTED]"

// DefaultSensitiveKeys are JSON field names whose values never reach a log
// sink: the agent auth token of a security context, MQTT and HTTP
// credentials, and the gateway shared secret.
var DefaultSensitiveKeys = []string{
	"access_key",
	"api_key",
	"auth_token",
	"authorization",
	"client_secret",
	"password",
	"private_key",
	"secret",
	"shared_secret",
	"x-toolengine-secret",
}

// Redactor masks secrets in serialized log records. Values of sensitive
// JSON keys are replaced while the key stays, so records remain valid JSON.
// Free-form patterns catch secrets inside messages.
type Redactor struct {
	keys     map[string]struct{}
	keyValue *regexp.Regexp
	patterns []*regexp.Regexp
}

// NewRedactor creates a redactor for DefaultSensitiveKeys and the default
// value patterns.
func NewRedactor() *Redactor {
	r := &Redactor{
		keys: make(map[string]struct{}),
		patterns: []*regexp.Regexp{
			regexp.MustCompile(`Bearer\s+[a-zA-Z0-9._~+/-]+=*`),
			// user:password@ in broker and endpoint URLs
			regexp.MustCompile(`://[^/\s:@"]+:[^/\s@"]+@`),
			regexp.MustCompile(`(?i)\b(password|passwd|pwd|secret|auth_token)\s*[:=]\s*[^\s",}]+`),
			regexp.MustCompile(`AKIA[0-9A-Z]{16}`),
		},
	}
	for _, key := range DefaultSensitiveKeys {
		r.keys[key] = struct{}{}
	}
	r.compileKeys()
	return r
}

// AddKey marks another JSON field name as sensitive. Matching ignores case.
func (r *Redactor) AddKey(key string) {
	key = strings.ToLower(strings.TrimSpace(key))
	if key == "" {
		return
	}
	r.keys[key] = struct{}{}
	r.compileKeys()
}

func (r *Redactor) compileKeys() {
	names := make([]string, 0, len(r.keys))
	for key := range r.keys {
		names = append(names, regexp.QuoteMeta(key))
	}
	sort.Strings(names)
	// "key": "string with \" escapes" | number | true | false | null
	r.keyValue = regexp.MustCompile(`(?i)"(` + strings.Join(names, "|") + `)"\s*:\s*("(?:[^"\\]|\\.)*"|-?[0-9][0-9.eE+-]*|true|false|null)`)
}

// AddPattern adds a custom redaction pattern
func (r *Redactor) AddPattern(pattern string) error {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return err
	}
	r.patterns = append(r.patterns, re)
	return nil
}

// Redact masks sensitive key values first, then free-form patterns.
func (r *Redactor) Redact(s string) string {
	result := r.keyValue.ReplaceAllString(s, `"$1":"`+redacted+`"`)
	for _, pattern := range r.patterns {
		result = pattern.ReplaceAllString(result, redacted)
	}
	return result
}

// Wrap wraps an io.Writer to redact sensitive information
func (r *Redactor) Wrap(w io.Writer) io.Writer {
	return &redactingWriter{
		writer:   w,
		redactor: r,
	}
}

type redactingWriter struct {
	writer   io.Writer
	redactor *Redactor
}

// Write reports len(p) on success since redaction changes the byte count.
func (w *redactingWriter) Write(p []byte) (n int, err error) {
	out := w.redactor.Redact(string(p))
	if _, err := w.writer.Write([]byte(out)); err != nil {
		return 0, err
	}
	return len(p), nil
}
