// Package web implements the HTTP tool backend.
package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/go-resty/resty/v2"
	"github.com/harun/toolengine/internal/observability"
	"github.com/harun/toolengine/pkg/toolexecutor"
	"github.com/tidwall/gjson"
)

const (
	PermHTTP = "network:http"

	// DefaultMaxResponseSize applies when the tool sets no max_response_size.
	DefaultMaxResponseSize = 10 << 20
	DefaultUserAgent       = "toolengine/1.0"

	maxRedirects = 10
)

var allowedMethods = []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete}

// Backend performs HTTP requests against allowed domains.
type Backend struct {
	name    string
	cfg     toolexecutor.HTTPConfig
	base    *url.URL
	client  *resty.Client
	maxBody int64
}

// New creates an HTTP backend.
func New(name string, cfg toolexecutor.HTTPConfig) (*Backend, error) {
	b := &Backend{name: name, cfg: cfg, maxBody: cfg.MaxResponseSize}
	if b.maxBody <= 0 {
		b.maxBody = DefaultMaxResponseSize
	}
	if cfg.BaseURL != "" {
		base, err := url.Parse(cfg.BaseURL)
		if err != nil || !base.IsAbs() {
			return nil, fmt.Errorf("http backend %s: base_url must be absolute: %q", name, cfg.BaseURL)
		}
		b.base = base
	}

	userAgent := cfg.UserAgent
	if userAgent == "" {
		userAgent = DefaultUserAgent
	}
	b.client = resty.New().
		SetHeader("User-Agent", userAgent).
		SetHeaders(cfg.DefaultHeaders).
		SetRedirectPolicy(resty.RedirectPolicyFunc(func(req *http.Request, via []*http.Request) error {
			if len(via) >= maxRedirects {
				return fmt.Errorf("stopped after %d redirects", maxRedirects)
			}
			return b.checkHost(req.URL)
		}))
	return b, nil
}

func (b *Backend) Name() string                { return b.name }
func (b *Backend) Kind() toolexecutor.ToolKind { return toolexecutor.KindHTTP }
func (b *Backend) Permissions() []string       { return []string{PermHTTP} }

type params struct {
	Method   string            `mapstructure:"method"`
	URL      string            `mapstructure:"url"`
	Headers  map[string]string `mapstructure:"headers"`
	Query    map[string]string `mapstructure:"query"`
	Body     interface{}       `mapstructure:"body"`
	JSONPath string            `mapstructure:"json_path"`
}

func (p *params) method() string {
	if p.Method == "" {
		return http.MethodGet
	}
	return strings.ToUpper(p.Method)
}

func (b *Backend) Validate(_ *toolexecutor.Tool, raw map[string]interface{}) []toolexecutor.ValidationIssue {
	var p params
	if err := toolexecutor.DecodeParams(raw, &p); err != nil {
		return []toolexecutor.ValidationIssue{{Code: toolexecutor.CodeTypeMismatch, Message: err.Error()}}
	}

	var issues []toolexecutor.ValidationIssue
	method := p.method()
	known := false
	for _, m := range allowedMethods {
		if m == method {
			known = true
		}
	}
	if !known {
		issues = append(issues, toolexecutor.ValidationIssue{
			Parameter: "method",
			Code:      toolexecutor.CodeInvalidEnum,
			Message:   fmt.Sprintf("unsupported method %q", p.Method),
			Expected:  strings.Join(allowedMethods, "|"),
			Actual:    p.Method,
		})
	}
	if _, err := b.target(p.URL); err != nil {
		issues = append(issues, toolexecutor.ValidationIssue{
			Parameter: "url",
			Code:      toolexecutor.CodeInvalidURL,
			Message:   err.Error(),
			Actual:    p.URL,
		})
	}
	if p.Body != nil && method == http.MethodGet {
		issues = append(issues, toolexecutor.ValidationIssue{
			Parameter: "body",
			Code:      toolexecutor.CodeInvalidRule,
			Message:   "GET requests cannot carry a body",
		})
	}
	return issues
}

// target resolves raw against base_url.
func (b *Backend) target(raw string) (*url.URL, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, errors.New("url must be provided")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid url: %w", err)
	}
	if !u.IsAbs() {
		if b.base == nil {
			return nil, fmt.Errorf("url %q is relative and no base_url is configured", raw)
		}
		u = b.base.ResolveReference(u)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	if u.Hostname() == "" {
		return nil, fmt.Errorf("url %q has no host", raw)
	}
	return u, nil
}

// checkHost enforces the domain allow-list by suffix on label boundaries.
// An empty list allows every host.
func (b *Backend) checkHost(u *url.URL) error {
	if len(b.cfg.AllowedDomains) == 0 {
		return nil
	}
	host := strings.ToLower(strings.TrimSuffix(u.Hostname(), "."))
	for _, domain := range b.cfg.AllowedDomains {
		domain = strings.ToLower(strings.TrimPrefix(strings.TrimSpace(domain), "."))
		if domain == "" {
			continue
		}
		if host == domain || strings.HasSuffix(host, "."+domain) {
			return nil
		}
	}
	return &toolexecutor.ExecutorError{
		Kind:    toolexecutor.KindPermissionDenied,
		Message: fmt.Sprintf("host %q is not in the allowed domains", host),
		Details: map[string]interface{}{"host": host, "allowed_domains": b.cfg.AllowedDomains},
	}
}

func (b *Backend) Execute(ctx context.Context, call *toolexecutor.Call) (*toolexecutor.ExecutionOutput, error) {
	var p params
	if err := call.Decode(&p); err != nil {
		return nil, err
	}
	target, err := b.target(p.URL)
	if err != nil {
		return nil, toolexecutor.WrapError(toolexecutor.KindInvalidParameters, err, "url")
	}
	if err := b.checkHost(target); err != nil {
		return nil, err
	}

	req := b.client.R().
		SetContext(ctx).
		SetDoNotParseResponse(true).
		SetHeaders(p.Headers).
		SetQueryParams(p.Query)

	var sent int64
	if p.Body != nil {
		var payload []byte
		switch body := p.Body.(type) {
		case string:
			payload = []byte(body)
		default:
			payload, err = json.Marshal(body)
			if err != nil {
				return nil, toolexecutor.WrapError(toolexecutor.KindInvalidParameters, err, "encode body")
			}
			if _, ok := p.Headers["Content-Type"]; !ok {
				req.SetHeader("Content-Type", "application/json")
			}
		}
		req.SetBody(payload)
		sent = int64(len(payload))
	}
	if err := call.Usage.RecordNetwork(sent); err != nil {
		return nil, err
	}

	method := p.method()
	resp, err := req.Execute(method, target.String())
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		kind := toolexecutor.KindOf(err)
		if kind != toolexecutor.KindPermissionDenied && kind != toolexecutor.KindTimeout {
			kind = toolexecutor.KindNetworkError
		}
		return nil, toolexecutor.WrapError(kind, err, "%s %s", method, target.Redacted())
	}
	body := resp.RawBody()
	defer body.Close()

	if length := resp.RawResponse.ContentLength; length > b.maxBody {
		return nil, toolexecutor.ResourceLimitError(toolexecutor.ResourceResponse, b.maxBody, length)
	}
	data, err := io.ReadAll(io.LimitReader(body, b.maxBody+1))
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, toolexecutor.WrapError(toolexecutor.KindNetworkError, err, "read response of %s %s", method, target.Redacted())
	}
	if int64(len(data)) > b.maxBody {
		return nil, toolexecutor.ResourceLimitError(toolexecutor.ResourceResponse, b.maxBody, int64(len(data)))
	}
	if err := call.Usage.RecordNetwork(int64(len(data))); err != nil {
		return nil, err
	}
	observability.RecordBackendBytes(call.Tool.ID, "sent", sent)
	observability.RecordBackendBytes(call.Tool.ID, "received", int64(len(data)))

	status := resp.StatusCode()
	call.Logger.Debug().Str("method", method).Str("url", target.Redacted()).Int("status", status).Int("bytes", len(data)).Msg("HTTP request completed")

	if status >= http.StatusInternalServerError {
		return nil, &toolexecutor.ExecutorError{
			Kind:    toolexecutor.KindNetworkError,
			Message: fmt.Sprintf("%s %s answered %d", method, target.Redacted(), status),
			Details: map[string]interface{}{"status": status, "body": snippet(data)},
		}
	}

	result := map[string]interface{}{
		"status":  status,
		"headers": flattenHeaders(resp.Header()),
		"url":     resp.RawResponse.Request.URL.String(),
		"body":    decodeBody(data),
	}
	if p.JSONPath != "" {
		extracted := gjson.GetBytes(data, p.JSONPath)
		if extracted.Exists() {
			result["extracted"] = extracted.Value()
		} else {
			call.Diagnose(toolexecutor.LevelWarning, "json_path_missing", "json_path %q matched nothing", p.JSONPath)
		}
	}

	out := toolexecutor.JSONOutput(result)
	if status < 200 || status >= 300 {
		out.Partial = true
		call.Diagnose(toolexecutor.LevelWarning, "http_status", "%s %s answered %d", method, target.Redacted(), status)
	}
	return out, nil
}

// decodeBody parses JSON bodies and keeps anything else as text.
func decodeBody(data []byte) interface{} {
	if len(data) == 0 {
		return ""
	}
	if gjson.ValidBytes(data) {
		var v interface{}
		if err := json.Unmarshal(data, &v); err == nil {
			return v
		}
	}
	return string(data)
}

func flattenHeaders(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for k, v := range h {
		out[k] = strings.Join(v, ", ")
	}
	return out
}

func snippet(data []byte) string {
	const max = 512
	if len(data) > max {
		return string(data[:max]) + "..."
	}
	return string(data)
}
