package plugins

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/veralt/nodeflow/pkg/schema"
)

// HTTPServiceConfig bounds outbound requests made by an HTTPService.
type HTTPServiceConfig struct {
	MaxResponseBody int64
	DefaultTimeout  time.Duration
}

const (
	defaultMaxResponseBody = 10 * 1024 * 1024 // 10MB
	defaultHTTPTimeout     = 30 * time.Second
)

// httpImportedConfig is what a native-kind HTTP plugin carries in its
// ConfigStore entry: connection defaults applied to every request.
type httpImportedConfig struct {
	BaseURL     string            `json:"baseUrl,omitempty"`
	Headers     map[string]string `json:"headers,omitempty"`
	BearerToken string            `json:"bearerToken,omitempty"`
	Timeout     string            `json:"timeout,omitempty"`
}

// HTTPService is an ExecutableService that dispatches plugin invocations as
// HTTP requests. Node params select method, url, headers and body; the
// imported config supplies base URL, default headers and credentials.
type HTTPService struct {
	config HTTPServiceConfig
	client *http.Client

	mu       sync.RWMutex
	imported httpImportedConfig
}

// NewHTTPService creates an HTTP-backed plugin service.
func NewHTTPService(cfg HTTPServiceConfig) *HTTPService {
	if cfg.MaxResponseBody <= 0 {
		cfg.MaxResponseBody = defaultMaxResponseBody
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = defaultHTTPTimeout
	}
	return &HTTPService{
		config: cfg,
		client: &http.Client{},
	}
}

// ImportConfig applies a plugin configuration. Called before Execute for
// native-kind plugins; the config is JSON matching httpImportedConfig.
func (s *HTTPService) ImportConfig(configJSON string) error {
	if strings.TrimSpace(configJSON) == "" {
		return nil
	}
	var cfg httpImportedConfig
	if err := json.Unmarshal([]byte(configJSON), &cfg); err != nil {
		return schema.NewErrorf(schema.ErrCodePluginDispatch, "http service: invalid config").WithCause(err)
	}
	s.mu.Lock()
	s.imported = cfg
	s.mu.Unlock()
	return nil
}

func (s *HTTPService) Execute(ctx context.Context, paramsJSON string) (string, error) {
	var params map[string]any
	if paramsJSON != "" {
		if err := json.Unmarshal([]byte(paramsJSON), &params); err != nil {
			return "", schema.NewErrorf(schema.ErrCodePluginDispatch, "http service: invalid params").WithCause(err)
		}
	}
	if params == nil {
		params = map[string]any{}
	}

	s.mu.RLock()
	imported := s.imported
	s.mu.RUnlock()

	rawURL, err := s.resolveURL(imported, stringParam(params, "url", ""))
	if err != nil {
		return "", err
	}

	method := strings.ToUpper(stringParam(params, "method", "GET"))
	timeout := s.config.DefaultTimeout
	if ts := imported.Timeout; ts != "" {
		if d, perr := time.ParseDuration(ts); perr == nil {
			timeout = d
		}
	}
	if ts := stringParam(params, "timeout", ""); ts != "" {
		if d, perr := time.ParseDuration(ts); perr == nil {
			timeout = d
		}
	}

	var bodyReader io.Reader
	var contentType string
	if rawBody, ok := params["body"]; ok && rawBody != nil {
		switch stringParam(params, "bodyEncoding", "json") {
		case "form":
			if formData, ok := rawBody.(map[string]any); ok {
				vals := url.Values{}
				for k, v := range formData {
					vals.Set(k, fmt.Sprintf("%v", v))
				}
				bodyReader = strings.NewReader(vals.Encode())
				contentType = "application/x-www-form-urlencoded"
			}
		case "text":
			bodyReader = strings.NewReader(fmt.Sprintf("%v", rawBody))
			contentType = "text/plain"
		default: // json
			b, merr := json.Marshal(rawBody)
			if merr != nil {
				return "", schema.NewErrorf(schema.ErrCodePluginDispatch, "http service: failed to marshal body").WithCause(merr)
			}
			bodyReader = strings.NewReader(string(b))
			contentType = "application/json"
		}
	}

	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, method, rawURL, bodyReader)
	if err != nil {
		return "", schema.NewErrorf(schema.ErrCodePluginDispatch, "http service: failed to create request").WithCause(err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	for k, v := range imported.Headers {
		req.Header.Set(k, v)
	}
	if imported.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+imported.BearerToken)
	}
	if hdrs, ok := params["headers"].(map[string]any); ok {
		for k, v := range hdrs {
			req.Header.Set(k, fmt.Sprintf("%v", v))
		}
	}

	start := time.Now()
	resp, err := s.client.Do(req)
	durationMs := time.Since(start).Milliseconds()
	if err != nil {
		return "", schema.NewErrorf(schema.ErrCodePluginDispatch, "http service: request failed: %v", err).WithCause(err)
	}
	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(io.LimitReader(resp.Body, s.config.MaxResponseBody))
	if err != nil {
		return "", schema.NewErrorf(schema.ErrCodePluginDispatch, "http service: failed to read response body").WithCause(err)
	}

	respContentType := resp.Header.Get("Content-Type")
	var parsedBody any
	switch {
	case len(bodyBytes) == 0:
		parsedBody = nil
	case strings.Contains(respContentType, "application/json"):
		if err := json.Unmarshal(bodyBytes, &parsedBody); err != nil {
			parsedBody = string(bodyBytes)
		}
	default:
		parsedBody = string(bodyBytes)
	}

	respHeaders := make(map[string]string, len(resp.Header))
	for k := range resp.Header {
		respHeaders[k] = resp.Header.Get(k)
	}

	result := map[string]any{
		"statusCode":  resp.StatusCode,
		"status":      resp.Status,
		"headers":     respHeaders,
		"body":        parsedBody,
		"contentType": respContentType,
		"durationMs":  durationMs,
	}

	if resp.StatusCode >= 400 {
		return "", schema.NewErrorf(schema.ErrCodePluginDispatch, "http service: server returned %d", resp.StatusCode).
			WithDetails(result)
	}

	data, err := json.Marshal(result)
	if err != nil {
		return "", schema.NewErrorf(schema.ErrCodePluginDispatch, "http service: failed to marshal result").WithCause(err)
	}
	return string(data), nil
}

func (s *HTTPService) resolveURL(imported httpImportedConfig, raw string) (string, error) {
	if raw == "" && imported.BaseURL == "" {
		return "", schema.NewError(schema.ErrCodePluginDispatch, "http service: missing required param 'url'")
	}
	full := raw
	if imported.BaseURL != "" && !strings.HasPrefix(raw, "http://") && !strings.HasPrefix(raw, "https://") {
		full = strings.TrimRight(imported.BaseURL, "/") + "/" + strings.TrimLeft(raw, "/")
	}
	u, err := url.ParseRequestURI(full)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return "", schema.NewErrorf(schema.ErrCodePluginDispatch, "http service: invalid url %q", full)
	}
	return full, nil
}

func stringParam(m map[string]any, key, defaultVal string) string {
	v, ok := m[key]
	if !ok {
		return defaultVal
	}
	s, ok := v.(string)
	if !ok {
		return defaultVal
	}
	return s
}

var _ ExecutableService = (*HTTPService)(nil)
