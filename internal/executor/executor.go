// Package executor sends audit prompts to the model under test through a
// provider-agnostic connector contract: endpoint, headers, a JSON request
// template with a {{PROMPT}} placeholder, and a dotted response path that
// locates the generated text in the reply.
package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"ai-auditor/internal/audit"
)

const (
	promptPlaceholder = "{{PROMPT}}"
	defaultTimeout    = 30 * time.Second
	rawPreviewBytes   = 1200
)

// Config is the stored connector contract for one audit target.
type Config struct {
	Endpoint        string            `json:"endpoint" yaml:"endpoint"`
	Method          string            `json:"method" yaml:"method"`
	Headers         map[string]string `json:"headers" yaml:"headers"`
	RequestTemplate map[string]any    `json:"request_template" yaml:"request_template"`
	ResponsePath    string            `json:"response_path" yaml:"response_path"`
	TimeoutSec      int               `json:"timeout_sec" yaml:"timeout_sec"`
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.Endpoint) == "" {
		return errors.New("connector: endpoint is required")
	}
	method := strings.ToUpper(strings.TrimSpace(c.Method))
	if method != "" && method != http.MethodPost && method != http.MethodGet {
		return fmt.Errorf("connector: unsupported method %q", c.Method)
	}
	if method != http.MethodGet && len(c.RequestTemplate) == 0 {
		return errors.New("connector: request_template is required")
	}
	if strings.TrimSpace(c.ResponsePath) == "" {
		return errors.New("connector: response_path is required")
	}
	return nil
}

// Client executes prompts against one connector config. Safe for concurrent
// use; the engine calls Execute from multiple goroutines per batch.
type Client struct {
	cfg    Config
	method string
	client *http.Client
}

func New(cfg Config) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	method := strings.ToUpper(strings.TrimSpace(cfg.Method))
	if method == "" {
		method = http.MethodPost
	}
	timeout := time.Duration(cfg.TimeoutSec) * time.Second
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Client{
		cfg:    cfg,
		method: method,
		client: &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}, nil
}

// Execute sends one prompt and returns the extracted model response.
// Timeouts, connection failures and non-2xx statuses come back as errors; the
// engine turns those into execution_failure findings.
func (c *Client) Execute(ctx context.Context, prompt string) (audit.ExecutionResult, error) {
	start := time.Now()

	var reader io.Reader
	if c.method == http.MethodPost {
		payload := injectPrompt(c.cfg.RequestTemplate, prompt)
		body, err := json.Marshal(payload)
		if err != nil {
			return audit.ExecutionResult{}, fmt.Errorf("marshal request body: %w", err)
		}
		reader = bytes.NewReader(body)
	}

	request, err := http.NewRequestWithContext(ctx, c.method, c.cfg.Endpoint, reader)
	if err != nil {
		return audit.ExecutionResult{}, fmt.Errorf("build request: %w", err)
	}
	if reader != nil {
		request.Header.Set("Content-Type", "application/json")
	}
	for k, v := range c.cfg.Headers {
		request.Header.Set(k, strings.ReplaceAll(v, promptPlaceholder, prompt))
	}

	response, err := c.client.Do(request)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || isTimeout(err) {
			return audit.ExecutionResult{}, fmt.Errorf("model request timed out after %s", c.client.Timeout)
		}
		return audit.ExecutionResult{}, fmt.Errorf("model connection failed: %w", err)
	}
	defer response.Body.Close()

	body, err := io.ReadAll(response.Body)
	if err != nil {
		return audit.ExecutionResult{}, fmt.Errorf("read response body: %w", err)
	}
	latency := time.Since(start)

	if response.StatusCode >= 400 {
		return audit.ExecutionResult{}, fmt.Errorf("model api error http %d: %s", response.StatusCode, preview(body))
	}

	// Non-JSON bodies and unresolvable paths degrade to the raw text so a
	// misconfigured connector still yields something to evaluate.
	var raw any
	if err := json.Unmarshal(body, &raw); err != nil {
		return audit.ExecutionResult{Content: preview(body), Latency: latency}, nil
	}
	content, err := extractPath(raw, c.cfg.ResponsePath)
	if err != nil {
		return audit.ExecutionResult{Content: preview(body), Latency: latency}, nil
	}
	return audit.ExecutionResult{Content: content, Latency: latency}, nil
}

func isTimeout(err error) bool {
	var t interface{ Timeout() bool }
	return errors.As(err, &t) && t.Timeout()
}

func preview(body []byte) string {
	if len(body) > rawPreviewBytes {
		body = body[:rawPreviewBytes]
	}
	return string(body)
}

// injectPrompt deep-copies the template, replacing the placeholder in every
// string leaf. The stored template is never mutated.
func injectPrompt(node any, prompt string) any {
	switch v := node.(type) {
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, child := range v {
			out[k] = injectPrompt(child, prompt)
		}
		return out
	case []any:
		out := make([]any, len(v))
		for i, child := range v {
			out[i] = injectPrompt(child, prompt)
		}
		return out
	case string:
		return strings.ReplaceAll(v, promptPlaceholder, prompt)
	default:
		return node
	}
}

// extractPath walks a dotted path like "choices[0].message.content" through
// decoded JSON and returns the string at the leaf.
func extractPath(data any, path string) (string, error) {
	current := data
	for _, part := range strings.Split(strings.ReplaceAll(path, "]", ""), ".") {
		key := part
		index := -1
		if i := strings.Index(part, "["); i >= 0 {
			key = part[:i]
			n, err := strconv.Atoi(part[i+1:])
			if err != nil {
				return "", fmt.Errorf("response path %q: bad index in %q", path, part)
			}
			index = n
		}

		if key != "" {
			obj, ok := current.(map[string]any)
			if !ok {
				return "", fmt.Errorf("response path %q: %q is not an object", path, key)
			}
			current, ok = obj[key]
			if !ok {
				return "", fmt.Errorf("response path %q: missing key %q", path, key)
			}
		}
		if index >= 0 {
			arr, ok := current.([]any)
			if !ok || index >= len(arr) {
				return "", fmt.Errorf("response path %q: bad array access in %q", path, part)
			}
			current = arr[index]
		}
	}

	switch v := current.(type) {
	case string:
		return v, nil
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return "", fmt.Errorf("response path %q: unserializable leaf", path)
		}
		return string(b), nil
	}
}
