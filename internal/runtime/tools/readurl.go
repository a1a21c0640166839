package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"
	"time"

	htmltomarkdown "github.com/JohannesKaufmann/html-to-markdown/v2"

	"github.com/user/agentcore/internal/cancel"
	"github.com/user/agentcore/internal/runtime"
)

const (
	maxReadURLChars = 50000
	maxReadURLBytes = 4 << 20
)

// ReadURL fetches a page and returns it as markdown. Plain text and JSON
// bodies are returned unchanged.
type ReadURL struct {
	client    *http.Client
	userAgent string
}

// NewReadURL creates a ReadURL tool.
func NewReadURL() *ReadURL {
	return &ReadURL{
		client:    &http.Client{Timeout: 30 * time.Second},
		userAgent: "agentcore/1.0",
	}
}

func (r *ReadURL) Name() string { return "read_url" }
func (r *ReadURL) Description() string {
	return "Fetch a URL and return its content as markdown"
}
func (r *ReadURL) Parameters() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"url": {"type": "string", "pattern": "^https?://", "description": "The http(s) URL to fetch"}
		},
		"required": ["url"]
	}`)
}

func (r *ReadURL) Execute(ctx context.Context, _ string, args json.RawMessage, token *cancel.Token) (*runtime.ToolResult, error) {
	var params struct {
		URL string `json:"url"`
	}
	if err := json.Unmarshal(args, &params); err != nil {
		return nil, fmt.Errorf("parse args: %w", err)
	}
	if params.URL == "" {
		return runtime.ErrorResult("url is required"), nil
	}

	ctx, stop := token.Context(ctx)
	defer stop()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, params.URL, nil)
	if err != nil {
		return runtime.ErrorResult("invalid url: %v", err), nil
	}
	req.Header.Set("User-Agent", r.userAgent)

	resp, err := r.client.Do(req)
	if err != nil {
		if token.IsSignaled() {
			return runtime.InterruptedResult("fetch interrupted"), nil
		}
		return runtime.ErrorResult("fetch %s: %v", params.URL, err), nil
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return runtime.ErrorResult("fetch %s: HTTP status %d", params.URL, resp.StatusCode), nil
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxReadURLBytes))
	if err != nil {
		if token.IsSignaled() {
			return runtime.InterruptedResult("fetch interrupted"), nil
		}
		return nil, fmt.Errorf("read body: %w", err)
	}

	content := string(body)
	if isHTML(resp.Header.Get("Content-Type"), body) {
		content, err = htmltomarkdown.ConvertString(content)
		if err != nil {
			return nil, fmt.Errorf("convert to markdown: %w", err)
		}
	}

	if len(content) > maxReadURLChars {
		content = content[:maxReadURLChars] + "\n\n[Content truncated]"
	}
	return runtime.TextResult(content), nil
}

func isHTML(contentType string, body []byte) bool {
	if mt, _, err := mime.ParseMediaType(contentType); err == nil {
		return mt == "text/html" || mt == "application/xhtml+xml"
	}
	return strings.Contains(http.DetectContentType(body), "text/html")
}
