package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/user/agentcore/internal/cancel"
	"github.com/user/agentcore/internal/runtime"
)

const braveEndpoint = "https://api.search.brave.com/res/v1/web/search"

// WebSearch queries the Brave Search API.
type WebSearch struct {
	apiKey  string
	baseURL string
	client  *http.Client
}

// NewWebSearch creates a web_search tool using the given Brave API key.
func NewWebSearch(apiKey string) *WebSearch {
	return &WebSearch{
		apiKey:  apiKey,
		baseURL: braveEndpoint,
		client:  &http.Client{Timeout: 15 * time.Second},
	}
}

func (w *WebSearch) Name() string        { return "web_search" }
func (w *WebSearch) Description() string { return "Search the web and return titles, URLs and snippets" }
func (w *WebSearch) Parameters() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"query": {"type": "string", "minLength": 1, "description": "Search query"},
			"count": {"type": "integer", "minimum": 1, "maximum": 20, "description": "Number of results (default: 5)"},
			"freshness": {"type": "string", "enum": ["pd", "pw", "pm", "py"], "description": "Limit to the past day, week, month or year"}
		},
		"required": ["query"]
	}`)
}

type braveResponse struct {
	Web braveWeb `json:"web"`
}

type braveWeb struct {
	Results []braveResult `json:"results"`
}

type braveResult struct {
	Title       string `json:"title"`
	URL         string `json:"url"`
	Description string `json:"description"`
	Age         string `json:"age,omitempty"`
}

func (w *WebSearch) Execute(ctx context.Context, _ string, args json.RawMessage, token *cancel.Token) (*runtime.ToolResult, error) {
	var params struct {
		Query     string `json:"query"`
		Count     int    `json:"count"`
		Freshness string `json:"freshness"`
	}
	if err := json.Unmarshal(args, &params); err != nil {
		return nil, fmt.Errorf("parse args: %w", err)
	}
	if params.Query == "" {
		return runtime.ErrorResult("query is required"), nil
	}
	if w.apiKey == "" {
		return runtime.ErrorResult("web search is not configured: set BRAVE_API_KEY"), nil
	}
	count := params.Count
	if count <= 0 {
		count = 5
	}
	count = min(count, 20)

	u, err := url.Parse(w.baseURL)
	if err != nil {
		return nil, fmt.Errorf("parse endpoint: %w", err)
	}
	q := u.Query()
	q.Set("q", params.Query)
	q.Set("count", strconv.Itoa(count))
	if params.Freshness != "" {
		q.Set("freshness", params.Freshness)
	}
	u.RawQuery = q.Encode()

	ctx, stop := token.Context(ctx)
	defer stop()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Subscription-Token", w.apiKey)

	resp, err := w.client.Do(req)
	if err != nil {
		if token.IsSignaled() {
			return runtime.InterruptedResult("search interrupted"), nil
		}
		return runtime.ErrorResult("search request: %v", err), nil
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return runtime.ErrorResult("search API returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(body))), nil
	}

	var result braveResponse
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, fmt.Errorf("parse response: %w", err)
	}
	if len(result.Web.Results) == 0 {
		return runtime.TextResult("No results found."), nil
	}

	var sb strings.Builder
	for i, r := range result.Web.Results {
		fmt.Fprintf(&sb, "%d. %s\n   %s\n", i+1, r.Title, r.URL)
		if r.Age != "" {
			fmt.Fprintf(&sb, "   (%s)\n", r.Age)
		}
		fmt.Fprintf(&sb, "   %s\n\n", r.Description)
	}
	return runtime.TextResult(strings.TrimRight(sb.String(), "\n")), nil
}
