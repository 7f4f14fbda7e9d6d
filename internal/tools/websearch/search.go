// Package websearch implements a web search tool backed by the Tavily
// search API, with a small in-process response cache.
package websearch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/hoonlabs/agentd/internal/config"
	"github.com/hoonlabs/agentd/pkg/models"
)

const (
	defaultBaseURL    = "https://api.tavily.com"
	defaultMaxResults = 5
	maxResultsCap     = 20
	searchDepth       = "advanced"

	// maxCacheSize bounds the cached response map.
	maxCacheSize = 1000
	cacheTTL     = 5 * time.Minute
)

// searchParams are the model-supplied arguments.
type searchParams struct {
	Query      string `json:"query"`
	MaxResults int    `json:"max_results,omitempty"`
}

// Result is one search hit.
type Result struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	Content string `json:"content"`
}

// Response is the tool output returned to the model as JSON.
type Response struct {
	Query      string   `json:"query"`
	Results    []Result `json:"results"`
	NumResults int      `json:"num_results"`
}

type cacheEntry struct {
	response  *Response
	expiresAt time.Time
}

// Tool queries the Tavily search API.
type Tool struct {
	apiKey     string
	baseURL    string
	maxResults int
	httpClient *http.Client
	cache      map[string]*cacheEntry
	cacheMu    sync.RWMutex
}

// New creates a web search tool from configuration.
func New(cfg config.WebsearchConfig) *Tool {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	maxResults := cfg.MaxResults
	if maxResults <= 0 {
		maxResults = defaultMaxResults
	}
	return &Tool{
		apiKey:     cfg.APIKey,
		baseURL:    baseURL,
		maxResults: maxResults,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		cache:      make(map[string]*cacheEntry),
	}
}

func (t *Tool) Name() string {
	return "websearch"
}

func (t *Tool) Description() string {
	return "Search the web for current information. Returns titles, URLs and content snippets for the top results."
}

func (t *Tool) Schema() json.RawMessage {
	return json.RawMessage(fmt.Sprintf(`{
		"type": "object",
		"properties": {
			"query": {
				"type": "string",
				"description": "The search query"
			},
			"max_results": {
				"type": "integer",
				"description": "Number of results to return (default: %d, max: %d)",
				"minimum": 1,
				"maximum": %d
			}
		},
		"required": ["query"],
		"additionalProperties": false
	}`, defaultMaxResults, maxResultsCap, maxResultsCap))
}

// Execute performs the search, serving repeated queries from cache.
func (t *Tool) Execute(ctx context.Context, params json.RawMessage) (*models.ToolResult, error) {
	var p searchParams
	if err := json.Unmarshal(params, &p); err != nil {
		return &models.ToolResult{Content: fmt.Sprintf("invalid parameters: %v", err), IsError: true}, nil
	}
	if p.Query == "" {
		return &models.ToolResult{Content: "query parameter is required", IsError: true}, nil
	}
	if t.apiKey == "" {
		return &models.ToolResult{Content: "web search is not configured: missing API key", IsError: true}, nil
	}

	if p.MaxResults <= 0 {
		p.MaxResults = t.maxResults
	} else if p.MaxResults > maxResultsCap {
		p.MaxResults = maxResultsCap
	}

	cacheKey := fmt.Sprintf("%d:%s", p.MaxResults, p.Query)
	if cached := t.fromCache(cacheKey); cached != nil {
		return formatResponse(cached), nil
	}

	resp, err := t.search(ctx, &p)
	if err != nil {
		return &models.ToolResult{Content: fmt.Sprintf("search failed: %v", err), IsError: true}, nil
	}

	t.putCache(cacheKey, resp)
	return formatResponse(resp), nil
}

func (t *Tool) search(ctx context.Context, p *searchParams) (*Response, error) {
	payload, err := json.Marshal(map[string]any{
		"api_key":      t.apiKey,
		"query":        p.Query,
		"max_results":  p.MaxResults,
		"search_depth": searchDepth,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.baseURL+"/search", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("search API returned status %d: %s", resp.StatusCode, string(body))
	}

	var apiResp struct {
		Results []struct {
			Title   string `json:"title"`
			URL     string `json:"url"`
			Content string `json:"content"`
		} `json:"results"`
	}
	if err := json.Unmarshal(body, &apiResp); err != nil {
		return nil, fmt.Errorf("parse response: %w", err)
	}

	results := make([]Result, 0, len(apiResp.Results))
	for i, r := range apiResp.Results {
		if i >= p.MaxResults {
			break
		}
		results = append(results, Result{Title: r.Title, URL: r.URL, Content: r.Content})
	}

	return &Response{
		Query:      p.Query,
		Results:    results,
		NumResults: len(results),
	}, nil
}

func formatResponse(resp *Response) *models.ToolResult {
	out, err := json.MarshalIndent(resp, "", "  ")
	if err != nil {
		return &models.ToolResult{Content: fmt.Sprintf("format response: %v", err), IsError: true}
	}
	return &models.ToolResult{Content: string(out)}
}

func (t *Tool) fromCache(key string) *Response {
	t.cacheMu.RLock()
	defer t.cacheMu.RUnlock()

	entry, ok := t.cache[key]
	if !ok || time.Now().After(entry.expiresAt) {
		return nil
	}
	return entry.response
}

func (t *Tool) putCache(key string, resp *Response) {
	t.cacheMu.Lock()
	defer t.cacheMu.Unlock()

	now := time.Now()
	for k, v := range t.cache {
		if now.After(v.expiresAt) {
			delete(t.cache, k)
		}
	}

	for len(t.cache) >= maxCacheSize {
		var oldestKey string
		var oldestTime time.Time
		for k, v := range t.cache {
			if oldestKey == "" || v.expiresAt.Before(oldestTime) {
				oldestKey = k
				oldestTime = v.expiresAt
			}
		}
		if oldestKey == "" {
			break
		}
		delete(t.cache, oldestKey)
	}

	t.cache[key] = &cacheEntry{response: resp, expiresAt: now.Add(cacheTTL)}
}
