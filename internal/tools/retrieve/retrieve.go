// Package retrieve provides the document retrieval tool. The search
// backend is pluggable; the tool handles argument shaping and the
// caller's collection scoping.
package retrieve

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/hoonlabs/agentd/internal/agent"
	"github.com/hoonlabs/agentd/pkg/models"
)

// Match is one retrieved chunk.
type Match struct {
	Content  string  `json:"content"`
	Source   string  `json:"source,omitempty"`
	Score    float32 `json:"score"`
	Metadata string  `json:"metadata,omitempty"`
}

// Searcher answers similarity queries against one named collection.
type Searcher interface {
	Search(ctx context.Context, collection, query string, limit int) ([]Match, error)
}

// Lister enumerates the collections a user may query.
type Lister interface {
	Collections(ctx context.Context, user string) ([]string, error)
}

// Config tunes result shaping.
type Config struct {
	DefaultLimit     int
	MaxLimit         int
	MaxContentLength int
}

// DefaultConfig returns the standard limits.
func DefaultConfig() Config {
	return Config{
		DefaultLimit:     5,
		MaxLimit:         20,
		MaxContentLength: 500,
	}
}

// Tool implements retrieval over a Searcher, scoped to the caller's
// collections.
type Tool struct {
	searcher Searcher
	lister   Lister
	config   Config
}

// New creates the retrieval tool. lister may be nil when collection
// scoping comes from the caller alone.
func New(searcher Searcher, lister Lister, cfg Config) *Tool {
	def := DefaultConfig()
	if cfg.DefaultLimit <= 0 {
		cfg.DefaultLimit = def.DefaultLimit
	}
	if cfg.MaxLimit <= 0 {
		cfg.MaxLimit = def.MaxLimit
	}
	if cfg.MaxContentLength <= 0 {
		cfg.MaxContentLength = def.MaxContentLength
	}
	return &Tool{searcher: searcher, lister: lister, config: cfg}
}

func (t *Tool) Name() string {
	return "retrieve"
}

func (t *Tool) Description() string {
	return "Search the caller's document collections for relevant passages. Use list_collections to discover what is available."
}

func (t *Tool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"collection": {
				"type": "string",
				"description": "Name of the collection to search"
			},
			"query": {
				"type": "string",
				"description": "The search query"
			},
			"max_results": {
				"type": "integer",
				"description": "Maximum number of passages to return (default: 5, max: 20)"
			},
			"list_collections": {
				"type": "boolean",
				"description": "When true, return the available collection names instead of searching"
			},
			"user": {
				"type": "string",
				"description": "Caller identity, filled by the server"
			}
		},
		"required": []
	}`)
}

// TargetField names the argument checked against the caller's set.
func (t *Tool) TargetField() string {
	return "collection"
}

// Targets returns the collections the caller may query. The caller's
// own set wins; the backend list is the fallback for callers without
// an explicit scope.
func (t *Tool) Targets(ctx context.Context, caller agent.Caller) ([]string, error) {
	if len(caller.Collections) > 0 {
		return caller.Collections, nil
	}
	if t.lister == nil {
		return nil, nil
	}
	return t.lister.Collections(ctx, caller.User)
}

type retrieveInput struct {
	Collection      string `json:"collection"`
	Query           string `json:"query"`
	MaxResults      int    `json:"max_results,omitempty"`
	ListCollections bool   `json:"list_collections,omitempty"`
	User            string `json:"user,omitempty"`
}

// Execute runs a search or lists collections.
func (t *Tool) Execute(ctx context.Context, params json.RawMessage) (*models.ToolResult, error) {
	var input retrieveInput
	if err := json.Unmarshal(params, &input); err != nil {
		return &models.ToolResult{Content: fmt.Sprintf("invalid parameters: %v", err), IsError: true}, nil
	}

	caller, _ := agent.CallerFromContext(ctx)

	if input.ListCollections {
		names, err := t.Targets(ctx, caller)
		if err != nil {
			return &models.ToolResult{Content: fmt.Sprintf("list collections: %v", err), IsError: true}, nil
		}
		out, _ := json.MarshalIndent(struct {
			Collections []string `json:"collections"`
		}{Collections: names}, "", "  ")
		return &models.ToolResult{Content: string(out)}, nil
	}

	query := strings.TrimSpace(input.Query)
	if query == "" {
		return &models.ToolResult{Content: "query is required unless list_collections is set", IsError: true}, nil
	}
	if input.Collection == "" {
		return &models.ToolResult{Content: "collection is required; use list_collections to see available names", IsError: true}, nil
	}

	limit := input.MaxResults
	if limit <= 0 {
		limit = t.config.DefaultLimit
	}
	if limit > t.config.MaxLimit {
		limit = t.config.MaxLimit
	}

	matches, err := t.searcher.Search(ctx, input.Collection, query, limit)
	if err != nil {
		return &models.ToolResult{Content: fmt.Sprintf("search failed: %v", err), IsError: true}, nil
	}

	if len(matches) == 0 {
		return &models.ToolResult{Content: fmt.Sprintf("no relevant passages found in %q for query: %q", input.Collection, query)}, nil
	}

	for i := range matches {
		if len(matches[i].Content) > t.config.MaxContentLength {
			matches[i].Content = matches[i].Content[:t.config.MaxContentLength] + "..."
		}
	}

	out, err := json.MarshalIndent(struct {
		Collection string  `json:"collection"`
		Query      string  `json:"query"`
		Count      int     `json:"count"`
		Results    []Match `json:"results"`
	}{
		Collection: input.Collection,
		Query:      query,
		Count:      len(matches),
		Results:    matches,
	}, "", "  ")
	if err != nil {
		return &models.ToolResult{Content: fmt.Sprintf("format results: %v", err), IsError: true}, nil
	}

	return &models.ToolResult{Content: string(out)}, nil
}
