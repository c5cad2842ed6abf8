package tool

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/cloudwego/eino/components/tool"
	"github.com/cloudwego/eino/schema"

	"github.com/tgo/kiwi/internal/rag/retrieval"
)

// SearchFunc runs a retrieval bound to the current conversation.
type SearchFunc func(ctx context.Context, query string, topK int) ([]retrieval.Hit, error)

// DocumentSearchTool lets the model look up more passages from the documents
// attached to the conversation and its agent.
type DocumentSearchTool struct {
	search   SearchFunc
	toolInfo *schema.ToolInfo
}

func NewDocumentSearchTool(search SearchFunc) *DocumentSearchTool {
	return &DocumentSearchTool{
		search: search,
		toolInfo: &schema.ToolInfo{
			Name: "search_documents",
			Desc: "Search the documents uploaded to this conversation and its agent. Use it when the provided context does not answer the question.",
			ParamsOneOf: schema.NewParamsOneOfByParams(
				map[string]*schema.ParameterInfo{
					"query": {
						Type:     schema.String,
						Desc:     "The search query",
						Required: true,
					},
					"top_k": {
						Type: schema.Integer,
						Desc: "Number of passages to return (default: 5)",
					},
				},
			),
		},
	}
}

func (t *DocumentSearchTool) Info(ctx context.Context) (*schema.ToolInfo, error) {
	return t.toolInfo, nil
}

type searchInput struct {
	Query string `json:"query"`
	TopK  int    `json:"top_k"`
}

func (t *DocumentSearchTool) InvokableRun(ctx context.Context, argumentsInJSON string, opts ...tool.Option) (string, error) {
	var input searchInput
	if err := json.Unmarshal([]byte(argumentsInJSON), &input); err != nil {
		return "", fmt.Errorf("parse arguments: %w", err)
	}
	if strings.TrimSpace(input.Query) == "" {
		return "", fmt.Errorf("query is required")
	}
	if input.TopK <= 0 {
		input.TopK = 5
	}

	hits, err := t.search(ctx, input.Query, input.TopK)
	if err != nil {
		return "", fmt.Errorf("search documents: %w", err)
	}

	if len(hits) == 0 {
		return "No relevant passages found in the attached documents.", nil
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "Found %d relevant passages:\n\n", len(hits))
	for i, h := range hits {
		fmt.Fprintf(&sb, "--- %d. %s (score: %.3f) ---\n", i+1, h.DocumentName, h.Score)
		sb.WriteString(h.Snippet)
		sb.WriteString("\n\n")
	}
	return strings.TrimRight(sb.String(), "\n"), nil
}
