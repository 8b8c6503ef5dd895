package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/quarry-lab/conductor/internal/indexer"
)

// DocSearchTool retrieves passages from the user's indexed documents. Bound
// per request because results are scoped to the requesting user.
type DocSearchTool struct {
	Index  *indexer.Service
	UserID string
}

func (t *DocSearchTool) Name() string { return "doc_search" }
func (t *DocSearchTool) Description() string {
	return "Search the user's uploaded documents for passages relevant to a query."
}
func (t *DocSearchTool) Schema() json.RawMessage { return GenerateSchema[searchInput]() }

func (t *DocSearchTool) Invoke(ctx context.Context, params Params) (string, error) {
	query := params.String("query")
	if query == "" {
		query = params.String("input")
	}
	if query == "" {
		return "", fmt.Errorf("%w: doc_search requires a query", ErrBadArgs)
	}

	chunks, err := t.Index.Search(ctx, t.UserID, query, searchResultLimit)
	if err != nil {
		return "", fmt.Errorf("doc search: %w", err)
	}
	if len(chunks) == 0 {
		return "No matching passages in the uploaded documents for: " + query, nil
	}

	var sb strings.Builder
	for i, c := range chunks {
		fmt.Fprintf(&sb, "%d. [%s]\n   %s\n", i+1, c.Filename, strings.TrimSpace(c.Text))
	}
	return strings.TrimRight(sb.String(), "\n"), nil
}
