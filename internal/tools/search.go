package tools

import (
	"context"
	"encoding/json"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"
)

// Search tools hit public HTTP APIs directly. They share one client with a
// short timeout; the dispatch layer's per-call timeout still applies on top.

const searchResultLimit = 5

type searchInput struct {
	Query string `json:"query" jsonschema:"required" jsonschema_description:"Search query"`
}

func newSearchHTTPClient() *http.Client {
	return &http.Client{Timeout: 15 * time.Second}
}

// WebSearchTool queries a Brave-compatible web search endpoint.
type WebSearchTool struct {
	BaseURL string // defaults to the Brave API
	APIKey  string // defaults to $BRAVE_API_KEY
	client  *http.Client
}

func (t *WebSearchTool) Name() string { return "web_search" }
func (t *WebSearchTool) Description() string {
	return "Search the web for current information: news, statistics, domain background."
}
func (t *WebSearchTool) Schema() json.RawMessage { return GenerateSchema[searchInput]() }

func (t *WebSearchTool) Invoke(ctx context.Context, params Params) (string, error) {
	query := params.String("query")
	if query == "" {
		query = params.String("input")
	}
	if query == "" {
		return "", fmt.Errorf("%w: web_search requires a query", ErrBadArgs)
	}

	base := t.BaseURL
	if base == "" {
		base = "https://api.search.brave.com/res/v1/web/search"
	}
	apiKey := t.APIKey
	if apiKey == "" {
		apiKey = os.Getenv("BRAVE_API_KEY")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		base+"?q="+url.QueryEscape(query)+fmt.Sprintf("&count=%d", searchResultLimit), nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Subscription-Token", apiKey)

	if t.client == nil {
		t.client = newSearchHTTPClient()
	}
	resp, err := t.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("web search: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("web search returned %d", resp.StatusCode)
	}

	var body struct {
		Web struct {
			Results []struct {
				Title       string `json:"title"`
				URL         string `json:"url"`
				Description string `json:"description"`
			} `json:"results"`
		} `json:"web"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&body); err != nil {
		return "", fmt.Errorf("web search: decode: %w", err)
	}
	if len(body.Web.Results) == 0 {
		return "No results found for: " + query, nil
	}

	var sb strings.Builder
	for i, r := range body.Web.Results {
		if i >= searchResultLimit {
			break
		}
		fmt.Fprintf(&sb, "%d. %s\n   %s\n   %s\n", i+1, r.Title, r.URL, r.Description)
	}
	return strings.TrimRight(sb.String(), "\n"), nil
}

// WikiSearchTool queries the Wikipedia search API and returns page extracts.
type WikiSearchTool struct {
	BaseURL string // defaults to the English Wikipedia API
	client  *http.Client
}

func (t *WikiSearchTool) Name() string { return "wiki_search" }
func (t *WikiSearchTool) Description() string {
	return "Search Wikipedia for encyclopedic background on a topic."
}
func (t *WikiSearchTool) Schema() json.RawMessage { return GenerateSchema[searchInput]() }

func (t *WikiSearchTool) Invoke(ctx context.Context, params Params) (string, error) {
	query := params.String("query")
	if query == "" {
		query = params.String("input")
	}
	if query == "" {
		return "", fmt.Errorf("%w: wiki_search requires a query", ErrBadArgs)
	}

	base := t.BaseURL
	if base == "" {
		base = "https://en.wikipedia.org/w/api.php"
	}
	q := url.Values{
		"action":   {"query"},
		"list":     {"search"},
		"srsearch": {query},
		"srlimit":  {fmt.Sprint(searchResultLimit)},
		"format":   {"json"},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+"?"+q.Encode(), nil)
	if err != nil {
		return "", err
	}
	if t.client == nil {
		t.client = newSearchHTTPClient()
	}
	resp, err := t.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("wiki search: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("wiki search returned %d", resp.StatusCode)
	}

	var body struct {
		Query struct {
			Search []struct {
				Title   string `json:"title"`
				Snippet string `json:"snippet"`
			} `json:"search"`
		} `json:"query"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&body); err != nil {
		return "", fmt.Errorf("wiki search: decode: %w", err)
	}
	if len(body.Query.Search) == 0 {
		return "No Wikipedia results for: " + query, nil
	}

	var sb strings.Builder
	for i, r := range body.Query.Search {
		fmt.Fprintf(&sb, "%d. %s\n   %s\n", i+1, r.Title, stripHTMLTags(r.Snippet))
	}
	return strings.TrimRight(sb.String(), "\n"), nil
}

// ArxivSearchTool queries the arXiv Atom API.
type ArxivSearchTool struct {
	BaseURL string // defaults to the arXiv export API
	client  *http.Client
}

func (t *ArxivSearchTool) Name() string { return "arxiv_search" }
func (t *ArxivSearchTool) Description() string {
	return "Search arXiv for academic papers relevant to a topic."
}
func (t *ArxivSearchTool) Schema() json.RawMessage { return GenerateSchema[searchInput]() }

func (t *ArxivSearchTool) Invoke(ctx context.Context, params Params) (string, error) {
	query := params.String("query")
	if query == "" {
		query = params.String("input")
	}
	if query == "" {
		return "", fmt.Errorf("%w: arxiv_search requires a query", ErrBadArgs)
	}

	base := t.BaseURL
	if base == "" {
		base = "http://export.arxiv.org/api/query"
	}
	q := url.Values{
		"search_query": {"all:" + query},
		"max_results":  {fmt.Sprint(searchResultLimit)},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+"?"+q.Encode(), nil)
	if err != nil {
		return "", err
	}
	if t.client == nil {
		t.client = newSearchHTTPClient()
	}
	resp, err := t.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("arxiv search: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("arxiv search returned %d", resp.StatusCode)
	}

	var feed struct {
		Entries []struct {
			Title   string `xml:"title"`
			Summary string `xml:"summary"`
			ID      string `xml:"id"`
		} `xml:"entry"`
	}
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("arxiv search: read: %w", err)
	}
	if err := xml.Unmarshal(raw, &feed); err != nil {
		return "", fmt.Errorf("arxiv search: decode: %w", err)
	}
	if len(feed.Entries) == 0 {
		return "No arXiv results for: " + query, nil
	}

	var sb strings.Builder
	for i, e := range feed.Entries {
		summary := strings.Join(strings.Fields(e.Summary), " ")
		if len(summary) > 300 {
			summary = summary[:300] + "..."
		}
		fmt.Fprintf(&sb, "%d. %s\n   %s\n   %s\n", i+1,
			strings.Join(strings.Fields(e.Title), " "), e.ID, summary)
	}
	return strings.TrimRight(sb.String(), "\n"), nil
}

// stripHTMLTags removes the highlight markup Wikipedia embeds in snippets.
func stripHTMLTags(s string) string {
	var sb strings.Builder
	inTag := false
	for _, r := range s {
		switch {
		case r == '<':
			inTag = true
		case r == '>':
			inTag = false
		case !inTag:
			sb.WriteRune(r)
		}
	}
	return sb.String()
}

// RegisterSearchTools adds the search fan-out surface.
func RegisterSearchTools(r *Registry) {
	r.Register(&WebSearchTool{})
	r.Register(&WikiSearchTool{})
	r.Register(&ArxivSearchTool{})
}
