package websearch

import (
	"context"
	"encoding/json"
	"encoding/xml"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strings"
	"time"

	readability "github.com/go-shiori/go-readability"

	strata "github.com/nevindra/strata"
)

const (
	ddgEndpoint   = "https://api.duckduckgo.com/"
	arxivEndpoint = "http://export.arxiv.org/api/query"

	SourceGeneralWeb = "general-web"
	SourceScholarly  = "scholarly"

	snippetLimit = 500
)

// Agent searches the general web (DuckDuckGo instant answers) and scholarly
// sources (arXiv). Per-source failures degrade the result set instead of
// failing the step; the step fails only when nothing at all came back or the
// scholarly minimum is not met.
type Agent struct {
	httpClient   *http.Client
	minScholarly int
	maxResults   int
}

// Option configures an Agent.
type Option func(*Agent)

// MinScholarly sets the minimum scholarly result count for a successful step
// when scholarly sources were requested (default 5).
func MinScholarly(n int) Option {
	return func(a *Agent) {
		if n >= 0 {
			a.minScholarly = n
		}
	}
}

// MaxResults caps results per source (default 10).
func MaxResults(n int) Option {
	return func(a *Agent) {
		if n > 0 {
			a.maxResults = n
		}
	}
}

// HTTPClient replaces the HTTP client. Test hook, also useful behind proxies.
func HTTPClient(c *http.Client) Option {
	return func(a *Agent) {
		if c != nil {
			a.httpClient = c
		}
	}
}

// New creates a WebSearch agent.
func New(opts ...Option) *Agent {
	a := &Agent{
		httpClient:   &http.Client{Timeout: 10 * time.Second},
		minScholarly: 5,
		maxResults:   10,
	}
	for _, o := range opts {
		o(a)
	}
	return a
}

var _ strata.SubAgent = (*Agent)(nil)

func (a *Agent) Name() string { return "WebSearch" }

func (a *Agent) Hint() string {
	return `{"query": "<search query>", "sources": ["general-web", "scholarly"], "max_results": <int, optional>, "last_days": <int, optional>, "domain_specific_query": "<scholarly query, optional>"}`
}

func (a *Agent) Ready(payload map[string]any) bool {
	return queryOf(payload) != ""
}

func (a *Agent) Fallback(goal string, _ []string) map[string]any {
	return map[string]any{
		"query":   goal,
		"sources": []any{SourceGeneralWeb, SourceScholarly},
	}
}

// Execute searches each requested source independently and keys the output by
// source name. A failed source contributes an {error} entry instead of
// results; only a run where every source failed carries a top-level error.
func (a *Agent) Execute(ctx context.Context, _ string, payload map[string]any) map[string]any {
	query := queryOf(payload)
	if query == "" {
		return map[string]any{"error": "query is required"}
	}
	sources := sourcesOf(payload)

	maxResults := a.maxResults
	if n, ok := intOf(payload["max_results"]); ok && n > 0 {
		maxResults = n
	}
	lastDays, _ := intOf(payload["last_days"])
	scholarlyQuery := query
	if s, ok := payload["domain_specific_query"].(string); ok && strings.TrimSpace(s) != "" {
		scholarlyQuery = strings.TrimSpace(s)
	}

	out := map[string]any{"query": query, "sources": sources}
	total, scholarly, failed := 0, 0, 0
	var sourceErrs []string

	for _, src := range sources {
		var results []map[string]any
		var err error
		switch src {
		case SourceGeneralWeb:
			results, err = a.searchGeneral(ctx, query, maxResults)
		case SourceScholarly:
			results, err = a.searchScholarly(ctx, scholarlyQuery, maxResults, lastDays)
		}
		if err != nil {
			log.Printf(" [websearch] %s failed: %v", src, err)
			sourceErrs = append(sourceErrs, fmt.Sprintf("%s: %v", src, err))
			out[src] = map[string]any{"error": err.Error()}
			failed++
			continue
		}
		out[src] = map[string]any{"results": results, "result_count": len(results)}
		total += len(results)
		if src == SourceScholarly {
			scholarly = len(results)
		}
	}

	out["result_count"] = total
	out["scholarly_count"] = scholarly
	if failed == len(sources) {
		out["error"] = "no results from any source: " + strings.Join(sourceErrs, "; ")
	}
	return out
}

// Succeeded requires at least one result, and when scholarly sources were
// requested, at least minScholarly scholarly results.
func (a *Agent) Succeeded(output map[string]any) bool {
	count, _ := output["result_count"].(int)
	if count == 0 {
		return false
	}
	for _, src := range toStrings(output["sources"]) {
		if src == SourceScholarly {
			scholarly, _ := output["scholarly_count"].(int)
			return scholarly >= a.minScholarly
		}
	}
	return true
}

// --- general web: DuckDuckGo instant answers ---

type ddgResponse struct {
	Heading       string `json:"Heading"`
	AbstractText  string `json:"AbstractText"`
	AbstractURL   string `json:"AbstractURL"`
	RelatedTopics []struct {
		Text     string `json:"Text"`
		FirstURL string `json:"FirstURL"`
	} `json:"RelatedTopics"`
}

// searchGeneral queries the DuckDuckGo instant-answer API. The API has no
// recency filter, so last_days does not apply here.
func (a *Agent) searchGeneral(ctx context.Context, query string, maxResults int) ([]map[string]any, error) {
	u := fmt.Sprintf("%s?q=%s&format=json&no_html=1&skip_disambig=1",
		ddgEndpoint, url.QueryEscape(query))
	req, err := http.NewRequestWithContext(ctx, "GET", u, nil)
	if err != nil {
		return nil, err
	}
	resp, err := a.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != 200 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("duckduckgo %d: %s", resp.StatusCode, string(body))
	}

	var data ddgResponse
	if err := json.NewDecoder(resp.Body).Decode(&data); err != nil {
		return nil, fmt.Errorf("duckduckgo parse: %w", err)
	}

	var results []map[string]any
	if data.AbstractURL != "" {
		snippet := data.AbstractText
		if snippet == "" {
			// Instant answer without an abstract: extract the page itself.
			snippet = a.extractPage(ctx, data.AbstractURL)
		}
		if snippet != "" {
			results = append(results, result(data.Heading, data.AbstractURL, snippet, SourceGeneralWeb))
		}
	}
	for _, t := range data.RelatedTopics {
		if len(results) >= maxResults {
			break
		}
		if t.FirstURL == "" || t.Text == "" {
			continue
		}
		results = append(results, result(t.Text, t.FirstURL, t.Text, SourceGeneralWeb))
	}
	return results, nil
}

// extractPage fetches a URL and returns its readable text, truncated.
// Failures return "".
func (a *Agent) extractPage(ctx context.Context, pageURL string) string {
	fetchCtx, cancel := context.WithTimeout(ctx, 8*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(fetchCtx, "GET", pageURL, nil)
	if err != nil {
		return ""
	}
	req.Header.Set("User-Agent", "Mozilla/5.0 (compatible; StrataBot/1.0)")

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return ""
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return ""
	}

	parsed, err := url.Parse(pageURL)
	if err != nil {
		return ""
	}
	article, err := readability.FromReader(io.LimitReader(resp.Body, 512<<10), parsed)
	if err != nil {
		return ""
	}
	text := strings.TrimSpace(article.TextContent)
	if len(text) > snippetLimit {
		text = text[:snippetLimit]
	}
	return text
}

// --- scholarly: arXiv Atom feed ---

type arxivFeed struct {
	Entries []struct {
		Title   string `xml:"title"`
		ID      string `xml:"id"`
		Summary string `xml:"summary"`
	} `xml:"entry"`
}

// searchScholarly queries the arXiv Atom API. A positive lastDays narrows the
// search to papers submitted within that window.
func (a *Agent) searchScholarly(ctx context.Context, query string, maxResults, lastDays int) ([]map[string]any, error) {
	search := "all:" + query
	if lastDays > 0 {
		now := time.Now().UTC()
		from := now.AddDate(0, 0, -lastDays)
		search = fmt.Sprintf("%s AND submittedDate:[%s TO %s]",
			search, from.Format("200601021504"), now.Format("200601021504"))
	}
	u := fmt.Sprintf("%s?search_query=%s&start=0&max_results=%d",
		arxivEndpoint, url.QueryEscape(search), maxResults)
	req, err := http.NewRequestWithContext(ctx, "GET", u, nil)
	if err != nil {
		return nil, err
	}
	resp, err := a.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != 200 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("arxiv %d: %s", resp.StatusCode, string(body))
	}

	var feed arxivFeed
	if err := xml.NewDecoder(resp.Body).Decode(&feed); err != nil {
		return nil, fmt.Errorf("arxiv parse: %w", err)
	}

	var results []map[string]any
	for _, e := range feed.Entries {
		snippet := strings.Join(strings.Fields(e.Summary), " ")
		if len(snippet) > snippetLimit {
			snippet = snippet[:snippetLimit]
		}
		results = append(results, result(
			strings.Join(strings.Fields(e.Title), " "), e.ID, snippet, SourceScholarly))
	}
	return results, nil
}

// --- helpers ---

func result(title, link, snippet, source string) map[string]any {
	return map[string]any{"title": title, "url": link, "snippet": snippet, "source": source}
}

func queryOf(payload map[string]any) string {
	for _, key := range []string{"query", "q", "question"} {
		if s, ok := payload[key].(string); ok && strings.TrimSpace(s) != "" {
			return strings.TrimSpace(s)
		}
	}
	return ""
}

// sourcesOf returns the requested sources, defaulting to both.
func sourcesOf(payload map[string]any) []string {
	sources := toStrings(payload["sources"])
	var valid []string
	for _, s := range sources {
		if s == SourceGeneralWeb || s == SourceScholarly {
			valid = append(valid, s)
		}
	}
	if len(valid) == 0 {
		return []string{SourceGeneralWeb, SourceScholarly}
	}
	return valid
}

func intOf(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case float64:
		return int(n), true
	}
	return 0, false
}

func toStrings(v any) []string {
	switch vs := v.(type) {
	case []string:
		return vs
	case []any:
		var out []string
		for _, e := range vs {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}
