// Package websearch performs web searches via the Exa API, with optional
// full-text extraction of the top hits.
package websearch

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	readability "github.com/go-shiori/go-readability"

	matdisc "github.com/DavidAkinpelu/materials-discovery-agent"
	"github.com/DavidAkinpelu/materials-discovery-agent/internal/cache"
)

const defaultBaseURL = "https://api.exa.ai"

// maxExtracted caps how many result pages get readability extraction.
const maxExtracted = 3

// Tool implements the web_search capability.
type Tool struct {
	apiKey   string
	baseURL  string
	client   *http.Client
	cache    *cache.Cache
	ttlShort time.Duration // volatile queries (prices, availability)
	ttlLong  time.Duration
	extract  bool
	logger   *slog.Logger
}

// Option configures the tool.
type Option func(*Tool)

// WithBaseURL overrides the Exa endpoint (tests).
func WithBaseURL(u string) Option {
	return func(t *Tool) { t.baseURL = u }
}

// WithHTTPClient replaces the default client.
func WithHTTPClient(c *http.Client) Option {
	return func(t *Tool) { t.client = c }
}

// WithCache enables result caching with the given TTLs.
func WithCache(c *cache.Cache, short, long time.Duration) Option {
	return func(t *Tool) { t.cache = c; t.ttlShort = short; t.ttlLong = long }
}

// WithExtraction enables readability extraction of top results that came
// back without text.
func WithExtraction() Option {
	return func(t *Tool) { t.extract = true }
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(t *Tool) { t.logger = l }
}

// New creates the tool.
func New(apiKey string, opts ...Option) *Tool {
	t := &Tool{
		apiKey:   apiKey,
		baseURL:  defaultBaseURL,
		client:   &http.Client{Timeout: 20 * time.Second},
		ttlShort: 24 * time.Hour,
		ttlLong:  7 * 24 * time.Hour,
		logger:   matdisc.NopLogger(),
	}
	for _, o := range opts {
		o(t)
	}
	return t
}

func (t *Tool) Definitions() []matdisc.ToolDefinition {
	return []matdisc.ToolDefinition{{
		Name:        "web_search",
		Description: "Search the web for current information: supplier prices, recent publications, news about materials and chemistry. Prefer the database tools for property values.",
		Parameters: json.RawMessage(`{"type":"object","properties":{
			"query":{"type":"string","description":"Search query"},
			"num_results":{"type":"integer","description":"Number of results, default 5, max 10"},
			"search_type":{"type":"string","enum":["keyword","neural","auto"],"description":"Search mode, default auto"},
			"include_domains":{"type":"array","items":{"type":"string"}},
			"exclude_domains":{"type":"array","items":{"type":"string"}},
			"start_published_date":{"type":"string","description":"ISO date lower bound"},
			"end_published_date":{"type":"string","description":"ISO date upper bound"}
		},"required":["query"]}`),
	}}
}

type searchArgs struct {
	Query              string   `json:"query"`
	NumResults         int      `json:"num_results"`
	SearchType         string   `json:"search_type"`
	IncludeDomains     []string `json:"include_domains"`
	ExcludeDomains     []string `json:"exclude_domains"`
	StartPublishedDate string   `json:"start_published_date"`
	EndPublishedDate   string   `json:"end_published_date"`
}

type searchResult struct {
	Title         string `json:"title"`
	URL           string `json:"url"`
	PublishedDate string `json:"published_date,omitempty"`
	Text          string `json:"text,omitempty"`
}

func (t *Tool) Invoke(ctx context.Context, name string, args json.RawMessage) (json.RawMessage, error) {
	var p searchArgs
	if err := json.Unmarshal(args, &p); err != nil {
		return nil, &matdisc.ErrValidation{Tool: name, Reason: "invalid args: " + err.Error()}
	}
	if strings.TrimSpace(p.Query) == "" {
		return nil, &matdisc.ErrValidation{Tool: name, Reason: "query is required"}
	}
	if p.NumResults <= 0 {
		p.NumResults = 5
	}
	if p.NumResults > 10 {
		p.NumResults = 10
	}
	if p.SearchType == "" {
		p.SearchType = "auto"
	}

	cacheKey := "exa:" + string(args)
	if t.cache != nil {
		if v, ok := t.cache.Get(cacheKey); ok {
			t.logger.Debug("websearch: cache hit", "query", p.Query)
			return v, nil
		}
	}

	results, err := t.search(ctx, p)
	if err != nil {
		return nil, err
	}
	if t.extract {
		t.fillMissingText(ctx, results)
	}

	out, err := json.Marshal(map[string]any{"results": results})
	if err != nil {
		return nil, err
	}
	if t.cache != nil {
		t.cache.Set(cacheKey, out, t.ttl(p.Query))
	}
	return out, nil
}

// ttl picks a short TTL for price-like queries, whose answers go stale fast.
func (t *Tool) ttl(query string) time.Duration {
	lower := strings.ToLower(query)
	for _, kw := range []string{"price", "cost", "supplier", "quote", "availability"} {
		if strings.Contains(lower, kw) {
			return t.ttlShort
		}
	}
	return t.ttlLong
}

func (t *Tool) search(ctx context.Context, p searchArgs) ([]searchResult, error) {
	body := map[string]any{
		"query":      p.Query,
		"numResults": p.NumResults,
		"type":       p.SearchType,
		"contents":   map[string]any{"text": true},
	}
	if len(p.IncludeDomains) > 0 {
		body["includeDomains"] = p.IncludeDomains
	}
	if len(p.ExcludeDomains) > 0 {
		body["excludeDomains"] = p.ExcludeDomains
	}
	if p.StartPublishedDate != "" {
		body["startPublishedDate"] = p.StartPublishedDate
	}
	if p.EndPublishedDate != "" {
		body["endPublishedDate"] = p.EndPublishedDate
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.baseURL+"/search", bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", t.apiKey)

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return nil, &matdisc.ErrHTTP{
			Status:     resp.StatusCode,
			Body:       string(b),
			RetryAfter: matdisc.ParseRetryAfter(resp.Header.Get("Retry-After")),
		}
	}

	var data struct {
		Results []struct {
			Title         string `json:"title"`
			URL           string `json:"url"`
			PublishedDate string `json:"publishedDate"`
			Text          string `json:"text"`
		} `json:"results"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&data); err != nil {
		return nil, err
	}

	results := make([]searchResult, 0, len(data.Results))
	for _, r := range data.Results {
		text := r.Text
		if len(text) > 4000 {
			text = text[:4000]
		}
		results = append(results, searchResult{
			Title:         r.Title,
			URL:           r.URL,
			PublishedDate: r.PublishedDate,
			Text:          text,
		})
	}
	t.logger.Debug("websearch: search done", "query", p.Query, "results", len(results))
	return results, nil
}

// fillMissingText fetches pages whose search hit carried no text and runs
// readability extraction on them. Failures leave the result as-is.
func (t *Tool) fillMissingText(ctx context.Context, results []searchResult) {
	var wg sync.WaitGroup
	extracted := 0
	for i := range results {
		if results[i].Text != "" || extracted >= maxExtracted {
			continue
		}
		extracted++
		wg.Add(1)
		go func(r *searchResult) {
			defer wg.Done()
			fetchCtx, cancel := context.WithTimeout(ctx, 8*time.Second)
			defer cancel()
			req, err := http.NewRequestWithContext(fetchCtx, http.MethodGet, r.URL, nil)
			if err != nil {
				return
			}
			resp, err := t.client.Do(req)
			if err != nil {
				return
			}
			defer resp.Body.Close()
			if resp.StatusCode >= 400 {
				return
			}
			article, err := readability.FromReader(io.LimitReader(resp.Body, 512<<10), resp.Request.URL)
			if err != nil {
				return
			}
			text := article.TextContent
			if len(text) > 4000 {
				text = text[:4000]
			}
			r.Text = text
		}(&results[i])
	}
	wg.Wait()
}

var _ matdisc.Tool = (*Tool)(nil)
