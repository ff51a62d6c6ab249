// Package surechembl exposes the SureChEMBL patent-chemistry capabilities:
// patent content search, structure similarity, chemical lookup, patent
// families, and structure image rendering.
package surechembl

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	matdisc "github.com/DavidAkinpelu/materials-discovery-agent"
	"github.com/DavidAkinpelu/materials-discovery-agent/internal/cache"
)

const defaultBaseURL = "https://www.surechembl.org/api"

// maxFamilyMembers caps the patent family list.
const maxFamilyMembers = 50

// Tool implements the SureChEMBL capabilities.
type Tool struct {
	apiKey        string
	baseURL       string
	client        *http.Client
	cache         *cache.Cache
	ttlPatents    time.Duration
	ttlStructures time.Duration
	pollInterval  time.Duration
	maxPolls      int
	logger        *slog.Logger
}

// Option configures the tool.
type Option func(*Tool)

// WithBaseURL overrides the API endpoint (tests).
func WithBaseURL(u string) Option {
	return func(t *Tool) { t.baseURL = u }
}

// WithHTTPClient replaces the default client.
func WithHTTPClient(c *http.Client) Option {
	return func(t *Tool) { t.client = c }
}

// WithCache enables result caching: patents TTL for patent content,
// structures TTL for structure searches and images.
func WithCache(c *cache.Cache, patents, structures time.Duration) Option {
	return func(t *Tool) { t.cache = c; t.ttlPatents = patents; t.ttlStructures = structures }
}

// WithPolling tunes the search-job poll loop (tests).
func WithPolling(interval time.Duration, maxPolls int) Option {
	return func(t *Tool) { t.pollInterval = interval; t.maxPolls = maxPolls }
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(t *Tool) { t.logger = l }
}

// New creates the tool.
func New(apiKey string, opts ...Option) *Tool {
	t := &Tool{
		apiKey:        apiKey,
		baseURL:       defaultBaseURL,
		client:        &http.Client{Timeout: 30 * time.Second},
		ttlPatents:    24 * time.Hour,
		ttlStructures: 7 * 24 * time.Hour,
		pollInterval:  2 * time.Second,
		maxPolls:      15,
		logger:        matdisc.NopLogger(),
	}
	for _, o := range opts {
		o(t)
	}
	return t
}

func (t *Tool) Definitions() []matdisc.ToolDefinition {
	return []matdisc.ToolDefinition{
		{
			Name:        "search_patents",
			Description: "Full-text search of the chemical patent literature. Returns matching patents with titles and snippets.",
			Parameters: json.RawMessage(`{"type":"object","properties":{
				"query":{"type":"string"},
				"limit":{"type":"integer","description":"Max patents, default 10"}
			},"required":["query"]}`),
		},
		{
			Name:        "search_similar_structures",
			Description: "Find chemical structures in the patent literature similar to a SMILES string, by Tanimoto similarity.",
			Parameters: json.RawMessage(`{"type":"object","properties":{
				"smiles":{"type":"string"},
				"threshold":{"type":"number","description":"Similarity threshold 0..1, default 0.8"},
				"limit":{"type":"integer","description":"Max structures, default 10"}
			},"required":["smiles"]}`),
		},
		{
			Name:        "get_chemical_frequency",
			Description: "How often a chemical appears across the patent corpus, by SMILES or SureChEMBL id.",
			Parameters: json.RawMessage(`{"type":"object","properties":{
				"smiles":{"type":"string"},
				"chemical_id":{"type":"string"}
			}}`),
		},
		{
			Name:        "lookup_chemical_by_name",
			Description: "Resolve a chemical name to its SureChEMBL record.",
			Parameters: json.RawMessage(`{"type":"object","properties":{
				"name":{"type":"string"}
			},"required":["name"]}`),
		},
		{
			Name:        "lookup_chemical_by_id",
			Description: "Fetch a SureChEMBL chemical record by id, including the drug-likeness property panel.",
			Parameters: json.RawMessage(`{"type":"object","properties":{
				"chemical_id":{"type":"string"}
			},"required":["chemical_id"]}`),
		},
		{
			Name:        "get_patent_content",
			Description: "Fetch the text contents of a patent document: title, abstract, claims, description sections.",
			Parameters: json.RawMessage(`{"type":"object","properties":{
				"patent_id":{"type":"string"}
			},"required":["patent_id"]}`),
		},
		{
			Name:        "get_patent_family",
			Description: "List the family members of a patent (same invention filed in different jurisdictions), up to 50.",
			Parameters: json.RawMessage(`{"type":"object","properties":{
				"patent_id":{"type":"string"}
			},"required":["patent_id"]}`),
		},
		{
			Name:        "visualize_chemical_structure",
			Description: "Render a 2D structure image for a SMILES string. The image is attached to the reply.",
			Parameters: json.RawMessage(`{"type":"object","properties":{
				"smiles":{"type":"string"},
				"width":{"type":"integer","description":"Pixels, default 400"},
				"height":{"type":"integer","description":"Pixels, default 400"}
			},"required":["smiles"]}`),
		},
	}
}

func (t *Tool) Invoke(ctx context.Context, name string, args json.RawMessage) (json.RawMessage, error) {
	switch name {
	case "search_patents":
		return t.searchPatents(ctx, args)
	case "search_similar_structures":
		return t.similarStructures(ctx, args)
	case "get_chemical_frequency":
		return t.chemicalFrequency(ctx, args)
	case "lookup_chemical_by_name":
		return t.lookupByName(ctx, args)
	case "lookup_chemical_by_id":
		return t.lookupByID(ctx, args)
	case "get_patent_content":
		return t.patentContent(ctx, args)
	case "get_patent_family":
		return t.patentFamily(ctx, args)
	case "visualize_chemical_structure":
		return t.structureImage(ctx, args)
	}
	return nil, &matdisc.ErrValidation{Tool: name, Reason: "unknown tool"}
}

// --- patent search: submit job, poll, fetch results ---

func (t *Tool) searchPatents(ctx context.Context, args json.RawMessage) (json.RawMessage, error) {
	var p struct {
		Query string `json:"query"`
		Limit int    `json:"limit"`
	}
	if err := json.Unmarshal(args, &p); err != nil {
		return nil, &matdisc.ErrValidation{Tool: "search_patents", Reason: "invalid args: " + err.Error()}
	}
	if strings.TrimSpace(p.Query) == "" {
		return nil, &matdisc.ErrValidation{Tool: "search_patents", Reason: "query is required"}
	}
	if p.Limit <= 0 {
		p.Limit = 10
	}

	cacheKey := fmt.Sprintf("schembl:patents:%s:%d", p.Query, p.Limit)
	if t.cache != nil {
		if v, ok := t.cache.Get(cacheKey); ok {
			return v, nil
		}
	}

	var submitted struct {
		JobID string `json:"job_id"`
	}
	if err := t.postJSON(ctx, "/search/patents", map[string]any{"query": p.Query, "limit": p.Limit}, &submitted); err != nil {
		return nil, err
	}
	if submitted.JobID == "" {
		return nil, fmt.Errorf("patent search submission returned no job id")
	}

	if err := t.awaitJob(ctx, submitted.JobID); err != nil {
		return nil, err
	}

	var results json.RawMessage
	if err := t.getJSON(ctx, "/search/patents/"+url.PathEscape(submitted.JobID)+"/results", &results); err != nil {
		return nil, err
	}
	if t.cache != nil {
		t.cache.Set(cacheKey, results, t.ttlPatents)
	}
	return results, nil
}

// awaitJob polls the job status until it completes. Search jobs normally
// finish within a few poll intervals; the poll count bound keeps a stuck
// job from eating the whole call timeout.
func (t *Tool) awaitJob(ctx context.Context, jobID string) error {
	for i := 0; i < t.maxPolls; i++ {
		var status struct {
			Status string `json:"status"` // queued, running, completed, failed
			Error  string `json:"error"`
		}
		if err := t.getJSON(ctx, "/search/patents/"+url.PathEscape(jobID)+"/status", &status); err != nil {
			return err
		}
		switch status.Status {
		case "completed":
			return nil
		case "failed":
			return fmt.Errorf("patent search job failed: %s", status.Error)
		}
		timer := time.NewTimer(t.pollInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	return fmt.Errorf("patent search job %s did not complete in time", jobID)
}

// --- structure and chemical lookups ---

func (t *Tool) similarStructures(ctx context.Context, args json.RawMessage) (json.RawMessage, error) {
	var p struct {
		SMILES    string  `json:"smiles"`
		Threshold float64 `json:"threshold"`
		Limit     int     `json:"limit"`
	}
	if err := json.Unmarshal(args, &p); err != nil {
		return nil, &matdisc.ErrValidation{Tool: "search_similar_structures", Reason: "invalid args: " + err.Error()}
	}
	if strings.TrimSpace(p.SMILES) == "" {
		return nil, &matdisc.ErrValidation{Tool: "search_similar_structures", Reason: "smiles is required"}
	}
	if p.Threshold <= 0 || p.Threshold > 1 {
		p.Threshold = 0.8
	}
	if p.Limit <= 0 {
		p.Limit = 10
	}
	q := url.Values{}
	q.Set("smiles", p.SMILES)
	q.Set("threshold", fmt.Sprintf("%.2f", p.Threshold))
	q.Set("limit", fmt.Sprint(p.Limit))
	return t.cachedGet(ctx, "/chemical/similarity?"+q.Encode(), t.ttlStructures)
}

func (t *Tool) chemicalFrequency(ctx context.Context, args json.RawMessage) (json.RawMessage, error) {
	var p struct {
		SMILES     string `json:"smiles"`
		ChemicalID string `json:"chemical_id"`
	}
	if err := json.Unmarshal(args, &p); err != nil {
		return nil, &matdisc.ErrValidation{Tool: "get_chemical_frequency", Reason: "invalid args: " + err.Error()}
	}
	q := url.Values{}
	switch {
	case p.ChemicalID != "":
		q.Set("chemical_id", p.ChemicalID)
	case p.SMILES != "":
		q.Set("smiles", p.SMILES)
	default:
		return nil, &matdisc.ErrValidation{Tool: "get_chemical_frequency", Reason: "smiles or chemical_id is required"}
	}
	return t.cachedGet(ctx, "/chemical/frequency?"+q.Encode(), t.ttlStructures)
}

func (t *Tool) lookupByName(ctx context.Context, args json.RawMessage) (json.RawMessage, error) {
	var p struct {
		Name string `json:"name"`
	}
	if err := json.Unmarshal(args, &p); err != nil || strings.TrimSpace(p.Name) == "" {
		return nil, &matdisc.ErrValidation{Tool: "lookup_chemical_by_name", Reason: "name is required"}
	}
	return t.cachedGet(ctx, "/chemical/name/"+url.PathEscape(p.Name), t.ttlStructures)
}

func (t *Tool) lookupByID(ctx context.Context, args json.RawMessage) (json.RawMessage, error) {
	var p struct {
		ChemicalID string `json:"chemical_id"`
	}
	if err := json.Unmarshal(args, &p); err != nil || strings.TrimSpace(p.ChemicalID) == "" {
		return nil, &matdisc.ErrValidation{Tool: "lookup_chemical_by_id", Reason: "chemical_id is required"}
	}
	return t.cachedGet(ctx, "/chemical/id/"+url.PathEscape(p.ChemicalID), t.ttlStructures)
}

func (t *Tool) patentContent(ctx context.Context, args json.RawMessage) (json.RawMessage, error) {
	var p struct {
		PatentID string `json:"patent_id"`
	}
	if err := json.Unmarshal(args, &p); err != nil || strings.TrimSpace(p.PatentID) == "" {
		return nil, &matdisc.ErrValidation{Tool: "get_patent_content", Reason: "patent_id is required"}
	}
	return t.cachedGet(ctx, "/patent/"+url.PathEscape(p.PatentID)+"/contents", t.ttlPatents)
}

func (t *Tool) patentFamily(ctx context.Context, args json.RawMessage) (json.RawMessage, error) {
	var p struct {
		PatentID string `json:"patent_id"`
	}
	if err := json.Unmarshal(args, &p); err != nil || strings.TrimSpace(p.PatentID) == "" {
		return nil, &matdisc.ErrValidation{Tool: "get_patent_family", Reason: "patent_id is required"}
	}
	raw, err := t.cachedGet(ctx, "/patent/"+url.PathEscape(p.PatentID)+"/family", t.ttlPatents)
	if err != nil {
		return nil, err
	}
	// Cap the member list; some families run to hundreds of filings.
	var fam struct {
		Members []json.RawMessage `json:"members"`
	}
	if err := json.Unmarshal(raw, &fam); err != nil || len(fam.Members) <= maxFamilyMembers {
		return raw, nil
	}
	out, err := json.Marshal(map[string]any{
		"members":   fam.Members[:maxFamilyMembers],
		"truncated": true,
		"total":     len(fam.Members),
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// --- structure image ---

func (t *Tool) structureImage(ctx context.Context, args json.RawMessage) (json.RawMessage, error) {
	var p struct {
		SMILES string `json:"smiles"`
		Width  int    `json:"width"`
		Height int    `json:"height"`
	}
	if err := json.Unmarshal(args, &p); err != nil || strings.TrimSpace(p.SMILES) == "" {
		return nil, &matdisc.ErrValidation{Tool: "visualize_chemical_structure", Reason: "smiles is required"}
	}
	if p.Width <= 0 {
		p.Width = 400
	}
	if p.Height <= 0 {
		p.Height = 400
	}

	q := url.Values{}
	q.Set("smiles", p.SMILES)
	q.Set("width", fmt.Sprint(p.Width))
	q.Set("height", fmt.Sprint(p.Height))
	path := "/chemical/image?" + q.Encode()

	cacheKey := "schembl:" + path
	if t.cache != nil {
		if v, ok := t.cache.Get(cacheKey); ok {
			return v, nil
		}
	}

	png, err := t.getBytes(ctx, path)
	if err != nil {
		return nil, err
	}
	out, err := json.Marshal(map[string]any{
		"type":       "image",
		"smiles":     p.SMILES,
		"mime_type":  "image/png",
		"image_data": base64.StdEncoding.EncodeToString(png),
		"width":      p.Width,
		"height":     p.Height,
	})
	if err != nil {
		return nil, err
	}
	if t.cache != nil {
		t.cache.Set(cacheKey, out, t.ttlStructures)
	}
	return out, nil
}

// --- HTTP plumbing ---

func (t *Tool) cachedGet(ctx context.Context, path string, ttl time.Duration) (json.RawMessage, error) {
	cacheKey := "schembl:" + path
	if t.cache != nil {
		if v, ok := t.cache.Get(cacheKey); ok {
			t.logger.Debug("surechembl: cache hit", "path", path)
			return v, nil
		}
	}
	var out json.RawMessage
	if err := t.getJSON(ctx, path, &out); err != nil {
		return nil, err
	}
	if t.cache != nil {
		t.cache.Set(cacheKey, out, ttl)
	}
	return out, nil
}

func (t *Tool) getJSON(ctx context.Context, path string, out any) error {
	body, err := t.getBytes(ctx, path)
	if err != nil {
		return err
	}
	return json.Unmarshal(body, out)
}

func (t *Tool) getBytes(ctx context.Context, path string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.baseURL+path, nil)
	if err != nil {
		return nil, err
	}
	t.setHeaders(req)
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
	return io.ReadAll(io.LimitReader(resp.Body, 4<<20))
}

func (t *Tool) postJSON(ctx context.Context, path string, body any, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.baseURL+path, strings.NewReader(string(payload)))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	t.setHeaders(req)
	resp, err := t.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return &matdisc.ErrHTTP{
			Status:     resp.StatusCode,
			Body:       string(b),
			RetryAfter: matdisc.ParseRetryAfter(resp.Header.Get("Retry-After")),
		}
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (t *Tool) setHeaders(req *http.Request) {
	req.Header.Set("Accept", "application/json")
	if t.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+t.apiKey)
	}
}

var _ matdisc.Tool = (*Tool)(nil)
