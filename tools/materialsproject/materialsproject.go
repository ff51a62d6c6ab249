// Package materialsproject searches the Materials Project database and
// computes distribution statistics for its numeric fields.
package materialsproject

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	matdisc "github.com/DavidAkinpelu/materials-discovery-agent"
	"github.com/DavidAkinpelu/materials-discovery-agent/internal/cache"
)

const defaultBaseURL = "https://api.materialsproject.org"

// statsSampleSize is how many values are sampled to estimate a field's
// distribution.
const statsSampleSize = 500

// rangeFields are criteria that accept a [min, max] pair and map to
// *_min/*_max query parameters.
var rangeFields = map[string]bool{
	"band_gap": true, "energy_above_hull": true, "formation_energy_per_atom": true,
	"density": true, "volume": true, "nsites": true, "nelements": true,
	"total_magnetization": true, "k_voigt": true, "g_voigt": true,
}

// Tool implements the search_materials and get_field_stats capabilities.
type Tool struct {
	apiKey   string
	baseURL  string
	client   *http.Client
	cache    *cache.Cache
	ttlData  time.Duration
	ttlStats time.Duration
	logger   *slog.Logger
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

// WithCache enables result caching: data TTL for searches, stats TTL for
// field statistics.
func WithCache(c *cache.Cache, data, stats time.Duration) Option {
	return func(t *Tool) { t.cache = c; t.ttlData = data; t.ttlStats = stats }
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
		client:   &http.Client{Timeout: 30 * time.Second},
		ttlData:  7 * 24 * time.Hour,
		ttlStats: 30 * 24 * time.Hour,
		logger:   matdisc.NopLogger(),
	}
	for _, o := range opts {
		o(t)
	}
	return t
}

func (t *Tool) Definitions() []matdisc.ToolDefinition {
	return []matdisc.ToolDefinition{
		{
			Name:        "search_materials",
			Description: "Search the Materials Project database of computed inorganic materials. Criteria may include a formula or chemical system and [min,max] ranges for numeric fields like band_gap or energy_above_hull.",
			Parameters: json.RawMessage(`{"type":"object","properties":{
				"criteria":{"type":"object","description":"Field filters: formula, chemsys, elements, material_ids, boolean flags like theoretical, and [min,max] pairs for numeric fields"},
				"properties":{"type":"array","items":{"type":"string"},"description":"Fields to return, e.g. material_id, formula_pretty, band_gap"},
				"limit":{"type":"integer","description":"Max results, default 10, max 100"}
			},"required":["criteria"]}`),
		},
		{
			Name:        "get_field_stats",
			Description: "Get the distribution of a numeric Materials Project field (percentiles and low/typical/high bands) so a value can be put in context.",
			Parameters: json.RawMessage(`{"type":"object","properties":{
				"field":{"type":"string","description":"Numeric field name, e.g. band_gap"}
			},"required":["field"]}`),
		},
	}
}

func (t *Tool) Invoke(ctx context.Context, name string, args json.RawMessage) (json.RawMessage, error) {
	switch name {
	case "search_materials":
		return t.search(ctx, args)
	case "get_field_stats":
		return t.fieldStats(ctx, args)
	}
	return nil, &matdisc.ErrValidation{Tool: name, Reason: "unknown tool"}
}

func (t *Tool) search(ctx context.Context, args json.RawMessage) (json.RawMessage, error) {
	var p struct {
		Criteria   map[string]json.RawMessage `json:"criteria"`
		Properties []string                   `json:"properties"`
		Limit      int                        `json:"limit"`
	}
	if err := json.Unmarshal(args, &p); err != nil {
		return nil, &matdisc.ErrValidation{Tool: "search_materials", Reason: "invalid args: " + err.Error()}
	}
	if len(p.Criteria) == 0 {
		return nil, &matdisc.ErrValidation{Tool: "search_materials", Reason: "criteria is required"}
	}
	if p.Limit <= 0 {
		p.Limit = 10
	}
	if p.Limit > 100 {
		p.Limit = 100
	}
	if len(p.Properties) == 0 {
		p.Properties = []string{"material_id", "formula_pretty", "band_gap", "energy_above_hull"}
	}

	q := url.Values{}
	q.Set("_fields", strings.Join(p.Properties, ","))
	q.Set("_limit", fmt.Sprint(p.Limit))
	for field, raw := range p.Criteria {
		if rangeFields[field] {
			var bounds [2]float64
			if err := json.Unmarshal(raw, &bounds); err == nil {
				q.Set(field+"_min", trimFloat(bounds[0]))
				q.Set(field+"_max", trimFloat(bounds[1]))
				continue
			}
		}
		var s string
		if err := json.Unmarshal(raw, &s); err == nil {
			q.Set(field, s)
			continue
		}
		var b bool
		if err := json.Unmarshal(raw, &b); err == nil {
			q.Set(field, fmt.Sprint(b))
			continue
		}
		var f float64
		if err := json.Unmarshal(raw, &f); err == nil {
			q.Set(field, trimFloat(f))
			continue
		}
		return nil, &matdisc.ErrValidation{Tool: "search_materials",
			Reason: fmt.Sprintf("criterion %q must be a string, number, boolean, or [min,max] pair", field)}
	}

	cacheKey := "mp:search:" + q.Encode()
	if t.cache != nil {
		if v, ok := t.cache.Get(cacheKey); ok {
			return v, nil
		}
	}

	docs, err := t.query(ctx, q)
	if err != nil {
		return nil, err
	}
	out, err := json.Marshal(map[string]any{"materials": docs, "count": len(docs)})
	if err != nil {
		return nil, err
	}
	if t.cache != nil {
		t.cache.Set(cacheKey, out, t.ttlData)
	}
	return out, nil
}

func (t *Tool) fieldStats(ctx context.Context, args json.RawMessage) (json.RawMessage, error) {
	var p struct {
		Field string `json:"field"`
	}
	if err := json.Unmarshal(args, &p); err != nil {
		return nil, &matdisc.ErrValidation{Tool: "get_field_stats", Reason: "invalid args: " + err.Error()}
	}
	if strings.TrimSpace(p.Field) == "" {
		return nil, &matdisc.ErrValidation{Tool: "get_field_stats", Reason: "field is required"}
	}

	cacheKey := "mp:stats:" + p.Field
	if t.cache != nil {
		if v, ok := t.cache.Get(cacheKey); ok {
			return v, nil
		}
	}

	q := url.Values{}
	q.Set("_fields", p.Field)
	q.Set("_limit", fmt.Sprint(statsSampleSize))
	docs, err := t.query(ctx, q)
	if err != nil {
		return nil, err
	}

	var values []float64
	for _, d := range docs {
		if v, ok := d[p.Field].(float64); ok {
			values = append(values, v)
		}
	}
	if len(values) == 0 {
		return nil, fmt.Errorf("field %q has no numeric values to sample", p.Field)
	}
	sort.Float64s(values)

	stats := map[string]any{
		"field":       p.Field,
		"sample_size": len(values),
		"min":         values[0],
		"max":         values[len(values)-1],
		"percentiles": map[string]float64{
			"p10": percentile(values, 0.10),
			"p25": percentile(values, 0.25),
			"p50": percentile(values, 0.50),
			"p75": percentile(values, 0.75),
			"p90": percentile(values, 0.90),
		},
		// Interpretation bands: below p25 is low, p25..p75 typical,
		// above p75 high, relative to the sampled population.
		"bands": map[string]any{
			"low_below":  percentile(values, 0.25),
			"typical":    [2]float64{percentile(values, 0.25), percentile(values, 0.75)},
			"high_above": percentile(values, 0.75),
		},
	}
	out, err := json.Marshal(stats)
	if err != nil {
		return nil, err
	}
	if t.cache != nil {
		t.cache.Set(cacheKey, out, t.ttlStats)
	}
	return out, nil
}

func (t *Tool) query(ctx context.Context, q url.Values) ([]map[string]any, error) {
	u := t.baseURL + "/materials/summary/?" + q.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("X-API-KEY", t.apiKey)
	req.Header.Set("Accept", "application/json")

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
		Data []map[string]any `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&data); err != nil {
		return nil, err
	}
	t.logger.Debug("materialsproject: query done", "results", len(data.Data))
	return data.Data, nil
}

// percentile returns the p-quantile of sorted values by linear
// interpolation.
func percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 1 {
		return sorted[0]
	}
	pos := p * float64(len(sorted)-1)
	lo := int(math.Floor(pos))
	hi := int(math.Ceil(pos))
	if lo == hi {
		return sorted[lo]
	}
	frac := pos - float64(lo)
	return sorted[lo]*(1-frac) + sorted[hi]*frac
}

func trimFloat(f float64) string {
	return strings.TrimRight(strings.TrimRight(fmt.Sprintf("%f", f), "0"), ".")
}

var _ matdisc.Tool = (*Tool)(nil)
