// Package pubchem looks up chemical compound properties through the
// PubChem PUG REST API.
package pubchem

import (
	"context"
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

const defaultBaseURL = "https://pubchem.ncbi.nlm.nih.gov/rest/pug"

// propertyList is the descriptor set requested for every compound.
var propertyList = strings.Join([]string{
	"MolecularFormula", "MolecularWeight", "CanonicalSMILES", "IsomericSMILES",
	"InChI", "InChIKey", "IUPACName", "Title", "XLogP", "ExactMass",
	"MonoisotopicMass", "TPSA", "Complexity", "Charge",
	"HBondDonorCount", "HBondAcceptorCount", "RotatableBondCount",
	"HeavyAtomCount", "AtomStereoCount", "DefinedAtomStereoCount",
	"BondStereoCount", "CovalentUnitCount",
	"Volume3D", "ConformerCount3D",
}, ",")

// maxSynonyms caps the synonym list attached to a result.
const maxSynonyms = 20

// Tool implements the search_pubchem capability.
type Tool struct {
	baseURL string
	client  *http.Client
	cache   *cache.Cache
	ttl     time.Duration
	logger  *slog.Logger
}

// Option configures the tool.
type Option func(*Tool)

// WithBaseURL overrides the PUG REST endpoint (tests).
func WithBaseURL(u string) Option {
	return func(t *Tool) { t.baseURL = u }
}

// WithHTTPClient replaces the default client.
func WithHTTPClient(c *http.Client) Option {
	return func(t *Tool) { t.client = c }
}

// WithCache enables result caching.
func WithCache(c *cache.Cache, ttl time.Duration) Option {
	return func(t *Tool) { t.cache = c; t.ttl = ttl }
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(t *Tool) { t.logger = l }
}

// New creates the tool. PubChem needs no API key.
func New(opts ...Option) *Tool {
	t := &Tool{
		baseURL: defaultBaseURL,
		client:  &http.Client{Timeout: 20 * time.Second},
		ttl:     7 * 24 * time.Hour,
		logger:  matdisc.NopLogger(),
	}
	for _, o := range opts {
		o(t)
	}
	return t
}

func (t *Tool) Definitions() []matdisc.ToolDefinition {
	return []matdisc.ToolDefinition{{
		Name:        "search_pubchem",
		Description: "Look up molecular properties of a chemical compound in PubChem: formula, weight, SMILES, InChI, logP, TPSA, hydrogen bonding, stereochemistry.",
		Parameters: json.RawMessage(`{"type":"object","properties":{
			"query":{"type":"string","description":"Compound identifier"},
			"search_type":{"type":"string","enum":["name","cid","formula","smiles","inchikey"],"description":"How to interpret the query, default name"},
			"include_synonyms":{"type":"boolean","description":"Also return up to 20 synonyms"}
		},"required":["query"]}`),
	}}
}

var namespaces = map[string]string{
	"name":     "name",
	"cid":      "cid",
	"formula":  "fastformula",
	"smiles":   "smiles",
	"inchikey": "inchikey",
}

func (t *Tool) Invoke(ctx context.Context, name string, args json.RawMessage) (json.RawMessage, error) {
	var p struct {
		Query           string `json:"query"`
		SearchType      string `json:"search_type"`
		IncludeSynonyms bool   `json:"include_synonyms"`
	}
	if err := json.Unmarshal(args, &p); err != nil {
		return nil, &matdisc.ErrValidation{Tool: name, Reason: "invalid args: " + err.Error()}
	}
	if strings.TrimSpace(p.Query) == "" {
		return nil, &matdisc.ErrValidation{Tool: name, Reason: "query is required"}
	}
	if p.SearchType == "" {
		p.SearchType = "name"
	}
	ns, ok := namespaces[p.SearchType]
	if !ok {
		return nil, &matdisc.ErrValidation{Tool: name, Reason: "unsupported search_type: " + p.SearchType}
	}

	cacheKey := "pubchem:" + string(args)
	if t.cache != nil {
		if v, ok := t.cache.Get(cacheKey); ok {
			t.logger.Debug("pubchem: cache hit", "query", p.Query)
			return v, nil
		}
	}

	props, err := t.properties(ctx, ns, p.Query)
	if err != nil {
		return nil, err
	}

	result := map[string]any{"compounds": props}
	if p.IncludeSynonyms && len(props) > 0 {
		if cid, ok := props[0]["CID"]; ok {
			syns, err := t.synonyms(ctx, fmt.Sprintf("%v", cid))
			if err != nil {
				// Synonyms are decoration; the property lookup already
				// succeeded.
				t.logger.Warn("pubchem: synonyms failed", "cid", cid, "error", err)
			} else {
				result["synonyms"] = syns
			}
		}
	}

	out, err := json.Marshal(result)
	if err != nil {
		return nil, err
	}
	if t.cache != nil {
		t.cache.Set(cacheKey, out, t.ttl)
	}
	return out, nil
}

func (t *Tool) properties(ctx context.Context, namespace, query string) ([]map[string]any, error) {
	u := fmt.Sprintf("%s/compound/%s/%s/property/%s/JSON",
		t.baseURL, namespace, url.PathEscape(query), propertyList)
	var data struct {
		PropertyTable struct {
			Properties []map[string]any `json:"Properties"`
		} `json:"PropertyTable"`
	}
	if err := t.getJSON(ctx, u, query, &data); err != nil {
		return nil, err
	}
	return data.PropertyTable.Properties, nil
}

func (t *Tool) synonyms(ctx context.Context, cid string) ([]string, error) {
	u := fmt.Sprintf("%s/compound/cid/%s/synonyms/JSON", t.baseURL, url.PathEscape(cid))
	var data struct {
		InformationList struct {
			Information []struct {
				Synonym []string `json:"Synonym"`
			} `json:"Information"`
		} `json:"InformationList"`
	}
	if err := t.getJSON(ctx, u, cid, &data); err != nil {
		return nil, err
	}
	if len(data.InformationList.Information) == 0 {
		return nil, nil
	}
	syns := data.InformationList.Information[0].Synonym
	if len(syns) > maxSynonyms {
		syns = syns[:maxSynonyms]
	}
	return syns, nil
}

func (t *Tool) getJSON(ctx context.Context, u, query string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	resp, err := t.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return fmt.Errorf("no compound found for %q", query)
	}
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return &matdisc.ErrHTTP{
			Status:     resp.StatusCode,
			Body:       string(b),
			RetryAfter: matdisc.ParseRetryAfter(resp.Header.Get("Retry-After")),
		}
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

var _ matdisc.Tool = (*Tool)(nil)
