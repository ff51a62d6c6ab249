package materialsproject

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	matdisc "github.com/DavidAkinpelu/materials-discovery-agent"
	"github.com/DavidAkinpelu/materials-discovery-agent/internal/cache"
)

func TestSearchMapsRangeCriteria(t *testing.T) {
	var gotQuery url.Values
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if key := r.Header.Get("X-API-KEY"); key != "mp-key" {
			t.Errorf("missing api key header: %q", key)
		}
		gotQuery = r.URL.Query()
		w.Write([]byte(`{"data":[{"material_id":"mp-804","formula_pretty":"GaN","band_gap":1.74}]}`))
	}))
	defer srv.Close()

	tool := New("mp-key", WithBaseURL(srv.URL))
	out, err := tool.Invoke(context.Background(), "search_materials",
		json.RawMessage(`{"criteria":{"formula":"GaN","band_gap":[1.0,3.0]},"limit":5}`))
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}

	if gotQuery.Get("formula") != "GaN" {
		t.Errorf("string criterion not forwarded: %v", gotQuery)
	}
	if gotQuery.Get("band_gap_min") != "1" || gotQuery.Get("band_gap_max") != "3" {
		t.Errorf("range criterion not mapped to min/max: %v", gotQuery)
	}
	if gotQuery.Get("_limit") != "5" {
		t.Errorf("limit not forwarded: %v", gotQuery)
	}

	var parsed struct {
		Materials []map[string]any `json:"materials"`
		Count     int              `json:"count"`
	}
	if err := json.Unmarshal(out, &parsed); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if parsed.Count != 1 || parsed.Materials[0]["material_id"] != "mp-804" {
		t.Errorf("results not parsed: %+v", parsed)
	}
}

func TestSearchValidation(t *testing.T) {
	tool := New("k")
	if _, err := tool.Invoke(context.Background(), "search_materials",
		json.RawMessage(`{"criteria":{}}`)); !matdisc.IsValidation(err) {
		t.Fatalf("expected validation error for empty criteria, got %v", err)
	}
	if _, err := tool.Invoke(context.Background(), "search_materials",
		json.RawMessage(`{"criteria":{"formula":{"nested":true}}}`)); !matdisc.IsValidation(err) {
		t.Fatalf("expected validation error for an object criterion, got %v", err)
	}
}

func TestFieldStatsPercentilesAndBands(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// 101 evenly spaced band gaps 0.00 .. 10.00
		docs := make([]string, 101)
		for i := range docs {
			docs[i] = fmt.Sprintf(`{"band_gap":%g}`, float64(i)/10)
		}
		fmt.Fprintf(w, `{"data":[%s]}`, joinDocs(docs))
	}))
	defer srv.Close()

	tool := New("k", WithBaseURL(srv.URL))
	out, err := tool.Invoke(context.Background(), "get_field_stats", json.RawMessage(`{"field":"band_gap"}`))
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}

	var stats struct {
		SampleSize  int                `json:"sample_size"`
		Min         float64            `json:"min"`
		Max         float64            `json:"max"`
		Percentiles map[string]float64 `json:"percentiles"`
		Bands       struct {
			LowBelow  float64    `json:"low_below"`
			Typical   [2]float64 `json:"typical"`
			HighAbove float64    `json:"high_above"`
		} `json:"bands"`
	}
	if err := json.Unmarshal(out, &stats); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if stats.SampleSize != 101 || stats.Min != 0 || stats.Max != 10 {
		t.Errorf("sample bounds wrong: %+v", stats)
	}
	if got := stats.Percentiles["p50"]; got != 5.0 {
		t.Errorf("p50 = %v, want 5.0", got)
	}
	if stats.Bands.LowBelow != stats.Percentiles["p25"] || stats.Bands.HighAbove != stats.Percentiles["p75"] {
		t.Errorf("bands must anchor on p25/p75: %+v", stats.Bands)
	}
}

func TestFieldStatsCached(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Write([]byte(`{"data":[{"density":3.1},{"density":5.2}]}`))
	}))
	defer srv.Close()

	tool := New("k", WithBaseURL(srv.URL), WithCache(cache.New(16), time.Hour, time.Hour))
	for i := 0; i < 2; i++ {
		if _, err := tool.Invoke(context.Background(), "get_field_stats", json.RawMessage(`{"field":"density"}`)); err != nil {
			t.Fatalf("Invoke %d: %v", i, err)
		}
	}
	if calls.Load() != 1 {
		t.Errorf("expected 1 upstream call, got %d", calls.Load())
	}
}

func TestPercentileInterpolation(t *testing.T) {
	sorted := []float64{1, 2, 3, 4}
	if got := percentile(sorted, 0.5); got != 2.5 {
		t.Errorf("median of 1..4 = %v, want 2.5", got)
	}
	if got := percentile(sorted, 0); got != 1 {
		t.Errorf("p0 = %v, want 1", got)
	}
	if got := percentile(sorted, 1); got != 4 {
		t.Errorf("p100 = %v, want 4", got)
	}
	if got := percentile([]float64{7}, 0.9); got != 7 {
		t.Errorf("single value = %v, want 7", got)
	}
}

func joinDocs(docs []string) string {
	out := ""
	for i, d := range docs {
		if i > 0 {
			out += ","
		}
		out += d
	}
	return out
}
