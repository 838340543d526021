package vector

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sreenathmmenon/EngineIQ/config"
)

func testClient(t *testing.T, handler http.Handler) (*Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	c := NewClient(config.VectorConfig{BaseURL: srv.URL, Timeout: 2 * time.Second, MaxRetries: 2})
	c.backoff = time.Millisecond
	return c, srv
}

func TestSearchSendsFilterAndDecodesHits(t *testing.T) {
	var got searchRequest
	c, _ := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/collections/knowledge_base/points/search" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode request: %v", err)
		}
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"result": []map[string]interface{}{
				{"id": "doc-1", "score": 0.93, "payload": map[string]interface{}{"title": "Runbook"}},
				{"id": float64(7), "score": 0.81},
			},
		})
	}))

	filter := &Filter{Must: []Condition{MatchValue("source", "github")}}
	hits, err := c.Search(context.Background(), "knowledge_base", []float32{0.1, 0.2}, filter, 20, 0.5)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(hits) != 2 {
		t.Fatalf("expected 2 hits, got %d", len(hits))
	}
	if hits[0].ID != "doc-1" || hits[0].Score != 0.93 {
		t.Fatalf("unexpected first hit: %+v", hits[0])
	}
	if hits[1].ID != "7" {
		t.Fatalf("numeric point id not normalized: %q", hits[1].ID)
	}
	if got.Limit != 20 || got.ScoreThreshold != 0.5 || !got.WithPayload {
		t.Fatalf("request not forwarded: %+v", got)
	}
	if len(got.Filter.Must) != 1 || got.Filter.Must[0].Key != "source" {
		t.Fatalf("filter not forwarded: %+v", got.Filter)
	}
}

func TestSearchRetriesTransientFailures(t *testing.T) {
	var calls int32
	c, _ := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			http.Error(w, "unavailable", http.StatusServiceUnavailable)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]interface{}{"result": []map[string]interface{}{}})
	}))
	if _, err := c.Search(context.Background(), "kb", []float32{0.5}, nil, 5, 0); err != nil {
		t.Fatalf("expected retry to succeed: %v", err)
	}
	if atomic.LoadInt32(&calls) != 3 {
		t.Fatalf("expected 3 attempts, got %d", calls)
	}
}

func TestSearchDoesNotRetryClientErrors(t *testing.T) {
	var calls int32
	c, _ := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		http.Error(w, "bad vector size", http.StatusBadRequest)
	}))
	if _, err := c.Search(context.Background(), "kb", []float32{0.5}, nil, 5, 0); err == nil {
		t.Fatalf("expected error on 400")
	}
	if atomic.LoadInt32(&calls) != 1 {
		t.Fatalf("expected single attempt on 400, got %d", calls)
	}
}

func TestRetrieveMissingPoint(t *testing.T) {
	c, _ := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	_, ok, err := c.Retrieve(context.Background(), "kb", "missing")
	if err != nil {
		t.Fatalf("retrieve: %v", err)
	}
	if ok {
		t.Fatalf("expected missing point")
	}
}

func TestUpsertNoPointsIsNoop(t *testing.T) {
	c, _ := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Errorf("unexpected request for empty upsert")
	}))
	if err := c.Upsert(context.Background(), "kb"); err != nil {
		t.Fatalf("empty upsert: %v", err)
	}
}

func TestFilterEmpty(t *testing.T) {
	var f *Filter
	if !f.Empty() {
		t.Fatalf("nil filter should be empty")
	}
	if !(&Filter{}).Empty() {
		t.Fatalf("zero filter should be empty")
	}
	if (&Filter{MustNot: []Condition{MatchAny("tier", "restricted")}}).Empty() {
		t.Fatalf("populated filter should not be empty")
	}
}
