package gap

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"sync"
	"testing"
	"time"

	"github.com/sreenathmmenon/EngineIQ/config"
	"github.com/sreenathmmenon/EngineIQ/internal/store"
	"github.com/sreenathmmenon/EngineIQ/internal/vector"
)

type fakeSearcher struct {
	hits []vector.ScoredPoint
	err  error
}

func (f *fakeSearcher) Search(_ context.Context, _ string, _ []float32, _ *vector.Filter, _ int, _ float64) ([]vector.ScoredPoint, error) {
	return f.hits, f.err
}

type fakeLedger struct {
	mu          sync.Mutex
	gaps        map[string]store.GapRecord
	occurrences []store.GapOccurrence
	failUpserts int
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{gaps: make(map[string]store.GapRecord)}
}

func (f *fakeLedger) GetGap(_ context.Context, key string) (store.GapRecord, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	g, ok := f.gaps[key]
	return g, ok, nil
}

func (f *fakeLedger) UpsertGap(_ context.Context, g store.GapRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failUpserts > 0 {
		f.failUpserts--
		return errors.New("deadlock detected")
	}
	f.gaps[g.Key] = g
	return nil
}

func (f *fakeLedger) AppendGapOccurrence(_ context.Context, o store.GapOccurrence) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.occurrences = append(f.occurrences, o)
	return nil
}

func lowQualityHits(n int) []vector.ScoredPoint {
	hits := make([]vector.ScoredPoint, 0, n)
	for i := 0; i < n; i++ {
		hits = append(hits, vector.ScoredPoint{
			ID:    fmt.Sprintf("conv-%d", i),
			Score: 0.85,
			Payload: map[string]interface{}{
				"quality": 0.2,
				"user_id": fmt.Sprintf("user-%d", i),
			},
		})
	}
	return hits
}

func newDetector(search Searcher, ledger Ledger) *Detector {
	cfg := config.GapConfig{SimilarityThreshold: 0.8, LookbackLimit: 20, MinClusterSize: 10, QualityFloor: 0.4, HighPriorityUsers: 5}
	return NewDetector(cfg, search, ledger, nil, "conversations", log.New(io.Discard, "", 0))
}

func TestKeyIsStableAndNormalized(t *testing.T) {
	a := Key("How do I rollback a database migration?")
	b := Key("how   do i ROLLBACK a database migration")
	if a != b {
		t.Fatalf("paraphrase normalization failed: %s != %s", a, b)
	}
	if a == Key("how do I restart the cluster") {
		t.Fatalf("different patterns must not collide")
	}
	if len(a) != len("gap_")+64 {
		t.Fatalf("expected gap_ prefix plus sha256 hex, got %q", a)
	}
}

func TestDetectBelowClusterSizeIsNoGap(t *testing.T) {
	d := newDetector(&fakeSearcher{hits: lowQualityHits(9)}, newFakeLedger())
	out, err := d.Detect(context.Background(), "q", []float32{0.1}, "u1", 0.2, time.Now())
	if err != nil {
		t.Fatalf("detect: %v", err)
	}
	if out.Detected {
		t.Fatalf("cluster of 9 must not trigger a gap")
	}
}

func TestDetectGoodQualityIsNoGap(t *testing.T) {
	hits := lowQualityHits(12)
	for i := range hits {
		hits[i].Payload["quality"] = 0.9
	}
	d := newDetector(&fakeSearcher{hits: hits}, newFakeLedger())
	out, err := d.Detect(context.Background(), "q", []float32{0.1}, "u1", 0.9, time.Now())
	if err != nil {
		t.Fatalf("detect: %v", err)
	}
	if out.Detected {
		t.Fatalf("well-answered cluster must not trigger a gap")
	}
}

func TestDetectCreatesGap(t *testing.T) {
	ledger := newFakeLedger()
	d := newDetector(&fakeSearcher{hits: lowQualityHits(10)}, ledger)
	now := time.Now().UTC()

	out, err := d.Detect(context.Background(), "how to rollback a database migration", []float32{0.1}, "user-new", 0.3, now)
	if err != nil {
		t.Fatalf("detect: %v", err)
	}
	if !out.Detected || !out.Created {
		t.Fatalf("expected new gap, got %+v", out)
	}
	g := out.Gap
	if g.Status != store.GapStatusDetected {
		t.Fatalf("new gap must start detected, got %s", g.Status)
	}
	if g.Occurrences != 11 {
		t.Fatalf("expected 11 occurrences (10 similar + current), got %d", g.Occurrences)
	}
	if len(g.Users) != 11 {
		t.Fatalf("expected 11 distinct users, got %d", len(g.Users))
	}
	// 11 distinct users > 5 threshold.
	if g.Priority != store.GapPriorityHigh {
		t.Fatalf("expected high priority, got %s", g.Priority)
	}
	if g.SuggestedAction == "" {
		t.Fatalf("new gap must carry a suggested action")
	}
	if len(ledger.occurrences) != 1 || ledger.occurrences[0].UserID != "user-new" {
		t.Fatalf("occurrence not recorded: %+v", ledger.occurrences)
	}
}

func TestDetectMergesExistingGap(t *testing.T) {
	ledger := newFakeLedger()
	key := Key("how to rollback a database migration")
	ledger.gaps[key] = store.GapRecord{
		Key:         key,
		Pattern:     "how to rollback a database migration",
		Occurrences: 11,
		Users:       []string{"u1", "u2", "u3"},
		AvgQuality:  0.30,
		Priority:    store.GapPriorityMedium,
		Status:      store.GapStatusDetected,
	}
	d := newDetector(&fakeSearcher{hits: lowQualityHits(10)}, ledger)

	out, err := d.Detect(context.Background(), "How to rollback a database migration?", []float32{0.1}, "u4", 0.42, time.Now())
	if err != nil {
		t.Fatalf("detect: %v", err)
	}
	if !out.Detected || out.Created {
		t.Fatalf("expected merge into existing gap, got %+v", out)
	}
	g := out.Gap
	if g.Occurrences != 12 {
		t.Fatalf("occurrences must grow monotonically: got %d", g.Occurrences)
	}
	if len(g.Users) != 4 {
		t.Fatalf("expected distinct-user set of 4, got %v", g.Users)
	}
	want := (0.30*11 + 0.42) / 12
	if diff := g.AvgQuality - want; diff > 1e-9 || diff < -1e-9 {
		t.Fatalf("rolling average wrong: got %f want %f", g.AvgQuality, want)
	}
	if g.Priority != store.GapPriorityMedium {
		t.Fatalf("4 users must stay medium priority, got %s", g.Priority)
	}
}

func TestDetectSameUserDoesNotGrowDistinctSet(t *testing.T) {
	ledger := newFakeLedger()
	key := Key("q")
	ledger.gaps[key] = store.GapRecord{Key: key, Occurrences: 10, Users: []string{"u1"}, AvgQuality: 0.2}
	d := newDetector(&fakeSearcher{hits: lowQualityHits(10)}, ledger)

	out, err := d.Detect(context.Background(), "q", []float32{0.1}, "u1", 0.2, time.Now())
	if err != nil {
		t.Fatalf("detect: %v", err)
	}
	if len(out.Gap.Users) != 1 {
		t.Fatalf("repeat user must not grow distinct set: %v", out.Gap.Users)
	}
}

func TestDetectRetriesLedgerConflicts(t *testing.T) {
	ledger := newFakeLedger()
	ledger.failUpserts = 2
	d := newDetector(&fakeSearcher{hits: lowQualityHits(10)}, ledger)

	out, err := d.Detect(context.Background(), "q", []float32{0.1}, "u1", 0.2, time.Now())
	if err != nil {
		t.Fatalf("detect should retry conflicts: %v", err)
	}
	if !out.Detected {
		t.Fatalf("expected gap after retry")
	}
}

func TestDetectSearchFailurePropagates(t *testing.T) {
	d := newDetector(&fakeSearcher{err: errors.New("vector store down")}, newFakeLedger())
	if _, err := d.Detect(context.Background(), "q", []float32{0.1}, "u1", 0.2, time.Now()); err == nil {
		t.Fatalf("expected lookup error to surface")
	}
}

func TestDetectConcurrentSameKey(t *testing.T) {
	ledger := newFakeLedger()
	key := Key("q")
	ledger.gaps[key] = store.GapRecord{Key: key, Occurrences: 10, Users: []string{"seed"}, AvgQuality: 0.2}
	d := newDetector(&fakeSearcher{hits: lowQualityHits(10)}, ledger)

	const n = 8
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if _, err := d.Detect(context.Background(), "q", []float32{0.1}, fmt.Sprintf("w-%d", i), 0.2, time.Now()); err != nil {
				t.Errorf("detect: %v", err)
			}
		}(i)
	}
	wg.Wait()

	g, _, _ := ledger.GetGap(context.Background(), key)
	if g.Occurrences != 10+n {
		t.Fatalf("lost updates under concurrency: occurrences=%d want %d", g.Occurrences, 10+n)
	}
}
