package expertise

import (
	"context"
	"errors"
	"io"
	"log"
	"sync"
	"testing"
	"time"

	"github.com/sreenathmmenon/EngineIQ/config"
	"github.com/sreenathmmenon/EngineIQ/internal/store"
	"github.com/sreenathmmenon/EngineIQ/internal/vector"
)

type fakeStorage struct {
	mu          sync.Mutex
	evidence    []store.EvidenceRecord
	failInserts int
}

func (f *fakeStorage) InsertEvidence(_ context.Context, e store.EvidenceRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failInserts > 0 {
		f.failInserts--
		return errors.New("serialization failure")
	}
	f.evidence = append(f.evidence, e)
	return nil
}

func (f *fakeStorage) ListEvidenceByTopic(_ context.Context, topic string) ([]store.EvidenceRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []store.EvidenceRecord
	for _, e := range f.evidence {
		if e.Topic == topic {
			out = append(out, e)
		}
	}
	return out, nil
}

func newLedger(storage Storage) *Ledger {
	return NewLedger(config.ExpertiseConfig{}, storage, nil, nil, "expertise_map", log.New(io.Discard, "", 0))
}

func TestWeightTable(t *testing.T) {
	l := newLedger(&fakeStorage{})
	cases := []struct {
		source, action string
		want           float64
	}{
		{"github", "file", 2.0},
		{"github", "merged_pr", 1.5},
		{"github", "pr", 1.0},
		{"github", "issue", 0.5},
		{"slack", "answered", 1.5},
		{"slack", "authored", 1.0},
		{"box", "authored", 2.0},
		{"wiki", "edited", 1.0}, // unknown pair defaults to 1.0
	}
	for _, tc := range cases {
		if got := l.Weight(tc.source, tc.action); got != tc.want {
			t.Fatalf("weight(%s, %s) = %f, want %f", tc.source, tc.action, got, tc.want)
		}
	}
}

func TestRecordScoresAndStores(t *testing.T) {
	storage := &fakeStorage{}
	l := newLedger(storage)
	e, err := l.Record(context.Background(), Contribution{
		UserID: "u1", Topic: "migrations", Source: "github", Action: "merged_pr", DocID: "pr-1",
	})
	if err != nil {
		t.Fatalf("record: %v", err)
	}
	if e.Score != 1.5 {
		t.Fatalf("merged PR should score 1.5, got %f", e.Score)
	}
	if len(storage.evidence) != 1 || storage.evidence[0].ID != e.ID {
		t.Fatalf("evidence not persisted: %+v", storage.evidence)
	}
	if e.CreatedAt.IsZero() {
		t.Fatalf("record must stamp evidence time")
	}
}

func TestRecordRetriesConflicts(t *testing.T) {
	storage := &fakeStorage{failInserts: 2}
	l := newLedger(storage)
	if _, err := l.Record(context.Background(), Contribution{UserID: "u1", Topic: "t", Source: "slack", Action: "answered"}); err != nil {
		t.Fatalf("record should retry conflicts: %v", err)
	}
	if len(storage.evidence) != 1 {
		t.Fatalf("evidence lost after retry: %+v", storage.evidence)
	}
}

func TestRankExpertsDecayAndOrder(t *testing.T) {
	now := time.Now().UTC()
	storage := &fakeStorage{evidence: []store.EvidenceRecord{
		// Fresh contributor: 2.0 * 1.0
		{ID: "e1", UserID: "fresh", Topic: "k8s", Score: 2.0, CreatedAt: now.Add(-10 * 24 * time.Hour)},
		// Heavier but stale contributor: 3.0 * 0.5
		{ID: "e2", UserID: "stale", Topic: "k8s", Score: 3.0, CreatedAt: now.Add(-150 * 24 * time.Hour)},
		// Mid-age contributor: 2.0 * 0.8
		{ID: "e3", UserID: "mid", Topic: "k8s", Score: 2.0, CreatedAt: now.Add(-60 * 24 * time.Hour)},
	}}
	l := newLedger(storage)

	experts, err := l.RankExperts(context.Background(), "k8s", 10, now)
	if err != nil {
		t.Fatalf("rank: %v", err)
	}
	if len(experts) != 3 {
		t.Fatalf("expected 3 experts, got %d", len(experts))
	}
	if experts[0].UserID != "fresh" || experts[1].UserID != "mid" || experts[2].UserID != "stale" {
		t.Fatalf("unexpected order: %+v", experts)
	}
	if experts[0].Score != 2.0 || experts[1].Score != 1.6 || experts[2].Score != 1.5 {
		t.Fatalf("unexpected decayed scores: %+v", experts)
	}
}

func TestRankExpertsLimit(t *testing.T) {
	now := time.Now().UTC()
	storage := &fakeStorage{evidence: []store.EvidenceRecord{
		{ID: "e1", UserID: "a", Topic: "t", Score: 3, CreatedAt: now},
		{ID: "e2", UserID: "b", Topic: "t", Score: 2, CreatedAt: now},
		{ID: "e3", UserID: "c", Topic: "t", Score: 1, CreatedAt: now},
	}}
	l := newLedger(storage)
	experts, err := l.RankExperts(context.Background(), "t", 2, now)
	if err != nil {
		t.Fatalf("rank: %v", err)
	}
	if len(experts) != 2 || experts[0].UserID != "a" {
		t.Fatalf("limit not applied: %+v", experts)
	}
}

func TestScoreGrowsWithNewEvidence(t *testing.T) {
	now := time.Now().UTC()
	storage := &fakeStorage{}
	l := newLedger(storage)
	ctx := context.Background()

	if _, err := l.Record(ctx, Contribution{UserID: "u1", Topic: "t", Source: "slack", Action: "authored", At: now}); err != nil {
		t.Fatalf("record: %v", err)
	}
	first, _ := l.RankExperts(ctx, "t", 1, now)
	if _, err := l.Record(ctx, Contribution{UserID: "u1", Topic: "t", Source: "slack", Action: "answered", At: now}); err != nil {
		t.Fatalf("record: %v", err)
	}
	second, _ := l.RankExperts(ctx, "t", 1, now)
	if second[0].Score <= first[0].Score {
		t.Fatalf("score must grow with new evidence: %f then %f", first[0].Score, second[0].Score)
	}
}

type fakeVector struct {
	hits   []vector.ScoredPoint
	points []vector.Point
}

func (f *fakeVector) Search(_ context.Context, _ string, _ []float32, _ *vector.Filter, _ int, _ float64) ([]vector.ScoredPoint, error) {
	return f.hits, nil
}

func (f *fakeVector) Upsert(_ context.Context, _ string, points ...vector.Point) error {
	f.points = append(f.points, points...)
	return nil
}

type fakeEmbedder struct{}

func (fakeEmbedder) Embed(_ context.Context, _ string) ([]float32, error) {
	return []float32{0.1, 0.2}, nil
}

func TestRankExpertsMergesSimilarTopics(t *testing.T) {
	now := time.Now().UTC()
	storage := &fakeStorage{evidence: []store.EvidenceRecord{
		{ID: "e1", UserID: "exact", Topic: "kubernetes", Score: 1.0, CreatedAt: now},
	}}
	vec := &fakeVector{hits: []vector.ScoredPoint{
		{ID: "e2", Score: 0.9, Payload: map[string]interface{}{
			"user_id": "similar", "topic": "k8s operations", "score": 2.0, "created_at": now.Format(time.RFC3339),
		}},
		// Duplicate of the exact-match row must not double count.
		{ID: "e1", Score: 0.95, Payload: map[string]interface{}{
			"user_id": "exact", "topic": "kubernetes", "score": 1.0, "created_at": now.Format(time.RFC3339),
		}},
	}}
	l := NewLedger(config.ExpertiseConfig{}, storage, vec, fakeEmbedder{}, "expertise_map", log.New(io.Discard, "", 0))

	experts, err := l.RankExperts(context.Background(), "kubernetes", 10, now)
	if err != nil {
		t.Fatalf("rank: %v", err)
	}
	if len(experts) != 2 {
		t.Fatalf("expected merged expert set, got %+v", experts)
	}
	if experts[0].UserID != "similar" || experts[0].Score != 2.0 {
		t.Fatalf("similarity evidence not ranked: %+v", experts)
	}
	if experts[1].Score != 1.0 {
		t.Fatalf("duplicate evidence double counted: %+v", experts)
	}
}

func TestSuggestOwner(t *testing.T) {
	now := time.Now().UTC()
	storage := &fakeStorage{evidence: []store.EvidenceRecord{
		{ID: "e1", UserID: "owner", Topic: "t", Score: 5, CreatedAt: now},
		{ID: "e2", UserID: "other", Topic: "t", Score: 1, CreatedAt: now},
	}}
	l := newLedger(storage)
	owner, err := l.SuggestOwner(context.Background(), "t")
	if err != nil {
		t.Fatalf("suggest owner: %v", err)
	}
	if owner != "owner" {
		t.Fatalf("expected top expert as owner, got %q", owner)
	}

	empty, err := newLedger(&fakeStorage{}).SuggestOwner(context.Background(), "unknown")
	if err != nil || empty != "" {
		t.Fatalf("no evidence should yield empty owner, got %q err=%v", empty, err)
	}
}
