package expertise

import (
	"context"
	"fmt"
	"log"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/sreenathmmenon/EngineIQ/config"
	"github.com/sreenathmmenon/EngineIQ/internal/store"
	"github.com/sreenathmmenon/EngineIQ/internal/vector"
)

// Storage is the slice of the store the ledger reads and writes.
type Storage interface {
	InsertEvidence(ctx context.Context, e store.EvidenceRecord) error
	ListEvidenceByTopic(ctx context.Context, topic string) ([]store.EvidenceRecord, error)
}

// Searcher finds evidence for similar topics in the expertise collection.
type Searcher interface {
	Search(ctx context.Context, collection string, vec []float32, filter *vector.Filter, limit int, scoreThreshold float64) ([]vector.ScoredPoint, error)
	Upsert(ctx context.Context, collection string, points ...vector.Point) error
}

// Embedder turns a topic label into a vector for similarity matching.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Contribution is one content-contribution event from a connector.
type Contribution struct {
	UserID string
	Topic  string
	Source string
	Action string
	DocID  string
	Title  string
	URL    string
	At     time.Time
}

// Expert is one ranked entry in a topic lookup.
type Expert struct {
	UserID             string    `json:"user_id"`
	Score              float64   `json:"score"`
	EvidenceCount      int       `json:"evidence_count"`
	LastContributionAt time.Time `json:"last_contribution_at"`
}

// Ledger aggregates contribution evidence into ranked expertise scores.
// Rankings are read-mostly and eventually consistent; ledger failures must
// never block answer delivery.
type Ledger struct {
	cfg        config.ExpertiseConfig
	storage    Storage
	search     Searcher
	embed      Embedder
	collection string
	logger     *log.Logger
}

// NewLedger builds the ledger. search and embed may be nil; topic lookups
// then fall back to exact label matching in the store.
func NewLedger(cfg config.ExpertiseConfig, storage Storage, search Searcher, embed Embedder, collection string, logger *log.Logger) *Ledger {
	return &Ledger{
		cfg:        cfg.Normalize(),
		storage:    storage,
		search:     search,
		embed:      embed,
		collection: collection,
		logger:     logger,
	}
}

// Weight returns the base contribution score for a (source, action) pair.
// Unknown pairs score 1.0.
func (l *Ledger) Weight(source, action string) float64 {
	if w, ok := l.cfg.Weights[source+"/"+action]; ok {
		return w
	}
	return 1.0
}

// Record scores a contribution and appends it to the contributor's evidence.
// The store upsert is additive and retried on conflict.
func (l *Ledger) Record(ctx context.Context, c Contribution) (store.EvidenceRecord, error) {
	if c.At.IsZero() {
		c.At = time.Now().UTC()
	}
	e := store.EvidenceRecord{
		ID:        uuid.New().String(),
		UserID:    c.UserID,
		Topic:     c.Topic,
		Source:    c.Source,
		Action:    c.Action,
		Score:     l.Weight(c.Source, c.Action),
		DocID:     c.DocID,
		Title:     c.Title,
		URL:       c.URL,
		CreatedAt: c.At,
	}
	if err := l.insertWithRetry(ctx, e); err != nil {
		return store.EvidenceRecord{}, err
	}
	l.indexEvidence(ctx, e)
	return e, nil
}

func (l *Ledger) insertWithRetry(ctx context.Context, e store.EvidenceRecord) error {
	backoff := 100 * time.Millisecond
	var lastErr error
	for attempt := 0; attempt < 3; attempt++ {
		if lastErr = l.storage.InsertEvidence(ctx, e); lastErr == nil {
			return nil
		}
		select {
		case <-time.After(backoff):
			backoff *= 2
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return fmt.Errorf("record evidence for %s: %w", e.UserID, lastErr)
}

// indexEvidence mirrors the evidence into the expertise collection so topic
// lookups can match by similarity. Best-effort.
func (l *Ledger) indexEvidence(ctx context.Context, e store.EvidenceRecord) {
	if l.search == nil || l.embed == nil {
		return
	}
	vec, err := l.embed.Embed(ctx, e.Topic)
	if err != nil {
		l.logger.Printf("[EXPERT] embed topic %q: %v", e.Topic, err)
		return
	}
	point := vector.Point{
		ID:     e.ID,
		Vector: vec,
		Payload: map[string]interface{}{
			"user_id":    e.UserID,
			"topic":      e.Topic,
			"score":      e.Score,
			"created_at": e.CreatedAt.Format(time.RFC3339),
		},
	}
	if err := l.search.Upsert(ctx, l.collection, point); err != nil {
		l.logger.Printf("[EXPERT] index evidence %s: %v", e.ID, err)
	}
}

// RankExperts returns users ranked by decayed evidence score for the topic.
func (l *Ledger) RankExperts(ctx context.Context, topic string, limit int, now time.Time) ([]Expert, error) {
	evidence, err := l.gather(ctx, topic)
	if err != nil {
		return nil, err
	}
	byUser := make(map[string]*Expert)
	for _, e := range evidence {
		exp, ok := byUser[e.UserID]
		if !ok {
			exp = &Expert{UserID: e.UserID}
			byUser[e.UserID] = exp
		}
		exp.Score += e.Score * l.decay(now.Sub(e.CreatedAt))
		exp.EvidenceCount++
		if e.CreatedAt.After(exp.LastContributionAt) {
			exp.LastContributionAt = e.CreatedAt
		}
	}
	experts := make([]Expert, 0, len(byUser))
	for _, exp := range byUser {
		experts = append(experts, *exp)
	}
	sort.Slice(experts, func(i, j int) bool {
		if experts[i].Score != experts[j].Score {
			return experts[i].Score > experts[j].Score
		}
		return experts[i].UserID < experts[j].UserID
	})
	if limit > 0 && len(experts) > limit {
		experts = experts[:limit]
	}
	return experts, nil
}

// SuggestOwner returns the top-ranked expert for a topic, or "" when nobody
// has contributed evidence yet.
func (l *Ledger) SuggestOwner(ctx context.Context, topic string) (string, error) {
	experts, err := l.RankExperts(ctx, topic, 1, time.Now().UTC())
	if err != nil {
		return "", err
	}
	if len(experts) == 0 {
		return "", nil
	}
	return experts[0].UserID, nil
}

// gather collects evidence matching the topic: exact label matches from the
// store, plus similarity matches from the expertise collection when a vector
// path is wired. Duplicates are removed by evidence id.
func (l *Ledger) gather(ctx context.Context, topic string) ([]store.EvidenceRecord, error) {
	evidence, err := l.storage.ListEvidenceByTopic(ctx, topic)
	if err != nil {
		return nil, fmt.Errorf("list evidence: %w", err)
	}
	if l.search == nil || l.embed == nil {
		return evidence, nil
	}
	vec, err := l.embed.Embed(ctx, topic)
	if err != nil {
		// Similarity matching is an enrichment; exact matches still rank.
		l.logger.Printf("[EXPERT] embed topic %q: %v", topic, err)
		return evidence, nil
	}
	hits, err := l.search.Search(ctx, l.collection, vec, nil, 100, 0.7)
	if err != nil {
		l.logger.Printf("[EXPERT] similarity lookup %q: %v", topic, err)
		return evidence, nil
	}
	seen := make(map[string]struct{}, len(evidence))
	for _, e := range evidence {
		seen[e.ID] = struct{}{}
	}
	for _, h := range hits {
		if _, dup := seen[h.ID]; dup {
			continue
		}
		e, ok := evidenceFromPoint(h)
		if !ok {
			continue
		}
		seen[h.ID] = struct{}{}
		evidence = append(evidence, e)
	}
	return evidence, nil
}

func evidenceFromPoint(h vector.ScoredPoint) (store.EvidenceRecord, bool) {
	userID, _ := h.Payload["user_id"].(string)
	if userID == "" {
		return store.EvidenceRecord{}, false
	}
	score, _ := h.Payload["score"].(float64)
	createdAt := time.Now().UTC()
	if raw, ok := h.Payload["created_at"].(string); ok {
		if ts, err := time.Parse(time.RFC3339, raw); err == nil {
			createdAt = ts
		}
	}
	topic, _ := h.Payload["topic"].(string)
	return store.EvidenceRecord{ID: h.ID, UserID: userID, Topic: topic, Score: score, CreatedAt: createdAt}, true
}

// decay returns the recency multiplier for evidence of the given age.
// Ages beyond the last band keep that band's multiplier.
func (l *Ledger) decay(age time.Duration) float64 {
	days := int(age.Hours() / 24)
	multiplier := 1.0
	for _, band := range l.cfg.Decay {
		multiplier = band.Multiplier
		if days <= band.MaxAgeDays {
			return band.Multiplier
		}
	}
	return multiplier
}
