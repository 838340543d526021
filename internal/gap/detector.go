package gap

import (
	"context"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/sreenathmmenon/EngineIQ/config"
	"github.com/sreenathmmenon/EngineIQ/internal/store"
	"github.com/sreenathmmenon/EngineIQ/internal/vector"
)

// Searcher is the similar-query lookup against past conversations.
type Searcher interface {
	Search(ctx context.Context, collection string, vec []float32, filter *vector.Filter, limit int, scoreThreshold float64) ([]vector.ScoredPoint, error)
}

// Ledger is the slice of the store the detector writes to.
type Ledger interface {
	GetGap(ctx context.Context, key string) (store.GapRecord, bool, error)
	UpsertGap(ctx context.Context, g store.GapRecord) error
	AppendGapOccurrence(ctx context.Context, o store.GapOccurrence) error
}

// OwnerResolver suggests a remediation owner for a gap topic. Implemented by
// the expertise ledger.
type OwnerResolver interface {
	SuggestOwner(ctx context.Context, topic string) (string, error)
}

// Outcome reports what Detect did for one query.
type Outcome struct {
	Detected bool
	Created  bool
	Gap      store.GapRecord
}

// Detector clusters recent low-quality queries and maintains the gap ledger.
// It is advisory: failures never block answer delivery, callers record them
// on the session and move on.
type Detector struct {
	cfg        config.GapConfig
	search     Searcher
	ledger     Ledger
	owners     OwnerResolver
	collection string
	logger     *log.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewDetector builds a detector. owners may be nil, in which case new gaps
// carry no suggested owner.
func NewDetector(cfg config.GapConfig, search Searcher, ledger Ledger, owners OwnerResolver, collection string, logger *log.Logger) *Detector {
	return &Detector{
		cfg:        cfg.Normalize(),
		search:     search,
		ledger:     ledger,
		owners:     owners,
		collection: collection,
		logger:     logger,
		locks:      make(map[string]*sync.Mutex),
	}
}

// Detect runs the gap heuristic for one completed query. quality is the
// recorded top-result score for this query, userID the requester.
func (d *Detector) Detect(ctx context.Context, query string, embedding []float32, userID string, quality float64, now time.Time) (Outcome, error) {
	hits, err := d.search.Search(ctx, d.collection, embedding, nil, d.cfg.LookbackLimit, d.cfg.SimilarityThreshold)
	if err != nil {
		return Outcome{}, fmt.Errorf("similar query lookup: %w", err)
	}
	if len(hits) < d.cfg.MinClusterSize {
		return Outcome{}, nil
	}
	if clusterQuality(hits) >= d.cfg.QualityFloor {
		return Outcome{}, nil
	}

	key := Key(query)
	// Single writer per gap key inside this process; the ON CONFLICT upsert
	// covers cross-process races.
	lock := d.keyLock(key)
	lock.Lock()
	defer lock.Unlock()

	existing, found, err := d.ledger.GetGap(ctx, key)
	if err != nil {
		return Outcome{}, err
	}

	var g store.GapRecord
	if found {
		g = merge(existing, userID, quality, now, d.cfg.HighPriorityUsers)
	} else {
		g = d.create(ctx, key, query, hits, userID, quality, now)
	}
	if err := d.upsertWithRetry(ctx, g); err != nil {
		return Outcome{}, err
	}
	if err := d.ledger.AppendGapOccurrence(ctx, store.GapOccurrence{
		GapKey:  key,
		Query:   query,
		UserID:  userID,
		Quality: quality,
		AskedAt: now,
	}); err != nil {
		// Occurrence history is best-effort; the gap row is the ledger of
		// record.
		d.logger.Printf("[GAP] append occurrence for %s: %v", key, err)
	}
	return Outcome{Detected: true, Created: !found, Gap: g}, nil
}

func (d *Detector) create(ctx context.Context, key, query string, hits []vector.ScoredPoint, userID string, quality float64, now time.Time) store.GapRecord {
	users := distinctUsers(hits)
	users = addUser(users, userID)
	occurrences := len(hits) + 1
	avg := (sumQuality(hits) + quality) / float64(occurrences)

	g := store.GapRecord{
		Key:             key,
		Pattern:         Normalize(query),
		Occurrences:     occurrences,
		Users:           users,
		AvgQuality:      avg,
		Priority:        priorityFor(len(users), d.cfg.HighPriorityUsers),
		Status:          store.GapStatusDetected,
		SuggestedAction: "Create documentation on: " + query,
		RelatedDocs:     relatedDocs(hits),
		FirstDetectedAt: now,
		LastSeenAt:      now,
	}
	if d.owners != nil {
		owner, err := d.owners.SuggestOwner(ctx, Normalize(query))
		if err != nil {
			d.logger.Printf("[GAP] suggest owner for %s: %v", key, err)
		} else {
			g.SuggestedOwner = owner
		}
	}
	return g
}

func merge(g store.GapRecord, userID string, quality float64, now time.Time, highUsers int) store.GapRecord {
	g.AvgQuality = (g.AvgQuality*float64(g.Occurrences) + quality) / float64(g.Occurrences+1)
	g.Occurrences++
	g.Users = addUser(g.Users, userID)
	g.Priority = priorityFor(len(g.Users), highUsers)
	g.LastSeenAt = now
	return g
}

func (d *Detector) upsertWithRetry(ctx context.Context, g store.GapRecord) error {
	backoff := 100 * time.Millisecond
	var lastErr error
	for attempt := 0; attempt < 3; attempt++ {
		if lastErr = d.ledger.UpsertGap(ctx, g); lastErr == nil {
			return nil
		}
		if attempt < 2 {
			select {
			case <-time.After(backoff):
				backoff *= 2
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
	return fmt.Errorf("upsert gap %s: %w", g.Key, lastErr)
}

func (d *Detector) keyLock(key string) *sync.Mutex {
	d.mu.Lock()
	defer d.mu.Unlock()
	lock, ok := d.locks[key]
	if !ok {
		lock = &sync.Mutex{}
		d.locks[key] = lock
	}
	return lock
}

func priorityFor(distinctUsers, threshold int) string {
	if distinctUsers > threshold {
		return store.GapPriorityHigh
	}
	return store.GapPriorityMedium
}

func clusterQuality(hits []vector.ScoredPoint) float64 {
	if len(hits) == 0 {
		return 0
	}
	return sumQuality(hits) / float64(len(hits))
}

func sumQuality(hits []vector.ScoredPoint) float64 {
	var sum float64
	for _, h := range hits {
		sum += payloadFloat(h.Payload, "quality")
	}
	return sum
}

func distinctUsers(hits []vector.ScoredPoint) []string {
	seen := make(map[string]struct{}, len(hits))
	for _, h := range hits {
		if u, ok := h.Payload["user_id"].(string); ok && u != "" {
			seen[u] = struct{}{}
		}
	}
	users := make([]string, 0, len(seen))
	for u := range seen {
		users = append(users, u)
	}
	sort.Strings(users)
	return users
}

func addUser(users []string, userID string) []string {
	if userID == "" {
		return users
	}
	for _, u := range users {
		if u == userID {
			return users
		}
	}
	users = append(users, userID)
	sort.Strings(users)
	return users
}

func relatedDocs(hits []vector.ScoredPoint) []string {
	var docs []string
	seen := make(map[string]struct{})
	for _, h := range hits {
		id, ok := h.Payload["top_doc_id"].(string)
		if !ok || id == "" {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		docs = append(docs, id)
	}
	return docs
}

func payloadFloat(payload map[string]interface{}, key string) float64 {
	switch v := payload[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	default:
		return 0
	}
}
