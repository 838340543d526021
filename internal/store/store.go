package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/sreenathmmenon/EngineIQ/config"
)

// Store wraps the Postgres ledgers: knowledge gaps, expertise evidence,
// approval audit records and the query log.
type Store struct {
	DB *sql.DB
}

// Gap statuses. A gap is never deleted, only status-transitioned.
const (
	GapStatusDetected   = "detected"
	GapStatusApproved   = "approved"
	GapStatusInProgress = "in_progress"
	GapStatusResolved   = "resolved"
)

// Gap priorities.
const (
	GapPriorityMedium = "medium"
	GapPriorityHigh   = "high"
)

// GapRecord is one knowledge gap: a recurring, poorly answered query pattern.
type GapRecord struct {
	Key             string
	Pattern         string
	Occurrences     int
	Users           []string
	AvgQuality      float64
	Priority        string
	Status          string
	SuggestedAction string
	SuggestedOwner  string
	RelatedDocs     []string
	FirstDetectedAt time.Time
	LastSeenAt      time.Time
}

// GapOccurrence is one member query of a gap cluster.
type GapOccurrence struct {
	GapKey  string
	Query   string
	UserID  string
	Quality float64
	AskedAt time.Time
}

// EvidenceRecord is one contribution event feeding the expertise ledger.
type EvidenceRecord struct {
	ID        string
	UserID    string
	Topic     string
	Source    string
	Action    string
	Score     float64
	DocID     string
	Title     string
	URL       string
	CreatedAt time.Time
}

// ExpertiseRecord is the per-user-per-topic aggregate.
type ExpertiseRecord struct {
	UserID             string
	Topic              string
	TotalScore         float64
	EvidenceCount      int
	LastContributionAt time.Time
}

// ApprovalRecord is the audit row for one suspension point.
type ApprovalRecord struct {
	ID         string
	SessionID  string
	Kind       string
	Reason     string
	Candidates []byte
	Status     string
	ResolverID string
	CreatedAt  time.Time
	ResolvedAt *time.Time
}

// QueryLogRecord captures one completed query for analytics and gap lookback.
type QueryLogRecord struct {
	ID                string
	SessionID         string
	UserID            string
	Query             string
	Intent            string
	ResultCount       int
	TopScore          float64
	Quality           float64
	Sources           []string
	ResponseMillis    int64
	TriggeredApproval bool
	GapDetected       bool
	GapKey            string
	CreatedAt         time.Time
}

// New constructs the Store from configuration.
func New(ctx context.Context, cfg config.PostgresConfig) (*Store, error) {
	return NewWithDSN(ctx, cfg.DSN())
}

// NewWithDSN constructs the Store using an explicit Postgres DSN.
func NewWithDSN(ctx context.Context, dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		return nil, err
	}
	return &Store{DB: db}, nil
}

// Gap operations

// GetGap loads a gap by its canonical key.
func (s *Store) GetGap(ctx context.Context, key string) (GapRecord, bool, error) {
	var g GapRecord
	err := s.DB.QueryRowContext(ctx, `
SELECT gap_key, pattern, occurrences, users, avg_quality, priority, status,
       suggested_action, suggested_owner, related_docs, first_detected_at, last_seen_at
FROM knowledge_gaps
WHERE gap_key=$1
`, key).Scan(&g.Key, &g.Pattern, &g.Occurrences, pq.Array(&g.Users), &g.AvgQuality, &g.Priority,
		&g.Status, &g.SuggestedAction, &g.SuggestedOwner, pq.Array(&g.RelatedDocs), &g.FirstDetectedAt, &g.LastSeenAt)
	if errors.Is(err, sql.ErrNoRows) {
		return GapRecord{}, false, nil
	}
	if err != nil {
		return GapRecord{}, false, fmt.Errorf("get gap %s: %w", key, err)
	}
	return g, true, nil
}

// UpsertGap writes the full gap row, replacing any existing row for the key.
// Merge logic lives in the gap service, which serializes writers per key.
func (s *Store) UpsertGap(ctx context.Context, g GapRecord) error {
	_, err := s.DB.ExecContext(ctx, `
INSERT INTO knowledge_gaps (gap_key, pattern, occurrences, users, avg_quality, priority, status,
                            suggested_action, suggested_owner, related_docs, first_detected_at, last_seen_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
ON CONFLICT (gap_key) DO UPDATE SET
  occurrences      = EXCLUDED.occurrences,
  users            = EXCLUDED.users,
  avg_quality      = EXCLUDED.avg_quality,
  priority         = EXCLUDED.priority,
  status           = EXCLUDED.status,
  suggested_action = EXCLUDED.suggested_action,
  suggested_owner  = EXCLUDED.suggested_owner,
  related_docs     = EXCLUDED.related_docs,
  last_seen_at     = EXCLUDED.last_seen_at
`, g.Key, g.Pattern, g.Occurrences, pq.Array(g.Users), g.AvgQuality, g.Priority, g.Status,
		g.SuggestedAction, g.SuggestedOwner, pq.Array(g.RelatedDocs), g.FirstDetectedAt, g.LastSeenAt)
	if err != nil {
		return fmt.Errorf("upsert gap %s: %w", g.Key, err)
	}
	return nil
}

// AppendGapOccurrence records one member query of a gap cluster.
func (s *Store) AppendGapOccurrence(ctx context.Context, o GapOccurrence) error {
	_, err := s.DB.ExecContext(ctx, `
INSERT INTO gap_occurrences (gap_key, query, user_id, quality, asked_at)
VALUES ($1,$2,$3,$4,$5)
`, o.GapKey, o.Query, o.UserID, o.Quality, o.AskedAt)
	if err != nil {
		return fmt.Errorf("append gap occurrence: %w", err)
	}
	return nil
}

// ListGaps returns gaps filtered by optional status and priority, newest first.
func (s *Store) ListGaps(ctx context.Context, status, priority string) ([]GapRecord, error) {
	query := `
SELECT gap_key, pattern, occurrences, users, avg_quality, priority, status,
       suggested_action, suggested_owner, related_docs, first_detected_at, last_seen_at
FROM knowledge_gaps
`
	var (
		conds []string
		args  []interface{}
	)
	if status != "" {
		args = append(args, status)
		conds = append(conds, fmt.Sprintf("status=$%d", len(args)))
	}
	if priority != "" {
		args = append(args, priority)
		conds = append(conds, fmt.Sprintf("priority=$%d", len(args)))
	}
	if len(conds) > 0 {
		query += "WHERE " + strings.Join(conds, " AND ") + "\n"
	}
	query += "ORDER BY last_seen_at DESC"

	rows, err := s.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list gaps: %w", err)
	}
	defer rows.Close()

	var gaps []GapRecord
	for rows.Next() {
		var g GapRecord
		if err := rows.Scan(&g.Key, &g.Pattern, &g.Occurrences, pq.Array(&g.Users), &g.AvgQuality, &g.Priority,
			&g.Status, &g.SuggestedAction, &g.SuggestedOwner, pq.Array(&g.RelatedDocs), &g.FirstDetectedAt, &g.LastSeenAt); err != nil {
			return nil, fmt.Errorf("scan gap: %w", err)
		}
		gaps = append(gaps, g)
	}
	return gaps, rows.Err()
}

// UpdateGapStatus transitions a gap and optionally assigns a remediation owner.
func (s *Store) UpdateGapStatus(ctx context.Context, key, status, owner string) error {
	res, err := s.DB.ExecContext(ctx, `
UPDATE knowledge_gaps
SET status=$2,
    suggested_owner=CASE WHEN $3 <> '' THEN $3 ELSE suggested_owner END
WHERE gap_key=$1
`, key, status, owner)
	if err != nil {
		return fmt.Errorf("update gap %s: %w", key, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("update gap %s: %w", key, sql.ErrNoRows)
	}
	return nil
}

// Expertise operations

// InsertEvidence appends one contribution event and folds it into the
// per-user-per-topic aggregate in a single transaction.
func (s *Store) InsertEvidence(ctx context.Context, e EvidenceRecord) error {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("insert evidence: begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
INSERT INTO expertise_evidence (id, user_id, topic, source, action, score, doc_id, title, url, created_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
`, e.ID, e.UserID, e.Topic, e.Source, e.Action, e.Score, e.DocID, e.Title, e.URL, e.CreatedAt); err != nil {
		return fmt.Errorf("insert evidence: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
INSERT INTO expertise_records (user_id, topic, total_score, evidence_count, last_contribution_at)
VALUES ($1,$2,$3,1,$4)
ON CONFLICT (user_id, topic) DO UPDATE SET
  total_score          = expertise_records.total_score + EXCLUDED.total_score,
  evidence_count       = expertise_records.evidence_count + 1,
  last_contribution_at = GREATEST(expertise_records.last_contribution_at, EXCLUDED.last_contribution_at)
`, e.UserID, e.Topic, e.Score, e.CreatedAt); err != nil {
		return fmt.Errorf("fold evidence: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("insert evidence: commit: %w", err)
	}
	return nil
}

// ListEvidenceByTopic returns all evidence exactly matching a topic label.
func (s *Store) ListEvidenceByTopic(ctx context.Context, topic string) ([]EvidenceRecord, error) {
	rows, err := s.DB.QueryContext(ctx, `
SELECT id, user_id, topic, source, action, score, doc_id, title, url, created_at
FROM expertise_evidence
WHERE topic=$1
ORDER BY created_at DESC
`, topic)
	if err != nil {
		return nil, fmt.Errorf("list evidence: %w", err)
	}
	defer rows.Close()

	var out []EvidenceRecord
	for rows.Next() {
		var e EvidenceRecord
		if err := rows.Scan(&e.ID, &e.UserID, &e.Topic, &e.Source, &e.Action, &e.Score, &e.DocID, &e.Title, &e.URL, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan evidence: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// GetExpertiseRecord loads the aggregate for one user and topic.
func (s *Store) GetExpertiseRecord(ctx context.Context, userID, topic string) (ExpertiseRecord, bool, error) {
	var r ExpertiseRecord
	err := s.DB.QueryRowContext(ctx, `
SELECT user_id, topic, total_score, evidence_count, last_contribution_at
FROM expertise_records
WHERE user_id=$1 AND topic=$2
`, userID, topic).Scan(&r.UserID, &r.Topic, &r.TotalScore, &r.EvidenceCount, &r.LastContributionAt)
	if errors.Is(err, sql.ErrNoRows) {
		return ExpertiseRecord{}, false, nil
	}
	if err != nil {
		return ExpertiseRecord{}, false, fmt.Errorf("get expertise record: %w", err)
	}
	return r, true, nil
}

// Approval operations

// InsertApproval writes the audit row for a new suspension.
func (s *Store) InsertApproval(ctx context.Context, a ApprovalRecord) error {
	_, err := s.DB.ExecContext(ctx, `
INSERT INTO approvals (id, session_id, kind, reason, candidates, status, created_at)
VALUES ($1,$2,$3,$4,$5,$6,$7)
ON CONFLICT (id) DO NOTHING
`, a.ID, a.SessionID, a.Kind, a.Reason, a.Candidates, a.Status, a.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert approval: %w", err)
	}
	return nil
}

// ResolveApproval records the decision for a suspension.
func (s *Store) ResolveApproval(ctx context.Context, id, status, resolverID string, resolvedAt time.Time) error {
	_, err := s.DB.ExecContext(ctx, `
UPDATE approvals SET status=$2, resolver_id=$3, resolved_at=$4 WHERE id=$1
`, id, status, resolverID, resolvedAt)
	if err != nil {
		return fmt.Errorf("resolve approval %s: %w", id, err)
	}
	return nil
}

// Query log operations

// InsertQueryLog appends one completed query.
func (s *Store) InsertQueryLog(ctx context.Context, r QueryLogRecord) error {
	_, err := s.DB.ExecContext(ctx, `
INSERT INTO query_log (id, session_id, user_id, query, intent, result_count, top_score, quality,
                       sources, response_ms, triggered_approval, gap_detected, gap_key, created_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)
`, r.ID, r.SessionID, r.UserID, r.Query, r.Intent, r.ResultCount, r.TopScore, r.Quality,
		pq.Array(r.Sources), r.ResponseMillis, r.TriggeredApproval, r.GapDetected, r.GapKey, r.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert query log: %w", err)
	}
	return nil
}

// MarkQueryLogGap flags the session's query log rows after gap detection
// matched them to a gap cluster.
func (s *Store) MarkQueryLogGap(ctx context.Context, sessionID, gapKey string) error {
	_, err := s.DB.ExecContext(ctx, `
UPDATE query_log SET gap_detected = TRUE, gap_key = $2 WHERE session_id = $1
`, sessionID, gapKey)
	if err != nil {
		return fmt.Errorf("mark query log gap: %w", err)
	}
	return nil
}

// MarshalCandidates serializes sensitive candidates for the approval audit row.
func MarshalCandidates(v interface{}) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal candidates: %w", err)
	}
	return data, nil
}
