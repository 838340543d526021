package orchestrator

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/sreenathmmenon/EngineIQ/internal/provider"
	"github.com/sreenathmmenon/EngineIQ/internal/session"
	"github.com/sreenathmmenon/EngineIQ/internal/store"
	"github.com/sreenathmmenon/EngineIQ/internal/vector"
)

// Stage handlers. Each one transforms the session and returns the stage to
// advance to. Collaborator failures are recorded on the session and replaced
// with safe defaults so the pipeline always reaches a terminal state.

func (o *Orchestrator) understandQuery(ctx context.Context, s *session.Session) session.Stage {
	u, err := o.synth.UnderstandQuery(ctx, s.Query)
	if err != nil {
		s.RecordError(session.StageUnderstandQuery, err)
		u = provider.DefaultUnderstanding(s.Query)
	}
	s.Understanding = u
	return session.StageEmbed
}

func (o *Orchestrator) embed(ctx context.Context, s *session.Session) session.Stage {
	vec, err := o.embedder.Embed(ctx, s.Query)
	if err != nil {
		s.RecordError(session.StageEmbed, err)
		vec = nil
	}
	s.Embedding = vec
	return session.StageSearch
}

func (o *Orchestrator) search(ctx context.Context, s *session.Session) session.Stage {
	if len(s.Embedding) == 0 {
		s.Candidates = nil
		return session.StagePermissionFilter
	}
	hits, err := o.vectors.Search(ctx, o.cfg.Vector.KnowledgeCollection, s.Embedding,
		sourceFilter(s.Understanding.SourceFilters), o.cfg.Search.Limit, o.cfg.Search.ScoreThreshold)
	if err != nil {
		s.RecordError(session.StageSearch, err)
		s.Candidates = nil
		return session.StagePermissionFilter
	}
	candidates := make([]session.Candidate, 0, len(hits))
	for _, h := range hits {
		candidates = append(candidates, candidateFromPoint(h))
	}
	s.Candidates = candidates
	return session.StagePermissionFilter
}

func (o *Orchestrator) permissionFilter(ctx context.Context, s *session.Session) session.Stage {
	res := o.policy.Evaluate(s.Candidates, s.Requester)
	s.Accessible = res.Accessible
	s.Sensitive = res.Sensitive
	s.ApprovalRequired = res.ApprovalRequired()
	if !s.ApprovalRequired {
		return session.StageRerank
	}

	now := time.Now().UTC()
	req := &session.ApprovalRequest{
		ID:         uuid.New().String(),
		SessionID:  s.ID,
		Kind:       session.ApprovalKindPermission,
		Reason:     approvalReason(res.Sensitive),
		Candidates: res.Sensitive,
		Status:     session.ApprovalPending,
		CreatedAt:  now,
		Deadline:   now.Add(o.cfg.Approval.Timeout),
	}
	s.Approval = req

	candidates, err := store.MarshalCandidates(res.Sensitive)
	if err != nil {
		candidates = []byte("[]")
	}
	if err := o.audit.InsertApproval(ctx, store.ApprovalRecord{
		ID:         req.ID,
		SessionID:  s.ID,
		Kind:       req.Kind,
		Reason:     req.Reason,
		Candidates: candidates,
		Status:     req.Status,
		CreatedAt:  req.CreatedAt,
	}); err != nil {
		o.logger.Printf("[ORCH] session %s: audit approval: %v", s.ID, err)
		s.RecordError(session.StagePermissionFilter, err)
	}
	return session.StageAwaitingApproval
}

func (o *Orchestrator) rerank(_ context.Context, s *session.Session) session.Stage {
	sort.SliceStable(s.Accessible, func(i, j int) bool {
		return s.Accessible[i].Score > s.Accessible[j].Score
	})
	if len(s.Accessible) > o.cfg.Search.RerankTopK {
		s.Accessible = s.Accessible[:o.cfg.Search.RerankTopK]
	}
	if len(s.Accessible) > 0 {
		s.QualityScore = s.Accessible[0].Score
	} else {
		s.QualityScore = 0
	}
	return session.StageSynthesize
}

func (o *Orchestrator) synthesize(ctx context.Context, s *session.Session) session.Stage {
	if len(s.Accessible) == 0 {
		s.Answer = provider.Fallback(s.Query, nil)
		return session.StageRecordFeedback
	}
	top := s.Accessible
	if len(top) > o.cfg.Search.SynthesisTopK {
		top = top[:o.cfg.Search.SynthesisTopK]
	}
	ans, err := o.synth.Synthesize(ctx, s.Query, top)
	if err != nil {
		s.RecordError(session.StageSynthesize, err)
		ans = provider.Fallback(s.Query, top)
	}
	s.Answer = ans
	return session.StageRecordFeedback
}

func (o *Orchestrator) recordFeedback(ctx context.Context, s *session.Session) session.Stage {
	now := time.Now().UTC()
	rec := store.QueryLogRecord{
		ID:                uuid.New().String(),
		SessionID:         s.ID,
		UserID:            s.Requester.UserID,
		Query:             s.Query,
		Intent:            s.Understanding.Intent,
		ResultCount:       len(s.Accessible),
		TopScore:          s.QualityScore,
		Quality:           s.QualityScore,
		Sources:           sourcesUsed(s.Accessible),
		ResponseMillis:    time.Since(s.StartedAt).Milliseconds(),
		TriggeredApproval: s.ApprovalRequired,
		CreatedAt:         now,
	}
	if err := o.audit.InsertQueryLog(ctx, rec); err != nil {
		o.logger.Printf("[ORCH] session %s: query log: %v", s.ID, err)
		s.RecordError(session.StageRecordFeedback, err)
	}

	// Mirror the conversation into the vector store so future queries can
	// find similar past questions during gap detection.
	if len(s.Embedding) > 0 {
		payload := map[string]interface{}{
			"query":      s.Query,
			"user_id":    s.Requester.UserID,
			"quality":    s.QualityScore,
			"intent":     s.Understanding.Intent,
			"created_at": now.Format(time.RFC3339),
		}
		if len(s.Accessible) > 0 {
			payload["top_doc_id"] = s.Accessible[0].ID
		}
		point := vector.Point{ID: rec.ID, Vector: s.Embedding, Payload: payload}
		if err := o.vectors.Upsert(ctx, o.cfg.Vector.ConversationsCollection, point); err != nil {
			o.logger.Printf("[ORCH] session %s: conversation upsert: %v", s.ID, err)
			s.RecordError(session.StageRecordFeedback, err)
		}
	}
	return session.StageDetectGap
}

func (o *Orchestrator) detectGap(ctx context.Context, s *session.Session) session.Stage {
	if len(s.Embedding) == 0 {
		return session.StageDone
	}
	now := time.Now().UTC()
	out, err := o.gaps.Detect(ctx, s.Query, s.Embedding, s.Requester.UserID, s.QualityScore, now)
	if err != nil {
		s.RecordError(session.StageDetectGap, err)
		return session.StageDone
	}
	if !out.Detected {
		return session.StageDone
	}
	s.GapKey = out.Gap.Key
	s.GapCreated = out.Created
	if o.metrics != nil {
		o.metrics.GapsDetected.Inc()
	}
	if err := o.audit.MarkQueryLogGap(ctx, s.ID, out.Gap.Key); err != nil {
		o.logger.Printf("[ORCH] session %s: mark query log: %v", s.ID, err)
	}
	if !out.Created {
		return session.StageDone
	}

	// A brand-new gap asks a human to triage it. Fire-and-forget: the answer
	// has already been produced.
	req := &session.ApprovalRequest{
		ID:        uuid.New().String(),
		SessionID: s.ID,
		Kind:      session.ApprovalKindGapTriage,
		Reason:    "new knowledge gap detected: " + out.Gap.Pattern,
		Status:    session.ApprovalPending,
		CreatedAt: now,
		Deadline:  now.Add(o.cfg.Approval.Timeout),
	}
	s.GapApproval = req
	if err := o.audit.InsertApproval(ctx, store.ApprovalRecord{
		ID:        req.ID,
		SessionID: s.ID,
		Kind:      req.Kind,
		Reason:    req.Reason,
		Status:    req.Status,
		CreatedAt: req.CreatedAt,
	}); err != nil {
		o.logger.Printf("[ORCH] session %s: audit gap approval: %v", s.ID, err)
		s.RecordError(session.StageDetectGap, err)
	}
	return session.StageAwaitingGapApproval
}

// sourceFilter restricts search to the named sources when query
// understanding extracted any.
func sourceFilter(sources []string) *vector.Filter {
	if len(sources) == 0 {
		return nil
	}
	values := make([]interface{}, 0, len(sources))
	for _, s := range sources {
		values = append(values, s)
	}
	return &vector.Filter{Must: []vector.Condition{vector.MatchAny("source", values...)}}
}

// candidateFromPoint lifts a search hit into a candidate, decoding the
// permission descriptor the document store attached to the payload.
func candidateFromPoint(h vector.ScoredPoint) session.Candidate {
	c := session.Candidate{
		ID:      h.ID,
		Score:   h.Score,
		Payload: h.Payload,
	}
	if title, ok := h.Payload["title"].(string); ok {
		c.Title = title
	}
	if raw, ok := h.Payload["permission"]; ok {
		if data, err := json.Marshal(raw); err == nil {
			_ = json.Unmarshal(data, &c.Permission)
		}
	}
	return c
}

// approvalReason summarizes why candidates were withheld, one mention per
// distinct reason in precedence order.
func approvalReason(sensitive []session.SensitiveCandidate) string {
	var reasons []string
	seen := make(map[string]struct{})
	for _, sc := range sensitive {
		if _, ok := seen[sc.Reason]; ok {
			continue
		}
		seen[sc.Reason] = struct{}{}
		reasons = append(reasons, sc.Reason)
	}
	return "sensitive results require approval: " + strings.Join(reasons, ", ")
}

// sourcesUsed lists the distinct sources of the accessible candidates.
func sourcesUsed(candidates []session.Candidate) []string {
	var sources []string
	seen := make(map[string]struct{})
	for _, c := range candidates {
		src, ok := c.Payload["source"].(string)
		if !ok || src == "" {
			continue
		}
		if _, dup := seen[src]; dup {
			continue
		}
		seen[src] = struct{}{}
		sources = append(sources, src)
	}
	return sources
}
