package orchestrator

import (
	"context"
	"fmt"
	"log"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/sreenathmmenon/EngineIQ/config"
	"github.com/sreenathmmenon/EngineIQ/internal/checkpoint"
	"github.com/sreenathmmenon/EngineIQ/internal/gap"
	"github.com/sreenathmmenon/EngineIQ/internal/policy"
	"github.com/sreenathmmenon/EngineIQ/internal/provider"
	"github.com/sreenathmmenon/EngineIQ/internal/session"
	"github.com/sreenathmmenon/EngineIQ/internal/store"
	"github.com/sreenathmmenon/EngineIQ/internal/telemetry"
	"github.com/sreenathmmenon/EngineIQ/internal/vector"
)

var tracer trace.Tracer = otel.Tracer("engineiq/internal/orchestrator")

// VectorStore is the slice of the vector service the pipeline needs.
type VectorStore interface {
	Search(ctx context.Context, collection string, vec []float32, filter *vector.Filter, limit int, scoreThreshold float64) ([]vector.ScoredPoint, error)
	Upsert(ctx context.Context, collection string, points ...vector.Point) error
}

// GapDetector runs the knowledge gap heuristic for a completed query.
type GapDetector interface {
	Detect(ctx context.Context, query string, embedding []float32, userID string, quality float64, now time.Time) (gap.Outcome, error)
}

// AuditStore persists approval audit rows, the query log and gap triage
// outcomes. All writes through it are post-hoc analytics and never block
// answer delivery.
type AuditStore interface {
	InsertApproval(ctx context.Context, a store.ApprovalRecord) error
	ResolveApproval(ctx context.Context, id, status, resolverID string, resolvedAt time.Time) error
	InsertQueryLog(ctx context.Context, r store.QueryLogRecord) error
	MarkQueryLogGap(ctx context.Context, sessionID, gapKey string) error
	UpdateGapStatus(ctx context.Context, key, status, owner string) error
}

// Orchestrator sequences a query through the pipeline stages, owns the two
// suspension points and produces either a final answer or a paused session.
type Orchestrator struct {
	cfg         *config.Config
	logger      *log.Logger
	embedder    provider.Embedder
	synth       provider.Synthesizer
	vectors     VectorStore
	policy      *policy.Evaluator
	gaps        GapDetector
	checkpoints checkpoint.Store
	audit       AuditStore
	metrics     *telemetry.Metrics
}

// New wires the orchestrator. metrics may be nil (tests); everything else is
// required.
func New(cfg *config.Config, logger *log.Logger, embedder provider.Embedder, synth provider.Synthesizer,
	vectors VectorStore, evaluator *policy.Evaluator, gaps GapDetector,
	checkpoints checkpoint.Store, audit AuditStore, metrics *telemetry.Metrics) *Orchestrator {
	return &Orchestrator{
		cfg:         cfg,
		logger:      logger,
		embedder:    embedder,
		synth:       synth,
		vectors:     vectors,
		policy:      evaluator,
		gaps:        gaps,
		checkpoints: checkpoints,
		audit:       audit,
		metrics:     metrics,
	}
}

// Submit runs a new query until it either terminates or suspends for a human
// decision. The returned session is terminal or paused at a suspension stage.
func (o *Orchestrator) Submit(ctx context.Context, query string, requester session.Requester) (*session.Session, error) {
	s := session.New(query, requester)
	ctx, span := tracer.Start(ctx, "orchestrator.submit",
		trace.WithAttributes(
			attribute.String("session.id", s.ID),
			attribute.String("user.id", requester.UserID),
		))
	defer span.End()

	o.logger.Printf("[ORCH] session %s: submitted by %s", s.ID, requester.UserID)
	if err := o.run(ctx, s); err != nil {
		return nil, err
	}
	return s, nil
}

// Get returns the current snapshot of a session.
func (o *Orchestrator) Get(ctx context.Context, id string) (*session.Session, error) {
	return o.checkpoints.Load(ctx, id)
}

// Resume applies an approval decision to a session suspended at the
// permission gate. Applying the same decision again returns the stored
// session unchanged; any other resume of a terminal session fails with
// session.ErrAlreadyTerminal.
func (o *Orchestrator) Resume(ctx context.Context, id, decision, resolverID string) (*session.Session, error) {
	ctx, span := tracer.Start(ctx, "orchestrator.resume",
		trace.WithAttributes(attribute.String("session.id", id), attribute.String("decision", decision)))
	defer span.End()

	if decision != session.ApprovalApproved && decision != session.ApprovalRejected {
		return nil, fmt.Errorf("invalid decision %q", decision)
	}
	s, err := o.checkpoints.Load(ctx, id)
	if err != nil {
		return nil, err
	}
	if s.Terminal() {
		if s.Approval != nil && s.Approval.Status == decision {
			return s, nil
		}
		return nil, fmt.Errorf("session %s: %w", id, session.ErrAlreadyTerminal)
	}
	if s.Stage != session.StageAwaitingApproval || !s.Approval.Open() {
		if s.Approval != nil && s.Approval.Status == decision {
			return s, nil
		}
		return nil, fmt.Errorf("session %s: %w", id, session.ErrNoOpenApproval)
	}

	o.resolveApproval(ctx, s, s.Approval, decision, resolverID)
	if err := o.checkpoints.ClearDeadline(ctx, id); err != nil {
		o.logger.Printf("[ORCH] session %s: clear deadline: %v", id, err)
	}

	if decision == session.ApprovalRejected {
		o.reject(s, "approval_rejected")
		if err := o.checkpoints.Save(ctx, s); err != nil {
			return nil, err
		}
		o.count("rejected")
		return s, nil
	}

	// Approved: the withheld candidates join the accessible set and the
	// pipeline continues from the rerank stage.
	for _, sc := range s.Sensitive {
		s.Accessible = append(s.Accessible, sc.Candidate)
	}
	if err := s.Advance(session.StageRerank); err != nil {
		return nil, err
	}
	o.logger.Printf("[ORCH] session %s: approval granted by %s, resuming", id, resolverID)
	if err := o.run(ctx, s); err != nil {
		return nil, err
	}
	return s, nil
}

// ResumeGap records the triage outcome for a newly detected gap and closes
// the session. The answer was already delivered; this branch never changes it.
func (o *Orchestrator) ResumeGap(ctx context.Context, id, decision, resolverID string) (*session.Session, error) {
	ctx, span := tracer.Start(ctx, "orchestrator.resume_gap",
		trace.WithAttributes(attribute.String("session.id", id), attribute.String("decision", decision)))
	defer span.End()

	if decision != session.ApprovalApproved && decision != session.ApprovalRejected {
		return nil, fmt.Errorf("invalid decision %q", decision)
	}
	s, err := o.checkpoints.Load(ctx, id)
	if err != nil {
		return nil, err
	}
	if s.Terminal() {
		if s.GapApproval != nil && s.GapApproval.Status == decision {
			return s, nil
		}
		return nil, fmt.Errorf("session %s: %w", id, session.ErrAlreadyTerminal)
	}
	if s.Stage != session.StageAwaitingGapApproval || !s.GapApproval.Open() {
		return nil, fmt.Errorf("session %s: %w", id, session.ErrNoOpenApproval)
	}

	o.resolveApproval(ctx, s, s.GapApproval, decision, resolverID)
	status := store.GapStatusApproved
	if decision == session.ApprovalRejected {
		// Triage dismissed the cluster; close the gap instead of leaving it
		// pending forever.
		status = store.GapStatusResolved
	}
	if err := o.audit.UpdateGapStatus(ctx, s.GapKey, status, ""); err != nil {
		o.logger.Printf("[ORCH] session %s: gap triage update: %v", id, err)
		s.RecordError(session.StageAwaitingGapApproval, err)
	}
	if err := s.Advance(session.StageDone); err != nil {
		return nil, err
	}
	if err := o.checkpoints.Save(ctx, s); err != nil {
		return nil, err
	}
	o.count("done")
	return s, nil
}

// run drives the session forward until it terminates or suspends.
func (o *Orchestrator) run(ctx context.Context, s *session.Session) error {
	for !s.Terminal() {
		stage := s.Stage
		start := time.Now()
		next := o.execute(ctx, s)
		if o.metrics != nil {
			o.metrics.StageDuration.WithLabelValues(string(stage)).Observe(time.Since(start).Seconds())
		}
		if err := s.Advance(next); err != nil {
			return err
		}
		if next.Suspended() {
			return o.suspend(ctx, s)
		}
	}
	if err := o.checkpoints.Save(ctx, s); err != nil {
		return err
	}
	o.count(string(s.Stage))
	o.logger.Printf("[ORCH] session %s: finished at %s", s.ID, s.Stage)
	return nil
}

// execute dispatches the handler for the session's current stage and returns
// the stage to advance to.
func (o *Orchestrator) execute(ctx context.Context, s *session.Session) session.Stage {
	ctx, span := tracer.Start(ctx, "orchestrator.stage."+string(s.Stage),
		trace.WithAttributes(attribute.String("session.id", s.ID)))
	defer span.End()

	switch s.Stage {
	case session.StageUnderstandQuery:
		return o.understandQuery(ctx, s)
	case session.StageEmbed:
		return o.embed(ctx, s)
	case session.StageSearch:
		return o.search(ctx, s)
	case session.StagePermissionFilter:
		return o.permissionFilter(ctx, s)
	case session.StageRerank:
		return o.rerank(ctx, s)
	case session.StageSynthesize:
		return o.synthesize(ctx, s)
	case session.StageRecordFeedback:
		return o.recordFeedback(ctx, s)
	case session.StageDetectGap:
		return o.detectGap(ctx, s)
	default:
		// Suspension stages are handled by Resume/ResumeGap, never here.
		o.logger.Printf("[ORCH] session %s: no handler for stage %s", s.ID, s.Stage)
		return session.StageDone
	}
}

// suspend persists the paused session and indexes its approval deadline.
func (o *Orchestrator) suspend(ctx context.Context, s *session.Session) error {
	if err := o.checkpoints.Save(ctx, s); err != nil {
		return fmt.Errorf("suspend session %s: %w", s.ID, err)
	}
	if req := s.OpenApproval(); req != nil && !req.Deadline.IsZero() {
		if err := o.checkpoints.SetDeadline(ctx, s.ID, req.Deadline); err != nil {
			o.logger.Printf("[ORCH] session %s: index deadline: %v", s.ID, err)
		}
	}
	if o.metrics != nil {
		kind := session.ApprovalKindPermission
		if req := s.OpenApproval(); req != nil {
			kind = req.Kind
		}
		o.metrics.SuspensionsTotal.WithLabelValues(kind).Inc()
	}
	o.logger.Printf("[ORCH] session %s: suspended at %s", s.ID, s.Stage)
	return nil
}

// resolveApproval stamps the decision on the request and mirrors it to the
// audit ledger.
func (o *Orchestrator) resolveApproval(ctx context.Context, s *session.Session, req *session.ApprovalRequest, decision, resolverID string) {
	now := time.Now().UTC()
	req.Status = decision
	req.ResolverID = resolverID
	req.ResolvedAt = &now
	if err := o.audit.ResolveApproval(ctx, req.ID, decision, resolverID, now); err != nil {
		o.logger.Printf("[ORCH] session %s: audit approval: %v", s.ID, err)
		s.RecordError(s.Stage, err)
	}
}

// reject moves the session to the terminal rejected stage with the fixed
// access-denied answer and empty result and citation lists.
func (o *Orchestrator) reject(s *session.Session, reason string) {
	s.Accessible = nil
	s.Answer = &session.Answer{Text: accessDeniedAnswer, Citations: []session.Citation{}}
	if err := s.Advance(session.StageRejected); err != nil {
		// Only reachable from awaiting_approval; the transition is always
		// legal there.
		o.logger.Printf("[ORCH] session %s: reject: %v", s.ID, err)
	}
	o.logger.Printf("[ORCH] session %s: rejected (%s)", s.ID, reason)
}

func (o *Orchestrator) count(outcome string) {
	if o.metrics != nil {
		o.metrics.QueriesTotal.WithLabelValues(outcome).Inc()
	}
}

const accessDeniedAnswer = "Access to some results was denied due to permissions. Please contact your administrator if you believe you should have access."
