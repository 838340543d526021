package session

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Stage identifies a step of the query pipeline.
type Stage string

const (
	StageUnderstandQuery     Stage = "understand_query"
	StageEmbed               Stage = "embed"
	StageSearch              Stage = "search"
	StagePermissionFilter    Stage = "permission_filter"
	StageAwaitingApproval    Stage = "awaiting_approval"
	StageRerank              Stage = "rerank"
	StageSynthesize          Stage = "synthesize"
	StageRecordFeedback      Stage = "record_feedback"
	StageDetectGap           Stage = "detect_gap"
	StageAwaitingGapApproval Stage = "awaiting_gap_approval"
	StageDone                Stage = "done"
	StageRejected            Stage = "rejected"
)

// transitions is the full state graph. A stage may only move to one of the
// stages listed for it; terminal stages have no successors.
var transitions = map[Stage][]Stage{
	StageUnderstandQuery:     {StageEmbed},
	StageEmbed:               {StageSearch},
	StageSearch:              {StagePermissionFilter},
	StagePermissionFilter:    {StageAwaitingApproval, StageRerank},
	StageAwaitingApproval:    {StageRerank, StageRejected},
	StageRerank:              {StageSynthesize},
	StageSynthesize:          {StageRecordFeedback},
	StageRecordFeedback:      {StageDetectGap},
	StageDetectGap:           {StageAwaitingGapApproval, StageDone},
	StageAwaitingGapApproval: {StageDone},
	StageDone:                {},
	StageRejected:            {},
}

// CanTransition reports whether moving from one stage to another is legal.
func CanTransition(from, to Stage) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Terminal reports whether the stage ends the pipeline.
func (s Stage) Terminal() bool {
	return s == StageDone || s == StageRejected
}

// Suspended reports whether the stage is a human-decision suspension point.
func (s Stage) Suspended() bool {
	return s == StageAwaitingApproval || s == StageAwaitingGapApproval
}

var (
	// ErrAlreadyTerminal is returned when a resume targets a finished session.
	ErrAlreadyTerminal = errors.New("session already terminal")
	// ErrNotFound is returned when a session id is unknown.
	ErrNotFound = errors.New("session not found")
	// ErrNoOpenApproval is returned when a resume targets a session that is
	// not suspended on the matching approval kind.
	ErrNoOpenApproval = errors.New("session has no open approval")
	// ErrIllegalTransition is returned on a transition not in the state graph.
	ErrIllegalTransition = errors.New("illegal stage transition")
)

// Requester describes who issued the query.
type Requester struct {
	UserID   string   `json:"user_id"`
	Teams    []string `json:"teams,omitempty"`
	Location string   `json:"location,omitempty"`
	UserType string   `json:"user_type,omitempty"`
}

// Sensitivity tiers, lowest to highest.
const (
	SensitivityPublic       = "public"
	SensitivityInternal     = "internal"
	SensitivityConfidential = "confidential"
	SensitivityRestricted   = "restricted"
)

// PermissionDescriptor is the access-control metadata attached to a document
// by the document store. Immutable once attached.
type PermissionDescriptor struct {
	Visibility           string   `json:"visibility,omitempty"`
	OwnerTeams           []string `json:"owner_teams,omitempty"`
	AllowedUsers         []string `json:"allowed_users,omitempty"`
	Sensitivity          string   `json:"sensitivity,omitempty"`
	OffshoreRestricted   bool     `json:"offshore_restricted,omitempty"`
	ThirdPartyRestricted bool     `json:"third_party_restricted,omitempty"`
}

// Candidate is a scored document reference surfaced by vector search.
type Candidate struct {
	ID         string                 `json:"id"`
	Title      string                 `json:"title,omitempty"`
	Score      float64                `json:"score"`
	Permission PermissionDescriptor   `json:"permission"`
	Payload    map[string]interface{} `json:"payload,omitempty"`
}

// SensitiveCandidate is a candidate withheld pending approval, tagged with
// exactly one rejection reason.
type SensitiveCandidate struct {
	Candidate
	Reason string `json:"reason"`
}

// Approval kinds.
const (
	ApprovalKindPermission = "permission"
	ApprovalKindGapTriage  = "gap_triage"
)

// Approval statuses.
const (
	ApprovalPending  = "pending"
	ApprovalApproved = "approved"
	ApprovalRejected = "rejected"
)

// ApprovalRequest records one suspension point and its resolution.
type ApprovalRequest struct {
	ID         string               `json:"id"`
	SessionID  string               `json:"session_id"`
	Kind       string               `json:"kind"`
	Reason     string               `json:"reason,omitempty"`
	Candidates []SensitiveCandidate `json:"candidates,omitempty"`
	Status     string               `json:"status"`
	ResolverID string               `json:"resolver_id,omitempty"`
	CreatedAt  time.Time            `json:"created_at"`
	ResolvedAt *time.Time           `json:"resolved_at,omitempty"`
	Deadline   time.Time            `json:"deadline,omitempty"`
}

// Open reports whether the request still awaits a decision.
func (a *ApprovalRequest) Open() bool {
	return a != nil && a.Status == ApprovalPending
}

// Understanding is the output of the query-understanding stage.
type Understanding struct {
	Intent        string   `json:"intent,omitempty"`
	Entities      []string `json:"entities,omitempty"`
	Keywords      []string `json:"keywords,omitempty"`
	SourceFilters []string `json:"source_filters,omitempty"`
}

// Citation points an answer sentence back at a source document.
type Citation struct {
	Index int    `json:"index"`
	DocID string `json:"doc_id"`
	Title string `json:"title,omitempty"`
	URL   string `json:"url,omitempty"`
}

// Answer is the synthesized response handed back to the requester.
type Answer struct {
	Text           string     `json:"text"`
	Citations      []Citation `json:"citations"`
	RelatedQueries []string   `json:"related_queries,omitempty"`
	Degraded       bool       `json:"degraded,omitempty"`
}

// StageError records a collaborator failure absorbed by a stage handler.
type StageError struct {
	Stage   Stage     `json:"stage"`
	Message string    `json:"message"`
	At      time.Time `json:"at"`
}

// Session is the full orchestration state for one query. It is mutated only
// by stage handlers; while suspended, the checkpoint store holds a serialized
// snapshot of it.
type Session struct {
	ID        string    `json:"id"`
	Query     string    `json:"query"`
	Requester Requester `json:"requester"`

	Stage   Stage   `json:"stage"`
	Visited []Stage `json:"visited"`

	Understanding Understanding        `json:"understanding"`
	Embedding     []float32            `json:"embedding,omitempty"`
	Candidates    []Candidate          `json:"candidates,omitempty"`
	Accessible    []Candidate          `json:"accessible,omitempty"`
	Sensitive     []SensitiveCandidate `json:"sensitive,omitempty"`

	ApprovalRequired bool             `json:"approval_required"`
	Approval         *ApprovalRequest `json:"approval,omitempty"`
	GapApproval      *ApprovalRequest `json:"gap_approval,omitempty"`

	GapKey     string `json:"gap_key,omitempty"`
	GapCreated bool   `json:"gap_created"`

	Answer       *Answer      `json:"answer,omitempty"`
	QualityScore float64      `json:"quality_score"`
	Errors       []StageError `json:"errors,omitempty"`

	StartedAt time.Time  `json:"started_at"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
}

// New creates a fresh session positioned at the first stage.
func New(query string, requester Requester) *Session {
	return &Session{
		ID:        uuid.New().String(),
		Query:     query,
		Requester: requester,
		Stage:     StageUnderstandQuery,
		StartedAt: time.Now().UTC(),
	}
}

// Terminal reports whether the session has finished.
func (s *Session) Terminal() bool {
	return s.Stage.Terminal()
}

// Advance moves the session to the next stage, enforcing the state graph,
// and records the stage it left in the visited list.
func (s *Session) Advance(to Stage) error {
	if !CanTransition(s.Stage, to) {
		return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, s.Stage, to)
	}
	s.Visited = append(s.Visited, s.Stage)
	s.Stage = to
	if to.Terminal() {
		now := time.Now().UTC()
		s.EndedAt = &now
	}
	return nil
}

// RecordError appends a collaborator failure to the session error list.
func (s *Session) RecordError(stage Stage, err error) {
	s.Errors = append(s.Errors, StageError{Stage: stage, Message: err.Error(), At: time.Now().UTC()})
}

// OpenApproval returns the single outstanding approval request, if any.
// At most one suspension may be open at a time.
func (s *Session) OpenApproval() *ApprovalRequest {
	if s.Approval.Open() {
		return s.Approval
	}
	if s.GapApproval.Open() {
		return s.GapApproval
	}
	return nil
}
