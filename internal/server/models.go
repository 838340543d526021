package server

import (
	"time"

	"github.com/sreenathmmenon/EngineIQ/internal/session"
)

// HTTPError is the JSON error envelope produced by the error handler.
type HTTPError struct {
	Error string `json:"error"`
}

// SubmitQueryRequest is the body of POST /api/queries.
type SubmitQueryRequest struct {
	Query string `json:"query"`
}

// ResumeRequest is the body of the resume endpoints.
type ResumeRequest struct {
	Decision string `json:"decision"`
	Comment  string `json:"comment,omitempty"`
}

// UpdateGapStatusRequest is the body of PUT /api/gaps/:key/status.
type UpdateGapStatusRequest struct {
	Status string `json:"status"`
	Owner  string `json:"owner,omitempty"`
}

// ContributionRequest is the body of POST /api/contributions.
type ContributionRequest struct {
	UserID string     `json:"user_id"`
	Topic  string     `json:"topic"`
	Source string     `json:"source"`
	Action string     `json:"action"`
	DocID  string     `json:"doc_id,omitempty"`
	Title  string     `json:"title,omitempty"`
	URL    string     `json:"url,omitempty"`
	At     *time.Time `json:"at,omitempty"`
}

// ApprovalView is the wire shape of a pending or resolved approval.
type ApprovalView struct {
	ID         string     `json:"id"`
	Kind       string     `json:"kind"`
	Reason     string     `json:"reason,omitempty"`
	Status     string     `json:"status"`
	ResolverID string     `json:"resolver_id,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	ResolvedAt *time.Time `json:"resolved_at,omitempty"`
	Deadline   time.Time  `json:"deadline,omitempty"`
}

// SessionView is the wire shape of a session. Internal plumbing such as the
// embedding vector and the raw candidate payloads stays server-side.
type SessionView struct {
	ID               string               `json:"id"`
	Query            string               `json:"query"`
	Stage            session.Stage        `json:"stage"`
	ApprovalRequired bool                 `json:"approval_required"`
	Approval         *ApprovalView        `json:"approval,omitempty"`
	GapApproval      *ApprovalView        `json:"gap_approval,omitempty"`
	GapKey           string               `json:"gap_key,omitempty"`
	Answer           *session.Answer      `json:"answer,omitempty"`
	Results          []ResultView         `json:"results"`
	Errors           []session.StageError `json:"errors,omitempty"`
	StartedAt        time.Time            `json:"started_at"`
	EndedAt          *time.Time           `json:"ended_at,omitempty"`
}

// ResultView is one accessible document in a session view.
type ResultView struct {
	ID    string  `json:"id"`
	Title string  `json:"title,omitempty"`
	Score float64 `json:"score"`
}

func approvalView(a *session.ApprovalRequest) *ApprovalView {
	if a == nil {
		return nil
	}
	return &ApprovalView{
		ID:         a.ID,
		Kind:       a.Kind,
		Reason:     a.Reason,
		Status:     a.Status,
		ResolverID: a.ResolverID,
		CreatedAt:  a.CreatedAt,
		ResolvedAt: a.ResolvedAt,
		Deadline:   a.Deadline,
	}
}

func sessionView(s *session.Session) SessionView {
	results := make([]ResultView, 0, len(s.Accessible))
	// A suspended session must not leak result metadata before approval.
	if !s.Stage.Suspended() || s.Stage == session.StageAwaitingGapApproval {
		for _, c := range s.Accessible {
			results = append(results, ResultView{ID: c.ID, Title: c.Title, Score: c.Score})
		}
	}
	return SessionView{
		ID:               s.ID,
		Query:            s.Query,
		Stage:            s.Stage,
		ApprovalRequired: s.ApprovalRequired,
		Approval:         approvalView(s.Approval),
		GapApproval:      approvalView(s.GapApproval),
		GapKey:           s.GapKey,
		Answer:           s.Answer,
		Results:          results,
		Errors:           s.Errors,
		StartedAt:        s.StartedAt,
		EndedAt:          s.EndedAt,
	}
}
