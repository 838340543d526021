package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sreenathmmenon/EngineIQ/internal/session"
)

const sweepBatchSize = 100

// RunReaper sweeps expired approvals on a fixed interval until the context is
// cancelled.
func (o *Orchestrator) RunReaper(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	o.logger.Printf("[ORCH] reaper started, interval %s", interval)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			n, err := o.SweepExpired(ctx, time.Now().UTC())
			if err != nil {
				o.logger.Printf("[ORCH] reaper sweep: %v", err)
				continue
			}
			if n > 0 {
				o.logger.Printf("[ORCH] reaper closed %d expired sessions", n)
			}
		}
	}
}

// SweepExpired closes every suspended session whose approval deadline has
// passed. Permission suspensions auto-reject; gap triage suspensions close
// quietly with the gap left in its detected state. Returns the number of
// sessions closed.
func (o *Orchestrator) SweepExpired(ctx context.Context, now time.Time) (int, error) {
	ids, err := o.checkpoints.Due(ctx, now, sweepBatchSize)
	if err != nil {
		return 0, fmt.Errorf("list due sessions: %w", err)
	}
	closed := 0
	for _, id := range ids {
		s, err := o.checkpoints.Load(ctx, id)
		if err != nil {
			if errors.Is(err, session.ErrNotFound) {
				// The session expired from the cache; drop the stale index
				// entry.
				o.clearDeadline(ctx, id)
				continue
			}
			o.logger.Printf("[ORCH] reaper: load %s: %v", id, err)
			continue
		}
		if o.expire(ctx, s, now) {
			closed++
		}
		o.clearDeadline(ctx, id)
	}
	return closed, nil
}

// expire applies the timeout outcome to one suspended session. Returns true
// when the session was moved to a terminal stage.
func (o *Orchestrator) expire(ctx context.Context, s *session.Session, now time.Time) bool {
	switch {
	case s.Stage == session.StageAwaitingApproval && s.Approval.Open():
		o.resolveApproval(ctx, s, s.Approval, session.ApprovalRejected, "system")
		o.reject(s, "approval_timeout")
		if o.metrics != nil {
			o.metrics.ApprovalTimeouts.Inc()
		}
		if err := o.checkpoints.Save(ctx, s); err != nil {
			o.logger.Printf("[ORCH] reaper: save %s: %v", s.ID, err)
			return false
		}
		o.count("rejected")
		o.logger.Printf("[ORCH] session %s: approval expired at %s, auto-rejected", s.ID, now.Format(time.RFC3339))
		return true

	case s.Stage == session.StageAwaitingGapApproval && s.GapApproval.Open():
		// The answer already went out; an unreviewed gap just stops waiting.
		o.resolveApproval(ctx, s, s.GapApproval, session.ApprovalRejected, "system")
		if err := s.Advance(session.StageDone); err != nil {
			o.logger.Printf("[ORCH] reaper: advance %s: %v", s.ID, err)
			return false
		}
		if err := o.checkpoints.Save(ctx, s); err != nil {
			o.logger.Printf("[ORCH] reaper: save %s: %v", s.ID, err)
			return false
		}
		o.count("done")
		o.logger.Printf("[ORCH] session %s: gap triage expired, closed", s.ID)
		return true
	}
	// Already resolved through Resume between indexing and the sweep.
	return false
}

func (o *Orchestrator) clearDeadline(ctx context.Context, id string) {
	if err := o.checkpoints.ClearDeadline(ctx, id); err != nil {
		o.logger.Printf("[ORCH] reaper: clear deadline %s: %v", id, err)
	}
}
