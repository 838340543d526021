package checkpoint

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sreenathmmenon/EngineIQ/internal/session"
)

func TestMemoryStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	s := session.New("how to rotate keys", session.Requester{UserID: "u1", Teams: []string{"sre"}})
	s.Approval = &session.ApprovalRequest{ID: "a1", SessionID: s.ID, Kind: session.ApprovalKindPermission, Status: session.ApprovalPending, CreatedAt: time.Now().UTC()}

	if err := store.Save(ctx, s); err != nil {
		t.Fatalf("save: %v", err)
	}
	loaded, err := store.Load(ctx, s.ID)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if loaded.Query != s.Query || loaded.Requester.UserID != "u1" {
		t.Fatalf("snapshot lost fields: %+v", loaded)
	}
	if !loaded.Approval.Open() {
		t.Fatalf("approval state lost in round trip: %+v", loaded.Approval)
	}

	// The snapshot must be isolated from later mutation of the original.
	s.Query = "mutated"
	loaded2, err := store.Load(ctx, s.ID)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if loaded2.Query != "how to rotate keys" {
		t.Fatalf("snapshot aliased live session: %q", loaded2.Query)
	}
}

func TestMemoryStoreLoadMissing(t *testing.T) {
	_, err := NewMemoryStore().Load(context.Background(), "nope")
	if !errors.Is(err, session.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestMemoryStoreDeadlines(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	now := time.Now()

	if err := store.SetDeadline(ctx, "late", now.Add(-time.Hour)); err != nil {
		t.Fatalf("set deadline: %v", err)
	}
	if err := store.SetDeadline(ctx, "early", now.Add(-2*time.Hour)); err != nil {
		t.Fatalf("set deadline: %v", err)
	}
	if err := store.SetDeadline(ctx, "future", now.Add(time.Hour)); err != nil {
		t.Fatalf("set deadline: %v", err)
	}

	due, err := store.Due(ctx, now, 10)
	if err != nil {
		t.Fatalf("due: %v", err)
	}
	if len(due) != 2 {
		t.Fatalf("expected 2 due sessions, got %v", due)
	}

	if err := store.ClearDeadline(ctx, "late"); err != nil {
		t.Fatalf("clear deadline: %v", err)
	}
	due, err = store.Due(ctx, now, 10)
	if err != nil {
		t.Fatalf("due after clear: %v", err)
	}
	if len(due) != 1 || due[0] != "early" {
		t.Fatalf("expected only early due, got %v", due)
	}

	due, err = store.Due(ctx, now, 0)
	if err != nil {
		t.Fatalf("due unlimited: %v", err)
	}
	if len(due) != 1 {
		t.Fatalf("limit 0 should mean unlimited, got %v", due)
	}
}
