package sqlite

import (
	"context"
	"errors"
	"testing"

	"github.com/gobbyhq/gobby/internal/store"
)

func TestRegisterSessionIdempotent(t *testing.T) {
	s := newTestStores(t)
	p := newTestProject(t, s, "alpha")
	ctx := context.Background()

	req := store.RegisterSessionRequest{
		ExternalID: "ext-1",
		Source:     store.SourceClaude,
		MachineID:  "mach-1",
		ProjectID:  p.ID,
	}
	first, err := s.Sessions.Register(ctx, req)
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	second, err := s.Sessions.Register(ctx, req)
	if err != nil {
		t.Fatalf("re-register: %v", err)
	}
	if first.ID != second.ID {
		t.Fatalf("re-register created new session: %s vs %s", first.ID, second.ID)
	}

	// Expiring the row frees the identity for a fresh session.
	if err := s.Sessions.MarkExpired(ctx, first.ID); err != nil {
		t.Fatalf("expire: %v", err)
	}
	third, err := s.Sessions.Register(ctx, req)
	if err != nil {
		t.Fatalf("register after expire: %v", err)
	}
	if third.ID == first.ID {
		t.Fatal("expired session should not be resurrected")
	}
}

func TestFindParentSessionPicksNewestHandoff(t *testing.T) {
	s := newTestStores(t)
	p := newTestProject(t, s, "alpha")
	ctx := context.Background()

	older, err := s.Sessions.Register(ctx, store.RegisterSessionRequest{
		ExternalID: "ext-old", Source: store.SourceClaude, MachineID: "m1", ProjectID: p.ID,
	})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	newer, err := s.Sessions.Register(ctx, store.RegisterSessionRequest{
		ExternalID: "ext-new", Source: store.SourceClaude, MachineID: "m1", ProjectID: p.ID,
	})
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	if _, err := s.Sessions.FindParentSession(ctx, "m1", store.SourceClaude, p.ID); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("no handoff-ready session yet, got %v", err)
	}

	if err := s.Sessions.UpdateStatus(ctx, older.ID, store.SessionHandoffReady); err != nil {
		t.Fatalf("status: %v", err)
	}
	if err := s.Sessions.UpdateStatus(ctx, newer.ID, store.SessionHandoffReady); err != nil {
		t.Fatalf("status: %v", err)
	}

	parent, err := s.Sessions.FindParentSession(ctx, "m1", store.SourceClaude, p.ID)
	if err != nil {
		t.Fatalf("find parent: %v", err)
	}
	if parent.ID != newer.ID {
		t.Fatalf("parent = %s, want most recent %s", parent.ID, newer.ID)
	}

	// Wrong machine or source never matches.
	if _, err := s.Sessions.FindParentSession(ctx, "m2", store.SourceClaude, p.ID); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("machine mismatch: %v", err)
	}
	if _, err := s.Sessions.FindParentSession(ctx, "m1", store.SourceGemini, p.ID); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("source mismatch: %v", err)
	}
}

func TestSessionActiveTask(t *testing.T) {
	s := newTestStores(t)
	p := newTestProject(t, s, "alpha")
	ctx := context.Background()

	sess, err := s.Sessions.Register(ctx, store.RegisterSessionRequest{
		ExternalID: "ext-1", Source: store.SourceCodex, MachineID: "m1", ProjectID: p.ID,
	})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	first := mustCreateTask(t, s, store.CreateTaskRequest{ProjectID: p.ID, Title: "first"})
	second := mustCreateTask(t, s, store.CreateTaskRequest{ProjectID: p.ID, Title: "second"})

	if _, err := s.Sessions.ActiveTask(ctx, sess.ID); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("no active task yet, got %v", err)
	}

	for _, task := range []*store.Task{first, second} {
		err := s.Sessions.LinkTask(ctx, store.SessionTaskLink{
			SessionID: sess.ID, TaskID: task.ID, Action: store.LinkWorkedOn,
		})
		if err != nil {
			t.Fatalf("link: %v", err)
		}
	}

	active, err := s.Sessions.ActiveTask(ctx, sess.ID)
	if err != nil {
		t.Fatalf("active task: %v", err)
	}
	if active.ID != second.ID {
		t.Fatalf("active = %s, want most recently linked %s", active.ID, second.ID)
	}
}
