package dispatch

import (
	"context"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/gobbyhq/gobby/internal/hooks"
	"github.com/gobbyhq/gobby/internal/store"
	"github.com/gobbyhq/gobby/internal/store/sqlite"
)

type fixedProject struct {
	p *store.Project
}

func (f *fixedProject) Resolve(ctx context.Context, cwd string) (*store.Project, error) {
	return f.p, nil
}

type recordingBroadcaster struct {
	mu    sync.Mutex
	count int
}

func (b *recordingBroadcaster) TryBroadcast(event *hooks.HookEvent, resp *hooks.HookResponse) {
	b.mu.Lock()
	b.count++
	b.mu.Unlock()
}

type panickyEngine struct{}

func (panickyEngine) Evaluate(ctx context.Context, event *hooks.HookEvent, sessionID uuid.UUID) (*hooks.HookResponse, error) {
	panic("engine exploded")
}

func (panickyEngine) RunLifecycle(ctx context.Context, lifecycle string, event *hooks.HookEvent, sessionID uuid.UUID) {
}

func newTestDispatcher(t *testing.T, opts Options) (*Dispatcher, *store.Stores) {
	t.Helper()
	db, err := sqlite.Open(filepath.Join(t.TempDir(), "gobby.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := sqlite.Migrate(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	stores := sqlite.NewStores(db, store.NewNotifier())

	p := &store.Project{Name: "alpha", Path: "/tmp/alpha"}
	if err := stores.Projects.Create(context.Background(), p); err != nil {
		t.Fatalf("project: %v", err)
	}

	opts.Stores = stores
	if opts.Projects == nil {
		opts.Projects = &fixedProject{p: p}
	}
	opts.Logger = slog.Default()
	d := New(opts)
	t.Cleanup(d.Shutdown)
	return d, stores
}

func event(eventType, externalID string) *hooks.HookEvent {
	return &hooks.HookEvent{
		Type:      eventType,
		SessionID: externalID,
		Source:    hooks.SourceClaude,
		MachineID: "m1",
		Timestamp: time.Now().UTC(),
		Data:      map[string]any{},
	}
}

func TestHandleFailOpenWhenNotReady(t *testing.T) {
	gate := NewHealthGate(func(ctx context.Context) HealthStatus {
		return HealthStatus{Ready: false, Status: "degraded"}
	}, 10*time.Millisecond)
	d, stores := newTestDispatcher(t, Options{Gate: gate})

	time.Sleep(50 * time.Millisecond) // let the probe land

	resp := d.Handle(context.Background(), event(hooks.BeforeAgent, "ext-1"))
	if resp.Decision != hooks.DecisionAllow {
		t.Fatalf("decision = %s", resp.Decision)
	}
	if resp.Reason == "" {
		t.Fatal("reason must identify the status")
	}
	// The gate short-circuits before session resolution.
	if _, err := stores.Sessions.FindByExternal(context.Background(), "ext-1", hooks.SourceClaude, "m1"); err == nil {
		t.Fatal("session should not have been registered")
	}
}

func TestHandleAutoRegistersAndActivates(t *testing.T) {
	d, stores := newTestDispatcher(t, Options{})
	ctx := context.Background()

	e := event(hooks.BeforeAgent, "ext-2")
	e.Data["prompt"] = "fix the tests"
	resp := d.Handle(ctx, e)
	if resp.Decision != hooks.DecisionAllow {
		t.Fatalf("decision = %s", resp.Decision)
	}

	sess, err := stores.Sessions.FindByExternal(ctx, "ext-2", hooks.SourceClaude, "m1")
	if err != nil {
		t.Fatalf("session not registered: %v", err)
	}
	if sess.Status != store.SessionActive {
		t.Fatalf("status = %s, want active", sess.Status)
	}
	if e.Meta(hooks.MetaPlatformSessionID) != sess.ID.String() {
		t.Fatalf("platform session id not attached: %v", e.Meta(hooks.MetaPlatformSessionID))
	}
}

func TestHandleNeverPanics(t *testing.T) {
	d, _ := newTestDispatcher(t, Options{Engine: panickyEngine{}})

	resp := d.Handle(context.Background(), event(hooks.BeforeAgent, "ext-3"))
	if resp == nil || resp.Decision != hooks.DecisionAllow {
		t.Fatalf("panic must convert to allow, got %+v", resp)
	}
	if resp.Reason == "" {
		t.Fatal("reason should describe the failure")
	}
}

func TestHandleBroadcastsEveryResponse(t *testing.T) {
	b := &recordingBroadcaster{}
	d, _ := newTestDispatcher(t, Options{Broadcaster: b})

	d.Handle(context.Background(), event(hooks.AfterAgent, "ext-4"))
	d.Handle(context.Background(), event(hooks.Notification, "ext-4"))

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.count != 2 {
		t.Fatalf("broadcasts = %d, want 2", b.count)
	}
}

func TestSessionStartClearHandoff(t *testing.T) {
	d, stores := newTestDispatcher(t, Options{})
	ctx := context.Background()

	// Prior session on the same machine/source/project, handoff-ready.
	proj, err := stores.Projects.GetByName(ctx, "alpha")
	if err != nil {
		t.Fatalf("project: %v", err)
	}
	prior, err := stores.Sessions.Register(ctx, store.RegisterSessionRequest{
		ExternalID: "ext-old", Source: hooks.SourceClaude, MachineID: "m1", ProjectID: proj.ID,
	})
	if err != nil {
		t.Fatalf("register prior: %v", err)
	}
	if err := stores.Sessions.UpdateSummary(ctx, prior.ID, "Prior"); err != nil {
		t.Fatalf("summary: %v", err)
	}
	if err := stores.Sessions.UpdateStatus(ctx, prior.ID, store.SessionHandoffReady); err != nil {
		t.Fatalf("status: %v", err)
	}

	e := event(hooks.SessionStart, "ext-new")
	e.Data["source"] = "clear"
	resp := d.Handle(ctx, e)

	if resp.Decision != hooks.DecisionAllow {
		t.Fatalf("decision = %s", resp.Decision)
	}
	if resp.Context != "Prior" {
		t.Fatalf("context = %q, want restored summary", resp.Context)
	}
	if resp.SystemMessage == "" {
		t.Fatal("system message should announce the handoff")
	}

	fresh, err := stores.Sessions.FindByExternal(ctx, "ext-new", hooks.SourceClaude, "m1")
	if err != nil {
		t.Fatalf("new session: %v", err)
	}
	if fresh.ParentSessionID == nil || *fresh.ParentSessionID != prior.ID {
		t.Fatalf("parent link = %v, want %s", fresh.ParentSessionID, prior.ID)
	}
	expired, err := stores.Sessions.Get(ctx, prior.ID)
	if err != nil {
		t.Fatalf("prior: %v", err)
	}
	if expired.Status != store.SessionExpired {
		t.Fatalf("prior status = %s, want expired", expired.Status)
	}
}

func TestConcurrentResolveRegistersOnce(t *testing.T) {
	d, stores := newTestDispatcher(t, Options{})
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d.Handle(ctx, event(hooks.AfterAgent, "ext-racy"))
		}()
	}
	wg.Wait()

	sessions, err := stores.Sessions.List(ctx, mustProjectID(t, stores), 100)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	n := 0
	for _, s := range sessions {
		if s.ExternalID == "ext-racy" {
			n++
		}
	}
	if n != 1 {
		t.Fatalf("registered %d sessions, want 1", n)
	}
}

func mustProjectID(t *testing.T, stores *store.Stores) uuid.UUID {
	t.Helper()
	p, err := stores.Projects.GetByName(context.Background(), "alpha")
	if err != nil {
		t.Fatalf("project: %v", err)
	}
	return p.ID
}
