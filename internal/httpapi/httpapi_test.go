package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/gobbyhq/gobby/internal/project"
	"github.com/gobbyhq/gobby/internal/store"
	"github.com/gobbyhq/gobby/internal/store/sqlite"
)

type testEnv struct {
	stores   *store.Stores
	resolver *project.Resolver
	mux      *http.ServeMux
	project  *store.Project
}

func newTestEnv(t *testing.T) *testEnv {
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

	p := &store.Project{Name: "alpha", Path: t.TempDir()}
	if err := stores.Projects.Create(context.Background(), p); err != nil {
		t.Fatalf("project: %v", err)
	}

	return &testEnv{
		stores:   stores,
		resolver: project.NewResolver(stores.Projects, slog.Default()),
		mux:      http.NewServeMux(),
		project:  p,
	}
}

// do runs a request through the env mux and decodes the JSON response.
func (e *testEnv) do(t *testing.T, method, path string, body any) (int, map[string]any) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, reader)
	rec := httptest.NewRecorder()
	e.mux.ServeHTTP(rec, req)

	var out map[string]any
	if rec.Body.Len() > 0 {
		if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
			t.Fatalf("response not JSON (%d): %s", rec.Code, rec.Body.String())
		}
	}
	return rec.Code, out
}
