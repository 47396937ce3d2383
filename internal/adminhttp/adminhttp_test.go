package adminhttp

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fsmdb/internal/compaction"
	"fsmdb/internal/fsm"
	"fsmdb/internal/wal"
)

func newTestEngine(t *testing.T) *fsm.Engine {
	t.Helper()
	e, _, err := fsm.NewEngine(fsm.EngineConfig{
		WAL:     wal.Config{DataDir: t.TempDir(), SegmentSizeMB: 1, Sync: wal.SyncEveryWrite{}},
		DataDir: t.TempDir(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { e.Close() })
	return e
}

func TestHealthz_DoesNotRequireAuth(t *testing.T) {
	e := newTestEngine(t)
	c := compaction.New(e, compaction.Config{}, nil)
	srv := New(e, c, nil)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
}

func TestGetInstance_NotFoundReturns404(t *testing.T) {
	e := newTestEngine(t)
	c := compaction.New(e, compaction.Config{}, nil)
	srv := New(e, c, nil) // nil jwtManager: requireOperator is a no-op

	req := httptest.NewRequest(http.MethodGet, "/v1/instances/missing", nil)
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)

	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestWALStats_ReturnsJSON(t *testing.T) {
	e := newTestEngine(t)
	c := compaction.New(e, compaction.Config{}, nil)
	srv := New(e, c, nil)

	req := httptest.NewRequest(http.MethodGet, "/v1/wal/stats", nil)
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var stats wal.Stats
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &stats))
}
