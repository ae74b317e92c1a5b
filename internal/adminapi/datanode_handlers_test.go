package adminapi

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"distributed-vdb/internal/datanode"
)

func newTestDataNodeHandler(t *testing.T) (*DataNodeHandler, *datanode.Handler) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	cfg := datanode.Config{
		NodeID:             "node1",
		DataDir:            t.TempDir(),
		VectorDim:          2,
		HNSWM:              16,
		HNSWEfConstruction: 100,
		HNSWEfSearch:       50,
		HNSWMaxElements:    1000,
		WALRotateSize:      1 << 20,
		WALMaxLogAge:       3600,
		CheckpointKeep:     3,
	}
	h, err := datanode.Open(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = h.Close() })

	return NewDataNodeHandler(h), h
}

func TestDataNodeHandlerHealthzReportsReady(t *testing.T) {
	h, _ := newTestDataNodeHandler(t)
	r := gin.New()
	h.Register(r)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "ready")
}

func TestDataNodeHandlerDebugStateReportsNodeID(t *testing.T) {
	h, _ := newTestDataNodeHandler(t)
	r := gin.New()
	h.Register(r)

	req := httptest.NewRequest(http.MethodGet, "/debug/state", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "node1")
}

func TestDataNodeHandlerRebuildTriggersRebuild(t *testing.T) {
	h, dn := newTestDataNodeHandler(t)
	_, err := dn.Put(datanode.Record{Key: "a", Vector: []float32{1, 2}}, false)
	require.NoError(t, err)

	r := gin.New()
	h.Register(r)

	req := httptest.NewRequest(http.MethodPost, "/admin/rebuild", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "rebuilt")
}

func TestDataNodeHandlerSnapshotTriggersSnapshot(t *testing.T) {
	h, _ := newTestDataNodeHandler(t)
	r := gin.New()
	h.Register(r)

	req := httptest.NewRequest(http.MethodPost, "/admin/snapshot", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "snapshotted")
}
