package httpapi_test

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/GothenburgBitFactory/taskchampion-sync-server/internal/httpapi"
	"github.com/GothenburgBitFactory/taskchampion-sync-server/internal/protocol"
	"github.com/GothenburgBitFactory/taskchampion-sync-server/internal/storage/sqlite"
)

func newTestRouter(t *testing.T, opts httpapi.Options) (*gin.Engine, uuid.UUID) {
	t.Helper()
	dir, err := os.MkdirTemp("", "syncserver-httpapi-*")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })

	store, err := sqlite.Open(dir, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	engine := protocol.New(store, protocol.DefaultConfig(), zerolog.Nop())
	r := httpapi.NewRouter(engine, zerolog.Nop(), opts)

	return r, uuid.New()
}

func TestBanner(t *testing.T) {
	r, _ := newTestRouter(t, httpapi.Options{})
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)
}

func TestAddVersion_MissingClientID(t *testing.T) {
	r, _ := newTestRouter(t, httpapi.Options{})
	req := httptest.NewRequest(http.MethodPost, "/v1/client/add-version/"+uuid.Nil.String(), bytes.NewReader([]byte("x")))
	req.Header.Set("Content-Type", "application/vnd.taskchampion.history-segment")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestAddVersion_ClientNotAllowlisted(t *testing.T) {
	allowed := uuid.New()
	r, clientID := newTestRouter(t, httpapi.Options{
		ClientAllowlist: map[uuid.UUID]struct{}{allowed: {}},
	})
	require.NotEqual(t, allowed, clientID)

	req := httptest.NewRequest(http.MethodPost, "/v1/client/add-version/"+uuid.Nil.String(), bytes.NewReader([]byte("x")))
	req.Header.Set(httpapi.HeaderClientID, clientID.String())
	req.Header.Set("Content-Type", "application/vnd.taskchampion.history-segment")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	require.Equal(t, http.StatusForbidden, w.Code)
}

func TestAddVersion_WrongContentType(t *testing.T) {
	r, clientID := newTestRouter(t, httpapi.Options{})
	req := httptest.NewRequest(http.MethodPost, "/v1/client/add-version/"+uuid.Nil.String(), bytes.NewReader([]byte("x")))
	req.Header.Set(httpapi.HeaderClientID, clientID.String())
	req.Header.Set("Content-Type", "text/plain")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestAddVersion_FirstVersionReturnsVersionIDHeader(t *testing.T) {
	r, clientID := newTestRouter(t, httpapi.Options{})
	req := httptest.NewRequest(http.MethodPost, "/v1/client/add-version/"+uuid.Nil.String(), bytes.NewReader([]byte("history-bytes")))
	req.Header.Set(httpapi.HeaderClientID, clientID.String())
	req.Header.Set("Content-Type", "application/vnd.taskchampion.history-segment")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	require.NotEmpty(t, w.Header().Get(httpapi.HeaderVersionID))
	require.Equal(t, "urgency=high", w.Header().Get(httpapi.HeaderSnapshotRequest))
}

func TestAddVersion_ConflictReturnsExpectedParentHeader(t *testing.T) {
	r, clientID := newTestRouter(t, httpapi.Options{})

	req1 := httptest.NewRequest(http.MethodPost, "/v1/client/add-version/"+uuid.Nil.String(), bytes.NewReader([]byte("v1")))
	req1.Header.Set(httpapi.HeaderClientID, clientID.String())
	req1.Header.Set("Content-Type", "application/vnd.taskchampion.history-segment")
	w1 := httptest.NewRecorder()
	r.ServeHTTP(w1, req1)
	require.Equal(t, http.StatusOK, w1.Code)
	firstVersionID := w1.Header().Get(httpapi.HeaderVersionID)

	req2 := httptest.NewRequest(http.MethodPost, "/v1/client/add-version/"+uuid.Nil.String(), bytes.NewReader([]byte("v2-stale")))
	req2.Header.Set(httpapi.HeaderClientID, clientID.String())
	req2.Header.Set("Content-Type", "application/vnd.taskchampion.history-segment")
	w2 := httptest.NewRecorder()
	r.ServeHTTP(w2, req2)

	require.Equal(t, http.StatusConflict, w2.Code)
	require.Equal(t, firstVersionID, w2.Header().Get(httpapi.HeaderParentVersionID))
}

func TestGetChildVersion_NotFoundForLatestVersion(t *testing.T) {
	r, clientID := newTestRouter(t, httpapi.Options{})

	addReq := httptest.NewRequest(http.MethodPost, "/v1/client/add-version/"+uuid.Nil.String(), bytes.NewReader([]byte("v1")))
	addReq.Header.Set(httpapi.HeaderClientID, clientID.String())
	addReq.Header.Set("Content-Type", "application/vnd.taskchampion.history-segment")
	w0 := httptest.NewRecorder()
	r.ServeHTTP(w0, addReq)
	require.Equal(t, http.StatusOK, w0.Code)

	req := httptest.NewRequest(http.MethodGet, "/v1/client/get-child-version/"+w0.Header().Get(httpapi.HeaderVersionID), nil)
	req.Header.Set(httpapi.HeaderClientID, clientID.String())
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	require.Equal(t, http.StatusNotFound, w.Code)
}

func TestGetChildVersion_GoneForUnknownParent(t *testing.T) {
	r, clientID := newTestRouter(t, httpapi.Options{})

	addReq := httptest.NewRequest(http.MethodPost, "/v1/client/add-version/"+uuid.Nil.String(), bytes.NewReader([]byte("v1")))
	addReq.Header.Set(httpapi.HeaderClientID, clientID.String())
	addReq.Header.Set("Content-Type", "application/vnd.taskchampion.history-segment")
	w0 := httptest.NewRecorder()
	r.ServeHTTP(w0, addReq)
	require.Equal(t, http.StatusOK, w0.Code)

	req := httptest.NewRequest(http.MethodGet, "/v1/client/get-child-version/"+uuid.New().String(), nil)
	req.Header.Set(httpapi.HeaderClientID, clientID.String())
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	require.Equal(t, http.StatusGone, w.Code)
}

func TestGetSnapshot_NotFoundForFreshClient(t *testing.T) {
	r, clientID := newTestRouter(t, httpapi.Options{})

	addReq := httptest.NewRequest(http.MethodPost, "/v1/client/add-version/"+uuid.Nil.String(), bytes.NewReader([]byte("v1")))
	addReq.Header.Set(httpapi.HeaderClientID, clientID.String())
	addReq.Header.Set("Content-Type", "application/vnd.taskchampion.history-segment")
	w0 := httptest.NewRecorder()
	r.ServeHTTP(w0, addReq)
	require.Equal(t, http.StatusOK, w0.Code)

	req := httptest.NewRequest(http.MethodGet, "/v1/client/snapshot", nil)
	req.Header.Set(httpapi.HeaderClientID, clientID.String())
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	require.Equal(t, http.StatusNotFound, w.Code)
}

func TestAddSnapshotThenGetSnapshot(t *testing.T) {
	r, clientID := newTestRouter(t, httpapi.Options{})

	addReq := httptest.NewRequest(http.MethodPost, "/v1/client/add-version/"+uuid.Nil.String(), bytes.NewReader([]byte("v1")))
	addReq.Header.Set(httpapi.HeaderClientID, clientID.String())
	addReq.Header.Set("Content-Type", "application/vnd.taskchampion.history-segment")
	w0 := httptest.NewRecorder()
	r.ServeHTTP(w0, addReq)
	require.Equal(t, http.StatusOK, w0.Code)
	versionID := w0.Header().Get(httpapi.HeaderVersionID)

	snapReq := httptest.NewRequest(http.MethodPost, "/v1/client/add-snapshot/"+versionID, bytes.NewReader([]byte("snap-bytes")))
	snapReq.Header.Set(httpapi.HeaderClientID, clientID.String())
	snapReq.Header.Set("Content-Type", "application/vnd.taskchampion.snapshot")
	w1 := httptest.NewRecorder()
	r.ServeHTTP(w1, snapReq)
	require.Equal(t, http.StatusOK, w1.Code)

	getReq := httptest.NewRequest(http.MethodGet, "/v1/client/snapshot", nil)
	getReq.Header.Set(httpapi.HeaderClientID, clientID.String())
	w2 := httptest.NewRecorder()
	r.ServeHTTP(w2, getReq)
	require.Equal(t, http.StatusOK, w2.Code)
	require.Equal(t, versionID, w2.Header().Get(httpapi.HeaderVersionID))
	require.Equal(t, []byte("snap-bytes"), w2.Body.Bytes())
}
