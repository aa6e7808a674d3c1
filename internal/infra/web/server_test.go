package web

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"translation-dispatch/internal/dispatch"
	"translation-dispatch/internal/domain"
	"translation-dispatch/internal/domain/model"
	"translation-dispatch/internal/infra/cache"
)

type schedulerSpy struct {
	cancels  int
	started  []model.TranslatableItem
	target   string
	startN   int
	startErr error
}

func (s *schedulerSpy) StartBatch(items []model.TranslatableItem, targetLang string, _ bool) (int, error) {
	s.started = items
	s.target = targetLang
	if s.startErr != nil {
		return 0, s.startErr
	}
	if s.startN == 0 {
		s.startN = len(items)
	}
	return s.startN, nil
}

func (s *schedulerSpy) Cancel(bool) { s.cancels++ }

func newTestServer(t *testing.T) (*Server, *StatusCache, *schedulerSpy) {
	t.Helper()
	log := zerolog.Nop()
	status := NewStatusCache()
	spy := &schedulerSpy{}
	return NewServer(status, spy, cache.NewTranslationCache("", &log), &log), status, spy
}

func TestHealthz(t *testing.T) {
	srv, _, _ := newTestServer(t)
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestStatusReflectsBatchLifecycle(t *testing.T) {
	srv, status, _ := newTestServer(t)
	status.BatchStarted("batch-1", 10)
	status.Progress(4, 10)
	status.StatusUpdated(dispatch.StrategyStatus{
		Connection: "Google Gemini",
		Limits:     []dispatch.LimitStatus{{Name: "RPM", Current: 3, Limit: 15}},
	})

	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/status", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Batch    BatchSnapshot           `json:"batch"`
		Strategy dispatch.StrategyStatus `json:"strategy"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.True(t, body.Batch.Running)
	assert.Equal(t, "batch-1", body.Batch.BatchID)
	assert.Equal(t, 4, body.Batch.Completed)
	require.Len(t, body.Strategy.Limits, 1)
	assert.Equal(t, "RPM", body.Strategy.Limits[0].Name)

	status.BatchFinished("completed", 10, 10)
	rec = httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/status", nil))
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.False(t, body.Batch.Running)
	assert.Equal(t, "completed", body.Batch.LastReason)
}

func TestCancelOnlyWhileRunning(t *testing.T) {
	srv, status, spy := newTestServer(t)

	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/cancel", nil))
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Zero(t, spy.cancels)

	status.BatchStarted("batch-2", 3)
	rec = httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/cancel", nil))
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, 1, spy.cancels)
}

func TestTranslateSubmitsBatch(t *testing.T) {
	srv, _, spy := newTestServer(t)
	body := strings.NewReader(`{
		"target_language": "German",
		"items": [
			{"id": "k1", "source_text": "New Game"},
			{"id": "k2", "source_text": "Load Game", "context": "main menu"}
		]
	}`)

	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/translate", body))
	require.Equal(t, http.StatusAccepted, rec.Code)
	require.Len(t, spy.started, 2)
	assert.Equal(t, "German", spy.target)
	assert.Equal(t, "main menu", spy.started[1].Context)

	var resp map[string]int
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 2, resp["admitted"])
	assert.Equal(t, 0, resp["cached"])
}

func TestTranslateRejectsEmptyAndBusy(t *testing.T) {
	srv, _, spy := newTestServer(t)

	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/translate", strings.NewReader(`{"items": []}`)))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	spy.startErr = domain.ErrBatchNotIdle
	rec = httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/translate",
		strings.NewReader(`{"target_language": "German", "items": [{"id": "k1", "source_text": "x"}]}`)))
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestMetricsEndpointServes(t *testing.T) {
	srv, _, _ := newTestServer(t)
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}
