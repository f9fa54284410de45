package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"threatsync/internal/models"
	"threatsync/internal/orchestrator"

	"github.com/gin-gonic/gin"
	"github.com/hashicorp/go-multierror"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeScheduler struct {
	running  bool
	startCtx context.Context

	report  *orchestrator.CycleReport
	syncErr error

	statuses []models.SourceSyncStatus
	toggled  map[models.Source]bool
}

func (f *fakeScheduler) Start(ctx context.Context) {
	f.running = true
	f.startCtx = ctx
}

func (f *fakeScheduler) Stop()         { f.running = false }
func (f *fakeScheduler) Running() bool { return f.running }

func (f *fakeScheduler) SyncNow(ctx context.Context) (*orchestrator.CycleReport, error) {
	return f.report, f.syncErr
}

func (f *fakeScheduler) Status(ctx context.Context) ([]models.SourceSyncStatus, error) {
	return f.statuses, nil
}

func (f *fakeScheduler) SetSourceEnabled(ctx context.Context, source models.Source, enabled bool) error {
	if !source.Valid() {
		return orchestrator.ErrUnknownSource
	}
	if f.toggled == nil {
		f.toggled = map[models.Source]bool{}
	}
	f.toggled[source] = enabled
	return nil
}

func setupRouter(ctx context.Context, s Scheduler) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	NewAdminHandler(ctx, s, zap.NewNop()).RegisterRoutes(r)
	return r
}

func do(r *gin.Engine, method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestSchedulerStartStop(t *testing.T) {
	type ctxKey struct{}
	base := context.WithValue(context.Background(), ctxKey{}, "base")
	s := &fakeScheduler{}
	r := setupRouter(base, s)

	w := do(r, http.MethodPost, "/api/v1/scheduler/start", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"running":true}`, w.Body.String())
	require.NotNil(t, s.startCtx)
	assert.Equal(t, "base", s.startCtx.Value(ctxKey{}))

	w = do(r, http.MethodPost, "/api/v1/scheduler/stop", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"running":false}`, w.Body.String())
}

func TestSyncNow(t *testing.T) {
	report := &orchestrator.CycleReport{
		ID:      "cycle-1",
		Trigger: orchestrator.TriggerManual,
		Sources: []orchestrator.SourceReport{
			{Source: models.SourceOTX, Result: models.SyncFailed, Error: "auth"},
			{Source: models.SourceCISAKEV, Result: models.SyncSuccess, Stored: 2},
		},
	}
	partial := multierror.Append(nil, errors.New("AlienVault_OTX: auth"))

	tests := []struct {
		name       string
		report     *orchestrator.CycleReport
		err        error
		wantStatus int
	}{
		{"success", report, nil, http.StatusOK},
		{"partial failure still reports", report, partial, http.StatusOK},
		{"cycle in progress", nil, orchestrator.ErrCycleInProgress, http.StatusConflict},
		{"scheduler stopped", nil, orchestrator.ErrStopped, http.StatusServiceUnavailable},
		{"unexpected", nil, errors.New("boom"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := setupRouter(context.Background(), &fakeScheduler{report: tt.report, syncErr: tt.err})
			w := do(r, http.MethodPost, "/api/v1/sync", "")
			assert.Equal(t, tt.wantStatus, w.Code)

			if tt.wantStatus != http.StatusOK {
				return
			}
			var body struct {
				Stored int      `json:"stored"`
				Errors []string `json:"errors"`
				Report struct {
					ID string `json:"id"`
				} `json:"report"`
			}
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
			assert.Equal(t, 2, body.Stored)
			assert.Equal(t, "cycle-1", body.Report.ID)
			if tt.err != nil {
				assert.Equal(t, []string{"AlienVault_OTX: auth"}, body.Errors)
			} else {
				assert.Empty(t, body.Errors)
			}
		})
	}
}

func TestSourceStatus(t *testing.T) {
	lastStatus := "Success"
	s := &fakeScheduler{running: true, statuses: []models.SourceSyncStatus{
		{Source: models.SourceNVD, Enabled: true, LastStatus: &lastStatus, ItemsStored: 4, State: models.StateIdle, Available: true},
	}}
	r := setupRouter(context.Background(), s)

	w := do(r, http.MethodGet, "/api/v1/sources/status", "")
	assert.Equal(t, http.StatusOK, w.Code)

	var body struct {
		Total   int                       `json:"total"`
		Running bool                      `json:"running"`
		Sources []models.SourceSyncStatus `json:"sources"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, 1, body.Total)
	assert.True(t, body.Running)
	require.Len(t, body.Sources, 1)
	assert.Equal(t, models.SourceNVD, body.Sources[0].Source)
	assert.Equal(t, int64(4), body.Sources[0].ItemsStored)
}

func TestSetSourceEnabled(t *testing.T) {
	s := &fakeScheduler{}
	r := setupRouter(context.Background(), s)

	w := do(r, http.MethodPut, "/api/v1/sources/NVD/enabled", `{"enabled": false}`)
	assert.Equal(t, http.StatusOK, w.Code)
	enabled, ok := s.toggled[models.SourceNVD]
	require.True(t, ok)
	assert.False(t, enabled)

	w = do(r, http.MethodPut, "/api/v1/sources/Twitter/enabled", `{"enabled": true}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(r, http.MethodPut, "/api/v1/sources/NVD/enabled", `{}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHealthAndMetrics(t *testing.T) {
	r := setupRouter(context.Background(), &fakeScheduler{})

	w := do(r, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"status":"healthy"`)

	w = do(r, http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusOK, w.Code)
}
