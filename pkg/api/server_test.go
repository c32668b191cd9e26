package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opsloop/operator/pkg/eval"
	"github.com/opsloop/operator/pkg/llm"
	"github.com/opsloop/operator/pkg/models"
	"github.com/opsloop/operator/pkg/store"
)

type viewerFixture struct {
	store     *store.Store
	srv       *Server
	ticketID  int64
	sessionID string
}

func newViewerFixture(t *testing.T) *viewerFixture {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "viewer.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	ctx := context.Background()
	ticketID, _, err := st.OpenTicket(ctx, "stores_up", "tikv", "tikv0:20160",
		models.SeverityCritical, map[string]any{"state": "Down"})
	require.NoError(t, err)

	sessionID, err := st.StartSession(ctx, ticketID)
	require.NoError(t, err)
	_, err = st.AppendLog(ctx, sessionID, models.AgentLogEntry{
		EntryType: models.EntryReasoning,
		Content:   "inspecting the store",
	})
	require.NoError(t, err)

	healthy := func(state map[string]any) bool { return true }
	analyzer := eval.NewAnalyzer(st, llm.RuleClassifier{}, healthy)
	return &viewerFixture{
		store:     st,
		srv:       NewServer(st, analyzer),
		ticketID:  ticketID,
		sessionID: sessionID,
	}
}

func (f *viewerFixture) get(t *testing.T, path string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	f.srv.Handler().ServeHTTP(rec, req)

	var body map[string]any
	if rec.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	}
	return rec, body
}

func TestHealthz(t *testing.T) {
	f := newViewerFixture(t)
	rec, body := f.get(t, "/healthz")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", body["status"])
}

func TestGetTicket(t *testing.T) {
	f := newViewerFixture(t)
	rec, body := f.get(t, "/api/tickets/1")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "stores_up", body["invariant_name"])
	assert.Equal(t, "tikv0:20160", body["violation_key"])
}

func TestListTicketsFilter(t *testing.T) {
	f := newViewerFixture(t)

	rec, body := f.get(t, "/api/tickets?status=open")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, body["tickets"], 1)

	rec, body = f.get(t, "/api/tickets?status=resolved")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, body["tickets"])

	rec, _ = f.get(t, "/api/tickets?status=bogus")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetTicketNotFound(t *testing.T) {
	f := newViewerFixture(t)
	rec, _ := f.get(t, "/api/tickets/9999")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec, _ = f.get(t, "/api/tickets/banana")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetSessionReplay(t *testing.T) {
	f := newViewerFixture(t)
	rec, body := f.get(t, "/api/sessions/"+f.sessionID)
	assert.Equal(t, http.StatusOK, rec.Code)

	session, ok := body["session"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, f.sessionID, session["session_id"])

	entries, ok := body["entries"].([]any)
	require.True(t, ok)
	require.Len(t, entries, 1)
}

func TestCampaignEndpoints(t *testing.T) {
	f := newViewerFixture(t)
	ctx := context.Background()

	campaignID, err := f.store.CreateCampaign(ctx, &models.Campaign{
		Name: "node-kill-v1", SubjectName: "tikv", ChaosType: "node_kill",
	})
	require.NoError(t, err)
	_, err = f.store.RecordTrial(ctx, &models.Trial{
		CampaignID:      campaignID,
		StartedAt:       time.Now().Add(-time.Minute),
		ChaosInjectedAt: time.Now().Add(-50 * time.Second),
		EndedAt:         time.Now(),
		Outcome:         models.TrialTimeout,
	})
	require.NoError(t, err)

	rec, body := f.get(t, "/api/campaigns")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, body["campaigns"], 1)

	rec, body = f.get(t, "/api/campaigns/1")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, body["trials"], 1)

	rec, body = f.get(t, "/api/campaigns/1/analysis")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(1), body["trials"])
	assert.Equal(t, float64(0), body["win_rate"])
}

func TestAnalysisUnconfigured(t *testing.T) {
	f := newViewerFixture(t)
	f.srv = NewServer(f.store, nil)
	rec, _ := f.get(t, "/api/campaigns/1/analysis")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}
