package handlers

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/minionflow/dispatch"
	"github.com/BaSui01/minionflow/testutil"
)

func getWith(t *testing.T, handler http.HandlerFunc, target, token string, path map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	r := httptest.NewRequest(http.MethodGet, target, nil)
	for k, v := range path {
		r.SetPathValue(k, v)
	}
	if token != "" {
		r.Header.Set(TokenHeader, token)
	}
	w := httptest.NewRecorder()
	handler(w, r)
	return w
}

func successData(t *testing.T, w *httptest.ResponseRecorder) any {
	t.Helper()
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var resp Response
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	require.True(t, resp.Success)
	return resp.Data
}

// =============================================================================
// 🧪 JobsHandler 测试
// =============================================================================

func TestJobsHandler_ListAndLookup(t *testing.T) {
	m := testutil.NewMaster(t, []string{"m1", "m2"})
	h := NewJobsHandler(m.Engine, zap.NewNop())

	reply := m.Submit(t, "alice", map[string]any{
		"client": "local",
		"fun":    "test.echo",
		"arg":    []any{"hi"},
	})
	require.Equal(t, dispatch.StatusCompleted, reply.Status)

	list, ok := successData(t, getWith(t, h.HandleListJobs, "/jobs?function=test.*&user=alice", m.Tokens["alice"], nil)).(map[string]any)
	require.True(t, ok)
	require.Contains(t, list, reply.JID)
	summary := list[reply.JID].(map[string]any)
	assert.Equal(t, "test.echo", summary["Function"])
	assert.Equal(t, "alice", summary["User"])

	job := successData(t, getWith(t, h.HandleGetJob, "/jobs/"+reply.JID, m.Tokens["alice"], map[string]string{"jid": reply.JID})).(map[string]any)
	assert.Equal(t, reply.JID, job["jid"])
	assert.Equal(t, map[string]any{"m1": "hi", "m2": "hi"}, job["return"])
}

func TestJobsHandler_Errors(t *testing.T) {
	m := testutil.NewMaster(t, []string{"m1"})
	h := NewJobsHandler(m.Engine, zap.NewNop())

	// bob 没有 runner 权限
	w := getWith(t, h.HandleListJobs, "/jobs", m.Tokens["bob"], nil)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = getWith(t, h.HandleListJobs, "/jobs", "", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = getWith(t, h.HandleListJobs, "/jobs?limit=-3", m.Tokens["alice"], nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = getWith(t, h.HandleListJobs, "/jobs?start_time=yesterday", m.Tokens["alice"], nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, decodeError(t, w).Message, "cannot parse time")
}

func TestJobsHandler_Minions(t *testing.T) {
	m := testutil.NewMaster(t, []string{"m1", "m2"})
	h := NewJobsHandler(m.Engine, zap.NewNop())

	up := successData(t, getWith(t, h.HandleListMinions, "/minions", m.Tokens["alice"], nil))
	assert.ElementsMatch(t, []any{"m1", "m2"}, up)

	ping := successData(t, getWith(t, h.HandlePingMinion, "/minions/m2", m.Tokens["bob"], map[string]string{"id": "m2"})).(map[string]any)
	assert.Equal(t, "completed", ping["status"])
	assert.Equal(t, map[string]any{"m2": true}, ping["return"])

	w := getWith(t, h.HandlePingMinion, "/minions/m9", m.Tokens["alice"], map[string]string{"id": "m9"})
	assert.Equal(t, http.StatusNotFound, w.Code)
}
