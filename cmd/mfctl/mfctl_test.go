package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testToken = "tok-123"

// fakeMaster serves canned API envelopes and records the requests it saw.
type fakeMaster struct {
	t   *testing.T
	mux *http.ServeMux
	srv *httptest.Server

	mu       sync.Mutex
	requests []recorded
}

type recorded struct {
	method string
	path   string
	query  string
	token  string
	body   any
}

func newFakeMaster(t *testing.T) *fakeMaster {
	t.Helper()
	m := &fakeMaster{t: t, mux: http.NewServeMux()}
	m.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := recorded{method: r.Method, path: r.URL.Path, query: r.URL.RawQuery, token: r.Header.Get("X-Auth-Token")}
		if data, _ := io.ReadAll(r.Body); len(data) > 0 {
			_ = json.Unmarshal(data, &rec.body)
		}
		m.mu.Lock()
		m.requests = append(m.requests, rec)
		m.mu.Unlock()
		m.mux.ServeHTTP(w, r)
	}))
	t.Cleanup(m.srv.Close)
	return m
}

func (m *fakeMaster) ok(pattern string, data string) {
	m.mux.HandleFunc(pattern, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"success":true,"data":%s,"timestamp":"2026-10-19T12:00:00Z"}`, data)
	})
}

func (m *fakeMaster) fail(pattern string, status int, code, message string, retryable bool) {
	m.mux.HandleFunc(pattern, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		fmt.Fprintf(w, `{"success":false,"error":{"code":%q,"message":%q,"retryable":%t},"timestamp":"2026-10-19T12:00:00Z"}`,
			code, message, retryable)
	})
}

func (m *fakeMaster) last() recorded {
	m.mu.Lock()
	defer m.mu.Unlock()
	require.NotEmpty(m.t, m.requests)
	return m.requests[len(m.requests)-1]
}

// mfctl runs the CLI against the fake master with the test token.
func (m *fakeMaster) mfctl(args ...string) (code int, stdout, stderr string) {
	var out, errOut bytes.Buffer
	full := append([]string{"--url", m.srv.URL, "--token", testToken}, args...)
	code = run(full, &out, &errOut)
	return code, out.String(), errOut.String()
}

func golden(t *testing.T) *goldie.Goldie {
	return goldie.New(t,
		goldie.WithFixtureDir("testdata"),
		goldie.WithNameSuffix(".golden"),
	)
}

func TestRun_Text(t *testing.T) {
	m := newFakeMaster(t)
	m.ok("POST /{$}", `{"return":[{"jid":"20261019120000000001","status":"completed",
		"return":{"web2":true,"web1":true,"db1":{"uptime":"up 3 days"}},
		"minions":["db1","web1","web2"],"missing":["db9"]}]}`)

	code, out, errOut := m.mfctl("run", "-t", "list", "web1,web2,db1,db9", "cmd.run", "uptime", "cwd=/tmp")

	assert.Equal(t, ExitFailure, code)
	golden(t).Assert(t, "run", []byte(out))
	assert.Contains(t, errOut, "with 1 minion(s) not responding")

	req := m.last()
	assert.Equal(t, testToken, req.token)
	assert.Equal(t, []any{map[string]any{
		"client":   "local",
		"tgt":      "web1,web2,db1,db9",
		"tgt_type": "list",
		"fun":      "cmd.run",
		"arg":      []any{"uptime", "cwd=/tmp"},
	}}, req.body)
}

func TestRun_AsyncAndBatch(t *testing.T) {
	m := newFakeMaster(t)
	m.ok("POST /{$}", `{"return":[{"jid":"20261019120000000002","status":"published","minions":["web1","web2"]}]}`)

	code, out, _ := m.mfctl("run", "--async", "web*", "test.ping")
	require.Equal(t, ExitSuccess, code)
	assert.Equal(t, "jid: 20261019120000000002 (published)\nminions: web1, web2\n", out)
	low := m.last().body.([]any)[0].(map[string]any)
	assert.Equal(t, "local_async", low["client"])

	code, _, _ = m.mfctl("run", "--batch", "25%", "--batch-wait", "2", "--job-timeout", "30", "*", "test.ping")
	require.Equal(t, ExitSuccess, code)
	low = m.last().body.([]any)[0].(map[string]any)
	assert.Equal(t, "local_batch", low["client"])
	assert.Equal(t, "25%", low["batch"])
	assert.EqualValues(t, 2, low["batch_wait"])
	assert.EqualValues(t, 30, low["timeout"])

	code, _, errOut := m.mfctl("run", "--async", "--batch", "2", "*", "test.ping")
	assert.Equal(t, ExitCommandError, code)
	assert.Contains(t, errOut, "mutually exclusive")
}

func TestRunner_JSON(t *testing.T) {
	m := newFakeMaster(t)
	m.ok("POST /{$}", `{"return":[{"jid":"20261019120000000003","status":"completed","return":{"up":["web1"],"down":[]}}]}`)

	code, out, _ := m.mfctl("--format", "json", "runner", "manage.status", "tgt=web*")
	require.Equal(t, ExitSuccess, code)

	var resp struct {
		Status string `json:"status"`
		Data   []struct {
			JID    string         `json:"jid"`
			Return map[string]any `json:"return"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, "ok", resp.Status)
	require.Len(t, resp.Data, 1)
	assert.Equal(t, []any{"web1"}, resp.Data[0].Return["up"])

	low := m.last().body.([]any)[0].(map[string]any)
	assert.Equal(t, "runner", low["client"])
	assert.Equal(t, []any{"tgt=web*"}, low["arg"])
	assert.NotContains(t, low, "tgt")
}

func TestRun_TimedOutJSONWritesOneDocument(t *testing.T) {
	m := newFakeMaster(t)
	m.ok("POST /{$}", `{"return":[{"jid":"20261019120000000004","status":"timed_out","return":{}}]}`)

	code, out, _ := m.mfctl("--format", "json", "runner", "test.sleep", "5")
	assert.Equal(t, ExitFailure, code)

	dec := json.NewDecoder(strings.NewReader(out))
	var first map[string]any
	require.NoError(t, dec.Decode(&first))
	assert.Equal(t, "ok", first["status"])
	assert.False(t, dec.More())
}

func TestLogin(t *testing.T) {
	m := newFakeMaster(t)
	m.ok("POST /login", `{"token":"abc123","start":1792411200,"expire":1792447200,
		"user":"alice","eauth":"auto","perms":[],"groups":["ops"]}`)

	var out, errOut bytes.Buffer
	code := run([]string{"--url", m.srv.URL, "login", "-u", "alice", "-p", "hunter2", "--expire", "3600"}, &out, &errOut)
	require.Equal(t, ExitSuccess, code, errOut.String())
	golden(t).Assert(t, "login", out.Bytes())

	req := m.last()
	assert.Empty(t, req.token)
	assert.Equal(t, map[string]any{
		"eauth": "auto", "username": "alice", "password": "hunter2", "token_expire": float64(3600),
	}, req.body)
}

func TestLogin_PasswordFromEnv(t *testing.T) {
	m := newFakeMaster(t)
	m.ok("POST /login", `{"token":"abc123","start":0,"expire":0,"user":"alice","eauth":"auto","perms":[]}`)
	t.Setenv("MFCTL_PASSWORD", "from-env")

	var out bytes.Buffer
	code := run([]string{"--url", m.srv.URL, "login", "-u", "alice"}, &out, io.Discard)
	require.Equal(t, ExitSuccess, code)
	assert.Equal(t, "from-env", m.last().body.(map[string]any)["password"])
}

func TestLogout(t *testing.T) {
	m := newFakeMaster(t)
	m.ok("POST /logout", `{"revoked":true}`)

	code, out, _ := m.mfctl("logout")
	require.Equal(t, ExitSuccess, code)
	assert.Equal(t, "token revoked\n", out)
	assert.Equal(t, testToken, m.last().token)
}

func TestJobsList(t *testing.T) {
	m := newFakeMaster(t)
	m.ok("GET /jobs", `{
		"20261019120500000002":{"Function":"cmd.run","Arguments":["uptime"],"Target":["web1","db1"],
			"Target-type":"list","User":"bob","StartTime":"2026-10-19T12:05:00Z","Minions":["web1","db1"]},
		"20261019120000000001":{"Function":"test.ping","Arguments":[],"Target":"web*",
			"Target-type":"glob","User":"alice","StartTime":"2026-10-19T12:00:00Z","Minions":["web1","web2"]}}`)

	code, out, _ := m.mfctl("jobs", "list", "--function", "test.*", "--user", "alice", "--limit", "5")
	require.Equal(t, ExitSuccess, code)
	golden(t).Assert(t, "jobs_list", []byte(out))
	assert.Equal(t, "function=test.%2A&limit=5&user=alice", m.last().query)
}

func TestJobsGet(t *testing.T) {
	m := newFakeMaster(t)
	m.ok("GET /jobs/{jid}", `{"jid":"20261019120000000001","return":{"web2":true,"web1":{"pid":4242,"retcode":0}}}`)

	code, out, _ := m.mfctl("jobs", "get", "20261019120000000001")
	require.Equal(t, ExitSuccess, code)
	golden(t).Assert(t, "jobs_get", []byte(out))
	assert.Equal(t, "/jobs/20261019120000000001", m.last().path)
}

func TestJobsGet_Unknown(t *testing.T) {
	m := newFakeMaster(t)
	m.ok("GET /jobs/{jid}", `{"jid":"nope","return":{}}`)

	code, out, _ := m.mfctl("jobs", "get", "nope")
	require.Equal(t, ExitSuccess, code)
	assert.Equal(t, "jid: nope\nno returns recorded\n", out)
}

func TestMinions(t *testing.T) {
	m := newFakeMaster(t)
	m.ok("GET /minions", `["web2","db1","web1"]`)
	m.ok("GET /minions/{id}", `{"jid":"20261019120000000005","status":"completed","return":{},"missing":["web3"]}`)

	code, out, _ := m.mfctl("minions", "list", "--tgt", "web*")
	require.Equal(t, ExitSuccess, code)
	golden(t).Assert(t, "minions", []byte(out))
	assert.Equal(t, "tgt=web%2A", m.last().query)

	code, _, errOut := m.mfctl("minions", "ping", "web3")
	assert.Equal(t, ExitFailure, code)
	assert.Contains(t, errOut, "minion web3 did not respond")
}

func TestEvents(t *testing.T) {
	m := newFakeMaster(t)
	m.mux.HandleFunc("GET /events", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		io.WriteString(w, "retry: 400\n\n")
		io.WriteString(w, ": keepalive\n\n")
		io.WriteString(w, "tag: job/20261019120000000001/new\ndata: "+
			`{"tag":"job/20261019120000000001/new","data":{"fun":"test.ping","tgt":"web1"},"_stamp":"2026-10-19T12:00:00Z"}`+"\n\n")
		io.WriteString(w, "tag: job/20261019120000000001/ret/web1\ndata: "+
			`{"tag":"job/20261019120000000001/ret/web1","data":{"fun":"test.ping","id":"web1","return":true},"_stamp":"2026-10-19T12:00:01Z"}`+"\n\n")
		io.WriteString(w, "tag: job/20261019120000000001/ret/web2\ndata: "+
			`{"tag":"job/20261019120000000001/ret/web2","data":{},"_stamp":"2026-10-19T12:00:02Z"}`+"\n\n")
	})

	code, out, errOut := m.mfctl("events", "--tag", "job/", "--count", "2")
	require.Equal(t, ExitSuccess, code, errOut)
	golden(t).Assert(t, "events", []byte(out))
	assert.Equal(t, "tag=job%2F", m.last().query)

	code, out, _ = m.mfctl("--format", "json", "events")
	require.Equal(t, ExitSuccess, code)
	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 3)
	var ev map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[1]), &ev))
	assert.Equal(t, "job/20261019120000000001/ret/web1", ev["tag"])
}

func TestErrors(t *testing.T) {
	m := newFakeMaster(t)
	m.fail("POST /{$}", http.StatusForbidden, "PERMISSION_DENIED", "permission denied", false)
	m.fail("GET /jobs", http.StatusServiceUnavailable, "SERVICE_UNAVAILABLE", "ledger unavailable", true)

	t.Run("permission denied", func(t *testing.T) {
		code, out, errOut := m.mfctl("run", "*", "cmd.run", "rm")
		assert.Equal(t, ExitAuthError, code)
		assert.Empty(t, out)
		assert.Equal(t, "Error [PERMISSION_DENIED]: permission denied\n", errOut)
	})

	t.Run("retryable json", func(t *testing.T) {
		code, out, _ := m.mfctl("--format", "json", "jobs", "list")
		assert.Equal(t, ExitFailure, code)
		assert.JSONEq(t, `{"status":"error","error":{"code":"SERVICE_UNAVAILABLE","message":"ledger unavailable","retryable":true}}`, out)
	})

	t.Run("missing token", func(t *testing.T) {
		t.Setenv(envToken, "")
		var out, errOut bytes.Buffer
		code := run([]string{"--url", m.srv.URL, "jobs", "list"}, &out, &errOut)
		assert.Equal(t, ExitAuthError, code)
		assert.Contains(t, errOut.String(), "no token")
	})

	t.Run("bad format", func(t *testing.T) {
		code, _, errOut := m.mfctl("--format", "yaml", "minions", "list")
		assert.Equal(t, ExitCommandError, code)
		assert.Contains(t, errOut, `invalid format "yaml"`)
	})

	t.Run("bad arguments", func(t *testing.T) {
		code, _, _ := m.mfctl("run", "only-target")
		assert.Equal(t, ExitCommandError, code)
	})

	t.Run("bad url", func(t *testing.T) {
		var out, errOut bytes.Buffer
		code := run([]string{"--url", "ftp://master", "--token", "x", "minions", "list"}, &out, &errOut)
		assert.Equal(t, ExitCommandError, code)
		assert.Contains(t, errOut.String(), "scheme must be http or https")
	})
}

func TestTokenFromEnv(t *testing.T) {
	m := newFakeMaster(t)
	m.ok("GET /minions", `[]`)
	t.Setenv(envToken, "env-token")
	t.Setenv(envURL, m.srv.URL)

	var out bytes.Buffer
	code := run([]string{"minions", "list"}, &out, io.Discard)
	require.Equal(t, ExitSuccess, code)
	assert.Equal(t, "env-token", m.last().token)
}

func TestGetExitCode(t *testing.T) {
	assert.Equal(t, ExitSuccess, GetExitCode(nil))
	assert.Equal(t, ExitAuthError, GetExitCode(&APIError{Status: 401, Code: "AUTHENTICATION_FAILED"}))
	assert.Equal(t, ExitFailure, GetExitCode(&APIError{Status: 404, Code: "NOT_FOUND"}))
	assert.Equal(t, ExitCommandError, GetExitCode(io.ErrUnexpectedEOF))
	assert.Equal(t, 7, GetExitCode(fmt.Errorf("wrapped: %w", NewExitError(7, "x"))))
}
