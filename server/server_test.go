package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/phayes/freeport"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/jobdeck/jobdeck/appstore"
	"github.com/jobdeck/jobdeck/model"
	"github.com/jobdeck/jobdeck/pkg/meta/mock"
	"github.com/jobdeck/jobdeck/registry"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type testServer struct {
	server   *Server
	registry *registry.Registry
	apps     *appstore.Store
	clock    *clock.Mock
	appID    model.ApplicationID
}

func newTestServer(t *testing.T, cfg *Config) *testServer {
	t.Helper()

	kv := mock.NewKV()
	clk := clock.NewMock()
	apps := appstore.NewStore(kv, clk)

	app := &model.Application{
		ID:     "app-batch",
		Tenant: "tenant-1",
		Name:   "batch",
		Template: model.TemplateSource{
			Entrypoint: "job.sh.tmpl",
			Files: map[string]string{
				"job.sh.tmpl": "#!/bin/bash\n#SBATCH --nodes={{.nodes}}\nsrun ./payload\n",
			},
		},
		Schema: []model.ParamSpec{{Name: "nodes", Type: model.ParamInt, Required: true}},
	}
	_, err := apps.Put(context.Background(), app)
	require.NoError(t, err)

	reg := registry.New(kv, apps, cfg.RegistryConfig(), registry.WithClock(clk))
	t.Cleanup(reg.Close)

	return &testServer{
		server:   New(cfg, reg, apps),
		registry: reg,
		apps:     apps,
		clock:    clk,
		appID:    app.ID,
	}
}

func (ts *testServer) do(t *testing.T, method, path, token string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	recorder := httptest.NewRecorder()
	ts.server.Handler().ServeHTTP(recorder, req)
	return recorder
}

func decodeBody(t *testing.T, recorder *httptest.ResponseRecorder, target interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(recorder.Body.Bytes(), target))
}

func TestSubmitPollReportOverHTTP(t *testing.T) {
	ts := newTestServer(t, DefaultConfig())

	resp := ts.do(t, http.MethodPost, "/api/v1/submissions", "", createSubmissionRequest{
		AppID:  ts.appID,
		Site:   "site-1",
		Tenant: "tenant-1",
		Params: map[string]interface{}{"nodes": 4},
	})
	require.Equal(t, http.StatusCreated, resp.Code)
	var sub model.Submission
	decodeBody(t, resp, &sub)
	require.Equal(t, model.StatePending, sub.State())
	require.Contains(t, sub.Script, "--nodes=4")

	resp = ts.do(t, http.MethodPost, "/api/v1/sites/site-1/poll", "", pollRequest{AgentID: "agent-1", Capacity: 4})
	require.Equal(t, http.StatusOK, resp.Code)
	var polled pollResponse
	decodeBody(t, resp, &polled)
	require.Len(t, polled.Offers, 1)
	offer := polled.Offers[0]
	require.Equal(t, sub.ID, offer.SubmissionID)

	reportPath := "/api/v1/submissions/" + sub.ID + "/report"
	resp = ts.do(t, http.MethodPost, reportPath, "", reportRequest{
		AgentID: "agent-1",
		Epoch:   offer.Epoch,
		Report:  registry.Report{Phase: registry.PhaseRunning, RemoteID: "slurm-17"},
	})
	require.Equal(t, http.StatusOK, resp.Code)

	resp = ts.do(t, http.MethodPost, reportPath, "", reportRequest{
		AgentID: "agent-1",
		Epoch:   offer.Epoch,
		Report:  registry.Report{Phase: registry.PhaseCompleted, ExitCode: 0},
	})
	require.Equal(t, http.StatusOK, resp.Code)

	resp = ts.do(t, http.MethodGet, "/api/v1/submissions/"+sub.ID, "", nil)
	require.Equal(t, http.StatusOK, resp.Code)
	var final model.Submission
	decodeBody(t, resp, &final)
	require.Equal(t, model.StateCompleted, final.State())
	require.Equal(t, "slurm-17", final.RemoteID)
}

func TestDuplicateTerminalReportIsOK(t *testing.T) {
	ts := newTestServer(t, DefaultConfig())
	sub := ts.createAndClaim(t)

	report := reportRequest{
		AgentID: "agent-1",
		Epoch:   1,
		Report:  registry.Report{Phase: registry.PhaseCompleted},
	}
	reportPath := "/api/v1/submissions/" + sub.ID + "/report"
	resp := ts.do(t, http.MethodPost, reportPath, "", report)
	require.Equal(t, http.StatusOK, resp.Code)

	// retried delivery of the same terminal report must stay a success.
	resp = ts.do(t, http.MethodPost, reportPath, "", report)
	require.Equal(t, http.StatusOK, resp.Code)
	var body map[string]string
	decodeBody(t, resp, &body)
	require.Equal(t, "already-terminal", body["status"])
}

func (ts *testServer) createAndClaim(t *testing.T) *model.Submission {
	t.Helper()
	sub, err := ts.registry.Create(context.Background(), registry.CreateRequest{
		AppID:  ts.appID,
		Site:   "site-1",
		Tenant: "tenant-1",
		Params: map[string]interface{}{"nodes": 2},
	})
	require.NoError(t, err)
	offers, err := ts.registry.Poll(context.Background(), "site-1", "agent-1", 1)
	require.NoError(t, err)
	require.Len(t, offers, 1)
	return sub
}

func TestHeartbeatWrongEpochConflicts(t *testing.T) {
	ts := newTestServer(t, DefaultConfig())
	sub := ts.createAndClaim(t)

	resp := ts.do(t, http.MethodPost, "/api/v1/submissions/"+sub.ID+"/heartbeat", "",
		heartbeatRequest{AgentID: "agent-1", Epoch: 99})
	require.Equal(t, http.StatusConflict, resp.Code)

	resp = ts.do(t, http.MethodPost, "/api/v1/submissions/"+sub.ID+"/heartbeat", "",
		heartbeatRequest{AgentID: "agent-1", Epoch: 1})
	require.Equal(t, http.StatusOK, resp.Code)
	var result registry.HeartbeatResult
	decodeBody(t, resp, &result)
	require.False(t, result.CancelRequested)
}

func TestCreateSubmissionValidation(t *testing.T) {
	ts := newTestServer(t, DefaultConfig())

	resp := ts.do(t, http.MethodPost, "/api/v1/submissions", "", createSubmissionRequest{Site: "site-1"})
	require.Equal(t, http.StatusBadRequest, resp.Code)

	resp = ts.do(t, http.MethodPost, "/api/v1/submissions", "", createSubmissionRequest{
		AppID:  ts.appID,
		Site:   "site-1",
		Params: map[string]interface{}{"nodes": "not-a-number"},
	})
	require.Equal(t, http.StatusBadRequest, resp.Code)

	resp = ts.do(t, http.MethodPost, "/api/v1/submissions", "", createSubmissionRequest{
		AppID:  "app-missing",
		Site:   "site-1",
		Params: map[string]interface{}{"nodes": 1},
	})
	require.Equal(t, http.StatusNotFound, resp.Code)

	resp = ts.do(t, http.MethodGet, "/api/v1/submissions/sub-missing", "", nil)
	require.Equal(t, http.StatusNotFound, resp.Code)
}

func TestCancelEndpoint(t *testing.T) {
	ts := newTestServer(t, DefaultConfig())
	resp := ts.do(t, http.MethodPost, "/api/v1/submissions", "", createSubmissionRequest{
		AppID:  ts.appID,
		Site:   "site-1",
		Params: map[string]interface{}{"nodes": 1},
	})
	require.Equal(t, http.StatusCreated, resp.Code)
	var sub model.Submission
	decodeBody(t, resp, &sub)

	resp = ts.do(t, http.MethodPost, "/api/v1/submissions/"+sub.ID+"/cancel", "", nil)
	require.Equal(t, http.StatusOK, resp.Code)
	var cancelled cancelResponse
	decodeBody(t, resp, &cancelled)
	require.True(t, cancelled.Immediate)

	// a second cancel on a terminal submission is a no-op success.
	resp = ts.do(t, http.MethodPost, "/api/v1/submissions/"+sub.ID+"/cancel", "", nil)
	require.Equal(t, http.StatusOK, resp.Code)
}

func TestApplicationEndpoints(t *testing.T) {
	ts := newTestServer(t, DefaultConfig())

	resp := ts.do(t, http.MethodPost, "/api/v1/applications", "", createApplicationRequest{
		Name:   "preprocess",
		Tenant: "tenant-2",
		Template: model.TemplateSource{
			Entrypoint: "run.sh.tmpl",
			Files:      map[string]string{"run.sh.tmpl": "echo {{.msg}}\n"},
		},
		Schema: []model.ParamSpec{{Name: "msg", Type: model.ParamString, Required: true}},
	})
	require.Equal(t, http.StatusCreated, resp.Code)
	var created createApplicationResponse
	decodeBody(t, resp, &created)
	require.NotEmpty(t, created.ID)
	require.Equal(t, int64(1), created.Version)

	resp = ts.do(t, http.MethodGet, "/api/v1/applications/"+created.ID, "", nil)
	require.Equal(t, http.StatusOK, resp.Code)
	var app model.Application
	decodeBody(t, resp, &app)
	require.Equal(t, "preprocess", app.Name)

	resp = ts.do(t, http.MethodGet, "/api/v1/applications/"+created.ID+"?version=1", "", nil)
	require.Equal(t, http.StatusOK, resp.Code)

	resp = ts.do(t, http.MethodGet, "/api/v1/applications/"+created.ID+"?version=2", "", nil)
	require.Equal(t, http.StatusNotFound, resp.Code)

	resp = ts.do(t, http.MethodGet, "/api/v1/applications/"+created.ID+"?version=abc", "", nil)
	require.Equal(t, http.StatusBadRequest, resp.Code)

	resp = ts.do(t, http.MethodGet, "/api/v1/applications", "", nil)
	require.Equal(t, http.StatusOK, resp.Code)
	var listed applicationPage
	decodeBody(t, resp, &listed)
	require.Len(t, listed.Results, 2)
	require.Equal(t, 2, listed.Total)
}

func TestCreateApplicationRejectsBrokenTemplate(t *testing.T) {
	ts := newTestServer(t, DefaultConfig())

	resp := ts.do(t, http.MethodPost, "/api/v1/applications", "", createApplicationRequest{
		Name: "broken",
		Template: model.TemplateSource{
			Entrypoint: "run.sh.tmpl",
			Files:      map[string]string{"run.sh.tmpl": "#SBATCH --nodes={{.nodes"},
		},
	})
	require.Equal(t, http.StatusBadRequest, resp.Code)
	var body errorResponse
	decodeBody(t, resp, &body)
	require.Contains(t, body.Error, "run.sh.tmpl")

	// the rejected upload must not appear in the store.
	resp = ts.do(t, http.MethodGet, "/api/v1/applications", "", nil)
	require.Equal(t, http.StatusOK, resp.Code)
	var listed applicationPage
	decodeBody(t, resp, &listed)
	require.Equal(t, 1, listed.Total) // only the seeded application
}

func TestListApplicationsPagination(t *testing.T) {
	ts := newTestServer(t, DefaultConfig())

	for i := 0; i < 3; i++ {
		resp := ts.do(t, http.MethodPost, "/api/v1/applications", "", createApplicationRequest{
			Name: fmt.Sprintf("app-%d", i),
			Template: model.TemplateSource{
				Entrypoint: "run.sh.tmpl",
				Files:      map[string]string{"run.sh.tmpl": "echo hi\n"},
			},
		})
		require.Equal(t, http.StatusCreated, resp.Code)
	}

	// 4 applications total including the seeded one; walk them two per page.
	var page applicationPage
	resp := ts.do(t, http.MethodGet, "/api/v1/applications?page=0&per-page=2", "", nil)
	require.Equal(t, http.StatusOK, resp.Code)
	decodeBody(t, resp, &page)
	require.Len(t, page.Results, 2)
	require.Equal(t, 4, page.Total)
	firstPage := []string{page.Results[0].ID, page.Results[1].ID}

	resp = ts.do(t, http.MethodGet, "/api/v1/applications?page=1&per-page=2", "", nil)
	require.Equal(t, http.StatusOK, resp.Code)
	decodeBody(t, resp, &page)
	require.Len(t, page.Results, 2)
	require.NotContains(t, firstPage, page.Results[0].ID)
	require.NotContains(t, firstPage, page.Results[1].ID)

	// past the end is an empty page, not an error.
	resp = ts.do(t, http.MethodGet, "/api/v1/applications?page=9&per-page=2", "", nil)
	require.Equal(t, http.StatusOK, resp.Code)
	decodeBody(t, resp, &page)
	require.Empty(t, page.Results)
	require.Equal(t, 4, page.Total)

	resp = ts.do(t, http.MethodGet, "/api/v1/applications?page=-1", "", nil)
	require.Equal(t, http.StatusBadRequest, resp.Code)
	resp = ts.do(t, http.MethodGet, "/api/v1/applications?per-page=0", "", nil)
	require.Equal(t, http.StatusBadRequest, resp.Code)
	resp = ts.do(t, http.MethodGet, "/api/v1/applications?per-page=nope", "", nil)
	require.Equal(t, http.StatusBadRequest, resp.Code)
}

func TestHistoryEndpoint(t *testing.T) {
	ts := newTestServer(t, DefaultConfig())
	sub := ts.createAndClaim(t)

	resp := ts.do(t, http.MethodGet, "/api/v1/submissions/"+sub.ID+"/history", "", nil)
	require.Equal(t, http.StatusOK, resp.Code)
	var history []model.StateChange
	decodeBody(t, resp, &history)
	require.Len(t, history, 3)
	require.Equal(t, model.StateCreated, history[0].State)
	require.Equal(t, model.StatePending, history[1].State)
	require.Equal(t, model.StateClaimed, history[2].State)
}

func TestBearerTokenRequired(t *testing.T) {
	cfg := DefaultConfig()
	cfg.AgentToken = "secret-token"
	ts := newTestServer(t, cfg)

	poll := pollRequest{AgentID: "agent-1", Capacity: 1}
	resp := ts.do(t, http.MethodPost, "/api/v1/sites/site-1/poll", "", poll)
	require.Equal(t, http.StatusUnauthorized, resp.Code)

	resp = ts.do(t, http.MethodPost, "/api/v1/sites/site-1/poll", "wrong-token", poll)
	require.Equal(t, http.StatusUnauthorized, resp.Code)

	resp = ts.do(t, http.MethodPost, "/api/v1/sites/site-1/poll", "secret-token", poll)
	require.Equal(t, http.StatusOK, resp.Code)

	// health and metrics stay open for probes and scrapers.
	resp = ts.do(t, http.MethodGet, "/healthz", "", nil)
	require.Equal(t, http.StatusOK, resp.Code)
	resp = ts.do(t, http.MethodGet, "/metrics", "", nil)
	require.Equal(t, http.StatusOK, resp.Code)
}

func TestRunServesAndShutsDown(t *testing.T) {
	port, err := freeport.GetFreePort()
	require.NoError(t, err)

	cfg := DefaultConfig()
	cfg.Addr = fmt.Sprintf("127.0.0.1:%d", port)
	ts := newTestServer(t, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() {
		done <- ts.server.Run(ctx)
	}()

	transport := &http.Transport{}
	defer transport.CloseIdleConnections()
	client := &http.Client{Transport: transport, Timeout: time.Second}

	url := "http://" + cfg.Addr + "/healthz"
	require.Eventually(t, func() bool {
		resp, err := client.Get(url)
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 5*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shut down")
	}
}
