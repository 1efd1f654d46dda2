package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/danmuck/kernelctl/internal/auth"
	"github.com/danmuck/kernelctl/internal/orchestrator"
	"github.com/danmuck/kernelctl/internal/report"
	"github.com/danmuck/kernelctl/internal/testutil/testlog"
	"github.com/stretchr/testify/require"
)

func do(t *testing.T, s *Server, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	return doAuth(t, s, method, path, body, "")
}

func doAuth(t *testing.T, s *Server, method, path, body, authorization string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body == "" {
		reader = bytes.NewReader(nil)
	} else {
		reader = bytes.NewReader([]byte(body))
	}
	req := httptest.NewRequest(method, path, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if authorization != "" {
		req.Header.Set("Authorization", authorization)
	}
	rr := httptest.NewRecorder()
	s.HTTPRouter().ServeHTTP(rr, req)
	return rr
}

// gatedRun blocks until release is closed, then reports every selector as
// a kernel with one ok feature.
func gatedRun(release <-chan struct{}, fail error) RunFunc {
	return func(ctx context.Context, selectors []string, hook func(orchestrator.Unit)) (*report.Report, error) {
		<-release
		acc := report.NewAccumulator(selectors, time.Now())
		for _, k := range selectors {
			acc.Record(k, "basic/ping", report.OK, "")
			hook(orchestrator.Unit{Kernel: k, Feature: "basic/ping"})
		}
		return acc.Report(time.Now()), fail
	}
}

func waitState(t *testing.T, s *Server, id, state string) Run {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		run, ok := s.Get(id)
		require.True(t, ok)
		if run.State == state {
			return run
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("run %s never reached %s", id, state)
	return Run{}
}

func TestHealthAndMetrics(t *testing.T) {
	testlog.Start(t)
	s := New(context.Background(), ":0", nil, gatedRun(nil, nil))

	rr := do(t, s, http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, rr.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	require.Equal(t, "ok", body["status"])
	require.Equal(t, "kernelctl", body["service"])

	rr = do(t, s, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rr.Code)
	require.Contains(t, rr.Body.String(), "kernelctl_http_requests_total")
}

func TestRunLifecycle(t *testing.T) {
	testlog.Start(t)
	release := make(chan struct{})
	s := New(context.Background(), ":0", nil, gatedRun(release, nil))

	rr := do(t, s, http.MethodGet, "/report", "")
	require.Equal(t, http.StatusNotFound, rr.Code)

	rr = do(t, s, http.MethodPost, "/runs", `{"kernels": ["foo-a", "foo-b"]}`)
	require.Equal(t, http.StatusAccepted, rr.Code, rr.Body.String())
	var accepted struct {
		ID    string `json:"id"`
		State string `json:"state"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &accepted))
	require.NotEmpty(t, accepted.ID)
	require.Equal(t, StateRunning, accepted.State)

	rr = do(t, s, http.MethodPost, "/runs", "")
	require.Equal(t, http.StatusConflict, rr.Code)
	require.Contains(t, rr.Body.String(), accepted.ID)

	close(release)
	run := waitState(t, s, accepted.ID, StateDone)
	require.Equal(t, 2, run.Completed)
	s.Wait()

	rr = do(t, s, http.MethodGet, "/runs/"+accepted.ID, "")
	require.Equal(t, http.StatusOK, rr.Code)
	require.Contains(t, rr.Body.String(), `"foo-b"`)

	rr = do(t, s, http.MethodGet, "/report", "")
	require.Equal(t, http.StatusOK, rr.Code)
	var rep report.Report
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &rep))
	o, ok := rep.Outcome("foo-a", "basic/ping")
	require.True(t, ok)
	require.Equal(t, report.OK, o)

	rr = do(t, s, http.MethodGet, "/runs", "")
	require.Equal(t, http.StatusOK, rr.Code)
	require.False(t, strings.Contains(rr.Body.String(), `"report"`), "run list should omit reports")
}

func TestFailedRunKeepsPreviousReport(t *testing.T) {
	testlog.Start(t)
	release := make(chan struct{})
	close(release)
	s := New(context.Background(), ":0", nil, gatedRun(release, errors.New("orchestrator: run interrupted")))
	previous := report.New(time.Now())
	s.SetLatest(previous)

	run, err := s.Start([]string{"k"})
	require.NoError(t, err)
	done := waitState(t, s, run.ID, StateFailed)
	require.Contains(t, done.Error, "interrupted")
	require.NotNil(t, done.Report)
	s.Wait()
	require.Same(t, previous, s.Latest())
}

func TestRunNotFoundAndBadBody(t *testing.T) {
	testlog.Start(t)
	s := New(context.Background(), ":0", nil, gatedRun(nil, nil))
	require.Equal(t, http.StatusNotFound, do(t, s, http.MethodGet, "/runs/nope", "").Code)
	require.Equal(t, http.StatusBadRequest, do(t, s, http.MethodPost, "/runs", `{"kernels": 7}`).Code)
}

func TestRunCreationRequiresToken(t *testing.T) {
	testlog.Start(t)
	release := make(chan struct{})
	close(release)
	s := New(context.Background(), ":0", nil, gatedRun(release, nil))
	s.RequireToken(auth.StaticToken{Token: "s3cret"})

	require.Equal(t, http.StatusUnauthorized, do(t, s, http.MethodPost, "/runs", "").Code)
	require.Equal(t, http.StatusUnauthorized, doAuth(t, s, http.MethodPost, "/runs", "", "Bearer nope").Code)
	require.Equal(t, http.StatusOK, do(t, s, http.MethodGet, "/runs", "").Code)

	rr := doAuth(t, s, http.MethodPost, "/runs", "", "Bearer s3cret")
	require.Equal(t, http.StatusAccepted, rr.Code, rr.Body.String())
	s.Wait()
}
