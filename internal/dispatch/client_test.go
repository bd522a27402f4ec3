package dispatch_test

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ErlanBelekov/dist-job-scheduler/internal/dispatch"
	"github.com/ErlanBelekov/dist-job-scheduler/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testJob() *domain.Job {
	return &domain.Job{
		ID:             "job-1",
		TaskIdentifier: "send-welcome-email",
		Payload:        json.RawMessage(`{"userId":"u-1"}`),
		DatabaseID:     "db-1",
	}
}

func TestDispatch_Success_SetsConventionalHeaders(t *testing.T) {
	var gotMethod, gotPath string
	var gotHeaders http.Header
	var gotBody []byte

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		gotPath = r.URL.Path
		gotHeaders = r.Header.Clone()
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	client := dispatch.New(dispatch.Config{
		GatewayBaseURL:  srv.URL,
		CallbackURL:     "https://callback.example/jobs",
		DispatchTimeout: 5 * time.Second,
	}, testLogger())

	job := testJob()
	if err := client.Dispatch(context.Background(), job, "worker-0"); err != nil {
		t.Fatalf("dispatch returned error: %v", err)
	}

	if gotMethod != http.MethodPost {
		t.Errorf("method = %q, want POST", gotMethod)
	}
	if gotPath != "/"+job.TaskIdentifier {
		t.Errorf("path = %q, want /%s", gotPath, job.TaskIdentifier)
	}
	if got := gotHeaders.Get("X-Worker-Id"); got != "worker-0" {
		t.Errorf("X-Worker-Id = %q, want worker-0", got)
	}
	if got := gotHeaders.Get("X-Job-Id"); got != job.ID {
		t.Errorf("X-Job-Id = %q, want %s", got, job.ID)
	}
	if got := gotHeaders.Get("X-Database-Id"); got != job.DatabaseID {
		t.Errorf("X-Database-Id = %q, want %s", got, job.DatabaseID)
	}
	if got := gotHeaders.Get("X-Callback-Url"); got != "https://callback.example/jobs" {
		t.Errorf("X-Callback-Url = %q, want https://callback.example/jobs", got)
	}
	if string(gotBody) != string(job.Payload) {
		t.Errorf("body = %q, want %q", gotBody, job.Payload)
	}
}

func TestDispatch_NonSuccessStatus_ReturnsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	client := dispatch.New(dispatch.Config{GatewayBaseURL: srv.URL, CallbackURL: "https://callback.example"}, testLogger())

	if err := client.Dispatch(context.Background(), testJob(), "worker-0"); err == nil {
		t.Fatal("expected an error for a 500 response, got nil")
	}
}

func TestDispatch_ConnectionFailure_ReturnsError(t *testing.T) {
	client := dispatch.New(dispatch.Config{
		GatewayBaseURL:  "http://127.0.0.1:0",
		CallbackURL:     "https://callback.example",
		DispatchTimeout: time.Second,
	}, testLogger())

	if err := client.Dispatch(context.Background(), testJob(), "worker-0"); err == nil {
		t.Fatal("expected an error dialing a closed port, got nil")
	}
}

func TestResolveURL_DevMapOverride_WinsOverGatewayBaseURL(t *testing.T) {
	client := dispatch.New(dispatch.Config{
		GatewayBaseURL: "https://gateway.example",
		DevMap:         map[string]string{"send-welcome-email": "http://localhost:4000/fake-email"},
	}, testLogger())

	if got := client.ResolveURL("send-welcome-email"); got != "http://localhost:4000/fake-email" {
		t.Errorf("ResolveURL = %q, want dev-map override", got)
	}
}

func TestResolveURL_NoOverride_FallsBackToGatewayBaseURLPlusTaskIdentifier(t *testing.T) {
	client := dispatch.New(dispatch.Config{GatewayBaseURL: "https://gateway.example/"}, testLogger())

	if got := client.ResolveURL("generate-invoice-pdf"); got != "https://gateway.example/generate-invoice-pdf" {
		t.Errorf("ResolveURL = %q, want trimmed-slash join", got)
	}
}

func TestDispatch_RequestTimeout_ReturnsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(50 * time.Millisecond)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	client := dispatch.New(dispatch.Config{
		GatewayBaseURL:  srv.URL,
		CallbackURL:     "https://callback.example",
		DispatchTimeout: time.Millisecond,
	}, testLogger())

	err := client.Dispatch(context.Background(), testJob(), "worker-0")
	if err == nil {
		t.Fatal("expected a timeout error, got nil")
	}
	if !strings.Contains(err.Error(), "dispatch job") {
		t.Errorf("error = %v, want it to wrap the dispatch failure", err)
	}
}
