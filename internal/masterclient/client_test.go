package masterclient_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/distexec/worker/internal/distworker"
	"github.com/distexec/worker/internal/masterclient"
)

func TestCancelJob(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			t.Errorf("method = %s, want GET", r.Method)
		}
		if r.URL.Path != "/cancel_job" {
			t.Errorf("path = %s, want /cancel_job", r.URL.Path)
		}
		if got := r.URL.Query().Get("job_id"); got != "job-1" {
			t.Errorf("job_id = %q, want job-1", got)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()

	client := masterclient.New(ts.URL)
	if err := client.CancelJob(context.Background(), "job-1"); err != nil {
		t.Fatalf("CancelJob: %v", err)
	}
}

func TestRetryTask(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %s, want POST", r.Method)
		}
		if ct := r.Header.Get("Content-Type"); ct != "application/x-www-form-urlencoded" {
			t.Errorf("content-type = %q", ct)
		}
		if err := r.ParseForm(); err != nil {
			t.Fatalf("parse form: %v", err)
		}
		var task distworker.Task
		if err := json.Unmarshal([]byte(r.PostFormValue("task_json")), &task); err != nil {
			t.Fatalf("unmarshal task_json: %v", err)
		}
		if task.TaskID != "t1" {
			t.Errorf("task_id = %q, want t1", task.TaskID)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()

	client := masterclient.New(ts.URL)
	task := distworker.Task{TaskID: "t1", JobID: "j1", RetryID: "r1", Attempt: 2}
	if err := client.RetryTask(context.Background(), task); err != nil {
		t.Fatalf("RetryTask: %v", err)
	}
}

func TestCancelJob_NonOKStatus(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer ts.Close()

	client := masterclient.New(ts.URL)
	if err := client.CancelJob(context.Background(), "job-1"); err == nil {
		t.Fatal("expected an error for a 500 response")
	}
}
