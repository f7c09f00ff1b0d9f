package taskflow

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestCreateTasksDecodesResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/tasks" {
			t.Fatalf("unexpected path: %s", r.URL.Path)
		}
		if r.Method != http.MethodPost {
			t.Fatalf("unexpected method: %s", r.Method)
		}
		var req createTasksRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("unexpected body: %v", err)
		}
		if req.Text == "" {
			t.Fatal("expected non-empty text")
		}
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(createTasksResponse{Tasks: []Task{
			{ID: "task-1", Kind: "balance_watch", State: "pending", Version: 1},
		}})
	}))
	defer srv.Close()

	client := NewClient(srv.URL, srv.Client())

	tasks, err := client.CreateTasks(context.Background(), "alert me when my balance drops below 1 MON")
	if err != nil {
		t.Fatalf("create tasks: %v", err)
	}
	if len(tasks) != 1 || tasks[0].ID != "task-1" {
		t.Fatalf("unexpected tasks: %+v", tasks)
	}
}

func TestListTasksBuildsQuery(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("state"); got != "pending,armed" {
			t.Fatalf("unexpected state filter: %q", got)
		}
		if got := r.URL.Query().Get("limit"); got != "10" {
			t.Fatalf("unexpected limit: %q", got)
		}
		_ = json.NewEncoder(w).Encode([]Task{{ID: "task-1"}, {ID: "task-2"}})
	}))
	defer srv.Close()

	client := NewClient(srv.URL, srv.Client())

	tasks, err := client.ListTasks(context.Background(), ListQuery{
		States: []string{"pending", "armed"},
		Limit:  10,
	})
	if err != nil {
		t.Fatalf("list tasks: %v", err)
	}
	if len(tasks) != 2 {
		t.Fatalf("expected 2 tasks, got %d", len(tasks))
	}
}

func TestAcknowledgeTaskHitsAction(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/tasks/task-1/ack" {
			t.Fatalf("unexpected path: %s", r.URL.Path)
		}
		_ = json.NewEncoder(w).Encode(Task{ID: "task-1", State: "done", Version: 3})
	}))
	defer srv.Close()

	client := NewClient(srv.URL, srv.Client())

	updated, err := client.AcknowledgeTask(context.Background(), "task-1")
	if err != nil {
		t.Fatalf("acknowledge: %v", err)
	}
	if updated.State != "done" {
		t.Fatalf("expected done state, got %s", updated.State)
	}
}

func TestGetTaskError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_ = json.NewEncoder(w).Encode(APIError{Code: "TASK_NOT_FOUND", Message: "missing"})
	}))
	defer srv.Close()

	client := NewClient(srv.URL, srv.Client())

	_, err := client.GetTask(context.Background(), "task-404")
	if err == nil {
		t.Fatal("expected error")
	}
	apiErr, ok := err.(*APIError)
	if !ok {
		t.Fatalf("expected APIError, got %T", err)
	}
	if apiErr.Code != "TASK_NOT_FOUND" {
		t.Fatalf("unexpected error code: %s", apiErr.Code)
	}
	if apiErr.StatusCode != http.StatusNotFound {
		t.Fatalf("unexpected status: %d", apiErr.StatusCode)
	}
}
