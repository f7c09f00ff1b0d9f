package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	xerrors "github.com/Zulqarnain689/Moltiverse-TaskFlow-Agent/internal/errors"
	"github.com/Zulqarnain689/Moltiverse-TaskFlow-Agent/internal/extract"
	"github.com/Zulqarnain689/Moltiverse-TaskFlow-Agent/internal/gateway"
	"github.com/Zulqarnain689/Moltiverse-TaskFlow-Agent/internal/task"
)

type stubExtractor struct {
	drafts []task.Draft
	err    error
}

func (s *stubExtractor) Extract(_ context.Context, _ string) ([]task.Draft, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.drafts, nil
}

func newTestServer(extractor Extractor) (*Server, *task.MemoryStore) {
	store := task.NewMemoryStore()
	return NewServer(":0", task.NewService(store), extractor), store
}

func TestHandleCreateTasks(t *testing.T) {
	extractor := &stubExtractor{
		drafts: []task.Draft{
			{Kind: task.KindReminder, Description: "买咖啡", DueAt: time.Now().Add(time.Hour)},
		},
	}
	server, _ := newTestServer(extractor)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/tasks",
		strings.NewReader(`{"text":"一小时后提醒我买咖啡"}`))
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusCreated {
		t.Fatalf("unexpected status: %d (%s)", rec.Code, rec.Body.String())
	}

	var resp createTasksResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(resp.Tasks) != 1 || resp.Tasks[0].State != task.StatePending {
		t.Fatalf("unexpected response: %+v", resp)
	}
}

func TestHandleCreateTasksExtractionFailure(t *testing.T) {
	extractor := &stubExtractor{err: xerrors.New(extract.CodeExtractionFailed, "无法理解")}
	server, _ := newTestServer(extractor)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/tasks", strings.NewReader(`{"text":"呃"}`))
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d", rec.Code)
	}

	var resp errorResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Code != string(extract.CodeExtractionFailed) {
		t.Fatalf("unexpected error code: %s", resp.Code)
	}
}

func TestHandleCreateTasksUpstreamOutage(t *testing.T) {
	extractor := &stubExtractor{err: xerrors.New(xerrors.CodeUpstreamTransient, "上游不可用")}
	server, _ := newTestServer(extractor)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/tasks", strings.NewReader(`{"text":"提醒我"}`))
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("upstream outage must map to 503, got %d", rec.Code)
	}

	var resp errorResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Code != string(xerrors.CodeUpstreamTransient) {
		t.Fatalf("unexpected error code: %s", resp.Code)
	}
}

func TestHandleCreateTasksRateLimited(t *testing.T) {
	extractor := &stubExtractor{err: xerrors.New(gateway.CodeRateLimitTimeout, "等待限流配额超时")}
	server, _ := newTestServer(extractor)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/tasks", strings.NewReader(`{"text":"提醒我"}`))
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("rate limit back-pressure must map to 429, got %d", rec.Code)
	}
}

func TestHandleCreateTasksEmptyText(t *testing.T) {
	server, _ := newTestServer(&stubExtractor{})

	req := httptest.NewRequest(http.MethodPost, "/api/v1/tasks", strings.NewReader(`{"text":"  "}`))
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestHandleTaskDetail(t *testing.T) {
	server, store := newTestServer(&stubExtractor{})

	sample := &task.Task{
		ID:          "task-1",
		Description: "demo",
		Kind:        task.KindReminder,
		State:       task.StatePending,
		DueAt:       time.Now().Add(time.Hour),
	}
	if err := store.Create(context.Background(), sample); err != nil {
		t.Fatalf("create sample task: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/v1/tasks/task-1", nil)
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status code: got %d want %d", rec.Code, http.StatusOK)
	}

	var got task.Task
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if got.ID != sample.ID || got.Kind != task.KindReminder {
		t.Fatalf("unexpected task: %+v", got)
	}
}

func TestHandleTaskDetailNotFound(t *testing.T) {
	server, _ := newTestServer(&stubExtractor{})

	req := httptest.NewRequest(http.MethodGet, "/api/v1/tasks/missing", nil)
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected status %d, got %d", http.StatusNotFound, rec.Code)
	}
}

func TestHandleCancelAndAck(t *testing.T) {
	server, store := newTestServer(&stubExtractor{})
	ctx := context.Background()

	alerted := &task.Task{
		ID:          "task-alerted",
		Description: "demo",
		Kind:        task.KindGasWatch,
		State:       task.StatePending,
		DueAt:       time.Now(),
	}
	if err := store.Create(ctx, alerted); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := store.CompareAndUpdate(ctx, alerted.ID, 1, func(next *task.Task) error {
		next.State = task.StateAlerted
		next.AlertFired = true
		next.DueAt = time.Time{}
		return nil
	}); err != nil {
		t.Fatalf("mark alerted: %v", err)
	}

	req := httptest.NewRequest(http.MethodPost, "/api/v1/tasks/task-alerted/ack", nil)
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("ack failed: %d (%s)", rec.Code, rec.Body.String())
	}

	var acked task.Task
	if err := json.Unmarshal(rec.Body.Bytes(), &acked); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if acked.State != task.StateDone {
		t.Fatalf("expected done after ack, got %s", acked.State)
	}

	// 已终结的任务不可取消。
	req = httptest.NewRequest(http.MethodPost, "/api/v1/tasks/task-alerted/cancel", nil)
	rec = httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409 for terminal task, got %d", rec.Code)
	}
}

func TestHandleListFiltersAndStats(t *testing.T) {
	server, store := newTestServer(&stubExtractor{})
	ctx := context.Background()

	tasks := []*task.Task{
		{ID: "a", Description: "d", Kind: task.KindReminder, State: task.StatePending, DueAt: time.Now()},
		{ID: "b", Description: "d", Kind: task.KindGasWatch, State: task.StateArmed, DueAt: time.Now()},
	}
	for _, item := range tasks {
		if err := store.Create(ctx, item); err != nil {
			t.Fatalf("create: %v", err)
		}
	}

	req := httptest.NewRequest(http.MethodGet, "/api/v1/tasks?kind=gas_watch", nil)
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("list failed: %d", rec.Code)
	}
	var listed []*task.Task
	if err := json.Unmarshal(rec.Body.Bytes(), &listed); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	if len(listed) != 1 || listed[0].ID != "b" {
		t.Fatalf("unexpected list: %+v", listed)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/v1/tasks?state=bogus", nil)
	rec = httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("invalid state filter must 400, got %d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/v1/stats", nil)
	rec = httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("stats failed: %d", rec.Code)
	}
	var stats task.TaskStats
	if err := json.Unmarshal(rec.Body.Bytes(), &stats); err != nil {
		t.Fatalf("decode stats: %v", err)
	}
	if stats.Total != 2 || stats.Pending != 1 || stats.Armed != 1 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
}
