package api

import (
	"context"
	"encoding/json"
	stdErrors "errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	xerrors "github.com/Zulqarnain689/Moltiverse-TaskFlow-Agent/internal/errors"
	"github.com/Zulqarnain689/Moltiverse-TaskFlow-Agent/internal/extract"
	"github.com/Zulqarnain689/Moltiverse-TaskFlow-Agent/internal/gateway"
	"github.com/Zulqarnain689/Moltiverse-TaskFlow-Agent/internal/task"
	"github.com/Zulqarnain689/Moltiverse-TaskFlow-Agent/pkg/logger"
)

// Extractor 定义了创建接口所需的抽取能力，由网关实现。
type Extractor interface {
	Extract(ctx context.Context, text string) ([]task.Draft, error)
}

// Server 负责暴露 REST 接口，供用户提交与管理任务。
type Server struct {
	addr      string
	service   *task.Service
	extractor Extractor
}

// NewServer 构造 API 服务实例。
func NewServer(addr string, service *task.Service, extractor Extractor) *Server {
	return &Server{addr: addr, service: service, extractor: extractor}
}

// Handler 返回路由完整的 HTTP 处理器。
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/v1/tasks", s.handleCreateTasks)
	mux.HandleFunc("GET /api/v1/tasks", s.handleListTasks)
	mux.HandleFunc("GET /api/v1/tasks/{id}", s.handleTaskDetail)
	mux.HandleFunc("POST /api/v1/tasks/{id}/cancel", s.handleCancelTask)
	mux.HandleFunc("POST /api/v1/tasks/{id}/ack", s.handleAcknowledgeTask)
	mux.HandleFunc("GET /api/v1/stats", s.handleStats)
	return mux
}

// Start 启动 HTTP 服务，直到上下文取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !stdErrors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	logger.L().Info("API 服务已启动", slog.String("addr", s.addr))

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

type createTasksRequest struct {
	Text string `json:"text"`
}

type createTasksResponse struct {
	Tasks []*task.Task `json:"tasks"`
}

// handleCreateTasks 接受一段自然语言，抽取其中的任务并逐个入库。
func (s *Server) handleCreateTasks(w http.ResponseWriter, r *http.Request) {
	if s.service == nil || s.extractor == nil {
		http.Error(w, "服务未初始化", http.StatusServiceUnavailable)
		return
	}

	var req createTasksRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "请求体解析失败", http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(req.Text) == "" {
		http.Error(w, "text 不能为空", http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	drafts, err := s.extractor.Extract(ctx, req.Text)
	if err != nil {
		s.writeError(w, err)
		return
	}

	created := make([]*task.Task, 0, len(drafts))
	for _, draft := range drafts {
		t, err := s.service.Create(ctx, draft)
		if err != nil {
			s.writeError(w, err)
			return
		}
		created = append(created, t)
	}

	s.writeJSON(w, http.StatusCreated, createTasksResponse{Tasks: created})
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	if s.service == nil {
		http.Error(w, "服务未初始化", http.StatusServiceUnavailable)
		return
	}

	opts := make([]task.ListOption, 0, 4)
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			opts = append(opts, task.WithLimit(parsed))
		}
	}
	if raw := r.URL.Query().Get("offset"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			opts = append(opts, task.WithOffset(parsed))
		}
	}
	if raw := r.URL.Query().Get("state"); raw != "" {
		states := make([]task.State, 0, 2)
		for _, item := range strings.Split(raw, ",") {
			state := task.State(strings.TrimSpace(item))
			if !task.IsValidState(state) {
				http.Error(w, "未知的任务状态: "+item, http.StatusBadRequest)
				return
			}
			states = append(states, state)
		}
		opts = append(opts, task.WithStates(states...))
	}
	if raw := r.URL.Query().Get("kind"); raw != "" {
		kinds := make([]task.Kind, 0, 2)
		for _, item := range strings.Split(raw, ",") {
			kind := task.Kind(strings.TrimSpace(item))
			if !task.IsValidKind(kind) {
				http.Error(w, "未知的任务类型: "+item, http.StatusBadRequest)
				return
			}
			kinds = append(kinds, kind)
		}
		opts = append(opts, task.WithKinds(kinds...))
	}

	tasks, err := s.service.List(r.Context(), opts...)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, tasks)
}

func (s *Server) handleTaskDetail(w http.ResponseWriter, r *http.Request) {
	if s.service == nil {
		http.Error(w, "服务未初始化", http.StatusServiceUnavailable)
		return
	}
	id := strings.TrimSpace(r.PathValue("id"))
	if id == "" {
		http.Error(w, "缺少任务 ID", http.StatusBadRequest)
		return
	}

	t, err := s.service.Get(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, t)
}

func (s *Server) handleCancelTask(w http.ResponseWriter, r *http.Request) {
	s.handleTransition(w, r, s.service.Cancel)
}

func (s *Server) handleAcknowledgeTask(w http.ResponseWriter, r *http.Request) {
	s.handleTransition(w, r, s.service.Acknowledge)
}

func (s *Server) handleTransition(w http.ResponseWriter, r *http.Request, transition func(context.Context, string) (*task.Task, error)) {
	if s.service == nil {
		http.Error(w, "服务未初始化", http.StatusServiceUnavailable)
		return
	}
	id := strings.TrimSpace(r.PathValue("id"))
	if id == "" {
		http.Error(w, "缺少任务 ID", http.StatusBadRequest)
		return
	}

	t, err := transition(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, t)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if s.service == nil {
		http.Error(w, "服务未初始化", http.StatusServiceUnavailable)
		return
	}
	stats, err := s.service.Stats(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, stats)
}

type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// writeError 将领域错误映射为 HTTP 状态码。
func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case stdErrors.Is(err, task.ErrTaskNotFound):
		status = http.StatusNotFound
	case stdErrors.Is(err, task.ErrInvalidTransition):
		status = http.StatusConflict
	case stdErrors.Is(err, task.ErrVersionConflict):
		status = http.StatusConflict
	case xerrors.CodeOf(err) == extract.CodeExtractionFailed:
		status = http.StatusUnprocessableEntity
	case xerrors.CodeOf(err) == task.CodeTaskValidation:
		status = http.StatusBadRequest
	case xerrors.CodeOf(err) == gateway.CodeRateLimitTimeout:
		status = http.StatusTooManyRequests
	case xerrors.CodeOf(err) == gateway.CodeObservationUnavailable,
		xerrors.CodeOf(err) == xerrors.CodeUpstreamTransient:
		status = http.StatusServiceUnavailable
	}

	if status == http.StatusInternalServerError {
		logger.L().Error("请求处理失败", slog.Any("error", err))
	}
	s.writeJSON(w, status, errorResponse{
		Code:    string(xerrors.CodeOf(err)),
		Message: err.Error(),
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
