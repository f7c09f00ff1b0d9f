package task

import (
	"context"
	stdErrors "errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	xerrors "github.com/Zulqarnain689/Moltiverse-TaskFlow-Agent/internal/errors"
	"github.com/Zulqarnain689/Moltiverse-TaskFlow-Agent/pkg/logger"
)

// casRetries 限制状态流转接口在版本冲突时的重试次数。
const casRetries = 3

// Service 负责任务的创建、查询与用户侧状态流转。
// 后台调度器直接使用 Store 的 CAS 接口，不经过 Service。
type Service struct {
	store Store
	now   func() time.Time
}

// NewService 构造任务服务。
func NewService(store Store) *Service {
	return &Service{store: store, now: time.Now}
}

// Create 根据抽取得到的草稿生成任务并落库。
func (s *Service) Create(ctx context.Context, draft Draft) (*Task, error) {
	if s.store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "任务服务未初始化")
	}
	if err := draft.Validate(); err != nil {
		return nil, err
	}

	now := s.now()
	dueAt := draft.DueAt
	if draft.Kind != KindReminder {
		// 监控类任务立即进入第一轮检查。
		dueAt = now
	}

	created := &Task{
		ID:          uuid.NewString(),
		Description: draft.Description,
		Kind:        draft.Kind,
		Params:      draft.Params,
		State:       StatePending,
		DueAt:       dueAt,
	}
	if err := s.store.Create(ctx, created); err != nil {
		return nil, err
	}

	logger.Audit().Info("任务创建成功",
		slog.String("task_id", created.ID),
		slog.String("kind", string(created.Kind)),
		slog.String("description", created.Description),
		slog.Time("due_at", created.DueAt),
	)
	return created, nil
}

// Get 返回指定任务的状态。
func (s *Service) Get(ctx context.Context, id string) (*Task, error) {
	if s.store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "任务存储未初始化")
	}
	return s.store.Get(ctx, id)
}

// List 返回符合过滤条件的任务列表。
func (s *Service) List(ctx context.Context, opts ...ListOption) ([]*Task, error) {
	if s.store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "任务存储未初始化")
	}
	options := buildListOptions(opts)
	return s.store.List(ctx, options)
}

// Stats 返回任务统计信息。
func (s *Service) Stats(ctx context.Context) (TaskStats, error) {
	if s.store == nil {
		return TaskStats{}, xerrors.New(xerrors.CodeInitializationFailure, "任务存储未初始化")
	}
	return s.store.Stats(ctx)
}

// Cancel 将任务置为 cancelled。已终结的任务不可取消。
func (s *Service) Cancel(ctx context.Context, id string) (*Task, error) {
	return s.transition(ctx, id, func(t *Task) error {
		if t.State.Terminal() {
			return ErrInvalidTransition
		}
		t.State = StateCancelled
		t.DueAt = time.Time{}
		t.AlertFired = false
		return nil
	})
}

// Acknowledge 确认一条已触发的告警，任务由 alerted 进入 done。
func (s *Service) Acknowledge(ctx context.Context, id string) (*Task, error) {
	return s.transition(ctx, id, func(t *Task) error {
		if t.State != StateAlerted {
			return ErrInvalidTransition
		}
		t.State = StateDone
		t.DueAt = time.Time{}
		t.AlertFired = false
		return nil
	})
}

func (s *Service) transition(ctx context.Context, id string, mutate Mutator) (*Task, error) {
	if s.store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "任务存储未初始化")
	}

	var lastErr error
	for attempt := 0; attempt < casRetries; attempt++ {
		current, err := s.store.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		updated, err := s.store.CompareAndUpdate(ctx, id, current.Version, mutate)
		if err == nil {
			logger.L().Info("任务状态已更新",
				slog.String("task_id", id),
				slog.String("state", string(updated.State)),
				slog.Int64("version", updated.Version),
			)
			return updated, nil
		}
		if !stdErrors.Is(err, ErrVersionConflict) {
			return nil, err
		}
		lastErr = err
	}
	return nil, lastErr
}

// Close 释放资源。
func (s *Service) Close() error {
	if s.store != nil {
		return s.store.Close()
	}
	return nil
}
