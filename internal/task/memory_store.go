package task

import (
	"context"
	"sort"
	"sync"
	"time"

	xerrors "github.com/Zulqarnain689/Moltiverse-TaskFlow-Agent/internal/errors"
)

// MemoryStore 以内存方式保存任务状态，主要用于测试与单机开发。
type MemoryStore struct {
	mu    sync.RWMutex
	tasks map[string]*Task
}

// NewMemoryStore 创建 MemoryStore。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{tasks: make(map[string]*Task)}
}

// Create 实现 Store 接口。
func (m *MemoryStore) Create(_ context.Context, task *Task) error {
	if task == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "task 不能为空")
	}
	if task.ID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "任务 ID 不能为空")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tasks[task.ID]; ok {
		return ErrTaskConflict
	}
	now := time.Now().Unix()
	if task.CreatedAt == 0 {
		task.CreatedAt = now
	}
	task.UpdatedAt = now
	task.Version = 1
	m.tasks[task.ID] = task.Clone()
	return nil
}

// Get 返回任务的深拷贝。
func (m *MemoryStore) Get(_ context.Context, id string) (*Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	task, ok := m.tasks[id]
	if !ok {
		return nil, ErrTaskNotFound
	}
	return task.Clone(), nil
}

// CompareAndUpdate 实现乐观并发写入。
func (m *MemoryStore) CompareAndUpdate(_ context.Context, id string, expectedVersion int64, mutate Mutator) (*Task, error) {
	if mutate == nil {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "mutator 不能为空")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	current, ok := m.tasks[id]
	if !ok {
		return nil, ErrTaskNotFound
	}
	if current.Version != expectedVersion {
		return nil, ErrVersionConflict
	}
	next := current.Clone()
	if err := mutate(next); err != nil {
		return nil, err
	}
	// ID 与版本由存储层管理，mutator 的改动被覆盖。
	next.ID = current.ID
	next.Version = expectedVersion + 1
	next.UpdatedAt = time.Now().Unix()
	m.tasks[id] = next
	return next.Clone(), nil
}

// ListDue 返回到期的 pending/armed 任务。
func (m *MemoryStore) ListDue(_ context.Context, before time.Time) ([]*Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	due := make([]*Task, 0)
	for _, task := range m.tasks {
		if !task.State.Live() {
			continue
		}
		if task.DueAt.IsZero() || task.DueAt.After(before) {
			continue
		}
		due = append(due, task.Clone())
	}
	sort.Slice(due, func(i, j int) bool {
		if due[i].DueAt.Equal(due[j].DueAt) {
			return due[i].ID < due[j].ID
		}
		return due[i].DueAt.Before(due[j].DueAt)
	})
	return due, nil
}

// List 返回符合过滤条件的任务列表。
func (m *MemoryStore) List(_ context.Context, opts ListOptions) ([]*Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	opts.applyDefaults()

	results := make([]*Task, 0, len(m.tasks))
	for _, task := range m.tasks {
		if !matchesListFilters(task, opts) {
			continue
		}
		results = append(results, task.Clone())
	}

	sort.Slice(results, func(i, j int) bool {
		if opts.Order == SortByUpdatedAsc {
			if results[i].UpdatedAt == results[j].UpdatedAt {
				return results[i].ID < results[j].ID
			}
			return results[i].UpdatedAt < results[j].UpdatedAt
		}
		if results[i].UpdatedAt == results[j].UpdatedAt {
			return results[i].ID < results[j].ID
		}
		return results[i].UpdatedAt > results[j].UpdatedAt
	})

	if opts.Offset > 0 {
		if opts.Offset >= len(results) {
			return []*Task{}, nil
		}
		results = results[opts.Offset:]
	}
	if len(results) > opts.Limit {
		results = results[:opts.Limit]
	}
	return results, nil
}

// Stats 统计各状态下的任务数量。
func (m *MemoryStore) Stats(_ context.Context) (TaskStats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stats := TaskStats{}
	for _, task := range m.tasks {
		stats.Total++
		switch task.State {
		case StatePending:
			stats.Pending++
		case StateArmed:
			stats.Armed++
		case StateAlerted:
			stats.Alerted++
		case StateDone:
			stats.Done++
		case StateCancelled:
			stats.Cancelled++
		}
	}
	return stats, nil
}

// Close 对内存存储无需操作。
func (m *MemoryStore) Close() error {
	return nil
}

func matchesListFilters(task *Task, opts ListOptions) bool {
	if len(opts.States) > 0 {
		matched := false
		for _, state := range opts.States {
			if task.State == state {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}
	if len(opts.Kinds) > 0 {
		matched := false
		for _, kind := range opts.Kinds {
			if task.Kind == kind {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}
	return true
}

// ensure interface compliance at compile time
var _ Store = (*MemoryStore)(nil)
