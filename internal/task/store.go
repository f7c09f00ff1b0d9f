package task

import (
	"context"
	"time"
)

// Mutator 在 CompareAndUpdate 中对任务副本进行修改。
// 返回错误会中止本次写入，错误原样传给调用方。
type Mutator func(*Task) error

// Store 抽象了任务状态的持久化接口。
// CompareAndUpdate 是唯一的写路径，乐观版本号是全部并发控制。
type Store interface {
	// Create 持久化新任务，分配 version=1。ID 冲突返回 ErrTaskConflict。
	Create(ctx context.Context, task *Task) error
	// Get 返回任务的深拷贝，不存在时返回 ErrTaskNotFound。
	Get(ctx context.Context, id string) (*Task, error)
	// CompareAndUpdate 在存储版本等于 expectedVersion 时应用 mutate 并以
	// version+1 持久化，返回更新后的记录；版本不匹配返回 ErrVersionConflict，
	// 此时存储内容保持原样。
	CompareAndUpdate(ctx context.Context, id string, expectedVersion int64, mutate Mutator) (*Task, error)
	// ListDue 返回所有 due_at <= before 的 pending/armed 任务，
	// 按 due_at 升序、ID 升序排列。
	ListDue(ctx context.Context, before time.Time) ([]*Task, error)
	// List 返回符合过滤条件的任务列表。
	List(ctx context.Context, opts ListOptions) ([]*Task, error)
	// Stats 返回任务状态统计。
	Stats(ctx context.Context) (TaskStats, error)
	Close() error
}
