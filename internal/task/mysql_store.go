package task

import (
	"context"
	"database/sql"
	"encoding/json"
	stdErrors "errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/Zulqarnain689/Moltiverse-TaskFlow-Agent/deploy/migrations"
	xerrors "github.com/Zulqarnain689/Moltiverse-TaskFlow-Agent/internal/errors"
	"github.com/go-sql-driver/mysql"
)

// MySQLStore 使用 MySQL 记录任务状态。
type MySQLStore struct {
	db *sql.DB
}

// NewMySQLStore 创建一个新的 MySQLStore。
func NewMySQLStore(dsn string) (*MySQLStore, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "MySQL DSN 不能为空")
	}

	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "连接 MySQL 失败")
	}

	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(10 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "无法连接到 MySQL")
	}

	store := &MySQLStore{db: db}
	if err := store.initSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

// initSchema 按文件名顺序执行嵌入的 SQL 迁移。
func (s *MySQLStore) initSchema() error {
	entries, err := migrations.Files.ReadDir(".")
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取迁移文件失败")
	}

	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}
		names = append(names, entry.Name())
	}
	sort.Strings(names)

	for _, name := range names {
		content, err := migrations.Files.ReadFile(name)
		if err != nil {
			return xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取迁移 "+name+" 失败")
		}
		for _, stmt := range strings.Split(string(content), ";") {
			stmt = strings.TrimSpace(stmt)
			if stmt == "" {
				continue
			}
			if _, err := s.db.Exec(stmt); err != nil {
				return xerrors.Wrap(xerrors.CodeStorageFailure, err, "执行迁移 "+name+" 失败")
			}
		}
	}
	return nil
}

// Create 插入新的任务记录，版本号固定从 1 开始。
func (s *MySQLStore) Create(ctx context.Context, task *Task) error {
	if task == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "task 不能为空")
	}
	if strings.TrimSpace(task.ID) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "任务 ID 不能为空")
	}

	now := time.Now().Unix()
	if task.CreatedAt == 0 {
		task.CreatedAt = now
	}
	task.UpdatedAt = now
	task.Version = 1

	paramsValue, err := marshalJSONColumn(task.Params)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码任务参数失败")
	}
	obsValue, err := marshalObservation(task.LastObservation)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码任务观测值失败")
	}

	const stmt = `INSERT INTO tasks
        (id, description, kind, params, state, version, due_at, last_observation, alert_fired, poll_backoff, created_at, updated_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err = s.db.ExecContext(ctx, stmt,
		task.ID,
		task.Description,
		string(task.Kind),
		paramsValue,
		string(task.State),
		task.Version,
		dueAtMillis(task.DueAt),
		obsValue,
		task.AlertFired,
		task.PollBackoff.Milliseconds(),
		task.CreatedAt,
		task.UpdatedAt,
	)
	if err != nil {
		var mysqlErr *mysql.MySQLError
		if stdErrors.As(err, &mysqlErr) && mysqlErr.Number == 1062 {
			return ErrTaskConflict
		}
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "插入任务失败")
	}
	return nil
}

const taskColumns = `id, description, kind, params, state, version, due_at, last_observation, alert_fired, poll_backoff, created_at, updated_at`

// Get 查询指定任务。
func (s *MySQLStore) Get(ctx context.Context, id string) (*Task, error) {
	const stmt = `SELECT ` + taskColumns + ` FROM tasks WHERE id = ?`

	task, err := scanTask(s.db.QueryRowContext(ctx, stmt, id))
	if err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, ErrTaskNotFound
		}
		return nil, err
	}
	return task, nil
}

// CompareAndUpdate 以乐观锁方式更新任务。读出当前行、在内存中应用 mutator，
// 再以 WHERE version = ? 条件写回；影响行数为零时区分冲突与不存在。
func (s *MySQLStore) CompareAndUpdate(ctx context.Context, id string, expectedVersion int64, mutate Mutator) (*Task, error) {
	if mutate == nil {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "mutator 不能为空")
	}

	current, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if current.Version != expectedVersion {
		return nil, ErrVersionConflict
	}

	next := current.Clone()
	if err := mutate(next); err != nil {
		return nil, err
	}
	next.ID = current.ID
	next.Version = expectedVersion + 1
	next.UpdatedAt = time.Now().Unix()

	paramsValue, err := marshalJSONColumn(next.Params)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码任务参数失败")
	}
	obsValue, err := marshalObservation(next.LastObservation)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码任务观测值失败")
	}

	const stmt = `UPDATE tasks SET description = ?, kind = ?, params = ?, state = ?, version = ?,
        due_at = ?, last_observation = ?, alert_fired = ?, poll_backoff = ?, updated_at = ?
        WHERE id = ? AND version = ?`

	res, err := s.db.ExecContext(ctx, stmt,
		next.Description,
		string(next.Kind),
		paramsValue,
		string(next.State),
		next.Version,
		dueAtMillis(next.DueAt),
		obsValue,
		next.AlertFired,
		next.PollBackoff.Milliseconds(),
		next.UpdatedAt,
		id,
		expectedVersion,
	)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "更新任务失败")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "获取影响行数失败")
	}
	if affected == 0 {
		// 并发写入抢先提交，或任务已被删除。
		if _, getErr := s.Get(ctx, id); getErr != nil {
			return nil, getErr
		}
		return nil, ErrVersionConflict
	}
	return next, nil
}

// ListDue 返回到期的 pending/armed 任务，按到期时间排序。
func (s *MySQLStore) ListDue(ctx context.Context, before time.Time) ([]*Task, error) {
	const stmt = `SELECT ` + taskColumns + ` FROM tasks
        WHERE state IN (?, ?) AND due_at > 0 AND due_at <= ?
        ORDER BY due_at ASC, id ASC`

	rows, err := s.db.QueryContext(ctx, stmt, string(StatePending), string(StateArmed), before.UnixMilli())
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询到期任务失败")
	}
	defer rows.Close()

	return collectTasks(rows)
}

// List 返回符合过滤条件的任务列表。
func (s *MySQLStore) List(ctx context.Context, opts ListOptions) ([]*Task, error) {
	opts.applyDefaults()

	query := `SELECT ` + taskColumns + ` FROM tasks`
	clause, filterArgs := buildFilterClause(opts)
	if clause != "" {
		query += " WHERE " + clause
	}

	order := " ORDER BY updated_at DESC, id DESC"
	if opts.Order == SortByUpdatedAsc {
		order = " ORDER BY updated_at ASC, id ASC"
	}
	query += order + " LIMIT ? OFFSET ?"

	args := append(filterArgs, opts.Limit, opts.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询任务列表失败")
	}
	defer rows.Close()

	return collectTasks(rows)
}

// Stats 返回各状态的任务数量。
func (s *MySQLStore) Stats(ctx context.Context) (TaskStats, error) {
	const stmt = `SELECT
        COUNT(*) AS total,
        SUM(CASE WHEN state = ? THEN 1 ELSE 0 END) AS pending,
        SUM(CASE WHEN state = ? THEN 1 ELSE 0 END) AS armed,
        SUM(CASE WHEN state = ? THEN 1 ELSE 0 END) AS alerted,
        SUM(CASE WHEN state = ? THEN 1 ELSE 0 END) AS done,
        SUM(CASE WHEN state = ? THEN 1 ELSE 0 END) AS cancelled
        FROM tasks`

	row := s.db.QueryRowContext(ctx, stmt,
		string(StatePending),
		string(StateArmed),
		string(StateAlerted),
		string(StateDone),
		string(StateCancelled),
	)

	var stats TaskStats
	var pending, armed, alerted, done, cancelled sql.NullInt64
	if err := row.Scan(&stats.Total, &pending, &armed, &alerted, &done, &cancelled); err != nil {
		return TaskStats{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询任务统计失败")
	}
	stats.Pending = int(pending.Int64)
	stats.Armed = int(armed.Int64)
	stats.Alerted = int(alerted.Int64)
	stats.Done = int(done.Int64)
	stats.Cancelled = int(cancelled.Int64)
	return stats, nil
}

// Close 关闭底层数据库连接。
func (s *MySQLStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*Task, error) {
	var task Task
	var kind, state string
	var params, observation sql.NullString
	var dueAt, backoffMillis int64

	if err := row.Scan(
		&task.ID,
		&task.Description,
		&kind,
		&params,
		&state,
		&task.Version,
		&dueAt,
		&observation,
		&task.AlertFired,
		&backoffMillis,
		&task.CreatedAt,
		&task.UpdatedAt,
	); err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析任务记录失败")
	}

	task.Kind = Kind(kind)
	task.State = State(state)
	task.PollBackoff = time.Duration(backoffMillis) * time.Millisecond
	if dueAt > 0 {
		task.DueAt = time.UnixMilli(dueAt)
	}
	if params.Valid && strings.TrimSpace(params.String) != "" {
		if err := json.Unmarshal([]byte(params.String), &task.Params); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析任务参数失败")
		}
	}
	if observation.Valid && strings.TrimSpace(observation.String) != "" {
		var obs Observation
		if err := json.Unmarshal([]byte(observation.String), &obs); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析任务观测值失败")
		}
		task.LastObservation = &obs
	}
	return &task, nil
}

func collectTasks(rows *sql.Rows) ([]*Task, error) {
	tasks := make([]*Task, 0)
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, task)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历任务失败")
	}
	return tasks, nil
}

func marshalJSONColumn(v any) (sql.NullString, error) {
	bytes, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(bytes), Valid: true}, nil
}

func marshalObservation(obs *Observation) (sql.NullString, error) {
	if obs == nil {
		return sql.NullString{}, nil
	}
	return marshalJSONColumn(obs)
}

func dueAtMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func buildFilterClause(opts ListOptions) (string, []any) {
	conditions := make([]string, 0, 2)
	args := make([]any, 0, 4)

	if len(opts.States) > 0 {
		placeholders := make([]string, 0, len(opts.States))
		for _, state := range opts.States {
			placeholders = append(placeholders, "?")
			args = append(args, string(state))
		}
		conditions = append(conditions, fmt.Sprintf("state IN (%s)", strings.Join(placeholders, ",")))
	}
	if len(opts.Kinds) > 0 {
		placeholders := make([]string, 0, len(opts.Kinds))
		for _, kind := range opts.Kinds {
			placeholders = append(placeholders, "?")
			args = append(args, string(kind))
		}
		conditions = append(conditions, fmt.Sprintf("kind IN (%s)", strings.Join(placeholders, ",")))
	}

	if len(conditions) == 0 {
		return "", nil
	}
	return strings.Join(conditions, " AND "), args
}

var _ Store = (*MySQLStore)(nil)
