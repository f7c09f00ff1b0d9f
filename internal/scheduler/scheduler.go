package scheduler

import (
	"context"
	stdErrors "errors"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/Zulqarnain689/Moltiverse-TaskFlow-Agent/internal/alert"
	xerrors "github.com/Zulqarnain689/Moltiverse-TaskFlow-Agent/internal/errors"
	"github.com/Zulqarnain689/Moltiverse-TaskFlow-Agent/internal/task"
	"github.com/Zulqarnain689/Moltiverse-TaskFlow-Agent/pkg/logger"
)

const (
	defaultTick    = 5 * time.Second
	defaultWorkers = 8
)

// Observer 定义了调度器所需的链上观测能力，由网关实现。
type Observer interface {
	Observe(ctx context.Context, kind task.Kind, params task.Params) (*task.Observation, error)
}

// Scheduler 驱动任务的后台协调循环：每一轮取出到期任务，
// 观测、评估、并通过 CAS 落库。轮次之间不重叠。
type Scheduler struct {
	store    task.Store
	observer Observer
	sink     alert.Sink

	tick    time.Duration
	workers int
	eval    task.EvalConfig
	now     func() time.Time
	logger  *slog.Logger
}

// Option 定义可选配置。
type Option func(*Scheduler)

// WithTick 设置轮询间隔。
func WithTick(tick time.Duration) Option {
	return func(s *Scheduler) {
		if tick > 0 {
			s.tick = tick
		}
	}
}

// WithWorkers 设置单轮并发处理的任务上限。
func WithWorkers(workers int) Option {
	return func(s *Scheduler) {
		if workers > 0 {
			s.workers = workers
		}
	}
}

// WithEvalConfig 覆盖评估器的轮询参数。
func WithEvalConfig(cfg task.EvalConfig) Option {
	return func(s *Scheduler) {
		s.eval = cfg
	}
}

// WithClock 注入时钟，测试用。
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) {
		if now != nil {
			s.now = now
		}
	}
}

// New 构造调度器。
func New(store task.Store, observer Observer, sink alert.Sink, opts ...Option) *Scheduler {
	s := &Scheduler{
		store:    store,
		observer: observer,
		sink:     sink,
		tick:     defaultTick,
		workers:  defaultWorkers,
		eval:     task.DefaultEvalConfig(),
		now:      time.Now,
		logger:   logger.Named("scheduler"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Run 阻塞执行协调循环，直到 ctx 取消。每一轮完整结束后
// 才开始等待下一个 tick，轮次永不重叠。
func (s *Scheduler) Run(ctx context.Context) error {
	if s.store == nil || s.sink == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "调度器未初始化")
	}

	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()

	for {
		if err := s.RunRound(ctx); err != nil && !stdErrors.Is(err, context.Canceled) {
			s.logger.Error("调度轮次失败", slog.Any("error", err))
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// RunRound 执行一轮协调：取出到期任务并发处理，全部完成后返回。
// 单个任务的失败只影响它自己。
func (s *Scheduler) RunRound(ctx context.Context) error {
	now := s.now()
	due, err := s.store.ListDue(ctx, now)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取到期任务失败")
	}
	if len(due) == 0 {
		return nil
	}

	s.logger.Debug("调度轮次开始", slog.Int("due", len(due)))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.workers)
	for _, t := range due {
		t := t
		g.Go(func() error {
			s.process(gctx, t, now)
			return nil
		})
	}
	return g.Wait()
}

// process 处理单个到期任务。观测失败时不改动任务，
// 原有的到期时间让它在下一轮自然重试。
func (s *Scheduler) process(ctx context.Context, t *task.Task, now time.Time) {
	var obs *task.Observation
	if t.Kind != task.KindReminder {
		if s.observer == nil {
			s.logger.Error("缺少观测器，跳过任务", slog.String("task_id", t.ID))
			return
		}
		fetched, err := s.observer.Observe(ctx, t.Kind, t.Params)
		if err != nil {
			s.logger.Warn("链上观测失败，保留原计划",
				slog.String("task_id", t.ID),
				slog.String("kind", string(t.Kind)),
				slog.String("code", string(xerrors.CodeOf(err))),
				slog.Any("error", err),
			)
			return
		}
		obs = fetched
	}

	decision, err := task.Evaluate(t, obs, now, s.eval)
	if err != nil {
		s.logger.Error("条件评估失败",
			slog.String("task_id", t.ID),
			slog.Any("error", err),
		)
		return
	}

	s.apply(ctx, t, obs, decision)
}

func (s *Scheduler) apply(ctx context.Context, t *task.Task, obs *task.Observation, decision task.Decision) {
	switch decision.Outcome {
	case task.OutcomeNoChange:
		s.applyNoChange(ctx, t, obs, decision)
	case task.OutcomeTrigger:
		s.applyTrigger(ctx, t, obs, decision)
	case task.OutcomeComplete:
		s.applyComplete(ctx, t, obs)
	}
}

func (s *Scheduler) applyNoChange(ctx context.Context, t *task.Task, obs *task.Observation, decision task.Decision) {
	_, err := s.store.CompareAndUpdate(ctx, t.ID, t.Version, func(next *task.Task) error {
		// 第一次顺利检查后任务进入 armed。
		if next.State == task.StatePending {
			next.State = task.StateArmed
		}
		if obs != nil {
			next.LastObservation = obs
		}
		next.DueAt = decision.NextDue
		if decision.NextInterval > 0 {
			next.PollBackoff = decision.NextInterval
		}
		return nil
	})
	s.logApplyOutcome(t, err, "reschedule")
}

// applyTrigger 是告警路径：一次 CAS 完成 armed 到 alerted 的迁移，
// 成功后的版本号标识这次触发事件，随后才投递告警。周期性任务
// 在投递完成后用第二次 CAS 重新武装。
func (s *Scheduler) applyTrigger(ctx context.Context, t *task.Task, obs *task.Observation, decision task.Decision) {
	updated, err := s.store.CompareAndUpdate(ctx, t.ID, t.Version, func(next *task.Task) error {
		next.State = task.StateAlerted
		next.AlertFired = true
		if obs != nil {
			next.LastObservation = obs
		}
		next.DueAt = time.Time{}
		next.PollBackoff = 0
		return nil
	})
	if err != nil {
		s.logApplyOutcome(t, err, "trigger")
		return
	}

	payload := alert.Payload{
		TaskID:      updated.ID,
		Version:     updated.Version,
		Kind:        updated.Kind,
		Description: updated.Description,
		Summary:     decision.Summary,
		TriggeredAt: s.now(),
	}
	if err := s.sink.Deliver(ctx, payload); err != nil {
		s.logger.Error("告警投递失败",
			slog.String("task_id", updated.ID),
			slog.Int64("version", updated.Version),
			slog.Any("error", err),
		)
	}

	if !decision.Rearm {
		return
	}
	_, err = s.store.CompareAndUpdate(ctx, updated.ID, updated.Version, func(next *task.Task) error {
		next.State = task.StateArmed
		next.AlertFired = false
		next.DueAt = decision.NextDue
		return nil
	})
	s.logApplyOutcome(updated, err, "rearm")
}

func (s *Scheduler) applyComplete(ctx context.Context, t *task.Task, obs *task.Observation) {
	_, err := s.store.CompareAndUpdate(ctx, t.ID, t.Version, func(next *task.Task) error {
		next.State = task.StateDone
		next.AlertFired = false
		if obs != nil {
			next.LastObservation = obs
		}
		next.DueAt = time.Time{}
		return nil
	})
	s.logApplyOutcome(t, err, "complete")
}

// logApplyOutcome 统一处理 CAS 的结果。版本冲突意味着别处已经
// 基于更新的状态做了决定，这里的结论直接作废。
func (s *Scheduler) logApplyOutcome(t *task.Task, err error, op string) {
	switch {
	case err == nil:
	case stdErrors.Is(err, task.ErrVersionConflict):
		s.logger.Debug("版本冲突，放弃本轮结论",
			slog.String("task_id", t.ID),
			slog.String("op", op),
			slog.Int64("version", t.Version),
		)
	case stdErrors.Is(err, task.ErrTaskNotFound):
		s.logger.Debug("任务已不存在",
			slog.String("task_id", t.ID),
			slog.String("op", op),
		)
	default:
		s.logger.Error("写回任务状态失败",
			slog.String("task_id", t.ID),
			slog.String("op", op),
			slog.Any("error", err),
		)
	}
}
