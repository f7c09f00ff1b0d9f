package scheduler

import (
	"context"
	stdErrors "errors"
	"math/big"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Zulqarnain689/Moltiverse-TaskFlow-Agent/internal/alert"
	"github.com/Zulqarnain689/Moltiverse-TaskFlow-Agent/internal/task"
	"github.com/Zulqarnain689/Moltiverse-TaskFlow-Agent/internal/web3"
)

type stubObserver struct {
	mu      sync.Mutex
	calls   int
	obs     map[task.Kind]*task.Observation
	err     error
	failFor int
}

func (o *stubObserver) Observe(_ context.Context, kind task.Kind, _ task.Params) (*task.Observation, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.calls++
	if o.err != nil && (o.failFor == 0 || o.calls <= o.failFor) {
		return nil, o.err
	}
	if obs, ok := o.obs[kind]; ok {
		clone := *obs
		return &clone, nil
	}
	return nil, stdErrors.New("no observation configured")
}

type captureSink struct {
	mu       sync.Mutex
	payloads []alert.Payload
}

func (s *captureSink) Deliver(_ context.Context, payload alert.Payload) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.payloads = append(s.payloads, payload)
	return nil
}

func (s *captureSink) all() []alert.Payload {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]alert.Payload(nil), s.payloads...)
}

func monOrFail(t *testing.T, amount string) *big.Int {
	t.Helper()
	wei, ok := web3.MONToWei(amount)
	if !ok {
		t.Fatalf("bad amount %q", amount)
	}
	return wei
}

func TestRoundArmsPendingTask(t *testing.T) {
	store := task.NewMemoryStore()
	ctx := context.Background()
	now := time.Now()

	created := &task.Task{
		ID:          "t1",
		Description: "watch",
		Kind:        task.KindBalanceWatch,
		State:       task.StatePending,
		DueAt:       now.Add(-time.Second),
		Params: task.Params{
			Address:      "0x1111111111111111111111111111111111111111",
			ThresholdWei: monOrFail(t, "1.0"),
			Direction:    task.DirectionBelow,
		},
	}
	if err := store.Create(ctx, created); err != nil {
		t.Fatalf("create: %v", err)
	}

	observer := &stubObserver{obs: map[task.Kind]*task.Observation{
		task.KindBalanceWatch: {Kind: task.KindBalanceWatch, Wei: monOrFail(t, "1.5")},
	}}
	sink := &captureSink{}
	sched := New(store, observer, sink, WithClock(func() time.Time { return now }))

	if err := sched.RunRound(ctx); err != nil {
		t.Fatalf("round: %v", err)
	}

	after, err := store.Get(ctx, "t1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if after.State != task.StateArmed {
		t.Fatalf("first clean check must arm the task, got %s", after.State)
	}
	if after.LastObservation == nil || after.LastObservation.Wei.Cmp(monOrFail(t, "1.5")) != 0 {
		t.Fatalf("observation not persisted: %+v", after.LastObservation)
	}
	if !after.DueAt.After(now) {
		t.Fatalf("next due must move forward, got %v", after.DueAt)
	}
	if len(sink.all()) != 0 {
		t.Fatalf("no alert expected, got %d", len(sink.all()))
	}
}

func TestRoundTriggersAlertOnCrossing(t *testing.T) {
	store := task.NewMemoryStore()
	ctx := context.Background()
	now := time.Now()

	created := &task.Task{
		ID:          "t1",
		Description: "watch",
		Kind:        task.KindBalanceWatch,
		State:       task.StateArmed,
		DueAt:       now.Add(-time.Second),
		Params: task.Params{
			Address:      "0x1111111111111111111111111111111111111111",
			ThresholdWei: monOrFail(t, "1.0"),
			Direction:    task.DirectionBelow,
		},
		LastObservation: &task.Observation{Kind: task.KindBalanceWatch, Wei: monOrFail(t, "1.5")},
	}
	if err := store.Create(ctx, created); err != nil {
		t.Fatalf("create: %v", err)
	}

	observer := &stubObserver{obs: map[task.Kind]*task.Observation{
		task.KindBalanceWatch: {Kind: task.KindBalanceWatch, Wei: monOrFail(t, "0.8")},
	}}
	sink := &captureSink{}
	sched := New(store, observer, sink, WithClock(func() time.Time { return now }))

	if err := sched.RunRound(ctx); err != nil {
		t.Fatalf("round: %v", err)
	}

	after, err := store.Get(ctx, "t1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if after.State != task.StateAlerted || !after.AlertFired {
		t.Fatalf("expected alerted task, got %+v", after)
	}
	if !after.DueAt.IsZero() {
		t.Fatalf("alerted task must have no due time, got %v", after.DueAt)
	}

	payloads := sink.all()
	if len(payloads) != 1 {
		t.Fatalf("expected one alert, got %d", len(payloads))
	}
	if payloads[0].TaskID != "t1" || payloads[0].Version != after.Version {
		t.Fatalf("alert must carry the post-trigger version: %+v", payloads[0])
	}

	// 下一轮不重复触发：任务已离开 pending/armed，不再到期。
	if err := sched.RunRound(ctx); err != nil {
		t.Fatalf("second round: %v", err)
	}
	if len(sink.all()) != 1 {
		t.Fatalf("alert must fire once per episode, got %d", len(sink.all()))
	}
}

func TestRoundObserveFailureLeavesTaskUntouched(t *testing.T) {
	store := task.NewMemoryStore()
	ctx := context.Background()
	now := time.Now()

	due := now.Add(-time.Minute)
	created := &task.Task{
		ID:          "t1",
		Description: "gas",
		Kind:        task.KindGasWatch,
		State:       task.StateArmed,
		DueAt:       due,
		Params:      task.Params{CeilingWei: big.NewInt(20_000_000_000)},
	}
	if err := store.Create(ctx, created); err != nil {
		t.Fatalf("create: %v", err)
	}

	observer := &stubObserver{err: stdErrors.New("rpc down")}
	sink := &captureSink{}
	sched := New(store, observer, sink, WithClock(func() time.Time { return now }))

	if err := sched.RunRound(ctx); err != nil {
		t.Fatalf("round: %v", err)
	}

	after, err := store.Get(ctx, "t1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if after.Version != 1 || !after.DueAt.Equal(due) || after.State != task.StateArmed {
		t.Fatalf("failed observation must leave the task untouched: %+v", after)
	}
	if len(sink.all()) != 0 {
		t.Fatalf("no alert expected, got %d", len(sink.all()))
	}
}

func TestRoundRearmsRecurringReminder(t *testing.T) {
	store := task.NewMemoryStore()
	ctx := context.Background()
	now := time.Now()

	created := &task.Task{
		ID:          "r1",
		Description: "站会",
		Kind:        task.KindReminder,
		State:       task.StateArmed,
		DueAt:       now.Add(-time.Second),
		Params:      task.Params{Recurring: true, Every: time.Hour},
	}
	if err := store.Create(ctx, created); err != nil {
		t.Fatalf("create: %v", err)
	}

	sink := &captureSink{}
	sched := New(store, nil, sink, WithClock(func() time.Time { return now }))

	if err := sched.RunRound(ctx); err != nil {
		t.Fatalf("round: %v", err)
	}

	after, err := store.Get(ctx, "r1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if after.State != task.StateArmed || after.AlertFired {
		t.Fatalf("recurring reminder must be rearmed after delivery: %+v", after)
	}
	if !after.DueAt.Equal(now.Add(time.Hour)) {
		t.Fatalf("unexpected rearm due time: %v", after.DueAt)
	}
	// 触发 CAS 一次，重新武装一次。
	if after.Version != 3 {
		t.Fatalf("expected version 3 after trigger+rearm, got %d", after.Version)
	}

	payloads := sink.all()
	if len(payloads) != 1 {
		t.Fatalf("expected one alert, got %d", len(payloads))
	}
	if payloads[0].Version != 2 {
		t.Fatalf("alert must carry the trigger-episode version, got %d", payloads[0].Version)
	}
}

func TestRoundDropsStaleDecisionOnVersionConflict(t *testing.T) {
	store := task.NewMemoryStore()
	ctx := context.Background()
	now := time.Now()

	created := &task.Task{
		ID:          "t1",
		Description: "watch",
		Kind:        task.KindBalanceWatch,
		State:       task.StateArmed,
		DueAt:       now.Add(-time.Second),
		Params: task.Params{
			Address:      "0x1111111111111111111111111111111111111111",
			ThresholdWei: monOrFail(t, "1.0"),
			Direction:    task.DirectionBelow,
		},
	}
	if err := store.Create(ctx, created); err != nil {
		t.Fatalf("create: %v", err)
	}

	// 观测期间用户取消了任务，调度器手里的版本随之过期。
	observer := &stubObserver{obs: map[task.Kind]*task.Observation{
		task.KindBalanceWatch: {Kind: task.KindBalanceWatch, Wei: monOrFail(t, "0.5")},
	}}
	sink := &captureSink{}
	sched := New(store, observer, sink, WithClock(func() time.Time { return now }))

	due, err := store.ListDue(ctx, now)
	if err != nil || len(due) != 1 {
		t.Fatalf("list due: %v (%d)", err, len(due))
	}

	if _, err := store.CompareAndUpdate(ctx, "t1", 1, func(next *task.Task) error {
		next.State = task.StateCancelled
		next.DueAt = time.Time{}
		return nil
	}); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	sched.process(ctx, due[0], now)

	after, err := store.Get(ctx, "t1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if after.State != task.StateCancelled || after.Version != 2 {
		t.Fatalf("stale decision must be dropped: %+v", after)
	}
	if len(sink.all()) != 0 {
		t.Fatalf("cancelled task must not alert, got %d", len(sink.all()))
	}
}

func TestRoundPersistsTxBackoff(t *testing.T) {
	store := task.NewMemoryStore()
	ctx := context.Background()
	now := time.Now()

	created := &task.Task{
		ID:          "tx1",
		Description: "tx",
		Kind:        task.KindTxStatus,
		State:       task.StateArmed,
		DueAt:       now.Add(-time.Second),
		Params:      task.Params{TxHash: "0xdead"},
	}
	if err := store.Create(ctx, created); err != nil {
		t.Fatalf("create: %v", err)
	}

	observer := &stubObserver{obs: map[task.Kind]*task.Observation{
		task.KindTxStatus: {Kind: task.KindTxStatus, TxStatus: task.TxStatusPending},
	}}
	sink := &captureSink{}
	sched := New(store, observer, sink, WithClock(func() time.Time { return now }))

	cfg := task.DefaultEvalConfig()
	if err := sched.RunRound(ctx); err != nil {
		t.Fatalf("round: %v", err)
	}

	after, err := store.Get(ctx, "tx1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if after.PollBackoff != cfg.TxPollInitial {
		t.Fatalf("expected initial backoff %v, got %v", cfg.TxPollInitial, after.PollBackoff)
	}

	// 第二轮间隔翻倍。
	next := after.DueAt.Add(time.Millisecond)
	sched2 := New(store, observer, sink, WithClock(func() time.Time { return next }))
	if err := sched2.RunRound(ctx); err != nil {
		t.Fatalf("second round: %v", err)
	}
	after, err = store.Get(ctx, "tx1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if after.PollBackoff != 2*cfg.TxPollInitial {
		t.Fatalf("expected doubled backoff, got %v", after.PollBackoff)
	}
}

// slowObserver 记录并发的观测数量，用于验证轮次不重叠。
type slowObserver struct {
	active  int32
	maxSeen int32
	calls   int32
	delay   time.Duration
}

func (o *slowObserver) Observe(_ context.Context, _ task.Kind, _ task.Params) (*task.Observation, error) {
	cur := atomic.AddInt32(&o.active, 1)
	for {
		max := atomic.LoadInt32(&o.maxSeen)
		if cur <= max || atomic.CompareAndSwapInt32(&o.maxSeen, max, cur) {
			break
		}
	}
	time.Sleep(o.delay)
	atomic.AddInt32(&o.active, -1)
	atomic.AddInt32(&o.calls, 1)
	return nil, stdErrors.New("still observing")
}

func TestRunDrainsRoundBeforeNextTick(t *testing.T) {
	store := task.NewMemoryStore()
	ctx, cancel := context.WithCancel(context.Background())
	now := time.Now()

	// 观测始终失败，任务保持到期，每一轮都会再处理它。
	created := &task.Task{
		ID:          "t1",
		Description: "watch",
		Kind:        task.KindGasWatch,
		State:       task.StateArmed,
		DueAt:       now.Add(-time.Second),
		Params:      task.Params{CeilingWei: big.NewInt(20_000_000_000)},
	}
	if err := store.Create(ctx, created); err != nil {
		t.Fatalf("create: %v", err)
	}

	observer := &slowObserver{delay: 20 * time.Millisecond}
	sink := &captureSink{}
	sched := New(store, observer, sink, WithTick(time.Millisecond))

	done := make(chan error, 1)
	go func() { done <- sched.Run(ctx) }()

	time.Sleep(150 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("scheduler did not stop")
	}

	if calls := atomic.LoadInt32(&observer.calls); calls < 3 {
		t.Fatalf("expected several rounds, got %d", calls)
	}
	if max := atomic.LoadInt32(&observer.maxSeen); max != 1 {
		t.Fatalf("rounds must not overlap, saw %d concurrent observations of one task", max)
	}
}

func TestConcurrentRoundsAlertOncePerEpisode(t *testing.T) {
	store := task.NewMemoryStore()
	ctx := context.Background()
	now := time.Now()

	created := &task.Task{
		ID:          "t1",
		Description: "watch",
		Kind:        task.KindBalanceWatch,
		State:       task.StateArmed,
		DueAt:       now.Add(-time.Second),
		Params: task.Params{
			Address:      "0x1111111111111111111111111111111111111111",
			ThresholdWei: monOrFail(t, "1.0"),
			Direction:    task.DirectionBelow,
		},
		LastObservation: &task.Observation{Kind: task.KindBalanceWatch, Wei: monOrFail(t, "1.5")},
	}
	if err := store.Create(ctx, created); err != nil {
		t.Fatalf("create: %v", err)
	}

	observer := &stubObserver{obs: map[task.Kind]*task.Observation{
		task.KindBalanceWatch: {Kind: task.KindBalanceWatch, Wei: monOrFail(t, "0.5")},
	}}
	sink := &captureSink{}
	sched := New(store, observer, sink, WithClock(func() time.Time { return now }))

	// 两个并发轮次基于同一个版本快照处理同一任务，
	// CAS 保证只有一个触发成功。
	first, err := store.ListDue(ctx, now)
	if err != nil || len(first) != 1 {
		t.Fatalf("list due: %v (%d)", err, len(first))
	}
	second, err := store.ListDue(ctx, now)
	if err != nil || len(second) != 1 {
		t.Fatalf("list due again: %v (%d)", err, len(second))
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); sched.process(ctx, first[0], now) }()
	go func() { defer wg.Done(); sched.process(ctx, second[0], now) }()
	wg.Wait()

	payloads := sink.all()
	if len(payloads) != 1 {
		t.Fatalf("expected exactly one alert delivery, got %d", len(payloads))
	}
	after, err := store.Get(ctx, "t1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if after.State != task.StateAlerted || after.Version != 2 {
		t.Fatalf("expected one alerted transition: %+v", after)
	}
	if payloads[0].Version != after.Version {
		t.Fatalf("alert must carry the winning version, got %d", payloads[0].Version)
	}
}

func TestRoundCompletesAutoAckTxWatch(t *testing.T) {
	store := task.NewMemoryStore()
	ctx := context.Background()
	now := time.Now()

	created := &task.Task{
		ID:          "tx1",
		Description: "tx",
		Kind:        task.KindTxStatus,
		State:       task.StateArmed,
		DueAt:       now.Add(-time.Second),
		Params:      task.Params{TxHash: "0xdead", AutoAck: true},
	}
	if err := store.Create(ctx, created); err != nil {
		t.Fatalf("create: %v", err)
	}

	observer := &stubObserver{obs: map[task.Kind]*task.Observation{
		task.KindTxStatus: {Kind: task.KindTxStatus, TxStatus: task.TxStatusConfirmed},
	}}
	sink := &captureSink{}
	sched := New(store, observer, sink, WithClock(func() time.Time { return now }))

	if err := sched.RunRound(ctx); err != nil {
		t.Fatalf("round: %v", err)
	}

	after, err := store.Get(ctx, "tx1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if after.State != task.StateDone {
		t.Fatalf("auto_ack tx watch must complete directly, got %s", after.State)
	}
	if after.LastObservation == nil || after.LastObservation.TxStatus != task.TxStatusConfirmed {
		t.Fatalf("final status must be persisted: %+v", after.LastObservation)
	}
	if !after.DueAt.IsZero() {
		t.Fatalf("done task must have no due time, got %v", after.DueAt)
	}
	if len(sink.all()) != 0 {
		t.Fatalf("auto_ack completion must not alert, got %d", len(sink.all()))
	}
}

func TestRunStopsOnContextCancel(t *testing.T) {
	store := task.NewMemoryStore()
	sink := &captureSink{}
	sched := New(store, nil, sink, WithTick(10*time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sched.Run(ctx) }()

	time.Sleep(30 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if !stdErrors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("scheduler did not stop")
	}
}
