package gateway

import (
	"context"
	stdErrors "errors"
	"math/big"
	"sync/atomic"
	"testing"
	"time"

	xerrors "github.com/Zulqarnain689/Moltiverse-TaskFlow-Agent/internal/errors"
	"github.com/Zulqarnain689/Moltiverse-TaskFlow-Agent/internal/extract"
	"github.com/Zulqarnain689/Moltiverse-TaskFlow-Agent/internal/task"
	"github.com/Zulqarnain689/Moltiverse-TaskFlow-Agent/internal/web3"
)

type fakeExtractor struct {
	calls  int
	errs   []error
	drafts []extract.RawDraft
}

func (f *fakeExtractor) Extract(ctx context.Context, text string) ([]extract.RawDraft, error) {
	f.calls++
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		if err != nil {
			return nil, err
		}
	}
	return f.drafts, nil
}

type fakeReader struct {
	calls   int
	errs    []error
	balance *big.Int
	gas     *big.Int
	txState web3.TxState
}

func (f *fakeReader) nextErr() error {
	f.calls++
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		return err
	}
	return nil
}

func (f *fakeReader) BalanceAt(ctx context.Context, address string) (*big.Int, error) {
	if err := f.nextErr(); err != nil {
		return nil, err
	}
	return f.balance, nil
}

func (f *fakeReader) GasPrice(ctx context.Context) (*big.Int, error) {
	if err := f.nextErr(); err != nil {
		return nil, err
	}
	return f.gas, nil
}

func (f *fakeReader) TransactionStatus(ctx context.Context, txHash string) (web3.TxState, error) {
	if err := f.nextErr(); err != nil {
		return "", err
	}
	return f.txState, nil
}

func (f *fakeReader) Snapshot(ctx context.Context) (web3.ChainSnapshot, error) {
	return web3.ChainSnapshot{}, nil
}

func (f *fakeReader) Close() {}

// hungReader 模拟挂死的 RPC 连接：所有读取都阻塞到 ctx 结束。
type hungReader struct {
	calls int32
}

func (r *hungReader) BalanceAt(ctx context.Context, _ string) (*big.Int, error) {
	atomic.AddInt32(&r.calls, 1)
	<-ctx.Done()
	return nil, ctx.Err()
}

func (r *hungReader) GasPrice(ctx context.Context) (*big.Int, error) {
	atomic.AddInt32(&r.calls, 1)
	<-ctx.Done()
	return nil, ctx.Err()
}

func (r *hungReader) TransactionStatus(ctx context.Context, _ string) (web3.TxState, error) {
	atomic.AddInt32(&r.calls, 1)
	<-ctx.Done()
	return "", ctx.Err()
}

func (r *hungReader) Snapshot(ctx context.Context) (web3.ChainSnapshot, error) {
	return web3.ChainSnapshot{}, nil
}

func (r *hungReader) Close() {}

func newTestGateway(extractor extract.Client, reader web3.Reader) *Gateway {
	g := New(extractor, reader, Config{
		ObservePerSecond: 1000,
		ObserveBurst:     1000,
		ExtractPerSecond: 1000,
		ExtractBurst:     1000,
	})
	g.sleep = func(ctx context.Context, d time.Duration) error { return nil }
	return g
}

func TestObserveRetriesTransientErrors(t *testing.T) {
	reader := &fakeReader{
		errs:    []error{stdErrors.New("timeout"), stdErrors.New("timeout")},
		balance: big.NewInt(42),
	}
	g := newTestGateway(nil, reader)

	obs, err := g.Observe(context.Background(), task.KindBalanceWatch, task.Params{Address: "0xabc"})
	if err != nil {
		t.Fatalf("observe: %v", err)
	}
	if reader.calls != 3 {
		t.Fatalf("expected 3 attempts, got %d", reader.calls)
	}
	if obs.Wei.Int64() != 42 || obs.FetchedAt.IsZero() {
		t.Fatalf("unexpected observation: %+v", obs)
	}
}

func TestObserveExhaustionReturnsUnavailable(t *testing.T) {
	reader := &fakeReader{
		errs: []error{
			stdErrors.New("timeout"),
			stdErrors.New("timeout"),
			stdErrors.New("timeout"),
		},
	}
	g := newTestGateway(nil, reader)

	_, err := g.Observe(context.Background(), task.KindGasWatch, task.Params{})
	if err == nil {
		t.Fatalf("expected error after exhausted retries")
	}
	if xerrors.CodeOf(err) != CodeObservationUnavailable {
		t.Fatalf("expected OBSERVATION_UNAVAILABLE, got %v", xerrors.CodeOf(err))
	}
	if reader.calls != 3 {
		t.Fatalf("expected exactly 3 attempts, got %d", reader.calls)
	}
}

func TestObserveTimesOutHungReader(t *testing.T) {
	reader := &hungReader{}
	g := New(nil, reader, Config{
		ObservePerSecond: 1000,
		ObserveBurst:     1000,
		ObserveTimeout:   20 * time.Millisecond,
	})
	g.sleep = func(ctx context.Context, d time.Duration) error { return nil }

	done := make(chan error, 1)
	go func() {
		_, err := g.Observe(context.Background(), task.KindGasWatch, task.Params{})
		done <- err
	}()

	select {
	case err := <-done:
		if xerrors.CodeOf(err) != CodeObservationUnavailable {
			t.Fatalf("expected OBSERVATION_UNAVAILABLE, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("observe must return despite a hung upstream")
	}
	if got := atomic.LoadInt32(&reader.calls); got != 3 {
		t.Fatalf("expected 3 timed attempts, got %d", got)
	}
}

func TestExtractTransientExhaustionStaysRetryable(t *testing.T) {
	transient := func() error { return xerrors.New(xerrors.CodeUpstreamTransient, "上游超时") }
	extractor := &fakeExtractor{
		errs: []error{transient(), transient(), transient()},
	}
	g := newTestGateway(extractor, nil)

	_, err := g.Extract(context.Background(), "watch my wallet")
	if xerrors.CodeOf(err) != xerrors.CodeUpstreamTransient {
		t.Fatalf("expected UPSTREAM_TRANSIENT after exhaustion, got %v", err)
	}
	if !xerrors.RetryableError(err) {
		t.Fatalf("a pure upstream outage must stay retryable")
	}
	if extractor.calls != 3 {
		t.Fatalf("expected 3 attempts, got %d", extractor.calls)
	}
}

func TestExtractPermanentFailureNotRetried(t *testing.T) {
	extractor := &fakeExtractor{
		errs: []error{xerrors.New(extract.CodeExtractionFailed, "unintelligible")},
	}
	g := newTestGateway(extractor, nil)

	_, err := g.Extract(context.Background(), "gibberish")
	if err == nil {
		t.Fatalf("expected extraction failure")
	}
	if xerrors.CodeOf(err) != extract.CodeExtractionFailed {
		t.Fatalf("expected EXTRACTION_FAILED, got %v", xerrors.CodeOf(err))
	}
	if extractor.calls != 1 {
		t.Fatalf("permanent failure must not be retried, got %d calls", extractor.calls)
	}
}

func TestExtractConvertsDrafts(t *testing.T) {
	extractor := &fakeExtractor{
		drafts: []extract.RawDraft{
			{
				Kind:         "balance_watch",
				Title:        "watch my wallet",
				Address:      "0x1111111111111111111111111111111111111111",
				ThresholdMON: "1.5",
				Direction:    "below",
			},
			{
				Kind:  "reminder",
				Title: "buy coffee",
				DueAt: "2026-08-30T15:00:00Z",
			},
			{
				Kind:    "tx_status",
				Title:   "track my swap",
				TxHash:  "0xdeadbeef",
				AutoAck: true,
			},
		},
	}
	g := newTestGateway(extractor, nil)

	drafts, err := g.Extract(context.Background(), "watch my wallet, remind me to buy coffee at 3pm, and track my swap")
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if len(drafts) != 3 {
		t.Fatalf("expected 3 drafts, got %d", len(drafts))
	}

	balance := drafts[0]
	if balance.Kind != task.KindBalanceWatch || balance.Params.Direction != task.DirectionBelow {
		t.Fatalf("unexpected balance draft: %+v", balance)
	}
	want, _ := web3.MONToWei("1.5")
	if balance.Params.ThresholdWei.Cmp(want) != 0 {
		t.Fatalf("unexpected threshold: %s", balance.Params.ThresholdWei)
	}

	reminder := drafts[1]
	if reminder.Kind != task.KindReminder || reminder.DueAt.IsZero() {
		t.Fatalf("unexpected reminder draft: %+v", reminder)
	}

	tx := drafts[2]
	if tx.Kind != task.KindTxStatus || tx.Params.TxHash != "0xdeadbeef" || !tx.Params.AutoAck {
		t.Fatalf("unexpected tx draft: %+v", tx)
	}
}

func TestExtractRejectsUnknownKind(t *testing.T) {
	extractor := &fakeExtractor{
		drafts: []extract.RawDraft{{Kind: "teleport", Title: "nope"}},
	}
	g := newTestGateway(extractor, nil)

	_, err := g.Extract(context.Background(), "teleport me")
	if xerrors.CodeOf(err) != extract.CodeExtractionFailed {
		t.Fatalf("unknown kind must be a permanent extraction failure, got %v", err)
	}
}

func TestObserveRateLimitTimeout(t *testing.T) {
	reader := &fakeReader{balance: big.NewInt(1)}
	g := New(nil, reader, Config{
		ObservePerSecond: 0.0001,
		ObserveBurst:     1,
		WaitTimeout:      10 * time.Millisecond,
	})
	g.sleep = func(ctx context.Context, d time.Duration) error { return nil }

	// 耗尽突发配额。
	if _, err := g.Observe(context.Background(), task.KindGasWatch, task.Params{}); err != nil {
		t.Fatalf("first observe: %v", err)
	}

	_, err := g.Observe(context.Background(), task.KindGasWatch, task.Params{})
	if xerrors.CodeOf(err) != CodeRateLimitTimeout {
		t.Fatalf("expected RATE_LIMIT_TIMEOUT, got %v", err)
	}
}

func TestObserveMapsTxState(t *testing.T) {
	reader := &fakeReader{txState: web3.TxStateConfirmed}
	g := newTestGateway(nil, reader)

	obs, err := g.Observe(context.Background(), task.KindTxStatus, task.Params{TxHash: "0xdead"})
	if err != nil {
		t.Fatalf("observe: %v", err)
	}
	if obs.TxStatus != task.TxStatusConfirmed {
		t.Fatalf("unexpected tx status: %s", obs.TxStatus)
	}
}
