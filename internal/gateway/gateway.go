package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	"golang.org/x/time/rate"

	xerrors "github.com/Zulqarnain689/Moltiverse-TaskFlow-Agent/internal/errors"
	"github.com/Zulqarnain689/Moltiverse-TaskFlow-Agent/internal/extract"
	"github.com/Zulqarnain689/Moltiverse-TaskFlow-Agent/internal/task"
	"github.com/Zulqarnain689/Moltiverse-TaskFlow-Agent/internal/web3"
	"github.com/Zulqarnain689/Moltiverse-TaskFlow-Agent/pkg/logger"
)

const (
	// CodeObservationUnavailable 表示链上读取在重试耗尽后仍然失败。
	// 调度器会保留原有的检查计划，下一轮继续。
	CodeObservationUnavailable xerrors.Code = "OBSERVATION_UNAVAILABLE"
	// CodeRateLimitTimeout 表示在限流器中等待超时。
	CodeRateLimitTimeout xerrors.Code = "RATE_LIMIT_TIMEOUT"
)

func init() {
	xerrors.Register(CodeObservationUnavailable, xerrors.Attributes{
		Message:   "chain observation unavailable",
		Severity:  xerrors.SeverityWarning,
		Retryable: true,
		Alert:     false,
	})
	xerrors.Register(CodeRateLimitTimeout, xerrors.Attributes{
		Message:   "rate limit wait timed out",
		Severity:  xerrors.SeverityWarning,
		Retryable: true,
		Alert:     false,
	})
}

// Config 描述网关的重试与限流参数。
type Config struct {
	MaxAttempts int
	RetryBase   time.Duration
	RetryFactor float64
	// JitterFrac 为退避时长增加 ±JitterFrac 的随机抖动。
	JitterFrac float64
	// ExtractPerSecond 与 ObservePerSecond 分别限制两类外部调用的速率。
	ExtractPerSecond float64
	ExtractBurst     int
	ObservePerSecond float64
	ObserveBurst     int
	// ObserveTimeout 是单次链上读取的超时。每次重试单独计时，
	// 超时按瞬态失败处理。
	ObserveTimeout time.Duration
	// WaitTimeout 限制在限流器中的最长等待时间。
	WaitTimeout time.Duration
}

func (c *Config) applyDefaults() {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.RetryBase <= 0 {
		c.RetryBase = 500 * time.Millisecond
	}
	if c.RetryFactor <= 1 {
		c.RetryFactor = 2
	}
	if c.JitterFrac <= 0 || c.JitterFrac >= 1 {
		c.JitterFrac = 0.2
	}
	if c.ExtractPerSecond <= 0 {
		c.ExtractPerSecond = 1
	}
	if c.ExtractBurst <= 0 {
		c.ExtractBurst = 2
	}
	if c.ObservePerSecond <= 0 {
		c.ObservePerSecond = 10
	}
	if c.ObserveBurst <= 0 {
		c.ObserveBurst = 20
	}
	if c.ObserveTimeout <= 0 {
		c.ObserveTimeout = 10 * time.Second
	}
	if c.WaitTimeout <= 0 {
		c.WaitTimeout = 10 * time.Second
	}
}

// Gateway 是对外部依赖的统一门面，负责重试、退避与限流。
// 调度器与 API 层只经由 Gateway 访问模型与链上数据。
type Gateway struct {
	extractor extract.Client
	reader    web3.Reader

	extractLimiter *rate.Limiter
	observeLimiter *rate.Limiter

	cfg    Config
	now    func() time.Time
	sleep  func(ctx context.Context, d time.Duration) error
	jitter func() float64
}

// New 构造网关。
func New(extractor extract.Client, reader web3.Reader, cfg Config) *Gateway {
	cfg.applyDefaults()
	return &Gateway{
		extractor:      extractor,
		reader:         reader,
		extractLimiter: rate.NewLimiter(rate.Limit(cfg.ExtractPerSecond), cfg.ExtractBurst),
		observeLimiter: rate.NewLimiter(rate.Limit(cfg.ObservePerSecond), cfg.ObserveBurst),
		cfg:            cfg,
		now:            time.Now,
		sleep:          sleepContext,
		jitter:         rand.Float64,
	}
}

// Extract 将自然语言解析为任务草稿。模型输出不合法属于永久失败，
// 传输层错误按配置重试。
func (g *Gateway) Extract(ctx context.Context, text string) ([]task.Draft, error) {
	if g.extractor == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "抽取客户端未初始化")
	}
	if err := g.waitLimiter(ctx, g.extractLimiter); err != nil {
		return nil, err
	}

	var raw []extract.RawDraft
	err := g.withRetry(ctx, "extract", func() error {
		var callErr error
		raw, callErr = g.extractor.Extract(ctx, text)
		return callErr
	})
	if err != nil {
		switch {
		case xerrors.CodeOf(err) == extract.CodeExtractionFailed:
			return nil, err
		case isPermanent(err):
			return nil, xerrors.Wrap(extract.CodeExtractionFailed, err, "任务抽取失败")
		default:
			// 传输层重试耗尽仍是瞬态问题，调用方可稍后再试。
			return nil, xerrors.Wrap(xerrors.CodeUpstreamTransient, err, "抽取服务暂不可用")
		}
	}

	drafts := make([]task.Draft, 0, len(raw))
	for _, r := range raw {
		draft, convErr := convertDraft(r, text, g.now())
		if convErr != nil {
			return nil, convErr
		}
		drafts = append(drafts, draft)
	}
	return drafts, nil
}

// Observe 按任务类型读取链上数据并返回观测值。
func (g *Gateway) Observe(ctx context.Context, kind task.Kind, params task.Params) (*task.Observation, error) {
	if g.reader == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "链上读取客户端未初始化")
	}
	if err := g.waitLimiter(ctx, g.observeLimiter); err != nil {
		return nil, err
	}

	obs := &task.Observation{Kind: kind}
	err := g.withRetry(ctx, "observe", func() error {
		// 每次尝试单独限时，挂死的 RPC 连接不能拖住整轮调度。
		callCtx, cancel := context.WithTimeout(ctx, g.cfg.ObserveTimeout)
		defer cancel()
		switch kind {
		case task.KindBalanceWatch:
			wei, callErr := g.reader.BalanceAt(callCtx, params.Address)
			if callErr != nil {
				return callErr
			}
			obs.Wei = wei
		case task.KindGasWatch:
			wei, callErr := g.reader.GasPrice(callCtx)
			if callErr != nil {
				return callErr
			}
			obs.Wei = wei
		case task.KindTxStatus:
			state, callErr := g.reader.TransactionStatus(callCtx, params.TxHash)
			if callErr != nil {
				return callErr
			}
			obs.TxStatus = mapTxState(state)
		default:
			return xerrors.New(xerrors.CodeInvalidArgument,
				fmt.Sprintf("任务类型 %s 不需要链上观测", kind))
		}
		return nil
	})
	if err != nil {
		if xerrors.CodeOf(err) == xerrors.CodeInvalidArgument {
			return nil, err
		}
		return nil, xerrors.Wrap(CodeObservationUnavailable, err, "链上观测失败")
	}

	obs.FetchedAt = g.now()
	logger.Audit().Info("链上观测完成",
		slog.String("kind", string(kind)),
		slog.String("address", params.Address),
		slog.String("tx_hash", params.TxHash),
	)
	return obs, nil
}

// withRetry 以指数退避执行 fn。带有不可重试标记的错误立即返回。
func (g *Gateway) withRetry(ctx context.Context, op string, fn func() error) error {
	var lastErr error
	for attempt := 1; attempt <= g.cfg.MaxAttempts; attempt++ {
		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		if isPermanent(lastErr) {
			return lastErr
		}
		if ctx.Err() != nil {
			return lastErr
		}
		if attempt == g.cfg.MaxAttempts {
			break
		}

		delay := g.backoff(attempt)
		logger.L().Warn("外部调用失败，准备重试",
			slog.String("op", op),
			slog.Int("attempt", attempt),
			slog.Duration("delay", delay),
			slog.Any("error", lastErr),
		)
		if err := g.sleep(ctx, delay); err != nil {
			return err
		}
	}
	return lastErr
}

func (g *Gateway) backoff(attempt int) time.Duration {
	delay := float64(g.cfg.RetryBase)
	for i := 1; i < attempt; i++ {
		delay *= g.cfg.RetryFactor
	}
	// ±JitterFrac 抖动，避免多个任务同步重试。
	factor := 1 - g.cfg.JitterFrac + 2*g.cfg.JitterFrac*g.jitter()
	return time.Duration(delay * factor)
}

func (g *Gateway) waitLimiter(ctx context.Context, limiter *rate.Limiter) error {
	waitCtx, cancel := context.WithTimeout(ctx, g.cfg.WaitTimeout)
	defer cancel()
	if err := limiter.Wait(waitCtx); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return xerrors.Wrap(CodeRateLimitTimeout, err, "等待限流配额超时")
	}
	return nil
}

// isPermanent 判断错误是否不值得重试。未携带错误码的普通错误
// 一律按瞬态处理。
func isPermanent(err error) bool {
	if xe, ok := xerrors.From(err); ok {
		return !xe.Retryable()
	}
	return false
}

func mapTxState(state web3.TxState) task.TxStatus {
	switch state {
	case web3.TxStateConfirmed:
		return task.TxStatusConfirmed
	case web3.TxStateFailed:
		return task.TxStatusFailed
	default:
		return task.TxStatusPending
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
