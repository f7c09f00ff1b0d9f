package task

import (
	"fmt"
	"math/big"
	"time"

	xerrors "github.com/Zulqarnain689/Moltiverse-TaskFlow-Agent/internal/errors"
	"github.com/Zulqarnain689/Moltiverse-TaskFlow-Agent/internal/web3"
)

// Outcome 表示一次条件评估的结论。
type Outcome int

const (
	// OutcomeNoChange 表示条件未满足，任务保持原状态并在 NextDue 重新检查。
	OutcomeNoChange Outcome = iota
	// OutcomeTrigger 表示条件满足，应触发告警。
	OutcomeTrigger
	// OutcomeComplete 表示任务已无继续监控的意义（如交易已落块且无需告警）。
	OutcomeComplete
)

// Decision 是 Evaluate 的输出，由调度器通过 CAS 落库。
type Decision struct {
	Outcome Outcome
	// NextDue 为下一次检查时间；触发且不再续订时为零值。
	NextDue time.Time
	// NextInterval 记录轮询间隔（目前仅 tx_status 的指数退避使用）。
	NextInterval time.Duration
	// Rearm 表示告警送达后应重新进入 armed 状态（周期性任务）。
	Rearm bool
	// Summary 是面向用户的触发说明。
	Summary string
}

// EvalConfig 提供各任务类型的默认轮询参数。
type EvalConfig struct {
	BalancePoll   time.Duration
	GasPoll       time.Duration
	TxPollInitial time.Duration
	TxPollCap     time.Duration
}

// DefaultEvalConfig 返回内置默认值。
func DefaultEvalConfig() EvalConfig {
	return EvalConfig{
		BalancePoll:   60 * time.Second,
		GasPoll:       30 * time.Second,
		TxPollInitial: 5 * time.Second,
		TxPollCap:     60 * time.Second,
	}
}

// Evaluate 对单个任务做纯函数式的条件判定。除 reminder 外的任务类型
// 都要求携带对应类型的观测值；观测缺失由调度器负责跳过，不会走到这里。
func Evaluate(t *Task, obs *Observation, now time.Time, cfg EvalConfig) (Decision, error) {
	if t == nil {
		return Decision{}, xerrors.New(xerrors.CodeInvalidArgument, "task 不能为空")
	}

	switch t.Kind {
	case KindReminder:
		return evaluateReminder(t, now)
	case KindBalanceWatch:
		return evaluateBalanceWatch(t, obs, now, cfg)
	case KindGasWatch:
		return evaluateGasWatch(t, obs, now, cfg)
	case KindTxStatus:
		return evaluateTxStatus(t, obs, now, cfg)
	default:
		return Decision{}, xerrors.New(xerrors.CodeInvalidArgument,
			fmt.Sprintf("未知任务类型: %s", t.Kind))
	}
}

func evaluateReminder(t *Task, now time.Time) (Decision, error) {
	if t.DueAt.IsZero() {
		return Decision{}, xerrors.New(xerrors.CodeInvalidArgument, "reminder 缺少到期时间")
	}
	if now.Before(t.DueAt) {
		return Decision{Outcome: OutcomeNoChange, NextDue: t.DueAt}, nil
	}
	d := Decision{
		Outcome: OutcomeTrigger,
		Summary: fmt.Sprintf("提醒: %s", t.Description),
	}
	if t.Params.Recurring && t.Params.Every > 0 {
		d.Rearm = true
		d.NextDue = now.Add(t.Params.Every)
	}
	return d, nil
}

func evaluateBalanceWatch(t *Task, obs *Observation, now time.Time, cfg EvalConfig) (Decision, error) {
	if obs == nil || obs.Wei == nil {
		return Decision{}, xerrors.New(xerrors.CodeInvalidArgument, "balance_watch 缺少余额观测值")
	}
	if t.Params.ThresholdWei == nil {
		return Decision{}, xerrors.New(xerrors.CodeInvalidArgument, "balance_watch 缺少阈值")
	}

	poll := t.Params.PollInterval
	if poll <= 0 {
		poll = cfg.BalancePoll
	}
	next := now.Add(poll)

	onTrigger := balanceOnTriggerSide(obs.Wei, t.Params.ThresholdWei, t.Params.Direction)
	prevOnTrigger := t.LastObservation != nil && t.LastObservation.Wei != nil &&
		balanceOnTriggerSide(t.LastObservation.Wei, t.Params.ThresholdWei, t.Params.Direction)

	// 仅在"穿越阈值"的那一轮触发，避免持续越界时反复告警。
	if !onTrigger || prevOnTrigger {
		return Decision{Outcome: OutcomeNoChange, NextDue: next}, nil
	}

	d := Decision{
		Outcome: OutcomeTrigger,
		Summary: fmt.Sprintf("地址 %s 余额 %s MON 已%s阈值 %s MON",
			t.Params.Address,
			web3.FormatMON(obs.Wei),
			directionVerb(t.Params.Direction),
			web3.FormatMON(t.Params.ThresholdWei)),
	}
	if t.Params.Recurring {
		d.Rearm = true
		d.NextDue = next
	}
	return d, nil
}

func evaluateGasWatch(t *Task, obs *Observation, now time.Time, cfg EvalConfig) (Decision, error) {
	if obs == nil || obs.Wei == nil {
		return Decision{}, xerrors.New(xerrors.CodeInvalidArgument, "gas_watch 缺少 gas 价格观测值")
	}
	if t.Params.CeilingWei == nil {
		return Decision{}, xerrors.New(xerrors.CodeInvalidArgument, "gas_watch 缺少价格上限")
	}

	poll := t.Params.PollInterval
	if poll <= 0 {
		poll = cfg.GasPoll
	}
	next := now.Add(poll)

	onTrigger := obs.Wei.Cmp(t.Params.CeilingWei) <= 0
	prevOnTrigger := t.LastObservation != nil && t.LastObservation.Wei != nil &&
		t.LastObservation.Wei.Cmp(t.Params.CeilingWei) <= 0

	if !onTrigger || prevOnTrigger {
		return Decision{Outcome: OutcomeNoChange, NextDue: next}, nil
	}

	d := Decision{
		Outcome: OutcomeTrigger,
		Summary: fmt.Sprintf("gas 价格 %s gwei 已降至上限 %s gwei 以下",
			web3.FormatGwei(obs.Wei),
			web3.FormatGwei(t.Params.CeilingWei)),
	}
	if t.Params.Recurring {
		d.Rearm = true
		d.NextDue = next
	}
	return d, nil
}

func evaluateTxStatus(t *Task, obs *Observation, now time.Time, cfg EvalConfig) (Decision, error) {
	if obs == nil {
		return Decision{}, xerrors.New(xerrors.CodeInvalidArgument, "tx_status 缺少交易观测值")
	}

	switch obs.TxStatus {
	case TxStatusConfirmed, TxStatusFailed:
		// auto_ack 的交易监控不进入 alerted 等待确认，终态即完成。
		if t.Params.AutoAck {
			return Decision{Outcome: OutcomeComplete}, nil
		}
		summary := fmt.Sprintf("交易 %s 已确认", t.Params.TxHash)
		if obs.TxStatus == TxStatusFailed {
			summary = fmt.Sprintf("交易 %s 执行失败", t.Params.TxHash)
		}
		return Decision{
			Outcome: OutcomeTrigger,
			Summary: summary,
		}, nil
	case TxStatusPending:
		interval := t.PollBackoff
		if interval <= 0 {
			interval = cfg.TxPollInitial
		} else {
			interval *= 2
		}
		if interval > cfg.TxPollCap {
			interval = cfg.TxPollCap
		}
		return Decision{
			Outcome:      OutcomeNoChange,
			NextDue:      now.Add(interval),
			NextInterval: interval,
		}, nil
	default:
		return Decision{}, xerrors.New(xerrors.CodeInvalidArgument,
			fmt.Sprintf("未知交易状态: %s", obs.TxStatus))
	}
}

func balanceOnTriggerSide(wei, threshold *big.Int, dir Direction) bool {
	switch dir {
	case DirectionAbove:
		return wei.Cmp(threshold) >= 0
	default:
		return wei.Cmp(threshold) <= 0
	}
}

func directionVerb(dir Direction) string {
	if dir == DirectionAbove {
		return "高于"
	}
	return "低于"
}
