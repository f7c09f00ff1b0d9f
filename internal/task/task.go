package task

import (
	"math/big"
	"time"

	xerrors "github.com/Zulqarnain689/Moltiverse-TaskFlow-Agent/internal/errors"
)

// Kind 表示任务类型，决定调度时需要获取哪种链上观测值。
type Kind string

const (
	KindReminder     Kind = "reminder"
	KindBalanceWatch Kind = "balance_watch"
	KindGasWatch     Kind = "gas_watch"
	KindTxStatus     Kind = "tx_status"
)

// State 表示任务在生命周期中的状态。
type State string

const (
	StatePending   State = "pending"
	StateArmed     State = "armed"
	StateAlerted   State = "alerted"
	StateDone      State = "done"
	StateCancelled State = "cancelled"
)

// Direction 表示余额监控的触发方向。
type Direction string

const (
	DirectionAbove Direction = "above"
	DirectionBelow Direction = "below"
)

// TxStatus 表示链上交易的观测状态。
type TxStatus string

const (
	TxStatusPending   TxStatus = "pending"
	TxStatusConfirmed TxStatus = "confirmed"
	TxStatusFailed    TxStatus = "failed"
)

// Params 保存按任务类型区分的配置，创建后不再修改。
type Params struct {
	// 余额监控
	Address      string    `json:"address,omitempty"`
	ThresholdWei *big.Int  `json:"threshold_wei,omitempty"`
	Direction    Direction `json:"direction,omitempty"`
	// Gas 监控
	CeilingWei *big.Int `json:"ceiling_wei,omitempty"`
	// 交易状态监控
	TxHash string `json:"tx_hash,omitempty"`
	// AutoAck 表示交易到达终态后直接完成任务，不经过 alerted 等待确认。
	AutoAck bool `json:"auto_ack,omitempty"`
	// 轮询与重复规则
	PollInterval time.Duration `json:"poll_interval,omitempty"`
	Recurring    bool          `json:"recurring,omitempty"`
	Every        time.Duration `json:"every,omitempty"`
}

// Observation 是一次针对任务的外部观测快照。
type Observation struct {
	Kind      Kind      `json:"kind"`
	Wei       *big.Int  `json:"wei,omitempty"`
	TxStatus  TxStatus  `json:"tx_status,omitempty"`
	FetchedAt time.Time `json:"fetched_at"`
}

// Clone 返回观测值的深拷贝。
func (o *Observation) Clone() *Observation {
	if o == nil {
		return nil
	}
	clone := *o
	if o.Wei != nil {
		clone.Wei = new(big.Int).Set(o.Wei)
	}
	return &clone
}

// Task 描述一条被系统跟踪的用户意图。
type Task struct {
	ID              string       `json:"id"`
	Description     string       `json:"description"`
	Kind            Kind         `json:"kind"`
	Params          Params       `json:"params"`
	State           State        `json:"state"`
	Version         int64        `json:"version"`
	DueAt           time.Time    `json:"due_at,omitzero"`
	LastObservation *Observation `json:"last_observation,omitempty"`
	AlertFired      bool         `json:"alert_fired"`
	// PollBackoff 记录交易监控当前的退避轮询间隔。
	PollBackoff time.Duration `json:"poll_backoff,omitempty"`
	CreatedAt   int64         `json:"created_at"`
	UpdatedAt   int64         `json:"updated_at"`
}

// Draft 是语义抽取得到的、尚未入库的任务草稿。
type Draft struct {
	Kind        Kind
	Description string
	Params      Params
	DueAt       time.Time
}

var (
	// ErrTaskNotFound 表示指定的任务不存在。
	ErrTaskNotFound = xerrors.New(CodeTaskNotFound, "task not found")
	// ErrTaskConflict 表示创建任务时 ID 已存在。
	ErrTaskConflict = xerrors.New(CodeTaskConflict, "task already exists", xerrors.WithSeverity(xerrors.SeverityWarning))
	// ErrVersionConflict 表示带过期版本号的写入被存储层拒绝。
	ErrVersionConflict = xerrors.New(CodeVersionConflict, "task version conflict", xerrors.WithSeverity(xerrors.SeverityInfo))
	// ErrInvalidTransition 表示任务当前状态不允许所请求的状态迁移。
	ErrInvalidTransition = xerrors.New(CodeInvalidTransition, "invalid task state transition")
)

const (
	CodeTaskNotFound      xerrors.Code = "TASK_NOT_FOUND"
	CodeTaskConflict      xerrors.Code = "TASK_CONFLICT"
	CodeVersionConflict   xerrors.Code = "VERSION_CONFLICT"
	CodeInvalidTransition xerrors.Code = "INVALID_TRANSITION"
	CodeTaskValidation    xerrors.Code = "TASK_VALIDATION_FAILED"
)

func init() {
	xerrors.Register(CodeTaskNotFound, xerrors.Attributes{
		Message:   "task not found",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeTaskConflict, xerrors.Attributes{
		Message:   "task already exists",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeVersionConflict, xerrors.Attributes{
		Message:   "task version conflict",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeInvalidTransition, xerrors.Attributes{
		Message:   "invalid task state transition",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeTaskValidation, xerrors.Attributes{
		Message:   "task validation failed",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
}

// Clone 返回任务的深拷贝，调用方可以安全修改返回值。
func (t *Task) Clone() *Task {
	if t == nil {
		return nil
	}
	clone := *t
	clone.Params = t.Params.clone()
	clone.LastObservation = t.LastObservation.Clone()
	return &clone
}

func (p Params) clone() Params {
	clone := p
	if p.ThresholdWei != nil {
		clone.ThresholdWei = new(big.Int).Set(p.ThresholdWei)
	}
	if p.CeilingWei != nil {
		clone.CeilingWei = new(big.Int).Set(p.CeilingWei)
	}
	return clone
}

// Live 判断任务是否仍处于需要调度的状态。
func (s State) Live() bool {
	return s == StatePending || s == StateArmed
}

// Terminal 判断任务是否已经结束。
func (s State) Terminal() bool {
	return s == StateDone || s == StateCancelled
}

// IsValidKind 检查给定的任务类型是否为支持的枚举值。
func IsValidKind(kind Kind) bool {
	switch kind {
	case KindReminder, KindBalanceWatch, KindGasWatch, KindTxStatus:
		return true
	default:
		return false
	}
}

// IsValidState 检查给定的任务状态是否为支持的枚举值。
func IsValidState(state State) bool {
	switch state {
	case StatePending, StateArmed, StateAlerted, StateDone, StateCancelled:
		return true
	default:
		return false
	}
}

// Validate 校验草稿的类型参数是否完整。
func (d Draft) Validate() error {
	if !IsValidKind(d.Kind) {
		return xerrors.New(CodeTaskValidation, "未知的任务类型: "+string(d.Kind))
	}
	switch d.Kind {
	case KindBalanceWatch:
		if d.Params.Address == "" {
			return xerrors.New(CodeTaskValidation, "余额监控缺少地址")
		}
		if d.Params.ThresholdWei == nil || d.Params.ThresholdWei.Sign() < 0 {
			return xerrors.New(CodeTaskValidation, "余额监控缺少有效阈值")
		}
		if d.Params.Direction != DirectionAbove && d.Params.Direction != DirectionBelow {
			return xerrors.New(CodeTaskValidation, "余额监控缺少触发方向")
		}
	case KindGasWatch:
		if d.Params.CeilingWei == nil || d.Params.CeilingWei.Sign() <= 0 {
			return xerrors.New(CodeTaskValidation, "Gas 监控缺少有效上限")
		}
	case KindTxStatus:
		if d.Params.TxHash == "" {
			return xerrors.New(CodeTaskValidation, "交易监控缺少交易哈希")
		}
	case KindReminder:
		if d.DueAt.IsZero() {
			return xerrors.New(CodeTaskValidation, "提醒任务缺少触发时间")
		}
		if d.Params.Recurring && d.Params.Every <= 0 {
			return xerrors.New(CodeTaskValidation, "循环提醒缺少重复间隔")
		}
	}
	return nil
}
