package extract

import (
	"context"

	xerrors "github.com/Zulqarnain689/Moltiverse-TaskFlow-Agent/internal/errors"
)

// RawDraft 是大模型返回的任务草稿，字段全部为字符串形式，
// 由上层负责校验与类型转换。
type RawDraft struct {
	Kind         string `json:"kind"`
	Title        string `json:"title"`
	Address      string `json:"address,omitempty"`
	ThresholdMON string `json:"threshold_mon,omitempty"`
	Direction    string `json:"direction,omitempty"`
	CeilingGwei  string `json:"ceiling_gwei,omitempty"`
	TxHash       string `json:"tx_hash,omitempty"`
	AutoAck      bool   `json:"auto_ack,omitempty"`
	DueAt        string `json:"due_at,omitempty"`
	Recurring    bool   `json:"recurring,omitempty"`
	EveryMinutes int    `json:"every_minutes,omitempty"`
}

// Client 定义了从自然语言抽取任务草稿的统一接口。
type Client interface {
	Extract(ctx context.Context, text string) ([]RawDraft, error)
}

// CodeExtractionFailed 表示模型无法从文本中抽取出合法的任务草稿。
// 这是永久性失败，重试不会改变结果。
const CodeExtractionFailed xerrors.Code = "EXTRACTION_FAILED"

func init() {
	xerrors.Register(CodeExtractionFailed, xerrors.Attributes{
		Message:   "semantic extraction failed",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     false,
	})
}
