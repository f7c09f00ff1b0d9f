package gateway

import (
	"fmt"
	"strings"
	"time"

	xerrors "github.com/Zulqarnain689/Moltiverse-TaskFlow-Agent/internal/errors"
	"github.com/Zulqarnain689/Moltiverse-TaskFlow-Agent/internal/extract"
	"github.com/Zulqarnain689/Moltiverse-TaskFlow-Agent/internal/task"
	"github.com/Zulqarnain689/Moltiverse-TaskFlow-Agent/internal/web3"
)

// defaultReminderLead 用于缺少明确时间的提醒任务。
const defaultReminderLead = 30 * time.Minute

// convertDraft 将模型输出的字符串草稿转换为强类型的任务草稿。
// 任何字段不合法都视为抽取的永久失败。
func convertDraft(raw extract.RawDraft, originalText string, now time.Time) (task.Draft, error) {
	kind := task.Kind(strings.TrimSpace(strings.ToLower(raw.Kind)))
	if !task.IsValidKind(kind) {
		return task.Draft{}, xerrors.New(extract.CodeExtractionFailed,
			fmt.Sprintf("模型输出了未知的任务类型: %q", raw.Kind))
	}

	description := strings.TrimSpace(raw.Title)
	if description == "" {
		description = strings.TrimSpace(originalText)
	}

	draft := task.Draft{Kind: kind, Description: description}

	switch kind {
	case task.KindReminder:
		if due := strings.TrimSpace(raw.DueAt); due != "" {
			parsed, err := time.Parse(time.RFC3339, due)
			if err != nil {
				return task.Draft{}, xerrors.Wrap(extract.CodeExtractionFailed, err,
					fmt.Sprintf("提醒时间 %q 不是合法的 RFC3339 时间", raw.DueAt))
			}
			draft.DueAt = parsed
		} else {
			draft.DueAt = now.Add(defaultReminderLead)
		}
		if raw.Recurring {
			if raw.EveryMinutes <= 0 {
				return task.Draft{}, xerrors.New(extract.CodeExtractionFailed, "循环提醒缺少重复间隔")
			}
			draft.Params.Recurring = true
			draft.Params.Every = time.Duration(raw.EveryMinutes) * time.Minute
		}

	case task.KindBalanceWatch:
		address := strings.TrimSpace(raw.Address)
		if address == "" {
			return task.Draft{}, xerrors.New(extract.CodeExtractionFailed, "余额监控缺少地址")
		}
		threshold, ok := web3.MONToWei(raw.ThresholdMON)
		if !ok {
			return task.Draft{}, xerrors.New(extract.CodeExtractionFailed,
				fmt.Sprintf("余额阈值 %q 不是合法的 MON 数量", raw.ThresholdMON))
		}
		draft.Params.Address = address
		draft.Params.ThresholdWei = threshold
		draft.Params.Direction = parseDirection(raw.Direction)
		draft.Params.Recurring = raw.Recurring

	case task.KindGasWatch:
		ceiling, ok := web3.GweiToWei(raw.CeilingGwei)
		if !ok {
			return task.Draft{}, xerrors.New(extract.CodeExtractionFailed,
				fmt.Sprintf("gas 上限 %q 不是合法的 gwei 数量", raw.CeilingGwei))
		}
		draft.Params.CeilingWei = ceiling
		draft.Params.Recurring = raw.Recurring

	case task.KindTxStatus:
		txHash := strings.TrimSpace(raw.TxHash)
		if txHash == "" {
			return task.Draft{}, xerrors.New(extract.CodeExtractionFailed, "交易监控缺少交易哈希")
		}
		draft.Params.TxHash = txHash
		draft.Params.AutoAck = raw.AutoAck
	}

	if err := draft.Validate(); err != nil {
		return task.Draft{}, xerrors.Wrap(extract.CodeExtractionFailed, err, "任务草稿校验失败")
	}
	return draft, nil
}

func parseDirection(raw string) task.Direction {
	if strings.EqualFold(strings.TrimSpace(raw), string(task.DirectionAbove)) {
		return task.DirectionAbove
	}
	return task.DirectionBelow
}
