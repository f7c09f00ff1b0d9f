package alert

import (
	"context"
	"log/slog"

	"github.com/Zulqarnain689/Moltiverse-TaskFlow-Agent/pkg/logger"
)

// Sink 是调度器投递告警的入口。
type Sink interface {
	Deliver(ctx context.Context, payload Payload) error
}

// DedupSink 在投递前做 (task_id, version) 去重，再广播给所有渠道。
// 单个渠道的发送失败只记日志，不影响投递结果。
type DedupSink struct {
	deduper    Deduper
	dispatcher Dispatcher
}

// NewDedupSink 创建告警出口。
func NewDedupSink(deduper Deduper, dispatcher Dispatcher) *DedupSink {
	return &DedupSink{deduper: deduper, dispatcher: dispatcher}
}

// Deliver 实现 Sink 接口。重复的触发事件被静默丢弃。
func (s *DedupSink) Deliver(ctx context.Context, payload Payload) error {
	if s == nil || s.deduper == nil || s.dispatcher == nil {
		return nil
	}

	first, err := s.deduper.MarkDelivered(ctx, payload.TaskID, payload.Version)
	if err != nil {
		return err
	}
	if !first {
		logger.L().Debug("重复告警被去重",
			slog.String("task_id", payload.TaskID),
			slog.Int64("version", payload.Version),
		)
		return nil
	}

	if err := s.dispatcher.Notify(ctx, payload); err != nil {
		logger.L().Error("部分告警渠道发送失败",
			slog.String("task_id", payload.TaskID),
			slog.Int64("version", payload.Version),
			slog.Any("error", err),
		)
	}
	return nil
}

var _ Sink = (*DedupSink)(nil)
