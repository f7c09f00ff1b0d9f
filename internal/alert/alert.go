package alert

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/Zulqarnain689/Moltiverse-TaskFlow-Agent/internal/task"
	"github.com/Zulqarnain689/Moltiverse-TaskFlow-Agent/pkg/logger"
)

// Channel 表示通知渠道。
type Channel string

// 支持的通知渠道
const (
	ChannelLog      Channel = "log"
	ChannelSlack    Channel = "slack"
	ChannelRabbitMQ Channel = "rabbitmq"
)

// Payload 描述一次触发的告警。TaskID 与 Version 共同标识
// 一个触发事件，Version 是任务进入 alerted 状态后的版本号。
type Payload struct {
	TaskID      string    `json:"task_id"`
	Version     int64     `json:"version"`
	Kind        task.Kind `json:"kind"`
	Description string    `json:"description"`
	Summary     string    `json:"summary"`
	TriggeredAt time.Time `json:"triggered_at"`
}

// Notifier 负责将告警发送到指定渠道。
type Notifier interface {
	Channel() Channel
	Notify(ctx context.Context, payload Payload) error
}

// Dispatcher 将告警广播给多个通知器。
type Dispatcher interface {
	Notify(ctx context.Context, payload Payload) error
}

// FanoutDispatcher 实现将告警投递到多个通知器的逻辑。
type FanoutDispatcher struct {
	notifiers map[Channel]Notifier
}

// NewFanout 创建一个新的 FanoutDispatcher。
func NewFanout(notifiers ...Notifier) *FanoutDispatcher {
	set := make(map[Channel]Notifier, len(notifiers))
	for _, n := range notifiers {
		if n == nil {
			continue
		}
		set[n.Channel()] = n
	}
	return &FanoutDispatcher{notifiers: set}
}

// Notify 将告警广播至所有注册渠道。
func (d *FanoutDispatcher) Notify(ctx context.Context, payload Payload) error {
	if d == nil {
		return nil
	}
	var errs []error
	for _, notifier := range d.notifiers {
		if err := notifier.Notify(ctx, payload); err != nil {
			errs = append(errs, fmt.Errorf("channel %s: %w", notifier.Channel(), err))
		}
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// LogNotifier 将告警写入结构化日志，始终开启。
type LogNotifier struct{}

// Channel 返回日志渠道。
func (n *LogNotifier) Channel() Channel { return ChannelLog }

// Notify 输出告警日志。
func (n *LogNotifier) Notify(_ context.Context, payload Payload) error {
	logger.Named("alert").Info("任务告警",
		slog.String("task_id", payload.TaskID),
		slog.Int64("version", payload.Version),
		slog.String("kind", string(payload.Kind)),
		slog.String("summary", payload.Summary),
		slog.Time("triggered_at", payload.TriggeredAt),
	)
	return nil
}
