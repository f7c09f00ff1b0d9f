package alert

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// SlackWebhookNotifier 通过 Slack incoming webhook 发送告警。
type SlackWebhookNotifier struct {
	webhookURL string
	httpClient *http.Client
}

// NewSlackWebhookNotifier 创建 Slack 通知器。
func NewSlackWebhookNotifier(webhookURL string, timeout time.Duration) (*SlackWebhookNotifier, error) {
	webhookURL = strings.TrimSpace(webhookURL)
	if webhookURL == "" {
		return nil, errors.New("Slack webhook URL 不能为空")
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &SlackWebhookNotifier{
		webhookURL: webhookURL,
		httpClient: &http.Client{Timeout: timeout},
	}, nil
}

// Channel 返回 Slack 渠道。
func (n *SlackWebhookNotifier) Channel() Channel { return ChannelSlack }

// Notify 发送 Slack 消息。
func (n *SlackWebhookNotifier) Notify(ctx context.Context, payload Payload) error {
	if n == nil || n.httpClient == nil {
		return errors.New("SlackWebhookNotifier 未初始化")
	}

	text := fmt.Sprintf("*%s*\n%s\n`task=%s v=%d`",
		payload.Summary, payload.Description, payload.TaskID, payload.Version)
	body, err := json.Marshal(map[string]string{"text": text})
	if err != nil {
		return fmt.Errorf("序列化 Slack 消息失败: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.webhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("构建 Slack 请求失败: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("请求 Slack 失败: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("Slack 返回错误状态 %d: %s", resp.StatusCode, strings.TrimSpace(string(detail)))
	}
	return nil
}
