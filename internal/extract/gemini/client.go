package gemini

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

	xerrors "github.com/Zulqarnain689/Moltiverse-TaskFlow-Agent/internal/errors"
	"github.com/Zulqarnain689/Moltiverse-TaskFlow-Agent/internal/extract"
)

const (
	defaultBaseURL   = "https://generativelanguage.googleapis.com/v1beta"
	defaultModelName = "gemini-2.0-flash"
	defaultTimeout   = 60 * time.Second
)

// Config 描述了调用 Gemini generateContent API 所需的信息。
type Config struct {
	APIKey  string
	BaseURL string
	Model   string
	Timeout time.Duration
}

// Client 通过 HTTP 调用 Gemini 完成任务抽取。
type Client struct {
	apiKey     string
	baseURL    string
	model      string
	httpClient *http.Client
}

// NewClient 根据配置创建 Gemini 客户端。
func NewClient(cfg Config) (*Client, error) {
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		return nil, errors.New("未提供 Gemini API Key")
	}

	baseURL := strings.TrimSpace(cfg.BaseURL)
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	baseURL = strings.TrimRight(baseURL, "/")

	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = defaultModelName
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	return &Client{
		apiKey:  apiKey,
		baseURL: baseURL,
		model:   model,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}, nil
}

// Extract 调用 Gemini 将自然语言解析为任务草稿。
func (c *Client) Extract(ctx context.Context, text string) ([]extract.RawDraft, error) {
	payload, err := c.buildPayload(text)
	if err != nil {
		return nil, err
	}

	endpoint := fmt.Sprintf("%s/models/%s:generateContent", c.baseURL, c.model)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("构建 Gemini 请求失败: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-goog-api-key", c.apiKey)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeUpstreamTransient, err, "请求 Gemini 失败")
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusInternalServerError || resp.StatusCode == http.StatusTooManyRequests {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return nil, xerrors.New(xerrors.CodeUpstreamTransient,
			fmt.Sprintf("Gemini 返回错误状态 %d: %s", resp.StatusCode, strings.TrimSpace(string(body))))
	}
	if resp.StatusCode >= http.StatusBadRequest {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return nil, xerrors.New(extract.CodeExtractionFailed,
			fmt.Sprintf("Gemini 返回错误状态 %d: %s", resp.StatusCode, strings.TrimSpace(string(body))))
	}

	var decoded struct {
		Candidates []struct {
			Content struct {
				Parts []struct {
					Text string `json:"text"`
				} `json:"parts"`
			} `json:"content"`
		} `json:"candidates"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeUpstreamTransient, err, "解析 Gemini 响应失败")
	}
	if len(decoded.Candidates) == 0 || len(decoded.Candidates[0].Content.Parts) == 0 {
		return nil, xerrors.New(extract.CodeExtractionFailed, "Gemini 响应中没有有效的 candidates")
	}

	content := strings.TrimSpace(decoded.Candidates[0].Content.Parts[0].Text)
	if content == "" {
		return nil, xerrors.New(extract.CodeExtractionFailed, "Gemini 响应内容为空")
	}
	return decodeDrafts(content)
}

func decodeDrafts(content string) ([]extract.RawDraft, error) {
	content = strings.TrimSpace(content)
	content = strings.TrimPrefix(content, "```json")
	content = strings.TrimPrefix(content, "```")
	content = strings.TrimSuffix(content, "```")
	content = strings.TrimSpace(content)

	var drafts []extract.RawDraft
	if err := json.Unmarshal([]byte(content), &drafts); err != nil {
		var single extract.RawDraft
		if err2 := json.Unmarshal([]byte(content), &single); err2 != nil {
			return nil, xerrors.Wrap(extract.CodeExtractionFailed, err, "模型输出不是合法的任务草稿 JSON")
		}
		drafts = []extract.RawDraft{single}
	}
	if len(drafts) == 0 {
		return nil, xerrors.New(extract.CodeExtractionFailed, "模型未抽取出任何任务")
	}
	return drafts, nil
}

func (c *Client) buildPayload(text string) ([]byte, error) {
	body := map[string]any{
		"system_instruction": map[string]any{
			"parts": []map[string]any{{"text": systemPrompt}},
		},
		"contents": []map[string]any{
			{
				"role":  "user",
				"parts": []map[string]any{{"text": strings.TrimSpace(text)}},
			},
		},
		"generationConfig": map[string]any{
			"temperature": 0.2,
		},
	}

	encoded, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("序列化 Gemini 请求失败: %w", err)
	}
	return encoded, nil
}

const systemPrompt = "" +
	"You are a task extraction engine for a personal on-chain assistant. " +
	"Parse the user message into tasks and respond ONLY with a compact JSON array. " +
	"Each element: {\"kind\": \"reminder\"|\"balance_watch\"|\"gas_watch\"|\"tx_status\", " +
	"\"title\": string, \"address\": hex string, \"threshold_mon\": decimal string, " +
	"\"direction\": \"above\"|\"below\", \"ceiling_gwei\": decimal string, " +
	"\"tx_hash\": hex string, \"auto_ack\": bool (tx watch completes silently once final), " +
	"\"due_at\": RFC3339 timestamp, " +
	"\"recurring\": bool, \"every_minutes\": int}. " +
	"Omit fields that do not apply. Resolve relative times against the current time " +
	"given in the user message."

var _ extract.Client = (*Client)(nil)
