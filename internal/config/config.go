package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"
)

// Config 描述了 TaskFlow 在启动阶段需要加载的核心配置。
type Config struct {
	Server     ServerConfig     `json:"server"`
	Storage    StorageConfig    `json:"storage"`
	Extraction ExtractionConfig `json:"extraction"`
	Web3       Web3Config       `json:"web3"`
	Scheduler  SchedulerConfig  `json:"scheduler"`
	Gateway    GatewayConfig    `json:"gateway"`
	Alerts     AlertsConfig     `json:"alerts"`
	Logging    LoggingConfig    `json:"logging"`
}

// ServerConfig 控制 API 服务的监听地址等参数。
type ServerConfig struct {
	Address string `json:"address"`
}

// StorageConfig 统一描述任务存储后端的连接信息。
type StorageConfig struct {
	TaskStore TaskStoreConfig `json:"task_store"`
}

// TaskStoreConfig 支持 memory 与 mysql 两种驱动。
type TaskStoreConfig struct {
	Driver string `json:"driver"`
	DSN    string `json:"dsn"`
}

// ExtractionConfig 用于配置语义抽取的调用方式。
type ExtractionConfig struct {
	Provider string         `json:"provider"`
	OpenAI   ProviderConfig `json:"openai"`
	Gemini   ProviderConfig `json:"gemini"`
}

// ProviderConfig 描述单个模型供应商的接入参数。
type ProviderConfig struct {
	APIKey         string `json:"api_key"`
	BaseURL        string `json:"base_url"`
	Model          string `json:"model"`
	TimeoutSeconds int    `json:"timeout_seconds"`
}

// Web3Config 包含访问区块链节点所需的 RPC 地址。
type Web3Config struct {
	RPCURL       string `json:"rpc_url"`
	ChainConfig  string `json:"chain_config"`
	DefaultChain string `json:"default_chain"`
}

// SchedulerConfig 控制后台协调循环的节奏。
type SchedulerConfig struct {
	TickSeconds          int `json:"tick_seconds"`
	Workers              int `json:"workers"`
	BalancePollSeconds   int `json:"balance_poll_seconds"`
	GasPollSeconds       int `json:"gas_poll_seconds"`
	TxPollInitialSeconds int `json:"tx_poll_initial_seconds"`
	TxPollCapSeconds     int `json:"tx_poll_cap_seconds"`
}

// GatewayConfig 控制外部调用的重试、限流与单次调用超时。
type GatewayConfig struct {
	MaxAttempts           int     `json:"max_attempts"`
	RetryBaseMillis       int     `json:"retry_base_millis"`
	RetryFactor           float64 `json:"retry_factor"`
	ExtractPerSecond      float64 `json:"extract_per_second"`
	ExtractBurst          int     `json:"extract_burst"`
	ObservePerSecond      float64 `json:"observe_per_second"`
	ObserveBurst          int     `json:"observe_burst"`
	ObserveTimeoutSeconds int     `json:"observe_timeout_seconds"`
}

// AlertsConfig 描述告警去重与通知渠道。日志渠道始终开启。
type AlertsConfig struct {
	Dedup    DedupConfig         `json:"dedup"`
	Slack    SlackAlertConfig    `json:"slack"`
	RabbitMQ RabbitMQAlertConfig `json:"rabbitmq"`
}

// DedupConfig 支持 memory 与 redis 两种驱动。
type DedupConfig struct {
	Driver   string `json:"driver"`
	Address  string `json:"address"`
	Password string `json:"password"`
	DB       int    `json:"db"`
	TTLHours int    `json:"ttl_hours"`
}

// SlackAlertConfig 描述 Slack webhook 渠道。
type SlackAlertConfig struct {
	Enabled    bool   `json:"enabled"`
	WebhookURL string `json:"webhook_url"`
}

// RabbitMQAlertConfig 描述 RabbitMQ 告警队列渠道。
type RabbitMQAlertConfig struct {
	Enabled    bool   `json:"enabled"`
	URL        string `json:"url"`
	Queue      string `json:"queue"`
	Durable    bool   `json:"durable"`
	AutoDelete bool   `json:"auto_delete"`
}

// LoggingConfig 控制应用日志与审计日志输出。
type LoggingConfig struct {
	Level       string   `json:"level"`
	Format      string   `json:"format"`
	OutputPaths []string `json:"output_paths"`
	AuditPath   string   `json:"audit_path"`
}

// Load 负责解析指定路径的 JSON 配置文件。
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("配置文件路径为空")
	}

	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("打开配置文件失败: %w", err)
	}
	defer file.Close()

	content, err := io.ReadAll(file)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(content, &cfg); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	cfg.applyDefaults(filepath.Dir(path))

	return &cfg, nil
}

// applyDefaults 在用户未填写部分字段时设置合理的默认值。
func (c *Config) applyDefaults(baseDir string) {
	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}

	if c.Storage.TaskStore.Driver == "" {
		c.Storage.TaskStore.Driver = "memory"
	}

	if c.Extraction.Provider == "" {
		c.Extraction.Provider = "openai"
	}

	if c.Web3.ChainConfig != "" && !filepath.IsAbs(c.Web3.ChainConfig) {
		c.Web3.ChainConfig = filepath.Join(baseDir, c.Web3.ChainConfig)
	}

	if c.Scheduler.TickSeconds <= 0 {
		c.Scheduler.TickSeconds = 5
	}
	if c.Scheduler.Workers <= 0 {
		c.Scheduler.Workers = 8
	}

	if c.Alerts.Dedup.Driver == "" {
		c.Alerts.Dedup.Driver = "memory"
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
}

// Tick 返回调度循环的轮询间隔。
func (s SchedulerConfig) Tick() time.Duration {
	return time.Duration(s.TickSeconds) * time.Second
}
