package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/Zulqarnain689/Moltiverse-TaskFlow-Agent/internal/alert"
	"github.com/Zulqarnain689/Moltiverse-TaskFlow-Agent/internal/api"
	"github.com/Zulqarnain689/Moltiverse-TaskFlow-Agent/internal/config"
	"github.com/Zulqarnain689/Moltiverse-TaskFlow-Agent/internal/extract"
	"github.com/Zulqarnain689/Moltiverse-TaskFlow-Agent/internal/extract/gemini"
	"github.com/Zulqarnain689/Moltiverse-TaskFlow-Agent/internal/extract/openai"
	"github.com/Zulqarnain689/Moltiverse-TaskFlow-Agent/internal/gateway"
	"github.com/Zulqarnain689/Moltiverse-TaskFlow-Agent/internal/scheduler"
	"github.com/Zulqarnain689/Moltiverse-TaskFlow-Agent/internal/task"
	"github.com/Zulqarnain689/Moltiverse-TaskFlow-Agent/internal/web3/provider"
	"github.com/Zulqarnain689/Moltiverse-TaskFlow-Agent/pkg/logger"
)

// main 是 TaskFlow 守护进程的入口。
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		log.Fatalf("taskflowd 运行失败: %v", err)
	}
}

func run(ctx context.Context) error {
	configPath := os.Getenv("TASKFLOW_CONFIG")
	if configPath == "" {
		configPath = filepath.Join("configs", "taskflow.json")
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	if err := logger.Init(logger.Config{
		Level:       cfg.Logging.Level,
		Format:      cfg.Logging.Format,
		OutputPaths: cfg.Logging.OutputPaths,
		Audit: logger.AuditConfig{
			Enabled: cfg.Logging.AuditPath != "",
			Path:    cfg.Logging.AuditPath,
		},
	}); err != nil {
		return err
	}
	defer logger.Sync()

	var store task.Store
	switch cfg.Storage.TaskStore.Driver {
	case "", "memory":
		store = task.NewMemoryStore()
	case "mysql":
		mysqlStore, err := task.NewMySQLStore(cfg.Storage.TaskStore.DSN)
		if err != nil {
			return err
		}
		store = mysqlStore
	default:
		return fmt.Errorf("未知的任务存储驱动: %s", cfg.Storage.TaskStore.Driver)
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.L().Error("关闭任务存储失败", "error", err)
		}
	}()

	extractor, err := createExtractor(cfg)
	if err != nil {
		return err
	}

	chainRegistry, err := provider.NewRegistry(ctx, cfg.Web3)
	if err != nil {
		return err
	}
	defer chainRegistry.Close()

	reader, err := chainRegistry.DefaultReader()
	if err != nil {
		return err
	}
	if snapshot, err := reader.Snapshot(ctx); err != nil {
		logger.L().Warn("链节点探测失败", "error", err)
	} else {
		logger.L().Info("链节点已连接",
			"chain_id", snapshot.ChainID,
			"block_number", snapshot.BlockNumber,
		)
	}

	gw := gateway.New(extractor, reader, gateway.Config{
		MaxAttempts:      cfg.Gateway.MaxAttempts,
		RetryBase:        time.Duration(cfg.Gateway.RetryBaseMillis) * time.Millisecond,
		RetryFactor:      cfg.Gateway.RetryFactor,
		ExtractPerSecond: cfg.Gateway.ExtractPerSecond,
		ExtractBurst:     cfg.Gateway.ExtractBurst,
		ObservePerSecond: cfg.Gateway.ObservePerSecond,
		ObserveBurst:     cfg.Gateway.ObserveBurst,
		ObserveTimeout:   time.Duration(cfg.Gateway.ObserveTimeoutSeconds) * time.Second,
	})

	sink, err := createAlertSink(cfg)
	if err != nil {
		return err
	}

	service := task.NewService(store)
	defer service.Close()

	evalCfg := task.DefaultEvalConfig()
	if cfg.Scheduler.BalancePollSeconds > 0 {
		evalCfg.BalancePoll = time.Duration(cfg.Scheduler.BalancePollSeconds) * time.Second
	}
	if cfg.Scheduler.GasPollSeconds > 0 {
		evalCfg.GasPoll = time.Duration(cfg.Scheduler.GasPollSeconds) * time.Second
	}
	if cfg.Scheduler.TxPollInitialSeconds > 0 {
		evalCfg.TxPollInitial = time.Duration(cfg.Scheduler.TxPollInitialSeconds) * time.Second
	}
	if cfg.Scheduler.TxPollCapSeconds > 0 {
		evalCfg.TxPollCap = time.Duration(cfg.Scheduler.TxPollCapSeconds) * time.Second
	}

	loop := scheduler.New(store, gw, sink,
		scheduler.WithTick(cfg.Scheduler.Tick()),
		scheduler.WithWorkers(cfg.Scheduler.Workers),
		scheduler.WithEvalConfig(evalCfg),
	)

	server := api.NewServer(cfg.Server.Address, service, gw)

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return loop.Run(groupCtx)
	})
	group.Go(func() error {
		return server.Start(groupCtx)
	})

	if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func createExtractor(cfg *config.Config) (extract.Client, error) {
	switch cfg.Extraction.Provider {
	case "", "openai":
		apiKey := strings.TrimSpace(cfg.Extraction.OpenAI.APIKey)
		if apiKey == "" {
			apiKey = strings.TrimSpace(os.Getenv("OPENAI_API_KEY"))
		}
		if apiKey == "" {
			return nil, errors.New("OpenAI provider 需要配置 api_key 或环境变量 OPENAI_API_KEY")
		}
		return openai.NewClient(openai.Config{
			APIKey:  apiKey,
			BaseURL: cfg.Extraction.OpenAI.BaseURL,
			Model:   cfg.Extraction.OpenAI.Model,
			Timeout: time.Duration(cfg.Extraction.OpenAI.TimeoutSeconds) * time.Second,
		})
	case "gemini":
		apiKey := strings.TrimSpace(cfg.Extraction.Gemini.APIKey)
		if apiKey == "" {
			apiKey = strings.TrimSpace(os.Getenv("GEMINI_API_KEY"))
		}
		if apiKey == "" {
			return nil, errors.New("Gemini provider 需要配置 api_key 或环境变量 GEMINI_API_KEY")
		}
		return gemini.NewClient(gemini.Config{
			APIKey:  apiKey,
			BaseURL: cfg.Extraction.Gemini.BaseURL,
			Model:   cfg.Extraction.Gemini.Model,
			Timeout: time.Duration(cfg.Extraction.Gemini.TimeoutSeconds) * time.Second,
		})
	default:
		return nil, fmt.Errorf("未知的抽取 provider: %s", cfg.Extraction.Provider)
	}
}

// createAlertSink 组装告警链路。日志渠道始终开启，Slack 与
// RabbitMQ 渠道按配置挂载。
func createAlertSink(cfg *config.Config) (alert.Sink, error) {
	notifiers := []alert.Notifier{&alert.LogNotifier{}}

	if cfg.Alerts.Slack.Enabled {
		slackNotifier, err := alert.NewSlackWebhookNotifier(cfg.Alerts.Slack.WebhookURL, 0)
		if err != nil {
			return nil, err
		}
		notifiers = append(notifiers, slackNotifier)
	}

	if cfg.Alerts.RabbitMQ.Enabled {
		mqNotifier, err := alert.NewRabbitMQNotifier(alert.RabbitMQConfig{
			URL:        cfg.Alerts.RabbitMQ.URL,
			Queue:      cfg.Alerts.RabbitMQ.Queue,
			Durable:    cfg.Alerts.RabbitMQ.Durable,
			AutoDelete: cfg.Alerts.RabbitMQ.AutoDelete,
		})
		if err != nil {
			return nil, err
		}
		notifiers = append(notifiers, mqNotifier)
	}

	var deduper alert.Deduper
	switch cfg.Alerts.Dedup.Driver {
	case "", "memory":
		deduper = alert.NewMemoryDeduper()
	case "redis":
		redisDeduper, err := alert.NewRedisDeduper(alert.RedisDeduperConfig{
			Address:  cfg.Alerts.Dedup.Address,
			Password: cfg.Alerts.Dedup.Password,
			DB:       cfg.Alerts.Dedup.DB,
			TTL:      time.Duration(cfg.Alerts.Dedup.TTLHours) * time.Hour,
		})
		if err != nil {
			return nil, err
		}
		deduper = redisDeduper
	default:
		return nil, fmt.Errorf("未知的去重驱动: %s", cfg.Alerts.Dedup.Driver)
	}

	return alert.NewDedupSink(deduper, alert.NewFanout(notifiers...)), nil
}
