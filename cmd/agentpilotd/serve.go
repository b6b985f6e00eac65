package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"AgentPilot/internal/api"
	"AgentPilot/internal/approval"
	"AgentPilot/internal/config"
	"AgentPilot/internal/dispatch"
	"AgentPilot/internal/engine"
	"AgentPilot/internal/observability/alerting"
	"AgentPilot/internal/observability/metrics"
	"AgentPilot/internal/statestore"
	"AgentPilot/internal/workflow"
	"AgentPilot/pkg/logger"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "启动 API、计划队列消费者与触发器调度",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return serve(ctx, configPath)
	},
}

func serve(ctx context.Context, path string) error {
	cfg, err := loadConfig(path)
	if err != nil {
		return err
	}
	if err := initLogger(cfg); err != nil {
		return err
	}
	defer logger.Sync()
	log := logger.Named("daemon")

	if err := os.MkdirAll(cfg.Runtime.DataDir, 0o755); err != nil {
		return err
	}

	backend, err := statestore.Open(ctx, statestore.Config{
		Driver:          cfg.Storage.StateStore.Driver,
		Dir:             cfg.Runtime.DataDir,
		DSN:             cfg.Storage.StateStore.DSN,
		MaxOpenConns:    cfg.Storage.StateStore.MaxOpenConns,
		MaxIdleConns:    cfg.Storage.StateStore.MaxIdleConns,
		ConnMaxLifetime: time.Duration(cfg.Storage.StateStore.ConnMaxLifetimeSeconds) * time.Second,
		ConnMaxIdleTime: time.Duration(cfg.Storage.StateStore.ConnMaxIdleTimeSeconds) * time.Second,
		Redis: statestore.RedisConfig{
			Address:  cfg.Storage.StateStore.Redis.Address,
			Password: cfg.Storage.StateStore.Redis.Password,
			DB:       cfg.Storage.StateStore.Redis.DB,
			Prefix:   cfg.Storage.StateStore.Redis.Prefix,
		},
	})
	if err != nil {
		return err
	}
	mirror := statestore.NewMirror(backend)
	defer func() {
		if err := mirror.Close(); err != nil {
			log.Error("关闭状态存储失败", slog.Any("error", err))
		}
	}()

	queue, err := dispatch.Open(ctx, dispatch.Config{
		Driver: cfg.Queue.Driver,
		Buffer: cfg.Queue.Buffer,
		Redis: dispatch.RedisQueueConfig{
			Address:   cfg.Queue.Redis.Address,
			Password:  cfg.Queue.Redis.Password,
			DB:        cfg.Queue.Redis.DB,
			Queue:     cfg.Queue.Redis.Queue,
			BlockWait: time.Duration(cfg.Queue.Redis.BlockWait) * time.Second,
		},
		RabbitMQ: dispatch.RabbitMQConfig{
			URL:        cfg.Queue.RabbitMQ.URL,
			Queue:      cfg.Queue.RabbitMQ.Queue,
			Prefetch:   cfg.Queue.RabbitMQ.Prefetch,
			Durable:    cfg.Queue.RabbitMQ.Durable,
			AutoDelete: cfg.Queue.RabbitMQ.AutoDelete,
		},
	})
	if err != nil {
		return err
	}
	defer func() {
		if err := queue.Close(); err != nil {
			log.Error("关闭计划队列失败", slog.Any("error", err))
		}
	}()

	alerts := buildAlerts(cfg)
	eng, err := buildEngine(cfg, engine.WithQueue(queue), engine.WithMirror(mirror), engine.WithAlertDispatcher(alerts))
	if err != nil {
		return err
	}
	if err := eng.Restore(ctx); err != nil {
		return err
	}
	// 配置文件中的能力覆盖优先于持久化状态。
	applyPermissions(eng, cfg.Permissions)

	if cfg.Approval.NATS.URL != "" {
		bridge, err := approval.NewNATSBridge(approval.NATSConfig{
			URL:     cfg.Approval.NATS.URL,
			Subject: cfg.Approval.NATS.Subject,
			Name:    cfg.Approval.NATS.Name,
			Timeout: time.Duration(cfg.Approval.NATS.TimeoutSeconds) * time.Second,
		}, eng.Approvals())
		if err != nil {
			return err
		}
		defer bridge.Close()
		eng.Approvals().AddNotifier(bridge.Announce)
	}

	processor := dispatch.NewProcessor(eng, queue,
		dispatch.WithWorkerCount(cfg.Queue.Workers),
		dispatch.WithProcessorLogger(logger.Named("dispatch")),
		dispatch.WithAlertDispatcher(alerts),
	)
	processorCtx, processorCancel := context.WithCancel(ctx)
	defer processorCancel()
	go func() {
		if err := processor.Start(processorCtx); err != nil && !errors.Is(err, context.Canceled) {
			log.Error("计划处理器异常退出", slog.Any("error", err))
		}
	}()

	if cfg.Scheduler.Enabled {
		scheduler := workflow.NewScheduler(eng.Workflows(), eng.Prices(), submitWorkflow(eng),
			workflow.WithInterval(cfg.Scheduler.Interval()))
		go func() {
			if err := scheduler.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				log.Error("触发器调度异常退出", slog.Any("error", err))
			}
		}()
	}

	if cfg.Metrics.Address != "" {
		go func() {
			if err := metrics.StartServer(ctx, cfg.Metrics.Address); err != nil &&
				!errors.Is(err, context.Canceled) && !errors.Is(err, http.ErrServerClosed) {
				log.Error("指标服务异常退出", slog.Any("error", err))
			}
		}()
	}

	go func() {
		err := config.Watch(ctx, path, func(next *config.Config) {
			log.Info("配置已重新加载", slog.String("path", path))
			applyPermissions(eng, next.Permissions)
		}, func(err error) {
			log.Warn("配置重新加载失败", slog.Any("error", err))
		})
		if err != nil && !errors.Is(err, context.Canceled) {
			log.Warn("配置监听已停止", slog.Any("error", err))
		}
	}()

	log.Info("AgentPilot 已启动",
		slog.String("version", version),
		slog.String("address", cfg.Server.Address),
		slog.String("state_store", cfg.Storage.StateStore.Driver),
		slog.String("queue", cfg.Queue.Driver),
	)
	server := api.NewServer(cfg.Server.Address, eng)
	if err := server.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func loadConfig(path string) (*config.Config, error) {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		cwd, _ := os.Getwd()
		return config.Default(cwd), nil
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("加载配置 %s: %w", path, err)
	}
	return cfg, nil
}

func initLogger(cfg *config.Config) error {
	return logger.Init(logger.Config{
		Level:       cfg.Logging.Level,
		Format:      cfg.Logging.Format,
		OutputPaths: cfg.Logging.Outputs,
		Audit: logger.AuditConfig{
			Enabled:    cfg.Logging.Audit.Enabled,
			Path:       cfg.Logging.Audit.Path,
			MaxSizeMB:  cfg.Logging.Audit.MaxSizeMB,
			MaxBackups: cfg.Logging.Audit.MaxBackups,
			MaxAgeDays: cfg.Logging.Audit.MaxAgeDays,
		},
	})
}

func buildAlerts(cfg *config.Config) *alerting.FanoutDispatcher {
	notifiers := []alerting.Notifier{alerting.LogNotifier{}}
	if cfg.Alerting.Webhook.URL != "" {
		notifiers = append(notifiers, &alerting.WebhookNotifier{
			URL:     cfg.Alerting.Webhook.URL,
			Headers: cfg.Alerting.Webhook.Headers,
		})
	}
	return alerting.NewFanout(notifiers...)
}

func submitWorkflow(eng *engine.Engine) workflow.SubmitFunc {
	return func(ctx context.Context, workflowID string) error {
		_, err := eng.SubmitWorkflow(ctx, workflowID)
		return err
	}
}
