package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"OpenMCP-Sweep/internal/api"
	"OpenMCP-Sweep/internal/auth"
	"OpenMCP-Sweep/internal/config"
	"OpenMCP-Sweep/internal/convert/jupiter"
	"OpenMCP-Sweep/internal/credential"
	xerrors "OpenMCP-Sweep/internal/errors"
	"OpenMCP-Sweep/internal/intent"
	"OpenMCP-Sweep/internal/intent/openai"
	"OpenMCP-Sweep/internal/ledger/provider"
	"OpenMCP-Sweep/internal/lock"
	"OpenMCP-Sweep/internal/observability/alerting"
	"OpenMCP-Sweep/internal/observability/metrics"
	"OpenMCP-Sweep/internal/schedule"
	"OpenMCP-Sweep/internal/storage/sqldb"
	"OpenMCP-Sweep/internal/sweep"
	"OpenMCP-Sweep/internal/task"
	"OpenMCP-Sweep/pkg/logger"
)

// main 是 sweepd 守护进程的入口。
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// sweepd hash-key <key> 输出可写入 auth.keys[].hash 的摘要。
	if len(os.Args) == 3 && os.Args[1] == "hash-key" {
		hashed, err := auth.HashKey(os.Args[2])
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		fmt.Println(hashed)
		return
	}

	if err := run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.L().Error("sweepd 运行失败", slog.Any("error", err))
		_ = logger.Sync()
		os.Exit(1)
	}
	_ = logger.Sync()
}

func run(ctx context.Context) error {
	// .env 只用于本地开发，文件不存在时忽略。
	_ = godotenv.Load()

	configPath := os.Getenv("SWEEP_CONFIG")
	if configPath == "" {
		configPath = filepath.Join("configs", "sweep.json")
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if err := logger.Init(cfg.Logging); err != nil {
		return err
	}

	var m *metrics.Metrics
	if cfg.Metrics.Enabled {
		m = metrics.New()
	}

	notifiers := []alerting.Notifier{alerting.LogNotifier{}}
	if url := strings.TrimSpace(cfg.Alerting.WebhookURL); url != "" {
		notifiers = append(notifiers, alerting.NewWebhookNotifier(url, 5*time.Second))
	}
	alerter := alerting.NewFanout(notifiers...)

	registry, err := provider.NewRegistry(cfg.Ledger, cfg.Sweep.PollInterval())
	if err != nil {
		return err
	}
	defer registry.Close()

	credentials, err := credential.New(cfg.Credentials.Driver, cfg.Credentials.KeyDir, cfg.Credentials.EnvPrefix)
	if err != nil {
		return err
	}

	locker, closeLocker, err := createLocker(ctx, cfg.Lock)
	if err != nil {
		return err
	}
	defer closeLocker()

	engineOpts := []sweep.Option{
		sweep.WithLocker(locker, cfg.Lock.TTL()),
		sweep.WithRecorder(m),
		sweep.WithAlertDispatcher(alerter),
		sweep.WithBatchLimits(cfg.Sweep.MaxOpsPerBatch, cfg.Sweep.SingleBatchCeiling),
		sweep.WithSwapOpsPerBatch(cfg.Sweep.SwapOpsPerBatch),
		sweep.WithConfirmTimeout(cfg.Sweep.ConfirmTimeout()),
	}
	if cfg.Converter.Enabled {
		converter, err := jupiter.NewClient(jupiter.Config{
			BaseURL:     cfg.Converter.BaseURL,
			SlippageBps: cfg.Converter.SlippageBps,
			Timeout:     time.Duration(cfg.Converter.TimeoutSeconds) * time.Second,
		})
		if err != nil {
			return err
		}
		engineOpts = append(engineOpts, sweep.WithConverter(converter))
	}

	runners := make(map[string]task.Runner)
	for _, name := range registry.Chains() {
		gw, _ := registry.Gateway(name)
		runners[name] = sweep.NewEngine(gw, credentials, engineOpts...)
	}
	executor := task.NewEngineExecutor(registry.DefaultChain(), runners)

	taskStore, err := createTaskStore(ctx, cfg.Storage.RunStore)
	if err != nil {
		return err
	}
	defer func() {
		if err := taskStore.Close(); err != nil {
			logger.L().Warn("关闭任务存储失败", slog.Any("error", err))
		}
	}()

	taskQueue, err := createTaskQueue(cfg.TaskQueue)
	if err != nil {
		return err
	}
	defer func() {
		if err := taskQueue.Close(); err != nil {
			logger.L().Warn("关闭任务队列失败", slog.Any("error", err))
		}
	}()

	taskService := task.NewService(taskStore, taskQueue, cfg.Storage.RunStore.Retries)
	processor := task.NewProcessor(executor, taskStore, taskQueue, taskQueue,
		task.WithWorkerCount(cfg.TaskQueue.Worker),
		task.WithRetryDelay(cfg.TaskQueue.RetryDelay()),
		task.WithProcessorLogger(logger.Named("task")),
		task.WithAlertDispatcher(alerter),
		task.WithJobRecorder(m),
	)
	if cfg.TaskQueue.RecoverOnStart {
		if err := recoverTasks(ctx, taskService, cfg.TaskQueue.StaleAfter(), alerter); err != nil {
			return err
		}
	}
	go func() {
		if err := processor.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.L().Error("任务处理器异常退出", slog.Any("error", err))
		}
	}()

	scheduler, err := schedule.New(taskService, scheduleEntries(cfg.Schedules))
	if err != nil {
		return err
	}
	scheduler.Start(ctx)
	defer scheduler.Stop()

	authService, err := auth.NewService(cfg.Auth)
	if err != nil {
		return err
	}
	apiOpts := []api.Option{api.WithMetrics(m, cfg.Metrics.Path), api.WithAuth(authService)}
	extractor, err := createExtractor(cfg.Intent)
	if err != nil {
		return err
	}
	if extractor != nil {
		apiOpts = append(apiOpts, api.WithIntentExtractor(extractor))
	}

	logger.L().Info("sweepd 已启动",
		slog.String("config", configPath),
		slog.Any("chains", registry.Chains()),
		slog.String("store", cfg.Storage.RunStore.Driver),
		slog.String("queue", cfg.TaskQueue.Driver),
		slog.String("lock", cfg.Lock.Driver),
		slog.String("auth", string(authService.Mode())),
	)
	server := api.NewServer(cfg.Server.Address, taskService, apiOpts...)
	return server.Start(ctx)
}

// recoverTasks 重新入队遗留任务，中断的任务逐个告警。
func recoverTasks(ctx context.Context, svc *task.Service, staleAfter time.Duration, alerter alerting.Dispatcher) error {
	report, err := svc.Recover(ctx, staleAfter)
	if err != nil {
		return err
	}
	logger.L().Info("遗留任务已恢复",
		slog.Int("requeued", len(report.Requeued)),
		slog.Int("interrupted", len(report.Interrupted)),
	)
	attrs := xerrors.AttributesOf(task.CodeTaskInterrupted)
	for _, id := range report.Interrupted {
		event := alerting.Event{
			Code:       task.CodeTaskInterrupted,
			Message:    attrs.Message,
			Severity:   attrs.Severity,
			JobID:      id,
			OccurredAt: time.Now(),
		}
		if err := alerter.Notify(ctx, event); err != nil {
			logger.L().Error("告警通知失败", slog.Any("error", err), slog.String("task_id", id))
		}
	}
	return nil
}

func createLocker(ctx context.Context, cfg config.LockConfig) (lock.Locker, func(), error) {
	switch strings.ToLower(cfg.Driver) {
	case "", "memory":
		return lock.NewMemory(), func() {}, nil
	case "none":
		return lock.Nop{}, func() {}, nil
	case "redis":
		l, err := lock.NewRedis(ctx, lock.RedisConfig{
			Address:  cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			Prefix:   cfg.Prefix,
		})
		if err != nil {
			return nil, nil, err
		}
		return l, func() { _ = l.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("未知的锁驱动: %s", cfg.Driver)
	}
}

func createTaskStore(ctx context.Context, cfg config.RunStoreConfig) (task.Store, error) {
	if cfg.Driver == "" || strings.EqualFold(cfg.Driver, "memory") {
		return task.NewMemoryStore(), nil
	}
	dialect, err := sqldb.ParseDialect(cfg.Driver)
	if err != nil {
		return nil, err
	}
	return task.OpenSQLStore(ctx, sqldb.Config{
		Dialect:         dialect,
		DSN:             cfg.DSN,
		MaxOpenConns:    cfg.MaxOpenConns,
		MaxIdleConns:    cfg.MaxIdleConns,
		ConnMaxLifetime: time.Duration(cfg.ConnMaxLifetimeSeconds) * time.Second,
	})
}

func createTaskQueue(cfg config.TaskQueueConfig) (task.Queue, error) {
	switch cfg.Driver {
	case "", "memory":
		return task.NewMemoryQueue(cfg.Buffer), nil
	case "redis":
		return task.NewRedisQueue(task.RedisQueueConfig{
			Address:   cfg.Redis.Address,
			Password:  cfg.Redis.Password,
			DB:        cfg.Redis.DB,
			Queue:     cfg.Redis.Queue,
			BlockWait: time.Duration(cfg.Redis.BlockWait) * time.Second,
		})
	case "rabbitmq":
		return task.NewRabbitMQQueue(task.RabbitMQConfig{
			URL:        cfg.RabbitMQ.URL,
			Queue:      cfg.RabbitMQ.Queue,
			Prefetch:   cfg.RabbitMQ.Prefetch,
			Durable:    cfg.RabbitMQ.Durable,
			AutoDelete: cfg.RabbitMQ.AutoDelete,
		})
	default:
		return nil, fmt.Errorf("未知的队列驱动: %s", cfg.Driver)
	}
}

func createExtractor(cfg config.IntentConfig) (intent.Extractor, error) {
	switch cfg.Provider {
	case "", "none":
		return nil, nil
	case "openai":
		apiKey := cfg.ResolveAPIKey()
		if apiKey == "" {
			return nil, errors.New("OpenAI provider 需要配置 api_key 或 api_key_env")
		}
		return openai.NewClient(openai.Config{
			APIKey:  apiKey,
			BaseURL: cfg.BaseURL,
			Model:   cfg.Model,
			Timeout: cfg.Timeout(),
		})
	default:
		return nil, fmt.Errorf("未知的意图解析 provider: %s", cfg.Provider)
	}
}

func scheduleEntries(list []config.ScheduleConfig) []schedule.Entry {
	entries := make([]schedule.Entry, 0, len(list))
	for _, s := range list {
		entries = append(entries, schedule.Entry{
			Name:        s.Name,
			Spec:        s.Spec,
			TimeZone:    s.TimeZone,
			Mode:        sweep.Mode(s.Mode),
			Chain:       s.Chain,
			Source:      s.Source,
			Destination: s.Destination,
		})
	}
	return entries
}
