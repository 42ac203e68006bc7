package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"OpenMCP-Sweep/internal/auth"
	"OpenMCP-Sweep/pkg/logger"
)

// Config 描述了 sweepd 在启动阶段需要加载的全部配置。
type Config struct {
	Server      ServerConfig      `json:"server"`
	Auth        auth.Config       `json:"auth"`
	Ledger      LedgerConfig      `json:"ledger"`
	Sweep       SweepConfig       `json:"sweep"`
	Credentials CredentialsConfig `json:"credentials"`
	Storage     StorageConfig     `json:"storage"`
	TaskQueue   TaskQueueConfig   `json:"task_queue"`
	Lock        LockConfig        `json:"lock"`
	Converter   ConverterConfig   `json:"converter"`
	Intent      IntentConfig      `json:"intent"`
	Schedules   []ScheduleConfig  `json:"schedules"`
	Logging     logger.Config     `json:"logging"`
	Metrics     MetricsConfig     `json:"metrics"`
	Alerting    AlertingConfig    `json:"alerting"`
}

// ServerConfig 控制 API 服务的监听地址。
type ServerConfig struct {
	Address string `json:"address"`
}

// LedgerConfig 描述链节点和成本常量。
type LedgerConfig struct {
	DefaultChain string `json:"default_chain"`
	ChainConfig  string `json:"chain_config"`
	RPCURL       string `json:"rpc_url"`
	Commitment   string `json:"commitment"`
	FeeEstimate  uint64 `json:"fee_estimate"`
	// 非零时覆盖从链上查询到的租金常量。
	SubAccountDeposit uint64 `json:"sub_account_deposit"`
	RentExemptMinimum uint64 `json:"rent_exempt_minimum"`
}

// SweepConfig 控制打包和确认参数。
type SweepConfig struct {
	MaxOpsPerBatch        int `json:"max_ops_per_batch"`
	SingleBatchCeiling    int `json:"single_batch_ceiling"`
	SwapOpsPerBatch       int `json:"swap_ops_per_batch"`
	ConfirmTimeoutSeconds int `json:"confirm_timeout_seconds"`
	PollIntervalMillis    int `json:"poll_interval_millis"`
}

// ConfirmTimeout 返回确认等待时间。
func (s SweepConfig) ConfirmTimeout() time.Duration {
	return time.Duration(s.ConfirmTimeoutSeconds) * time.Second
}

// PollInterval 返回确认轮询间隔。
func (s SweepConfig) PollInterval() time.Duration {
	return time.Duration(s.PollIntervalMillis) * time.Millisecond
}

// CredentialsConfig 选择签名私钥的来源。
type CredentialsConfig struct {
	Driver string `json:"driver"`
	// KeyDir 下的文件名为 <公钥>.json，格式与 solana-keygen 相同。
	KeyDir string `json:"key_dir"`
	// EnvPrefix 与公钥拼接得到环境变量名，值为 base58 私钥。
	EnvPrefix string `json:"env_prefix"`
}

// StorageConfig 统一描述任务存储后端的连接信息。
type StorageConfig struct {
	RunStore RunStoreConfig `json:"run_store"`
}

// RunStoreConfig 支持 memory、mysql、postgres 三种驱动。
type RunStoreConfig struct {
	Driver                 string `json:"driver"`
	DSN                    string `json:"dsn"`
	Retries                int    `json:"retries"`
	MaxOpenConns           int    `json:"max_open_conns"`
	MaxIdleConns           int    `json:"max_idle_conns"`
	ConnMaxLifetimeSeconds int    `json:"conn_max_lifetime_seconds"`
}

// TaskQueueConfig 控制任务队列驱动。
type TaskQueueConfig struct {
	Driver   string         `json:"driver"`
	Worker   int            `json:"worker"`
	Buffer   int            `json:"buffer"`
	Redis    RedisConfig    `json:"redis"`
	RabbitMQ RabbitMQConfig `json:"rabbitmq"`
	// RetryDelaySeconds 是可重试失败后重新入队的延迟。
	RetryDelaySeconds int `json:"retry_delay_seconds"`
	// RecoverOnStart 启动时重新入队遗留任务，并把长时间停留在 running 的任务标记为中断。
	RecoverOnStart      bool `json:"recover_on_start"`
	StaleRunningSeconds int  `json:"stale_running_seconds"`
}

// RetryDelay 返回重试延迟。
func (t TaskQueueConfig) RetryDelay() time.Duration {
	return time.Duration(t.RetryDelaySeconds) * time.Second
}

// StaleAfter 返回 running 任务被视为中断前的最短静默时间。
func (t TaskQueueConfig) StaleAfter() time.Duration {
	return time.Duration(t.StaleRunningSeconds) * time.Second
}

// RedisConfig 描述 Redis 连接。
type RedisConfig struct {
	Address   string `json:"address"`
	Password  string `json:"password"`
	DB        int    `json:"db"`
	Queue     string `json:"queue"`
	BlockWait int    `json:"block_wait_seconds"`
}

// RabbitMQConfig 描述 RabbitMQ 连接。
type RabbitMQConfig struct {
	URL        string `json:"url"`
	Queue      string `json:"queue"`
	Prefetch   int    `json:"prefetch"`
	Durable    bool   `json:"durable"`
	AutoDelete bool   `json:"auto_delete"`
}

// LockConfig 控制同一来源账户的互斥方式。
type LockConfig struct {
	Driver     string      `json:"driver"`
	TTLSeconds int         `json:"ttl_seconds"`
	Prefix     string      `json:"prefix"`
	Redis      RedisConfig `json:"redis"`
}

// TTL 返回锁的过期时间。
func (l LockConfig) TTL() time.Duration {
	return time.Duration(l.TTLSeconds) * time.Second
}

// ConverterConfig 描述报价服务。
type ConverterConfig struct {
	Enabled        bool   `json:"enabled"`
	BaseURL        string `json:"base_url"`
	SlippageBps    int    `json:"slippage_bps"`
	TimeoutSeconds int    `json:"timeout_seconds"`
}

// IntentConfig 描述自然语言参数提取服务。
type IntentConfig struct {
	Provider       string `json:"provider"`
	APIKey         string `json:"api_key"`
	APIKeyEnv      string `json:"api_key_env"`
	BaseURL        string `json:"base_url"`
	Model          string `json:"model"`
	TimeoutSeconds int    `json:"timeout_seconds"`
}

// Timeout 返回请求超时时间。
func (i IntentConfig) Timeout() time.Duration {
	return time.Duration(i.TimeoutSeconds) * time.Second
}

// ResolveAPIKey 优先使用显式配置，其次读取环境变量。
func (i IntentConfig) ResolveAPIKey() string {
	if key := strings.TrimSpace(i.APIKey); key != "" {
		return key
	}
	if i.APIKeyEnv != "" {
		return strings.TrimSpace(os.Getenv(i.APIKeyEnv))
	}
	return ""
}

// ScheduleConfig 定义一个定时归集任务。
type ScheduleConfig struct {
	Name        string `json:"name"`
	Spec        string `json:"spec"`
	TimeZone    string `json:"time_zone"`
	Mode        string `json:"mode"`
	Chain       string `json:"chain"`
	Source      string `json:"source"`
	Destination string `json:"destination"`
}

// MetricsConfig 控制 /metrics 是否暴露。
type MetricsConfig struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// AlertingConfig 描述告警的 webhook 通知。
type AlertingConfig struct {
	WebhookURL string `json:"webhook_url"`
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

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate 检查无法通过默认值修复的配置错误。
func (c *Config) Validate() error {
	if c.Sweep.SingleBatchCeiling > c.Sweep.MaxOpsPerBatch {
		return fmt.Errorf("single_batch_ceiling (%d) 不能大于 max_ops_per_batch (%d)",
			c.Sweep.SingleBatchCeiling, c.Sweep.MaxOpsPerBatch)
	}
	for _, s := range c.Schedules {
		if strings.TrimSpace(s.Spec) == "" || strings.TrimSpace(s.Source) == "" {
			return fmt.Errorf("定时任务 %q 缺少 spec 或 source", s.Name)
		}
	}
	return nil
}

// applyDefaults 在用户未填写部分字段时设置合理的默认值。
func (c *Config) applyDefaults(baseDir string) {
	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}

	if c.Auth.Mode == "" {
		c.Auth.Mode = auth.ModeDisabled
	}

	if c.Ledger.ChainConfig != "" && !filepath.IsAbs(c.Ledger.ChainConfig) {
		c.Ledger.ChainConfig = filepath.Join(baseDir, c.Ledger.ChainConfig)
	}
	if c.Ledger.Commitment == "" {
		c.Ledger.Commitment = "confirmed"
	}
	if c.Ledger.FeeEstimate == 0 {
		c.Ledger.FeeEstimate = 5000
	}

	if c.Sweep.MaxOpsPerBatch <= 0 {
		c.Sweep.MaxOpsPerBatch = 8
	}
	if c.Sweep.SingleBatchCeiling <= 0 {
		c.Sweep.SingleBatchCeiling = c.Sweep.MaxOpsPerBatch
	}
	if c.Sweep.SwapOpsPerBatch <= 0 {
		c.Sweep.SwapOpsPerBatch = 1
	}
	if c.Sweep.ConfirmTimeoutSeconds <= 0 {
		c.Sweep.ConfirmTimeoutSeconds = 60
	}
	if c.Sweep.PollIntervalMillis <= 0 {
		c.Sweep.PollIntervalMillis = 500
	}

	if c.Credentials.Driver == "" {
		c.Credentials.Driver = "keyfile"
	}
	if c.Credentials.KeyDir == "" {
		c.Credentials.KeyDir = filepath.Join(baseDir, "keys")
	} else if !filepath.IsAbs(c.Credentials.KeyDir) {
		c.Credentials.KeyDir = filepath.Join(baseDir, c.Credentials.KeyDir)
	}
	if c.Credentials.EnvPrefix == "" {
		c.Credentials.EnvPrefix = "SWEEP_KEY_"
	}

	if c.Storage.RunStore.Driver == "" {
		c.Storage.RunStore.Driver = "memory"
	}

	if c.TaskQueue.Driver == "" {
		c.TaskQueue.Driver = "memory"
	}
	if c.TaskQueue.Worker <= 0 {
		c.TaskQueue.Worker = 2
	}
	if c.TaskQueue.Buffer <= 0 {
		c.TaskQueue.Buffer = 1024
	}
	if c.TaskQueue.RetryDelaySeconds <= 0 {
		c.TaskQueue.RetryDelaySeconds = 30
	}
	if c.TaskQueue.StaleRunningSeconds <= 0 {
		c.TaskQueue.StaleRunningSeconds = 900
	}

	if c.Lock.Driver == "" {
		c.Lock.Driver = "memory"
	}
	if c.Lock.TTLSeconds <= 0 {
		c.Lock.TTLSeconds = 300
	}
	if c.Lock.Prefix == "" {
		c.Lock.Prefix = "sweep:lock:"
	}

	if c.Converter.BaseURL == "" {
		c.Converter.BaseURL = "https://quote-api.jup.ag/v6"
	}
	if c.Converter.SlippageBps <= 0 {
		c.Converter.SlippageBps = 50
	}
	if c.Converter.TimeoutSeconds <= 0 {
		c.Converter.TimeoutSeconds = 10
	}

	if c.Intent.Provider == "" {
		c.Intent.Provider = "none"
	}
	if c.Intent.TimeoutSeconds <= 0 {
		c.Intent.TimeoutSeconds = 30
	}

	for i := range c.Schedules {
		if c.Schedules[i].Mode == "" {
			c.Schedules[i].Mode = "sweep"
		}
	}

	if c.Logging.Audit.Enabled {
		if c.Logging.Audit.Path == "" {
			c.Logging.Audit.Path = filepath.Join(baseDir, "logs", "audit.log")
		} else if !filepath.IsAbs(c.Logging.Audit.Path) {
			c.Logging.Audit.Path = filepath.Join(baseDir, c.Logging.Audit.Path)
		}
	}

	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
}
