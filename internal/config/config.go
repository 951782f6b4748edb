package config

import (
	stdErrors "errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	xerrors "ShopAssist/internal/errors"
	"ShopAssist/pkg/logger"
)

// EnvConfigPath 指定配置文件路径的环境变量。
const EnvConfigPath = "SHOPASSIST_CONFIG"

// DefaultPath 是未指定时使用的配置文件。
const DefaultPath = "configs/shopassist.yaml"

// Config 描述了 ShopAssist 启动阶段需要加载的全部配置。
type Config struct {
	Server       ServerConfig       `yaml:"server"`
	Logging      logger.Config      `yaml:"logging"`
	LLM          LLMConfig          `yaml:"llm"`
	Agent        AgentConfig        `yaml:"agent"`
	Confirmation ConfirmationConfig `yaml:"confirmation"`
	Conversation ConversationConfig `yaml:"conversation"`
	Search       SearchConfig       `yaml:"search"`
	Accounts     AccountsConfig     `yaml:"accounts"`
	WebSearch    WebSearchConfig    `yaml:"web_search"`
	SMTP         SMTPConfig         `yaml:"smtp"`
	Outbox       OutboxConfig       `yaml:"outbox"`
	MySQL        MySQLConfig        `yaml:"mysql"`
	Redis        RedisConfig        `yaml:"redis"`
	RabbitMQ     RabbitMQConfig     `yaml:"rabbitmq"`
	Alerts       AlertsConfig       `yaml:"alerts"`
}

// ServerConfig 控制 API 服务的监听地址与限流。
type ServerConfig struct {
	Address   string          `yaml:"address" validate:"required"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	// MetricsAddress 非空时另起一个只暴露 /metrics 的监听。
	MetricsAddress string `yaml:"metrics_address"`
}

// RateLimitConfig 是每个用户在窗口内允许的请求数。
type RateLimitConfig struct {
	Requests int           `yaml:"requests" validate:"gte=0"`
	Window   time.Duration `yaml:"window" validate:"gte=0"`
}

// LLMConfig 选择模型提供方。
type LLMConfig struct {
	Provider    string        `yaml:"provider" validate:"oneof=openai ollama"`
	APIKey      string        `yaml:"api_key"`
	BaseURL     string        `yaml:"base_url"`
	Model       string        `yaml:"model"`
	Temperature float64       `yaml:"temperature" validate:"gte=0,lte=2"`
	Timeout     time.Duration `yaml:"timeout"`
}

// AgentConfig 对应编排循环的安全阀。
type AgentConfig struct {
	MaxIterations int `yaml:"max_iterations" validate:"gte=1"`
	// ModelRetries 为空时使用默认值，显式的 0 表示不重试。
	ModelRetries        *int          `yaml:"model_retries" validate:"omitempty,gte=0"`
	RetryBackoff        time.Duration `yaml:"retry_backoff"`
	ModelTimeout        time.Duration `yaml:"model_timeout"`
	ToolTimeout         time.Duration `yaml:"tool_timeout"`
	HistoryTurns        int           `yaml:"history_turns" validate:"gte=1"`
	DispatchConcurrency int           `yaml:"dispatch_concurrency" validate:"gte=1"`
	DecomposeTimeout    time.Duration `yaml:"decompose_timeout"`
}

const defaultModelRetries = 2

// Retries 返回模型调用失败后的重试次数。
func (a AgentConfig) Retries() int {
	if a.ModelRetries == nil {
		return defaultModelRetries
	}
	return *a.ModelRetries
}

// ConfirmationConfig 控制待确认单的有效期。
type ConfirmationConfig struct {
	TTL time.Duration `yaml:"ttl" validate:"gt=0"`
}

// ConversationConfig 控制会话检查点的存储与淘汰。
type ConversationConfig struct {
	Store         string        `yaml:"store" validate:"oneof=memory redis mysql"`
	Lock          string        `yaml:"lock" validate:"oneof=local redis"`
	TTL           time.Duration `yaml:"ttl" validate:"gte=0"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
	LockTTL       time.Duration `yaml:"lock_ttl"`
}

// SearchConfig 描述商品检索后端。
type SearchConfig struct {
	Backend        string         `yaml:"backend" validate:"oneof=memory weaviate"`
	ProductsFile   string         `yaml:"products_file"`
	CategoriesFile string         `yaml:"categories_file"`
	TopK           int            `yaml:"top_k" validate:"gte=1,lte=50"`
	ScoreThreshold float64        `yaml:"score_threshold" validate:"gte=0,lte=1"`
	Weaviate       WeaviateConfig `yaml:"weaviate"`
}

// WeaviateConfig 描述 Weaviate 连接。
type WeaviateConfig struct {
	URL        string `yaml:"url"`
	APIKey     string `yaml:"api_key"`
	Class      string `yaml:"class"`
	Vectorizer string `yaml:"vectorizer"`
}

// AccountsConfig 选择账户与订单的存储。
type AccountsConfig struct {
	Store        string `yaml:"store" validate:"oneof=memory mysql"`
	SeedFile     string `yaml:"seed_file"`
	HistoryLimit int    `yaml:"history_limit" validate:"gte=1,lte=20"`
}

// WebSearchConfig 配置 Tavily 网页搜索，APIKey 为空时不注册该工具。
type WebSearchConfig struct {
	APIKey     string `yaml:"api_key"`
	Endpoint   string `yaml:"endpoint"`
	MaxResults int    `yaml:"max_results" validate:"gte=1,lte=10"`
}

// SMTPConfig 描述发信服务器。
type SMTPConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port" validate:"gte=1,lte=65535"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	From     string `yaml:"from" validate:"omitempty,email"`
}

// OutboxConfig 描述邮件发件箱。
type OutboxConfig struct {
	Queue      string `yaml:"queue" validate:"oneof=memory redis rabbitmq"`
	Store      string `yaml:"store" validate:"oneof=memory mysql"`
	Workers    int    `yaml:"workers" validate:"gte=1"`
	MaxRetries int    `yaml:"max_retries" validate:"gte=1"`
	QueueName  string `yaml:"queue_name"`
	BufferSize int    `yaml:"buffer_size" validate:"gte=1"`
	// RetryBackoff 是首次重投的延迟，之后逐次翻倍。
	RetryBackoff time.Duration `yaml:"retry_backoff"`
}

// MySQLConfig 描述 MySQL 连接池。
type MySQLConfig struct {
	DSN             string        `yaml:"dsn"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `yaml:"conn_max_idle_time"`
}

// RedisConfig 描述 Redis 连接。
type RedisConfig struct {
	Address  string `yaml:"address"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db" validate:"gte=0"`
	Prefix   string `yaml:"prefix"`
}

// RabbitMQConfig 描述 RabbitMQ 连接。
type RabbitMQConfig struct {
	URL      string `yaml:"url"`
	Prefetch int    `yaml:"prefetch"`
}

// AlertsConfig 配置告警接收方。
type AlertsConfig struct {
	Email []string `yaml:"email" validate:"dive,email"`
	// EmailMinSeverity 为邮件渠道的最低级别，日志渠道总是记录。
	EmailMinSeverity string `yaml:"email_min_severity" validate:"omitempty,oneof=info warning critical"`
	// Throttle 内相同错误码与对象的告警只发送一次。
	Throttle time.Duration `yaml:"throttle"`
}

// Resolve 返回实际使用的配置路径：命令行参数优先，其次环境变量，最后默认值。
func Resolve(flagPath string) string {
	if p := strings.TrimSpace(flagPath); p != "" {
		return p
	}
	if p := strings.TrimSpace(os.Getenv(EnvConfigPath)); p != "" {
		return p
	}
	return DefaultPath
}

// Load 解析指定路径的 YAML 配置文件，依次应用默认值、环境变量覆盖和校验。
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, stdErrors.New("配置文件路径为空")
	}
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}
	return Parse(content, filepath.Dir(path))
}

// Parse 解析 YAML 内容，相对路径以 baseDir 为基准。
func Parse(content []byte, baseDir string) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(content, &cfg); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}
	cfg.applyEnv(os.Getenv)
	cfg.applyDefaults(baseDir)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyEnv 用环境变量覆盖敏感字段。
func (c *Config) applyEnv(getenv func(string) string) {
	override := func(dst *string, key string) {
		if v := strings.TrimSpace(getenv(key)); v != "" {
			*dst = v
		}
	}
	override(&c.LLM.APIKey, "OPENAI_API_KEY")
	override(&c.WebSearch.APIKey, "TAVILY_API_KEY")
	override(&c.SMTP.Password, "SMTP_PASSWORD")
	override(&c.MySQL.DSN, "MYSQL_DSN")
	override(&c.Redis.Password, "REDIS_PASSWORD")
}

// applyDefaults 在用户未填写部分字段时设置合理的默认值。
func (c *Config) applyDefaults(baseDir string) {
	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}
	if c.Server.RateLimit.Requests == 0 {
		c.Server.RateLimit.Requests = 10
	}
	if c.Server.RateLimit.Window == 0 {
		c.Server.RateLimit.Window = time.Minute
	}

	if c.LLM.Provider == "" {
		c.LLM.Provider = "openai"
	}
	if c.LLM.Timeout == 0 {
		c.LLM.Timeout = 60 * time.Second
	}

	if c.Agent.MaxIterations == 0 {
		c.Agent.MaxIterations = 8
	}
	if c.Agent.ModelRetries == nil {
		retries := defaultModelRetries
		c.Agent.ModelRetries = &retries
	}
	if c.Agent.RetryBackoff == 0 {
		c.Agent.RetryBackoff = 200 * time.Millisecond
	}
	if c.Agent.ModelTimeout == 0 {
		c.Agent.ModelTimeout = 60 * time.Second
	}
	if c.Agent.ToolTimeout == 0 {
		c.Agent.ToolTimeout = 20 * time.Second
	}
	if c.Agent.HistoryTurns == 0 {
		c.Agent.HistoryTurns = 10
	}
	if c.Agent.DispatchConcurrency == 0 {
		c.Agent.DispatchConcurrency = 4
	}
	if c.Agent.DecomposeTimeout == 0 {
		c.Agent.DecomposeTimeout = 15 * time.Second
	}

	if c.Confirmation.TTL == 0 {
		c.Confirmation.TTL = 15 * time.Minute
	}

	if c.Conversation.Store == "" {
		c.Conversation.Store = "memory"
	}
	if c.Conversation.Lock == "" {
		c.Conversation.Lock = "local"
	}
	if c.Conversation.TTL == 0 {
		c.Conversation.TTL = 24 * time.Hour
	}
	if c.Conversation.SweepInterval == 0 {
		c.Conversation.SweepInterval = time.Minute
	}
	if c.Conversation.LockTTL == 0 {
		c.Conversation.LockTTL = 2 * time.Minute
	}

	if c.Search.Backend == "" {
		c.Search.Backend = "memory"
	}
	if c.Search.TopK == 0 {
		c.Search.TopK = 5
	}
	if c.Search.ScoreThreshold == 0 {
		c.Search.ScoreThreshold = 0.7
	}
	c.Search.ProductsFile = resolvePath(baseDir, c.Search.ProductsFile)
	c.Search.CategoriesFile = resolvePath(baseDir, c.Search.CategoriesFile)

	if c.Accounts.Store == "" {
		c.Accounts.Store = "memory"
	}
	if c.Accounts.HistoryLimit == 0 {
		c.Accounts.HistoryLimit = 5
	}
	c.Accounts.SeedFile = resolvePath(baseDir, c.Accounts.SeedFile)

	if c.WebSearch.MaxResults == 0 {
		c.WebSearch.MaxResults = 3
	}

	if c.SMTP.Port == 0 {
		c.SMTP.Port = 587
	}

	if c.Outbox.Queue == "" {
		c.Outbox.Queue = "memory"
	}
	if c.Outbox.Store == "" {
		c.Outbox.Store = "memory"
	}
	if c.Outbox.Workers == 0 {
		c.Outbox.Workers = 2
	}
	if c.Outbox.MaxRetries == 0 {
		c.Outbox.MaxRetries = 3
	}
	if c.Outbox.BufferSize == 0 {
		c.Outbox.BufferSize = 256
	}
	if c.Alerts.EmailMinSeverity == "" {
		c.Alerts.EmailMinSeverity = "warning"
	}
	if c.Alerts.Throttle == 0 {
		c.Alerts.Throttle = 5 * time.Minute
	}
	if c.Outbox.RetryBackoff == 0 {
		c.Outbox.RetryBackoff = 2 * time.Second
	}

	if c.Redis.Prefix == "" {
		c.Redis.Prefix = "shopassist"
	}
}

func resolvePath(baseDir, p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(baseDir, p)
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate 校验字段取值及跨字段依赖。
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "配置校验失败")
	}

	var problems []string
	if c.LLM.Provider == "openai" && c.LLM.APIKey == "" {
		problems = append(problems, "llm.api_key 或 OPENAI_API_KEY 必须设置")
	}
	if c.LLM.Provider == "ollama" && c.LLM.Model == "" {
		problems = append(problems, "使用 ollama 时必须指定 llm.model")
	}
	if c.Search.Backend == "weaviate" && c.Search.Weaviate.URL == "" {
		problems = append(problems, "search.weaviate.url 必须设置")
	}
	if c.Search.Backend == "memory" && c.Search.ProductsFile == "" {
		problems = append(problems, "search.products_file 必须设置")
	}
	if c.NeedsMySQL() && c.MySQL.DSN == "" {
		problems = append(problems, "mysql.dsn 或 MYSQL_DSN 必须设置")
	}
	if c.NeedsRedis() && c.Redis.Address == "" {
		problems = append(problems, "redis.address 必须设置")
	}
	if c.Outbox.Queue == "rabbitmq" && c.RabbitMQ.URL == "" {
		problems = append(problems, "rabbitmq.url 必须设置")
	}
	if c.SMTP.Host != "" && c.SMTP.From == "" {
		problems = append(problems, "smtp.from 必须设置")
	}
	if len(c.Alerts.Email) > 0 && c.SMTP.Host == "" {
		problems = append(problems, "邮件告警需要配置 smtp.host")
	}
	if len(problems) > 0 {
		return xerrors.New(xerrors.CodeInvalidArgument, "配置校验失败: "+strings.Join(problems, "; "))
	}
	return nil
}

// NeedsMySQL 判断是否有组件使用 MySQL。
func (c *Config) NeedsMySQL() bool {
	return c.Conversation.Store == "mysql" || c.Accounts.Store == "mysql" || c.Outbox.Store == "mysql"
}

// NeedsRedis 判断是否有组件使用 Redis。
func (c *Config) NeedsRedis() bool {
	return c.Conversation.Store == "redis" || c.Conversation.Lock == "redis" || c.Outbox.Queue == "redis"
}
