package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"ShopAssist/internal/account"
	"ShopAssist/internal/agent"
	"ShopAssist/internal/api"
	"ShopAssist/internal/catalog"
	"ShopAssist/internal/config"
	"ShopAssist/internal/confirm"
	"ShopAssist/internal/conversation"
	"ShopAssist/internal/decompose"
	xerrors "ShopAssist/internal/errors"
	"ShopAssist/internal/extract"
	"ShopAssist/internal/llm"
	"ShopAssist/internal/llm/langchain"
	"ShopAssist/internal/llm/openai"
	"ShopAssist/internal/mail"
	"ShopAssist/internal/observability/alerting"
	"ShopAssist/internal/observability/metrics"
	"ShopAssist/internal/outbox"
	"ShopAssist/internal/retrieval"
	"ShopAssist/internal/retrieval/weaviate"
	"ShopAssist/internal/storage/mysql"
	"ShopAssist/internal/storage/redis"
	"ShopAssist/internal/tools"
	"ShopAssist/internal/tools/shop"
	"ShopAssist/internal/websearch"
	"ShopAssist/pkg/logger"
)

// sweeper 是需要定期清理过期会话的存储。
type sweeper interface {
	Run(ctx context.Context, interval time.Duration) error
}

// application 持有运行期组件以及需要在退出时释放的资源。
type application struct {
	server         *api.Server
	processor      *outbox.Processor
	vocabulary     *catalog.FileVocabulary
	sweeper        sweeper
	sweepInterval  time.Duration
	metricsAddress string
	closers        []func() error
}

// Close 按创建的逆序释放资源。
func (a *application) Close() error {
	var err error
	for i := len(a.closers) - 1; i >= 0; i-- {
		err = errors.Join(err, a.closers[i]())
	}
	return err
}

func mysqlConfig(cfg *config.Config) mysql.Config {
	return mysql.Config{
		DSN:             cfg.MySQL.DSN,
		MaxOpenConns:    cfg.MySQL.MaxOpenConns,
		MaxIdleConns:    cfg.MySQL.MaxIdleConns,
		ConnMaxLifetime: cfg.MySQL.ConnMaxLifetime,
		ConnMaxIdleTime: cfg.MySQL.ConnMaxIdleTime,
	}
}

// build 根据配置装配全部组件。失败时已创建的资源会被释放。
func build(ctx context.Context, cfg *config.Config) (app *application, err error) {
	app = &application{sweepInterval: cfg.Conversation.SweepInterval, metricsAddress: cfg.Server.MetricsAddress}
	defer func() {
		if err != nil {
			_ = app.Close()
			app = nil
		}
	}()
	log := logger.Named("bootstrap")

	var db *sql.DB
	if cfg.NeedsMySQL() {
		if db, err = mysql.Open(ctx, mysqlConfig(cfg)); err != nil {
			return nil, err
		}
		app.closers = append(app.closers, db.Close)
	}
	var rdb *goredis.Client
	if cfg.NeedsRedis() {
		rdb, err = redis.Open(ctx, redis.Config{
			Address:  cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			Prefix:   cfg.Redis.Prefix,
		})
		if err != nil {
			return nil, err
		}
		app.closers = append(app.closers, rdb.Close)
	}

	model, structured, err := newModels(cfg.LLM)
	if err != nil {
		return nil, err
	}

	var vocab catalog.Vocabulary = catalog.NewStaticVocabulary(nil)
	if cfg.Search.CategoriesFile != "" {
		fileVocab, err := catalog.LoadFileVocabulary(cfg.Search.CategoriesFile)
		if err != nil {
			return nil, err
		}
		app.vocabulary = fileVocab
		vocab = fileVocab
	}

	retriever, lookup, err := newRetriever(cfg.Search)
	if err != nil {
		return nil, err
	}

	accounts, orders, err := newAccounts(ctx, cfg.Accounts, db)
	if err != nil {
		return nil, err
	}

	mailer, sender, err := newSender(cfg.SMTP)
	if err != nil {
		return nil, err
	}
	notifiers := []alerting.Notifier{alerting.LogNotifier{}}
	if mailer != nil && len(cfg.Alerts.Email) > 0 {
		notifiers = append(notifiers, &alerting.EmailNotifier{Sender: mailer, To: cfg.Alerts.Email, SubjectPrefix: "[ShopAssist] "})
	}
	alerts := alerting.NewFanout(notifiers,
		alerting.WithMinSeverity(alerting.ChannelEmail, xerrors.Severity(cfg.Alerts.EmailMinSeverity)),
		alerting.WithThrottle(cfg.Alerts.Throttle),
	)

	outboxStore, queue, err := newOutbox(cfg, db, rdb)
	if err != nil {
		return nil, err
	}
	outboxService := outbox.NewService(outboxStore, queue, cfg.Outbox.MaxRetries)
	app.closers = append(app.closers, outboxService.Close)
	app.processor = outbox.NewProcessor(sender, outboxStore, queue, queue,
		outbox.WithWorkerCount(cfg.Outbox.Workers),
		outbox.WithRetryBackoff(cfg.Outbox.RetryBackoff),
		outbox.WithAlertDispatcher(alerts),
		outbox.WithDeliveryObserver(metrics.ObserveOutboxDelivery),
	)

	deps := shop.Deps{
		Decomposer:     decompose.New(structured, vocab, decompose.WithTimeout(cfg.Agent.DecomposeTimeout)),
		Retriever:      retriever,
		Catalog:        lookup,
		Accounts:       accounts,
		Orders:         orders,
		Outbox:         outboxService,
		TopK:           cfg.Search.TopK,
		ScoreThreshold: cfg.Search.ScoreThreshold,
		HistoryLimit:   cfg.Accounts.HistoryLimit,
	}
	if cfg.WebSearch.APIKey != "" {
		var opts []websearch.Option
		if cfg.WebSearch.Endpoint != "" {
			opts = append(opts, websearch.WithEndpoint(cfg.WebSearch.Endpoint))
		}
		web, err := websearch.NewClient(cfg.WebSearch.APIKey, cfg.WebSearch.MaxResults, opts...)
		if err != nil {
			return nil, err
		}
		deps.Web = web
	}
	registry, err := tools.NewRegistry(shop.Definitions(deps)...)
	if err != nil {
		return nil, err
	}
	dispatcher := tools.NewDispatcher(registry,
		tools.WithTimeout(cfg.Agent.ToolTimeout),
		tools.WithObserver(func(tool string, outcome tools.Outcome, elapsed time.Duration) {
			metrics.ObserveToolDispatch(tool, string(outcome), elapsed)
		}),
	)

	store, locker, err := newConversationStore(cfg.Conversation, db, rdb, cfg.Redis.Prefix)
	if err != nil {
		return nil, err
	}
	if s, ok := store.(sweeper); ok {
		app.sweeper = s
	}

	orchestrator := agent.New(model, dispatcher,
		confirm.New(cfg.Confirmation.TTL),
		extract.New(shop.SourceOf),
		conversation.NewCheckpoint(store, cfg.Conversation.TTL),
		locker,
		agent.WithConfig(agent.Config{
			MaxIterations:       cfg.Agent.MaxIterations,
			ModelRetries:        cfg.Agent.Retries(),
			RetryBackoff:        cfg.Agent.RetryBackoff,
			ModelTimeout:        cfg.Agent.ModelTimeout,
			HistoryTurns:        cfg.Agent.HistoryTurns,
			DispatchConcurrency: cfg.Agent.DispatchConcurrency,
		}),
		agent.WithAccounts(accounts),
		agent.WithAlertDispatcher(alerts),
	)

	serverOpts := append([]api.Option{api.WithRateLimit(cfg.Server.RateLimit.Requests, cfg.Server.RateLimit.Window)},
		healthChecks(db, rdb, retriever, queue)...)
	app.server = api.NewServer(cfg.Server.Address, orchestrator, accounts, serverOpts...)

	log.Info("组件装配完成",
		slog.String("llm", cfg.LLM.Provider),
		slog.String("search", cfg.Search.Backend),
		slog.String("conversation_store", cfg.Conversation.Store),
		slog.String("accounts", cfg.Accounts.Store),
		slog.String("outbox_queue", cfg.Outbox.Queue),
		slog.Int("tools", len(registry.Names())),
	)
	return app, nil
}

// healthChecks 为实际启用的外部依赖注册 /healthz 探测。
func healthChecks(db *sql.DB, rdb *goredis.Client, retriever retrieval.Retriever, queue outbox.Queue) []api.Option {
	var opts []api.Option
	if db != nil {
		opts = append(opts, api.WithHealthCheck("mysql", db.PingContext))
	}
	if rdb != nil {
		opts = append(opts, api.WithHealthCheck("redis", func(ctx context.Context) error {
			return rdb.Ping(ctx).Err()
		}))
	}
	if r, ok := retriever.(interface{ Ready(context.Context) error }); ok {
		opts = append(opts, api.WithHealthCheck("weaviate", r.Ready))
	}
	if q, ok := queue.(interface{ Ping(context.Context) error }); ok {
		opts = append(opts, api.WithHealthCheck("rabbitmq", q.Ping))
	}
	return opts
}

// newModels 返回编排器使用的模型（需要工具调用）和查询分解使用的模型（JSON 模式）。
// Ollama 的工具调用走其 OpenAI 兼容接口，JSON 模式调用走 langchaingo。
func newModels(cfg config.LLMConfig) (llm.Model, llm.Model, error) {
	switch cfg.Provider {
	case "openai":
		client, err := openai.NewClient(openai.Config{
			APIKey:      cfg.APIKey,
			BaseURL:     cfg.BaseURL,
			Model:       cfg.Model,
			Timeout:     cfg.Timeout,
			Temperature: float32(cfg.Temperature),
		})
		if err != nil {
			return nil, nil, err
		}
		return client, client, nil
	case "ollama":
		chat, err := openai.NewOllamaClient(cfg.BaseURL, cfg.Model, cfg.Timeout, float32(cfg.Temperature))
		if err != nil {
			return nil, nil, err
		}
		structured, err := langchain.NewOllama(langchain.OllamaConfig{
			ServerURL:   cfg.BaseURL,
			Model:       cfg.Model,
			Temperature: cfg.Temperature,
		})
		if err != nil {
			return nil, nil, err
		}
		return chat, structured, nil
	default:
		return nil, nil, fmt.Errorf("未知的大模型 provider: %s", cfg.Provider)
	}
}

func newRetriever(cfg config.SearchConfig) (retrieval.Retriever, catalog.Lookup, error) {
	switch cfg.Backend {
	case "weaviate":
		store, err := weaviate.New(weaviate.Config{
			URL:        cfg.Weaviate.URL,
			APIKey:     cfg.Weaviate.APIKey,
			Class:      cfg.Weaviate.Class,
			Vectorizer: cfg.Weaviate.Vectorizer,
		})
		if err != nil {
			return nil, nil, err
		}
		return store, store, nil
	default:
		index, err := retrieval.LoadMemoryIndex(cfg.ProductsFile)
		if err != nil {
			return nil, nil, err
		}
		return index, index, nil
	}
}

func newAccounts(ctx context.Context, cfg config.AccountsConfig, db *sql.DB) (account.AccountStore, account.OrderStore, error) {
	if cfg.Store == "mysql" {
		store := mysql.NewAccountStore(db)
		return store, store, nil
	}
	store := account.NewMemoryStore()
	if cfg.SeedFile != "" {
		seed, err := account.LoadSeed(cfg.SeedFile)
		if err != nil {
			return nil, nil, err
		}
		if _, err := seed.Apply(ctx, store, store); err != nil {
			return nil, nil, err
		}
	}
	return store, store, nil
}

// newSender 在配置了 SMTP 时返回 Mailer，否则只记录日志。
func newSender(cfg config.SMTPConfig) (*mail.Mailer, outbox.Sender, error) {
	if cfg.Host == "" {
		logger.L().Warn("未配置 SMTP，商品邮件只写入审计日志")
		return nil, mail.LogSender{}, nil
	}
	mailer, err := mail.New(mail.Config{
		Host:     cfg.Host,
		Port:     cfg.Port,
		Username: cfg.Username,
		Password: cfg.Password,
		From:     cfg.From,
	})
	if err != nil {
		return nil, nil, err
	}
	return mailer, mailer, nil
}

func newOutbox(cfg *config.Config, db *sql.DB, rdb *goredis.Client) (outbox.Store, outbox.Queue, error) {
	var store outbox.Store
	switch cfg.Outbox.Store {
	case "mysql":
		s, err := outbox.NewMySQLStore(db)
		if err != nil {
			return nil, nil, err
		}
		store = s
	default:
		store = outbox.NewMemoryStore()
	}

	var queue outbox.Queue
	switch cfg.Outbox.Queue {
	case "redis":
		queue = outbox.NewRedisQueue(rdb, outbox.RedisQueueConfig{Queue: cfg.Outbox.QueueName})
	case "rabbitmq":
		q, err := outbox.NewRabbitMQQueue(outbox.RabbitMQConfig{
			URL:      cfg.RabbitMQ.URL,
			Queue:    cfg.Outbox.QueueName,
			Prefetch: cfg.RabbitMQ.Prefetch,
			Durable:  true,
		})
		if err != nil {
			_ = store.Close()
			return nil, nil, err
		}
		queue = q
	default:
		queue = outbox.NewMemoryQueue(cfg.Outbox.BufferSize)
	}
	return store, queue, nil
}

func newConversationStore(cfg config.ConversationConfig, db *sql.DB, rdb *goredis.Client, prefix string) (conversation.Store, conversation.Locker, error) {
	var store conversation.Store
	switch cfg.Store {
	case "redis":
		store = redis.NewCheckpointStore(rdb, prefix)
	case "mysql":
		store = mysql.NewCheckpointStore(db)
	case "memory":
		store = conversation.NewMemoryStore(nil)
	default:
		return nil, nil, fmt.Errorf("未知的会话存储: %s", cfg.Store)
	}

	var locker conversation.Locker = conversation.NewKeyedLocker()
	if cfg.Lock == "redis" {
		locker = redis.NewLocker(rdb, prefix, cfg.LockTTL)
	}
	return store, locker, nil
}
