package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	xerrors "ShopAssist/internal/errors"
)

func clearSecrets(t *testing.T) {
	t.Helper()
	for _, key := range []string{"OPENAI_API_KEY", "TAVILY_API_KEY", "SMTP_PASSWORD", "MYSQL_DSN", "REDIS_PASSWORD", EnvConfigPath} {
		t.Setenv(key, "")
	}
}

func TestLoadAppliesDefaults(t *testing.T) {
	clearSecrets(t)
	dir := t.TempDir()
	path := filepath.Join(dir, "shopassist.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
llm:
  api_key: sk-test
search:
  products_file: data/products.json
  categories_file: data/categories.json
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Server.Address)
	assert.Equal(t, 10, cfg.Server.RateLimit.Requests)
	assert.Equal(t, time.Minute, cfg.Server.RateLimit.Window)
	assert.Equal(t, 8, cfg.Agent.MaxIterations)
	assert.Equal(t, 2, cfg.Agent.Retries())
	assert.Equal(t, 200*time.Millisecond, cfg.Agent.RetryBackoff)
	assert.Equal(t, 20*time.Second, cfg.Agent.ToolTimeout)
	assert.Equal(t, 15*time.Minute, cfg.Confirmation.TTL)
	assert.Equal(t, 24*time.Hour, cfg.Conversation.TTL)
	assert.Equal(t, 5, cfg.Search.TopK)
	assert.InDelta(t, 0.7, cfg.Search.ScoreThreshold, 1e-9)
	assert.Equal(t, 3, cfg.WebSearch.MaxResults)
	assert.Equal(t, 587, cfg.SMTP.Port)
	assert.Equal(t, 3, cfg.Outbox.MaxRetries)
	assert.Equal(t, 2*time.Second, cfg.Outbox.RetryBackoff)
	assert.Equal(t, 5, cfg.Accounts.HistoryLimit)
	assert.Equal(t, filepath.Join(dir, "data", "products.json"), cfg.Search.ProductsFile)
	assert.Equal(t, filepath.Join(dir, "data", "categories.json"), cfg.Search.CategoriesFile)
	assert.False(t, cfg.NeedsMySQL())
	assert.False(t, cfg.NeedsRedis())
}

func TestParseDurationsAndEnvOverrides(t *testing.T) {
	clearSecrets(t)
	t.Setenv("OPENAI_API_KEY", "sk-env")
	t.Setenv("MYSQL_DSN", "user:pass@tcp(db:3306)/shop?parseTime=true")

	cfg, err := Parse([]byte(`
confirmation:
  ttl: 5m
conversation:
  store: mysql
  ttl: 2h
search:
  products_file: /srv/products.json
`), "/etc/shopassist")
	require.NoError(t, err)

	assert.Equal(t, "sk-env", cfg.LLM.APIKey)
	assert.Equal(t, 5*time.Minute, cfg.Confirmation.TTL)
	assert.Equal(t, 2*time.Hour, cfg.Conversation.TTL)
	assert.Equal(t, "/srv/products.json", cfg.Search.ProductsFile)
	assert.True(t, cfg.NeedsMySQL())
}

func TestExplicitZeroModelRetriesDisablesRetry(t *testing.T) {
	clearSecrets(t)
	cfg, err := Parse([]byte("llm: {api_key: x}\nsearch: {products_file: p.json}\nagent: {model_retries: 0}"), ".")
	require.NoError(t, err)
	require.NotNil(t, cfg.Agent.ModelRetries)
	assert.Equal(t, 0, cfg.Agent.Retries())

	cfg, err = Parse([]byte("llm: {api_key: x}\nsearch: {products_file: p.json}\nagent: {model_retries: 5}"), ".")
	require.NoError(t, err)
	assert.Equal(t, 5, cfg.Agent.Retries())

	_, err = Parse([]byte("llm: {api_key: x}\nsearch: {products_file: p.json}\nagent: {model_retries: -1}"), ".")
	assert.True(t, xerrors.HasCode(err, xerrors.CodeInvalidArgument))
}

func TestValidateRejectsBadConfig(t *testing.T) {
	clearSecrets(t)
	cases := map[string]string{
		"unknown provider":      "llm: {provider: bard, api_key: x}\nsearch: {products_file: p.json}",
		"missing api key":       "search: {products_file: p.json}",
		"mysql without dsn":     "llm: {api_key: x}\nsearch: {products_file: p.json}\naccounts: {store: mysql}",
		"redis without address": "llm: {api_key: x}\nsearch: {products_file: p.json}\noutbox: {queue: redis}",
		"weaviate without url":  "llm: {api_key: x}\nsearch: {backend: weaviate}",
		"bad alert email":       "llm: {api_key: x}\nsearch: {products_file: p.json}\nsmtp: {host: mail, from: a@b.c}\nalerts: {email: [nope]}",
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Parse([]byte(doc), ".")
			require.Error(t, err)
			assert.True(t, xerrors.HasCode(err, xerrors.CodeInvalidArgument), "unexpected error: %v", err)
		})
	}
}

func TestResolvePrefersFlagThenEnv(t *testing.T) {
	t.Setenv(EnvConfigPath, "/env/config.yaml")
	assert.Equal(t, "/flag.yaml", Resolve("/flag.yaml"))
	assert.Equal(t, "/env/config.yaml", Resolve(""))
	t.Setenv(EnvConfigPath, "")
	assert.Equal(t, DefaultPath, Resolve(""))
}
