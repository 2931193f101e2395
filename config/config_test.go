package config_test

import (
	"bytes"
	"encoding/json"
	"errors"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/elruby/settlement-engine/config"
)

func TestLoad_Defaults(t *testing.T) {
	t.Chdir(t.TempDir())
	for _, k := range []string{"PORT", "DB_DRIVER", "DATABASE_URL", "REDIS_ADDR", "LOG_LEVEL", "POLICY_FILE", "OTEL_EXPORTER_OTLP_ENDPOINT"} {
		t.Setenv(k, "")
	}

	cfg, err := config.Load(nil)
	require.NoError(t, err)
	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, "sqlite3", cfg.DBDriver)
	assert.Equal(t, "settlement.db", cfg.DatabaseURL)
	assert.Empty(t, cfg.RedisAddr)
	assert.Equal(t, "info", cfg.LogLevel)
}

func TestLoad_FlagsOverrideEnvironment(t *testing.T) {
	// GIVEN: PORT and DB_DRIVER in the environment
	// WHEN: -port is also passed
	// THEN: The flag wins, the untouched env value stays

	t.Chdir(t.TempDir())
	t.Setenv("PORT", "9000")
	t.Setenv("DB_DRIVER", "pgx")
	t.Setenv("REDIS_ADDR", "redis:6379")

	cfg, err := config.Load([]string{"-port", "3000", "-policy", "shop.json"})
	require.NoError(t, err)
	assert.Equal(t, 3000, cfg.Port)
	assert.Equal(t, "pgx", cfg.DBDriver)
	assert.Equal(t, "redis:6379", cfg.RedisAddr)
	assert.Equal(t, "shop.json", cfg.PolicyFile)
}

func TestLoad_Rejections(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("PORT", "")
	t.Setenv("DB_DRIVER", "")

	_, err := config.Load([]string{"-db-driver", "oracle"})
	require.Error(t, err)
	_, err = config.Load([]string{"-port", "0"})
	require.Error(t, err)

	t.Setenv("PORT", "eighty")
	_, err = config.Load(nil)
	require.Error(t, err)
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	logger, err := config.NewLogger(&buf, "warn")
	require.NoError(t, err)
	assert.Equal(t, logrus.WarnLevel, logger.GetLevel())

	config.LogError(logger, "api", "createOrder", "settle", map[string]string{"order_id": "o-1"}, errors.New("boom"))

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "boom", line["msg"])
	assert.Equal(t, "api", line["module"])
	assert.Equal(t, "createOrder", line["funcName"])
	assert.NotNil(t, line["data"])

	_, err = config.NewLogger(&buf, "loud")
	require.Error(t, err)
}
