package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	rockerrors "github.com/mirkobrombin/go-rock/v1/errors"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "rock.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadDefaultsWithoutFile(t *testing.T) {
	t.Chdir(t.TempDir())
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoadFile(t *testing.T) {
	path := writeConfig(t, `
logging:
  level: debug
  format: json
redis:
  mode: sentinel
  master_name: mymaster
  sentinel_addresses:
    - redis://10.0.0.1:26379
    - 10.0.0.2:26379
bus:
  kind: kafka
  brokers: [k1:9092, k2:9092]
lock:
  type: jedis
  wait_time: -1
  expire_time: 500
  time_unit: MILLISECONDS
extensions:
  dirs: [/etc/rock]
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "DEBUG", cfg.Logging.Level)
	assert.Equal(t, "json", cfg.Logging.Format)
	assert.Equal(t, "stderr", cfg.Logging.Output)
	assert.Equal(t, "sentinel", cfg.Redis.Mode)
	assert.Equal(t, []string{"redis://10.0.0.1:26379", "10.0.0.2:26379"}, cfg.Redis.SentinelAddresses)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.Bus.Brokers)
	assert.Equal(t, "jedis", cfg.Lock.Type)
	assert.Equal(t, ":", cfg.Lock.Separator)
	assert.EqualValues(t, -1, cfg.Lock.WaitTime)
	assert.EqualValues(t, 500, cfg.Lock.ExpireTime)
	assert.Equal(t, time.Millisecond, cfg.Lock.TimeUnit)
	assert.Equal(t, []string{"/etc/rock"}, cfg.Extensions.Dirs)
}

func TestLoadEnvironmentOverrides(t *testing.T) {
	path := writeConfig(t, "redis:\n  address: 10.0.0.1:6379\n")
	t.Setenv("ROCK_REDIS_ADDRESS", "10.0.0.9:6379")
	t.Setenv("ROCK_LOCK_TIME_UNIT", "250ms")
	t.Setenv("ROCK_BUS_KIND", "kafka")
	t.Setenv("ROCK_BUS_BROKERS", "a:9092,b:9092")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.9:6379", cfg.Redis.Address)
	assert.Equal(t, 250*time.Millisecond, cfg.Lock.TimeUnit)
	assert.Equal(t, []string{"a:9092", "b:9092"}, cfg.Bus.Brokers)
}

func TestLoadMissingExplicitFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.ErrorIs(t, err, rockerrors.ErrConfiguration)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"log level", func(c *Config) { c.Logging.Level = "LOUD" }},
		{"log format", func(c *Config) { c.Logging.Format = "xml" }},
		{"redis mode", func(c *Config) { c.Redis.Mode = "ring" }},
		{"sentinel without master", func(c *Config) {
			c.Redis.Mode = "sentinel"
			c.Redis.SentinelAddresses = []string{"a:26379"}
		}},
		{"cluster without nodes", func(c *Config) { c.Redis.Mode = "cluster" }},
		{"bus kind", func(c *Config) { c.Bus.Kind = "carrier-pigeon" }},
		{"kafka without brokers", func(c *Config) { c.Bus.Kind = "kafka" }},
		{"expire time", func(c *Config) { c.Lock.ExpireTime = 0 }},
		{"wait time", func(c *Config) { c.Lock.WaitTime = -2 }},
		{"metrics addr", func(c *Config) { c.Metrics.Enabled, c.Metrics.Addr = true, "" }},
	}
	require.NoError(t, Validate(Default()))
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			assert.ErrorIs(t, Validate(cfg), rockerrors.ErrConfiguration)
		})
	}
}

func TestSaveRoundTrip(t *testing.T) {
	cfg := Default()
	cfg.Redis.Mode = "cluster"
	cfg.Redis.ClusterNodeAddresses = []string{"n1:7000", "n2:7000"}
	cfg.Lock.TimeUnit = time.Millisecond
	cfg.Lock.WaitTime = 200

	path := filepath.Join(t.TempDir(), "nested", "rock.yaml")
	require.NoError(t, Save(cfg, path))
	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, cfg, loaded)
}

func TestRedisNewClientSingle(t *testing.T) {
	mr := miniredis.RunT(t)
	client, err := RedisConfig{Mode: "single", Address: "redis://" + mr.Addr()}.NewClient()
	require.NoError(t, err)
	defer client.Close()

	require.NoError(t, client.Set(context.Background(), "k", "v", 0).Err())
	got, err := mr.Get("k")
	require.NoError(t, err)
	assert.Equal(t, "v", got)
}

func TestRedisNewClientTopologies(t *testing.T) {
	client, err := RedisConfig{
		Mode:              "sentinel",
		MasterName:        "mymaster",
		SentinelAddresses: []string{"redis://127.0.0.1:26379"},
	}.NewClient()
	require.NoError(t, err)
	assert.IsType(t, &redis.Client{}, client)
	_ = client.Close()

	client, err = RedisConfig{Mode: "cluster", ClusterNodeAddresses: []string{"redis://127.0.0.1:7000"}}.NewClient()
	require.NoError(t, err)
	assert.IsType(t, &redis.ClusterClient{}, client)
	_ = client.Close()

	_, err = RedisConfig{Mode: "cluster"}.NewClient()
	assert.ErrorIs(t, err, rockerrors.ErrConfiguration)
	_, err = RedisConfig{Mode: "ring"}.NewClient()
	assert.ErrorIs(t, err, rockerrors.ErrConfiguration)
}

func TestStripScheme(t *testing.T) {
	assert.Equal(t, "h:1", stripScheme(" redis://h:1 "))
	assert.Equal(t, []string{"a:1", "b:2"}, stripSchemes([]string{"redis://a:1", "", "b:2"}))
}
