package config

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestLoad_Defaults 测试无配置文件时的默认值
func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "sqlite", cfg.Database.Type)
	assert.Equal(t, "jadx", cfg.Decompiler.JadxPath)
	assert.Equal(t, []string{"--show-bad-code", "--no-res", "--deobf"}, cfg.Decompiler.Args)
	assert.Equal(t, 2, cfg.Decompiler.Attempts)
	assert.Equal(t, "javac", cfg.Runner.JavacPath)
	assert.Equal(t, "*.apk", cfg.Watch.Pattern)
	assert.False(t, cfg.RabbitMQ.Enabled)
}

// TestLoad_MissingFile 测试配置文件不存在时回退到默认值
func TestLoad_MissingFile(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "info", cfg.Log.Level)
}

// TestLoad_File 测试 YAML 覆盖默认值
func TestLoad_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
server:
  port: 9090
worker:
  concurrency: 8
generator:
  output_root: /tmp/out
  force: true
decompiler:
  jadx_path: /opt/jadx/bin/jadx
  args: ["--show-bad-code"]
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, 8, cfg.Worker.Concurrency)
	assert.Equal(t, 100, cfg.Worker.QueueSize)
	assert.Equal(t, "/tmp/out", cfg.Generator.OutputRoot)
	assert.True(t, cfg.Generator.Force)
	assert.Equal(t, "/opt/jadx/bin/jadx", cfg.Decompiler.JadxPath)
	assert.Equal(t, []string{"--show-bad-code"}, cfg.Decompiler.Args)
}

// TestLoad_EnvOverride 测试环境变量覆盖
func TestLoad_EnvOverride(t *testing.T) {
	t.Setenv("MYSQL_HOST", "db.internal")
	t.Setenv("JADX_PATH", "/usr/local/bin/jadx")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "db.internal", cfg.Database.Host)
	assert.Equal(t, "/usr/local/bin/jadx", cfg.Decompiler.JadxPath)
}

// TestNewLogger 测试日志级别与格式
func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := newLogger(&LogConfig{Level: "debug", Format: "json"}, &buf)

	assert.Equal(t, logrus.DebugLevel, logger.GetLevel())
	logger.WithField("task_id", "t1").Info("generated")
	assert.Contains(t, buf.String(), `"task_id":"t1"`)

	fallback := newLogger(&LogConfig{Level: "bogus"}, &buf)
	assert.Equal(t, logrus.InfoLevel, fallback.GetLevel())
}
