package config

import (
	"errors"
	"os"
	"strings"

	"github.com/spf13/viper"
)

type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Database   DatabaseConfig   `mapstructure:"database"`
	RabbitMQ   RabbitMQConfig   `mapstructure:"rabbitmq"`
	Worker     WorkerConfig     `mapstructure:"worker"`
	Log        LogConfig        `mapstructure:"log"`
	Decompiler DecompilerConfig `mapstructure:"decompiler"`
	Generator  GeneratorConfig  `mapstructure:"generator"`
	Runner     RunnerConfig     `mapstructure:"runner"`
	Watch      WatchConfig      `mapstructure:"watch"`
	APKDir     string           `mapstructure:"apk_dir"`
}

type ServerConfig struct {
	Port     int    `mapstructure:"port"`
	Mode     string `mapstructure:"mode"`      // debug, release
	APIToken string `mapstructure:"api_token"` // 写操作的 Bearer 令牌，为空时不校验
}

type DatabaseConfig struct {
	Type     string `mapstructure:"type"` // mysql, sqlite
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"db_name"`
}

// RabbitMQConfig 生成任务队列配置，未启用时任务直接投递到本地 worker 池
type RabbitMQConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	VHost    string `mapstructure:"vhost"`
	Queue    string `mapstructure:"queue"`
}

type WorkerConfig struct {
	Concurrency int `mapstructure:"concurrency"` // Worker 数量
	QueueSize   int `mapstructure:"queue_size"`  // 任务队列大小
}

type LogConfig struct {
	Level  string `mapstructure:"level"`  // debug, info, warn, error
	Format string `mapstructure:"format"` // json, text
}

// DecompilerConfig jadx 反编译配置
type DecompilerConfig struct {
	JadxPath string   `mapstructure:"jadx_path"`
	Args     []string `mapstructure:"args"`
	WorkDir  string   `mapstructure:"work_dir"` // 为空时使用系统临时目录
	Timeout  int      `mapstructure:"timeout"`  // seconds
	Attempts int      `mapstructure:"attempts"`
}

// GeneratorConfig 解包程序生成配置
type GeneratorConfig struct {
	OutputRoot string `mapstructure:"output_root"` // 为空时输出到 APK 所在目录
	Force      bool   `mapstructure:"force"`       // 忽略加壳检测结果，总是生成
}

// RunnerConfig 生成程序的编译运行配置
type RunnerConfig struct {
	JavacPath string `mapstructure:"javac_path"`
	JavaPath  string `mapstructure:"java_path"`
}

// WatchConfig 入站 APK 目录监听配置
type WatchConfig struct {
	Enabled      bool   `mapstructure:"enabled"`
	Pattern      string `mapstructure:"pattern"`
	ScanExisting bool   `mapstructure:"scan_existing"` // 启动时处理目录中已有的 APK
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.mode", "release")
	v.SetDefault("database.type", "sqlite")
	v.SetDefault("database.db_name", "unboxing.db")
	v.SetDefault("rabbitmq.port", 5672)
	v.SetDefault("rabbitmq.vhost", "/")
	v.SetDefault("rabbitmq.queue", "unboxing_generate")
	v.SetDefault("worker.concurrency", 2)
	v.SetDefault("worker.queue_size", 100)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("decompiler.jadx_path", "jadx")
	v.SetDefault("decompiler.args", []string{"--show-bad-code", "--no-res", "--deobf"})
	v.SetDefault("decompiler.timeout", 600)
	v.SetDefault("decompiler.attempts", 2)
	v.SetDefault("runner.javac_path", "javac")
	v.SetDefault("runner.java_path", "java")
	v.SetDefault("watch.pattern", "*.apk")
	v.SetDefault("apk_dir", "./inbound_apks")
}

func newViper() *viper.Viper {
	v := viper.New()
	setDefaults(v)

	// 环境变量覆盖（支持嵌套配置）
	v.SetEnvPrefix("UNBOXING")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.BindEnv("rabbitmq.host", "RABBITMQ_HOST")
	v.BindEnv("rabbitmq.port", "RABBITMQ_PORT")
	v.BindEnv("rabbitmq.user", "RABBITMQ_USER")
	v.BindEnv("rabbitmq.password", "RABBITMQ_PASS")

	v.BindEnv("database.host", "MYSQL_HOST")
	v.BindEnv("database.port", "MYSQL_PORT")
	v.BindEnv("database.user", "MYSQL_USER")
	v.BindEnv("database.password", "MYSQL_PASS")
	v.BindEnv("database.db_name", "MYSQL_DB")

	v.BindEnv("decompiler.jadx_path", "JADX_PATH")
	return v
}

// Load 读取 YAML 配置文件；path 为空或文件不存在时返回默认配置
func Load(path string) (*Config, error) {
	v := newViper()

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) && !errors.Is(err, os.ErrNotExist) {
				return nil, err
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Default 返回只包含默认值的配置
func Default() *Config {
	cfg, err := Load("")
	if err != nil {
		// 默认值不会解析失败
		panic(err)
	}
	return cfg
}
