package config

import (
	"strings"

	"github.com/spf13/viper"
)

type Config struct {
	Server         ServerConfig         `mapstructure:"server"`
	Log            LogConfig            `mapstructure:"log"`
	Scan           ScanConfig           `mapstructure:"scan"`
	StaticAnalysis StaticAnalysisConfig `mapstructure:"static_analysis"`
	Detection      DetectionConfig      `mapstructure:"detection"`
	Worker         WorkerConfig         `mapstructure:"worker"`
	Database       DatabaseConfig       `mapstructure:"database"`
	RabbitMQ       RabbitMQConfig       `mapstructure:"rabbitmq"`
	MinIO          MinIOConfig          `mapstructure:"minio"`
	Watcher        WatcherConfig        `mapstructure:"watcher"`
}

type ServerConfig struct {
	Port     int    `mapstructure:"port"`
	Mode     string `mapstructure:"mode"`      // debug, release
	APIToken string `mapstructure:"api_token"` // 非空时上传接口需要 Bearer token
}

type LogConfig struct {
	Level  string `mapstructure:"level"`  // debug, info, warn, error
	Format string `mapstructure:"format"` // json, text
	File   string `mapstructure:"file"`   // 为空时只输出到标准输出
}

// ScanConfig 上传与报告目录
type ScanConfig struct {
	UploadDir         string   `mapstructure:"upload_dir"`
	ReportDir         string   `mapstructure:"report_dir"`
	MaxUploadMB       int      `mapstructure:"max_upload_mb"`
	AllowedExtensions []string `mapstructure:"allowed_extensions"`
}

// MaxUploadBytes 上传大小上限（字节）
func (c ScanConfig) MaxUploadBytes() int64 {
	return int64(c.MaxUploadMB) << 20
}

// StaticAnalysisConfig 权限提取配置
type StaticAnalysisConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	AaptPath string `mapstructure:"aapt_path"`
	Timeout  int    `mapstructure:"timeout"` // seconds
}

// DetectionConfig 检测引擎配置
type DetectionConfig struct {
	Seed int64 `mapstructure:"seed"` // 0 表示按时间播种
}

type WorkerConfig struct {
	Concurrency int `mapstructure:"concurrency"` // Worker 数量
	QueueSize   int `mapstructure:"queue_size"`  // 任务队列大小
}

type DatabaseConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	Type       string `mapstructure:"type"` // mysql, sqlite
	SQLitePath string `mapstructure:"sqlite_path"`
	Host       string `mapstructure:"host"`
	Port       int    `mapstructure:"port"`
	User       string `mapstructure:"user"`
	Password   string `mapstructure:"password"`
	DBName     string `mapstructure:"db_name"`
}

type RabbitMQConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	VHost    string `mapstructure:"vhost"`
	Queue    string `mapstructure:"queue"`
}

// MinIOConfig 报告对象存储配置
type MinIOConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	Endpoint  string `mapstructure:"endpoint"`
	AccessKey string `mapstructure:"access_key"`
	SecretKey string `mapstructure:"secret_key"`
	Bucket    string `mapstructure:"bucket"`
	UseSSL    bool   `mapstructure:"use_ssl"`
}

// WatcherConfig 投递目录监听配置
type WatcherConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Dir     string `mapstructure:"dir"`
	Pattern string `mapstructure:"pattern"`
}

// setDefaults 没有配置文件时也能启动
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 5000)
	v.SetDefault("server.mode", "release")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")

	v.SetDefault("scan.upload_dir", "./uploads")
	v.SetDefault("scan.report_dir", "./reports")
	v.SetDefault("scan.max_upload_mb", 100)
	v.SetDefault("scan.allowed_extensions", []string{"apk"})

	v.SetDefault("static_analysis.enabled", true)
	v.SetDefault("static_analysis.aapt_path", "aapt2")
	v.SetDefault("static_analysis.timeout", 60)

	v.SetDefault("detection.seed", 0)

	v.SetDefault("worker.concurrency", 4)
	v.SetDefault("worker.queue_size", 100)

	v.SetDefault("database.enabled", true)
	v.SetDefault("database.type", "sqlite")
	v.SetDefault("database.sqlite_path", "./data/scans.db")
	v.SetDefault("database.port", 3306)

	v.SetDefault("rabbitmq.enabled", false)
	v.SetDefault("rabbitmq.host", "localhost")
	v.SetDefault("rabbitmq.port", 5672)
	v.SetDefault("rabbitmq.user", "guest")
	v.SetDefault("rabbitmq.password", "guest")
	v.SetDefault("rabbitmq.vhost", "/")
	v.SetDefault("rabbitmq.queue", "apk_scan_queue")

	v.SetDefault("minio.enabled", false)
	v.SetDefault("minio.bucket", "scan-reports")

	v.SetDefault("watcher.enabled", false)
	v.SetDefault("watcher.dir", "./inbox")
	v.SetDefault("watcher.pattern", "*.apk")
}

// Load 加载配置，path 为空时只使用默认值和环境变量
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	// 环境变量覆盖（支持嵌套配置）
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Server
	v.BindEnv("server.port", "SCAN_SERVER_PORT")
	v.BindEnv("server.api_token", "SCAN_API_TOKEN")
	v.BindEnv("log.level", "SCAN_LOG_LEVEL")

	// RabbitMQ
	v.BindEnv("rabbitmq.host", "RABBITMQ_HOST")
	v.BindEnv("rabbitmq.port", "RABBITMQ_PORT")
	v.BindEnv("rabbitmq.user", "RABBITMQ_USER")
	v.BindEnv("rabbitmq.password", "RABBITMQ_PASS")

	// Database
	v.BindEnv("database.host", "MYSQL_HOST")
	v.BindEnv("database.port", "MYSQL_PORT")
	v.BindEnv("database.user", "MYSQL_USER")
	v.BindEnv("database.password", "MYSQL_PASS")
	v.BindEnv("database.db_name", "MYSQL_DB")

	// MinIO
	v.BindEnv("minio.endpoint", "MINIO_ENDPOINT")
	v.BindEnv("minio.access_key", "MINIO_ACCESS_KEY")
	v.BindEnv("minio.secret_key", "MINIO_SECRET_KEY")

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, err
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}
