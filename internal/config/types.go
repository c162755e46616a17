// Package config 统一配置管理
//
// 配置加载优先级（高→低）：
//  1. 环境变量（通过 .env 文件或 shell/systemd 注入）
//  2. YAML 配置文件（common.yaml，再由 {env}.yaml 覆盖）
//  3. 代码硬编码默认值
//
// 凭据单一数据源：
//
//	密码/密钥只存在环境变量或 .env 文件中（YAML 中不存储任何密码）。
//
// 配置路径确定策略：
//  1. --config 命令行参数（SetConfigDir）
//  2. CONFIG_DIR 环境变量
//  3. 按 APP_ENV 选择默认路径：
//     - prod → /etc/ui-automation/
//     - dev/test → ./configs/
//
// API Server 和 Agent 共用同一 YAML schema，各自只读取关心的章节。
package config

import "time"

// Environment 环境类型
type Environment string

const (
	EnvProduction  Environment = "prod"
	EnvTest        Environment = "test"
	EnvDevelopment Environment = "dev"
)

// YAMLConfig 统一 YAML 配置文件结构
type YAMLConfig struct {
	Server    ServerConfig    `yaml:"server"`    // HTTP/WebSocket 服务
	Storage   StorageConfig   `yaml:"storage"`   // 执行记录存储
	Redis     RedisConfig     `yaml:"redis"`     // 事件广播 + Agent 在线镜像（可选）
	MinIO     MinIOConfig     `yaml:"minio"`     // 报告归档（可选）
	Scheduler SchedulerConfig `yaml:"scheduler"` // 调度器
	Engine    EngineConfig    `yaml:"engine"`    // 本地执行引擎
	Agent     AgentConfig     `yaml:"agent"`     // Agent 进程
}

// ServerConfig 服务配置
type ServerConfig struct {
	Port      string `yaml:"port"`       // 监听端口
	ReportDir string `yaml:"report_dir"` // 报告目录（同时挂载为 /reports/）
}

// StorageConfig 存储配置
type StorageConfig struct {
	Driver   string `yaml:"driver"` // "sqlite"（默认）、"postgres"、"mongodb" 或 "memory"
	Path     string `yaml:"path"`   // SQLite 文件路径
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"-"` // 只从 DB_PASSWORD 环境变量读取
	Name     string `yaml:"name"`
	SSLMode  string `yaml:"sslmode"`
	URI      string `yaml:"uri"` // MongoDB 连接 URI（优先于 host/port）
}

// RedisConfig Redis 配置
type RedisConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	DB       int    `yaml:"db"`
	Password string `yaml:"-"`       // 只从 REDIS_PASSWORD 环境变量读取
	URL      string `yaml:"url"`     // 直接指定 URL（优先于 host/port/db）
	Channel  string `yaml:"channel"` // 事件广播频道
}

// MinIOConfig MinIO 对象存储配置
type MinIOConfig struct {
	Enabled      bool   `yaml:"enabled"`
	Endpoint     string `yaml:"endpoint"`      // 例如 localhost:9000
	AccessKey    string `yaml:"-"`             // 只从 MINIO_ROOT_USER 环境变量读取
	SecretKey    string `yaml:"-"`             // 只从 MINIO_ROOT_PASSWORD 环境变量读取
	UseSSL       bool   `yaml:"use_ssl"`       // 是否使用 HTTPS
	Bucket       string `yaml:"bucket"`        // 报告 bucket
	ReportPrefix string `yaml:"report_prefix"` // 报告对象键前缀，例如 reports/
}

// SchedulerConfig 调度器配置
type SchedulerConfig struct {
	MaxConcurrency  int           `yaml:"max_concurrency"`
	RemotePlatforms []string      `yaml:"remote_platforms"`
	CancelGrace     time.Duration `yaml:"cancel_grace"`
	RemoteTimeout   time.Duration `yaml:"remote_timeout"`
	StrategyChain   []string      `yaml:"strategy_chain"`
}

// EngineConfig 本地执行引擎配置
type EngineConfig struct {
	Name        string        `yaml:"name"`
	StepTimeout time.Duration `yaml:"step_timeout"`
	StepDelay   time.Duration `yaml:"step_delay"` // 占位引擎模拟每步耗时
}

// AgentConfig Agent 进程配置
type AgentConfig struct {
	ServerURL         string        `yaml:"server_url"`
	ID                string        `yaml:"id"`
	Platform          string        `yaml:"platform"`
	DeviceName        string        `yaml:"device_name"`
	ReconnectInterval time.Duration `yaml:"reconnect_interval"`
	ReportDir         string        `yaml:"report_dir"`
}

// Config 应用配置（最终使用的配置）
type Config struct {
	Env            Environment
	APIPort        string
	ReportDir      string
	DatabaseDriver string // "sqlite", "postgres", "mongodb" 或 "memory"
	DatabaseURL    string
	DatabaseDBName string // MongoDB 数据库名称
	RedisURL       string // 为空表示不启用 Redis
	RedisChannel   string
	MinIO          MinIOConfig
	Scheduler      SchedulerConfig
	Engine         EngineConfig
	Agent          AgentConfig
	ConfigFilePath string // 实际加载的配置文件路径
}

// yamlConfigInternal 内部包装，记录配置文件来源（不参与 YAML 序列化）
type yamlConfigInternal struct {
	YAMLConfig `yaml:",inline"`
	loadedFrom string
}
