package config

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// 默认值
const (
	DefaultPort              = "3002"
	DefaultReportDir         = "reports"
	DefaultMaxConcurrency    = 5
	DefaultCancelGrace       = 10 * time.Second
	DefaultStepTimeout       = 2 * time.Minute
	DefaultReconnectInterval = 3 * time.Second
	DefaultRedisChannel      = "uiauto:events"
	DefaultMongoDatabase     = "ui_automation"
)

// Load 加载配置
//  1. 加载 .env.{env}（敏感信息）
//  2. 加载 common.yaml 和 {env}.yaml
//  3. 环境变量覆盖并填充默认值
func Load() *Config {
	env := parseEnv(getEnv("APP_ENV", "dev"))
	loadEnvFiles(env)

	yamlCfg := loadYAMLConfig(env)
	cfg := build(env, &yamlCfg.YAMLConfig)
	cfg.ConfigFilePath = yamlCfg.loadedFrom
	return cfg
}

// build 由 YAML 配置和环境变量构建最终配置
func build(env Environment, y *YAMLConfig) *Config {
	y.Storage.Password = os.Getenv("DB_PASSWORD")
	y.Redis.Password = os.Getenv("REDIS_PASSWORD")
	if d := os.Getenv("STORAGE_DRIVER"); d != "" {
		y.Storage.Driver = d
	}

	databaseURL := firstEnv("DATABASE_URL", "MONGO_URI")
	driver := detectDatabaseDriver(y.Storage.Driver, databaseURL)
	if databaseURL == "" {
		databaseURL = buildDatabaseURL(driver, y.Storage)
	}

	cfg := &Config{
		Env:            env,
		APIPort:        getEnv("PORT", y.Server.Port),
		ReportDir:      getEnv("UI_AUTOMATION_REPORT_DIR", y.Server.ReportDir),
		DatabaseDriver: driver,
		DatabaseURL:    databaseURL,
		DatabaseDBName: getEnv("MONGO_DATABASE", y.Storage.Name),
		RedisChannel:   y.Redis.Channel,
		MinIO:          y.MinIO,
		Scheduler:      y.Scheduler,
		Engine:         y.Engine,
		Agent:          y.Agent,
	}
	if url := os.Getenv("REDIS_URL"); url != "" {
		cfg.RedisURL = url
	} else if y.Redis.Enabled {
		cfg.RedisURL = buildRedisURL(y.Redis)
	}

	applyMinIOEnv(&cfg.MinIO)
	applySchedulerEnv(&cfg.Scheduler)
	applyAgentEnv(&cfg.Agent)
	cfg.fillDefaults()
	return cfg
}

// loadYAMLConfig 加载 YAML 配置文件
// 加载顺序：默认值 → common.yaml → {env}.yaml
func loadYAMLConfig(env Environment) *yamlConfigInternal {
	cfg := &yamlConfigInternal{YAMLConfig: defaultYAMLConfig()}

	paths := effectiveConfigPaths()
	for _, name := range []string{"common.yaml", fmt.Sprintf("%s.yaml", env)} {
		for _, base := range paths {
			path := filepath.Join(base, name)
			data, err := os.ReadFile(path)
			if err != nil {
				continue
			}
			if err := yaml.Unmarshal(data, &cfg.YAMLConfig); err != nil {
				log.Printf("[config] invalid yaml file=%s error=%v", path, err)
				break
			}
			cfg.loadedFrom = path
			break
		}
	}
	return cfg
}

func defaultYAMLConfig() YAMLConfig {
	return YAMLConfig{
		Server:  ServerConfig{Port: DefaultPort, ReportDir: DefaultReportDir},
		Storage: StorageConfig{Driver: "sqlite", Path: "data/ui-automation.db", Host: "localhost", Port: 5432, User: "uiauto", Name: DefaultMongoDatabase, SSLMode: "disable"},
		Redis:   RedisConfig{Host: "localhost", Port: 6379, Channel: DefaultRedisChannel},
		MinIO:   MinIOConfig{Endpoint: "localhost:9000", Bucket: "ui-automation", ReportPrefix: "reports/"},
		Scheduler: SchedulerConfig{
			MaxConcurrency:  DefaultMaxConcurrency,
			RemotePlatforms: []string{"android", "ios"},
			CancelGrace:     DefaultCancelGrace,
			StrategyChain:   []string{"direct", "idle", "any"},
		},
		Engine: EngineConfig{Name: "placeholder", StepTimeout: DefaultStepTimeout},
		Agent: AgentConfig{
			ServerURL:         "ws://localhost:" + DefaultPort + "/ws/agent",
			Platform:          "ios",
			ReconnectInterval: DefaultReconnectInterval,
			ReportDir:         DefaultReportDir,
		},
	}
}

func applyMinIOEnv(m *MinIOConfig) {
	if v := os.Getenv("MINIO_ENDPOINT"); v != "" {
		m.Endpoint = v
		m.Enabled = true
	}
	m.AccessKey = firstEnv("MINIO_ROOT_USER", "MINIO_ACCESS_KEY")
	m.SecretKey = firstEnv("MINIO_ROOT_PASSWORD", "MINIO_SECRET_KEY")
	if v := os.Getenv("MINIO_BUCKET"); v != "" {
		m.Bucket = v
	}
	if v := os.Getenv("MINIO_USE_SSL"); v != "" {
		m.UseSSL, _ = strconv.ParseBool(v)
	}
}

func applySchedulerEnv(s *SchedulerConfig) {
	if v := os.Getenv("UI_AUTOMATION_MAX_CONCURRENCY"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			n = DefaultMaxConcurrency
		}
		s.MaxConcurrency = n
	}
	if v := os.Getenv("UI_AUTOMATION_REMOTE_PLATFORMS"); v != "" {
		s.RemotePlatforms = splitList(v)
	}
}

func applyAgentEnv(a *AgentConfig) {
	if v := os.Getenv("SERVER_URL"); v != "" {
		a.ServerURL = v
	}
	if v := os.Getenv("AGENT_ID"); v != "" {
		a.ID = v
	}
	if v := os.Getenv("AGENT_PLATFORM"); v != "" {
		a.Platform = v
	}
	if v := firstEnv("AGENT_NAME", "AGENT_DEVICE_NAME"); v != "" {
		a.DeviceName = v
	}
	if v := os.Getenv("UI_AUTOMATION_REPORT_DIR"); v != "" {
		a.ReportDir = v
	}
}

// fillDefaults 填充缺省值
func (c *Config) fillDefaults() {
	if c.APIPort == "" {
		c.APIPort = DefaultPort
	}
	if c.ReportDir == "" {
		c.ReportDir = DefaultReportDir
	}
	if c.DatabaseDBName == "" {
		c.DatabaseDBName = DefaultMongoDatabase
	}
	if c.RedisChannel == "" {
		c.RedisChannel = DefaultRedisChannel
	}
	if c.Scheduler.MaxConcurrency < 1 {
		c.Scheduler.MaxConcurrency = DefaultMaxConcurrency
	}
	if c.Scheduler.CancelGrace <= 0 {
		c.Scheduler.CancelGrace = DefaultCancelGrace
	}
	if c.Engine.StepTimeout <= 0 {
		c.Engine.StepTimeout = DefaultStepTimeout
	}
	if c.Agent.ReconnectInterval <= 0 {
		c.Agent.ReconnectInterval = DefaultReconnectInterval
	}
	if c.Agent.DeviceName == "" {
		if host, err := os.Hostname(); err == nil {
			c.Agent.DeviceName = host
		}
	}
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
