// Package scheduler 调度器配置
package scheduler

import (
	"fmt"
	"time"

	"ui-automation/internal/apiserver/dispatch"
	"ui-automation/internal/apiserver/queue"
	"ui-automation/internal/shared/model"
)

// Config 调度器配置
type Config struct {
	// MaxConcurrency 同时运行的执行数上限（最小为 1）
	MaxConcurrency int `yaml:"max_concurrency"`

	// RemotePlatforms 交给远程 Agent 执行的平台，其余平台使用本地引擎
	RemotePlatforms []model.Platform `yaml:"remote_platforms"`

	// CancelGrace 发送 CANCEL_TASK 后等待 Agent 回报的时间
	CancelGrace time.Duration `yaml:"cancel_grace"`

	// RemoteTimeout 远程执行的总超时，0 表示不限制
	RemoteTimeout time.Duration `yaml:"remote_timeout"`

	// Strategy Agent 选择策略配置
	Strategy StrategyConfig `yaml:"strategy"`
}

// StrategyConfig Agent 选择策略配置
type StrategyConfig struct {
	// Chain 策略链（按优先级排序）
	// 可选值: "direct", "idle", "any"
	// 如果不配置，使用默认链：["direct", "idle", "any"]
	Chain []string `yaml:"chain"`
}

// DefaultConfig 返回默认配置
func DefaultConfig() *Config {
	return &Config{
		MaxConcurrency:  queue.DefaultMaxConcurrency,
		RemotePlatforms: []model.Platform{model.PlatformAndroid, model.PlatformIOS},
		CancelGrace:     dispatch.DefaultCancelGrace,
		Strategy: StrategyConfig{
			Chain: dispatch.Strategies(),
		},
	}
}

// Validate 验证配置并填充默认值
func (c *Config) Validate() error {
	if c.MaxConcurrency < 1 {
		c.MaxConcurrency = queue.DefaultMaxConcurrency
	}
	if len(c.RemotePlatforms) == 0 {
		c.RemotePlatforms = []model.Platform{model.PlatformAndroid, model.PlatformIOS}
	}
	for _, p := range c.RemotePlatforms {
		if !p.Valid() {
			return fmt.Errorf("scheduler: invalid remote platform %q", p)
		}
	}
	if c.CancelGrace <= 0 {
		c.CancelGrace = dispatch.DefaultCancelGrace
	}
	if c.RemoteTimeout < 0 {
		return fmt.Errorf("scheduler: remote_timeout must not be negative")
	}
	if len(c.Strategy.Chain) == 0 {
		c.Strategy.Chain = dispatch.Strategies()
	}
	return nil
}

// IsRemote 平台是否由远程 Agent 执行
func (c *Config) IsRemote(p model.Platform) bool {
	for _, rp := range c.RemotePlatforms {
		if rp == p {
			return true
		}
	}
	return false
}

// BuildStrategyChain 根据配置构建策略链
func (c *Config) BuildStrategyChain() *dispatch.StrategyChain {
	return dispatch.BuildChain(c.Strategy.Chain)
}
