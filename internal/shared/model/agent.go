// Package model 定义核心数据模型
//
// agent.go 包含远程执行代理（Agent）相关的数据模型定义：
//   - AgentStatus：代理状态枚举
//   - AgentInfo：代理注册信息
//
// Agent 是连接到调度器的远程工作进程，每个 Agent 驱动一台移动设备。
// Agent 信息只存在于内存注册表中，绑定到一条存活的连接，不做持久化。
package model

// AgentStatus 代理状态
type AgentStatus string

const (
	AgentStatusIdle AgentStatus = "idle" // 空闲，可接收新任务
	AgentStatusBusy AgentStatus = "busy" // 正在执行任务
)

// AgentInfo 代理注册信息
type AgentInfo struct {
	ID         string      `json:"id"`
	Platform   Platform    `json:"platform"`
	DeviceName string      `json:"deviceName"`
	Status     AgentStatus `json:"status"`
}
