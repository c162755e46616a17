// Package model 定义核心数据模型
//
// execution.go 包含执行记录相关的数据模型定义：
//   - ExecutionStatus：执行状态（只能前进）
//   - Execution：测试用例的单次执行
//   - ExecutionPatch：执行记录的部分更新
package model

import (
	"time"
)

// MaxExecutionLogs 每条执行记录保留的最大日志行数
const MaxExecutionLogs = 200

// logTimeLayout 日志行时间戳格式（UTC，毫秒精度）
const logTimeLayout = "2006-01-02T15:04:05.000Z07:00"

// ============================================================================
// ExecutionStatus - 执行状态
// ============================================================================

// ExecutionStatus 执行状态
//
// 状态只能单向前进：queued → running → {success | failed}。
// 终态不可再变更；queued 可以直接进入 failed（例如排队中被取消）。
type ExecutionStatus string

const (
	ExecutionStatusQueued  ExecutionStatus = "queued"
	ExecutionStatusRunning ExecutionStatus = "running"
	ExecutionStatusSuccess ExecutionStatus = "success"
	ExecutionStatusFailed  ExecutionStatus = "failed"
)

// IsTerminal 是否为终态
func (s ExecutionStatus) IsTerminal() bool {
	return s == ExecutionStatusSuccess || s == ExecutionStatusFailed
}

// IsActive 是否仍在排队或执行中
func (s ExecutionStatus) IsActive() bool {
	return s == ExecutionStatusQueued || s == ExecutionStatusRunning
}

// ActiveExecutionStatuses 返回 queued/running 状态列表
func ActiveExecutionStatuses() []ExecutionStatus {
	return []ExecutionStatus{ExecutionStatusQueued, ExecutionStatusRunning}
}

// TerminalExecutionStatuses 返回终态列表
func TerminalExecutionStatuses() []ExecutionStatus {
	return []ExecutionStatus{ExecutionStatusSuccess, ExecutionStatusFailed}
}

func (s ExecutionStatus) rank() int {
	switch s {
	case ExecutionStatusQueued:
		return 0
	case ExecutionStatusRunning:
		return 1
	case ExecutionStatusSuccess, ExecutionStatusFailed:
		return 2
	}
	return -1
}

// CanTransitionTo 判断是否允许从当前状态迁移到 next
func (s ExecutionStatus) CanTransitionTo(next ExecutionStatus) bool {
	if next.rank() < 0 || s == next {
		return false
	}
	if s.IsTerminal() {
		return false
	}
	return next.rank() > s.rank()
}

// ============================================================================
// Execution - 执行记录
// ============================================================================

// Execution 测试用例的一次执行
//
// 典型生命周期：
//
//	提交 → queued → 队列放行 → running → success / failed
//
// Execution 在提交时创建，之后只通过 ExecutionPatch 修改，
// 仅在所属用例被删除时级联删除。
type Execution struct {
	ID            string          `json:"id" bson:"_id"`
	CaseID        string          `json:"caseId" bson:"case_id"`
	BatchID       string          `json:"batchId,omitempty" bson:"batch_id,omitempty"`
	TargetAgentID string          `json:"targetAgentId,omitempty" bson:"target_agent_id,omitempty"`
	Status        ExecutionStatus `json:"status" bson:"status"`
	Progress      int             `json:"progress" bson:"progress"`
	ReportPath    string          `json:"reportPath,omitempty" bson:"report_path,omitempty"`
	ErrorMessage  string          `json:"errorMessage,omitempty" bson:"error_message,omitempty"`
	AgentID       string          `json:"agentId,omitempty" bson:"agent_id,omitempty"`
	AgentName     string          `json:"agentName,omitempty" bson:"agent_name,omitempty"`
	FileName      string          `json:"fileName,omitempty" bson:"file_name,omitempty"`
	Logs          []string        `json:"logs,omitempty" bson:"logs,omitempty"`
	CreatedAt     time.Time       `json:"createdAt" bson:"created_at"`
	UpdatedAt     time.Time       `json:"updatedAt" bson:"updated_at"`
}

// Clone 深拷贝执行记录
func (e *Execution) Clone() *Execution {
	if e == nil {
		return nil
	}
	c := *e
	if e.Logs != nil {
		c.Logs = make([]string, len(e.Logs))
		copy(c.Logs, e.Logs)
	}
	return &c
}

// ExecutionPatch 执行记录部分更新
//
// nil 字段表示不修改。AppendLogs 中的每一行会追加时间戳后写入日志，
// 并且只保留最近 MaxExecutionLogs 行。
type ExecutionPatch struct {
	Status       *ExecutionStatus `json:"status,omitempty"`
	Progress     *int             `json:"progress,omitempty"`
	ReportPath   *string          `json:"reportPath,omitempty"`
	ErrorMessage *string          `json:"errorMessage,omitempty"`
	AgentID      *string          `json:"agentId,omitempty"`
	AgentName    *string          `json:"agentName,omitempty"`
	AppendLogs   []string         `json:"appendLogs,omitempty"`
}

// IsEmpty 补丁是否不包含任何修改
func (p *ExecutionPatch) IsEmpty() bool {
	return p == nil || (p.Status == nil && p.Progress == nil && p.ReportPath == nil &&
		p.ErrorMessage == nil && p.AgentID == nil && p.AgentName == nil && len(p.AppendLogs) == 0)
}

// Apply 将补丁应用到执行记录
//
// 规则：
//   - 状态只能前进，非法迁移被忽略（其余字段照常应用）
//   - 进入终态后 progress、errorMessage 不再变化，reportPath 只能补写一次
//   - progress 被限制在 [0, 100]
//   - 日志追加 "<时间戳> <内容>" 并截断为最近 MaxExecutionLogs 行
//
// 返回：
//   - 状态是否发生了迁移
func (e *Execution) Apply(p *ExecutionPatch, now time.Time) bool {
	if p == nil {
		return false
	}
	terminalBefore := e.Status.IsTerminal()
	transitioned := false
	if p.Status != nil && e.Status.CanTransitionTo(*p.Status) {
		e.Status = *p.Status
		transitioned = true
	}
	frozen := terminalBefore && !transitioned
	if p.Progress != nil && !frozen {
		e.Progress = clampProgress(*p.Progress)
	}
	if p.ReportPath != nil && (!frozen || e.ReportPath == "") {
		e.ReportPath = *p.ReportPath
	}
	if p.ErrorMessage != nil && !frozen {
		e.ErrorMessage = *p.ErrorMessage
	}
	if p.AgentID != nil {
		e.AgentID = *p.AgentID
	}
	if p.AgentName != nil {
		e.AgentName = *p.AgentName
	}
	for _, line := range p.AppendLogs {
		e.AppendLog(line, now)
	}
	e.UpdatedAt = now
	return transitioned
}

// AppendLog 追加一行带时间戳的日志，超出上限时丢弃最早的行
func (e *Execution) AppendLog(line string, now time.Time) {
	entry := now.UTC().Format(logTimeLayout) + " " + line
	if len(e.Logs) >= MaxExecutionLogs {
		kept := make([]string, 0, MaxExecutionLogs)
		kept = append(kept, e.Logs[len(e.Logs)-MaxExecutionLogs+1:]...)
		e.Logs = kept
	}
	e.Logs = append(e.Logs, entry)
}

func clampProgress(p int) int {
	if p < 0 {
		return 0
	}
	if p > 100 {
		return 100
	}
	return p
}

// ============================================================================
// 补丁构造辅助
// ============================================================================

// StatusPatch 构造仅包含状态和进度的补丁
func StatusPatch(status ExecutionStatus, progress int) *ExecutionPatch {
	return &ExecutionPatch{Status: &status, Progress: &progress}
}

// FailedPatch 构造失败终态补丁
func FailedPatch(message string) *ExecutionPatch {
	p := StatusPatch(ExecutionStatusFailed, 100)
	p.ErrorMessage = &message
	return p
}

// LogPatch 构造仅追加日志的补丁
func LogPatch(lines ...string) *ExecutionPatch {
	return &ExecutionPatch{AppendLogs: lines}
}

// WithLog 在补丁上追加日志行
func (p *ExecutionPatch) WithLog(lines ...string) *ExecutionPatch {
	p.AppendLogs = append(p.AppendLogs, lines...)
	return p
}

// StringPtr 返回字符串指针
func StringPtr(s string) *string {
	return &s
}

// IntPtr 返回整数指针
func IntPtr(i int) *int {
	return &i
}
