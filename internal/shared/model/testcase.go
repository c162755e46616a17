// Package model 定义核心数据模型
//
// testcase.go 包含测试用例相关的数据模型定义：
//   - Platform：执行平台（web / android / ios）
//   - Step / StepType：用例步骤
//   - TestCase：测试用例
//   - TestCasePatch：测试用例的部分更新
package model

import (
	"time"
)

// ============================================================================
// Platform - 执行平台
// ============================================================================

// Platform 表示测试用例的目标平台
type Platform string

const (
	PlatformWeb     Platform = "web"
	PlatformAndroid Platform = "android"
	PlatformIOS     Platform = "ios"
)

// Valid 是否为已知平台
func (p Platform) Valid() bool {
	switch p {
	case PlatformWeb, PlatformAndroid, PlatformIOS:
		return true
	}
	return false
}

// IsMobile 是否为移动端平台
func (p Platform) IsMobile() bool {
	return p == PlatformAndroid || p == PlatformIOS
}

// ============================================================================
// Step - 用例步骤
// ============================================================================

// StepType 步骤类型，决定自动化引擎如何解释 Action
type StepType string

const (
	StepTypeAction StepType = "action" // 界面操作（点击、滑动等）
	StepTypeQuery  StepType = "query"  // 从界面提取信息
	StepTypeAssert StepType = "assert" // 断言界面状态
	StepTypeInput  StepType = "input"  // 文本输入
)

// Step 测试用例中的单个步骤
type Step struct {
	ID     string   `json:"id" bson:"id"`
	Type   StepType `json:"type,omitempty" bson:"type,omitempty"`
	Action string   `json:"action" bson:"action"`
}

// EffectiveType 返回步骤类型，未设置时视为 action
func (s Step) EffectiveType() StepType {
	if s.Type == "" {
		return StepTypeAction
	}
	return s.Type
}

// ============================================================================
// TestCase - 测试用例
// ============================================================================

// CaseStatus 测试用例状态
//
// 用例状态是执行记录的投影：
//   - idle：从未执行
//   - running：存在 queued 或 running 的执行记录
//   - done：最近一次完成的执行成功
//   - error：最近一次完成的执行失败
type CaseStatus string

const (
	CaseStatusIdle    CaseStatus = "idle"
	CaseStatusRunning CaseStatus = "running"
	CaseStatusDone    CaseStatus = "done"
	CaseStatusError   CaseStatus = "error"
)

// TestCase 测试用例
//
// 用例本身只描述"做什么"，具体执行由 Execution 记录。
// Status/LastRunAt/LastReportPath 只能由调度器的状态协调逻辑修改，
// HTTP 层仅修改名称、描述、上下文和步骤。
type TestCase struct {
	ID             string     `json:"id" bson:"_id"`
	Name           string     `json:"name" bson:"name"`
	Description    string     `json:"description" bson:"description"`
	Platform       Platform   `json:"platform" bson:"platform"`
	Context        string     `json:"context,omitempty" bson:"context,omitempty"`
	Steps          []Step     `json:"steps" bson:"steps"`
	Status         CaseStatus `json:"status" bson:"status"`
	LastRunAt      *time.Time `json:"lastRunAt,omitempty" bson:"last_run_at,omitempty"`
	LastReportPath string     `json:"lastReportPath,omitempty" bson:"last_report_path,omitempty"`
	CreatedAt      time.Time  `json:"createdAt" bson:"created_at"`
	UpdatedAt      time.Time  `json:"updatedAt" bson:"updated_at"`
}

// Clone 深拷贝用例（Steps 切片独立）
func (tc *TestCase) Clone() *TestCase {
	if tc == nil {
		return nil
	}
	c := *tc
	if tc.Steps != nil {
		c.Steps = make([]Step, len(tc.Steps))
		copy(c.Steps, tc.Steps)
	}
	if tc.LastRunAt != nil {
		t := *tc.LastRunAt
		c.LastRunAt = &t
	}
	return &c
}

// TestCasePatch 测试用例部分更新
//
// nil 字段表示不修改；Steps 为 nil 表示不修改，空切片表示清空。
type TestCasePatch struct {
	Name           *string     `json:"name,omitempty"`
	Description    *string     `json:"description,omitempty"`
	Context        *string     `json:"context,omitempty"`
	Platform       *Platform   `json:"platform,omitempty"`
	Steps          []Step      `json:"steps,omitempty"`
	Status         *CaseStatus `json:"status,omitempty"`
	LastRunAt      *time.Time  `json:"lastRunAt,omitempty"`
	LastReportPath *string     `json:"lastReportPath,omitempty"`
}

// Apply 将补丁应用到用例
func (tc *TestCase) Apply(p *TestCasePatch, now time.Time) {
	if p == nil {
		return
	}
	if p.Name != nil {
		tc.Name = *p.Name
	}
	if p.Description != nil {
		tc.Description = *p.Description
	}
	if p.Context != nil {
		tc.Context = *p.Context
	}
	if p.Platform != nil && p.Platform.Valid() {
		tc.Platform = *p.Platform
	}
	if p.Steps != nil {
		tc.Steps = make([]Step, len(p.Steps))
		copy(tc.Steps, p.Steps)
	}
	if p.Status != nil {
		tc.Status = *p.Status
	}
	if p.LastRunAt != nil {
		t := *p.LastRunAt
		tc.LastRunAt = &t
	}
	if p.LastReportPath != nil {
		tc.LastReportPath = *p.LastReportPath
	}
	tc.UpdatedAt = now
}

// ProjectCasePatch 由执行记录推导用例状态
//
// active 为该用例 queued/running 执行数，latest 为最近完成（updatedAt 最大）的终态执行。
// 无活跃执行且从未完成过执行时返回 nil，用例保持原状态。
func ProjectCasePatch(active int, latest *Execution) *TestCasePatch {
	if active > 0 {
		status := CaseStatusRunning
		return &TestCasePatch{Status: &status}
	}
	if latest == nil {
		return nil
	}
	status := CaseStatusDone
	if latest.Status == ExecutionStatusFailed {
		status = CaseStatusError
	}
	at := latest.UpdatedAt
	report := latest.ReportPath
	return &TestCasePatch{Status: &status, LastRunAt: &at, LastReportPath: &report}
}
