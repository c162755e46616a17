// Package storage 定义持久化存储层抽象接口
//
// 设计原则：依赖倒置 (DIP)
//   - 调度器只依赖接口，不知道具体实现
//   - 具体实现在子包中：repository/（SQLite、PostgreSQL）、mongostore/、memstore/
//   - 初始化时通过依赖注入传入实现
//
// 并发约定：
//   - UpdateExecution / UpdateTestCase / ProjectTestCase 是"读-改-写"操作，
//     实现必须在自身的原子原语（事务、带版本号的 ReplaceOne 重试、互斥锁）内完成，
//     保证并发补丁不会相互覆盖
//   - Get 系列方法在实体不存在时返回 (nil, nil)
//   - Update/Delete 系列方法在实体不存在时返回 ErrNotFound
package storage

import (
	"context"

	"ui-automation/internal/shared/model"
)

// TestCaseStore 测试用例存储接口
type TestCaseStore interface {
	// GetTestCase 获取用例，不存在时返回 (nil, nil)
	GetTestCase(ctx context.Context, id string) (*model.TestCase, error)

	// ListTestCases 列出全部用例，按创建时间升序
	ListTestCases(ctx context.Context) ([]*model.TestCase, error)

	// SaveTestCase 创建或整体覆盖用例
	SaveTestCase(ctx context.Context, tc *model.TestCase) error

	// UpdateTestCase 原子地应用部分更新，返回更新后的用例
	UpdateTestCase(ctx context.Context, id string, patch *model.TestCasePatch) (*model.TestCase, error)

	// ProjectTestCase 按执行记录重新计算用例状态并写回，返回更新后的用例
	//
	// 统计活跃执行、查找最近终态执行和写回必须在同一个原子原语内完成，
	// 与并发的 CreateExecution / UpdateExecution 之间保证最后一次投影看到最新的执行集合。
	// 用例不存在时返回 ErrNotFound。
	ProjectTestCase(ctx context.Context, caseID string) (*model.TestCase, error)

	// DeleteTestCase 删除用例及其全部执行记录
	DeleteTestCase(ctx context.Context, id string) error
}

// ExecutionFilter 执行记录查询条件
type ExecutionFilter struct {
	CaseID   string                  // 按用例过滤（空表示全部）
	Statuses []model.ExecutionStatus // 按状态过滤（空表示全部）
	Limit    int                     // 0 表示不限制
	Offset   int
}

// ExecutionStore 执行记录存储接口
type ExecutionStore interface {
	// GetExecution 获取执行记录，不存在时返回 (nil, nil)
	GetExecution(ctx context.Context, id string) (*model.Execution, error)

	// ListExecutions 按条件列出执行记录，按创建时间倒序
	ListExecutions(ctx context.Context, filter ExecutionFilter) ([]*model.Execution, error)

	// CountExecutions 统计满足条件的执行记录数（忽略 Limit/Offset）
	CountExecutions(ctx context.Context, filter ExecutionFilter) (int, error)

	// CreateExecution 插入执行记录，ID 已存在时返回 ErrDuplicate
	CreateExecution(ctx context.Context, e *model.Execution) error

	// UpdateExecution 原子地应用部分更新，返回更新后的执行记录
	UpdateExecution(ctx context.Context, id string, patch *model.ExecutionPatch) (*model.Execution, error)
}

// PersistentStore 持久化存储组合接口
type PersistentStore interface {
	TestCaseStore
	ExecutionStore
	Close() error
}
