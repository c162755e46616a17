// Package dbutil 提供数据库方言抽象和 SQL 构造工具
//
// repository 层的 SQL 一律以 PostgreSQL 风格（$1, $2 占位符）编写，
// 运行时由 Dialect.Rebind() 转换为目标数据库的格式。
package dbutil

import (
	"database/sql"
	"fmt"
	"regexp"
	"strings"
)

// DriverType 数据库驱动类型
type DriverType string

const (
	DriverPostgres DriverType = "postgres"
	DriverSQLite   DriverType = "sqlite"
)

// Dialect 数据库方言接口
//
// 屏蔽的差异：
//   - 占位符：PostgreSQL 用 $1, $2；SQLite 用 ?
//   - UPSERT 子句
//   - Schema 初始化方式
type Dialect interface {
	// DriverType 返回驱动类型标识
	DriverType() DriverType

	// Rebind 将 PostgreSQL 风格的占位符转换为目标数据库的占位符格式
	Rebind(query string) string

	// UpsertConflict 生成 UPSERT 的冲突处理子句
	//   conflictColumn: 冲突检测列
	//   updateExprs: 更新表达式列表，如 "status = EXCLUDED.status"
	UpsertConflict(conflictColumn string, updateExprs []string) string

	// AutoMigrate 创建数据库 Schema（幂等）
	AutoMigrate(db *sql.DB) error
}

// pgPlaceholderRe 匹配 PostgreSQL 风格占位符 $1, $2, ...
var pgPlaceholderRe = regexp.MustCompile(`\$(\d+)`)

// pgCastRe 匹配 PostgreSQL 类型转换 ::type
var pgCastRe = regexp.MustCompile(`::(\w+)`)

// RebindToQuestion 将 $N 占位符转换为 ?（SQLite 专用）
//
// 要求参数按 $1..$N 的顺序出现且每个只出现一次。
func RebindToQuestion(query string) string {
	return pgPlaceholderRe.ReplaceAllString(query, "?")
}

// StripPgCasts 去除 PostgreSQL 类型转换 (::varchar, ::text 等)
func StripPgCasts(query string) string {
	return pgCastRe.ReplaceAllString(query, "")
}

// OnConflictUpdate 通用的 ON CONFLICT ... DO UPDATE 子句（PostgreSQL 与 SQLite 语法相同）
func OnConflictUpdate(conflictColumn string, updateExprs []string) string {
	return fmt.Sprintf("ON CONFLICT (%s) DO UPDATE SET %s", conflictColumn, strings.Join(updateExprs, ", "))
}

// Where 条件构造器
//
// 以 $N 形式累积条件与参数，最终由 Dialect.Rebind 统一转换：
//
//	w := dbutil.NewWhere()
//	w.Eq("case_id", caseID)
//	w.In("status", "queued", "running")
//	query := "SELECT ... FROM executions" + w.Clause()
type Where struct {
	conditions []string
	args       []interface{}
}

// NewWhere 创建条件构造器
func NewWhere() *Where {
	return &Where{}
}

// Eq 添加等值条件
func (w *Where) Eq(column string, value interface{}) *Where {
	w.args = append(w.args, value)
	w.conditions = append(w.conditions, fmt.Sprintf("%s = $%d", column, len(w.args)))
	return w
}

// In 添加 IN 条件，values 为空时不添加
func (w *Where) In(column string, values ...interface{}) *Where {
	if len(values) == 0 {
		return w
	}
	placeholders := make([]string, len(values))
	for i, v := range values {
		w.args = append(w.args, v)
		placeholders[i] = fmt.Sprintf("$%d", len(w.args))
	}
	w.conditions = append(w.conditions, fmt.Sprintf("%s IN (%s)", column, strings.Join(placeholders, ", ")))
	return w
}

// Clause 返回 " WHERE ..." 子句，无条件时返回空字符串
func (w *Where) Clause() string {
	if len(w.conditions) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(w.conditions, " AND ")
}

// Args 返回累积的参数
func (w *Where) Args() []interface{} {
	return w.args
}

// AddArg 追加一个参数并返回其占位符，用于在条件之后追加 LIMIT/OFFSET
func (w *Where) AddArg(value interface{}) string {
	w.args = append(w.args, value)
	return fmt.Sprintf("$%d", len(w.args))
}
