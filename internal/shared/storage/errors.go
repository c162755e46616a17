// Package storage 定义存储层领域错误
//
// 各驱动实现（repository/mongostore/memstore）负责将底层错误
// （sql.ErrNoRows、mongo.ErrNoDocuments、唯一键冲突）转换为这些领域错误。
package storage

import "errors"

var (
	// ErrNotFound 实体不存在
	ErrNotFound = errors.New("entity not found")

	// ErrConflict 并发冲突（乐观锁多次重试仍失败）
	ErrConflict = errors.New("conflict: concurrent modification detected")

	// ErrDuplicate 唯一键冲突（INSERT 重复 ID）
	ErrDuplicate = errors.New("duplicate: entity already exists")

	// ErrIDExhausted 无法在有限次数内分配唯一 ID
	ErrIDExhausted = errors.New("unable to allocate unique id")
)
