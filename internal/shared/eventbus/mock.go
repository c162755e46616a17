// Package eventbus 事件总线 mock 实现
package eventbus

import (
	"context"

	"ui-automation/internal/shared/model"
)

// ============================================================================
// NoOpEventBus - 空操作的 EventBus 实现（用于测试和未配置 Redis 的部署）
// ============================================================================

// NoOpEventBus 是一个不做任何操作的 EventBus 实现
type NoOpEventBus struct{}

// NewNoOpEventBus 创建 NoOpEventBus 实例
func NewNoOpEventBus() *NoOpEventBus {
	return &NoOpEventBus{}
}

// Close 关闭事件总线
func (e *NoOpEventBus) Close() error {
	return nil
}

// Publish 丢弃事件
func (e *NoOpEventBus) Publish(ctx context.Context, event *model.Event) error {
	return nil
}

// Subscribe 返回已关闭的通道
func (e *NoOpEventBus) Subscribe(ctx context.Context) (<-chan *model.Event, error) {
	ch := make(chan *model.Event)
	close(ch)
	return ch, nil
}

// 确保 NoOpEventBus 实现了 EventBus 接口
var _ EventBus = (*NoOpEventBus)(nil)
