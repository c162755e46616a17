// Package eventbus 事件总线抽象接口
//
// 把执行记录、测试用例的状态变更事件分发给观察者。单进程部署时事件直接进入
// WebSocket 推送中心；配置 Redis 后经由 Pub/Sub 中转，多个调度器实例的观察者
// 都能收到全部事件。
package eventbus

import (
	"context"

	"ui-automation/internal/shared/model"
)

// ============================================================================
// 事件总线接口定义
// ============================================================================

// Publisher 事件发布接口
//
// 发布是尽力而为的：实现不得阻塞调用方过久，失败只返回错误，由调用方记录。
type Publisher interface {
	Publish(ctx context.Context, event *model.Event) error
}

// Subscriber 事件订阅接口
//
// 返回的通道在 ctx 结束或底层连接关闭后关闭。
type Subscriber interface {
	Subscribe(ctx context.Context) (<-chan *model.Event, error)
}

// ============================================================================
// 组合接口
// ============================================================================

// EventBus 事件总线组合接口
type EventBus interface {
	Publisher
	Subscriber
	Close() error
}
