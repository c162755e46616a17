// Package eventbus 事件总线常量
package eventbus

const (
	// DefaultChannel Redis Pub/Sub 频道
	DefaultChannel = "uiauto:events"

	// SubscribeBuffer 订阅通道缓冲大小
	SubscribeBuffer = 256
)
