// Package model 定义核心数据模型
//
// event.go 包含推送给观察者的状态变更事件：
//   - EventType：事件类型枚举
//   - Event：通知事件
package model

import (
	"time"
)

// EventType 事件类型
type EventType string

const (
	// EventTypeExecution 执行记录变更，Data 为 *Execution
	EventTypeExecution EventType = "execution"

	// EventTypeTestCase 测试用例变更，Data 为 *TestCase
	EventTypeTestCase EventType = "testcase"

	// EventTypeError 运维通知（如状态重置、强制停止），Message 为说明文本
	EventTypeError EventType = "error"
)

// Event 状态变更事件
//
// 事件只用于通知，投递是尽力而为的：观察者断开或处理过慢时事件会被丢弃，
// 观察者应以存储中的数据为准。
type Event struct {
	Type      EventType `json:"type"`
	Data      any       `json:"data,omitempty"`
	Message   string    `json:"message,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// NewExecutionEvent 创建执行记录变更事件
func NewExecutionEvent(e *Execution) *Event {
	return &Event{Type: EventTypeExecution, Data: e, Timestamp: time.Now()}
}

// NewTestCaseEvent 创建测试用例变更事件
func NewTestCaseEvent(tc *TestCase) *Event {
	return &Event{Type: EventTypeTestCase, Data: tc, Timestamp: time.Now()}
}

// NewNoticeEvent 创建运维通知事件
func NewNoticeEvent(message string) *Event {
	return &Event{Type: EventTypeError, Message: message, Timestamp: time.Now()}
}
