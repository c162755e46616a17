// Package protocol 调度器与远程 Agent 之间的 WebSocket 消息协议
//
// 所有消息均为 JSON 文本帧，外层信封格式：
//
//	{"type": "EXECUTE_TASK", "payload": {...}}
//
// 调度器 → Agent：EXECUTE_TASK、CANCEL_TASK
// Agent → 调度器：REGISTER、UPDATE_EXECUTION、APPEND_LOG、TASK_COMPLETED
//
// 本包同时被调度器（internal/apiserver）和 Agent 客户端（internal/agentclient）使用。
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"

	"ui-automation/internal/shared/model"
)

// MessageType 消息类型
type MessageType string

const (
	TypeRegister        MessageType = "REGISTER"
	TypeExecuteTask     MessageType = "EXECUTE_TASK"
	TypeCancelTask      MessageType = "CANCEL_TASK"
	TypeUpdateExecution MessageType = "UPDATE_EXECUTION"
	TypeAppendLog       MessageType = "APPEND_LOG"
	TypeTaskCompleted   MessageType = "TASK_COMPLETED"
)

// ErrUnknownType 未知的消息类型
var ErrUnknownType = errors.New("protocol: unknown message type")

// Envelope 消息信封
type Envelope struct {
	Type    MessageType     `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// ============================================================================
// 消息负载
// ============================================================================

// RegisterPayload Agent 注册
type RegisterPayload struct {
	ID         string         `json:"id"`
	Platform   model.Platform `json:"platform"`
	DeviceName string         `json:"deviceName"`
}

// ExecuteTaskPayload 下发执行任务
type ExecuteTaskPayload struct {
	ExecutionID string          `json:"executionId"`
	TestCase    *model.TestCase `json:"testCase"`
}

// CancelTaskPayload 取消执行
type CancelTaskPayload struct {
	ExecutionID string `json:"executionId"`
}

// UpdateExecutionPayload 执行记录部分更新
type UpdateExecutionPayload struct {
	ExecutionID string                `json:"executionId"`
	Patch       *model.ExecutionPatch `json:"patch"`
}

// AppendLogPayload 追加执行日志
type AppendLogPayload struct {
	ExecutionID string `json:"executionId"`
	Log         string `json:"log"`
}

// TaskResult 执行结果
type TaskResult struct {
	Status       model.ExecutionStatus `json:"status"` // success / failed
	ReportPath   string                `json:"reportPath,omitempty"`
	ErrorMessage string                `json:"errorMessage,omitempty"`
}

// TaskCompletedPayload 执行完成
//
// ReportContent 为 Agent 侧生成的 HTML 报告内容，调度器负责落盘。
type TaskCompletedPayload struct {
	ExecutionID   string     `json:"executionId"`
	Result        TaskResult `json:"result"`
	ReportContent string     `json:"reportContent,omitempty"`
}

// ============================================================================
// 编解码
// ============================================================================

// Encode 将负载封装为消息信封并序列化
func Encode(t MessageType, payload any) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("protocol: marshal %s payload: %w", t, err)
	}
	return json.Marshal(Envelope{Type: t, Payload: raw})
}

// Decode 解析消息信封并返回类型化的负载
//
// 返回值为 *RegisterPayload、*ExecuteTaskPayload 等指针类型之一。
// 未知类型返回 ErrUnknownType，调用方应记录并忽略。
func Decode(data []byte) (MessageType, any, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", nil, fmt.Errorf("protocol: invalid envelope: %w", err)
	}

	var payload any
	switch env.Type {
	case TypeRegister:
		payload = &RegisterPayload{}
	case TypeExecuteTask:
		payload = &ExecuteTaskPayload{}
	case TypeCancelTask:
		payload = &CancelTaskPayload{}
	case TypeUpdateExecution:
		payload = &UpdateExecutionPayload{}
	case TypeAppendLog:
		payload = &AppendLogPayload{}
	case TypeTaskCompleted:
		payload = &TaskCompletedPayload{}
	default:
		return env.Type, nil, fmt.Errorf("%w: %q", ErrUnknownType, env.Type)
	}

	if len(env.Payload) == 0 {
		return env.Type, nil, fmt.Errorf("protocol: %s without payload", env.Type)
	}
	if err := json.Unmarshal(env.Payload, payload); err != nil {
		return env.Type, nil, fmt.Errorf("protocol: invalid %s payload: %w", env.Type, err)
	}
	return env.Type, payload, nil
}
