// Package model 定义核心数据模型
//
// event.go 包含事件总线相关的数据模型定义：
//   - MessageData：总线上传递的事件（event_type + data + ts）
//   - EventType：事件类型枚举
package model

import (
	"encoding/json"
	"time"
)

// ============================================================================
// EventType - 事件类型
// ============================================================================

// EventType 定义事件的类型
//
// 事件分类：
//  1. 步骤事件：Step-Start, Step-Token, Step-Complete
//  2. 工具事件：Tool-Call, Tool-Result
//  3. 交互事件：User-Input-Required
//  4. 终止事件：Task-Terminated, Final-Result, Error
type EventType string

const (
	// === 步骤事件 ===

	// EventStepStart 步骤开始
	// Data: {"task_id": "...", "description": "..."}
	EventStepStart EventType = "Step-Start"

	// EventStepToken 流式输出片段
	// Data: {"task_id": "...", "content": "...", "reasoning_content": "..."}
	EventStepToken EventType = "Step-Token"

	// EventStepComplete 步骤完成
	EventStepComplete EventType = "Step-Complete"

	// === 工具事件 ===

	// EventToolCall 工具调用
	// Data: {"task_id": "...", "call_id": "...", "name": "...", "arguments": "..."}
	EventToolCall EventType = "Tool-Call"

	// EventToolResult 工具结果
	EventToolResult EventType = "Tool-Result"

	// === 交互事件 ===

	// EventUserInputRequired 需要用户输入
	// Data: {"task_id": "...", "prompt": "..."}
	EventUserInputRequired EventType = "User-Input-Required"

	// === 终止事件 ===

	// EventTaskTerminated 用户终止
	EventTaskTerminated EventType = "Task-Terminated"

	// EventFinalResult 最终结果
	// Data: {"output_result": {...}}
	EventFinalResult EventType = "Final-Result"

	// EventError 错误（终止）
	// Data: {"error": "...", "message": "...", "code": "..."}
	EventError EventType = "Error"
)

// IsTerminal 是否为终止事件（流消费者收到后关闭）
func (t EventType) IsTerminal() bool {
	return t == EventTaskTerminated || t == EventFinalResult || t == EventError
}

// ============================================================================
// MessageData - 总线事件
// ============================================================================

// MessageData 总线事件
//
// 序列化格式即 SSE data 负载，字段名保持稳定。
type MessageData struct {
	EventType EventType      `json:"event_type"`
	Data      map[string]any `json:"data"`
	Timestamp time.Time      `json:"ts"`
}

// NewMessage 创建事件，时间戳为 UTC 当前时间
func NewMessage(t EventType, data map[string]any) MessageData {
	if data == nil {
		data = map[string]any{}
	}
	return MessageData{EventType: t, Data: data, Timestamp: time.Now().UTC()}
}

// Marshal 序列化为 JSON
func (m MessageData) Marshal() ([]byte, error) {
	return json.Marshal(m)
}

// UnmarshalMessage 从 JSON 反序列化
func UnmarshalMessage(b []byte) (MessageData, error) {
	var m MessageData
	err := json.Unmarshal(b, &m)
	return m, err
}

// TaskID 读取 data.task_id
func (m MessageData) TaskID() string {
	s, _ := m.Data["task_id"].(string)
	return s
}
