package dispatch

import (
	"context"
	"log"

	"ui-automation/internal/apiserver/agent"
	"ui-automation/internal/shared/model"
)

// Strategy Agent 选择策略
//
// 策略从候选 Agent 中选择一个；多个策略组成策略链，按顺序尝试。
type Strategy interface {
	// Name 返回策略名称（用于日志）
	Name() string

	// SelectAgent 从候选中选择一个 Agent
	//
	// 返回：
	//   - 选中的候选，如果没有合适的则返回 nil
	//   - 选择原因（用于日志）
	SelectAgent(ctx context.Context, req *SelectRequest) (*agent.Candidate, string)
}

// SelectRequest 选择请求
type SelectRequest struct {
	Platform      model.Platform
	TargetAgentID string            // 指定 Agent（严格约束，不回退）
	Candidates    []agent.Candidate // 平台匹配的存活 Agent，按注册顺序
}

// StrategyChain 策略链
//
// 默认顺序：指定 Agent → 空闲 Agent → 任意 Agent。
// 选择是"首个匹配"而非最近最少使用，这是刻意的确定性策略。
type StrategyChain struct {
	strategies []Strategy
}

// NewStrategyChain 创建策略链
func NewStrategyChain(strategies ...Strategy) *StrategyChain {
	return &StrategyChain{strategies: strategies}
}

// DefaultChain 默认策略链
func DefaultChain() *StrategyChain {
	return NewStrategyChain(NewDirectStrategy(), NewIdleStrategy(), NewAnyStrategy())
}

// SelectAgent 按策略链顺序选择
func (c *StrategyChain) SelectAgent(ctx context.Context, req *SelectRequest) (*agent.Candidate, string) {
	for _, s := range c.strategies {
		if cand, reason := s.SelectAgent(ctx, req); cand != nil {
			return cand, reason
		}
	}
	return nil, "no_strategy_matched"
}

// Add 添加策略到链尾
func (c *StrategyChain) Add(s Strategy) {
	c.strategies = append(c.strategies, s)
}

// Prepend 添加策略到链首
func (c *StrategyChain) Prepend(s Strategy) {
	c.strategies = append([]Strategy{s}, c.strategies...)
}

// ============================================================================
// 内置策略
// ============================================================================

// DirectStrategy 指定 Agent 策略
//
// 请求指定了 TargetAgentID 时，只选择该 Agent（必须在线且平台匹配）。
type DirectStrategy struct{}

// NewDirectStrategy 创建指定 Agent 策略
func NewDirectStrategy() *DirectStrategy {
	return &DirectStrategy{}
}

// Name 返回策略名称
func (s *DirectStrategy) Name() string {
	return "direct"
}

// SelectAgent 选择指定的 Agent
func (s *DirectStrategy) SelectAgent(ctx context.Context, req *SelectRequest) (*agent.Candidate, string) {
	if req.TargetAgentID == "" {
		return nil, ""
	}
	for i := range req.Candidates {
		if req.Candidates[i].Info.ID == req.TargetAgentID {
			return &req.Candidates[i], "direct"
		}
	}
	log.Printf("[strategy.direct] target agent %s not found or offline", req.TargetAgentID)
	return nil, "direct_agent_unavailable"
}

// IdleStrategy 空闲 Agent 策略
type IdleStrategy struct{}

// NewIdleStrategy 创建空闲 Agent 策略
func NewIdleStrategy() *IdleStrategy {
	return &IdleStrategy{}
}

// Name 返回策略名称
func (s *IdleStrategy) Name() string {
	return "idle"
}

// SelectAgent 选择第一个空闲 Agent
func (s *IdleStrategy) SelectAgent(ctx context.Context, req *SelectRequest) (*agent.Candidate, string) {
	if req.TargetAgentID != "" {
		return nil, ""
	}
	for i := range req.Candidates {
		if req.Candidates[i].Info.Status != model.AgentStatusBusy {
			return &req.Candidates[i], "idle"
		}
	}
	return nil, ""
}

// AnyStrategy 任意 Agent 策略
//
// 所有 Agent 都忙时仍然下发（允许超额分配），由 Agent 自行串行化或拒绝。
type AnyStrategy struct{}

// NewAnyStrategy 创建任意 Agent 策略
func NewAnyStrategy() *AnyStrategy {
	return &AnyStrategy{}
}

// Name 返回策略名称
func (s *AnyStrategy) Name() string {
	return "any"
}

// SelectAgent 选择第一个平台匹配的 Agent
func (s *AnyStrategy) SelectAgent(ctx context.Context, req *SelectRequest) (*agent.Candidate, string) {
	if req.TargetAgentID != "" || len(req.Candidates) == 0 {
		return nil, ""
	}
	return &req.Candidates[0], "oversubscribed"
}

// Strategies 返回内置策略名称（按默认链顺序）
func Strategies() []string {
	return []string{"direct", "idle", "any"}
}

// BuildChain 按名称构建策略链，未知名称会被忽略并记录日志
//
// 结果为空时回退到 DefaultChain。
func BuildChain(names []string) *StrategyChain {
	chain := NewStrategyChain()
	for _, name := range names {
		switch name {
		case "direct":
			chain.Add(NewDirectStrategy())
		case "idle":
			chain.Add(NewIdleStrategy())
		case "any":
			chain.Add(NewAnyStrategy())
		default:
			log.Printf("[strategy.unknown] name=%s", name)
		}
	}
	if len(chain.strategies) == 0 {
		return DefaultChain()
	}
	return chain
}

// Names 返回链中策略名称
func (c *StrategyChain) Names() []string {
	names := make([]string, len(c.strategies))
	for i, s := range c.strategies {
		names[i] = s.Name()
	}
	return names
}
