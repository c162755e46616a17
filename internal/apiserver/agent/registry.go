// Package agent 远程 Agent 注册表
//
// 注册表维护当前存活的 Agent 连接：
//   - connectionID → 条目（连接、注册信息、在途任务数）
//   - agentID → connectionID（保证同一 ID 至多一个存活连接）
//
// 注册表不做持久化；连接断开即注销，已分配给该连接的执行不会被重试。
package agent

import (
	"context"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"ui-automation/internal/shared/model"
)

// CloseCodeDuplicate 同 ID 的新连接注册时，旧连接使用的关闭码
const CloseCodeDuplicate = 4000

// CloseReasonDuplicate 同 ID 的新连接注册时，旧连接使用的关闭原因
const CloseReasonDuplicate = "Duplicate Agent ID"

// Conn Agent 连接抽象（由传输层实现）
type Conn interface {
	// ID 连接唯一标识（由传输层在建立连接时分配）
	ID() string
	// Send 发送一条完整消息，实现需保证并发安全
	Send(data []byte) error
	// Close 以指定关闭码和原因关闭连接
	Close(code int, reason string) error
}

// Presence Agent 在线状态镜像（可选，例如写入 Redis 供其他进程查询）
type Presence interface {
	AgentOnline(ctx context.Context, info model.AgentInfo) error
	AgentOffline(ctx context.Context, agentID string) error
}

// Candidate 调度候选
type Candidate struct {
	Conn Conn
	Info model.AgentInfo
}

type entry struct {
	conn     Conn
	info     model.AgentInfo
	inflight int
	seq      uint64
}

// Registry Agent 注册表
type Registry struct {
	mu       sync.RWMutex
	conns    map[string]*entry
	byAgent  map[string]string
	seq      uint64
	presence Presence
}

// NewRegistry 创建注册表
func NewRegistry() *Registry {
	return &Registry{
		conns:   make(map[string]*entry),
		byAgent: make(map[string]string),
	}
}

// SetPresence 设置在线状态镜像
func (r *Registry) SetPresence(p Presence) {
	r.mu.Lock()
	r.presence = p
	r.mu.Unlock()
}

// Register 注册（或重新注册）连接
//
// 处理规则：
//  1. 其他连接已使用相同 Agent ID 时，旧连接被移出注册表并返回给调用方关闭
//  2. 设备名与其他已连接 Agent 冲突时，追加 " (n)" 后缀（n 从 1 开始）
//  3. 同一连接重复注册时保留其在途任务计数
//
// 返回：
//   - 实际生效的注册信息（设备名可能被调整）
//   - 需要关闭的旧连接（使用 CloseCodeDuplicate / CloseReasonDuplicate）
func (r *Registry) Register(conn Conn, info model.AgentInfo) (model.AgentInfo, []Conn) {
	r.mu.Lock()

	var evicted []Conn
	if oldConnID, ok := r.byAgent[info.ID]; ok && oldConnID != conn.ID() {
		if old, ok := r.conns[oldConnID]; ok {
			evicted = append(evicted, old.conn)
			delete(r.conns, oldConnID)
		}
		delete(r.byAgent, info.ID)
	}

	inflight := 0
	var seq uint64
	if cur, ok := r.conns[conn.ID()]; ok {
		inflight = cur.inflight
		seq = cur.seq
		if cur.info.ID != info.ID && r.byAgent[cur.info.ID] == conn.ID() {
			delete(r.byAgent, cur.info.ID)
		}
	} else {
		r.seq++
		seq = r.seq
	}

	info.DeviceName = r.uniqueNameLocked(conn.ID(), info.DeviceName)
	info.Status = statusFor(inflight)

	r.conns[conn.ID()] = &entry{conn: conn, info: info, inflight: inflight, seq: seq}
	r.byAgent[info.ID] = conn.ID()
	presence := r.presence
	r.mu.Unlock()

	log.Printf("[agent.registered] agent_id=%s platform=%s device=%q conn_id=%s evicted=%d",
		info.ID, info.Platform, info.DeviceName, conn.ID(), len(evicted))
	r.mirrorOnline(presence, info)
	return info, evicted
}

// Unregister 注销连接
//
// 返回被注销的注册信息；连接未注册时返回 false。
func (r *Registry) Unregister(connID string) (model.AgentInfo, bool) {
	r.mu.Lock()
	e, ok := r.conns[connID]
	if !ok {
		r.mu.Unlock()
		return model.AgentInfo{}, false
	}
	delete(r.conns, connID)
	if r.byAgent[e.info.ID] == connID {
		delete(r.byAgent, e.info.ID)
	}
	presence := r.presence
	r.mu.Unlock()

	log.Printf("[agent.unregistered] agent_id=%s conn_id=%s inflight=%d", e.info.ID, connID, e.inflight)
	if presence != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := presence.AgentOffline(ctx, e.info.ID); err != nil {
			log.Printf("[agent.presence] offline mirror failed: agent_id=%s err=%v", e.info.ID, err)
		}
	}
	return e.info, true
}

// Lookup 按 Agent ID 查找存活连接
func (r *Registry) Lookup(agentID string) (Candidate, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	connID, ok := r.byAgent[agentID]
	if !ok {
		return Candidate{}, false
	}
	e, ok := r.conns[connID]
	if !ok {
		return Candidate{}, false
	}
	return Candidate{Conn: e.conn, Info: e.info}, true
}

// Info 按连接 ID 查找注册信息
func (r *Registry) Info(connID string) (model.AgentInfo, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.conns[connID]
	if !ok {
		return model.AgentInfo{}, false
	}
	return e.info, true
}

// Candidates 返回指定平台的全部存活 Agent（按注册顺序）
func (r *Registry) Candidates(platform model.Platform) []Candidate {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var list []*entry
	for _, e := range r.conns {
		if e.info.Platform == platform {
			list = append(list, e)
		}
	}
	sort.Slice(list, func(i, j int) bool { return list[i].seq < list[j].seq })
	result := make([]Candidate, len(list))
	for i, e := range list {
		result[i] = Candidate{Conn: e.conn, Info: e.info}
	}
	return result
}

// List 返回全部存活 Agent 的注册信息（按注册顺序）
func (r *Registry) List() []model.AgentInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	list := make([]*entry, 0, len(r.conns))
	for _, e := range r.conns {
		list = append(list, e)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].seq < list[j].seq })
	result := make([]model.AgentInfo, len(list))
	for i, e := range list {
		result[i] = e.info
	}
	return result
}

// Count 返回存活连接数
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// HasPlatform 是否存在指定平台的存活 Agent
func (r *Registry) HasPlatform(platform model.Platform) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, e := range r.conns {
		if e.info.Platform == platform {
			return true
		}
	}
	return false
}

// Acquire 记录一个在途任务，Agent 状态变为 busy
func (r *Registry) Acquire(connID string) {
	r.adjust(connID, 1)
}

// Release 释放一个在途任务，计数归零时 Agent 状态恢复为 idle
func (r *Registry) Release(connID string) {
	r.adjust(connID, -1)
}

func (r *Registry) adjust(connID string, delta int) {
	r.mu.Lock()
	e, ok := r.conns[connID]
	if !ok {
		r.mu.Unlock()
		return
	}
	e.inflight += delta
	if e.inflight < 0 {
		e.inflight = 0
	}
	prev := e.info.Status
	e.info.Status = statusFor(e.inflight)
	info := e.info
	presence := r.presence
	r.mu.Unlock()

	if prev != info.Status {
		r.mirrorOnline(presence, info)
	}
}

func (r *Registry) mirrorOnline(presence Presence, info model.AgentInfo) {
	if presence == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := presence.AgentOnline(ctx, info); err != nil {
		log.Printf("[agent.presence] online mirror failed: agent_id=%s err=%v", info.ID, err)
	}
}

// uniqueNameLocked 为设备名追加 " (n)" 后缀直到与其他连接不冲突
func (r *Registry) uniqueNameLocked(connID, name string) string {
	taken := make(map[string]bool, len(r.conns))
	for id, e := range r.conns {
		if id != connID {
			taken[e.info.DeviceName] = true
		}
	}
	candidate := name
	for n := 1; taken[candidate]; n++ {
		candidate = fmt.Sprintf("%s (%d)", name, n)
	}
	return candidate
}

func statusFor(inflight int) model.AgentStatus {
	if inflight > 0 {
		return model.AgentStatusBusy
	}
	return model.AgentStatusIdle
}
