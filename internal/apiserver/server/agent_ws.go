// Package server Agent 连接网关
package server

import (
	"errors"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"ui-automation/internal/apiserver/agent"
	"ui-automation/internal/apiserver/dispatch"
)

// agentReadLimit 单条 Agent 消息上限（TASK_COMPLETED 携带完整 HTML 报告）
const agentReadLimit = 32 << 20

var errConnClosed = errors.New("agent connection closed")

// AgentGateway Agent WebSocket 网关
//
// 每条连接一个读循环，消息原样交给 Dispatcher；写操作由 wsConn 串行化。
// 连接断开时通知 Dispatcher 注销并把在途执行标记为孤儿。
type AgentGateway struct {
	dispatcher *dispatch.Dispatcher
	metrics    *Metrics
}

// NewAgentGateway 创建 Agent 网关
func NewAgentGateway(dispatcher *dispatch.Dispatcher, metrics *Metrics) *AgentGateway {
	return &AgentGateway{dispatcher: dispatcher, metrics: metrics}
}

// HandleWebSocket 处理 Agent 连接
//
// 路由: GET /ws/agent
//
// 连接建立后 Agent 应首先发送 REGISTER，之后按协议收发 EXECUTE_TASK / CANCEL_TASK /
// UPDATE_EXECUTION / APPEND_LOG / TASK_COMPLETED。
func (g *AgentGateway) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[agent.ws.upgrade_failed] error=%v", err)
		return
	}

	conn := newWSConn(ws)
	g.metrics.WSConnectionOpened("agent")
	log.Printf("[agent.ws.connected] conn_id=%s remote=%s", conn.ID(), r.RemoteAddr)

	done := make(chan struct{})
	go conn.keepAlive(done)

	g.readPump(conn)

	close(done)
	conn.Close(websocket.CloseNormalClosure, "")
	g.dispatcher.ConnectionClosed(conn.ID())
	g.metrics.WSConnectionClosed("agent")
	log.Printf("[agent.ws.disconnected] conn_id=%s", conn.ID())
}

func (g *AgentGateway) readPump(conn *wsConn) {
	ws := conn.ws
	ws.SetReadLimit(agentReadLimit)
	ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		msgType, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Printf("[agent.ws.read_failed] conn_id=%s error=%v", conn.ID(), err)
			}
			return
		}
		ws.SetReadDeadline(time.Now().Add(pongWait))
		if msgType != websocket.TextMessage {
			continue
		}
		g.metrics.RecordWSMessage("in", "agent")
		g.dispatcher.HandleMessage(conn, data)
	}
}

// wsConn gorilla 连接适配 agent.Conn
type wsConn struct {
	id string
	ws *websocket.Conn

	mu     sync.Mutex
	closed bool
}

var _ agent.Conn = (*wsConn)(nil)

func newWSConn(ws *websocket.Conn) *wsConn {
	return &wsConn{id: uuid.New().String(), ws: ws}
}

// ID 连接唯一标识
func (c *wsConn) ID() string {
	return c.id
}

// Send 发送一条文本消息
func (c *wsConn) Send(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errConnClosed
	}
	c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

// Close 发送关闭帧并关闭底层连接，可重复调用
func (c *wsConn) Close(code int, reason string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	c.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(writeWait))
	return c.ws.Close()
}

// keepAlive 定期发送 ping，直到 done 关闭或写失败
func (c *wsConn) keepAlive(done <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			c.mu.Lock()
			if c.closed {
				c.mu.Unlock()
				return
			}
			err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
			c.mu.Unlock()
			if err != nil {
				return
			}
		}
	}
}
