// Package server 观察者事件推送
//
// EventHub 把执行记录、测试用例的变更事件推送给所有 /ws 观察者：
//   - 单实例部署时作为 Reconciler 的 Publisher 直接接收事件
//   - 配置 Redis 时通过 Relay 订阅 Pub/Sub 频道，再推送给本实例的观察者
//
// 推送是尽力而为的：每个观察者有独立的发送缓冲，缓冲满时丢弃该观察者的事件，
// 不阻塞发布方。
package server

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"ui-automation/internal/shared/eventbus"
	"ui-automation/internal/shared/model"
)

const (
	// observerBuffer 每个观察者的发送缓冲
	observerBuffer = 256

	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
)

// upgrader WebSocket 升级器配置
//
// CheckOrigin 允许所有来源：看板与调度器通常不同源部署
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// observer 单个观察者连接
type observer struct {
	conn *websocket.Conn
	send chan []byte
}

// EventHub 观察者推送中心
type EventHub struct {
	mu      sync.RWMutex
	clients map[*observer]struct{}
	metrics *Metrics
}

var _ eventbus.Publisher = (*EventHub)(nil)

// NewEventHub 创建推送中心
func NewEventHub(metrics *Metrics) *EventHub {
	return &EventHub{
		clients: make(map[*observer]struct{}),
		metrics: metrics,
	}
}

// Publish 推送事件给全部观察者（实现 eventbus.Publisher）
func (h *EventHub) Publish(ctx context.Context, event *model.Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	h.Broadcast(data)
	return nil
}

// Broadcast 推送原始消息给全部观察者，不阻塞
func (h *EventHub) Broadcast(data []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for c := range h.clients {
		select {
		case c.send <- data:
		default:
			if h.metrics != nil {
				h.metrics.EventsDropped.Inc()
			}
		}
	}
}

// Relay 订阅事件总线并转发给本实例的观察者，直到 ctx 结束或订阅关闭
func (h *EventHub) Relay(ctx context.Context, sub eventbus.Subscriber) error {
	ch, err := sub.Subscribe(ctx)
	if err != nil {
		return err
	}
	log.Printf("[events.relay.started]")
	for event := range ch {
		if err := h.Publish(ctx, event); err != nil {
			log.Printf("[events.relay.encode_failed] type=%s error=%v", event.Type, err)
		}
	}
	log.Printf("[events.relay.stopped]")
	return nil
}

// ClientCount 返回观察者数量
func (h *EventHub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *EventHub) add(c *observer) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
	if h.metrics != nil {
		h.metrics.WSConnectionOpened("observer")
	}
}

func (h *EventHub) remove(c *observer) {
	h.mu.Lock()
	_, ok := h.clients[c]
	delete(h.clients, c)
	h.mu.Unlock()
	if ok && h.metrics != nil {
		h.metrics.WSConnectionClosed("observer")
	}
}

// HandleWebSocket 处理观察者连接
//
// 路由: GET /ws
//
// 推送消息格式（model.Event）：
//
//	{"type": "execution", "data": {...}, "timestamp": "..."}
//	{"type": "testcase",  "data": {...}, "timestamp": "..."}
//	{"type": "error", "message": "已强制重置 3 个异常状态任务", "timestamp": "..."}
//
// 客户端消息：
//
//	心跳：{"type": "ping"} -> 响应 {"type": "pong"}
func (h *EventHub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[events.ws.upgrade_failed] error=%v", err)
		return
	}

	c := &observer{conn: conn, send: make(chan []byte, observerBuffer)}
	h.add(c)
	log.Printf("[events.ws.connected] remote=%s observers=%d", r.RemoteAddr, h.ClientCount())

	ctx, cancel := context.WithCancel(context.Background())
	go h.readPump(c, cancel)
	h.writePump(ctx, c)

	h.remove(c)
	conn.Close()
	log.Printf("[events.ws.disconnected] remote=%s", r.RemoteAddr)
}

// readPump 读取观察者消息，连接关闭时取消上下文
func (h *EventHub) readPump(c *observer, cancel context.CancelFunc) {
	defer cancel()
	c.conn.SetReadLimit(512)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, msg, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("[events.ws.read_failed] error=%v", err)
			}
			return
		}
		if h.metrics != nil {
			h.metrics.RecordWSMessage("in", "observer")
		}

		var req struct {
			Type string `json:"type"`
		}
		if json.Unmarshal(msg, &req) == nil && req.Type == "ping" {
			select {
			case c.send <- []byte(`{"type":"pong"}`):
			default:
			}
		}
	}
}

// writePump 串行写出推送消息和心跳
func (h *EventHub) writePump(ctx context.Context, c *observer) {
	pingTicker := time.NewTicker(pingPeriod)
	defer pingTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-pingTicker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case data := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Printf("[events.ws.write_failed] error=%v", err)
				return
			}
			if h.metrics != nil {
				h.metrics.RecordWSMessage("out", "observer")
			}
		}
	}
}
