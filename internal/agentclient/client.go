// Package agentclient 移动端 Agent 客户端
//
// Agent 运行在连接真机/模拟器的主机上，通过 WebSocket 连接调度器：
//   - 连接建立后发送 REGISTER
//   - 收到 EXECUTE_TASK 时交给本地引擎执行，过程中回传 UPDATE_EXECUTION / APPEND_LOG
//   - 执行结束后回传 TASK_COMPLETED（附带报告内容）
//   - 收到 CANCEL_TASK 时中止对应执行
//
// 连接断开后按固定间隔重连。正在执行的任务不受断线影响，
// 结果通过重连后的新连接回传，调度器据此重新关联执行。
package agentclient

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"ui-automation/internal/shared/model"
	"ui-automation/pkg/engine"
	"ui-automation/pkg/logging"
	"ui-automation/pkg/protocol"
)

const (
	// DefaultReconnectInterval 断线重连间隔
	DefaultReconnectInterval = 3 * time.Second

	writeWait = 10 * time.Second
)

// errNotConnected 当前没有可用连接
var errNotConnected = errors.New("agentclient: not connected")

// Options Agent 配置
type Options struct {
	ServerURL         string // 例如 ws://localhost:3002/ws/agent
	ID                string
	Platform          model.Platform
	DeviceName        string
	ReportDir         string // 引擎报告目录，用于读取报告内容回传
	ReconnectInterval time.Duration
	Engine            engine.Engine
	Dialer            *websocket.Dialer // 为空时使用 websocket.DefaultDialer
	Logger            *logging.Logger   // 为空时使用 logging.Default("agent")
}

// Client Agent 客户端
type Client struct {
	opts   Options
	logger *logging.Logger

	mu   sync.Mutex // 保护 conn 和写操作
	conn *websocket.Conn

	tasks sync.WaitGroup
}

// New 创建 Agent 客户端
func New(opts Options) (*Client, error) {
	if opts.ServerURL == "" {
		return nil, fmt.Errorf("agentclient: server url is required")
	}
	if !opts.Platform.IsMobile() {
		return nil, fmt.Errorf("agentclient: invalid platform %q (android, ios)", opts.Platform)
	}
	if opts.Engine == nil {
		return nil, fmt.Errorf("agentclient: engine is required")
	}
	if opts.ID == "" {
		return nil, fmt.Errorf("agentclient: agent id is required")
	}
	if opts.ReconnectInterval <= 0 {
		opts.ReconnectInterval = DefaultReconnectInterval
	}
	if opts.Dialer == nil {
		opts.Dialer = websocket.DefaultDialer
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.Default("agent")
	}
	return &Client{
		opts:   opts,
		logger: logger.WithAgentID(opts.ID),
	}, nil
}

// Run 连接调度器并处理任务，直到 ctx 结束
//
// 返回前等待正在执行的任务结束（ctx 结束时引擎会收到取消）。
func (c *Client) Run(ctx context.Context) error {
	defer c.tasks.Wait()

	for {
		err := c.session(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		c.logger.Warn("disconnected from server", "error", err, "retry_in", c.opts.ReconnectInterval.String())

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(c.opts.ReconnectInterval):
		}
		c.logger.Info("reconnecting")
	}
}

// session 单次连接的生命周期：建连 → 注册 → 读循环
func (c *Client) session(ctx context.Context) error {
	conn, _, err := c.opts.Dialer.DialContext(ctx, c.opts.ServerURL, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", c.opts.ServerURL, err)
	}
	c.setConn(conn)
	defer c.clearConn(conn)

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, "agent shutting down"),
				time.Now().Add(time.Second))
			conn.Close()
		case <-done:
		}
	}()

	c.logger.Info("connected to server", "server", c.opts.ServerURL)
	if err := c.send(protocol.TypeRegister, protocol.RegisterPayload{
		ID:         c.opts.ID,
		Platform:   c.opts.Platform,
		DeviceName: c.opts.DeviceName,
	}); err != nil {
		return fmt.Errorf("register: %w", err)
	}

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		if msgType != websocket.TextMessage {
			continue
		}
		c.handleMessage(ctx, data)
	}
}

// handleMessage 处理调度器下发的消息
func (c *Client) handleMessage(ctx context.Context, data []byte) {
	typ, payload, err := protocol.Decode(data)
	if err != nil {
		c.logger.Warn("ignoring message", "type", string(typ), "error", err)
		return
	}

	switch p := payload.(type) {
	case *protocol.ExecuteTaskPayload:
		c.tasks.Add(1)
		go func() {
			defer c.tasks.Done()
			c.execute(ctx, p)
		}()
	case *protocol.CancelTaskPayload:
		cancelled := c.opts.Engine.Cancel(p.ExecutionID)
		c.logger.WithExecutionID(p.ExecutionID).Info("cancel requested", "running", cancelled)
	default:
		c.logger.Warn("unexpected message from server", "type", string(typ))
	}
}

// execute 执行任务并回传结果
func (c *Client) execute(ctx context.Context, p *protocol.ExecuteTaskPayload) {
	logger := c.logger.WithExecutionID(p.ExecutionID)
	if p.TestCase == nil {
		logger.Warn("task without test case")
		c.complete(logger, p.ExecutionID, engine.Failed("missing test case", ""), "")
		return
	}

	start := time.Now()
	logger.Info("executing task", "case_id", p.TestCase.ID, "steps", len(p.TestCase.Steps))

	result := c.opts.Engine.Run(ctx, p.TestCase, p.ExecutionID, &taskSink{client: c, executionID: p.ExecutionID, logger: logger})
	logger.WithDuration(time.Since(start)).Info("task finished", "status", string(result.Status))

	c.complete(logger, p.ExecutionID, result, c.readReport(logger, result.ReportPath))
}

// complete 发送 TASK_COMPLETED
func (c *Client) complete(logger *logging.Logger, executionID string, result engine.Result, reportContent string) {
	err := c.send(protocol.TypeTaskCompleted, protocol.TaskCompletedPayload{
		ExecutionID: executionID,
		Result: protocol.TaskResult{
			Status:       result.Status,
			ReportPath:   result.ReportPath,
			ErrorMessage: result.ErrorMessage,
		},
		ReportContent: reportContent,
	})
	if err != nil {
		logger.WithError(err).Error("failed to send task result")
	}
}

// readReport 读取报告内容，读取失败时返回空串
func (c *Client) readReport(logger *logging.Logger, reportPath string) string {
	if reportPath == "" {
		return ""
	}
	data, err := os.ReadFile(filepath.Join(c.opts.ReportDir, filepath.Base(reportPath)))
	if err != nil {
		logger.WithError(err).Warn("report not readable", "report_path", reportPath)
		return ""
	}
	return string(data)
}

// send 编码并通过当前连接发送
func (c *Client) send(t protocol.MessageType, payload any) error {
	data, err := protocol.Encode(t, payload)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return errNotConnected
	}
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (c *Client) setConn(conn *websocket.Conn) {
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
}

func (c *Client) clearConn(conn *websocket.Conn) {
	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
	}
	c.mu.Unlock()
	conn.Close()
}

// taskSink 把引擎上报转为协议消息
type taskSink struct {
	client      *Client
	executionID string
	logger      *logging.Logger
}

func (s *taskSink) Patch(patch *model.ExecutionPatch) {
	if patch == nil {
		return
	}
	if err := s.client.send(protocol.TypeUpdateExecution, protocol.UpdateExecutionPayload{
		ExecutionID: s.executionID,
		Patch:       patch,
	}); err != nil {
		s.logger.Debug("update dropped", "error", err)
	}
}

func (s *taskSink) Log(line string) {
	if err := s.client.send(protocol.TypeAppendLog, protocol.AppendLogPayload{
		ExecutionID: s.executionID,
		Log:         line,
	}); err != nil {
		s.logger.Debug("log dropped", "error", err)
	}
}
