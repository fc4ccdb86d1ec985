package websocket

import (
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/wfunc/kiosk-devices/internal/registry"
	"go.uber.org/zap"
)

// 错误定义
var (
	ErrSendBufferFull = errors.New("发送缓冲区已满")
	ErrInvalidMessage = errors.New("无效的消息格式")
)

const (
	// 写超时
	writeWait = 10 * time.Second

	// 读取pong超时
	pongWait = 60 * time.Second

	// ping发送周期（必须小于pongWait）
	pingPeriod = (pongWait * 9) / 10

	// 客户端只发送订阅和心跳
	maxMessageSize = 4 * 1024
)

// Client WebSocket客户端
type Client struct {
	ID   string
	hub  *Hub
	conn *websocket.Conn
	send chan []byte

	sendMu sync.RWMutex
	closed bool

	mu     sync.RWMutex
	filter string
	binary bool
}

// clientRequest 客户端请求
type clientRequest struct {
	Type   string `json:"type"`
	Filter string `json:"filter"`
}

// NewClient 创建客户端，filter 为路径过滤器，空值订阅全部
func NewClient(hub *Hub, conn *websocket.Conn, filter string) *Client {
	return &Client{
		ID:     uuid.New().String(),
		hub:    hub,
		conn:   conn,
		send:   make(chan []byte, 256),
		filter: filter,
	}
}

// Filter 当前订阅
func (c *Client) Filter() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.filter
}

func (c *Client) accepts(path string) bool {
	if path == "" {
		return true
	}
	return registry.Match(c.Filter(), path)
}

func (c *Client) trySend(data []byte) bool {
	if data == nil {
		return false
	}
	c.sendMu.RLock()
	defer c.sendMu.RUnlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

// closeSend 关闭发送通道，WritePump 随后退出
func (c *Client) closeSend() {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

// ReadPump 读取客户端请求
func (c *Client) ReadPump() {
	defer func() {
		c.hub.Unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.logger.Error("WebSocket读取错误",
					zap.String("client_id", c.ID),
					zap.Error(err))
			}
			return
		}
		c.handleMessage(message)
	}
}

// WritePump 写入消息，每条消息一帧
func (c *Client) WritePump() {
	ticker := time.NewTicker(c.hub.opts.PingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(c.hub.opts.WriteTimeout))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.write(message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(c.hub.opts.WriteTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// write 按客户端格式写一帧
func (c *Client) write(message []byte) error {
	if !c.binary {
		return c.conn.WriteMessage(websocket.TextMessage, message)
	}
	data, err := encodeBinary(message)
	if err != nil {
		c.hub.logger.Error("编码二进制消息失败", zap.String("client_id", c.ID), zap.Error(err))
		return nil
	}
	return c.conn.WriteMessage(websocket.BinaryMessage, data)
}

// handleMessage 处理客户端请求
func (c *Client) handleMessage(data []byte) {
	var req clientRequest
	if err := json.Unmarshal(data, &req); err != nil || req.Type == "" {
		c.hub.logger.Warn("解析WebSocket消息失败", zap.String("client_id", c.ID))
		c.sendError(ErrInvalidMessage.Error())
		return
	}

	switch req.Type {
	case MessageTypePing:
		c.trySend(newMessage(MessageTypePong, "", nil))

	case MessageTypePong:
		c.hub.logger.Debug("收到pong", zap.String("client_id", c.ID))

	case MessageTypeSubscribe:
		if req.Filter != "" {
			if err := registry.ValidateFilter(req.Filter); err != nil {
				c.sendError(err.Error())
				return
			}
		}
		c.mu.Lock()
		c.filter = req.Filter
		c.mu.Unlock()
		c.trySend(newMessage(MessageTypeSubscribed, "", map[string]string{"filter": req.Filter}))

	default:
		c.sendError("不支持的消息类型: " + req.Type)
	}
}

// sendError 发送错误消息
func (c *Client) sendError(message string) {
	c.trySend(newMessage(MessageTypeError, "", map[string]string{"error": message}))
}
