package websocket

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/wfunc/kiosk-devices/internal/device"
	"go.uber.org/zap"
)

// Message WebSocket消息
type Message struct {
	Type      string          `json:"type"`
	Path      string          `json:"path,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp int64           `json:"timestamp"`
}

// MessageType 消息类型
const (
	MessageTypeConnected  = "connected"
	MessageTypePing       = "ping"
	MessageTypePong       = "pong"
	MessageTypeError      = "error"
	MessageTypeSubscribe  = "subscribe"
	MessageTypeSubscribed = "subscribed"
	MessageTypeStatus     = "status"
	MessageTypeSnapshot   = "snapshot"
)

// SnapshotFunc 新连接时推送的当前状态
type SnapshotFunc func() []device.Notification

// Options Hub参数
type Options struct {
	PingInterval time.Duration
	WriteTimeout time.Duration
	Snapshot     SnapshotFunc
}

type envelope struct {
	path string
	data []byte
}

// Hub 状态推送中心，实现 device.Observer
type Hub struct {
	clients   map[string]*Client
	clientsMu sync.RWMutex

	broadcast  chan envelope
	register   chan *Client
	unregister chan *Client
	done       chan struct{}

	opts   Options
	logger *zap.Logger
}

var _ device.Observer = (*Hub)(nil)

// NewHub 创建Hub
func NewHub(opts Options, logger *zap.Logger) *Hub {
	if opts.PingInterval <= 0 {
		opts.PingInterval = pingPeriod
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = writeWait
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		clients:    make(map[string]*Client),
		broadcast:  make(chan envelope, 256),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
		opts:       opts,
		logger:     logger,
	}
}

// Run 运行Hub，ctx 取消后断开所有客户端
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case client := <-h.register:
			h.registerClient(client)

		case client := <-h.unregister:
			h.unregisterClient(client)

		case env := <-h.broadcast:
			h.broadcastMessage(env)

		case <-ctx.Done():
			h.clientsMu.Lock()
			for id, c := range h.clients {
				delete(h.clients, id)
				c.closeSend()
			}
			h.clientsMu.Unlock()
			return
		}
	}
}

// Done Run 退出后关闭
func (h *Hub) Done() <-chan struct{} {
	return h.done
}

// registerClient 注册客户端
func (h *Hub) registerClient(client *Client) {
	h.clientsMu.Lock()
	h.clients[client.ID] = client
	h.clientsMu.Unlock()

	h.logger.Info("WebSocket客户端连接", zap.String("client_id", client.ID))

	client.trySend(newMessage(MessageTypeConnected, "", map[string]string{"client_id": client.ID}))
	if h.opts.Snapshot != nil {
		for _, n := range h.opts.Snapshot() {
			if client.accepts(n.Path) {
				client.trySend(newMessage(MessageTypeSnapshot, n.Path, n))
			}
		}
	}
}

// unregisterClient 注销客户端
func (h *Hub) unregisterClient(client *Client) {
	h.clientsMu.Lock()
	if _, ok := h.clients[client.ID]; ok {
		delete(h.clients, client.ID)
		client.closeSend()
	}
	h.clientsMu.Unlock()

	h.logger.Info("WebSocket客户端断开", zap.String("client_id", client.ID))
}

// broadcastMessage 按客户端订阅过滤后发送
func (h *Hub) broadcastMessage(env envelope) {
	h.clientsMu.RLock()
	defer h.clientsMu.RUnlock()
	for _, client := range h.clients {
		if !client.accepts(env.path) {
			continue
		}
		if !client.trySend(env.data) {
			h.logger.Warn("客户端发送缓冲区满", zap.String("client_id", client.ID))
		}
	}
}

// Notify 实现 device.Observer，推送不阻塞设备
func (h *Hub) Notify(n device.Notification) {
	h.Broadcast(MessageTypeStatus, n.Path, n)
}

// Broadcast 广播消息，path 为空时发给全部客户端
func (h *Hub) Broadcast(msgType, path string, data interface{}) {
	env := envelope{path: path, data: newMessage(msgType, path, data)}
	if env.data == nil {
		h.logger.Error("序列化消息失败", zap.String("type", msgType))
		return
	}
	select {
	case h.broadcast <- env:
	case <-h.done:
	default:
		h.logger.Warn("广播队列已满，丢弃消息", zap.String("type", msgType), zap.String("path", path))
	}
}

// Register 注册客户端
func (h *Hub) Register(client *Client) {
	select {
	case h.register <- client:
	case <-h.done:
		client.closeSend()
	}
}

// Unregister 注销客户端
func (h *Hub) Unregister(client *Client) {
	select {
	case h.unregister <- client:
	case <-h.done:
	}
}

// GetOnlineCount 当前连接数
func (h *Hub) GetOnlineCount() int {
	h.clientsMu.RLock()
	defer h.clientsMu.RUnlock()
	return len(h.clients)
}

func newMessage(msgType, path string, data interface{}) []byte {
	var raw json.RawMessage
	if data != nil {
		b, err := json.Marshal(data)
		if err != nil {
			return nil
		}
		raw = b
	}
	out, err := json.Marshal(&Message{
		Type:      msgType,
		Path:      path,
		Data:      raw,
		Timestamp: time.Now().UnixMilli(),
	})
	if err != nil {
		return nil
	}
	return out
}
