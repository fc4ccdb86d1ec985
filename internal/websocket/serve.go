package websocket

import (
	"net/http"

	"github.com/gorilla/websocket"
	"github.com/wfunc/kiosk-devices/internal/registry"
	"go.uber.org/zap"
)

// NewUpgrader 创建连接升级器，缓冲区为 0 时使用默认值
func NewUpgrader(readBufferSize, writeBufferSize int) *websocket.Upgrader {
	return &websocket.Upgrader{
		ReadBufferSize:  readBufferSize,
		WriteBufferSize: writeBufferSize,
		CheckOrigin: func(r *http.Request) bool {
			// 本机服务，不检查来源
			return true
		},
	}
}

// Serve 升级连接并注册客户端，filter 为路径过滤器
//
// 请求带 format=proto 时推送 protobuf 二进制帧，客户端请求仍为 JSON 文本。
func (h *Hub) Serve(upgrader *websocket.Upgrader, w http.ResponseWriter, r *http.Request, filter string) (*Client, error) {
	if filter != "" {
		if err := registry.ValidateFilter(filter); err != nil {
			return nil, err
		}
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("WebSocket升级失败", zap.Error(err))
		return nil, err
	}

	client := NewClient(h, conn, filter)
	client.binary = r.URL.Query().Get("format") == FormatProto
	h.Register(client)

	go client.WritePump()
	go client.ReadPump()

	h.logger.Info("WebSocket连接建立",
		zap.String("client_id", client.ID),
		zap.String("filter", filter),
		zap.Bool("binary", client.binary),
		zap.String("remote", r.RemoteAddr))
	return client, nil
}
