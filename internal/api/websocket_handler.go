package api

import (
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/wfunc/kiosk-devices/internal/device"
	"github.com/wfunc/kiosk-devices/internal/registry"
	ws "github.com/wfunc/kiosk-devices/internal/websocket"
	"go.uber.org/zap"
)

// WebSocketHandler 状态推送连接
type WebSocketHandler struct {
	hub      *ws.Hub
	upgrader *websocket.Upgrader
	logger   *zap.Logger
}

// NewWebSocketHandler 创建WebSocket处理器
func NewWebSocketHandler(hub *ws.Hub, readBuffer, writeBuffer int, logger *zap.Logger) *WebSocketHandler {
	return &WebSocketHandler{
		hub:      hub,
		upgrader: ws.NewUpgrader(readBuffer, writeBuffer),
		logger:   logger,
	}
}

// Status 订阅状态变化，?filter= 按路径过滤
func (h *WebSocketHandler) Status(c *gin.Context) {
	filter := c.Query("filter")
	if filter != "" {
		if err := registry.ValidateFilter(filter); err != nil {
			respondError(c, err)
			return
		}
	}
	if _, err := h.hub.Serve(h.upgrader, c.Writer, c.Request, filter); err != nil {
		// 升级失败时已写入响应
		h.logger.Debug("WebSocket连接失败", zap.String("ip", c.ClientIP()), zap.Error(err))
	}
}

// StatusSnapshot 所有实例的当前状态，新连接时推送
func StatusSnapshot(reg *registry.Registry) ws.SnapshotFunc {
	return func() []device.Notification {
		instances := reg.Instances()
		out := make([]device.Notification, 0, len(instances))
		for _, inst := range instances {
			d, ok := reg.Lookup(inst.Handle)
			if !ok {
				continue
			}
			current := d.Status()
			out = append(out, device.Notification{
				Path:     inst.Path,
				State:    d.State(),
				Severity: current.MaxSeverity(d.Catalog()),
				Codes:    current.Codes(),
			})
		}
		return out
	}
}
