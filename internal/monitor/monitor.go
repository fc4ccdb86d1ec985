// Package monitor 设备通知和协议交互的观察者
package monitor

import (
	"strconv"
	"strings"

	"github.com/wfunc/kiosk-devices/internal/device"
	"github.com/wfunc/kiosk-devices/internal/logger"
	"github.com/wfunc/kiosk-devices/internal/protocol"
	"github.com/wfunc/kiosk-devices/internal/status"
	"go.uber.org/zap"
)

// Fanout 依次通知多个观察者
type Fanout []device.Observer

// Notify 实现 device.Observer
func (f Fanout) Notify(n device.Notification) {
	for _, o := range f {
		if o != nil {
			o.Notify(n)
		}
	}
}

// LogSink 把状态变化写入日志
type LogSink struct {
	log     *zap.Logger
	catalog *status.Catalog
}

// NewLogSink 创建日志观察者，catalog 为空时使用默认目录
func NewLogSink(log *zap.Logger, catalog *status.Catalog) *LogSink {
	if log == nil {
		log = logger.WithModule("monitor")
	}
	if catalog == nil {
		catalog = status.NewDefaultCatalog()
	}
	return &LogSink{log: log, catalog: catalog}
}

// Notify 实现 device.Observer
func (s *LogSink) Notify(n device.Notification) {
	fields := []zap.Field{
		zap.String("device", n.Path),
		zap.Stringer("state", n.State),
		zap.Stringer("severity", n.Severity),
		zap.String("codes", JoinCodes(n.Codes)),
		zap.Uint64("sequence", n.Sequence),
	}
	if len(n.Onset) > 0 {
		fields = append(fields, zap.String("onset", s.describe(n.Onset)))
	}
	if len(n.Cleared) > 0 {
		fields = append(fields, zap.String("cleared", s.describe(n.Cleared)))
	}
	if n.Message != "" {
		fields = append(fields, zap.String("message", n.Message))
	}

	switch n.Severity {
	case status.SeverityError:
		s.log.Error("设备状态变化", fields...)
	case status.SeverityWarning:
		s.log.Warn("设备状态变化", fields...)
	default:
		s.log.Info("设备状态变化", fields...)
	}
}

func (s *LogSink) describe(codes []status.Code) string {
	parts := make([]string, 0, len(codes))
	for _, c := range codes {
		parts = append(parts, s.catalog.Describe(c))
	}
	return strings.Join(parts, ",")
}

// LogTracer 把协议交互写入 protocol 模块日志
var LogTracer protocol.Tracer = protocol.TracerFunc(func(x protocol.Exchange) {
	logger.LogFrame(x.Device, x.Request, x.Response, x.Attempt, x.Duration, x.Err)
})

// JoinCodes 状态码以逗号连接
func JoinCodes(codes []status.Code) string {
	if len(codes) == 0 {
		return ""
	}
	var b strings.Builder
	for i, c := range codes {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(strconv.Itoa(int(c)))
	}
	return b.String()
}

// SplitCodes 解析 JoinCodes 的结果，忽略无法解析的项
func SplitCodes(s string) []status.Code {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]status.Code, 0, len(parts))
	for _, p := range parts {
		v, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil {
			continue
		}
		out = append(out, status.Code(v))
	}
	return out
}
