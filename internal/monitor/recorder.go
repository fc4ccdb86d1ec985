package monitor

import (
	"context"
	"encoding/hex"
	"strings"
	"time"

	"github.com/wfunc/kiosk-devices/internal/errors"
	"github.com/wfunc/kiosk-devices/internal/logger"
	"github.com/wfunc/kiosk-devices/internal/models"
	"github.com/wfunc/kiosk-devices/internal/protocol"
	"go.uber.org/zap"
)

// ProtocolWriter 协议日志的持久化
type ProtocolWriter interface {
	CreateBatch(ctx context.Context, logs []*models.ProtocolLog) error
}

// ProtocolRecorder 把每次协议尝试批量写入数据库，实现 protocol.Tracer
type ProtocolRecorder struct {
	b *batcher[*models.ProtocolLog]
}

var _ protocol.Tracer = (*ProtocolRecorder)(nil)

// NewProtocolRecorder 创建协议日志记录器
func NewProtocolRecorder(w ProtocolWriter, opts HistoryOptions) *ProtocolRecorder {
	log := opts.Logger
	if log == nil {
		log = logger.WithModule("monitor")
	}
	return &ProtocolRecorder{
		b: newBatcher(opts.BatchSize, opts.FlushInterval, log.With(zap.String("sink", "protocol")), w.CreateBatch),
	}
}

// Trace 实现 protocol.Tracer，在引擎事务内调用，只入队
func (r *ProtocolRecorder) Trace(x protocol.Exchange) {
	r.b.add(LogFromExchange(x))
}

// Flush 写入已缓冲的记录
func (r *ProtocolRecorder) Flush() {
	r.b.flush()
}

// Close 写入剩余记录并停止
func (r *ProtocolRecorder) Close() {
	r.b.close()
}

// LogFromExchange 协议尝试转换为日志记录
func LogFromExchange(x protocol.Exchange) *models.ProtocolLog {
	t := x.Time
	if t.IsZero() {
		t = time.Now()
	}
	l := &models.ProtocolLog{
		CreatedAt: t,
		Path:      x.Device,
		Attempt:   x.Attempt,
		Request:   hexString(x.Request),
		Response:  hexString(x.Response),
		Bytes:     len(x.Request) + len(x.Response),
		Duration:  x.Duration.Microseconds(),
		Timestamp: t.UnixMilli(),
	}
	if x.Err != nil {
		l.ErrorMsg = x.Err.Error()
		l.Category = errors.CategoryOf(x.Err).String()
	}
	return l
}

// hexString 大写十六进制，字节间以空格分隔
func hexString(b []byte) string {
	if len(b) == 0 {
		return ""
	}
	s := strings.ToUpper(hex.EncodeToString(b))
	var sb strings.Builder
	sb.Grow(len(s) + len(b))
	for i := 0; i < len(s); i += 2 {
		if i > 0 {
			sb.WriteByte(' ')
		}
		sb.WriteString(s[i : i+2])
	}
	return sb.String()
}
