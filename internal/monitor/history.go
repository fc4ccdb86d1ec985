package monitor

import (
	"context"
	"strconv"
	"time"

	"github.com/wfunc/kiosk-devices/internal/device"
	"github.com/wfunc/kiosk-devices/internal/logger"
	"github.com/wfunc/kiosk-devices/internal/models"
	"github.com/wfunc/kiosk-devices/internal/status"
	"go.uber.org/zap"
)

// HistoryWriter 状态历史的持久化
type HistoryWriter interface {
	CreateBatch(ctx context.Context, events []*models.StatusEvent) error
}

// HistoryOptions 批量写入参数
type HistoryOptions struct {
	BatchSize     int
	FlushInterval time.Duration
	Logger        *zap.Logger
}

// HistorySink 把状态变化批量写入数据库
type HistorySink struct {
	b *batcher[*models.StatusEvent]
}

// NewHistorySink 创建状态历史观察者
func NewHistorySink(w HistoryWriter, opts HistoryOptions) *HistorySink {
	log := opts.Logger
	if log == nil {
		log = logger.WithModule("monitor")
	}
	return &HistorySink{
		b: newBatcher(opts.BatchSize, opts.FlushInterval, log.With(zap.String("sink", "history")), w.CreateBatch),
	}
}

// Notify 实现 device.Observer，不阻塞
func (s *HistorySink) Notify(n device.Notification) {
	s.b.add(EventFromNotification(n))
}

// Flush 写入已缓冲的记录
func (s *HistorySink) Flush() {
	s.b.flush()
}

// Close 写入剩余记录并停止
func (s *HistorySink) Close() {
	s.b.close()
}

// Dropped 因缓冲区满丢弃的记录数
func (s *HistorySink) Dropped() uint64 {
	return s.b.dropped.Load()
}

// EventFromNotification 通知转换为状态历史记录
func EventFromNotification(n device.Notification) *models.StatusEvent {
	t := n.Time
	if t.IsZero() {
		t = time.Now()
	}
	e := &models.StatusEvent{
		CreatedAt: t,
		Path:      n.Path,
		State:     n.State.String(),
		Severity:  n.Severity.String(),
		Codes:     JoinCodes(n.Codes),
		Onset:     JoinCodes(n.Onset),
		Cleared:   JoinCodes(n.Cleared),
		Message:   n.Message,
		Sequence:  n.Sequence,
		Timestamp: t.UnixMilli(),
	}
	if n.ExtendedCode != status.Code(0) {
		e.ExtendedCode = strconv.Itoa(int(n.ExtendedCode))
	}
	return e
}
