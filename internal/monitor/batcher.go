package monitor

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

const (
	defaultBatchSize     = 100
	defaultFlushInterval = 5 * time.Second
	defaultBufferSize    = 1000
	writeTimeout         = 10 * time.Second
)

// batcher 后台批量写入，缓冲区满时丢弃新记录
type batcher[T any] struct {
	write    func(ctx context.Context, items []T) error
	size     int
	interval time.Duration
	log      *zap.Logger

	ch      chan T
	flushCh chan chan struct{}
	stopCh  chan struct{}
	done    chan struct{}
	once    sync.Once
	dropped atomic.Uint64
}

func newBatcher[T any](size int, interval time.Duration, log *zap.Logger, write func(ctx context.Context, items []T) error) *batcher[T] {
	if size <= 0 {
		size = defaultBatchSize
	}
	if interval <= 0 {
		interval = defaultFlushInterval
	}
	b := &batcher[T]{
		write:    write,
		size:     size,
		interval: interval,
		log:      log,
		ch:       make(chan T, defaultBufferSize),
		flushCh:  make(chan chan struct{}),
		stopCh:   make(chan struct{}),
		done:     make(chan struct{}),
	}
	go b.run()
	return b
}

func (b *batcher[T]) add(item T) {
	select {
	case <-b.stopCh:
		return
	default:
	}
	select {
	case b.ch <- item:
	default:
		total := b.dropped.Add(1)
		b.log.Warn("写入缓冲区满，丢弃记录", zap.Uint64("dropped_total", total))
	}
}

func (b *batcher[T]) run() {
	defer close(b.done)
	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()

	buf := make([]T, 0, b.size)
	flush := func() {
		if len(buf) == 0 {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
		if err := b.write(ctx, buf); err != nil {
			b.log.Error("批量写入失败", zap.Int("count", len(buf)), zap.Error(err))
		}
		cancel()
		buf = make([]T, 0, b.size)
	}
	drain := func() {
		for {
			select {
			case item := <-b.ch:
				buf = append(buf, item)
				if len(buf) >= b.size {
					flush()
				}
			default:
				return
			}
		}
	}

	for {
		select {
		case item := <-b.ch:
			buf = append(buf, item)
			if len(buf) >= b.size {
				flush()
			}
		case <-ticker.C:
			flush()
		case ack := <-b.flushCh:
			drain()
			flush()
			close(ack)
		case <-b.stopCh:
			drain()
			flush()
			return
		}
	}
}

// flush 写入当前已缓冲的记录后返回
func (b *batcher[T]) flush() {
	ack := make(chan struct{})
	select {
	case b.flushCh <- ack:
		<-ack
	case <-b.done:
	}
}

func (b *batcher[T]) close() {
	b.once.Do(func() { close(b.stopCh) })
	<-b.done
}
