package device

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/wfunc/kiosk-devices/internal/status"
	"go.uber.org/zap"
)

// Notification 状态变化通知
type Notification struct {
	Path         string          `json:"path"`
	State        State           `json:"state"`
	Severity     status.Severity `json:"severity"`
	Message      string          `json:"message"`
	ExtendedCode status.Code     `json:"extended_code"`
	Codes        []status.Code   `json:"codes"`
	Onset        []status.Code   `json:"onset,omitempty"`
	Cleared      []status.Code   `json:"cleared,omitempty"`
	Sequence     uint64          `json:"sequence"`
	Time         time.Time       `json:"time"`
}

// Observer 通知接收者
type Observer interface {
	Notify(n Notification)
}

// ObserverFunc 函数适配器
type ObserverFunc func(n Notification)

// Notify 实现 Observer
func (f ObserverFunc) Notify(n Notification) {
	f(n)
}

const defaultQueueSize = 64

// notifier 按发布顺序投递通知的单协程分发器
//
// 队列满时丢弃最旧的通知，发布方永远不阻塞。
type notifier struct {
	mu        sync.Mutex
	queue     []Notification
	max       int
	closed    bool
	observers []Observer

	wake    chan struct{}
	done    chan struct{}
	dropped atomic.Uint64
	log     *zap.Logger
}

func newNotifier(size int, log *zap.Logger) *notifier {
	if size <= 0 {
		size = defaultQueueSize
	}
	n := &notifier{
		max:  size,
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
		log:  log,
	}
	go n.run()
	return n
}

func (n *notifier) add(o Observer) {
	if o == nil {
		return
	}
	n.mu.Lock()
	obs := make([]Observer, len(n.observers), len(n.observers)+1)
	copy(obs, n.observers)
	n.observers = append(obs, o)
	n.mu.Unlock()
}

func (n *notifier) publish(msg Notification) {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return
	}
	if len(n.queue) >= n.max {
		n.queue = n.queue[1:]
		total := n.dropped.Add(1)
		n.log.Warn("通知队列已满，丢弃最旧通知",
			zap.Int("queue_size", n.max),
			zap.Uint64("dropped_total", total))
	}
	n.queue = append(n.queue, msg)
	n.mu.Unlock()

	select {
	case n.wake <- struct{}{}:
	default:
	}
}

func (n *notifier) run() {
	defer close(n.done)
	for {
		n.mu.Lock()
		if len(n.queue) == 0 {
			closed := n.closed
			n.mu.Unlock()
			if closed {
				return
			}
			<-n.wake
			continue
		}
		msg := n.queue[0]
		n.queue = n.queue[1:]
		obs := n.observers
		n.mu.Unlock()

		for _, o := range obs {
			n.deliver(o, msg)
		}
	}
}

func (n *notifier) deliver(o Observer, msg Notification) {
	defer func() {
		if r := recover(); r != nil {
			n.log.Error("观察者处理通知时panic", zap.Any("panic", r))
		}
	}()
	o.Notify(msg)
}

// close 拒绝新通知，投递完队列后返回
func (n *notifier) close() {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		<-n.done
		return
	}
	n.closed = true
	n.mu.Unlock()

	select {
	case n.wake <- struct{}{}:
	default:
	}
	<-n.done
}
