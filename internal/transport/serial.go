package transport

import (
	stderrors "errors"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	goserial "github.com/goburrow/serial"
	"github.com/tarm/serial"
	"github.com/wfunc/kiosk-devices/internal/errors"
	"github.com/wfunc/kiosk-devices/internal/logger"
	"go.uber.org/zap"
)

// 串口后端
const (
	BackendTarm     = "tarm"
	BackendGoburrow = "goburrow"
)

// tarm 的 VTIME 以 100ms 为单位，更短的值会被取整
const (
	tarmReadSlice     = 100 * time.Millisecond
	goburrowReadSlice = 20 * time.Millisecond
)

// PortExists 检查串口设备是否存在
func PortExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// Serial 串口传输
type Serial struct {
	name    string
	backend string
	params  Parameters
	log     *zap.Logger

	mu    sync.Mutex
	port  io.ReadWriteCloser
	flush func() error
}

// NewSerial 创建串口传输
func NewSerial(name, backend string, params Parameters, log *zap.Logger) *Serial {
	if backend == "" {
		backend = BackendTarm
	}
	if log == nil {
		log = logger.WithModule("transport")
	}
	return &Serial{
		name:    name,
		backend: backend,
		params:  params.withDefaults(),
		log:     log.With(zap.String("port", name), zap.String("backend", backend)),
	}
}

// Name 端口名
func (s *Serial) Name() string {
	return s.name
}

// Open 打开串口
func (s *Serial) Open() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.port != nil {
		return nil
	}
	if !PortExists(s.name) {
		return errors.New(errors.ErrDeviceOffline, s.name)
	}

	var err error
	switch s.backend {
	case BackendTarm:
		err = s.openTarm()
	case BackendGoburrow:
		err = s.openGoburrow()
	default:
		return errors.Newf(errors.ErrInvalidParam, "unknown serial backend %q", s.backend)
	}
	if err != nil {
		s.log.Error("打开串口失败", zap.Error(err))
		return errors.Wrap(err, errors.ErrTransportOpen, s.name)
	}

	s.log.Info("串口打开成功",
		zap.Int("baud_rate", s.params.BaudRate),
		zap.String("parity", s.params.Parity))
	return nil
}

func (s *Serial) openTarm() error {
	parity := serial.ParityNone
	switch strings.ToUpper(s.params.Parity) {
	case "O", "ODD":
		parity = serial.ParityOdd
	case "E", "EVEN":
		parity = serial.ParityEven
	}
	stop := serial.Stop1
	if s.params.StopBits == 2 {
		stop = serial.Stop2
	}

	port, err := serial.OpenPort(&serial.Config{
		Name:        s.name,
		Baud:        s.params.BaudRate,
		Size:        byte(s.params.DataBits),
		Parity:      parity,
		StopBits:    stop,
		ReadTimeout: tarmReadSlice,
	})
	if err != nil {
		return err
	}
	s.port = port
	s.flush = port.Flush
	return nil
}

func (s *Serial) openGoburrow() error {
	port, err := goserial.Open(&goserial.Config{
		Address:  s.name,
		BaudRate: s.params.BaudRate,
		DataBits: s.params.DataBits,
		StopBits: s.params.StopBits,
		Parity:   strings.ToUpper(s.params.Parity[:1]),
		Timeout:  goburrowReadSlice,
	})
	if err != nil {
		return err
	}
	s.port = port
	s.flush = nil
	return nil
}

// Close 关闭串口
func (s *Serial) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.port == nil {
		return nil
	}
	err := s.port.Close()
	s.port = nil
	s.flush = nil
	if err != nil {
		return errors.Wrap(err, errors.ErrTransportClosed, s.name)
	}
	s.log.Info("串口已关闭")
	return nil
}

// Clear 丢弃输入缓冲区中的残留字节
func (s *Serial) Clear() error {
	port, flush := s.current()
	if port == nil {
		return errors.New(errors.ErrTransportClosed, s.name)
	}
	if flush != nil {
		return flush()
	}

	// goburrow 没有 flush，读空为止
	buf := make([]byte, 256)
	for i := 0; i < 16; i++ {
		n, err := port.Read(buf)
		if n == 0 || err != nil {
			return nil
		}
	}
	return nil
}

// Read 读取至少 minSize 字节
func (s *Serial) Read(buf []byte, timeout time.Duration, minSize int) (int, error) {
	port, _ := s.current()
	if port == nil {
		return 0, errors.New(errors.ErrTransportClosed, s.name)
	}
	if len(buf) == 0 {
		return 0, nil
	}
	if minSize < 1 {
		minSize = 1
	}
	if minSize > len(buf) {
		minSize = len(buf)
	}

	deadline := time.Now().Add(timeout)
	n := 0
	for n < minSize {
		if !time.Now().Before(deadline) {
			return n, errors.Newf(errors.ErrTransportTimeout, "%s: %d/%d bytes in %v", s.name, n, minSize, timeout)
		}
		m, err := port.Read(buf[n:])
		n += m
		if err != nil {
			if isReadTimeout(err) {
				continue
			}
			return n, errors.Wrap(err, errors.ErrTransportRead, s.name)
		}
	}
	return n, nil
}

// Write 写入数据
func (s *Serial) Write(p []byte) (int, error) {
	port, _ := s.current()
	if port == nil {
		return 0, errors.New(errors.ErrTransportClosed, s.name)
	}
	n, err := port.Write(p)
	if err != nil {
		return n, errors.Wrap(err, errors.ErrTransportWrite, s.name)
	}
	if n < len(p) {
		return n, errors.Newf(errors.ErrTransportWrite, "%s: short write %d/%d", s.name, n, len(p))
	}
	return n, nil
}

// DeviceConnected 设备节点是否存在
func (s *Serial) DeviceConnected() bool {
	return PortExists(s.name)
}

// Opened 串口是否已打开
func (s *Serial) Opened() bool {
	port, _ := s.current()
	return port != nil
}

// SetParameters 设置链路参数，已打开的端口需要重新打开才生效
func (s *Serial) SetParameters(p Parameters) error {
	if p.Parity != "" {
		switch strings.ToUpper(p.Parity[:1]) {
		case "N", "E", "O":
		default:
			return errors.Newf(errors.ErrInvalidParam, "parity %q", p.Parity)
		}
	}
	s.mu.Lock()
	s.params = p.withDefaults()
	s.mu.Unlock()
	return nil
}

// Parameters 当前链路参数
func (s *Serial) Parameters() Parameters {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.params
}

func (s *Serial) current() (io.ReadWriteCloser, func() error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.port, s.flush
}

// isReadTimeout tarm 超时返回 io.EOF，goburrow 返回 ErrTimeout
func isReadTimeout(err error) bool {
	return stderrors.Is(err, io.EOF) || stderrors.Is(err, goserial.ErrTimeout)
}
