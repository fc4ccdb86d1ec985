// Package hopper 出币器（0xAA 帧）
package hopper

import (
	"context"
	"encoding/binary"
	"sync/atomic"

	"github.com/wfunc/kiosk-devices/internal/device"
	"github.com/wfunc/kiosk-devices/internal/drivers/aabus"
	"github.com/wfunc/kiosk-devices/internal/errors"
	"github.com/wfunc/kiosk-devices/internal/params"
	"github.com/wfunc/kiosk-devices/internal/protocol"
	"github.com/wfunc/kiosk-devices/internal/registry"
	"github.com/wfunc/kiosk-devices/internal/status"
	"github.com/wfunc/kiosk-devices/internal/transport"
	"go.uber.org/zap"
)

// Path 内置驱动路径
const Path = "Kiosk.Dispenser.Hopper"

// CmdDispense 出币：数量(2字节) + 速度(1字节)
const CmdDispense byte = 0x01

// 配置键
const (
	KeyMaxDispense = "max_dispense"
	KeySpeed       = "speed"
	KeyNearEmpty   = "near_empty_level"
)

// 电机速度档位
const (
	minSpeed = 1
	maxSpeed = 10
)

var statusBits = status.BitMap{
	0: status.CassetteEmpty,
	1: status.DispenserJam,
	2: status.DoorOpen,
	3: status.Error,
	7: status.CommandInProgress,
}

// Cleaner 卡币取代通用错误，币量为空时不再报告将空
var Cleaner = status.PriorityCleaner{
	Supersedes: map[status.Code][]status.Code{
		status.DispenserJam:  {status.Error},
		status.CassetteEmpty: {status.CassetteNearEmpty},
	},
}

// Hopper 出币器协议
type Hopper struct {
	*aabus.Client
	params *params.Store
	log    *zap.Logger

	level     atomic.Int64 // 最近一次上报的剩余币量
	dispensed atomic.Int64
}

// New 创建出币器协议
func New(engine *protocol.Engine, store *params.Store, log *zap.Logger) *Hopper {
	if log == nil {
		log = zap.NewNop()
	}
	h := &Hopper{
		Client: aabus.NewClient(engine),
		params: store,
		log:    log,
	}
	h.level.Store(-1)
	return h
}

// QueryStatus 状态字 + 剩余币量，剩余币量低于阈值时报告将空
func (h *Hopper) QueryStatus(ctx context.Context) (status.Collection, error) {
	word, extra, err := h.Status(ctx)
	if err != nil {
		return nil, err
	}
	codes := statusBits.Decode(uint32(word))
	if len(extra) >= 2 {
		level := int(binary.BigEndian.Uint16(extra))
		h.level.Store(int64(level))
		if level <= h.params.Int(KeyNearEmpty, 20) {
			codes.Add(status.CassetteNearEmpty)
		}
	}
	return codes, nil
}

// Dispense 出币，返回实际出币数量
//
// 数量不足时返回实际数量和设备错误。
func (h *Hopper) Dispense(ctx context.Context, count int) (int, error) {
	limit := h.params.Int(KeyMaxDispense, 100)
	if count <= 0 || count > limit {
		return 0, errors.Newf(errors.ErrInvalidParam, "dispense %d, allowed 1..%d", count, limit)
	}
	speed := h.params.Int(KeySpeed, 5)
	if speed < minSpeed || speed > maxSpeed {
		return 0, errors.Newf(errors.ErrInvalidParam, "speed %d, allowed %d..%d", speed, minSpeed, maxSpeed)
	}

	req := make([]byte, 3)
	binary.BigEndian.PutUint16(req, uint16(count))
	req[2] = byte(speed)

	// 出币不能重发，否则可能重复出币
	data, err := h.command(ctx, CmdDispense, req)
	if err != nil {
		return 0, err
	}
	if len(data) < 2 {
		return 0, errors.Newf(errors.ErrUnexpectedAnswer, "dispense answer % X", data)
	}
	done := int(binary.BigEndian.Uint16(data))
	h.dispensed.Add(int64(done))
	if done < count {
		h.log.Warn("出币数量不足", zap.Int("requested", count), zap.Int("dispensed", done))
		return done, errors.Newf(errors.ErrDeviceFault, "dispensed %d of %d", done, count).
			WithDeviceCode(int(status.CassetteEmpty))
	}
	h.log.Info("出币完成", zap.Int("count", done), zap.Int("speed", speed))
	return done, nil
}

func (h *Hopper) command(ctx context.Context, cmd byte, data []byte) ([]byte, error) {
	req := append([]byte{cmd}, data...)
	answer, err := h.Engine().Process(ctx, req, &protocol.Options{Retries: 1, MinAnswer: 1})
	if err != nil {
		return nil, err
	}
	if answer[0] != cmd {
		return nil, errors.Newf(errors.ErrUnexpectedAnswer, "answer 0x%02X to command 0x%02X", answer[0], cmd)
	}
	return answer[1:], nil
}

// Level 最近一次上报的剩余币量，未知时为 -1
func (h *Hopper) Level() int {
	return int(h.level.Load())
}

// Dispensed 累计出币数量
func (h *Hopper) Dispensed() int {
	return int(h.dispensed.Load())
}

// Factory 注册表工厂
func Factory(env registry.Env) (registry.Driver, error) {
	h := New(env.NewEngine(protocol.NewFrameAA()), env.Params, env.Logger)
	log := env.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return registry.Driver{
		Protocol: h,
		Cleaner:  Cleaner,
		Reactions: []device.Reaction{{
			Name: "near_empty_warning",
			Code: status.CassetteNearEmpty,
			Edge: device.Onset,
			Fn: func(_ context.Context, _ params.Reader) error {
				log.Warn("出币器币量将空", zap.Int("level", h.Level()))
				return nil
			},
		}},
		Capabilities: device.Capabilities{Dispenser: h},
	}, nil
}

// Descriptor 驱动描述
func Descriptor() registry.Descriptor {
	return registry.Descriptor{
		Path:        Path,
		Description: "coin hopper on the 0xAA board protocol",
		Models:      []string{"HP-10"},
		Params: []registry.ParamDescriptor{
			{Name: KeyMaxDispense, Type: registry.TypeInt, Default: 100, Min: registry.Limit(1), Max: registry.Limit(0xFFFF), Description: "largest single dispense"},
			{Name: KeySpeed, Type: registry.TypeInt, Default: 5, Min: registry.Limit(minSpeed), Max: registry.Limit(maxSpeed), Description: "motor speed 1..10"},
			{Name: KeyNearEmpty, Type: registry.TypeInt, Default: 20, Min: registry.Limit(0), Description: "coin level reported as near empty"},
		},
		Link:     transport.Parameters{BaudRate: 9600},
		Factory:  Factory,
		Emulator: func() transport.Responder { return NewEmulator(500).Respond },
		Source:   "builtin",
	}
}

// Library 注册内置出币器驱动
func Library(reg *registry.Registry) error {
	_, err := reg.Register(Descriptor())
	return err
}
