// Package watchdog 看门狗板（Modbus RTU）
package watchdog

import (
	"context"
	"fmt"
	"time"

	"github.com/wfunc/kiosk-devices/internal/device"
	"github.com/wfunc/kiosk-devices/internal/errors"
	"github.com/wfunc/kiosk-devices/internal/params"
	"github.com/wfunc/kiosk-devices/internal/protocol"
	"github.com/wfunc/kiosk-devices/internal/registry"
	"github.com/wfunc/kiosk-devices/internal/status"
	"github.com/wfunc/kiosk-devices/internal/transport"
	"go.uber.org/zap"
)

// Path 内置驱动路径
const Path = "Kiosk.Watchdog.Modbus"

// 寄存器地址
const (
	RegIdentity    uint16 = 0x0000 // 保持寄存器 0..3：型号、固件、序列号高低字
	RegFeedTimeout uint16 = 0x0010 // 保持寄存器：喂狗超时（秒），写入即喂狗
	RegStatus      uint16 = 0x0000 // 输入寄存器：状态位
	CoilReset      uint16 = 0x0000
)

// 配置键
const (
	KeySlaveID     = "slave_id"
	KeyFeedTimeout = "feed_timeout"
	KeyAutoFeed    = "auto_feed"
)

var statusBits = status.BitMap{
	0: status.WatchdogTripped,
	1: status.PowerLoss,
	2: status.DoorOpen,
	3: status.Error,
}

// Cleaner 看门狗动作取代通用错误
var Cleaner = status.PriorityCleaner{
	Supersedes: map[status.Code][]status.Code{
		status.WatchdogTripped: {status.Error},
	},
}

// Watchdog 看门狗协议
type Watchdog struct {
	engine *protocol.Engine
	params *params.Store
	log    *zap.Logger

	lastFeed time.Time // 只在轮询协程或串行命令内访问
}

// New 创建看门狗协议
func New(engine *protocol.Engine, store *params.Store, log *zap.Logger) *Watchdog {
	if log == nil {
		log = zap.NewNop()
	}
	return &Watchdog{engine: engine, params: store, log: log}
}

func (w *Watchdog) readRegisters(ctx context.Context, pdu []byte) ([]uint16, error) {
	answer, err := w.engine.Process(ctx, pdu, &protocol.Options{MinAnswer: 2})
	if err != nil {
		return nil, err
	}
	if answer[0] != pdu[0] {
		return nil, errors.Newf(errors.ErrUnexpectedAnswer, "function 0x%02X, expected 0x%02X", answer[0], pdu[0])
	}
	return protocol.RegisterValues(answer)
}

func (w *Watchdog) write(ctx context.Context, pdu []byte) error {
	answer, err := w.engine.Process(ctx, pdu, &protocol.Options{MinAnswer: 5})
	if err != nil {
		return err
	}
	if string(answer[:5]) != string(pdu) {
		return errors.Newf(errors.ErrUnexpectedAnswer, "write echo % X", answer)
	}
	return nil
}

// Identify 读取识别寄存器
func (w *Watchdog) Identify(ctx context.Context) (device.Identity, error) {
	regs, err := w.readRegisters(ctx, protocol.ReadHoldingRegisters(RegIdentity, 4))
	if err != nil {
		return device.Identity{}, err
	}
	if len(regs) != 4 {
		return device.Identity{}, errors.Newf(errors.ErrIdentify, "%d identity registers", len(regs))
	}
	return device.Identity{
		Model:    fmt.Sprintf("WD-%d", regs[0]),
		Firmware: fmt.Sprintf("%d.%d", regs[1]>>8, regs[1]&0xFF),
		Serial:   fmt.Sprintf("%04X%04X", regs[2], regs[3]),
	}, nil
}

// QueryStatus 读取状态寄存器，开启自动喂狗时到期顺带喂狗
func (w *Watchdog) QueryStatus(ctx context.Context) (status.Collection, error) {
	regs, err := w.readRegisters(ctx, protocol.ReadInputRegisters(RegStatus, 1))
	if err != nil {
		return nil, err
	}
	if len(regs) != 1 {
		return nil, errors.Newf(errors.ErrUnexpectedAnswer, "%d status registers", len(regs))
	}
	codes := statusBits.Decode(uint32(regs[0]))

	if w.params.Bool(KeyAutoFeed, true) && !codes.Has(status.WatchdogTripped) &&
		time.Since(w.lastFeed) >= w.params.Duration(KeyFeedTimeout, 30*time.Second)/3 {
		if err := w.Feed(ctx); err != nil {
			w.log.Warn("自动喂狗失败", zap.Error(err))
		}
	}
	return codes, nil
}

// Feed 写入喂狗超时
func (w *Watchdog) Feed(ctx context.Context) error {
	timeout := w.params.Duration(KeyFeedTimeout, 30*time.Second)
	secs := int(timeout / time.Second)
	if secs < 1 || secs > 0xFFFF {
		return errors.Newf(errors.ErrInvalidParam, "feed timeout %s", timeout)
	}
	if err := w.write(ctx, protocol.WriteSingleRegister(RegFeedTimeout, uint16(secs))); err != nil {
		return err
	}
	w.lastFeed = time.Now()
	return nil
}

// Reset 写复位线圈
func (w *Watchdog) Reset(ctx context.Context) error {
	if err := w.write(ctx, protocol.WriteSingleCoil(CoilReset, true)); err != nil {
		return err
	}
	w.lastFeed = time.Time{}
	return nil
}

// Factory 注册表工厂
func Factory(env registry.Env) (registry.Driver, error) {
	slave := env.Params.Int(KeySlaveID, 1)
	if slave < 1 || slave > 247 {
		return registry.Driver{}, errors.Newf(errors.ErrConfigValidate, "%s %d out of 1..247", KeySlaveID, slave)
	}
	w := New(env.NewEngine(protocol.NewModbusRTU(byte(slave))), env.Params, env.Logger)
	return registry.Driver{
		Protocol: w,
		Cleaner:  Cleaner,
		Reactions: []device.Reaction{{
			Name: "rearm_after_trip",
			Code: status.WatchdogTripped,
			Edge: device.Onset,
			Fn: func(ctx context.Context, p params.Reader) error {
				w.log.Warn("看门狗已动作，复位")
				if err := w.Reset(ctx); err != nil {
					return err
				}
				if !p.Bool(KeyAutoFeed, true) {
					return nil
				}
				return w.Feed(ctx)
			},
		}},
		Capabilities: device.Capabilities{Watchdog: w},
	}, nil
}

// Descriptor 驱动描述
func Descriptor() registry.Descriptor {
	return registry.Descriptor{
		Path:        Path,
		Description: "kiosk watchdog board over Modbus RTU",
		Models:      []string{"WD-1"},
		Params: []registry.ParamDescriptor{
			{Name: KeySlaveID, Type: registry.TypeInt, Default: 1, Description: "modbus slave address"},
			{Name: KeyFeedTimeout, Type: registry.TypeDuration, Default: "30s", Description: "board reboots the kiosk when not fed in time"},
			{Name: KeyAutoFeed, Type: registry.TypeBool, Default: true, Description: "feed from the poll loop"},
		},
		Link:     transport.Parameters{BaudRate: 19200},
		Factory:  Factory,
		Emulator: func() transport.Responder { return NewEmulator(1).Respond },
		Source:   "builtin",
	}
}

// Library 注册内置看门狗驱动
func Library(reg *registry.Registry) error {
	_, err := reg.Register(Descriptor())
	return err
}
