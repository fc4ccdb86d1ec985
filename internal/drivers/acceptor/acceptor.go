// Package acceptor 纸币/硬币接收器（0xAA 帧）
package acceptor

import (
	"context"

	"github.com/wfunc/kiosk-devices/internal/device"
	"github.com/wfunc/kiosk-devices/internal/drivers/aabus"
	"github.com/wfunc/kiosk-devices/internal/params"
	"github.com/wfunc/kiosk-devices/internal/protocol"
	"github.com/wfunc/kiosk-devices/internal/registry"
	"github.com/wfunc/kiosk-devices/internal/status"
	"github.com/wfunc/kiosk-devices/internal/transport"
	"go.uber.org/zap"
)

// Path 内置驱动路径
const Path = "Kiosk.Acceptor.Generic"

// 命令码
const (
	CmdEnable  byte = 0x23
	CmdDisable byte = 0x24
)

// 配置键
const (
	KeyAcceptanceEnabled = "acceptance_enabled"
	KeyDenominations     = "denominations"
)

// 状态字各位
var statusBits = status.BitMap{
	0: status.Cheated,
	1: status.Jammed,
	2: status.StackerOpen,
	3: status.StackerFull,
	4: status.Rejected,
	5: status.Busy,
	6: status.Error,
	8: status.Polling,
}

// Cleaner 卡币码取代通用错误码，忙碌状态不上报
var Cleaner = status.PriorityCleaner{
	Supersedes: map[status.Code][]status.Code{
		status.Jammed:      {status.Error},
		status.StackerOpen: {status.Error, status.StackerFull},
	},
	Drop: []status.Code{status.Busy},
}

// Acceptor 接收器协议
type Acceptor struct {
	*aabus.Client
	params *params.Store
	log    *zap.Logger

	enabled *bool // 最近一次下发的接收开关，只在轮询协程内访问
}

// New 创建接收器协议
func New(engine *protocol.Engine, store *params.Store, log *zap.Logger) *Acceptor {
	if log == nil {
		log = zap.NewNop()
	}
	return &Acceptor{
		Client: aabus.NewClient(engine),
		params: store,
		log:    log,
	}
}

// QueryStatus 查询状态字
func (a *Acceptor) QueryStatus(ctx context.Context) (status.Collection, error) {
	word, _, err := a.Status(ctx)
	if err != nil {
		return nil, err
	}
	return statusBits.Decode(uint32(word)), nil
}

// EnableAcceptance 按面额掩码开启接收
func (a *Acceptor) EnableAcceptance(ctx context.Context) error {
	mask := byte(a.params.Int(KeyDenominations, 0xFF))
	if err := a.Ack(ctx, CmdEnable, mask); err != nil {
		return err
	}
	on := true
	a.enabled = &on
	return nil
}

// DisableAcceptance 关闭接收
func (a *Acceptor) DisableAcceptance(ctx context.Context) error {
	if err := a.Ack(ctx, CmdDisable); err != nil {
		return err
	}
	off := false
	a.enabled = &off
	return nil
}

// rearm 作弊标志消失且接收开启时复位并重新开启接收
func (a *Acceptor) rearm(ctx context.Context, p params.Reader) error {
	if !p.Bool(KeyAcceptanceEnabled, true) {
		return nil
	}
	a.log.Info("作弊标志已清除，复位并重新开启接收")
	if err := a.Reset(ctx); err != nil {
		return err
	}
	return a.EnableAcceptance(ctx)
}

// applyParams 接收开关变化时下发
func (a *Acceptor) applyParams(ctx context.Context, p params.Reader) {
	want := p.Bool(KeyAcceptanceEnabled, true)
	if a.enabled != nil && *a.enabled == want {
		return
	}
	var err error
	if want {
		err = a.EnableAcceptance(ctx)
	} else {
		err = a.DisableAcceptance(ctx)
	}
	if err != nil {
		a.log.Warn("下发接收开关失败", zap.Bool("enabled", want), zap.Error(err))
	}
}

// Factory 注册表工厂
func Factory(env registry.Env) (registry.Driver, error) {
	a := New(env.NewEngine(protocol.NewFrameAA()), env.Params, env.Logger)
	return registry.Driver{
		Protocol: a,
		Cleaner:  Cleaner,
		Reactions: []device.Reaction{{
			Name: "rearm_after_cheat",
			Code: status.Cheated,
			Edge: device.Cleared,
			Fn:   a.rearm,
		}},
		Capabilities:    device.Capabilities{Acceptor: a},
		OnParamsChanged: a.applyParams,
	}, nil
}

// Descriptor 驱动描述
func Descriptor() registry.Descriptor {
	return registry.Descriptor{
		Path:        Path,
		Description: "bill/coin acceptor on the 0xAA board protocol",
		Models:      []string{"AC-100", "AC-200"},
		Params: []registry.ParamDescriptor{
			{Name: KeyAcceptanceEnabled, Type: registry.TypeBool, Default: true, Description: "re-arm acceptance after recovery"},
			{Name: KeyDenominations, Type: registry.TypeInt, Default: 0xFF, Description: "enabled denomination mask"},
		},
		Link:     transport.Parameters{BaudRate: 9600},
		Factory:  Factory,
		Emulator: func() transport.Responder { return NewEmulator().Respond },
		Source:   "builtin",
	}
}

// Library 注册内置接收器驱动
func Library(reg *registry.Registry) error {
	_, err := reg.Register(Descriptor())
	return err
}
