// Package printer 票据打印机（STX/ETX 帧）
package printer

import (
	"context"
	"strings"

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
const Path = "Kiosk.Printer.Thermal"

// 命令字节
const (
	CmdIdentify byte = 'I'
	CmdStatus   byte = 'S'
	CmdReset    byte = 'R'
	CmdPrint    byte = 'P'
	CmdCut      byte = 'C'
)

// 配置键
const (
	KeyLineWidth = "line_width"
	KeyCut       = "cut"
)

var statusBits = status.BitMap{
	0: status.PaperNearEnd,
	1: status.PaperEnd,
	2: status.PaperJam,
	3: status.HeadOpen,
	4: status.Busy,
}

// Cleaner 缺纸取代纸将尽，忙碌不上报
var Cleaner = status.PriorityCleaner{
	Supersedes: map[status.Code][]status.Code{
		status.PaperEnd: {status.PaperNearEnd},
		status.HeadOpen: {status.PaperJam},
	},
	Drop: []status.Code{status.Busy},
}

// Printer 打印机协议
type Printer struct {
	engine *protocol.Engine
	params *params.Store
	log    *zap.Logger
}

// New 创建打印机协议
func New(engine *protocol.Engine, store *params.Store, log *zap.Logger) *Printer {
	if log == nil {
		log = zap.NewNop()
	}
	return &Printer{engine: engine, params: store, log: log}
}

func (p *Printer) command(ctx context.Context, cmd byte, data []byte) ([]byte, error) {
	req := make([]byte, 0, 1+len(data))
	req = append(req, cmd)
	req = append(req, data...)
	return p.engine.Process(ctx, req, &protocol.Options{MinAnswer: 1})
}

func (p *Printer) ack(ctx context.Context, cmd byte, data []byte) error {
	answer, err := p.command(ctx, cmd, data)
	if err != nil {
		return err
	}
	if answer[0] != protocol.ACK {
		return errors.Newf(errors.ErrUnexpectedAnswer, "expected ACK to %q, got 0x%02X", cmd, answer[0])
	}
	return nil
}

// Identify 读取 "型号;固件"
func (p *Printer) Identify(ctx context.Context) (device.Identity, error) {
	answer, err := p.command(ctx, CmdIdentify, nil)
	if err != nil {
		return device.Identity{}, err
	}
	if answer[0] != CmdIdentify {
		return device.Identity{}, errors.Newf(errors.ErrUnexpectedAnswer, "identify answer %q", answer)
	}
	fields := strings.SplitN(string(answer[1:]), ";", 3)
	if fields[0] == "" {
		return device.Identity{}, errors.Newf(errors.ErrIdentify, "empty model in %q", answer)
	}
	id := device.Identity{Model: fields[0]}
	if len(fields) > 1 {
		id.Firmware = fields[1]
	}
	if len(fields) > 2 {
		id.Serial = fields[2]
	}
	return id, nil
}

// QueryStatus 读取状态标志字节
func (p *Printer) QueryStatus(ctx context.Context) (status.Collection, error) {
	answer, err := p.command(ctx, CmdStatus, nil)
	if err != nil {
		return nil, err
	}
	if len(answer) < 2 || answer[0] != CmdStatus {
		return nil, errors.Newf(errors.ErrUnexpectedAnswer, "status answer % X", answer)
	}
	return statusBits.Decode(uint32(answer[1])), nil
}

// Reset 复位打印机
func (p *Printer) Reset(ctx context.Context) error {
	return p.ack(ctx, CmdReset, nil)
}

// Print 按行宽折行后逐行发送，cut 开启时最后切纸
func (p *Printer) Print(ctx context.Context, data []byte) error {
	if len(data) == 0 {
		return errors.New(errors.ErrInvalidParam, "nothing to print")
	}
	width := p.params.Int(KeyLineWidth, 48)
	if width <= 0 || width >= protocol.NewFrameSTX().MaxPayload() {
		width = 48
	}
	lines := wrap(data, width)
	for i, line := range lines {
		if err := p.ack(ctx, CmdPrint, line); err != nil {
			return errors.Wrapf(err, errors.ErrDeviceFault, "line %d of %d", i+1, len(lines))
		}
	}
	if p.params.Bool(KeyCut, true) {
		if err := p.ack(ctx, CmdCut, nil); err != nil {
			return err
		}
	}
	p.log.Info("打印完成", zap.Int("lines", len(lines)), zap.Int("bytes", len(data)))
	return nil
}

// wrap 按换行符和行宽切分
func wrap(data []byte, width int) [][]byte {
	var out [][]byte
	for _, line := range strings.Split(string(data), "\n") {
		b := []byte(line)
		for len(b) > width {
			out = append(out, b[:width])
			b = b[width:]
		}
		out = append(out, b)
	}
	return out
}

// Factory 注册表工厂
func Factory(env registry.Env) (registry.Driver, error) {
	p := New(env.NewEngine(protocol.NewFrameSTX()), env.Params, env.Logger)
	return registry.Driver{
		Protocol: p,
		Cleaner:  Cleaner,
		Reactions: []device.Reaction{{
			Name: "paper_near_end_warning",
			Code: status.PaperNearEnd,
			Edge: device.Onset,
			Fn: func(context.Context, params.Reader) error {
				p.log.Warn("打印纸将尽")
				return nil
			},
		}},
		Capabilities: device.Capabilities{Printer: p},
	}, nil
}

// Descriptor 驱动描述
func Descriptor() registry.Descriptor {
	return registry.Descriptor{
		Path:        Path,
		Description: "thermal receipt printer on STX/ETX framing",
		Models:      []string{"TP-80"},
		Params: []registry.ParamDescriptor{
			{Name: KeyLineWidth, Type: registry.TypeInt, Default: 48, Description: "characters per printed line"},
			{Name: KeyCut, Type: registry.TypeBool, Default: true, Description: "cut the paper after each receipt"},
		},
		Link:     transport.Parameters{BaudRate: 19200},
		Factory:  Factory,
		Emulator: func() transport.Responder { return NewEmulator().Respond },
		Source:   "builtin",
	}
}

// Library 注册内置打印机驱动
func Library(reg *registry.Registry) error {
	_, err := reg.Register(Descriptor())
	return err
}
