package device

import (
	"context"

	"github.com/wfunc/kiosk-devices/internal/errors"
)

// Acceptor 纸币/硬币接收
type Acceptor interface {
	EnableAcceptance(ctx context.Context) error
	DisableAcceptance(ctx context.Context) error
}

// Dispenser 出钞/出币，返回实际出货数量
type Dispenser interface {
	Dispense(ctx context.Context, count int) (int, error)
}

// Printer 票据打印
type Printer interface {
	Print(ctx context.Context, data []byte) error
}

// Watchdog 看门狗喂狗
type Watchdog interface {
	Feed(ctx context.Context) error
}

// Capabilities 构造时登记的能力，未提供的能力为空
type Capabilities struct {
	Acceptor  Acceptor
	Dispenser Dispenser
	Printer   Printer
	Watchdog  Watchdog
}

// Names 已登记能力的名称
func (c Capabilities) Names() []string {
	var out []string
	if c.Acceptor != nil {
		out = append(out, "acceptor")
	}
	if c.Dispenser != nil {
		out = append(out, "dispenser")
	}
	if c.Printer != nil {
		out = append(out, "printer")
	}
	if c.Watchdog != nil {
		out = append(out, "watchdog")
	}
	return out
}

// Capabilities 已登记的能力名称
func (d *Device) Capabilities() []string {
	return d.caps.Names()
}

// Acceptor 接收能力句柄，调用经由轮询协程串行执行
func (d *Device) Acceptor() (Acceptor, bool) {
	if d.caps.Acceptor == nil {
		return nil, false
	}
	return acceptorHandle{d: d, impl: d.caps.Acceptor}, true
}

// Dispenser 出货能力句柄
func (d *Device) Dispenser() (Dispenser, bool) {
	if d.caps.Dispenser == nil {
		return nil, false
	}
	return dispenserHandle{d: d, impl: d.caps.Dispenser}, true
}

// Printer 打印能力句柄
func (d *Device) Printer() (Printer, bool) {
	if d.caps.Printer == nil {
		return nil, false
	}
	return printerHandle{d: d, impl: d.caps.Printer}, true
}

// Watchdog 看门狗能力句柄
func (d *Device) Watchdog() (Watchdog, bool) {
	if d.caps.Watchdog == nil {
		return nil, false
	}
	return watchdogHandle{d: d, impl: d.caps.Watchdog}, true
}

// call 设备就绪时在轮询协程内执行
func (d *Device) call(ctx context.Context, name string, fn func(ctx context.Context) error) error {
	if !d.IsReady() {
		return errors.Newf(errors.ErrNotReady, "%s: %s while %s", d.path, name, d.State())
	}
	return d.Execute(ctx, name, fn)
}

type acceptorHandle struct {
	d    *Device
	impl Acceptor
}

func (h acceptorHandle) EnableAcceptance(ctx context.Context) error {
	return h.d.call(ctx, "enable_acceptance", h.impl.EnableAcceptance)
}

func (h acceptorHandle) DisableAcceptance(ctx context.Context) error {
	return h.d.call(ctx, "disable_acceptance", h.impl.DisableAcceptance)
}

type dispenserHandle struct {
	d    *Device
	impl Dispenser
}

func (h dispenserHandle) Dispense(ctx context.Context, count int) (int, error) {
	if count <= 0 {
		return 0, errors.Newf(errors.ErrInvalidParam, "dispense count %d", count)
	}
	result := make(chan int, 1)
	err := h.d.call(ctx, "dispense", func(ctx context.Context) error {
		n, err := h.impl.Dispense(ctx, count)
		result <- n
		return err
	})
	select {
	case n := <-result:
		return n, err
	default:
		return 0, err
	}
}

type printerHandle struct {
	d    *Device
	impl Printer
}

func (h printerHandle) Print(ctx context.Context, data []byte) error {
	return h.d.call(ctx, "print", func(ctx context.Context) error {
		return h.impl.Print(ctx, data)
	})
}

type watchdogHandle struct {
	d    *Device
	impl Watchdog
}

func (h watchdogHandle) Feed(ctx context.Context) error {
	return h.d.call(ctx, "feed", h.impl.Feed)
}
