// Package drivers 内置设备族
package drivers

import (
	"github.com/wfunc/kiosk-devices/internal/drivers/acceptor"
	"github.com/wfunc/kiosk-devices/internal/drivers/hopper"
	"github.com/wfunc/kiosk-devices/internal/drivers/printer"
	"github.com/wfunc/kiosk-devices/internal/drivers/watchdog"
	"github.com/wfunc/kiosk-devices/internal/registry"
)

// Library 设备族注册函数
type Library func(reg *registry.Registry) error

// Libraries 内置设备族，按注册顺序
var Libraries = []Library{
	acceptor.Library,
	hopper.Library,
	printer.Library,
	watchdog.Library,
}

// Builtin 注册全部内置设备族
func Builtin(reg *registry.Registry) error {
	for _, lib := range Libraries {
		if err := lib(reg); err != nil {
			return err
		}
	}
	return nil
}
