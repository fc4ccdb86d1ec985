// Package aabus 0xAA 帧板卡的公共命令：识别、状态字、复位
package aabus

import (
	"context"
	"encoding/binary"
	"strings"

	"github.com/wfunc/kiosk-devices/internal/device"
	"github.com/wfunc/kiosk-devices/internal/errors"
	"github.com/wfunc/kiosk-devices/internal/protocol"
)

// 公共命令码
const (
	CmdIdentify  byte = 0x30
	CmdGetStatus byte = 0x21
	CmdReset     byte = 0x22
)

// Client 板卡命令客户端
type Client struct {
	engine *protocol.Engine
}

// NewClient 创建客户端
func NewClient(engine *protocol.Engine) *Client {
	return &Client{engine: engine}
}

// Engine 底层协议引擎
func (c *Client) Engine() *protocol.Engine {
	return c.engine
}

// Command 发送命令，应答命令码必须与请求一致，返回应答数据
func (c *Client) Command(ctx context.Context, cmd byte, data ...byte) ([]byte, error) {
	req := make([]byte, 0, 1+len(data))
	req = append(req, cmd)
	req = append(req, data...)

	answer, err := c.engine.Process(ctx, req, &protocol.Options{MinAnswer: 1})
	if err != nil {
		return nil, err
	}
	if answer[0] != cmd {
		return nil, errors.Newf(errors.ErrUnexpectedAnswer, "answer 0x%02X to command 0x%02X", answer[0], cmd)
	}
	return answer[1:], nil
}

// Ack 发送命令并要求 ACK 应答
func (c *Client) Ack(ctx context.Context, cmd byte, data ...byte) error {
	req := make([]byte, 0, 1+len(data))
	req = append(req, cmd)
	req = append(req, data...)

	answer, err := c.engine.Process(ctx, req, &protocol.Options{MinAnswer: 1})
	if err != nil {
		return err
	}
	if answer[0] != protocol.AACmdACK {
		return errors.Newf(errors.ErrUnexpectedAnswer, "expected ACK to 0x%02X, got 0x%02X", cmd, answer[0])
	}
	return nil
}

// Identify 读取 "型号;固件;序列号"
func (c *Client) Identify(ctx context.Context) (device.Identity, error) {
	data, err := c.Command(ctx, CmdIdentify)
	if err != nil {
		return device.Identity{}, err
	}
	return ParseIdentity(data)
}

// ParseIdentity 解析识别应答
func ParseIdentity(data []byte) (device.Identity, error) {
	fields := strings.Split(string(data), ";")
	if len(fields) == 0 || fields[0] == "" {
		return device.Identity{}, errors.Newf(errors.ErrUnexpectedAnswer, "identify answer %q", data)
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

// Status 读取状态字和附加数据
func (c *Client) Status(ctx context.Context) (uint16, []byte, error) {
	data, err := c.Command(ctx, CmdGetStatus)
	if err != nil {
		return 0, nil, err
	}
	if len(data) < 2 {
		return 0, nil, errors.Newf(errors.ErrUnexpectedAnswer, "status answer % X", data)
	}
	return binary.BigEndian.Uint16(data), data[2:], nil
}

// Reset 复位板卡
func (c *Client) Reset(ctx context.Context) error {
	return c.Ack(ctx, CmdReset)
}
