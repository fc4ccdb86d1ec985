package protocol

import (
	stderrors "errors"
)

// ErrIncomplete 缓冲区中还没有完整的帧
var ErrIncomplete = stderrors.New("protocol: incomplete frame")

// Framer 帧编解码器
//
// Decode 从 buf 头部解析一帧：成功时返回应答载荷和消耗的字节数；
// 返回 ErrIncomplete 时 n 表示可以丢弃的前导噪声字节数（可能为0），
// 调用方需要继续读取。其他错误表示协议或设备失败。
type Framer interface {
	Encode(cmd []byte) ([]byte, error)
	Decode(buf []byte) (answer []byte, n int, err error)
	MaxPayload() int
}
