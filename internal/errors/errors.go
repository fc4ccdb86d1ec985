package errors

import (
	stderrors "errors"
	"fmt"
	"runtime"
	"strings"
)

// ErrorCode 错误码类型
type ErrorCode int

// 错误码定义（按故障类别分组）
const (
	// 通用错误 (1000-1999)
	ErrUnknown        ErrorCode = 1000
	ErrInvalidParam   ErrorCode = 1001
	ErrNotFound       ErrorCode = 1002
	ErrAlreadyExists  ErrorCode = 1003
	ErrTimeout        ErrorCode = 1005
	ErrCanceled       ErrorCode = 1006
	ErrNotImplemented ErrorCode = 1007
	ErrNotReady       ErrorCode = 1008

	// 传输错误 (2000-2999)
	ErrTransportOpen    ErrorCode = 2000
	ErrTransportWrite   ErrorCode = 2001
	ErrTransportRead    ErrorCode = 2002
	ErrTransportTimeout ErrorCode = 2003
	ErrTransportClosed  ErrorCode = 2004
	ErrDeviceOffline    ErrorCode = 2005

	// 协议错误 (3000-3999)
	ErrFrameTooLarge    ErrorCode = 3000
	ErrFrameMalformed   ErrorCode = 3001
	ErrChecksum         ErrorCode = 3002
	ErrUnexpectedAnswer ErrorCode = 3003

	// 设备错误 (4000-4999)
	ErrDeviceNACK  ErrorCode = 4000
	ErrDeviceBusy  ErrorCode = 4001
	ErrDeviceFault ErrorCode = 4002
	ErrIdentify    ErrorCode = 4003

	// 配置错误 (6000-6999)
	ErrConfigLoad     ErrorCode = 6000
	ErrConfigParse    ErrorCode = 6001
	ErrConfigValidate ErrorCode = 6002
	ErrConfigMissing  ErrorCode = 6003
	ErrUnknownDriver  ErrorCode = 6004
	ErrInvalidHandle  ErrorCode = 6005
	ErrInvalidPath    ErrorCode = 6006
)

// 错误码消息映射
var errorMessages = map[ErrorCode]string{
	ErrUnknown:        "未知错误",
	ErrInvalidParam:   "无效的参数",
	ErrNotFound:       "资源未找到",
	ErrAlreadyExists:  "资源已存在",
	ErrTimeout:        "操作超时",
	ErrCanceled:       "操作已取消",
	ErrNotImplemented: "功能未实现",
	ErrNotReady:       "设备未就绪",

	ErrTransportOpen:    "端口打开失败",
	ErrTransportWrite:   "端口写入失败",
	ErrTransportRead:    "端口读取失败",
	ErrTransportTimeout: "端口通信超时",
	ErrTransportClosed:  "端口未打开",
	ErrDeviceOffline:    "设备离线",

	ErrFrameTooLarge:    "命令超过最大帧长度",
	ErrFrameMalformed:   "帧格式错误",
	ErrChecksum:         "校验失败",
	ErrUnexpectedAnswer: "无效的设备响应",

	ErrDeviceNACK:  "设备拒绝命令",
	ErrDeviceBusy:  "设备忙",
	ErrDeviceFault: "设备故障",
	ErrIdentify:    "设备识别失败",

	ErrConfigLoad:     "配置加载失败",
	ErrConfigParse:    "配置解析失败",
	ErrConfigValidate: "配置验证失败",
	ErrConfigMissing:  "配置项缺失",
	ErrUnknownDriver:  "未知的驱动路径",
	ErrInvalidHandle:  "无效的实例句柄",
	ErrInvalidPath:    "无效的驱动路径",
}

// Category 故障类别
type Category int

const (
	CategoryNone Category = iota
	CategoryTransport
	CategoryProtocol
	CategoryDevice
	CategoryConfiguration
	CategoryOther
)

func (c Category) String() string {
	switch c {
	case CategoryNone:
		return "none"
	case CategoryTransport:
		return "transport"
	case CategoryProtocol:
		return "protocol"
	case CategoryDevice:
		return "device"
	case CategoryConfiguration:
		return "configuration"
	default:
		return "other"
	}
}

// Category 根据错误码区间返回类别
func (c ErrorCode) Category() Category {
	switch {
	case c >= 2000 && c < 3000:
		return CategoryTransport
	case c >= 3000 && c < 4000:
		return CategoryProtocol
	case c >= 4000 && c < 5000:
		return CategoryDevice
	case c >= 6000 && c < 7000:
		return CategoryConfiguration
	default:
		return CategoryOther
	}
}

// AppError 应用错误结构
type AppError struct {
	Code       ErrorCode    `json:"code"`                  // 错误码
	Message    string       `json:"message"`               // 错误消息
	Details    string       `json:"details"`               // 详细信息
	DeviceCode int          `json:"device_code,omitempty"` // 设备上报的原始错误码
	Cause      error        `json:"-"`                     // 原始错误
	Stack      []StackFrame `json:"stack,omitempty"`       // 调用栈
}

// StackFrame 调用栈帧
type StackFrame struct {
	Function string `json:"function"`
	File     string `json:"file"`
	Line     int    `json:"line"`
}

// Error 实现error接口
func (e *AppError) Error() string {
	if e.Details != "" {
		return fmt.Sprintf("[%d] %s: %s", e.Code, e.Message, e.Details)
	}
	return fmt.Sprintf("[%d] %s", e.Code, e.Message)
}

// Unwrap 返回原始错误
func (e *AppError) Unwrap() error {
	return e.Cause
}

// WithDetails 添加详细信息
func (e *AppError) WithDetails(details string) *AppError {
	e.Details = details
	return e
}

// WithCause 添加原因错误
func (e *AppError) WithCause(cause error) *AppError {
	e.Cause = cause
	if cause != nil && e.Details == "" {
		e.Details = cause.Error()
	}
	return e
}

// WithDeviceCode 附加设备错误码
func (e *AppError) WithDeviceCode(code int) *AppError {
	e.DeviceCode = code
	return e
}

// New 创建新的应用错误
func New(code ErrorCode, details ...string) *AppError {
	message, ok := errorMessages[code]
	if !ok {
		message = errorMessages[ErrUnknown]
	}

	err := &AppError{
		Code:    code,
		Message: message,
	}

	if len(details) > 0 {
		err.Details = strings.Join(details, "; ")
	}

	err.captureStack(2)

	return err
}

// Newf 创建格式化的应用错误
func Newf(code ErrorCode, format string, args ...interface{}) *AppError {
	return New(code, fmt.Sprintf(format, args...))
}

// Wrap 包装错误
func Wrap(err error, code ErrorCode, details ...string) *AppError {
	if err == nil {
		return nil
	}

	// 已经是AppError时保留原始错误码
	if appErr, ok := As(err); ok {
		if len(details) > 0 {
			appErr.Details = strings.Join(details, "; ") + "; " + appErr.Details
		}
		return appErr
	}

	appErr := New(code, details...)
	appErr.Cause = err
	if appErr.Details == "" {
		appErr.Details = err.Error()
	}

	return appErr
}

// Wrapf 包装格式化错误
func Wrapf(err error, code ErrorCode, format string, args ...interface{}) *AppError {
	return Wrap(err, code, fmt.Sprintf(format, args...))
}

// As 在错误链中查找AppError
func As(err error) (*AppError, bool) {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr, true
	}
	return nil, false
}

// Is 判断错误是否为指定错误码
func Is(err error, code ErrorCode) bool {
	appErr, ok := As(err)
	return ok && appErr.Code == code
}

// GetCode 获取错误码
func GetCode(err error) ErrorCode {
	if err == nil {
		return 0
	}
	if appErr, ok := As(err); ok {
		return appErr.Code
	}
	return ErrUnknown
}

// CategoryOf 获取错误类别
func CategoryOf(err error) Category {
	if err == nil {
		return CategoryNone
	}
	return GetCode(err).Category()
}

// DeviceCodeOf 获取设备上报的错误码
func DeviceCodeOf(err error) (int, bool) {
	appErr, ok := As(err)
	if !ok || appErr.Code.Category() != CategoryDevice {
		return 0, false
	}
	return appErr.DeviceCode, true
}

// captureStack 捕获调用栈
func (e *AppError) captureStack(skip int) {
	pcs := make([]uintptr, 32)
	n := runtime.Callers(skip+1, pcs)
	if n == 0 {
		return
	}

	frames := runtime.CallersFrames(pcs[:n])
	for {
		frame, more := frames.Next()

		// 跳过runtime和本包的调用
		if strings.Contains(frame.Function, "runtime.") ||
			strings.Contains(frame.Function, "github.com/wfunc/kiosk-devices/internal/errors") {
			if !more {
				break
			}
			continue
		}

		e.Stack = append(e.Stack, StackFrame{
			Function: frame.Function,
			File:     frame.File,
			Line:     frame.Line,
		})

		// 只保留前10个栈帧
		if !more || len(e.Stack) >= 10 {
			break
		}
	}
}

// GetStack 获取格式化的调用栈
func (e *AppError) GetStack() string {
	if len(e.Stack) == 0 {
		return ""
	}

	var builder strings.Builder
	for i, frame := range e.Stack {
		builder.WriteString(fmt.Sprintf("%d. %s\n   %s:%d\n",
			i+1, frame.Function, frame.File, frame.Line))
	}
	return builder.String()
}

// HTTPStatus 返回对应的HTTP状态码
func (e *AppError) HTTPStatus() int {
	switch {
	case e.Code == ErrNotFound, e.Code == ErrUnknownDriver, e.Code == ErrInvalidHandle:
		return 404
	case e.Code == ErrInvalidParam, e.Code == ErrInvalidPath:
		return 400
	case e.Code == ErrAlreadyExists:
		return 409
	case e.Code == ErrTimeout, e.Code == ErrTransportTimeout:
		return 504
	case e.Code.Category() == CategoryConfiguration:
		return 422
	case e.Code.Category() == CategoryTransport, e.Code == ErrNotReady:
		return 503
	case e.Code.Category() == CategoryProtocol, e.Code.Category() == CategoryDevice:
		return 502
	default:
		return 500
	}
}

// IsRetryable 判断错误是否可由协议引擎重试（传输/协议类）
func IsRetryable(err error) bool {
	switch CategoryOf(err) {
	case CategoryTransport, CategoryProtocol:
		return true
	default:
		return false
	}
}

// IsCritical 判断是否为严重错误
func IsCritical(err error) bool {
	switch GetCode(err) {
	case ErrConfigLoad, ErrConfigMissing, ErrUnknownDriver:
		return true
	default:
		return false
	}
}
