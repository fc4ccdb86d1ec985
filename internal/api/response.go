package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/wfunc/kiosk-devices/internal/device"
	"github.com/wfunc/kiosk-devices/internal/errors"
	"github.com/wfunc/kiosk-devices/internal/registry"
	"github.com/wfunc/kiosk-devices/internal/status"
)

// ErrorResponse 错误响应
type ErrorResponse struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
}

// respondError 按错误码映射HTTP状态
func respondError(c *gin.Context, err error) {
	appErr, ok := errors.As(err)
	if !ok {
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Code:    int(errors.ErrUnknown),
			Message: "内部错误",
			Details: err.Error(),
		})
		return
	}
	c.JSON(appErr.HTTPStatus(), ErrorResponse{
		Code:    int(appErr.Code),
		Message: appErr.Message,
		Details: appErr.Details,
	})
}

// badRequest 参数错误
func badRequest(c *gin.Context, details string) {
	c.JSON(http.StatusBadRequest, ErrorResponse{
		Code:    int(errors.ErrInvalidParam),
		Message: "参数错误",
		Details: details,
	})
}

// CodeInfo 状态码说明
type CodeInfo struct {
	Code        status.Code     `json:"code"`
	Severity    status.Severity `json:"severity"`
	Description string          `json:"description"`
}

// StatusResponse 实例状态
type StatusResponse struct {
	Handle    registry.Handle `json:"handle"`
	Path      string          `json:"path"`
	State     device.State    `json:"state"`
	Ready     bool            `json:"ready"`
	Severity  status.Severity `json:"severity"`
	Codes     []CodeInfo      `json:"codes"`
	Identity  device.Identity `json:"identity"`
	LastError string          `json:"last_error,omitempty"`
	Time      time.Time       `json:"time"`
}

func statusOf(inst registry.Instance, d *device.Device) StatusResponse {
	catalog := d.Catalog()
	current := d.Status()
	resp := StatusResponse{
		Handle:   inst.Handle,
		Path:     inst.Path,
		State:    d.State(),
		Ready:    d.IsReady(),
		Severity: current.MaxSeverity(catalog),
		Codes:    make([]CodeInfo, 0, current.Len()),
		Identity: d.Identity(),
		Time:     time.Now(),
	}
	for _, code := range current.Codes() {
		resp.Codes = append(resp.Codes, CodeInfo{
			Code:        code,
			Severity:    catalog.SeverityOf(code),
			Description: catalog.Describe(code),
		})
	}
	if err := d.LastError(); err != nil {
		resp.LastError = err.Error()
	}
	return resp
}
