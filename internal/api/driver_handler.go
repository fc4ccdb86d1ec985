package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/wfunc/kiosk-devices/internal/registry"
)

// DriverHandler 驱动查询
type DriverHandler struct {
	reg *registry.Registry
}

// NewDriverHandler 创建驱动处理器
func NewDriverHandler(reg *registry.Registry) *DriverHandler {
	return &DriverHandler{reg: reg}
}

// DriverInfo 驱动概要
type DriverInfo struct {
	Path        string   `json:"path"`
	Description string   `json:"description,omitempty"`
	Models      []string `json:"models,omitempty"`
	Source      string   `json:"source,omitempty"`
	Emulated    bool     `json:"emulated"`
	ParamsURL   string   `json:"params_url"`
}

// List 按过滤器列出驱动
func (h *DriverHandler) List(c *gin.Context) {
	filter := c.Query("filter")
	if filter != "" {
		if err := registry.ValidateFilter(filter); err != nil {
			respondError(c, err)
			return
		}
	}

	paths := h.reg.ListAvailable(filter)
	out := make([]DriverInfo, 0, len(paths))
	for _, p := range paths {
		info := DriverInfo{Path: p, ParamsURL: "/api/v1/drivers/" + p + "/schema"}
		if d, ok := h.reg.Descriptor(p); ok {
			info.Description = d.Description
			info.Models = d.Models
			info.Source = d.Source
			info.Emulated = d.Emulator != nil
		}
		out = append(out, info)
	}
	c.JSON(http.StatusOK, gin.H{
		"data":  out,
		"count": len(out),
	})
}

// Schema 驱动参数表
func (h *DriverHandler) Schema(c *gin.Context) {
	path := c.Param("path")
	schema, err := h.reg.ParameterSchema(path)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"path":   registry.DriverPath(path),
		"params": schema,
	})
}
