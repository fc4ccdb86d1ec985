package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/wfunc/kiosk-devices/internal/device"
	"github.com/wfunc/kiosk-devices/internal/errors"
	"github.com/wfunc/kiosk-devices/internal/registry"
	"github.com/wfunc/kiosk-devices/internal/transport"
	"go.uber.org/zap"
)

// InstanceHandler 实例管理
type InstanceHandler struct {
	reg *registry.Registry
	log *zap.Logger
}

// NewInstanceHandler 创建实例处理器
func NewInstanceHandler(reg *registry.Registry, log *zap.Logger) *InstanceHandler {
	return &InstanceHandler{reg: reg, log: log}
}

// CreateInstanceRequest 创建实例请求
type CreateInstanceRequest struct {
	Path      string                 `json:"path" binding:"required"`
	Transport string                 `json:"transport"`
	Port      string                 `json:"port"`
	Backend   string                 `json:"backend"`
	BaudRate  int                    `json:"baud_rate"`
	DataBits  int                    `json:"data_bits"`
	StopBits  int                    `json:"stop_bits"`
	Parity    string                 `json:"parity"`
	Timeout   string                 `json:"timeout"`
	Params    map[string]interface{} `json:"params"`
}

// InstanceConfig 转换为注册表配置
func (r CreateInstanceRequest) InstanceConfig() (registry.InstanceConfig, error) {
	cfg := registry.InstanceConfig{
		Transport: r.Transport,
		Port:      r.Port,
		Backend:   r.Backend,
		Link: transport.Parameters{
			BaudRate: r.BaudRate,
			DataBits: r.DataBits,
			StopBits: r.StopBits,
			Parity:   r.Parity,
		},
		Params: r.Params,
	}
	if r.Timeout != "" {
		d, err := time.ParseDuration(r.Timeout)
		if err != nil {
			return cfg, errors.Newf(errors.ErrInvalidParam, "timeout: %v", err)
		}
		cfg.Link.Timeout = d
	}
	return cfg, nil
}

// resolve 按句柄或实例路径查找
func (h *InstanceHandler) resolve(c *gin.Context) (registry.Instance, *device.Device, bool) {
	id := c.Param("id")
	handle := registry.Handle(id)
	if _, ok := h.reg.Info(handle); !ok {
		if byPath, found := h.reg.HandleOf(id); found {
			handle = byPath
		}
	}
	inst, ok := h.reg.Info(handle)
	if ok {
		if d, found := h.reg.Lookup(handle); found {
			return inst, d, true
		}
	}
	respondError(c, errors.Newf(errors.ErrInvalidHandle, "%s", id))
	return registry.Instance{}, nil, false
}

// List 实例列表
func (h *InstanceHandler) List(c *gin.Context) {
	instances := h.reg.Instances()
	c.JSON(http.StatusOK, gin.H{
		"data":  instances,
		"count": len(instances),
	})
}

// Create 创建实例
func (h *InstanceHandler) Create(c *gin.Context) {
	var req CreateInstanceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	cfg, err := req.InstanceConfig()
	if err != nil {
		respondError(c, err)
		return
	}

	handle, err := h.reg.CreateInstance(c.Request.Context(), req.Path, cfg)
	if err != nil {
		h.log.Warn("创建实例失败", zap.String("path", req.Path), zap.Error(err))
		respondError(c, err)
		return
	}
	inst, _ := h.reg.Info(handle)
	c.JSON(http.StatusCreated, inst)
}

// Get 实例信息
func (h *InstanceHandler) Get(c *gin.Context) {
	inst, d, ok := h.resolve(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"instance": inst,
		"state":    d.State(),
		"ready":    d.IsReady(),
		"identity": d.Identity(),
	})
}

// Delete 销毁实例
func (h *InstanceHandler) Delete(c *gin.Context) {
	inst, _, ok := h.resolve(c)
	if !ok {
		return
	}
	if err := h.reg.DestroyInstance(c.Request.Context(), inst.Handle); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// Status 当前状态
func (h *InstanceHandler) Status(c *gin.Context) {
	inst, d, ok := h.resolve(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, statusOf(inst, d))
}

// Params 当前配置
func (h *InstanceHandler) Params(c *gin.Context) {
	_, d, ok := h.resolve(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, gin.H{"params": d.Params().Snapshot()})
}

// Configure 修改配置
func (h *InstanceHandler) Configure(c *gin.Context) {
	inst, d, ok := h.resolve(c)
	if !ok {
		return
	}
	var values map[string]interface{}
	if err := c.ShouldBindJSON(&values); err != nil {
		badRequest(c, err.Error())
		return
	}
	if len(values) == 0 {
		badRequest(c, "no parameters")
		return
	}
	if err := h.reg.Configure(c.Request.Context(), inst.Handle, values); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"params": d.Params().Snapshot()})
}

// Enable 恢复轮询
func (h *InstanceHandler) Enable(c *gin.Context) {
	h.toggle(c, true)
}

// Disable 暂停轮询
func (h *InstanceHandler) Disable(c *gin.Context) {
	h.toggle(c, false)
}

func (h *InstanceHandler) toggle(c *gin.Context, enable bool) {
	_, d, ok := h.resolve(c)
	if !ok {
		return
	}
	var err error
	if enable {
		err = d.Enable(c.Request.Context())
	} else {
		err = d.Disable(c.Request.Context())
	}
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"state": d.State()})
}
