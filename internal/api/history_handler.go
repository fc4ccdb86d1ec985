package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/wfunc/kiosk-devices/internal/models"
	"github.com/wfunc/kiosk-devices/internal/repository"
)

// HistoryHandler 状态历史和协议日志查询
type HistoryHandler struct {
	events *repository.StatusEventRepository
	logs   *repository.ProtocolLogRepository
}

// NewHistoryHandler 创建历史查询处理器
func NewHistoryHandler(events *repository.StatusEventRepository, logs *repository.ProtocolLogRepository) *HistoryHandler {
	return &HistoryHandler{events: events, logs: logs}
}

// timeRange 解析 RFC3339 时间范围，无效值忽略
func timeRange(c *gin.Context) (start, end *time.Time) {
	if v := c.Query("start_time"); v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			start = &t
		}
	}
	if v := c.Query("end_time"); v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			end = &t
		}
	}
	return start, end
}

// paging 解析 limit/offset，limit 限制在 1..100
func paging(c *gin.Context) (limit, offset int) {
	limit, _ = strconv.Atoi(c.DefaultQuery("limit", "20"))
	offset, _ = strconv.Atoi(c.DefaultQuery("offset", "0"))
	return repository.NewPagination(1, limit).PageSize, max(offset, 0)
}

// StatusEvents 状态变化历史
func (h *HistoryHandler) StatusEvents(c *gin.Context) {
	q := &models.StatusEventQuery{
		Path:     c.Query("path"),
		Severity: c.Query("severity"),
	}
	q.StartTime, q.EndTime = timeRange(c)
	q.Limit, q.Offset = paging(c)

	events, total, err := h.events.Query(c.Request.Context(), q)
	if err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{Message: "查询失败", Details: err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"data":   events,
		"total":  total,
		"limit":  q.Limit,
		"offset": q.Offset,
	})
}

func (h *HistoryHandler) protocolQuery(c *gin.Context) *models.ProtocolLogQuery {
	q := &models.ProtocolLogQuery{Path: c.Query("path")}
	if v := c.Query("has_error"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			q.HasError = &b
		}
	}
	q.StartTime, q.EndTime = timeRange(c)
	return q
}

// ProtocolLogs 协议日志
func (h *HistoryHandler) ProtocolLogs(c *gin.Context) {
	q := h.protocolQuery(c)
	q.Limit, q.Offset = paging(c)

	logs, total, err := h.logs.Query(c.Request.Context(), q)
	if err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{Message: "查询失败", Details: err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"data":   logs,
		"total":  total,
		"limit":  q.Limit,
		"offset": q.Offset,
	})
}

// ProtocolStats 协议日志统计
func (h *HistoryHandler) ProtocolStats(c *gin.Context) {
	stats, err := h.logs.GetStats(c.Request.Context(), h.protocolQuery(c))
	if err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{Message: "统计失败", Details: err.Error()})
		return
	}
	c.JSON(http.StatusOK, stats)
}

// Cleanup 清理旧日志和状态历史
func (h *HistoryHandler) Cleanup(c *gin.Context) {
	days, err := strconv.Atoi(c.DefaultQuery("days", "30"))
	if err != nil || days <= 0 {
		badRequest(c, "days must be a positive integer")
		return
	}
	res, err := h.logs.Cleanup(c.Request.Context(), days)
	if err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{Message: "清理失败", Details: err.Error()})
		return
	}
	c.JSON(http.StatusOK, res)
}
