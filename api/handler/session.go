package handler

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/sshcollectorpro/clisession/internal/journal"
	"github.com/sshcollectorpro/clisession/internal/manager"
	"github.com/sshcollectorpro/clisession/pkg/session"
)

// SessionHandler 会话管理接口
type SessionHandler struct {
	mgr *manager.Manager
}

// NewSessionHandler 创建会话处理器
func NewSessionHandler(mgr *manager.Manager) *SessionHandler {
	return &SessionHandler{mgr: mgr}
}

// ExecRequest 执行命令请求
type ExecRequest struct {
	Command string `json:"command"`
	// Kind show | write，默认 show
	Kind      string `json:"kind"`
	TimeoutMS int    `json:"timeout_ms"`
	// ErrorPatterns 非空时替换设备类型的错误正则
	ErrorPatterns []string `json:"error_patterns"`
}

// ConfigureRequest 配置下发请求
type ConfigureRequest struct {
	Lines          []string `json:"lines" binding:"required,min=1"`
	CommitPatterns []string `json:"commit_patterns"`
	TimeoutMS      int      `json:"timeout_ms"`
}

// Health 健康检查
func (h *SessionHandler) Health(c *gin.Context) {
	devices := h.mgr.Devices()
	connected := 0
	for _, d := range devices {
		if d.Status().Connected {
			connected++
		}
	}
	data := gin.H{
		"status":    "healthy",
		"devices":   len(devices),
		"connected": connected,
		"timestamp": time.Now().Unix(),
	}
	if j := h.mgr.Journal(); j != nil {
		if err := j.Health(); err != nil {
			data["status"] = "degraded"
			data["journal"] = err.Error()
		}
	}
	ok(c, data)
}

// List 全部会话状态
func (h *SessionHandler) List(c *gin.Context) {
	devices := h.mgr.Devices()
	out := make([]manager.DeviceStatus, 0, len(devices))
	for _, d := range devices {
		out = append(out, d.Status())
	}
	ok(c, out)
}

// Get 单个会话状态
func (h *SessionHandler) Get(c *gin.Context) {
	d, err := h.mgr.Get(c.Param("id"))
	if err != nil {
		fail(c, err, nil)
		return
	}
	ok(c, d.Status())
}

// Exec 执行一条命令
func (h *SessionHandler) Exec(c *gin.Context) {
	var req ExecRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "INVALID_PARAMS", "请求参数无效: "+err.Error())
		return
	}
	kind, err := session.ParseKind(req.Kind)
	if err != nil {
		badRequest(c, "INVALID_KIND", err.Error())
		return
	}
	cmd := session.Command{Text: req.Command, Kind: kind, Timeout: time.Duration(req.TimeoutMS) * time.Millisecond}
	if len(req.ErrorPatterns) > 0 {
		if cmd.ErrorPatterns, err = session.CompilePatterns(req.ErrorPatterns); err != nil {
			badRequest(c, "INVALID_PATTERN", err.Error())
			return
		}
	}
	d, err := h.mgr.Get(c.Param("id"))
	if err != nil {
		fail(c, err, nil)
		return
	}

	out, err := d.ExecuteAndRead(c.Request.Context(), cmd)
	if err != nil {
		fail(c, err, out)
		return
	}
	ok(c, out)
}

// Configure 进入配置模式下发并提交
func (h *SessionHandler) Configure(c *gin.Context) {
	var req ConfigureRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "INVALID_PARAMS", "请求参数无效: "+err.Error())
		return
	}
	var patterns session.ErrorPatterns
	if len(req.CommitPatterns) > 0 {
		var err error
		if patterns, err = session.CompilePatterns(req.CommitPatterns); err != nil {
			badRequest(c, "INVALID_PATTERN", err.Error())
			return
		}
	}
	d, err := h.mgr.Get(c.Param("id"))
	if err != nil {
		fail(c, err, nil)
		return
	}

	ctx := c.Request.Context()
	if req.TimeoutMS > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(req.TimeoutMS)*time.Millisecond)
		defer cancel()
	}
	res, err := d.Configure(ctx, req.Lines, patterns)
	if err != nil {
		fail(c, err, res)
		return
	}
	ok(c, res)
}

// Reconnect 主动重连
func (h *SessionHandler) Reconnect(c *gin.Context) {
	d, err := h.mgr.Get(c.Param("id"))
	if err != nil {
		fail(c, err, nil)
		return
	}
	if err := d.Reconnect(c.Request.Context()); err != nil {
		fail(c, err, nil)
		return
	}
	ok(c, d.Status())
}

// Events 会话事件，?limit= 默认 100
func (h *SessionHandler) Events(c *gin.Context) {
	j := h.mgr.Journal()
	if j == nil {
		c.JSON(http.StatusNotImplemented, ErrorResponse{Code: "JOURNAL_DISABLED", Message: journal.ErrDisabled.Error()})
		return
	}
	id := c.Param("id")
	if _, err := h.mgr.Get(id); err != nil && errors.Is(err, manager.ErrDeviceNotFound) {
		fail(c, err, nil)
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))
	events, err := j.Events(c.Request.Context(), id, limit)
	if err != nil {
		fail(c, err, nil)
		return
	}
	ok(c, events)
}
