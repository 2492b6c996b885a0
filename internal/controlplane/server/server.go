package server

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/eafleet/gofleet/internal/domain"
	"github.com/eafleet/gofleet/internal/events"
	"github.com/eafleet/gofleet/internal/services"
)

var serverLog = logrus.WithField("component", "controlplane")

type Config struct {
	ListenAddr string
}

// Server 控制面 HTTP 服务。
//
// 两类消费方：
//   - EA 侧入站上报（状态 / 命令确认），走 /api/inbound/*
//   - 面板侧查询与操作（代理 / 命令 / 交易），走 /api/*，实时流走 /ws
type Server struct {
	cfg   Config
	coord *services.Coordinator
	hub   *Hub

	httpSrv *http.Server
}

func New(cfg Config, coord *services.Coordinator, bus *events.Bus) (*Server, error) {
	if cfg.ListenAddr == "" {
		return nil, errors.New("listen addr is required")
	}
	s := &Server{
		cfg:   cfg,
		coord: coord,
		hub:   NewHub(bus),
	}
	return s, nil
}

// Start 启动 HTTP 监听，非阻塞
func (s *Server) Start() {
	s.httpSrv = &http.Server{
		Addr:    s.cfg.ListenAddr,
		Handler: s.Router(),
	}
	go func() {
		serverLog.Infof("控制面监听: addr=%s", s.cfg.ListenAddr)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverLog.Errorf("控制面服务退出: %v", err)
		}
	}()
}

// Shutdown 优雅关闭
func (s *Server) Shutdown(ctx context.Context) error {
	s.hub.Close()
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}

func (s *Server) Router() http.Handler {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/healthz", func(c *gin.Context) { c.Status(http.StatusOK) })
	r.GET("/ws", s.hub.HandleWS)

	api := r.Group("/api")

	inbound := api.Group("/inbound")
	inbound.POST("/status", s.handleInboundStatus)
	inbound.POST("/ack", s.handleInboundAck)

	agents := api.Group("/agents")
	agents.GET("/", s.handleAgentsList)
	agents.GET("/:identity", s.handleAgentGet)
	agents.GET("/:identity/trades", s.handleAgentTrades)

	commands := api.Group("/commands")
	commands.POST("/", s.handleCommandCreate)
	commands.POST("/batch", s.handleCommandBatch)
	commands.GET("/pending", s.handleCommandsPending)
	commands.POST("/:commandID/cancel", s.handleCommandCancel)

	trades := api.Group("/trades")
	trades.GET("/active", s.handleTradesActive)
	trades.GET("/journal", s.handleTradeJournal)

	liveness := api.Group("/liveness")
	liveness.GET("/", s.handleLiveness)

	return r
}

// ---- 入站上报 ----

func (s *Server) handleInboundStatus(c *gin.Context) {
	var report services.StatusReport
	if err := c.ShouldBindJSON(&report); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := s.coord.HandleStatus(c.Request.Context(), report); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) handleInboundAck(c *gin.Context) {
	var report services.AckReport
	if err := c.ShouldBindJSON(&report); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	s.coord.HandleAck(c.Request.Context(), report)
	c.Status(http.StatusNoContent)
}

// ---- 代理 ----

func (s *Server) handleAgentsList(c *gin.Context) {
	agents, err := s.coord.Registry.List(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"agents": agents})
}

func (s *Server) handleAgentGet(c *gin.Context) {
	agent, err := s.coord.Registry.Get(c.Request.Context(), c.Param("identity"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if agent == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "agent not found"})
		return
	}
	c.JSON(http.StatusOK, agent)
}

func (s *Server) handleAgentTrades(c *gin.Context) {
	limit := intQuery(c, "limit", 100)
	trades, err := s.coord.Lifecycle.GetHistory(c.Request.Context(), c.Param("identity"), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"trades": trades})
}

// ---- 命令 ----

type createCommandRequest struct {
	TargetIdentity string            `json:"target_identity" binding:"required"`
	Type           string            `json:"type" binding:"required"`
	Params         map[string]string `json:"params"`
	ScheduledAt    int64             `json:"scheduled_at"` // Unix 毫秒，0 为立即
}

func (s *Server) handleCommandCreate(c *gin.Context) {
	var req createCommandRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	var scheduledAt time.Time
	if req.ScheduledAt > 0 {
		scheduledAt = time.UnixMilli(req.ScheduledAt)
	}
	id, err := s.coord.Dispatcher.Create(c.Request.Context(), req.TargetIdentity, domain.CommandType(req.Type), req.Params, scheduledAt)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"command_id": id})
}

type batchCommandRequest struct {
	Filter struct {
		Symbol     string   `json:"symbol"`
		Strategy   string   `json:"strategy"`
		RiskLevel  string   `json:"risk_level"`
		Status     string   `json:"status"`
		Identities []string `json:"identities"`
	} `json:"filter"`
	Type        string            `json:"type" binding:"required"`
	Params      map[string]string `json:"params"`
	ScheduledAt int64             `json:"scheduled_at"`
}

func (s *Server) handleCommandBatch(c *gin.Context) {
	var req batchCommandRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	filter := domain.CommandFilter{
		Symbol:     req.Filter.Symbol,
		Strategy:   req.Filter.Strategy,
		RiskLevel:  req.Filter.RiskLevel,
		Status:     domain.AgentStatus(req.Filter.Status),
		Identities: req.Filter.Identities,
	}
	var scheduledAt time.Time
	if req.ScheduledAt > 0 {
		scheduledAt = time.UnixMilli(req.ScheduledAt)
	}
	ids, err := s.coord.Dispatcher.CreateBatch(c.Request.Context(), filter, domain.CommandType(req.Type), req.Params, scheduledAt)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"command_ids": ids, "matched": len(ids)})
}

func (s *Server) handleCommandsPending(c *gin.Context) {
	limit := intQuery(c, "limit", 100)
	cmds, err := s.coord.Dispatcher.GetPending(c.Request.Context(), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"commands": cmds})
}

func (s *Server) handleCommandCancel(c *gin.Context) {
	if err := s.coord.Dispatcher.Cancel(c.Request.Context(), c.Param("commandID")); err != nil {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}
	c.Status(http.StatusNoContent)
}

// ---- 交易 ----

func (s *Server) handleTradesActive(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"trades": s.coord.Lifecycle.GetActive()})
}

func (s *Server) handleTradeJournal(c *gin.Context) {
	n := intQuery(c, "limit", 100)
	c.JSON(http.StatusOK, gin.H{"journal": s.coord.Lifecycle.GetJournal(n)})
}

// ---- 存活 ----

func (s *Server) handleLiveness(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"connected":    s.coord.Heartbeat.GetConnected(),
		"disconnected": s.coord.Heartbeat.GetDisconnected(),
	})
}

func intQuery(c *gin.Context, key string, def int) int {
	raw := c.Query(key)
	if raw == "" {
		return def
	}
	parsed, err := strconv.Atoi(raw)
	if err != nil || parsed <= 0 {
		return def
	}
	return parsed
}
