// Package api 提供 HTTP 查询服务：聚合流动性、行情摘要、场所状态与订阅管理
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/betbot/goliq/internal/liquidity"
	"github.com/betbot/goliq/pkg/logger"
)

// Server HTTP 查询服务
type Server struct {
	aggregator *liquidity.Aggregator
	httpServer *http.Server
}

// NewServer 创建查询服务
func NewServer(listenAddr string, agg *liquidity.Aggregator) *Server {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	s := &Server{aggregator: agg}
	s.registerRoutes(r)
	s.httpServer = &http.Server{
		Addr:         listenAddr,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	return s
}

func (s *Server) registerRoutes(r *gin.Engine) {
	r.GET("/healthz", s.handleHealthz)

	api := r.Group("/api")
	{
		api.GET("/liquidity/:symbol", s.handleLiquidity)
		api.GET("/market/:symbol", s.handleMarket)
		api.GET("/venues", s.handleVenues)
		api.POST("/subscribe", s.handleSubscribe)
		api.POST("/unsubscribe", s.handleUnsubscribe)
	}
}

// Start 启动服务（非阻塞）
func (s *Server) Start() {
	go func() {
		logger.Infof("HTTP 查询服务已启动: %s", s.httpServer.Addr)
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Errorf("HTTP 服务异常退出: %v", err)
		}
	}()
}

// Shutdown 优雅关闭
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) handleLiquidity(c *gin.Context) {
	symbol := c.Param("symbol")
	snap, err := s.aggregator.GetAggregatedLiquidity(c.Request.Context(), symbol)
	if err != nil {
		status := http.StatusInternalServerError
		if liquidity.IsAllVenuesFailed(err) ||
			err == liquidity.ErrNoVenues || err == liquidity.ErrShuttingDown {
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, snap)
}

func (s *Server) handleMarket(c *gin.Context) {
	symbol := c.Param("symbol")
	md, err := s.aggregator.GetMarketData(c.Request.Context(), symbol)
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, md)
}

// venueView 场所状态视图
type venueView struct {
	ID          string  `json:"id"`
	Name        string  `json:"name"`
	Kind        string  `json:"kind"`
	Operational bool    `json:"operational"`
	Reliability float64 `json:"reliability"`
	LatencyMs   int64   `json:"latency_ms"`
}

func (s *Server) handleVenues(c *gin.Context) {
	reg := s.aggregator.Registry()
	tracker := s.aggregator.Tracker()

	out := make([]venueView, 0, reg.Size())
	for _, v := range reg.All() {
		view := venueView{
			ID:          v.ID,
			Name:        v.Name,
			Kind:        string(v.Kind),
			Operational: v.Operational,
			Reliability: v.Reliability,
		}
		if tracker != nil {
			view.LatencyMs = tracker.Latency(v.ID).Milliseconds()
		}
		out = append(out, view)
	}
	c.JSON(http.StatusOK, gin.H{"venues": out})
}

// subscribeRequest 订阅/退订请求体
type subscribeRequest struct {
	Symbols []string `json:"symbols" binding:"required,min=1"`
}

func (s *Server) handleSubscribe(c *gin.Context) {
	var req subscribeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	s.aggregator.Subscribe(req.Symbols...)
	c.JSON(http.StatusOK, gin.H{"subscribed": req.Symbols})
}

func (s *Server) handleUnsubscribe(c *gin.Context) {
	var req subscribeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	s.aggregator.Unsubscribe(req.Symbols...)
	c.JSON(http.StatusOK, gin.H{"unsubscribed": req.Symbols})
}
