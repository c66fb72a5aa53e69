package ingest

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/betbot/goliq/internal/domain"
	"github.com/betbot/goliq/internal/events"
	"github.com/betbot/goliq/internal/metrics"
	"github.com/betbot/goliq/internal/registry"
	"github.com/betbot/goliq/internal/state"
	"github.com/betbot/goliq/pkg/config"
	"github.com/betbot/goliq/pkg/logger"
)

const (
	writeTimeout = 5 * time.Second
	pingInterval = 30 * time.Second
	pongTimeout  = 60 * time.Second
)

// VenueStream 管理单个流式场所的 WebSocket 连接
// 断线后指数退避重连，连续失败超限则标记场所不可用并停止重试；
// 重连成功后自动恢复全部订阅
type VenueStream struct {
	venue    *domain.Venue
	cfg      config.ReconnectConfig
	store    *state.Store
	registry *registry.Registry
	status   *events.VenueStatusHandlerList

	conn   *websocket.Conn
	connMu sync.Mutex

	// 订阅管理
	symbols map[string]bool
	subMu   sync.RWMutex

	// 生命周期管理
	ctx     context.Context
	cancel  context.CancelFunc
	doneCh  chan struct{}
	stopped sync.Once

	// 重连状态
	reconnectAttempts int
	reconnectMu       sync.Mutex
}

// NewVenueStream 创建场所流式连接（不立即连接，Start 时连）
func NewVenueStream(venue *domain.Venue, cfg config.ReconnectConfig, store *state.Store,
	reg *registry.Registry, status *events.VenueStatusHandlerList) *VenueStream {
	return &VenueStream{
		venue:    venue,
		cfg:      cfg,
		store:    store,
		registry: reg,
		status:   status,
		symbols:  make(map[string]bool),
		doneCh:   make(chan struct{}),
	}
}

// Start 建立连接并开始读取循环
func (s *VenueStream) Start(ctx context.Context) error {
	s.ctx, s.cancel = context.WithCancel(ctx)

	if err := s.connect(); err != nil {
		// 初始连接失败也走重连流程，不直接放弃
		logger.Warnf("[%s] 初始连接失败: %v，进入重连流程", s.venue.ID, err)
		go func() {
			if s.reconnect() {
				s.runLoops()
			}
			close(s.doneCh)
		}()
		return nil
	}

	go func() {
		s.runLoops()
		close(s.doneCh)
	}()
	logger.Infof("[%s] WebSocket 已连接: %s", s.venue.ID, s.venue.StreamURL)
	return nil
}

// runLoops 交替执行读取与重连，直到 ctx 取消或重连放弃
func (s *VenueStream) runLoops() {
	for {
		s.readLoop()
		if s.ctx.Err() != nil {
			return
		}
		if !s.reconnect() {
			return
		}
	}
}

// Stop 优雅关闭连接（幂等）
func (s *VenueStream) Stop() {
	s.stopped.Do(func() {
		if s.cancel != nil {
			s.cancel()
		}
		s.connMu.Lock()
		if s.conn != nil {
			s.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeTimeout))
			s.conn.Close()
		}
		s.connMu.Unlock()
		<-s.doneCh
		logger.Infof("[%s] WebSocket 已关闭", s.venue.ID)
	})
}

// Subscribe 订阅 symbol 行情（连接断开时只记录，重连后补发）
func (s *VenueStream) Subscribe(symbols ...string) error {
	s.subMu.Lock()
	fresh := make([]string, 0, len(symbols))
	for _, sym := range symbols {
		if !s.symbols[sym] {
			s.symbols[sym] = true
			fresh = append(fresh, sym)
		}
	}
	s.subMu.Unlock()

	if len(fresh) == 0 {
		return nil
	}
	return s.send("subscribe", fresh)
}

// Unsubscribe 退订 symbol
func (s *VenueStream) Unsubscribe(symbols ...string) error {
	s.subMu.Lock()
	removed := make([]string, 0, len(symbols))
	for _, sym := range symbols {
		if s.symbols[sym] {
			delete(s.symbols, sym)
			removed = append(removed, sym)
		}
	}
	s.subMu.Unlock()

	if len(removed) == 0 {
		return nil
	}
	return s.send("unsubscribe", removed)
}

// send 发送订阅类控制消息；无连接时静默成功（重连后统一补发）
func (s *VenueStream) send(method string, symbols []string) error {
	msg := subscribeMessage{
		Method: method,
		Params: subscribeParams{
			Channels: []string{"orderbook", "trade", "ticker"},
			Symbols:  symbols,
		},
	}

	s.connMu.Lock()
	defer s.connMu.Unlock()
	if s.conn == nil {
		return nil
	}
	s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return s.conn.WriteJSON(msg)
}

// connect 建立 WebSocket 连接
func (s *VenueStream) connect() error {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(s.ctx, s.venue.StreamURL, nil)
	if err != nil {
		return err
	}

	conn.SetReadDeadline(time.Now().Add(pongTimeout))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongTimeout))
		return nil
	})

	s.connMu.Lock()
	s.conn = conn
	s.connMu.Unlock()
	return nil
}

// readLoop 读取消息直到连接断开或 ctx 取消
func (s *VenueStream) readLoop() {
	pingTicker := time.NewTicker(pingInterval)
	defer pingTicker.Stop()

	// 心跳单独起协程，避免阻塞读取
	pingDone := make(chan struct{})
	defer close(pingDone)
	go func() {
		for {
			select {
			case <-pingDone:
				return
			case <-pingTicker.C:
				s.connMu.Lock()
				if s.conn != nil {
					s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout))
				}
				s.connMu.Unlock()
			}
		}
	}()

	for {
		s.connMu.Lock()
		conn := s.conn
		s.connMu.Unlock()
		if conn == nil {
			return
		}

		_, data, err := conn.ReadMessage()
		if err != nil {
			if s.ctx.Err() != nil {
				return
			}
			logger.Warnf("[%s] 读取消息失败: %v", s.venue.ID, err)
			return
		}
		s.handleMessage(data)
	}
}

// handleMessage 解析并落库入站消息
func (s *VenueStream) handleMessage(data []byte) {
	var msg inboundMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		logger.Debugf("[%s] 无法解析的消息: %v", s.venue.ID, err)
		return
	}
	if msg.Symbol == "" {
		return
	}

	metrics.MessagesIngested.Add(1)

	switch msg.Type {
	case "orderbook":
		s.store.ApplyBook(msg.toOrderBook(s.venue.ID))
	case "trade":
		s.store.AddTrade(msg.toTrade(s.venue.ID))
	case "ticker":
		s.store.MergeTicker(msg.toTicker(s.venue.ID))
	default:
		logger.Debugf("[%s] 忽略未知消息类型: %s", s.venue.ID, msg.Type)
	}
}

// reconnect 指数退避重连
// 返回 true 表示重连成功；连续失败达到上限时标记场所不可用并返回 false
func (s *VenueStream) reconnect() bool {
	for {
		s.reconnectMu.Lock()
		attempt := s.reconnectAttempts
		s.reconnectAttempts++
		s.reconnectMu.Unlock()

		if attempt >= s.cfg.MaxAttempts {
			logger.Errorf("❌ [%s] 重连失败 %d 次，标记场所不可用", s.venue.ID, attempt)
			s.registry.MarkOperational(s.venue.ID, false)
			if s.status != nil {
				s.status.Emit(s.ctx, &events.VenueStatusEvent{
					Venue:       s.venue.ID,
					Operational: false,
					Reason:      "重连次数超限",
				})
			}
			return false
		}

		delay := s.backoff(attempt)
		logger.Infof("[%s] 第 %d 次重连，%v 后重试", s.venue.ID, attempt+1, delay)
		metrics.ReconnectAttempts.Add(1)

		select {
		case <-s.ctx.Done():
			return false
		case <-time.After(delay):
		}

		if err := s.connect(); err != nil {
			logger.Warnf("[%s] 重连失败: %v", s.venue.ID, err)
			continue
		}

		// 重连成功：清零计数、恢复可用状态、补发订阅
		s.reconnectMu.Lock()
		s.reconnectAttempts = 0
		s.reconnectMu.Unlock()
		s.registry.MarkOperational(s.venue.ID, true)
		if s.status != nil {
			s.status.Emit(s.ctx, &events.VenueStatusEvent{
				Venue:       s.venue.ID,
				Operational: true,
				Reason:      "重连成功",
			})
		}
		s.resubscribe()
		logger.Infof("✅ [%s] 重连成功", s.venue.ID)
		return true
	}
}

// backoff 计算第 attempt 次重连的退避延迟（base × 2^attempt，封顶 MaxDelay）
func (s *VenueStream) backoff(attempt int) time.Duration {
	delay := s.cfg.BaseDelay
	for i := 0; i < attempt; i++ {
		delay *= 2
		if delay >= s.cfg.MaxDelay {
			return s.cfg.MaxDelay
		}
	}
	if delay > s.cfg.MaxDelay {
		delay = s.cfg.MaxDelay
	}
	return delay
}

// resubscribe 重连后补发全部订阅
func (s *VenueStream) resubscribe() {
	s.subMu.RLock()
	symbols := make([]string, 0, len(s.symbols))
	for sym := range s.symbols {
		symbols = append(symbols, sym)
	}
	s.subMu.RUnlock()

	if len(symbols) == 0 {
		return
	}
	if err := s.send("subscribe", symbols); err != nil {
		logger.Warnf("[%s] 恢复订阅失败: %v", s.venue.ID, err)
	}
}
