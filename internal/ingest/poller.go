package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/betbot/goliq/internal/domain"
	"github.com/betbot/goliq/internal/metrics"
	"github.com/betbot/goliq/internal/state"
	"github.com/betbot/goliq/pkg/logger"
)

// depthResponse DEX REST 深度接口返回结构
type depthResponse struct {
	Symbol    string          `json:"symbol"`
	Bids      [][]json.Number `json:"bids"`
	Asks      [][]json.Number `json:"asks"`
	Sequence  int64           `json:"sequence,omitempty"`
	Timestamp int64           `json:"timestamp,omitempty"` // 毫秒
}

// VenuePoller 对不支持流式推送的场所（链上/DEX）做 REST 深度轮询
// 每个被订阅的 symbol 按场所配置的间隔拉取一次深度，结果落入 state.Store
type VenuePoller struct {
	venue  *domain.Venue
	client *resty.Client
	store  *state.Store

	symbols map[string]bool
	subMu   sync.RWMutex

	cancel  context.CancelFunc
	doneCh  chan struct{}
	stopped sync.Once
}

// NewVenuePoller 创建 DEX 轮询器
func NewVenuePoller(venue *domain.Venue, store *state.Store) *VenuePoller {
	client := resty.New().
		SetBaseURL(venue.RestURL).
		SetTimeout(10 * time.Second).
		SetRetryCount(2).
		SetRetryWaitTime(200 * time.Millisecond)

	return &VenuePoller{
		venue:   venue,
		client:  client,
		store:   store,
		symbols: make(map[string]bool),
		doneCh:  make(chan struct{}),
	}
}

// Start 启动轮询循环（非阻塞）
func (p *VenuePoller) Start(ctx context.Context) error {
	ctx, p.cancel = context.WithCancel(ctx)

	interval := p.venue.PollInterval
	if interval <= 0 {
		interval = 2 * time.Second
	}
	go func() {
		defer close(p.doneCh)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				p.pollAll(ctx)
			}
		}
	}()
	logger.Infof("[%s] REST 轮询已启动，间隔 %v", p.venue.ID, interval)
	return nil
}

// Stop 停止轮询并等待退出（幂等）
func (p *VenuePoller) Stop() {
	p.stopped.Do(func() {
		if p.cancel != nil {
			p.cancel()
		}
		<-p.doneCh
		logger.Infof("[%s] REST 轮询已停止", p.venue.ID)
	})
}

// Subscribe 加入轮询集合
func (p *VenuePoller) Subscribe(symbols ...string) error {
	p.subMu.Lock()
	defer p.subMu.Unlock()
	for _, sym := range symbols {
		p.symbols[sym] = true
	}
	return nil
}

// Unsubscribe 移出轮询集合
func (p *VenuePoller) Unsubscribe(symbols ...string) error {
	p.subMu.Lock()
	defer p.subMu.Unlock()
	for _, sym := range symbols {
		delete(p.symbols, sym)
	}
	return nil
}

// pollAll 对当前订阅的每个 symbol 拉取一次深度
func (p *VenuePoller) pollAll(ctx context.Context) {
	p.subMu.RLock()
	symbols := make([]string, 0, len(p.symbols))
	for sym := range p.symbols {
		symbols = append(symbols, sym)
	}
	p.subMu.RUnlock()

	for _, sym := range symbols {
		if ctx.Err() != nil {
			return
		}
		if err := p.fetchOnce(ctx, sym); err != nil {
			metrics.VenueFetchErrors.Add(1)
			logger.Warnf("[%s] 拉取深度失败: symbol=%s err=%v", p.venue.ID, sym, err)
		}
	}
}

// fetchOnce 拉取单个 symbol 的深度并落库
func (p *VenuePoller) fetchOnce(ctx context.Context, symbol string) error {
	var out depthResponse
	resp, err := p.client.R().
		SetContext(ctx).
		SetQueryParam("symbol", symbol).
		SetResult(&out).
		Get("/depth")
	if err != nil {
		return err
	}
	if resp.IsError() {
		return fmt.Errorf("深度接口返回 %s", resp.Status())
	}

	updatedAt := time.Now()
	if out.Timestamp > 0 {
		updatedAt = time.UnixMilli(out.Timestamp)
	}
	book := &domain.OrderBook{
		Symbol:    symbol,
		Venue:     p.venue.ID,
		Bids:      parseLevels(out.Bids),
		Asks:      parseLevels(out.Asks),
		Sequence:  out.Sequence,
		UpdatedAt: updatedAt,
	}
	metrics.MessagesIngested.Add(1)
	p.store.ApplyBook(book)
	return nil
}
