package ingest

import (
	"context"
	"sync"

	"github.com/betbot/goliq/internal/domain"
	"github.com/betbot/goliq/internal/events"
	"github.com/betbot/goliq/internal/registry"
	"github.com/betbot/goliq/internal/state"
	"github.com/betbot/goliq/pkg/config"
	"github.com/betbot/goliq/pkg/logger"
	"github.com/betbot/goliq/pkg/syncgroup"
)

// source 统一流式/轮询两类接入方式
type source interface {
	Start(ctx context.Context) error
	Stop()
	Subscribe(symbols ...string) error
	Unsubscribe(symbols ...string) error
}

// Ingestor 行情接入总管
// 为每个流式场所建一条 WebSocket 连接，为每个仅 REST 的场所建一个轮询器；
// 订阅请求扇出到所有接入源，并维护全局已订阅 symbol 集合
type Ingestor struct {
	sources map[string]source // venue id -> source

	symbols map[string]bool
	subMu   sync.RWMutex

	closed sync.Once
}

// NewIngestor 按注册表构建所有接入源
func NewIngestor(reg *registry.Registry, store *state.Store, cfg config.ReconnectConfig,
	status *events.VenueStatusHandlerList) *Ingestor {
	in := &Ingestor{
		sources: make(map[string]source),
		symbols: make(map[string]bool),
	}
	for _, v := range reg.All() {
		switch {
		case v.Has(domain.CapabilityStream):
			in.sources[v.ID] = NewVenueStream(v, cfg, store, reg, status)
		case v.Has(domain.CapabilityRest):
			in.sources[v.ID] = NewVenuePoller(v, store)
		default:
			logger.Warnf("场所 %s 既无流式也无 REST 能力，跳过接入", v.ID)
		}
	}
	return in
}

// Start 并发启动所有接入源（WebSocket 首次拨号是同步的，串行启动会把延迟叠加）
func (in *Ingestor) Start(ctx context.Context) error {
	g := syncgroup.NewSyncGroup()
	var mu sync.Mutex
	var firstErr error

	for id, src := range in.sources {
		id, src := id, src
		g.Go(func() {
			if err := src.Start(ctx); err != nil {
				logger.Errorf("启动接入源失败: venue=%s err=%v", id, err)
				mu.Lock()
				if firstErr == nil {
					firstErr = err
				}
				mu.Unlock()
			}
		})
	}
	g.Run()
	g.Wait()
	return firstErr
}

// Subscribe 订阅 symbol（扇出到所有接入源）
func (in *Ingestor) Subscribe(symbols ...string) {
	in.subMu.Lock()
	for _, sym := range symbols {
		in.symbols[sym] = true
	}
	in.subMu.Unlock()

	for id, src := range in.sources {
		if err := src.Subscribe(symbols...); err != nil {
			logger.Warnf("订阅失败: venue=%s symbols=%v err=%v", id, symbols, err)
		}
	}
}

// Unsubscribe 退订 symbol
func (in *Ingestor) Unsubscribe(symbols ...string) {
	in.subMu.Lock()
	for _, sym := range symbols {
		delete(in.symbols, sym)
	}
	in.subMu.Unlock()

	for id, src := range in.sources {
		if err := src.Unsubscribe(symbols...); err != nil {
			logger.Warnf("退订失败: venue=%s symbols=%v err=%v", id, symbols, err)
		}
	}
}

// Subscribed 当前已订阅的 symbol 集合
func (in *Ingestor) Subscribed() []string {
	in.subMu.RLock()
	defer in.subMu.RUnlock()
	out := make([]string, 0, len(in.symbols))
	for sym := range in.symbols {
		out = append(out, sym)
	}
	return out
}

// Close 停止所有接入源（幂等）
func (in *Ingestor) Close() {
	in.closed.Do(func() {
		for _, src := range in.sources {
			src.Stop()
		}
		logger.Info("所有行情接入源已停止")
	})
}
