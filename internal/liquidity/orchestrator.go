package liquidity

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/betbot/goliq/internal/domain"
	"github.com/betbot/goliq/internal/health"
	"github.com/betbot/goliq/internal/metrics"
	"github.com/betbot/goliq/internal/registry"
	"github.com/betbot/goliq/internal/state"
	"github.com/betbot/goliq/pkg/config"
	"github.com/betbot/goliq/pkg/logger"
)

// FetchFunc 按场所取单个 symbol 的流动性贡献
// 默认实现读实时状态存储；测试时可注入假的取数函数
type FetchFunc func(ctx context.Context, venue *domain.Venue, symbol string) (domain.VenueLiquidity, error)

// pendingKey 等待队列去重键
type pendingKey struct {
	venue  string
	symbol string
}

// Orchestrator 取数编排器
// 每个场所的在途取数受并发上限约束；达到上限的请求进入该场所的等待队列，
// 由派发循环按固定间隔补发，重试超限后丢弃
type Orchestrator struct {
	cfg      config.FetchConfig
	registry *registry.Registry
	tracker  *health.Tracker
	fetch    FetchFunc

	mu       sync.Mutex
	inflight map[string]int                    // venue id -> 在途数
	queues   map[string][]*domain.BatchRequest // venue id -> 等待队列
	pending  map[pendingKey]bool               // 去重：同一 (venue, symbol) 只排一次

	cancel  context.CancelFunc
	doneCh  chan struct{}
	stopped sync.Once
}

// NewOrchestrator 创建编排器
// fetch 为 nil 时使用默认实现（读 store）
func NewOrchestrator(cfg config.FetchConfig, reg *registry.Registry, store *state.Store,
	tracker *health.Tracker, fetch FetchFunc) *Orchestrator {
	if fetch == nil {
		fetch = storeFetch(store)
	}
	return &Orchestrator{
		cfg:      cfg,
		registry: reg,
		tracker:  tracker,
		fetch:    fetch,
		inflight: make(map[string]int),
		queues:   make(map[string][]*domain.BatchRequest),
		pending:  make(map[pendingKey]bool),
	}
}

// storeFetch 默认取数实现：从实时状态存储读取场所订单簿
func storeFetch(store *state.Store) FetchFunc {
	return func(ctx context.Context, venue *domain.Venue, symbol string) (domain.VenueLiquidity, error) {
		if err := ctx.Err(); err != nil {
			return domain.VenueLiquidity{}, err
		}
		book, ok := store.Book(symbol, venue.ID)
		if !ok {
			return domain.VenueLiquidity{}, errors.Errorf("场所 %s 没有 %s 的订单簿", venue.ID, symbol)
		}
		if len(book.Bids) == 0 && len(book.Asks) == 0 {
			return domain.VenueLiquidity{}, errors.Errorf("场所 %s 的 %s 订单簿为空", venue.ID, symbol)
		}
		mid, _ := book.MidPrice()
		return domain.VenueLiquidity{
			Venue:     venue.ID,
			Kind:      venue.Kind,
			Bids:      book.Bids,
			Asks:      book.Asks,
			MidPrice:  mid,
			UpdatedAt: book.UpdatedAt,
		}, nil
	}
}

// Start 启动等待队列派发循环
func (o *Orchestrator) Start(ctx context.Context) {
	ctx, o.cancel = context.WithCancel(ctx)
	o.doneCh = make(chan struct{})

	go func() {
		defer close(o.doneCh)
		ticker := time.NewTicker(o.cfg.DrainInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				o.drain(ctx)
			}
		}
	}()
}

// Stop 停止派发循环并等待退出（幂等）
func (o *Orchestrator) Stop() {
	o.stopped.Do(func() {
		if o.cancel != nil {
			o.cancel()
		}
		if o.doneCh != nil {
			<-o.doneCh
		}
	})
}

// Fetch 并行向所有可用场所取 symbol 的流动性贡献
// 部分场所失败不影响整体：只要有一个场所成功就返回成功结果；
// 达到并发上限的场所当次跳过（请求入队，由派发循环稍后补发）；
// 全部场所失败时返回 AllVenuesFailedError
func (o *Orchestrator) Fetch(ctx context.Context, symbol string) ([]domain.VenueLiquidity, error) {
	venues := o.operationalVenues()
	if len(venues) == 0 {
		return nil, ErrNoVenues
	}

	type result struct {
		venue   string
		contrib domain.VenueLiquidity
		err     error
	}

	results := make(chan result, len(venues))
	launched := 0
	failures := make(map[string]string)

	for _, v := range venues {
		if !o.acquire(v.ID) {
			// 并发已满：入队等待，本次聚合不等它
			o.enqueue(v.ID, symbol)
			failures[v.ID] = ErrVenueBusy.Error()
			continue
		}
		launched++
		go func(v *domain.Venue) {
			contrib, err := o.fetchOne(ctx, v, symbol)
			o.release(v.ID)
			results <- result{venue: v.ID, contrib: contrib, err: err}
		}(v)
	}

	contributions := make([]domain.VenueLiquidity, 0, launched)
	for i := 0; i < launched; i++ {
		r := <-results
		if r.err != nil {
			metrics.VenueFetchErrors.Add(1)
			failures[r.venue] = r.err.Error()
			logger.Debugf("场所取数失败: venue=%s symbol=%s err=%v", r.venue, symbol, r.err)
			continue
		}
		contributions = append(contributions, r.contrib)
	}

	if len(contributions) == 0 {
		return nil, &AllVenuesFailedError{Symbol: symbol, Errors: failures}
	}
	return contributions, nil
}

// fetchOne 单场所取数：套单次超时，记录延迟
func (o *Orchestrator) fetchOne(ctx context.Context, v *domain.Venue, symbol string) (domain.VenueLiquidity, error) {
	fetchCtx, cancel := context.WithTimeout(ctx, o.cfg.Timeout)
	defer cancel()

	start := time.Now()
	contrib, err := o.fetch(fetchCtx, v, symbol)
	if err == nil && o.tracker != nil {
		o.tracker.RecordLatency(v.ID, time.Since(start))
	}
	return contrib, err
}

// operationalVenues 返回当前可用的场所（注册顺序）
func (o *Orchestrator) operationalVenues() []*domain.Venue {
	all := o.registry.All()
	out := make([]*domain.Venue, 0, len(all))
	for _, v := range all {
		if v.Operational {
			out = append(out, v)
		}
	}
	return out
}

// acquire 尝试占用一个场所并发槽位
func (o *Orchestrator) acquire(venue string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.inflight[venue] >= o.cfg.VenueConcurrency {
		return false
	}
	o.inflight[venue]++
	return true
}

func (o *Orchestrator) release(venue string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.inflight[venue] > 0 {
		o.inflight[venue]--
	}
}

// Inflight 场所当前在途取数数量（测试/调试用）
func (o *Orchestrator) Inflight(venue string) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.inflight[venue]
}

// enqueue 请求进入场所等待队列，同一 (venue, symbol) 不重复排队
func (o *Orchestrator) enqueue(venue, symbol string) {
	key := pendingKey{venue: venue, symbol: symbol}
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.pending[key] {
		return
	}
	o.pending[key] = true
	o.queues[venue] = append(o.queues[venue], &domain.BatchRequest{
		Venue:      venue,
		Symbol:     symbol,
		EnqueuedAt: time.Now(),
	})
	metrics.BatchEnqueued.Add(1)
}

// QueueLen 场所等待队列长度（测试/调试用）
func (o *Orchestrator) QueueLen(venue string) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.queues[venue])
}

// drain 单轮派发：每个场所在并发余量内补发队首请求
// 成功出队；失败累计重试次数，超过上限后丢弃
func (o *Orchestrator) drain(ctx context.Context) {
	o.mu.Lock()
	batch := make([]*domain.BatchRequest, 0)
	for venue, queue := range o.queues {
		for len(queue) > 0 && o.inflight[venue] < o.cfg.VenueConcurrency {
			req := queue[0]
			queue = queue[1:]
			o.inflight[venue]++
			batch = append(batch, req)
		}
		o.queues[venue] = queue
	}
	o.mu.Unlock()

	for _, req := range batch {
		go o.dispatch(ctx, req)
	}
}

// dispatch 派发一条排队请求
// 排队请求的结果只用于刷新延迟统计与日志：发起它的那次聚合早已返回
func (o *Orchestrator) dispatch(ctx context.Context, req *domain.BatchRequest) {
	v, ok := o.registry.Get(req.Venue)
	if !ok || !v.Operational {
		o.release(req.Venue)
		o.finish(req)
		return
	}

	_, err := o.fetchOne(ctx, v, req.Symbol)
	o.release(req.Venue)
	if err != nil {
		metrics.VenueFetchErrors.Add(1)
		o.retry(req)
		return
	}
	o.finish(req)
}

// retry 失败重试；超过上限后丢弃
func (o *Orchestrator) retry(req *domain.BatchRequest) {
	req.Retries++
	if req.Retries >= o.cfg.RetryCap {
		logger.Warnf("排队请求重试超限，丢弃: venue=%s symbol=%s retries=%d",
			req.Venue, req.Symbol, req.Retries)
		o.finish(req)
		metrics.BatchDropped.Add(1)
		return
	}
	o.mu.Lock()
	o.queues[req.Venue] = append(o.queues[req.Venue], req)
	o.mu.Unlock()
}

// finish 请求离开队列体系，清除去重标记
func (o *Orchestrator) finish(req *domain.BatchRequest) {
	key := pendingKey{venue: req.Venue, symbol: req.Symbol}
	o.mu.Lock()
	delete(o.pending, key)
	o.mu.Unlock()
}
