package health

import (
	"context"
	"sync"
	"time"

	"github.com/betbot/goliq/internal/events"
	"github.com/betbot/goliq/internal/registry"
	"github.com/betbot/goliq/internal/state"
	"github.com/betbot/goliq/pkg/config"
	"github.com/betbot/goliq/pkg/logger"
)

// latencyWindow 固定大小的延迟滚动窗口
type latencyWindow struct {
	samples []time.Duration
	next    int
	filled  bool
}

func newLatencyWindow(size int) *latencyWindow {
	if size <= 0 {
		size = 10
	}
	return &latencyWindow{samples: make([]time.Duration, size)}
}

func (w *latencyWindow) add(d time.Duration) {
	w.samples[w.next] = d
	w.next++
	if w.next >= len(w.samples) {
		w.next = 0
		w.filled = true
	}
}

// mean 当前窗口内样本均值；无样本时返回 0
func (w *latencyWindow) mean() time.Duration {
	n := w.next
	if w.filled {
		n = len(w.samples)
	}
	if n == 0 {
		return 0
	}
	var sum time.Duration
	for i := 0; i < n; i++ {
		sum += w.samples[i]
	}
	return sum / time.Duration(n)
}

// Tracker 场所健康跟踪器
// 职责：
//  1. 记录每个场所取数延迟的滚动窗口（当前延迟 = 窗口均值）
//  2. 周期性扫描失联场所（超过阈值没有任何消息），单调衰减其可靠性分数
//
// 可靠性只减不增，恢复走 Registry.ResetReliability 或重新注册
type Tracker struct {
	cfg      config.HealthConfig
	registry *registry.Registry
	store    *state.Store
	status   *events.VenueStatusHandlerList

	mu      sync.Mutex
	windows map[string]*latencyWindow
	// stale 记录已判定失联的场所，避免每轮扫描重复打日志/发事件
	stale map[string]bool

	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

// NewTracker 创建健康跟踪器
func NewTracker(cfg config.HealthConfig, reg *registry.Registry, store *state.Store, status *events.VenueStatusHandlerList) *Tracker {
	return &Tracker{
		cfg:      cfg,
		registry: reg,
		store:    store,
		status:   status,
		windows:  make(map[string]*latencyWindow),
		stale:    make(map[string]bool),
	}
}

// RecordLatency 记录一次场所取数延迟
func (t *Tracker) RecordLatency(venue string, d time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	w, ok := t.windows[venue]
	if !ok {
		w = newLatencyWindow(t.cfg.LatencyWindow)
		t.windows[venue] = w
	}
	w.add(d)
}

// Latency 场所当前延迟（滚动窗口均值）；无样本时返回 0
func (t *Tracker) Latency(venue string) time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	if w, ok := t.windows[venue]; ok {
		return w.mean()
	}
	return 0
}

// Start 启动失联扫描循环（非阻塞），ctx 取消或 Stop 时退出
func (t *Tracker) Start(ctx context.Context) {
	ctx, t.cancel = context.WithCancel(ctx)
	t.done = make(chan struct{})

	go func() {
		defer close(t.done)
		ticker := time.NewTicker(t.cfg.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				t.sweep(ctx)
			}
		}
	}()
}

// Stop 停止扫描循环并等待退出（幂等）
func (t *Tracker) Stop() {
	t.once.Do(func() {
		if t.cancel != nil {
			t.cancel()
		}
		if t.done != nil {
			<-t.done
		}
	})
}

// sweep 单轮失联扫描
func (t *Tracker) sweep(ctx context.Context) {
	now := time.Now()
	for _, v := range t.registry.All() {
		last, ok := t.store.LastUpdate(v.ID)
		if !ok {
			// 还没收到过任何消息：不算失联，给刚注册的场所留出启动时间
			continue
		}
		elapsed := now.Sub(last)
		if elapsed <= t.cfg.StalenessThreshold {
			t.mu.Lock()
			delete(t.stale, v.ID)
			t.mu.Unlock()
			continue
		}

		t.registry.DecayReliability(v.ID, t.cfg.ReliabilityDecrement)

		t.mu.Lock()
		seen := t.stale[v.ID]
		t.stale[v.ID] = true
		t.mu.Unlock()

		if !seen {
			logger.Warnf("场所失联: venue=%s 距上次消息 %v（阈值 %v），可靠性=%.2f",
				v.ID, elapsed.Round(time.Millisecond), t.cfg.StalenessThreshold, t.registry.Reliability(v.ID))
			if t.status != nil {
				t.status.Emit(ctx, &events.VenueStatusEvent{
					Venue:       v.ID,
					Operational: t.registry.IsOperational(v.ID),
					Reason:      "数据失联",
				})
			}
		}
	}
}
