package events

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/betbot/goliq/internal/domain"
)

var log = logrus.WithField("component", "events")

// SnapshotEvent 聚合快照产生事件
type SnapshotEvent struct {
	Snapshot  *domain.LiquiditySnapshot
	FromCache bool
	Elapsed   time.Duration
}

// VenueStatusEvent 场所状态变化事件
type VenueStatusEvent struct {
	Venue       string
	Operational bool
	Reason      string
}

// SnapshotHandler 快照事件处理器接口
type SnapshotHandler interface {
	OnSnapshot(ctx context.Context, event *SnapshotEvent)
}

// VenueStatusHandler 场所状态事件处理器接口
type VenueStatusHandler interface {
	OnVenueStatus(ctx context.Context, event *VenueStatusEvent)
}

// SnapshotHandlerList 快照处理器列表
type SnapshotHandlerList struct {
	handlers []SnapshotHandler
	mu       sync.RWMutex
}

// Add 添加处理器
func (h *SnapshotHandlerList) Add(handler SnapshotHandler) {
	if handler == nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.handlers = append(h.handlers, handler)
}

// Clear 移除所有处理器（关闭连接前先解绑监听器）
func (h *SnapshotHandlerList) Clear() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.handlers = nil
}

// snapshot 返回处理器快照（无锁遍历，避免长时间持锁）
func (h *SnapshotHandlerList) snapshot() []SnapshotHandler {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]SnapshotHandler, len(h.handlers))
	copy(out, h.handlers)
	return out
}

// Emit 触发所有处理器（串行执行，确定性优先）
func (h *SnapshotHandlerList) Emit(ctx context.Context, event *SnapshotEvent) {
	for i, handler := range h.snapshot() {
		func(idx int, hd SnapshotHandler) {
			defer func() {
				if r := recover(); r != nil {
					log.Errorf("快照处理器 %d panic: %v", idx, r)
				}
			}()
			hd.OnSnapshot(ctx, event)
		}(i, handler)
	}
}

// Count 处理器数量
func (h *SnapshotHandlerList) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.handlers)
}

// VenueStatusHandlerList 场所状态处理器列表
type VenueStatusHandlerList struct {
	handlers []VenueStatusHandler
	mu       sync.RWMutex
}

// Add 添加处理器
func (h *VenueStatusHandlerList) Add(handler VenueStatusHandler) {
	if handler == nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.handlers = append(h.handlers, handler)
}

// Clear 移除所有处理器
func (h *VenueStatusHandlerList) Clear() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.handlers = nil
}

// Emit 触发所有处理器
func (h *VenueStatusHandlerList) Emit(ctx context.Context, event *VenueStatusEvent) {
	h.mu.RLock()
	handlers := make([]VenueStatusHandler, len(h.handlers))
	copy(handlers, h.handlers)
	h.mu.RUnlock()

	for i, handler := range handlers {
		func(idx int, hd VenueStatusHandler) {
			defer func() {
				if r := recover(); r != nil {
					log.Errorf("场所状态处理器 %d panic: %v", idx, r)
				}
			}()
			hd.OnVenueStatus(ctx, event)
		}(i, handler)
	}
}
