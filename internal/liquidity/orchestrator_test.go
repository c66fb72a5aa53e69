package liquidity

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"

	"github.com/betbot/goliq/internal/domain"
	"github.com/betbot/goliq/internal/registry"
	"github.com/betbot/goliq/internal/state"
	"github.com/betbot/goliq/pkg/config"
)

func testFetchConfig() config.FetchConfig {
	return config.FetchConfig{
		VenueConcurrency: 10,
		Timeout:          time.Second,
		RetryCap:         3,
		DrainInterval:    20 * time.Millisecond,
	}
}

func testRegistry(ids ...string) *registry.Registry {
	r := registry.New()
	for _, id := range ids {
		r.Register(domain.VenueSpec{
			ID:           id,
			Name:         id,
			Kind:         domain.VenueKindCentralized,
			Capabilities: []domain.Capability{domain.CapabilityStream},
		})
	}
	return r
}

func okContribution(venue string) domain.VenueLiquidity {
	return domain.VenueLiquidity{
		Venue: venue,
		Kind:  domain.VenueKindCentralized,
		Bids:  []domain.OrderBookLevel{lvl("100", "1")},
		Asks:  []domain.OrderBookLevel{lvl("101", "1")},
	}
}

func TestFetchConcurrencyCeilingAndQueue(t *testing.T) {
	reg := testRegistry("binance")
	release := make(chan struct{})
	blockingFetch := func(ctx context.Context, v *domain.Venue, symbol string) (domain.VenueLiquidity, error) {
		<-release
		return okContribution(v.ID), nil
	}

	o := NewOrchestrator(testFetchConfig(), reg, state.NewStore(), nil, blockingFetch)

	// 15 个并发请求打同一个场所：10 个在途，5 个入队
	var wg sync.WaitGroup
	for i := 0; i < 15; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			o.Fetch(context.Background(), fmt.Sprintf("SYM-%d", i))
		}(i)
	}

	// 等所有请求走完 acquire/enqueue 分支
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if o.Inflight("binance") == 10 && o.QueueLen("binance") == 5 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if got := o.Inflight("binance"); got != 10 {
		t.Fatalf("在途数应该顶在并发上限: got=%d want=10", got)
	}
	if got := o.QueueLen("binance"); got != 5 {
		t.Fatalf("超出的请求应该入队: got=%d want=5", got)
	}

	close(release)
	wg.Wait()

	if got := o.Inflight("binance"); got != 0 {
		t.Fatalf("全部完成后在途数应该归零: got=%d", got)
	}
}

func TestEnqueueDeduplicates(t *testing.T) {
	reg := testRegistry("binance")
	o := NewOrchestrator(testFetchConfig(), reg, state.NewStore(), nil, func(ctx context.Context, v *domain.Venue, symbol string) (domain.VenueLiquidity, error) {
		return okContribution(v.ID), nil
	})

	o.enqueue("binance", "BTC-USDT")
	o.enqueue("binance", "BTC-USDT")
	o.enqueue("binance", "ETH-USDT")

	if got := o.QueueLen("binance"); got != 2 {
		t.Fatalf("同一 (场所, symbol) 不应该重复排队: got=%d want=2", got)
	}
}

func TestFetchPartialFailure(t *testing.T) {
	reg := testRegistry("binance", "okx")
	fetch := func(ctx context.Context, v *domain.Venue, symbol string) (domain.VenueLiquidity, error) {
		if v.ID == "okx" {
			return domain.VenueLiquidity{}, errors.New("连接被拒绝")
		}
		return okContribution(v.ID), nil
	}
	o := NewOrchestrator(testFetchConfig(), reg, state.NewStore(), nil, fetch)

	contributions, err := o.Fetch(context.Background(), "BTC-USDT")
	if err != nil {
		t.Fatalf("部分失败不应该让整体失败: %v", err)
	}
	if len(contributions) != 1 || contributions[0].Venue != "binance" {
		t.Fatalf("应该只有 binance 的贡献: %v", contributions)
	}
}

func TestFetchAllVenuesFailed(t *testing.T) {
	reg := testRegistry("binance", "okx")
	fetch := func(ctx context.Context, v *domain.Venue, symbol string) (domain.VenueLiquidity, error) {
		return domain.VenueLiquidity{}, errors.Errorf("%s 挂了", v.ID)
	}
	o := NewOrchestrator(testFetchConfig(), reg, state.NewStore(), nil, fetch)

	_, err := o.Fetch(context.Background(), "BTC-USDT")
	if err == nil {
		t.Fatal("全部失败应该返回错误")
	}
	if !IsAllVenuesFailed(err) {
		t.Fatalf("错误类型应该是 AllVenuesFailedError: %T", err)
	}

	var afe *AllVenuesFailedError
	errors.As(err, &afe)
	if len(afe.Errors) != 2 {
		t.Fatalf("应该带每个场所的失败原因: %v", afe.Errors)
	}
	if afe.Errors["binance"] == "" || afe.Errors["okx"] == "" {
		t.Fatalf("失败原因不应该为空: %v", afe.Errors)
	}
}

func TestFetchSkipsNonOperationalVenues(t *testing.T) {
	reg := testRegistry("binance", "okx")
	reg.MarkOperational("okx", false)

	var mu sync.Mutex
	called := map[string]bool{}
	fetch := func(ctx context.Context, v *domain.Venue, symbol string) (domain.VenueLiquidity, error) {
		mu.Lock()
		called[v.ID] = true
		mu.Unlock()
		return okContribution(v.ID), nil
	}
	o := NewOrchestrator(testFetchConfig(), reg, state.NewStore(), nil, fetch)

	if _, err := o.Fetch(context.Background(), "BTC-USDT"); err != nil {
		t.Fatal(err)
	}
	if called["okx"] {
		t.Fatal("不可用的场所不应该被取数")
	}
}

func TestFetchNoVenues(t *testing.T) {
	o := NewOrchestrator(testFetchConfig(), testRegistry(), state.NewStore(), nil, nil)
	if _, err := o.Fetch(context.Background(), "BTC-USDT"); err != ErrNoVenues {
		t.Fatalf("没有场所应该返回 ErrNoVenues: got=%v", err)
	}
}

func TestDrainRetriesThenDrops(t *testing.T) {
	reg := testRegistry("binance")
	var mu sync.Mutex
	attempts := 0
	fetch := func(ctx context.Context, v *domain.Venue, symbol string) (domain.VenueLiquidity, error) {
		mu.Lock()
		attempts++
		mu.Unlock()
		return domain.VenueLiquidity{}, errors.New("一直失败")
	}

	cfg := testFetchConfig()
	o := NewOrchestrator(cfg, reg, state.NewStore(), nil, fetch)
	o.enqueue("binance", "BTC-USDT")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	o.Start(ctx)
	defer o.Stop()

	// 等待重试耗尽后被丢弃
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		n := attempts
		mu.Unlock()
		if n >= cfg.RetryCap && o.QueueLen("binance") == 0 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	mu.Lock()
	n := attempts
	mu.Unlock()
	if n != cfg.RetryCap {
		t.Fatalf("应该恰好尝试 %d 次后丢弃: got=%d", cfg.RetryCap, n)
	}
	if o.QueueLen("binance") != 0 {
		t.Fatal("丢弃后队列应该为空")
	}
}

func TestDrainDispatchesQueued(t *testing.T) {
	reg := testRegistry("binance")
	var mu sync.Mutex
	fetched := map[string]int{}
	fetch := func(ctx context.Context, v *domain.Venue, symbol string) (domain.VenueLiquidity, error) {
		mu.Lock()
		fetched[symbol]++
		mu.Unlock()
		return okContribution(v.ID), nil
	}

	o := NewOrchestrator(testFetchConfig(), reg, state.NewStore(), nil, fetch)
	o.enqueue("binance", "BTC-USDT")
	o.enqueue("binance", "ETH-USDT")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	o.Start(ctx)
	defer o.Stop()

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		done := fetched["BTC-USDT"] == 1 && fetched["ETH-USDT"] == 1
		mu.Unlock()
		if done && o.QueueLen("binance") == 0 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("排队请求应该被派发循环补发: fetched=%v", fetched)
}
