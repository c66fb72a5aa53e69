package registry

import (
	"testing"

	"github.com/betbot/goliq/internal/domain"
)

func specCEX(id string) domain.VenueSpec {
	return domain.VenueSpec{
		ID:           id,
		Name:         id,
		Kind:         domain.VenueKindCentralized,
		StreamURL:    "wss://example.com/ws",
		Capabilities: []domain.Capability{domain.CapabilityStream, domain.CapabilityTrades},
	}
}

func TestLoadSkipsInvalidSpecs(t *testing.T) {
	r := Load([]domain.VenueSpec{
		specCEX("binance"),
		{ID: "", Kind: domain.VenueKindCentralized},        // 缺 ID
		{ID: "bad-kind", Kind: domain.VenueKind("wrong")},  // 非法类型
		specCEX("okx"),
	})
	if r.Size() != 2 {
		t.Fatalf("无效配置应该被跳过: size=%d want=2", r.Size())
	}
}

func TestAllPreservesRegistrationOrder(t *testing.T) {
	r := New()
	r.Register(specCEX("binance"))
	r.Register(specCEX("okx"))
	r.Register(specCEX("bybit"))

	all := r.All()
	want := []string{"binance", "okx", "bybit"}
	for i, v := range all {
		if v.ID != want[i] {
			t.Fatalf("遍历顺序应该是注册顺序: got[%d]=%s want=%s", i, v.ID, want[i])
		}
	}
}

func TestReliabilityDecayMonotone(t *testing.T) {
	r := New()
	r.Register(specCEX("binance"))

	if got := r.Reliability("binance"); got != 1.0 {
		t.Fatalf("初始可靠性应该是 1.0: got=%v", got)
	}

	r.DecayReliability("binance", 0.4)
	r.DecayReliability("binance", 0.4)
	if got := r.Reliability("binance"); got < 0.19 || got > 0.21 {
		t.Fatalf("两次衰减后应该约为 0.2: got=%v", got)
	}

	// 衰减只减不增，且不会低于 0
	r.DecayReliability("binance", 0.4)
	if got := r.Reliability("binance"); got != 0 {
		t.Fatalf("可靠性下限应该是 0: got=%v", got)
	}
}

func TestReRegisterResetsReliability(t *testing.T) {
	r := New()
	r.Register(specCEX("binance"))
	r.DecayReliability("binance", 0.7)

	r.Register(specCEX("binance"))
	if got := r.Reliability("binance"); got != 1.0 {
		t.Fatalf("重新注册应该把可靠性重置为 1.0: got=%v", got)
	}
	if r.Size() != 1 {
		t.Fatalf("重新注册不应该增加场所数量: size=%d", r.Size())
	}
}

func TestResetReliability(t *testing.T) {
	r := New()
	r.Register(specCEX("binance"))
	r.DecayReliability("binance", 0.5)
	r.ResetReliability("binance")
	if got := r.Reliability("binance"); got != 1.0 {
		t.Fatalf("Reset 后可靠性应该是 1.0: got=%v", got)
	}
}

func TestMarkOperational(t *testing.T) {
	r := New()
	r.Register(specCEX("binance"))

	if !r.IsOperational("binance") {
		t.Fatal("新注册的场所应该默认可用")
	}
	r.MarkOperational("binance", false)
	if r.IsOperational("binance") {
		t.Fatal("标记后应该不可用")
	}
	if r.IsOperational("unknown") {
		t.Fatal("未注册的场所不应该可用")
	}
}

func TestStreamingAndPollingFilters(t *testing.T) {
	r := New()
	r.Register(specCEX("binance"))
	r.Register(domain.VenueSpec{
		ID:           "uniswap",
		Kind:         domain.VenueKindDecentralized,
		RestURL:      "https://example.com",
		Capabilities: []domain.Capability{domain.CapabilityRest},
	})

	if got := r.Streaming(); len(got) != 1 || got[0].ID != "binance" {
		t.Fatalf("Streaming 过滤错误: %v", got)
	}
	if got := r.Polling(); len(got) != 1 || got[0].ID != "uniswap" {
		t.Fatalf("Polling 过滤错误: %v", got)
	}
}
