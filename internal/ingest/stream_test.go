package ingest

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/betbot/goliq/internal/domain"
	"github.com/betbot/goliq/internal/events"
	"github.com/betbot/goliq/internal/registry"
	"github.com/betbot/goliq/internal/state"
	"github.com/betbot/goliq/pkg/config"
)

func testReconnectConfig() config.ReconnectConfig {
	return config.ReconnectConfig{
		BaseDelay:   time.Millisecond,
		MaxDelay:    8 * time.Millisecond,
		MaxAttempts: 3,
	}
}

func newStreamFixture(streamURL string) (*VenueStream, *registry.Registry) {
	reg := registry.New()
	v := reg.Register(domain.VenueSpec{
		ID:           "binance",
		Kind:         domain.VenueKindCentralized,
		StreamURL:    streamURL,
		Capabilities: []domain.Capability{domain.CapabilityStream},
	})
	return NewVenueStream(v, testReconnectConfig(), state.NewStore(), reg, &events.VenueStatusHandlerList{}), reg
}

func TestBackoffSchedule(t *testing.T) {
	s, _ := newStreamFixture("ws://example.invalid/ws")
	s.cfg = config.ReconnectConfig{
		BaseDelay:   500 * time.Millisecond,
		MaxDelay:    30 * time.Second,
		MaxAttempts: 5,
	}

	want := []time.Duration{
		500 * time.Millisecond,  // attempt 0
		time.Second,             // attempt 1
		2 * time.Second,         // attempt 2
		4 * time.Second,         // attempt 3
		8 * time.Second,         // attempt 4
		16 * time.Second,        // attempt 5
		30 * time.Second,        // attempt 6: 32s 被封顶
		30 * time.Second,        // 之后恒为上限
	}
	for attempt, w := range want {
		if got := s.backoff(attempt); got != w {
			t.Fatalf("attempt=%d 退避延迟错误: got=%v want=%v", attempt, got, w)
		}
	}
}

func TestReconnectGivesUpAndMarksVenueDown(t *testing.T) {
	// 无人监听的地址：每次拨号立即失败
	s, reg := newStreamFixture("ws://127.0.0.1:1/ws")

	if err := s.Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if !reg.IsOperational("binance") {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if reg.IsOperational("binance") {
		t.Fatal("重连超限后场所应该被标记为不可用")
	}

	// 放弃后读取循环应该已退出
	select {
	case <-s.doneCh:
	case <-time.After(time.Second):
		t.Fatal("放弃重连后 doneCh 应该关闭")
	}
	s.Stop()
}

// wsEchoServer 接受 WebSocket 连接并把每条连接交给调用方
func wsEchoServer(t *testing.T, conns chan<- *websocket.Conn) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		conns <- conn
	}))
	t.Cleanup(srv.Close)
	return srv
}

func readSubscribe(t *testing.T, conn *websocket.Conn) subscribeMessage {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("读取订阅消息失败: %v", err)
	}
	var msg subscribeMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("订阅消息解析失败: %s", data)
	}
	return msg
}

func TestReconnectResetsAttemptsAndResubscribes(t *testing.T) {
	conns := make(chan *websocket.Conn, 2)
	srv := wsEchoServer(t, conns)
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"

	s, reg := newStreamFixture(wsURL)
	if err := s.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer s.Stop()

	var first *websocket.Conn
	select {
	case first = <-conns:
	case <-time.After(2 * time.Second):
		t.Fatal("客户端没有连上来")
	}

	if err := s.Subscribe("BTC-USDT"); err != nil {
		t.Fatal(err)
	}
	msg := readSubscribe(t, first)
	if msg.Method != "subscribe" || len(msg.Params.Symbols) != 1 {
		t.Fatalf("订阅消息内容错误: %+v", msg)
	}

	// 服务端断开 → 客户端应该重连并补发订阅
	first.Close()

	var second *websocket.Conn
	select {
	case second = <-conns:
	case <-time.After(2 * time.Second):
		t.Fatal("断开后客户端应该重连")
	}
	msg = readSubscribe(t, second)
	if msg.Method != "subscribe" || msg.Params.Symbols[0] != "BTC-USDT" {
		t.Fatalf("重连后应该补发订阅: %+v", msg)
	}

	// 重连成功后：计数清零、场所恢复可用
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		s.reconnectMu.Lock()
		attempts := s.reconnectAttempts
		s.reconnectMu.Unlock()
		if attempts == 0 && reg.IsOperational("binance") {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("重连成功后应该清零计数并恢复场所可用状态")
}

func TestHandleMessageRoutesToStore(t *testing.T) {
	s, _ := newStreamFixture("ws://example.invalid/ws")

	s.handleMessage([]byte(`{
		"type": "orderbook", "symbol": "BTC-USDT",
		"bids": [["100","1"]], "asks": [["101","1"]]
	}`))
	if _, ok := s.store.Book("BTC-USDT", "binance"); !ok {
		t.Fatal("订单簿消息应该落入状态存储")
	}

	s.handleMessage([]byte(`{"type": "trade", "symbol": "BTC-USDT", "price": "100", "quantity": "1", "side": "buy"}`))
	if got := s.store.Trades("BTC-USDT", "binance", 0); len(got) != 1 {
		t.Fatalf("成交消息应该落库: got=%d", len(got))
	}

	// 脏数据不 panic、不落库
	s.handleMessage([]byte(`not json`))
	s.handleMessage([]byte(`{"type": "orderbook"}`)) // 缺 symbol
	if s.store.Size() != 1 {
		t.Fatalf("脏数据不应该污染存储: size=%d", s.store.Size())
	}
}
