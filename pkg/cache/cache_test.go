package cache

import (
	"testing"
	"time"
)

func TestSetGet(t *testing.T) {
	c := NewInMemoryCache[string, int](time.Minute)
	defer c.Stop()

	c.Set("a", 1, 0)
	got, ok := c.Get("a")
	if !ok || got != 1 {
		t.Fatalf("Get 失败: got=%d ok=%v", got, ok)
	}

	if _, ok := c.Get("missing"); ok {
		t.Fatal("不存在的 key 不应该命中")
	}
}

func TestExpiry(t *testing.T) {
	c := NewInMemoryCache[string, int](time.Minute)
	defer c.Stop()

	c.Set("a", 1, 20*time.Millisecond)
	time.Sleep(40 * time.Millisecond)
	if _, ok := c.Get("a"); ok {
		t.Fatal("过期的 key 不应该命中")
	}
}

func TestDeleteAndClear(t *testing.T) {
	c := NewInMemoryCache[string, int](time.Minute)
	defer c.Stop()

	c.Set("a", 1, 0)
	c.Set("b", 2, 0)
	c.Delete("a")
	if _, ok := c.Get("a"); ok {
		t.Fatal("删除后不应该命中")
	}
	c.Clear()
	if c.Size() != 0 {
		t.Fatalf("Clear 后应该为空: size=%d", c.Size())
	}
}

func TestStopIdempotent(t *testing.T) {
	c := NewInMemoryCache[string, int](time.Minute)
	c.Stop()
	c.Stop() // 第二次必须是空操作
}
