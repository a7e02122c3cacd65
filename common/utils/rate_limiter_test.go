package utils

import (
	"testing"
	"time"
)

func TestRateLimiter_BurstThenRefill(t *testing.T) {
	current := time.Unix(1000, 0)
	rl := NewRateLimiter(2, 3)
	rl.now = func() time.Time { return current }
	rl.lastRefill = current

	for i := 0; i < 3; i++ {
		if !rl.Allow() {
			t.Fatalf("突发容量内第 %d 次请求应当通过", i+1)
		}
	}
	if rl.Allow() {
		t.Fatalf("桶已空，请求应当被拒绝")
	}

	current = current.Add(500 * time.Millisecond)
	if !rl.Allow() {
		t.Fatalf("补充 1 个令牌后应当通过")
	}
	if rl.Allow() {
		t.Fatalf("令牌再次耗尽，请求应当被拒绝")
	}
}
