package api

import (
	"testing"
	"time"
)

type stepClock struct{ t time.Time }

func (c *stepClock) now() time.Time           { return c.t }
func (c *stepClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func TestRateLimiter(t *testing.T) {
	clk := &stepClock{t: time.Unix(1700000000, 0)}
	rl := NewRateLimiter(10, 5) // 10 tokens/sec, burst 5
	rl.now = clk.now
	ip := "1.2.3.4"

	for i := 0; i < 5; i++ {
		if ok, _ := rl.Allow(ip); !ok {
			t.Errorf("Should allow initial burst: request %d", i)
		}
	}

	ok, wait := rl.Allow(ip)
	if ok {
		t.Errorf("Should block request after burst")
	}
	if wait != 100*time.Millisecond {
		t.Errorf("expected 100ms until the next token, got %v", wait)
	}

	// Refill ~2 tokens
	clk.advance(200 * time.Millisecond)
	if ok, _ := rl.Allow(ip); !ok {
		t.Errorf("Should allow request after refill")
	}
}

func TestRateLimiter_WaitShrinksWithPartialRefill(t *testing.T) {
	clk := &stepClock{t: time.Unix(1700000000, 0)}
	rl := NewRateLimiter(0.5, 1) // one token every 2s
	rl.now = clk.now

	if ok, _ := rl.Allow("k"); !ok {
		t.Fatalf("first request should pass")
	}
	if _, wait := rl.Allow("k"); wait != 2*time.Second {
		t.Errorf("expected 2s wait on an empty bucket, got %v", wait)
	}

	clk.advance(1500 * time.Millisecond)
	if _, wait := rl.Allow("k"); wait != 500*time.Millisecond {
		t.Errorf("expected 500ms left of the deficit, got %v", wait)
	}

	clk.advance(500 * time.Millisecond)
	if ok, wait := rl.Allow("k"); !ok || wait != 0 {
		t.Errorf("token should be back, got %v %v", ok, wait)
	}
}

func TestRateLimiter_Isolation(t *testing.T) {
	rl := NewRateLimiter(10, 1)

	if ok, _ := rl.Allow("1.1.1.1"); !ok {
		t.Errorf("Should allow ip1")
	}
	if ok, _ := rl.Allow("1.1.1.1"); ok {
		t.Errorf("Should block ip1")
	}
	if ok, _ := rl.Allow("2.2.2.2"); !ok {
		t.Errorf("Should allow ip2 (isolated from ip1)")
	}

	rl.Reset("1.1.1.1")
	if ok, _ := rl.Allow("1.1.1.1"); !ok {
		t.Errorf("Reset should restore a full bucket")
	}
}

func TestRateLimiter_Cleanup(t *testing.T) {
	clk := &stepClock{t: time.Unix(1700000000, 0)}
	rl := NewRateLimiter(10, 5)
	rl.now = clk.now
	rl.Allow("old.ip")
	clk.advance(11 * time.Minute)
	rl.Allow("new.ip")

	if n := rl.Cleanup(10 * time.Minute); n != 1 {
		t.Errorf("expected 1 bucket removed, got %d", n)
	}
	if _, ok := rl.clients["new.ip"]; !ok {
		t.Errorf("fresh bucket should survive cleanup")
	}
}

func TestRetryAfterSeconds(t *testing.T) {
	cases := map[time.Duration]int{
		0:                       1,
		100 * time.Millisecond:  1,
		time.Second:             1,
		2500 * time.Millisecond: 3,
	}
	for in, want := range cases {
		if got := retryAfterSeconds(in); got != want {
			t.Errorf("retryAfterSeconds(%v) = %d, want %d", in, got, want)
		}
	}
}
