package flowcontrol

import (
	"testing"
	"time"
)

func TestGetRemainingBytesRefills(t *testing.T) {
	now := time.Now()
	c := New("t1", 10_000, 100_000, now)

	got := c.GetRemainingBytes(now)
	if got != 0 {
		t.Fatalf("expected 0 bytes at t0, got %d", got)
	}

	later := now.Add(500 * time.Millisecond)
	got = c.GetRemainingBytes(later)
	if got <= 0 {
		t.Fatalf("expected positive refill after 500ms, got %d", got)
	}
}

func TestOnPacketSendBoundedNegative(t *testing.T) {
	now := time.Now()
	c := New("t2", 10_000, 10_000, now)
	c.OnPacketSend(now, 1_000_000)
	remaining := c.GetRemainingBytes(now)
	floor := -c.bytesPerTickMax()
	if remaining < floor {
		t.Fatalf("available bytes %d exceeded floor %d", remaining, floor)
	}
}

func TestOnTickIncreasesOnHealthySamples(t *testing.T) {
	now := time.Now()
	c := New("t3", 10_000, 1_000_000, now)
	for i := 0; i < 8; i++ {
		c.OnACK(20*time.Millisecond, 0)
	}
	before := c.CurrentBps()
	c.OnTick()
	after := c.CurrentBps()
	if after <= before {
		t.Fatalf("expected bps to increase, before=%d after=%d", before, after)
	}
}

func TestOnTickDecreasesOnRTTSpike(t *testing.T) {
	now := time.Now()
	c := New("t4", 10_000, 1_000_000, now)
	c.currentBps = 400_000
	for i := 0; i < 8; i++ {
		c.OnACK(500*time.Millisecond, 0)
	}
	c.OnTick()
	if c.CurrentBps() != 200_000 {
		t.Fatalf("expected halved bps 200000, got %d", c.CurrentBps())
	}
}

func TestOnTickDecreasesOnLoss(t *testing.T) {
	now := time.Now()
	c := New("t5", 10_000, 1_000_000, now)
	c.currentBps = 400_000
	for i := 0; i < 8; i++ {
		c.OnACK(20*time.Millisecond, 1)
	}
	c.OnTick()
	if c.CurrentBps() != 200_000 {
		t.Fatalf("expected halved bps on loss, got %d", c.CurrentBps())
	}
}

func TestOnTickFloorsAtLowLimit(t *testing.T) {
	now := time.Now()
	c := New("t6", 50_000, 1_000_000, now)
	c.currentBps = 60_000
	for i := 0; i < 8; i++ {
		c.OnACK(500*time.Millisecond, 5)
	}
	c.OnTick()
	if c.CurrentBps() != 50_000 {
		t.Fatalf("expected floor at low limit 50000, got %d", c.CurrentBps())
	}
}
