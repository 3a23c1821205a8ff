// Package flowcontrol implements the epoch-based leaky-bucket scheduler
// each Connexion uses to pace its own send rate (spec §4.3). The rate step
// in OnTick is a simplified AIMD: it does not compare the median RTT with
// earlier ticks (see OnTick). The concurrency shape — one
// mutex around the budget-changing pair, atomics for advisory stats —
// follows the same split the teacher uses between its locked connection
// state and its lock-free packet counters (infrastructure/cryptography's
// atomic IV counter is the same pattern applied elsewhere in this module,
// see crypto/aead.SendCipher).
package flowcontrol

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/VictoriaMetrics/metrics"

	"sphynx/domain"
)

const (
	rttSampleWindow = 8
	rttSpikeLimit   = 300 * time.Millisecond
	lossRateLimit   = 0.03
	minIncreaseBps  = 1000
)

// Controller is one Connexion's flow-control state (spec §4.3).
type Controller struct {
	lowLimit, highLimit int64

	mu              sync.Mutex
	currentBps      int64
	availableBytes  int64
	lastUpdate      time.Time

	rttSamples  [rttSampleWindow]time.Duration
	lossSamples [rttSampleWindow]uint32
	sampleNext  int
	sampleCount int

	sentBytes atomic.Uint64
	ackedRTTs atomic.Uint64

	metricBps      *metrics.Gauge
	metricAvail    *metrics.Gauge
}

// New creates a Controller starting at lowBps, labeled with connID for its
// exported gauges (spec §4.3 defaults: 10 KB/s .. 100 MB/s unless
// overridden by config).
func New(connID string, lowBps, highBps int64, now time.Time) *Controller {
	if lowBps <= 0 {
		lowBps = domain.DefaultBandwidthLowBps
	}
	if highBps <= 0 {
		highBps = domain.DefaultBandwidthHighBps
	}
	c := &Controller{
		lowLimit:   lowBps,
		highLimit:  highBps,
		currentBps: lowBps,
		lastUpdate: now,
	}
	c.metricBps = metrics.GetOrCreateGauge(`sphynx_flowcontrol_current_bps{conn="`+connID+`"}`, func() float64 {
		c.mu.Lock()
		defer c.mu.Unlock()
		return float64(c.currentBps)
	})
	c.metricAvail = metrics.GetOrCreateGauge(`sphynx_flowcontrol_available_bytes{conn="`+connID+`"}`, func() float64 {
		c.mu.Lock()
		defer c.mu.Unlock()
		return float64(c.availableBytes)
	})
	return c
}

func (c *Controller) bytesPerTickMax() int64 {
	return c.currentBps * int64(domain.TickInterval) / int64(time.Second)
}

// GetRemainingBytes refills the bucket for elapsed time and returns the
// current budget, capped at one tick's worth.
func (c *Controller) GetRemainingBytes(now time.Time) int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.getRemainingBytesLocked(now)
}

func (c *Controller) getRemainingBytesLocked(now time.Time) int64 {
	elapsed := now.Sub(c.lastUpdate)
	if elapsed > 0 {
		c.availableBytes += int64(elapsed) * c.currentBps / int64(time.Second)
		c.lastUpdate = now
	}
	tickCap := c.bytesPerTickMax()
	if c.availableBytes > tickCap {
		c.availableBytes = tickCap
	}
	return c.availableBytes
}

// OnPacketSend debits the bucket, bounded below at -bytesPerTickMax so a
// single oversized send cannot starve the connection indefinitely.
func (c *Controller) OnPacketSend(now time.Time, n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.getRemainingBytesLocked(now)
	c.availableBytes -= int64(n)
	floor := -c.bytesPerTickMax()
	if c.availableBytes < floor {
		c.availableBytes = floor
	}
	c.sentBytes.Add(uint64(n))
}

// OnACK appends an RTT/loss sample to the ring buffer (spec §4.3). The
// ACK counter is an atomic; the ring buffer itself is written under the
// main mutex, which OnTick also takes to read it.
func (c *Controller) OnACK(avgRTT time.Duration, nackLossCount uint32) {
	c.ackedRTTs.Add(1)
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rttSamples[c.sampleNext] = avgRTT
	c.lossSamples[c.sampleNext] = nackLossCount
	c.sampleNext = (c.sampleNext + 1) % rttSampleWindow
	if c.sampleCount < rttSampleWindow {
		c.sampleCount++
	}
}

// OnTick runs the additive-increase/multiplicative-decrease step (spec
// §4.3): halve current_bps (floored at the low limit) when the median of
// the recent RTT samples exceeds 300 ms or the mean loss per sample
// exceeds 0.03; otherwise grow it by max(current/32, 1000) bytes/s, capped
// at the high limit. The median RTT is not compared with earlier ticks, so
// a growing but still sub-300 ms RTT does not hold the rate back.
func (c *Controller) OnTick() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sampleCount == 0 {
		return
	}

	median := medianDuration(c.rttSamples[:c.sampleCount])
	var lossTotal uint32
	for i := 0; i < c.sampleCount; i++ {
		lossTotal += c.lossSamples[i]
	}
	lossRate := float64(lossTotal) / float64(c.sampleCount)

	if median > rttSpikeLimit || lossRate > lossRateLimit {
		c.currentBps /= 2
		if c.currentBps < c.lowLimit {
			c.currentBps = c.lowLimit
		}
		return
	}

	increase := c.currentBps / 32
	if increase < minIncreaseBps {
		increase = minIncreaseBps
	}
	c.currentBps += increase
	if c.currentBps > c.highLimit {
		c.currentBps = c.highLimit
	}
}

func (c *Controller) CurrentBps() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.currentBps
}

func medianDuration(samples []time.Duration) time.Duration {
	sorted := make([]time.Duration, len(samples))
	copy(sorted, samples)
	for i := 1; i < len(sorted); i++ {
		for j := i; j > 0 && sorted[j-1] > sorted[j]; j-- {
			sorted[j-1], sorted[j] = sorted[j], sorted[j-1]
		}
	}
	return sorted[len(sorted)/2]
}
