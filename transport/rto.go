package transport

import (
	"time"

	"sphynx/domain"
)

// rtoEstimator tracks one stream's smoothed RTT and derives its
// retransmission timeout, per spec §4.2: "RTO per stream = 2 × smoothed
// RTT, floor 100 ms, ceiling 3 s. Smoothed RTT updated per ACK as
// RTT_s ← 7/8 · RTT_s + 1/8 · sample."
type rtoEstimator struct {
	smoothed time.Duration
	hasSample bool
}

func (e *rtoEstimator) onSample(sample time.Duration) {
	if !e.hasSample {
		e.smoothed = sample
		e.hasSample = true
		return
	}
	e.smoothed = e.smoothed*7/8 + sample/8
}

func (e *rtoEstimator) rto() time.Duration {
	rto := 2 * e.smoothed
	if rto < domain.MinRTO {
		rto = domain.MinRTO
	}
	if rto > domain.MaxRTO {
		rto = domain.MaxRTO
	}
	return rto
}
