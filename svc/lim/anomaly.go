package lim

import (
	"sync"
	"sync/atomic"
	"time"

	"ciphernotes/metrics"
	"ciphernotes/svc/util"
)

const (
	anomalyBuckets     = 5
	anomalyMinRequests = 10
	anomalyErrorRate   = 5.0
)

// AnomalyDetector watches the server error rate over the last five minutes
// and calls onAnomaly when more than 5% of at least 10 requests failed.
// Recording is lock free; the ring is only locked when it rotates.
type AnomalyDetector struct {
	requests atomic.Int64
	errors   atomic.Int64

	mu        sync.Mutex
	ring      [anomalyBuckets]minute
	head      int
	onAnomaly func()
	done      chan struct{}
	stopOnce  sync.Once
}

type minute struct{ requests, errors int64 }

func NewAnomalyDetector(onAnomaly func()) *AnomalyDetector {
	return &AnomalyDetector{onAnomaly: onAnomaly, done: make(chan struct{})}
}

// Start rotates the window once a minute until Stop.
func (d *AnomalyDetector) Start() {
	go func() {
		t := time.NewTicker(time.Minute)
		defer t.Stop()
		for {
			select {
			case <-t.C:
				d.AdvanceWindow()
			case <-d.done:
				return
			}
		}
	}()
}

func (d *AnomalyDetector) Stop() {
	d.stopOnce.Do(func() { close(d.done) })
}

func (d *AnomalyDetector) RecordRequest() { d.requests.Add(1) }
func (d *AnomalyDetector) RecordError()   { d.errors.Add(1) }

// AdvanceWindow closes the current minute and evaluates the window. It
// returns the error rate in percent.
func (d *AnomalyDetector) AdvanceWindow() float64 {
	d.mu.Lock()
	d.ring[d.head] = minute{requests: d.requests.Swap(0), errors: d.errors.Swap(0)}
	var reqs, errs int64
	for _, m := range d.ring {
		reqs += m.requests
		errs += m.errors
	}
	d.head = (d.head + 1) % anomalyBuckets
	d.ring[d.head] = minute{}
	d.mu.Unlock()

	rate := 0.0
	if reqs > 0 {
		rate = float64(errs) * 100 / float64(reqs)
	}
	metrics.RecentErrorRatePercent.Set(rate)
	if reqs >= anomalyMinRequests && rate > anomalyErrorRate {
		util.Warn().Float64("error_rate", rate).Int64("requests", reqs).Int64("errors", errs).
			Msg("server error rate high, halving rate limits")
		if d.onAnomaly != nil {
			d.onAnomaly()
		}
	}
	return rate
}
