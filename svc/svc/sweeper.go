package svc

import (
	"context"
	"time"

	"ciphernotes/metrics"
	"ciphernotes/svc/util"
)

// StartSweeper runs Sweep every interval until Shutdown. Calling it more
// than once has no effect.
func (p *Paste) StartSweeper(interval time.Duration) {
	p.sweepOnce.Do(func() {
		p.sweeping.Store(true)
		go p.runSweeper(interval)
	})
}

func (p *Paste) runSweeper(interval time.Duration) {
	defer close(p.sweepDone)
	sweepID := util.NewRequestID()
	ctx := util.SetRequestID(context.Background(), sweepID)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	util.Info().
		Str("request_id", sweepID).
		Dur("interval", interval).
		Msg("expiry sweeper started")
	for {
		select {
		case <-p.sweepStop:
			util.Info().Str("request_id", sweepID).Msg("expiry sweeper shutting down")
			return
		case <-ticker.C:
			p.Sweep(ctx)
		}
	}
}

// Sweep deletes every expired record once. It is safe to run concurrently
// with reads and deletes of the same records.
func (p *Paste) Sweep(ctx context.Context) int {
	metrics.SweepCycles.Inc()
	ctx, cancel := context.WithTimeout(ctx, time.Minute)
	defer cancel()
	deleted, err := p.db.DeleteExpired(ctx, p.now())
	if err != nil {
		util.Error().
			Err(err).
			Str("request_id", util.GetRequestID(ctx)).
			Int("deleted", deleted).
			Msg("expiry sweep failed")
	} else if deleted > 0 {
		util.Info().
			Int("deleted", deleted).
			Str("request_id", util.GetRequestID(ctx)).
			Msg("expiry sweep completed")
	}
	if deleted > 0 {
		metrics.PasteDeleted.WithLabelValues(metrics.ReasonExpired).Add(float64(deleted))
	}
	if n, err := p.db.Count(ctx); err == nil {
		metrics.StoredPastes.Set(float64(n))
	}
	return deleted
}

// Shutdown stops the sweeper and waits for in-flight operations.
func (p *Paste) Shutdown() {
	if p.shutdown.Swap(true) {
		return
	}
	// Blocks a later StartSweeper.
	p.sweepOnce.Do(func() {})
	close(p.sweepStop)
	if p.sweeping.Load() {
		select {
		case <-p.sweepDone:
		case <-time.After(10 * time.Second):
			util.Warn().Msg("expiry sweeper did not stop in time")
		}
	}
	p.opWg.Wait()
	util.Debug().Msg("paste service shutdown complete")
}
