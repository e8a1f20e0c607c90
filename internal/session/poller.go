package session

import (
	"time"

	"go.uber.org/zap"

	"github.com/giantstar-manager/warudo-cam/internal/monitoring"
	"github.com/giantstar-manager/warudo-cam/internal/stats"
)

// StartStatsPolling polls immediately and then every interval, replacing
// any running poller. A non-positive interval uses the configured default.
func (e *Engine) StartStatsPolling(interval time.Duration) {
	if interval <= 0 {
		interval = e.cfg.Stats.Interval
	}

	e.mu.Lock()
	e.stopPollerLocked()
	e.pollerEpoch++
	epoch := e.pollerEpoch
	stop := make(chan struct{})
	e.pollerStop = stop
	e.prevSample = stats.Sample{}
	e.mu.Unlock()

	e.logger.Debug("stats polling started", zap.Duration("interval", interval))
	e.poll(epoch)

	ticker := e.clock.Ticker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				e.poll(epoch)
			}
		}
	}()
}

func (e *Engine) StopStatsPolling() {
	e.mu.Lock()
	e.stopPollerLocked()
	e.mu.Unlock()
}

func (e *Engine) stopPollerLocked() {
	if e.pollerStop == nil {
		return
	}
	close(e.pollerStop)
	e.pollerStop = nil
	e.pollerEpoch++
}

// RecentMetrics returns up to n derived samples, newest first.
func (e *Engine) RecentMetrics(n int) []stats.Metrics {
	return e.history.Recent(n)
}

// poll takes one sample. The result is dropped when the poller or the
// session changed while the report was being collected.
func (e *Engine) poll(epoch uint64) {
	e.mu.Lock()
	if e.pollerEpoch != epoch || e.sess == nil {
		e.mu.Unlock()
		return
	}
	sess := e.sess
	prev := e.prevSample
	if e.sampleGen != sess.generation {
		prev = stats.Sample{}
	}
	e.mu.Unlock()

	report := sess.peer.GetStats()
	m, next := stats.ComputeMetrics(report, prev, e.clock.Now())

	e.mu.Lock()
	if e.pollerEpoch != epoch || e.sess != sess {
		e.mu.Unlock()
		return
	}
	e.prevSample = next
	e.sampleGen = sess.generation
	e.mu.Unlock()

	e.history.Add(m)
	e.collector.ObserveHealth(monitoring.Health{
		BitrateBps:           m.BitrateBps,
		FPS:                  m.FPS,
		PacketLossPercent:    m.PacketLossPercent,
		RoundTripTimeSeconds: m.RoundTripTimeSeconds,
		JitterSeconds:        m.JitterSeconds,
	})
	e.metricsObs.notify(m)
}
