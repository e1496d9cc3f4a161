package kairos

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// ──────────────────────────────────────────────
// PeriodicMonitor
// ──────────────────────────────────────────────

// EvaluateFn runs one evaluation pass for a user. The monitor calls it with
// the user's latest snapshot.
type EvaluateFn func(userID string, snap *UserStateSnapshot)

// PeriodicMonitor re-evaluates every tracked user on a fixed interval. It
// complements push triggers: a user whose state crossed a threshold between
// push events is still found within one period.
//
// Usage:
//
//	monitor := kairos.NewPeriodicMonitor(cfg, provider, engine.EvaluateUser)
//	monitor.Start()
//	defer monitor.Stop()
type PeriodicMonitor struct {
	interval    time.Duration
	concurrency int
	provider    StateProvider
	evaluate    EvaluateFn
	log         *logrus.Entry

	mu      sync.Mutex
	stopCh  chan struct{}
	doneCh  chan struct{}
	running bool
}

// NewPeriodicMonitor creates a monitor.
func NewPeriodicMonitor(cfg *Config, provider StateProvider, evaluate EvaluateFn) *PeriodicMonitor {
	cfg = cfg.normalized()
	return &PeriodicMonitor{
		interval:    cfg.MonitorInterval,
		concurrency: cfg.MonitorConcurrency,
		provider:    provider,
		evaluate:    evaluate,
		log:         cfg.component("PeriodicMonitor"),
	}
}

// Start launches the background poll loop. Non-blocking, idempotent.
func (p *PeriodicMonitor) Start() {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return
	}
	p.running = true
	p.stopCh = make(chan struct{})
	p.doneCh = make(chan struct{})
	p.mu.Unlock()

	go p.pollLoop()
	p.log.WithField("interval", p.interval).Info("started")
}

// Stop halts the loop gracefully: the in-flight pass completes, no new pass
// starts. Blocks until the loop has exited.
func (p *PeriodicMonitor) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	close(p.stopCh)
	done := p.doneCh
	p.mu.Unlock()

	<-done
	p.log.Info("stopped")
}

func (p *PeriodicMonitor) pollLoop() {
	defer close(p.doneCh)
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.runPass()
		}
	}
}

// runPass evaluates every tracked user once, bounded-concurrently. One
// user's failure never halts evaluation for the others.
func (p *PeriodicMonitor) runPass() {
	if p.provider == nil {
		return
	}
	ids := p.provider.UserIDs()
	if len(ids) == 0 {
		return
	}

	var g errgroup.Group
	g.SetLimit(p.concurrency)
	for _, id := range ids {
		id := id
		g.Go(func() error {
			defer func() {
				if r := recover(); r != nil {
					p.log.WithFields(logrus.Fields{"user": id, "panic": r}).
						Error("evaluation pass panicked")
				}
			}()
			snap, ok := p.provider.Snapshot(id)
			if !ok {
				return nil
			}
			p.evaluate(id, snap)
			return nil
		})
	}
	g.Wait()
}
