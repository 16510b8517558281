package core

import (
	"context"
	"time"
)

// validationLoop periodically sweeps the idle queues: expired, aged, and
// not-ready handles are disposed, survivors are re-enqueued in their original
// order, and each source is re-warmed to at least one idle handle.
func (p *Pool) validationLoop(ctx context.Context) {
	defer p.wg.Done()

	ticker := time.NewTicker(p.cfg.ValidationInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.validateOnce(ctx)
		}
	}
}

func (p *Pool) validateOnce(ctx context.Context) {
	now := p.now()

	for _, name := range p.names {
		ps := p.sources[name]

		drained := ps.drain()
		kept := 0
		for _, h := range drained {
			if !p.queueHandleValid(h, now) {
				p.invalidatedHandles.Add(1)
				h.dispose()
				continue
			}
			if !ps.enqueue(h) {
				h.dispose()
				continue
			}
			kept++
		}
		if len(drained) > kept {
			Logger().Debug("validation disposed handles",
				"source", name,
				"disposed", len(drained)-kept,
				"kept", kept)
		}

		// Re-warm so the next checkout does not pay clone latency. Skip a
		// throttled source: cloning talks to the server.
		if kept == 0 && !p.tracker.IsThrottled(name) {
			h, err := p.mint(ctx, ps)
			if err != nil {
				Logger().Debug("re-warm clone failed", "source", name, "error", err)
				continue
			}
			if !ps.enqueue(h) {
				h.dispose()
			}
		}
	}
}

// queueHandleValid applies the queue-health predicates during a validation
// sweep. Unlike checkout validation it always enforces the time predicates.
func (p *Pool) queueHandleValid(h *PooledHandle, now time.Time) bool {
	if invalid, _ := h.IsInvalid(); invalid {
		return false
	}
	if now.Sub(h.LastUsedAt()) > p.cfg.MaxIdleTime {
		return false
	}
	if now.Sub(h.createdAt) > p.cfg.MaxLifetime {
		return false
	}
	return h.client.IsReady()
}
