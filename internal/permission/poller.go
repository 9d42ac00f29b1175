package permission

import (
	"context"
	"log/slog"
	"time"
)

// Poller re-queries a set of capabilities at a fixed interval and reports
// state changes. It is a liveness signal only: reads and writes always
// re-check permission immediately before use.
type Poller struct {
	lifecycle *Lifecycle
	interval  time.Duration
	targets   func() []Key
	onChange  func(Change)
	logger    *slog.Logger
}

// NewPoller creates a poller. targets is called on every tick to get the
// currently visible capabilities.
func NewPoller(lc *Lifecycle, interval time.Duration, targets func() []Key, onChange func(Change)) *Poller {
	return &Poller{
		lifecycle: lc,
		interval:  interval,
		targets:   targets,
		onChange:  onChange,
		logger:    lc.logger,
	}
}

// Run polls until ctx is cancelled. A slow query delays the next tick
// rather than overlapping it.
func (p *Poller) Run(ctx context.Context) error {
	if p.interval <= 0 {
		<-ctx.Done()
		return ctx.Err()
	}
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.PollOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			p.PollOnce(ctx)
		}
	}
}

// PollOnce queries every target once, sequentially.
func (p *Poller) PollOnce(ctx context.Context) {
	for _, k := range p.targets() {
		if ctx.Err() != nil {
			return
		}
		change, err := p.lifecycle.Query(ctx, k)
		if err != nil {
			p.logger.Debug("permission poll failed", "id", k.ID, "error", err)
			continue
		}
		if change.From != change.To && p.onChange != nil {
			p.onChange(change)
		}
	}
}
