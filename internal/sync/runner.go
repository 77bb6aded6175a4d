package sync

import (
	"context"
	"time"
)

// OnlineChecker reports whether the upstream is believed reachable
type OnlineChecker interface {
	Online() bool
}

// Trigger asks the run loop for a drain. Requests arriving while one is
// already queued are merged into it.
func (r *Reconciler) Trigger(t Trigger) {
	select {
	case r.triggers <- t:
	default:
		r.logger.Debug("Drain already requested, merging trigger", "trigger", t)
	}
}

// Run recovers interrupted items, drains once, then drains on every
// trigger and periodic wake until ctx is done. online may be nil.
func (r *Reconciler) Run(ctx context.Context, online OnlineChecker) error {
	if err := r.Recover(ctx); err != nil {
		return err
	}

	r.runDrain(ctx, online, TriggerStartup)

	var tick <-chan time.Time
	if r.cfg.PeriodicInterval > 0 {
		ticker := time.NewTicker(r.cfg.PeriodicInterval)
		defer ticker.Stop()
		tick = ticker.C
	}

	r.logger.Info("Reconciler started", "periodic_interval", r.cfg.PeriodicInterval)
	for {
		select {
		case <-ctx.Done():
			r.logger.Info("Reconciler stopped")
			return nil
		case t := <-r.triggers:
			r.runDrain(ctx, online, t)
		case <-tick:
			r.runDrain(ctx, online, TriggerPeriodic)
		}
	}
}

func (r *Reconciler) runDrain(ctx context.Context, online OnlineChecker, t Trigger) {
	if online != nil && !online.Online() {
		r.logger.Debug("Skipping drain while offline", "trigger", t)
		return
	}

	result, err := r.Drain(ctx, t)
	if err != nil {
		r.logger.Error("Drain failed", "trigger", t, "error", err)
		return
	}
	if !result.Coalesced {
		r.logger.Debug("Drain finished", "trigger", t, "result", result.String())
	}
}
