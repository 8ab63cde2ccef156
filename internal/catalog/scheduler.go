package catalog

import (
	"context"
	"time"
)

// startScheduler launches the handle's commit loop. It commits when the
// pending batch reaches the size threshold (signalled through kick) or
// when something is pending and the commit interval has elapsed since the
// last commit.
func (h *Handle) startScheduler(parent context.Context) {
	ctx, cancel := context.WithCancel(parent)
	h.stopScheduler = cancel
	h.schedulerDone = make(chan struct{})
	go h.runScheduler(ctx)
}

func (h *Handle) runScheduler(ctx context.Context) {
	defer close(h.schedulerDone)
	timer := time.NewTimer(h.untilDue(time.Now()))
	defer timer.Stop()

	h.logger.Debug("commit scheduler started",
		"interval", h.opts.CommitInterval,
		"threshold", h.opts.CommitThreshold,
	)
	for {
		select {
		case <-ctx.Done():
			h.logger.Debug("commit scheduler stopped")
			return
		case <-h.kick:
			h.scheduledCommit(ctx, "size")
		case now := <-timer.C:
			if h.due(now) {
				h.scheduledCommit(ctx, "interval")
			}
		}
		timer.Reset(h.untilDue(time.Now()))
	}
}

// scheduledCommit runs one cycle. The cycle itself is not cancelled when
// the scheduler stops, so stopping waits for it instead of abandoning it.
func (h *Handle) scheduledCommit(ctx context.Context, trigger string) {
	res, err := h.commit(context.WithoutCancel(ctx), false)
	if err != nil {
		// already logged and counted by commit; retried on the next trigger
		return
	}
	if res.Committed {
		h.logger.Debug("scheduled commit", "trigger", trigger, "generation", res.Generation)
	}
}

func (h *Handle) due(now time.Time) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.pending) > 0 && now.Sub(h.lastCommit) >= h.opts.CommitInterval
}

// untilDue is the delay before the interval trigger should next be
// checked. After a failed commit the retry waits one full interval.
func (h *Handle) untilDue(now time.Time) time.Duration {
	h.mu.Lock()
	defer h.mu.Unlock()
	d := h.opts.CommitInterval - now.Sub(h.lastCommit)
	if d <= 0 {
		d = h.opts.CommitInterval
	}
	return d
}

// stop cancels the scheduler and waits for it to exit. Safe to call more
// than once and on a handle whose scheduler never started.
func (h *Handle) stop() {
	h.stopOnce.Do(func() {
		if h.stopScheduler == nil {
			return
		}
		h.stopScheduler()
		<-h.schedulerDone
	})
}
