package coordinator

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"torrentctl/internal/engine"
)

// Pump drains pending engine events, logs them, drops records whose engine
// handle became invalid and then waits up to timeout. It returns ctx.Err()
// when ctx ends during the wait.
func (c *coordinator) Pump(ctx context.Context, timeout time.Duration) error {
	for _, ev := range c.eng.PopEvents() {
		c.handleEvent(ctx, ev)
	}
	c.reconcile(ctx)

	if timeout <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Run pumps every interval until ctx is done.
func (c *coordinator) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = c.cfg.PumpInterval
	}
	c.logger.WithField("interval", interval).Debug("event pump started")
	for {
		if err := c.Pump(ctx, interval); err != nil {
			c.logger.Debug("event pump stopped")
			return nil
		}
	}
}

func (c *coordinator) handleEvent(ctx context.Context, ev engine.Event) {
	logger := c.logger.WithField("info_hash", ev.InfoHash)
	switch ev.Type {
	case engine.EventFinished:
		logger.WithField("state", ev.State).Info("task finished")
		if c.journal != nil {
			if err := c.journal.TaskFinished(ctx, ev.InfoHash); err != nil {
				logger.Warnf("journal task finished: %v", err)
			}
		}
	case engine.EventTrackerAnnounce:
		logger.Debugf("tracker announce: %s", ev.Message)
	case engine.EventTaskError:
		logger.Errorf("task error: %s", ev.Message)
		if c.journal != nil {
			if err := c.journal.TaskFailed(ctx, ev.InfoHash, ev.Message); err != nil {
				logger.Warnf("journal task failure: %v", err)
			}
		}
	case engine.EventFileError:
		logger.WithField("file", ev.Path).Errorf("file error: %s", ev.Message)
	case engine.EventStateChanged:
		logger.WithField("state", ev.State).Debug("task state changed")
	default:
		logger.WithFields(logrus.Fields{"type": ev.Type, "message": ev.Message}).Debug("unhandled engine event")
	}
}

// reconcile drops records whose handle the engine retired on its own.
func (c *coordinator) reconcile(ctx context.Context) {
	c.mu.Lock()
	var dropped []string
	for _, rec := range c.reg.list("") {
		if rec.valid && c.eng.Valid(rec.handle) {
			continue
		}
		c.reg.remove(rec.id)
		dropped = append(dropped, rec.id)
	}
	c.mu.Unlock()

	for _, id := range dropped {
		c.logger.WithField("info_hash", id).Warn("engine handle invalid, task dropped")
		if c.journal != nil {
			if err := c.journal.TaskFailed(ctx, id, "task handle invalidated by engine"); err != nil {
				c.logger.WithField("info_hash", id).Warnf("journal task failure: %v", err)
			}
		}
	}
}
