package session

import (
	"context"
	"fmt"
	"time"

	"github.com/go-co-op/gocron/v2"

	"github.com/marmos91/sharethings/internal/logger"
)

// ExpiredNotifier is invoked for each expired session before its record and
// membership are dropped. memberIDs are the connection IDs of members still
// connected at expiry time; notification is best-effort.
type ExpiredNotifier func(sessionID string, memberIDs []string)

// Expirer runs the periodic session expiry loop.
//
// Expiry is time-based, not cooperative: sessions whose last activity is
// older than the registry timeout are notified and deleted. A client may
// immediately rejoin with the same passphrase; because the record is gone,
// the rejoin creates a fresh session.
type Expirer struct {
	registry  *Registry
	interval  time.Duration
	notify    ExpiredNotifier
	scheduler gocron.Scheduler
}

// NewExpirer creates an expiry loop over the registry. notify may be nil.
func NewExpirer(registry *Registry, interval time.Duration, notify ExpiredNotifier) (*Expirer, error) {
	scheduler, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("failed to create expiry scheduler: %w", err)
	}

	e := &Expirer{
		registry:  registry,
		interval:  interval,
		notify:    notify,
		scheduler: scheduler,
	}

	_, err = scheduler.NewJob(
		gocron.DurationJob(interval),
		gocron.NewTask(e.runOnce),
		gocron.WithName("session-expiry"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to schedule expiry job: %w", err)
	}

	return e, nil
}

// Start begins the expiry loop.
func (e *Expirer) Start() {
	e.scheduler.Start()
	logger.Info("session expiry loop started",
		"interval", e.interval.String(),
		"timeout", e.registry.Timeout().String(),
	)
}

// Stop halts the expiry loop.
func (e *Expirer) Stop() error {
	return e.scheduler.Shutdown()
}

// runOnce is the scheduled task body.
func (e *Expirer) runOnce() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if _, err := e.ExpireNow(ctx, time.Now()); err != nil {
		logger.Error("session expiry pass failed", logger.KeyError, err.Error())
	}
}

// ExpireNow performs a single expiry pass as of now and returns the IDs of
// expired sessions. Exposed separately from the scheduler for tests and for
// forced cleanup on demand.
func (e *Expirer) ExpireNow(ctx context.Context, now time.Time) ([]string, error) {
	expired, err := e.registry.FindExpired(ctx, now)
	if err != nil {
		return nil, fmt.Errorf("failed to find expired sessions: %w", err)
	}

	for _, sessionID := range expired {
		memberIDs := e.registry.MemberIDs(sessionID)

		// Notify before dropping tokens so members learn why their session
		// disappeared. Delivery is best-effort.
		if e.notify != nil {
			e.notify(sessionID, memberIDs)
		}

		if _, err := e.registry.Remove(ctx, sessionID); err != nil {
			logger.Error("failed to remove expired session",
				logger.KeySessionID, sessionID,
				logger.KeyError, err.Error(),
			)
			continue
		}

		logger.Info("session expired",
			logger.KeySessionID, sessionID,
			"members_notified", len(memberIDs),
		)
	}

	return expired, nil
}
