package dispatch

import (
	"context"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/pwei1018/bcros-common-sub000/internal/bus"
	"github.com/pwei1018/bcros-common-sub000/internal/store"
)

// Sweeper is the safety net under the bus's at-least-once delivery. It
// re-admits notifications whose lease expired (worker died mid-send) and
// re-enqueues PENDING rows whose dispatch event was lost (publish failed
// after commit, or a retry republish was dropped).
type Sweeper struct {
	store     store.Store
	publisher bus.Publisher
	topic     string
	interval  time.Duration
	log       logrus.FieldLogger
}

// NewSweeper wires a sweeper. Interval defaults to one minute.
func NewSweeper(s store.Store, publisher bus.Publisher, topic string, interval time.Duration, log logrus.FieldLogger) *Sweeper {
	if interval <= 0 {
		interval = time.Minute
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Sweeper{
		store:     s,
		publisher: publisher,
		topic:     topic,
		interval:  interval,
		log:       log,
	}
}

// Run sweeps on the configured interval until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.log.WithField("interval", s.interval.String()).Info("sweeper starting")
	for {
		select {
		case <-ctx.Done():
			s.log.Info("sweeper stopped")
			return ctx.Err()
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

func (s *Sweeper) sweep(ctx context.Context) {
	now := time.Now().UTC()

	expired, err := s.store.SweepExpiredLeases(ctx, now)
	if err != nil {
		s.log.WithError(err).Error("sweeping expired leases failed")
	} else {
		for _, stale := range expired {
			s.enqueue(ctx, stale, "expired lease")
		}
	}

	// PENDING rows with no state-machine event for two sweep intervals
	// have either lost their dispatch event or their retry republish.
	// Anything touched more recently may simply be waiting out its
	// backoff.
	threshold := now.Add(-2 * s.interval)
	orphans, err := s.store.FindStalePending(ctx, threshold, 100)
	if err != nil {
		s.log.WithError(err).Error("finding stale pending notifications failed")
		return
	}
	for _, stale := range orphans {
		s.enqueue(ctx, stale, "stale pending")
	}
}

func (s *Sweeper) enqueue(ctx context.Context, stale store.StalePending, reason string) {
	payload, err := bus.EncodeDispatch(strconv.FormatInt(stale.ID, 10), stale.Attempt)
	if err != nil {
		s.log.WithError(err).WithField("notification_id", stale.ID).Error("encoding sweep dispatch failed")
		return
	}
	if err := s.publisher.Publish(ctx, s.topic, payload, nil); err != nil {
		s.log.WithError(err).WithField("notification_id", stale.ID).Error("re-enqueueing notification failed")
		return
	}
	s.log.WithFields(logrus.Fields{
		"notification_id": stale.ID,
		"attempt":         stale.Attempt,
		"reason":          reason,
	}).Info("notification re-enqueued")
}
