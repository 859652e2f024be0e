// Package broadcast fans state deltas out to live subscribers with
// per-subscriber ordering, at-least-once delivery and resumable cursors
// backed by the durable per-run delta log.
package broadcast

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/duetflow/duetflow/pkg/eventbus"
	"github.com/duetflow/duetflow/pkg/events"
	"github.com/duetflow/duetflow/pkg/models"
	"github.com/duetflow/duetflow/pkg/persistence"
)

// ErrSnapshotRequired reports that the subscriber's cursor predates the
// retained delta log; the caller must fetch a full state snapshot and
// re-subscribe from its version.
var ErrSnapshotRequired = errors.New("delta log no longer covers the requested version, fetch a snapshot")

// DefaultRetention is how many deltas per run stay replayable.
const DefaultRetention = 256

// DefaultSubscriberBuffer bounds each subscriber's outbound channel. A
// subscriber that falls this far behind is disconnected rather than
// allowed to block publication.
const DefaultSubscriberBuffer = 64

type Config struct {
	Retention        int
	SubscriberBuffer int
}

// Broadcaster implements the engine's delta fan-out. Publish appends to
// the durable log before anything else, so a crash never loses an
// acknowledged delta; live delivery is strictly non-blocking.
type Broadcaster struct {
	deltas    persistence.DeltaLogRepository
	publisher eventbus.EventPublisher
	logger    *slog.Logger

	retention int
	buffer    int

	mu   sync.Mutex
	subs map[string]map[string]*subscription
}

func NewBroadcaster(config Config, deltas persistence.DeltaLogRepository, publisher eventbus.EventPublisher, logger *slog.Logger) *Broadcaster {
	if config.Retention <= 0 {
		config.Retention = DefaultRetention
	}

	if config.SubscriberBuffer <= 0 {
		config.SubscriberBuffer = DefaultSubscriberBuffer
	}

	return &Broadcaster{
		deltas:    deltas,
		publisher: publisher,
		logger:    logger.With("module", "broadcast"),
		retention: config.Retention,
		buffer:    config.SubscriberBuffer,
		subs:      make(map[string]map[string]*subscription),
	}
}

// Publish records the delta durably, forwards it to the event bus and
// fans it out to local subscribers. Only the durable append can fail; the
// rest never blocks the calling run actor.
func (b *Broadcaster) Publish(ctx context.Context, delta *models.StateDelta) error {
	err := b.deltas.Append(ctx, delta)
	if err != nil {
		return err
	}

	err = b.deltas.Trim(ctx, delta.RunID, b.retention)
	if err != nil {
		b.logger.WarnContext(ctx, "Failed to trim delta log",
			"run_id", delta.RunID, "error", err)
	}

	if b.publisher != nil {
		err = b.publisher.Publish(ctx, delta.RunID, events.RunDelta{
			BaseEvent: events.NewBaseEvent(events.RunDeltaEvent, delta.RunID),
			Delta:     delta,
		})
		if err != nil {
			b.logger.WarnContext(ctx, "Failed to publish delta event",
				"run_id", delta.RunID, "version", delta.Version, "error", err)
		}
	}

	b.fanout(delta)

	return nil
}

// HandleBusDeltas feeds deltas published by other processes into the local
// fan-out, without re-appending them to the log.
func (b *Broadcaster) HandleBusDeltas(subscriber eventbus.EventSubscriber) error {
	return subscriber.Handle(events.RunDeltaEvent, func(ctx context.Context, event any) error {
		runDelta, ok := event.(*events.RunDelta)
		if !ok || runDelta.Delta == nil {
			return nil
		}

		b.fanout(runDelta.Delta)

		return nil
	})
}

func (b *Broadcaster) fanout(delta *models.StateDelta) {
	b.mu.Lock()
	subs := make([]*subscription, 0, len(b.subs[delta.RunID]))

	for _, sub := range b.subs[delta.RunID] {
		subs = append(subs, sub)
	}
	b.mu.Unlock()

	for _, sub := range subs {
		if !sub.offer(delta) {
			b.logger.Warn("Subscriber overflow, disconnecting",
				"run_id", delta.RunID, "subscriber_id", sub.id)
			b.Unsubscribe(delta.RunID, sub.id)
		}
	}
}

// Subscribe registers a subscriber and replays every retained delta newer
// than lastSeenVersion before live delivery begins. Deltas published during
// the replay are queued and flushed in order, deduplicated by version.
// ErrSnapshotRequired is returned when the log has been trimmed past the
// requested cursor.
func (b *Broadcaster) Subscribe(ctx context.Context, runID, subscriberID string, lastSeenVersion int64) (<-chan *models.StateDelta, error) {
	sub := &subscription{
		id:        subscriberID,
		ch:        make(chan *models.StateDelta, b.buffer),
		lastSeen:  lastSeenVersion,
		replaying: true,
	}

	b.mu.Lock()
	if b.subs[runID] == nil {
		b.subs[runID] = make(map[string]*subscription)
	}

	if prev, ok := b.subs[runID][subscriberID]; ok {
		prev.close()
	}

	b.subs[runID][subscriberID] = sub
	b.mu.Unlock()

	backlog, err := b.deltas.Range(ctx, runID, lastSeenVersion)
	if err != nil {
		b.Unsubscribe(runID, subscriberID)

		if persistence.IsDeltaGap(err) {
			return nil, ErrSnapshotRequired
		}

		return nil, err
	}

	if !sub.finishReplay(backlog) {
		b.Unsubscribe(runID, subscriberID)

		return nil, models.NewEngineError(models.KindBackpressure,
			"subscriber %s cannot keep up with the replay backlog", subscriberID)
	}

	return sub.ch, nil
}

// Unsubscribe drops the subscriber and closes its channel.
func (b *Broadcaster) Unsubscribe(runID, subscriberID string) {
	b.mu.Lock()
	sub, ok := b.subs[runID][subscriberID]
	if ok {
		delete(b.subs[runID], subscriberID)

		if len(b.subs[runID]) == 0 {
			delete(b.subs, runID)
		}
	}
	b.mu.Unlock()

	if ok {
		sub.close()
	}
}

// subscription is one subscriber's ordered, deduplicated delivery state.
type subscription struct {
	id string
	ch chan *models.StateDelta

	mu        sync.Mutex
	lastSeen  int64
	replaying bool
	pending   []*models.StateDelta
	closed    bool
}

// offer delivers a live delta without blocking. It reports false when the
// subscriber has overflowed and must be disconnected.
func (s *subscription) offer(delta *models.StateDelta) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return true
	}

	if delta.Version <= s.lastSeen {
		return true
	}

	if s.replaying {
		if len(s.pending) >= cap(s.ch) {
			return false
		}

		s.pending = append(s.pending, delta)

		return true
	}

	return s.push(delta)
}

// finishReplay flushes the durable backlog followed by anything that
// arrived live during the replay, in version order.
func (s *subscription) finishReplay(backlog []*models.StateDelta) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, delta := range backlog {
		if delta.Version <= s.lastSeen {
			continue
		}

		if !s.push(delta) {
			return false
		}
	}

	for _, delta := range s.pending {
		if delta.Version <= s.lastSeen {
			continue
		}

		if !s.push(delta) {
			return false
		}
	}

	s.pending = nil
	s.replaying = false

	return true
}

func (s *subscription) push(delta *models.StateDelta) bool {
	select {
	case s.ch <- delta:
		s.lastSeen = delta.Version

		return true
	default:
		return false
	}
}

func (s *subscription) close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}
