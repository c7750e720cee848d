package es

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"golang.org/x/sync/errgroup"
)

type SubscriptionState int32

const (
	SubscriptionIdle SubscriptionState = iota
	SubscriptionConnecting
	SubscriptionLive
	SubscriptionFaulted
	SubscriptionStopped
)

func (s SubscriptionState) String() string {
	switch s {
	case SubscriptionIdle:
		return "idle"
	case SubscriptionConnecting:
		return "connecting"
	case SubscriptionLive:
		return "live"
	case SubscriptionFaulted:
		return "faulted"
	case SubscriptionStopped:
		return "stopped"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

var errLiveReadClosed = errors.New("live read closed")

// Subscription delivers the global log to its handlers, at least once and in
// position order, resuming from its checkpoint after restarts and faults.
//
// Each record is dispatched to every handler in registration order. The
// checkpoint is written after all handlers succeeded; a failing handler
// faults the subscription, which reconnects with backoff and redelivers from
// the last checkpoint. Handlers must therefore be idempotent.
type Subscription struct {
	id          string
	eventLog    EventLog
	codec       *Codec
	checkpoints CheckpointStore
	opts        subscriptionOpts
	log         *slog.Logger

	mu       sync.Mutex
	handlers []Handler
	started  bool
	cancel   context.CancelFunc
	err      error

	state    atomic.Int32
	position atomic.Uint64
	done     chan struct{}
	stopOnce sync.Once

	// owned by the run goroutine
	cursor, delivered deliveryCursor
}

// deliveryCursor orders records of a live read; records of one commit share
// a position and are told apart by their index.
type deliveryCursor struct {
	position uint64
	index    int
}

func (c deliveryCursor) after(o deliveryCursor) bool {
	return c.position > o.position || (c.position == o.position && c.index > o.index)
}

func (c deliveryCursor) next(position uint64) deliveryCursor {
	if position == c.position {
		return deliveryCursor{position: position, index: c.index + 1}
	}
	return deliveryCursor{position: position}
}

func NewSubscription(
	id string,
	eventLog EventLog,
	codec *Codec,
	checkpoints CheckpointStore,
	opts ...SubscriptionOption,
) *Subscription {
	o := newSubscriptionOpts(opts...)
	s := &Subscription{
		id:          id,
		eventLog:    eventLog,
		codec:       codec,
		checkpoints: checkpoints,
		opts:        o,
		log:         o.log.With(slog.String("subscription", id)),
		done:        make(chan struct{}),
	}
	for _, h := range o.handlers {
		s.handlers = append(s.handlers, chain(h, o.middlewares))
	}
	return s
}

func (s *Subscription) ID() string { return s.id }

// Register adds handlers. It must be called before Start.
func (s *Subscription) Register(handlers ...Handler) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return ErrSubscriptionStarted
	}
	for _, h := range handlers {
		s.handlers = append(s.handlers, chain(h, s.opts.middlewares))
	}
	return nil
}

// Start begins delivery in the background and returns once the
// subscription left the idle state. Cancelling ctx stops it like
// Unsubscribe.
func (s *Subscription) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return ErrSubscriptionStarted
	}
	if len(s.handlers) == 0 {
		return errors.New("subscription has no handlers")
	}
	s.started = true

	ctx, s.cancel = context.WithCancel(ctx)
	s.setState(SubscriptionConnecting)
	go s.run(ctx)
	return nil
}

// Unsubscribe stops delivery and waits until the subscription reached the
// stopped state. No checkpoint is written afterwards. It must not be called
// from within a handler.
func (s *Subscription) Unsubscribe() {
	s.stopOnce.Do(func() {
		s.mu.Lock()
		cancel := s.cancel
		s.started = true
		s.mu.Unlock()

		if cancel == nil {
			s.setState(SubscriptionStopped)
			close(s.done)
			return
		}
		cancel()
	})
	<-s.done
}

// Done is closed once the subscription stopped.
func (s *Subscription) Done() <-chan struct{} { return s.done }

// Err is the reason the subscription stopped on its own, nil after an
// orderly stop.
func (s *Subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *Subscription) State() SubscriptionState { return SubscriptionState(s.state.Load()) }

// Position is the last checkpointed position.
func (s *Subscription) Position() uint64 { return s.position.Load() }

func (s *Subscription) setState(to SubscriptionState) {
	from := SubscriptionState(s.state.Swap(int32(to)))
	if from == to {
		return
	}
	s.log.Debug("state changed", slog.String("from", from.String()), slog.String("to", to.String()))
	s.opts.metrics.SubscriptionStateChanged(s.id, to)
	if s.opts.stateListener != nil {
		s.opts.stateListener(from, to)
	}
}

func (s *Subscription) run(ctx context.Context) {
	defer close(s.done)
	defer s.setState(SubscriptionStopped)

	bo := s.opts.newBackoff()
	faults := 0

	for {
		progressed, err := s.runOnce(ctx, bo)
		if ctx.Err() != nil {
			return
		}
		if err == nil {
			err = errLiveReadClosed
		}
		if progressed {
			faults = 0
		}
		faults++

		s.setState(SubscriptionFaulted)
		s.opts.metrics.SubscriptionReconnect(s.id)

		wait := bo.NextBackOff()
		if wait == backoff.Stop || (s.opts.maxAttempts > 0 && faults >= s.opts.maxAttempts) {
			s.log.Error("giving up", slog.Int("faults", faults), slog.Any("error", err))
			s.mu.Lock()
			s.err = fmt.Errorf("%w: %s: %w", ErrSubscriptionFaulted, s.id, err)
			s.mu.Unlock()
			return
		}

		s.log.Warn(
			"faulted, reconnecting",
			slog.Any("error", err),
			slog.Int("faults", faults),
			slog.Duration("backoff", wait),
		)

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
		s.setState(SubscriptionConnecting)
	}
}

// runOnce resumes from the checkpoint and dispatches until the live read
// fails or ctx ends. progressed reports whether any record was handled.
func (s *Subscription) runOnce(ctx context.Context, bo backoff.BackOff) (progressed bool, err error) {
	from, ok, err := s.checkpoints.Load(ctx, s.id)
	if err != nil {
		return false, fmt.Errorf("load checkpoint: %w", err)
	}
	if ok {
		s.position.Store(from)
	}

	live, err := s.eventLog.SubscribeFromPosition(ctx, from, s.opts.filter)
	if err != nil {
		return false, fmt.Errorf("subscribe from %d: %w", from, err)
	}
	defer live.Unsubscribe()

	s.cursor = deliveryCursor{}
	s.setState(SubscriptionLive)
	s.log.Info("live", slog.Uint64("from", from))

	for {
		select {
		case <-ctx.Done():
			return progressed, nil
		case rec, ok := <-live.Chan():
			if !ok {
				if err := live.Err(); err != nil {
					return progressed, fmt.Errorf("live read: %w", err)
				}
				return progressed, errLiveReadClosed
			}
			if err := s.dispatch(ctx, rec); err != nil {
				return progressed, err
			}
			if !progressed {
				progressed = true
				bo.Reset()
			}
			s.checkpoint(ctx, rec.Position)
		}
	}
}

func (s *Subscription) dispatch(ctx context.Context, rec Record) error {
	s.cursor = s.cursor.next(rec.Position)
	redelivered := !s.cursor.after(s.delivered)
	if !redelivered {
		s.delivered = s.cursor
	}

	env, err := s.codec.Decode(rec)
	if err != nil {
		return fmt.Errorf("decode %s: %w", rec.ID, err)
	}

	s.mu.Lock()
	handlers := s.handlers
	s.mu.Unlock()

	msgCtx := NewMsgCtx(ctx, s.log.With(env.SlogAttr()), s.id, env).withRedelivered(redelivered)
	timer := s.opts.metrics.SubscriptionEventDuration(s.id, env.Type)
	defer timer.ObserveDuration()

	for i, h := range handlers {
		if err := h.Handle(msgCtx); err != nil {
			s.opts.metrics.SubscriptionEventProcessed(s.id, env.Type, false)
			return fmt.Errorf("handler %d on %s@%d: %w", i, env.StreamID, env.Revision, err)
		}
	}
	s.opts.metrics.SubscriptionEventProcessed(s.id, env.Type, true)
	return nil
}

// checkpoint stores position. A failure is logged and delivery continues;
// the worst case is redelivery from the older checkpoint.
func (s *Subscription) checkpoint(ctx context.Context, position uint64) {
	if ctx.Err() != nil || position <= s.position.Load() {
		return
	}
	if err := s.checkpoints.Store(ctx, s.id, position); err != nil {
		s.opts.metrics.CheckpointFailed(s.id)
		s.log.Warn("checkpoint failed", slog.Uint64("position", position), slog.Any("error", err))
		return
	}
	s.position.Store(position)
	s.opts.metrics.CheckpointStored(s.id, position)
}

// === group ===

// SubscriptionGroup runs subscriptions together: Run returns when ctx ends
// or as soon as one of them gives up, stopping the others.
type SubscriptionGroup struct {
	subs []*Subscription
}

func NewSubscriptionGroup(subs ...*Subscription) *SubscriptionGroup {
	return &SubscriptionGroup{subs: subs}
}

func (g *SubscriptionGroup) Add(s *Subscription) { g.subs = append(g.subs, s) }

func (g *SubscriptionGroup) Run(ctx context.Context) error {
	eg, ctx := errgroup.WithContext(ctx)
	for _, sub := range g.subs {
		if err := sub.Start(ctx); err != nil {
			for _, started := range g.subs {
				started.Unsubscribe()
			}
			return fmt.Errorf("start %s: %w", sub.ID(), err)
		}
		eg.Go(func() error {
			<-sub.Done()
			return sub.Err()
		})
	}
	return eg.Wait()
}
