// Package service provides the fan-out and lifecycle layer of the range bar
// service.
//
// The dispatcher delivers bar events to many subscribers while handling slow
// clients gracefully: a subscriber whose buffer is full loses its oldest bar,
// never the newest, and never slows down the others.
package service

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"rangebar/internal/model"
	"rangebar/internal/rangebar"
	"rangebar/internal/utils"
)

// DefaultSubscriberBuffer is the per-subscriber channel size used when
// DispatcherConfig.SubscriberBuffer is zero.
const DefaultSubscriberBuffer = 100

var (
	ErrDispatcherNotStarted = errors.New("dispatcher not started")
	ErrDispatcherStarted    = errors.New("dispatcher already started")
)

// Subscription describes which bar streams a subscriber wants. Empty
// Exchanges or Thresholds match everything.
type Subscription struct {
	Pairs             []string
	Exchanges         []model.Exchange
	Thresholds        []int
	IncludeIncomplete bool
}

// Subscriber is a client subscription with its own buffered channel.
type Subscriber struct {
	id uuid.UUID
	ch chan model.BarEvent

	pairs             map[string]struct{}
	exchanges         map[model.Exchange]struct{}
	thresholds        map[int]struct{}
	includeIncomplete bool
}

// ID returns the subscriber's unique identifier.
func (s *Subscriber) ID() string {
	return s.id.String()
}

// Bars returns the delivery channel. It is closed on unsubscribe or shutdown.
func (s *Subscriber) Bars() <-chan model.BarEvent {
	return s.ch
}

// wants reports whether ev passes the subscriber's filters.
func (s *Subscriber) wants(ev model.BarEvent) bool {
	if ev.Incomplete && !s.includeIncomplete {
		return false
	}
	if _, ok := s.pairs[ev.Pair]; !ok {
		return false
	}
	if len(s.exchanges) > 0 {
		if _, ok := s.exchanges[ev.Exchange]; !ok {
			return false
		}
	}
	if len(s.thresholds) > 0 {
		if _, ok := s.thresholds[ev.ThresholdUnits]; !ok {
			return false
		}
	}
	return true
}

// DispatcherConfig holds configuration parameters for the Dispatcher.
type DispatcherConfig struct {
	MaxSymbolsAllowed int // Maximum pairs per subscription
	SubscriberBuffer  int // Per-subscriber channel size
}

// Dispatcher fans bar events out to subscribers.
//
// A single goroutine owns the subscribers map; Subscribe and Unsubscribe
// reach it through channels, so no mutex guards the map.
type Dispatcher struct {
	cfg              DispatcherConfig
	subscribers      map[uuid.UUID]*Subscriber // owned by the dispatch goroutine
	subscriptionCh   chan *Subscriber
	unsubscriptionCh chan *Subscriber
	started          atomic.Bool
	dropped          atomic.Int64
}

// NewDispatcher creates a new Dispatcher instance with the provided configuration.
func NewDispatcher(cfg DispatcherConfig) *Dispatcher {
	if cfg.SubscriberBuffer <= 0 {
		cfg.SubscriberBuffer = DefaultSubscriberBuffer
	}
	return &Dispatcher{
		cfg:              cfg,
		subscribers:      make(map[uuid.UUID]*Subscriber),
		subscriptionCh:   make(chan *Subscriber, 10),
		unsubscriptionCh: make(chan *Subscriber, 10),
	}
}

// Subscribe validates sub and registers a new subscriber.
func (b *Dispatcher) Subscribe(sub Subscription) (*Subscriber, error) {
	if !b.started.Load() {
		return nil, ErrDispatcherNotStarted
	}

	if err := utils.ValidatePairs(sub.Pairs, b.cfg.MaxSymbolsAllowed); err != nil {
		return nil, err
	}
	for _, units := range sub.Thresholds {
		if _, err := rangebar.NewThreshold(units); err != nil {
			return nil, err
		}
	}

	s := &Subscriber{
		id:                uuid.New(),
		ch:                make(chan model.BarEvent, b.cfg.SubscriberBuffer),
		pairs:             make(map[string]struct{}, len(sub.Pairs)),
		exchanges:         make(map[model.Exchange]struct{}, len(sub.Exchanges)),
		thresholds:        make(map[int]struct{}, len(sub.Thresholds)),
		includeIncomplete: sub.IncludeIncomplete,
	}
	for _, p := range sub.Pairs {
		s.pairs[p] = struct{}{}
	}
	for _, e := range sub.Exchanges {
		s.exchanges[e] = struct{}{}
	}
	for _, units := range sub.Thresholds {
		s.thresholds[units] = struct{}{}
	}

	select {
	case b.subscriptionCh <- s:
	default:
		return nil, fmt.Errorf("subscription channel is full")
	}

	return s, nil
}

// Unsubscribe removes a subscriber. Its channel is closed by the dispatcher.
func (b *Dispatcher) Unsubscribe(sub *Subscriber) error {
	select {
	case b.unsubscriptionCh <- sub:
		return nil
	default:
		return fmt.Errorf("unsubscription channel is full")
	}
}

// Dropped returns how many bars were discarded for slow subscribers.
func (b *Dispatcher) Dropped() int64 {
	return b.dropped.Load()
}

// StartDispatching starts the goroutine that owns the subscribers.
//
// It processes:
//  1. Context cancellation for graceful shutdown
//  2. Subscription and unsubscription requests
//  3. Incoming bar events for distribution
//
// All subscriber channels are closed when ctx is done or barCh is closed.
func (b *Dispatcher) StartDispatching(ctx context.Context, barCh <-chan model.BarEvent) error {
	if !b.started.CompareAndSwap(false, true) {
		return ErrDispatcherStarted
	}

	go func() {
		defer func() {
			b.started.Store(false)
			for _, sub := range b.subscribers {
				close(sub.ch)
			}
			b.subscribers = make(map[uuid.UUID]*Subscriber)
		}()

		for {
			select {
			case <-ctx.Done():
				log.Info().Msg("dispatcher stopped")
				return
			case sub := <-b.subscriptionCh:
				b.subscribers[sub.id] = sub
			case sub := <-b.unsubscriptionCh:
				b.unsubscribe(sub)
			case ev, ok := <-barCh:
				if !ok {
					log.Info().Msg("bar stream closed, dispatcher stopped")
					return
				}
				b.dispatch(ev)
			}
		}
	}()
	return nil
}

func (b *Dispatcher) unsubscribe(sub *Subscriber) {
	if _, ok := b.subscribers[sub.id]; ok {
		delete(b.subscribers, sub.id)
		close(sub.ch)
	}
}

// dispatch delivers ev to every interested subscriber. A full subscriber
// channel loses its oldest buffered bar to make room.
func (b *Dispatcher) dispatch(ev model.BarEvent) {
	for _, sub := range b.subscribers {
		if !sub.wants(ev) {
			continue
		}
		select {
		case sub.ch <- ev:
			continue
		default:
		}

		select {
		case <-sub.ch:
			b.dropped.Add(1)
			log.Warn().Str("subscriber", sub.ID()).Str("stream", ev.Key()).
				Msg("subscriber is too slow, dropping oldest buffered bar")
		default:
		}
		select {
		case sub.ch <- ev:
		default:
		}
	}
}
