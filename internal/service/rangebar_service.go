package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog/log"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"rangebar/internal/model"
	"rangebar/internal/rpc"
)

// BarAggregator produces bar events for a set of trading pairs.
type BarAggregator interface {
	StartBarStream(ctx context.Context, pairs []string) (<-chan model.BarEvent, error)
}

// SubscriptionManager manages client subscriptions and distributes bars to them.
type SubscriptionManager interface {
	Subscribe(sub Subscription) (*Subscriber, error)
	Unsubscribe(sub *Subscriber) error
	StartDispatching(ctx context.Context, ch <-chan model.BarEvent) error
}

// BarWriter persists or publishes completed bars.
type BarWriter interface {
	Write(ctx context.Context, ev model.BarEvent) error
}

// RangeBarService implements the gRPC RangeBarService and wires the
// aggregator to the dispatcher and the sinks.
//
// Completed bars go to every sink and to the dispatcher; incomplete
// snapshots go to the dispatcher only.
type RangeBarService struct {
	subscriptionManager SubscriptionManager
	barAggregator       BarAggregator
	sinks               []BarWriter

	started atomic.Bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewRangeBarService creates a stopped service. Start must be called before
// clients can subscribe.
func NewRangeBarService(manager SubscriptionManager, aggregator BarAggregator, sinks ...BarWriter) *RangeBarService {
	return &RangeBarService{
		subscriptionManager: manager,
		barAggregator:       aggregator,
		sinks:               sinks,
	}
}

// Start begins aggregation for pairs and starts distributing the bars.
func (rs *RangeBarService) Start(ctx context.Context, pairs []string) error {
	if !rs.started.CompareAndSwap(false, true) {
		return errors.New("range bar service has already started")
	}

	ctx, cancel := context.WithCancel(ctx)

	barChan, err := rs.barAggregator.StartBarStream(ctx, pairs)
	if err != nil {
		cancel()
		rs.started.Store(false)
		return fmt.Errorf("failed to start aggregator: %w", err)
	}

	dispatchChan := make(chan model.BarEvent, 1000)
	if err := rs.subscriptionManager.StartDispatching(ctx, dispatchChan); err != nil {
		cancel()
		rs.started.Store(false)
		return fmt.Errorf("failed to start dispatching: %w", err)
	}

	rs.wg.Add(1)
	go rs.tee(ctx, barChan, dispatchChan)

	rs.cancel = cancel
	return nil
}

// tee writes completed bars to the sinks and forwards every event to the
// dispatcher. It closes out when in is exhausted or ctx is done.
func (rs *RangeBarService) tee(ctx context.Context, in <-chan model.BarEvent, out chan<- model.BarEvent) {
	defer rs.wg.Done()
	defer close(out)

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-in:
			if !ok {
				return
			}
			if !ev.Incomplete {
				rs.writeSinks(ctx, ev)
			}
			select {
			case out <- ev:
			case <-ctx.Done():
				return
			}
		}
	}
}

func (rs *RangeBarService) writeSinks(ctx context.Context, ev model.BarEvent) {
	for _, sink := range rs.sinks {
		if err := sink.Write(ctx, ev); err != nil {
			log.Error().Err(err).Str("stream", ev.Key()).Msg("failed to write bar to sink")
		}
	}
}

// Stop cancels aggregation and waits for in-flight sink writes.
func (rs *RangeBarService) Stop() error {
	if !rs.started.CompareAndSwap(true, false) {
		return errors.New("service not started")
	}

	if rs.cancel != nil {
		rs.cancel()
		rs.cancel = nil
	}
	rs.wg.Wait()

	log.Info().Msg("RangeBarService stopped")
	return nil
}

// Subscribe implements the RangeBarService Subscribe RPC. It streams matching
// bars until the client disconnects or the service stops.
func (rs *RangeBarService) Subscribe(req *rpc.SubscribeRequest, stream rpc.RangeBarService_SubscribeServer) error {
	if !rs.started.Load() {
		return status.Error(codes.Unavailable, "range bar service not started")
	}
	if req == nil {
		return status.Error(codes.InvalidArgument, "request cannot be nil")
	}

	sub, err := toSubscription(req)
	if err != nil {
		return status.Error(codes.InvalidArgument, err.Error())
	}

	subscriber, err := rs.subscriptionManager.Subscribe(sub)
	if err != nil {
		return status.Errorf(codes.InvalidArgument, "failed to subscribe: %v", err)
	}

	defer func() {
		if err := rs.subscriptionManager.Unsubscribe(subscriber); err != nil {
			log.Error().Err(err).Strs("pairs", req.Pairs).Msg("failed to unsubscribe")
		}
	}()

	log.Info().Str("subscriber", subscriber.ID()).Strs("pairs", req.Pairs).Msg("new client subscription")

	for {
		select {
		case <-stream.Context().Done():
			log.Info().Str("subscriber", subscriber.ID()).Msg("client disconnected")
			return nil
		case ev, ok := <-subscriber.Bars():
			if !ok {
				log.Info().Str("subscriber", subscriber.ID()).Msg("subscription channel closed")
				return nil
			}

			if err := stream.Send(rpc.NewBarMessage(ev)); err != nil {
				log.Error().Err(err).Str("subscriber", subscriber.ID()).Msg("failed to send bar to client")
				return fmt.Errorf("failed to send bar: %w", err)
			}
		}
	}
}

// toSubscription validates the wire request and converts exchange names.
func toSubscription(req *rpc.SubscribeRequest) (Subscription, error) {
	if len(req.Pairs) == 0 {
		return Subscription{}, errors.New("no pairs provided")
	}

	exchanges := make([]model.Exchange, 0, len(req.Exchanges))
	for _, name := range req.Exchanges {
		e, err := model.ParseExchange(name)
		if err != nil {
			return Subscription{}, err
		}
		exchanges = append(exchanges, e)
	}

	return Subscription{
		Pairs:             req.Pairs,
		Exchanges:         exchanges,
		Thresholds:        req.Thresholds,
		IncludeIncomplete: req.IncludeIncomplete,
	}, nil
}
