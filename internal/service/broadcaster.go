// Package service fans venue quotes out to consumers and maps consumer interest onto
// the venue's grouped subscription protocol.
//
// The Broadcaster is a single-producer, many-consumer fan-out. One goroutine owns the
// subscriber set and a replay ring of recent quotes; everything else talks to it over
// channels, so no lock guards the shared state.
package service

import (
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/StockTradingKSS/stock-trading-server-sub000/internal/model"

	"github.com/rs/zerolog/log"
)

var (
	ErrBroadcasterNotStarted = errors.New("broadcaster not started")
	ErrBroadcasterStopped    = errors.New("broadcaster stopped")
)

const (
	defaultReplaySize       = 100
	defaultSubscriberBuffer = 256
	defaultInboundBuffer    = 8192
)

// BroadcasterConfig holds configuration parameters for the Broadcaster.
type BroadcasterConfig struct {
	ReplaySize       int // quotes kept for late subscribers
	SubscriberBuffer int // per-subscriber channel capacity
	InboundBuffer    int // Publish queue capacity
}

// Subscriber is one filtered view of the quote stream.
type Subscriber struct {
	id      uint64
	ch      chan model.Quote
	codes   map[string]struct{}
	owner   *Broadcaster
	dropped atomic.Int64
	once    sync.Once
	onClose func() // set before the view is handed out
}

// C delivers matching quotes. It is closed after Close or when the broadcaster stops.
func (s *Subscriber) C() <-chan model.Quote { return s.ch }

// Wants reports whether code passes this view's filter.
func (s *Subscriber) Wants(code string) bool {
	_, ok := s.codes[code]
	return ok
}

// Codes returns the filter set, sorted.
func (s *Subscriber) Codes() []string {
	out := make([]string, 0, len(s.codes))
	for c := range s.codes {
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}

// Dropped counts quotes discarded because this subscriber fell behind.
func (s *Subscriber) Dropped() int64 { return s.dropped.Load() }

// Close detaches the view. Safe to call more than once.
func (s *Subscriber) Close() {
	s.once.Do(func() {
		s.owner.unsubscribe(s)
		if s.onClose != nil {
			s.onClose()
		}
	})
}

// Broadcaster distributes quotes to subscribers using the actor model.
type Broadcaster struct {
	cfg BroadcasterConfig

	// owned by the run goroutine
	subscribers map[uint64]*Subscriber
	ring        []model.Quote
	ringHead    int
	ringLen     int

	publishCh     chan model.Quote
	subscribeCh   chan *Subscriber
	unsubscribeCh chan *Subscriber
	done          chan struct{}

	started atomic.Bool
	nextID  atomic.Uint64
}

// NewBroadcaster creates a stopped Broadcaster; call Start before use.
func NewBroadcaster(cfg BroadcasterConfig) *Broadcaster {
	if cfg.ReplaySize <= 0 {
		cfg.ReplaySize = defaultReplaySize
	}
	if cfg.SubscriberBuffer <= 0 {
		cfg.SubscriberBuffer = defaultSubscriberBuffer
	}
	if cfg.InboundBuffer <= 0 {
		cfg.InboundBuffer = defaultInboundBuffer
	}
	return &Broadcaster{
		cfg:           cfg,
		subscribers:   make(map[uint64]*Subscriber),
		ring:          make([]model.Quote, cfg.ReplaySize),
		publishCh:     make(chan model.Quote, cfg.InboundBuffer),
		subscribeCh:   make(chan *Subscriber),
		unsubscribeCh: make(chan *Subscriber),
		done:          make(chan struct{}),
	}
}

// Start runs the distribution goroutine until ctx is cancelled. On exit every
// subscriber channel is closed.
func (b *Broadcaster) Start(ctx context.Context) error {
	if !b.started.CompareAndSwap(false, true) {
		return errors.New("broadcaster already started")
	}

	go func() {
		defer func() {
			for _, sub := range b.subscribers {
				close(sub.ch)
			}
			b.subscribers = make(map[uint64]*Subscriber)
			close(b.done)
			log.Info().Msg("broadcaster stopped")
		}()

		for {
			select {
			case <-ctx.Done():
				return
			case sub := <-b.subscribeCh:
				b.drainPublished()
				b.subscribers[sub.id] = sub
				b.replay(sub)
			case sub := <-b.unsubscribeCh:
				if _, ok := b.subscribers[sub.id]; ok {
					delete(b.subscribers, sub.id)
					close(sub.ch)
				}
			case q := <-b.publishCh:
				b.remember(q)
				b.dispatch(q)
			}
		}
	}()
	return nil
}

// Publish queues q for distribution. It blocks only when the inbound queue is full.
func (b *Broadcaster) Publish(ctx context.Context, q model.Quote) error {
	if !b.started.Load() {
		return ErrBroadcasterNotStarted
	}
	select {
	case b.publishCh <- q:
		return nil
	case <-b.done:
		return ErrBroadcasterStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Subscribe registers a view filtered to codes. The view first receives the buffered
// recent quotes that match, oldest first, then live ones.
func (b *Broadcaster) Subscribe(codes []string) (*Subscriber, error) {
	if !b.started.Load() {
		return nil, ErrBroadcasterNotStarted
	}
	if len(codes) == 0 {
		return nil, errors.New("at least one code is required")
	}

	set := make(map[string]struct{}, len(codes))
	for _, c := range codes {
		set[c] = struct{}{}
	}
	sub := &Subscriber{
		id:    b.nextID.Add(1),
		ch:    make(chan model.Quote, b.cfg.SubscriberBuffer),
		codes: set,
		owner: b,
	}

	select {
	case b.subscribeCh <- sub:
		return sub, nil
	case <-b.done:
		return nil, ErrBroadcasterStopped
	}
}

func (b *Broadcaster) unsubscribe(sub *Subscriber) {
	select {
	case b.unsubscribeCh <- sub:
	case <-b.done:
	}
}

// drainPublished dispatches everything already queued so a new subscriber's replay
// covers all quotes published before its Subscribe call.
func (b *Broadcaster) drainPublished() {
	for {
		select {
		case q := <-b.publishCh:
			b.remember(q)
			b.dispatch(q)
		default:
			return
		}
	}
}

// remember appends q to the replay ring, overwriting the oldest entry when full.
func (b *Broadcaster) remember(q model.Quote) {
	size := len(b.ring)
	b.ring[(b.ringHead+b.ringLen)%size] = q
	if b.ringLen < size {
		b.ringLen++
	} else {
		b.ringHead = (b.ringHead + 1) % size
	}
}

func (b *Broadcaster) replay(sub *Subscriber) {
	size := len(b.ring)
	for i := 0; i < b.ringLen; i++ {
		q := b.ring[(b.ringHead+i)%size]
		if sub.Wants(q.Code) {
			b.deliver(sub, q)
		}
	}
}

func (b *Broadcaster) dispatch(q model.Quote) {
	for _, sub := range b.subscribers {
		if sub.Wants(q.Code) {
			b.deliver(sub, q)
		}
	}
}

// deliver never blocks: a full subscriber loses its oldest buffered quote.
func (b *Broadcaster) deliver(sub *Subscriber, q model.Quote) {
	select {
	case sub.ch <- q:
		return
	default:
	}

	select {
	case <-sub.ch:
	default:
	}
	select {
	case sub.ch <- q:
	default:
	}
	if n := sub.dropped.Add(1); n == 1 || n%1000 == 0 {
		log.Warn().Uint64("subscriber", sub.id).Int64("dropped", n).Msg("subscriber is too slow, dropping oldest buffered quote")
	}
}
