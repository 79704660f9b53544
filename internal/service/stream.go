package service

import (
	"context"
	"sync"
	"time"

	"github.com/StockTradingKSS/stock-trading-server-sub000/internal/model"
)

// DefaultHeartbeatInterval spaces synthetic heartbeats on an exposed stream.
const DefaultHeartbeatInterval = 30 * time.Second

// EventKind distinguishes quotes from heartbeats on a QuoteStream.
type EventKind int

const (
	EventQuote EventKind = iota
	EventHeartbeat
)

// String returns "quote" or "heartbeat".
func (k EventKind) String() string {
	if k == EventHeartbeat {
		return "heartbeat"
	}
	return "quote"
}

// StreamEvent is one item of an exposed quote stream. Quote is zero for heartbeats.
type StreamEvent struct {
	Kind  EventKind
	Quote model.Quote
	At    time.Time
}

// QuoteStream is the consumer-facing view returned by Multiplexer.Subscribe: the
// filtered quotes with a heartbeat interleaved every interval.
type QuoteStream struct {
	sub    *Subscriber
	events chan StreamEvent
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

// NewQuoteStream wraps sub with heartbeats every heartbeat. The stream owns sub and
// closes it when it ends.
func NewQuoteStream(ctx context.Context, sub *Subscriber, heartbeat time.Duration) *QuoteStream {
	if heartbeat <= 0 {
		heartbeat = DefaultHeartbeatInterval
	}
	ctx, cancel := context.WithCancel(ctx)
	s := &QuoteStream{
		sub:    sub,
		events: make(chan StreamEvent),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go s.run(ctx, heartbeat)
	return s
}

func (s *QuoteStream) run(ctx context.Context, heartbeat time.Duration) {
	defer close(s.done)
	defer close(s.events)
	defer s.sub.Close()

	ticker := time.NewTicker(heartbeat)
	defer ticker.Stop()

	for {
		var ev StreamEvent
		select {
		case <-ctx.Done():
			return
		case q, ok := <-s.sub.C():
			if !ok {
				return
			}
			ev = StreamEvent{Kind: EventQuote, Quote: q, At: q.ReceivedAt}
		case now := <-ticker.C:
			ev = StreamEvent{Kind: EventHeartbeat, At: now}
		}

		select {
		case s.events <- ev:
		case <-ctx.Done():
			return
		}
	}
}

// Events is closed when the stream ends.
func (s *QuoteStream) Events() <-chan StreamEvent { return s.events }

// Codes returns the codes this stream is filtered to.
func (s *QuoteStream) Codes() []string { return s.sub.Codes() }

// Close ends the stream and waits for its goroutine. It does not unsubscribe the
// codes at the venue; use Multiplexer.Unsubscribe for that.
func (s *QuoteStream) Close() {
	s.once.Do(func() {
		s.cancel()
		<-s.done
	})
}
