// Package trigger fires one-shot callbacks when a code's live price touches a target.
package trigger

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/StockTradingKSS/stock-trading-server-sub000/internal/model"
	"github.com/StockTradingKSS/stock-trading-server-sub000/internal/service"
	"github.com/StockTradingKSS/stock-trading-server-sub000/internal/utils"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"github.com/sourcegraph/conc/panics"
)

var (
	ErrInvalidCondition = errors.New("invalid price condition")
	ErrEngineClosed     = errors.New("trigger engine closed")
)

// QuoteSource opens a filtered live quote view, registering the codes upstream if needed.
type QuoteSource interface {
	Watch(ctx context.Context, codes []string) (*service.Subscriber, error)
}

// connector is implemented by sources whose upstream session can drop while views
// stay open, such as *service.Multiplexer.
type connector interface {
	EnsureConnected(ctx context.Context) error
}

// State of a PriceCondition. Fired and Removed are terminal.
type State int32

const (
	Active State = iota
	Fired
	Removed
)

// String returns the upper-case state name.
func (s State) String() string {
	switch s {
	case Active:
		return "ACTIVE"
	case Fired:
		return "FIRED"
	case Removed:
		return "REMOVED"
	}
	return fmt.Sprintf("State(%d)", int32(s))
}

// Hit describes the quote that fired a condition.
type Hit struct {
	ConditionID string
	Code        string
	Target      decimal.Decimal
	Price       decimal.Decimal
	Direction   model.Direction
	Description string
	Quote       model.Quote
}

// Callback runs once when its condition fires. Errors and panics are logged.
type Callback func(ctx context.Context, hit Hit) error

// PriceCondition is a one-shot threshold on a single code.
type PriceCondition struct {
	ID          string
	Code        string
	Target      decimal.Decimal
	Direction   model.Direction
	Description string
	CreatedAt   time.Time

	callback Callback
	state    atomic.Int32
}

// State returns the current lifecycle state.
func (c *PriceCondition) State() State {
	return State(c.state.Load())
}

// Option customizes a condition at registration.
type Option func(*PriceCondition)

// WithDirection sets the side the price must come from. Defaults to model.FromBelow.
func WithDirection(d model.Direction) Option {
	return func(c *PriceCondition) { c.Direction = d }
}

// WithDescription attaches free text that is echoed back in the Hit.
func WithDescription(desc string) Option {
	return func(c *PriceCondition) { c.Description = desc }
}

type watcher struct {
	code     string
	sub      *service.Subscriber
	stop     chan struct{}
	stopOnce sync.Once
}

func (w *watcher) halt() {
	w.stopOnce.Do(func() {
		close(w.stop)
		w.sub.Close()
	})
}

// Engine evaluates registered conditions against live quotes. One goroutine watches
// each code that has at least one active condition; it exits when the last one fires
// or is removed. A quote received before a condition was registered never fires it,
// so replayed history cannot trip a fresh threshold.
//
// mu is never held while a callback runs, so callbacks may register or remove
// conditions. They must not call Close.
type Engine struct {
	source QuoteSource
	logger zerolog.Logger

	mu         sync.Mutex
	conditions map[string]*PriceCondition
	byCode     map[string]map[string]*PriceCondition
	watchers   map[string]*watcher

	ctx    context.Context
	cancel context.CancelFunc
	closed atomic.Bool
	wg     sync.WaitGroup

	now func() time.Time
}

// NewEngine creates an engine fed by source.
func NewEngine(source QuoteSource) *Engine {
	ctx, cancel := context.WithCancel(context.Background())
	return &Engine{
		source:     source,
		logger:     log.With().Str("component", "triggerEngine").Logger(),
		conditions: make(map[string]*PriceCondition),
		byCode:     make(map[string]map[string]*PriceCondition),
		watchers:   make(map[string]*watcher),
		ctx:        ctx,
		cancel:     cancel,
		now:        time.Now,
	}
}

// Register arms a condition that fires callback once when code's price touches target.
// ctx bounds only the upstream subscription.
func (e *Engine) Register(ctx context.Context, code string, target decimal.Decimal, callback Callback, opts ...Option) (*PriceCondition, error) {
	if e.closed.Load() {
		return nil, ErrEngineClosed
	}

	cond := &PriceCondition{
		ID:        uuid.NewString(),
		Code:      strings.ToUpper(strings.TrimSpace(code)),
		Target:    target,
		Direction: model.FromBelow,
		CreatedAt: e.now(),
		callback:  callback,
	}
	for _, opt := range opts {
		opt(cond)
	}
	if err := validate(cond); err != nil {
		return nil, err
	}

	e.mu.Lock()
	_, watching := e.watchers[cond.Code]
	if watching {
		e.addLocked(cond)
		e.mu.Unlock()
		e.reconnect(ctx, cond.Code)
		e.logRegistered(cond)
		return cond, nil
	}
	e.mu.Unlock()

	sub, err := e.source.Watch(ctx, []string{cond.Code})
	if err != nil {
		return nil, fmt.Errorf("watch %s: %w", cond.Code, err)
	}

	e.mu.Lock()
	if e.closed.Load() {
		e.mu.Unlock()
		sub.Close()
		return nil, ErrEngineClosed
	}
	if _, ok := e.watchers[cond.Code]; ok {
		// lost the race to another registration for the same code
		sub.Close()
	} else {
		w := &watcher{code: cond.Code, sub: sub, stop: make(chan struct{})}
		e.watchers[cond.Code] = w
		e.wg.Add(1)
		go e.watch(w)
	}
	e.addLocked(cond)
	e.mu.Unlock()

	e.logRegistered(cond)
	return cond, nil
}

// reconnect brings the upstream session back for a code whose watcher outlived it.
// The watcher's codes are restored with the session; failure leaves the condition
// armed for the next successful connect.
func (e *Engine) reconnect(ctx context.Context, code string) {
	c, ok := e.source.(connector)
	if !ok {
		return
	}
	if err := c.EnsureConnected(ctx); err != nil {
		e.logger.Warn().Err(err).Str("code", code).Msg("upstream session unavailable")
	}
}

func validate(c *PriceCondition) error {
	if err := utils.ValidateCode(c.Code); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidCondition, err)
	}
	if !c.Target.IsPositive() {
		return fmt.Errorf("%w: target must be positive, got %s", ErrInvalidCondition, c.Target)
	}
	if c.callback == nil {
		return fmt.Errorf("%w: callback is required", ErrInvalidCondition)
	}
	if c.Direction != model.FromBelow && c.Direction != model.FromAbove {
		return fmt.Errorf("%w: unknown direction %q", ErrInvalidCondition, c.Direction)
	}
	return nil
}

func (e *Engine) logRegistered(c *PriceCondition) {
	e.logger.Info().
		Str("condition", c.ID).
		Str("code", c.Code).
		Str("target", c.Target.String()).
		Str("direction", string(c.Direction)).
		Msg("price condition registered")
}

func (e *Engine) addLocked(c *PriceCondition) {
	e.conditions[c.ID] = c
	set, ok := e.byCode[c.Code]
	if !ok {
		set = make(map[string]*PriceCondition)
		e.byCode[c.Code] = set
	}
	set[c.ID] = c
}

// detach forgets c and stops its code's watcher if nothing else needs it.
func (e *Engine) detach(c *PriceCondition) {
	e.mu.Lock()
	defer e.mu.Unlock()

	delete(e.conditions, c.ID)
	set := e.byCode[c.Code]
	delete(set, c.ID)
	if len(set) > 0 {
		return
	}
	delete(e.byCode, c.Code)
	if w, ok := e.watchers[c.Code]; ok {
		delete(e.watchers, c.Code)
		w.halt()
	}
}

func (e *Engine) watch(w *watcher) {
	defer e.wg.Done()
	logger := e.logger.With().Str("code", w.code).Logger()
	logger.Debug().Msg("watcher started")

	for {
		select {
		case <-w.stop:
			logger.Debug().Msg("watcher stopped")
			return
		case q, ok := <-w.sub.C():
			if !ok {
				e.mu.Lock()
				if e.watchers[w.code] == w {
					delete(e.watchers, w.code)
				}
				e.mu.Unlock()
				logger.Warn().Msg("quote feed closed; conditions wait for the next registration on this code")
				return
			}
			e.evaluate(q)
		}
	}
}

func (e *Engine) evaluate(q model.Quote) {
	price, err := q.Price()
	if err != nil {
		e.logger.Warn().Err(err).Str("code", q.Code).Msg("skipping quote with unreadable price")
		return
	}

	e.mu.Lock()
	var hits []*PriceCondition
	for _, c := range e.byCode[q.Code] {
		if !q.ReceivedAt.IsZero() && q.ReceivedAt.Before(c.CreatedAt) {
			continue
		}
		if c.Direction.Touched(price, c.Target) {
			hits = append(hits, c)
		}
	}
	e.mu.Unlock()

	sort.Slice(hits, func(i, j int) bool { return hits[i].CreatedAt.Before(hits[j].CreatedAt) })
	for _, c := range hits {
		if !c.state.CompareAndSwap(int32(Active), int32(Fired)) {
			continue
		}
		e.detach(c)
		e.fire(c, q, price)
	}
}

func (e *Engine) fire(c *PriceCondition, q model.Quote, price decimal.Decimal) {
	hit := Hit{
		ConditionID: c.ID,
		Code:        c.Code,
		Target:      c.Target,
		Price:       price,
		Direction:   c.Direction,
		Description: c.Description,
		Quote:       q,
	}
	logger := e.logger.With().Str("condition", c.ID).Str("code", c.Code).Logger()
	logger.Info().Str("target", c.Target.String()).Str("price", price.String()).Msg("price condition fired")

	var pc panics.Catcher
	pc.Try(func() {
		if err := c.callback(e.ctx, hit); err != nil {
			logger.Error().Err(err).Msg("condition callback failed")
		}
	})
	if r := pc.Recovered(); r != nil {
		logger.Error().Err(r.AsError()).Msg("condition callback panicked")
	}
}

// Remove deactivates the condition. It returns false if id is unknown or the
// condition has already fired or been removed.
func (e *Engine) Remove(id string) bool {
	e.mu.Lock()
	c, ok := e.conditions[id]
	e.mu.Unlock()
	if !ok {
		return false
	}
	if !c.state.CompareAndSwap(int32(Active), int32(Removed)) {
		return false
	}
	e.detach(c)
	e.logger.Info().Str("condition", id).Str("code", c.Code).Msg("price condition removed")
	return true
}

// Get returns an active condition.
func (e *Engine) Get(id string) (*PriceCondition, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	c, ok := e.conditions[id]
	return c, ok
}

// Active lists active conditions, oldest first.
func (e *Engine) Active() []*PriceCondition {
	e.mu.Lock()
	out := make([]*PriceCondition, 0, len(e.conditions))
	for _, c := range e.conditions {
		out = append(out, c)
	}
	e.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Close stops every watcher and waits for them. Active conditions are dropped
// without firing.
func (e *Engine) Close() {
	if !e.closed.CompareAndSwap(false, true) {
		return
	}
	e.cancel()

	e.mu.Lock()
	for _, w := range e.watchers {
		w.halt()
	}
	e.watchers = make(map[string]*watcher)
	for _, c := range e.conditions {
		c.state.CompareAndSwap(int32(Active), int32(Removed))
	}
	e.conditions = make(map[string]*PriceCondition)
	e.byCode = make(map[string]map[string]*PriceCondition)
	e.mu.Unlock()

	e.wg.Wait()
}
