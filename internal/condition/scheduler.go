// Package condition keeps formula-derived price triggers current.
//
// A dynamic condition owns at most one active trigger.PriceCondition at a time. On
// every recompute tick it derives a fresh target from recent candles, deletes the old
// price condition and registers a new one. If the old one already fired, the swap is
// abandoned and the owner is notified instead.
package condition

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/StockTradingKSS/stock-trading-server-sub000/internal/candles"
	"github.com/StockTradingKSS/stock-trading-server-sub000/internal/model"
	"github.com/StockTradingKSS/stock-trading-server-sub000/internal/trigger"
	"github.com/StockTradingKSS/stock-trading-server-sub000/internal/utils"

	"github.com/go-co-op/gocron"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

var (
	ErrInvalidSpec     = errors.New("invalid condition spec")
	ErrNotFound        = errors.New("condition not found")
	ErrAlreadyFired    = errors.New("condition already fired")
	ErrSchedulerClosed = errors.New("condition scheduler closed")
)

// Kind names the formula behind a dynamic condition.
type Kind string

const (
	KindMovingAverage Kind = "MOVING_AVERAGE"
	KindTrendLine     Kind = "TREND_LINE"
)

// TriggerEngine is the part of trigger.Engine the scheduler drives.
type TriggerEngine interface {
	Register(ctx context.Context, code string, target decimal.Decimal, callback trigger.Callback, opts ...trigger.Option) (*trigger.PriceCondition, error)
	Remove(id string) bool
}

// Notification is handed to the owner when a dynamic condition fires.
type Notification struct {
	ConditionID string
	Kind        Kind
	Code        string
	Target      decimal.Decimal
	Price       decimal.Decimal
	Direction   model.Direction
	Description string
	Quote       model.Quote
}

// Callback is the owner's handler for a fired dynamic condition.
type Callback func(ctx context.Context, n Notification) error

// MovingAverageSpec fires when the price touches the period moving average of closes.
type MovingAverageSpec struct {
	Code        string          `validate:"required"`
	Period      int             `validate:"gte=2,lte=1000"`
	Interval    model.Interval  `validate:"oneof=MINUTE DAY WEEK MONTH YEAR"`
	Direction   model.Direction `validate:"omitempty,oneof=FROM_BELOW FROM_ABOVE"`
	Description string          `validate:"max=200"`
	Callback    Callback
}

// TrendLineSpec fires when the price touches a line starting at the close of the
// candle at AnchorDate and rising Slope per candle.
type TrendLineSpec struct {
	Code        string `validate:"required"`
	AnchorDate  time.Time
	Slope       decimal.Decimal
	Interval    model.Interval  `validate:"oneof=MINUTE DAY WEEK MONTH YEAR"`
	Direction   model.Direction `validate:"omitempty,oneof=FROM_BELOW FROM_ABOVE"`
	Description string          `validate:"max=200"`
	Callback    Callback
}

// Snapshot is a read-only view of a dynamic condition.
type Snapshot struct {
	ID               string           `json:"id"`
	Kind             Kind             `json:"kind"`
	Code             string           `json:"code"`
	Interval         model.Interval   `json:"interval"`
	Direction        model.Direction  `json:"direction"`
	Description      string           `json:"description,omitempty"`
	Period           int              `json:"period,omitempty"`
	AnchorDate       *time.Time       `json:"anchor_date,omitempty"`
	AnchorPrice      *decimal.Decimal `json:"anchor_price,omitempty"`
	Slope            *decimal.Decimal `json:"slope,omitempty"`
	Target           decimal.Decimal  `json:"target"`
	PriceConditionID string           `json:"price_condition_id"`
	CreatedAt        time.Time        `json:"created_at"`
	UpdatedAt        time.Time        `json:"updated_at"`
}

// computeFunc derives the next target. anchor is only meaningful for trend lines.
type computeFunc func(ctx context.Context) (target, anchor decimal.Decimal, err error)

type record struct {
	id          string
	kind        Kind
	code        string
	interval    model.Interval
	direction   model.Direction
	description string
	period      int
	anchorDate  time.Time
	slope       decimal.Decimal
	createdAt   time.Time
	callback    Callback
	compute     computeFunc

	// cancels an in-flight recompute
	ctx    context.Context
	cancel context.CancelFunc

	mu          sync.Mutex
	removed     bool
	activeID    string
	target      decimal.Decimal
	anchorPrice decimal.Decimal
	updatedAt   time.Time
	job         *gocron.Job
}

func (r *record) snapshotLocked() Snapshot {
	s := Snapshot{
		ID:               r.id,
		Kind:             r.kind,
		Code:             r.code,
		Interval:         r.interval,
		Direction:        r.direction,
		Description:      r.description,
		Period:           r.period,
		Target:           r.target,
		PriceConditionID: r.activeID,
		CreatedAt:        r.createdAt,
		UpdatedAt:        r.updatedAt,
	}
	if r.kind == KindTrendLine {
		anchorDate, anchorPrice, slope := r.anchorDate, r.anchorPrice, r.slope
		s.AnchorDate = &anchorDate
		s.AnchorPrice = &anchorPrice
		s.Slope = &slope
	}
	return s
}

// Config tunes a Scheduler. Zero values use the production cadence.
type Config struct {
	// Location is the zone clock boundaries are aligned in. Defaults to Asia/Seoul,
	// falling back to UTC when the zone database is unavailable.
	Location *time.Location

	// Cadence returns the recompute period for an interval.
	Cadence func(model.Interval) time.Duration

	// FirstRun returns when the first recompute should happen after now.
	FirstRun func(i model.Interval, now time.Time) time.Time
}

// Scheduler owns dynamic conditions and their recompute jobs.
type Scheduler struct {
	engine   TriggerEngine
	loader   candles.Loader
	validate *validator.Validate
	logger   zerolog.Logger
	loc      *time.Location
	cadence  func(model.Interval) time.Duration
	firstRun func(model.Interval, time.Time) time.Time

	// gocron's builder chain is not safe for concurrent use
	cronMu sync.Mutex
	cron   *gocron.Scheduler

	mu      sync.Mutex
	records map[string]*record

	started atomic.Bool
	closed  atomic.Bool

	now func() time.Time
}

// NewScheduler creates a stopped scheduler. Call Start to begin running jobs.
func NewScheduler(engine TriggerEngine, loader candles.Loader, cfg Config) *Scheduler {
	loc := cfg.Location
	if loc == nil {
		var err error
		if loc, err = time.LoadLocation("Asia/Seoul"); err != nil {
			loc = time.UTC
		}
	}
	if cfg.Cadence == nil {
		cfg.Cadence = model.Interval.RecomputeEvery
	}
	if cfg.FirstRun == nil {
		cfg.FirstRun = func(i model.Interval, now time.Time) time.Time { return i.NextBoundary(now) }
	}

	cron := gocron.NewScheduler(loc)
	cron.SingletonModeAll()

	return &Scheduler{
		engine:   engine,
		loader:   loader,
		validate: validator.New(),
		logger:   log.With().Str("component", "conditionScheduler").Logger(),
		loc:      loc,
		cadence:  cfg.Cadence,
		firstRun: cfg.FirstRun,
		cron:     cron,
		records:  make(map[string]*record),
		now:      time.Now,
	}
}

// Start runs recompute jobs in the background.
func (s *Scheduler) Start() error {
	if !s.started.CompareAndSwap(false, true) {
		return errors.New("condition scheduler already started")
	}
	s.cronMu.Lock()
	s.cron.StartAsync()
	s.cronMu.Unlock()
	s.logger.Info().Str("location", s.loc.String()).Msg("condition scheduler started")
	return nil
}

// RegisterMovingAverage computes the initial moving-average target, arms it and
// schedules its recompute.
func (s *Scheduler) RegisterMovingAverage(ctx context.Context, spec MovingAverageSpec) (Snapshot, error) {
	spec.Code = normalizeCode(spec.Code)
	if spec.Direction == "" {
		spec.Direction = model.FromBelow
	}
	if err := s.check(spec, spec.Code, spec.Callback); err != nil {
		return Snapshot{}, err
	}

	rec := s.newRecord(KindMovingAverage, spec.Code, spec.Interval, spec.Direction, spec.Description, spec.Callback)
	rec.period = spec.Period
	rec.compute = func(ctx context.Context) (decimal.Decimal, decimal.Decimal, error) {
		series, err := s.loader.LoadCandles(ctx, candles.Query{
			Code:     spec.Code,
			Interval: spec.Interval,
			To:       s.now(),
			Count:    spec.Period,
		})
		if err != nil {
			return decimal.Zero, decimal.Zero, err
		}
		target, err := candles.MovingAverageTouchPrice(series, spec.Period)
		return target, decimal.Zero, err
	}
	return s.install(ctx, rec)
}

// RegisterTrendLine computes the initial trend-line target, arms it and schedules its
// recompute.
func (s *Scheduler) RegisterTrendLine(ctx context.Context, spec TrendLineSpec) (Snapshot, error) {
	spec.Code = normalizeCode(spec.Code)
	if spec.Direction == "" {
		spec.Direction = model.FromBelow
	}
	if err := s.check(spec, spec.Code, spec.Callback); err != nil {
		return Snapshot{}, err
	}
	if spec.AnchorDate.IsZero() {
		return Snapshot{}, fmt.Errorf("%w: anchor date is required", ErrInvalidSpec)
	}
	if spec.AnchorDate.After(s.now()) {
		return Snapshot{}, fmt.Errorf("%w: anchor date %s is in the future", ErrInvalidSpec, spec.AnchorDate.Format(time.DateOnly))
	}

	rec := s.newRecord(KindTrendLine, spec.Code, spec.Interval, spec.Direction, spec.Description, spec.Callback)
	rec.anchorDate = spec.AnchorDate
	rec.slope = spec.Slope
	rec.compute = func(ctx context.Context) (decimal.Decimal, decimal.Decimal, error) {
		series, err := s.loader.LoadCandles(ctx, candles.Query{
			Code:     spec.Code,
			Interval: spec.Interval,
			From:     spec.AnchorDate,
			To:       s.now(),
		})
		if err != nil {
			return decimal.Zero, decimal.Zero, err
		}
		return candles.TrendLineTouchPrice(series, spec.Slope)
	}
	return s.install(ctx, rec)
}

func (s *Scheduler) check(spec any, code string, cb Callback) error {
	if s.closed.Load() {
		return ErrSchedulerClosed
	}
	if err := s.validate.Struct(spec); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidSpec, err)
	}
	if err := utils.ValidateCode(code); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidSpec, err)
	}
	if cb == nil {
		return fmt.Errorf("%w: callback is required", ErrInvalidSpec)
	}
	return nil
}

func (s *Scheduler) newRecord(kind Kind, code string, interval model.Interval, dir model.Direction, desc string, cb Callback) *record {
	ctx, cancel := context.WithCancel(context.Background())
	now := s.now()
	return &record{
		id:          uuid.NewString(),
		kind:        kind,
		code:        code,
		interval:    interval,
		direction:   dir,
		description: desc,
		createdAt:   now,
		updatedAt:   now,
		callback:    cb,
		ctx:         ctx,
		cancel:      cancel,
	}
}

// install arms the first price condition and schedules the job. rec.mu is held
// throughout so a price condition that fires straight away is handled only after
// the record is complete.
func (s *Scheduler) install(ctx context.Context, rec *record) (Snapshot, error) {
	logger := s.logger.With().Str("condition", rec.id).Str("code", rec.code).Str("kind", string(rec.kind)).Logger()

	target, anchor, err := rec.compute(ctx)
	if err != nil {
		rec.cancel()
		return Snapshot{}, fmt.Errorf("compute initial target for %s: %w", rec.code, err)
	}
	if !target.IsPositive() {
		rec.cancel()
		return Snapshot{}, fmt.Errorf("%w: initial target %s for %s is not positive", ErrInvalidSpec, target, rec.code)
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()

	pc, err := s.engine.Register(ctx, rec.code, target, s.onFired(rec),
		trigger.WithDirection(rec.direction), trigger.WithDescription(rec.description))
	if err != nil {
		rec.cancel()
		return Snapshot{}, fmt.Errorf("arm price condition: %w", err)
	}
	rec.activeID = pc.ID
	rec.target = target
	rec.anchorPrice = anchor

	s.mu.Lock()
	s.records[rec.id] = rec
	s.mu.Unlock()

	job, err := s.schedule(rec)
	if err != nil {
		s.mu.Lock()
		delete(s.records, rec.id)
		s.mu.Unlock()
		rec.removed = true
		rec.cancel()
		s.engine.Remove(pc.ID)
		return Snapshot{}, fmt.Errorf("schedule recompute: %w", err)
	}
	rec.job = job

	logger.Info().
		Str("target", target.String()).
		Str("interval", string(rec.interval)).
		Time("next_run", job.NextRun()).
		Msg("dynamic condition registered")
	return rec.snapshotLocked(), nil
}

func (s *Scheduler) schedule(rec *record) (*gocron.Job, error) {
	every := s.cadence(rec.interval)
	if every <= 0 {
		return nil, fmt.Errorf("no recompute cadence for interval %q", rec.interval)
	}
	first := s.firstRun(rec.interval, s.now().In(s.loc))

	s.cronMu.Lock()
	defer s.cronMu.Unlock()
	return s.cron.Every(every).StartAt(first).Do(s.tick, rec)
}

func (s *Scheduler) unschedule(job *gocron.Job) {
	if job == nil {
		return
	}
	s.cronMu.Lock()
	s.cron.RemoveByReference(job)
	s.cronMu.Unlock()
}

// tick is the scheduled recompute.
func (s *Scheduler) tick(rec *record) {
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if rec.removed {
		return
	}
	_ = s.refreshLocked(rec.ctx, rec)
}

// refreshLocked swaps the active price condition for one at a freshly computed
// target. The replacement is armed before the current one is removed, so a failed
// recompute or re-arm keeps the current one.
func (s *Scheduler) refreshLocked(ctx context.Context, rec *record) error {
	logger := s.logger.With().Str("condition", rec.id).Str("code", rec.code).Logger()

	target, anchor, err := rec.compute(ctx)
	if err == nil && !target.IsPositive() {
		err = fmt.Errorf("target must be positive, got %s", target)
	}
	if err != nil {
		logger.Warn().Err(err).Str("target", rec.target.String()).Msg("recompute failed, keeping last threshold")
		return fmt.Errorf("recompute %s: %w", rec.id, err)
	}

	pc, err := s.engine.Register(ctx, rec.code, target, s.onFired(rec),
		trigger.WithDirection(rec.direction), trigger.WithDescription(rec.description))
	if err != nil {
		logger.Error().Err(err).Str("target", rec.target.String()).Msg("failed to re-arm price condition, keeping last threshold")
		return fmt.Errorf("re-arm %s: %w", rec.id, err)
	}

	previous := rec.activeID
	if previous != "" && !s.engine.Remove(previous) {
		s.engine.Remove(pc.ID)
		logger.Info().Str("price_condition", previous).Msg("previous price condition already fired, not re-arming")
		return ErrAlreadyFired
	}

	rec.activeID = pc.ID
	rec.target = target
	rec.anchorPrice = anchor
	rec.updatedAt = s.now()

	logger.Debug().
		Str("target", target.String()).
		Str("previous", previous).
		Str("price_condition", pc.ID).
		Msg("threshold recomputed")
	return nil
}

// onFired builds the trigger callback for rec. Only the record's current price
// condition may complete it.
func (s *Scheduler) onFired(rec *record) trigger.Callback {
	return func(ctx context.Context, hit trigger.Hit) error {
		rec.mu.Lock()
		if rec.removed || rec.activeID != hit.ConditionID {
			rec.mu.Unlock()
			return nil
		}
		rec.removed = true
		rec.cancel()
		job := rec.job
		rec.mu.Unlock()

		s.mu.Lock()
		delete(s.records, rec.id)
		s.mu.Unlock()
		s.unschedule(job)

		s.logger.Info().
			Str("condition", rec.id).
			Str("code", rec.code).
			Str("price", hit.Price.String()).
			Msg("dynamic condition fired")

		return rec.callback(ctx, Notification{
			ConditionID: rec.id,
			Kind:        rec.kind,
			Code:        rec.code,
			Target:      hit.Target,
			Price:       hit.Price,
			Direction:   hit.Direction,
			Description: rec.description,
			Quote:       hit.Quote,
		})
	}
}

// RemoveCondition cancels the job and any in-flight recompute, waits for a running
// tick to finish, then removes the active price condition.
func (s *Scheduler) RemoveCondition(id string) bool {
	s.mu.Lock()
	rec, ok := s.records[id]
	delete(s.records, id)
	s.mu.Unlock()
	if !ok {
		return false
	}

	rec.cancel()
	rec.mu.Lock()
	rec.removed = true
	job := rec.job
	active := rec.activeID
	rec.activeID = ""
	rec.mu.Unlock()

	s.unschedule(job)
	if active != "" {
		s.engine.Remove(active)
	}
	s.logger.Info().Str("condition", id).Str("code", rec.code).Msg("dynamic condition removed")
	return true
}

// RemoveAll removes every dynamic condition.
func (s *Scheduler) RemoveAll() int {
	s.mu.Lock()
	ids := make([]string, 0, len(s.records))
	for id := range s.records {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	n := 0
	for _, id := range ids {
		if s.RemoveCondition(id) {
			n++
		}
	}
	return n
}

// Refresh runs a recompute now. ctx is cancelled early if the condition is removed.
func (s *Scheduler) Refresh(ctx context.Context, id string) (Snapshot, error) {
	s.mu.Lock()
	rec, ok := s.records[id]
	s.mu.Unlock()
	if !ok {
		return Snapshot{}, ErrNotFound
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(rec.ctx, cancel)
	defer stop()

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if rec.removed {
		return Snapshot{}, ErrNotFound
	}
	if err := s.refreshLocked(ctx, rec); err != nil {
		return rec.snapshotLocked(), err
	}
	return rec.snapshotLocked(), nil
}

// Get returns a snapshot of one dynamic condition.
func (s *Scheduler) Get(id string) (Snapshot, bool) {
	s.mu.Lock()
	rec, ok := s.records[id]
	s.mu.Unlock()
	if !ok {
		return Snapshot{}, false
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return rec.snapshotLocked(), true
}

// List returns snapshots of all dynamic conditions, oldest first.
func (s *Scheduler) List() []Snapshot {
	s.mu.Lock()
	recs := make([]*record, 0, len(s.records))
	for _, rec := range s.records {
		recs = append(recs, rec)
	}
	s.mu.Unlock()

	out := make([]Snapshot, 0, len(recs))
	for _, rec := range recs {
		rec.mu.Lock()
		out = append(out, rec.snapshotLocked())
		rec.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Close removes every condition and stops the job runner.
func (s *Scheduler) Close() {
	if !s.closed.CompareAndSwap(false, true) {
		return
	}
	n := s.RemoveAll()
	s.cronMu.Lock()
	s.cron.Stop()
	s.cronMu.Unlock()
	s.logger.Info().Int("removed", n).Msg("condition scheduler stopped")
}

func normalizeCode(code string) string {
	codes := utils.NormalizeCodes([]string{code})
	if len(codes) == 0 {
		return ""
	}
	return codes[0]
}
