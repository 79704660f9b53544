package condition

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/StockTradingKSS/stock-trading-server-sub000/internal/candles"
	"github.com/StockTradingKSS/stock-trading-server-sub000/internal/model"
	"github.com/StockTradingKSS/stock-trading-server-sub000/internal/service"
	"github.com/StockTradingKSS/stock-trading-server-sub000/internal/trigger"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// MockLoader is a mock implementation of candles.Loader
type MockLoader struct {
	mock.Mock
}

func (m *MockLoader) LoadCandles(ctx context.Context, q candles.Query) ([]model.Candle, error) {
	args := m.Called(ctx, q)
	series, _ := args.Get(0).([]model.Candle)
	return series, args.Error(1)
}

type broadcasterSource struct {
	b *service.Broadcaster
}

func (s broadcasterSource) Watch(_ context.Context, codes []string) (*service.Subscriber, error) {
	return s.b.Subscribe(codes)
}

// fakeEngine records registrations and lets tests mark price conditions as fired.
type fakeEngine struct {
	mu          sync.Mutex
	registered  []decimal.Decimal
	removed     []string
	fired       map[string]bool
	registerErr error
	seq         int
}

func (f *fakeEngine) Register(_ context.Context, code string, target decimal.Decimal, _ trigger.Callback, _ ...trigger.Option) (*trigger.PriceCondition, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.registerErr != nil {
		return nil, f.registerErr
	}
	f.seq++
	f.registered = append(f.registered, target)
	return &trigger.PriceCondition{ID: "pc-" + strconv.Itoa(f.seq), Code: code, Target: target}, nil
}

func (f *fakeEngine) Remove(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fired[id] {
		return false
	}
	f.removed = append(f.removed, id)
	return true
}

var testBase = time.Date(2024, 3, 4, 0, 0, 0, 0, time.UTC)

// createTestSeries builds daily candles from closes given newest first.
func createTestSeries(closesNewestFirst ...int64) []model.Candle {
	n := len(closesNewestFirst)
	out := make([]model.Candle, n)
	for i, c := range closesNewestFirst {
		price := decimal.NewFromInt(c)
		out[i] = model.Candle{Open: price, High: price, Low: price, Close: price, OpenTime: testBase.AddDate(0, 0, n-1-i)}
	}
	return out
}

// notificationRecorder is an owner Callback that records every notification.
type notificationRecorder struct {
	mu  sync.Mutex
	got []Notification
}

func (r *notificationRecorder) callback(_ context.Context, n Notification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.got = append(r.got, n)
	return nil
}

func (r *notificationRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.got)
}

// quietConfig keeps scheduled jobs from running during a test.
func quietConfig() Config {
	return Config{
		Location: time.UTC,
		Cadence:  func(model.Interval) time.Duration { return time.Hour },
		FirstRun: func(_ model.Interval, now time.Time) time.Time { return now.Add(time.Hour) },
	}
}

type schedulerFixture struct {
	sched  *Scheduler
	engine *trigger.Engine
	loader *MockLoader
	b      *service.Broadcaster
}

func createTestScheduler(t *testing.T, cfg Config) *schedulerFixture {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	b := service.NewBroadcaster(service.BroadcasterConfig{})
	require.NoError(t, b.Start(ctx))

	engine := trigger.NewEngine(broadcasterSource{b: b})
	loader := new(MockLoader)
	sched := NewScheduler(engine, loader, cfg)
	sched.now = func() time.Time { return testBase.Add(10 * time.Hour) }

	t.Cleanup(func() {
		sched.Close()
		engine.Close()
		cancel()
	})
	return &schedulerFixture{sched: sched, engine: engine, loader: loader, b: b}
}

func (f *schedulerFixture) publish(t *testing.T, code string, price int) {
	t.Helper()
	require.NoError(t, f.b.Publish(context.Background(), model.Quote{Code: code, CurrentPrice: strconv.Itoa(price)}))
}

func maSpec(cb Callback) MovingAverageSpec {
	return MovingAverageSpec{Code: "005930", Period: 5, Interval: model.Day, Callback: cb}
}

func forCode(code string) interface{} {
	return mock.MatchedBy(func(q candles.Query) bool { return q.Code == code })
}

func Test_RegisterMovingAverage(t *testing.T) {
	f := createTestScheduler(t, quietConfig())
	rec := &notificationRecorder{}

	f.loader.On("LoadCandles", mock.Anything, mock.MatchedBy(func(q candles.Query) bool {
		return q.Code == "005930" && q.Interval == model.Day && q.Count == 5 && q.From.IsZero() && !q.To.IsZero()
	})).Return(createTestSeries(90000, 87000, 83000, 77000, 73000), nil).Once()

	snap, err := f.sched.RegisterMovingAverage(context.Background(), MovingAverageSpec{
		Code:        "005930",
		Period:      5,
		Interval:    model.Day,
		Description: "5-day MA touch",
		Callback:    rec.callback,
	})
	require.NoError(t, err)

	assert.NotEmpty(t, snap.ID)
	assert.Equal(t, KindMovingAverage, snap.Kind)
	assert.Equal(t, "80000", snap.Target.String())
	assert.Equal(t, model.FromBelow, snap.Direction)
	assert.Equal(t, 5, snap.Period)
	assert.Nil(t, snap.AnchorDate)
	assert.Nil(t, snap.Slope)

	active := f.engine.Active()
	require.Len(t, active, 1)
	assert.Equal(t, snap.PriceConditionID, active[0].ID)
	assert.Equal(t, "80000", active[0].Target.String())
	assert.Equal(t, "5-day MA touch", active[0].Description)

	got, ok := f.sched.Get(snap.ID)
	require.True(t, ok)
	assert.Equal(t, snap, got)
	assert.Len(t, f.sched.List(), 1)
	f.loader.AssertExpectations(t)
}

func Test_RegisterTrendLine(t *testing.T) {
	f := createTestScheduler(t, quietConfig())
	anchor := testBase.AddDate(0, 0, -4)

	f.loader.On("LoadCandles", mock.Anything, mock.MatchedBy(func(q candles.Query) bool {
		return q.Code == "000660" && q.From.Equal(anchor) && q.Count == 0
	})).Return(createTestSeries(51000, 50500, 49000, 50200, 50000), nil).Once()

	snap, err := f.sched.RegisterTrendLine(context.Background(), TrendLineSpec{
		Code:       "000660",
		AnchorDate: anchor,
		Slope:      decimal.NewFromInt(100),
		Interval:   model.Day,
		Direction:  model.FromAbove,
		Callback:   (&notificationRecorder{}).callback,
	})
	require.NoError(t, err)

	assert.Equal(t, KindTrendLine, snap.Kind)
	assert.Equal(t, "50400", snap.Target.String())
	require.NotNil(t, snap.AnchorPrice)
	assert.Equal(t, "50000", snap.AnchorPrice.String())
	require.NotNil(t, snap.Slope)
	assert.Equal(t, "100", snap.Slope.String())
	require.NotNil(t, snap.AnchorDate)
	assert.True(t, anchor.Equal(*snap.AnchorDate))

	active := f.engine.Active()
	require.Len(t, active, 1)
	assert.Equal(t, model.FromAbove, active[0].Direction)
}

func Test_RegisterValidation(t *testing.T) {
	noop := func(context.Context, Notification) error { return nil }
	anchor := testBase.AddDate(0, 0, -4)

	tests := []struct {
		name     string
		register func(s *Scheduler) error
		errorMsg string
	}{
		{
			name: "Period below two",
			register: func(s *Scheduler) error {
				spec := maSpec(noop)
				spec.Period = 1
				_, err := s.RegisterMovingAverage(context.Background(), spec)
				return err
			},
			errorMsg: "Period",
		},
		{
			name: "Unknown interval",
			register: func(s *Scheduler) error {
				spec := maSpec(noop)
				spec.Interval = "HOUR"
				_, err := s.RegisterMovingAverage(context.Background(), spec)
				return err
			},
			errorMsg: "Interval",
		},
		{
			name: "Unknown direction",
			register: func(s *Scheduler) error {
				spec := maSpec(noop)
				spec.Direction = "SIDEWAYS"
				_, err := s.RegisterMovingAverage(context.Background(), spec)
				return err
			},
			errorMsg: "Direction",
		},
		{
			name: "Empty code",
			register: func(s *Scheduler) error {
				spec := maSpec(noop)
				spec.Code = "  "
				_, err := s.RegisterMovingAverage(context.Background(), spec)
				return err
			},
			errorMsg: "Code",
		},
		{
			name: "Malformed code",
			register: func(s *Scheduler) error {
				spec := maSpec(noop)
				spec.Code = "12345"
				_, err := s.RegisterMovingAverage(context.Background(), spec)
				return err
			},
			errorMsg: "invalid instrument code",
		},
		{
			name: "Missing callback",
			register: func(s *Scheduler) error {
				_, err := s.RegisterMovingAverage(context.Background(), maSpec(nil))
				return err
			},
			errorMsg: "callback is required",
		},
		{
			name: "Missing anchor",
			register: func(s *Scheduler) error {
				_, err := s.RegisterTrendLine(context.Background(), TrendLineSpec{
					Code: "005930", Slope: decimal.NewFromInt(1), Interval: model.Day, Callback: noop,
				})
				return err
			},
			errorMsg: "anchor date is required",
		},
		{
			name: "Future anchor",
			register: func(s *Scheduler) error {
				_, err := s.RegisterTrendLine(context.Background(), TrendLineSpec{
					Code: "005930", AnchorDate: anchor.AddDate(1, 0, 0), Interval: model.Day, Callback: noop,
				})
				return err
			},
			errorMsg: "in the future",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := createTestScheduler(t, quietConfig())
			err := tt.register(f.sched)
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrInvalidSpec)
			assert.Contains(t, err.Error(), tt.errorMsg)
			f.loader.AssertNotCalled(t, "LoadCandles", mock.Anything, mock.Anything)
			assert.Empty(t, f.sched.List())
		})
	}
}

func Test_RegisterInitialComputeFailure(t *testing.T) {
	f := createTestScheduler(t, quietConfig())
	f.loader.On("LoadCandles", mock.Anything, forCode("005930")).
		Return(createTestSeries(90000, 87000), nil).Once()

	_, err := f.sched.RegisterMovingAverage(context.Background(), maSpec((&notificationRecorder{}).callback))
	assert.ErrorIs(t, err, candles.ErrInsufficientData)
	assert.Empty(t, f.sched.List())
	assert.Empty(t, f.engine.Active())
}

func Test_RegisterNonPositiveInitialTarget(t *testing.T) {
	f := createTestScheduler(t, quietConfig())
	f.loader.On("LoadCandles", mock.Anything, forCode("000660")).
		Return(createTestSeries(300, 250, 200, 150, 100), nil).Once()

	_, err := f.sched.RegisterTrendLine(context.Background(), TrendLineSpec{
		Code:       "000660",
		AnchorDate: testBase.AddDate(0, 0, -4),
		Slope:      decimal.NewFromInt(-200),
		Interval:   model.Day,
		Callback:   (&notificationRecorder{}).callback,
	})
	assert.ErrorIs(t, err, ErrInvalidSpec)
	assert.Contains(t, err.Error(), "not positive")
	assert.Empty(t, f.sched.List())
	assert.Empty(t, f.engine.Active())
}

func Test_RefreshSwapsPriceCondition(t *testing.T) {
	f := createTestScheduler(t, quietConfig())
	f.loader.On("LoadCandles", mock.Anything, forCode("005930")).
		Return(createTestSeries(90000, 87000, 83000, 77000, 73000), nil).Once()
	f.loader.On("LoadCandles", mock.Anything, forCode("005930")).
		Return(createTestSeries(91000, 88000, 84000, 78000, 74000), nil).Once()

	snap, err := f.sched.RegisterMovingAverage(context.Background(), maSpec((&notificationRecorder{}).callback))
	require.NoError(t, err)
	first := snap.PriceConditionID

	refreshed, err := f.sched.Refresh(context.Background(), snap.ID)
	require.NoError(t, err)
	assert.Equal(t, "81000", refreshed.Target.String())
	assert.NotEqual(t, first, refreshed.PriceConditionID)

	active := f.engine.Active()
	require.Len(t, active, 1, "exactly one price condition after a swap")
	assert.Equal(t, refreshed.PriceConditionID, active[0].ID)
	assert.Equal(t, "81000", active[0].Target.String())
}

func Test_RefreshFailureKeepsThreshold(t *testing.T) {
	f := createTestScheduler(t, quietConfig())
	f.loader.On("LoadCandles", mock.Anything, forCode("005930")).
		Return(createTestSeries(90000, 87000, 83000, 77000, 73000), nil).Once()
	f.loader.On("LoadCandles", mock.Anything, forCode("005930")).
		Return(nil, errors.New("candle API returned 503")).Once()

	snap, err := f.sched.RegisterMovingAverage(context.Background(), maSpec((&notificationRecorder{}).callback))
	require.NoError(t, err)

	after, err := f.sched.Refresh(context.Background(), snap.ID)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "503")
	assert.Equal(t, "80000", after.Target.String())
	assert.Equal(t, snap.PriceConditionID, after.PriceConditionID)

	active := f.engine.Active()
	require.Len(t, active, 1)
	assert.Equal(t, snap.PriceConditionID, active[0].ID)
}

func Test_FiredConditionNotifiesOwnerOnce(t *testing.T) {
	f := createTestScheduler(t, quietConfig())
	rec := &notificationRecorder{}
	f.loader.On("LoadCandles", mock.Anything, forCode("005930")).
		Return(createTestSeries(90000, 87000, 83000, 77000, 73000), nil).Once()

	spec := maSpec(rec.callback)
	spec.Description = "pullback to MA5"
	snap, err := f.sched.RegisterMovingAverage(context.Background(), spec)
	require.NoError(t, err)

	f.publish(t, "005930", 79000)
	f.publish(t, "005930", 80100)
	f.publish(t, "005930", 80500)

	require.Eventually(t, func() bool { return rec.count() == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, 1, rec.count())

	n := rec.got[0]
	assert.Equal(t, snap.ID, n.ConditionID)
	assert.Equal(t, KindMovingAverage, n.Kind)
	assert.Equal(t, "80000", n.Target.String())
	assert.Equal(t, "80100", n.Price.String())
	assert.Equal(t, "pullback to MA5", n.Description)

	_, ok := f.sched.Get(snap.ID)
	assert.False(t, ok, "fired condition is discarded")
	assert.Empty(t, f.engine.Active())
	assert.False(t, f.sched.RemoveCondition(snap.ID))

	_, err = f.sched.Refresh(context.Background(), snap.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func Test_RefreshAfterFireDoesNotRearm(t *testing.T) {
	engine := &fakeEngine{}
	loader := new(MockLoader)
	sched := NewScheduler(engine, loader, quietConfig())
	defer sched.Close()

	loader.On("LoadCandles", mock.Anything, forCode("005930")).
		Return(createTestSeries(90000, 87000, 83000, 77000, 73000), nil)

	snap, err := sched.RegisterMovingAverage(context.Background(), maSpec((&notificationRecorder{}).callback))
	require.NoError(t, err)
	assert.Equal(t, "pc-1", snap.PriceConditionID)

	engine.mu.Lock()
	engine.fired = map[string]bool{"pc-1": true}
	engine.mu.Unlock()

	_, err = sched.Refresh(context.Background(), snap.ID)
	assert.ErrorIs(t, err, ErrAlreadyFired)
	assert.Equal(t, []string{"pc-2"}, engine.removed, "replacement withdrawn after a fire")

	got, ok := sched.Get(snap.ID)
	require.True(t, ok)
	assert.Equal(t, "pc-1", got.PriceConditionID)
}

func Test_RefreshRearmFailureRetries(t *testing.T) {
	engine := &fakeEngine{}
	loader := new(MockLoader)
	sched := NewScheduler(engine, loader, quietConfig())
	defer sched.Close()

	loader.On("LoadCandles", mock.Anything, forCode("005930")).
		Return(createTestSeries(90000, 87000, 83000, 77000, 73000), nil)

	snap, err := sched.RegisterMovingAverage(context.Background(), maSpec((&notificationRecorder{}).callback))
	require.NoError(t, err)

	engine.mu.Lock()
	engine.registerErr = errors.New("venue unavailable")
	engine.mu.Unlock()

	_, err = sched.Refresh(context.Background(), snap.ID)
	require.Error(t, err)
	got, _ := sched.Get(snap.ID)
	assert.Equal(t, "pc-1", got.PriceConditionID, "current price condition stays armed")
	assert.Empty(t, engine.removed)

	engine.mu.Lock()
	engine.registerErr = nil
	engine.mu.Unlock()

	got, err = sched.Refresh(context.Background(), snap.ID)
	require.NoError(t, err)
	assert.Equal(t, "pc-2", got.PriceConditionID)
	assert.Equal(t, []string{"pc-1"}, engine.removed)
}

func Test_RefreshNonPositiveTargetKeepsThreshold(t *testing.T) {
	f := createTestScheduler(t, quietConfig())
	anchor := testBase.AddDate(0, 0, -4)

	f.loader.On("LoadCandles", mock.Anything, forCode("000660")).
		Return(createTestSeries(51000, 50500, 49000, 50200, 50000), nil).Once()
	f.loader.On("LoadCandles", mock.Anything, forCode("000660")).
		Return(createTestSeries(300, 250, 200, 150, 100), nil).Once()

	snap, err := f.sched.RegisterTrendLine(context.Background(), TrendLineSpec{
		Code:       "000660",
		AnchorDate: anchor,
		Slope:      decimal.NewFromInt(-200),
		Interval:   model.Day,
		Callback:   (&notificationRecorder{}).callback,
	})
	require.NoError(t, err)
	assert.Equal(t, "49200", snap.Target.String())

	after, err := f.sched.Refresh(context.Background(), snap.ID)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "must be positive")
	assert.Equal(t, "49200", after.Target.String())
	assert.Equal(t, snap.PriceConditionID, after.PriceConditionID)

	active := f.engine.Active()
	require.Len(t, active, 1, "trigger stays armed")
	assert.Equal(t, snap.PriceConditionID, active[0].ID)
	assert.Equal(t, "49200", active[0].Target.String())
}

func Test_RemoveCondition(t *testing.T) {
	f := createTestScheduler(t, quietConfig())
	rec := &notificationRecorder{}
	f.loader.On("LoadCandles", mock.Anything, forCode("005930")).
		Return(createTestSeries(90000, 87000, 83000, 77000, 73000), nil).Once()

	snap, err := f.sched.RegisterMovingAverage(context.Background(), maSpec(rec.callback))
	require.NoError(t, err)

	assert.True(t, f.sched.RemoveCondition(snap.ID))
	assert.False(t, f.sched.RemoveCondition(snap.ID))
	assert.False(t, f.sched.RemoveCondition("missing"))
	assert.Empty(t, f.engine.Active())
	assert.Empty(t, f.sched.List())

	f.publish(t, "005930", 85000)
	time.Sleep(30 * time.Millisecond)
	assert.Zero(t, rec.count())
}

func Test_RemoveDuringRecompute(t *testing.T) {
	f := createTestScheduler(t, quietConfig())
	rec := &notificationRecorder{}

	f.loader.On("LoadCandles", mock.Anything, forCode("005930")).
		Return(createTestSeries(90000, 87000, 83000, 77000, 73000), nil).Once()

	entered := make(chan struct{})
	f.loader.On("LoadCandles", mock.Anything, forCode("005930")).
		Run(func(args mock.Arguments) {
			close(entered)
			<-args.Get(0).(context.Context).Done()
		}).
		Return(nil, context.Canceled).Once()

	snap, err := f.sched.RegisterMovingAverage(context.Background(), maSpec(rec.callback))
	require.NoError(t, err)

	refreshErr := make(chan error, 1)
	go func() {
		_, err := f.sched.Refresh(context.Background(), snap.ID)
		refreshErr <- err
	}()

	select {
	case <-entered:
	case <-time.After(time.Second):
		t.Fatal("recompute never started")
	}

	assert.True(t, f.sched.RemoveCondition(snap.ID))

	select {
	case err := <-refreshErr:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("recompute was not cancelled")
	}

	assert.Empty(t, f.engine.Active(), "no orphaned price condition")
	f.publish(t, "005930", 85000)
	time.Sleep(30 * time.Millisecond)
	assert.Zero(t, rec.count())
}

func Test_RemoveAll(t *testing.T) {
	f := createTestScheduler(t, quietConfig())
	f.loader.On("LoadCandles", mock.Anything, mock.Anything).
		Return(createTestSeries(90000, 87000, 83000, 77000, 73000), nil)

	for _, code := range []string{"005930", "000660", "035420"} {
		spec := maSpec((&notificationRecorder{}).callback)
		spec.Code = code
		_, err := f.sched.RegisterMovingAverage(context.Background(), spec)
		require.NoError(t, err)
	}
	assert.Len(t, f.sched.List(), 3)
	assert.Len(t, f.engine.Active(), 3)

	assert.Equal(t, 3, f.sched.RemoveAll())
	assert.Empty(t, f.sched.List())
	assert.Empty(t, f.engine.Active())
	assert.Zero(t, f.sched.RemoveAll())
}

func Test_ScheduledRecompute(t *testing.T) {
	var firstRunAt atomic.Value
	cfg := Config{
		Location: time.UTC,
		Cadence:  func(model.Interval) time.Duration { return 100 * time.Millisecond },
		FirstRun: func(i model.Interval, now time.Time) time.Time {
			first := time.Now().Add(50 * time.Millisecond)
			firstRunAt.Store(first)
			return first
		},
	}
	f := createTestScheduler(t, cfg)
	require.NoError(t, f.sched.Start())
	assert.Error(t, f.sched.Start())

	f.loader.On("LoadCandles", mock.Anything, forCode("005930")).
		Return(createTestSeries(90000, 87000, 83000, 77000, 73000), nil).Once()
	f.loader.On("LoadCandles", mock.Anything, forCode("005930")).
		Return(createTestSeries(95000, 92000, 88000, 82000, 78000), nil)

	snap, err := f.sched.RegisterMovingAverage(context.Background(), maSpec((&notificationRecorder{}).callback))
	require.NoError(t, err)
	assert.Equal(t, "80000", snap.Target.String())
	assert.NotNil(t, firstRunAt.Load())

	require.Eventually(t, func() bool {
		got, ok := f.sched.Get(snap.ID)
		return ok && got.Target.String() == "85000"
	}, 3*time.Second, 20*time.Millisecond)

	// a later tick may be mid-swap, so look for a settled state
	assert.Eventually(t, func() bool {
		active := f.engine.Active()
		return len(active) == 1 && active[0].Target.String() == "85000"
	}, time.Second, 5*time.Millisecond)
}

func Test_SchedulerClose(t *testing.T) {
	f := createTestScheduler(t, quietConfig())
	f.loader.On("LoadCandles", mock.Anything, mock.Anything).
		Return(createTestSeries(90000, 87000, 83000, 77000, 73000), nil)

	_, err := f.sched.RegisterMovingAverage(context.Background(), maSpec((&notificationRecorder{}).callback))
	require.NoError(t, err)

	f.sched.Close()
	f.sched.Close()
	assert.Empty(t, f.engine.Active())

	_, err = f.sched.RegisterMovingAverage(context.Background(), maSpec((&notificationRecorder{}).callback))
	assert.ErrorIs(t, err, ErrSchedulerClosed)
}
