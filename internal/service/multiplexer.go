package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/StockTradingKSS/stock-trading-server-sub000/internal/exchange"
	"github.com/StockTradingKSS/stock-trading-server-sub000/internal/model"
	"github.com/StockTradingKSS/stock-trading-server-sub000/internal/utils"

	"github.com/rs/zerolog/log"
)

// ErrMultiplexerNotStarted is returned before Start and after Close.
var ErrMultiplexerNotStarted = errors.New("multiplexer not started")

// maxCodesPerRequest caps one subscribe call; the venue limits items per REG.
const maxCodesPerRequest = 100

// TokenSource yields a bearer token valid for a fresh login.
type TokenSource interface {
	ValidToken(ctx context.Context) (string, error)
}

// tokenInvalidator is implemented by token sources that can drop a token the venue
// refused, such as *auth.Cache.
type tokenInvalidator interface {
	Invalidate()
}

// Session is the venue connection the multiplexer drives.
type Session interface {
	Send(frame []byte) error
	Quotes() <-chan model.Quote
	Acks() <-chan exchange.Ack
	Done() <-chan struct{}
	IsConnected() bool
	Close()
}

// Dialer opens a logged-in Session.
type Dialer func(ctx context.Context, cfg exchange.SessionConfig) (Session, error)

// DialKiwoom is the production Dialer.
func DialKiwoom(ctx context.Context, cfg exchange.SessionConfig) (Session, error) {
	sess, err := exchange.Connect(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return sess, nil
}

// MultiplexerConfig configures a Multiplexer.
type MultiplexerConfig struct {
	Endpoint          string
	LoginTimeout      time.Duration
	HeartbeatInterval time.Duration
	TLSInsecureSkip   bool

	// Dial defaults to DialKiwoom.
	Dial Dialer
}

// Multiplexer maps "quotes for these codes" onto venue subscription groups.
//
// Each subscribe call that introduces unmapped codes allocates one new group id from a
// process-wide counter and sends a REG for those codes. Group ids are never reused.
// All mapping writes and the connection itself are guarded by mu; quote filtering
// happens in the Broadcaster and never takes it.
//
// Views opened with Watch claim their codes until closed. A claimed code survives
// Unsubscribe and UnsubscribeAll so internal consumers keep receiving quotes.
type Multiplexer struct {
	cfg         MultiplexerConfig
	tokens      TokenSource
	broadcaster *Broadcaster

	mu           sync.Mutex
	session      Session
	nextGroup    uint64
	codeToGroup  map[string]string
	groupToCodes map[string]map[string]struct{}
	claims       map[string]int // code -> open Watch views

	started atomic.Bool
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewMultiplexer creates a stopped Multiplexer.
func NewMultiplexer(tokens TokenSource, broadcaster *Broadcaster, cfg MultiplexerConfig) *Multiplexer {
	if cfg.Dial == nil {
		cfg.Dial = DialKiwoom
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = DefaultHeartbeatInterval
	}
	return &Multiplexer{
		cfg:          cfg,
		tokens:       tokens,
		broadcaster:  broadcaster,
		codeToGroup:  make(map[string]string),
		groupToCodes: make(map[string]map[string]struct{}),
		claims:       make(map[string]int),
	}
}

// Start binds the multiplexer's lifetime to ctx. No connection is opened until the
// first subscribe or EnsureConnected.
func (m *Multiplexer) Start(ctx context.Context) error {
	if !m.started.CompareAndSwap(false, true) {
		return errors.New("multiplexer already started")
	}
	m.ctx, m.cancel = context.WithCancel(ctx)
	return nil
}

// EnsureConnected opens a venue session unless one is already up.
func (m *Multiplexer) EnsureConnected(ctx context.Context) error {
	if !m.started.Load() {
		return ErrMultiplexerNotStarted
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ensureConnectedLocked(ctx)
}

func (m *Multiplexer) ensureConnectedLocked(ctx context.Context) error {
	if m.ctx.Err() != nil {
		return ErrMultiplexerNotStarted
	}
	if m.session != nil && m.session.IsConnected() {
		return nil
	}

	token, err := m.tokens.ValidToken(ctx)
	if err != nil {
		return fmt.Errorf("acquire token: %w", err)
	}

	if m.session != nil {
		m.session.Close()
		m.session = nil
	}

	sess, err := m.cfg.Dial(ctx, exchange.SessionConfig{
		Endpoint:        m.cfg.Endpoint,
		Token:           token,
		LoginTimeout:    m.cfg.LoginTimeout,
		TLSInsecureSkip: m.cfg.TLSInsecureSkip,
	})
	if err != nil {
		if inv, ok := m.tokens.(tokenInvalidator); ok && errors.Is(err, exchange.ErrAuthRejected) {
			inv.Invalidate()
			log.Warn().Msg("venue refused token; next login will use a fresh one")
		}
		return fmt.Errorf("open venue session: %w", err)
	}
	m.session = sess

	m.wg.Add(2)
	go m.pump(sess)
	go m.watchAcks(sess)

	m.reregisterLocked()
	log.Info().Int("groups", len(m.groupToCodes)).Msg("venue session established")
	return nil
}

// reregisterLocked replays REG for every live group on a fresh session.
func (m *Multiplexer) reregisterLocked() {
	for _, group := range sortedKeys(m.groupToCodes) {
		codes := sortedKeys(m.groupToCodes[group])
		frame, err := exchange.BuildREG(group, codes)
		if err == nil {
			err = m.session.Send(frame)
		}
		if err != nil {
			log.Error().Err(err).Str("group", group).Msg("failed to restore group after reconnect")
		}
	}
}

// pump moves quotes from one session into the broadcaster until the session ends.
func (m *Multiplexer) pump(sess Session) {
	defer m.wg.Done()
	for q := range sess.Quotes() {
		if err := m.broadcaster.Publish(m.ctx, q); err != nil {
			log.Warn().Err(err).Msg("stopping quote pump")
			return
		}
	}
	log.Warn().Msg("venue session closed; reconnecting on next subscribe")
}

func (m *Multiplexer) watchAcks(sess Session) {
	defer m.wg.Done()
	for ack := range sess.Acks() {
		m.handleAck(ack)
	}
}

func (m *Multiplexer) handleAck(ack exchange.Ack) {
	logger := log.With().Str("trnm", ack.Trnm).Str("group", ack.GroupNo).Logger()
	if ack.OK() {
		logger.Debug().Msg("venue acknowledged")
		return
	}

	logger.Error().Int("code", ack.ReturnCode).Str("msg", ack.ReturnMsg).Msg("venue rejected request")
	if ack.Trnm != exchange.TrnmReg || ack.GroupNo == "" {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	codes, ok := m.groupToCodes[ack.GroupNo]
	if !ok {
		return
	}
	for c := range codes {
		if m.codeToGroup[c] == ack.GroupNo {
			delete(m.codeToGroup, c)
		}
	}
	delete(m.groupToCodes, ack.GroupNo)
}

// Subscribe registers codes with the venue if needed and returns a stream of their
// quotes with heartbeats. The stream ends when ctx is done or it is closed.
func (m *Multiplexer) Subscribe(ctx context.Context, codes []string) (*QuoteStream, error) {
	sub, err := m.open(ctx, codes, false)
	if err != nil {
		return nil, err
	}
	return NewQuoteStream(ctx, sub, m.cfg.HeartbeatInterval), nil
}

// Watch registers codes like Subscribe but returns the raw filtered view, without
// heartbeats. The codes stay claimed until the caller closes the view.
func (m *Multiplexer) Watch(ctx context.Context, codes []string) (*Subscriber, error) {
	return m.open(ctx, codes, true)
}

func (m *Multiplexer) open(ctx context.Context, codes []string, claim bool) (*Subscriber, error) {
	if !m.started.Load() {
		return nil, ErrMultiplexerNotStarted
	}
	codes = utils.NormalizeCodes(codes)
	if err := utils.ValidateCodes(codes, maxCodesPerRequest); err != nil {
		return nil, err
	}

	if err := m.register(ctx, codes, claim); err != nil {
		return nil, err
	}
	sub, err := m.broadcaster.Subscribe(codes)
	if !claim {
		return sub, err
	}
	if err != nil {
		m.release(codes)
		return nil, err
	}
	sub.onClose = func() { m.release(codes) }
	return sub, nil
}

func (m *Multiplexer) register(ctx context.Context, codes []string, claim bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.registerLocked(ctx, codes); err != nil {
		return err
	}
	if claim {
		for _, c := range codes {
			m.claims[c]++
		}
	}
	return nil
}

// release drops one claim per code. Released codes stay registered until unsubscribed.
func (m *Multiplexer) release(codes []string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range codes {
		if m.claims[c] <= 1 {
			delete(m.claims, c)
			continue
		}
		m.claims[c]--
	}
}

func (m *Multiplexer) registerLocked(ctx context.Context, codes []string) error {
	if err := m.ensureConnectedLocked(ctx); err != nil {
		return err
	}

	fresh := make([]string, 0, len(codes))
	for _, c := range codes {
		if _, ok := m.codeToGroup[c]; !ok {
			fresh = append(fresh, c)
		}
	}
	if len(fresh) == 0 {
		return nil
	}

	m.nextGroup++
	group := strconv.FormatUint(m.nextGroup, 10)
	frame, err := exchange.BuildREG(group, fresh)
	if err != nil {
		return err
	}
	if err := m.session.Send(frame); err != nil {
		return fmt.Errorf("register group %s: %w", group, err)
	}

	members := make(map[string]struct{}, len(fresh))
	for _, c := range fresh {
		members[c] = struct{}{}
		m.codeToGroup[c] = group
	}
	m.groupToCodes[group] = members

	log.Info().Str("group", group).Strs("codes", fresh).Msg("registered group")
	return nil
}

// Unsubscribe drops codes. A group whose codes are all being dropped is retired with
// REMOVE; a group that keeps some codes is only shrunk locally since the venue cannot
// shrink a group, so quotes for the dropped codes may keep arriving until the group is
// retired. Codes claimed by an open Watch view are kept. Returns false if any code was
// not subscribed.
func (m *Multiplexer) Unsubscribe(codes []string) bool {
	codes = utils.NormalizeCodes(codes)

	m.mu.Lock()
	defer m.mu.Unlock()

	allKnown := true
	byGroup := make(map[string][]string)
	var held []string
	for _, c := range codes {
		group, ok := m.codeToGroup[c]
		if !ok {
			allKnown = false
			continue
		}
		if m.claims[c] > 0 {
			held = append(held, c)
			continue
		}
		byGroup[group] = append(byGroup[group], c)
	}
	if len(held) > 0 {
		log.Info().Strs("codes", held).Msg("kept codes still watched internally")
	}

	for group, leaving := range byGroup {
		members := m.groupToCodes[group]
		if len(leaving) == len(members) {
			m.removeGroupLocked(group)
			continue
		}
		for _, c := range leaving {
			delete(members, c)
			delete(m.codeToGroup, c)
		}
		log.Debug().Str("group", group).Strs("codes", leaving).Msg("shrunk group locally")
	}
	return allKnown
}

// UnsubscribeAll retires every group without claimed codes. A group holding a claimed
// code is shrunk locally to its claimed codes instead. Returns false if a REMOVE could
// not be sent; the mappings are cleared regardless.
func (m *Multiplexer) UnsubscribeAll() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	ok := true
	for _, group := range sortedKeys(m.groupToCodes) {
		members := m.groupToCodes[group]
		if !m.claimedLocked(members) {
			if !m.removeGroupLocked(group) {
				ok = false
			}
			continue
		}
		for c := range members {
			if m.claims[c] == 0 {
				delete(members, c)
				delete(m.codeToGroup, c)
			}
		}
		log.Info().Str("group", group).Strs("codes", sortedKeys(members)).Msg("kept group still watched internally")
	}
	return ok
}

func (m *Multiplexer) claimedLocked(members map[string]struct{}) bool {
	for c := range members {
		if m.claims[c] > 0 {
			return true
		}
	}
	return false
}

// removeGroupLocked sends REMOVE for group and forgets it. The local mapping is
// dropped even when the session is gone; a new session starts without the group.
func (m *Multiplexer) removeGroupLocked(group string) bool {
	codes := sortedKeys(m.groupToCodes[group])
	for _, c := range codes {
		delete(m.codeToGroup, c)
	}
	delete(m.groupToCodes, group)

	if m.session == nil || !m.session.IsConnected() {
		return true
	}
	frame, err := exchange.BuildREMOVE(group, codes)
	if err == nil {
		err = m.session.Send(frame)
	}
	if err != nil {
		log.Error().Err(err).Str("group", group).Msg("failed to retire group")
		return false
	}
	log.Info().Str("group", group).Strs("codes", codes).Msg("retired group")
	return true
}

// Connected reports whether a logged-in session is up.
func (m *Multiplexer) Connected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.session != nil && m.session.IsConnected()
}

// Groups returns a snapshot of group id to sorted codes.
func (m *Multiplexer) Groups() map[string][]string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string][]string, len(m.groupToCodes))
	for g, codes := range m.groupToCodes {
		out[g] = sortedKeys(codes)
	}
	return out
}

// Close ends the session and waits for the pump goroutines.
func (m *Multiplexer) Close() {
	if !m.started.Load() {
		return
	}
	m.cancel()
	m.mu.Lock()
	if m.session != nil {
		m.session.Close()
	}
	m.mu.Unlock()
	m.wg.Wait()
}

func sortedKeys[V any](m map[string]V) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
