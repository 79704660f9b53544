package exchange

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/StockTradingKSS/stock-trading-server-sub000/internal/model"
	"github.com/StockTradingKSS/stock-trading-server-sub000/internal/websocket"

	"github.com/go-playground/validator/v10"
	json "github.com/goccy/go-json"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Session owns one authenticated connection to the venue's real-time socket.
//
// After a successful Connect the session echoes every PING, turns trade-execution
// items of REAL frames into model.Quote values on Quotes, and forwards REG/REMOVE
// acknowledgments on Acks. Any socket error ends the session: Done is closed and both
// channels are closed after the last value. Reconnecting is the owner's job.
type Session struct {
	cfg      SessionConfig
	client   *websocket.Client
	validate *validator.Validate
	logger   zerolog.Logger

	quotes  chan model.Quote
	acks    chan Ack
	loginCh chan Ack

	loggedIn  atomic.Bool
	closing   chan struct{}
	closeOnce sync.Once
	done      chan struct{}

	now func() time.Time
}

// Connect dials the venue, sends LOGIN with cfg.Token and waits for the
// acknowledgment. ctx bounds the handshake only; the session lives until Close or a
// socket error. A rejected login returns ErrAuthRejected and a missing one
// ErrConnectTimeout; the socket is closed in both cases.
func Connect(ctx context.Context, cfg SessionConfig) (*Session, error) {
	if err := validateConfig(&cfg); err != nil {
		return nil, err
	}

	login, err := json.Marshal(loginFrame{Trnm: TrnmLogin, Token: cfg.Token})
	if err != nil {
		return nil, fmt.Errorf("encode login frame: %w", err)
	}

	s := &Session{
		cfg:      cfg,
		validate: validator.New(),
		logger:   log.With().Str("component", "kiwoomSession").Str("endpoint", cfg.Endpoint).Logger(),
		quotes:   make(chan model.Quote, cfg.QuoteBuffer),
		acks:     make(chan Ack, defaultAckBuffer),
		loginCh:  make(chan Ack, 1),
		closing:  make(chan struct{}),
		done:     make(chan struct{}),
		now:      time.Now,
	}

	client, err := websocket.NewWebsocketClient(context.WithoutCancel(ctx), websocket.Config{
		Endpoint:        cfg.Endpoint,
		Handler:         s.handleFrame,
		TLSInsecureSkip: cfg.TLSInsecureSkip,
		OpenMessages:    [][]byte{login},
	})
	if err != nil {
		return nil, fmt.Errorf("connect to venue: %w", err)
	}
	s.client = client
	go s.watchDisconnect()

	timer := time.NewTimer(cfg.LoginTimeout)
	defer timer.Stop()

	select {
	case ack := <-s.loginCh:
		if !ack.OK() {
			s.Close()
			return nil, fmt.Errorf("%w: code=%d msg=%q", ErrAuthRejected, ack.ReturnCode, ack.ReturnMsg)
		}
	case <-timer.C:
		s.Close()
		return nil, fmt.Errorf("%w after %s", ErrConnectTimeout, cfg.LoginTimeout)
	case <-client.DisconnectChan():
		s.Close()
		return nil, fmt.Errorf("%w: connection dropped before login acknowledgment", ErrConnectTimeout)
	case <-ctx.Done():
		s.Close()
		return nil, ctx.Err()
	}

	s.loggedIn.Store(true)
	s.logger.Info().Msg("venue login succeeded")
	return s, nil
}

// watchDisconnect closes the outbound channels once the read loop is gone, so no
// handler can still be sending on them.
func (s *Session) watchDisconnect() {
	<-s.client.DisconnectChan()
	s.loggedIn.Store(false)
	close(s.quotes)
	close(s.acks)
	close(s.done)
	s.logger.Info().Msg("venue session ended")
}

func (s *Session) handleFrame(data []byte, reply websocket.Replier) error {
	var frame inboundFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		return fmt.Errorf("decode frame: %w", err)
	}

	switch frame.Trnm {
	case TrnmPing:
		// Echo the exact bytes; the venue drops sessions that do not.
		return reply.Send(data)
	case TrnmLogin:
		select {
		case s.loginCh <- toAck(frame):
		default:
		}
	case TrnmReal:
		s.handleReal(frame.Data)
	case TrnmReg, TrnmRemove:
		select {
		case s.acks <- toAck(frame):
		case <-s.closing:
		default:
			s.logger.Warn().Str("trnm", frame.Trnm).Str("grp_no", string(frame.GroupNo)).Msg("ack buffer full, dropping acknowledgment")
		}
	default:
		s.logger.Debug().Str("trnm", frame.Trnm).Msg("ignoring frame")
	}
	return nil
}

func (s *Session) handleReal(raw json.RawMessage) {
	var items []realItem
	if err := json.Unmarshal(raw, &items); err != nil {
		s.logger.Warn().Err(err).Msg("malformed REAL data, skipping frame")
		return
	}

	received := s.now()
	for _, it := range items {
		if it.Type != TypeTrade {
			continue
		}
		if err := s.validate.Struct(&it); err != nil {
			s.logger.Warn().Err(err).Str("item", it.Item).Msg("invalid trade item, skipping")
			continue
		}

		q := model.Quote{
			Code:             it.Item,
			CurrentPrice:     it.Values.CurrentPrice,
			PriceChange:      it.Values.PriceChange,
			ChangeRate:       it.Values.ChangeRate,
			CumulativeVolume: it.Values.CumulativeVolume,
			CumulativeAmount: it.Values.CumulativeAmount,
			TradingVolume:    it.Values.TradingVolume,
			OpenPrice:        it.Values.OpenPrice,
			HighPrice:        it.Values.HighPrice,
			LowPrice:         it.Values.LowPrice,
			TradeTime:        it.Values.TradeTime,
			AskPrice:         it.Values.AskPrice,
			BidPrice:         it.Values.BidPrice,
			ReceivedAt:       received,
		}

		select {
		case s.quotes <- q:
		case <-s.closing:
			return
		}
	}
}

func toAck(f inboundFrame) Ack {
	return Ack{
		Trnm:       f.Trnm,
		GroupNo:    string(f.GroupNo),
		ReturnCode: int(f.ReturnCode),
		ReturnMsg:  f.ReturnMsg,
	}
}

// Send writes a control frame built with BuildREG or BuildREMOVE. The matching
// acknowledgment arrives later on Acks.
func (s *Session) Send(frame []byte) error {
	if !s.IsConnected() {
		return ErrSessionClosed
	}
	if err := s.client.Send(frame); err != nil {
		return fmt.Errorf("send control frame: %w", err)
	}
	return nil
}

// Quotes delivers trade executions in arrival order.
func (s *Session) Quotes() <-chan model.Quote { return s.quotes }

// Acks delivers REG and REMOVE acknowledgments.
func (s *Session) Acks() <-chan Ack { return s.acks }

// Done is closed when the session has ended.
func (s *Session) Done() <-chan struct{} { return s.done }

// IsConnected is true while the socket is open and login has completed.
func (s *Session) IsConnected() bool {
	return s.loggedIn.Load() && s.client.IsOpen()
}

// Close ends the session. Safe to call more than once.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.loggedIn.Store(false)
		close(s.closing)
		s.client.Close()
	})
}
