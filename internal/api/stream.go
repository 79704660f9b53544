package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/StockTradingKSS/stock-trading-server-sub000/internal/model"
	"github.com/StockTradingKSS/stock-trading-server-sub000/internal/service"
	"github.com/StockTradingKSS/stock-trading-server-sub000/internal/utils"

	"github.com/gin-gonic/gin"
	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
)

const (
	streamWriteTimeout = 10 * time.Second
	streamReadLimit    = 512
)

// StreamMessage is one text frame pushed to a quote stream client.
type StreamMessage struct {
	Type  string       `json:"type"`
	At    time.Time    `json:"at"`
	Quote *model.Quote `json:"quote,omitempty"`
}

func newStreamMessage(ev service.StreamEvent) StreamMessage {
	msg := StreamMessage{Type: ev.Kind.String(), At: ev.At}
	if ev.Kind == service.EventQuote {
		q := ev.Quote
		msg.Quote = &q
	}
	return msg
}

// StreamQuotes upgrades to a websocket and pushes quotes for ?codes=A,B plus
// periodic heartbeats. Codes are registered at the venue before the upgrade so
// failures surface as plain HTTP errors.
// GET /api/v1/quotes/stream
func (h *Handler) StreamQuotes(c *gin.Context) {
	codes := utils.SplitCodes(c.Query("codes"))

	ctx, cancel := context.WithCancel(context.Background())
	stream, err := h.quotes.Subscribe(ctx, codes)
	if err != nil {
		cancel()
		status := http.StatusBadGateway
		if errors.Is(err, utils.ErrNoCodes) || errors.Is(err, utils.ErrInvalidCode) || errors.Is(err, utils.ErrTooManyCodes) {
			status = http.StatusBadRequest
		} else {
			h.logger.Error().Err(err).Strs("codes", codes).Msg("subscribe failed")
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}
	defer stream.Close()
	defer cancel()

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// the upgrader has already written the response
		h.logger.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}
	defer conn.Close()

	logger := h.logger.With().Str("remote", c.ClientIP()).Strs("codes", stream.Codes()).Logger()
	logger.Info().Msg("quote stream opened")

	// Inbound frames are ignored; reading only detects the client going away.
	go func() {
		defer cancel()
		conn.SetReadLimit(streamReadLimit)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					logger.Debug().Err(err).Msg("stream read failed")
				}
				return
			}
		}
	}()

	sent := h.pump(ctx, conn, stream)

	_ = conn.SetWriteDeadline(time.Now().Add(streamWriteTimeout))
	_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	logger.Info().Int("sent", sent).Msg("quote stream closed")
}

// pump writes stream events until the stream ends, ctx is canceled or a write fails.
func (h *Handler) pump(ctx context.Context, conn *websocket.Conn, stream *service.QuoteStream) int {
	sent := 0
	for {
		select {
		case <-ctx.Done():
			return sent
		case ev, ok := <-stream.Events():
			if !ok {
				return sent
			}
			payload, err := json.Marshal(newStreamMessage(ev))
			if err != nil {
				h.logger.Error().Err(err).Msg("encode stream event")
				continue
			}
			_ = conn.SetWriteDeadline(time.Now().Add(streamWriteTimeout))
			if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				h.logger.Debug().Err(err).Msg("stream write failed")
				return sent
			}
			sent++
		}
	}
}
