// Package api exposes subscriptions and dynamic conditions over HTTP.
package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/StockTradingKSS/stock-trading-server-sub000/internal/candles"
	"github.com/StockTradingKSS/stock-trading-server-sub000/internal/condition"
	"github.com/StockTradingKSS/stock-trading-server-sub000/internal/model"
	"github.com/StockTradingKSS/stock-trading-server-sub000/internal/service"
	"github.com/StockTradingKSS/stock-trading-server-sub000/internal/utils"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

// QuoteService is the subscription side of the server.
type QuoteService interface {
	Subscribe(ctx context.Context, codes []string) (*service.QuoteStream, error)
	Unsubscribe(codes []string) bool
	UnsubscribeAll() bool
	Connected() bool
}

// ConditionService is the dynamic-condition side of the server.
type ConditionService interface {
	RegisterMovingAverage(ctx context.Context, spec condition.MovingAverageSpec) (condition.Snapshot, error)
	RegisterTrendLine(ctx context.Context, spec condition.TrendLineSpec) (condition.Snapshot, error)
	RemoveCondition(id string) bool
	Get(id string) (condition.Snapshot, bool)
	List() []condition.Snapshot
}

// Options tunes a Handler.
type Options struct {
	// Location interprets anchor dates. Defaults to UTC.
	Location *time.Location

	// Notify receives fired conditions. Defaults to logging them.
	Notify condition.Callback
}

// Handler serves the HTTP surface.
type Handler struct {
	quotes     QuoteService
	conditions ConditionService
	loc        *time.Location
	notify     condition.Callback
	upgrader   websocket.Upgrader
	logger     zerolog.Logger
}

// NewHandler creates a Handler. A nil opts.Location means UTC and a nil
// opts.Notify logs each fired condition.
func NewHandler(quotes QuoteService, conditions ConditionService, opts Options) *Handler {
	h := &Handler{
		quotes:     quotes,
		conditions: conditions,
		loc:        opts.Location,
		notify:     opts.Notify,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		logger: log.With().Str("component", "api").Logger(),
	}
	if h.loc == nil {
		h.loc = time.UTC
	}
	if h.notify == nil {
		h.notify = h.logNotification
	}
	return h
}

// NewRouter builds a gin engine with every route mounted.
func NewRouter(h *Handler) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(requestLogger())
	h.Mount(router)
	return router
}

// Mount registers the routes on r.
func (h *Handler) Mount(r gin.IRouter) {
	r.GET("/health", h.Health)

	v1 := r.Group("/api/v1")
	{
		v1.GET("/quotes/stream", h.StreamQuotes)

		subs := v1.Group("/subscriptions")
		{
			subs.DELETE("", h.Unsubscribe)
			subs.DELETE("/all", h.UnsubscribeAll)
		}

		conds := v1.Group("/conditions")
		{
			conds.GET("", h.ListConditions)
			conds.GET("/:id", h.GetCondition)
			conds.DELETE("/:id", h.RemoveCondition)
			conds.POST("/moving-average", h.CreateMovingAverage)
			conds.POST("/trend-line", h.CreateTrendLine)
		}
	}
}

// Health reports process liveness and venue connectivity.
// GET /health
func (h *Handler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":          "ok",
		"venue_connected": h.quotes.Connected(),
	})
}

type unsubscribeRequest struct {
	Codes []string `json:"codes" binding:"required,min=1,max=100"`
}

// Unsubscribe drops codes from the venue subscription.
// DELETE /api/v1/subscriptions
func (h *Handler) Unsubscribe(c *gin.Context) {
	var req unsubscribeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	codes := utils.NormalizeCodes(req.Codes)
	c.JSON(http.StatusOK, gin.H{
		"codes":        codes,
		"unsubscribed": h.quotes.Unsubscribe(codes),
	})
}

// UnsubscribeAll retires every venue subscription group.
// DELETE /api/v1/subscriptions/all
func (h *Handler) UnsubscribeAll(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"unsubscribed": h.quotes.UnsubscribeAll()})
}

type movingAverageRequest struct {
	Code        string `json:"code" binding:"required"`
	Period      int    `json:"period" binding:"required,gte=2"`
	Interval    string `json:"interval" binding:"required"`
	Direction   string `json:"direction"`
	Description string `json:"description" binding:"max=200"`
}

// CreateMovingAverage registers a moving-average touch condition.
// POST /api/v1/conditions/moving-average
func (h *Handler) CreateMovingAverage(c *gin.Context) {
	var req movingAverageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	interval, direction, err := parseIntervalDirection(req.Interval, req.Direction)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	snap, err := h.conditions.RegisterMovingAverage(c.Request.Context(), condition.MovingAverageSpec{
		Code:        req.Code,
		Period:      req.Period,
		Interval:    interval,
		Direction:   direction,
		Description: req.Description,
		Callback:    h.notify,
	})
	if err != nil {
		h.writeConditionError(c, err)
		return
	}
	c.JSON(http.StatusCreated, snap)
}

type trendLineRequest struct {
	Code        string          `json:"code" binding:"required"`
	AnchorDate  string          `json:"anchor_date" binding:"required"`
	Slope       decimal.Decimal `json:"slope"`
	Interval    string          `json:"interval" binding:"required"`
	Direction   string          `json:"direction"`
	Description string          `json:"description" binding:"max=200"`
}

// CreateTrendLine registers a trend-line touch condition. anchor_date is a calendar
// date (2006-01-02) in the server's market time zone.
// POST /api/v1/conditions/trend-line
func (h *Handler) CreateTrendLine(c *gin.Context) {
	var req trendLineRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	interval, direction, err := parseIntervalDirection(req.Interval, req.Direction)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	anchor, err := time.ParseInLocation(time.DateOnly, req.AnchorDate, h.loc)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "anchor_date must look like 2006-01-02"})
		return
	}

	snap, err := h.conditions.RegisterTrendLine(c.Request.Context(), condition.TrendLineSpec{
		Code:        req.Code,
		AnchorDate:  anchor,
		Slope:       req.Slope,
		Interval:    interval,
		Direction:   direction,
		Description: req.Description,
		Callback:    h.notify,
	})
	if err != nil {
		h.writeConditionError(c, err)
		return
	}
	c.JSON(http.StatusCreated, snap)
}

// ListConditions returns every dynamic condition.
// GET /api/v1/conditions
func (h *Handler) ListConditions(c *gin.Context) {
	list := h.conditions.List()
	c.JSON(http.StatusOK, gin.H{
		"conditions": list,
		"count":      len(list),
	})
}

// GetCondition returns one dynamic condition.
// GET /api/v1/conditions/:id
func (h *Handler) GetCondition(c *gin.Context) {
	snap, ok := h.conditions.Get(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "condition not found"})
		return
	}
	c.JSON(http.StatusOK, snap)
}

// RemoveCondition cancels a dynamic condition.
// DELETE /api/v1/conditions/:id
func (h *Handler) RemoveCondition(c *gin.Context) {
	if !h.conditions.RemoveCondition(c.Param("id")) {
		c.JSON(http.StatusNotFound, gin.H{"error": "condition not found"})
		return
	}
	c.Status(http.StatusNoContent)
}

func parseIntervalDirection(rawInterval, rawDirection string) (model.Interval, model.Direction, error) {
	interval, err := model.ParseInterval(rawInterval)
	if err != nil {
		return "", "", err
	}
	direction, err := model.ParseDirection(rawDirection)
	if err != nil {
		return "", "", err
	}
	return interval, direction, nil
}

func (h *Handler) writeConditionError(c *gin.Context, err error) {
	status := http.StatusBadGateway
	switch {
	case errors.Is(err, condition.ErrInvalidSpec):
		status = http.StatusBadRequest
	case errors.Is(err, candles.ErrInsufficientData):
		status = http.StatusUnprocessableEntity
	case errors.Is(err, condition.ErrSchedulerClosed):
		status = http.StatusServiceUnavailable
	}
	if status >= http.StatusInternalServerError {
		h.logger.Error().Err(err).Str("path", c.FullPath()).Msg("condition registration failed")
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

func (h *Handler) logNotification(_ context.Context, n condition.Notification) error {
	h.logger.Info().
		Str("condition", n.ConditionID).
		Str("kind", string(n.Kind)).
		Str("code", n.Code).
		Str("target", n.Target.String()).
		Str("price", n.Price.String()).
		Str("description", n.Description).
		Msg("condition touched")
	return nil
}
