package server

import (
	"errors"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/septivank/energy-metering-gateway/internal/aggregate"
	"github.com/septivank/energy-metering-gateway/internal/apperr"
	"github.com/septivank/energy-metering-gateway/internal/broker"
	"github.com/septivank/energy-metering-gateway/internal/db"
	"github.com/septivank/energy-metering-gateway/internal/enedis"
	"go.uber.org/zap"
)

const (
	actionWeeklyAverage = "weekly_average"
	actionRefresh       = "refresh"
	actionOrderStatus   = "order_status"
	actionRequestData   = "request_data"
)

// actionRequest is the body shared by every /functions route. Each action
// reads only the fields it needs.
type actionRequest struct {
	Action      string `json:"action"`
	MeterID     string `json:"prm"`
	StartDate   string `json:"startDate"`
	EndDate     string `json:"endDate"`
	Segmented   bool   `json:"segmented"`
	ConsentID   string `json:"consent_id"`
	Period      string `json:"period"`
	PointerOnly bool   `json:"pointer_only"`
	OrderID     string `json:"order_id"`
	RequestID   string `json:"request_id"`
}

type tokenResponse struct {
	TokenType string    `json:"token_type"`
	ExpiresAt time.Time `json:"expires_at"`
}

type weeklyAverageResponse struct {
	Summary *aggregate.Summary     `json:"summary"`
	Grid    []db.WeeklyAverageSlot `json:"grid"`
}

// bindAction decodes the request body. An empty body is an empty action.
func (s *Server) bindAction(c *gin.Context) (*actionRequest, bool) {
	var req actionRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		abortWithError(c, &apperr.ValidationError{Field: "body", Message: "must be a JSON object"})
		return nil, false
	}
	req.Action = strings.TrimSpace(req.Action)
	req.MeterID = strings.TrimSpace(req.MeterID)
	c.Set(actionKey, req.Action)
	return &req, true
}

// Healthz reports liveness
func (s *Server) Healthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// Readyz reports whether the database answers
func (s *Server) Readyz(c *gin.Context) {
	if err := s.store.Ping(c.Request.Context()); err != nil {
		s.requestLogger(c).Warn("readiness check failed", zap.Error(err))
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

// EnedisData serves metering series, customer documents and weekly averages
func (s *Server) EnedisData(c *gin.Context) {
	req, ok := s.bindAction(c)
	if !ok {
		return
	}
	if err := s.validator.MeterID(req.MeterID); err != nil {
		abortWithError(c, err)
		return
	}

	if req.Action == actionWeeklyAverage {
		s.weeklyAverage(c, req)
		return
	}
	if kind, err := enedis.ParseSnapshotKind(req.Action); err == nil {
		s.customerSnapshot(c, req, kind)
		return
	}

	kind, err := enedis.ParseKind(req.Action)
	if err != nil {
		abortWithError(c, err)
		return
	}
	if err := s.validator.DateRange(req.StartDate, req.EndDate); err != nil {
		abortWithError(c, err)
		return
	}

	series, err := s.fetcher.FetchSeries(c.Request.Context(), req.MeterID, kind, req.StartDate, req.EndDate, enedis.Options{
		Segmented: req.Segmented,
		RequestID: c.GetString(requestIDKey),
	})
	if err != nil {
		abortWithError(c, err)
		return
	}
	respond(c, series)
}

func (s *Server) customerSnapshot(c *gin.Context, req *actionRequest, kind db.SnapshotKind) {
	snap, err := s.fetcher.FetchCustomerSnapshot(c.Request.Context(), req.MeterID, kind)
	if err != nil {
		abortWithError(c, err)
		return
	}
	respond(c, snap)
}

func (s *Server) weeklyAverage(c *gin.Context, req *actionRequest) {
	if err := s.validator.DateRange(req.StartDate, req.EndDate); err != nil {
		abortWithError(c, err)
		return
	}

	summary, err := s.aggregator.RecomputeWeeklyAverage(c.Request.Context(), req.MeterID, req.StartDate, req.EndDate)
	if err != nil {
		abortWithError(c, err)
		return
	}
	grid, err := s.store.WeeklyAverage(c.Request.Context(), req.MeterID)
	if err != nil {
		abortWithError(c, err)
		return
	}
	respond(c, weeklyAverageResponse{Summary: summary, Grid: grid})
}

// EnedisToken rotates the grid operator credential. The token value is
// never returned.
func (s *Server) EnedisToken(c *gin.Context) {
	req, ok := s.bindAction(c)
	if !ok {
		return
	}
	if req.Action != "" && req.Action != actionRefresh {
		abortWithError(c, &apperr.ValidationError{Field: "action", Value: req.Action, Message: "unknown token action"})
		return
	}

	cred, err := s.tokens.Refresh(c.Request.Context())
	if err != nil {
		abortWithError(c, err)
		return
	}
	respond(c, tokenResponse{TokenType: cred.TokenType, ExpiresAt: cred.ExpiresAt})
}

// Broker orders datasets from the consent broker and inspects orders
func (s *Server) Broker(c *gin.Context) {
	req, ok := s.bindAction(c)
	if !ok {
		return
	}

	switch req.Action {
	case actionOrderStatus:
		s.orderStatus(c, req)
	case actionRequestData:
		s.requestData(c, req)
	default:
		s.orderProduct(c, req)
	}
}

func (s *Server) orderProduct(c *gin.Context, req *actionRequest) {
	product, err := broker.ParseProduct(req.Action)
	if err != nil {
		abortWithError(c, err)
		return
	}
	for _, check := range []func() error{
		func() error { return s.validator.MeterID(req.MeterID) },
		func() error { return s.validator.Required("consent_id", req.ConsentID) },
		func() error { return s.validator.OptionalDateRange(req.StartDate, req.EndDate) },
		func() error { return s.validator.Period(req.Period) },
	} {
		if err := check(); err != nil {
			abortWithError(c, err)
			return
		}
	}

	result, err := s.broker.CreateAndAwait(c.Request.Context(), broker.Params{
		MeterID:     req.MeterID,
		ConsentID:   req.ConsentID,
		Product:     product,
		Since:       req.StartDate,
		Until:       req.EndDate,
		Period:      req.Period,
		PointerOnly: req.PointerOnly,
		RequestID:   c.GetString(requestIDKey),
	})
	if err != nil {
		abortWithError(c, err)
		return
	}
	respond(c, result)
}

func (s *Server) orderStatus(c *gin.Context, req *actionRequest) {
	if err := s.validator.Required("order_id", req.OrderID); err != nil {
		abortWithError(c, err)
		return
	}
	order, err := s.broker.GetOrder(c.Request.Context(), req.OrderID)
	if err != nil {
		abortWithError(c, err)
		return
	}
	respond(c, order)
}

func (s *Server) requestData(c *gin.Context, req *actionRequest) {
	if err := s.validator.Required("request_id", req.RequestID); err != nil {
		abortWithError(c, err)
		return
	}
	if err := s.validator.Period(req.Period); err != nil {
		abortWithError(c, err)
		return
	}

	query := url.Values{}
	if req.Period != "" {
		query.Set("period", req.Period)
	}
	query.Set("format", "json")

	data, err := s.broker.RequestData(c.Request.Context(), req.RequestID, query)
	if err != nil {
		abortWithError(c, err)
		return
	}
	respond(c, data)
}
