// Package broker drives the consent broker's asynchronous order workflow:
// create an order, poll it until its request settles, then fetch and
// normalize the resulting dataset.
package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/septivank/energy-metering-gateway/internal/apperr"
	"github.com/septivank/energy-metering-gateway/internal/config"
	"github.com/septivank/energy-metering-gateway/internal/db"
	"github.com/septivank/energy-metering-gateway/internal/enedis"
	"github.com/septivank/energy-metering-gateway/internal/intervalclock"
	"github.com/septivank/energy-metering-gateway/internal/logging"
	"github.com/septivank/energy-metering-gateway/internal/metrics"
	"github.com/septivank/energy-metering-gateway/internal/mq"
	"github.com/septivank/energy-metering-gateway/internal/partner"
	"github.com/septivank/energy-metering-gateway/internal/retry"
	"go.uber.org/zap"
)

// Request states reported by the broker
const (
	StatePending = "PENDING"
	StateSuccess = "SUCCESS"
	StateFailed  = "FAILED"
)

const defaultPeriod = "PT30M"

// Product is an orderable dataset
type Product string

const (
	ProductPowerCurve      Product = "power_curve"
	ProductWeeklySync      Product = "weekly_sync"
	ProductContractDetails Product = "contract_details"
)

type productDef struct {
	requestType  string
	withPeriod   bool
	measurements bool
	pointerOnly  bool
}

var products = map[Product]productDef{
	ProductPowerCurve:      {requestType: "load_curve", withPeriod: true, measurements: true},
	ProductWeeklySync:      {requestType: "sync", measurements: true},
	ProductContractDetails: {requestType: "contract_details", pointerOnly: true},
}

// ParseProduct validates a product name
func ParseProduct(value string) (Product, error) {
	p := Product(strings.TrimSpace(value))
	if _, ok := products[p]; !ok {
		return "", &apperr.ValidationError{Field: "action", Value: value, Message: "unknown broker product"}
	}
	return p, nil
}

// Request is one typed request of an order
type Request struct {
	ID     string `json:"id"`
	Type   string `json:"type"`
	State  string `json:"state"`
	Reason string `json:"reason,omitempty"`
}

// Order is a broker order and its requests
type Order struct {
	ID       string    `json:"id"`
	Requests []Request `json:"requests"`
}

type orderRequest struct {
	Type  string `json:"type"`
	Since string `json:"since"`
	Until string `json:"until"`
}

type createOrderBody struct {
	PRM       string         `json:"prm"`
	ConsentID string         `json:"consent_id"`
	Requests  []orderRequest `json:"requests"`
}

// Params describes one CreateAndAwait call. Since and Until are civil
// dates; both default to the configured lookback ending today.
type Params struct {
	MeterID     string
	ConsentID   string
	Product     Product
	Since       string
	Until       string
	Period      string
	PointerOnly bool
	RequestID   string
}

// Result is the outcome of a settled request
type Result struct {
	OrderID       string              `json:"order_id"`
	Request       Request             `json:"request"`
	Since         string              `json:"since"`
	Until         string              `json:"until"`
	PollAttempts  int                 `json:"poll_attempts"`
	Series        string              `json:"series,omitempty"`
	Samples       []db.IntervalSample `json:"samples,omitempty"`
	Raw           json.RawMessage     `json:"raw,omitempty"`
	PersistErrors int                 `json:"persist_errors"`
}

// Store persists broker datasets
type Store interface {
	UpsertIntervalSamples(ctx context.Context, stream db.Stream, samples []db.IntervalSample) error
}

// Client talks to the consent broker
type Client struct {
	http         *partner.Client
	store        Store
	resolver     enedis.WindowResolver
	notifier     enedis.SyncNotifier
	sleep        retry.Sleeper
	pollInterval time.Duration
	maxPolls     int
	lookbackDays int
	metrics      *metrics.Metrics
	logger       *zap.Logger
	now          func() time.Time
}

// Option customizes a Client
type Option func(*Client)

// WithClock overrides the clock used for default date ranges
func WithClock(now func() time.Time) Option {
	return func(c *Client) { c.now = now }
}

// NewClient creates a broker client authenticated by the configured API key
func NewClient(
	cfg config.BrokerConfig,
	store Store,
	resolver enedis.WindowResolver,
	notifier enedis.SyncNotifier,
	httpClient *http.Client,
	sleeper retry.Sleeper,
	m *metrics.Metrics,
	logger *zap.Logger,
	opts ...Option,
) *Client {
	if sleeper == nil {
		sleeper = retry.SleepContext
	}
	policy := retry.New(cfg.MaxAttempts, cfg.RetryBaseDelay, cfg.RetryMaxDelay, logger)
	policy.Sleep = sleeper

	maxPolls := cfg.MaxPolls
	if maxPolls < 1 {
		maxPolls = 1
	}

	c := &Client{
		http: partner.New(partner.Options{
			Name:       "broker",
			BaseURL:    cfg.BaseURL,
			HTTPClient: httpClient,
			Auth:       partner.StaticToken(cfg.APIKey),
			AuthScheme: "Bearer",
			Timeout:    cfg.RequestTimeout,
			Retry:      policy,
			Metrics:    m,
			Logger:     logger,
		}),
		store:        store,
		resolver:     resolver,
		notifier:     notifier,
		sleep:        sleeper,
		pollInterval: cfg.PollInterval,
		maxPolls:     maxPolls,
		lookbackDays: cfg.LookbackDays,
		metrics:      m,
		logger:       logger,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// CreateOrder posts an order with a single typed request. Creation is not
// retried; any non-2xx answer is a CreationError carrying the partner body.
func (c *Client) CreateOrder(ctx context.Context, meterID, consentID, requestType, since, until string) (*Order, error) {
	resp, err := c.http.Send(ctx, partner.Request{
		Operation: "create_order",
		Method:    http.MethodPost,
		Path:      "/order",
		Body: createOrderBody{
			PRM:       meterID,
			ConsentID: consentID,
			Requests:  []orderRequest{{Type: requestType, Since: since, Until: until}},
		},
	})
	if err != nil {
		return nil, &apperr.CreationError{Operation: "order", Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &apperr.CreationError{Operation: "order", StatusCode: resp.StatusCode, Body: string(resp.Body)}
	}

	var order Order
	if err := json.Unmarshal(resp.Body, &order); err != nil {
		return nil, &apperr.CreationError{Operation: "order", StatusCode: resp.StatusCode, Body: string(resp.Body), Err: fmt.Errorf("failed to decode order: %w", err)}
	}
	if order.ID == "" {
		return nil, &apperr.CreationError{Operation: "order", StatusCode: resp.StatusCode, Body: string(resp.Body), Err: errors.New("order id missing from response")}
	}
	return &order, nil
}

// GetOrder returns the current state of an order
func (c *Client) GetOrder(ctx context.Context, orderID string) (*Order, error) {
	path := "/order/" + url.PathEscape(orderID)
	var order Order
	err := c.http.GetJSON(ctx, "get_order", path, nil, &order)
	if errors.Is(err, apperr.ErrNotFoundAsEmpty) {
		return nil, &apperr.UpstreamError{StatusCode: http.StatusNotFound, Endpoint: path, Body: "order not found"}
	}
	if err != nil {
		return nil, err
	}
	return &order, nil
}

// AwaitRequest polls the order until the request leaves PENDING. It polls
// at most maxPolls times, pollInterval apart.
func (c *Client) AwaitRequest(ctx context.Context, orderID string, want Request) (Request, int, error) {
	for attempt := 1; attempt <= c.maxPolls; attempt++ {
		order, err := c.GetOrder(ctx, orderID)
		if err != nil {
			return Request{}, attempt, err
		}

		if req, ok := findRequest(order, want); ok {
			switch strings.ToUpper(req.State) {
			case StateSuccess:
				return req, attempt, nil
			case StateFailed:
				return req, attempt, &apperr.RequestFailedError{RequestID: req.ID, Type: req.Type, Reason: req.Reason}
			}
		}

		if attempt < c.maxPolls {
			if err := c.sleep(ctx, c.pollInterval); err != nil {
				return Request{}, attempt, err
			}
		}
	}
	return Request{}, c.maxPolls, &apperr.TimeoutError{Operation: "order " + orderID, Attempts: c.maxPolls}
}

// findRequest matches by id when known, else by type
func findRequest(order *Order, want Request) (Request, bool) {
	for _, r := range order.Requests {
		if want.ID != "" && r.ID == want.ID {
			return r, true
		}
	}
	if want.ID != "" {
		return Request{}, false
	}
	for _, r := range order.Requests {
		if r.Type == want.Type {
			return r, true
		}
	}
	return Request{}, false
}

// RequestData fetches the raw dataset of a settled request. A 404 yields
// an empty body and no error.
func (c *Client) RequestData(ctx context.Context, requestID string, query url.Values) (json.RawMessage, error) {
	body, err := c.http.Do(ctx, partner.Request{
		Operation: "request_data",
		Method:    http.MethodGet,
		Path:      "/request/" + url.PathEscape(requestID) + "/data",
		Query:     query,
	})
	if errors.Is(err, apperr.ErrNotFoundAsEmpty) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return json.RawMessage(body), nil
}

// DataQuery builds the dataset query of a product
func DataQuery(product Product, period string) url.Values {
	query := url.Values{}
	if products[product].withPeriod {
		if period == "" {
			period = defaultPeriod
		}
		query.Set("period", period)
	}
	query.Set("format", "json")
	return query
}

// CreateAndAwait orders a product, waits for its request to settle and,
// unless only the pointer was asked for, fetches and normalizes the dataset.
// No dataset fetch is attempted when polling fails or times out.
func (c *Client) CreateAndAwait(ctx context.Context, p Params) (*Result, error) {
	def, ok := products[p.Product]
	if !ok {
		return nil, &apperr.ValidationError{Field: "action", Value: string(p.Product), Message: "unknown broker product"}
	}
	since, until, err := c.window(p.Since, p.Until)
	if err != nil {
		return nil, err
	}

	logger := logging.WithMeter(c.logger, p.MeterID).With(zap.String("product", string(p.Product)))
	if p.RequestID != "" {
		logger = logging.WithRequestID(logger, p.RequestID)
	}

	order, err := c.CreateOrder(ctx, p.MeterID, p.ConsentID, def.requestType, since, until)
	if err != nil {
		logger.Error("order creation failed", zap.Error(err))
		return nil, err
	}
	logger.Info("order created", zap.String("order_id", order.ID))

	want := Request{Type: def.requestType}
	if created, ok := findRequest(order, want); ok {
		want.ID = created.ID
	}

	req, polls, err := c.AwaitRequest(ctx, order.ID, want)
	state := req.State
	if err != nil && state == "" {
		state = "TIMEOUT"
	}
	c.metrics.PollFinished(string(p.Product), state, polls)
	if err != nil {
		logger.Warn("order did not settle", zap.String("order_id", order.ID), zap.Int("polls", polls), zap.Error(err))
		return nil, err
	}

	result := &Result{OrderID: order.ID, Request: req, Since: since, Until: until, PollAttempts: polls}
	if p.PointerOnly || def.pointerOnly {
		return result, nil
	}

	raw, err := c.RequestData(ctx, req.ID, DataQuery(p.Product, p.Period))
	if err != nil {
		return nil, err
	}
	if !def.measurements {
		result.Raw = raw
		return result, nil
	}
	if len(raw) == 0 {
		logger.Info("request dataset is empty", zap.String("request_id", req.ID))
		return result, nil
	}

	var ds dataset
	if err := json.Unmarshal(raw, &ds); err != nil {
		return nil, fmt.Errorf("failed to decode request dataset: %w", err)
	}
	series, name := FindActiveSeries(ds.Measurements)
	if series == nil {
		logger.Info("no active power or energy series in dataset", zap.Int("measurements", len(ds.Measurements)))
		return result, nil
	}

	result.Series = name
	result.Samples = toSamples(p.MeterID, series, logger)
	c.persist(ctx, logger, p, result)
	return result, nil
}

func (c *Client) persist(ctx context.Context, logger *zap.Logger, p Params, result *Result) {
	if len(result.Samples) == 0 {
		return
	}
	if c.resolver != nil {
		windows, _ := c.resolver.Windows(ctx, p.MeterID)
		tagOffPeak(result.Samples, windows)
	}

	table := string(db.StreamConsumptionLoadCurve)
	if err := c.store.UpsertIntervalSamples(ctx, db.StreamConsumptionLoadCurve, result.Samples); err != nil {
		result.PersistErrors++
		c.metrics.PersistenceFailed(table, err)
		enedis.LogPersistenceError(logger, table, len(result.Samples), err)
		return
	}
	c.metrics.Persisted(table, len(result.Samples))

	if c.notifier == nil {
		return
	}
	requestID := p.RequestID
	if requestID == "" {
		requestID = uuid.NewString()
	}
	event := mq.SyncedEvent{
		RequestID: requestID,
		MeterID:   p.MeterID,
		Stream:    table,
		Start:     result.Since,
		End:       result.Until,
		Samples:   len(result.Samples),
		Source:    "broker",
		SyncedAt:  c.now().UTC(),
	}
	if err := c.notifier.PublishLoadCurveSynced(ctx, event); err != nil {
		logger.Warn("failed to publish load curve synced event", zap.Error(err))
	}
}

// window resolves the civil date range of an order
func (c *Client) window(since, until string) (string, string, error) {
	if until == "" {
		until = c.now().In(intervalclock.Paris).Format(intervalclock.DateLayout)
	}
	end, err := intervalclock.ParseDate(until)
	if err != nil {
		return "", "", &apperr.ValidationError{Field: "endDate", Value: until, Message: err.Error()}
	}
	if since == "" {
		lookback := c.lookbackDays
		if lookback <= 0 {
			lookback = intervalclock.MaxWindowDays
		}
		since = end.AddDate(0, 0, -lookback).Format(intervalclock.DateLayout)
	}
	start, err := intervalclock.ParseDate(since)
	if err != nil {
		return "", "", &apperr.ValidationError{Field: "startDate", Value: since, Message: err.Error()}
	}
	if start.After(end) {
		return "", "", &apperr.ValidationError{Field: "startDate", Value: since, Message: "must not be after endDate"}
	}
	return start.Format(intervalclock.DateLayout), end.Format(intervalclock.DateLayout), nil
}
