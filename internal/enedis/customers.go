package enedis

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"

	"github.com/septivank/energy-metering-gateway/internal/apperr"
	"github.com/septivank/energy-metering-gateway/internal/db"
	"github.com/septivank/energy-metering-gateway/internal/logging"
	"github.com/septivank/energy-metering-gateway/internal/offpeak"
	"github.com/septivank/energy-metering-gateway/internal/partner"
	"go.uber.org/zap"
)

var snapshotPaths = map[db.SnapshotKind]string{
	db.SnapshotContract: "/customers_upc/v5/usage_points/contracts",
	db.SnapshotIdentity: "/customers_i/v5/identity",
	db.SnapshotAddress:  "/customers_upa/v5/usage_points/addresses",
	db.SnapshotContact:  "/customers_cd/v5/contact_data",
}

// ParseSnapshotKind validates a customer document name
func ParseSnapshotKind(value string) (db.SnapshotKind, error) {
	k := db.SnapshotKind(strings.TrimSpace(value))
	if _, ok := snapshotPaths[k]; !ok {
		return "", &apperr.ValidationError{Field: "action", Value: value, Message: "unknown customer document"}
	}
	return k, nil
}

type contractDocument struct {
	Customer struct {
		UsagePoints []struct {
			Contracts struct {
				OffpeakHours string `json:"offpeak_hours"`
			} `json:"contracts"`
		} `json:"usage_points"`
	} `json:"customer"`
}

// FetchContract retrieves the contract document and refreshes the stored
// off-peak windows from its offpeak_hours field.
func (f *Fetcher) FetchContract(ctx context.Context, meterID string) (*db.CustomerSnapshot, error) {
	return f.FetchCustomerSnapshot(ctx, meterID, db.SnapshotContract)
}

// FetchCustomerSnapshot retrieves one customer document and stores it.
// A partner 404 returns a nil snapshot and no error.
func (f *Fetcher) FetchCustomerSnapshot(ctx context.Context, meterID string, kind db.SnapshotKind) (*db.CustomerSnapshot, error) {
	path, ok := snapshotPaths[kind]
	if !ok {
		return nil, &apperr.ValidationError{Field: "action", Value: string(kind), Message: "unknown customer document"}
	}
	logger := logging.WithMeter(f.logger, meterID).With(zap.String("document", string(kind)))

	query := url.Values{}
	query.Set("usage_point_id", meterID)
	body, err := f.client.Do(ctx, partner.Request{
		Operation: string(kind),
		Method:    http.MethodGet,
		Path:      path,
		Query:     query,
	})
	if errors.Is(err, apperr.ErrNotFoundAsEmpty) {
		logger.Info("customer document not available")
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if !json.Valid(body) {
		return nil, &apperr.UpstreamError{StatusCode: http.StatusBadGateway, Endpoint: path, Body: "invalid JSON document"}
	}

	snap := &db.CustomerSnapshot{
		MeterID:   meterID,
		Kind:      kind,
		Payload:   json.RawMessage(body),
		FetchedAt: f.now().UTC(),
	}

	if kind == db.SnapshotContract {
		var doc contractDocument
		if err := json.Unmarshal(body, &doc); err != nil {
			logger.Warn("unexpected contract document shape", zap.Error(err))
		}
		for _, up := range doc.Customer.UsagePoints {
			if up.Contracts.OffpeakHours != "" {
				snap.OffpeakHours = up.Contracts.OffpeakHours
				break
			}
		}
	}

	if err := f.store.UpsertCustomerSnapshot(ctx, snap); err != nil {
		f.persistenceFailed(logger, "customer_snapshots", 1, err)
	} else {
		f.metrics.Persisted("customer_snapshots", 1)
	}

	if snap.OffpeakHours != "" {
		f.refreshWindows(ctx, logger, meterID, snap.OffpeakHours)
	}
	return snap, nil
}

func (f *Fetcher) refreshWindows(ctx context.Context, logger *zap.Logger, meterID, text string) {
	windows, err := offpeak.ParseHours(text)
	if err != nil {
		logger.Warn("unparseable contract off-peak hours", zap.String("offpeak_hours", text), zap.Error(err))
		return
	}
	if len(windows) == 0 {
		return
	}
	if err := f.store.ReplaceOffpeakWindows(ctx, meterID, offpeak.ToRows(meterID, windows)); err != nil {
		f.persistenceFailed(logger, "offpeak_windows", len(windows), err)
		return
	}
	logger.Info("off-peak windows refreshed from contract", zap.Int("windows", len(windows)))
}
