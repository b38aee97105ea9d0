// Package storetest provides an in-memory stand-in for the Postgres
// repository, keyed on the same natural keys as the real tables.
package storetest

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/septivank/energy-metering-gateway/internal/db"
)

type dailyKey struct {
	stream  db.Stream
	meterID string
	date    string
}

type intervalKey struct {
	stream  db.Stream
	meterID string
	instant int64
}

type weeklyKey struct {
	meterID string
	weekday int
	slot    string
}

type snapshotKey struct {
	meterID string
	kind    db.SnapshotKind
}

// Store is safe for concurrent use. Setting one of the Fail* errors makes
// the matching operations fail with it.
type Store struct {
	mu sync.Mutex

	credentials []db.Credential
	daily       map[dailyKey]db.DailySample
	interval    map[intervalKey]db.IntervalSample
	weekly      map[weeklyKey]db.WeeklyAverageSlot
	windows     map[string][]db.OffpeakWindow
	snapshots   map[snapshotKey]db.CustomerSnapshot

	FailCredentialWrites error
	FailUpserts          error
	FailReads            error

	UpsertCalls int
}

// New returns an empty store
func New() *Store {
	return &Store{
		daily:     make(map[dailyKey]db.DailySample),
		interval:  make(map[intervalKey]db.IntervalSample),
		weekly:    make(map[weeklyKey]db.WeeklyAverageSlot),
		windows:   make(map[string][]db.OffpeakWindow),
		snapshots: make(map[snapshotKey]db.CustomerSnapshot),
	}
}

func (s *Store) Ping(ctx context.Context) error {
	return s.FailReads
}

func (s *Store) ActiveCredential(ctx context.Context) (*db.Credential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailReads != nil {
		return nil, s.FailReads
	}
	var latest *db.Credential
	for i := range s.credentials {
		c := s.credentials[i]
		if c.Active && (latest == nil || c.IssuedAt.After(latest.IssuedAt)) {
			latest = &c
		}
	}
	return latest, nil
}

func (s *Store) DeactivateCredentials(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailCredentialWrites != nil {
		return s.FailCredentialWrites
	}
	for i := range s.credentials {
		s.credentials[i].Active = false
	}
	return nil
}

func (s *Store) InsertCredential(ctx context.Context, c *db.Credential) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailCredentialWrites != nil {
		return s.FailCredentialWrites
	}
	s.credentials = append(s.credentials, *c)
	return nil
}

func (s *Store) PruneCredentials(ctx context.Context, keep int) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailCredentialWrites != nil {
		return 0, s.FailCredentialWrites
	}
	sort.SliceStable(s.credentials, func(i, j int) bool {
		return s.credentials[i].IssuedAt.After(s.credentials[j].IssuedAt)
	})
	var kept []db.Credential
	var removed int64
	for i, c := range s.credentials {
		if c.Active || i < keep {
			kept = append(kept, c)
			continue
		}
		removed++
	}
	s.credentials = kept
	return removed, nil
}

// SeedCredential stores a credential as-is
func (s *Store) SeedCredential(c db.Credential) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.credentials = append(s.credentials, c)
}

// Credentials returns a copy of every stored credential
func (s *Store) Credentials() []db.Credential {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]db.Credential(nil), s.credentials...)
}

// ActiveCount returns the number of active credentials
func (s *Store) ActiveCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, c := range s.credentials {
		if c.Active {
			n++
		}
	}
	return n
}

func (s *Store) UpsertDailySamples(ctx context.Context, stream db.Stream, samples []db.DailySample) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.UpsertCalls++
	if s.FailUpserts != nil {
		return s.FailUpserts
	}
	for _, sample := range samples {
		s.daily[dailyKey{stream, sample.MeterID, sample.Date}] = sample
	}
	return nil
}

func (s *Store) UpsertIntervalSamples(ctx context.Context, stream db.Stream, samples []db.IntervalSample) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.UpsertCalls++
	if s.FailUpserts != nil {
		return s.FailUpserts
	}
	for _, sample := range samples {
		s.interval[intervalKey{stream, sample.MeterID, sample.Instant.UnixNano()}] = sample
	}
	return nil
}

func (s *Store) IntervalSamples(ctx context.Context, stream db.Stream, meterID, from, toExclusive string) ([]db.IntervalSample, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailReads != nil {
		return nil, s.FailReads
	}
	var out []db.IntervalSample
	for k, sample := range s.interval {
		if k.stream != stream || k.meterID != meterID {
			continue
		}
		if sample.Date < from || sample.Date >= toExclusive {
			continue
		}
		out = append(out, sample)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Instant.Before(out[j].Instant) })
	return out, nil
}

// DailyRows returns the stored daily samples of a stream ordered by date
func (s *Store) DailyRows(stream db.Stream) []db.DailySample {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []db.DailySample
	for k, sample := range s.daily {
		if k.stream == stream {
			out = append(out, sample)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].MeterID != out[j].MeterID {
			return out[i].MeterID < out[j].MeterID
		}
		return out[i].Date < out[j].Date
	})
	return out
}

// IntervalRows returns the stored interval samples of a stream ordered by instant
func (s *Store) IntervalRows(stream db.Stream) []db.IntervalSample {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []db.IntervalSample
	for k, sample := range s.interval {
		if k.stream == stream {
			out = append(out, sample)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Instant.Before(out[j].Instant) })
	return out
}

// SeedInterval stores interval samples without counting an upsert call
func (s *Store) SeedInterval(stream db.Stream, samples ...db.IntervalSample) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sample := range samples {
		s.interval[intervalKey{stream, sample.MeterID, sample.Instant.UnixNano()}] = sample
	}
}

func (s *Store) ReplaceWeeklyAverage(ctx context.Context, meterID string, slots []db.WeeklyAverageSlot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.UpsertCalls++
	if s.FailUpserts != nil {
		return s.FailUpserts
	}
	for _, slot := range slots {
		slot.MeterID = meterID
		s.weekly[weeklyKey{meterID, slot.Weekday, slot.Slot}] = slot
	}
	return nil
}

func (s *Store) WeeklyAverage(ctx context.Context, meterID string) ([]db.WeeklyAverageSlot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailReads != nil {
		return nil, s.FailReads
	}
	var out []db.WeeklyAverageSlot
	for k, slot := range s.weekly {
		if k.meterID == meterID {
			out = append(out, slot)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Weekday != out[j].Weekday {
			return out[i].Weekday < out[j].Weekday
		}
		return out[i].Slot < out[j].Slot
	})
	return out, nil
}

func (s *Store) OffpeakWindows(ctx context.Context, meterID string) ([]db.OffpeakWindow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailReads != nil {
		return nil, s.FailReads
	}
	return append([]db.OffpeakWindow(nil), s.windows[meterID]...), nil
}

func (s *Store) ReplaceOffpeakWindows(ctx context.Context, meterID string, windows []db.OffpeakWindow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailUpserts != nil {
		return s.FailUpserts
	}
	s.windows[meterID] = append([]db.OffpeakWindow(nil), windows...)
	return nil
}

func (s *Store) UpsertCustomerSnapshot(ctx context.Context, snap *db.CustomerSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailUpserts != nil {
		return s.FailUpserts
	}
	s.snapshots[snapshotKey{snap.MeterID, snap.Kind}] = *snap
	return nil
}

func (s *Store) CustomerSnapshot(ctx context.Context, meterID string, kind db.SnapshotKind) (*db.CustomerSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailReads != nil {
		return nil, s.FailReads
	}
	snap, ok := s.snapshots[snapshotKey{meterID, kind}]
	if !ok {
		return nil, nil
	}
	return &snap, nil
}

// FixedClock returns a clock function frozen at t
func FixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}
