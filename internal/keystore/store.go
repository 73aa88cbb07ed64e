package keystore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"sort"
	"sync"
	"time"

	"github.com/juju/clock"
)

const (
	// DaysPerMonth is the fixed month length used for expiry arithmetic.
	DaysPerMonth = 30

	// MaxMonths caps activation length at one thousand years.
	MaxMonths = 12000

	// MaxSuspendHours caps a suspension at roughly one hundred years.
	MaxSuspendHours = 876000
)

// Snapshot is the full table handed to and from a Persister.
type Snapshot struct {
	Records map[string]ActivationRecord
	Stats   Stats
}

// Persister stores and retrieves the whole table. Load on a fresh backend
// must create and return an empty snapshot.
//
// Update loads the current table, passes it to fn and saves what fn leaves
// in the snapshot, keeping every other writer of the same backend out until
// it returns. When fn fails nothing is saved and fn's error is returned as
// is. Backends with optimistic locking may call fn more than once.
type Persister interface {
	Load(ctx context.Context) (*Snapshot, error)
	Update(ctx context.Context, fn func(*Snapshot) error) error
}

// errUnchanged aborts an Update whose key does not exist.
var errUnchanged = errors.New("keystore: no change")

// Option configures a Store.
type Option func(*Store)

// WithClock sets the time source.
func WithClock(c clock.Clock) Option {
	return func(s *Store) { s.clock = c }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// Store is the authoritative key table.
type Store struct {
	mu        sync.Mutex
	records   map[string]ActivationRecord
	persister Persister
	clock     clock.Clock
	logger    *slog.Logger
}

// New loads the table from p and returns a ready Store.
func New(ctx context.Context, p Persister, opts ...Option) (*Store, error) {
	s := &Store{
		records:   make(map[string]ActivationRecord),
		persister: p,
		clock:     clock.WallClock,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With(slog.String("component", "keystore"))

	snap, err := p.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: load: %w", ErrPersistence, err)
	}
	if snap != nil {
		s.records = s.adopt(snap.Records)
	}

	s.logger.InfoContext(ctx, "key table loaded",
		slog.Int("keys", len(s.records)),
	)
	return s, nil
}

// adopt normalises loaded records into a fresh table, repairing what it
// can and dropping entries that stay invalid.
func (s *Store) adopt(records map[string]ActivationRecord) map[string]ActivationRecord {
	out := make(map[string]ActivationRecord, len(records))
	for raw, rec := range records {
		key, err := NormalizeKey(raw)
		if err != nil {
			s.logger.Warn("dropping stored record with empty key")
			continue
		}
		rec = rec.clone()
		rec.Key = key
		if rec.Status != StatusSuspended {
			rec.ResumeAt = nil
		} else if rec.ResumeAt == nil {
			// Suspension with no end: treat it as already elapsed.
			at := s.now()
			rec.ResumeAt = &at
			s.logger.Warn("suspended record had no resume time",
				slog.String("key", MaskKey(key)),
			)
		}
		if err := rec.Validate(); err != nil {
			s.logger.Warn("dropping invalid stored record",
				slog.String("key", MaskKey(key)),
				slog.String("error", err.Error()),
			)
			continue
		}
		if _, dup := out[key]; dup {
			s.logger.Warn("duplicate stored key after normalisation",
				slog.String("key", MaskKey(key)),
			)
		}
		out[key] = rec
	}
	return out
}

func (s *Store) now() time.Time {
	return s.clock.Now().UTC()
}

// Activate creates or fully overwrites the record for key. months of zero
// makes the key permanent.
func (s *Store) Activate(ctx context.Context, key string, months int) (ActivationRecord, error) {
	key, err := NormalizeKey(key)
	if err != nil {
		return ActivationRecord{}, err
	}
	if months < 0 || months > MaxMonths {
		return ActivationRecord{}, fmt.Errorf("%w: months must be between 0 and %d, got %d", ErrInvalidDuration, MaxMonths, months)
	}

	rec, _, err := s.mutate(ctx, key, func(_ map[string]ActivationRecord, now time.Time) (ActivationRecord, bool, error) {
		expiry := Permanent()
		if months > 0 {
			expiry = ExpiresAt(now.AddDate(0, 0, months*DaysPerMonth))
		}
		return ActivationRecord{
			Key:         key,
			Status:      StatusActive,
			ActivatedAt: now,
			Expiry:      expiry,
			Months:      months,
		}, true, nil
	})
	return rec, err
}

// Deactivate marks an existing key inactive and returns the stored record.
// It reports false and changes nothing when the key is unknown.
func (s *Store) Deactivate(ctx context.Context, key string) (ActivationRecord, bool, error) {
	return s.apply(ctx, key, EventDeactivate, nil)
}

// Suspend marks an existing key suspended until now+hours and returns the
// stored record, whose ResumeAt holds the resume time. It reports false when
// the key is unknown.
func (s *Store) Suspend(ctx context.Context, key string, hours int) (ActivationRecord, bool, error) {
	if _, err := NormalizeKey(key); err != nil {
		return ActivationRecord{}, false, err
	}
	if hours < 0 || hours > MaxSuspendHours {
		return ActivationRecord{}, false, fmt.Errorf("%w: hours must be between 0 and %d, got %d", ErrInvalidDuration, MaxSuspendHours, hours)
	}

	return s.apply(ctx, key, EventSuspend, func(rec *ActivationRecord, now time.Time) {
		at := now.Add(time.Duration(hours) * time.Hour)
		rec.ResumeAt = &at
	})
}

// Resume returns an existing key to active, whether or not its resume time
// has passed.
func (s *Store) Resume(ctx context.Context, key string) (ActivationRecord, bool, error) {
	return s.apply(ctx, key, EventResume, nil)
}

// apply runs ev against an existing record. edit may adjust fields beyond
// the status change.
func (s *Store) apply(ctx context.Context, key string, ev Event, edit func(*ActivationRecord, time.Time)) (ActivationRecord, bool, error) {
	key, err := NormalizeKey(key)
	if err != nil {
		return ActivationRecord{}, false, err
	}

	return s.mutate(ctx, key, func(records map[string]ActivationRecord, now time.Time) (ActivationRecord, bool, error) {
		prev, ok := records[key]
		if !ok {
			return ActivationRecord{}, false, nil
		}
		to, err := Next(prev.Status, ev)
		if err != nil {
			return ActivationRecord{}, false, err
		}
		next := prev.clone()
		next.Status = to
		if to != StatusSuspended {
			next.ResumeAt = nil
		}
		if edit != nil {
			edit(&next, now)
		}
		return next, true, nil
	})
}

// mutate runs change against the durable table inside one persister
// Update, so changes written by other processes since the last read are
// kept. change sees the current records and returns the record to store,
// or false to leave the table alone. The cached table follows whatever the
// backend holds afterwards.
func (s *Store) mutate(
	ctx context.Context,
	key string,
	change func(records map[string]ActivationRecord, now time.Time) (ActivationRecord, bool, error),
) (ActivationRecord, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var (
		rec       ActivationRecord
		current   map[string]ActivationRecord
		next      map[string]ActivationRecord
		changeErr error
	)
	err := s.persister.Update(ctx, func(snap *Snapshot) error {
		current = s.adopt(snap.Records)
		next = nil

		var found bool
		rec, found, changeErr = change(current, s.now())
		if changeErr != nil {
			return changeErr
		}
		if !found {
			return errUnchanged
		}
		next = maps.Clone(current)
		next[rec.Key] = rec
		snap.Records = next
		snap.Stats = ComputeStats(next)
		return nil
	})

	switch {
	case changeErr != nil:
		return ActivationRecord{}, false, changeErr
	case errors.Is(err, errUnchanged):
		s.records = current
		return ActivationRecord{}, false, nil
	case err != nil:
		if current != nil {
			// Loaded but not saved: the backend still holds current.
			s.records = current
		}
		s.logger.ErrorContext(ctx, "persisting key table failed, change discarded",
			slog.String("key", MaskKey(key)),
			slog.String("error", err.Error()),
		)
		return ActivationRecord{}, false, fmt.Errorf("%w: %w", ErrPersistence, err)
	}

	s.records = next
	return rec.clone(), true, nil
}

// refresh replaces the cached table with the backend's current one. A
// failed load keeps the cache and is logged. Callers hold s.mu.
func (s *Store) refresh(ctx context.Context) {
	snap, err := s.persister.Load(ctx)
	if err != nil {
		s.logger.WarnContext(ctx, "reloading key table failed, serving cached state",
			slog.String("error", err.Error()),
		)
		return
	}
	if snap != nil {
		s.records = s.adopt(snap.Records)
	}
}

func (s *Store) snapshotLocked() *Snapshot {
	records := make(map[string]ActivationRecord, len(s.records))
	for k, r := range s.records {
		records[k] = r.clone()
	}
	return &Snapshot{Records: records, Stats: ComputeStats(records)}
}

// Check returns the record for key. It never evaluates expiry.
func (s *Store) Check(ctx context.Context, key string) (ActivationRecord, bool, error) {
	key, err := NormalizeKey(key)
	if err != nil {
		return ActivationRecord{}, false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.refresh(ctx)

	rec, ok := s.records[key]
	if !ok {
		return ActivationRecord{}, false, nil
	}
	return rec.clone(), true, nil
}

// Stats scans the table.
func (s *Store) Stats(ctx context.Context) Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refresh(ctx)
	return ComputeStats(s.records)
}

// List returns every record ordered by key.
func (s *Store) List(ctx context.Context) []ActivationRecord {
	s.mu.Lock()
	s.refresh(ctx)
	out := make([]ActivationRecord, 0, len(s.records))
	for _, r := range s.records {
		out = append(out, r.clone())
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// Snapshot returns a copy of the full table.
func (s *Store) Snapshot(ctx context.Context) *Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refresh(ctx)
	return s.snapshotLocked()
}
