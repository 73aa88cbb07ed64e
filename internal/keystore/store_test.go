package keystore

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/juju/clock/testclock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var epoch = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

// fakePersister keeps the table in memory, records every saved snapshot
// and can be told to fail.
type fakePersister struct {
	mu      sync.Mutex
	initial *Snapshot
	saves   []*Snapshot
	failErr error
	loadErr error
}

func (f *fakePersister) Load(ctx context.Context) (*Snapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.loadLocked()
}

func (f *fakePersister) loadLocked() (*Snapshot, error) {
	if f.loadErr != nil {
		return nil, f.loadErr
	}
	src := f.initial
	if n := len(f.saves); n > 0 {
		src = f.saves[n-1]
	}
	out := &Snapshot{Records: map[string]ActivationRecord{}}
	if src != nil {
		for k, r := range src.Records {
			out.Records[k] = r.clone()
		}
		out.Stats = src.Stats
	}
	return out, nil
}

func (f *fakePersister) Update(ctx context.Context, fn func(*Snapshot) error) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	snap, err := f.loadLocked()
	if err != nil {
		return err
	}
	if err := fn(snap); err != nil {
		return err
	}
	if f.failErr != nil {
		return f.failErr
	}
	f.saves = append(f.saves, snap)
	return nil
}

func (f *fakePersister) last() *Snapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.saves) == 0 {
		return nil
	}
	return f.saves[len(f.saves)-1]
}

func newTestStore(t *testing.T) (*Store, *fakePersister, *testclock.Clock) {
	t.Helper()
	p := &fakePersister{}
	clk := testclock.NewClock(epoch)
	s, err := New(context.Background(), p, WithClock(clk))
	require.NoError(t, err)
	return s, p, clk
}

func TestActivateThenCheck(t *testing.T) {
	s, p, _ := newTestStore(t)
	ctx := context.Background()

	rec, err := s.Activate(ctx, "abc123", 3)
	require.NoError(t, err)
	assert.Equal(t, "ABC123", rec.Key)

	got, found, err := s.Check(ctx, "ABC123")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, StatusActive, got.Status)
	assert.Equal(t, epoch, got.ActivatedAt)
	assert.Equal(t, 3, got.Months)
	at, ok := got.Expiry.Time()
	require.True(t, ok)
	assert.Equal(t, epoch.AddDate(0, 0, 90), at)
	assert.Nil(t, got.ResumeAt)

	require.NotNil(t, p.last())
	assert.Contains(t, p.last().Records, "ABC123")
	assert.Equal(t, 1, p.last().Stats.Active)
}

func TestActivatePermanent(t *testing.T) {
	s, _, _ := newTestStore(t)

	rec, err := s.Activate(context.Background(), "  perm-key ", 0)
	require.NoError(t, err)
	assert.Equal(t, "PERM-KEY", rec.Key)
	assert.True(t, rec.Expiry.IsPermanent())
	assert.Equal(t, PermanentLabel, rec.Expiry.String())
}

func TestInvalidInput(t *testing.T) {
	s, p, _ := newTestStore(t)
	ctx := context.Background()

	tests := []struct {
		name string
		call func() error
		want error
	}{
		{"activate empty key", func() error { _, err := s.Activate(ctx, "   ", 1); return err }, ErrInvalidKey},
		{"activate negative months", func() error { _, err := s.Activate(ctx, "K", -1); return err }, ErrInvalidDuration},
		{"activate too many months", func() error { _, err := s.Activate(ctx, "K", MaxMonths+1); return err }, ErrInvalidDuration},
		{"deactivate empty key", func() error { _, _, err := s.Deactivate(ctx, ""); return err }, ErrInvalidKey},
		{"suspend empty key", func() error { _, _, err := s.Suspend(ctx, "\t", 1); return err }, ErrInvalidKey},
		{"suspend negative hours", func() error { _, _, err := s.Suspend(ctx, "K", -5); return err }, ErrInvalidDuration},
		{"resume empty key", func() error { _, _, err := s.Resume(ctx, " "); return err }, ErrInvalidKey},
		{"check empty key", func() error { _, _, err := s.Check(ctx, ""); return err }, ErrInvalidKey},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, tt.call(), tt.want)
		})
	}
	assert.Empty(t, p.saves, "invalid input must not persist")
	assert.Equal(t, 0, s.Stats(ctx).Total)
}

func TestUnknownKeyOperations(t *testing.T) {
	s, p, _ := newTestStore(t)
	ctx := context.Background()

	_, ok, err := s.Deactivate(ctx, "GHOST")
	require.NoError(t, err)
	assert.False(t, ok)

	_, ok, err = s.Suspend(ctx, "X", 1)
	require.NoError(t, err)
	assert.False(t, ok)

	_, ok, err = s.Resume(ctx, "GHOST")
	require.NoError(t, err)
	assert.False(t, ok)

	_, found, err := s.Check(ctx, "X")
	require.NoError(t, err)
	assert.False(t, found)

	assert.Equal(t, 0, s.Stats(ctx).Total)
	assert.Empty(t, p.saves)
}

func TestSuspendResume(t *testing.T) {
	s, _, clk := newTestStore(t)
	ctx := context.Background()

	_, err := s.Activate(ctx, "KEY-1", 1)
	require.NoError(t, err)

	clk.Advance(time.Hour)
	suspended, ok, err := s.Suspend(ctx, "key-1", 24)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, StatusSuspended, suspended.Status)
	require.NotNil(t, suspended.ResumeAt)
	assert.Equal(t, epoch.Add(25*time.Hour), *suspended.ResumeAt)

	rec, _, _ := s.Check(ctx, "KEY-1")
	assert.Equal(t, StatusSuspended, rec.Status)
	require.NotNil(t, rec.ResumeAt)
	assert.Equal(t, *suspended.ResumeAt, *rec.ResumeAt)

	// A second suspend recomputes from the call time.
	clk.Advance(2 * time.Hour)
	suspended, ok, err = s.Suspend(ctx, "KEY-1", 1)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, epoch.Add(4*time.Hour), *suspended.ResumeAt)

	// Resume does not wait for the resume time.
	resumed, ok, err := s.Resume(ctx, "KEY-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, StatusActive, resumed.Status)
	assert.Nil(t, resumed.ResumeAt)

	rec, _, _ = s.Check(ctx, "KEY-1")
	assert.Equal(t, StatusActive, rec.Status)
	assert.Nil(t, rec.ResumeAt)
}

func TestDeactivate(t *testing.T) {
	s, _, _ := newTestStore(t)
	ctx := context.Background()

	first, err := s.Activate(ctx, "DEAD", 2)
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		rec, ok, err := s.Deactivate(ctx, "DEAD")
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, StatusInactive, rec.Status)
	}

	rec, _, _ := s.Check(ctx, "DEAD")
	assert.Equal(t, StatusInactive, rec.Status)
	assert.Equal(t, first.Expiry, rec.Expiry, "deactivate keeps expiry")
	assert.Equal(t, 1, s.Stats(ctx).Inactive)
}

func TestDeactivateClearsSuspension(t *testing.T) {
	s, _, _ := newTestStore(t)
	ctx := context.Background()

	_, err := s.Activate(ctx, "K", 1)
	require.NoError(t, err)
	_, _, err = s.Suspend(ctx, "K", 5)
	require.NoError(t, err)
	_, _, err = s.Deactivate(ctx, "K")
	require.NoError(t, err)

	rec, _, _ := s.Check(ctx, "K")
	assert.Equal(t, StatusInactive, rec.Status)
	assert.Nil(t, rec.ResumeAt)
	assert.NoError(t, rec.Validate())
}

func TestReactivateClearsSuspension(t *testing.T) {
	s, _, clk := newTestStore(t)
	ctx := context.Background()

	_, err := s.Activate(ctx, "K", 1)
	require.NoError(t, err)
	_, _, err = s.Suspend(ctx, "K", 48)
	require.NoError(t, err)

	clk.Advance(time.Minute)
	rec, err := s.Activate(ctx, "k", 0)
	require.NoError(t, err)
	assert.Equal(t, StatusActive, rec.Status)
	assert.Nil(t, rec.ResumeAt)
	assert.True(t, rec.Expiry.IsPermanent())
	assert.Equal(t, epoch.Add(time.Minute), rec.ActivatedAt)
}

func TestExpiredKeyStaysActive(t *testing.T) {
	// Expiry is passive: nothing flips the status when it elapses.
	s, _, clk := newTestStore(t)
	ctx := context.Background()

	_, err := s.Activate(ctx, "SHORT", 1)
	require.NoError(t, err)
	clk.Advance(31 * 24 * time.Hour)

	rec, found, err := s.Check(ctx, "SHORT")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, StatusActive, rec.Status)
	assert.True(t, rec.Expired(clk.Now()))
}

func TestStatsMatchRecords(t *testing.T) {
	s, p, _ := newTestStore(t)
	ctx := context.Background()

	for _, k := range []string{"a", "b", "c", "d", "A"} {
		_, err := s.Activate(ctx, k, 1)
		require.NoError(t, err)
	}
	_, _, err := s.Suspend(ctx, "b", 1)
	require.NoError(t, err)
	_, _, err = s.Deactivate(ctx, "c")
	require.NoError(t, err)

	st := s.Stats(ctx)
	assert.Equal(t, Stats{Total: 4, Active: 2, Suspended: 1, Inactive: 1}, st)
	assert.Equal(t, st.Total, st.Active+st.Suspended+st.Inactive)
	assert.Equal(t, st, p.last().Stats)

	list := s.List(ctx)
	require.Len(t, list, 4)
	assert.Equal(t, []string{"A", "B", "C", "D"}, []string{list[0].Key, list[1].Key, list[2].Key, list[3].Key})
}

func TestPersistenceFailureLeavesTableUnchanged(t *testing.T) {
	s, p, _ := newTestStore(t)
	ctx := context.Background()

	_, err := s.Activate(ctx, "KEEP", 1)
	require.NoError(t, err)

	p.failErr = errors.New("disk full")

	_, err = s.Activate(ctx, "NEW", 1)
	require.ErrorIs(t, err, ErrPersistence)
	assert.ErrorContains(t, err, "disk full")
	_, found, _ := s.Check(ctx, "NEW")
	assert.False(t, found, "failed create must be undone")

	_, _, err = s.Suspend(ctx, "KEEP", 1)
	require.ErrorIs(t, err, ErrPersistence)
	rec, _, _ := s.Check(ctx, "KEEP")
	assert.Equal(t, StatusActive, rec.Status)
	assert.Nil(t, rec.ResumeAt)

	assert.Equal(t, Stats{Total: 1, Active: 1}, s.Stats(ctx))
}

func TestNewLoadsAndRepairsRecords(t *testing.T) {
	resume := epoch.Add(time.Hour)
	p := &fakePersister{initial: &Snapshot{Records: map[string]ActivationRecord{
		"ok-key":  {Key: "ok-key", Status: StatusActive, ActivatedAt: epoch, Months: 0},
		"  ":      {Key: "  ", Status: StatusActive},
		"SUSP":    {Key: "SUSP", Status: StatusSuspended, ActivatedAt: epoch, ResumeAt: &resume},
		"STALE":   {Key: "STALE", Status: StatusInactive, ResumeAt: &resume},
		"NO-WHEN": {Key: "NO-WHEN", Status: StatusSuspended},
		"BAD":     {Key: "BAD", Status: Status("bogus")},
	}}}

	s, err := New(context.Background(), p, WithClock(testclock.NewClock(epoch)))
	require.NoError(t, err)
	ctx := context.Background()

	rec, found, _ := s.Check(ctx, "OK-KEY")
	require.True(t, found)
	assert.Equal(t, "OK-KEY", rec.Key)

	rec, _, _ = s.Check(ctx, "STALE")
	assert.Nil(t, rec.ResumeAt)

	rec, _, _ = s.Check(ctx, "NO-WHEN")
	require.NotNil(t, rec.ResumeAt)
	assert.Equal(t, epoch, *rec.ResumeAt)

	_, found, _ = s.Check(ctx, "BAD")
	assert.False(t, found)

	assert.Equal(t, Stats{Total: 4, Active: 1, Suspended: 2, Inactive: 1}, s.Stats(ctx))
}

func TestNewLoadFailure(t *testing.T) {
	_, err := New(context.Background(), &fakePersister{loadErr: errors.New("boom")})
	assert.ErrorIs(t, err, ErrPersistence)
}

func TestConcurrentActivations(t *testing.T) {
	s, _, _ := newTestStore(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, _ = s.Activate(ctx, string(rune('A'+i%26))+"-KEY", 1)
			_ = s.Stats(ctx)
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 26, s.Stats(ctx).Total)
}

func TestReturnedRecordsAreCopies(t *testing.T) {
	s, _, _ := newTestStore(t)
	ctx := context.Background()

	_, err := s.Activate(ctx, "K", 1)
	require.NoError(t, err)
	_, _, err = s.Suspend(ctx, "K", 1)
	require.NoError(t, err)

	rec, _, _ := s.Check(ctx, "K")
	*rec.ResumeAt = time.Time{}

	again, _, _ := s.Check(ctx, "K")
	assert.False(t, again.ResumeAt.IsZero())
}

func TestWritersSharingABackendKeepEachOthersChanges(t *testing.T) {
	p := &fakePersister{}
	clk := testclock.NewClock(epoch)
	ctx := context.Background()

	server, err := New(ctx, p, WithClock(clk))
	require.NoError(t, err)
	admin, err := New(ctx, p, WithClock(clk))
	require.NoError(t, err)

	_, err = server.Activate(ctx, "K1", 1)
	require.NoError(t, err)

	rec, ok, err := admin.Deactivate(ctx, "K1")
	require.NoError(t, err)
	require.True(t, ok, "admin must see the key the server created")
	assert.Equal(t, StatusInactive, rec.Status)

	_, err = server.Activate(ctx, "K2", 1)
	require.NoError(t, err)

	durable := p.last().Records
	require.Contains(t, durable, "K1")
	assert.Equal(t, StatusInactive, durable["K1"].Status, "server write must not resurrect K1")
	assert.Equal(t, StatusActive, durable["K2"].Status)

	got, found, err := server.Check(ctx, "K1")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, StatusInactive, got.Status)
	assert.Equal(t, Stats{Total: 2, Active: 1, Inactive: 1}, server.Stats(ctx))
}

func TestReadsServeCacheWhenReloadFails(t *testing.T) {
	s, p, _ := newTestStore(t)
	ctx := context.Background()

	_, err := s.Activate(ctx, "K", 1)
	require.NoError(t, err)

	p.mu.Lock()
	p.loadErr = errors.New("unreachable")
	p.mu.Unlock()

	rec, found, err := s.Check(ctx, "K")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, StatusActive, rec.Status)

	_, err = s.Activate(ctx, "OTHER", 1)
	require.ErrorIs(t, err, ErrPersistence)
	assert.Equal(t, Stats{Total: 1, Active: 1}, s.Stats(ctx))
}

func TestMutationsReturnCommittedRecord(t *testing.T) {
	s, p, clk := newTestStore(t)
	ctx := context.Background()

	_, err := s.Activate(ctx, "K", 2)
	require.NoError(t, err)

	clk.Advance(time.Hour)
	rec, ok, err := s.Suspend(ctx, "K", 3)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, p.last().Records["K"], rec)

	rec, ok, err = s.Deactivate(ctx, "K")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, p.last().Records["K"], rec)
}
