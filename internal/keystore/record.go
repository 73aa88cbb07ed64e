package keystore

import (
	"fmt"
	"time"
)

// PermanentLabel is the wire form of a non-expiring key.
const PermanentLabel = "permanent"

// Expiry is either a point in time or permanent. The zero value is permanent.
type Expiry struct {
	at time.Time
}

// Permanent returns an expiry that never elapses.
func Permanent() Expiry { return Expiry{} }

// ExpiresAt returns an expiry at t. A zero t yields Permanent.
func ExpiresAt(t time.Time) Expiry { return Expiry{at: t} }

// IsPermanent reports whether the expiry never elapses.
func (e Expiry) IsPermanent() bool { return e.at.IsZero() }

// Time returns the expiry instant and false when permanent.
func (e Expiry) Time() (time.Time, bool) {
	if e.IsPermanent() {
		return time.Time{}, false
	}
	return e.at, true
}

// Before reports whether the expiry is a concrete instant earlier than t.
func (e Expiry) Before(t time.Time) bool {
	return !e.IsPermanent() && e.at.Before(t)
}

// String renders "permanent" or an RFC 3339 UTC timestamp.
func (e Expiry) String() string {
	if e.IsPermanent() {
		return PermanentLabel
	}
	return e.at.UTC().Format(time.RFC3339)
}

// ParseExpiry accepts "permanent" or any layout accepted by ParseTimestamp.
func ParseExpiry(s string) (Expiry, error) {
	if s == PermanentLabel || s == "" {
		return Permanent(), nil
	}
	t, err := ParseTimestamp(s)
	if err != nil {
		return Expiry{}, err
	}
	return ExpiresAt(t), nil
}

// timestampLayouts are tried in order. The zone-less layouts match files
// written by older servers and are read in local time.
var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
}

// ParseTimestamp parses a persisted timestamp.
func ParseTimestamp(s string) (time.Time, error) {
	for i, layout := range timestampLayouts {
		var (
			t   time.Time
			err error
		)
		if i == 0 {
			t, err = time.Parse(layout, s)
		} else {
			t, err = time.ParseInLocation(layout, s, time.Local)
		}
		if err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognised timestamp %q", s)
}

// ActivationRecord is the state held for one key.
type ActivationRecord struct {
	Key         string
	Status      Status
	ActivatedAt time.Time
	Expiry      Expiry
	Months      int
	// ResumeAt is set iff Status is suspended.
	ResumeAt *time.Time
}

// Expired reports whether the record has a concrete expiry before now.
// It does not affect Status.
func (r ActivationRecord) Expired(now time.Time) bool {
	return r.Expiry.Before(now)
}

// Validate checks the record invariants.
func (r ActivationRecord) Validate() error {
	key, err := NormalizeKey(r.Key)
	if err != nil {
		return err
	}
	if key != r.Key {
		return fmt.Errorf("key %q is not normalised", r.Key)
	}
	if !r.Status.Valid() {
		return fmt.Errorf("key %s: unknown status %q", MaskKey(r.Key), r.Status)
	}
	if (r.Status == StatusSuspended) != (r.ResumeAt != nil) {
		return fmt.Errorf("key %s: resume time must be set only while suspended", MaskKey(r.Key))
	}
	if r.Months < 0 {
		return fmt.Errorf("key %s: %w: months %d", MaskKey(r.Key), ErrInvalidDuration, r.Months)
	}
	return nil
}

func (r ActivationRecord) clone() ActivationRecord {
	if r.ResumeAt != nil {
		at := *r.ResumeAt
		r.ResumeAt = &at
	}
	return r
}
