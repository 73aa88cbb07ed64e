package storage

import (
	"fmt"
	"strings"
	"time"

	"keyserver/internal/keystore"
)

// legacySuspendedPrefix marks suspension in documents written by older
// servers, e.g. "suspended_until_2024-05-01T10:00:00".
const legacySuspendedPrefix = "suspended_until_"

// Document is the persisted form of the key table.
type Document struct {
	Activations map[string]RecordDocument `json:"activations"`
	Stats       StatsDocument             `json:"stats"`
}

// RecordDocument is one persisted activation.
type RecordDocument struct {
	Status    string `json:"status"`
	Activated string `json:"activated"`
	Expiry    string `json:"expiry"`
	Months    int    `json:"months"`
	Resume    string `json:"resume,omitempty"`
}

// StatsDocument is written alongside the records for external readers.
// It is ignored on load.
type StatsDocument struct {
	TotalKeys     int `json:"total_keys"`
	ActiveKeys    int `json:"active_keys"`
	SuspendedKeys int `json:"suspended_keys"`
	InactiveKeys  int `json:"inactive_keys"`
}

// NewDocument returns an empty document.
func NewDocument() *Document {
	return &Document{Activations: map[string]RecordDocument{}}
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

// EncodeSnapshot converts a snapshot to its persisted form.
func EncodeSnapshot(snap *keystore.Snapshot) *Document {
	doc := NewDocument()
	if snap == nil {
		return doc
	}
	for key, rec := range snap.Records {
		rd := RecordDocument{
			Status:    rec.Status.String(),
			Activated: formatTime(rec.ActivatedAt),
			Expiry:    keystore.PermanentLabel,
			Months:    rec.Months,
		}
		if at, ok := rec.Expiry.Time(); ok {
			rd.Expiry = formatTime(at)
		}
		if rec.ResumeAt != nil {
			rd.Resume = formatTime(*rec.ResumeAt)
		}
		doc.Activations[key] = rd
	}
	stats := keystore.ComputeStats(snap.Records)
	doc.Stats = StatsDocument{
		TotalKeys:     stats.Total,
		ActiveKeys:    stats.Active,
		SuspendedKeys: stats.Suspended,
		InactiveKeys:  stats.Inactive,
	}
	return doc
}

// DecodeDocument converts a persisted document to a snapshot. Stats are
// recomputed from the records.
func DecodeDocument(doc *Document) (*keystore.Snapshot, error) {
	snap := &keystore.Snapshot{Records: map[string]keystore.ActivationRecord{}}
	if doc == nil {
		return snap, nil
	}
	for key, rd := range doc.Activations {
		rec, err := decodeRecord(key, rd)
		if err != nil {
			return nil, err
		}
		snap.Records[key] = rec
	}
	snap.Stats = keystore.ComputeStats(snap.Records)
	return snap, nil
}

func decodeRecord(key string, rd RecordDocument) (keystore.ActivationRecord, error) {
	rec := keystore.ActivationRecord{Key: key, Months: rd.Months}

	resume := rd.Resume
	switch {
	case strings.HasPrefix(rd.Status, legacySuspendedPrefix):
		rec.Status = keystore.StatusSuspended
		if resume == "" {
			resume = strings.TrimPrefix(rd.Status, legacySuspendedPrefix)
		}
	default:
		st, err := keystore.ParseStatus(rd.Status)
		if err != nil {
			return rec, fmt.Errorf("record %s: %w", keystore.MaskKey(key), err)
		}
		rec.Status = st
	}

	if rd.Activated != "" {
		at, err := keystore.ParseTimestamp(rd.Activated)
		if err != nil {
			return rec, fmt.Errorf("record %s: activated: %w", keystore.MaskKey(key), err)
		}
		rec.ActivatedAt = at
	}

	expiry, err := keystore.ParseExpiry(rd.Expiry)
	if err != nil {
		return rec, fmt.Errorf("record %s: expiry: %w", keystore.MaskKey(key), err)
	}
	rec.Expiry = expiry

	if rec.Status == keystore.StatusSuspended && resume != "" {
		at, err := keystore.ParseTimestamp(resume)
		if err != nil {
			return rec, fmt.Errorf("record %s: resume: %w", keystore.MaskKey(key), err)
		}
		rec.ResumeAt = &at
	}
	return rec, nil
}
