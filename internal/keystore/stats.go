package keystore

// Stats are aggregate counts over the whole table. They are always
// recomputed from the records.
type Stats struct {
	Total     int
	Active    int
	Suspended int
	Inactive  int
}

// ComputeStats counts records by status.
func ComputeStats(records map[string]ActivationRecord) Stats {
	var s Stats
	for _, r := range records {
		s.Total++
		switch r.Status {
		case StatusActive:
			s.Active++
		case StatusSuspended:
			s.Suspended++
		case StatusInactive:
			s.Inactive++
		}
	}
	return s
}

// Count returns the number of records with the given status.
func (s Stats) Count(status Status) int {
	switch status {
	case StatusActive:
		return s.Active
	case StatusSuspended:
		return s.Suspended
	case StatusInactive:
		return s.Inactive
	}
	return 0
}
