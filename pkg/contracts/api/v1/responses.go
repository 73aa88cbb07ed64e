package api

// StatusResponse is served on GET /.
type StatusResponse struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

// CheckResponse answers GET /check/{key}. Only Found is set for unknown keys.
type CheckResponse struct {
	Found     bool   `json:"found"`
	Status    string `json:"status,omitempty"`
	Expiry    string `json:"expiry,omitempty"`
	Activated string `json:"activated,omitempty"`
}

// ActivateResponse answers POST /activate with the normalised key.
type ActivateResponse struct {
	Success bool   `json:"success"`
	Key     string `json:"key"`
}

// SuccessResponse answers POST /deactivate and POST /resume.
type SuccessResponse struct {
	Success bool `json:"success"`
}

// SuspendResponse answers POST /suspend. Resume is set on success only.
type SuspendResponse struct {
	Success bool   `json:"success"`
	Resume  string `json:"resume,omitempty"`
}

// StatsResponse is served on GET /stats.
type StatsResponse struct {
	TotalKeys     int `json:"total_keys"`
	ActiveKeys    int `json:"active_keys"`
	SuspendedKeys int `json:"suspended_keys"`
	InactiveKeys  int `json:"inactive_keys"`
}

// KeyRecord is the full view of one key used by the admin tooling.
type KeyRecord struct {
	Key       string `json:"key"`
	Status    string `json:"status"`
	Activated string `json:"activated"`
	Expiry    string `json:"expiry"`
	Months    int    `json:"months"`
	Resume    string `json:"resume,omitempty"`
}
