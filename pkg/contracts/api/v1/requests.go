package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// MaxKeyLength bounds the raw key accepted on the wire.
const MaxKeyLength = 256

// FlexInt is an integer that also accepts a numeric string or a number
// with a fractional part, which is truncated toward zero.
type FlexInt int

// UnmarshalJSON implements json.Unmarshaler
func (f *FlexInt) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		return nil
	}

	raw := string(data)
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		raw = strings.TrimSpace(s)
		n, err := strconv.Atoi(raw)
		if err != nil {
			return fmt.Errorf("%q is not an integer", s)
		}
		*f = FlexInt(n)
		return nil
	}

	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return fmt.Errorf("%s is not a number", raw)
	}
	if math.IsInf(v, 0) || math.IsNaN(v) || v > math.MaxInt32 || v < math.MinInt32 {
		return fmt.Errorf("%s is out of range", raw)
	}
	*f = FlexInt(math.Trunc(v))
	return nil
}

// IntOr returns the value, or def when f is nil.
func (f *FlexInt) IntOr(def int) int {
	if f == nil {
		return def
	}
	return int(*f)
}

// ActivateRequest is the body of POST /activate. Months defaults to the
// configured value when omitted. Zero means permanent.
type ActivateRequest struct {
	Key    string   `json:"key" validate:"max=256"`
	Months *FlexInt `json:"months,omitempty"`
}

// KeyRequest is the body of POST /deactivate and POST /resume.
type KeyRequest struct {
	Key string `json:"key" validate:"max=256"`
}

// SuspendRequest is the body of POST /suspend. Hours defaults to the
// configured value when omitted.
type SuspendRequest struct {
	Key   string   `json:"key" validate:"max=256"`
	Hours *FlexInt `json:"hours,omitempty"`
}
