package metadata

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"
)

// ExpiryPolicy is the off-ledger expiry code carried in document metadata.
type ExpiryPolicy string

const (
	ExpiryNever     ExpiryPolicy = "never"
	ExpiryOneMonth  ExpiryPolicy = "1m"
	ExpirySixMonths ExpiryPolicy = "6m"
	ExpiryOneYear   ExpiryPolicy = "1y"
	ExpiryFiveYears ExpiryPolicy = "5y"
)

// Apply derives the expiry instant from an issuance time using calendar
// arithmetic. The second return value is false when the policy never
// expires; unknown codes are treated as never, since metadata is untrusted.
func (p ExpiryPolicy) Apply(issuedAt time.Time) (time.Time, bool) {
	if issuedAt.IsZero() {
		return time.Time{}, false
	}
	switch p {
	case ExpiryOneMonth:
		return issuedAt.AddDate(0, 1, 0), true
	case ExpirySixMonths:
		return issuedAt.AddDate(0, 6, 0), true
	case ExpiryOneYear:
		return issuedAt.AddDate(1, 0, 0), true
	case ExpiryFiveYears:
		return issuedAt.AddDate(5, 0, 0), true
	default:
		return time.Time{}, false
	}
}

// Attribute is a free-form metadata trait.
type Attribute struct {
	TraitType string `json:"trait_type"`
	Value     any    `json:"value"`
}

// Record is a parsed off-ledger metadata document. It is external,
// untrusted input; absent or malformed fields degrade to zero values.
type Record struct {
	Name        string
	Description string
	File        string
	IssuedAt    time.Time
	Expiry      ExpiryPolicy
	Revoked     bool
	Attributes  []Attribute
}

// ExpiresAt computes the metadata-derived expiry instant, if any.
func (r Record) ExpiresAt() (time.Time, bool) {
	return r.Expiry.Apply(r.IssuedAt)
}

type wireRecord struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	File        string          `json:"file"`
	Timestamp   json.RawMessage `json:"timestamp"`
	Expiry      string          `json:"expiry"`
	Revoked     *bool           `json:"revoked"`
	Attributes  []Attribute     `json:"attributes"`
}

// UnmarshalJSON tolerates the timestamp formats observed in the wild:
// epoch milliseconds (the issuing UI writes Date.now()), epoch seconds,
// and RFC 3339 strings.
func (r *Record) UnmarshalJSON(data []byte) error {
	var wire wireRecord
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}

	record := Record{
		Name:        wire.Name,
		Description: wire.Description,
		File:        wire.File,
		Expiry:      ExpiryPolicy(strings.TrimSpace(wire.Expiry)),
		Attributes:  wire.Attributes,
	}
	if record.Expiry == "" {
		record.Expiry = ExpiryNever
	}
	if wire.Revoked != nil {
		record.Revoked = *wire.Revoked
	}
	record.IssuedAt = parseTimestamp(wire.Timestamp)

	*r = record
	return nil
}

// epochMillisFloor distinguishes second from millisecond epochs; values at
// or above it are read as milliseconds (1e12 seconds is past year 33658).
const epochMillisFloor = 1e12

func parseTimestamp(raw json.RawMessage) time.Time {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" || trimmed == "null" {
		return time.Time{}
	}

	if unquoted, err := strconv.Unquote(trimmed); err == nil {
		if parsed, err := time.Parse(time.RFC3339, unquoted); err == nil {
			return parsed
		}
		trimmed = unquoted
	}

	value, err := strconv.ParseFloat(trimmed, 64)
	if err != nil || value <= 0 {
		return time.Time{}
	}
	if value >= epochMillisFloor {
		return time.UnixMilli(int64(value))
	}
	return time.Unix(int64(value), 0)
}
