// Package alert holds the domain records that flow through the relay:
// alerts fetched from upstream sources, per-source delivery markers and
// chat subscriptions.
package alert

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

type Status string

const (
	StatusActivate   Status = "activate"
	StatusDeactivate Status = "deactivate"
)

// ParseStatus is case-insensitive. Unknown values are rejected.
func ParseStatus(s string) (Status, error) {
	switch Status(strings.ToLower(strings.TrimSpace(s))) {
	case StatusActivate:
		return StatusActivate, nil
	case StatusDeactivate:
		return StatusDeactivate, nil
	default:
		return "", fmt.Errorf("unknown alert status %q", s)
	}
}

type Type string

const (
	TypeUnknown     Type = "unknown"
	TypeAir         Type = "air"
	TypeArtillery   Type = "artillery"
	TypeUrbanFights Type = "urban_fights"
	TypeChemical    Type = "chemical"
	TypeNuclear     Type = "nuclear"
	TypeInfo        Type = "info"
)

// ParseType is case-insensitive and maps anything unrecognised to TypeUnknown.
func ParseType(s string) Type {
	t := Type(strings.ToLower(strings.TrimSpace(s)))
	switch t {
	case TypeAir, TypeArtillery, TypeUrbanFights, TypeChemical, TypeNuclear, TypeInfo:
		return t
	default:
		return TypeUnknown
	}
}

// Alert is a single announcement from an upstream source.
// Values are immutable once built by a source.
type Alert struct {
	Source    string    `json:"source"`
	ID        uint64    `json:"id"`
	Status    Status    `json:"status"`
	Type      Type      `json:"alarmType"`
	RegionID  int       `json:"regionId"`
	CreatedAt time.Time `json:"createdAt"`
}

func (a Alert) String() string {
	return fmt.Sprintf("%s#%d %s/%s region=%d at=%s", a.Source, a.ID, a.Type, a.Status, a.RegionID, a.CreatedAt.Format(time.RFC3339))
}

// Wire is the upstream JSON shape (ukrainealarm-compatible field names).
type Wire struct {
	ID        *uint64 `json:"id,omitempty"`
	Status    string  `json:"status"`
	RegionID  FlexInt `json:"regionId"`
	AlarmType string  `json:"alarmType"`
	CreatedAt string  `json:"createdAt"`
}

// FromWire validates w and builds an Alert for source. When the record carries
// no id, the creation time in Unix milliseconds is used so ids stay ordered.
func FromWire(source string, w Wire) (Alert, error) {
	st, err := ParseStatus(w.Status)
	if err != nil {
		return Alert{}, err
	}
	at, err := parseTime(w.CreatedAt)
	if err != nil {
		return Alert{}, err
	}
	a := Alert{
		Source:    source,
		Status:    st,
		Type:      ParseType(w.AlarmType),
		RegionID:  int(w.RegionID),
		CreatedAt: at.UTC(),
	}
	if w.ID != nil {
		a.ID = *w.ID
	} else {
		ms := at.UnixMilli()
		if ms <= 0 {
			return Alert{}, fmt.Errorf("createdAt %q is not a usable id", w.CreatedAt)
		}
		a.ID = uint64(ms)
	}
	if a.ID == 0 {
		return Alert{}, fmt.Errorf("alert id must be > 0")
	}
	return a, nil
}

func parseTime(raw string) (time.Time, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return time.Time{}, fmt.Errorf("createdAt required")
	}
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05", "2006-01-02 15:04:05"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid createdAt %q", raw)
}

// FlexInt accepts both JSON numbers and numeric strings (upstream sends either).
type FlexInt int

func (f *FlexInt) UnmarshalJSON(b []byte) error {
	var n int
	if err := json.Unmarshal(b, &n); err == nil {
		*f = FlexInt(n)
		return nil
	}
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("regionId: %w", err)
	}
	v, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return fmt.Errorf("regionId: invalid %q", s)
	}
	*f = FlexInt(v)
	return nil
}
