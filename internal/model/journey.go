package model

import (
	"sort"
	"strings"
	"time"

	"github.com/rotisserie/eris"
)

// TimestampLayout is the wire format for touchpoint timestamps.
const TimestampLayout = "2006-01-02 15:04:05"

// DateLayout is the format used for report dates and date-range bounds.
const DateLayout = "2006-01-02"

var timestampLayouts = []string{
	TimestampLayout,
	"2006-01-02 15:04:05.999999999",
	"2006-01-02 15:04",
	"2006-01-02T15:04:05Z07:00",
	"2006-01-02T15:04:05",
}

// ParseTimestamp parses a session timestamp in any of the layouts the source
// tables are known to use.
func ParseTimestamp(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, eris.Errorf("model: unparseable timestamp %q", s)
}

// Touchpoint is one session's contribution to a conversion journey.
type Touchpoint struct {
	ConversionID          string    `json:"conversion_id"`
	SessionID             string    `json:"session_id"`
	Timestamp             time.Time `json:"timestamp"`
	ChannelLabel          string    `json:"channel_label"`
	HolderEngagement      bool      `json:"holder_engagement"`
	CloserEngagement      bool      `json:"closer_engagement"`
	ImpressionInteraction bool      `json:"impression_interaction"`
	IsConversion          bool      `json:"conversion"`
	Revenue               float64   `json:"revenue"`
}

// Validate checks the fields required to place a touchpoint in a journey.
func (t Touchpoint) Validate() error {
	if strings.TrimSpace(t.ConversionID) == "" {
		return eris.New("model: touchpoint missing conversion_id")
	}
	if strings.TrimSpace(t.SessionID) == "" {
		return eris.Errorf("model: touchpoint for conversion %s missing session_id", t.ConversionID)
	}
	if t.Timestamp.IsZero() {
		return eris.Errorf("model: touchpoint %s/%s missing timestamp", t.ConversionID, t.SessionID)
	}
	return nil
}

// Journey is the ordered sequence of touchpoints leading to one conversion.
type Journey struct {
	ConversionID string       `json:"conversion_id"`
	Touchpoints  []Touchpoint `json:"touchpoints"`
}

// Size returns the number of touchpoints in the journey.
func (j Journey) Size() int {
	return len(j.Touchpoints)
}

// Revenue returns the conversion revenue carried on the journey's touchpoints.
func (j Journey) Revenue() float64 {
	if len(j.Touchpoints) == 0 {
		return 0
	}
	return j.Touchpoints[len(j.Touchpoints)-1].Revenue
}

// GroupStats describes rows dropped while grouping touchpoints into journeys.
type GroupStats struct {
	Touchpoints int `json:"touchpoints"`
	Duplicates  int `json:"duplicates"`
	Invalid     int `json:"invalid"`
}

// GroupJourneys groups touchpoints by conversion id. Journeys are returned in
// first-seen order. Within a journey touchpoints are sorted by timestamp
// (session id breaks ties), repeated (conversion_id, session_id) pairs keep the
// first occurrence, and only the chronologically last touchpoint is flagged as
// the conversion.
func GroupJourneys(tps []Touchpoint) ([]Journey, GroupStats) {
	var stats GroupStats
	index := make(map[string]int)
	seen := make(map[string]map[string]bool)
	var journeys []Journey

	for _, tp := range tps {
		if err := tp.Validate(); err != nil {
			stats.Invalid++
			continue
		}
		tp.ConversionID = strings.TrimSpace(tp.ConversionID)
		tp.SessionID = strings.TrimSpace(tp.SessionID)
		tp.ChannelLabel = strings.TrimSpace(tp.ChannelLabel)

		sessions, ok := seen[tp.ConversionID]
		if !ok {
			sessions = make(map[string]bool)
			seen[tp.ConversionID] = sessions
			index[tp.ConversionID] = len(journeys)
			journeys = append(journeys, Journey{ConversionID: tp.ConversionID})
		}
		if sessions[tp.SessionID] {
			stats.Duplicates++
			continue
		}
		sessions[tp.SessionID] = true

		i := index[tp.ConversionID]
		journeys[i].Touchpoints = append(journeys[i].Touchpoints, tp)
		stats.Touchpoints++
	}

	for i := range journeys {
		tps := journeys[i].Touchpoints
		sort.SliceStable(tps, func(a, b int) bool {
			if tps[a].Timestamp.Equal(tps[b].Timestamp) {
				return tps[a].SessionID < tps[b].SessionID
			}
			return tps[a].Timestamp.Before(tps[b].Timestamp)
		})
		for k := range tps {
			tps[k].IsConversion = k == len(tps)-1
		}
	}

	return journeys, stats
}

// DateRange bounds conversions by conversion date, inclusive on both ends.
// A zero Start or End leaves that side unbounded.
type DateRange struct {
	Start time.Time `json:"start,omitempty"`
	End   time.Time `json:"end,omitempty"`
}

// ParseDateRange parses optional YYYY-MM-DD bounds.
func ParseDateRange(start, end string) (DateRange, error) {
	var dr DateRange
	if start != "" {
		t, err := time.Parse(DateLayout, start)
		if err != nil {
			return dr, eris.Wrapf(err, "model: parse start date %q", start)
		}
		dr.Start = t
	}
	if end != "" {
		t, err := time.Parse(DateLayout, end)
		if err != nil {
			return dr, eris.Wrapf(err, "model: parse end date %q", end)
		}
		dr.End = t
	}
	if !dr.Start.IsZero() && !dr.End.IsZero() && dr.End.Before(dr.Start) {
		return dr, eris.Errorf("model: end date %s before start date %s", end, start)
	}
	return dr, nil
}

// IsZero reports whether the range is unbounded on both sides.
func (d DateRange) IsZero() bool {
	return d.Start.IsZero() && d.End.IsZero()
}

// StartString returns the start bound as YYYY-MM-DD, or "" when unbounded.
func (d DateRange) StartString() string {
	if d.Start.IsZero() {
		return ""
	}
	return d.Start.Format(DateLayout)
}

// EndString returns the end bound as YYYY-MM-DD, or "" when unbounded.
func (d DateRange) EndString() string {
	if d.End.IsZero() {
		return ""
	}
	return d.End.Format(DateLayout)
}
