// Package report aggregates attribution weights into per-channel, per-day
// metrics and exports them.
package report

import (
	"sort"

	"github.com/sells-group/attribution-cli/internal/model"
)

// Facts are the session and conversion data the channel report joins against.
type Facts struct {
	// Sessions lists every observed session with its channel and date.
	Sessions []model.SessionFact
	// Costs maps session id to cost. Missing sessions cost 0.
	Costs map[string]float64
	// Revenue maps conversion id to revenue. Missing conversions earn 0.
	Revenue map[string]float64
}

type groupKey struct {
	channel string
	date    string
}

// Aggregate builds one ChannelMetric per (channel, date) seen in the session
// facts, ordered by date then channel. Each session's cost is counted once.
// A session's ihc is the sum of its weights across all conversions and its
// ihc_revenue is the sum of weight times conversion revenue. Weights for
// sessions absent from the facts do not contribute.
func Aggregate(facts Facts, weights []model.AttributionWeight) []model.ChannelMetric {
	sessionIHC := make(map[string]float64)
	sessionRevenue := make(map[string]float64)
	for _, w := range weights {
		sessionIHC[w.SessionID] += w.IHC
		sessionRevenue[w.SessionID] += w.IHC * facts.Revenue[w.ConversionID]
	}

	groups := make(map[groupKey]*model.ChannelMetric)
	seen := make(map[string]bool, len(facts.Sessions))
	for _, s := range facts.Sessions {
		if seen[s.SessionID] {
			continue
		}
		seen[s.SessionID] = true

		k := groupKey{channel: s.ChannelName, date: s.Date}
		m, ok := groups[k]
		if !ok {
			m = &model.ChannelMetric{ChannelName: s.ChannelName, Date: s.Date}
			groups[k] = m
		}
		m.Cost += facts.Costs[s.SessionID]
		m.IHC += sessionIHC[s.SessionID]
		m.IHCRevenue += sessionRevenue[s.SessionID]
	}

	out := make([]model.ChannelMetric, 0, len(groups))
	for _, m := range groups {
		out = append(out, *m)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Date != out[j].Date {
			return out[i].Date < out[j].Date
		}
		return out[i].ChannelName < out[j].ChannelName
	})
	return out
}

// Totals sums a report's cost, ihc and revenue columns.
func Totals(metrics []model.ChannelMetric) model.ChannelMetric {
	t := model.ChannelMetric{ChannelName: "total"}
	for _, m := range metrics {
		t.Cost += m.Cost
		t.IHC += m.IHC
		t.IHCRevenue += m.IHCRevenue
	}
	return t
}
