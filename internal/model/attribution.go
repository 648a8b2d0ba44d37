package model

// AttributionWeight is the fractional credit the scoring service assigned to
// one touchpoint of a conversion.
type AttributionWeight struct {
	ConversionID string  `json:"conv_id"`
	SessionID    string  `json:"session_id"`
	IHC          float64 `json:"ihc"`
}

// WeightKey identifies a weight uniquely across all batches.
type WeightKey struct {
	ConversionID string
	SessionID    string
}

// Key returns the weight's unique key.
func (w AttributionWeight) Key() WeightKey {
	return WeightKey{ConversionID: w.ConversionID, SessionID: w.SessionID}
}

// SessionFact is one observed session as seen by the channel report.
type SessionFact struct {
	SessionID   string `json:"session_id"`
	ChannelName string `json:"channel_name"`
	Date        string `json:"date"`
}

// ChannelMetric is one row of the channel report.
type ChannelMetric struct {
	ChannelName string  `json:"channel_name"`
	Date        string  `json:"date"`
	Cost        float64 `json:"cost"`
	IHC         float64 `json:"ihc"`
	IHCRevenue  float64 `json:"ihc_revenue"`
}

// CPO returns cost per attributed order. ok is false when no conversions were
// attributed, in which case the value is undefined.
func (m ChannelMetric) CPO() (value float64, ok bool) {
	if m.IHC == 0 {
		return 0, false
	}
	return m.Cost / m.IHC, true
}

// ROAS returns attributed revenue per unit of cost. ok is false when cost is
// zero, in which case the value is undefined.
func (m ChannelMetric) ROAS() (value float64, ok bool) {
	if m.Cost == 0 {
		return 0, false
	}
	return m.IHCRevenue / m.Cost, true
}
