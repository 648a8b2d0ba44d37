package model

// Batch is a set of whole journeys submitted together to the scoring service.
type Batch struct {
	Index    int       `json:"index"`
	Journeys []Journey `json:"journeys"`
}

// Items returns the total touchpoint count across the batch.
func (b Batch) Items() int {
	n := 0
	for _, j := range b.Journeys {
		n += j.Size()
	}
	return n
}

// Len returns the number of journeys in the batch.
func (b Batch) Len() int {
	return len(b.Journeys)
}

// Touchpoints flattens the batch's journeys in order.
func (b Batch) Touchpoints() []Touchpoint {
	out := make([]Touchpoint, 0, b.Items())
	for _, j := range b.Journeys {
		out = append(out, j.Touchpoints...)
	}
	return out
}

// ConversionIDs lists the conversions carried by the batch.
func (b Batch) ConversionIDs() []string {
	ids := make([]string, len(b.Journeys))
	for i, j := range b.Journeys {
		ids[i] = j.ConversionID
	}
	return ids
}

// Exclusion reports a journey too large to fit in any batch.
type Exclusion struct {
	ConversionID string `json:"conversion_id" yaml:"conversion_id"`
	Size         int    `json:"size" yaml:"size"`
	Limit        int    `json:"limit" yaml:"limit"`
}
