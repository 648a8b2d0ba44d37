// Package packer partitions journeys into batches that respect the scoring
// service's per-request limits.
package packer

import (
	"sort"

	"github.com/rotisserie/eris"

	"github.com/sells-group/attribution-cli/internal/model"
)

// Strategy selects the ordering used by the packing pass.
type Strategy string

const (
	// StrategyLargestFirst packs journeys in descending size order.
	StrategyLargestFirst Strategy = "largest-first"
	// StrategySmallestFirst packs journeys in ascending size order.
	StrategySmallestFirst Strategy = "smallest-first"
	// StrategyPerJourney sends every journey in its own batch.
	StrategyPerJourney Strategy = "per-journey"
)

// ParseStrategy validates a strategy name. An empty name selects largest-first.
func ParseStrategy(s string) (Strategy, error) {
	switch Strategy(s) {
	case "":
		return StrategyLargestFirst, nil
	case StrategyLargestFirst, StrategySmallestFirst, StrategyPerJourney:
		return Strategy(s), nil
	default:
		return "", eris.Errorf("packer: unknown strategy %q", s)
	}
}

// Limits bounds the contents of a single batch.
type Limits struct {
	// MaxItems caps the touchpoint count of a batch. Must be positive.
	MaxItems int
	// MaxGroups caps the journey count of a batch. Zero or negative means
	// unbounded.
	MaxGroups int
	Strategy  Strategy
}

// Validate checks that the limits can produce batches.
func (l Limits) Validate() error {
	if l.MaxItems <= 0 {
		return eris.Errorf("packer: max items must be positive, got %d", l.MaxItems)
	}
	if _, err := ParseStrategy(string(l.Strategy)); err != nil {
		return err
	}
	return nil
}

// Plan is the output of a packing pass.
type Plan struct {
	Batches  []model.Batch     `json:"batches"`
	Excluded []model.Exclusion `json:"excluded,omitempty"`
}

// Stats summarizes a plan.
type Stats struct {
	Batches       int     `json:"batches"`
	Journeys      int     `json:"journeys"`
	Items         int     `json:"items"`
	Excluded      int     `json:"excluded"`
	ExcludedItems int     `json:"excluded_items"`
	MaxBatchItems int     `json:"max_batch_items"`
	MaxBatchSize  int     `json:"max_batch_journeys"`
	AvgFill       float64 `json:"avg_fill"` // mean items per batch as a fraction of MaxItems
}

// Stats computes summary statistics for the plan under the given limits.
func (p Plan) Stats(limits Limits) Stats {
	s := Stats{Batches: len(p.Batches), Excluded: len(p.Excluded)}
	for _, b := range p.Batches {
		items := b.Items()
		s.Items += items
		s.Journeys += b.Len()
		if items > s.MaxBatchItems {
			s.MaxBatchItems = items
		}
		if b.Len() > s.MaxBatchSize {
			s.MaxBatchSize = b.Len()
		}
	}
	for _, e := range p.Excluded {
		s.ExcludedItems += e.Size
	}
	if s.Batches > 0 && limits.MaxItems > 0 {
		s.AvgFill = float64(s.Items) / float64(s.Batches*limits.MaxItems)
	}
	return s
}

// Pack assigns every journey no larger than limits.MaxItems to exactly one
// batch and reports the rest as exclusions. Journeys are never split. The
// pass is greedy: journeys are visited in strategy order and the open batch
// is closed whenever the next journey would break either limit. Equal sizes
// keep their input order, so identical input yields identical batches.
func Pack(journeys []model.Journey, limits Limits) (Plan, error) {
	if err := limits.Validate(); err != nil {
		return Plan{}, err
	}
	strategy, _ := ParseStrategy(string(limits.Strategy))

	var plan Plan
	candidates := make([]model.Journey, 0, len(journeys))
	for _, j := range journeys {
		if j.Size() == 0 {
			continue
		}
		if j.Size() > limits.MaxItems {
			plan.Excluded = append(plan.Excluded, model.Exclusion{
				ConversionID: j.ConversionID,
				Size:         j.Size(),
				Limit:        limits.MaxItems,
			})
			continue
		}
		candidates = append(candidates, j)
	}

	switch strategy {
	case StrategyLargestFirst:
		sort.SliceStable(candidates, func(a, b int) bool {
			return candidates[a].Size() > candidates[b].Size()
		})
	case StrategySmallestFirst:
		sort.SliceStable(candidates, func(a, b int) bool {
			return candidates[a].Size() < candidates[b].Size()
		})
	case StrategyPerJourney:
		for _, j := range candidates {
			plan.Batches = append(plan.Batches, model.Batch{
				Index:    len(plan.Batches),
				Journeys: []model.Journey{j},
			})
		}
		return plan, nil
	}

	var (
		current model.Batch
		items   int
	)
	for _, j := range candidates {
		overItems := items+j.Size() > limits.MaxItems
		overGroups := limits.MaxGroups > 0 && current.Len()+1 > limits.MaxGroups
		if current.Len() > 0 && (overItems || overGroups) {
			current.Index = len(plan.Batches)
			plan.Batches = append(plan.Batches, current)
			current = model.Batch{}
			items = 0
		}
		current.Journeys = append(current.Journeys, j)
		items += j.Size()
	}
	if current.Len() > 0 {
		current.Index = len(plan.Batches)
		plan.Batches = append(plan.Batches, current)
	}

	return plan, nil
}
