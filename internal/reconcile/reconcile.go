// Package reconcile merges per-batch scoring results into one keyed weight set
// and checks the per-conversion sum-to-one contract.
package reconcile

import (
	"math"
	"sort"
	"sync"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/attribution-cli/internal/model"
)

// DefaultTolerance is the allowed deviation of a conversion's weight sum from 1.
const DefaultTolerance = 0.01

// WeightSet is a concurrency-safe collection of weights keyed by
// (conversion_id, session_id). A later Add for an existing key replaces the
// earlier weight and is counted as a duplicate.
type WeightSet struct {
	mu         sync.Mutex
	weights    map[model.WeightKey]float64
	order      []model.WeightKey
	duplicates int
}

// NewWeightSet creates an empty WeightSet.
func NewWeightSet() *WeightSet {
	return &WeightSet{weights: make(map[model.WeightKey]float64)}
}

// Add merges weights into the set and returns how many replaced an existing key.
func (s *WeightSet) Add(weights ...model.AttributionWeight) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	dups := 0
	for _, w := range weights {
		k := w.Key()
		if _, ok := s.weights[k]; ok {
			dups++
		} else {
			s.order = append(s.order, k)
		}
		s.weights[k] = w.IHC
	}
	s.duplicates += dups
	return dups
}

// Len returns the number of distinct keys.
func (s *WeightSet) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.weights)
}

// Duplicates returns the total number of overwritten keys.
func (s *WeightSet) Duplicates() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.duplicates
}

// Weights returns the merged weights sorted by conversion then session id.
func (s *WeightSet) Weights() []model.AttributionWeight {
	s.mu.Lock()
	out := make([]model.AttributionWeight, 0, len(s.order))
	for _, k := range s.order {
		out = append(out, model.AttributionWeight{ConversionID: k.ConversionID, SessionID: k.SessionID, IHC: s.weights[k]})
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].ConversionID != out[j].ConversionID {
			return out[i].ConversionID < out[j].ConversionID
		}
		return out[i].SessionID < out[j].SessionID
	})
	return out
}

// Anomaly is a conversion whose weights do not sum to 1 within tolerance.
type Anomaly struct {
	ConversionID string  `json:"conversion_id"`
	Sum          float64 `json:"sum"`
}

// Report is the outcome of validating a weight set.
type Report struct {
	Conversions int       `json:"conversions"`
	Anomalies   []Anomaly `json:"anomalies,omitempty"`
	// OutOfRange counts weights outside [0, 1].
	OutOfRange int `json:"out_of_range"`
}

// Validate checks that each conversion's weights sum to 1 within tolerance.
// A non-positive tolerance uses DefaultTolerance.
func (s *WeightSet) Validate(tolerance float64) Report {
	return Validate(s.Weights(), tolerance)
}

// Validate checks that each conversion's weights sum to 1 within tolerance.
// Anomalies are sorted by conversion id.
func Validate(weights []model.AttributionWeight, tolerance float64) Report {
	if tolerance <= 0 {
		tolerance = DefaultTolerance
	}

	sums := make(map[string]float64)
	var rep Report
	for _, w := range weights {
		sums[w.ConversionID] += w.IHC
		if w.IHC < 0 || w.IHC > 1 {
			rep.OutOfRange++
		}
	}
	rep.Conversions = len(sums)

	for id, sum := range sums {
		if math.Abs(sum-1) > tolerance {
			rep.Anomalies = append(rep.Anomalies, Anomaly{ConversionID: id, Sum: sum})
		}
	}
	sort.Slice(rep.Anomalies, func(i, j int) bool {
		return rep.Anomalies[i].ConversionID < rep.Anomalies[j].ConversionID
	})
	return rep
}

// Log writes the report: a warning with the anomaly count, and the offending
// conversion ids at debug level.
func (r Report) Log(log *zap.Logger) {
	if len(r.Anomalies) == 0 && r.OutOfRange == 0 {
		log.Info("reconcile: all conversions sum to 1", zap.Int("conversions", r.Conversions))
		return
	}
	log.Warn("reconcile: weight anomalies found",
		zap.Int("conversions", r.Conversions),
		zap.Int("anomalies", len(r.Anomalies)),
		zap.Int("out_of_range", r.OutOfRange),
	)
	for _, a := range r.Anomalies {
		log.Debug("reconcile: conversion weights do not sum to 1",
			zap.String("conversion_id", a.ConversionID),
			zap.Float64("sum", a.Sum),
		)
	}
}

// Fallback selects how excluded journeys are treated.
type Fallback string

const (
	// FallbackNone leaves excluded journeys without weights.
	FallbackNone Fallback = "none"
	// FallbackUniform gives each touchpoint of an excluded journey 1/n.
	FallbackUniform Fallback = "uniform"
)

// ParseFallback parses a fallback mode. Empty means FallbackNone.
func ParseFallback(s string) (Fallback, error) {
	switch Fallback(s) {
	case "", FallbackNone:
		return FallbackNone, nil
	case FallbackUniform:
		return FallbackUniform, nil
	default:
		return "", eris.Errorf("reconcile: unknown excluded fallback %q", s)
	}
}

// UniformWeights assigns each touchpoint of each journey an equal share of
// its conversion. Empty journeys produce nothing.
func UniformWeights(journeys []model.Journey) []model.AttributionWeight {
	var out []model.AttributionWeight
	for _, j := range journeys {
		n := j.Size()
		if n == 0 {
			continue
		}
		share := 1 / float64(n)
		for _, tp := range j.Touchpoints {
			out = append(out, model.AttributionWeight{ConversionID: j.ConversionID, SessionID: tp.SessionID, IHC: share})
		}
	}
	return out
}

// FallbackWeights returns weights for the excluded journeys according to mode.
// Journeys not listed in excluded are ignored.
func FallbackWeights(mode Fallback, journeys []model.Journey, excluded []model.Exclusion) []model.AttributionWeight {
	if mode != FallbackUniform || len(excluded) == 0 {
		return nil
	}
	ids := make(map[string]bool, len(excluded))
	for _, e := range excluded {
		ids[e.ConversionID] = true
	}
	var picked []model.Journey
	for _, j := range journeys {
		if ids[j.ConversionID] {
			picked = append(picked, j)
		}
	}
	return UniformWeights(picked)
}
