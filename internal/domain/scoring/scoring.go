// Package scoring turns a normalized activity into points.
package scoring

import (
	"maps"

	"github.com/okian/builderscore/internal/domain/model"
)

// Option applies a configuration option to the TableScorer.
type Option func(*TableScorer)

// WithWeights replaces the weight table. Keys are "source" or "source.milestone".
func WithWeights(weights map[string]int64) Option {
	return func(s *TableScorer) {
		if weights != nil {
			s.weights = maps.Clone(weights)
		}
	}
}

// WithDefaultWeight sets the weight used for keys missing from the table.
func WithDefaultWeight(weight int64) Option {
	return func(s *TableScorer) {
		s.defaultWeight = weight
	}
}

// Scorer computes the points an activity is worth.
type Scorer interface {
	Points(a model.Activity) int64
	Weight(a model.Activity) int64
}

// TableScorer scores by a static weight table. It is safe for concurrent use
// once built.
type TableScorer struct {
	weights       map[string]int64
	defaultWeight int64
}

// DefaultWeights is the built-in table.
func DefaultWeights() map[string]int64 {
	return map[string]int64{
		"code_commit":        1,
		"code_pr.opened":     3,
		"code_pr.merged":     5,
		"code_issue.opened":  2,
		"nomination":         4,
		"command_engagement": 0,
	}
}

// NewTableScorer creates a scorer with the default table unless overridden.
func NewTableScorer(opts ...Option) *TableScorer {
	s := &TableScorer{weights: DefaultWeights()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Weight resolves the per-unit weight: "source.milestone" first, then
// "source", then the default.
func (s *TableScorer) Weight(a model.Activity) int64 {
	if w, ok := s.weights[a.WeightKey()]; ok {
		return w
	}
	if w, ok := s.weights[string(a.Source)]; ok {
		return w
	}
	return s.defaultWeight
}

// Points is weight times quantity.
func (s *TableScorer) Points(a model.Activity) int64 {
	return s.Weight(a) * a.Units()
}
