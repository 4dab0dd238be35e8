package espresso

import (
	"sort"

	"github.com/orneryd/espresso/pkg/metrics"
	"github.com/orneryd/espresso/pkg/storage"
)

// Ranker scores a candidate set against the opposite promoted set and
// orders it by descending reliability. Candidates with equal scores keep
// their input order.
type Ranker struct {
	scorer   *Scorer
	relation string
	metrics  *metrics.Bootstrap
}

// NewRanker creates a ranker that scores with s.
func NewRanker(s *Scorer) *Ranker {
	return &Ranker{scorer: s, relation: s.relation, metrics: s.metrics}
}

// RankPatterns scores every candidate pattern with r_p against promoted and
// returns them tagged with iteration, best first. The result is not
// truncated.
func (r *Ranker) RankPatterns(candidates []storage.Pattern, promoted []storage.Instance, iteration int) ([]storage.ScoredPattern, error) {
	ranked := make([]storage.ScoredPattern, 0, len(candidates))
	for _, p := range candidates {
		score, err := r.scorer.PatternReliability(p, promoted)
		if err != nil {
			return nil, atIteration(err, iteration)
		}
		ranked = append(ranked, storage.ScoredPattern{Pattern: p, Iteration: iteration, Score: score})
	}
	sort.SliceStable(ranked, func(a, b int) bool {
		return ranked[a].Score > ranked[b].Score
	})
	r.metrics.Candidates.WithLabelValues(r.relation, metrics.KindPattern).Add(float64(len(ranked)))
	return ranked, nil
}

// RankInstances scores every candidate instance with r_i against promoted
// and returns them tagged with iteration, best first. The result is not
// truncated.
func (r *Ranker) RankInstances(candidates []storage.Instance, promoted []storage.Pattern, iteration int) ([]storage.ScoredInstance, error) {
	ranked := make([]storage.ScoredInstance, 0, len(candidates))
	for _, inst := range candidates {
		score, err := r.scorer.InstanceReliability(inst, promoted)
		if err != nil {
			return nil, atIteration(err, iteration)
		}
		ranked = append(ranked, storage.ScoredInstance{Instance: inst, Iteration: iteration, Score: score})
	}
	sort.SliceStable(ranked, func(a, b int) bool {
		return ranked[a].Score > ranked[b].Score
	})
	r.metrics.Candidates.WithLabelValues(r.relation, metrics.KindInstance).Add(float64(len(ranked)))
	return ranked, nil
}

// Truncate returns the first n elements of ranked, or all of them when
// there are fewer. n <= 0 yields an empty slice.
func Truncate[T any](ranked []T, n int) []T {
	if n <= 0 {
		return ranked[:0]
	}
	if len(ranked) > n {
		return ranked[:n]
	}
	return ranked
}
