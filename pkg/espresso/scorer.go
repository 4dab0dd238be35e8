// Package espresso implements the Espresso bootstrapping algorithm: starting
// from a few seed instances of a relation, it alternately promotes patterns
// and instances, ranking each candidate by a reliability score built on
// discounted pointwise mutual information (dpmi).
//
// Reliability Score:
//
// Instance and pattern reliability reinforce each other through the scores
// persisted in earlier promotion steps, never through live recursion:
//
//	r_i(i, P) = sum( dpmi(i,p) * r_p(p) / maxPMI  for p in P ) / |P|
//	r_p(p, I) = sum( dpmi(i,p) * r_i(i) / maxPMI  for i in I ) / |I|
//
// r_p(p) and r_i(i) on the right-hand side are the latest scores in the
// candidate store (0 when a candidate has no history). Seed instances have
// r_i = 1.0 and are never rescored.
//
// References:
//
// Patrick Pantel and Marco Pennacchiotti. Espresso: Leveraging Generic
// Patterns for Automatically Harvesting Semantic Relations. ACL 2006.
package espresso

import (
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/orneryd/espresso/pkg/logging"
	"github.com/orneryd/espresso/pkg/metrics"
	"github.com/orneryd/espresso/pkg/storage"
)

// SeedScore is the fixed reliability of every seed instance.
const SeedScore = 1.0

// PMIProvider is the read-only dpmi oracle. dpmi may be negative; MaxPMI is
// the corpus-wide maximum and must stay constant for the life of a run.
type PMIProvider interface {
	DPMI(inst storage.Instance, p storage.Pattern) (float64, error)
	MaxPMI() (float64, error)
}

// Scorer computes reliability and confidence for one relation.
type Scorer struct {
	relation string
	store    storage.Engine
	pmi      PMIProvider
	maxPMI   float64
	seeds    map[string]bool
	log      logrus.FieldLogger
	metrics  *metrics.Bootstrap
}

// NewScorer creates a scorer for relation. maxPMI must be the provider's
// corpus maximum, read once by the caller. log and m may be nil.
func NewScorer(relation string, store storage.Engine, pmi PMIProvider, maxPMI float64, seeds []storage.Instance, log logrus.FieldLogger, m *metrics.Bootstrap) (*Scorer, error) {
	if maxPMI <= 0 {
		return nil, fmt.Errorf("%w: got %v", ErrNonPositiveMaxPMI, maxPMI)
	}
	if m == nil {
		m = metrics.Discard()
	}
	s := &Scorer{
		relation: relation,
		store:    store,
		pmi:      pmi,
		maxPMI:   maxPMI,
		seeds:    make(map[string]bool, len(seeds)),
		log:      logging.OrStandard(log),
		metrics:  m,
	}
	for _, seed := range seeds {
		s.seeds[seed.Key()] = true
	}
	return s, nil
}

// MaxPMI returns the normalizer in use.
func (s *Scorer) MaxPMI() float64 {
	return s.maxPMI
}

// IsSeed reports whether inst is one of the seed instances.
func (s *Scorer) IsSeed(inst storage.Instance) bool {
	return s.seeds[inst.Key()]
}

// PastInstanceScore returns r_i from history: 1.0 for seeds, the latest
// persisted score otherwise, 0.0 when there is none.
func (s *Scorer) PastInstanceScore(inst storage.Instance) (float64, error) {
	if s.IsSeed(inst) {
		return SeedScore, nil
	}
	rec, err := s.store.LatestInstance(s.relation, inst)
	if errors.Is(err, storage.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, s.fail("r_i", inst.String(), fmt.Errorf("%w: %w", ErrStoreUnavailable, err))
	}
	return rec.Score, nil
}

// PastPatternScore returns r_p from history, 0.0 when there is none.
func (s *Scorer) PastPatternScore(p storage.Pattern) (float64, error) {
	rec, err := s.store.LatestPattern(s.relation, p)
	if errors.Is(err, storage.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, s.fail("r_p", string(p), fmt.Errorf("%w: %w", ErrStoreUnavailable, err))
	}
	return rec.Score, nil
}

// InstanceReliability computes r_i(i, P) against the promoted patterns.
func (s *Scorer) InstanceReliability(inst storage.Instance, promoted []storage.Pattern) (float64, error) {
	if len(promoted) == 0 {
		return 0, s.fail("r_i", inst.String(), ErrEmptyPromotedSet)
	}

	var sum float64
	for _, p := range promoted {
		d, err := s.dpmi("r_i", inst, p)
		if err != nil {
			return 0, err
		}
		rp, err := s.PastPatternScore(p)
		if err != nil {
			return 0, err
		}
		sum += d * rp / s.maxPMI
	}
	r := sum / float64(len(promoted))

	s.log.WithFields(logrus.Fields{
		"relation": s.relation,
		"instance": inst.String(),
		"patterns": len(promoted),
	}).Debugf("r_i: %v", r)
	s.metrics.Reliability.WithLabelValues(metrics.KindInstance).Observe(r)
	return r, nil
}

// PatternReliability computes r_p(p, I) against the promoted instances.
func (s *Scorer) PatternReliability(p storage.Pattern, promoted []storage.Instance) (float64, error) {
	if len(promoted) == 0 {
		return 0, s.fail("r_p", string(p), ErrEmptyPromotedSet)
	}

	var sum float64
	for _, inst := range promoted {
		d, err := s.dpmi("r_p", inst, p)
		if err != nil {
			return 0, err
		}
		ri, err := s.PastInstanceScore(inst)
		if err != nil {
			return 0, err
		}
		sum += d * ri / s.maxPMI
	}
	r := sum / float64(len(promoted))

	s.log.WithFields(logrus.Fields{
		"relation":  s.relation,
		"pattern":   string(p),
		"instances": len(promoted),
	}).Debugf("r_p: %v", r)
	s.metrics.Reliability.WithLabelValues(metrics.KindPattern).Observe(r)
	return r, nil
}

// Confidence computes S(i, P), the dpmi-weighted vote of the supporting
// patterns normalized by their total past score:
//
//	S(i, P) = sum( dpmi(i,p) * r_p(p) for p in P ) / sum( r_p(p) for p in P )
//
// It is not used for ranking. When every pattern in P has past score 0 the
// result is undefined and ErrZeroConfidenceMass is returned.
func (s *Scorer) Confidence(inst storage.Instance, promoted []storage.Pattern) (float64, error) {
	if len(promoted) == 0 {
		return 0, s.fail("S", inst.String(), ErrEmptyPromotedSet)
	}

	var weighted, total float64
	for _, p := range promoted {
		rp, err := s.PastPatternScore(p)
		if err != nil {
			return 0, err
		}
		if rp == 0 {
			continue
		}
		d, err := s.dpmi("S", inst, p)
		if err != nil {
			return 0, err
		}
		weighted += d * rp
		total += rp
	}
	if total == 0 {
		return 0, s.fail("S", inst.String(), ErrZeroConfidenceMass)
	}
	return weighted / total, nil
}

func (s *Scorer) dpmi(op string, inst storage.Instance, p storage.Pattern) (float64, error) {
	d, err := s.pmi.DPMI(inst, p)
	if err != nil {
		return 0, s.fail(op, inst.String()+" / "+string(p), fmt.Errorf("%w: %w", ErrProviderUnavailable, err))
	}
	return d, nil
}

func (s *Scorer) fail(op, key string, err error) error {
	return &ScoreError{Op: op, Relation: s.relation, Key: key, Iteration: -1, Err: err}
}
