package espresso

import (
	"context"
	"fmt"
	"sort"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/orneryd/espresso/pkg/logging"
	"github.com/orneryd/espresso/pkg/metrics"
	"github.com/orneryd/espresso/pkg/storage"
)

// DefaultN is the number of candidates promoted per phase.
const DefaultN = 10

// CandidateSource enumerates the candidates co-occurring with a promoted set.
type CandidateSource interface {
	CandidatePatterns(instances []storage.Instance) ([]storage.Pattern, error)
	CandidateInstances(patterns []storage.Pattern) ([]storage.Instance, error)
}

// State is the controller's position in the bootstrap loop.
type State int

const (
	StateInitialized State = iota
	StatePromotingPatterns
	StatePromotingInstances
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateInitialized:
		return "initialized"
	case StatePromotingPatterns:
		return "promoting-patterns"
	case StatePromotingInstances:
		return "promoting-instances"
	case StateStopped:
		return "stopped"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Options configures a Controller.
type Options struct {
	Relation string
	// Seeds are the iteration-0 instances. They score 1.0 and are never
	// persisted.
	Seeds []storage.Instance
	// Arity of the relation. Zero takes the arity of the first seed.
	Arity int
	// N is the number of candidates promoted per phase. Zero means DefaultN.
	N int
	// Keep makes every previously promoted item, seeds included, stay in
	// the promoted sets for later iterations.
	Keep bool
	// Reset drops both collections of the relation before the run.
	Reset bool
	// RunID tags log lines. Empty generates a random one.
	RunID string

	Logger  logrus.FieldLogger
	Metrics *metrics.Bootstrap
}

// Result is what one iteration promoted, best first.
type Result struct {
	Iteration int                      `json:"iteration"`
	Patterns  []storage.ScoredPattern  `json:"patterns"`
	Instances []storage.ScoredInstance `json:"instances"`
}

// Controller runs the bootstrap loop for one relation.
//
// Each iteration k promotes patterns first, scored against the current
// instance set, and persists them with iteration k. Instances are then
// scored against those patterns, so r_i in iteration k reads the pattern
// scores written moments earlier. A Controller is not safe for concurrent
// use.
type Controller struct {
	store      storage.Engine
	candidates CandidateSource
	scorer     *Scorer
	ranker     *Ranker
	opts       Options
	log        logrus.FieldLogger
	metrics    *metrics.Bootstrap

	state     State
	instances []storage.Instance
	patterns  []storage.Pattern

	// everything promoted so far, for Keep
	keptInstances *orderedSet[storage.Instance]
	keptPatterns  *orderedSet[storage.Pattern]
}

// New validates opts, drops the relation when opts.Reset is set, installs
// the seeds and reads maxPMI from provider once.
func New(store storage.Engine, provider PMIProvider, candidates CandidateSource, opts Options) (*Controller, error) {
	if opts.Relation == "" {
		return nil, fmt.Errorf("%w: relation is required", ErrInvalidOptions)
	}
	if len(opts.Seeds) == 0 {
		return nil, fmt.Errorf("%w: at least one seed instance is required", ErrInvalidOptions)
	}
	if opts.N < 0 {
		return nil, fmt.Errorf("%w: n must be positive, got %d", ErrInvalidOptions, opts.N)
	}
	if opts.N == 0 {
		opts.N = DefaultN
	}
	if opts.Arity == 0 {
		opts.Arity = opts.Seeds[0].Arity()
	}
	for _, seed := range opts.Seeds {
		if seed.Arity() != opts.Arity {
			return nil, fmt.Errorf("%w: seed %s has %d arguments, relation %s has %d",
				ErrArityMismatch, seed, seed.Arity(), opts.Relation, opts.Arity)
		}
	}
	if opts.RunID == "" {
		opts.RunID = uuid.NewString()
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.Discard()
	}

	log := logging.OrStandard(opts.Logger).WithFields(logrus.Fields{
		"relation": opts.Relation,
		"run":      opts.RunID,
	})

	if opts.Reset {
		if err := store.Drop(opts.Relation); err != nil {
			return nil, fmt.Errorf("%w: reset %s: %w", ErrStoreUnavailable, opts.Relation, err)
		}
		log.Warn("dropped existing candidate collections")
	}

	maxPMI, err := provider.MaxPMI()
	if err != nil {
		return nil, fmt.Errorf("%w: max pmi: %w", ErrProviderUnavailable, err)
	}
	scorer, err := NewScorer(opts.Relation, store, provider, maxPMI, opts.Seeds, log, opts.Metrics)
	if err != nil {
		return nil, err
	}

	c := &Controller{
		store:         store,
		candidates:    candidates,
		scorer:        scorer,
		ranker:        NewRanker(scorer),
		opts:          opts,
		log:           log,
		metrics:       opts.Metrics,
		state:         StateInitialized,
		keptInstances: newOrderedSet(storage.Instance.Key),
		keptPatterns:  newOrderedSet(func(p storage.Pattern) string { return string(p) }),
	}
	c.keptInstances.addAll(opts.Seeds)
	c.instances = cloneInstances(opts.Seeds)

	log.WithFields(logrus.Fields{
		"seeds":  len(opts.Seeds),
		"arity":  opts.Arity,
		"n":      opts.N,
		"keep":   opts.Keep,
		"maxPMI": maxPMI,
	}).Info("bootstrap initialized")
	return c, nil
}

// Scorer returns the scorer used by the controller.
func (c *Controller) Scorer() *Scorer {
	return c.scorer
}

// State returns the current state.
func (c *Controller) State() State {
	return c.state
}

// RunID returns the identifier attached to this controller's log lines.
func (c *Controller) RunID() string {
	return c.opts.RunID
}

// PromotedInstances returns the instance set the next iteration scores
// patterns against.
func (c *Controller) PromotedInstances() []storage.Instance {
	return cloneInstances(c.instances)
}

// PromotedPatterns returns the patterns promoted by the last iteration, or
// all promoted patterns when Keep is set.
func (c *Controller) PromotedPatterns() []storage.Pattern {
	return append([]storage.Pattern(nil), c.patterns...)
}

// Bootstrap runs iterations start through stop inclusive. When start is
// past 1 on a fresh controller, the promoted sets are recovered from the
// records of earlier iterations, so an interrupted run can be resumed.
//
// ctx is checked before each iteration. On error the results of the
// iterations that completed are returned with it.
func (c *Controller) Bootstrap(ctx context.Context, start, stop int) ([]Result, error) {
	if start < 1 || stop < start {
		return nil, fmt.Errorf("%w: iterations %d..%d", ErrInvalidOptions, start, stop)
	}
	if c.state == StateInitialized && start > 1 {
		if err := c.resume(start); err != nil {
			return nil, err
		}
	}

	results := make([]Result, 0, stop-start+1)
	for k := start; k <= stop; k++ {
		if err := ctx.Err(); err != nil {
			c.log.WithField("iteration", k).Warn("bootstrap cancelled")
			return results, err
		}
		res, err := c.Step(k)
		if err != nil {
			return results, err
		}
		results = append(results, *res)

		if len(c.instances) == 0 {
			c.log.WithField("iteration", k).Warn("no instances promoted, stopping early")
			break
		}
	}
	c.state = StateStopped
	c.log.WithField("iterations", len(results)).Info("bootstrap stopped")
	return results, nil
}

// Step runs a single iteration: promote patterns, then instances.
func (c *Controller) Step(iteration int) (*Result, error) {
	log := c.log.WithField("iteration", iteration)

	c.state = StatePromotingPatterns
	patterns, err := c.promotePatterns(iteration)
	if err != nil {
		return nil, err
	}
	log.WithField("count", len(patterns)).Info("promoted patterns")

	c.state = StatePromotingInstances
	newPatterns := make([]storage.Pattern, len(patterns))
	for i, rec := range patterns {
		newPatterns[i] = rec.Pattern
	}
	instances, err := c.promoteInstances(iteration, newPatterns)
	if err != nil {
		return nil, err
	}
	log.WithField("count", len(instances)).Info("promoted instances")

	newInstances := make([]storage.Instance, len(instances))
	for i, rec := range instances {
		newInstances[i] = rec.Instance
	}
	c.advance(newPatterns, newInstances)
	c.metrics.Iteration.WithLabelValues(c.opts.Relation).Set(float64(iteration))

	return &Result{Iteration: iteration, Patterns: patterns, Instances: instances}, nil
}

func (c *Controller) promotePatterns(iteration int) ([]storage.ScoredPattern, error) {
	candidates, err := c.candidates.CandidatePatterns(c.instances)
	if err != nil {
		return nil, &ScoreError{Op: "candidate_patterns", Relation: c.opts.Relation, Iteration: iteration,
			Err: fmt.Errorf("%w: %w", ErrProviderUnavailable, err)}
	}
	ranked, err := c.ranker.RankPatterns(candidates, c.instances, iteration)
	if err != nil {
		return nil, err
	}
	top := Truncate(ranked, c.opts.N)
	for _, rec := range top {
		if err := c.store.InsertPattern(c.opts.Relation, rec); err != nil {
			return nil, &ScoreError{Op: "persist_pattern", Relation: c.opts.Relation, Key: string(rec.Pattern),
				Iteration: iteration, Err: fmt.Errorf("%w: %w", ErrStoreUnavailable, err)}
		}
	}
	c.metrics.Promoted.WithLabelValues(c.opts.Relation, metrics.KindPattern).Add(float64(len(top)))
	return top, nil
}

func (c *Controller) promoteInstances(iteration int, newPatterns []storage.Pattern) ([]storage.ScoredInstance, error) {
	promoted := newPatterns
	if c.opts.Keep {
		promoted = c.keptPatterns.union(newPatterns)
	}

	found, err := c.candidates.CandidateInstances(promoted)
	if err != nil {
		return nil, &ScoreError{Op: "candidate_instances", Relation: c.opts.Relation, Iteration: iteration,
			Err: fmt.Errorf("%w: %w", ErrProviderUnavailable, err)}
	}
	candidates := found[:0:0]
	for _, inst := range found {
		if inst.Arity() != c.opts.Arity {
			return nil, &ScoreError{Op: "candidate_instances", Relation: c.opts.Relation, Key: inst.String(),
				Iteration: iteration, Err: fmt.Errorf("%w: want %d arguments", ErrArityMismatch, c.opts.Arity)}
		}
		if c.scorer.IsSeed(inst) {
			continue
		}
		candidates = append(candidates, inst)
	}

	ranked, err := c.ranker.RankInstances(candidates, promoted, iteration)
	if err != nil {
		return nil, err
	}
	top := Truncate(ranked, c.opts.N)
	for _, rec := range top {
		if err := c.store.InsertInstance(c.opts.Relation, rec); err != nil {
			return nil, &ScoreError{Op: "persist_instance", Relation: c.opts.Relation, Key: rec.Instance.String(),
				Iteration: iteration, Err: fmt.Errorf("%w: %w", ErrStoreUnavailable, err)}
		}
	}
	c.metrics.Promoted.WithLabelValues(c.opts.Relation, metrics.KindInstance).Add(float64(len(top)))
	return top, nil
}

// advance installs the sets promoted by an iteration as the input of the
// next one.
func (c *Controller) advance(patterns []storage.Pattern, instances []storage.Instance) {
	c.keptPatterns.addAll(patterns)
	c.keptInstances.addAll(instances)
	if c.opts.Keep {
		c.patterns = c.keptPatterns.items()
		c.instances = c.keptInstances.items()
		return
	}
	c.patterns = patterns
	c.instances = instances
}

// resume rebuilds the promoted sets from the records persisted before
// iteration start.
func (c *Controller) resume(start int) error {
	instHistory, err := c.store.Instances(c.opts.Relation)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
	}
	patHistory, err := c.store.Patterns(c.opts.Relation)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
	}

	instances := instancesBefore(instHistory, start)
	patterns := patternsBefore(patHistory, start)

	var last []storage.Instance
	for _, rec := range instances {
		c.keptInstances.add(rec.Instance)
		if rec.Iteration == start-1 {
			last = append(last, rec.Instance)
		}
	}
	var lastPatterns []storage.Pattern
	for _, rec := range patterns {
		c.keptPatterns.add(rec.Pattern)
		if rec.Iteration == start-1 {
			lastPatterns = append(lastPatterns, rec.Pattern)
		}
	}

	switch {
	case c.opts.Keep:
		c.instances = c.keptInstances.items()
		c.patterns = c.keptPatterns.items()
	case len(last) > 0:
		c.instances = Truncate(last, c.opts.N)
		c.patterns = Truncate(lastPatterns, c.opts.N)
	}
	c.log.WithFields(logrus.Fields{
		"start":     start,
		"instances": len(c.instances),
		"patterns":  len(c.patterns),
	}).Info("resumed promoted sets from store")
	return nil
}

// instancesBefore reduces history to the latest record per instance among
// those written before iteration start, ordered by iteration and then by
// descending score.
func instancesBefore(history []storage.ScoredInstance, start int) []storage.ScoredInstance {
	var before []storage.ScoredInstance
	for _, rec := range history {
		if rec.Iteration < start {
			before = append(before, rec)
		}
	}
	out := storage.LatestInstances(before)
	sort.SliceStable(out, func(a, b int) bool {
		if out[a].Iteration != out[b].Iteration {
			return out[a].Iteration < out[b].Iteration
		}
		return out[a].Score > out[b].Score
	})
	return out
}

// patternsBefore is instancesBefore for patterns.
func patternsBefore(history []storage.ScoredPattern, start int) []storage.ScoredPattern {
	var before []storage.ScoredPattern
	for _, rec := range history {
		if rec.Iteration < start {
			before = append(before, rec)
		}
	}
	out := storage.LatestPatterns(before)
	sort.SliceStable(out, func(a, b int) bool {
		if out[a].Iteration != out[b].Iteration {
			return out[a].Iteration < out[b].Iteration
		}
		return out[a].Score > out[b].Score
	})
	return out
}

func cloneInstances(in []storage.Instance) []storage.Instance {
	out := make([]storage.Instance, len(in))
	for i, inst := range in {
		out[i] = inst.Clone()
	}
	return out
}

// orderedSet is an insertion-ordered set keyed by a string projection.
type orderedSet[T any] struct {
	key   func(T) string
	seen  map[string]bool
	order []T
}

func newOrderedSet[T any](key func(T) string) *orderedSet[T] {
	return &orderedSet[T]{key: key, seen: make(map[string]bool)}
}

func (s *orderedSet[T]) add(v T) {
	k := s.key(v)
	if s.seen[k] {
		return
	}
	s.seen[k] = true
	s.order = append(s.order, v)
}

func (s *orderedSet[T]) addAll(vs []T) {
	for _, v := range vs {
		s.add(v)
	}
}

func (s *orderedSet[T]) items() []T {
	return append([]T(nil), s.order...)
}

// union returns the set's items followed by those of extra not yet in it,
// without modifying the set.
func (s *orderedSet[T]) union(extra []T) []T {
	out := s.items()
	for _, v := range extra {
		if !s.seen[s.key(v)] {
			out = append(out, v)
		}
	}
	return out
}
