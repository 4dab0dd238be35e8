package espresso

import (
	"errors"
	"fmt"
)

// Error taxonomy. Missing score history is not an error: it resolves to 0.0.
var (
	// ErrPrecondition is the parent of every scoring precondition failure.
	ErrPrecondition = errors.New("precondition violated")
	// ErrEmptyPromotedSet means a reliability was requested against an empty
	// opposite promoted set.
	ErrEmptyPromotedSet = fmt.Errorf("%w: empty promoted set", ErrPrecondition)
	// ErrZeroConfidenceMass means every supporting pattern has past score 0,
	// so the confidence normalizer T is 0.
	ErrZeroConfidenceMass = fmt.Errorf("%w: supporting patterns have zero total score", ErrPrecondition)
	// ErrNonPositiveMaxPMI means the provider's corpus maximum cannot
	// normalize scores.
	ErrNonPositiveMaxPMI = fmt.Errorf("%w: max pmi must be positive", ErrPrecondition)

	// ErrStoreUnavailable wraps candidate store I/O failures.
	ErrStoreUnavailable = errors.New("candidate store unavailable")
	// ErrProviderUnavailable wraps PMI provider failures.
	ErrProviderUnavailable = errors.New("pmi provider unavailable")

	// ErrArityMismatch means an instance does not fit the relation's arity.
	ErrArityMismatch = errors.New("instance arity mismatch")
	// ErrInvalidOptions is returned by New for unusable options.
	ErrInvalidOptions = errors.New("invalid bootstrap options")
)

// ScoreError carries enough context to diagnose a failed scoring step
// without inspecting internals.
//
// Example:
//
//	var se *espresso.ScoreError
//	if errors.As(err, &se) {
//		log.Printf("%s failed for %s at iteration %d", se.Op, se.Key, se.Iteration)
//	}
type ScoreError struct {
	Op        string // r_i, r_p, S, rank_patterns, ...
	Relation  string
	Key       string // instance tuple or pattern
	Iteration int // -1 until the ranker knows it
	Err       error
}

func (e *ScoreError) Error() string {
	if e.Iteration < 0 {
		return fmt.Sprintf("%s %s[%s]: %v", e.Op, e.Relation, e.Key, e.Err)
	}
	return fmt.Sprintf("%s %s[%s] iteration %d: %v", e.Op, e.Relation, e.Key, e.Iteration, e.Err)
}

// atIteration stamps iteration on a ScoreError found in err's chain.
func atIteration(err error, iteration int) error {
	var se *ScoreError
	if errors.As(err, &se) && se.Iteration < 0 {
		se.Iteration = iteration
	}
	return err
}

func (e *ScoreError) Unwrap() error {
	return e.Err
}
