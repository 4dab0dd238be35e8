// Package storage provides the candidate store for espresso bootstrapping.
//
// Every target relation owns two append-only collections of scoring records:
// one for instances (tuples of related terms) and one for patterns (textual
// contexts). A record is written each time a candidate is promoted in an
// iteration; older iterations stay in the store as history and lookups always
// resolve to the record with the greatest iteration.
//
// Example Usage:
//
//	engine, err := storage.NewBadgerEngine("./data")
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer engine.Close()
//
//	err = engine.InsertPattern("capital", storage.ScoredPattern{
//		Pattern:   "X is the capital of Y",
//		Iteration: 1,
//		Score:     0.5,
//	})
//
//	rec, err := engine.LatestPattern("capital", "X is the capital of Y")
//	if errors.Is(err, storage.ErrNotFound) {
//		// no history: callers treat this as score 0.0
//	}
package storage

import (
	"errors"
	"fmt"
	"strings"
)

// Common errors
var (
	ErrNotFound        = errors.New("not found")
	ErrInvalidRelation = errors.New("invalid relation")
	ErrInvalidData     = errors.New("invalid data")
	ErrStorageClosed   = errors.New("storage closed")
)

// Instance is an ordered tuple of argument strings exemplifying a relation.
//
// Two instances are the same instance only if every argument matches in
// order. The arity is fixed by the target relation (2 for a binary relation).
//
// Example:
//
//	i := storage.Instance{"paris", "france"}
//	fmt.Println(storage.FieldName(1), i.Arity()) // arg1 2
type Instance []string

// Arity returns the number of arguments in the tuple.
func (i Instance) Arity() int {
	return len(i)
}

// Equal reports whether both tuples hold the same arguments in the same order.
func (i Instance) Equal(other Instance) bool {
	if len(i) != len(other) {
		return false
	}
	for n := range i {
		if i[n] != other[n] {
			return false
		}
	}
	return true
}

// Key returns a string usable as a map key. Arguments are joined with the
// unit separator so ("a b", "c") and ("a", "b c") stay distinct.
func (i Instance) Key() string {
	return strings.Join(i, "\x1f")
}

// FieldName returns the positional field name of the n-th argument (1-based).
func FieldName(n int) string {
	return fmt.Sprintf("arg%d", n)
}

// Clone returns a copy that does not share the backing array.
func (i Instance) Clone() Instance {
	out := make(Instance, len(i))
	copy(out, i)
	return out
}

func (i Instance) String() string {
	return "(" + strings.Join(i, ", ") + ")"
}

// Pattern names a textual context associated with a relation, such as
// "X is the capital of Y".
type Pattern string

// ScoredInstance is one promotion record for an instance.
//
// Serialized form flattens the tuple into positional fields:
//
//	{"arg1": "paris", "arg2": "france", "iteration": 1, "score": 0.42}
type ScoredInstance struct {
	Instance  Instance
	Iteration int
	Score     float64
}

// ScoredPattern is one promotion record for a pattern.
//
// Serialized form:
//
//	{"pattern": "X is the capital of Y", "iteration": 1, "score": 0.5}
type ScoredPattern struct {
	Pattern   Pattern `json:"pattern"`
	Iteration int     `json:"iteration"`
	Score     float64 `json:"score"`
}

// Engine is the candidate store consumed by the bootstrap controller.
//
// Inserts always append a new record; nothing is ever updated in place.
// Latest lookups return the record with the greatest iteration for the key,
// and the most recently written one when a key has several records for the
// same iteration (a restarted run re-promoting an iteration).
//
// Implementations:
//   - BadgerEngine: persistent storage on disk
//   - MemoryEngine: map-backed storage for tests and dry runs
type Engine interface {
	InsertInstance(relation string, rec ScoredInstance) error
	InsertPattern(relation string, rec ScoredPattern) error

	// LatestInstance returns ErrNotFound when the instance has no history.
	LatestInstance(relation string, inst Instance) (*ScoredInstance, error)
	// LatestPattern returns ErrNotFound when the pattern has no history.
	LatestPattern(relation string, p Pattern) (*ScoredPattern, error)

	// Instances returns the full instance history of a relation. Records of
	// one instance appear in (iteration, write) order.
	Instances(relation string) ([]ScoredInstance, error)
	// Patterns returns the full pattern history of a relation. Records of
	// one pattern appear in (iteration, write) order.
	Patterns(relation string) ([]ScoredPattern, error)

	// Drop removes both collections of a relation.
	Drop(relation string) error

	Close() error
}

// InstanceCollection names the instance collection of a relation.
func InstanceCollection(relation string) string {
	return relation + "_esp_i"
}

// PatternCollection names the pattern collection of a relation.
func PatternCollection(relation string) string {
	return relation + "_esp_p"
}

func validateRelation(relation string) error {
	if relation == "" || strings.ContainsRune(relation, 0) {
		return fmt.Errorf("%w: %q", ErrInvalidRelation, relation)
	}
	return nil
}

func validateInstanceRecord(rec ScoredInstance) error {
	if len(rec.Instance) == 0 {
		return fmt.Errorf("%w: instance has no arguments", ErrInvalidData)
	}
	if rec.Iteration < 0 {
		return fmt.Errorf("%w: negative iteration %d", ErrInvalidData, rec.Iteration)
	}
	return nil
}

func validatePatternRecord(rec ScoredPattern) error {
	if rec.Pattern == "" {
		return fmt.Errorf("%w: empty pattern", ErrInvalidData)
	}
	if rec.Iteration < 0 {
		return fmt.Errorf("%w: negative iteration %d", ErrInvalidData, rec.Iteration)
	}
	return nil
}

// LatestInstances reduces a history to the authoritative record per instance,
// in first-seen order.
func LatestInstances(history []ScoredInstance) []ScoredInstance {
	index := make(map[string]int)
	var out []ScoredInstance
	for _, rec := range history {
		k := rec.Instance.Key()
		if at, ok := index[k]; ok {
			if rec.Iteration >= out[at].Iteration {
				out[at] = rec
			}
			continue
		}
		index[k] = len(out)
		out = append(out, rec)
	}
	return out
}

// LatestPatterns reduces a history to the authoritative record per pattern,
// in first-seen order.
func LatestPatterns(history []ScoredPattern) []ScoredPattern {
	index := make(map[Pattern]int)
	var out []ScoredPattern
	for _, rec := range history {
		if at, ok := index[rec.Pattern]; ok {
			if rec.Iteration >= out[at].Iteration {
				out[at] = rec
			}
			continue
		}
		index[rec.Pattern] = len(out)
		out = append(out, rec)
	}
	return out
}
