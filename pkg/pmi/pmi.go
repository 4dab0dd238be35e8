// Package pmi provides a discounted-PMI oracle over a precomputed
// instance/pattern co-occurrence table.
//
// The table is produced by corpus tooling outside this module. Each row holds
// one instance, one pattern and their discounted pointwise mutual information:
//
//	# arg1	arg2	pattern	dpmi
//	paris	france	X is the capital of Y	2.0
//	tokyo	japan	X is the capital of Y	1.7
//
// The same table doubles as the candidate source for bootstrapping: patterns
// co-occurring with promoted instances become candidate patterns and vice versa.
package pmi

import (
	"errors"
	"fmt"
	"math"

	"github.com/orneryd/espresso/pkg/storage"
)

// ErrEmptyTable is returned by MaxPMI when no pair has been added.
var ErrEmptyTable = errors.New("pmi: empty table")

// ErrArity is returned when a row disagrees with the table's arity.
var ErrArity = errors.New("pmi: arity mismatch")

type pairKey struct {
	instance string
	pattern  storage.Pattern
}

// Table is an in-memory co-occurrence matrix. It is not safe for concurrent
// writes; once loaded it is read-only and safe to share.
type Table struct {
	arity int
	dpmi  map[pairKey]float64
	max   float64

	instances map[string]storage.Instance
	// patternsOf and instancesOf keep first-seen order for deterministic
	// candidate generation.
	patternsOf  map[string][]storage.Pattern
	instancesOf map[storage.Pattern][]string
}

// NewTable creates an empty table for tuples of the given arity.
// An arity of 0 is fixed by the first added pair.
func NewTable(arity int) *Table {
	return &Table{
		arity:       arity,
		dpmi:        make(map[pairKey]float64),
		max:         math.Inf(-1),
		instances:   make(map[string]storage.Instance),
		patternsOf:  make(map[string][]storage.Pattern),
		instancesOf: make(map[storage.Pattern][]string),
	}
}

// Add records dpmi for one (instance, pattern) pair. Adding the same pair
// again replaces its value.
func (t *Table) Add(inst storage.Instance, p storage.Pattern, dpmi float64) error {
	if len(inst) == 0 {
		return fmt.Errorf("%w: empty instance", ErrArity)
	}
	if t.arity == 0 {
		t.arity = len(inst)
	}
	if len(inst) != t.arity {
		return fmt.Errorf("%w: %s has %d arguments, table has %d", ErrArity, inst, len(inst), t.arity)
	}
	if math.IsNaN(dpmi) || math.IsInf(dpmi, 0) {
		return fmt.Errorf("pmi: non-finite dpmi %v for %s / %q", dpmi, inst, p)
	}

	ik := inst.Key()
	key := pairKey{instance: ik, pattern: p}
	if _, seen := t.dpmi[key]; !seen {
		if _, ok := t.instances[ik]; !ok {
			t.instances[ik] = inst.Clone()
		}
		t.patternsOf[ik] = append(t.patternsOf[ik], p)
		t.instancesOf[p] = append(t.instancesOf[p], ik)
	}
	t.dpmi[key] = dpmi
	if dpmi > t.max {
		t.max = dpmi
	}
	return nil
}

// Arity returns the tuple arity of the table (0 while empty).
func (t *Table) Arity() int {
	return t.arity
}

// Len returns the number of distinct (instance, pattern) pairs.
func (t *Table) Len() int {
	return len(t.dpmi)
}

// DPMI returns the discounted PMI of a pair. Pairs that never co-occur
// carry no association and score 0.
func (t *Table) DPMI(inst storage.Instance, p storage.Pattern) (float64, error) {
	return t.dpmi[pairKey{instance: inst.Key(), pattern: p}], nil
}

// MaxPMI returns the largest dpmi in the table.
func (t *Table) MaxPMI() (float64, error) {
	if len(t.dpmi) == 0 {
		return 0, ErrEmptyTable
	}
	return t.max, nil
}

// CandidatePatterns returns every pattern co-occurring with at least one of
// the given instances, deduplicated in first-seen order.
func (t *Table) CandidatePatterns(instances []storage.Instance) ([]storage.Pattern, error) {
	seen := make(map[storage.Pattern]bool)
	var out []storage.Pattern
	for _, inst := range instances {
		for _, p := range t.patternsOf[inst.Key()] {
			if seen[p] {
				continue
			}
			seen[p] = true
			out = append(out, p)
		}
	}
	return out, nil
}

// CandidateInstances returns every instance co-occurring with at least one of
// the given patterns, deduplicated in first-seen order.
func (t *Table) CandidateInstances(patterns []storage.Pattern) ([]storage.Instance, error) {
	seen := make(map[string]bool)
	var out []storage.Instance
	for _, p := range patterns {
		for _, ik := range t.instancesOf[p] {
			if seen[ik] {
				continue
			}
			seen[ik] = true
			out = append(out, t.instances[ik].Clone())
		}
	}
	return out, nil
}
