// Package storage - Serialization helpers for scoring records.
package storage

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// MarshalJSON flattens the tuple into arg1..argN next to iteration and score.
func (r ScoredInstance) MarshalJSON() ([]byte, error) {
	doc := make(map[string]any, len(r.Instance)+2)
	for n, arg := range r.Instance {
		doc[FieldName(n+1)] = arg
	}
	doc["iteration"] = r.Iteration
	doc["score"] = r.Score
	return json.Marshal(doc)
}

// UnmarshalJSON rebuilds the tuple from its positional fields. Missing
// positions (arg1, arg3 without arg2) are rejected.
func (r *ScoredInstance) UnmarshalJSON(data []byte) error {
	var doc map[string]json.RawMessage
	if err := json.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("unmarshaling instance record: %w", err)
	}

	var positions []int
	for field := range doc {
		if !strings.HasPrefix(field, "arg") {
			continue
		}
		n, err := strconv.Atoi(strings.TrimPrefix(field, "arg"))
		if err != nil || n < 1 {
			return fmt.Errorf("%w: bad argument field %q", ErrInvalidData, field)
		}
		positions = append(positions, n)
	}
	sort.Ints(positions)

	inst := make(Instance, len(positions))
	for idx, n := range positions {
		if n != idx+1 {
			return fmt.Errorf("%w: missing argument field %s", ErrInvalidData, FieldName(idx+1))
		}
		if err := json.Unmarshal(doc[FieldName(n)], &inst[idx]); err != nil {
			return fmt.Errorf("unmarshaling %s: %w", FieldName(n), err)
		}
	}

	var out ScoredInstance
	out.Instance = inst
	if raw, ok := doc["iteration"]; ok {
		if err := json.Unmarshal(raw, &out.Iteration); err != nil {
			return fmt.Errorf("unmarshaling iteration: %w", err)
		}
	}
	if raw, ok := doc["score"]; ok {
		if err := json.Unmarshal(raw, &out.Score); err != nil {
			return fmt.Errorf("unmarshaling score: %w", err)
		}
	}
	*r = out
	return nil
}

func serializeInstance(rec ScoredInstance) ([]byte, error) {
	return json.Marshal(rec)
}

func deserializeInstance(data []byte) (*ScoredInstance, error) {
	var rec ScoredInstance
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

func serializePattern(rec ScoredPattern) ([]byte, error) {
	return json.Marshal(rec)
}

func deserializePattern(data []byte) (*ScoredPattern, error) {
	var rec ScoredPattern
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("unmarshaling pattern record: %w", err)
	}
	return &rec, nil
}
