package espresso

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orneryd/espresso/pkg/storage"
)

func TestRanker_StableOnTies(t *testing.T) {
	a, b, c := storage.Pattern("a"), storage.Pattern("b"), storage.Pattern("c")
	provider := &mapProvider{
		dpmi: map[string]float64{
			paris.Key() + "|a": 2.0,
			paris.Key() + "|b": 3.2,
			paris.Key() + "|c": 2.0,
		},
		max: 4.0,
	}
	r := NewRanker(newScorer(t, storage.NewMemoryEngine(), provider, paris))

	ranked, err := r.RankPatterns([]storage.Pattern{a, b, c}, []storage.Instance{paris}, 2)
	require.NoError(t, err)
	require.Len(t, ranked, 3)

	assert.Equal(t, []storage.Pattern{b, a, c}, []storage.Pattern{ranked[0].Pattern, ranked[1].Pattern, ranked[2].Pattern})
	assert.InDelta(t, 0.8, ranked[0].Score, 1e-12)
	assert.InDelta(t, 0.5, ranked[1].Score, 1e-12)
	for _, rec := range ranked {
		assert.Equal(t, 2, rec.Iteration)
	}

	// Reversing the input reverses the tie order only.
	ranked, err = r.RankPatterns([]storage.Pattern{c, b, a}, []storage.Instance{paris}, 2)
	require.NoError(t, err)
	assert.Equal(t, []storage.Pattern{b, c, a}, []storage.Pattern{ranked[0].Pattern, ranked[1].Pattern, ranked[2].Pattern})
}

func TestRanker_RankInstances(t *testing.T) {
	store := storage.NewMemoryEngine()
	require.NoError(t, store.InsertPattern("capital", storage.ScoredPattern{Pattern: capitalOf, Iteration: 1, Score: 0.5}))
	require.NoError(t, store.InsertPattern("capital", storage.ScoredPattern{Pattern: capitalC, Iteration: 1, Score: 0.25}))
	r := NewRanker(newScorer(t, store, capitals(t), paris))

	ranked, err := r.RankInstances([]storage.Instance{rome, tokyo, berlin}, []storage.Pattern{capitalOf, capitalC}, 1)
	require.NoError(t, err)
	require.Len(t, ranked, 3)
	assert.Equal(t, berlin, ranked[0].Instance)
	assert.Equal(t, tokyo, ranked[1].Instance)
	assert.Equal(t, rome, ranked[2].Instance)
	for i := 1; i < len(ranked); i++ {
		assert.GreaterOrEqual(t, ranked[i-1].Score, ranked[i].Score)
	}
}

func TestRanker_EmptyCandidates(t *testing.T) {
	r := NewRanker(newScorer(t, storage.NewMemoryEngine(), capitals(t), paris))

	ranked, err := r.RankPatterns(nil, nil, 1)
	require.NoError(t, err)
	assert.Empty(t, ranked)
}

func TestRanker_ErrorCarriesIteration(t *testing.T) {
	r := NewRanker(newScorer(t, storage.NewMemoryEngine(), capitals(t), paris))

	_, err := r.RankInstances([]storage.Instance{berlin}, nil, 7)
	require.ErrorIs(t, err, ErrEmptyPromotedSet)

	var se *ScoreError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, 7, se.Iteration)
	assert.Equal(t, "r_i", se.Op)
}

func TestTruncate(t *testing.T) {
	ranked := make([]storage.ScoredPattern, 15)
	for i := range ranked {
		ranked[i] = storage.ScoredPattern{Pattern: storage.Pattern(fmt.Sprintf("p%d", i)), Score: 1 - float64(i)/100}
	}

	top := Truncate(ranked, 10)
	require.Len(t, top, 10)
	assert.Equal(t, ranked[:10], top)

	assert.Len(t, Truncate(ranked[:3], 10), 3)
	assert.Empty(t, Truncate(ranked, 0))
	assert.Empty(t, Truncate([]storage.ScoredPattern(nil), 10))
}
