package espresso

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orneryd/espresso/pkg/pmi"
	"github.com/orneryd/espresso/pkg/storage"
)

const (
	capitalOf = storage.Pattern("X is the capital of Y")
	capitalC  = storage.Pattern("X, capital of Y")
)

var (
	paris  = storage.Instance{"paris", "france"}
	berlin = storage.Instance{"berlin", "germany"}
	rome   = storage.Instance{"rome", "italy"}
	tokyo  = storage.Instance{"tokyo", "japan"}
)

// capitals builds a small table with maxPMI 4.0.
func capitals(t *testing.T) *pmi.Table {
	t.Helper()
	table := pmi.NewTable(2)
	rows := []struct {
		inst storage.Instance
		p    storage.Pattern
		dpmi float64
	}{
		{paris, capitalOf, 2.0},
		{berlin, capitalOf, 3.0},
		{rome, capitalOf, 1.0},
		{paris, capitalC, 1.0},
		{tokyo, capitalC, 4.0},
	}
	for _, row := range rows {
		require.NoError(t, table.Add(row.inst, row.p, row.dpmi))
	}
	return table
}

// mapProvider answers from a fixed map; unknown pairs are 0.
type mapProvider struct {
	dpmi   map[string]float64
	max    float64
	err    error
	maxErr error
}

func (m *mapProvider) DPMI(inst storage.Instance, p storage.Pattern) (float64, error) {
	if m.err != nil {
		return 0, m.err
	}
	return m.dpmi[inst.Key()+"|"+string(p)], nil
}

func (m *mapProvider) MaxPMI() (float64, error) {
	return m.max, m.maxErr
}

// brokenStore fails every latest lookup.
type brokenStore struct {
	*storage.MemoryEngine
}

var errDisk = errors.New("disk on fire")

func (brokenStore) LatestInstance(string, storage.Instance) (*storage.ScoredInstance, error) {
	return nil, errDisk
}

func (brokenStore) LatestPattern(string, storage.Pattern) (*storage.ScoredPattern, error) {
	return nil, errDisk
}

func newScorer(t *testing.T, store storage.Engine, provider PMIProvider, seeds ...storage.Instance) *Scorer {
	t.Helper()
	maxPMI, err := provider.MaxPMI()
	require.NoError(t, err)
	s, err := NewScorer("capital", store, provider, maxPMI, seeds, nil, nil)
	require.NoError(t, err)
	return s
}

func TestScorer_SeedScoresOne(t *testing.T) {
	store := storage.NewMemoryEngine()
	// A persisted record for a seed must not override its fixed score.
	require.NoError(t, store.InsertInstance("capital", storage.ScoredInstance{Instance: paris, Iteration: 4, Score: 0.1}))
	s := newScorer(t, store, capitals(t), paris)

	got, err := s.PastInstanceScore(paris)
	require.NoError(t, err)
	assert.Equal(t, 1.0, got)
	assert.True(t, s.IsSeed(storage.Instance{"paris", "france"}))
	assert.False(t, s.IsSeed(storage.Instance{"france", "paris"}))
}

func TestScorer_MissingHistoryIsZero(t *testing.T) {
	s := newScorer(t, storage.NewMemoryEngine(), capitals(t), paris)

	ri, err := s.PastInstanceScore(berlin)
	require.NoError(t, err)
	assert.Zero(t, ri)

	rp, err := s.PastPatternScore(capitalOf)
	require.NoError(t, err)
	assert.Zero(t, rp)
}

func TestScorer_PastScoreUsesLatestIteration(t *testing.T) {
	store := storage.NewMemoryEngine()
	require.NoError(t, store.InsertPattern("capital", storage.ScoredPattern{Pattern: capitalOf, Iteration: 3, Score: 0.9}))
	require.NoError(t, store.InsertPattern("capital", storage.ScoredPattern{Pattern: capitalOf, Iteration: 1, Score: 0.2}))
	s := newScorer(t, store, capitals(t), paris)

	got, err := s.PastPatternScore(capitalOf)
	require.NoError(t, err)
	assert.Equal(t, 0.9, got)
}

func TestScorer_PatternReliability(t *testing.T) {
	s := newScorer(t, storage.NewMemoryEngine(), capitals(t), paris)

	// 2.0 * 1.0 / 4.0
	r, err := s.PatternReliability(capitalOf, []storage.Instance{paris})
	require.NoError(t, err)
	assert.InDelta(t, 0.5, r, 1e-12)

	// berlin has no history, so only paris contributes; averaged over 2.
	r, err = s.PatternReliability(capitalOf, []storage.Instance{paris, berlin})
	require.NoError(t, err)
	assert.InDelta(t, 0.25, r, 1e-12)
}

func TestScorer_InstanceReliability(t *testing.T) {
	store := storage.NewMemoryEngine()
	require.NoError(t, store.InsertPattern("capital", storage.ScoredPattern{Pattern: capitalOf, Iteration: 1, Score: 0.5}))
	require.NoError(t, store.InsertPattern("capital", storage.ScoredPattern{Pattern: capitalC, Iteration: 1, Score: 0.25}))
	s := newScorer(t, store, capitals(t), paris)

	tests := []struct {
		inst storage.Instance
		want float64
	}{
		{berlin, (3.0*0.5/4.0 + 0) / 2},
		{rome, (1.0*0.5/4.0 + 0) / 2},
		{tokyo, (0 + 4.0*0.25/4.0) / 2},
		{storage.Instance{"lima", "peru"}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.inst.String(), func(t *testing.T) {
			r, err := s.InstanceReliability(tt.inst, []storage.Pattern{capitalOf, capitalC})
			require.NoError(t, err)
			assert.InDelta(t, tt.want, r, 1e-12)
		})
	}
}

func TestScorer_ReliabilityIgnoresOrder(t *testing.T) {
	store := storage.NewMemoryEngine()
	require.NoError(t, store.InsertPattern("capital", storage.ScoredPattern{Pattern: capitalOf, Iteration: 1, Score: 0.5}))
	require.NoError(t, store.InsertPattern("capital", storage.ScoredPattern{Pattern: capitalC, Iteration: 1, Score: 0.25}))
	s := newScorer(t, store, capitals(t), paris)

	a, err := s.InstanceReliability(tokyo, []storage.Pattern{capitalOf, capitalC})
	require.NoError(t, err)
	b, err := s.InstanceReliability(tokyo, []storage.Pattern{capitalC, capitalOf})
	require.NoError(t, err)
	assert.InDelta(t, a, b, 1e-12)

	c, err := s.PatternReliability(capitalOf, []storage.Instance{paris, berlin, rome})
	require.NoError(t, err)
	d, err := s.PatternReliability(capitalOf, []storage.Instance{rome, paris, berlin})
	require.NoError(t, err)
	assert.InDelta(t, c, d, 1e-12)
}

func TestScorer_NegativeDPMI(t *testing.T) {
	provider := &mapProvider{
		dpmi: map[string]float64{paris.Key() + "|" + string(capitalOf): -2.0},
		max:  4.0,
	}
	s := newScorer(t, storage.NewMemoryEngine(), provider, paris)

	r, err := s.PatternReliability(capitalOf, []storage.Instance{paris})
	require.NoError(t, err)
	assert.InDelta(t, -0.5, r, 1e-12)
}

func TestScorer_EmptyPromotedSet(t *testing.T) {
	s := newScorer(t, storage.NewMemoryEngine(), capitals(t), paris)

	_, err := s.InstanceReliability(berlin, nil)
	assert.ErrorIs(t, err, ErrEmptyPromotedSet)
	assert.ErrorIs(t, err, ErrPrecondition)

	_, err = s.PatternReliability(capitalOf, []storage.Instance{})
	assert.ErrorIs(t, err, ErrEmptyPromotedSet)

	_, err = s.Confidence(berlin, nil)
	assert.ErrorIs(t, err, ErrEmptyPromotedSet)

	var se *ScoreError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "S", se.Op)
	assert.Equal(t, "capital", se.Relation)
	assert.Equal(t, berlin.String(), se.Key)
}

func TestScorer_Confidence(t *testing.T) {
	store := storage.NewMemoryEngine()
	require.NoError(t, store.InsertPattern("capital", storage.ScoredPattern{Pattern: capitalOf, Iteration: 1, Score: 0.5}))
	require.NoError(t, store.InsertPattern("capital", storage.ScoredPattern{Pattern: capitalC, Iteration: 1, Score: 0.25}))
	s := newScorer(t, store, capitals(t), paris)

	// (3.0*0.5 + 0*0.25) / 0.75
	got, err := s.Confidence(berlin, []storage.Pattern{capitalOf, capitalC})
	require.NoError(t, err)
	assert.InDelta(t, 2.0, got, 1e-12)

	// (2.0*0.5 + 1.0*0.25) / 0.75
	got, err = s.Confidence(paris, []storage.Pattern{capitalOf, capitalC})
	require.NoError(t, err)
	assert.InDelta(t, 1.25/0.75, got, 1e-12)
}

func TestScorer_ConfidenceZeroMass(t *testing.T) {
	s := newScorer(t, storage.NewMemoryEngine(), capitals(t), paris)

	_, err := s.Confidence(berlin, []storage.Pattern{capitalOf, capitalC})
	assert.ErrorIs(t, err, ErrZeroConfidenceMass)
	assert.ErrorIs(t, err, ErrPrecondition)
}

func TestScorer_StoreFailure(t *testing.T) {
	store := brokenStore{storage.NewMemoryEngine()}
	s := newScorer(t, store, capitals(t), paris)

	_, err := s.InstanceReliability(berlin, []storage.Pattern{capitalOf})
	assert.ErrorIs(t, err, ErrStoreUnavailable)
	assert.ErrorIs(t, err, errDisk)

	// Seeds never touch the store.
	r, err := s.PatternReliability(capitalOf, []storage.Instance{paris})
	require.NoError(t, err)
	assert.InDelta(t, 0.5, r, 1e-12)
}

func TestScorer_ProviderFailure(t *testing.T) {
	errOffline := errors.New("offline")
	provider := &mapProvider{max: 4.0, err: errOffline}
	s := newScorer(t, storage.NewMemoryEngine(), provider, paris)

	_, err := s.PatternReliability(capitalOf, []storage.Instance{paris})
	assert.ErrorIs(t, err, ErrProviderUnavailable)
	assert.ErrorIs(t, err, errOffline)
	assert.NotErrorIs(t, err, ErrPrecondition)
}

func TestNewScorer_NonPositiveMax(t *testing.T) {
	for _, v := range []float64{0, -1.5} {
		_, err := NewScorer("capital", storage.NewMemoryEngine(), &mapProvider{max: v}, v, nil, nil, nil)
		assert.ErrorIs(t, err, ErrNonPositiveMaxPMI)
	}
}

func TestScoreError_Message(t *testing.T) {
	err := &ScoreError{Op: "r_p", Relation: "capital", Key: "X of Y", Iteration: -1, Err: ErrEmptyPromotedSet}
	assert.Equal(t, "r_p capital[X of Y]: precondition violated: empty promoted set", err.Error())

	wrapped := atIteration(err, 3)
	assert.Equal(t, "r_p capital[X of Y] iteration 3: precondition violated: empty promoted set", wrapped.Error())
}
