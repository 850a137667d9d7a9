package planner

import (
	"context"
	"errors"
	"strconv"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/openparcels/parcel-ingest/internal/parcel"
)

func TestPlanPacksFixedSizeUnits(t *testing.T) {
	t.Parallel()

	src := newFakeSource(95, nil)
	p := New(src, 20, zap.NewNop())

	units, total, err := p.Plan(context.Background(), Options{UnitSize: 30})
	require.NoError(t, err)
	require.Equal(t, 95, total)
	require.Len(t, units, 4)
	for i, u := range units[:3] {
		require.Equal(t, i, u.Index)
		require.Len(t, u.Items, 30)
	}
	require.Len(t, units[3].Items, 5)
	require.Equal(t, "100001", units[0].Items[0].ExternalID)
	require.Equal(t, "100095", units[3].Items[4].ExternalID)
	require.Equal(t, 5, src.queries, "4 full pages plus the short one")
}

func TestPlanIsDeterministic(t *testing.T) {
	t.Parallel()

	p := New(newFakeSource(61, nil), 7, nil)
	first, _, err := p.Plan(context.Background(), Options{UnitSize: 25})
	require.NoError(t, err)
	second, _, err := p.Plan(context.Background(), Options{UnitSize: 25})
	require.NoError(t, err)
	require.Equal(t, first, second)
}

func TestPlanFiltersAndBounds(t *testing.T) {
	t.Parallel()

	src := newFakeSource(40, func(i int) bool { return i%2 == 0 })
	p := New(src, 10, nil)

	units, total, err := p.Plan(context.Background(), Options{
		UnitSize:    5,
		StartAfter:  10,
		Ceiling:     30,
		RequireGPIN: true,
	})
	require.NoError(t, err)
	require.Equal(t, 10, total)
	require.Len(t, units, 2)
	for _, u := range units {
		for _, c := range u.Items {
			require.NotNil(t, c.GPIN)
			require.Greater(t, c.InternalRef, int64(10))
			require.LessOrEqual(t, c.InternalRef, int64(30))
		}
	}
}

func TestPlanEmptySource(t *testing.T) {
	t.Parallel()

	units, total, err := New(newFakeSource(0, nil), 10, nil).Plan(context.Background(), Options{})
	require.NoError(t, err)
	require.Zero(t, total)
	require.Empty(t, units)
}

func TestPlanRejectsBadOptions(t *testing.T) {
	t.Parallel()

	p := New(newFakeSource(1, nil), 10, nil)
	_, _, err := p.Plan(context.Background(), Options{UnitSize: MaxUnitSize + 1})
	require.Error(t, err)
	_, _, err = p.Plan(context.Background(), Options{StartAfter: 10, Ceiling: 5})
	require.Error(t, err)
}

func TestPlanDetectsStalledCursor(t *testing.T) {
	t.Parallel()

	p := New(stuckSource{}, 2, nil)
	_, _, err := p.Plan(context.Background(), Options{UnitSize: 5})
	require.ErrorIs(t, err, ErrStalledCursor)
}

func TestEachStopsOnCallbackError(t *testing.T) {
	t.Parallel()

	boom := errors.New("stop")
	calls := 0
	_, err := New(newFakeSource(50, nil), 10, nil).Each(context.Background(), Options{UnitSize: 10},
		func(parcel.WorkUnit) error {
			calls++
			return boom
		})
	require.ErrorIs(t, err, boom)
	require.Equal(t, 1, calls)
}

type fakeSource struct {
	rows    []parcel.Candidate
	queries int
}

func newFakeSource(n int, hasGPIN func(int) bool) *fakeSource {
	rows := make([]parcel.Candidate, 0, n)
	for i := 1; i <= n; i++ {
		c := parcel.Candidate{ExternalID: strconv.Itoa(100000 + i), InternalRef: int64(i)}
		if hasGPIN != nil && hasGPIN(i) {
			g := "G" + strconv.Itoa(i)
			c.GPIN = &g
		}
		rows = append(rows, c)
	}
	return &fakeSource{rows: rows}
}

func (f *fakeSource) ListCandidates(_ context.Context, q parcel.CandidateQuery) ([]parcel.Candidate, error) {
	f.queries++
	var out []parcel.Candidate
	for _, c := range f.rows {
		if c.InternalRef <= q.After {
			continue
		}
		if q.Ceiling > 0 && c.InternalRef > q.Ceiling {
			continue
		}
		if q.RequireGPIN && c.GPIN == nil {
			continue
		}
		out = append(out, c)
		if len(out) == q.Limit {
			break
		}
	}
	return out, nil
}

type stuckSource struct{}

func (stuckSource) ListCandidates(context.Context, parcel.CandidateQuery) ([]parcel.Candidate, error) {
	return []parcel.Candidate{{ExternalID: "1", InternalRef: 1}, {ExternalID: "1", InternalRef: 1}}, nil
}
