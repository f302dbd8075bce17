package series

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/foamflask/foamflask/pkg/types"
)

func ramp(n int) []types.Sample {
	out := make([]types.Sample, n)
	for i := range out {
		out[i] = types.Sample{X: float64(i), Y: float64(i * i)}
	}
	return out
}

func TestExtendFastPath(t *testing.T) {
	key := types.SeriesKey{Case: "cavity", Name: "p"}

	for _, tc := range []struct{ n, k int }{{1, 1}, {5, 3}, {100, 1}, {250, 250}} {
		c := NewCache()
		full := ramp(tc.n + tc.k)

		assert.False(t, c.Extend(key, full[:tc.n]))
		assert.True(t, c.Extend(key, full))

		assert.Equal(t, full, c.Get(key))
		st := c.Stats()
		assert.Equal(t, int64(1), st.FastExtends)
		assert.Equal(t, int64(1), st.Replacements)
	}
}

func TestExtendReplacesOnDivergence(t *testing.T) {
	c := NewCache()
	key := types.SeriesKey{Case: "cavity", Name: "U_mag"}
	c.Extend(key, ramp(10))

	rerun := []types.Sample{{X: 0, Y: 42}, {X: 1, Y: 43}}
	assert.False(t, c.Extend(key, rerun))
	assert.Equal(t, rerun, c.Get(key))
	assert.Equal(t, int64(2), c.Stats().Replacements)
}

func TestExtendReplacesOnMiddleDivergence(t *testing.T) {
	tests := []struct {
		name string
		next []types.Sample
	}{
		{"longer", []types.Sample{{X: 0, Y: 1}, {X: 1, Y: 99}, {X: 2, Y: 3}, {X: 3, Y: 4}}},
		{"same length", []types.Sample{{X: 0, Y: 1}, {X: 1, Y: 99}, {X: 2, Y: 3}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := NewCache()
			key := types.SeriesKey{Case: "cavity", Name: "p"}
			c.Extend(key, []types.Sample{{X: 0, Y: 1}, {X: 1, Y: 2}, {X: 2, Y: 3}})

			assert.False(t, c.Extend(key, tt.next))
			assert.Equal(t, tt.next, c.Get(key))
			st := c.Stats()
			assert.Equal(t, int64(0), st.FastExtends)
			assert.Equal(t, int64(2), st.Replacements)
		})
	}
}

func TestExtendUnchanged(t *testing.T) {
	c := NewCache()
	key := types.SeriesKey{Case: "cavity", Name: "k"}
	c.Extend(key, ramp(4))
	assert.True(t, c.Extend(key, ramp(4)))
	st := c.Stats()
	assert.Equal(t, int64(0), st.FastExtends)
	assert.Equal(t, int64(1), st.Replacements)
}

func TestSnapshotsAreStable(t *testing.T) {
	c := NewCache()
	key := types.SeriesKey{Case: "cavity", Name: "p"}
	c.Append(key, ramp(3)...)

	snap := c.Get(key)
	c.Append(key, types.Sample{X: 3, Y: 100})
	assert.Len(t, snap, 3)

	// appending to the snapshot must not leak into the cache
	_ = append(snap, types.Sample{X: 99, Y: 99})
	assert.Equal(t, types.Sample{X: 3, Y: 100}, c.Get(key)[3])

	c.Extend(key, []types.Sample{{X: 0, Y: -1}})
	assert.Equal(t, ramp(3), snap)
}

func TestLatest(t *testing.T) {
	c := NewCache()
	key := types.SeriesKey{Case: "cavity", Name: "Ux"}
	c.Append(key, ramp(10)...)

	assert.Equal(t, ramp(10)[7:], c.Latest(key, 3))
	assert.Equal(t, ramp(10), c.Latest(key, 100))
	assert.Empty(t, c.Latest(types.SeriesKey{Case: "none", Name: "p"}, 3))
}

func TestNamesAndResetCase(t *testing.T) {
	c := NewCache()
	c.Append(types.SeriesKey{Case: "a", Name: "p"}, types.Sample{})
	c.Append(types.SeriesKey{Case: "a", Name: "U"}, types.Sample{})
	c.Append(types.SeriesKey{Case: "b", Name: "k"}, types.Sample{})

	assert.Equal(t, []string{"U", "p"}, c.Names("a"))

	c.ResetCase("a")
	assert.Empty(t, c.Names("a"))
	assert.Equal(t, []string{"k"}, c.Names("b"))
	assert.Equal(t, 1, c.Stats().Keys)

	c.Delete(types.SeriesKey{Case: "b", Name: "k"})
	assert.Zero(t, c.Stats().Keys)
}

func TestConcurrentAppendAndRead(t *testing.T) {
	c := NewCache()
	key := types.SeriesKey{Case: "cavity", Name: "p"}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < 1000; i++ {
			c.Append(key, types.Sample{X: float64(i), Y: float64(i)})
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 1000; i++ {
			snap := c.Get(key)
			for j := 1; j < len(snap); j++ {
				if snap[j].X < snap[j-1].X {
					t.Errorf("out of order at %d", j)
					return
				}
			}
		}
	}()
	wg.Wait()
	assert.Equal(t, 1000, c.Len(key))
}

func TestDecimate(t *testing.T) {
	full := ramp(1000)

	got := Decimate(full, 10)
	require.Len(t, got, 10)
	assert.Equal(t, full[0], got[0])
	assert.Equal(t, full[999], got[9])
	for i := 1; i < len(got); i++ {
		assert.Greater(t, got[i].X, got[i-1].X)
	}
}

func TestDecimateBounds(t *testing.T) {
	full := ramp(5)
	assert.Equal(t, full, Decimate(full, 5))
	assert.Equal(t, full, Decimate(full, 100))
	assert.Equal(t, full, Decimate(full, 0))
	assert.Equal(t, []types.Sample{full[4]}, Decimate(full, 1))
	assert.Equal(t, []types.Sample{full[0], full[4]}, Decimate(full, 2))
	assert.Empty(t, Decimate(nil, 10))
}

func TestXsYs(t *testing.T) {
	s := []types.Sample{{X: 1, Y: 2}, {X: 3, Y: 4}}
	assert.Equal(t, []float64{1, 3}, Xs(s))
	assert.Equal(t, []float64{2, 4}, Ys(s))
}
