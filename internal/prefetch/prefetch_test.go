package prefetch

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func record(dst *[][]int64) AdviseFunc {
	return func(pages []int64) {
		*dst = append(*dst, append([]int64(nil), pages...))
	}
}

func TestPrefetcherGrowsWindow(t *testing.T) {
	t.Parallel()

	var got [][]int64
	var p Prefetcher
	pages := []int64{10, 11, 12, 13, 14, 15, 16, 17, 18, 19}

	for i := 0; i < 8; i++ {
		p.Trigger(pages[i:], Forward, record(&got))
	}
	require.Len(t, got, 8)
	assert.Equal(t, []int64{10, 11}, got[0])
	assert.Equal(t, []int64{11, 12, 13}, got[1])
	assert.Equal(t, maxDistance, p.Distance())
	assert.Len(t, got[7], 3, "window is clipped to the remaining candidates")
}

func TestPrefetcherDirectionChange(t *testing.T) {
	t.Parallel()

	var got [][]int64
	var p Prefetcher
	p.Trigger([]int64{5, 6, 7, 8}, Forward, record(&got))
	p.Trigger([]int64{6, 7, 8}, Forward, record(&got))
	assert.Equal(t, 3, p.Distance())

	p.Trigger([]int64{4, 3, 2, 1}, Backward, record(&got))
	assert.Equal(t, minDistance, p.Distance())
	assert.Equal(t, []int64{4, 3}, got[len(got)-1])
}

func TestPrefetcherSkipsRepeatsAndEmpty(t *testing.T) {
	t.Parallel()

	var got [][]int64
	var p Prefetcher
	p.Trigger(nil, Forward, record(&got))
	p.Trigger([]int64{3}, None, record(&got))
	assert.Empty(t, got)

	p.Trigger([]int64{3, 4}, Forward, record(&got))
	p.Trigger([]int64{3, 4}, Forward, record(&got))
	assert.Len(t, got, 1)

	p.Reset()
	assert.Equal(t, minDistance, p.Distance())
	p.Trigger([]int64{3, 4}, Forward, record(&got))
	assert.Len(t, got, 2)
}
