package history

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func record(i int) Record {
	return Record{ImageURL: fmt.Sprintf("/uploads/%d.png", i), ClassIdx: i % 3, Probabilities: []float64{1, 0, 0}}
}

func urls(rs []Record) []string {
	out := make([]string, len(rs))
	for i, r := range rs {
		out[i] = r.ImageURL
	}
	return out
}

func TestMemory_EmptyListIsNotNil(t *testing.T) {
	rs, err := NewMemory(0).List(context.Background())
	require.NoError(t, err)
	assert.NotNil(t, rs)
	assert.Empty(t, rs)
}

func TestMemory_UnboundedKeepsEverythingInOrder(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(0)
	for i := 0; i < 5; i++ {
		require.NoError(t, m.Append(ctx, record(i)))
	}
	// duplicates are kept
	require.NoError(t, m.Append(ctx, record(0)))

	rs, err := m.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"/uploads/0.png", "/uploads/1.png", "/uploads/2.png", "/uploads/3.png", "/uploads/4.png", "/uploads/0.png"}, urls(rs))
}

func TestMemory_RingDropsOldest(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(3)
	for i := 0; i < 7; i++ {
		require.NoError(t, m.Append(ctx, record(i)))
	}
	rs, err := m.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"/uploads/4.png", "/uploads/5.png", "/uploads/6.png"}, urls(rs))
	assert.Equal(t, 3, m.Len())
}

func TestMemory_ListReturnsCopy(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(0)
	require.NoError(t, m.Append(ctx, record(1)))
	rs, _ := m.List(ctx)
	rs[0].ImageURL = "changed"
	again, _ := m.List(ctx)
	assert.Equal(t, "/uploads/1.png", again[0].ImageURL)
}

func TestMemory_ConcurrentAppends(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(0)
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_ = m.Append(ctx, record(i))
			_, _ = m.List(ctx)
		}(i)
	}
	wg.Wait()
	rs, err := m.List(ctx)
	require.NoError(t, err)
	assert.Len(t, rs, 50)
}
