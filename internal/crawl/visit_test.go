package crawl

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestVisitSetClaimOnce(t *testing.T) {
	t.Parallel()

	s := NewVisitSet()
	require.True(t, s.Claim("https://example.com/a"))
	require.False(t, s.Claim("https://example.com/a"))
	require.True(t, s.Claim("https://example.com/b"))
	require.Equal(t, 2, s.Len())
}

func TestVisitSetRejectsEmpty(t *testing.T) {
	t.Parallel()

	s := NewVisitSet()
	require.False(t, s.Claim(""))
	require.Equal(t, 0, s.Len())
}

func TestVisitSetConcurrentClaimsSingleWinner(t *testing.T) {
	t.Parallel()

	s := NewVisitSet()
	const goroutines = 32
	const urls = 100

	var wins atomic.Int64
	var wg sync.WaitGroup
	for g := 0; g < goroutines; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < urls; i++ {
				if s.Claim(fmt.Sprintf("https://example.com/page/%d", i)) {
					wins.Add(1)
				}
			}
		}()
	}
	wg.Wait()

	require.Equal(t, int64(urls), wins.Load())
	require.Equal(t, urls, s.Len())
}

func TestBudgetEnforcesLimit(t *testing.T) {
	t.Parallel()

	b := NewBudget(3)
	require.True(t, b.TryClaim())
	require.True(t, b.TryClaim())
	require.True(t, b.TryClaim())
	require.False(t, b.TryClaim())
	require.Equal(t, int64(3), b.Claimed())
	require.Equal(t, int64(3), b.Limit())
}

func TestBudgetZeroAdmitsNothing(t *testing.T) {
	t.Parallel()

	require.False(t, NewBudget(0).TryClaim())
}

func TestBudgetConcurrentClaims(t *testing.T) {
	t.Parallel()

	const limit = 50
	b := NewBudget(limit)

	var wins atomic.Int64
	var wg sync.WaitGroup
	for g := 0; g < 16; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < limit; i++ {
				if b.TryClaim() {
					wins.Add(1)
				}
			}
		}()
	}
	wg.Wait()

	require.Equal(t, int64(limit), wins.Load())
}
