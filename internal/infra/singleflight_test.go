package infra

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestGroup_DeduplicatesConcurrentCalls(t *testing.T) {
	var g Group[string, int]
	var executions atomic.Int32
	release := make(chan struct{})

	var wg sync.WaitGroup
	results := make([]int, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			val, err, _ := g.Do("key", func() (int, error) {
				executions.Add(1)
				<-release
				return 7, nil
			})
			if err != nil {
				t.Errorf("unexpected error: %v", err)
			}
			results[i] = val
		}(i)
	}

	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	if n := executions.Load(); n != 1 {
		t.Fatalf("expected exactly one execution, got %d", n)
	}
	for i, v := range results {
		if v != 7 {
			t.Errorf("caller %d got %d, want 7", i, v)
		}
	}
	if stats := g.Stats(); stats.Misses != 1 || stats.Hits != 9 {
		t.Errorf("stats = %+v, want 1 miss / 9 hits", stats)
	}
}

func TestGroup_SequentialCallsExecuteSeparately(t *testing.T) {
	var g Group[string, int]
	var executions atomic.Int32

	for i := 0; i < 3; i++ {
		_, _, _ = g.Do("key", func() (int, error) {
			executions.Add(1)
			return 0, nil
		})
	}
	if n := executions.Load(); n != 3 {
		t.Errorf("expected 3 executions, got %d", n)
	}
}

func TestGroup_DistinctKeysRunIndependently(t *testing.T) {
	var g Group[string, string]
	a, _, _ := g.Do("a", func() (string, error) { return "a", nil })
	b, _, _ := g.Do("b", func() (string, error) { return "b", nil })
	if a != "a" || b != "b" {
		t.Errorf("got (%q, %q)", a, b)
	}
}
