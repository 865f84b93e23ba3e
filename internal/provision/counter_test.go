package provision

import (
	"sync"
	"testing"
)

func TestCounter_Sequential(t *testing.T) {
	c := NewCounter(3)
	for want := 3; want <= 7; want++ {
		if got := c.Next(); got != want {
			t.Fatalf("Next() = %d, want %d", got, want)
		}
	}
	if got := c.Peek(); got != 8 {
		t.Errorf("Peek() = %d, want 8", got)
	}
}

func TestCounter_ClampsToOne(t *testing.T) {
	for _, start := range []int{0, -5} {
		c := NewCounter(start)
		if got := c.Next(); got != 1 {
			t.Errorf("NewCounter(%d).Next() = %d, want 1", start, got)
		}
	}
}

func TestCounter_PeekDoesNotAdvance(t *testing.T) {
	c := NewCounter(1)
	if got := c.Peek(); got != 1 {
		t.Fatalf("Peek() = %d, want 1", got)
	}
	if got := c.Next(); got != 1 {
		t.Errorf("Next() after Peek() = %d, want 1", got)
	}
}

func TestCounter_ConcurrentUniqueness(t *testing.T) {
	const goroutines = 100

	c := NewCounter(1)
	results := make([]int, goroutines)
	var wg sync.WaitGroup
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = c.Next()
		}(i)
	}
	wg.Wait()

	seen := make(map[int]bool, goroutines)
	for _, n := range results {
		if n < 1 || n > goroutines {
			t.Errorf("value %d outside expected range [1,%d]", n, goroutines)
		}
		if seen[n] {
			t.Errorf("duplicate value %d", n)
		}
		seen[n] = true
	}
}
