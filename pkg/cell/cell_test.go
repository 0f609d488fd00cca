package cell

import (
	"errors"
	"sync"
	"testing"
)

func TestCellGet(t *testing.T) {
	c := New("owner")

	got, err := c.Get()
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got != "owner" {
		t.Errorf("Get() = %q, want %q", got, "owner")
	}
	if c.IsNull() {
		t.Error("IsNull() = true on a live cell")
	}
}

func TestCellNull(t *testing.T) {
	c := New(42)

	if !c.Null() {
		t.Fatal("first Null() = false, want true")
	}
	if c.Null() {
		t.Error("second Null() = true, want false")
	}
	if !c.IsNull() {
		t.Error("IsNull() = false after Null()")
	}

	got, err := c.Get()
	if !errors.Is(err, ErrNulled) {
		t.Errorf("Get() error = %v, want ErrNulled", err)
	}
	if got != 0 {
		t.Errorf("Get() = %d after Null(), want zero value", got)
	}
}

func TestCellConcurrentNull(t *testing.T) {
	c := New(struct{}{})

	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		winner int
	)
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if c.Null() {
				mu.Lock()
				winner++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if winner != 1 {
		t.Errorf("Null() succeeded %d times, want exactly 1", winner)
	}
}
