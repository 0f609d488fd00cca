package job

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/chazu/hotload/pkg/cell"
)

func TestJobSettleFirstWins(t *testing.T) {
	j := New[string](context.Background(), 1)

	if !j.Settle("first") {
		t.Fatal("Settle() = false on a pending job")
	}
	if j.Settle("second") {
		t.Error("second Settle() = true, want false")
	}
	if got := j.Wait(); got != "first" {
		t.Errorf("Wait() = %q, want %q", got, "first")
	}
}

func TestJobWaitersShareResult(t *testing.T) {
	j := New[*int](context.Background(), 7)
	value := 99

	results := make([]*int, 16)
	var wg sync.WaitGroup
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = j.Wait()
		}(i)
	}

	j.Settle(&value)
	wg.Wait()

	for i, r := range results {
		if r != &value {
			t.Errorf("waiter %d got %p, want %p", i, r, &value)
		}
	}
}

func TestJobCancel(t *testing.T) {
	parent, stop := context.WithCancel(context.Background())
	defer stop()
	j := New[string](parent, 3)

	if !j.Cancel("cancelled") {
		t.Fatal("Cancel() = false on a pending job")
	}
	if !j.Owner().IsNull() {
		t.Error("owner cell not nulled by Cancel()")
	}
	if _, err := j.Owner().Get(); !errors.Is(err, cell.ErrNulled) {
		t.Errorf("Owner().Get() error = %v, want ErrNulled", err)
	}
	select {
	case <-j.Context().Done():
	default:
		t.Error("job context not cancelled")
	}
	if got := j.Wait(); got != "cancelled" {
		t.Errorf("Wait() = %q, want %q", got, "cancelled")
	}

	// A late completion loses to the cancellation.
	if j.Settle("late") {
		t.Error("Settle() after Cancel() = true")
	}
	if j.Cancel("again") {
		t.Error("second Cancel() = true")
	}
}

func TestJobContextDetachedFromParent(t *testing.T) {
	parent, stop := context.WithCancel(context.Background())
	j := New[int](parent, 1)
	stop()

	select {
	case <-j.Context().Done():
		t.Fatal("job context cancelled by parent")
	case <-time.After(10 * time.Millisecond):
	}
}

func TestJobResult(t *testing.T) {
	j := New[int](context.Background(), 1)

	if _, ok := j.Result(); ok {
		t.Error("Result() ok on a pending job")
	}
	j.Settle(5)
	if v, ok := j.Result(); !ok || v != 5 {
		t.Errorf("Result() = (%d, %v), want (5, true)", v, ok)
	}
}

func TestJobRequesters(t *testing.T) {
	j := New[int](context.Background(), 1)
	for _, id := range []int{9, 2, 9, 4} {
		j.AddRequester(id)
	}

	got := j.Requesters()
	want := []int{2, 4, 9}
	if len(got) != len(want) {
		t.Fatalf("Requesters() = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Requesters()[%d] = %d, want %d", i, got[i], want[i])
		}
	}
}
