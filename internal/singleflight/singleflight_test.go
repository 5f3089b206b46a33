package singleflight

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestNew(t *testing.T) {
	g := New()
	if g == nil {
		t.Fatal("New() returned nil")
	}
	if g.m == nil {
		t.Error("New() did not initialize map")
	}
}

func TestDo(t *testing.T) {
	var g Group

	val, err, shared := g.Do(context.Background(), "key1", func(context.Context) (any, error) {
		return "hello", nil
	})
	if err != nil {
		t.Errorf("Do() returned error: %v", err)
	}
	if val != "hello" {
		t.Errorf("Do() returned %v, want hello", val)
	}
	if shared {
		t.Error("first caller should not be marked shared")
	}
	if g.InFlight("key1") {
		t.Error("key should be forgotten after completion")
	}
}

func TestDoError(t *testing.T) {
	g := New()
	expectedErr := errors.New("test error")

	val, err, _ := g.Do(context.Background(), "key1", func(context.Context) (any, error) {
		return nil, expectedErr
	})
	if err != expectedErr {
		t.Errorf("Do() returned error %v, want %v", err, expectedErr)
	}
	if val != nil {
		t.Errorf("Do() returned %v, want nil", val)
	}
}

func TestDoDuplicateCallsRunOnce(t *testing.T) {
	g := New()
	var calls atomic.Int32
	release := make(chan struct{})

	fn := func(context.Context) (any, error) {
		calls.Add(1)
		<-release
		return "result", nil
	}

	const numCalls = 10
	var wg sync.WaitGroup
	results := make([]any, numCalls)
	errs := make([]error, numCalls)
	for i := 0; i < numCalls; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i], _ = g.Do(context.Background(), "same-key", fn)
		}(i)
	}

	waitFor(t, func() bool { return g.Waiters("same-key") == numCalls })
	close(release)
	wg.Wait()

	if n := calls.Load(); n != 1 {
		t.Errorf("Function called %d times, want 1", n)
	}
	for i := range results {
		if errs[i] != nil {
			t.Errorf("Call %d returned error: %v", i, errs[i])
		}
		if results[i] != "result" {
			t.Errorf("Call %d returned %v, want result", i, results[i])
		}
	}
}

func TestDoWaiterCancellationDoesNotAffectOthers(t *testing.T) {
	g := New()
	release := make(chan struct{})
	fn := func(context.Context) (any, error) {
		<-release
		return 42, nil
	}

	leaderDone := make(chan any, 1)
	go func() {
		v, _, _ := g.Do(context.Background(), "k", fn)
		leaderDone <- v
	}()
	waitFor(t, func() bool { return g.InFlight("k") })

	ctx, cancel := context.WithCancel(context.Background())
	abandoned := make(chan error, 1)
	go func() {
		_, err, shared := g.Do(ctx, "k", fn)
		if !shared {
			t.Error("second caller should join the running call")
		}
		abandoned <- err
	}()
	waitFor(t, func() bool { return g.Waiters("k") == 2 })

	cancel()
	if err := <-abandoned; !errors.Is(err, context.Canceled) {
		t.Fatalf("abandoned waiter error = %v, want context.Canceled", err)
	}

	close(release)
	if v := <-leaderDone; v != 42 {
		t.Errorf("leader got %v, want 42", v)
	}
}

func TestDoStarterCancellationDoesNotCancelCall(t *testing.T) {
	g := New()
	ctx, cancel := context.WithCancel(context.Background())
	observed := make(chan error, 1)
	release := make(chan struct{})

	go func() {
		_, _, _ = g.Do(ctx, "k", func(fctx context.Context) (any, error) {
			<-release
			observed <- fctx.Err()
			return "done", nil
		})
	}()
	waitFor(t, func() bool { return g.InFlight("k") })

	var wg sync.WaitGroup
	wg.Add(1)
	var got any
	go func() {
		defer wg.Done()
		got, _, _ = g.Do(context.Background(), "k", nil)
	}()
	waitFor(t, func() bool { return g.Waiters("k") == 2 })

	cancel()
	close(release)
	wg.Wait()

	if err := <-observed; err != nil {
		t.Errorf("shared call saw context error %v", err)
	}
	if got != "done" {
		t.Errorf("waiter got %v, want done", got)
	}
}

func TestDoReleasesWaitersInArrivalOrder(t *testing.T) {
	g := New()
	release := make(chan struct{})
	fn := func(context.Context) (any, error) {
		<-release
		return "token", nil
	}

	var (
		mu    sync.Mutex
		order []int
	)
	g.onRelease = func(_ string, arrival int) {
		mu.Lock()
		order = append(order, arrival)
		mu.Unlock()
	}

	const numCalls = 8
	const abandoned = 3
	abandonCtx, cancel := context.WithCancel(context.Background())
	gone := make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < numCalls; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if i == abandoned {
				defer close(gone)
				_, _, _ = g.Do(abandonCtx, "k", fn)
				return
			}
			_, _, _ = g.Do(context.Background(), "k", fn)
		}(i)
		// queue callers one by one so arrival order is known
		waitFor(t, func() bool { return g.Waiters("k") == i+1 })
	}

	cancel()
	<-gone
	close(release)
	wg.Wait()

	want := []int{0, 1, 2, 4, 5, 6, 7}
	if len(order) != len(want) {
		t.Fatalf("release order = %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("release order = %v, want %v", order, want)
		}
	}
}

func TestDoPanicIsReported(t *testing.T) {
	g := New()
	_, err, _ := g.Do(context.Background(), "k", func(context.Context) (any, error) {
		panic("boom")
	})
	if !errors.Is(err, ErrPanicked) {
		t.Fatalf("Do() error = %v, want ErrPanicked", err)
	}
	if g.InFlight("k") {
		t.Error("panicked call should be forgotten")
	}
}

func TestDoSequentialCallsRunAgain(t *testing.T) {
	g := New()
	var calls int
	fn := func(context.Context) (any, error) {
		calls++
		return calls, nil
	}

	first, _, _ := g.Do(context.Background(), "k", fn)
	second, _, _ := g.Do(context.Background(), "k", fn)
	if first != 1 || second != 2 {
		t.Errorf("sequential calls returned %v and %v, want 1 and 2", first, second)
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not reached in time")
		}
		time.Sleep(time.Millisecond)
	}
}

func BenchmarkDo(b *testing.B) {
	g := New()
	ctx := context.Background()
	for i := 0; i < b.N; i++ {
		_, _, _ = g.Do(ctx, "bench-key", func(context.Context) (any, error) {
			return "result", nil
		})
	}
}
