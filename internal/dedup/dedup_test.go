package dedup

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestGroup_CoalescesConcurrentCalls(t *testing.T) {
	g := New[string](nil)
	release := make(chan struct{})
	var calls atomic.Int32

	fetch := func(ctx context.Context) (string, error) {
		calls.Add(1)
		<-release
		return "reading", nil
	}

	const n = 10
	var wg sync.WaitGroup
	results := make([]string, n)
	errs := make([]error, n)

	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = g.Get(context.Background(), "Delhi", fetch)
		}(i)
	}

	// Let every caller join the pending call before it settles.
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	if got := calls.Load(); got != 1 {
		t.Errorf("fetch calls = %d, want 1", got)
	}
	for i := 0; i < n; i++ {
		if errs[i] != nil {
			t.Errorf("caller %d: error %v", i, errs[i])
		}
		if results[i] != "reading" {
			t.Errorf("caller %d: result %q, want reading", i, results[i])
		}
	}
}

func TestGroup_PurgedAfterSettlement(t *testing.T) {
	g := New[int](nil)
	var calls atomic.Int32
	fetch := func(ctx context.Context) (int, error) {
		return int(calls.Add(1)), nil
	}

	first, _ := g.Get(context.Background(), "k", fetch)
	second, _ := g.Get(context.Background(), "k", fetch)

	if first != 1 || second != 2 {
		t.Errorf("results = %d, %d; want 1, 2", first, second)
	}
}

func TestGroup_PurgedAfterFailure(t *testing.T) {
	g := New[int](nil)
	var calls atomic.Int32
	boom := errors.New("boom")

	_, err := g.Get(context.Background(), "k", func(ctx context.Context) (int, error) {
		calls.Add(1)
		return 0, boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want boom", err)
	}

	v, err := g.Get(context.Background(), "k", func(ctx context.Context) (int, error) {
		calls.Add(1)
		return 7, nil
	})
	if err != nil || v != 7 {
		t.Errorf("second Get = %d, %v; want 7, nil", v, err)
	}
	if got := calls.Load(); got != 2 {
		t.Errorf("calls = %d, want 2", got)
	}
}

func TestGroup_DistinctKeysDoNotShare(t *testing.T) {
	g := New[string](nil)
	var calls atomic.Int32
	release := make(chan struct{})

	fetch := func(ctx context.Context) (string, error) {
		calls.Add(1)
		<-release
		return "x", nil
	}

	var wg sync.WaitGroup
	for _, key := range []string{"Delhi", "Mumbai", "Pune"} {
		wg.Add(1)
		go func(key string) {
			defer wg.Done()
			g.Get(context.Background(), key, fetch)
		}(key)
	}

	time.Sleep(30 * time.Millisecond)
	close(release)
	wg.Wait()

	if got := calls.Load(); got != 3 {
		t.Errorf("calls = %d, want 3", got)
	}
}

func TestGroup_CallerCancelDoesNotFailOthers(t *testing.T) {
	g := New[string](nil)
	release := make(chan struct{})

	fetch := func(ctx context.Context) (string, error) {
		select {
		case <-release:
			return "ok", nil
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	firstErr := make(chan error, 1)
	go func() {
		_, err := g.Get(ctx, "k", fetch)
		firstErr <- err
	}()

	time.Sleep(20 * time.Millisecond)
	secondRes := make(chan string, 1)
	go func() {
		v, _ := g.Get(context.Background(), "k", fetch)
		secondRes <- v
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()
	if err := <-firstErr; !errors.Is(err, context.Canceled) {
		t.Errorf("first caller err = %v, want context.Canceled", err)
	}

	close(release)
	select {
	case v := <-secondRes:
		if v != "ok" {
			t.Errorf("second caller result = %q, want ok", v)
		}
	case <-time.After(time.Second):
		t.Fatal("second caller never returned")
	}
}

func TestGroup_LastCallerLeavingCancelsFetch(t *testing.T) {
	g := New[string](nil)
	var calls atomic.Int32
	fetchCancelled := make(chan struct{})

	stuck := func(ctx context.Context) (string, error) {
		calls.Add(1)
		<-ctx.Done()
		close(fetchCancelled)
		return "", ctx.Err()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := g.Get(ctx, "Delhi", stuck); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want context.DeadlineExceeded", err)
	}

	select {
	case <-fetchCancelled:
	case <-time.After(time.Second):
		t.Fatal("shared fetch kept running after its only caller left")
	}

	v, err := g.Get(context.Background(), "Delhi", func(ctx context.Context) (string, error) {
		calls.Add(1)
		return "fresh", nil
	})
	if err != nil || v != "fresh" {
		t.Errorf("later Get = %q, %v; want fresh, nil", v, err)
	}
	if got := calls.Load(); got != 2 {
		t.Errorf("calls = %d, want 2", got)
	}
}

func TestGroup_FetchLivesWhileAnyCallerWaits(t *testing.T) {
	g := New[string](nil)
	release := make(chan struct{})
	var fetchErr atomic.Value

	fetch := func(ctx context.Context) (string, error) {
		select {
		case <-release:
		case <-ctx.Done():
			fetchErr.Store(ctx.Err())
			return "", ctx.Err()
		}
		return "ok", nil
	}

	first, cancelFirst := context.WithCancel(context.Background())
	go g.Get(first, "k", fetch)
	time.Sleep(20 * time.Millisecond)

	secondRes := make(chan string, 1)
	go func() {
		v, _ := g.Get(context.Background(), "k", fetch)
		secondRes <- v
	}()
	time.Sleep(20 * time.Millisecond)

	cancelFirst()
	time.Sleep(20 * time.Millisecond)
	if err := fetchErr.Load(); err != nil {
		t.Fatalf("shared fetch cancelled with a caller still waiting: %v", err)
	}

	close(release)
	select {
	case v := <-secondRes:
		if v != "ok" {
			t.Errorf("second caller result = %q, want ok", v)
		}
	case <-time.After(time.Second):
		t.Fatal("second caller never returned")
	}
}
