package poller

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rickgao/airsense-sync/internal/fault"
	"github.com/rickgao/airsense-sync/internal/model"
)

func staticFetch(calls *atomic.Int32) FetchFunc {
	return func(ctx context.Context, target string) (json.RawMessage, error) {
		calls.Add(1)
		return json.RawMessage(`{"pm25":12}`), nil
	}
}

func TestPoller_Poll(t *testing.T) {
	var calls atomic.Int32
	var got []model.Update

	p := New(Config{Interval: time.Hour, Timeout: time.Second}, staticFetch(&calls), func(u model.Update) {
		got = append(got, u)
	}, nil)
	defer p.Close()
	p.SetTarget("Delhi")

	before := time.Now()
	if err := p.Poll(context.Background()); err != nil {
		t.Fatalf("Poll failed: %v", err)
	}

	if calls.Load() != 1 {
		t.Errorf("fetch calls = %d, want 1", calls.Load())
	}
	if len(got) != 1 {
		t.Fatalf("updates = %d, want 1", len(got))
	}
	u := got[0]
	if u.Method != model.MethodPolling || u.Target != "Delhi" || u.Type != model.TypePollResult {
		t.Errorf("unexpected update: %+v", u)
	}
	if string(u.Payload) != `{"pm25":12}` {
		t.Errorf("Payload = %s", u.Payload)
	}

	status := p.Status()
	if status.Enabled {
		t.Error("manual Poll should not enable the schedule")
	}
	if status.PollCount != 1 {
		t.Errorf("PollCount = %d, want 1", status.PollCount)
	}
	if status.LastPollTime.Before(before) {
		t.Errorf("LastPollTime = %v, want >= %v", status.LastPollTime, before)
	}
}

func TestPoller_NoTarget(t *testing.T) {
	var calls atomic.Int32
	p := New(DefaultConfig(), staticFetch(&calls), nil, nil)
	defer p.Close()

	if err := p.Poll(context.Background()); !errors.Is(err, ErrNoTarget) {
		t.Errorf("Poll() error = %v, want ErrNoTarget", err)
	}
	if calls.Load() != 0 {
		t.Error("fetch should not be called without a target")
	}
	if !p.Status().LastPollTime.IsZero() {
		t.Error("LastPollTime should stay zero")
	}
}

func TestPoller_ScheduleCadence(t *testing.T) {
	var calls atomic.Int32
	p := New(Config{Interval: 40 * time.Millisecond}, staticFetch(&calls), nil, nil)
	defer p.Close()
	p.SetTarget("Delhi")

	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	// Immediate fetch plus one per elapsed interval.
	time.Sleep(5*40*time.Millisecond + 20*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := p.Stop(ctx); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}

	got := calls.Load()
	if got < 5 || got > 7 {
		t.Errorf("fetch calls = %d, want about 6", got)
	}
	if p.Status().PollCount != int64(got) {
		t.Errorf("PollCount = %d, want %d", p.Status().PollCount, got)
	}
}

func TestPoller_FailureDoesNotStopSchedule(t *testing.T) {
	var calls atomic.Int32
	var delivered atomic.Int32
	fetch := func(ctx context.Context, target string) (json.RawMessage, error) {
		if calls.Add(1) == 1 {
			return nil, fault.FromStatus(503, errors.New("unavailable"))
		}
		return json.RawMessage(`{}`), nil
	}

	p := New(Config{Interval: 20 * time.Millisecond}, fetch, func(model.Update) {
		delivered.Add(1)
	}, nil)
	defer p.Close()
	p.SetTarget("Delhi")

	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for delivered.Load() < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if delivered.Load() < 2 {
		t.Fatalf("delivered = %d after a failure, want >= 2", delivered.Load())
	}
	if p.Status().LastError != nil {
		t.Errorf("LastError = %v, want nil after a success", p.Status().LastError)
	}
}

func TestPoller_FailureRecorded(t *testing.T) {
	fetch := func(ctx context.Context, target string) (json.RawMessage, error) {
		return nil, fault.FromStatus(404, errors.New("no such location"))
	}

	p := New(Config{Interval: time.Hour}, fetch, nil, nil)
	defer p.Close()
	p.SetTarget("Atlantis")

	if err := p.Poll(context.Background()); err == nil {
		t.Fatal("expected error")
	}

	status := p.Status()
	if status.PollCount != 1 {
		t.Errorf("PollCount = %d, want 1 (failures count)", status.PollCount)
	}
	fe := fault.Classify(status.LastError)
	if fe == nil || fe.Kind != fault.KindNotFound {
		t.Errorf("LastError = %v, want not_found", status.LastError)
	}
}

func TestPoller_NoCallbackAfterClose(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{}, 1)
	fetch := func(ctx context.Context, target string) (json.RawMessage, error) {
		started <- struct{}{}
		<-release // ignores ctx, completes after Close
		return json.RawMessage(`{}`), nil
	}

	var delivered atomic.Int32
	p := New(Config{Interval: time.Hour}, fetch, func(model.Update) {
		delivered.Add(1)
	}, nil)
	p.SetTarget("Delhi")

	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	<-started

	closed := make(chan struct{})
	go func() {
		p.Close()
		close(closed)
	}()

	time.Sleep(20 * time.Millisecond)
	close(release)

	select {
	case <-closed:
	case <-time.After(time.Second):
		t.Fatal("Close did not return")
	}

	if delivered.Load() != 0 {
		t.Errorf("delivered %d updates after Close", delivered.Load())
	}
	if err := p.Start(context.Background()); !errors.Is(err, ErrClosed) {
		t.Errorf("Start after Close = %v, want ErrClosed", err)
	}
	if err := p.Poll(context.Background()); !errors.Is(err, ErrClosed) {
		t.Errorf("Poll after Close = %v, want ErrClosed", err)
	}
}

func TestPoller_StopCancelsInFlight(t *testing.T) {
	started := make(chan struct{}, 1)
	fetch := func(ctx context.Context, target string) (json.RawMessage, error) {
		started <- struct{}{}
		<-ctx.Done()
		return nil, ctx.Err()
	}

	p := New(Config{Interval: time.Hour}, fetch, nil, nil)
	defer p.Close()
	p.SetTarget("Delhi")

	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := p.Stop(ctx); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}

	status := p.Status()
	if status.Enabled {
		t.Error("Enabled should be false after Stop")
	}
	if status.PollCount != 0 {
		t.Errorf("PollCount = %d, cancelled fetch should not count", status.PollCount)
	}
}

func TestPoller_FetchTimeout(t *testing.T) {
	fetch := func(ctx context.Context, target string) (json.RawMessage, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}

	p := New(Config{Interval: time.Hour, Timeout: 20 * time.Millisecond}, fetch, nil, nil)
	defer p.Close()
	p.SetTarget("Delhi")

	err := p.Poll(context.Background())
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Poll() error = %v, want deadline exceeded", err)
	}
	if fe := fault.Classify(p.Status().LastError); fe == nil || fe.Kind != fault.KindTimeout {
		t.Errorf("LastError = %v, want timeout", p.Status().LastError)
	}
}

func TestPoller_Trigger(t *testing.T) {
	var calls atomic.Int32
	p := New(Config{Interval: time.Hour}, staticFetch(&calls), nil, nil)
	defer p.Close()
	p.SetTarget("Delhi")

	if p.Trigger() {
		t.Error("Trigger should report false while stopped")
	}

	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	deadline := time.Now().Add(time.Second)
	for calls.Load() < 1 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	if !p.Trigger() {
		t.Fatal("Trigger should report true while running")
	}
	for calls.Load() < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if calls.Load() != 2 {
		t.Errorf("fetch calls = %d, want 2", calls.Load())
	}
}

func TestPoller_RestartAfterContextCancel(t *testing.T) {
	var calls atomic.Int32
	p := New(Config{Interval: time.Hour}, staticFetch(&calls), nil, nil)
	defer p.Close()
	p.SetTarget("Delhi")

	ctx, cancel := context.WithCancel(context.Background())
	if err := p.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	deadline := time.Now().Add(time.Second)
	for calls.Load() < 1 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	cancel()

	for p.Status().Enabled && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if p.Status().Enabled {
		t.Fatal("polling should be disabled once the start context is cancelled")
	}
	if p.Trigger() {
		t.Error("Trigger should report false after the start context is cancelled")
	}

	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("second Start failed: %v", err)
	}
	if !p.Status().Enabled {
		t.Error("second Start should enable polling")
	}

	deadline = time.Now().Add(time.Second)
	for calls.Load() < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if calls.Load() != 2 {
		t.Errorf("fetch calls = %d, want 2", calls.Load())
	}
}
