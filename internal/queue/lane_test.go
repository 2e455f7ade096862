package queue

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func noop(context.Context) error { return nil }

// hold occupies channelID with a turn that blocks until release is called.
func hold(t *testing.T, q *LaneQueue, channelID string) (release func()) {
	t.Helper()
	gate := make(chan struct{})
	started := make(chan struct{})
	go func() {
		_ = q.Do(context.Background(), channelID, func(context.Context) error {
			close(started)
			<-gate
			return nil
		})
	}()
	select {
	case <-started:
	case <-time.After(time.Second):
		t.Fatal("holding turn never started")
	}
	var once sync.Once
	return func() { once.Do(func() { close(gate) }) }
}

// waitPending polls until channelID has n queued items.
func waitPending(t *testing.T, q *LaneQueue, channelID string, n int) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for q.Pending(channelID) != n {
		if time.Now().After(deadline) {
			t.Fatalf("pending = %d, want %d", q.Pending(channelID), n)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

// =============================================================================
// Do
// =============================================================================

func TestDo_ShouldReturnWorkResult(t *testing.T) {
	failed := errors.New("turn failed")
	tests := []struct {
		name    string
		work    Work
		wantErr string
	}{
		{"success", noop, ""},
		{"error", func(context.Context) error { return failed }, "turn failed"},
		{"panic", func(context.Context) error { panic("boom") }, "queue: panic: boom"},
	}
	q := NewLaneQueue()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := q.Do(context.Background(), "telegram-1", tt.work)
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("Do: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("want error %q, got %v", tt.wantErr, err)
			}
		})
	}
	// A panicking turn must not take the lane down.
	if err := q.Do(context.Background(), "telegram-1", noop); err != nil {
		t.Errorf("lane unusable after panic: %v", err)
	}
}

func TestDo_WhenLaneIDEmpty_ShouldRejectWithoutRunning(t *testing.T) {
	q := NewLaneQueue()
	ran := false
	err := q.Do(context.Background(), "", func(context.Context) error {
		ran = true
		return nil
	})
	if !errors.Is(err, ErrEmptyLaneID) {
		t.Errorf("want ErrEmptyLaneID, got %v", err)
	}
	if ran {
		t.Error("work ran for an empty lane ID")
	}
	if q.LaneCount() != 0 {
		t.Errorf("expected no lanes, got %d", q.LaneCount())
	}
}

func TestDo_WhenSameLane_ShouldRunOneAtATimeInOrder(t *testing.T) {
	q := NewLaneQueue()
	release := hold(t, q, "gateway-general")

	const n = 8
	var (
		running int32
		overlap atomic.Bool
		mu      sync.Mutex
		order   []int
		wg      sync.WaitGroup
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = q.Do(context.Background(), "gateway-general", func(context.Context) error {
				if atomic.AddInt32(&running, 1) > 1 {
					overlap.Store(true)
				}
				defer atomic.AddInt32(&running, -1)
				mu.Lock()
				order = append(order, i)
				mu.Unlock()
				return nil
			})
		}()
		// Wait for each submission to land so arrival order is fixed.
		waitPending(t, q, "gateway-general", i+1)
	}
	release()
	wg.Wait()

	if overlap.Load() {
		t.Error("two turns ran concurrently on one lane")
	}
	if fmt.Sprint(order) != "[0 1 2 3 4 5 6 7]" {
		t.Errorf("order = %v", order)
	}
}

func TestDo_WhenDifferentLanes_ShouldRunConcurrently(t *testing.T) {
	q := NewLaneQueue()
	const lanes = 4
	var arrived sync.WaitGroup
	arrived.Add(lanes)
	allIn := make(chan struct{})
	go func() {
		arrived.Wait()
		close(allIn)
	}()

	errs := make(chan error, lanes)
	for i := 0; i < lanes; i++ {
		go func() {
			errs <- q.Do(context.Background(), fmt.Sprintf("telegram-%d", i), func(context.Context) error {
				arrived.Done()
				select {
				case <-allIn:
					return nil
				case <-time.After(time.Second):
					return errors.New("lanes did not overlap")
				}
			})
		}()
	}
	for i := 0; i < lanes; i++ {
		if err := <-errs; err != nil {
			t.Error(err)
		}
	}
	if q.LaneCount() != lanes {
		t.Errorf("expected %d lanes, got %d", lanes, q.LaneCount())
	}
}

func TestDo_WhenCanceledWhileQueued_ShouldReturnAndSkipWork(t *testing.T) {
	q := NewLaneQueue()
	release := hold(t, q, "lane-1")
	defer release()

	ctx, cancel := context.WithCancel(context.Background())
	var ran atomic.Bool
	errCh := make(chan error, 1)
	go func() {
		errCh <- q.Do(ctx, "lane-1", func(context.Context) error {
			ran.Store(true)
			return nil
		})
	}()
	waitPending(t, q, "lane-1", 1)
	cancel()

	if err := <-errCh; !errors.Is(err, context.Canceled) {
		t.Errorf("want context.Canceled, got %v", err)
	}
	release()
	// Anything queued behind the canceled item still runs; the canceled one does not.
	if err := q.Do(context.Background(), "lane-1", noop); err != nil {
		t.Fatal(err)
	}
	if ran.Load() {
		t.Error("canceled work ran")
	}
}

func TestDo_WhenContextAlreadyCanceled_ShouldNotRunWork(t *testing.T) {
	q := NewLaneQueue()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := q.Do(ctx, "lane-1", func(context.Context) error {
		t.Error("work ran with a canceled context")
		return nil
	})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("want context.Canceled, got %v", err)
	}
}

func TestDo_WhenLaneBufferFull_ShouldGiveUpOnContext(t *testing.T) {
	old := defaultLaneBufferSize
	defaultLaneBufferSize = 1
	defer func() { defaultLaneBufferSize = old }()

	q := NewLaneQueue()
	release := hold(t, q, "lane-1")
	defer release()
	if err := q.Enqueue(context.Background(), "lane-1", noop); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := q.Do(ctx, "lane-1", func(context.Context) error {
		t.Error("work ran although the lane was full")
		return nil
	})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("want DeadlineExceeded, got %v", err)
	}
}

func TestDo_WhenManyCallersAcrossLanes_ShouldRunEveryItem(t *testing.T) {
	q := NewLaneQueue()
	const callers = 120
	var total int64
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = q.Do(context.Background(), fmt.Sprintf("lane-%d", i%6), func(context.Context) error {
				atomic.AddInt64(&total, 1)
				return nil
			})
		}()
	}
	wg.Wait()

	if total != callers {
		t.Errorf("expected %d runs, got %d", callers, total)
	}
	if q.LaneCount() != 6 {
		t.Errorf("expected 6 lanes, got %d", q.LaneCount())
	}
}

// =============================================================================
// Context, Pending and Close
// =============================================================================

type ctxKey struct{}

func TestDo_ShouldPassCallerContextToWork(t *testing.T) {
	q := NewLaneQueue()
	ctx := context.WithValue(context.Background(), ctxKey{}, "turn-7")

	var got any
	err := q.Do(ctx, "lane-1", func(ctx context.Context) error {
		got = ctx.Value(ctxKey{})
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if got != "turn-7" {
		t.Errorf("expected caller context value, got %v", got)
	}
}

func TestPending_ShouldCountQueuedWorkOnly(t *testing.T) {
	q := NewLaneQueue()
	if q.Pending("lane-1") != 0 {
		t.Error("expected 0 pending for unknown lane")
	}
	release := hold(t, q, "lane-1")
	if n := q.Pending("lane-1"); n != 0 {
		t.Errorf("running turn counted as pending: %d", n)
	}
	for i := 0; i < 2; i++ {
		if err := q.Enqueue(context.Background(), "lane-1", noop); err != nil {
			t.Fatal(err)
		}
	}
	if n := q.Pending("lane-1"); n != 2 {
		t.Errorf("expected 2 pending, got %d", n)
	}
	release()
	waitPending(t, q, "lane-1", 0)
}

func TestClose_ShouldDrainQueuedWorkAndRejectNewWork(t *testing.T) {
	q := NewLaneQueue()
	var ran int64
	for i := 0; i < 3; i++ {
		_ = q.Do(context.Background(), "lane-1", func(context.Context) error {
			atomic.AddInt64(&ran, 1)
			return nil
		})
	}

	if err := q.Close(context.Background()); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if atomic.LoadInt64(&ran) != 3 {
		t.Errorf("expected 3 runs, got %d", ran)
	}
	err := q.Do(context.Background(), "lane-1", noop)
	if !errors.Is(err, ErrClosed) {
		t.Errorf("want ErrClosed, got %v", err)
	}
	if err := q.Close(context.Background()); err != nil {
		t.Errorf("second Close: %v", err)
	}
}

func TestClose_WhenWorkOutlivesContext_ShouldReturnContextError(t *testing.T) {
	q := NewLaneQueue()
	release := hold(t, q, "lane-1")
	defer release()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := q.Close(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("want DeadlineExceeded, got %v", err)
	}
}

// =============================================================================
// Enqueue tests
// =============================================================================

func TestEnqueue_ShouldRunInOrderWithoutWaiting(t *testing.T) {
	q := NewLaneQueue()
	gate := make(chan struct{})
	var mu sync.Mutex
	var order []int

	for i := 0; i < 5; i++ {
		i := i
		err := q.Enqueue(context.Background(), "lane-1", func(context.Context) error {
			<-gate
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			return nil
		})
		if err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
	}
	close(gate)

	if err := q.Close(context.Background()); err != nil {
		t.Fatalf("Close: %v", err)
	}
	for i, v := range order {
		if v != i {
			t.Fatalf("expected FIFO order, got %v", order)
		}
	}
	if len(order) != 5 {
		t.Errorf("expected 5 runs, got %d", len(order))
	}
}

func TestEnqueue_WhenLaneIDEmpty_ShouldReturnError(t *testing.T) {
	q := NewLaneQueue()
	if err := q.Enqueue(context.Background(), "", noop); !errors.Is(err, ErrEmptyLaneID) {
		t.Errorf("want ErrEmptyLaneID, got %v", err)
	}
}

func TestEnqueue_WhenClosed_ShouldReturnErrClosed(t *testing.T) {
	q := NewLaneQueue()
	_ = q.Close(context.Background())
	if err := q.Enqueue(context.Background(), "lane-1", noop); !errors.Is(err, ErrClosed) {
		t.Errorf("want ErrClosed, got %v", err)
	}
}
