package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"message-pipeline/internal/domain"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeSource hands out numbered deliveries, up to limit (0 means unlimited),
// and tracks how many are held by the consumer at once.
type fakeSource struct {
	mu         sync.Mutex
	limit      int
	next       int
	held       int
	maxHeld    int
	acked      []string
	nacked     []string
	receiveErr error
	errOnce    bool
	extra      int
}

func (f *fakeSource) Receive(ctx context.Context, max int) ([]domain.Delivery, error) {
	f.mu.Lock()
	if f.receiveErr != nil {
		err := f.receiveErr
		if f.errOnce {
			f.receiveErr = nil
		}
		f.mu.Unlock()
		return nil, err
	}
	n := max + f.extra
	if f.limit > 0 && f.next+n > f.limit {
		n = f.limit - f.next
	}
	out := make([]domain.Delivery, 0, n)
	for i := 0; i < n; i++ {
		f.next++
		id := fmt.Sprintf("m%d", f.next)
		out = append(out, domain.Delivery{ID: id, AckToken: "rh-" + id, Body: []byte(id), Attempt: 1})
	}
	f.held += len(out)
	if f.held > f.maxHeld {
		f.maxHeld = f.held
	}
	f.mu.Unlock()

	if len(out) == 0 {
		// Emulate a long poll that returns empty.
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(5 * time.Millisecond):
		}
	}
	return out, nil
}

func (f *fakeSource) Ack(_ context.Context, d domain.Delivery) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.held--
	f.acked = append(f.acked, d.ID)
	return nil
}

func (f *fakeSource) Nack(_ context.Context, d domain.Delivery) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.held--
	f.nacked = append(f.nacked, d.ID)
	return nil
}

func (f *fakeSource) snapshot() (acked, nacked []string, maxHeld int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.acked...), append([]string(nil), f.nacked...), f.maxHeld
}

type funcProcessor func(ctx context.Context, d domain.Delivery) error

func (f funcProcessor) Process(ctx context.Context, d domain.Delivery) error { return f(ctx, d) }

func runConsumer(t *testing.T, c *Consumer) (cancel func(), done <-chan error) {
	t.Helper()
	ctx, cancelFn := context.WithCancel(context.Background())
	ch := make(chan error, 1)
	go func() { ch <- c.Run(ctx) }()
	return cancelFn, ch
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	require.Eventually(t, cond, 2*time.Second, 5*time.Millisecond)
}

func TestConsumer_AcksSuccessfulDeliveries(t *testing.T) {
	src := &fakeSource{limit: 25}
	c, err := New(src, funcProcessor(func(context.Context, domain.Delivery) error { return nil }), Config{Concurrency: 4}, discardLogger())
	require.NoError(t, err)

	cancel, done := runConsumer(t, c)
	waitFor(t, func() bool { acked, _, _ := src.snapshot(); return len(acked) == 25 })
	cancel()
	require.NoError(t, <-done)

	_, nacked, _ := src.snapshot()
	require.Empty(t, nacked)
	require.Zero(t, c.Outstanding())
}

func TestConsumer_NacksFailedDeliveries(t *testing.T) {
	src := &fakeSource{limit: 4}
	proc := funcProcessor(func(_ context.Context, d domain.Delivery) error {
		if d.ID == "m2" || d.ID == "m4" {
			return errors.New("decode failure")
		}
		return nil
	})
	c, err := New(src, proc, Config{Concurrency: 2}, discardLogger())
	require.NoError(t, err)

	cancel, done := runConsumer(t, c)
	waitFor(t, func() bool { a, n, _ := src.snapshot(); return len(a)+len(n) == 4 })
	cancel()
	require.NoError(t, <-done)

	acked, nacked, _ := src.snapshot()
	require.ElementsMatch(t, []string{"m1", "m3"}, acked)
	require.ElementsMatch(t, []string{"m2", "m4"}, nacked)
}

func TestConsumer_FlowControlBoundsOutstanding(t *testing.T) {
	src := &fakeSource{}
	gate := make(chan struct{})
	proc := funcProcessor(func(ctx context.Context, _ domain.Delivery) error {
		<-gate
		return nil
	})
	c, err := New(src, proc, Config{MaxOutstanding: 5, Concurrency: 2, ReceiveBatch: 3}, discardLogger())
	require.NoError(t, err)

	cancel, done := runConsumer(t, c)
	waitFor(t, func() bool { return c.Outstanding() == 5 })
	// Give the receiver a chance to overshoot if it were going to.
	time.Sleep(30 * time.Millisecond)
	_, _, maxHeld := src.snapshot()
	require.Equal(t, 5, maxHeld)

	close(gate)
	waitFor(t, func() bool { a, _, _ := src.snapshot(); return len(a) >= 20 })
	cancel()
	require.NoError(t, <-done)

	_, _, maxHeld = src.snapshot()
	require.LessOrEqual(t, maxHeld, 5)
}

func TestConsumer_ConcurrencyIsFixed(t *testing.T) {
	src := &fakeSource{limit: 30}
	var mu sync.Mutex
	active, peak := 0, 0
	proc := funcProcessor(func(context.Context, domain.Delivery) error {
		mu.Lock()
		active++
		if active > peak {
			peak = active
		}
		mu.Unlock()
		time.Sleep(5 * time.Millisecond)
		mu.Lock()
		active--
		mu.Unlock()
		return nil
	})
	c, err := New(src, proc, Config{MaxOutstanding: 20, Concurrency: 3}, discardLogger())
	require.NoError(t, err)

	cancel, done := runConsumer(t, c)
	waitFor(t, func() bool { a, _, _ := src.snapshot(); return len(a) == 30 })
	cancel()
	require.NoError(t, <-done)

	mu.Lock()
	defer mu.Unlock()
	require.LessOrEqual(t, peak, 3)
}

func TestConsumer_SurplusDeliveriesAreReturned(t *testing.T) {
	src := &fakeSource{limit: 6, extra: 2}
	c, err := New(src, funcProcessor(func(context.Context, domain.Delivery) error { return nil }), Config{MaxOutstanding: 2, Concurrency: 1}, discardLogger())
	require.NoError(t, err)

	cancel, done := runConsumer(t, c)
	waitFor(t, func() bool { a, n, _ := src.snapshot(); return len(a)+len(n) == 6 })
	cancel()
	require.NoError(t, <-done)

	_, nacked, _ := src.snapshot()
	require.NotEmpty(t, nacked)
}

func TestConsumer_ReceiveErrorBacksOffAndRecovers(t *testing.T) {
	src := &fakeSource{limit: 3, receiveErr: errors.New("throttled"), errOnce: true}
	c, err := New(src, funcProcessor(func(context.Context, domain.Delivery) error { return nil }), Config{ErrorBackoff: 10 * time.Millisecond}, discardLogger())
	require.NoError(t, err)

	cancel, done := runConsumer(t, c)
	waitFor(t, func() bool { a, _, _ := src.snapshot(); return len(a) == 3 })
	cancel()
	require.NoError(t, <-done)
}

func TestConsumer_ShutdownFinishesInFlightAndNacksBuffered(t *testing.T) {
	src := &fakeSource{limit: 4}
	started := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	proc := funcProcessor(func(ctx context.Context, _ domain.Delivery) error {
		once.Do(func() { close(started) })
		<-release
		return ctx.Err()
	})
	c, err := New(src, proc, Config{MaxOutstanding: 4, Concurrency: 1}, discardLogger())
	require.NoError(t, err)

	cancel, done := runConsumer(t, c)
	<-started
	waitFor(t, func() bool { return c.Outstanding() == 4 })
	cancel()
	close(release)
	require.NoError(t, <-done)

	acked, nacked, _ := src.snapshot()
	require.Equal(t, []string{"m1"}, acked, "in-flight delivery completes with a live context")
	require.ElementsMatch(t, []string{"m2", "m3", "m4"}, nacked)
	require.Zero(t, c.Outstanding())
}

func TestNew_Validation(t *testing.T) {
	_, err := New(nil, funcProcessor(nil), Config{}, nil)
	require.Error(t, err)
	_, err = New(&fakeSource{}, nil, Config{}, nil)
	require.Error(t, err)

	c, err := New(&fakeSource{}, funcProcessor(nil), Config{MaxOutstanding: 4}, nil)
	require.NoError(t, err)
	require.Equal(t, 4, c.cfg.ReceiveBatch)
	require.Equal(t, DefaultConcurrency, c.cfg.Concurrency)
}
