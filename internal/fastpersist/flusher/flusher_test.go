package flusher

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestFlusher_SizeTriggeredFlush(t *testing.T) {
	var mu sync.Mutex
	var flushed []int

	f := New(3, time.Hour, func(ctx context.Context, batch []int) error {
		mu.Lock()
		flushed = append(flushed, batch...)
		mu.Unlock()
		return nil
	}, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.Start(ctx)
	defer f.Close(context.Background())

	f.Add(1)
	f.Add(2)
	f.Add(3) // crosses maxBatchSize, should trigger an async flush

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		n := len(flushed)
		mu.Unlock()
		if n == 3 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("expected 3 flushed items, got %d", len(flushed))
}

func TestFlusher_CloseFlushesRemainder(t *testing.T) {
	var mu sync.Mutex
	var flushed []int

	f := New(1000, time.Hour, func(ctx context.Context, batch []int) error {
		mu.Lock()
		flushed = append(flushed, batch...)
		mu.Unlock()
		return nil
	}, nil, nil)

	f.Start(context.Background())
	f.Add(42)
	f.Close(context.Background())

	mu.Lock()
	defer mu.Unlock()
	if len(flushed) != 1 || flushed[0] != 42 {
		t.Fatalf("expected [42] flushed on close, got %v", flushed)
	}
}

func TestFlusher_RetriesAfterUpsertError(t *testing.T) {
	var mu sync.Mutex
	attempts := 0
	succeeded := false

	f := New(1, time.Hour, func(ctx context.Context, batch []int) error {
		mu.Lock()
		defer mu.Unlock()
		attempts++
		if attempts == 1 {
			return context.DeadlineExceeded
		}
		succeeded = true
		return nil
	}, nil, nil)

	ctx := context.Background()
	f.Start(ctx)
	defer f.Close(context.Background())

	f.Add(1)

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		ok := succeeded
		mu.Unlock()
		if ok {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("expected upsert to eventually succeed after retry")
}
