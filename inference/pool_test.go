package inference

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func newTestPool(t *testing.T, size int) *Pool {
	t.Helper()
	skipIfNoModel(t, testEncoderPath)

	pool, err := NewPool(encoderConfig(), size)
	if err != nil {
		if isORTUnavailableError(err) {
			t.Skipf("Skipping: ONNX runtime not available: %v", err)
		}
		t.Fatalf("NewPool failed: %v", err)
	}
	return pool
}

func TestNewPool_InvalidSize(t *testing.T) {
	for _, size := range []int{0, -5} {
		pool := newTestPool(t, size)
		if pool.Size() != 1 {
			t.Errorf("NewPool(%d): expected size 1, got %d", size, pool.Size())
		}
		_ = pool.Close()
	}
}

func TestNewPool_ModelNotFound(t *testing.T) {
	cfg := encoderConfig()
	cfg.ModelPath = "../testdata/nonexistent.onnx"
	if _, err := NewPool(cfg, 2); err == nil {
		t.Error("expected error for non-existent model file")
	}
}

func TestPool_AcquireRelease(t *testing.T) {
	pool := newTestPool(t, 2)
	defer func() { _ = pool.Close() }()

	ctx := context.Background()

	s1, err := pool.Acquire(ctx)
	if err != nil {
		t.Fatalf("Acquire 1 failed: %v", err)
	}
	s2, err := pool.Acquire(ctx)
	if err != nil {
		t.Fatalf("Acquire 2 failed: %v", err)
	}

	// Third acquire should block
	ctx3, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	if _, err := pool.Acquire(ctx3); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected DeadlineExceeded, got %v", err)
	}

	pool.Release(s1)
	s3, err := pool.Acquire(ctx)
	if err != nil {
		t.Fatalf("Acquire 3 failed: %v", err)
	}

	pool.Release(s2)
	pool.Release(s3)
	pool.Release(nil)
}

func TestPool_Run(t *testing.T) {
	pool := newTestPool(t, 1)
	defer func() { _ = pool.Close() }()

	outs, err := pool.Run(context.Background(), imageInput())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if len(outs[0].Data) == 0 {
		t.Error("expected non-empty output")
	}
}

func TestPool_Close_Idempotent(t *testing.T) {
	pool := newTestPool(t, 2)

	if err := pool.Close(); err != nil {
		t.Errorf("first Close failed: %v", err)
	}
	if err := pool.Close(); err != nil {
		t.Errorf("second Close failed: %v", err)
	}
	if _, err := pool.Acquire(context.Background()); !errors.Is(err, ErrPoolClosed) {
		t.Errorf("expected ErrPoolClosed, got %v", err)
	}
}

func TestPool_ReleaseAfterClose(t *testing.T) {
	pool := newTestPool(t, 1)

	session, err := pool.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	if err := pool.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	// Closes the session instead of returning it
	pool.Release(session)
	if _, err := session.Run(context.Background(), imageInput()); !errors.Is(err, ErrSessionClosed) {
		t.Errorf("expected ErrSessionClosed, got %v", err)
	}
}

func TestPool_AcquireContextCancellation(t *testing.T) {
	pool := newTestPool(t, 1)
	defer func() { _ = pool.Close() }()

	s1, err := pool.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire 1 failed: %v", err)
	}
	defer pool.Release(s1)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := pool.Acquire(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}

func TestPool_ConcurrentAccess(t *testing.T) {
	pool := newTestPool(t, 3)
	defer func() { _ = pool.Close() }()

	var wg sync.WaitGroup
	var successCount, errCount int64

	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 5; j++ {
				ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
				session, err := pool.Acquire(ctx)
				cancel()
				if err != nil {
					atomic.AddInt64(&errCount, 1)
					continue
				}
				time.Sleep(time.Millisecond)
				pool.Release(session)
				atomic.AddInt64(&successCount, 1)
			}
		}()
	}
	wg.Wait()

	if successCount == 0 {
		t.Error("expected at least some successful acquire/release cycles")
	}
	t.Logf("Concurrent test completed: %d successes, %d timeouts", successCount, errCount)
}
