package testing

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestGoroutineTest(t *testing.T) {
	gt := NewGoroutineTestWithTimeout(t, 5*time.Second)
	defer gt.Wait()

	var n atomic.Int32
	for i := 0; i < 5; i++ {
		gt.Go(func() error {
			n.Add(1)
			return nil
		})
	}
	gt.GoWithContext(func(ctx context.Context) error {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(10 * time.Millisecond):
			return nil
		}
	})
}

func TestEventually(t *testing.T) {
	var n atomic.Int32
	go func() {
		time.Sleep(20 * time.Millisecond)
		n.Store(1)
	}()
	if err := Eventually(time.Second, 5*time.Millisecond, func() bool { return n.Load() == 1 }); err != nil {
		t.Fatal(err)
	}
	if err := Eventually(20*time.Millisecond, 5*time.Millisecond, func() bool { return false }); err == nil {
		t.Error("expected timeout error")
	}
}

func TestRetry(t *testing.T) {
	calls := 0
	err := Retry(3, time.Millisecond, func() error {
		calls++
		if calls < 3 {
			return errors.New("not yet")
		}
		return nil
	})
	if err != nil || calls != 3 {
		t.Errorf("Retry = %v after %d calls, want nil after 3", err, calls)
	}
	if err := Retry(2, time.Millisecond, func() error { return errors.New("always") }); err == nil {
		t.Error("expected error")
	}
}

func TestWithTimeout(t *testing.T) {
	if err := WithTimeout(time.Second, func() error { return nil }); err != nil {
		t.Error(err)
	}
	if err := WithTimeout(10*time.Millisecond, func() error {
		time.Sleep(200 * time.Millisecond)
		return nil
	}); err == nil {
		t.Error("expected timeout")
	}
}

func TestAsserts(t *testing.T) {
	if AssertEqual(1, 1, "eq") != nil {
		t.Error("equal values reported as different")
	}
	if AssertEqual("a", "b", "eq") == nil {
		t.Error("different values reported as equal")
	}
	if AssertNoError(errors.New("x"), "op") == nil {
		t.Error("error not reported")
	}
}
