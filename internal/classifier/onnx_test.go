package classifier

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"sync/atomic"
	"testing"
	"time"
)

func newTestONNX(t *testing.T, infer func(*session, []float32) (float64, error)) *ONNXClassifier {
	t.Helper()
	var created int32
	pool, err := newSessionPool(1, 100*time.Millisecond, fakeFactory(&created))
	if err != nil {
		t.Fatalf("newSessionPool failed: %v", err)
	}
	t.Cleanup(pool.Destroy)
	return &ONNXClassifier{
		cfg:    ONNXConfig{WindowSize: 2, FrameSize: 2, PoolSize: 1},
		pool:   pool,
		logger: slog.Default(),
		infer:  infer,
	}
}

func waitIdle(t *testing.T, pool *sessionPool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for pool.Metrics().InUse != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("session never returned to the pool: %+v", pool.Metrics())
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestONNXClassify(t *testing.T) {
	c := newTestONNX(t, func(_ *session, data []float32) (float64, error) {
		if len(data) != 2*3*2*2 {
			t.Errorf("Expected %d input values, got %d", 2*3*2*2, len(data))
		}
		return 0, nil
	})

	prob, err := c.Classify(context.Background(), testBatch(2, 2))
	if err != nil {
		t.Fatalf("Classify failed: %v", err)
	}
	if math.Abs(prob-0.5) > 1e-9 {
		t.Errorf("Expected sigmoid(0)=0.5, got %f", prob)
	}
	if m := c.Metrics(); m.InUse != 0 || m.TotalReleased != 1 {
		t.Errorf("Expected session released, got %+v", m)
	}
}

func TestONNXClassify_MalformedBatch(t *testing.T) {
	c := newTestONNX(t, func(*session, []float32) (float64, error) {
		t.Error("infer called for a malformed batch")
		return 0, nil
	})

	var perr *ProcessingError
	if _, err := c.Classify(context.Background(), testBatch(3, 2)); !errors.As(err, &perr) {
		t.Fatalf("Expected ProcessingError, got %v", err)
	}
}

func TestONNXClassify_InferenceFailureDiscards(t *testing.T) {
	c := newTestONNX(t, func(*session, []float32) (float64, error) {
		return 0, errors.New("bad graph")
	})

	_, err := c.Classify(context.Background(), testBatch(2, 2))
	var perr *ProcessingError
	if !errors.As(err, &perr) {
		t.Fatalf("Expected ProcessingError, got %v", err)
	}
	if m := c.Metrics(); m.Discarded != 1 {
		t.Errorf("Expected 1 discarded session, got %+v", m)
	}
}

func TestONNXClassify_DeadlineAbandonsRun(t *testing.T) {
	unblock := make(chan struct{})
	var calls atomic.Int32
	c := newTestONNX(t, func(*session, []float32) (float64, error) {
		if calls.Add(1) == 1 {
			<-unblock
			return 5, nil
		}
		return 0, nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := c.Classify(ctx, testBatch(2, 2))
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Expected context.DeadlineExceeded, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("Classify waited %v for a hung inference", elapsed)
	}

	// The hung run still holds the only session.
	if m := c.Metrics(); m.InUse != 1 {
		t.Errorf("Expected the abandoned run to hold its session, got %+v", m)
	}

	close(unblock)
	waitIdle(t, c.pool)

	prob, err := c.Classify(context.Background(), testBatch(2, 2))
	if err != nil {
		t.Fatalf("Classify after abandoned run failed: %v", err)
	}
	if math.Abs(prob-0.5) > 1e-9 {
		t.Errorf("Expected 0.5 from the fresh run, got %f", prob)
	}
}
