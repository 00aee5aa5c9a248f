package idempotency

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"github.com/council-proxy/council/core"
	"github.com/council-proxy/council/types"
)

func setupTestStore(t *testing.T) (*miniredis.Miniredis, *Store) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}

	rc, err := core.NewRedisClient(core.RedisClientOptions{
		RedisURL:  "redis://" + mr.Addr(),
		DB:        core.RedisDBIdempotency,
		Namespace: "council:idem",
	})
	if err != nil {
		mr.Close()
		t.Fatalf("failed to connect to miniredis: %v", err)
	}

	return mr, NewStore(rc, nil)
}

func TestClaim_FirstCallerWinsTheRace(t *testing.T) {
	mr, store := setupTestStore(t)
	defer mr.Close()

	existing, found, err := store.Claim(context.Background(), "key-1", "req-1", time.Minute)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if found {
		t.Error("expected the first claim to not find a pre-existing record")
	}
	if existing.Status != types.IdempotencyInProgress {
		t.Errorf("expected InProgress, got %s", existing.Status)
	}
}

func TestClaim_SecondCallerSeesInProgress(t *testing.T) {
	mr, store := setupTestStore(t)
	defer mr.Close()
	ctx := context.Background()

	if _, _, err := store.Claim(ctx, "key-1", "req-1", time.Minute); err != nil {
		t.Fatalf("first claim failed: %v", err)
	}

	existing, found, err := store.Claim(ctx, "key-1", "req-2", time.Minute)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !found {
		t.Fatal("expected second claim to observe the existing record")
	}
	if existing.Status != types.IdempotencyInProgress {
		t.Errorf("expected InProgress, got %s", existing.Status)
	}
	if existing.RequestID != "req-1" {
		t.Errorf("expected existing record to belong to the original requester, got %q", existing.RequestID)
	}
}

func TestCompleteSuccess_ReplaysTheSameDecision(t *testing.T) {
	mr, store := setupTestStore(t)
	defer mr.Close()
	ctx := context.Background()

	if _, _, err := store.Claim(ctx, "key-1", "req-1", time.Minute); err != nil {
		t.Fatalf("claim failed: %v", err)
	}

	decision := types.ConsensusDecision{Content: "42", Confidence: types.ConfidenceHigh}
	if err := store.CompleteSuccess(ctx, "key-1", "req-1", decision, time.Minute); err != nil {
		t.Fatalf("CompleteSuccess failed: %v", err)
	}

	existing, found, err := store.Claim(ctx, "key-1", "req-2", time.Minute)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !found {
		t.Fatal("expected the completed record to be found")
	}
	if existing.Status != types.IdempotencyCompleted {
		t.Fatalf("expected Completed, got %s", existing.Status)
	}
	if existing.Decision == nil || existing.Decision.Content != "42" {
		t.Errorf("expected the cached decision to be replayed, got %+v", existing.Decision)
	}
}

func TestWait_ReturnsOnceStatusLeavesInProgress(t *testing.T) {
	mr, store := setupTestStore(t)
	defer mr.Close()
	ctx := context.Background()

	if _, _, err := store.Claim(ctx, "key-1", "req-1", time.Minute); err != nil {
		t.Fatalf("claim failed: %v", err)
	}

	done := make(chan types.IdempotencyRecord, 1)
	errCh := make(chan error, 1)
	go func() {
		rec, err := store.Wait(ctx, "key-1")
		if err != nil {
			errCh <- err
			return
		}
		done <- rec
	}()

	time.Sleep(50 * time.Millisecond)
	decision := types.ConsensusDecision{Content: "done"}
	if err := store.CompleteSuccess(ctx, "key-1", "req-1", decision, time.Minute); err != nil {
		t.Fatalf("CompleteSuccess failed: %v", err)
	}

	select {
	case rec := <-done:
		if rec.Status != types.IdempotencyCompleted {
			t.Errorf("expected Completed, got %s", rec.Status)
		}
	case err := <-errCh:
		t.Fatalf("Wait returned an error: %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("Wait did not return after completion")
	}
}

func TestWait_TimesOutWhenContextExpires(t *testing.T) {
	mr, store := setupTestStore(t)
	defer mr.Close()
	ctx := context.Background()

	if _, _, err := store.Claim(ctx, "key-1", "req-1", time.Minute); err != nil {
		t.Fatalf("claim failed: %v", err)
	}

	waitCtx, cancel := context.WithTimeout(ctx, 150*time.Millisecond)
	defer cancel()

	_, err := store.Wait(waitCtx, "key-1")
	if err == nil {
		t.Fatal("expected an error when the wait context expires while still in progress")
	}
}
