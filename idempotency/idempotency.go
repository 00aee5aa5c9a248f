// Package idempotency coordinates exactly-once orchestration per
// idempotency key (spec §4.4), grounded on sub2api's IdempotencyCoordinator
// claim/reclaim pattern but re-keyed onto Redis instead of a SQL repository,
// consistent with core/redis_client.go's DB-isolation-by-concern convention
// (RedisDBIdempotency).
package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/council-proxy/council/ccerrors"
	"github.com/council-proxy/council/core"
	"github.com/council-proxy/council/types"
)

// Store coordinates idempotency-key claims over Redis. Unlike sub2api's
// repository (separate CreateProcessing/TryReclaim/MarkSucceeded calls
// against row state), Redis's SETNX collapses "claim if absent" into one
// atomic round trip; completion/failure still need a follow-up Set since
// Redis has no compare-and-swap-on-value primitive the go-redis v8 client
// exposes as a single call.
type Store struct {
	redis    *core.RedisClient
	logger   core.Logger
	pollEvery time.Duration
}

// NewStore creates an idempotency coordinator over an already-connected
// Redis client (expected to be opened against core.RedisDBIdempotency).
func NewStore(redis *core.RedisClient, logger core.Logger) *Store {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	return &Store{redis: redis, logger: logger, pollEvery: 100 * time.Millisecond}
}

// record is the JSON-serialized shape stored under each idempotency key.
type record struct {
	Key       string                    `json:"key"`
	RequestID string                    `json:"requestId"`
	Status    types.IdempotencyStatus   `json:"status"`
	Decision  *types.ConsensusDecision  `json:"decision,omitempty"`
	Error     *types.ErrorResponse      `json:"error,omitempty"`
	Timestamp time.Time                 `json:"timestamp"`
}

func keyFor(idempotencyKey string) string {
	return fmt.Sprintf("idem:%s", idempotencyKey)
}

// Claim attempts to atomically become the owner of an idempotency key for
// requestID, within ttl. Returns (existing, true) if a record already
// existed (in any status) — the caller must inspect existing.Status:
// InProgress means poll via Wait; Completed/Failed means replay the stored
// result/error directly without re-running the council (spec §4.4).
func (s *Store) Claim(ctx context.Context, idempotencyKey, requestID string, ttl time.Duration) (types.IdempotencyRecord, bool, error) {
	rec := record{
		Key:       idempotencyKey,
		RequestID: requestID,
		Status:    types.IdempotencyInProgress,
		Timestamp: time.Now(),
	}
	buf, err := json.Marshal(rec)
	if err != nil {
		return types.IdempotencyRecord{}, false, fmt.Errorf("marshal idempotency claim: %w", err)
	}

	won, err := s.redis.SetNX(ctx, keyFor(idempotencyKey), buf, ttl)
	if err != nil {
		return types.IdempotencyRecord{}, false, ccerrors.New("idempotency.Claim", ccerrors.KindServiceUnavailable, "", "redis unavailable", err)
	}
	if won {
		return toPublic(rec), false, nil
	}

	existing, err := s.get(ctx, idempotencyKey)
	if err != nil {
		return types.IdempotencyRecord{}, false, err
	}
	return existing, true, nil
}

// get fetches and decodes the raw record for a key, returning
// IdempotencyNotFound (not an error) if it has expired or was never set —
// this covers the narrow race between SetNX losing and the winner's TTL
// lapsing before this read.
func (s *Store) get(ctx context.Context, idempotencyKey string) (types.IdempotencyRecord, error) {
	raw, err := s.redis.Get(ctx, keyFor(idempotencyKey))
	if errors.Is(err, context.DeadlineExceeded) {
		return types.IdempotencyRecord{}, ccerrors.New("idempotency.get", ccerrors.KindTimeout, "", "redis get timed out", err)
	}
	if err != nil {
		// go-redis returns redis.Nil for a missing key; treat any other
		// Get failure the same way here since the caller only needs to
		// distinguish "found" from "not found", not the transport detail.
		return types.IdempotencyRecord{Key: idempotencyKey, Status: types.IdempotencyNotFound}, nil
	}

	var rec record
	if jsonErr := json.Unmarshal([]byte(raw), &rec); jsonErr != nil {
		return types.IdempotencyRecord{}, fmt.Errorf("decode idempotency record: %w", jsonErr)
	}
	return toPublic(rec), nil
}

// CompleteSuccess records a successful decision against the key, keeping it
// cached until ttl expires so replays return the same answer.
func (s *Store) CompleteSuccess(ctx context.Context, idempotencyKey, requestID string, decision types.ConsensusDecision, ttl time.Duration) error {
	rec := record{
		Key:       idempotencyKey,
		RequestID: requestID,
		Status:    types.IdempotencyCompleted,
		Decision:  &decision,
		Timestamp: time.Now(),
	}
	return s.store(ctx, idempotencyKey, rec, ttl)
}

// CompleteFailure records failure against the key as a `failed` entry,
// tagged with its CouncilError kind ("Unknown" otherwise). It caches any
// error it is given; it does not check ccerrors.IsFatal.
func (s *Store) CompleteFailure(ctx context.Context, idempotencyKey, requestID string, failure error, ttl time.Duration) error {
	kind := "Unknown"
	var ce *ccerrors.CouncilError
	if errors.As(failure, &ce) {
		kind = string(ce.Kind)
	}
	rec := record{
		Key:       idempotencyKey,
		RequestID: requestID,
		Status:    types.IdempotencyFailed,
		Error:     &types.ErrorResponse{Kind: kind, Message: failure.Error()},
		Timestamp: time.Now(),
	}
	return s.store(ctx, idempotencyKey, rec, ttl)
}

func (s *Store) store(ctx context.Context, idempotencyKey string, rec record, ttl time.Duration) error {
	buf, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal idempotency record: %w", err)
	}
	if err := s.redis.Set(ctx, keyFor(idempotencyKey), buf, ttl); err != nil {
		return ccerrors.New("idempotency.store", ccerrors.KindServiceUnavailable, "", "redis unavailable", err)
	}
	return nil
}

// Wait polls a key until it leaves InProgress or ctx is done, per spec
// §4.4's 100ms poll interval. Returns ErrWaitTimeout if ctx expires first.
func (s *Store) Wait(ctx context.Context, idempotencyKey string) (types.IdempotencyRecord, error) {
	ticker := time.NewTicker(s.pollEvery)
	defer ticker.Stop()

	for {
		rec, err := s.get(ctx, idempotencyKey)
		if err != nil {
			return types.IdempotencyRecord{}, err
		}
		if rec.Status != types.IdempotencyInProgress && rec.Status != types.IdempotencyNotFound {
			return rec, nil
		}

		select {
		case <-ctx.Done():
			return types.IdempotencyRecord{}, ccerrors.New("idempotency.Wait", ccerrors.KindTimeout, "", "", ccerrors.ErrWaitTimeout)
		case <-ticker.C:
		}
	}
}

func toPublic(rec record) types.IdempotencyRecord {
	return types.IdempotencyRecord{
		Key:       rec.Key,
		RequestID: rec.RequestID,
		Status:    rec.Status,
		Decision:  rec.Decision,
		Error:     rec.Error,
		Timestamp: rec.Timestamp,
	}
}
