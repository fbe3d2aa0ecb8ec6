// Package idempotency makes state-changing requests safe to retry. A request
// claims (store, action, key) by inserting a PROCESSING row; the unique index
// decides the winner and every loser inspects the stored record.
package idempotency

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"backoffice/backend/internal/domain"
	"backoffice/backend/internal/store"
	"backoffice/backend/internal/xid"
)

const (
	DefaultStaleAfter = 5 * time.Minute
	DefaultRetention  = 72 * time.Hour

	claimAttempts = 3
)

type Outcome string

const (
	Acquired   Outcome = "acquired"
	Replay     Outcome = "replay"
	Processing Outcome = "processing"
	Conflict   Outcome = "conflict"
)

// ErrSuperseded is returned by Complete when the claim was timed out and
// taken over by a retry. The stored response belongs to the retry.
var ErrSuperseded = errors.New("idempotency claim superseded")

// Claim is the result of a claim attempt. RecordID and Attempt are set for
// Acquired; ResponseStatus and ResponseBody for Replay.
type Claim struct {
	Outcome        Outcome
	RecordID       string
	Attempt        int
	ResponseStatus int
	ResponseBody   []byte
}

// Fence is the store token that ties the request's writes to this attempt.
func (c Claim) Fence() store.Claim {
	return store.Claim{RecordID: c.RecordID, Attempt: c.Attempt}
}

type Repository interface {
	CreateIdempotencyRecord(ctx context.Context, rec domain.IdempotencyRecord) error
	GetIdempotencyRecord(ctx context.Context, storeID string, action string, key string) (*domain.IdempotencyRecord, error)
	CompleteIdempotencyRecord(ctx context.Context, id string, attempt int, status domain.IdempotencyStatus, httpStatus int, body []byte, at time.Time) (bool, error)
	ReclaimIdempotencyRecord(ctx context.Context, id string, requestHash string, at time.Time) (int, bool, error)
	FailStaleIdempotencyRecords(ctx context.Context, startedBefore time.Time, httpStatus int, body []byte, at time.Time) (int, error)
	DeleteIdempotencyRecords(ctx context.Context, completedBefore time.Time) (int, error)
}

type Options struct {
	StaleAfter time.Duration
	Retention  time.Duration
}

type Gate struct {
	repo       Repository
	log        *zap.Logger
	staleAfter time.Duration
	retention  time.Duration
	now        func() time.Time
}

func NewGate(repo Repository, opts Options, log *zap.Logger) *Gate {
	if opts.StaleAfter <= 0 {
		opts.StaleAfter = DefaultStaleAfter
	}
	if opts.Retention <= 0 {
		opts.Retention = DefaultRetention
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Gate{
		repo:       repo,
		log:        log,
		staleAfter: opts.StaleAfter,
		retention:  opts.Retention,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

func (g *Gate) Claim(ctx context.Context, storeID string, action string, key string, requestHash string) (Claim, error) {
	for attempt := 0; attempt < claimAttempts; attempt++ {
		now := g.now()
		rec := domain.IdempotencyRecord{
			ID:             xid.New("idem"),
			StoreID:        storeID,
			Action:         action,
			IdempotencyKey: key,
			RequestHash:    requestHash,
			Status:         domain.IdempotencyProcessing,
			CreatedAt:      now,
			Attempt:        1,
		}
		err := g.repo.CreateIdempotencyRecord(ctx, rec)
		if err == nil {
			return Claim{Outcome: Acquired, RecordID: rec.ID, Attempt: rec.Attempt}, nil
		}
		if !errors.Is(err, store.ErrDuplicate) {
			return Claim{}, fmt.Errorf("claim idempotency key: %w", err)
		}

		existing, err := g.repo.GetIdempotencyRecord(ctx, storeID, action, key)
		if errors.Is(err, store.ErrNotFound) {
			// Swept between the insert and the read.
			continue
		}
		if err != nil {
			return Claim{}, fmt.Errorf("load idempotency record: %w", err)
		}

		if existing.RequestHash != requestHash {
			return Claim{Outcome: Conflict}, nil
		}
		if existing.Status == domain.IdempotencyProcessing {
			return Claim{Outcome: Processing}, nil
		}
		// A server failure is retryable unless the writes behind it committed.
		if existing.Status == domain.IdempotencyFailed && existing.ResponseStatus >= http.StatusInternalServerError && !existing.EffectsCommitted {
			attempt, ok, err := g.repo.ReclaimIdempotencyRecord(ctx, existing.ID, requestHash, now)
			if err != nil {
				return Claim{}, fmt.Errorf("reclaim idempotency record: %w", err)
			}
			if ok {
				g.log.Info("idempotency key reclaimed after server failure",
					zap.String("store_id", storeID),
					zap.String("action", action),
					zap.Int("previous_status", existing.ResponseStatus),
					zap.Int("attempt", attempt),
				)
				return Claim{Outcome: Acquired, RecordID: existing.ID, Attempt: attempt}, nil
			}
			continue
		}
		return Claim{
			Outcome:        Replay,
			ResponseStatus: existing.ResponseStatus,
			ResponseBody:   existing.ResponseBody,
		}, nil
	}
	return Claim{Outcome: Processing}, nil
}

// Complete stores the final response for an acquired claim. Status codes
// below 400 mark the record SUCCEEDED, everything else FAILED. A claim that a
// retry has taken over leaves the record alone and returns ErrSuperseded.
func (g *Gate) Complete(ctx context.Context, claim Claim, httpStatus int, body []byte) error {
	status := domain.IdempotencySucceeded
	if httpStatus >= http.StatusBadRequest {
		status = domain.IdempotencyFailed
	}
	ok, err := g.repo.CompleteIdempotencyRecord(context.WithoutCancel(ctx), claim.RecordID, claim.Attempt, status, httpStatus, body, g.now())
	if err != nil {
		return fmt.Errorf("complete idempotency record: %w", err)
	}
	if !ok {
		return ErrSuperseded
	}
	return nil
}

// Sweep fails requests stuck in PROCESSING and deletes terminal records past
// retention.
func (g *Gate) Sweep(ctx context.Context) (domain.SweepResult, error) {
	now := g.now()
	body, _ := json.Marshal(map[string]string{
		"error": "request did not complete in time",
		"code":  domain.CodeIdempotencyTimeout,
		"kind":  string(domain.KindInternal),
	})

	timedOut, err := g.repo.FailStaleIdempotencyRecords(ctx, now.Add(-g.staleAfter), http.StatusGatewayTimeout, body, now)
	if err != nil {
		return domain.SweepResult{}, fmt.Errorf("fail stale idempotency records: %w", err)
	}
	deleted, err := g.repo.DeleteIdempotencyRecords(ctx, now.Add(-g.retention))
	if err != nil {
		return domain.SweepResult{TimedOut: timedOut}, fmt.Errorf("delete expired idempotency records: %w", err)
	}
	result := domain.SweepResult{TimedOut: timedOut, Deleted: deleted}
	if timedOut > 0 || deleted > 0 {
		g.log.Info("idempotency sweep", zap.Int("timed_out", timedOut), zap.Int("deleted", deleted))
	}
	return result, nil
}

// HashRequest fingerprints a request. JSON bodies are canonicalized so key
// order and whitespace do not change the hash.
func HashRequest(method string, route string, body []byte) string {
	h := sha256.New()
	h.Write([]byte(method))
	h.Write([]byte{0})
	h.Write([]byte(route))
	h.Write([]byte{0})
	h.Write(canonicalBody(body))
	return hex.EncodeToString(h.Sum(nil))
}

func canonicalBody(body []byte) []byte {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 || !json.Valid(trimmed) {
		return trimmed
	}
	dec := json.NewDecoder(bytes.NewReader(trimmed))
	dec.UseNumber()
	var value any
	if err := dec.Decode(&value); err != nil {
		return trimmed
	}
	canonical, err := json.Marshal(value)
	if err != nil {
		return trimmed
	}
	return canonical
}
