package actors

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"loanflow/esign"
	"loanflow/phoneverify"
)

// Stats counts actor outcomes across goroutines.
type Stats struct {
	Delivered atomic.Int64
	Failed    atomic.Int64
	Verified  atomic.Int64
	Published atomic.Int64
}

// Envelope is one loan's envelope and the provider statuses it may emit.
type Envelope struct {
	ID       string
	LoanID   string
	Statuses []string
}

// WebhookSender delivers duplicated, out-of-order status events for env in
// both payload shapes. Store failures are counted; a malformed payload is a bug.
func WebhookSender(ctx context.Context, svc *esign.Service, env Envelope, seed int64, stats *Stats, stop <-chan struct{}) error {
	rng := rand.New(rand.NewSource(seed))
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}

		status := env.Statuses[rng.Intn(len(env.Statuses))]
		body := webhookBody(rng, env, status)

		_, err := svc.HandleWebhook(ctx, body)
		switch {
		case err == nil:
			stats.Delivered.Add(1)
		case errors.Is(err, esign.ErrInvalidPayload):
			return fmt.Errorf("webhook sender %s: %w", env.ID, err)
		case ctx.Err() != nil:
			return ctx.Err()
		default:
			stats.Failed.Add(1)
		}
		time.Sleep(time.Duration(5+rng.Intn(20)) * time.Millisecond)
	}
}

func webhookBody(rng *rand.Rand, env Envelope, status string) []byte {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	completed := ""
	if status == "completed" {
		completed = fmt.Sprintf(`,"completedDateTime":%q`, now)
	}
	hint := ""
	if rng.Intn(2) == 0 {
		hint = fmt.Sprintf(`,"customFields":{"loan_id":%q}`, env.LoanID)
	}

	if rng.Intn(2) == 0 {
		return []byte(fmt.Sprintf(
			`{"event":"envelope-%s","data":{"envelopeId":%q,"envelopeSummary":{"status":%q,"statusChangedDateTime":%q%s%s}}}`,
			status, env.ID, status, now, completed, hint,
		))
	}
	return []byte(fmt.Sprintf(
		`{"envelopeId":%q,"status":%q,"statusChangedDateTime":%q%s%s}`,
		env.ID, status, now, completed, hint,
	))
}

// ApprovingProvider accepts every code.
type ApprovingProvider struct{}

func (ApprovingProvider) CheckCode(context.Context, string, string) (phoneverify.CheckOutcome, error) {
	return phoneverify.CheckOutcome{Status: phoneverify.ProviderStatusApproved, Valid: true}, nil
}

func (ApprovingProvider) SendCode(context.Context, string) (string, error) {
	return phoneverify.ProviderStatusPending, nil
}

// PhoneChecker confirms codes for loanID while webhooks race on the same row.
func PhoneChecker(ctx context.Context, svc *phoneverify.Service, loanID string, seed int64, stats *Stats, stop <-chan struct{}) error {
	rng := rand.New(rand.NewSource(seed))
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}

		res, err := svc.Check(ctx, phoneverify.CheckRequest{
			PhoneNumber: fmt.Sprintf("555%07d", rng.Intn(10_000_000)),
			Code:        "123456",
			LoanID:      loanID,
		})
		switch {
		case err == nil && res.Success:
			stats.Verified.Add(1)
		case err == nil:
			return fmt.Errorf("phone checker %s: unexpected rejection %+v", loanID, res)
		case ctx.Err() != nil:
			return ctx.Err()
		default:
			stats.Failed.Add(1)
		}
		time.Sleep(time.Duration(30+rng.Intn(50)) * time.Millisecond)
	}
}

// OutboxWorker consumes pending outbox messages with SKIP LOCKED and marks them processed.
func OutboxWorker(ctx context.Context, pool *pgxpool.Pool, stats *Stats, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		tx, err := pool.Begin(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			time.Sleep(50 * time.Millisecond)
			continue
		}
		rows, err := tx.Query(ctx, `SELECT id::text FROM outbox WHERE status='pending' ORDER BY created_at FOR UPDATE SKIP LOCKED LIMIT 10`)
		if err != nil {
			_ = tx.Rollback(ctx)
			time.Sleep(50 * time.Millisecond)
			continue
		}
		ids := make([]string, 0, 10)
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err == nil {
				ids = append(ids, id)
			}
		}
		rows.Close()
		for _, id := range ids {
			_, _ = tx.Exec(ctx, `UPDATE outbox SET status='processed', attempts=attempts+1 WHERE id=$1`, id)
		}
		if err := tx.Commit(ctx); err == nil {
			stats.Published.Add(int64(len(ids)))
		}
		time.Sleep(100 * time.Millisecond)
	}
}
